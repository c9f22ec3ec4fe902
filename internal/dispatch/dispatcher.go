// ABOUTME: Dispatcher - the single entry point routing one user turn to a backend
// ABOUTME: Admission, continuity, credential rotation, and classified retry live here

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/seance-gateway/internal/admission"
	"github.com/2389/seance-gateway/internal/backend"
	"github.com/2389/seance-gateway/internal/conversation"
	"github.com/2389/seance-gateway/internal/credential"
	"github.com/2389/seance-gateway/internal/dedupe"
	"github.com/2389/seance-gateway/internal/store"
	"github.com/2389/seance-gateway/internal/userpref"
)

// ErrDuplicate is returned when the same frontend message ID arrives twice
// inside the suppression window.
var ErrDuplicate = errors.New("duplicate message")

// DefaultRetryBudget is how much failure a single turn absorbs before giving
// up. Fractional so that auth-looking failures, which reverse proxies report
// spuriously, cost only a tenth of a real failure.
const DefaultRetryBudget = 3.0

// Request is one inbound user turn.
type Request struct {
	UserID    string
	BackendID string
	Prompt    string
	// MessageID is the frontend's message identifier, used for duplicate
	// suppression. Empty skips the check.
	MessageID string
}

// Result is the normalized successful outcome handed to the renderer.
type Result struct {
	Text        string
	Quotes      []backend.Quote
	Suggestions []string
	// Turns is the conversation's turn count after this one.
	Turns int
	// Degraded reports the turn went out on a throttled credential.
	Degraded bool
	// OutputMode and VoiceRole are the user's rendering preferences, passed
	// through for the out-of-scope renderer.
	OutputMode userpref.OutputMode
	VoiceRole  string
}

// Failure is the single human-readable error a turn collapses to once the
// retry budget is spent or the failure is terminal.
type Failure struct {
	Class   backend.Class
	Message string
	Err     error
}

func (f *Failure) Error() string { return f.Message }
func (f *Failure) Unwrap() error { return f.Err }

// PermissionFunc gates a request before any resources are spent. Nil allows
// everything; a non-nil error rejects the turn as-is.
type PermissionFunc func(ctx context.Context, req *Request) error

// Options wires a Dispatcher.
type Options struct {
	Registry      *backend.Registry
	Conversations *conversation.Store
	// Pools maps backend ID to its credential pool; required for backends
	// whose traits demand a credential.
	Pools map[string]*credential.Pool
	// Queues maps backend ID to its admission queue; required for
	// single-seat backends.
	Queues map[string]*admission.Queue
	// Dedupe suppresses duplicate message IDs when set.
	Dedupe *dedupe.Cache
	// Preferences is consulted on success to attach rendering settings.
	Preferences *userpref.Store
	// Usage records per-turn bookkeeping when set.
	Usage store.Store
	// Permission gates requests when set.
	Permission PermissionFunc
	// RetryBudget overrides DefaultRetryBudget when positive.
	RetryBudget float64
	Logger      *slog.Logger
}

// Dispatcher routes turns. Stateless between calls; all shared state lives in
// the kv-backed collaborators.
type Dispatcher struct {
	registry      *backend.Registry
	conversations *conversation.Store
	pools         map[string]*credential.Pool
	queues        map[string]*admission.Queue
	dedupe        *dedupe.Cache
	prefs         *userpref.Store
	usage         store.Store
	permission    PermissionFunc
	budget        float64
	logger        *slog.Logger
}

// NewDispatcher creates a dispatcher from options.
func NewDispatcher(opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	budget := opts.RetryBudget
	if budget <= 0 {
		budget = DefaultRetryBudget
	}
	return &Dispatcher{
		registry:      opts.Registry,
		conversations: opts.Conversations,
		pools:         opts.Pools,
		queues:        opts.Queues,
		dedupe:        opts.Dedupe,
		prefs:         opts.Preferences,
		usage:         opts.Usage,
		permission:    opts.Permission,
		budget:        budget,
		logger:        logger.With("component", "dispatch"),
	}
}

// Dispatch runs one turn end to end. On failure the returned error is either
// ErrDuplicate, the permission hook's error verbatim, or a *Failure carrying
// the classified outcome and a message fit to show the user.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (*Result, error) {
	adapter, err := d.registry.Get(req.BackendID)
	if err != nil {
		return nil, terminal(backend.ClassConfigurationMissing, err)
	}

	if d.permission != nil {
		if err := d.permission(ctx, req); err != nil {
			return nil, err
		}
	}

	if d.dedupe != nil && req.MessageID != "" && d.dedupe.Duplicate(req.MessageID) {
		d.logger.Debug("suppressed duplicate message",
			"user", req.UserID, "message", req.MessageID)
		return nil, ErrDuplicate
	}

	traits := adapter.Traits()

	if traits.SingleSeat {
		queue, ok := d.queues[req.BackendID]
		if !ok {
			return nil, terminal(backend.ClassConfigurationMissing,
				fmt.Errorf("no admission queue for backend %s", req.BackendID))
		}
		ticket := admission.NewTicket()
		ahead, err := queue.Admit(ctx, ticket)
		if err != nil {
			return nil, fmt.Errorf("waiting for admission: %w", err)
		}
		if ahead > 0 {
			d.logger.Debug("admitted after wait", "ticket", ticket, "ahead", ahead)
		}
		// Release must run even when the caller's context is already dead,
		// otherwise the seat leaks until the lease expires.
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := queue.Release(releaseCtx, ticket); err != nil {
				d.logger.Warn("failed to release admission seat", "ticket", ticket, "error", err)
			}
		}()
	}

	return d.run(ctx, req, adapter, traits)
}

// run executes the retry loop once admission is settled.
func (d *Dispatcher) run(ctx context.Context, req *Request, adapter backend.Adapter, traits backend.Traits) (*Result, error) {
	started := time.Now()

	rec, err := d.conversations.LoadOrNew(ctx, req.BackendID, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}

	// Multiplexed backends share provider-side conversations; a fresh record
	// joins whatever conversation the user is bound to.
	if traits.Multiplexed && rec.Continuation.ConversationID == "" {
		bound, err := d.conversations.MuxResolve(ctx, req.BackendID, req.UserID)
		if err != nil {
			return nil, fmt.Errorf("resolving conversation binding: %w", err)
		}
		rec.Continuation.ConversationID = bound
	}

	var pool *credential.Pool
	if traits.NeedsCredential {
		var ok bool
		pool, ok = d.pools[req.BackendID]
		if !ok {
			return nil, terminal(backend.ClassConfigurationMissing,
				fmt.Errorf("no credential pool for backend %s", req.BackendID))
		}
	}

	budget := d.budget
	sticky := rec.Continuation.CredentialID
	var tried []string
	attempts := 0
	var lastErr error
	lastClass := backend.ClassUnknown
	lastCredential := ""
	degraded := false

	// Fractional decays accumulate float residue; the epsilon keeps an
	// exactly-spent budget from buying one more attempt.
	for budget > 1e-9 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		attempts++

		turnReq := &backend.TurnRequest{
			UserID:       req.UserID,
			Prompt:       req.Prompt,
			Continuation: rec.Continuation,
		}

		var sel *credential.Selection
		if pool != nil {
			sel, err = pool.Select(ctx, sticky, tried)
			if errors.Is(err, credential.ErrNoCredential) {
				d.recordTurn(ctx, req, "no_credential", lastCredential, degraded, attempts, started)
				return nil, terminal(backend.ClassConfigurationMissing, err)
			}
			if err != nil {
				return nil, fmt.Errorf("selecting credential: %w", err)
			}
			turnReq.Credential = &sel.Record
			turnReq.Degraded = sel.Degraded
			lastCredential = sel.Record.ID
			degraded = sel.Degraded
		}

		result, err := adapter.SendTurn(ctx, turnReq)
		if err == nil {
			return d.finish(ctx, req, adapter, traits, rec, result, sel, attempts, started)
		}

		class := backend.Classify(err)
		lastErr = err
		lastClass = class
		d.logger.Warn("turn attempt failed",
			"user", req.UserID,
			"backend", req.BackendID,
			"attempt", attempts,
			"class", class.String(),
			"error", err)

		switch class {
		case backend.ClassRateLimited:
			if sel != nil && !sel.Degraded {
				// Rotation is free: the throttled credential rests and the
				// next attempt picks another one.
				if err := pool.MarkRateLimited(ctx, sel.Record.ID); err != nil {
					d.logger.Warn("failed to mark credential rate limited", "credential", sel.Record.ID, "error", err)
				}
				tried = append(tried, sel.Record.ID)
			} else {
				// No pool to rotate, or already on the degraded fallback.
				budget--
			}
		case backend.ClassUnauthorized:
			budget -= 0.1
			if sel != nil {
				if err := pool.NoteAuthFailure(ctx, sel.Record.ID); err != nil {
					d.logger.Warn("failed to note auth failure", "credential", sel.Record.ID, "error", err)
				}
			}
		case backend.ClassConversationNotFound, backend.ClassContextLengthExceeded:
			// The provider-side conversation is unrecoverable; destroying the
			// record means the user's next message starts clean.
			if _, derr := d.conversations.Destroy(ctx, req.BackendID, req.UserID); derr != nil {
				d.logger.Warn("failed to destroy dead conversation", "user", req.UserID, "error", derr)
			}
			d.recordTurn(ctx, req, class.String(), lastCredential, degraded, attempts, started)
			return nil, terminal(class, err)
		case backend.ClassConfigurationMissing:
			d.recordTurn(ctx, req, class.String(), lastCredential, degraded, attempts, started)
			return nil, terminal(class, err)
		default:
			budget--
		}
	}

	d.recordTurn(ctx, req, lastClass.String(), lastCredential, degraded, attempts, started)
	return nil, terminal(lastClass, lastErr)
}

// finish runs the success path: clear strikes, persist continuity, record
// usage, attach preferences.
func (d *Dispatcher) finish(ctx context.Context, req *Request, adapter backend.Adapter, traits backend.Traits,
	rec *conversation.Record, result *backend.TurnResult, sel *credential.Selection, attempts int, started time.Time) (*Result, error) {

	if sel != nil {
		if err := d.pools[req.BackendID].ClearException(ctx, sel.Record.ID); err != nil {
			d.logger.Warn("failed to clear credential strikes", "credential", sel.Record.ID, "error", err)
		}
	}

	cont := result.Continuation
	if traits.Multiplexed {
		// Shared conversations bind by provider conversation ID, and the
		// credential is whoever answers next time.
		if cont.ConversationID != "" {
			if err := d.conversations.MuxBind(ctx, req.BackendID, req.UserID, cont.ConversationID); err != nil {
				d.logger.Warn("failed to bind conversation", "user", req.UserID, "error", err)
			}
		}
	} else if sel != nil {
		cont.CredentialID = sel.Record.ID
	}

	if err := d.conversations.Advance(ctx, rec, cont); err != nil {
		// The turn already happened; losing continuity is worth a warning,
		// not a user-facing failure.
		d.logger.Error("failed to advance conversation", "user", req.UserID, "error", err)
	}

	credentialID := ""
	degraded := false
	if sel != nil {
		credentialID = sel.Record.ID
		degraded = sel.Degraded
	}
	d.recordTurn(ctx, req, "ok", credentialID, degraded, attempts, started)

	out := &Result{
		Text:        result.Text,
		Quotes:      result.Quotes,
		Suggestions: result.Suggestions,
		Turns:       rec.Turns,
		Degraded:    degraded,
		OutputMode:  userpref.ModeText,
	}
	if d.prefs != nil {
		pref, err := d.prefs.Load(ctx, req.UserID)
		if err != nil {
			d.logger.Warn("failed to load preferences", "user", req.UserID, "error", err)
		} else {
			out.OutputMode = pref.OutputMode
			out.VoiceRole = pref.VoiceRole
			if !pref.Suggestions {
				out.Suggestions = nil
			}
		}
	}

	d.logger.Info("turn dispatched",
		"user", req.UserID,
		"backend", req.BackendID,
		"turns", rec.Turns,
		"attempts", attempts,
		"degraded", degraded,
		"duration", time.Since(started))
	return out, nil
}

func (d *Dispatcher) recordTurn(ctx context.Context, req *Request, class, credentialID string, degraded bool, attempts int, started time.Time) {
	if d.usage == nil {
		return
	}
	err := d.usage.RecordTurn(ctx, &store.TurnUsage{
		UserID:       req.UserID,
		BackendID:    req.BackendID,
		CredentialID: credentialID,
		Class:        class,
		Degraded:     degraded,
		Attempts:     attempts,
		Duration:     time.Since(started),
	})
	if err != nil {
		d.logger.Warn("failed to record turn usage", "error", err)
	}
}

// terminal wraps a classified failure with its user-facing message.
func terminal(class backend.Class, err error) *Failure {
	return &Failure{Class: class, Message: humanMessage(class), Err: err}
}

func humanMessage(class backend.Class) string {
	switch class {
	case backend.ClassConfigurationMissing:
		return "This backend is not configured. Ask an operator to add credentials."
	case backend.ClassConversationNotFound:
		return "The previous conversation expired upstream. Your next message starts a fresh one."
	case backend.ClassContextLengthExceeded:
		return "The conversation grew too long and was reset. Your next message starts a fresh one."
	case backend.ClassRateLimited:
		return "Every credential is rate limited right now. Try again in a few minutes."
	case backend.ClassTimeout:
		return "The backend did not answer in time. Try again."
	case backend.ClassUnauthorized:
		return "The backend keeps rejecting our credentials. An operator needs to look at the pool."
	default:
		return "The turn failed after several attempts. Try again."
	}
}
