// ABOUTME: End-to-end dispatcher tests over the in-memory kv store
// ABOUTME: Covers rotation, budget decay, continuity destruction, admission release

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/seance-gateway/internal/admission"
	"github.com/2389/seance-gateway/internal/backend"
	"github.com/2389/seance-gateway/internal/conversation"
	"github.com/2389/seance-gateway/internal/credential"
	"github.com/2389/seance-gateway/internal/dedupe"
	"github.com/2389/seance-gateway/internal/kv"
	"github.com/2389/seance-gateway/internal/store"
	"github.com/2389/seance-gateway/internal/userpref"
)

// scriptAdapter runs a scripted response per call, counting calls.
type scriptAdapter struct {
	id     string
	traits backend.Traits

	mu    sync.Mutex
	calls int
	fn    func(call int, req *backend.TurnRequest) (*backend.TurnResult, error)
}

func (s *scriptAdapter) ID() string             { return s.id }
func (s *scriptAdapter) Traits() backend.Traits { return s.traits }

func (s *scriptAdapter) SendTurn(ctx context.Context, req *backend.TurnRequest) (*backend.TurnResult, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()
	return s.fn(call, req)
}

func (s *scriptAdapter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func okResult(text string) *backend.TurnResult {
	return &backend.TurnResult{
		Text:         text,
		Continuation: conversation.Continuation{ConversationID: "conv-1", ParentMessageID: "msg-1"},
	}
}

type fixture struct {
	kv       *kv.MemoryStore
	registry *backend.Registry
	convs    *conversation.Store
	pool     *credential.Pool
	queue    *admission.Queue
	usage    *store.MockStore
	prefs    *userpref.Store
}

func newFixture(t *testing.T, adapter backend.Adapter) *fixture {
	t.Helper()
	mem := kv.NewMemory()
	f := &fixture{
		kv:       mem,
		registry: backend.NewRegistry(nil),
		convs:    conversation.NewStore(mem, 0, nil),
		pool:     credential.NewPool(mem, adapter.ID(), 0, nil),
		queue:    admission.NewQueue(mem, adapter.ID(), admission.Options{PollInterval: 10 * time.Millisecond}, nil),
		usage:    store.NewMockStore(),
		prefs:    userpref.NewStore(mem),
	}
	require.NoError(t, f.registry.Register(adapter))
	return f
}

func (f *fixture) dispatcher(adapter backend.Adapter, opts *Options) *Dispatcher {
	if opts == nil {
		opts = &Options{}
	}
	opts.Registry = f.registry
	opts.Conversations = f.convs
	opts.Pools = map[string]*credential.Pool{adapter.ID(): f.pool}
	opts.Queues = map[string]*admission.Queue{adapter.ID(): f.queue}
	opts.Preferences = f.prefs
	opts.Usage = f.usage
	return NewDispatcher(*opts)
}

func TestDispatch_Success(t *testing.T) {
	adapter := &scriptAdapter{id: "test", traits: backend.Traits{NeedsCredential: true},
		fn: func(call int, req *backend.TurnRequest) (*backend.TurnResult, error) {
			return okResult("reply to " + req.Prompt), nil
		}}
	f := newFixture(t, adapter)
	ctx := context.Background()
	require.NoError(t, f.pool.Add(ctx, "c1", "secret-1"))

	d := f.dispatcher(adapter, nil)
	result, err := d.Dispatch(ctx, &Request{UserID: "alice", BackendID: "test", Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "reply to hello", result.Text)
	assert.Equal(t, 1, result.Turns)
	assert.Equal(t, userpref.ModeText, result.OutputMode)

	rec, err := f.convs.Load(ctx, "test", "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Turns)
	assert.Equal(t, "msg-1", rec.Continuation.ParentMessageID)
	assert.Equal(t, "c1", rec.Continuation.CredentialID)

	turns, err := f.usage.ListTurns(ctx, store.UsageFilter{})
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "ok", turns[0].Class)
	assert.Equal(t, "c1", turns[0].CredentialID)
}

func TestDispatch_StickyCredentialReused(t *testing.T) {
	var seen []string
	adapter := &scriptAdapter{id: "test", traits: backend.Traits{NeedsCredential: true},
		fn: func(call int, req *backend.TurnRequest) (*backend.TurnResult, error) {
			seen = append(seen, req.Credential.ID)
			return okResult("ok"), nil
		}}
	f := newFixture(t, adapter)
	ctx := context.Background()
	// c2 sorts after c1; first selection takes c1 by min usage, then usage
	// imbalance would prefer c2, but stickiness must keep c1.
	require.NoError(t, f.pool.Add(ctx, "c1", "s1"))
	require.NoError(t, f.pool.Add(ctx, "c2", "s2"))

	d := f.dispatcher(adapter, nil)
	for i := 0; i < 3; i++ {
		_, err := d.Dispatch(ctx, &Request{UserID: "alice", BackendID: "test", Prompt: "hi"})
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"c1", "c1", "c1"}, seen)
}

func TestDispatch_RateLimitRotatesWithoutBudget(t *testing.T) {
	adapter := &scriptAdapter{id: "test", traits: backend.Traits{NeedsCredential: true},
		fn: func(call int, req *backend.TurnRequest) (*backend.TurnResult, error) {
			if req.Credential.ID == "c1" {
				return nil, backend.ErrRateLimited
			}
			return okResult("ok"), nil
		}}
	f := newFixture(t, adapter)
	ctx := context.Background()
	require.NoError(t, f.pool.Add(ctx, "c1", "s1"))
	require.NoError(t, f.pool.Add(ctx, "c2", "s2"))

	d := f.dispatcher(adapter, &Options{RetryBudget: 1})
	result, err := d.Dispatch(ctx, &Request{UserID: "alice", BackendID: "test", Prompt: "hi"})
	require.NoError(t, err)
	assert.False(t, result.Degraded)
	assert.Equal(t, 2, adapter.callCount())

	// The throttled credential is resting.
	records, err := f.pool.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, credential.StateRestricted, records[0].State)
	assert.Equal(t, credential.StateNormal, records[1].State)
}

func TestDispatch_AllThrottledFallsBackDegraded(t *testing.T) {
	adapter := &scriptAdapter{id: "test", traits: backend.Traits{NeedsCredential: true},
		fn: func(call int, req *backend.TurnRequest) (*backend.TurnResult, error) {
			if call == 1 {
				return nil, backend.ErrRateLimited
			}
			return okResult("ok"), nil
		}}
	f := newFixture(t, adapter)
	ctx := context.Background()
	require.NoError(t, f.pool.Add(ctx, "c1", "s1"))

	d := f.dispatcher(adapter, nil)
	result, err := d.Dispatch(ctx, &Request{UserID: "alice", BackendID: "test", Prompt: "hi"})
	require.NoError(t, err)
	assert.True(t, result.Degraded)
	assert.Equal(t, 2, adapter.callCount())

	turns, err := f.usage.ListTurns(ctx, store.UsageFilter{})
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.True(t, turns[0].Degraded)
}

func TestDispatch_UnauthorizedDecaysFractionally(t *testing.T) {
	adapter := &scriptAdapter{id: "test", traits: backend.Traits{NeedsCredential: true},
		fn: func(call int, req *backend.TurnRequest) (*backend.TurnResult, error) {
			if call < 5 {
				return nil, backend.ErrUnauthorized
			}
			return okResult("ok"), nil
		}}
	f := newFixture(t, adapter)
	ctx := context.Background()
	require.NoError(t, f.pool.Add(ctx, "c1", "s1"))

	// Budget 1.0 survives four 0.1 decays easily; a full-cost failure would
	// not have.
	d := f.dispatcher(adapter, &Options{RetryBudget: 1})
	_, err := d.Dispatch(ctx, &Request{UserID: "alice", BackendID: "test", Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, 5, adapter.callCount())

	// Success cleared the strike counter.
	records, err := f.pool.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, records[0].Exception)
}

func TestDispatch_UnauthorizedExhaustsEventually(t *testing.T) {
	adapter := &scriptAdapter{id: "test", traits: backend.Traits{NeedsCredential: true},
		fn: func(call int, req *backend.TurnRequest) (*backend.TurnResult, error) {
			return nil, backend.ErrUnauthorized
		}}
	f := newFixture(t, adapter)
	ctx := context.Background()
	require.NoError(t, f.pool.Add(ctx, "c1", "s1"))

	d := f.dispatcher(adapter, &Options{RetryBudget: 0.5})
	_, err := d.Dispatch(ctx, &Request{UserID: "alice", BackendID: "test", Prompt: "hi"})
	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, backend.ClassUnauthorized, failure.Class)
	assert.Equal(t, 5, adapter.callCount())

	records, err := f.pool.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, records[0].Exception)
}

func TestDispatch_UnknownFailureSpendsWholeBudget(t *testing.T) {
	adapter := &scriptAdapter{id: "test", traits: backend.Traits{},
		fn: func(call int, req *backend.TurnRequest) (*backend.TurnResult, error) {
			return nil, errors.New("provider exploded")
		}}
	f := newFixture(t, adapter)

	d := f.dispatcher(adapter, nil)
	_, err := d.Dispatch(context.Background(), &Request{UserID: "alice", BackendID: "test", Prompt: "hi"})
	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, backend.ClassUnknown, failure.Class)
	assert.Equal(t, 3, adapter.callCount())
}

func TestDispatch_FailureNeverAdvancesConversation(t *testing.T) {
	adapter := &scriptAdapter{id: "test", traits: backend.Traits{},
		fn: func(call int, req *backend.TurnRequest) (*backend.TurnResult, error) {
			return nil, backend.ErrTimeout
		}}
	f := newFixture(t, adapter)
	ctx := context.Background()

	d := f.dispatcher(adapter, nil)
	_, err := d.Dispatch(ctx, &Request{UserID: "alice", BackendID: "test", Prompt: "hi"})
	require.Error(t, err)

	_, err = f.convs.Load(ctx, "test", "alice")
	assert.ErrorIs(t, err, conversation.ErrNotFound)
}

func TestDispatch_FailureKeepsPriorContinuation(t *testing.T) {
	adapter := &scriptAdapter{id: "test", traits: backend.Traits{NeedsCredential: true},
		fn: func(call int, req *backend.TurnRequest) (*backend.TurnResult, error) {
			if call == 1 {
				return okResult("first"), nil
			}
			return nil, backend.ErrTimeout
		}}
	f := newFixture(t, adapter)
	ctx := context.Background()
	require.NoError(t, f.pool.Add(ctx, "c1", "secret-1"))

	d := f.dispatcher(adapter, nil)
	_, err := d.Dispatch(ctx, &Request{UserID: "alice", BackendID: "test", Prompt: "hello"})
	require.NoError(t, err)

	before, err := f.convs.Load(ctx, "test", "alice")
	require.NoError(t, err)

	_, err = d.Dispatch(ctx, &Request{UserID: "alice", BackendID: "test", Prompt: "again"})
	require.Error(t, err)

	// The failed turn must leave the record exactly as the success wrote it.
	after, err := f.convs.Load(ctx, "test", "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, after.Turns)
	assert.Equal(t, before.Continuation, after.Continuation)
	assert.Equal(t, "msg-1", after.Continuation.ParentMessageID)
	assert.Equal(t, "c1", after.Continuation.CredentialID)
}

func TestDispatch_DeadConversationIsDestroyed(t *testing.T) {
	adapter := &scriptAdapter{id: "test", traits: backend.Traits{},
		fn: func(call int, req *backend.TurnRequest) (*backend.TurnResult, error) {
			if call == 1 {
				return okResult("ok"), nil
			}
			return nil, backend.ErrConversationNotFound
		}}
	f := newFixture(t, adapter)
	ctx := context.Background()

	d := f.dispatcher(adapter, nil)
	_, err := d.Dispatch(ctx, &Request{UserID: "alice", BackendID: "test", Prompt: "hi"})
	require.NoError(t, err)

	_, err = d.Dispatch(ctx, &Request{UserID: "alice", BackendID: "test", Prompt: "again"})
	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, backend.ClassConversationNotFound, failure.Class)
	assert.Equal(t, 2, adapter.callCount()) // terminal, not retried

	_, err = f.convs.Load(ctx, "test", "alice")
	assert.ErrorIs(t, err, conversation.ErrNotFound)
}

func TestDispatch_DuplicateMessageSuppressed(t *testing.T) {
	adapter := &scriptAdapter{id: "test", traits: backend.Traits{},
		fn: func(call int, req *backend.TurnRequest) (*backend.TurnResult, error) {
			return okResult("ok"), nil
		}}
	f := newFixture(t, adapter)
	cache := dedupe.New(time.Minute, 100)
	defer cache.Close()

	d := f.dispatcher(adapter, &Options{Dedupe: cache})
	req := &Request{UserID: "alice", BackendID: "test", Prompt: "hi", MessageID: "m-1"}

	_, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	_, err = d.Dispatch(context.Background(), req)
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Equal(t, 1, adapter.callCount())
}

func TestDispatch_PermissionGateRejects(t *testing.T) {
	adapter := &scriptAdapter{id: "test", traits: backend.Traits{},
		fn: func(call int, req *backend.TurnRequest) (*backend.TurnResult, error) {
			return okResult("ok"), nil
		}}
	f := newFixture(t, adapter)
	denied := errors.New("not allowed")

	d := f.dispatcher(adapter, &Options{
		Permission: func(ctx context.Context, req *Request) error { return denied },
	})
	_, err := d.Dispatch(context.Background(), &Request{UserID: "alice", BackendID: "test", Prompt: "hi"})
	assert.ErrorIs(t, err, denied)
	assert.Equal(t, 0, adapter.callCount())
}

func TestDispatch_UnknownBackend(t *testing.T) {
	adapter := &scriptAdapter{id: "test", traits: backend.Traits{},
		fn: func(call int, req *backend.TurnRequest) (*backend.TurnResult, error) {
			return okResult("ok"), nil
		}}
	f := newFixture(t, adapter)

	d := f.dispatcher(adapter, nil)
	_, err := d.Dispatch(context.Background(), &Request{UserID: "alice", BackendID: "ghost", Prompt: "hi"})
	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, backend.ClassConfigurationMissing, failure.Class)
}

func TestDispatch_NoCredentialConfigured(t *testing.T) {
	adapter := &scriptAdapter{id: "test", traits: backend.Traits{NeedsCredential: true},
		fn: func(call int, req *backend.TurnRequest) (*backend.TurnResult, error) {
			return okResult("ok"), nil
		}}
	f := newFixture(t, adapter)

	d := f.dispatcher(adapter, nil)
	_, err := d.Dispatch(context.Background(), &Request{UserID: "alice", BackendID: "test", Prompt: "hi"})
	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, backend.ClassConfigurationMissing, failure.Class)
	assert.ErrorIs(t, err, credential.ErrNoCredential)
}

func TestDispatch_SingleSeatReleasesAdmission(t *testing.T) {
	adapter := &scriptAdapter{id: "test", traits: backend.Traits{SingleSeat: true},
		fn: func(call int, req *backend.TurnRequest) (*backend.TurnResult, error) {
			return okResult("ok"), nil
		}}
	f := newFixture(t, adapter)
	ctx := context.Background()

	d := f.dispatcher(adapter, nil)
	_, err := d.Dispatch(ctx, &Request{UserID: "alice", BackendID: "test", Prompt: "hi"})
	require.NoError(t, err)

	length, err := f.queue.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, length)
	holder, err := f.queue.LeaseHolder(ctx)
	require.NoError(t, err)
	assert.Empty(t, holder)
}

func TestDispatch_SingleSeatReleasedOnFailureToo(t *testing.T) {
	adapter := &scriptAdapter{id: "test", traits: backend.Traits{SingleSeat: true},
		fn: func(call int, req *backend.TurnRequest) (*backend.TurnResult, error) {
			return nil, backend.ErrTimeout
		}}
	f := newFixture(t, adapter)
	ctx := context.Background()

	d := f.dispatcher(adapter, nil)
	_, err := d.Dispatch(ctx, &Request{UserID: "alice", BackendID: "test", Prompt: "hi"})
	require.Error(t, err)

	length, err := f.queue.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, length)
}

func TestDispatch_SingleSeatSerializesTurns(t *testing.T) {
	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	adapter := &scriptAdapter{id: "test", traits: backend.Traits{SingleSeat: true},
		fn: func(call int, req *backend.TurnRequest) (*backend.TurnResult, error) {
			mu.Lock()
			inFlight++
			if inFlight > maxInFlight {
				maxInFlight = inFlight
			}
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			inFlight--
			mu.Unlock()
			return okResult("ok"), nil
		}}
	f := newFixture(t, adapter)

	d := f.dispatcher(adapter, nil)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := d.Dispatch(context.Background(), &Request{
				UserID: fmt.Sprintf("user-%d", n), BackendID: "test", Prompt: "hi",
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, maxInFlight)
	assert.Equal(t, 3, adapter.callCount())
}

func TestDispatch_PreferencesAttached(t *testing.T) {
	adapter := &scriptAdapter{id: "test", traits: backend.Traits{},
		fn: func(call int, req *backend.TurnRequest) (*backend.TurnResult, error) {
			r := okResult("ok")
			r.Suggestions = []string{"next?"}
			return r, nil
		}}
	f := newFixture(t, adapter)
	ctx := context.Background()
	require.NoError(t, f.prefs.Save(ctx, "alice", &userpref.Preference{
		OutputMode: userpref.ModeAudio, VoiceRole: "narrator", Suggestions: true,
	}))

	d := f.dispatcher(adapter, nil)
	result, err := d.Dispatch(ctx, &Request{UserID: "alice", BackendID: "test", Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, userpref.ModeAudio, result.OutputMode)
	assert.Equal(t, "narrator", result.VoiceRole)
	assert.Equal(t, []string{"next?"}, result.Suggestions)
}

func TestDispatch_SuggestionsStrippedWhenDisabled(t *testing.T) {
	adapter := &scriptAdapter{id: "test", traits: backend.Traits{},
		fn: func(call int, req *backend.TurnRequest) (*backend.TurnResult, error) {
			r := okResult("ok")
			r.Suggestions = []string{"next?"}
			return r, nil
		}}
	f := newFixture(t, adapter)
	ctx := context.Background()
	require.NoError(t, f.prefs.Save(ctx, "alice", &userpref.Preference{
		OutputMode: userpref.ModeText, Suggestions: false,
	}))

	d := f.dispatcher(adapter, nil)
	result, err := d.Dispatch(ctx, &Request{UserID: "alice", BackendID: "test", Prompt: "hi"})
	require.NoError(t, err)
	assert.Nil(t, result.Suggestions)
}

func TestDispatch_MultiplexedBindsSharedConversation(t *testing.T) {
	adapter := &scriptAdapter{id: "test", traits: backend.Traits{Multiplexed: true},
		fn: func(call int, req *backend.TurnRequest) (*backend.TurnResult, error) {
			return okResult("ok"), nil
		}}
	f := newFixture(t, adapter)
	ctx := context.Background()

	d := f.dispatcher(adapter, nil)
	_, err := d.Dispatch(ctx, &Request{UserID: "alice", BackendID: "test", Prompt: "hi"})
	require.NoError(t, err)

	bound, err := f.convs.MuxResolve(ctx, "test", "alice")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", bound)

	// No sticky credential for shared conversations.
	rec, err := f.convs.Load(ctx, "test", "alice")
	require.NoError(t, err)
	assert.Empty(t, rec.Continuation.CredentialID)
}
