// ABOUTME: Gateway orchestrator wiring config into the admission-and-continuity stack
// ABOUTME: Builds backends, pools, queues, and dispatcher, then runs the HTTP server

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/2389/seance-gateway/internal/admission"
	"github.com/2389/seance-gateway/internal/backend"
	"github.com/2389/seance-gateway/internal/backend/echoadapter"
	"github.com/2389/seance-gateway/internal/backend/openaiadapter"
	"github.com/2389/seance-gateway/internal/backend/relayadapter"
	"github.com/2389/seance-gateway/internal/config"
	"github.com/2389/seance-gateway/internal/conversation"
	"github.com/2389/seance-gateway/internal/credential"
	"github.com/2389/seance-gateway/internal/dedupe"
	"github.com/2389/seance-gateway/internal/dispatch"
	"github.com/2389/seance-gateway/internal/kv"
	"github.com/2389/seance-gateway/internal/ops"
	"github.com/2389/seance-gateway/internal/store"
	"github.com/2389/seance-gateway/internal/userpref"
)

// Gateway coordinates the seance-gateway server components: the shared kv
// store, the per-backend credential pools and admission queues, the
// dispatcher, and the HTTP server that fronts them.
type Gateway struct {
	config        *config.Config
	kv            kv.Store
	usage         store.Store
	registry      *backend.Registry
	conversations *conversation.Store
	pools         map[string]*credential.Pool
	queues        map[string]*admission.Queue
	dedupe        *dedupe.Cache
	prefs         *userpref.Store
	dispatcher    *dispatch.Dispatcher
	opsService    *ops.Service
	httpServer    *http.Server
	logger        *slog.Logger
}

// New creates a Gateway connected to the Redis and SQLite stores named in the
// configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	usage, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing usage store: %w", err)
	}
	return build(cfg, kv.NewRedis(cfg.Redis.Addr, cfg.Redis.DB), usage, logger)
}

// build assembles a Gateway on the given stores. Split from New so tests can
// run the full wiring against in-memory stores.
func build(cfg *config.Config, kvStore kv.Store, usage store.Store, logger *slog.Logger) (*Gateway, error) {
	g := &Gateway{
		config:        cfg,
		kv:            kvStore,
		usage:         usage,
		registry:      backend.NewRegistry(logger.With("component", "registry")),
		conversations: conversation.NewStore(kvStore, cfg.Conversations.Retention, logger.With("component", "conversation")),
		pools:         map[string]*credential.Pool{},
		queues:        map[string]*admission.Queue{},
		prefs:         userpref.NewStore(kvStore),
		logger:        logger.With("component", "gateway"),
	}

	dedupeWindow := cfg.Dispatch.DedupeWindow
	if dedupeWindow <= 0 {
		dedupeWindow = dedupe.DefaultWindow
	}
	g.dedupe = dedupe.New(dedupeWindow, dedupe.DefaultMaxSize)

	for i := range cfg.Backends {
		if err := g.addBackend(&cfg.Backends[i]); err != nil {
			g.dedupe.Close()
			return nil, err
		}
	}

	g.dispatcher = dispatch.NewDispatcher(dispatch.Options{
		Registry:      g.registry,
		Conversations: g.conversations,
		Pools:         g.pools,
		Queues:        g.queues,
		Dedupe:        g.dedupe,
		Preferences:   g.prefs,
		Usage:         g.usage,
		RetryBudget:   cfg.Dispatch.RetryBudget,
		Logger:        logger.With("component", "dispatch"),
	})

	g.opsService = ops.NewService(ops.Options{
		Conversations: g.conversations,
		Pools:         g.pools,
		Queues:        g.queues,
		Preferences:   g.prefs,
		Audit:         g.usage,
		Logger:        logger.With("component", "ops"),
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)
	mux.HandleFunc("/api/send", g.handleSendMessage)
	ops.NewHandler(g.opsService, logger.With("component", "ops-http")).Register(mux)

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// addBackend constructs the adapter for one backend config and, depending on
// its traits, the credential pool and admission queue behind it.
func (g *Gateway) addBackend(bc *config.BackendConfig) error {
	adapter, err := g.buildAdapter(bc)
	if err != nil {
		return fmt.Errorf("backend %s: %w", bc.ID, err)
	}
	if err := g.registry.Register(adapter); err != nil {
		return fmt.Errorf("backend %s: %w", bc.ID, err)
	}

	traits := adapter.Traits()
	if traits.NeedsCredential {
		pool := credential.NewPool(g.kv, bc.ID, bc.CredentialCooldown, g.logger.With("component", "credential", "backend", bc.ID))
		g.pools[bc.ID] = pool
		if bc.SeedFile != "" {
			if err := g.importSeedFile(bc.ID, pool, bc.SeedFile); err != nil {
				return err
			}
		}
	}
	if traits.SingleSeat {
		g.queues[bc.ID] = admission.NewQueue(g.kv, bc.ID, admission.Options{
			PollInterval: g.config.Queue.PollInterval,
			LeaseTTL:     g.config.Queue.LeaseTTL,
		}, g.logger.With("component", "admission", "backend", bc.ID))
	}
	return nil
}

func (g *Gateway) buildAdapter(bc *config.BackendConfig) (backend.Adapter, error) {
	switch bc.Type {
	case config.BackendTypeOpenAI:
		return openaiadapter.New(openaiadapter.Options{
			BackendID:    bc.ID,
			BaseURL:      bc.BaseURL,
			Model:        bc.Model,
			Instructions: bc.Instructions,
		})
	case config.BackendTypeRelay:
		return relayadapter.New(relayadapter.Options{
			BackendID: bc.ID,
			BaseURL:   bc.BaseURL,
			ToneStyle: bc.ToneStyle,
			Context:   bc.Context,
		})
	case config.BackendTypeEcho:
		return echoadapter.New(bc.ID), nil
	default:
		return nil, fmt.Errorf("unknown backend type %q", bc.Type)
	}
}

// importSeedFile loads a TOML credential file into the pool without replacing
// records that already exist in the shared store. Re-running the gateway with
// the same seed file is a no-op.
func (g *Gateway) importSeedFile(backendID string, pool *credential.Pool, path string) error {
	seeds, err := credential.LoadSeedFile(path)
	if err != nil {
		return fmt.Errorf("backend %s: loading seed file: %w", backendID, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	added, err := pool.Import(ctx, seeds, false)
	if err != nil {
		return fmt.Errorf("backend %s: importing credentials: %w", backendID, err)
	}
	if added > 0 {
		g.logger.Info("imported seed credentials", "backend", backendID, "added", added)
	}
	return nil
}

// Run starts the HTTP server and blocks until the context is canceled or the
// server fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String(), "backends", g.registry.IDs())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is
// already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops the HTTP server and releases stores and caches.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}
	g.dedupe.Close()
	if err := g.usage.Close(); err != nil {
		errs = append(errs, fmt.Errorf("usage store close: %w", err))
	}
	if err := g.kv.Close(); err != nil {
		errs = append(errs, fmt.Errorf("kv store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the shared kv store answers a ping.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.kv.Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "kv store unreachable: %v", err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
