// ABOUTME: Entry point for the seance-gateway admission-and-continuity server
// ABOUTME: Routes frontend chat turns to rate-limited AI backend providers

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/seance-gateway/internal/backend"
	"github.com/2389/seance-gateway/internal/backend/echoadapter"
	"github.com/2389/seance-gateway/internal/config"
	"github.com/2389/seance-gateway/internal/conversation"
	"github.com/2389/seance-gateway/internal/dispatch"
	"github.com/2389/seance-gateway/internal/gateway"
	"github.com/2389/seance-gateway/internal/kv"
	"github.com/2389/seance-gateway/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ___  ___  __ _ _ __   ___ ___        __ _  __ _| |_ _____      ____ _ _   _
 / __|/ _ \/ _' | '_ \ / __/ _ \_____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
 \__ \  __/ (_| | | | | (_|  __/_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
 |___/\___|\__,_|_| |_|\___\___|      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                                      |___/                             |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: SEANCE_CONFIG env var > XDG_CONFIG_HOME/seance/gateway.yaml > ~/.config/seance/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("SEANCE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "seance", "gateway.yaml")
}

// getDataPath returns the path to the seance data directory.
// Priority: XDG_DATA_HOME/seance > ~/.local/share/seance
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "seance")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: seance-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve     Start the gateway server")
		fmt.Println("  init      Create a default config file")
		fmt.Println("  health    Check gateway health")
		fmt.Println("  doctor    Check config, stores, and the dispatch path")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "doctor":
		err = runDoctor(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)

	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Redis:    %s\n", cfg.Redis.Addr)
	green.Print("    ▶ ")
	fmt.Printf("Backends: ")
	ids := make([]string, len(cfg.Backends))
	for i, b := range cfg.Backends {
		ids[i] = b.ID
	}
	cyan.Print(strings.Join(ids, ", "))
	fmt.Println()

	fmt.Println()

	logger.Info("starting seance-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"backends", len(cfg.Backends),
	)

	// Create and run gateway
	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler renders human-readable colorized log lines to stdout.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	prefix string // dotted group path prepended to attr keys
}

// levelTags maps slog levels to their three-letter colored tags.
var levelTags = map[slog.Level]func(format string, a ...interface{}) string{
	slog.LevelDebug: color.MagentaString,
	slog.LevelInfo:  color.CyanString,
	slog.LevelWarn:  color.YellowString,
	slog.LevelError: color.New(color.FgRed, color.Bold).Sprintf,
}

var levelNames = map[slog.Level]string{
	slog.LevelDebug: "DBG",
	slog.LevelInfo:  "INF",
	slog.LevelWarn:  "WRN",
	slog.LevelError: "ERR",
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	if tag, ok := levelNames[r.Level]; ok {
		buf.WriteString(levelTags[r.Level]("%s ", tag))
	} else {
		buf.WriteString(r.Level.String() + " ")
	}

	buf.WriteString(r.Message)

	// Handler-level attrs (from With) come before the record's own. They
	// were already qualified by WithAttrs; record attrs get the open group.
	for _, a := range h.attrs {
		writeAttr(&buf, a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		key := a.Key
		if h.prefix != "" {
			key = h.prefix + "." + key
		}
		writeAttr(&buf, key, a.Value)
		return true
	})
	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := os.Stdout.WriteString(buf.String())
	return err
}

func writeAttr(buf *strings.Builder, key string, v slog.Value) {
	buf.WriteString(color.HiBlackString(" " + key + "="))
	buf.WriteString(v.String())
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	for _, a := range attrs {
		if h.prefix != "" {
			a.Key = h.prefix + "." + a.Key
		}
		merged = append(merged, a)
	}
	return &colorHandler{level: h.level, attrs: merged, prefix: h.prefix}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	prefix := name
	if h.prefix != "" {
		prefix = h.prefix + "." + name
	}
	return &colorHandler{level: h.level, attrs: h.attrs, prefix: prefix}
}

// runInit writes a default config file if one does not exist yet.
func runInit() error {
	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists: %s", configPath)
	}

	dataPath := getDataPath()
	dbPath := filepath.Join(dataPath, "seance.db")

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	configContent := fmt.Sprintf(`# seance-gateway configuration
# Generated by seance-gateway init

server:
  http_addr: "localhost:8484"

redis:
  addr: "localhost:6379"
  db: 0

database:
  path: "%s"

queue:
  poll_interval: "1500ms"
  lease_ttl: "2m"

conversations:
  retention: "720h"

dispatch:
  retry_budget: 3.0
  dedupe_window: "5m"

backends:
  - id: "echo"
    type: "echo"
  # - id: "openai"
  #   type: "openai"
  #   base_url: "https://api.openai.com/v1"
  #   model: "gpt-4o-mini"
  #   seed_file: "%s"

logging:
  level: "info"
  format: "text"
`, dbPath, filepath.Join(dataPath, "credentials.toml"))

	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created config: %s\n", configPath)
	fmt.Println("  Edit the backends section, then run: seance-gateway serve")
	return nil
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Make HTTP request to health endpoint with context
	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

// runDoctor checks every piece the gateway depends on: the config file, the
// Redis and SQLite stores, and the dispatch path itself via a loopback turn.
func runDoctor(ctx context.Context) error {
	configPath := getConfigPath()

	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	pass := func(what string) { green.Print("  ✓ "); fmt.Println(what) }
	fail := func(what string, err error) { red.Print("  ✗ "); fmt.Printf("%s: %v\n", what, err) }

	failures := 0

	cfg, err := config.Load(configPath)
	if err != nil {
		fail("config", err)
		return fmt.Errorf("cannot continue without a valid config")
	}
	pass(fmt.Sprintf("config: %s (%d backends)", configPath, len(cfg.Backends)))

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	redisStore := kv.NewRedis(cfg.Redis.Addr, cfg.Redis.DB)
	if err := redisStore.Ping(pingCtx); err != nil {
		fail("redis: "+cfg.Redis.Addr, err)
		failures++
	} else {
		pass("redis: " + cfg.Redis.Addr)
	}
	cancel()
	_ = redisStore.Close()

	usage, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		fail("database: "+cfg.Database.Path, err)
		failures++
	} else {
		pass("database: " + cfg.Database.Path)
		_ = usage.Close()
	}

	if err := doctorDispatch(ctx); err != nil {
		fail("dispatch path", err)
		failures++
	} else {
		pass("dispatch path: loopback turn round-tripped")
	}

	if failures > 0 {
		return fmt.Errorf("%d check(s) failed", failures)
	}
	fmt.Println()
	green.Println("  All checks passed")
	return nil
}

// doctorDispatch runs one loopback turn through a dispatcher on in-memory
// stores, exercising continuity and bookkeeping without touching Redis.
func doctorDispatch(ctx context.Context) error {
	mem := kv.NewMemory()
	registry := backend.NewRegistry(slog.Default())
	if err := registry.Register(echoadapter.New("echo")); err != nil {
		return err
	}

	dispatcher := dispatch.NewDispatcher(dispatch.Options{
		Registry:      registry,
		Conversations: conversation.NewStore(mem, 0, nil),
		Usage:         store.NewMockStore(),
	})

	result, err := dispatcher.Dispatch(ctx, &dispatch.Request{
		UserID: "doctor", BackendID: "echo", Prompt: "ping",
	})
	if err != nil {
		return err
	}
	if result.Text != "ping" {
		return fmt.Errorf("unexpected loopback reply %q", result.Text)
	}
	return nil
}
