// Package main provides the entry point for the credential broker daemon.
// The daemon performs OAuth device-code and PKCE flows and token refresh
// on behalf of a sandboxed child process over a framed unix-socket
// protocol, without ever exposing refresh tokens to that child.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/sandbox-tools/credbrokerd/internal/broker"
	"github.com/sandbox-tools/credbrokerd/internal/buildinfo"
	"github.com/sandbox-tools/credbrokerd/internal/config"
	"github.com/sandbox-tools/credbrokerd/internal/flow"
	"github.com/sandbox-tools/credbrokerd/internal/flow/anthropic"
	"github.com/sandbox-tools/credbrokerd/internal/flow/google"
	"github.com/sandbox-tools/credbrokerd/internal/flow/qwen"
	"github.com/sandbox-tools/credbrokerd/internal/logging"
	"github.com/sandbox-tools/credbrokerd/internal/tokenstore"
	"github.com/sandbox-tools/credbrokerd/internal/watcher"
)

// sessionSweepInterval controls how often expired sessions are collected.
const sessionSweepInterval = 30 * time.Second

func init() {
	logging.SetupBaseLogger()
}

func main() {
	var configPath string
	var socketPath string
	var showVersion bool
	flag.StringVar(&configPath, "config", "config.yaml", "Path to the configuration file")
	flag.StringVar(&socketPath, "socket", "", "Socket path override (default: random path under socket-dir)")
	flag.BoolVar(&showVersion, "version", false, "Print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(buildinfo.String())
		return
	}
	log.Info(buildinfo.String())

	// Load optional .env for local development overrides.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if err = logging.ConfigureLogOutput(cfg); err != nil {
		log.Fatalf("failed to configure logging: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to initialize token store: %v", err)
	}
	defer closeStore()

	registry := flow.NewRegistry()
	registry.Register("qwen", func() flow.OAuthFlow { return qwen.New(cfg.ProxyURL) })
	registry.Register("anthropic", func() flow.OAuthFlow { return anthropic.New(cfg.ProxyURL) })
	registry.Register("google", func() flow.OAuthFlow { return google.New(cfg.ProxyURL) })

	sessions := broker.NewSessionManager(registry, store, cfg.SessionTTL())
	sessions.StartSweeper(sessionSweepInterval)
	defer sessions.Close()

	refresher := broker.NewRefreshCoordinator(store, cfg.RefreshCooldown())
	dispatcher := broker.NewDispatcher(cfg, sessions, refresher, store, registry)

	configWatcher, err := watcher.New(configPath, dispatcher.SetConfig)
	if err != nil {
		log.Warnf("config watcher unavailable, hot reload disabled: %v", err)
	} else if err = configWatcher.Start(ctx); err != nil {
		log.Warnf("config watcher failed to start, hot reload disabled: %v", err)
	}

	if socketPath == "" {
		socketPath, err = broker.SocketPath(cfg.SocketDir)
		if err != nil {
			log.Fatalf("failed to build socket path: %v", err)
		}
	}

	server := broker.NewServer(socketPath, dispatcher, cfg.FrameTimeout(), cfg.RequestTimeout())
	if err = server.Serve(ctx); err != nil {
		// An inability to bind is fatal; the broker must not report
		// itself ready.
		log.Fatalf("broker server failed: %v", err)
	}
	log.Info("credential broker stopped")
}

// buildStore constructs the configured token store backend.
func buildStore(ctx context.Context, cfg *config.Config) (tokenstore.Store, func(), error) {
	switch cfg.Storage.Backend {
	case "", "file":
		authDir := cfg.AuthDir
		if authDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, nil, fmt.Errorf("resolve home directory for auth-dir: %w", err)
			}
			authDir = home + "/.credbrokerd"
		}
		return tokenstore.NewFileStore(authDir), func() {}, nil
	case "postgres":
		store, err := tokenstore.NewPostgresStore(ctx, tokenstore.PostgresStoreConfig{
			DSN:   cfg.Storage.Postgres.DSN,
			Table: cfg.Storage.Postgres.Table,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}
