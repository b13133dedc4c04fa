package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/couchpad/couchpad/internal/config"
	"github.com/couchpad/couchpad/internal/directory"
	"github.com/couchpad/couchpad/internal/metrics"
	"github.com/couchpad/couchpad/internal/signaling"
)

func main() {
	// Local development keeps its settings in a .env file; absence is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	m := metrics.New()

	var dir directory.Directory
	if cfg.SQLitePath != "" {
		sqlDir, err := directory.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			logger.Error("failed to open sqlite directory", "path", cfg.SQLitePath, "err", err)
			os.Exit(2)
		}
		sqlDir.SetCapacity(cfg.MaxControllers)
		sqlDir.SetMetrics(m)
		dir = sqlDir
	} else {
		memDir := directory.NewMemory()
		memDir.SetCapacity(cfg.MaxControllers)
		memDir.SetMetrics(m)
		dir = memDir
	}
	defer dir.Close()

	logger.Info("starting couchpad-relay",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"directory", directoryKind(cfg),
		"max_controllers", cfg.MaxControllers,
		"connect_max_attempts", cfg.ConnectMaxAttempts,
		"connect_cooldown", cfg.ConnectCooldown,
		"poll_interval", cfg.PollInterval,
	)

	relay := signaling.NewDirectoryRelay(dir, m)
	sig := signaling.NewServer(signaling.ServerConfig{
		Relay:                relay,
		Metrics:              m,
		MaxMessageBytes:      cfg.SignalMaxMessageBytes,
		MaxMessagesPerSecond: cfg.SignalMaxMessagesPerSecond,
		PingInterval:         cfg.SignalWSPingInterval,
		IdleTimeout:          cfg.SignalWSIdleTimeout,
	})

	mux := http.NewServeMux()
	sig.RegisterRoutes(mux)
	api := newSessionAPI(dir, joinOrigin(cfg))
	api.RegisterRoutes(mux)
	mux.Handle("GET /metrics", metrics.PrometheusHandler(m))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "addr", cfg.ListenAddr, "err", err)
		os.Exit(1)
	}

	srv := &http.Server{Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		sig.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	sig.Close()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func directoryKind(cfg config.Config) string {
	if cfg.SQLitePath != "" {
		return "sqlite"
	}
	return "memory"
}

// joinOrigin picks the origin embedded in join URLs.
func joinOrigin(cfg config.Config) string {
	if cfg.PublicBaseURL != "" {
		return cfg.PublicBaseURL
	}
	return "http://" + cfg.ListenAddr
}
