package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/star/geoanchor/internal/api"
	"github.com/star/geoanchor/internal/auth"
	"github.com/star/geoanchor/internal/config"
	"github.com/star/geoanchor/internal/convert"
	"github.com/star/geoanchor/internal/health"
	"github.com/star/geoanchor/internal/httputil"
	"github.com/star/geoanchor/internal/registry"
	"github.com/star/geoanchor/internal/scene"
	"github.com/star/geoanchor/internal/store"
	"github.com/star/geoanchor/internal/stream"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	addr := os.Getenv("GEOANCHOR_HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	authCfg, err := loadAuthConfig(logger)
	if err != nil {
		logger.Error("invalid auth configuration", "error", err)
		os.Exit(1)
	}

	sc, err := loadScene(logger)
	if err != nil {
		logger.Error("failed to load scene", "error", err)
		os.Exit(1)
	}

	world := scene.New(logger, scene.Options{
		Step:                   sc.World.StepSeconds,
		AutoCreateGeoreference: sc.World.AutoCreateGeoreference,
	})

	persistCfg := loadPersistConfig(logger)
	var persister registry.Persister
	var db *store.Store
	if persistCfg.DBPath != "" {
		if dir := filepath.Dir(persistCfg.DBPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				logger.Error("failed to create store directory", "dir", dir, "error", err)
				os.Exit(1)
			}
		}
		db, err = store.Open(persistCfg.DBPath, logger)
		if err != nil {
			logger.Error("failed to open anchor store", "path", persistCfg.DBPath, "error", err)
			os.Exit(1)
		}
		defer db.Close()
		persister = db
	}

	streamCfg := loadStreamConfig(logger)
	hub := stream.NewHub(streamCfg.buffer, logger)
	reg := registry.New(world, persister, hub, logger)

	if err := reg.LoadScene(sc); err != nil {
		logger.Error("failed to apply scene", "error", err)
		os.Exit(1)
	}

	// Persisted state wins over the scene file for anchors present in both.
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	n, err := reg.Restore(startupCtx)
	cancelStartup()
	if err != nil {
		logger.Warn("some anchors could not be restored", "restored", n, "error", err)
	}

	convCfg := loadConvertConfig(logger)
	conv := convert.NewWorkerPool(convCfg.workers, convCfg.maxPoints, logger)

	checker := health.NewChecker(2*time.Second, logger)
	checker.Add("georeference", func(context.Context) error { return reg.Ready() })
	if db != nil {
		checker.Add("store", db.Ping)
	}

	ips := httputil.NewIPResolver(loadTrustProxy(logger))
	streamCfg.ClientIP = ips
	streamHandler := stream.NewHandler(hub, reg, streamCfg.Config, logger)

	srv := api.NewServer(api.Config{
		Addr:     addr,
		Auth:     authCfg,
		ClientIP: ips,
	}, api.Deps{
		Registry:  reg,
		Converter: conv,
		Stream:    streamHandler,
		Health:    checker,
	}, logger)

	// Graceful shutdown on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	flusherDone := make(chan struct{})
	go func() {
		defer close(flusherDone)
		if persister == nil {
			return
		}
		reg.RunFlusher(ctx, persistCfg.FlushInterval)
	}()

	go func() {
		logger.Info("starting server",
			"addr", addr,
			"auth_enabled", authCfg.Enabled,
			"anchors", reg.Len(),
			"persistence", persister != nil,
			"trust_proxy", ips.TrustProxy(),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server listen error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.HTTPServer().Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	// Wait for the final flush before the store closes.
	<-flusherDone
	logger.Info("server stopped")
}

func loadAuthConfig(logger *slog.Logger) (auth.Config, error) {
	cfg := auth.Config{}

	enabledStr := os.Getenv("GEOANCHOR_AUTH_ENABLED")
	if enabledStr != "" {
		enabled, err := strconv.ParseBool(enabledStr)
		if err != nil {
			return cfg, errors.New("GEOANCHOR_AUTH_ENABLED must be a boolean value (true/false/1/0)")
		}
		cfg.Enabled = enabled
	}

	if cfg.Enabled {
		cfg.Token = os.Getenv("GEOANCHOR_AUTH_TOKEN")
		if cfg.Token == "" {
			return cfg, errors.New("GEOANCHOR_AUTH_TOKEN is required when auth is enabled")
		}
		logger.Info("auth enabled")
	}

	return cfg, nil
}

// loadScene reads GEOANCHOR_SCENE_FILE. Without one the service starts with
// an empty scene and the default georeference.
func loadScene(logger *slog.Logger) (config.Scene, error) {
	path := os.Getenv("GEOANCHOR_SCENE_FILE")
	if path == "" {
		logger.Info("no scene file configured, using default georeference")
		return config.Scene{}, nil
	}
	sc, err := config.LoadFile(path)
	if err != nil {
		return sc, err
	}
	logger.Info("scene loaded",
		"path", path,
		"georeference", sc.Georeference.Name,
		"anchors", len(sc.Anchors),
	)
	return sc, nil
}

type persistConfig struct {
	DBPath        string
	FlushInterval time.Duration
}

func loadPersistConfig(logger *slog.Logger) persistConfig {
	cfg := persistConfig{
		DBPath:        "/tmp/geoanchor/anchors.db",
		FlushInterval: 5 * time.Second,
	}

	// An explicitly empty path disables persistence.
	if v, ok := os.LookupEnv("GEOANCHOR_DB_PATH"); ok {
		cfg.DBPath = v
	}

	if v := os.Getenv("GEOANCHOR_FLUSH_INTERVAL"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			logger.Warn("invalid GEOANCHOR_FLUSH_INTERVAL value, using default", "value", v, "default", 5)
		} else {
			cfg.FlushInterval = time.Duration(n) * time.Second
		}
	}

	logger.Info("persistence config",
		"db_path", cfg.DBPath,
		"flush_interval_seconds", cfg.FlushInterval.Seconds(),
	)

	return cfg
}

type convertConfig struct {
	workers   int
	maxPoints int
}

func loadConvertConfig(logger *slog.Logger) convertConfig {
	cfg := convertConfig{
		workers:   runtime.NumCPU(),
		maxPoints: 100000,
	}

	if v := os.Getenv("GEOANCHOR_CONVERT_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			logger.Warn("invalid GEOANCHOR_CONVERT_WORKERS value, using default", "value", v, "default", cfg.workers)
		} else {
			cfg.workers = n
		}
	}

	if v := os.Getenv("GEOANCHOR_CONVERT_MAX_POINTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			logger.Warn("invalid GEOANCHOR_CONVERT_MAX_POINTS value, using default", "value", v, "default", cfg.maxPoints)
		} else {
			cfg.maxPoints = n
		}
	}

	logger.Info("convert config",
		"workers", cfg.workers,
		"max_points", cfg.maxPoints,
	)

	return cfg
}

type streamConfig struct {
	stream.Config
	buffer int
}

func loadStreamConfig(logger *slog.Logger) streamConfig {
	cfg := streamConfig{
		Config: stream.Config{
			MaxConcurrentPerIP: 10,
			MaxTotal:           1000,
			KeepaliveInterval:  30 * time.Second,
		},
		buffer: 64,
	}

	if v := os.Getenv("GEOANCHOR_STREAM_MAX_CONCURRENT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			logger.Warn("invalid GEOANCHOR_STREAM_MAX_CONCURRENT value, using default", "value", v, "default", 10)
		} else {
			cfg.MaxConcurrentPerIP = n
		}
	}

	if v := os.Getenv("GEOANCHOR_STREAM_KEEPALIVE_INTERVAL"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			logger.Warn("invalid GEOANCHOR_STREAM_KEEPALIVE_INTERVAL value, using default", "value", v, "default", 30)
		} else {
			cfg.KeepaliveInterval = time.Duration(n) * time.Second
		}
	}

	logger.Info("stream config",
		"max_concurrent_per_ip", cfg.MaxConcurrentPerIP,
		"max_total", cfg.MaxTotal,
		"keepalive_interval_seconds", cfg.KeepaliveInterval.Seconds(),
	)

	return cfg
}

// loadTrustProxy reads GEOANCHOR_TRUST_PROXY. Proxy headers are ignored
// unless it is set.
func loadTrustProxy(logger *slog.Logger) bool {
	v := os.Getenv("GEOANCHOR_TRUST_PROXY")
	if v == "" {
		return false
	}
	trust, err := strconv.ParseBool(v)
	if err != nil {
		logger.Warn("invalid GEOANCHOR_TRUST_PROXY value, defaulting to false", "value", v)
		return false
	}
	if trust {
		logger.Info("trusting proxy headers for client IPs")
	}
	return trust
}
