// raced is the live race server.
// It ingests gameplay telemetry from game-side mods over websockets,
// maintains authoritative race state, and fans leaderboard updates out to
// spectator overlays.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/liverace/liverace/server/internal/api"
	"github.com/liverace/liverace/server/internal/auth"
	"github.com/liverace/liverace/server/internal/config"
	"github.com/liverace/liverace/server/internal/hub"
	"github.com/liverace/liverace/server/internal/leader"
	"github.com/liverace/liverace/server/internal/postgres"
	"github.com/liverace/liverace/server/internal/room"
	"github.com/liverace/liverace/server/internal/storage"
	"github.com/liverace/liverace/server/internal/sweeper"
	"github.com/liverace/liverace/server/internal/training"
	"github.com/liverace/liverace/server/internal/ws"
)

// validateEnv checks that critical environment variables have valid
// values. Returns a slice of validation errors (empty if all valid).
func validateEnv() []string {
	var errs []string

	if addr := os.Getenv("RACED_LISTEN_ADDR"); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Sprintf("RACED_LISTEN_ADDR=%q: must be host:port (%v)", addr, err))
		}
	}

	if port := os.Getenv("PORT"); port != "" {
		if _, err := net.LookupPort("tcp", port); err != nil {
			errs = append(errs, fmt.Sprintf("PORT=%q: must be a valid port number", port))
		}
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL == "" {
		errs = append(errs, "DATABASE_URL is required")
	} else if _, err := url.Parse(dbURL); err != nil {
		errs = append(errs, fmt.Sprintf("DATABASE_URL: invalid URL (%v)", err))
	}

	if v := os.Getenv("S3_ENDPOINT"); v != "" {
		if _, _, err := net.SplitHostPort(v); err != nil {
			if _, err := url.Parse("http://" + v); err != nil {
				errs = append(errs, fmt.Sprintf("S3_ENDPOINT=%q: must be a valid endpoint", v))
			}
		}
	}

	for _, name := range []string{"S3_METADATA_TIMEOUT", "S3_DATA_TIMEOUT", "S3_LINK_TTL"} {
		if v := os.Getenv(name); v != "" {
			if _, err := time.ParseDuration(v); err != nil {
				errs = append(errs, fmt.Sprintf("%s=%q: must be a valid Go duration (e.g. 10s, 2m) (%v)", name, v, err))
			}
		}
	}

	return errs
}

// warnDefaultCredentials logs security warnings when S3 or Postgres
// credentials appear to be well-known defaults. Safe for local
// development, dangerous in production.
func warnDefaultCredentials() {
	s3Access := os.Getenv("S3_ACCESS_KEY")
	s3Secret := os.Getenv("S3_SECRET_KEY")
	if s3Access == "minioadmin" || s3Secret == "minioadmin" {
		slog.Warn("S3 credentials are set to default values (minioadmin) — change these for production deployments")
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		if u, err := url.Parse(dbURL); err == nil && u.User != nil {
			user := u.User.Username()
			pass, _ := u.User.Password()
			if (user == "raced" && pass == "raced") || (user == "postgres" && pass == "postgres") {
				slog.Warn("database credentials appear to be defaults — change these for production deployments",
					"user", user)
			}
		}
	}
}

func main() {
	// Built-in healthcheck for scratch containers (no wget/curl available).
	// Usage: /raced healthcheck
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		resp, err := http.Get("http://localhost:8080/health")
		if err != nil {
			os.Exit(1)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if errs := validateEnv(); len(errs) > 0 {
		for _, e := range errs {
			slog.Error("invalid environment variable", "error", e)
		}
		os.Exit(1)
	}

	// Runtime tuning: RACED_CONFIG env > ./race.yaml > defaults.
	configPath := config.ResolvePath()
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}
	if configPath != "" {
		slog.Info("config loaded", "path", configPath)
	}

	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	if err := postgres.Migrate(ctx, pool); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	raceStore := postgres.NewRaceStore(pool)
	participantStore := postgres.NewParticipantStore(pool)
	seedStore := postgres.NewSeedStore(pool)
	userStore := postgres.NewUserStore(pool)
	casterStore := postgres.NewCasterStore(pool)
	trainingStore := postgres.NewTrainingStore(pool)
	slog.Info("postgres stores initialized")

	srv := &api.Server{
		Races:        raceStore,
		Participants: participantStore,
		Seeds:        seedStore,
		Users:        userStore,
		Casters:      casterStore,
		Training:     trainingStore,
		DBHealth:     postgres.NewHealthChecker(pool),
	}

	// Seed pack storage when S3_ENDPOINT is set. Without it the seedpack
	// endpoint is simply absent.
	if s3Endpoint := os.Getenv("S3_ENDPOINT"); s3Endpoint != "" {
		s3Bucket := os.Getenv("S3_BUCKET")
		if s3Bucket == "" {
			s3Bucket = "seedpacks"
		}
		packCfg := storage.PackConfig{
			Endpoint:  s3Endpoint,
			AccessKey: os.Getenv("S3_ACCESS_KEY"),
			SecretKey: os.Getenv("S3_SECRET_KEY"),
			Bucket:    s3Bucket,
			UseSSL:    os.Getenv("S3_USE_SSL") == "true",
		}
		if v := os.Getenv("S3_METADATA_TIMEOUT"); v != "" {
			packCfg.MetadataTimeout, _ = time.ParseDuration(v)
		}
		if v := os.Getenv("S3_DATA_TIMEOUT"); v != "" {
			packCfg.DataTimeout, _ = time.ParseDuration(v)
		}
		if v := os.Getenv("S3_LINK_TTL"); v != "" {
			packCfg.LinkTTL, _ = time.ParseDuration(v)
		}

		packStore, err := storage.NewPackStore(ctx, packCfg)
		if err != nil {
			slog.Error("failed to connect to S3", "error", err)
			os.Exit(1)
		}
		srv.Packs = packStore
		srv.S3Health = storage.NewHealthChecker(packStore)
		slog.Info("seed pack storage initialized", "endpoint", s3Endpoint, "bucket", s3Bucket)
	} else {
		slog.Warn("S3_ENDPOINT not set, seed pack downloads disabled")
	}

	// Auth: API key when RACED_API_KEY is set, open otherwise. Identity
	// comes from the X-User-ID header stamped by the identity proxy.
	if apiKey := os.Getenv("RACED_API_KEY"); apiKey != "" {
		srv.Auth = auth.APIKey(apiKey)
		slog.Info("API key authentication enabled")
	} else {
		srv.Auth = auth.Noop()
	}
	srv.Identity = auth.Identity()

	// Live race core: connection hub, room registry, training runtime.
	connHub := hub.New(cfg.SendQueueDepth)
	roomCtx, cancelRooms := context.WithCancel(ctx)
	registry := room.NewRegistry(roomCtx, cfg, room.Stores{
		Races:        raceStore,
		Participants: participantStore,
		Seeds:        seedStore,
		Users:        userStore,
		Casters:      casterStore,
	}, connHub)
	srv.Rooms = registry

	trainingRuntime := training.NewRuntime(trainingStore, registry)

	srv.ModSocket = ws.NewModHandler(cfg, connHub, registry, participantStore)
	srv.SpectatorSocket = ws.NewSpectatorHandler(connHub, registry)
	srv.TrainingSocket = ws.NewTrainingHandler(cfg, connHub, trainingRuntime)

	// Rehydrate rooms for races that were RUNNING when the last process
	// stopped, so their tickers and sweeps resume without waiting for a
	// reconnect.
	if ids, err := raceStore.ListRunning(ctx); err != nil {
		slog.Warn("failed to list running races for rehydration", "error", err)
	} else {
		for _, id := range ids {
			if _, err := registry.GetOrLoad(ctx, id); err != nil {
				slog.Warn("failed to rehydrate room", "race_id", id, "error", err)
			}
		}
		if len(ids) > 0 {
			slog.Info("rehydrated running races", "count", len(ids))
		}
	}

	sweep, err := sweeper.New(cfg, participantStore, registry)
	if err != nil {
		slog.Error("failed to create sweeper", "error", err)
		os.Exit(1)
	}

	// The sweeper runs on one replica only, elected via a Postgres advisory
	// lock. Rooms and websockets run on every replica.
	tryLock := func(ctx context.Context) (bool, error) {
		var acquired bool
		err := pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", leader.AdvisoryLockID).Scan(&acquired)
		return acquired, err
	}
	elector := leader.New(tryLock, leader.RetryInterval, func(ctx context.Context) func() {
		sweep.Start(ctx)
		slog.Info("inactivity sweeper started", "schedule", cfg.SweepSchedule, "threshold", cfg.InactivityThreshold)
		return sweep.Stop
	})
	elector.Start(ctx)

	warnDefaultCredentials()

	if corsEnv := os.Getenv("CORS_ORIGINS"); corsEnv != "" {
		srv.CORSOrigins = strings.Split(corsEnv, ",")
	}

	router := api.NewRouter(srv)

	// Listen address: RACED_LISTEN_ADDR > PORT (legacy) > localhost only.
	addr := "127.0.0.1:8080"
	if listenAddr := os.Getenv("RACED_LISTEN_ADDR"); listenAddr != "" {
		addr = listenAddr
	} else if port := os.Getenv("PORT"); port != "" {
		addr = ":" + port
	}
	if strings.HasPrefix(addr, "0.0.0.0") && os.Getenv("RACED_API_KEY") == "" {
		slog.Warn("listening on 0.0.0.0 without RACED_API_KEY — API is unauthenticated and accessible from the network")
	}

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	slog.Info("starting raced", "addr", addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig)
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}

	// Graceful shutdown: stop accepting HTTP, tell every websocket peer the
	// server is going away, then stop the rooms and the sweeper. Peer state
	// is already persisted, so reconnecting replicas resume cleanly.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	connHub.Shutdown()
	slog.Info("websocket sessions closed")

	cancelRooms()
	registry.StopAll()
	slog.Info("race rooms stopped")

	elector.Stop()
	slog.Info("leader elector stopped")

	pool.Close()
	slog.Info("database pool closed")

	slog.Info("raced shutdown complete")
}
