package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/osmtools/revertd/internal/httpapi"
	"github.com/osmtools/revertd/internal/replication"
	"github.com/osmtools/revertd/internal/revert"
	"github.com/osmtools/revertd/internal/store"
	"github.com/osmtools/revertd/internal/userinfo"
)

const userAgent = "revertd/1.0 (+https://github.com/osmtools/revertd)"

func main() {
	addr := os.Getenv("REVERTD_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	changesets, stateStore, err := buildStoresFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize store: %v", err)
	}
	userCache, err := buildUserCacheFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize user cache: %v", err)
	}

	resolver := userinfo.NewResolver(userinfo.ResolverOptions{
		APIURL:     stringEnv("REVERTD_OSM_API_URL", "https://www.openstreetmap.org/api/0.6/"),
		PlanetURL:  stringEnv("REVERTD_OSM_PLANET_URL", "https://planet.openstreetmap.org/"),
		UserAgent:  userAgent,
		Cache:      userCache,
		BatchSize:  intEnv("REVERTD_USER_BATCH_SIZE", 0),
		DeletedTTL: durationEnv("REVERTD_DELETED_USERS_TTL", 0),
		Logger:     log.Default(),
	})

	engine := revert.NewEngine(revert.EngineConfig{
		Runner:      &revert.ProcessRunner{ToolPath: stringEnv("REVERTD_TOOL_PATH", "osm-revert")},
		Parallelism: intEnv("REVERTD_CHANGESET_CONCURRENCY", 0),
		LogCapacity: intEnv("REVERTD_TASK_LOG_CAPACITY", 0),
		Logger:      log.Default(),
	})
	defer engine.Shutdown()

	feedClient := replication.NewHTTPClient(
		stringEnv("REVERTD_REPLICATION_URL", "https://planet.openstreetmap.org/replication/changesets/"),
		userAgent, nil)
	worker := replication.NewWorker(replication.WorkerOptions{
		Client:     feedClient,
		Changesets: changesets,
		State:      stateStore,
		Horizon:    durationEnv("REVERTD_CHANGESET_MAX_AGE", 180*24*time.Hour),
		Frequency:  durationEnv("REVERTD_REPLICATION_FREQUENCY", time.Minute),
		Sleep:      durationEnv("REVERTD_REPLICATION_SLEEP", 30*time.Second),
		Logger:     log.Default(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Fatalf("replication worker failed: %v", err)
		}
	}()

	server := &http.Server{
		Addr: addr,
		Handler: httpapi.NewServerWithConfig(engine, changesets, resolver, httpapi.ServerConfig{
			MaxBodyBytes:       int64Env("REVERTD_MAX_BODY_BYTES", 0),
			StreamPollInterval: durationEnv("REVERTD_STREAM_POLL_INTERVAL", 0),
		}),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf("revertd listening on %s", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server failed: %v", err)
	}
}

func buildStoresFromEnv() (store.ChangesetStore, store.StateStore, error) {
	dsn := strings.TrimSpace(os.Getenv("REVERTD_DATABASE_DSN"))
	if dsn == "" {
		log.Printf("REVERTD_DATABASE_DSN not set, using in-memory store")
		memory := store.NewMemoryStore()
		return memory, memory, nil
	}
	pg, err := store.NewPostgresStore(dsn)
	if err != nil {
		return nil, nil, err
	}
	return pg, pg, nil
}

func buildUserCacheFromEnv() (userinfo.Cache, error) {
	redisAddr := strings.TrimSpace(os.Getenv("REVERTD_REDIS_ADDR"))
	if redisAddr == "" {
		return userinfo.NewMemoryCache(
			intEnv("REVERTD_USER_CACHE_CAPACITY", 0),
			durationEnv("REVERTD_USER_CACHE_TTL", 0)), nil
	}
	return userinfo.NewRedisCache(userinfo.RedisConfig{
		Addr:     redisAddr,
		Username: os.Getenv("REVERTD_REDIS_USERNAME"),
		Password: os.Getenv("REVERTD_REDIS_PASSWORD"),
		Database: intEnv("REVERTD_REDIS_DATABASE", 0),
	}, durationEnv("REVERTD_USER_CACHE_TTL", 0))
}

func stringEnv(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
