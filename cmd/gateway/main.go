package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/touwaeriol/claude-relay-service/pkg/accounts"
	"github.com/touwaeriol/claude-relay-service/pkg/audit"
	"github.com/touwaeriol/claude-relay-service/pkg/concurrency"
	"github.com/touwaeriol/claude-relay-service/pkg/digest"
	"github.com/touwaeriol/claude-relay-service/pkg/events"
	"github.com/touwaeriol/claude-relay-service/pkg/httpx"
	"github.com/touwaeriol/claude-relay-service/pkg/metrics"
	"github.com/touwaeriol/claude-relay-service/pkg/ratelimit"
	"github.com/touwaeriol/claude-relay-service/pkg/scheduler"
	"github.com/touwaeriol/claude-relay-service/pkg/sessionquota"
	"github.com/touwaeriol/claude-relay-service/pkg/store"
	"github.com/touwaeriol/claude-relay-service/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// accountSource lists candidate accounts for a platform.
type accountSource interface {
	ListActive(ctx context.Context, platform string) ([]accounts.Account, error)
}

type Server struct {
	Redis               *redis.Client
	Accounts            accountSource
	Limiters            *concurrency.Registry
	Scheduler           *scheduler.Scheduler
	Bindings            *scheduler.Bindings
	Metrics             *metrics.Registry
	Events              *events.Hub
	Broadcast           *events.Broadcaster
	RateLimiter         ratelimit.Limiter
	RateLimitRequests   int
	Audit               *audit.Writer
	DefaultPlatform     string
	KeyLimiterConfig    string
	MaxRequestBodyBytes int64
}

type gatewayDBCloser interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context) (gatewayDBCloser, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error
type gatewayStartLoopsFunc func(s *Server)

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (gatewayDBCloser, error) {
		pool, err := store.NewPostgresPool(ctx)
		if err != nil {
			return nil, err
		}
		return poolCloser{pool}, nil
	}
	openRedisFnG  = store.NewRedis
	listenFnG     = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFnG = func(s *Server) {
		go s.metricsLoop(context.Background())
	}
)

type poolCloser struct{ *pgxpool.Pool }

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, listenFnG, startLoopsFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
	startLoops gatewayStartLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	redisClient, err := openRedis(ctx)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer redisClient.Close()

	limiterCacheTTL := time.Millisecond * time.Duration(envInt("CONCURRENCY_LIMITER_CACHE_TTL_MS", 1800000))
	snapshotTTL := time.Millisecond * time.Duration(envInt("CONCURRENCY_SESSION_CONFIG_CACHE_TTL_MS", 60000))
	stickyTTL := time.Hour * time.Duration(envInt("SESSION_STICKY_TTL_HOURS", 168))
	renewalThreshold := time.Minute * time.Duration(envInt("SESSION_RENEWAL_THRESHOLD_MIN", 60))

	limiters := concurrency.NewRegistry(redisClient, concurrency.RegistryOptions{
		Defaults: concurrency.Defaults{
			MaxConcurrency:   envInt("CONCURRENCY_DEFAULT_MAX", 1),
			QueueSize:        envInt("CONCURRENCY_DEFAULT_QUEUE_SIZE", 0),
			QueueWaitSeconds: envInt("CONCURRENCY_QUEUE_WAIT_SEC", 30),
			ExecutionSeconds: envInt("CONCURRENCY_EXECUTION_TIMEOUT_SEC", 300),
		},
		EntryTTL:   limiterCacheTTL,
		MaxEntries: envInt("CONCURRENCY_LIMITER_CACHE_MAX", 10000),
	})
	bindings := scheduler.NewBindings(redisClient, stickyTTL, renewalThreshold)
	catalog := &accounts.Catalog{
		DB:       pool,
		Cache:    store.NewCache(ctx, redisClient),
		CacheTTL: snapshotTTL,
	}

	reg := metrics.NewRegistry()
	hub := events.NewHub()
	hub.OnDrop = reg.IncEventDropped
	broadcast := &events.Broadcaster{Hub: hub}
	if brokers := splitAndTrim(env("KAFKA_BROKERS", "")); len(brokers) > 0 {
		publisher, err := events.NewPublisher(events.PublisherConfig{
			Brokers: brokers,
			Topic:   env("KAFKA_TOPIC", ""),
			Timeout: time.Millisecond * time.Duration(envInt("KAFKA_TIMEOUT_MS", 2000)),
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer publisher.Close()
		broadcast.Publisher = publisher
	}

	maxRequestBodyBytes := int64(envInt("MAX_REQUEST_BODY_BYTES", 10<<20))
	if maxRequestBodyBytes <= 0 {
		maxRequestBodyBytes = 10 << 20
	}

	var keyLimiter ratelimit.Limiter
	rateLimitRequests := envInt("RATE_LIMIT_REQUESTS", 0)
	if rateLimitRequests > 0 {
		window := time.Second * time.Duration(envInt("RATE_LIMIT_WINDOW_SEC", 60))
		keyLimiter = ratelimit.NewRedis(redisClient, window)
	}

	var auditWriter *audit.Writer
	if env("AUDIT_ENABLED", "false") == "true" {
		auditWriter = &audit.Writer{
			DB:       pool,
			HashSalt: []byte(env("AUDIT_HASH_SALT", "")),
			Redact:   env("AUDIT_REDACT", "true") == "true",
		}
	}

	s := &Server{
		Redis:    redisClient,
		Accounts: catalog,
		Limiters: limiters,
		Scheduler: &scheduler.Scheduler{
			Limiters: limiters,
			Quota:    sessionquota.NewManager(redisClient),
			Digests:  digest.NewValidator(redisClient),
			Bindings: bindings,
		},
		Bindings:            bindings,
		Metrics:             reg,
		Events:              hub,
		Broadcast:           broadcast,
		RateLimiter:         keyLimiter,
		RateLimitRequests:   rateLimitRequests,
		Audit:               auditWriter,
		DefaultPlatform:     env("DEFAULT_PLATFORM", "claude"),
		KeyLimiterConfig:    env("API_KEY_CONCURRENCY_CONFIG", ""),
		MaxRequestBodyBytes: maxRequestBodyBytes,
	}
	defer limiters.Close()

	r := s.router()

	if startLoops != nil {
		startLoops(s)
	}

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 330),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

func (s *Server) router() chi.Router {
	r := chi.NewRouter()
	r.Use(httpx.CORS(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeaders)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	r.Post("/v1/messages", s.handleMessages)
	r.Get("/v1/concurrency/stats", s.handleConcurrencyStats)
	r.Get("/v1/sessions/bindings/{hash}", s.handleGetBinding)
	r.Delete("/v1/sessions/bindings/{hash}", s.handleDeleteBinding)
	r.Get("/v1/audit/{requestId}", s.handleGetAudit)
	r.Get("/v1/stream", s.streamEvents)
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		srv.Metrics.Observe(path, rec.code, elapsed)
		srv.Metrics.ObserveLatency(path, elapsed)
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) metricsLoop(ctx context.Context) {
	interval := envDurationSec("METRICS_LOOP_INTERVAL_SEC", 15)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.updateOperationalMetrics()
		}
	}
}

func (s *Server) updateOperationalMetrics() {
	stats := s.Limiters.Stats()
	var running, queued int64
	for _, st := range stats {
		running += st.Running
		queued += st.Queued
	}
	s.Metrics.SetGauge("slots_running", float64(running))
	s.Metrics.SetGauge("queue_waiting", float64(queued))
	s.Metrics.SetGauge("limiters_live", float64(len(stats)))
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
