package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

type fakeGatewayDB struct {
	closed bool
}

func (f *fakeGatewayDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeGatewayDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("no rows")
}

func (f *fakeGatewayDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return fakeGatewayRow{}
}

func (f *fakeGatewayDB) Close() { f.closed = true }

type fakeGatewayRow struct{}

func (fakeGatewayRow) Scan(dest ...any) error { return errors.New("no rows") }

func testRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRunGateway(t *testing.T) {
	t.Run("telemetry_error", func(t *testing.T) {
		err := runGateway(
			func(context.Context, string) (func(context.Context) error, error) {
				return nil, errors.New("otel down")
			},
			func(context.Context) (gatewayDBCloser, error) {
				t.Fatal("openDB must not be called on telemetry error")
				return nil, nil
			},
			func(context.Context) (*redis.Client, error) {
				t.Fatal("openRedis must not be called on telemetry error")
				return nil, nil
			},
			func(*http.Server) error {
				t.Fatal("listen must not be called on telemetry error")
				return nil
			},
			nil,
		)
		if err == nil || !strings.Contains(err.Error(), "otel:") {
			t.Fatalf("expected wrapped telemetry error, got %v", err)
		}
	})

	t.Run("db_error", func(t *testing.T) {
		err := runGateway(
			func(context.Context, string) (func(context.Context) error, error) {
				return func(context.Context) error { return nil }, nil
			},
			func(context.Context) (gatewayDBCloser, error) {
				return nil, errors.New("db down")
			},
			func(context.Context) (*redis.Client, error) {
				t.Fatal("openRedis must not be called on db error")
				return nil, nil
			},
			func(*http.Server) error {
				t.Fatal("listen must not be called on db error")
				return nil
			},
			nil,
		)
		if err == nil || !strings.Contains(err.Error(), "db:") {
			t.Fatalf("expected wrapped db error, got %v", err)
		}
	})

	t.Run("redis_error", func(t *testing.T) {
		db := &fakeGatewayDB{}
		err := runGateway(
			func(context.Context, string) (func(context.Context) error, error) {
				return func(context.Context) error { return nil }, nil
			},
			func(context.Context) (gatewayDBCloser, error) {
				return db, nil
			},
			func(context.Context) (*redis.Client, error) {
				return nil, errors.New("redis down")
			},
			func(*http.Server) error {
				t.Fatal("listen must not be called on redis error")
				return nil
			},
			nil,
		)
		if err == nil || !strings.Contains(err.Error(), "redis:") {
			t.Fatalf("expected wrapped redis error, got %v", err)
		}
		if !db.closed {
			t.Fatal("db must be closed on startup failure")
		}
	})

	t.Run("listen_nil", func(t *testing.T) {
		db := &fakeGatewayDB{}
		err := runGateway(
			func(context.Context, string) (func(context.Context) error, error) {
				return func(context.Context) error { return nil }, nil
			},
			func(context.Context) (gatewayDBCloser, error) {
				return db, nil
			},
			func(context.Context) (*redis.Client, error) {
				return testRedisClient(t), nil
			},
			nil,
			nil,
		)
		if err == nil || !strings.Contains(err.Error(), "listen function required") {
			t.Fatalf("expected nil-listen error, got %v", err)
		}
		if !db.closed {
			t.Fatal("db must be closed")
		}
	})

	t.Run("success", func(t *testing.T) {
		t.Setenv("ADDR", ":18080")
		t.Setenv("HTTP_READ_HEADER_TIMEOUT_SEC", "6")
		t.Setenv("HTTP_READ_TIMEOUT_SEC", "16")
		t.Setenv("HTTP_WRITE_TIMEOUT_SEC", "331")
		t.Setenv("HTTP_IDLE_TIMEOUT_SEC", "121")
		t.Setenv("MAX_REQUEST_BODY_BYTES", "-1")
		t.Setenv("KAFKA_BROKERS", "localhost:9092")
		t.Setenv("KAFKA_TOPIC", "relay.test")
		t.Setenv("DEFAULT_PLATFORM", "gemini")
		t.Setenv("SESSION_STICKY_TTL_HOURS", "24")
		t.Setenv("RATE_LIMIT_REQUESTS", "5")
		t.Setenv("AUDIT_ENABLED", "true")

		db := &fakeGatewayDB{}
		var captured *Server
		var listenCalled bool
		redisOpenCalls := 0

		err := runGateway(
			func(context.Context, string) (func(context.Context) error, error) {
				return func(context.Context) error { return nil }, nil
			},
			func(context.Context) (gatewayDBCloser, error) {
				return db, nil
			},
			func(context.Context) (*redis.Client, error) {
				redisOpenCalls++
				return testRedisClient(t), nil
			},
			func(server *http.Server) error {
				listenCalled = true
				if server.Addr != ":18080" {
					t.Fatalf("unexpected addr: %s", server.Addr)
				}
				if server.ReadHeaderTimeout != 6*time.Second || server.ReadTimeout != 16*time.Second || server.WriteTimeout != 331*time.Second || server.IdleTimeout != 121*time.Second {
					t.Fatalf("unexpected timeout config: %#v", server)
				}

				health := httptest.NewRecorder()
				server.Handler.ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/healthz", nil))
				if health.Code != http.StatusOK || !strings.Contains(health.Body.String(), `"service":"gateway"`) {
					t.Fatalf("unexpected health response: %d body=%s", health.Code, health.Body.String())
				}

				metricsReq := httptest.NewRecorder()
				server.Handler.ServeHTTP(metricsReq, httptest.NewRequest(http.MethodGet, "/metrics", nil))
				if metricsReq.Code != http.StatusOK {
					t.Fatalf("expected metrics endpoint 200, got %d", metricsReq.Code)
				}

				invalidReq := httptest.NewRecorder()
				req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{`))
				req.Header.Set("X-Api-Key-Id", "key-1")
				server.Handler.ServeHTTP(invalidReq, req)
				if invalidReq.Code != http.StatusBadRequest {
					t.Fatalf("expected invalid json rejection, got %d", invalidReq.Code)
				}

				return nil
			},
			func(s *Server) {
				captured = s
			},
		)
		if err != nil {
			t.Fatalf("expected startup success, got %v", err)
		}
		if !listenCalled {
			t.Fatal("listen was not called")
		}
		if redisOpenCalls != 1 {
			t.Fatalf("expected one redis open call, got %d", redisOpenCalls)
		}
		if captured == nil {
			t.Fatal("expected captured server")
		}
		if captured.DefaultPlatform != "gemini" {
			t.Fatalf("unexpected default platform: %s", captured.DefaultPlatform)
		}
		if captured.MaxRequestBodyBytes != 10<<20 {
			t.Fatalf("expected body-size fallback 10MiB, got %d", captured.MaxRequestBodyBytes)
		}
		if captured.Broadcast == nil || captured.Broadcast.Publisher == nil {
			t.Fatal("expected kafka publisher wired from env")
		}
		if captured.RateLimiter == nil || captured.RateLimitRequests != 5 {
			t.Fatalf("expected rate limiter wired with limit 5, got %d", captured.RateLimitRequests)
		}
		if captured.Audit == nil || !captured.Audit.Redact {
			t.Fatal("expected redacting audit writer wired from env")
		}
		if captured.Scheduler == nil || captured.Scheduler.Bindings == nil {
			t.Fatal("expected scheduler bindings wired")
		}
		if !db.closed {
			t.Fatal("db must be closed on normal exit")
		}
	})

	t.Run("listen_error_propagates", func(t *testing.T) {
		db := &fakeGatewayDB{}
		expected := errors.New("listen failed")

		err := runGateway(
			func(context.Context, string) (func(context.Context) error, error) {
				return func(context.Context) error { return nil }, nil
			},
			func(context.Context) (gatewayDBCloser, error) {
				return db, nil
			},
			func(context.Context) (*redis.Client, error) {
				return testRedisClient(t), nil
			},
			func(*http.Server) error {
				return expected
			},
			nil,
		)
		if !errors.Is(err, expected) {
			t.Fatalf("expected listen error propagation, got %v", err)
		}
		if !db.closed {
			t.Fatal("db must be closed")
		}
	})
}

func TestMainDirect(t *testing.T) {
	origLogFatalf := logFatalf
	origInitTelemetry := initTelemetryG
	origOpenDB := openDBFnG
	origOpenRedis := openRedisFnG
	origListen := listenFnG
	origStartLoops := startLoopsFnG
	defer func() {
		logFatalf = origLogFatalf
		initTelemetryG = origInitTelemetry
		openDBFnG = origOpenDB
		openRedisFnG = origOpenRedis
		listenFnG = origListen
		startLoopsFnG = origStartLoops
	}()

	t.Run("success", func(t *testing.T) {
		t.Setenv("ADDR", "127.0.0.1:0")

		fatalCalled := false
		logFatalf = func(format string, args ...any) { fatalCalled = true }
		initTelemetryG = func(ctx context.Context, service string) (func(context.Context) error, error) {
			return func(context.Context) error { return nil }, nil
		}
		openDBFnG = func(ctx context.Context) (gatewayDBCloser, error) {
			return &fakeGatewayDB{}, nil
		}
		openRedisFnG = func(ctx context.Context) (*redis.Client, error) {
			return testRedisClient(t), nil
		}
		listenFnG = func(server *http.Server) error { return nil }
		startLoopsFnG = func(s *Server) {}

		main()

		if fatalCalled {
			t.Fatal("logFatalf should not be called on success")
		}
	})

	t.Run("error_calls_fatalf", func(t *testing.T) {
		fatalCalled := false
		logFatalf = func(format string, args ...any) { fatalCalled = true }
		initTelemetryG = func(ctx context.Context, service string) (func(context.Context) error, error) {
			return nil, errors.New("telemetry init failed")
		}

		main()

		if !fatalCalled {
			t.Fatal("logFatalf should be called on error")
		}
	})
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("GATEWAY_TEST_STR", "value")
	t.Setenv("GATEWAY_TEST_INT", "42")
	t.Setenv("GATEWAY_TEST_BAD_INT", "nope")

	if got := env("GATEWAY_TEST_STR", "def"); got != "value" {
		t.Fatalf("env = %q", got)
	}
	if got := env("GATEWAY_TEST_MISSING", "def"); got != "def" {
		t.Fatalf("env default = %q", got)
	}
	if got := envInt("GATEWAY_TEST_INT", 7); got != 42 {
		t.Fatalf("envInt = %d", got)
	}
	if got := envInt("GATEWAY_TEST_BAD_INT", 7); got != 7 {
		t.Fatalf("envInt bad = %d", got)
	}
	if got := envDurationSec("GATEWAY_TEST_INT", 7); got != 42*time.Second {
		t.Fatalf("envDurationSec = %s", got)
	}
}

func TestSplitAndTrim(t *testing.T) {
	got := splitAndTrim(" a, b ,,c ")
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("splitAndTrim = %#v", got)
	}
	if got := splitAndTrim(""); len(got) != 0 {
		t.Fatalf("expected empty, got %#v", got)
	}
}
