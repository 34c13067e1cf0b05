package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"vaultguard/pkg/auth"
	"vaultguard/pkg/guardian"
	"vaultguard/pkg/models"
	"vaultguard/pkg/stream"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/redis/go-redis/v9"
)

func noopTelemetry(ctx context.Context, service string) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

func memoryBackend(ctx context.Context) (backend, func(), error) {
	return guardian.NewMemoryStore(), func() {}, nil
}

func insecureDevEnv(t *testing.T) {
	t.Helper()
	t.Setenv("AUTH_MODE", "off")
	t.Setenv("ALLOW_INSECURE_AUTH_OFF", "true")
	t.Setenv("ENVIRONMENT", "test")
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("REDIS_ADDR", "")
}

func TestMainCallsLogFatalfOnError(t *testing.T) {
	origLogFatalf := logFatalf
	origInitTelemetry := initTelemetryG
	defer func() {
		logFatalf = origLogFatalf
		initTelemetryG = origInitTelemetry
	}()

	fatalCalled := false
	logFatalf = func(format string, args ...any) { fatalCalled = true }
	initTelemetryG = func(ctx context.Context, service string) (func(context.Context) error, error) {
		return nil, errors.New("telemetry init failed")
	}
	main()
	if !fatalCalled {
		t.Fatal("logFatalf should be called on error")
	}
}

func TestRunGuardiandEdges(t *testing.T) {
	t.Run("telemetry error", func(t *testing.T) {
		err := runGuardiand(context.Background(),
			func(ctx context.Context, service string) (func(context.Context) error, error) {
				return nil, errors.New("telemetry failed")
			},
			memoryBackend, nil, nil)
		if err == nil || !strings.Contains(err.Error(), "otel") {
			t.Fatalf("expected otel error, got %v", err)
		}
	})

	t.Run("auth off without opt-in", func(t *testing.T) {
		insecureDevEnv(t)
		t.Setenv("ALLOW_INSECURE_AUTH_OFF", "false")
		err := runGuardiand(context.Background(), noopTelemetry, memoryBackend, nil, nil)
		if err == nil || !strings.Contains(err.Error(), "ALLOW_INSECURE_AUTH_OFF") {
			t.Fatalf("expected auth guard error, got %v", err)
		}
	})

	t.Run("hardening rejects memory store in production", func(t *testing.T) {
		t.Setenv("AUTH_MODE", "oidc_hs256")
		t.Setenv("OIDC_HS256_SECRET", "s3cret")
		t.Setenv("ENVIRONMENT", "production")
		t.Setenv("STORE_BACKEND", "memory")
		err := runGuardiand(context.Background(), noopTelemetry, memoryBackend, nil, nil)
		if err == nil {
			t.Fatal("expected hardening error")
		}
	})

	t.Run("store error", func(t *testing.T) {
		insecureDevEnv(t)
		err := runGuardiand(context.Background(), noopTelemetry,
			func(ctx context.Context) (backend, func(), error) { return nil, nil, errors.New("db down") },
			nil, nil)
		if err == nil || !strings.Contains(err.Error(), "store: db down") {
			t.Fatalf("expected store error, got %v", err)
		}
	})

	t.Run("bad bootstrap file", func(t *testing.T) {
		insecureDevEnv(t)
		t.Setenv("GUARDIAN_BOOTSTRAP_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
		err := runGuardiand(context.Background(), noopTelemetry, memoryBackend, nil, func(*http.Server) error { return nil })
		if err == nil || !strings.Contains(err.Error(), "read bootstrap file") {
			t.Fatalf("expected bootstrap error, got %v", err)
		}
	})

	t.Run("nil listen", func(t *testing.T) {
		insecureDevEnv(t)
		err := runGuardiand(context.Background(), noopTelemetry, memoryBackend, nil, nil)
		if err == nil || !strings.Contains(err.Error(), "listen function required") {
			t.Fatalf("expected listen error, got %v", err)
		}
	})

	t.Run("listen error stops background loops", func(t *testing.T) {
		insecureDevEnv(t)
		err := runGuardiand(context.Background(), noopTelemetry, memoryBackend, nil,
			func(*http.Server) error { return errors.New("bind failed") })
		if err == nil || err.Error() != "bind failed" {
			t.Fatalf("expected listen error, got %v", err)
		}
	})

	t.Run("redis failure falls back to memory", func(t *testing.T) {
		insecureDevEnv(t)
		t.Setenv("REDIS_ADDR", "127.0.0.1:1")
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		redisCalled := false
		err := runGuardiand(ctx, noopTelemetry, memoryBackend,
			func(ctx context.Context) (*redis.Client, error) {
				redisCalled = true
				return nil, errors.New("redis down")
			},
			func(*http.Server) error {
				cancel()
				return http.ErrServerClosed
			})
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
		if !redisCalled {
			t.Fatal("expected redis to be attempted")
		}
	})
}

func TestRunGuardiandAppliesBootstrapFile(t *testing.T) {
	insecureDevEnv(t)
	path := filepath.Join(t.TempDir(), "bootstrap.yaml")
	if err := os.WriteFile(path, []byte("admin: ops\nguardians: [g1, g2]\nthreshold: 2\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GUARDIAN_BOOTSTRAP_FILE", path)

	db := guardian.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var served http.Handler
	err := runGuardiand(ctx, noopTelemetry,
		func(ctx context.Context) (backend, func(), error) { return db, func() {}, nil },
		nil,
		func(server *http.Server) error {
			served = server.Handler
			cancel()
			return http.ErrServerClosed
		})
	if err != nil {
		t.Fatalf("runGuardiand: %v", err)
	}

	set, err := guardian.NewService(db).Guardians(context.Background())
	if err != nil || set.Count != 2 || set.Threshold != 2 {
		t.Fatalf("expected bootstrapped registry, got %+v err=%v", set, err)
	}
	req := httptest.NewRequest(http.MethodGet, "/v1/config", nil)
	req.Header.Set(auth.CallerHeader, "g1")
	rr := httptest.NewRecorder()
	served.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"admin":"ops"`) {
		t.Fatalf("unexpected config response %d %s", rr.Code, rr.Body.String())
	}
}

func TestParseBootstrap(t *testing.T) {
	cfg, err := parseBootstrap([]byte(`
admin: ops
guardians:
  - alice
  - bob
  - carol
threshold: 2
recovery_timelock: 48h
escrow_registry_ref: escrow-main
policy_manager_ref: policy-main
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Admin != "ops" || len(cfg.Guardians) != 3 || cfg.Threshold != 2 {
		t.Fatalf("unexpected cfg %+v", cfg)
	}
	if cfg.RecoveryTimelock != 48*time.Hour || cfg.EscrowRegistryRef != "escrow-main" || cfg.PolicyManagerRef != "policy-main" {
		t.Fatalf("unexpected cfg %+v", cfg)
	}

	if _, err := parseBootstrap([]byte("admin: ops\nquorum: 2\n")); err == nil {
		t.Fatal("expected unknown field error")
	}
	if _, err := parseBootstrap([]byte("admin: ops\nrecovery_timelock: soon\n")); err == nil || !strings.Contains(err.Error(), "recovery_timelock") {
		t.Fatalf("expected timelock parse error, got %v", err)
	}
}

func TestLoadBootstrapSkipsInitializedStore(t *testing.T) {
	svc := guardian.NewService(guardian.NewMemoryStore())
	if err := loadBootstrap(context.Background(), svc, "  "); err != nil {
		t.Fatalf("empty path should be a no-op: %v", err)
	}
	path := filepath.Join(t.TempDir(), "seed.yaml")
	if err := os.WriteFile(path, []byte("admin: ops\nguardians: [g1]\nthreshold: 1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := loadBootstrap(context.Background(), svc, path); err != nil {
		t.Fatalf("first load: %v", err)
	}
	if err := loadBootstrap(context.Background(), svc, path); err != nil {
		t.Fatalf("second load should be skipped: %v", err)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("admin: ops\nguardians: [g1]\nthreshold: 5\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	err := loadBootstrap(context.Background(), guardian.NewService(guardian.NewMemoryStore()), bad)
	if !errors.Is(err, guardian.ErrInvalidThreshold) {
		t.Fatalf("expected invalid threshold, got %v", err)
	}
}

func TestCheckAuthMode(t *testing.T) {
	t.Setenv("ALLOW_INSECURE_AUTH_OFF", "true")
	cases := []struct {
		mode, env string
		ok        bool
	}{
		{"oidc_hs256", "production", true},
		{"off", "test", true},
		{"OFF", "local", true},
		{"off", "production", false},
		{"off", "", false},
		{"off", "qa", false},
	}
	for _, tc := range cases {
		err := checkAuthMode(tc.mode, tc.env)
		if (err == nil) != tc.ok {
			t.Fatalf("checkAuthMode(%q, %q) = %v, want ok=%v", tc.mode, tc.env, err, tc.ok)
		}
	}
}

func TestOpenStoreBackends(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	db, closeFn, err := openStore(context.Background())
	if err != nil || db == nil {
		t.Fatalf("memory store: %v", err)
	}
	closeFn()

	t.Setenv("STORE_BACKEND", "sqlite")
	t.Setenv("SQLITE_PATH", filepath.Join(t.TempDir(), "guardian.db"))
	db, closeFn, err = openStore(context.Background())
	if err != nil || db == nil {
		t.Fatalf("sqlite store: %v", err)
	}
	closeFn()

	t.Setenv("STORE_BACKEND", "etcd")
	if _, _, err := openStore(context.Background()); err == nil {
		t.Fatal("expected unknown backend error")
	}
}

func TestHelpers(t *testing.T) {
	if got := wsOriginPatterns(" https://a.example , ,https://b.example "); len(got) != 2 || got[1] != "https://b.example" {
		t.Fatalf("unexpected origin patterns %v", got)
	}
	if got := scopedIdempotencyKey(" Alice ", " k1 "); got != "idem:alice|k1" {
		t.Fatalf("unexpected scoped key %q", got)
	}
	if scopedIdempotencyKey("alice", "  ") != "" {
		t.Fatal("blank key should disable idempotency")
	}
	t.Setenv("SOME_INT", "nope")
	if envInt("SOME_INT", 7) != 7 {
		t.Fatal("invalid int should fall back to default")
	}
	t.Setenv("SOME_SEC", "3")
	if envDurationSec("SOME_SEC", 1) != 3*time.Second {
		t.Fatal("expected seconds duration")
	}
}

func TestBuildSinks(t *testing.T) {
	hub := stream.NewHub()
	sinks, closeAll, err := buildSinks(hub)
	if err != nil || len(sinks) != 1 || sinks[0].Name() != "websocket" {
		t.Fatalf("expected hub only, got %v err=%v", sinks, err)
	}
	closeAll()

	t.Setenv("KAFKA_ENABLED", "true")
	t.Setenv("KAFKA_BROKERS", "localhost:9092")
	t.Setenv("COLLAB_WEBHOOK_URL", "http://collab.local/hooks/recovery")
	sinks, closeAll, err = buildSinks(hub)
	if err != nil {
		t.Fatalf("buildSinks: %v", err)
	}
	defer closeAll()
	names := []string{}
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	if strings.Join(names, ",") != "websocket,kafka,collab" {
		t.Fatalf("unexpected sinks %v", names)
	}

	t.Setenv("KAFKA_BROKERS", " , ")
	if _, _, err := buildSinks(hub); err == nil || !strings.Contains(err.Error(), "kafka") {
		t.Fatalf("expected kafka config error, got %v", err)
	}
}

func TestStreamEventsOverWebsocket(t *testing.T) {
	e := newTestEnv(t)
	e.srv.Relay = e.srv.newRelay(e.db, nil)
	e.srv.Relay.Sinks = append(e.srv.Relay.Sinks, e.srv.Events)
	ts := httptest.NewServer(e.h)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events/ws?vault_id=vault-1"
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{auth.CallerHeader: []string{testG1}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	var ready stream.Event
	if err := wsjson.Read(ctx, conn, &ready); err != nil || ready.Type != "ready" {
		t.Fatalf("expected ready frame, got %+v err=%v", ready, err)
	}

	if _, err := e.srv.Service.EmergencyFreeze(ctx, testG1, "vault-2", time.Hour, "other vault"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.srv.Service.EmergencyFreeze(ctx, testG1, "vault-1", time.Hour, "phishing"); err != nil {
		t.Fatal(err)
	}
	if n, err := e.srv.Relay.RunOnce(ctx); err != nil || n != 3 {
		t.Fatalf("relay delivered n=%d err=%v", n, err)
	}

	var frame stream.Event
	if err := wsjson.Read(ctx, conn, &frame); err != nil {
		t.Fatalf("read: %v", err)
	}
	if frame.Type != models.EventVaultFrozen || frame.VaultID != "vault-1" || frame.Seq != 3 {
		t.Fatalf("unexpected frame %+v", frame)
	}
}
