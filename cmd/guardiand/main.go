package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"vaultguard/pkg/adapters/collab"
	"vaultguard/pkg/audit"
	"vaultguard/pkg/auth"
	"vaultguard/pkg/guardian"
	"vaultguard/pkg/hardening"
	"vaultguard/pkg/httpx"
	"vaultguard/pkg/metrics"
	"vaultguard/pkg/models"
	"vaultguard/pkg/ratelimit"
	"vaultguard/pkg/statebus"
	"vaultguard/pkg/store"
	"vaultguard/pkg/stream"
	"vaultguard/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// backend is a guardian store that also exposes its event outbox.
type backend interface {
	guardian.Store
	audit.Outbox
}

type Server struct {
	Service     *guardian.Service
	Outbox      audit.Outbox
	Idempotency *store.Idempotency
	RateLimiter ratelimit.Limiter
	Metrics     *metrics.Registry
	Events      *stream.Hub
	Relay       *audit.Relay

	AuthMode            string
	RateLimitPerMinute  int
	MaxRequestBodyBytes int64
	WSAllowedOrigins    []string
	FreezeSweepInterval time.Duration
	MetricsInterval     time.Duration
}

type initTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type openStoreFunc func(ctx context.Context) (backend, func(), error)
type openRedisFunc func(ctx context.Context) (*redis.Client, error)
type listenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openStoreFnG   = openStore
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := runGuardiand(ctx, initTelemetryG, openStoreFnG, openRedisFnG, listenFnG); err != nil {
		logFatalf("guardiand: %v", err)
	}
}

func openStore(ctx context.Context) (backend, func(), error) {
	switch strings.ToLower(strings.TrimSpace(env("STORE_BACKEND", "postgres"))) {
	case "postgres":
		pool, err := store.NewPostgresPool(ctx)
		if err != nil {
			return nil, nil, err
		}
		return store.NewPostgresStore(pool), pool.Close, nil
	case "sqlite":
		s, err := store.OpenSQLiteStore(env("SQLITE_PATH", "vaultguard.db"))
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "memory":
		return guardian.NewMemoryStore(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown STORE_BACKEND %q", env("STORE_BACKEND", ""))
	}
}

// checkAuthMode applies the AUTH_MODE=off guard rails.
func checkAuthMode(mode, runtimeEnv string) error {
	if !strings.EqualFold(strings.TrimSpace(mode), "off") {
		return nil
	}
	if env("ALLOW_INSECURE_AUTH_OFF", "false") != "true" {
		return errors.New("AUTH_MODE=off is disabled unless ALLOW_INSECURE_AUTH_OFF=true")
	}
	if hardening.IsProductionLike(runtimeEnv) {
		return errors.New("AUTH_MODE=off is forbidden in production-like environments")
	}
	if !isExplicitNonProductionEnv(runtimeEnv) {
		return errors.New("AUTH_MODE=off requires ENVIRONMENT=development|dev|local|test")
	}
	return nil
}

func isExplicitNonProductionEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

func runGuardiand(
	ctx context.Context,
	initTelemetry initTelemetryFunc,
	openBackend openStoreFunc,
	openRedis openRedisFunc,
	listen listenFunc,
) error {
	shutdown, err := initTelemetry(ctx, "guardiand")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	authMode := env("AUTH_MODE", "oidc_hs256")
	authSecret := env("OIDC_HS256_SECRET", "")
	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	if err := checkAuthMode(authMode, runtimeEnv); err != nil {
		return err
	}
	secrets := []hardening.EnvRequirement{}
	if strings.EqualFold(authMode, "oidc_hs256") {
		secrets = append(secrets, hardening.EnvRequirement{Name: "OIDC_HS256_SECRET", Value: authSecret})
	}
	if env("COLLAB_WEBHOOK_URL", "") != "" {
		secrets = append(secrets, hardening.EnvRequirement{Name: "COLLAB_AUTH_TOKEN", Value: env("COLLAB_AUTH_TOKEN", "")})
	}
	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "guardiand",
		Environment:           runtimeEnv,
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		StoreBackend:          env("STORE_BACKEND", "postgres"),
		AuthMode:              authMode,
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
		WSAllowedOrigins:      env("WS_ALLOWED_ORIGINS", ""),
		RequiredSecrets:       secrets,
	}); err != nil {
		return err
	}

	db, closeDB, err := openBackend(ctx)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer closeDB()

	var redisClient *redis.Client
	if openRedis != nil && env("REDIS_ADDR", "") != "" {
		redisClient, err = openRedis(ctx)
		if err != nil {
			log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
			redisClient = nil
		}
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	s := newServer(db, redisClient)
	s.AuthMode = authMode
	if err := loadBootstrap(ctx, s.Service, env("GUARDIAN_BOOTSTRAP_FILE", "")); err != nil {
		return err
	}

	sinks, closeSinks, err := buildSinks(s.Events)
	if err != nil {
		return err
	}
	defer closeSinks()
	s.Relay = s.newRelay(db, sinks)

	server := &http.Server{
		Addr: env("ADDR", ":8080"),
		Handler: s.routes(auth.Middleware(
			authMode,
			authSecret,
			auth.WithJWKS(env("OIDC_JWKS_URL", "")),
			auth.WithIssuer(env("OIDC_ISSUER", "")),
			auth.WithAudience(env("OIDC_AUDIENCE", "")),
			auth.WithTimeout(time.Millisecond*time.Duration(envInt("AUTH_TIMEOUT_MS", 5000))),
		)),
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("guardiand listening on %s", server.Addr)
		if err := listen(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return s.Relay.Run(gctx) })
	g.Go(func() error { s.metricsLoop(gctx); return nil })
	if env("FREEZE_SWEEP_ENABLED", "true") == "true" {
		g.Go(func() error { s.freezeSweepLoop(gctx); return nil })
	}
	return g.Wait()
}

// newServer builds a Server from env with the given store and optional redis.
func newServer(db backend, redisClient *redis.Client) *Server {
	s := &Server{
		Outbox:              db,
		Metrics:             metrics.NewRegistry(),
		Events:              stream.NewHub(),
		AuthMode:            env("AUTH_MODE", "oidc_hs256"),
		RateLimitPerMinute:  envInt("RATE_LIMIT_PER_MINUTE", 120),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<16)),
		WSAllowedOrigins:    wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")),
		FreezeSweepInterval: envDurationSec("FREEZE_SWEEP_SEC", 30),
		MetricsInterval:     envDurationSec("METRICS_REFRESH_SEC", 30),
	}
	if s.MaxRequestBodyBytes <= 0 {
		s.MaxRequestBodyBytes = 1 << 16
	}
	s.Idempotency = &store.Idempotency{
		Cache: store.NewCache(context.Background(), redisClient),
		TTL:   envDurationSec("IDEMPOTENCY_TTL_SEC", int(store.DefaultIdempotencyTTL/time.Second)),
	}
	if env("RATE_LIMIT_ENABLED", "true") == "true" {
		window := envDurationSec("RATE_LIMIT_WINDOW_SEC", 60)
		if window <= 0 {
			window = time.Minute
		}
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, window)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(window)
		}
	}
	s.Service = guardian.NewService(db,
		guardian.WithTerminalCacheSize(envInt("TERMINAL_CACHE_SIZE", 1024)),
		guardian.WithCommitHook(s.onCommit),
	)
	return s
}

// onCommit counts transitions and nudges the relay so committed events
// reach sinks without waiting for the next poll.
func (s *Server) onCommit(events []models.Event) {
	for _, evt := range events {
		switch {
		case strings.HasPrefix(evt.Type, "recovery."):
			s.Metrics.IncRecovery(strings.TrimPrefix(evt.Type, "recovery."))
		case evt.Type == models.EventVaultFrozen:
			s.Metrics.IncFreeze("frozen")
		case evt.Type == models.EventVaultUnfrozen:
			var p models.VaultUnfrozenPayload
			if json.Unmarshal(evt.Payload, &p) == nil && p.Auto {
				s.Metrics.IncFreeze("auto_unfrozen")
			} else {
				s.Metrics.IncFreeze("unfrozen")
			}
		}
	}
	if s.Relay != nil {
		s.Relay.Wake()
	}
}

func buildSinks(hub *stream.Hub) ([]audit.Sink, func(), error) {
	sinks := []audit.Sink{hub}
	closers := []func(){}
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	if env("KAFKA_ENABLED", "false") == "true" {
		pub, err := statebus.NewKafkaPublisher(statebus.KafkaConfig{
			Brokers: statebus.ParseBrokers(env("KAFKA_BROKERS", "localhost:9092")),
			Topic:   env("KAFKA_TOPIC", "guardian-events"),
		})
		if err != nil {
			return nil, closeAll, fmt.Errorf("kafka: %w", err)
		}
		sinks = append(sinks, pub)
		closers = append(closers, func() { _ = pub.Close() })
	}
	if endpoint := env("COLLAB_WEBHOOK_URL", ""); endpoint != "" {
		sinks = append(sinks, &collab.Notifier{
			Client:     telemetry.InstrumentClient(&http.Client{Timeout: time.Millisecond * time.Duration(envInt("COLLAB_TIMEOUT_MS", 3000))}),
			Endpoint:   endpoint,
			Headers:    collab.AuthHeaders(env("COLLAB_AUTH_HEADER", "Authorization"), env("COLLAB_AUTH_TOKEN", "")),
			Retries:    envInt("COLLAB_RETRIES", 2),
			RetryDelay: time.Millisecond * time.Duration(envInt("COLLAB_RETRY_DELAY_MS", 200)),
		})
	}
	return sinks, closeAll, nil
}

func (s *Server) newRelay(outbox audit.Outbox, sinks []audit.Sink) *audit.Relay {
	relay := audit.NewRelay(outbox, sinks...)
	relay.Batch = envInt("OUTBOX_BATCH", 100)
	relay.Interval = time.Millisecond * time.Duration(envInt("OUTBOX_POLL_MS", 1000))
	relay.MaxAttempts = envInt("OUTBOX_MAX_ATTEMPTS", 10)
	relay.OnDelivered = func(n int) { s.Metrics.AddDelivery("outbox", "delivered", n) }
	relay.OnSinkError = func(sink string, err error) {
		s.Metrics.AddDelivery(sink, "failed", 1)
		log.Printf("outbox sink %s: %v", sink, err)
	}
	relay.OnParked = func(sink string, seqs []int64) { s.Metrics.AddDelivery(sink, "parked", len(seqs)) }
	return relay
}

func (s *Server) routes(authn func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("guardiand"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "guardiand"})
	})

	r.Group(func(r chi.Router) {
		r.Use(authn)
		r.Get("/metrics", s.Metrics.Handler())
		r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())

		r.Get("/v1/guardians", s.listGuardians)
		r.Get("/v1/guardians/{identity}", s.getGuardian)
		r.Get("/v1/recoveries", s.listRecoveries)
		r.Get("/v1/recoveries/{id}", s.getRecovery)
		r.Get("/v1/recoveries/{id}/approvers", s.getRecoveryApprovers)
		r.Get("/v1/vaults/{vault_id}/freeze", s.getFreezeState)
		r.Get("/v1/config", s.getConfig)
		r.Get("/v1/events", s.listEvents)
		r.Get("/v1/events/verify", s.verifyEvents)
		r.Get("/v1/events/ws", s.streamEvents)

		r.Group(func(r chi.Router) {
			r.Use(ratelimit.Middleware(s.RateLimiter, s.RateLimitPerMinute, func(r *http.Request) string {
				return auth.Caller(r.Context())
			}))
			r.Use(s.idempotencyMiddleware)
			r.Post("/v1/guardians", s.addGuardian)
			r.Delete("/v1/guardians/{identity}", s.removeGuardian)
			r.Put("/v1/guardians/threshold", s.updateThreshold)
			r.Post("/v1/recoveries", s.initiateRecovery)
			r.Post("/v1/recoveries/{id}/approve", s.recoveryTransition(s.Service.ApproveRecovery))
			r.Post("/v1/recoveries/{id}/cancel", s.recoveryTransition(s.Service.CancelRecovery))
			r.Post("/v1/recoveries/{id}/complete", s.recoveryTransition(s.Service.CompleteRecovery))
			r.Post("/v1/vaults/{vault_id}/freeze", s.freezeVault)
			r.Post("/v1/vaults/{vault_id}/unfreeze", s.unfreezeVault)
			r.Post("/v1/vaults/{vault_id}/auto-unfreeze", s.autoUnfreezeVault)
			r.Put("/v1/config/recovery-timelock", s.updateTimelock)
			r.Put("/v1/config/escrow-registry", s.updateEscrowRegistry)
			r.Put("/v1/config/policy-manager", s.updatePolicyManager)
			r.Post("/v1/admin/transfer", s.transferAdmin)
			r.Post("/v1/admin/upgrade", s.authorizeUpgrade)
		})
	})
	return r
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
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
