package hardening

import (
	"strings"
	"testing"
)

func TestValidateProduction(t *testing.T) {
	base := Options{
		Service:            "guardiand",
		Environment:        "production",
		StrictProdSecurity: "true",
		StoreBackend:       "postgres",
		AuthMode:           "oidc_hs256",
		DatabaseRequireTLS: "true",
		RedisAddr:          "redis:6379",
		RedisRequireTLS:    "true",
		CORSAllowedOrigins: "https://console.example.com",
		WSAllowedOrigins:   "console.example.com",
		RequiredSecrets:    []EnvRequirement{{Name: "OIDC_HS256_SECRET", Value: "secret"}},
	}

	t.Run("pass", func(t *testing.T) {
		if err := ValidateProduction(base); err != nil {
			t.Fatalf("expected pass, got %v", err)
		}
	})

	t.Run("non_prod_skip", func(t *testing.T) {
		o := base
		o.Environment = "development"
		o.StoreBackend = "memory"
		o.AuthMode = "off"
		o.CORSAllowedOrigins = "*"
		if err := ValidateProduction(o); err != nil {
			t.Fatalf("expected skip in non-production, got %v", err)
		}
	})

	t.Run("strict_disabled_skip", func(t *testing.T) {
		o := base
		o.StrictProdSecurity = "false"
		o.AuthMode = "off"
		if err := ValidateProduction(o); err != nil {
			t.Fatalf("expected skip when strict mode is off, got %v", err)
		}
	})

	cases := map[string]struct {
		mutate func(*Options)
		want   string
	}{
		"memory_store":        {func(o *Options) { o.StoreBackend = "memory" }, "STORE_BACKEND=memory"},
		"db_tls_required":     {func(o *Options) { o.DatabaseRequireTLS = "false" }, "DATABASE_REQUIRE_TLS"},
		"default_backend_tls": {func(o *Options) { o.StoreBackend = ""; o.DatabaseRequireTLS = "" }, "DATABASE_REQUIRE_TLS"},
		"auth_off":            {func(o *Options) { o.AuthMode = "OFF" }, "AUTH_MODE=off"},
		"redis_tls_required":  {func(o *Options) { o.RedisRequireTLS = "false" }, "REDIS_REQUIRE_TLS"},
		"redis_insecure":      {func(o *Options) { o.RedisTLSInsecure = "true" }, "REDIS_TLS_INSECURE"},
		"cors_wildcard":       {func(o *Options) { o.CORSAllowedOrigins = "*" }, "wildcard"},
		"cors_localhost":      {func(o *Options) { o.CORSAllowedOrigins = "https://localhost:3000" }, "localhost"},
		"cors_http":           {func(o *Options) { o.CORSAllowedOrigins = "http://console.example.com" }, "HTTPS"},
		"cors_missing":        {func(o *Options) { o.CORSAllowedOrigins = " , " }, "explicit CORS_ALLOWED_ORIGINS"},
		"ws_wildcard":         {func(o *Options) { o.WSAllowedOrigins = "*" }, "WS_ALLOWED_ORIGINS wildcard"},
		"ws_localhost":        {func(o *Options) { o.WSAllowedOrigins = "127.0.0.1:8080" }, "localhost"},
		"secret_missing":      {func(o *Options) { o.RequiredSecrets[0].Value = " " }, "OIDC_HS256_SECRET"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			o := base
			o.RequiredSecrets = append([]EnvRequirement(nil), base.RequiredSecrets...)
			tc.mutate(&o)
			err := ValidateProduction(o)
			if err == nil {
				t.Fatalf("expected error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}

	t.Run("sqlite_skips_db_tls", func(t *testing.T) {
		o := base
		o.StoreBackend = "sqlite"
		o.DatabaseRequireTLS = ""
		if err := ValidateProduction(o); err != nil {
			t.Fatalf("sqlite backend should not need DATABASE_REQUIRE_TLS: %v", err)
		}
	})

	t.Run("ws_origins_optional", func(t *testing.T) {
		o := base
		o.WSAllowedOrigins = ""
		o.Service = ""
		if err := ValidateProduction(o); err != nil {
			t.Fatalf("expected pass without ws origins, got %v", err)
		}
	})
}

func TestIsProductionLike(t *testing.T) {
	for _, env := range []string{"prod", " Production ", "staging", "STAGE"} {
		if !IsProductionLike(env) {
			t.Fatalf("expected %q to be production-like", env)
		}
	}
	for _, env := range []string{"", "dev", "test"} {
		if IsProductionLike(env) {
			t.Fatalf("expected %q not to be production-like", env)
		}
	}
}
