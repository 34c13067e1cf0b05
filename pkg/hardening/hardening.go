package hardening

import (
	"fmt"
	"strings"
)

type EnvRequirement struct {
	Name  string
	Value string
}

// Options carries the raw environment values that production checks read.
type Options struct {
	Service               string
	Environment           string
	StrictProdSecurity    string
	StoreBackend          string
	AuthMode              string
	DatabaseRequireTLS    string
	RedisAddr             string
	RedisRequireTLS       string
	RedisTLSInsecure      string
	RedisAllowInsecureTLS string
	CORSAllowedOrigins    string
	WSAllowedOrigins      string
	RequiredSecrets       []EnvRequirement
}

// ValidateProduction rejects configurations that are acceptable on a laptop
// but not in staging or production. Outside those environments, or with
// STRICT_PROD_SECURITY=false, it always passes.
func ValidateProduction(o Options) error {
	if !IsProductionLike(o.Environment) {
		return nil
	}
	if !isTrue(o.StrictProdSecurity, true) {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	switch strings.ToLower(strings.TrimSpace(o.StoreBackend)) {
	case "memory":
		return fmt.Errorf("%s: strict production hardening forbids STORE_BACKEND=memory", service)
	case "", "postgres":
		if !isTrue(o.DatabaseRequireTLS, false) {
			return fmt.Errorf("%s: strict production hardening requires DATABASE_REQUIRE_TLS=true", service)
		}
	}
	if strings.EqualFold(strings.TrimSpace(o.AuthMode), "off") {
		return fmt.Errorf("%s: strict production hardening forbids AUTH_MODE=off", service)
	}
	if strings.TrimSpace(o.RedisAddr) != "" {
		if !isTrue(o.RedisRequireTLS, false) {
			return fmt.Errorf("%s: strict production hardening requires REDIS_REQUIRE_TLS=true", service)
		}
		if isTrue(o.RedisTLSInsecure, false) || isTrue(o.RedisAllowInsecureTLS, false) {
			return fmt.Errorf("%s: strict production hardening forbids REDIS_TLS_INSECURE/REDIS_ALLOW_INSECURE_TLS", service)
		}
	}
	if err := validateOrigins("CORS_ALLOWED_ORIGINS", o.CORSAllowedOrigins, service, true); err != nil {
		return err
	}
	if err := validateOrigins("WS_ALLOWED_ORIGINS", o.WSAllowedOrigins, service, false); err != nil {
		return err
	}
	for _, req := range o.RequiredSecrets {
		if strings.TrimSpace(req.Name) == "" {
			continue
		}
		if strings.TrimSpace(req.Value) == "" {
			return fmt.Errorf("%s: strict production hardening requires %s", service, req.Name)
		}
	}
	return nil
}

// validateOrigins checks a comma separated origin list. WS origins are host
// patterns rather than URLs, so only the wildcard and localhost checks apply.
func validateOrigins(name, raw, service string, required bool) error {
	validCount := 0
	for _, origin := range strings.Split(raw, ",") {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		validCount++
		lower := strings.ToLower(o)
		if lower == "*" {
			return fmt.Errorf("%s: strict production hardening forbids %s wildcard origin", service, name)
		}
		host := strings.TrimPrefix(strings.TrimPrefix(lower, "https://"), "http://")
		if strings.HasPrefix(host, "localhost") || strings.HasPrefix(host, "127.0.0.1") {
			return fmt.Errorf("%s: strict production hardening forbids localhost origin %q in %s", service, o, name)
		}
		if required && !strings.HasPrefix(lower, "https://") {
			return fmt.Errorf("%s: strict production hardening requires HTTPS origin in %s, got %q", service, name, o)
		}
	}
	if required && validCount == 0 {
		return fmt.Errorf("%s: strict production hardening requires explicit %s", service, name)
	}
	return nil
}

func isTrue(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

// IsProductionLike reports whether ENVIRONMENT names staging or production.
func IsProductionLike(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
