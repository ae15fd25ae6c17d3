// Package hardening refuses to start a gateway whose configuration would
// weaken the gate or the split custody.
package hardening

import (
	"errors"
	"fmt"
	"strings"
)

type EnvRequirement struct {
	Name  string
	Value string
}

type Options struct {
	Service               string
	Environment           string
	StrictProdSecurity    string
	DevMode               bool
	DatabaseRequireTLS    string
	RedisAddr             string
	RedisRequireTLS       string
	RedisTLSInsecure      string
	RedisAllowInsecureTLS string
	CORSAllowedOrigins    string
	PepperA               string
	PepperB               string
	// Secrets must all be set in every environment.
	Secrets []EnvRequirement
	// Distinct lists secrets that must not share a value, e.g. the three
	// cookie tiers.
	Distinct []EnvRequirement
}

// ValidateSecrets reports configuration faults that are fatal in every
// environment.
func ValidateSecrets(o Options) error {
	service := serviceName(o)
	var errs []error
	for _, req := range o.Secrets {
		if strings.TrimSpace(req.Name) != "" && strings.TrimSpace(req.Value) == "" {
			errs = append(errs, fmt.Errorf("%s: %s is required", service, req.Name))
		}
	}
	switch {
	case strings.TrimSpace(o.PepperA) == "" || strings.TrimSpace(o.PepperB) == "":
		errs = append(errs, fmt.Errorf("%s: PEPPER_A and PEPPER_B are required", service))
	case o.PepperA == o.PepperB:
		errs = append(errs, fmt.Errorf("%s: PEPPER_A and PEPPER_B must differ", service))
	}
	seen := map[string]string{}
	for _, req := range o.Distinct {
		if req.Value == "" {
			continue
		}
		if other, ok := seen[req.Value]; ok {
			errs = append(errs, fmt.Errorf("%s: %s must not reuse the value of %s", service, req.Name, other))
			continue
		}
		seen[req.Value] = req.Name
	}
	return errors.Join(errs...)
}

// ValidateProduction adds transport and mode checks for production-like
// environments. STRICT_PROD_SECURITY=false opts out of the transport checks
// but not of the dev mode check.
func ValidateProduction(o Options) error {
	if !isProductionLikeEnv(o.Environment) {
		return nil
	}
	service := serviceName(o)
	if o.DevMode {
		return fmt.Errorf("%s: DEV_MODE must be off in %s", service, strings.TrimSpace(o.Environment))
	}
	if !isTrue(o.StrictProdSecurity, true) {
		return nil
	}
	if !isTrue(o.DatabaseRequireTLS, false) {
		return fmt.Errorf("%s: strict production hardening requires DATABASE_REQUIRE_TLS=true", service)
	}
	if strings.TrimSpace(o.RedisAddr) != "" {
		if !isTrue(o.RedisRequireTLS, false) {
			return fmt.Errorf("%s: strict production hardening requires REDIS_REQUIRE_TLS=true", service)
		}
		if isTrue(o.RedisTLSInsecure, false) || isTrue(o.RedisAllowInsecureTLS, false) {
			return fmt.Errorf("%s: strict production hardening forbids REDIS_TLS_INSECURE/REDIS_ALLOW_INSECURE_TLS", service)
		}
	}
	return validateCORSOrigins(o.CORSAllowedOrigins, service)
}

// validateCORSOrigins allows an empty list: the vault console is same-origin
// and only the debug client needs CORS.
func validateCORSOrigins(raw, service string) error {
	for _, origin := range strings.Split(raw, ",") {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		lower := strings.ToLower(o)
		if lower == "*" {
			return fmt.Errorf("%s: strict production hardening forbids CORS wildcard origin", service)
		}
		if strings.HasPrefix(lower, "http://localhost") || strings.HasPrefix(lower, "https://localhost") || strings.HasPrefix(lower, "http://127.0.0.1") || strings.HasPrefix(lower, "https://127.0.0.1") {
			return fmt.Errorf("%s: strict production hardening forbids localhost CORS origin %q", service, o)
		}
		if !strings.HasPrefix(lower, "https://") {
			return fmt.Errorf("%s: strict production hardening requires HTTPS CORS origin, got %q", service, o)
		}
	}
	return nil
}

func serviceName(o Options) string {
	if s := strings.TrimSpace(o.Service); s != "" {
		return s
	}
	return "zerokeep"
}

func isTrue(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	switch strings.ToLower(trimmed) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func isProductionLikeEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
