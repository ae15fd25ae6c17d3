package main

import (
	"os"
	"strconv"
	"strings"
	"time"

	"zerokeep/pkg/hardening"
)

type Config struct {
	Addr         string
	Environment  string
	DevMode      bool
	CookieSecure bool

	APIKey            string
	HMACSecret        string
	ExpectedUserAgent string
	DebugUserAgent    string
	AllowedCountry    string
	CountryHeader     string
	GeoIPPath         string
	TrustedProxyCIDRs string
	MaxBodyBytes      int64

	PepperA string
	PepperB string

	OperatorSentinel   string
	VaultCookieSecret  string
	DangerCookieSecret string
	AdminPasswordHash  string
	AdminTOTPSecret    string
	Gate2User          string
	Gate2PasswordHash  string
	Gate2TOTPSecret    string

	RateLimitEnabled   bool
	RateLimitPerMinute int

	AuditHashSalt    string
	AuditRedact      bool
	AuditKafkaBroker string
	AuditKafkaTopic  string

	CORSAllowedOrigins string
	WSAllowedOrigins   []string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	GaugeInterval     time.Duration
}

func loadConfig() Config {
	environment := env("APP_ENV", env("ENVIRONMENT", "development"))
	maxBody := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return Config{
		Addr:         env("ADDR", ":8080"),
		Environment:  environment,
		DevMode:      envBool("DEV_MODE", false),
		CookieSecure: envBool("COOKIE_SECURE", !envBool("DEV_MODE", false)),

		APIKey:            env("APP_API_KEY", ""),
		HMACSecret:        env("HMAC_SECRET", ""),
		ExpectedUserAgent: env("EXPECTED_USER_AGENT", "ZeroKeep-Android/1.0"),
		DebugUserAgent:    env("DEBUG_USER_AGENT", "ZeroKeep-Debug-Web"),
		AllowedCountry:    env("ALLOWED_COUNTRY", "ID"),
		CountryHeader:     env("GEO_COUNTRY_HEADER", "X-Country-Code"),
		GeoIPPath:         env("GEOIP_COUNTRY_DB", ""),
		TrustedProxyCIDRs: env("TRUSTED_PROXY_CIDRS", ""),
		MaxBodyBytes:      maxBody,

		PepperA: env("PEPPER_A", ""),
		PepperB: env("PEPPER_B", ""),

		OperatorSentinel:   env("OPERATOR_SESSION_TOKEN", ""),
		VaultCookieSecret:  env("VAULT_COOKIE_SECRET", ""),
		DangerCookieSecret: env("DANGER_COOKIE_SECRET", ""),
		AdminPasswordHash:  env("ADMIN_PASSWORD_HASH", ""),
		AdminTOTPSecret:    env("ADMIN_TOTP_SECRET", ""),
		Gate2User:          env("GATE2_USER", ""),
		Gate2PasswordHash:  env("GATE2_PASSWORD_HASH", ""),
		Gate2TOTPSecret:    env("GATE2_TOTP_SECRET", ""),

		RateLimitEnabled:   envBool("RATE_LIMIT_ENABLED", true),
		RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 100),

		AuditHashSalt:    env("AUDIT_HASH_SALT", ""),
		AuditRedact:      envBool("AUDIT_REDACT", false),
		AuditKafkaBroker: env("AUDIT_KAFKA_BROKERS", ""),
		AuditKafkaTopic:  env("AUDIT_KAFKA_TOPIC", "zerokeep.audit"),

		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
		WSAllowedOrigins:   splitList(env("WS_ALLOWED_ORIGINS", "")),

		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
		GaugeInterval:     envDurationSec("GAUGE_INTERVAL_SEC", 30),
	}
}

// hardeningOptions maps the config onto the startup checks.
func (c Config) hardeningOptions() hardening.Options {
	return hardening.Options{
		Service:               "gateway",
		Environment:           c.Environment,
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		DevMode:               c.DevMode,
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    c.CORSAllowedOrigins,
		PepperA:               c.PepperA,
		PepperB:               c.PepperB,
		Secrets: []hardening.EnvRequirement{
			{Name: "APP_API_KEY", Value: c.APIKey},
			{Name: "HMAC_SECRET", Value: c.HMACSecret},
			{Name: "OPERATOR_SESSION_TOKEN", Value: c.OperatorSentinel},
			{Name: "VAULT_COOKIE_SECRET", Value: c.VaultCookieSecret},
			{Name: "DANGER_COOKIE_SECRET", Value: c.DangerCookieSecret},
		},
		Distinct: []hardening.EnvRequirement{
			{Name: "HMAC_SECRET", Value: c.HMACSecret},
			{Name: "OPERATOR_SESSION_TOKEN", Value: c.OperatorSentinel},
			{Name: "VAULT_COOKIE_SECRET", Value: c.VaultCookieSecret},
			{Name: "DANGER_COOKIE_SECRET", Value: c.DangerCookieSecret},
		},
	}
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

func envBool(k string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(k))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
