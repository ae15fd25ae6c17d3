package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"zerokeep/pkg/audit"
	"zerokeep/pkg/auditbus"
	"zerokeep/pkg/gatekeeper"
	"zerokeep/pkg/hardening"
	"zerokeep/pkg/httpx"
	"zerokeep/pkg/logging"
	"zerokeep/pkg/metrics"
	"zerokeep/pkg/ratelimit"
	"zerokeep/pkg/session"
	"zerokeep/pkg/shard"
	"zerokeep/pkg/store"
	"zerokeep/pkg/stream"
	"zerokeep/pkg/telemetry"
	"zerokeep/pkg/vault"
)

type gatewayDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type gatewayDBCloser interface {
	gatewayDB
	Close()
}

type gatewayInitTelemetryFunc func(ctx context.Context, cfg telemetry.Config, logger *slog.Logger) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context) (gatewayDBCloser, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	loadDotenv     = func() error { return godotenv.Load() }
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (gatewayDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
)

// gatewayKV binds gate state and shard B to Redis. Only dev mode may degrade
// to the in-process store; elsewhere Redis errors surface per request.
func gatewayKV(ctx context.Context, devMode bool, client *redis.Client) store.KV {
	if devMode {
		return store.NewKV(ctx, client)
	}
	return store.NewRedisKV(client)
}

func main() {
	// A missing .env is normal outside local development.
	_ = loadDotenv()
	cfg := loadConfig()
	logger := logging.Setup(logging.Options{
		JSON:    envBool("LOG_JSON", false),
		Debug:   envBool("LOG_DEBUG", false),
		Service: "zerokeep-gateway",
		Version: env("APP_VERSION", "dev"),
		UID:     true,
	})
	if err := runGateway(cfg, logger, initTelemetryG, openDBFnG, openRedisFnG, listenFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	cfg Config,
	logger *slog.Logger,
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
) error {
	if logger == nil {
		logger = slog.Default()
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	opts := cfg.hardeningOptions()
	if err := hardening.ValidateSecrets(opts); err != nil {
		return err
	}
	if err := hardening.ValidateProduction(opts); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdown, err := initTelemetry(ctx, telemetry.ConfigFromEnv("zerokeep-gateway"), logger)
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
		if !cfg.DevMode {
			return fmt.Errorf("redis: %w", err)
		}
		logger.Warn("redis unavailable, shard B and gate state kept in memory", "err", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	kv := gatewayKV(ctx, cfg.DevMode, redisClient)

	cipherA, err := shard.New("a", cfg.PepperA)
	if err != nil {
		return fmt.Errorf("shard a: %w", err)
	}
	cipherB, err := shard.New("b", cfg.PepperB)
	if err != nil {
		return fmt.Errorf("shard b: %w", err)
	}

	reg := metrics.NewRegistry()
	hub := stream.NewHub()
	writer := &audit.Writer{
		DB:       pool,
		HashSalt: []byte(cfg.AuditHashSalt),
		Redact:   cfg.AuditRedact,
		Hub:      hub,
		Logger:   logger,
	}
	if brokers := auditbus.ParseBrokers(cfg.AuditKafkaBroker); len(brokers) > 0 {
		pub, err := auditbus.NewKafkaPublisher(auditbus.Config{Brokers: brokers, Topic: cfg.AuditKafkaTopic})
		if err != nil {
			return fmt.Errorf("audit bus: %w", err)
		}
		defer pub.Close()
		writer.Publisher = pub
	}
	defer writer.Close()

	repo := vault.New(pool, kv, cipherA, cipherB, logger)
	repo.OnFault = faultReporter(reg, writer)
	defer repo.Wait()

	ips := httpx.ClientIPResolver{TrustedProxies: httpx.ParseCIDRs(cfg.TrustedProxyCIDRs)}
	countries := gatekeeper.HeaderCountry{Header: cfg.CountryHeader}
	if cfg.GeoIPPath != "" {
		geo, err := gatekeeper.OpenGeoIP(cfg.GeoIPPath)
		if err != nil {
			return fmt.Errorf("geoip: %w", err)
		}
		defer geo.Close()
		countries.Fallback = geo
	}

	ledger := gatekeeper.NewFailureLedger(kv)
	gate := &gatekeeper.Authenticator{
		Config: gatekeeper.Config{
			APIKey:            cfg.APIKey,
			HMACSecret:        cfg.HMACSecret,
			ExpectedUserAgent: cfg.ExpectedUserAgent,
			DebugUserAgent:    cfg.DebugUserAgent,
			AllowedCountry:    cfg.AllowedCountry,
			DevMode:           cfg.DevMode,
		},
		Ledger:       ledger,
		Replay:       gatekeeper.NewReplayGuard(kv),
		Logger:       logger,
		IPs:          ips,
		Countries:    countries,
		MaxBodyBytes: cfg.MaxBodyBytes,
		Observe:      gateObserver(reg, writer),
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.New(kv, cfg.RateLimitPerMinute, time.Minute)
		limiter.Logger = logger
	}

	console := &session.Console{
		Operator: session.OperatorGate{Sentinel: cfg.OperatorSentinel, Secure: cfg.CookieSecure},
		Vault:    session.VaultGate{Secret: cfg.VaultCookieSecret, Secure: cfg.CookieSecure, IPs: ips, Audit: writer},
		Danger:   session.DangerGate{Secret: cfg.DangerCookieSecret, Secure: cfg.CookieSecure, IPs: ips, Audit: writer},
		Admin:    session.Credentials{PasswordHash: cfg.AdminPasswordHash, TOTPSecret: cfg.AdminTOTPSecret},
		Gate2:    session.Credentials{User: cfg.Gate2User, PasswordHash: cfg.Gate2PasswordHash, TOTPSecret: cfg.Gate2TOTPSecret},
		Ledger:   ledger,
		Audit:    loginMetrics{next: writer, reg: reg},
		IPs:      ips,
		Logger:   logger,
	}

	s := &Server{
		Vault:     repo,
		Audit:     writer,
		Crashes:   &audit.CrashStore{DB: pool},
		Console:   console,
		Gate:      gate,
		Limiter:   limiter,
		Metrics:   reg,
		Events:    hub,
		IPs:       ips,
		Logger:    logger,
		CORS:      cfg.CORSAllowedOrigins,
		WSOrigins: cfg.WSAllowedOrigins,
	}
	go gaugeLoop(ctx, pool, reg, hub, cfg.GaugeInterval, logger)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	logger.Info("gateway listening", "addr", cfg.Addr, "env", cfg.Environment, "dev_mode", cfg.DevMode)
	return listen(server)
}

// faultReporter turns read-path integrity faults into metrics and audit
// events.
func faultReporter(reg *metrics.Registry, sink session.AuditSink) func(vault.Fault) {
	return func(f vault.Fault) {
		reg.IncFault(string(f.Kind))
		meta := map[string]any{"kind": string(f.Kind), "id": f.ID}
		if f.Err != nil {
			meta["error"] = f.Err.Error()
		}
		sink.Log(context.Background(), audit.Event{
			Action:   audit.ActionIntegrityFault,
			Status:   audit.StatusWarning,
			Metadata: meta,
		})
	}
}

func gateObserver(reg *metrics.Registry, sink session.AuditSink) func(gatekeeper.Request, gatekeeper.Decision) {
	return func(req gatekeeper.Request, d gatekeeper.Decision) {
		reg.ObserveGate(string(d.Stage), d.Status, d.Elapsed)
		if d.BanTripped {
			sink.Log(context.Background(), audit.Event{
				Action:   audit.ActionBanTripped,
				Status:   audit.StatusWarning,
				ActorIP:  req.ClientIP,
				Metadata: map[string]any{"stage": string(d.Stage), "failures": d.Failures},
			})
		}
	}
}

// loginMetrics counts console login outcomes on their way to the audit
// sink.
type loginMetrics struct {
	next session.AuditSink
	reg  *metrics.Registry
}

func (l loginMetrics) Log(ctx context.Context, e audit.Event) {
	gate, _ := e.Metadata["gate"].(string)
	switch e.Action {
	case audit.ActionLoginSuccess:
		l.reg.IncLogin(gate, "success")
	case audit.ActionLoginFailed:
		l.reg.IncLogin(gate, "failure")
	}
	l.next.Log(ctx, e)
}

type countQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func gaugeLoop(ctx context.Context, db countQuerier, reg *metrics.Registry, hub *stream.Hub, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		updateGauges(ctx, db, reg, hub, logger)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func updateGauges(ctx context.Context, db countQuerier, reg *metrics.Registry, hub *stream.Hub, logger *slog.Logger) {
	reg.SetGauge("stream_subscribers", float64(hub.Subscribers()))
	reg.SetGauge("stream_dropped_events", float64(hub.Dropped()))
	var records int64
	if err := db.QueryRow(ctx, `SELECT count(*) FROM vault_shards_a`).Scan(&records); err != nil {
		if ctx.Err() == nil {
			logger.Debug("record gauge query failed", "err", err)
		}
		return
	}
	reg.SetGauge("vault_records", float64(records))
}
