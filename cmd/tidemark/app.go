package main

import (
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/tidemark-io/tidemark/pkg/a2a"
	"github.com/tidemark-io/tidemark/pkg/audit"
	"github.com/tidemark-io/tidemark/pkg/breaker"
	"github.com/tidemark-io/tidemark/pkg/config"
	"github.com/tidemark-io/tidemark/pkg/connector"
	"github.com/tidemark-io/tidemark/pkg/idempotency"
	"github.com/tidemark-io/tidemark/pkg/orchestrator"
	"github.com/tidemark-io/tidemark/pkg/policy"
	"github.com/tidemark-io/tidemark/pkg/routes"
	"github.com/tidemark-io/tidemark/pkg/storage"
)

// app wires the subsystems for one CLI invocation.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	orch    *orchestrator.Orchestrator
	gateway *orchestrator.Gateway

	db *sql.DB
	pg *sql.DB
	al *audit.Log
}

func newApp(cfgPath string, stderr io.Writer) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.LogLevel, stderr)

	doc, err := policy.Load(cfg.PolicyPath)
	if err != nil {
		return nil, err
	}
	engine, err := policy.NewEngine(Version)
	if err != nil {
		return nil, err
	}

	db, err := storage.OpenSQLite(cfg.StoreDBPath())
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, db: db}

	store, err := a.newIdempotencyStore()
	if err != nil {
		a.Close()
		return nil, err
	}

	brk, err := breaker.New(db, breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Window:           cfg.Breaker.Window(),
		Cooldown:         cfg.Breaker.Cooldown(),
		StaleTrialAfter:  cfg.Breaker.StaleTrial(),
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	table := routes.NewTable()
	if cfg.RouteOverlayPath != "" {
		if err := table.LoadOverlay(cfg.RouteOverlayPath); err != nil {
			a.Close()
			return nil, err
		}
	}

	al, err := audit.Open(cfg.AuditLogPath, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.al = al

	a.orch = orchestrator.New(engine, doc, store, brk, table, newRegistry(),
		al, cfg.ConnectorTimeout(), logger)

	gateway, err := a.newGateway()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.gateway = gateway

	return a, nil
}

func (a *app) newIdempotencyStore() (idempotency.Store, error) {
	if a.cfg.IdempotencyBackend == "postgres" {
		pg, err := idempotency.OpenPostgres(a.cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		a.pg = pg
		return idempotency.NewPostgresStore(pg, a.cfg.StalePendingAfter())
	}
	return idempotency.NewSQLiteStore(a.db, a.cfg.StalePendingAfter())
}

func (a *app) newGateway() (*orchestrator.Gateway, error) {
	mode, err := a2a.ParseMode(a.cfg.Security.Mode)
	if err != nil {
		return nil, err
	}

	var nonces a2a.NonceStore
	if a.cfg.Redis.Addr != "" {
		nonces = a2a.OpenRedisNonceStore(a.cfg.Redis.Addr, a.cfg.Redis.Password, a.cfg.Redis.DB)
	} else {
		s, err := a2a.NewSQLiteNonceStore(a.db)
		if err != nil {
			return nil, err
		}
		nonces = s
	}

	keys := make(map[string][]byte, len(a.cfg.Security.Keys))
	for id, secret := range a.cfg.Security.Keys {
		keys[id] = []byte(secret)
	}
	perimeter := a2a.NewPerimeter(a2a.StaticKeys(keys), nonces,
		a.cfg.MaxSkew(), a.cfg.NonceTTL(), a.cfg.Security.AllowUnsignedLive)

	limiter := a2a.NewPlaneLimiter(a.cfg.RateLimit.RPS, a.cfg.RateLimit.Burst)

	return orchestrator.NewGateway(a.orch, perimeter, limiter, mode), nil
}

func (a *app) Close() {
	if a.al != nil {
		_ = a.al.Close()
	}
	if a.pg != nil {
		_ = a.pg.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}

// newRegistry binds the simulated connector set. Real chain bindings
// register here once their adapters land.
func newRegistry() *connector.Registry {
	registry := connector.NewRegistry()
	registry.Register("chain.transfer", connector.NewSimulated("chain"))
	registry.Register("dex.swap", connector.NewSimulated("dex"))
	registry.Register("bridge.transfer", connector.NewSimulated("bridge"))
	registry.Register("perp.order", connector.NewSimulated("perp"))
	registry.Register("protocol.deposit", connector.NewSimulated("protocol"))
	registry.Register("protocol.withdraw", connector.NewSimulated("protocol"))
	return registry
}

func newLogger(level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func exitErr(stderr io.Writer, err error) int {
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}
