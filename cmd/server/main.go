// Command server runs the dynapi admission gateway.
//
// Configuration is read from a YAML file (see pkg/config) with DYNAPI_*
// environment overrides:
//
//	DYNAPI_CONFIG          - Config file path (or -config)
//	DYNAPI_PORT            - Listen port (default: 8080)
//	DYNAPI_STORAGE         - Storage type: "memory" or "postgres"
//	DYNAPI_RATELIMIT_STORE - Counter store: "memory" or "redis"
//	DYNAPI_DEBUG           - Debug categories (auth,ratelimit,audit,transport,storage,all)
//	DYNAPI_LOG_LEVEL       - TRACE, DEBUG, INFO, WARN or ERROR
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/rhuss/dynapi/pkg/admission"
	"github.com/rhuss/dynapi/pkg/audit"
	"github.com/rhuss/dynapi/pkg/auth/oauth2"
	"github.com/rhuss/dynapi/pkg/catalog"
	"github.com/rhuss/dynapi/pkg/config"
	"github.com/rhuss/dynapi/pkg/debug"
	"github.com/rhuss/dynapi/pkg/ratelimit"
	"github.com/rhuss/dynapi/pkg/storage"
	"github.com/rhuss/dynapi/pkg/storage/memory"
	"github.com/rhuss/dynapi/pkg/storage/postgres"
	transporthttp "github.com/rhuss/dynapi/pkg/transport/http"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// backend is what a storage implementation provides to the gateway.
type backend interface {
	catalog.EndpointStore
	catalog.CredentialStore
	audit.Store
	audit.Counter
	audit.Reporter
	Ping(ctx context.Context) error
	Close() error
}

// counterStore is a rate limit counter store with a lifecycle.
type counterStore interface {
	ratelimit.CounterStore
	Close() error
}

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := debug.Init(debug.Options{
		Categories: cfg.Debug.Categories,
		Level:      cfg.Debug.Level,
		Format:     cfg.Debug.Format,
	})

	ctx := context.Background()

	store, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	counters, err := openCounterStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer counters.Close()

	recorder := audit.NewRecorder(store, store, audit.Config{
		WriteTimeout: cfg.Audit.WriteTimeout,
		Logger:       logger,
	})

	limiter := ratelimit.New(counters, store,
		ratelimit.Config{Window: cfg.RateLimit.Window, Budgets: cfg.RateLimit.Partitions},
		ratelimit.WithToucher(recorder),
		ratelimit.WithLogger(logger),
	)

	var pipelineOpts []admission.Option
	if !cfg.Observability.Metrics.Enabled {
		pipelineOpts = append(pipelineOpts, admission.WithoutMetrics())
	}
	pipeline := admission.New(admission.Deps{
		Endpoints:   store,
		Credentials: store,
		Audit:       recorder,
		Limiter:     limiter,
		OAuth2: admission.OAuth2Options{
			Timeout: cfg.OAuth2.Timeout,
			Breaker: oauth2.BreakerConfig{
				MaxFailures: int(cfg.OAuth2.Breaker.MaxFailures),
				OpenTimeout: cfg.OAuth2.Breaker.OpenTimeout,
			},
		},
		Debug:  cfg.Server.Development(),
		Logger: logger,
	}, pipelineOpts...)

	checks := map[string]transporthttp.Pinger{"store": store}
	if p, ok := counters.(transporthttp.Pinger); ok {
		checks["ratelimit"] = p
	}

	handler := transporthttp.NewHandler(transporthttp.Routes{
		Pipeline:       pipeline,
		Executor:       admission.DescribeExecutor(),
		Endpoints:      store,
		Credentials:    store,
		Reports:        store,
		AuditQueue:     recorder,
		Checks:         checks,
		AdminKeys:      cfg.Admin.Keys,
		Version:        version,
		MetricsPath:    cfg.Observability.Metrics.Path,
		DisableMetrics: !cfg.Observability.Metrics.Enabled,
	})

	srv := transporthttp.NewServer(handler,
		transporthttp.WithAddr(":"+strconv.Itoa(cfg.Server.Port)),
		transporthttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout),
		transporthttp.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
		transporthttp.WithLogger(logger),
		transporthttp.OnShutdown(func(ctx context.Context) error {
			// Close drains the queue; the deadline bounds how long we wait.
			done := make(chan error, 1)
			go func() { done <- recorder.Close() }()
			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				return fmt.Errorf("draining audit queue: %w", ctx.Err())
			}
		}),
	)

	logger.Info("gateway configured",
		"storage", cfg.Storage.Type,
		"ratelimit_store", cfg.RateLimit.Store,
		"environment", cfg.Server.Environment,
		"admin_routes", len(cfg.Admin.Keys) > 0,
	)
	return srv.ListenAndServe()
}

func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (backend, error) {
	switch cfg.Storage.Type {
	case "postgres":
		pg, err := postgres.New(ctx, postgres.Config{
			DSN:            cfg.Storage.Postgres.DSN,
			MaxConns:       cfg.Storage.Postgres.MaxConns,
			QueryTimeout:   cfg.Storage.Postgres.QueryTimeout,
			MigrateOnStart: cfg.Storage.Postgres.MigrateOnStart,
		})
		if err != nil {
			return nil, fmt.Errorf("opening postgres store: %w", err)
		}
		err = seed(cfg.Catalog, logger,
			func(ep *catalog.Endpoint) error { return pg.PutEndpoint(ctx, ep) },
			func(c *catalog.Credential) (int64, error) { return pg.PutCredential(ctx, c) },
		)
		if err != nil {
			pg.Close()
			return nil, err
		}
		logger.Info("storage enabled", "type", "postgres")
		return pg, nil

	default:
		mem := memory.New(cfg.Storage.MaxAuditEntries)
		err := seed(cfg.Catalog, logger,
			func(ep *catalog.Endpoint) error { mem.PutEndpoint(ep); return nil },
			mem.PutCredential,
		)
		if err != nil {
			return nil, err
		}
		logger.Info("storage enabled", "type", "memory", "max_audit_entries", cfg.Storage.MaxAuditEntries)
		return mem, nil
	}
}

// seed writes the configured catalog. Credentials with an explicit id that
// already exists are left alone, so restarts against a database are safe.
func seed(cat config.CatalogConfig, logger *slog.Logger,
	putEndpoint func(*catalog.Endpoint) error,
	putCredential func(*catalog.Credential) (int64, error),
) error {
	for _, ec := range cat.Endpoints {
		ep, err := ec.Endpoint()
		if err != nil {
			return fmt.Errorf("seeding endpoint %d: %w", ec.ID, err)
		}
		if err := putEndpoint(ep); err != nil {
			return fmt.Errorf("seeding endpoint %d: %w", ec.ID, err)
		}
	}
	for _, cc := range cat.Credentials {
		c, err := cc.Credential()
		if err != nil {
			return fmt.Errorf("seeding credential %q: %w", cc.Name, err)
		}
		if _, err := putCredential(c); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				debug.Log("storage", "credential already present", "credential_id", c.ID)
				continue
			}
			return fmt.Errorf("seeding credential %q: %w", cc.Name, err)
		}
	}
	if n := len(cat.Endpoints) + len(cat.Credentials); n > 0 {
		logger.Info("catalog seeded", "endpoints", len(cat.Endpoints), "credentials", len(cat.Credentials))
	}
	return nil
}

func openCounterStore(ctx context.Context, cfg *config.Config) (counterStore, error) {
	if cfg.RateLimit.Store != "redis" {
		return memoryCounters{ratelimit.NewMemoryStore()}, nil
	}
	rc := ratelimit.DefaultRedisConfig()
	rc.Address = cfg.RateLimit.Redis.Address
	rc.Password = cfg.RateLimit.Redis.Password
	rc.DB = cfg.RateLimit.Redis.DB
	if cfg.RateLimit.Redis.Prefix != "" {
		rc.Prefix = cfg.RateLimit.Redis.Prefix
	}
	rs, err := ratelimit.NewRedisStore(ctx, rc)
	if err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return rs, nil
}

// memoryCounters gives the in-process counter store a no-op Close.
type memoryCounters struct {
	*ratelimit.MemoryStore
}

func (memoryCounters) Close() error { return nil }
