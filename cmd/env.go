package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/cte-pipeline/internal/metrics"
	"github.com/sells-group/cte-pipeline/internal/pipeline"
	"github.com/sells-group/cte-pipeline/internal/recovery"
	"github.com/sells-group/cte-pipeline/internal/registry"
	"github.com/sells-group/cte-pipeline/internal/resilience"
	"github.com/sells-group/cte-pipeline/internal/state"
	"github.com/sells-group/cte-pipeline/pkg/browserapi"
)

// env holds the wired pipeline dependencies shared by the commands.
type env struct {
	Store    state.Store
	Client   browserapi.Client
	Metrics  *metrics.Collector
	Pipeline *pipeline.Pipeline
}

func (e *env) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (state.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.SQLitePath
		if dsn == "" {
			dsn = "cte-pipeline.db"
		}
		return state.NewSQLite(dsn)
	case "postgres":
		return state.NewPostgres(ctx, cfg.Store.DatabaseURL)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initClient() browserapi.Client {
	retryCfg := resilience.DefaultRetryConfig()
	retryCfg.MaxAttempts = cfg.API.MaxRetries

	return browserapi.NewClient(cfg.API.BaseURL,
		browserapi.WithTimeout(cfg.API.Timeout()),
		browserapi.WithRetry(retryCfg),
		browserapi.WithRateLimit(cfg.API.RateLimitPerSec, 1),
		browserapi.WithMonitorPolicy(cfg.API.MonitorPoll(), cfg.API.MonitorTimeout()),
	)
}

// initPipeline wires the store, flow client, client registry and metrics
// into a ready pipeline.
func initPipeline(ctx context.Context) (*env, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	clients, err := registry.LoadClients(cfg.Paths.ClientDataPath)
	if err != nil {
		// The registry is optional; documents fall back to empty client data.
		clients = &registry.ClientRegistry{}
	}

	client := initClient()
	collector := metrics.NewCollector(cfg.Pipeline.PartialThreshold)
	rec := recovery.NewManager(st)

	return &env{
		Store:    st,
		Client:   client,
		Metrics:  collector,
		Pipeline: pipeline.New(cfg, st, client, rec, collector, clients),
	}, nil
}
