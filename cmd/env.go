package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/hmo-register/internal/enrich"
	"github.com/sells-group/hmo-register/internal/events"
	"github.com/sells-group/hmo-register/internal/fetcher"
	"github.com/sells-group/hmo-register/internal/monitoring"
	"github.com/sells-group/hmo-register/internal/objstore"
	"github.com/sells-group/hmo-register/internal/observability"
	"github.com/sells-group/hmo-register/internal/pipeline"
	"github.com/sells-group/hmo-register/internal/warehouse"
	"github.com/sells-group/hmo-register/pkg/postcodes"
)

// pipelineEnv holds the warehouse, collaborators and pipeline needed by the
// run and serve commands.
type pipelineEnv struct {
	Warehouse warehouse.Warehouse
	Pipeline  *pipeline.Pipeline
	Events    events.Publisher
	Alerter   *monitoring.Alerter
	Metrics   *observability.Metrics
}

// Close releases resources held by the environment.
func (pe *pipelineEnv) Close() {
	if pe.Events != nil {
		if err := pe.Events.Close(); err != nil {
			zap.L().Warn("close event publisher", zap.Error(err))
		}
	}
	if pe.Warehouse != nil {
		_ = pe.Warehouse.Close()
	}
}

var (
	metricsOnce sync.Once
	metrics     *observability.Metrics
)

// processMetrics returns the metrics registered with the default registry,
// creating them on first use.
func processMetrics() *observability.Metrics {
	metricsOnce.Do(func() { metrics = observability.NewMetrics() })
	return metrics
}

// initWarehouse opens and migrates the configured warehouse.
func initWarehouse(ctx context.Context) (warehouse.Warehouse, error) {
	wh, err := warehouse.Open(ctx, cfg.Warehouse)
	if err != nil {
		return nil, err
	}
	if err := wh.Migrate(ctx); err != nil {
		_ = wh.Close()
		return nil, eris.Wrap(err, "migrate warehouse")
	}
	return wh, nil
}

func newFetcher() *fetcher.HTTPFetcher {
	return fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:  cfg.Source.UserAgent,
		Timeout:    time.Duration(cfg.Source.TimeoutSecs) * time.Second,
		MaxRetries: cfg.Source.MaxRetries,
	})
}

// initPipeline validates config for mode, opens the warehouse and wires every
// collaborator. Callers should defer env.Close().
func initPipeline(ctx context.Context, mode string, m *observability.Metrics) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	wh, err := initWarehouse(ctx)
	if err != nil {
		return nil, err
	}
	env := &pipelineEnv{
		Warehouse: wh,
		Events:    events.New(cfg.Events),
		Alerter:   monitoring.NewAlerter(cfg.Monitoring),
		Metrics:   m,
	}

	pc := postcodes.NewClient(
		postcodes.WithBaseURL(cfg.Geocode.BaseURL),
		postcodes.WithRateLimit(cfg.Geocode.RateLimit),
		postcodes.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Geocode.TimeoutSecs) * time.Second}),
	)
	resolver := enrich.NewResolver(pc, cfg.Geocode.ChunkSize, cfg.Geocode.Concurrency, m)

	opts := []pipeline.Option{
		pipeline.WithEvents(env.Events),
		pipeline.WithNotifier(env.Alerter),
		pipeline.WithMetrics(m),
	}

	if cfg.ObjStore.Enabled() {
		store, err := objstore.New(cfg.ObjStore)
		if err != nil {
			env.Close()
			return nil, err
		}
		if err := store.EnsureBucket(ctx); err != nil {
			env.Close()
			return nil, err
		}
		opts = append(opts, pipeline.WithPublisher(
			objstore.NewPublisher(store, cfg.ObjStore.Prefix, cfg.ObjStore.ObjectName, cfg.ObjStore.MaxRetries),
		))
	} else {
		zap.L().Info("object store not configured, skipping workbook export")
	}

	p, err := pipeline.New(cfg, newFetcher(), resolver, wh, opts...)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Pipeline = p
	return env, nil
}
