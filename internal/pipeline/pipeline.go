// Package pipeline runs one ingest of the HMO licence register: locate the
// current snapshot, normalize it, resolve postcodes and persist the result.
package pipeline

import (
	"context"
	"io"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/hmo-register/internal/config"
	"github.com/sells-group/hmo-register/internal/enrich"
	"github.com/sells-group/hmo-register/internal/events"
	"github.com/sells-group/hmo-register/internal/fetcher"
	"github.com/sells-group/hmo-register/internal/model"
	"github.com/sells-group/hmo-register/internal/monitoring"
	"github.com/sells-group/hmo-register/internal/observability"
	"github.com/sells-group/hmo-register/internal/sheet"
	"github.com/sells-group/hmo-register/internal/transform"
	"github.com/sells-group/hmo-register/internal/warehouse"
)

// TablePublisher exports an enriched table and returns its object key.
type TablePublisher interface {
	PublishTable(ctx context.Context, t *model.Table) (string, error)
}

// Notifier delivers run alerts.
type Notifier interface {
	Send(ctx context.Context, alert monitoring.Alert) error
}

// Option configures optional pipeline collaborators.
type Option func(*Pipeline)

// WithPublisher exports each enriched snapshot to object storage.
func WithPublisher(pub TablePublisher) Option {
	return func(p *Pipeline) { p.publisher = pub }
}

// WithEvents announces loaded snapshots.
func WithEvents(pub events.Publisher) Option {
	return func(p *Pipeline) { p.events = pub }
}

// WithNotifier sends run_failed and version_not_found alerts.
func WithNotifier(n Notifier) Option {
	return func(p *Pipeline) { p.notifier = n }
}

// WithClock overrides the wall clock.
func WithClock(c clockwork.Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

// WithMetrics records run metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithIDGenerator overrides run id generation.
func WithIDGenerator(fn func() string) Option {
	return func(p *Pipeline) { p.newID = fn }
}

// Pipeline ingests one register snapshot per Run.
type Pipeline struct {
	source    config.SourceConfig
	schema    transform.Schema
	extractor *transform.PostcodeExtractor
	fetcher   fetcher.Fetcher
	resolver  *enrich.Resolver
	warehouse warehouse.Warehouse

	publisher TablePublisher
	events    events.Publisher
	notifier  Notifier
	metrics   *observability.Metrics
	clock     clockwork.Clock
	newID     func() string
}

// New creates a Pipeline. The schema and postcode areas from cfg are
// validated here so a bad configuration fails before any network call.
func New(cfg *config.Config, f fetcher.Fetcher, resolver *enrich.Resolver, wh warehouse.Warehouse, opts ...Option) (*Pipeline, error) {
	schema := transform.Schema(cfg.Schema.Columns)
	if err := schema.Validate(); err != nil {
		return nil, eris.Wrap(err, "pipeline: schema")
	}

	extractor, err := transform.NewPostcodeExtractor(cfg.Postcode.Areas)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: postcode areas")
	}

	p := &Pipeline{
		source:    cfg.Source,
		schema:    schema,
		extractor: extractor,
		fetcher:   f,
		resolver:  resolver,
		warehouse: wh,
		events:    events.Nop{},
		clock:     clockwork.NewRealClock(),
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Run executes one ingest. A nil error means the run reached a terminal,
// non-failed status (complete, not_found or unchanged). Any returned error is
// a *StageError and the run is recorded as failed.
func (p *Pipeline) Run(ctx context.Context, opts RunOpts) (*Result, error) {
	start := p.clock.Now()
	runID := opts.RunID
	if runID == "" {
		runID = p.newID()
	}
	res := &Result{
		RunID:     runID,
		StartedAt: start.UTC(),
		DryRun:    opts.DryRun,
	}
	log := zap.L().With(zap.String("component", "pipeline"), zap.String("run_id", res.RunID))
	log.Info("pipeline: starting run", zap.Bool("force", opts.Force), zap.Bool("dry_run", opts.DryRun))

	if p.metrics != nil {
		p.metrics.RunInProgress.Inc()
		defer p.metrics.RunInProgress.Dec()
	}
	defer func() {
		res.Elapsed = p.clock.Since(start)
		if p.metrics != nil {
			p.metrics.RunsTotal.WithLabelValues(string(res.Status)).Inc()
			if res.Status == model.RunStatusComplete {
				p.metrics.RunDuration.Observe(res.Elapsed.Seconds())
			}
		}
	}()

	if !opts.DryRun {
		if err := p.warehouse.StartRun(ctx, res.RunID, start); err != nil {
			serr := &StageError{Stage: StageRunLog, Err: err}
			res.Status = model.RunStatusFailed
			res.Error = serr.Error()
			log.Error("pipeline: could not start run", zap.Error(err))
			p.notify(context.WithoutCancel(ctx), log, monitoring.RunFailed(res.RunID, "", serr, p.clock.Now()))
			return res, serr
		}
	}

	fail := func(stage string, err error) (*Result, error) {
		return p.fail(ctx, log, res, opts, &StageError{Stage: stage, Err: err})
	}

	// Locate the current version.
	v, err := p.Locate(ctx)
	if err != nil {
		return fail(StageLocate, err)
	}
	if v == nil {
		res.Status = model.RunStatusNotFound
		log.Warn("pipeline: no register version found", zap.String("landing_url", p.source.LandingURL))
		p.notify(ctx, log, monitoring.VersionNotFound(res.RunID, p.source.LandingURL, p.clock.Now()))
		return p.complete(ctx, log, res, opts, nil)
	}
	res.SnapshotID = v.SnapshotID
	res.SourceURL = v.URL
	log = log.With(zap.String("snapshot_id", v.SnapshotID))

	if !opts.Force {
		loaded, err := p.warehouse.SnapshotLoaded(ctx, v.SnapshotID)
		if err != nil {
			return fail(StageLocate, err)
		}
		if loaded {
			res.Status = model.RunStatusUnchanged
			log.Info("pipeline: snapshot already loaded")
			return p.complete(ctx, log, res, opts, nil)
		}
	}

	// Ingest and normalize.
	table, err := p.ingest(ctx, v)
	if err != nil {
		return fail(StageIngest, err)
	}
	res.Rows = table.Len()
	log.Info("pipeline: register normalized", zap.Int("rows", res.Rows))

	// Resolve postcodes.
	p.extractor.AddPostcodes(table)
	codes := transform.UniquePostcodes(table)
	resolution := p.resolver.Resolve(ctx, codes)
	stats := enrich.Merge(table, resolution.Index)

	res.Postcodes = len(codes)
	res.Resolved = len(resolution.Index)
	res.Unresolved = len(resolution.Unresolved)
	res.FailedChunks = len(resolution.Failures)
	res.Calls = resolution.Calls
	res.Matched = stats.Matched
	res.Data = table

	if opts.DryRun {
		res.Status = model.RunStatusComplete
		log.Info("pipeline: dry run, skipping writes")
		return res, nil
	}

	// Persist.
	if p.publisher != nil {
		key, err := p.publisher.PublishTable(ctx, table)
		if err != nil {
			return fail(StagePublish, err)
		}
		res.ObjectKey = key
	}

	written, err := p.warehouse.WriteSnapshot(ctx, table)
	if err != nil {
		return fail(StageWarehouse, err)
	}
	res.Table = written.Table
	res.Upserted = written.Upserted
	if p.metrics != nil {
		p.metrics.RowsIngested.Add(float64(written.Rows))
	}

	res.Status = model.RunStatusComplete
	res, err = p.complete(ctx, log, res, opts, &written.Rows)
	if err != nil {
		return res, err
	}

	ev := events.Event{
		RunID:       res.RunID,
		SnapshotID:  res.SnapshotID,
		SourceURL:   res.SourceURL,
		Table:       res.Table,
		ObjectKey:   res.ObjectKey,
		Rows:        res.Rows,
		Resolved:    res.Resolved,
		Unresolved:  res.Unresolved,
		ProcessedAt: p.clock.Now().UTC(),
	}
	if err := p.events.SnapshotIngested(ctx, ev); err != nil {
		// The snapshot is already persisted; a lost notification is not a failed run.
		log.Warn("pipeline: failed to publish snapshot event", zap.Error(err))
	}
	return res, nil
}

// ingest downloads the referenced workbook and normalizes it into a table
// stamped with its snapshot id and per-row hmo_id.
func (p *Pipeline) ingest(ctx context.Context, v *Version) (*model.Table, error) {
	body, err := p.fetcher.Download(ctx, v.URL)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: download register")
	}
	defer body.Close() //nolint:errcheck

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: read register")
	}

	raw, err := sheet.Read(data, sheet.Options{SheetName: p.source.SheetName})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: parse register")
	}

	table, err := transform.Normalize(raw, p.schema)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: normalize register")
	}

	transform.DeriveIDs(table)
	transform.StampSnapshot(table, v.SnapshotID)
	return table, nil
}

// complete records a non-failed terminal status. rowsWritten is nil when
// nothing was written.
func (p *Pipeline) complete(ctx context.Context, log *zap.Logger, res *Result, opts RunOpts, rowsWritten *int64) (*Result, error) {
	if !opts.DryRun {
		outcome := warehouse.RunOutcome{
			Status:     res.Status,
			SnapshotID: res.SnapshotID,
			SourceURL:  res.SourceURL,
		}
		if rowsWritten != nil {
			outcome.RowsWritten = *rowsWritten
			outcome.Metadata = res.metadata()
		}
		if err := p.warehouse.CompleteRun(ctx, res.RunID, p.clock.Now(), outcome); err != nil {
			return p.fail(ctx, log, res, opts, &StageError{Stage: StageRunLog, Err: err})
		}
	}

	log.Info("pipeline: run finished",
		zap.String("status", string(res.Status)),
		zap.Int("rows", res.Rows),
		zap.Int("resolved", res.Resolved),
		zap.Int("unresolved", res.Unresolved),
		zap.Duration("elapsed", p.clock.Since(res.StartedAt)),
	)
	return res, nil
}

// fail records err against the run and raises a run_failed alert. The run
// log write and alert survive cancellation of ctx.
func (p *Pipeline) fail(ctx context.Context, log *zap.Logger, res *Result, opts RunOpts, err *StageError) (*Result, error) {
	res.Status = model.RunStatusFailed
	res.Error = err.Error()
	log.Error("pipeline: run failed", zap.String("stage", err.Stage), zap.Error(err.Err))

	bg := context.WithoutCancel(ctx)
	if !opts.DryRun {
		if ferr := p.warehouse.FailRun(bg, res.RunID, p.clock.Now(), res.SnapshotID, res.Error); ferr != nil {
			log.Warn("pipeline: failed to record run failure", zap.Error(ferr))
		}
	}
	p.notify(bg, log, monitoring.RunFailed(res.RunID, res.SnapshotID, err, p.clock.Now()))
	return res, err
}

func (p *Pipeline) notify(ctx context.Context, log *zap.Logger, alert monitoring.Alert) {
	if p.notifier == nil {
		return
	}
	if err := p.notifier.Send(ctx, alert); err != nil {
		log.Warn("pipeline: failed to send alert", zap.String("type", string(alert.Type)), zap.Error(err))
	}
}
