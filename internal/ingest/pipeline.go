// Package ingest pulls price snapshots from the wiki source and upserts them
// into the granularity tables.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"osrsprices/internal/config"
	"osrsprices/internal/database"
	"osrsprices/internal/model"
	"osrsprices/internal/observability"
	"osrsprices/internal/wiki"
)

// Source is the subset of the wiki client used by the pipeline.
type Source interface {
	Prices(ctx context.Context, g model.Granularity, params wiki.Params) (*wiki.Snapshot, error)
	Mapping(ctx context.Context) ([]model.Item, error)
	Timeseries(ctx context.Context, itemID int, timestep string) ([]model.Record, error)
}

// Publisher receives every finished batch report.
type Publisher interface {
	Publish(report BatchReport)
}

// Job names reported in BatchReport.Job besides the granularities.
const (
	JobMapping  = "mapping"
	JobBackfill = "backfill"
)

// BatchReport summarizes one run.
type BatchReport struct {
	RunID         uuid.UUID          `json:"run_id"`
	Job           string             `json:"job"`
	Granularity   model.Granularity  `json:"granularity,omitempty"`
	Written       int                `json:"written"`
	Failed        []PersistenceError `json:"-"`
	FailedCount   int                `json:"failed"`
	SchemaChanges []string           `json:"schema_changes,omitempty"`
	Started       time.Time          `json:"started"`
	Duration      time.Duration      `json:"duration_ns"`
}

// Pipeline runs the collection jobs.
type Pipeline struct {
	logger         *slog.Logger
	source         Source
	repo           database.Repository
	metrics        *observability.Metrics
	publisher      Publisher
	skipSchemaSync bool
}

// NewPipeline creates a new Pipeline.
func NewPipeline(logger *slog.Logger, source Source, repo database.Repository, metrics *observability.Metrics, cfg config.IngestConfig) *Pipeline {
	return &Pipeline{
		logger:         logger,
		source:         source,
		repo:           repo,
		metrics:        metrics,
		skipSchemaSync: cfg.SkipSchemaSync,
	}
}

// SetPublisher attaches a consumer for batch reports.
func (p *Pipeline) SetPublisher(pub Publisher) {
	p.publisher = pub
}

// CollectLatest ingests the latest endpoint.
func (p *Pipeline) CollectLatest(ctx context.Context) (*BatchReport, error) {
	return p.Collect(ctx, model.Latest, wiki.Params{})
}

// CollectFiveMinute ingests the 5m endpoint.
func (p *Pipeline) CollectFiveMinute(ctx context.Context) (*BatchReport, error) {
	return p.Collect(ctx, model.FiveMinute, wiki.Params{})
}

// CollectOneHour ingests the 1h endpoint.
func (p *Pipeline) CollectOneHour(ctx context.Context) (*BatchReport, error) {
	return p.Collect(ctx, model.OneHour, wiki.Params{})
}

// Collect fetches one snapshot for g and upserts a row per item. A source
// failure aborts only this run. Row failures are retried once and then
// recorded in the report without stopping the batch.
func (p *Pipeline) Collect(ctx context.Context, g model.Granularity, params wiki.Params) (*BatchReport, error) {
	report := p.newReport(string(g), g)

	snap, err := p.source.Prices(ctx, g, params)
	if err != nil {
		p.logger.Error("Ingest: fetch failed", "granularity", g, "runID", report.RunID, "error", err)
		return report, err
	}

	if err := p.persist(ctx, report, g, snap.Records); err != nil {
		return report, err
	}
	p.finish(report)
	return report, nil
}

// CollectAll runs the three granularities in order. A failing granularity
// does not prevent the others from running.
func (p *Pipeline) CollectAll(ctx context.Context, params wiki.Params) ([]*BatchReport, error) {
	var (
		reports []*BatchReport
		errs    []error
	)
	for _, g := range model.Granularities {
		q := params
		if g == model.Latest {
			q.Timestamp = 0
		}
		report, err := p.Collect(ctx, g, q)
		reports = append(reports, report)
		if err != nil {
			errs = append(errs, fmt.Errorf("collect %s: %w", g, err))
			if ctx.Err() != nil {
				break
			}
		}
	}
	return reports, errors.Join(errs...)
}

// SyncMapping refreshes the item catalog from the mapping endpoint.
func (p *Pipeline) SyncMapping(ctx context.Context) (*BatchReport, error) {
	report := p.newReport(JobMapping, "")

	items, err := p.source.Mapping(ctx)
	if err != nil {
		p.logger.Error("Ingest: mapping fetch failed", "runID", report.RunID, "error", err)
		return report, err
	}
	if err := p.repo.UpsertItems(ctx, items); err != nil {
		p.logger.Error("Ingest: mapping upsert failed", "runID", report.RunID, "items", len(items), "error", err)
		return report, fmt.Errorf("upsert items: %w", err)
	}
	report.Written = len(items)
	p.finish(report)
	return report, nil
}

// Backfill loads an item's timeseries at timestep (5m or 1h) into the
// matching granularity table.
func (p *Pipeline) Backfill(ctx context.Context, itemID int, timestep string) (*BatchReport, error) {
	g, err := model.ParseGranularity(timestep)
	if err != nil || !g.HasVolume() {
		return nil, fmt.Errorf("backfill timestep %q: only 5m and 1h are stored", timestep)
	}
	report := p.newReport(JobBackfill, g)

	records, err := p.source.Timeseries(ctx, itemID, string(g))
	if err != nil {
		p.logger.Error("Ingest: timeseries fetch failed", "itemID", itemID, "timestep", g, "error", err)
		return report, err
	}
	if err := p.persist(ctx, report, g, records); err != nil {
		return report, err
	}
	p.finish(report)
	return report, nil
}

func (p *Pipeline) newReport(job string, g model.Granularity) *BatchReport {
	return &BatchReport{
		RunID:       uuid.New(),
		Job:         job,
		Granularity: g,
		Started:     time.Now(),
	}
}

// persist synchronizes the schema for the whole batch and writes each record.
// Only context cancellation stops the loop early.
func (p *Pipeline) persist(ctx context.Context, report *BatchReport, g model.Granularity, records []model.Record) error {
	if !p.skipSchemaSync && len(records) > 0 {
		schema, err := p.repo.EnsureSchema(ctx, g, records)
		if err != nil {
			// Rows still get their own repair attempt below.
			p.logger.Warn("Ingest: schema sync failed", "granularity", g, "runID", report.RunID, "error", err)
		} else {
			report.SchemaChanges = append(report.SchemaChanges, schema.Added...)
		}
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			p.logger.Warn("Ingest: batch cancelled", "granularity", g, "runID", report.RunID, "written", report.Written)
			return err
		}

		added, err := p.write(ctx, g, rec)
		report.SchemaChanges = append(report.SchemaChanges, added...)
		if err != nil {
			perr := PersistenceError{ItemID: rec.ItemID, Granularity: g, Timestamp: rec.Timestamp, Err: err}
			report.Failed = append(report.Failed, perr)
			p.metrics.RowsFailed.WithLabelValues(string(g)).Inc()
			p.logger.Error("Ingest: write failed",
				"itemID", rec.ItemID,
				"granularity", g,
				"timestamp", rec.Timestamp,
				"runID", report.RunID,
				"error", err,
			)
			continue
		}
		report.Written++
		p.metrics.RowsWritten.WithLabelValues(string(g)).Inc()
	}
	return nil
}

// write upserts rec, retrying exactly once. A SchemaError repairs the schema
// against rec before the retry.
func (p *Pipeline) write(ctx context.Context, g model.Granularity, rec model.Record) ([]string, error) {
	err := p.repo.UpsertObservation(ctx, g, rec)
	if err == nil {
		return nil, nil
	}

	var added []string
	var schemaErr *database.SchemaError
	if errors.As(err, &schemaErr) {
		p.metrics.SchemaRetries.WithLabelValues(string(g)).Inc()
		p.logger.Warn("Ingest: schema drift, repairing",
			"itemID", rec.ItemID,
			"table", schemaErr.Table,
			"column", schemaErr.Column,
		)
		schema, serr := p.repo.EnsureSchema(ctx, g, []model.Record{rec})
		if serr != nil {
			return nil, fmt.Errorf("repair schema after %v: %w", err, serr)
		}
		added = schema.Added
	}

	if err := p.repo.UpsertObservation(ctx, g, rec); err != nil {
		return added, err
	}
	return added, nil
}

func (p *Pipeline) finish(report *BatchReport) {
	report.Duration = time.Since(report.Started)
	report.FailedCount = len(report.Failed)

	label := report.Job
	p.metrics.BatchDuration.WithLabelValues(label).Observe(report.Duration.Seconds())
	if report.FailedCount == 0 {
		p.metrics.LastSuccessfulRun.WithLabelValues(label).SetToCurrentTime()
	}

	p.logger.Info("Ingest: batch complete",
		"job", report.Job,
		"runID", report.RunID,
		"written", report.Written,
		"failed", report.FailedCount,
		"schemaChanges", report.SchemaChanges,
		"duration", report.Duration,
	)

	if p.publisher != nil {
		p.publisher.Publish(*report)
	}
}
