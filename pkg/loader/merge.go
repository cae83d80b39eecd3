// Package loader commits flush jobs into a warehouse: structural changes
// first, then staging, then one atomic commit in append or upsert mode.
package loader

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-target/pkg/connector/core"
	"github.com/ajitpratap0/nebula-target/pkg/logger"
	"github.com/ajitpratap0/nebula-target/pkg/metrics"
	"github.com/ajitpratap0/nebula-target/pkg/models"
	"github.com/ajitpratap0/nebula-target/pkg/nebulaerrors"
	"github.com/ajitpratap0/nebula-target/pkg/observability"
	"github.com/ajitpratap0/nebula-target/pkg/schema"
)

// Modes reported for jobs that commit no rows.
const (
	ModeSchemaOnly = "schema"
	ModeVersion    = "version"
)

// Job is an immutable unit of work for one stream.
type Job struct {
	ID             string
	Stream         string
	Table          core.TableRef
	StagingDataset string
	Columns        []schema.ColumnDefinition
	KeyColumns     []string
	Rows           []models.Record
	// Changes are applied before any row is written.
	Changes []schema.StructuralChange
	// ActivateVersion, when set, makes this a version job: rows older than
	// the version are removed and Rows is ignored.
	ActivateVersion *int64
	HardDelete      bool
}

// Result describes a committed job.
type Result struct {
	Mode     string
	Stats    core.CommitStats
	Duration time.Duration
}

// MergeExecutor runs jobs against a warehouse.
type MergeExecutor struct {
	wh           core.Warehouse
	disableMerge bool
	log          *zap.Logger
}

// Option configures a MergeExecutor.
type Option func(*MergeExecutor)

// WithMergeDisabled makes every commit an append.
func WithMergeDisabled(disabled bool) Option {
	return func(m *MergeExecutor) {
		m.disableMerge = disabled
	}
}

// NewMergeExecutor creates an executor.
func NewMergeExecutor(wh core.Warehouse, log *zap.Logger, opts ...Option) *MergeExecutor {
	m := &MergeExecutor{wh: wh, log: log}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Mode returns the commit mode used for job.
func (m *MergeExecutor) Mode(job *Job) core.CommitMode {
	if len(job.KeyColumns) == 0 || m.disableMerge {
		return core.CommitAppend
	}
	return core.CommitUpsert
}

// Commit runs job. Every failure is a LoadError; the target is left as it
// was before the failing step and the staging area is always discarded.
func (m *MergeExecutor) Commit(ctx context.Context, job *Job) (res Result, err error) {
	start := time.Now()
	ctx = context.WithValue(ctx, logger.StreamKey, job.Stream)
	ctx = context.WithValue(ctx, logger.TableKey, job.Table.String())
	ctx = context.WithValue(ctx, logger.JobIDKey, job.ID)
	log := logger.WithContext(ctx, m.log)

	ctx, span := observability.StartSpan(ctx, "merge.commit")
	span.SetAttribute("stream", job.Stream)
	span.SetAttribute("table", job.Table.String())
	span.SetAttribute("rows", len(job.Rows))
	defer func() {
		res.Duration = time.Since(start)
		span.SetAttribute("mode", res.Mode)
		span.Finish(err)
		metrics.Flushes.WithLabelValues(job.Stream, res.Mode, metrics.Status(err)).Inc()
		metrics.FlushDuration.WithLabelValues(job.Stream).Observe(res.Duration.Seconds())
	}()

	if len(job.Changes) > 0 {
		if err := m.applyChanges(ctx, job, log); err != nil {
			return res, err
		}
	}

	if job.ActivateVersion != nil {
		res.Mode = ModeVersion
		deleted, err := m.activateVersion(ctx, job)
		if err != nil {
			return res, err
		}
		res.Stats.Deleted = deleted
		log.Info("table version activated", zap.Int64("version", *job.ActivateVersion), zap.Int64("deleted", deleted))
		return res, nil
	}

	if len(job.Rows) == 0 {
		res.Mode = ModeSchemaOnly
		return res, nil
	}

	mode := m.Mode(job)
	res.Mode = string(mode)

	batch := &core.Batch{
		ID:             job.ID,
		Stream:         job.Stream,
		Table:          job.Table,
		StagingDataset: job.StagingDataset,
		Columns:        job.Columns,
		KeyColumns:     job.KeyColumns,
		Rows:           job.Rows,
	}

	var staged core.Staged
	err = observability.Trace(ctx, "merge.stage", func(ctx context.Context) error {
		var err error
		staged, err = m.wh.StageRows(ctx, batch)
		return err
	}, attribute.Int("rows", len(batch.Rows)))
	if staged != nil {
		defer func() {
			// Discard with a fresh context so a cancelled job still cleans up.
			if derr := m.wh.DiscardStaged(context.WithoutCancel(ctx), staged); derr != nil {
				log.Warn("failed to discard staging area", zap.String("staging", staged.Name()), zap.Error(derr))
			}
		}()
	}
	if err != nil {
		return res, loadError(err, "failed to stage rows", job)
	}

	err = observability.Trace(ctx, "merge.apply_staged", func(ctx context.Context) error {
		var err error
		res.Stats, err = m.wh.CommitStaged(ctx, staged, core.CommitOptions{Mode: mode, HardDelete: job.HardDelete})
		return err
	}, attribute.String("mode", res.Mode), attribute.Bool("hard_delete", job.HardDelete))
	if err != nil {
		return res, loadError(err, "failed to commit staged rows", job).WithDetail("mode", res.Mode)
	}

	markers := 0
	for _, r := range job.Rows {
		if r.Deleted() {
			markers++
		}
	}
	metrics.RowsCommitted.WithLabelValues(job.Stream).Add(float64(len(job.Rows)))
	log.Info("batch committed",
		zap.String("mode", res.Mode),
		zap.Int("rows", len(job.Rows)),
		zap.Int("delete_markers", markers),
		zap.Int64("inserted", res.Stats.Inserted),
		zap.Int64("updated", res.Stats.Updated),
		zap.Int64("deleted", res.Stats.Deleted),
		zap.Duration("duration", time.Since(start)))
	return res, nil
}

func (m *MergeExecutor) applyChanges(ctx context.Context, job *Job, log *zap.Logger) error {
	err := observability.Trace(ctx, "merge.structural_changes", func(ctx context.Context) error {
		return m.wh.ApplyStructuralChanges(ctx, job.Table, job.Changes)
	}, attribute.Int("changes", len(job.Changes)))
	if err != nil {
		return loadError(err, "failed to apply structural changes", job).WithDetail("changes", len(job.Changes))
	}

	for _, c := range job.Changes {
		metrics.StructuralChanges.WithLabelValues(job.Stream, string(c.Kind)).Inc()
		if c.Supersedes != "" {
			metrics.VersionedColumns.WithLabelValues(job.Stream).Inc()
		}
		log.Info("structural change applied", zap.String("change", c.String()))
	}
	return nil
}

func (m *MergeExecutor) activateVersion(ctx context.Context, job *Job) (int64, error) {
	var deleted int64
	err := observability.Trace(ctx, "merge.activate_version", func(ctx context.Context) error {
		var err error
		deleted, err = m.wh.ActivateVersion(ctx, job.Table, *job.ActivateVersion)
		return err
	}, attribute.Int64("version", *job.ActivateVersion))
	if err != nil {
		return 0, loadError(err, "failed to activate table version", job).WithDetail("version", *job.ActivateVersion)
	}
	return deleted, nil
}

func loadError(err error, message string, job *Job) *nebulaerrors.Error {
	return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeLoad, message).
		WithDetail("stream", job.Stream).
		WithDetail("table", job.Table.String()).
		WithDetail("job_id", job.ID)
}
