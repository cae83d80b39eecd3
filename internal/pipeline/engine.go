// Package pipeline is the core of the target: it keeps per-stream state,
// buffers records, reconciles schemas, schedules flush jobs and emits
// checkpoints once the data they cover is committed.
//
// All Engine methods are called from one reader goroutine. Only flush jobs
// run concurrently, on the Scheduler's workers.
package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-target/pkg/config"
	"github.com/ajitpratap0/nebula-target/pkg/connector/core"
	"github.com/ajitpratap0/nebula-target/pkg/loader"
	"github.com/ajitpratap0/nebula-target/pkg/metrics"
	"github.com/ajitpratap0/nebula-target/pkg/models"
	"github.com/ajitpratap0/nebula-target/pkg/nebulaerrors"
	"github.com/ajitpratap0/nebula-target/pkg/schema"
)

// metadataColumns are added to streams with metadata columns or hard delete.
var metadataColumns = []schema.ColumnDefinition{
	{Name: models.ColumnExtractedAt, Type: schema.Scalar(schema.KindTimestamp), Nullable: true},
	{Name: models.ColumnBatchedAt, Type: schema.Scalar(schema.KindTimestamp), Nullable: true},
	{Name: models.ColumnDeletedAt, Type: schema.Scalar(schema.KindTimestamp), Nullable: true},
	{Name: models.ColumnTableVersion, Type: schema.Scalar(schema.KindInteger), Nullable: true},
}

// Engine implements the entry contract of the target.
type Engine struct {
	cfg       *config.TargetConfig
	wh        core.Warehouse
	mapper    *schema.TypeMapper
	evolution *schema.EvolutionEngine
	sched     *Scheduler
	tracker   *checkpointTracker
	log       *zap.Logger

	streams map[string]*StreamState
	order   []string

	now       func() time.Time
	newID     func() string
	lastFlush time.Time
	closed    bool
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineClock sets the clock used for batch timing, _sdc_batched_at and
// versioned column timestamps.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// WithJobIDs sets the job id generator.
func WithJobIDs(newID func() string) EngineOption {
	return func(e *Engine) {
		e.newID = newID
	}
}

// NewJobID returns a UUID without dashes.
func NewJobID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewEngine creates an engine and starts its flush workers. ctx bounds the
// workers.
func NewEngine(ctx context.Context, cfg *config.TargetConfig, wh core.Warehouse, emitter Emitter, log *zap.Logger, opts ...EngineOption) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	workers, err := PoolSize(cfg.Parallelism, cfg.MaxParallelism)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg: cfg,
		wh:  wh,
		mapper: schema.NewTypeMapper(schema.MapperOptions{
			MaxLevel:   cfg.DataFlatteningMaxLevel,
			ObjectMode: schema.ObjectMode(cfg.ObjectMode),
		}),
		log:     log.With(zap.String("component", "engine")),
		streams: make(map[string]*StreamState),
		now:     time.Now,
		newID:   NewJobID,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.evolution = schema.NewEvolutionEngine(schema.WithClock(e.now))
	e.lastFlush = e.now()
	e.tracker = newCheckpointTracker(emitter, log)

	exec := loader.NewMergeExecutor(wh, log, loader.WithMergeDisabled(cfg.DisableMerge))
	e.sched = NewScheduler(ctx, exec, workers, e.tracker.Done, log)

	e.log.Info("engine started",
		zap.Int("workers", workers),
		zap.Int("batch_size_rows", cfg.BatchSizeRows),
		zap.Bool("flush_all_streams", cfg.FlushAllStreams),
		zap.Int("batch_wait_limit_seconds", cfg.BatchWaitLimitSeconds))
	return e, nil
}

// Stream returns the state of a stream, or nil before its first SCHEMA.
func (e *Engine) Stream(stream string) *StreamState {
	return e.streams[stream]
}

// OnSchema accepts a SCHEMA message: it maps the properties to columns,
// reconciles them against the table and records the structural changes for
// the next job. Rows buffered under a different column set or key are
// flushed first.
func (e *Engine) OnSchema(ctx context.Context, stream string, root *schema.Property, keys []string) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	log := e.log.With(zap.String("stream", stream))
	if e.cfg.PrimaryKeyRequired && len(keys) == 0 {
		return nebulaerrors.New(nebulaerrors.ErrorTypeMissingPrimaryKey, "stream declares no key properties").
			WithDetail("stream", stream)
	}

	observed, err := e.mapper.MapSchema(root)
	if err != nil {
		return withStream(err, stream)
	}

	state := e.streams[stream]
	if state == nil {
		state, err = e.openStream(ctx, stream)
		if err != nil {
			return err
		}
	}
	if state.Metadata {
		observed = withMetadataColumns(observed)
	}
	for _, k := range keys {
		if !declares(observed, schema.SafeColumnName(k)) {
			return nebulaerrors.New(nebulaerrors.ErrorTypeSchemaConflict, "key property is not declared in the schema").
				WithDetail("stream", stream).
				WithDetail("key", k)
		}
	}

	next, changes, err := e.evolution.Reconcile(state.Schema, observed)
	if err != nil {
		return withStream(err, stream)
	}

	if state.Buffer.Len() > 0 && (!state.Schema.SameStaging(next) || !sameKeys(state.Keys, keys)) {
		log.Info("schema changed with rows buffered, flushing", zap.Int("rows", state.Buffer.Len()))
		if err := e.flush(ctx, state); err != nil {
			return err
		}
	}

	state.Schema = next
	state.Keys = append([]string(nil), keys...)
	keyColumns := state.KeyColumns()
	for i := range changes {
		if changes[i].Kind == schema.ChangeCreateTable {
			changes[i].KeyColumns = keyColumns
		}
	}
	state.Pending = append(state.Pending, changes...)

	if len(changes) > 0 {
		names := make([]string, len(changes))
		for i, c := range changes {
			names[i] = c.String()
		}
		log.Info("schema reconciled", zap.Strings("changes", names), zap.Strings("key_columns", keyColumns))
	}
	return nil
}

func (e *Engine) openStream(ctx context.Context, stream string) (*StreamState, error) {
	target := e.cfg.TargetFor(stream)
	ref := core.TableRef{Project: e.cfg.ProjectID, Dataset: target.Dataset, Table: target.Table}

	columns, exists, err := e.wh.DescribeTable(ctx, ref)
	if err != nil {
		return nil, withStream(err, stream)
	}
	current := schema.NewTableSchema()
	if exists {
		current = schema.FromPhysical(columns)
	}

	hardDelete := e.cfg.HardDeleteFor(stream)
	state := &StreamState{
		Stream:         stream,
		Table:          ref,
		StagingDataset: target.StagingDataset,
		Schema:         current,
		HardDelete:     hardDelete,
		Metadata:       hardDelete || e.cfg.MetadataColumnsFor(stream),
		Buffer:         NewBuffer(e.cfg.BatchSizeRows),
	}
	e.streams[stream] = state
	e.order = append(e.order, stream)

	e.log.Info("stream opened",
		zap.String("stream", stream),
		zap.String("table", ref.String()),
		zap.Bool("table_exists", exists),
		zap.Bool("hard_delete", hardDelete))
	return state, nil
}

func withMetadataColumns(observed []schema.ColumnDefinition) []schema.ColumnDefinition {
	out := append([]schema.ColumnDefinition(nil), observed...)
	for _, c := range metadataColumns {
		if !declares(out, c.Name) {
			out = append(out, c)
		}
	}
	return out
}

func declares(columns []schema.ColumnDefinition, logical string) bool {
	for _, c := range columns {
		if c.Logical() == logical {
			return true
		}
	}
	return false
}

// OnRecord buffers one record and flushes when a batch trigger fires.
func (e *Engine) OnRecord(ctx context.Context, stream string, record map[string]interface{}, extracted *time.Time, version *int64) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	state := e.streams[stream]
	if state == nil {
		return nebulaerrors.New(nebulaerrors.ErrorTypeProtocol, "record received before schema").
			WithDetail("stream", stream)
	}

	now := e.now().UTC()
	flat := schema.FlattenRecord(record, e.mapper.MaxLevel(), state.IsColumn)
	values := make(map[string]interface{}, len(flat))
	for _, c := range state.Schema.StagedColumns() {
		v, clamped, err := schema.Coerce(c.Type, flat[c.Logical()])
		if err != nil {
			return withStream(err, stream)
		}
		if clamped {
			e.log.Warn("value clamped to column range",
				zap.String("stream", stream),
				zap.String("column", c.Name),
				zap.Any("value", flat[c.Logical()]))
			metrics.ValuesClamped.WithLabelValues(stream, c.Name).Inc()
		}
		values[c.Name] = v
	}
	if state.Metadata {
		e.setMetadata(state, values, now, extracted, version)
	}

	state.Buffer.Append(models.NewRecord(keyString(values, state.KeyColumns()), values))
	metrics.RecordsBuffered.WithLabelValues(stream).Inc()

	if state.Buffer.IsFull() {
		if e.cfg.FlushAllStreams {
			if err := e.flushStreams(ctx, false); err != nil {
				return err
			}
		} else if err := e.flush(ctx, state); err != nil {
			return err
		}
	}

	if limit := e.cfg.BatchWaitLimitSeconds; limit > 0 && e.now().Sub(e.lastFlush) >= time.Duration(limit)*time.Second {
		e.log.Debug("batch wait limit reached", zap.Int("limit_seconds", limit))
		return e.flushStreams(ctx, false)
	}
	return nil
}

// setMetadata fills the metadata columns the stream stages.
func (e *Engine) setMetadata(state *StreamState, values map[string]interface{}, now time.Time, extracted *time.Time, version *int64) {
	set := func(logical string, v interface{}) {
		if c, ok := state.Schema.Active(logical); ok {
			values[c.Name] = v
		}
	}
	if extracted != nil {
		set(models.ColumnExtractedAt, extracted.UTC())
	}
	set(models.ColumnBatchedAt, now)
	if version != nil {
		set(models.ColumnTableVersion, *version)
	}
}

// OnCheckpoint registers a checkpoint token. It is emitted once all rows
// received before it are committed.
func (e *Engine) OnCheckpoint(token []byte) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	var waiting []string
	for _, name := range e.order {
		if e.streams[name].Buffer.Len() > 0 {
			waiting = append(waiting, name)
		}
	}
	if err := e.tracker.Add(token, waiting); err != nil {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeInternal, "failed to emit checkpoint")
	}
	return nil
}

// OnActivateVersion removes rows of older table versions. It only has an
// effect for streams with hard delete; buffered rows are flushed first.
func (e *Engine) OnActivateVersion(ctx context.Context, stream string, version int64) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	log := e.log.With(zap.String("stream", stream), zap.Int64("version", version))
	state := e.streams[stream]
	if state == nil {
		log.Warn("activate version for unknown stream ignored")
		return nil
	}
	if !state.HardDelete {
		log.Info("activate version ignored without hard delete")
		return nil
	}

	if state.Buffer.Len() > 0 || len(state.Pending) > 0 {
		if err := e.flush(ctx, state); err != nil {
			return err
		}
	}

	v := version
	job := e.newJob(state, nil)
	job.ActivateVersion = &v
	seq, err := e.sched.Enqueue(ctx, job)
	if err != nil {
		return err
	}
	e.tracker.Enqueued(stream, seq)
	log.Info("version job enqueued", zap.String("job_id", job.ID))
	return nil
}

// FlushAll flushes every stream with buffered rows or pending changes.
func (e *Engine) FlushAll(ctx context.Context) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	return e.flushStreams(ctx, true)
}

// checkOpen rejects messages once Close or Abort has run.
func (e *Engine) checkOpen() error {
	if e.closed {
		return nebulaerrors.New(nebulaerrors.ErrorTypeInternal, "engine is closed")
	}
	return nil
}

// Close flushes every stream, waits for all jobs and returns the first
// failure. A failed job leaves later checkpoints unemitted.
func (e *Engine) Close(ctx context.Context) error {
	if e.closed {
		return e.sched.Err()
	}
	flushErr := e.FlushAll(ctx)
	e.closed = true
	err := e.sched.Close()
	if err == nil {
		err = flushErr
	}
	if err == nil {
		if err = e.tracker.Err(); err != nil {
			err = nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeInternal, "failed to emit checkpoint")
		}
	}
	if err != nil {
		return err
	}
	e.log.Info("engine closed", zap.Int("streams", len(e.streams)), zap.Int("unemitted_checkpoints", e.tracker.Pending()))
	return nil
}

// Abort stops accepting work and waits for in-flight jobs. Buffered rows are
// dropped.
func (e *Engine) Abort() {
	if e.closed {
		return
	}
	e.closed = true
	if err := e.sched.Close(); err != nil {
		e.log.Debug("scheduler stopped with failure", zap.Error(err))
	}
}

func (e *Engine) flushStreams(ctx context.Context, withPending bool) error {
	for _, name := range e.order {
		state := e.streams[name]
		if state.Buffer.Len() == 0 && !(withPending && len(state.Pending) > 0) {
			continue
		}
		if e.cfg.FlushAllStreams {
			state.Buffer.Force()
		}
		if err := e.flush(ctx, state); err != nil {
			return err
		}
	}
	e.lastFlush = e.now()
	return nil
}

// flush hands the buffered rows and pending changes of state to a job.
func (e *Engine) flush(ctx context.Context, state *StreamState) error {
	rows := state.Buffer.Drain()
	job := e.newJob(state, rows)
	state.Pending = nil

	seq, err := e.sched.Enqueue(ctx, job)
	if err != nil {
		return err
	}
	e.tracker.Enqueued(state.Stream, seq)
	e.log.Info("flush enqueued",
		zap.String("stream", state.Stream),
		zap.String("job_id", job.ID),
		zap.Int("rows", len(rows)),
		zap.Int("changes", len(job.Changes)))
	return nil
}

func (e *Engine) newJob(state *StreamState, rows []models.Record) *loader.Job {
	return &loader.Job{
		ID:             e.newID(),
		Stream:         state.Stream,
		Table:          state.Table,
		StagingDataset: state.StagingDataset,
		Columns:        state.Schema.StagedColumns(),
		KeyColumns:     state.KeyColumns(),
		Rows:           rows,
		Changes:        state.Pending,
		HardDelete:     state.HardDelete,
	}
}

func withStream(err error, stream string) error {
	if e, ok := err.(*nebulaerrors.Error); ok {
		return e.WithDetail("stream", stream)
	}
	return err
}
