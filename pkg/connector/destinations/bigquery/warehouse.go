// Package bigquery is the BigQuery warehouse. Batches are encoded as Avro,
// loaded into a single-use staging table (directly or through a GCS object)
// and merged into the target with one multi-statement transaction.
package bigquery

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"path"
	"sync"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/ajitpratap0/nebula-target/pkg/config"
	"github.com/ajitpratap0/nebula-target/pkg/connector/core"
	"github.com/ajitpratap0/nebula-target/pkg/nebulaerrors"
	"github.com/ajitpratap0/nebula-target/pkg/pool"
	"github.com/ajitpratap0/nebula-target/pkg/schema"
)

const (
	// DefaultStagingExpiration bounds the life of a staging table that was
	// not discarded, e.g. after a crash.
	DefaultStagingExpiration = 24 * time.Hour

	maxClusteringFields = 4
)

// Config holds the BigQuery connection settings.
type Config struct {
	ProjectID       string
	Location        string
	CredentialsPath string
	// GCSBucket, when set, routes staged Avro files through Cloud Storage.
	GCSBucket         string
	GCSKeyPrefix      string
	AvroCodec         string
	StagingExpiration time.Duration
}

// ConfigFrom extracts the BigQuery settings from a target configuration.
func ConfigFrom(cfg *config.TargetConfig) Config {
	return Config{
		ProjectID:         cfg.ProjectID,
		Location:          cfg.Location,
		CredentialsPath:   cfg.CredentialsPath,
		GCSBucket:         cfg.GCSBucket,
		GCSKeyPrefix:      cfg.GCSKeyPrefix,
		AvroCodec:         cfg.AvroCodec,
		StagingExpiration: DefaultStagingExpiration,
	}
}

// Warehouse is the BigQuery warehouse.
type Warehouse struct {
	cfg     Config
	client  *bigquery.Client
	storage *storage.Client
	log     *zap.Logger

	// datasets already known to exist
	datasets sync.Map
}

var _ core.Warehouse = (*Warehouse)(nil)

// New connects to BigQuery, and to Cloud Storage when a bucket is set.
func New(ctx context.Context, cfg Config, log *zap.Logger) (*Warehouse, error) {
	var opts []option.ClientOption
	if cfg.CredentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsPath))
	}
	if cfg.StagingExpiration <= 0 {
		cfg.StagingExpiration = DefaultStagingExpiration
	}

	client, err := bigquery.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to create BigQuery client").
			WithDetail("project_id", cfg.ProjectID)
	}
	if cfg.Location != "" {
		client.Location = cfg.Location
	}

	w := &Warehouse{cfg: cfg, client: client, log: log}
	if cfg.GCSBucket != "" {
		w.storage, err = storage.NewClient(ctx, opts...)
		if err != nil {
			client.Close()
			return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to create storage client")
		}
	}

	log.Info("bigquery warehouse connected",
		zap.String("project_id", cfg.ProjectID),
		zap.String("location", cfg.Location),
		zap.Bool("gcs_staging", cfg.GCSBucket != ""))
	return w, nil
}

// Name returns "bigquery".
func (w *Warehouse) Name() string { return config.WarehouseBigQuery }

func (w *Warehouse) table(ref core.TableRef) *bigquery.Table {
	project := ref.Project
	if project == "" {
		project = w.cfg.ProjectID
	}
	return w.client.DatasetInProject(project, ref.Dataset).Table(ref.Table)
}

func (w *Warehouse) qualify(ref core.TableRef) core.TableRef {
	if ref.Project == "" {
		ref.Project = w.cfg.ProjectID
	}
	return ref
}

// DescribeTable reads the table schema.
func (w *Warehouse) DescribeTable(ctx context.Context, ref core.TableRef) ([]schema.ColumnDefinition, bool, error) {
	md, err := w.table(ref).Metadata(ctx)
	if isNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to describe table").
			WithDetail("table", ref.String())
	}
	return fromBigQuerySchema(md.Schema), true, nil
}

// ApplyStructuralChanges creates the table or appends missing columns. Fields
// already present are skipped.
func (w *Warehouse) ApplyStructuralChanges(ctx context.Context, ref core.TableRef, changes []schema.StructuralChange) error {
	create, keys, add := schema.SplitChanges(changes)
	if !create && len(add) == 0 {
		return nil
	}
	if err := w.ensureDataset(ctx, ref.Dataset); err != nil {
		return err
	}

	table := w.table(ref)
	want := toBigQuerySchema(add)
	md, err := table.Metadata(ctx)
	if isNotFound(err) {
		err = table.Create(ctx, &bigquery.TableMetadata{
			Schema:     want,
			Clustering: clustering(add, keys),
		})
		if err == nil {
			w.log.Info("table created",
				zap.String("table", ref.String()),
				zap.Int("columns", len(want)),
				zap.Strings("key_columns", keys))
			return nil
		}
		if !isConflict(err) {
			return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to create table").
				WithDetail("table", ref.String())
		}
		// Created concurrently or by an earlier attempt; fall through to update.
		md, err = table.Metadata(ctx)
	}
	if err != nil {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to read table metadata").
			WithDetail("table", ref.String())
	}

	missing := missingFields(md.Schema, want)
	if len(missing) == 0 {
		return nil
	}
	update := bigquery.TableMetadataToUpdate{Schema: append(md.Schema, missing...)}
	if _, err := table.Update(ctx, update, md.ETag); err != nil {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to update table schema").
			WithDetail("table", ref.String())
	}
	w.log.Info("table schema updated",
		zap.String("table", ref.String()),
		zap.Int("added_columns", len(missing)))
	return nil
}

func (w *Warehouse) ensureDataset(ctx context.Context, dataset string) error {
	if _, ok := w.datasets.Load(dataset); ok {
		return nil
	}
	ds := w.client.Dataset(dataset)
	if _, err := ds.Metadata(ctx); err != nil {
		if !isNotFound(err) {
			return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to read dataset").
				WithDetail("dataset", dataset)
		}
		err = ds.Create(ctx, &bigquery.DatasetMetadata{Location: w.cfg.Location})
		if err != nil && !isConflict(err) {
			return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to create dataset").
				WithDetail("dataset", dataset)
		}
		w.log.Info("dataset created", zap.String("dataset", dataset))
	}
	w.datasets.Store(dataset, struct{}{})
	return nil
}

// clustering clusters a table on its first clusterable key columns.
func clustering(columns []schema.ColumnDefinition, keys []string) *bigquery.Clustering {
	types := make(map[string]schema.LogicalType, len(columns))
	for _, c := range columns {
		types[c.Name] = c.Type
	}
	var fields []string
	for _, k := range keys {
		switch types[k].Kind {
		case schema.KindString, schema.KindInteger, schema.KindNumeric, schema.KindBoolean, schema.KindTimestamp:
			fields = append(fields, k)
		}
		if len(fields) == maxClusteringFields {
			break
		}
	}
	if len(fields) == 0 {
		return nil
	}
	return &bigquery.Clustering{Fields: fields}
}

type staged struct {
	batch *core.Batch
	ref   core.TableRef
}

func (s *staged) Batch() *core.Batch { return s.batch }
func (s *staged) Name() string       { return s.ref.String() }

// StagingRef returns the staging table of a batch.
func StagingRef(b *core.Batch) core.TableRef {
	dataset := b.StagingDataset
	if dataset == "" {
		dataset = b.Table.Dataset
	}
	return core.TableRef{Project: b.Table.Project, Dataset: dataset, Table: b.Table.Table + "_temp_" + b.ID}
}

// StageRows creates an expiring staging table and loads the batch into it.
func (w *Warehouse) StageRows(ctx context.Context, batch *core.Batch) (core.Staged, error) {
	ref := StagingRef(batch)
	if err := w.ensureDataset(ctx, ref.Dataset); err != nil {
		return nil, err
	}
	st := &staged{batch: batch, ref: ref}

	table := w.table(ref)
	err := table.Create(ctx, &bigquery.TableMetadata{
		Schema:         toBigQuerySchema(batch.Columns),
		ExpirationTime: time.Now().Add(w.cfg.StagingExpiration),
	})
	if err != nil && !isConflict(err) {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to create staging table").
			WithDetail("table", ref.String())
	}

	buf := pool.Buffers.Get()
	defer pool.Buffers.Put(buf)
	if err := EncodeAvro(buf, batch, w.cfg.AvroCodec); err != nil {
		return st, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeData, "failed to encode batch").
			WithDetail("table", ref.String())
	}

	var source bigquery.LoadSource
	if w.storage != nil {
		obj, err := w.upload(ctx, batch, buf.Bytes())
		if err != nil {
			return st, err
		}
		defer func() {
			if err := obj.Delete(context.WithoutCancel(ctx)); err != nil {
				w.log.Warn("failed to delete staged object", zap.String("object", obj.ObjectName()), zap.Error(err))
			}
		}()
		gcs := bigquery.NewGCSReference("gs://" + obj.BucketName() + "/" + obj.ObjectName())
		gcs.SourceFormat = bigquery.Avro
		gcs.AvroOptions = &bigquery.AvroOptions{UseAvroLogicalTypes: true}
		source = gcs
	} else {
		rs := bigquery.NewReaderSource(bytes.NewReader(buf.Bytes()))
		rs.SourceFormat = bigquery.Avro
		rs.AvroOptions = &bigquery.AvroOptions{UseAvroLogicalTypes: true}
		source = rs
	}

	loader := table.LoaderFrom(source)
	loader.WriteDisposition = bigquery.WriteTruncate
	loader.CreateDisposition = bigquery.CreateNever
	loader.Labels = map[string]string{"source": "nebula-target", "type": "staging"}

	job, err := loader.Run(ctx)
	if err != nil {
		return st, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to submit load job").
			WithDetail("table", ref.String())
	}
	status, err := w.wait(ctx, job, ref)
	if err != nil {
		return st, err
	}
	if stats, ok := status.Statistics.Details.(*bigquery.LoadStatistics); ok {
		w.log.Debug("staging load completed",
			zap.String("job_id", job.ID()),
			zap.String("table", ref.String()),
			zap.Int64("input_file_bytes", stats.InputFileBytes),
			zap.Int64("output_rows", stats.OutputRows))
	}
	return st, nil
}

func (w *Warehouse) upload(ctx context.Context, batch *core.Batch, data []byte) (*storage.ObjectHandle, error) {
	name := path.Join(w.cfg.GCSKeyPrefix, batch.Table.Dataset, batch.Table.Table, batch.ID+".avro")
	obj := w.storage.Bucket(w.cfg.GCSBucket).Object(name)

	wr := obj.NewWriter(ctx)
	wr.ContentType = "avro/binary"
	if _, err := wr.Write(data); err != nil {
		wr.Close()
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to upload staged object").
			WithDetail("object", name)
	}
	if err := wr.Close(); err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to upload staged object").
			WithDetail("object", name)
	}
	return obj, nil
}

// CommitStaged runs the merge or append script as one transaction.
func (w *Warehouse) CommitStaged(ctx context.Context, st core.Staged, opts core.CommitOptions) (core.CommitStats, error) {
	s := st.(*staged)
	b := s.batch
	target := w.qualify(b.Table)
	source := w.qualify(s.ref)

	var script string
	if opts.Mode == core.CommitUpsert {
		script = MergeSQL(target, source, b.Columns, b.KeyColumns, opts.HardDelete)
	} else {
		script = AppendSQL(target, source, b.Columns, opts.HardDelete)
	}

	stats := core.CommitStats{Staged: int64(len(b.Rows))}
	job, err := w.run(ctx, script, nil, target)
	if err != nil {
		return stats, err
	}
	dml := w.dmlStats(ctx, job)
	stats.Inserted, stats.Updated, stats.Deleted = dml.InsertedRowCount, dml.UpdatedRowCount, dml.DeletedRowCount
	return stats, nil
}

// DiscardStaged deletes the staging table. A missing table is not an error.
func (w *Warehouse) DiscardStaged(ctx context.Context, st core.Staged) error {
	ref := st.(*staged).ref
	if err := w.table(ref).Delete(ctx); err != nil && !isNotFound(err) {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to drop staging table").
			WithDetail("table", ref.String())
	}
	return nil
}

// ActivateVersion deletes rows older than version.
func (w *Warehouse) ActivateVersion(ctx context.Context, ref core.TableRef, version int64) (int64, error) {
	target := w.qualify(ref)
	params := []bigquery.QueryParameter{{Name: "version", Value: version}}
	job, err := w.run(ctx, ActivateVersionSQL(target), params, target)
	if err != nil {
		return 0, err
	}
	return w.dmlStats(ctx, job).DeletedRowCount, nil
}

func (w *Warehouse) run(ctx context.Context, sql string, params []bigquery.QueryParameter, target core.TableRef) (*bigquery.Job, error) {
	q := w.client.Query(sql)
	q.Parameters = params
	q.Labels = map[string]string{"source": "nebula-target"}

	job, err := q.Run(ctx)
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeQuery, "failed to submit query").
			WithDetail("table", target.String())
	}
	if _, err := w.wait(ctx, job, target); err != nil {
		return nil, err
	}
	return job, nil
}

func (w *Warehouse) wait(ctx context.Context, job *bigquery.Job, ref core.TableRef) (*bigquery.JobStatus, error) {
	status, err := job.Wait(ctx)
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "job failed or was cancelled").
			WithDetail("job_id", job.ID()).
			WithDetail("table", ref.String())
	}
	if err := status.Err(); err != nil {
		for i, jobErr := range status.Errors {
			w.log.Error("job error detail",
				zap.String("job_id", job.ID()),
				zap.Int("error_index", i),
				zap.String("message", jobErr.Message),
				zap.String("reason", jobErr.Reason),
				zap.String("location", jobErr.Location))
		}
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeQuery, "job failed").
			WithDetail("job_id", job.ID()).
			WithDetail("table", ref.String())
	}
	return status, nil
}

// dmlStats sums the DML statistics of a job. Scripts report them on their
// child jobs.
func (w *Warehouse) dmlStats(ctx context.Context, job *bigquery.Job) bigquery.DMLStatistics {
	var total bigquery.DMLStatistics
	add := func(j *bigquery.Job) {
		status := j.LastStatus()
		if status == nil || status.Statistics == nil {
			return
		}
		if qs, ok := status.Statistics.Details.(*bigquery.QueryStatistics); ok && qs.DMLStats != nil {
			total.InsertedRowCount += qs.DMLStats.InsertedRowCount
			total.UpdatedRowCount += qs.DMLStats.UpdatedRowCount
			total.DeletedRowCount += qs.DMLStats.DeletedRowCount
		}
	}

	if status := job.LastStatus(); status != nil && status.Statistics != nil && status.Statistics.NumChildJobs == 0 {
		add(job)
		return total
	}
	it := job.Children(ctx)
	for {
		child, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			w.log.Debug("failed to list child jobs", zap.String("job_id", job.ID()), zap.Error(err))
			break
		}
		add(child)
	}
	return total
}

// Close releases the clients.
func (w *Warehouse) Close() error {
	var errs []error
	if w.storage != nil {
		errs = append(errs, w.storage.Close())
	}
	errs = append(errs, w.client.Close())
	return errors.Join(errs...)
}

func isNotFound(err error) bool {
	return hasCode(err, http.StatusNotFound)
}

func isConflict(err error) bool {
	return hasCode(err, http.StatusConflict)
}

func hasCode(err error, code int) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == code
}
