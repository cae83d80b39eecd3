// Package core defines the capability a warehouse offers to the merge
// executor: describe and alter tables, stage rows into an isolated area, and
// commit staged rows atomically.
package core

import (
	"context"

	"github.com/ajitpratap0/nebula-target/pkg/models"
	"github.com/ajitpratap0/nebula-target/pkg/schema"
)

// TableRef names a warehouse table.
type TableRef struct {
	Project string
	Dataset string
	Table   string
}

func (t TableRef) String() string {
	if t.Project == "" {
		return t.Dataset + "." + t.Table
	}
	return t.Project + "." + t.Dataset + "." + t.Table
}

// CommitMode selects how staged rows reach the target.
type CommitMode string

const (
	// CommitAppend inserts every staged row.
	CommitAppend CommitMode = "append"
	// CommitUpsert replaces rows matching the key columns and inserts the rest.
	CommitUpsert CommitMode = "upsert"
)

// CommitOptions controls one commit.
type CommitOptions struct {
	Mode CommitMode
	// HardDelete removes rows carrying a delete marker at the end of the commit.
	HardDelete bool
}

// CommitStats reports what a commit did. Counts a warehouse cannot observe
// are left at zero.
type CommitStats struct {
	Staged   int64
	Inserted int64
	Updated  int64
	Deleted  int64
}

// Batch is the immutable input of one staging step.
type Batch struct {
	// ID is unique per job and names its staging area.
	ID     string
	Stream string
	Table  TableRef
	// StagingDataset holds the staging table. Empty means Table.Dataset.
	StagingDataset string
	// Columns are the physical columns written, in order.
	Columns []schema.ColumnDefinition
	// KeyColumns are the physical primary key columns.
	KeyColumns []string
	Rows       []models.Record
}

// Staged is a batch written into its staging area.
type Staged interface {
	Batch() *Batch
	// Name identifies the staging area, e.g. a temp table name.
	Name() string
}

// Warehouse is the injected warehouse capability. Implementations must be
// safe for concurrent use by jobs of different streams; jobs of one stream
// never overlap.
type Warehouse interface {
	// DescribeTable returns the physical columns of a table. exists is false
	// when the table does not exist yet.
	DescribeTable(ctx context.Context, ref TableRef) (columns []schema.ColumnDefinition, exists bool, err error)

	// ApplyStructuralChanges creates the table or adds columns. Changes
	// already reflected in the table are skipped, so a retried job is safe.
	ApplyStructuralChanges(ctx context.Context, ref TableRef, changes []schema.StructuralChange) error

	// StageRows writes the batch into a staging area private to the batch.
	StageRows(ctx context.Context, batch *Batch) (Staged, error)

	// CommitStaged moves staged rows into the target in one atomic unit.
	CommitStaged(ctx context.Context, staged Staged, opts CommitOptions) (CommitStats, error)

	// DiscardStaged drops the staging area. It is called after every commit
	// attempt, successful or not.
	DiscardStaged(ctx context.Context, staged Staged) error

	// ActivateVersion removes rows whose table version is NULL or older than
	// version.
	ActivateVersion(ctx context.Context, ref TableRef, version int64) (deleted int64, err error)

	Close() error
}

// Named is implemented by warehouses that report a kind for logs and metrics.
type Named interface {
	Name() string
}
