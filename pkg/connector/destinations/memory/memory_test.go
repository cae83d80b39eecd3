package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/nebula-target/pkg/connector/core"
	"github.com/ajitpratap0/nebula-target/pkg/models"
	"github.com/ajitpratap0/nebula-target/pkg/schema"
)

var ref = core.TableRef{Dataset: "analytics", Table: "users"}

var columns = []schema.ColumnDefinition{
	{Name: "id", Type: schema.Scalar(schema.KindInteger), Nullable: true},
	{Name: "name", Type: schema.Scalar(schema.KindString), Nullable: true},
	{Name: models.ColumnDeletedAt, Type: schema.Scalar(schema.KindTimestamp), Nullable: true},
}

func create(t *testing.T) *Warehouse {
	t.Helper()
	w := New(zaptest.NewLogger(t))
	changes := []schema.StructuralChange{{Kind: schema.ChangeCreateTable, KeyColumns: []string{"id"}}}
	for _, c := range columns {
		changes = append(changes, schema.StructuralChange{Kind: schema.ChangeAddColumn, Column: c})
	}
	require.NoError(t, w.ApplyStructuralChanges(context.Background(), ref, changes))
	return w
}

func commit(t *testing.T, w *Warehouse, id string, mode core.CommitMode, rows ...models.Record) (core.CommitStats, error) {
	t.Helper()
	ctx := context.Background()
	st, err := w.StageRows(ctx, &core.Batch{ID: id, Table: ref, Columns: columns[:2], KeyColumns: []string{"id"}, Rows: rows})
	require.NoError(t, err)
	defer func() { require.NoError(t, w.DiscardStaged(ctx, st)) }()
	return w.CommitStaged(ctx, st, core.CommitOptions{Mode: mode})
}

func row(id int64, name string) models.Record {
	return models.NewRecord("", map[string]interface{}{"id": id, "name": name})
}

func TestUpsert(t *testing.T) {
	w := create(t)
	stats, err := commit(t, w, "a", core.CommitUpsert, row(1, "ada"), row(2, "bob"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Inserted)

	stats, err = commit(t, w, "b", core.CommitUpsert, row(1, "ada l"), row(3, "cy"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Updated)
	assert.Equal(t, int64(1), stats.Inserted)

	r, ok := w.Find(ref, "id", int64(1))
	require.True(t, ok)
	assert.Equal(t, "ada l", r["name"])
	assert.Len(t, w.Rows(ref), 3)
	assert.Equal(t, 0, w.StagingAreas())
}

func TestNullKeyNeverMatches(t *testing.T) {
	w := create(t)
	nullKey := models.NewRecord("", map[string]interface{}{"id": nil, "name": "x"})
	_, err := commit(t, w, "a", core.CommitUpsert, nullKey)
	require.NoError(t, err)
	_, err = commit(t, w, "b", core.CommitUpsert, nullKey)
	require.NoError(t, err)
	assert.Len(t, w.Rows(ref), 2)
}

func TestInjectedFailureLeavesTableUntouched(t *testing.T) {
	w := create(t)
	boom := errors.New("boom")
	w.FailNext(StepCommit, boom)

	_, err := commit(t, w, "a", core.CommitAppend, row(1, "ada"))
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, w.Rows(ref))
	assert.Equal(t, 1, w.Calls(StepCommit))

	_, err = commit(t, w, "b", core.CommitAppend, row(1, "ada"))
	require.NoError(t, err)
	assert.Len(t, w.Rows(ref), 1)
}

func TestApplyWithoutCreateOnMissingTable(t *testing.T) {
	w := New(zaptest.NewLogger(t))
	err := w.ApplyStructuralChanges(context.Background(), ref, []schema.StructuralChange{
		{Kind: schema.ChangeAddColumn, Column: columns[0]},
	})
	require.Error(t, err)

	_, exists, err := w.DescribeTable(context.Background(), ref)
	require.NoError(t, err)
	assert.False(t, exists)
}
