package loader

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/nebula-target/pkg/connector/core"
	"github.com/ajitpratap0/nebula-target/pkg/connector/destinations/memory"
	"github.com/ajitpratap0/nebula-target/pkg/models"
	"github.com/ajitpratap0/nebula-target/pkg/nebulaerrors"
	"github.com/ajitpratap0/nebula-target/pkg/schema"
)

var usersRef = core.TableRef{Dataset: "analytics", Table: "users"}

func col(name string, k schema.Kind) schema.ColumnDefinition {
	return schema.ColumnDefinition{Name: name, Type: schema.Scalar(k), Nullable: true}
}

var userColumns = []schema.ColumnDefinition{
	col("id", schema.KindInteger),
	col("name", schema.KindString),
	col(models.ColumnDeletedAt, schema.KindTimestamp),
}

func createChanges(columns []schema.ColumnDefinition, keys ...string) []schema.StructuralChange {
	changes := []schema.StructuralChange{{Kind: schema.ChangeCreateTable, KeyColumns: keys}}
	for _, c := range columns {
		changes = append(changes, schema.StructuralChange{Kind: schema.ChangeAddColumn, Column: c})
	}
	return changes
}

func user(id int64, name string) models.Record {
	return models.NewRecord(fmt.Sprint(id), map[string]interface{}{"id": id, "name": name})
}

var jobSeq int

func userJob(rows ...models.Record) *Job {
	jobSeq++
	return &Job{
		ID:         fmt.Sprintf("job%d", jobSeq),
		Stream:     "users",
		Table:      usersRef,
		Columns:    userColumns,
		KeyColumns: []string{"id"},
		Rows:       rows,
	}
}

func setup(t *testing.T) (*memory.Warehouse, *MergeExecutor) {
	t.Helper()
	log := zaptest.NewLogger(t)
	wh := memory.New(log)
	m := NewMergeExecutor(wh, log)
	job := userJob()
	job.Changes = createChanges(userColumns, "id")
	_, err := m.Commit(context.Background(), job)
	require.NoError(t, err)
	return wh, m
}

func TestCommit_SchemaOnlyJobCreatesTable(t *testing.T) {
	wh, _ := setup(t)
	cols, exists, err := wh.DescribeTable(context.Background(), usersRef)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Len(t, cols, len(userColumns))
	assert.Equal(t, 0, wh.Calls(memory.StepStage))
}

func TestCommit_Upsert(t *testing.T) {
	wh, m := setup(t)
	ctx := context.Background()

	res, err := m.Commit(ctx, userJob(user(1, "a"), user(2, "b")))
	require.NoError(t, err)
	assert.Equal(t, string(core.CommitUpsert), res.Mode)
	assert.Equal(t, int64(2), res.Stats.Inserted)

	res, err = m.Commit(ctx, userJob(user(2, "b2"), user(3, "c")))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Stats.Updated)
	assert.Equal(t, int64(1), res.Stats.Inserted)

	rows := wh.Rows(usersRef)
	require.Len(t, rows, 3)
	r, ok := wh.Find(usersRef, "id", int64(2))
	require.True(t, ok)
	assert.Equal(t, "b2", r["name"])
	assert.Equal(t, 0, wh.StagingAreas())
}

func TestCommit_UpsertLeavesUnstagedColumns(t *testing.T) {
	log := zaptest.NewLogger(t)
	wh := memory.New(log)
	wh.Seed(usersRef, append([]schema.ColumnDefinition{col("legacy", schema.KindString)}, userColumns...),
		memory.Row{"id": int64(1), "name": "old", "legacy": "keep"})

	m := NewMergeExecutor(wh, log)
	_, err := m.Commit(context.Background(), userJob(user(1, "new")))
	require.NoError(t, err)

	r, ok := wh.Find(usersRef, "id", int64(1))
	require.True(t, ok)
	assert.Equal(t, "new", r["name"])
	assert.Equal(t, "keep", r["legacy"])
}

func TestCommit_AppendModes(t *testing.T) {
	t.Run("no keys", func(t *testing.T) {
		wh, m := setup(t)
		job := userJob(user(1, "a"))
		job.KeyColumns = nil
		for i := 0; i < 2; i++ {
			res, err := m.Commit(context.Background(), job)
			require.NoError(t, err)
			assert.Equal(t, string(core.CommitAppend), res.Mode)
		}
		assert.Len(t, wh.Rows(usersRef), 2)
	})

	t.Run("merge disabled", func(t *testing.T) {
		wh, _ := setup(t)
		m := NewMergeExecutor(wh, zaptest.NewLogger(t), WithMergeDisabled(true))
		job := userJob(user(1, "a"))
		assert.Equal(t, core.CommitAppend, m.Mode(job))
		_, err := m.Commit(context.Background(), job)
		require.NoError(t, err)
		_, err = m.Commit(context.Background(), userJob(user(1, "a")))
		require.NoError(t, err)
		assert.Len(t, wh.Rows(usersRef), 2)
	})
}

func TestCommit_HardDelete(t *testing.T) {
	wh, m := setup(t)
	ctx := context.Background()

	_, err := m.Commit(ctx, userJob(user(7, "seven"), user(8, "eight")))
	require.NoError(t, err)

	deleted := models.NewRecord("7", map[string]interface{}{
		"id":                   int64(7),
		models.ColumnDeletedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	neverSeen := models.NewRecord("9", map[string]interface{}{
		"id":                   int64(9),
		models.ColumnDeletedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	job := userJob(deleted, neverSeen)
	job.HardDelete = true
	res, err := m.Commit(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Stats.Deleted)

	_, ok := wh.Find(usersRef, "id", int64(7))
	assert.False(t, ok)
	_, ok = wh.Find(usersRef, "id", int64(9))
	assert.False(t, ok)
	_, ok = wh.Find(usersRef, "id", int64(8))
	assert.True(t, ok)
}

func TestCommit_FailuresAreAtomicLoadErrors(t *testing.T) {
	boom := errors.New("boom")

	for _, step := range []memory.Step{memory.StepApply, memory.StepStage, memory.StepCommit} {
		t.Run(string(step), func(t *testing.T) {
			wh, m := setup(t)
			ctx := context.Background()
			_, err := m.Commit(ctx, userJob(user(1, "a")))
			require.NoError(t, err)
			before := wh.Rows(usersRef)

			wh.FailNext(step, boom)
			job := userJob(user(1, "changed"), user(2, "b"))
			job.Changes = []schema.StructuralChange{{Kind: schema.ChangeAddColumn, Column: col("extra", schema.KindString)}}
			_, err = m.Commit(ctx, job)
			require.Error(t, err)
			assert.True(t, nebulaerrors.IsType(err, nebulaerrors.ErrorTypeLoad))
			assert.ErrorIs(t, err, boom)

			assert.Equal(t, before, wh.Rows(usersRef))
			assert.Equal(t, 0, wh.StagingAreas())
		})
	}

	t.Run("apply failure stages nothing", func(t *testing.T) {
		wh, m := setup(t)
		staged := wh.Calls(memory.StepStage)
		wh.FailNext(memory.StepApply, boom)
		job := userJob(user(1, "a"))
		job.Changes = []schema.StructuralChange{{Kind: schema.ChangeAddColumn, Column: col("extra", schema.KindString)}}
		_, err := m.Commit(context.Background(), job)
		require.Error(t, err)
		assert.Equal(t, staged, wh.Calls(memory.StepStage))
	})
}

func TestCommit_ActivateVersion(t *testing.T) {
	log := zaptest.NewLogger(t)
	wh := memory.New(log)
	columns := append([]schema.ColumnDefinition{col(models.ColumnTableVersion, schema.KindInteger)}, userColumns...)
	wh.Seed(usersRef, columns,
		memory.Row{"id": int64(1), models.ColumnTableVersion: int64(1)},
		memory.Row{"id": int64(2), models.ColumnTableVersion: int64(2)},
		memory.Row{"id": int64(3)},
	)

	m := NewMergeExecutor(wh, log)
	version := int64(2)
	job := userJob(user(9, "ignored"))
	job.ActivateVersion = &version
	res, err := m.Commit(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, ModeVersion, res.Mode)
	assert.Equal(t, int64(2), res.Stats.Deleted)

	rows := wh.Rows(usersRef)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(2), rows[0]["id"])
}

func TestCommit_IdempotentUpsert(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("committing a batch twice equals committing it once", prop.ForAll(
		func(ids []int64) bool {
			// Batches reaching the executor carry unique keys with the last write kept.
			seen := make(map[int64]bool)
			var rows []models.Record
			for i := len(ids) - 1; i >= 0; i-- {
				if seen[ids[i]] {
					continue
				}
				seen[ids[i]] = true
				rows = append(rows, user(ids[i], fmt.Sprintf("v%d", i)))
			}

			once, m1 := setup(t)
			twice, m2 := setup(t)
			ctx := context.Background()
			if _, err := m1.Commit(ctx, userJob(rows...)); err != nil {
				return false
			}
			for i := 0; i < 2; i++ {
				if _, err := m2.Commit(ctx, userJob(rows...)); err != nil {
					return false
				}
			}
			return reflect.DeepEqual(once.Rows(usersRef), twice.Rows(usersRef))
		},
		gen.SliceOf(gen.Int64Range(1, 20)),
	))

	properties.TestingRun(t)
}

// halfStagedWarehouse creates the staging area and then fails, as a remote
// load can after its staging table exists.
type halfStagedWarehouse struct {
	*memory.Warehouse
	err error
}

func (h *halfStagedWarehouse) StageRows(ctx context.Context, batch *core.Batch) (core.Staged, error) {
	st, err := h.Warehouse.StageRows(ctx, batch)
	if err != nil {
		return nil, err
	}
	return st, h.err
}

func TestCommit_DiscardsStagingAreaWhenStagingFailsLate(t *testing.T) {
	mem, _ := setup(t)
	boom := errors.New("load job failed")
	m := NewMergeExecutor(&halfStagedWarehouse{Warehouse: mem, err: boom}, zaptest.NewLogger(t))

	_, err := m.Commit(context.Background(), userJob(user(1, "a")))
	require.Error(t, err)
	assert.True(t, nebulaerrors.IsType(err, nebulaerrors.ErrorTypeLoad))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, mem.StagingAreas())
	assert.Empty(t, mem.Rows(usersRef))
}
