// Package memory is an in-process warehouse. Tables are kept as row slices
// and every commit swaps in a new slice, so a failed commit leaves the table
// exactly as it was. Failures can be injected per step.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-target/pkg/config"
	"github.com/ajitpratap0/nebula-target/pkg/connector/core"
	"github.com/ajitpratap0/nebula-target/pkg/connector/registry"
	"github.com/ajitpratap0/nebula-target/pkg/models"
	"github.com/ajitpratap0/nebula-target/pkg/nebulaerrors"
	"github.com/ajitpratap0/nebula-target/pkg/schema"
)

func init() {
	_ = registry.Register(config.WarehouseMemory, func(_ context.Context, _ *config.TargetConfig, log *zap.Logger) (core.Warehouse, error) {
		return New(log), nil
	})
}

// Step names a warehouse operation for failure injection.
type Step string

const (
	StepDescribe Step = "describe"
	StepApply    Step = "apply"
	StepStage    Step = "stage"
	StepCommit   Step = "commit"
	StepActivate Step = "activate"
)

// Row is one stored row keyed by physical column name.
type Row map[string]interface{}

type table struct {
	columns []schema.ColumnDefinition
	keys    []string
	rows    []Row
}

type staged struct {
	batch *core.Batch
	name  string
}

func (s *staged) Batch() *core.Batch { return s.batch }
func (s *staged) Name() string       { return s.name }

// Warehouse is the in-memory warehouse.
type Warehouse struct {
	mu       sync.Mutex
	tables   map[string]*table
	staging  map[string]*staged
	failures map[Step][]error
	calls    map[Step]int
	log      *zap.Logger
}

var _ core.Warehouse = (*Warehouse)(nil)

// New creates an empty warehouse.
func New(log *zap.Logger) *Warehouse {
	if log == nil {
		log = zap.NewNop()
	}
	return &Warehouse{
		tables:   make(map[string]*table),
		staging:  make(map[string]*staged),
		failures: make(map[Step][]error),
		calls:    make(map[Step]int),
		log:      log,
	}
}

// Name returns "memory".
func (w *Warehouse) Name() string { return config.WarehouseMemory }

// FailNext makes the next call of step return err. Calls queue up.
func (w *Warehouse) FailNext(step Step, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failures[step] = append(w.failures[step], err)
}

// Calls returns how often step was invoked.
func (w *Warehouse) Calls(step Step) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls[step]
}

// StagingAreas returns the number of staging areas not yet discarded.
func (w *Warehouse) StagingAreas() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.staging)
}

// Rows returns a copy of the rows of a table, or nil if it does not exist.
func (w *Warehouse) Rows(ref core.TableRef) []Row {
	w.mu.Lock()
	defer w.mu.Unlock()

	t, ok := w.tables[ref.String()]
	if !ok {
		return nil
	}
	out := make([]Row, len(t.rows))
	for i, r := range t.rows {
		out[i] = r.clone()
	}
	return out
}

// Find returns the row whose column equals value.
func (w *Warehouse) Find(ref core.TableRef, column string, value interface{}) (Row, bool) {
	want := keyString(value)
	for _, r := range w.Rows(ref) {
		if keyString(r[column]) == want {
			return r, true
		}
	}
	return nil, false
}

// Seed creates a table with columns and rows, replacing any existing one.
func (w *Warehouse) Seed(ref core.TableRef, columns []schema.ColumnDefinition, rows ...Row) {
	w.mu.Lock()
	defer w.mu.Unlock()
	cols := make([]schema.ColumnDefinition, len(columns))
	copy(cols, columns)
	w.tables[ref.String()] = &table{columns: cols, rows: rows}
}

// DescribeTable implements core.Warehouse.
func (w *Warehouse) DescribeTable(_ context.Context, ref core.TableRef) ([]schema.ColumnDefinition, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.fail(StepDescribe); err != nil {
		return nil, false, err
	}

	t, ok := w.tables[ref.String()]
	if !ok {
		return nil, false, nil
	}
	cols := make([]schema.ColumnDefinition, len(t.columns))
	copy(cols, t.columns)
	return cols, true, nil
}

// ApplyStructuralChanges implements core.Warehouse.
func (w *Warehouse) ApplyStructuralChanges(_ context.Context, ref core.TableRef, changes []schema.StructuralChange) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.fail(StepApply); err != nil {
		return err
	}

	create, keys, add := schema.SplitChanges(changes)
	t, ok := w.tables[ref.String()]
	if !ok {
		if !create {
			return nebulaerrors.New(nebulaerrors.ErrorTypeNotFound, "table does not exist").WithDetail("table", ref.String())
		}
		t = &table{keys: keys}
	}

	// Build the new column list aside so a rejected change leaves t untouched.
	cols := make([]schema.ColumnDefinition, len(t.columns), len(t.columns)+len(add))
	copy(cols, t.columns)
	has := make(map[string]bool, len(cols))
	for _, c := range cols {
		has[c.Name] = true
	}
	for _, c := range add {
		if has[c.Name] {
			continue
		}
		has[c.Name] = true
		cols = append(cols, c)
	}

	w.tables[ref.String()] = &table{columns: cols, keys: t.keys, rows: t.rows}
	return nil
}

// StageRows implements core.Warehouse.
func (w *Warehouse) StageRows(_ context.Context, batch *core.Batch) (core.Staged, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.fail(StepStage); err != nil {
		return nil, err
	}

	s := &staged{batch: batch, name: batch.Table.Table + "_temp_" + batch.ID}
	if _, taken := w.staging[s.name]; taken {
		return nil, nebulaerrors.New(nebulaerrors.ErrorTypeInternal, "staging area reused").WithDetail("staging", s.name)
	}
	w.staging[s.name] = s
	return s, nil
}

// CommitStaged implements core.Warehouse.
func (w *Warehouse) CommitStaged(_ context.Context, st core.Staged, opts core.CommitOptions) (core.CommitStats, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	s, ok := w.staging[st.Name()]
	if !ok {
		return core.CommitStats{}, nebulaerrors.New(nebulaerrors.ErrorTypeNotFound, "staging area not found").WithDetail("staging", st.Name())
	}
	batch := s.batch
	t, ok := w.tables[batch.Table.String()]
	if !ok {
		return core.CommitStats{}, nebulaerrors.New(nebulaerrors.ErrorTypeNotFound, "table does not exist").WithDetail("table", batch.Table.String())
	}

	stats := core.CommitStats{Staged: int64(len(batch.Rows))}
	rows := make([]Row, len(t.rows), len(t.rows)+len(batch.Rows))
	copy(rows, t.rows)

	switch opts.Mode {
	case core.CommitUpsert:
		index := make(map[string]int, len(rows))
		for i, r := range rows {
			if k, ok := rowKey(r, batch.KeyColumns); ok {
				index[k] = i
			}
		}
		for _, rec := range batch.Rows {
			k, keyed := recordKey(rec, batch.KeyColumns)
			if i, found := index[k]; keyed && found {
				// Only staged columns are replaced.
				r := rows[i].clone()
				for _, c := range batch.Columns {
					r[c.Name] = rec.Get(c.Name)
				}
				rows[i] = r
				stats.Updated++
				continue
			}
			rows = append(rows, newRow(rec, batch.Columns))
			if keyed {
				index[k] = len(rows) - 1
			}
			stats.Inserted++
		}
	default:
		for _, rec := range batch.Rows {
			rows = append(rows, newRow(rec, batch.Columns))
		}
		stats.Inserted = int64(len(batch.Rows))
	}

	if opts.HardDelete {
		kept := rows[:0:0]
		for _, r := range rows {
			if (models.Record{Values: r}).Deleted() {
				stats.Deleted++
				continue
			}
			kept = append(kept, r)
		}
		rows = kept
	}

	// Fail after the work is done so injected failures prove nothing leaks.
	if err := w.fail(StepCommit); err != nil {
		return core.CommitStats{}, err
	}
	w.tables[batch.Table.String()] = &table{columns: t.columns, keys: t.keys, rows: rows}
	return stats, nil
}

// DiscardStaged implements core.Warehouse.
func (w *Warehouse) DiscardStaged(_ context.Context, st core.Staged) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.staging, st.Name())
	return nil
}

// ActivateVersion implements core.Warehouse.
func (w *Warehouse) ActivateVersion(_ context.Context, ref core.TableRef, version int64) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.fail(StepActivate); err != nil {
		return 0, err
	}

	t, ok := w.tables[ref.String()]
	if !ok {
		return 0, nil
	}
	var deleted int64
	kept := make([]Row, 0, len(t.rows))
	for _, r := range t.rows {
		v, isInt := r[models.ColumnTableVersion].(int64)
		if !isInt || v < version {
			deleted++
			continue
		}
		kept = append(kept, r)
	}
	w.tables[ref.String()] = &table{columns: t.columns, keys: t.keys, rows: kept}
	return deleted, nil
}

// Close implements core.Warehouse.
func (w *Warehouse) Close() error {
	return nil
}

// fail pops an injected failure for step. Callers hold w.mu.
func (w *Warehouse) fail(step Step) error {
	w.calls[step]++
	queue := w.failures[step]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	w.failures[step] = queue[1:]
	w.log.Debug("injected failure", zap.String("step", string(step)), zap.Error(err))
	return err
}

func newRow(rec models.Record, columns []schema.ColumnDefinition) Row {
	r := make(Row, len(columns))
	for _, c := range columns {
		r[c.Name] = rec.Get(c.Name)
	}
	return r
}

func (r Row) clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// rowKey and recordKey build comparable key strings. A NULL key part never
// matches, as in SQL.
func rowKey(r Row, keys []string) (string, bool) {
	return joinKey(len(keys), func(i int) interface{} { return r[keys[i]] })
}

func recordKey(rec models.Record, keys []string) (string, bool) {
	return joinKey(len(keys), func(i int) interface{} { return rec.Get(keys[i]) })
}

func joinKey(n int, value func(int) interface{}) (string, bool) {
	if n == 0 {
		return "", false
	}
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		v := value(i)
		if v == nil {
			return "", false
		}
		parts[i] = keyString(v)
	}
	return strings.Join(parts, "\x00"), true
}

func keyString(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return "\x00null"
	case decimal.Decimal:
		return x.String()
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(x)
	}
}
