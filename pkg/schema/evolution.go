package schema

import (
	"strconv"
	"time"

	"github.com/ajitpratap0/nebula-target/pkg/nebulaerrors"
)

// typeSuffixes name the versioned column created when a field changes type.
var typeSuffixes = map[Kind]string{
	KindTimestamp: "ti",
	KindTime:      "tm",
	KindNumeric:   "de",
	KindString:    "st",
	KindInteger:   "it",
	KindBoolean:   "bo",
	KindFloat:     "fl",
	KindJSON:      "js",
	KindRepeated:  "arr",
	KindRecord:    "sct",
}

// TypeSuffix returns the version suffix for a type.
func TypeSuffix(t LogicalType) string {
	return typeSuffixes[t.Kind]
}

// EvolutionEngine reconciles observed schemas against table schemas without
// ever renaming or retyping a physical column.
type EvolutionEngine struct {
	now func() time.Time
}

// EvolutionOption configures an EvolutionEngine.
type EvolutionOption func(*EvolutionEngine)

// WithClock sets the clock used to stamp RECORD/REPEATED versions.
func WithClock(now func() time.Time) EvolutionOption {
	return func(e *EvolutionEngine) {
		e.now = now
	}
}

// NewEvolutionEngine creates an engine.
func NewEvolutionEngine(opts ...EvolutionOption) *EvolutionEngine {
	e := &EvolutionEngine{now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Reconcile diffs observed columns against current and returns the updated
// schema plus the structural changes needed to get there. current is not
// modified.
//
// A field absent from the table is added. A field whose type changed gets a
// new column {logical}__{suffix} (with a creation time for nested types) that
// becomes active while the old column stays in history. An existing column of
// the field with the observed type is reactivated instead of creating another,
// so reconciling the result again yields no changes.
func (e *EvolutionEngine) Reconcile(current *TableSchema, observed []ColumnDefinition) (*TableSchema, []StructuralChange, error) {
	next := current.Clone()
	next.declared = next.declared[:0]

	var changes []StructuralChange
	if !next.exists {
		changes = append(changes, StructuralChange{Kind: ChangeCreateTable})
		next.exists = true
	}

	seen := make(map[string]bool, len(observed))
	for _, obs := range observed {
		logical := obs.Logical()
		if seen[logical] {
			return nil, nil, nebulaerrors.New(nebulaerrors.ErrorTypeSchemaConflict, "field declared twice").
				WithDetail("field", logical)
		}
		seen[logical] = true
		next.declared = append(next.declared, logical)

		active, ok := next.Active(logical)
		if !ok {
			if owner, taken := next.Column(logical); taken {
				return nil, nil, nebulaerrors.New(nebulaerrors.ErrorTypeSchemaConflict, "column name already used by another field").
					WithDetail("field", logical).
					WithDetail("owner", owner.Logical())
			}
			col := ColumnDefinition{Name: logical, Type: obs.Type, Nullable: obs.Nullable}
			next.add(col)
			next.activate(logical, col.Name)
			changes = append(changes, StructuralChange{Kind: ChangeAddColumn, Column: col})
			continue
		}

		if active.Type.Equal(obs.Type) {
			continue
		}

		if existing, found := next.findVersion(logical, obs.Type); found {
			next.activate(logical, existing.Name)
			continue
		}

		col := e.versionColumn(next, active, obs)
		next.add(col)
		next.activate(logical, col.Name)
		changes = append(changes, StructuralChange{Kind: ChangeAddColumn, Column: col, Supersedes: active.Name})
	}

	return next, changes, nil
}

func (e *EvolutionEngine) versionColumn(ts *TableSchema, active, obs ColumnDefinition) ColumnDefinition {
	logical := active.Logical()
	suffix := TypeSuffix(obs.Type)
	col := ColumnDefinition{
		LogicalName:   logical,
		Type:          obs.Type,
		Nullable:      true,
		VersionSuffix: suffix,
	}

	base := logical + "__" + suffix
	if obs.Type.IsNested() || active.Type.IsNested() {
		created := e.now().UTC().Truncate(time.Minute)
		col.CreatedAt = &created
		base += created.Format("20060102_1504")
	}

	col.Name = base
	for n := 2; ; n++ {
		if _, taken := ts.Column(col.Name); !taken {
			break
		}
		col.Name = base + "_" + strconv.Itoa(n)
	}
	return col
}

// findVersion returns a column of logical whose type equals t, preferring the
// oldest.
func (ts *TableSchema) findVersion(logical string, t LogicalType) (ColumnDefinition, bool) {
	for _, c := range ts.columns {
		if c.Logical() == logical && c.Type.Equal(t) {
			return c, true
		}
	}
	return ColumnDefinition{}, false
}
