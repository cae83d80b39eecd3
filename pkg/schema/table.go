package schema

import (
	"regexp"
	"strings"
	"time"
)

var versionPattern = regexp.MustCompile(`^(.+)__(ti|tm|de|st|it|bo|fl|js|arr|sct)([0-9]{8}_[0-9]{4})?(_[0-9]+)?$`)

// TableSchema tracks the physical columns of one table grouped by logical
// field. Each logical name has one active column; the others are its
// superseded versions. Physical names are unique.
//
// A TableSchema is owned by a single goroutine. Use Clone to hand a snapshot
// to another one.
type TableSchema struct {
	columns  []ColumnDefinition
	byName   map[string]int
	active   map[string]string
	declared []string
	exists   bool
}

// NewTableSchema returns the schema of a table that does not exist yet.
func NewTableSchema() *TableSchema {
	return &TableSchema{
		byName: make(map[string]int),
		active: make(map[string]string),
	}
}

// FromPhysical rebuilds a schema from the columns of an existing table. A
// column named X__<suffix>[YYYYmmdd_HHMM][_n] is taken as a version of X when
// a column X exists; the base column starts out active.
func FromPhysical(columns []ColumnDefinition) *TableSchema {
	ts := NewTableSchema()
	ts.exists = true

	names := make(map[string]bool, len(columns))
	for _, c := range columns {
		names[c.Name] = true
	}

	for _, c := range columns {
		c.LogicalName = ""
		c.VersionSuffix = ""
		if m := versionPattern.FindStringSubmatch(c.Name); m != nil && names[m[1]] {
			c.LogicalName = m[1]
			c.VersionSuffix = m[2]
			if m[3] != "" {
				if created, err := time.Parse("20060102_1504", m[3]); err == nil {
					c.CreatedAt = &created
				}
			}
		}
		ts.add(c)
		if !c.IsVersion() {
			ts.active[c.Logical()] = c.Name
		}
	}
	// Versions whose base is itself unknown still need an active column.
	for _, c := range ts.columns {
		if _, ok := ts.active[c.Logical()]; !ok {
			ts.active[c.Logical()] = c.Name
		}
	}
	return ts
}

// Exists reports whether the table is known to exist, or will once the
// changes that produced this schema are applied.
func (ts *TableSchema) Exists() bool {
	return ts.exists
}

// Active returns the active column for a logical name.
func (ts *TableSchema) Active(logical string) (ColumnDefinition, bool) {
	name, ok := ts.active[logical]
	if !ok {
		return ColumnDefinition{}, false
	}
	return ts.columns[ts.byName[name]], true
}

// Column returns the column with the given physical name.
func (ts *TableSchema) Column(name string) (ColumnDefinition, bool) {
	i, ok := ts.byName[name]
	if !ok {
		return ColumnDefinition{}, false
	}
	return ts.columns[i], true
}

// History returns the superseded columns of a logical name in creation order.
func (ts *TableSchema) History(logical string) []ColumnDefinition {
	var out []ColumnDefinition
	for _, c := range ts.columns {
		if c.Logical() == logical && c.Name != ts.active[logical] {
			out = append(out, c)
		}
	}
	return out
}

// Columns returns every physical column in creation order.
func (ts *TableSchema) Columns() []ColumnDefinition {
	out := make([]ColumnDefinition, len(ts.columns))
	copy(out, ts.columns)
	return out
}

// Declared returns the logical names of the most recently reconciled schema.
func (ts *TableSchema) Declared() []string {
	out := make([]string, len(ts.declared))
	copy(out, ts.declared)
	return out
}

// StagedColumns returns the active column of every declared logical name.
// These are the columns a batch writes.
func (ts *TableSchema) StagedColumns() []ColumnDefinition {
	out := make([]ColumnDefinition, 0, len(ts.declared))
	for _, logical := range ts.declared {
		if c, ok := ts.Active(logical); ok {
			out = append(out, c)
		}
	}
	return out
}

// SameStaging reports whether both schemas stage the same physical columns
// with the same types.
func (ts *TableSchema) SameStaging(other *TableSchema) bool {
	a, b := ts.StagedColumns(), other.StagedColumns()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || !a[i].Type.Equal(b[i].Type) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (ts *TableSchema) Clone() *TableSchema {
	c := &TableSchema{
		columns:  make([]ColumnDefinition, len(ts.columns)),
		byName:   make(map[string]int, len(ts.byName)),
		active:   make(map[string]string, len(ts.active)),
		declared: make([]string, len(ts.declared)),
		exists:   ts.exists,
	}
	copy(c.columns, ts.columns)
	copy(c.declared, ts.declared)
	for k, v := range ts.byName {
		c.byName[k] = v
	}
	for k, v := range ts.active {
		c.active[k] = v
	}
	return c
}

func (ts *TableSchema) String() string {
	parts := make([]string, 0, len(ts.columns))
	for _, c := range ts.columns {
		s := c.Name + " " + c.Type.String()
		if ts.active[c.Logical()] == c.Name {
			s += " (active)"
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, ", ")
}

func (ts *TableSchema) add(c ColumnDefinition) {
	ts.byName[c.Name] = len(ts.columns)
	ts.columns = append(ts.columns, c)
}

func (ts *TableSchema) activate(logical, physical string) {
	ts.active[logical] = physical
}
