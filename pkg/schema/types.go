// Package schema holds the target's column model: the closed set of logical
// types, column definitions, table schemas with version history, the mapping
// from JSON-schema properties to columns, record flattening, value coercion,
// and the evolution engine that reconciles observed schemas against tables.
package schema

import (
	"strconv"
	"strings"
	"time"
)

// Kind is a logical column type.
type Kind string

const (
	KindString    Kind = "STRING"
	KindInteger   Kind = "INTEGER"
	KindFloat     Kind = "FLOAT"
	KindNumeric   Kind = "NUMERIC"
	KindBoolean   Kind = "BOOLEAN"
	KindTimestamp Kind = "TIMESTAMP"
	KindTime      Kind = "TIME"
	KindRepeated  Kind = "REPEATED"
	KindRecord    Kind = "RECORD"
	KindJSON      Kind = "JSON"
)

// Numeric precision and scale used for every NUMERIC column.
const (
	NumericPrecision = 38
	NumericScale     = 9
)

// LogicalType is a tagged variant over Kind. Precision and Scale are set for
// NUMERIC, Elem for REPEATED and Fields for RECORD.
type LogicalType struct {
	Kind      Kind               `json:"kind"`
	Precision int                `json:"precision,omitempty"`
	Scale     int                `json:"scale,omitempty"`
	Elem      *LogicalType       `json:"elem,omitempty"`
	Fields    []ColumnDefinition `json:"fields,omitempty"`
}

// Scalar returns a scalar type of kind k.
func Scalar(k Kind) LogicalType {
	if k == KindNumeric {
		return Numeric(NumericPrecision, NumericScale)
	}
	return LogicalType{Kind: k}
}

// Numeric returns NUMERIC(precision, scale).
func Numeric(precision, scale int) LogicalType {
	return LogicalType{Kind: KindNumeric, Precision: precision, Scale: scale}
}

// Repeated returns REPEATED<elem>.
func Repeated(elem LogicalType) LogicalType {
	return LogicalType{Kind: KindRepeated, Elem: &elem}
}

// Record returns RECORD<fields>.
func Record(fields ...ColumnDefinition) LogicalType {
	return LogicalType{Kind: KindRecord, Fields: fields}
}

// IsNested reports whether t is a RECORD or REPEATED type.
func (t LogicalType) IsNested() bool {
	return t.Kind == KindRecord || t.Kind == KindRepeated
}

// Equal compares two types structurally. Field nullability is ignored; field
// names and order are significant.
func (t LogicalType) Equal(o LogicalType) bool {
	if t.Kind != o.Kind {
		return false
	}
	switch t.Kind {
	case KindNumeric:
		return t.Precision == o.Precision && t.Scale == o.Scale
	case KindRepeated:
		if t.Elem == nil || o.Elem == nil {
			return t.Elem == o.Elem
		}
		return t.Elem.Equal(*o.Elem)
	case KindRecord:
		if len(t.Fields) != len(o.Fields) {
			return false
		}
		for i := range t.Fields {
			if t.Fields[i].Name != o.Fields[i].Name || !t.Fields[i].Type.Equal(o.Fields[i].Type) {
				return false
			}
		}
		return true
	default:
		return true
	}
}

func (t LogicalType) String() string {
	switch t.Kind {
	case KindNumeric:
		return "NUMERIC(" + strconv.Itoa(t.Precision) + "," + strconv.Itoa(t.Scale) + ")"
	case KindRepeated:
		if t.Elem == nil {
			return "REPEATED<?>"
		}
		return "REPEATED<" + t.Elem.String() + ">"
	case KindRecord:
		parts := make([]string, len(t.Fields))
		for i, f := range t.Fields {
			parts[i] = f.Name + " " + f.Type.String()
		}
		return "RECORD<" + strings.Join(parts, ", ") + ">"
	default:
		return string(t.Kind)
	}
}

// ColumnDefinition describes one physical column. Once created it is never
// renamed or retyped; a type change produces a new versioned column.
type ColumnDefinition struct {
	// Name is the physical column name, unique within the table.
	Name string `json:"name"`
	// LogicalName is the upstream field the column carries. Empty means Name.
	LogicalName string      `json:"logical_name,omitempty"`
	Type        LogicalType `json:"type"`
	Nullable    bool        `json:"nullable"`
	// VersionSuffix is set on columns created by a type change, e.g. "st".
	VersionSuffix string `json:"version_suffix,omitempty"`
	// CreatedAt is set on RECORD/REPEATED versions.
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// Logical returns the logical field name of the column.
func (c ColumnDefinition) Logical() string {
	if c.LogicalName == "" {
		return c.Name
	}
	return c.LogicalName
}

// IsVersion reports whether the column was created by a type change.
func (c ColumnDefinition) IsVersion() bool {
	return c.VersionSuffix != ""
}

// ChangeKind classifies a StructuralChange.
type ChangeKind string

const (
	// ChangeCreateTable creates the table. The columns follow as AddColumn changes.
	ChangeCreateTable ChangeKind = "create_table"
	// ChangeAddColumn adds one nullable column.
	ChangeAddColumn ChangeKind = "add_column"
)

// StructuralChange is an additive modification of a table.
type StructuralChange struct {
	Kind   ChangeKind       `json:"kind"`
	Column ColumnDefinition `json:"column,omitempty"`
	// KeyColumns lists the primary key columns of a created table.
	KeyColumns []string `json:"key_columns,omitempty"`
	// Supersedes names the physical column a versioned column replaces as active.
	Supersedes string `json:"supersedes,omitempty"`
}

func (c StructuralChange) String() string {
	switch c.Kind {
	case ChangeCreateTable:
		return "create table"
	case ChangeAddColumn:
		s := "add column " + c.Column.Name + " " + c.Column.Type.String()
		if c.Supersedes != "" {
			s += " superseding " + c.Supersedes
		}
		return s
	default:
		return string(c.Kind)
	}
}

// SplitChanges separates a change list into the table creation flag and the
// columns to add, in order.
func SplitChanges(changes []StructuralChange) (create bool, keys []string, add []ColumnDefinition) {
	for _, c := range changes {
		switch c.Kind {
		case ChangeCreateTable:
			create = true
			keys = c.KeyColumns
		case ChangeAddColumn:
			add = append(add, c.Column)
		}
	}
	return create, keys, add
}
