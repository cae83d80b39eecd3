package sqlite

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/nebula-target/pkg/json"
	"github.com/ajitpratap0/nebula-target/pkg/schema"
)

// TimestampLayout stores timestamps as fixed-width UTC text, which sorts
// chronologically.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// columnType returns the SQLite column type for t. NUMERIC is stored as
// text so no precision is lost.
func columnType(t schema.LogicalType) string {
	switch t.Kind {
	case schema.KindInteger, schema.KindBoolean:
		return "INTEGER"
	case schema.KindFloat:
		return "REAL"
	default:
		return "TEXT"
	}
}

func columnList(columns []schema.ColumnDefinition, prefix string) string {
	parts := make([]string, len(columns))
	for i, c := range columns {
		parts[i] = prefix + quote(c.Name)
	}
	return strings.Join(parts, ", ")
}

func createTableSQL(name string, columns []schema.ColumnDefinition) string {
	defs := make([]string, len(columns))
	for i, c := range columns {
		defs[i] = quote(c.Name) + " " + columnType(c.Type)
	}
	return "CREATE TABLE " + quote(name) + " (" + strings.Join(defs, ", ") + ")"
}

func insertSQL(name string, columns []schema.ColumnDefinition) string {
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	return "INSERT INTO " + quote(name) + " (" + columnList(columns, "") + ") VALUES (" + marks + ")"
}

func appendSQL(target, staging string, columns []schema.ColumnDefinition) string {
	cols := columnList(columns, "")
	return "INSERT INTO " + quote(target) + " (" + cols + ") SELECT " + cols + " FROM " + quote(staging)
}

func keyMatch(left, right string, keys []string) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = left + "." + quote(k) + " = " + right + "." + quote(k)
	}
	return strings.Join(parts, " AND ")
}

// updateFromSQL replaces the staged columns of rows matching a staged key.
// Columns not in the batch keep their values.
func updateFromSQL(target, staging string, columns []schema.ColumnDefinition, keys []string) string {
	sets := make([]string, len(columns))
	for i, c := range columns {
		sets[i] = quote(c.Name) + " = s." + quote(c.Name)
	}
	return "UPDATE " + quote(target) + " SET " + strings.Join(sets, ", ") +
		" FROM " + quote(staging) + " AS s WHERE " + keyMatch(quote(target), "s", keys)
}

// insertMissingSQL inserts staged rows with no matching key in the target.
func insertMissingSQL(target, staging string, columns []schema.ColumnDefinition, keys []string) string {
	return "INSERT INTO " + quote(target) + " (" + columnList(columns, "") + ") SELECT " + columnList(columns, "s.") +
		" FROM " + quote(staging) + " AS s WHERE NOT EXISTS (SELECT 1 FROM " + quote(target) + " AS t WHERE " +
		keyMatch("t", "s", keys) + ")"
}

// encodeValue converts a coerced value into a SQLite driver value.
func encodeValue(t schema.LogicalType, v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	switch x := v.(type) {
	case decimal.Decimal:
		return x.String(), nil
	case bool:
		if x {
			return int64(1), nil
		}
		return int64(0), nil
	case time.Time:
		return x.UTC().Format(TimestampLayout), nil
	case time.Duration:
		return formatTime(x), nil
	case string, int64, float64:
		return x, nil
	}

	if t.IsNested() {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}
	return nil, fmt.Errorf("unsupported %s value of type %T", t.Kind, v)
}

func formatTime(d time.Duration) string {
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	d -= s * time.Second
	return fmt.Sprintf("%02d:%02d:%02d.%06d", h, m, s, d/time.Microsecond)
}
