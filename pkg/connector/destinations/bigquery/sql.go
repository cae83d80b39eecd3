package bigquery

import (
	"strings"

	"github.com/ajitpratap0/nebula-target/pkg/connector/core"
	"github.com/ajitpratap0/nebula-target/pkg/models"
	"github.com/ajitpratap0/nebula-target/pkg/schema"
)

func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "") + "`"
}

func quoteTable(ref core.TableRef) string {
	return quoteIdent(ref.String())
}

func columnList(columns []schema.ColumnDefinition, prefix string) string {
	parts := make([]string, len(columns))
	for i, c := range columns {
		parts[i] = prefix + quoteIdent(c.Name)
	}
	return strings.Join(parts, ", ")
}

func deleteMarkedSQL(target core.TableRef) string {
	return "DELETE FROM " + quoteTable(target) + " WHERE " + quoteIdent(models.ColumnDeletedAt) + " IS NOT NULL;\n"
}

// MergeSQL returns the script that upserts the staging table into target by
// key. Staged columns of matching rows are replaced, other columns are left
// alone, and unmatched rows are inserted. With hardDelete the script also
// removes rows carrying a delete marker.
func MergeSQL(target, staging core.TableRef, columns []schema.ColumnDefinition, keys []string, hardDelete bool) string {
	on := make([]string, len(keys))
	for i, k := range keys {
		on[i] = "t." + quoteIdent(k) + " = s." + quoteIdent(k)
	}
	sets := make([]string, len(columns))
	for i, c := range columns {
		sets[i] = quoteIdent(c.Name) + " = s." + quoteIdent(c.Name)
	}

	var b strings.Builder
	b.WriteString("BEGIN TRANSACTION;\n")
	b.WriteString("MERGE " + quoteTable(target) + " AS t\n")
	b.WriteString("USING " + quoteTable(staging) + " AS s\n")
	b.WriteString("ON " + strings.Join(on, " AND ") + "\n")
	b.WriteString("WHEN MATCHED THEN\n")
	b.WriteString("  UPDATE SET " + strings.Join(sets, ", ") + "\n")
	b.WriteString("WHEN NOT MATCHED THEN\n")
	b.WriteString("  INSERT (" + columnList(columns, "") + ")\n")
	b.WriteString("  VALUES (" + columnList(columns, "s.") + ");\n")
	if hardDelete {
		b.WriteString(deleteMarkedSQL(target))
	}
	b.WriteString("COMMIT TRANSACTION;\n")
	return b.String()
}

// AppendSQL returns the script that inserts every staged row into target.
func AppendSQL(target, staging core.TableRef, columns []schema.ColumnDefinition, hardDelete bool) string {
	var b strings.Builder
	b.WriteString("BEGIN TRANSACTION;\n")
	b.WriteString("INSERT INTO " + quoteTable(target) + " (" + columnList(columns, "") + ")\n")
	b.WriteString("SELECT " + columnList(columns, "") + " FROM " + quoteTable(staging) + ";\n")
	if hardDelete {
		b.WriteString(deleteMarkedSQL(target))
	}
	b.WriteString("COMMIT TRANSACTION;\n")
	return b.String()
}

// ActivateVersionSQL returns the statement that removes rows older than the
// @version parameter.
func ActivateVersionSQL(target core.TableRef) string {
	col := quoteIdent(models.ColumnTableVersion)
	return "DELETE FROM " + quoteTable(target) + " WHERE " + col + " IS NULL OR " + col + " < @version;\n"
}
