// Package sqlite is a local warehouse on SQLite. Datasets become table name
// prefixes, logical column types are kept in a catalog table, and every
// commit runs in one transaction.
package sqlite

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-target/pkg/config"
	"github.com/ajitpratap0/nebula-target/pkg/connector/core"
	"github.com/ajitpratap0/nebula-target/pkg/connector/registry"
	"github.com/ajitpratap0/nebula-target/pkg/json"
	"github.com/ajitpratap0/nebula-target/pkg/models"
	"github.com/ajitpratap0/nebula-target/pkg/nebulaerrors"
	"github.com/ajitpratap0/nebula-target/pkg/schema"
)

func init() {
	_ = registry.Register(config.WarehouseSQLite, func(ctx context.Context, cfg *config.TargetConfig, log *zap.Logger) (core.Warehouse, error) {
		return Open(ctx, cfg.SQLitePath, log)
	})
}

const catalogDDL = `
CREATE TABLE IF NOT EXISTS _nebula_tables (
	table_name  TEXT PRIMARY KEY,
	key_columns TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS _nebula_columns (
	table_name   TEXT NOT NULL,
	column_name  TEXT NOT NULL,
	ordinal      INTEGER NOT NULL,
	definition   TEXT NOT NULL,
	PRIMARY KEY (table_name, column_name)
);`

// Warehouse is the SQLite warehouse.
type Warehouse struct {
	db  *sql.DB
	log *zap.Logger
}

var _ core.Warehouse = (*Warehouse)(nil)

// Open opens or creates the database at path.
func Open(ctx context.Context, path string, log *zap.Logger) (*Warehouse, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to open database").WithDetail("path", path)
	}
	// Single writer; jobs of different streams queue on the connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, catalogDDL); err != nil {
		db.Close()
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to create catalog").WithDetail("path", path)
	}
	log.Info("sqlite warehouse opened", zap.String("path", path))
	return &Warehouse{db: db, log: log}, nil
}

// Name returns "sqlite".
func (w *Warehouse) Name() string { return config.WarehouseSQLite }

// DB exposes the database for inspection.
func (w *Warehouse) DB() *sql.DB { return w.db }

// TableName returns the SQLite table holding ref.
func TableName(ref core.TableRef) string {
	return ref.Dataset + "__" + ref.Table
}

func stagingName(b *core.Batch) string {
	dataset := b.StagingDataset
	if dataset == "" {
		dataset = b.Table.Dataset
	}
	return dataset + "__" + b.Table.Table + "_temp_" + b.ID
}

// DescribeTable implements core.Warehouse.
func (w *Warehouse) DescribeTable(ctx context.Context, ref core.TableRef) ([]schema.ColumnDefinition, bool, error) {
	return describe(ctx, w.db, TableName(ref))
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func describe(ctx context.Context, q querier, name string) ([]schema.ColumnDefinition, bool, error) {
	var keys string
	err := q.QueryRowContext(ctx, `SELECT key_columns FROM _nebula_tables WHERE table_name = ?`, name).Scan(&keys)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeQuery, "failed to describe table").WithDetail("table", name)
	}

	rows, err := q.QueryContext(ctx, `SELECT definition FROM _nebula_columns WHERE table_name = ? ORDER BY ordinal`, name)
	if err != nil {
		return nil, false, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeQuery, "failed to describe table").WithDetail("table", name)
	}
	defer rows.Close()

	var columns []schema.ColumnDefinition
	for rows.Next() {
		var def string
		if err := rows.Scan(&def); err != nil {
			return nil, false, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeQuery, "failed to read column").WithDetail("table", name)
		}
		var c schema.ColumnDefinition
		if err := json.Unmarshal([]byte(def), &c); err != nil {
			return nil, false, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeData, "corrupt column definition").WithDetail("table", name)
		}
		// Version bookkeeping is rebuilt from names; only the physical shape is stored.
		columns = append(columns, schema.ColumnDefinition{Name: c.Name, Type: c.Type, Nullable: c.Nullable})
	}
	if err := rows.Err(); err != nil {
		return nil, false, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeQuery, "failed to describe table").WithDetail("table", name)
	}
	return columns, true, nil
}

// ApplyStructuralChanges implements core.Warehouse.
func (w *Warehouse) ApplyStructuralChanges(ctx context.Context, ref core.TableRef, changes []schema.StructuralChange) error {
	name := TableName(ref)
	create, keys, add := schema.SplitChanges(changes)

	return w.inTx(ctx, func(tx *sql.Tx) error {
		existing, exists, err := describe(ctx, tx, name)
		if err != nil {
			return err
		}
		has := make(map[string]bool, len(existing))
		for _, c := range existing {
			has[c.Name] = true
		}

		var pending []schema.ColumnDefinition
		for _, c := range add {
			if !has[c.Name] {
				has[c.Name] = true
				pending = append(pending, c)
			}
		}

		if !exists {
			if !create {
				return nebulaerrors.New(nebulaerrors.ErrorTypeNotFound, "table does not exist").WithDetail("table", name)
			}
			if len(pending) == 0 {
				return nebulaerrors.New(nebulaerrors.ErrorTypeSchemaConflict, "cannot create a table without columns").WithDetail("table", name)
			}
			if _, err := tx.ExecContext(ctx, createTableSQL(name, pending)); err != nil {
				return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeQuery, "failed to create table").WithDetail("table", name)
			}
			keyJSON, err := json.Marshal(keys)
			if err != nil {
				return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeInternal, "failed to encode key columns")
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO _nebula_tables (table_name, key_columns) VALUES (?, ?)`, name, string(keyJSON)); err != nil {
				return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeQuery, "failed to register table").WithDetail("table", name)
			}
		} else {
			for _, c := range pending {
				stmt := "ALTER TABLE " + quote(name) + " ADD COLUMN " + quote(c.Name) + " " + columnType(c.Type)
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeQuery, "failed to add column").
						WithDetail("table", name).
						WithDetail("column", c.Name)
				}
			}
		}

		for i, c := range pending {
			def, err := json.Marshal(schema.ColumnDefinition{Name: c.Name, Type: c.Type, Nullable: true})
			if err != nil {
				return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeInternal, "failed to encode column")
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO _nebula_columns (table_name, column_name, ordinal, definition) VALUES (?, ?, ?, ?)`,
				name, c.Name, len(existing)+i, string(def)); err != nil {
				return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeQuery, "failed to register column").
					WithDetail("table", name).
					WithDetail("column", c.Name)
			}
		}
		return nil
	})
}

type staged struct {
	batch *core.Batch
	name  string
}

func (s *staged) Batch() *core.Batch { return s.batch }
func (s *staged) Name() string       { return s.name }

// StageRows implements core.Warehouse.
func (w *Warehouse) StageRows(ctx context.Context, batch *core.Batch) (core.Staged, error) {
	s := &staged{batch: batch, name: stagingName(batch)}

	err := w.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, createTableSQL(s.name, batch.Columns)); err != nil {
			return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeQuery, "failed to create staging table").WithDetail("staging", s.name)
		}

		stmt, err := tx.PrepareContext(ctx, insertSQL(s.name, batch.Columns))
		if err != nil {
			return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeQuery, "failed to prepare staging insert").WithDetail("staging", s.name)
		}
		defer stmt.Close()

		args := make([]interface{}, len(batch.Columns))
		for _, rec := range batch.Rows {
			for i, c := range batch.Columns {
				v, err := encodeValue(c.Type, rec.Get(c.Name))
				if err != nil {
					return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeData, "failed to encode value").
						WithDetail("column", c.Name)
				}
				args[i] = v
			}
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeQuery, "failed to stage row").WithDetail("staging", s.name)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// CommitStaged implements core.Warehouse.
func (w *Warehouse) CommitStaged(ctx context.Context, st core.Staged, opts core.CommitOptions) (core.CommitStats, error) {
	batch := st.Batch()
	target := TableName(batch.Table)
	stats := core.CommitStats{Staged: int64(len(batch.Rows))}

	err := w.inTx(ctx, func(tx *sql.Tx) error {
		if opts.Mode == core.CommitUpsert && len(batch.KeyColumns) > 0 {
			n, err := exec(ctx, tx, updateFromSQL(target, st.Name(), batch.Columns, batch.KeyColumns))
			if err != nil {
				return err
			}
			stats.Updated = n
			if stats.Inserted, err = exec(ctx, tx, insertMissingSQL(target, st.Name(), batch.Columns, batch.KeyColumns)); err != nil {
				return err
			}
		} else {
			n, err := exec(ctx, tx, appendSQL(target, st.Name(), batch.Columns))
			if err != nil {
				return err
			}
			stats.Inserted = n
		}

		if opts.HardDelete {
			n, err := exec(ctx, tx, "DELETE FROM "+quote(target)+" WHERE "+quote(models.ColumnDeletedAt)+" IS NOT NULL")
			if err != nil {
				return err
			}
			stats.Deleted = n
		}
		return nil
	})
	if err != nil {
		return core.CommitStats{}, err
	}
	return stats, nil
}

// DiscardStaged implements core.Warehouse.
func (w *Warehouse) DiscardStaged(ctx context.Context, st core.Staged) error {
	if _, err := w.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+quote(st.Name())); err != nil {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeQuery, "failed to drop staging table").WithDetail("staging", st.Name())
	}
	return nil
}

// ActivateVersion implements core.Warehouse.
func (w *Warehouse) ActivateVersion(ctx context.Context, ref core.TableRef, version int64) (int64, error) {
	name := TableName(ref)
	columns, exists, err := describe(ctx, w.db, name)
	if err != nil || !exists {
		return 0, err
	}
	hasVersion := false
	for _, c := range columns {
		if c.Name == models.ColumnTableVersion {
			hasVersion = true
		}
	}
	if !hasVersion {
		return 0, nebulaerrors.New(nebulaerrors.ErrorTypeSchemaConflict, "table has no version column").WithDetail("table", name)
	}

	v := quote(models.ColumnTableVersion)
	res, err := w.db.ExecContext(ctx, "DELETE FROM "+quote(name)+" WHERE "+v+" IS NULL OR "+v+" < ?", version)
	if err != nil {
		return 0, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeQuery, "failed to delete old versions").WithDetail("table", name)
	}
	return res.RowsAffected()
}

// Rows returns every row of a table ordered by the given columns, with
// values as stored.
func (w *Warehouse) Rows(ctx context.Context, ref core.TableRef, orderBy ...string) ([]map[string]interface{}, error) {
	query := "SELECT * FROM " + quote(TableName(ref))
	if len(orderBy) > 0 {
		cols := make([]string, len(orderBy))
		for i, c := range orderBy {
			cols[i] = quote(c)
		}
		query += " ORDER BY " + strings.Join(cols, ", ")
	}

	rows, err := w.db.QueryContext(ctx, query)
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeQuery, "failed to query table").WithDetail("table", ref.String())
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(names))
		ptrs := make([]interface{}, len(names))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(names))
		for i, n := range names {
			if b, ok := values[i].([]byte); ok {
				values[i] = string(b)
			}
			row[n] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Close implements core.Warehouse.
func (w *Warehouse) Close() error {
	return w.db.Close()
}

func (w *Warehouse) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to begin transaction")
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			w.log.Warn("rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeQuery, "failed to commit transaction")
	}
	return nil
}

func exec(ctx context.Context, tx *sql.Tx, stmt string) (int64, error) {
	res, err := tx.ExecContext(ctx, stmt)
	if err != nil {
		return 0, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeQuery, "statement failed").WithDetail("sql", stmt)
	}
	return res.RowsAffected()
}
