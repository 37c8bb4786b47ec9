package db

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"schemadeploy/internal/schema"
)

// SQLiteAdapter targets a local SQLite file.
type SQLiteAdapter struct {
	db   *sql.DB
	path string
}

// NewSQLite wraps an open connection to the database at path.
func NewSQLite(sqlDB *sql.DB, path string) *SQLiteAdapter {
	return &SQLiteAdapter{db: sqlDB, path: path}
}

func (s *SQLiteAdapter) Provider() string { return "sqlite" }

func (s *SQLiteAdapter) Close() error { return s.db.Close() }

func (s *SQLiteAdapter) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteAdapter) ExecDDL(ctx context.Context, stmt string) error {
	_, err := s.db.ExecContext(ctx, stmt)
	return err
}

// Backup copies the database into a timestamped file next to the
// original (or under dir when given) via VACUUM INTO.
func (s *SQLiteAdapter) Backup(ctx context.Context, dir string) (string, error) {
	if dir == "" {
		dir = filepath.Dir(s.path)
	}
	target := filepath.Join(dir, fmt.Sprintf("%s.%s.bak",
		filepath.Base(s.path), time.Now().UTC().Format("20060102T150405")))
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO %s", sqliteQuoteString(target))); err != nil {
		return "", fmt.Errorf("vacuum into: %w", err)
	}
	return target, nil
}

func (s *SQLiteAdapter) FetchSchema(ctx context.Context, _ string) (schema.DatabaseSchema, error) {
	out := schema.DatabaseSchema{Tables: map[string]schema.SchemaTable{}}

	rows, err := s.db.QueryContext(ctx, `
SELECT name, type FROM sqlite_master
WHERE type IN ('table', 'view') AND name NOT LIKE 'sqlite_%'
ORDER BY name`)
	if err != nil {
		return out, err
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name, kind string
		if err := rows.Scan(&name, &kind); err != nil {
			return out, err
		}
		if kind == "view" {
			out.Views = append(out.Views, schema.SchemaView{Name: name})
			continue
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return out, err
	}

	for _, name := range tables {
		table, err := s.fetchTable(ctx, name)
		if err != nil {
			return out, fmt.Errorf("introspect table %s: %w", name, err)
		}
		out.Tables[name] = table
	}
	return out, nil
}

func (s *SQLiteAdapter) fetchTable(ctx context.Context, name string) (schema.SchemaTable, error) {
	table := schema.SchemaTable{Name: name, Columns: map[string]schema.SchemaColumn{}}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(name)))
	if err != nil {
		return table, err
	}
	for rows.Next() {
		var cid, notNull, pk int
		var colName, colType string
		var def sql.NullString
		if err := rows.Scan(&cid, &colName, &colType, &notNull, &def, &pk); err != nil {
			rows.Close()
			return table, err
		}
		table.Columns[colName] = schema.SchemaColumn{
			Name:         colName,
			DataType:     colType,
			Nullable:     notNull == 0 && pk == 0,
			DefaultValue: def,
		}
		if pk > 0 {
			table.PrimaryKey = append(table.PrimaryKey, colName)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return table, err
	}

	if err := s.fetchTableIndexes(ctx, &table); err != nil {
		return table, err
	}
	if err := s.fetchTableForeignKeys(ctx, &table); err != nil {
		return table, err
	}
	return table, nil
}

func (s *SQLiteAdapter) fetchTableIndexes(ctx context.Context, table *schema.SchemaTable) error {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA index_list(%s)", quoteIdent(table.Name)))
	if err != nil {
		return err
	}
	type idx struct {
		name   string
		unique bool
		origin string
	}
	var list []idx
	for rows.Next() {
		var seq, unique, partial int
		var name, origin string
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			rows.Close()
			return err
		}
		list = append(list, idx{name: name, unique: unique == 1, origin: origin})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, ix := range list {
		// origin "c" is an explicit CREATE INDEX; "pk" and "u" are
		// implementation indexes behind declared constraints.
		cols, err := s.indexColumns(ctx, ix.name)
		if err != nil {
			return err
		}
		table.Indexes = append(table.Indexes, schema.SchemaIndex{
			Name:    ix.name,
			Columns: cols,
			Unique:  ix.unique,
			Primary: ix.origin == "pk",
		})
	}
	return nil
}

func (s *SQLiteAdapter) indexColumns(ctx context.Context, indexName string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA index_info(%s)", quoteIdent(indexName)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var seqno, cid int
		var name sql.NullString
		if err := rows.Scan(&seqno, &cid, &name); err != nil {
			return nil, err
		}
		if name.Valid {
			cols = append(cols, name.String)
		}
	}
	return cols, rows.Err()
}

func (s *SQLiteAdapter) fetchTableForeignKeys(ctx context.Context, table *schema.SchemaTable) error {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA foreign_key_list(%s)", quoteIdent(table.Name)))
	if err != nil {
		return err
	}
	defer rows.Close()

	seen := map[int]int{}
	for rows.Next() {
		var id, seq int
		var refTable, from, to, onUpdate, onDelete, match string
		if err := rows.Scan(&id, &seq, &refTable, &from, &to, &onUpdate, &onDelete, &match); err != nil {
			return err
		}
		if pos, ok := seen[id]; ok {
			table.Constraints[pos].Columns = append(table.Constraints[pos].Columns, from)
			table.Constraints[pos].ReferencedColumns = append(table.Constraints[pos].ReferencedColumns, to)
		} else {
			seen[id] = len(table.Constraints)
			table.Constraints = append(table.Constraints, schema.SchemaConstraint{
				Name:              fmt.Sprintf("fk_%s_%d", strings.ToLower(table.Name), id),
				Type:              "FOREIGN KEY",
				Columns:           []string{from},
				ReferencedTable:   refTable,
				ReferencedColumns: []string{to},
				OnDelete:          onDelete,
				OnUpdate:          onUpdate,
			})
		}
	}
	return rows.Err()
}

func (s *SQLiteAdapter) EnsureHistoryTable(ctx context.Context, table string) error {
	stmt := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id integer PRIMARY KEY AUTOINCREMENT,
	run_id text NOT NULL,
	phase integer NOT NULL,
	phase_name text NOT NULL,
	risk text NOT NULL,
	status text NOT NULL,
	operations integer NOT NULL,
	recorded_at timestamp NOT NULL,
	error text
)`, quoteIdent(table))
	_, err := s.db.ExecContext(ctx, stmt)
	return err
}

func (s *SQLiteAdapter) RecordHistory(ctx context.Context, table string, entry HistoryEntry) error {
	stmt := fmt.Sprintf(`INSERT INTO %s
		(run_id, phase, phase_name, risk, status, operations, recorded_at, error)
		VALUES (?,?,?,?,?,?,?,?)`, quoteIdent(table))
	_, err := s.db.ExecContext(ctx, stmt,
		entry.RunID, entry.Phase, entry.PhaseName, entry.Risk,
		entry.Status, entry.Operations, entry.RecordedAt, nullString(entry.Error))
	return err
}

func (s *SQLiteAdapter) FetchHistory(ctx context.Context, table string, limit int) ([]HistoryEntry, error) {
	stmt := fmt.Sprintf(`SELECT run_id, phase, phase_name, risk, status, operations, recorded_at, COALESCE(error, '')
FROM %s
ORDER BY recorded_at DESC, id DESC
LIMIT ?`, quoteIdent(table))
	rows, err := s.db.QueryContext(ctx, stmt, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.RunID, &e.Phase, &e.PhaseName, &e.Risk, &e.Status, &e.Operations, &e.RecordedAt, &e.Error); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func sqliteQuoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
