package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"schemadeploy/internal/schema"
)

// PostgresAdapter targets PostgreSQL through the pgx stdlib driver.
type PostgresAdapter struct {
	db *sql.DB
}

// NewPostgres wraps an open connection. Exposed so tests can supply a
// mocked *sql.DB.
func NewPostgres(sqlDB *sql.DB) *PostgresAdapter {
	return &PostgresAdapter{db: sqlDB}
}

func (p *PostgresAdapter) Provider() string { return "postgresql" }

func (p *PostgresAdapter) Close() error { return p.db.Close() }

func (p *PostgresAdapter) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresAdapter) ExecDDL(ctx context.Context, stmt string) error {
	_, err := p.db.ExecContext(ctx, stmt)
	return err
}

// Backup records a named WAL restore point and returns its handle. The
// actual restore is a manual operation against the WAL archive.
func (p *PostgresAdapter) Backup(ctx context.Context, _ string) (string, error) {
	name := "schemadeploy_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	var lsn string
	if err := p.db.QueryRowContext(ctx, `SELECT pg_create_restore_point($1)::text`, name).Scan(&lsn); err != nil {
		return "", fmt.Errorf("create restore point: %w", err)
	}
	return name + "@" + lsn, nil
}

func (p *PostgresAdapter) FetchSchema(ctx context.Context, schemaName string) (schema.DatabaseSchema, error) {
	if schemaName == "" {
		schemaName = "public"
	}
	out := schema.DatabaseSchema{Tables: map[string]schema.SchemaTable{}}

	if err := p.fetchColumns(ctx, schemaName, &out); err != nil {
		return out, fmt.Errorf("fetch columns: %w", err)
	}
	if err := p.fetchPrimaryKeys(ctx, schemaName, &out); err != nil {
		return out, fmt.Errorf("fetch primary keys: %w", err)
	}
	if err := p.fetchIndexes(ctx, schemaName, &out); err != nil {
		return out, fmt.Errorf("fetch indexes: %w", err)
	}
	if err := p.fetchForeignKeys(ctx, schemaName, &out); err != nil {
		return out, fmt.Errorf("fetch foreign keys: %w", err)
	}
	if err := p.fetchViews(ctx, schemaName, &out); err != nil {
		return out, fmt.Errorf("fetch views: %w", err)
	}
	if err := p.fetchRoutines(ctx, schemaName, &out); err != nil {
		return out, fmt.Errorf("fetch routines: %w", err)
	}
	return out, nil
}

func (p *PostgresAdapter) fetchColumns(ctx context.Context, schemaName string, out *schema.DatabaseSchema) error {
	rows, err := p.db.QueryContext(ctx, `
SELECT c.table_name, c.column_name, c.data_type, c.is_nullable, c.column_default,
       COALESCE(c.character_maximum_length, 0),
       COALESCE(c.numeric_precision, 0),
       COALESCE(c.numeric_scale, 0)
FROM information_schema.columns c
JOIN information_schema.tables t
  ON t.table_schema = c.table_schema AND t.table_name = c.table_name
WHERE c.table_schema = $1 AND t.table_type = 'BASE TABLE'
ORDER BY c.table_name, c.ordinal_position`, schemaName)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var tableName, colName, dataType, nullable string
		var def sql.NullString
		var length, precision, scale int
		if err := rows.Scan(&tableName, &colName, &dataType, &nullable, &def, &length, &precision, &scale); err != nil {
			return err
		}
		table, ok := out.Tables[tableName]
		if !ok {
			table = schema.SchemaTable{Name: tableName, Schema: schemaName, Columns: map[string]schema.SchemaColumn{}}
		}
		table.Columns[colName] = schema.SchemaColumn{
			Name:         colName,
			DataType:     dataType,
			Nullable:     nullable == "YES",
			Length:       length,
			Precision:    precision,
			Scale:        scale,
			DefaultValue: def,
		}
		out.Tables[tableName] = table
	}
	return rows.Err()
}

func (p *PostgresAdapter) fetchPrimaryKeys(ctx context.Context, schemaName string, out *schema.DatabaseSchema) error {
	rows, err := p.db.QueryContext(ctx, `
SELECT tc.table_name, kcu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON kcu.constraint_name = tc.constraint_name AND kcu.table_schema = tc.table_schema
WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_schema = $1
ORDER BY tc.table_name, kcu.ordinal_position`, schemaName)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var tableName, colName string
		if err := rows.Scan(&tableName, &colName); err != nil {
			return err
		}
		if table, ok := out.Tables[tableName]; ok {
			table.PrimaryKey = append(table.PrimaryKey, colName)
			out.Tables[tableName] = table
		}
	}
	return rows.Err()
}

func (p *PostgresAdapter) fetchIndexes(ctx context.Context, schemaName string, out *schema.DatabaseSchema) error {
	rows, err := p.db.QueryContext(ctx, `
SELECT t.relname, i.relname, ix.indisunique, ix.indisprimary, a.attname,
       COALESCE(pg_get_expr(ix.indpred, ix.indrelid), '')
FROM pg_index ix
JOIN pg_class i ON i.oid = ix.indexrelid
JOIN pg_class t ON t.oid = ix.indrelid
JOIN pg_namespace n ON n.oid = t.relnamespace
JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = ANY(ix.indkey)
WHERE n.nspname = $1
ORDER BY t.relname, i.relname, array_position(ix.indkey, a.attnum)`, schemaName)
	if err != nil {
		return err
	}
	defer rows.Close()

	type idxKey struct{ table, index string }
	seen := map[idxKey]int{}
	for rows.Next() {
		var tableName, indexName, colName, filter string
		var unique, primary bool
		if err := rows.Scan(&tableName, &indexName, &unique, &primary, &colName, &filter); err != nil {
			return err
		}
		table, ok := out.Tables[tableName]
		if !ok {
			continue
		}
		key := idxKey{tableName, indexName}
		if pos, ok := seen[key]; ok {
			table.Indexes[pos].Columns = append(table.Indexes[pos].Columns, colName)
		} else {
			seen[key] = len(table.Indexes)
			table.Indexes = append(table.Indexes, schema.SchemaIndex{
				Name:    indexName,
				Columns: []string{colName},
				Unique:  unique,
				Primary: primary,
				Filter:  filter,
			})
		}
		out.Tables[tableName] = table
	}
	return rows.Err()
}

func (p *PostgresAdapter) fetchForeignKeys(ctx context.Context, schemaName string, out *schema.DatabaseSchema) error {
	rows, err := p.db.QueryContext(ctx, `
SELECT tc.table_name, tc.constraint_name, kcu.column_name,
       ccu.table_name, ccu.column_name, rc.delete_rule, rc.update_rule
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON kcu.constraint_name = tc.constraint_name AND kcu.table_schema = tc.table_schema
JOIN information_schema.constraint_column_usage ccu
  ON ccu.constraint_name = tc.constraint_name AND ccu.table_schema = tc.table_schema
JOIN information_schema.referential_constraints rc
  ON rc.constraint_name = tc.constraint_name AND rc.constraint_schema = tc.table_schema
WHERE tc.constraint_type = 'FOREIGN KEY' AND tc.table_schema = $1
ORDER BY tc.table_name, tc.constraint_name, kcu.ordinal_position`, schemaName)
	if err != nil {
		return err
	}
	defer rows.Close()

	type conKey struct{ table, con string }
	seen := map[conKey]int{}
	for rows.Next() {
		var tableName, conName, colName, refTable, refCol, delRule, updRule string
		if err := rows.Scan(&tableName, &conName, &colName, &refTable, &refCol, &delRule, &updRule); err != nil {
			return err
		}
		table, ok := out.Tables[tableName]
		if !ok {
			continue
		}
		key := conKey{tableName, conName}
		if pos, ok := seen[key]; ok {
			table.Constraints[pos].Columns = append(table.Constraints[pos].Columns, colName)
			table.Constraints[pos].ReferencedColumns = append(table.Constraints[pos].ReferencedColumns, refCol)
		} else {
			seen[key] = len(table.Constraints)
			table.Constraints = append(table.Constraints, schema.SchemaConstraint{
				Name:              conName,
				Type:              "FOREIGN KEY",
				Columns:           []string{colName},
				ReferencedTable:   refTable,
				ReferencedSchema:  schemaName,
				ReferencedColumns: []string{refCol},
				OnDelete:          delRule,
				OnUpdate:          updRule,
			})
		}
		out.Tables[tableName] = table
	}
	return rows.Err()
}

func (p *PostgresAdapter) fetchViews(ctx context.Context, schemaName string, out *schema.DatabaseSchema) error {
	rows, err := p.db.QueryContext(ctx, `
SELECT table_name, COALESCE(view_definition, '')
FROM information_schema.views
WHERE table_schema = $1
ORDER BY table_name`, schemaName)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var name, def string
		if err := rows.Scan(&name, &def); err != nil {
			return err
		}
		out.Views = append(out.Views, schema.SchemaView{Name: name, Schema: schemaName, Definition: def})
	}
	return rows.Err()
}

func (p *PostgresAdapter) fetchRoutines(ctx context.Context, schemaName string, out *schema.DatabaseSchema) error {
	rows, err := p.db.QueryContext(ctx, `
SELECT routine_name, routine_type
FROM information_schema.routines
WHERE routine_schema = $1
ORDER BY routine_name`, schemaName)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var name, kind string
		if err := rows.Scan(&name, &kind); err != nil {
			return err
		}
		if strings.EqualFold(kind, "PROCEDURE") {
			out.Procedures = append(out.Procedures, schema.SchemaProcedure{Name: name, Schema: schemaName})
		} else {
			out.Functions = append(out.Functions, schema.SchemaFunction{Name: name, Schema: schemaName})
		}
	}
	return rows.Err()
}

func (p *PostgresAdapter) EnsureHistoryTable(ctx context.Context, table string) error {
	stmt := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id bigserial PRIMARY KEY,
	run_id varchar(64) NOT NULL,
	phase int NOT NULL,
	phase_name varchar(255) NOT NULL,
	risk varchar(16) NOT NULL,
	status varchar(32) NOT NULL,
	operations int NOT NULL,
	recorded_at timestamptz NOT NULL,
	error text
)`, quoteIdent(table))
	_, err := p.db.ExecContext(ctx, stmt)
	return err
}

func (p *PostgresAdapter) RecordHistory(ctx context.Context, table string, entry HistoryEntry) error {
	stmt := fmt.Sprintf(`INSERT INTO %s
		(run_id, phase, phase_name, risk, status, operations, recorded_at, error)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`, quoteIdent(table))
	_, err := p.db.ExecContext(ctx, stmt,
		entry.RunID, entry.Phase, entry.PhaseName, entry.Risk,
		entry.Status, entry.Operations, entry.RecordedAt, nullString(entry.Error))
	return err
}

func (p *PostgresAdapter) FetchHistory(ctx context.Context, table string, limit int) ([]HistoryEntry, error) {
	stmt := fmt.Sprintf(`SELECT run_id, phase, phase_name, risk, status, operations, recorded_at, COALESCE(error, '')
FROM %s
ORDER BY recorded_at DESC, id DESC
LIMIT $1`, quoteIdent(table))
	rows, err := p.db.QueryContext(ctx, stmt, limit)
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
