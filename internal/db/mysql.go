package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"schemadeploy/internal/schema"
)

// MySQLAdapter targets MySQL/MariaDB.
type MySQLAdapter struct {
	db *sql.DB
}

// NewMySQL wraps an open connection.
func NewMySQL(sqlDB *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: sqlDB}
}

func (m *MySQLAdapter) Provider() string { return "mysql" }

func (m *MySQLAdapter) Close() error { return m.db.Close() }

func (m *MySQLAdapter) Ping(ctx context.Context) error { return m.db.PingContext(ctx) }

func (m *MySQLAdapter) ExecDDL(ctx context.Context, stmt string) error {
	_, err := m.db.ExecContext(ctx, stmt)
	return err
}

// Backup records the current binary log coordinates as the checkpoint
// handle; point-in-time restore replays the binlog up to them.
func (m *MySQLAdapter) Backup(ctx context.Context, _ string) (string, error) {
	rows, err := m.db.QueryContext(ctx, "SHOW MASTER STATUS")
	if err != nil {
		return "", fmt.Errorf("show master status: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return "", err
	}
	if !rows.Next() {
		return "", fmt.Errorf("binary logging is not enabled, no checkpoint available")
	}
	values := make([]any, len(cols))
	var file, position sql.NullString
	for i, name := range cols {
		switch strings.ToLower(name) {
		case "file":
			values[i] = &file
		case "position":
			values[i] = &position
		default:
			values[i] = new(sql.RawBytes)
		}
	}
	if err := rows.Scan(values...); err != nil {
		return "", err
	}
	return file.String + ":" + position.String, rows.Err()
}

func (m *MySQLAdapter) FetchSchema(ctx context.Context, schemaName string) (schema.DatabaseSchema, error) {
	out := schema.DatabaseSchema{Tables: map[string]schema.SchemaTable{}}

	if schemaName == "" {
		if err := m.db.QueryRowContext(ctx, "SELECT DATABASE()").Scan(&schemaName); err != nil {
			return out, fmt.Errorf("resolve current database: %w", err)
		}
	}

	if err := m.fetchColumns(ctx, schemaName, &out); err != nil {
		return out, fmt.Errorf("fetch columns: %w", err)
	}
	if err := m.fetchIndexes(ctx, schemaName, &out); err != nil {
		return out, fmt.Errorf("fetch indexes: %w", err)
	}
	if err := m.fetchForeignKeys(ctx, schemaName, &out); err != nil {
		return out, fmt.Errorf("fetch foreign keys: %w", err)
	}
	if err := m.fetchViews(ctx, schemaName, &out); err != nil {
		return out, fmt.Errorf("fetch views: %w", err)
	}
	if err := m.fetchRoutines(ctx, schemaName, &out); err != nil {
		return out, fmt.Errorf("fetch routines: %w", err)
	}
	return out, nil
}

func (m *MySQLAdapter) fetchColumns(ctx context.Context, schemaName string, out *schema.DatabaseSchema) error {
	rows, err := m.db.QueryContext(ctx, `
SELECT c.TABLE_NAME, c.COLUMN_NAME, c.DATA_TYPE, c.IS_NULLABLE, c.COLUMN_DEFAULT,
       COALESCE(c.CHARACTER_MAXIMUM_LENGTH, 0),
       COALESCE(c.NUMERIC_PRECISION, 0),
       COALESCE(c.NUMERIC_SCALE, 0),
       c.COLUMN_KEY
FROM information_schema.COLUMNS c
JOIN information_schema.TABLES t
  ON t.TABLE_SCHEMA = c.TABLE_SCHEMA AND t.TABLE_NAME = c.TABLE_NAME
WHERE c.TABLE_SCHEMA = ? AND t.TABLE_TYPE = 'BASE TABLE'
ORDER BY c.TABLE_NAME, c.ORDINAL_POSITION`, schemaName)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var tableName, colName, dataType, nullable, columnKey string
		var def sql.NullString
		var length, precision, scale int
		if err := rows.Scan(&tableName, &colName, &dataType, &nullable, &def, &length, &precision, &scale, &columnKey); err != nil {
			return err
		}
		table, ok := out.Tables[tableName]
		if !ok {
			table = schema.SchemaTable{Name: tableName, Columns: map[string]schema.SchemaColumn{}}
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
		if columnKey == "PRI" {
			table.PrimaryKey = append(table.PrimaryKey, colName)
		}
		out.Tables[tableName] = table
	}
	return rows.Err()
}

func (m *MySQLAdapter) fetchIndexes(ctx context.Context, schemaName string, out *schema.DatabaseSchema) error {
	rows, err := m.db.QueryContext(ctx, `
SELECT TABLE_NAME, INDEX_NAME, NON_UNIQUE, COLUMN_NAME
FROM information_schema.STATISTICS
WHERE TABLE_SCHEMA = ?
ORDER BY TABLE_NAME, INDEX_NAME, SEQ_IN_INDEX`, schemaName)
	if err != nil {
		return err
	}
	defer rows.Close()

	type idxKey struct{ table, index string }
	seen := map[idxKey]int{}
	for rows.Next() {
		var tableName, indexName, colName string
		var nonUnique int
		if err := rows.Scan(&tableName, &indexName, &nonUnique, &colName); err != nil {
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
				Unique:  nonUnique == 0,
				Primary: indexName == "PRIMARY",
			})
		}
		out.Tables[tableName] = table
	}
	return rows.Err()
}

func (m *MySQLAdapter) fetchForeignKeys(ctx context.Context, schemaName string, out *schema.DatabaseSchema) error {
	rows, err := m.db.QueryContext(ctx, `
SELECT kcu.TABLE_NAME, kcu.CONSTRAINT_NAME, kcu.COLUMN_NAME,
       kcu.REFERENCED_TABLE_NAME, kcu.REFERENCED_COLUMN_NAME,
       rc.DELETE_RULE, rc.UPDATE_RULE
FROM information_schema.KEY_COLUMN_USAGE kcu
JOIN information_schema.REFERENTIAL_CONSTRAINTS rc
  ON rc.CONSTRAINT_NAME = kcu.CONSTRAINT_NAME AND rc.CONSTRAINT_SCHEMA = kcu.TABLE_SCHEMA
WHERE kcu.TABLE_SCHEMA = ? AND kcu.REFERENCED_TABLE_NAME IS NOT NULL
ORDER BY kcu.TABLE_NAME, kcu.CONSTRAINT_NAME, kcu.ORDINAL_POSITION`, schemaName)
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
				ReferencedColumns: []string{refCol},
				OnDelete:          delRule,
				OnUpdate:          updRule,
			})
		}
		out.Tables[tableName] = table
	}
	return rows.Err()
}

func (m *MySQLAdapter) fetchViews(ctx context.Context, schemaName string, out *schema.DatabaseSchema) error {
	rows, err := m.db.QueryContext(ctx, `
SELECT TABLE_NAME, COALESCE(VIEW_DEFINITION, '')
FROM information_schema.VIEWS
WHERE TABLE_SCHEMA = ?
ORDER BY TABLE_NAME`, schemaName)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var name, def string
		if err := rows.Scan(&name, &def); err != nil {
			return err
		}
		out.Views = append(out.Views, schema.SchemaView{Name: name, Definition: def})
	}
	return rows.Err()
}

func (m *MySQLAdapter) fetchRoutines(ctx context.Context, schemaName string, out *schema.DatabaseSchema) error {
	rows, err := m.db.QueryContext(ctx, `
SELECT ROUTINE_NAME, ROUTINE_TYPE
FROM information_schema.ROUTINES
WHERE ROUTINE_SCHEMA = ?
ORDER BY ROUTINE_NAME`, schemaName)
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
			out.Procedures = append(out.Procedures, schema.SchemaProcedure{Name: name})
		} else {
			out.Functions = append(out.Functions, schema.SchemaFunction{Name: name})
		}
	}
	return rows.Err()
}

func (m *MySQLAdapter) EnsureHistoryTable(ctx context.Context, table string) error {
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS `%s` ("+`
	id bigint AUTO_INCREMENT PRIMARY KEY,
	run_id varchar(64) NOT NULL,
	phase int NOT NULL,
	phase_name varchar(255) NOT NULL,
	risk varchar(16) NOT NULL,
	status varchar(32) NOT NULL,
	operations int NOT NULL,
	recorded_at datetime NOT NULL,
	error text
)`, table)
	_, err := m.db.ExecContext(ctx, stmt)
	return err
}

func (m *MySQLAdapter) RecordHistory(ctx context.Context, table string, entry HistoryEntry) error {
	stmt := fmt.Sprintf("INSERT INTO `%s`"+`
		(run_id, phase, phase_name, risk, status, operations, recorded_at, error)
		VALUES (?,?,?,?,?,?,?,?)`, table)
	_, err := m.db.ExecContext(ctx, stmt,
		entry.RunID, entry.Phase, entry.PhaseName, entry.Risk,
		entry.Status, entry.Operations, entry.RecordedAt, nullString(entry.Error))
	return err
}

func (m *MySQLAdapter) FetchHistory(ctx context.Context, table string, limit int) ([]HistoryEntry, error) {
	stmt := fmt.Sprintf("SELECT run_id, phase, phase_name, risk, status, operations, recorded_at, COALESCE(error, '') FROM `%s` ORDER BY recorded_at DESC, id DESC LIMIT ?", table)
	rows, err := m.db.QueryContext(ctx, stmt, limit)
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
