package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"schemadeploy/internal/config"
	"schemadeploy/internal/schema"
)

// ErrProviderNotBuilt marks providers whose connection string is
// supported but whose live adapter is not compiled into this binary.
var ErrProviderNotBuilt = errors.New("provider has no live adapter in this build")

// HistoryEntry is one deployment history row kept in the target database.
type HistoryEntry struct {
	RunID      string
	Phase      int
	PhaseName  string
	Risk       string
	Status     string
	Operations int
	RecordedAt time.Time
	Error      string
}

// Adapter abstracts provider-specific behavior: introspection, DDL
// execution, backup checkpoints, and deployment history bookkeeping.
type Adapter interface {
	Provider() string
	Close() error
	Ping(ctx context.Context) error
	// FetchSchema introspects the live schema. schemaName may be empty
	// for providers without schema qualifiers.
	FetchSchema(ctx context.Context, schemaName string) (schema.DatabaseSchema, error)
	// ExecDDL executes one DDL statement.
	ExecDDL(ctx context.Context, stmt string) error
	// Backup requests a provider backup checkpoint and returns an opaque
	// handle for later manual restore.
	Backup(ctx context.Context, dir string) (string, error)
	EnsureHistoryTable(ctx context.Context, table string) error
	RecordHistory(ctx context.Context, table string, entry HistoryEntry) error
	FetchHistory(ctx context.Context, table string, limit int) ([]HistoryEntry, error)
}

// Open builds an adapter for the configured provider. The run owns a
// single connection; pooling is capped accordingly.
func Open(cfg config.DatabaseConfiguration) (Adapter, error) {
	provider, err := cfg.Provider()
	if err != nil {
		return nil, err
	}
	dsn, err := ConnectionString(cfg)
	if err != nil {
		return nil, err
	}

	switch provider {
	case "postgresql":
		sqlDB, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, err
		}
		tuneConn(sqlDB)
		return NewPostgres(sqlDB), nil
	case "mysql":
		// Validate the DSN early to provide actionable errors.
		if _, err := mysql.ParseDSN(dsn); err != nil {
			return nil, fmt.Errorf("invalid mysql dsn: %w", err)
		}
		sqlDB, err := sql.Open("mysql", dsn)
		if err != nil {
			return nil, err
		}
		tuneConn(sqlDB)
		return NewMySQL(sqlDB), nil
	case "sqlite":
		sqlDB, err := sql.Open("sqlite3", dsn)
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
		return NewSQLite(sqlDB, cfg.FilePath), nil
	case "sqlserver", "oracle":
		return nil, fmt.Errorf("%s: %w", provider, ErrProviderNotBuilt)
	default:
		return nil, fmt.Errorf("unsupported provider %s", provider)
	}
}

// DDL must not interleave with itself: one connection per run.
func tuneConn(sqlDB *sql.DB) {
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)
}

func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
