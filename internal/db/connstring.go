package db

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/go-sql-driver/mysql"

	"schemadeploy/internal/config"
)

// ConnectionString builds the provider DSN from the uniform database
// configuration. All five providers are supported here even though only
// some have live adapters in this build; downstream tooling consumes the
// string for the rest.
func ConnectionString(cfg config.DatabaseConfiguration) (string, error) {
	provider, err := cfg.Provider()
	if err != nil {
		return "", err
	}
	switch provider {
	case "postgresql":
		return postgresDSN(cfg), nil
	case "mysql":
		return mysqlDSN(cfg), nil
	case "sqlserver":
		return sqlserverDSN(cfg), nil
	case "oracle":
		return oracleDSN(cfg), nil
	case "sqlite":
		return sqliteDSN(cfg), nil
	default:
		return "", fmt.Errorf("unsupported provider %s", provider)
	}
}

func postgresDSN(cfg config.DatabaseConfiguration) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.Username, cfg.Password),
		Host:   hostPort(cfg.Host, cfg.Port, 5432),
		Path:   "/" + cfg.Database,
	}
	q := url.Values{}
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}
	q.Set("sslmode", sslMode)
	if cfg.Schema != "" {
		q.Set("search_path", cfg.Schema)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func mysqlDSN(cfg config.DatabaseConfiguration) string {
	mc := mysql.NewConfig()
	mc.User = cfg.Username
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = hostPort(cfg.Host, cfg.Port, 3306)
	mc.DBName = cfg.Database
	mc.ParseTime = true
	mc.MultiStatements = false
	return mc.FormatDSN()
}

func sqlserverDSN(cfg config.DatabaseConfiguration) string {
	u := url.URL{
		Scheme: "sqlserver",
		User:   url.UserPassword(cfg.Username, cfg.Password),
		Host:   hostPort(cfg.Host, cfg.Port, 1433),
	}
	q := url.Values{}
	q.Set("database", cfg.Database)
	if cfg.SSLMode == "disable" {
		q.Set("encrypt", "disable")
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func oracleDSN(cfg config.DatabaseConfiguration) string {
	u := url.URL{
		Scheme: "oracle",
		User:   url.UserPassword(cfg.Username, cfg.Password),
		Host:   hostPort(cfg.Host, cfg.Port, 1521),
		Path:   "/" + cfg.Database,
	}
	return u.String()
}

func sqliteDSN(cfg config.DatabaseConfiguration) string {
	return "file:" + cfg.FilePath + "?_foreign_keys=on"
}

func hostPort(host string, port, defaultPort int) string {
	if port <= 0 {
		port = defaultPort
	}
	return host + ":" + strconv.Itoa(port)
}
