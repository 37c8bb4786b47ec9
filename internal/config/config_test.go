package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"schemadeploy/internal/exitcode"
	"schemadeploy/internal/secret"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validPostgres = `
database:
  use_postgresql: true
  host: localhost
  database: app
  username: deploy
  password: p
deployment:
  enable_phased_deployment: true
`

func TestLoad_Valid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validPostgres))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	provider, err := cfg.Database.Provider()
	if err != nil || provider != "postgresql" {
		t.Errorf("provider = %q, %v", provider, err)
	}
	if !cfg.Deployment.EnablePhasedDeployment {
		t.Error("phased deployment flag lost")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, validPostgres))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("default log level = %q", cfg.LogLevel)
	}
	if cfg.Deployment.HistoryTable != "schemadeploy_history" {
		t.Errorf("default history table = %q", cfg.Deployment.HistoryTable)
	}
	if cfg.Database.CommandTimeoutSeconds != 300 {
		t.Errorf("default command timeout = %d", cfg.Database.CommandTimeoutSeconds)
	}
	if cfg.License.HeartbeatSeconds != 60 || cfg.License.RetryAttempts != 3 {
		t.Errorf("license defaults wrong: %+v", cfg.License)
	}
	if cfg.License.StateDir != cfg.ReportDir {
		t.Errorf("license state dir should default to the report dir, got %q", cfg.License.StateDir)
	}
}

func TestLoad_ExactlyOneProvider(t *testing.T) {
	_, err := Load(writeConfig(t, `
database:
  host: localhost
  database: app
  username: deploy
`))
	if err == nil {
		t.Error("no provider selected must fail")
	}

	_, err = Load(writeConfig(t, `
database:
  use_postgresql: true
  use_mysql: true
  host: localhost
  database: app
  username: deploy
`))
	if err == nil {
		t.Error("two providers selected must fail")
	}
}

func TestLoad_ProviderRequiredFields(t *testing.T) {
	_, err := Load(writeConfig(t, `
database:
  use_postgresql: true
  database: app
  username: deploy
`))
	if err == nil {
		t.Error("missing host must fail for network providers")
	}

	_, err = Load(writeConfig(t, `
database:
  use_sqlite: true
`))
	if err == nil {
		t.Error("sqlite without file_path must fail")
	}

	// Sqlite needs only its file path.
	_, err = Load(writeConfig(t, `
database:
  use_sqlite: true
  file_path: /tmp/app.db
`))
	if err != nil {
		t.Errorf("sqlite with file_path should load: %v", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SCHEMADEPLOY_DB_HOST", "db.override")
	t.Setenv("SCHEMADEPLOY_DB_PORT", "6543")
	t.Setenv("SCHEMADEPLOY_DB_PASSWORD", "env-secret")
	t.Setenv("SCHEMADEPLOY_LOG_LEVEL", "debug")

	cfg, err := Load(writeConfig(t, validPostgres))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Database.Host != "db.override" || cfg.Database.Port != 6543 {
		t.Errorf("env override lost: host=%s port=%d", cfg.Database.Host, cfg.Database.Port)
	}
	if cfg.Database.Password != "env-secret" {
		t.Errorf("password override lost: %q", cfg.Database.Password)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level override lost: %q", cfg.LogLevel)
	}
}

func TestLoad_LicenseValidation(t *testing.T) {
	_, err := Load(writeConfig(t, validPostgres+`
license:
  server_url: ftp://licenses.internal
`))
	if err == nil {
		t.Error("non-http license URL must fail")
	}

	_, err = Load(writeConfig(t, validPostgres+`
license:
  server_url: https://licenses.internal
  client_id: tool
`))
	if err == nil {
		t.Error("client_id without client_secret must fail")
	}

	_, err = Load(writeConfig(t, validPostgres+`
license:
  server_url: https://licenses.internal
  client_id: tool
  client_secret: s
`))
	if err == nil {
		t.Error("client credentials without token_url must fail")
	}

	_, err = Load(writeConfig(t, validPostgres+`
license:
  server_url: https://licenses.internal
  client_id: tool
  client_secret: s
  token_url: https://auth.internal/token
`))
	if err != nil {
		t.Errorf("complete license block should load: %v", err)
	}
}

func TestWriteSample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := WriteSample(path); err != nil {
		t.Fatalf("WriteSample error: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("sample config must load cleanly: %v", err)
	}
	if provider, _ := cfg.Database.Provider(); provider != "postgresql" {
		t.Errorf("sample provider = %q", provider)
	}

	if err := WriteSample(path); err == nil {
		t.Error("WriteSample must refuse to overwrite")
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	_, err := Load(writeConfig(t, validPostgres+"log_level: verbose\n"))
	if err == nil {
		t.Fatal("unknown log level should fail validation")
	}
}

func TestLoad_EncryptedPassword(t *testing.T) {
	key := []byte("0123456789abcdef")
	t.Setenv("SCHEMADEPLOY_SECRET_KEY", base64.StdEncoding.EncodeToString(key))
	sealed, err := secret.EncryptString(key, "vault-pass")
	if err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(writeConfig(t, `
database:
  use_postgresql: true
  host: localhost
  database: app
  username: deploy
  encrypted_password: `+sealed+`
`))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Database.Password != "vault-pass" {
		t.Errorf("password = %q, want decrypted value", cfg.Database.Password)
	}

	t.Setenv("SCHEMADEPLOY_SECRET_KEY", "")
	_, err = Load(writeConfig(t, `
database:
  use_postgresql: true
  host: localhost
  database: app
  username: deploy
  encrypted_password: `+sealed+`
`))
	if err == nil {
		t.Fatal("missing secret key should fail")
	}
	if kind := exitcode.KindOf(err); kind != exitcode.KeyVaultAccessFailure {
		t.Errorf("missing key kind = %v, want KeyVaultAccessFailure", kind)
	}
}
