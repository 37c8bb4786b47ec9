package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"schemadeploy/internal/config"
	"schemadeploy/internal/db"
	"schemadeploy/internal/engine"
	"schemadeploy/internal/exitcode"
	"schemadeploy/internal/logging"
	"schemadeploy/internal/schema"
	"schemadeploy/internal/secret"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(int(exitcode.InvalidConfiguration))
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "plan":
		err = planCmd(args)
	case "deploy":
		err = deployCmd(args)
	case "history":
		err = historyCmd(args)
	case "init-config":
		err = initConfigCmd(args)
	case "encrypt-secret":
		err = encryptSecretCmd(args)
	case "version":
		fmt.Println("schemadeploy", version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %s\n", cmd)
		usage()
		os.Exit(int(exitcode.InvalidConfiguration))
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitcode.ExitCode(err))
	}
}

func usage() {
	fmt.Println(`schemadeploy commands:
  plan           - diff discovered entities against the database and print the phased plan
  deploy         - build the plan and execute it phase by phase
  history        - show recent deployment history from the target database
  init-config    - create a starter config.yaml
  encrypt-secret - seal a password for the encrypted_password config field
  version        - print the build version

Flags are command specific; run "<cmd> -h" for details.`)
}

func planCmd(args []string) error {
	fs := flagSet("plan")
	configPath := fs.String("config", "config.yaml", "path to config file")
	entitiesPath := fs.String("entities", "", "path to discovered entities JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, discovery, err := loadInputs(*configPath, *entitiesPath)
	if err != nil {
		return err
	}
	logger := logging.NewLogger(os.Stderr, cfg.LogLevel)

	ctx, stop := runContext()
	defer stop()

	eng := engine.New(cfg, logger, os.Stdout)
	_, err = eng.Plan(ctx, discovery)
	return err
}

func deployCmd(args []string) error {
	fs := flagSet("deploy")
	configPath := fs.String("config", "config.yaml", "path to config file")
	entitiesPath := fs.String("entities", "", "path to discovered entities JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, discovery, err := loadInputs(*configPath, *entitiesPath)
	if err != nil {
		return err
	}
	logger := logging.NewLogger(os.Stderr, cfg.LogLevel)

	ctx, stop := runContext()
	defer stop()

	eng := engine.New(cfg, logger, os.Stdout)
	_, err = eng.Deploy(ctx, discovery)
	return err
}

func historyCmd(args []string) error {
	fs := flagSet("history")
	configPath := fs.String("config", "config.yaml", "path to config file")
	limit := fs.Int("limit", 20, "number of entries to show")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if cfg.Deployment.HistoryTable == "" {
		return fmt.Errorf("deployment.history_table is not configured")
	}

	ctx, stop := runContext()
	defer stop()

	adapter, err := db.Open(cfg.Database)
	if err != nil {
		return exitcode.Wrap(exitcode.DatabaseConnectionFailure, err)
	}
	defer adapter.Close()

	entries, err := adapter.FetchHistory(ctx, cfg.Deployment.HistoryTable, *limit)
	if err != nil {
		return exitcode.Wrap(exitcode.DatabaseConnectionFailure, err)
	}
	if len(entries) == 0 {
		fmt.Println("no deployment history")
		return nil
	}
	for _, entry := range entries {
		fmt.Printf("%s  run=%s  phase=%d %q  risk=%s  status=%s  ops=%d",
			entry.RecordedAt.Format("2006-01-02 15:04:05"), entry.RunID,
			entry.Phase, entry.PhaseName, entry.Risk, entry.Status, entry.Operations)
		if entry.Error != "" {
			fmt.Printf("  error=%q", entry.Error)
		}
		fmt.Println()
	}
	return nil
}

func initConfigCmd(args []string) error {
	fs := flagSet("init-config")
	path := fs.String("path", "config.yaml", "where to write the sample config")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := os.Stat(*path); err == nil {
		return fmt.Errorf("%s already exists", *path)
	}
	if err := config.WriteSample(*path); err != nil {
		return err
	}
	fmt.Println("sample config written to", *path)
	return nil
}

// encryptSecretCmd seals a credential with the key from
// SCHEMADEPLOY_SECRET_KEY so it can be stored in config as
// database.encrypted_password.
func encryptSecretCmd(args []string) error {
	fs := flagSet("encrypt-secret")
	value := fs.String("value", "", "plaintext to seal; read from stdin when empty")
	if err := fs.Parse(args); err != nil {
		return err
	}

	plain := *value
	if plain == "" {
		raw, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		plain = strings.TrimRight(string(raw), "\r\n")
	}
	if plain == "" {
		return fmt.Errorf("nothing to encrypt: pass -value or pipe the password on stdin")
	}

	key, err := secret.KeyFromEnv()
	if err != nil {
		return exitcode.Wrap(exitcode.KeyVaultAccessFailure, err)
	}
	sealed, err := secret.EncryptString(key, plain)
	if err != nil {
		return exitcode.Wrap(exitcode.KeyVaultAccessFailure, err)
	}
	fmt.Println(sealed)
	return nil
}

func loadInputs(configPath, entitiesPath string) (config.Config, schema.EntityDiscoveryResult, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, schema.EntityDiscoveryResult{}, err
	}
	if entitiesPath == "" {
		return config.Config{}, schema.EntityDiscoveryResult{}, fmt.Errorf("-entities is required")
	}
	discovery, err := loadDiscovery(entitiesPath)
	if err != nil {
		return config.Config{}, schema.EntityDiscoveryResult{}, err
	}
	return cfg, discovery, nil
}

func loadDiscovery(path string) (schema.EntityDiscoveryResult, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return schema.EntityDiscoveryResult{}, exitcode.Wrap(exitcode.EntityDiscoveryFailure,
			fmt.Errorf("read entities file: %w", err))
	}
	var discovery schema.EntityDiscoveryResult
	if err := json.Unmarshal(raw, &discovery); err != nil {
		return schema.EntityDiscoveryResult{}, exitcode.Wrap(exitcode.EntityDiscoveryFailure,
			fmt.Errorf("parse entities file %s: %w", path, err))
	}
	if discovery.Source == "" {
		discovery.Source = path
	}
	return discovery, nil
}

func runContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}
