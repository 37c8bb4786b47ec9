// Package engine wires discovery validation, schema diffing, risk
// classification, planning, and execution into the two top level
// operations: plan and deploy.
package engine

import (
	"context"
	"fmt"
	"io"
	"time"

	"log/slog"

	"schemadeploy/internal/config"
	"schemadeploy/internal/db"
	"schemadeploy/internal/deploy"
	"schemadeploy/internal/diff"
	"schemadeploy/internal/exitcode"
	"schemadeploy/internal/license"
	"schemadeploy/internal/plan"
	"schemadeploy/internal/report"
	"schemadeploy/internal/risk"
	"schemadeploy/internal/schema"
)

// Engine runs plan and deploy operations for one configuration.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger
	out    io.Writer
	open   func(config.DatabaseConfiguration) (db.Adapter, error)
}

func New(cfg config.Config, logger *slog.Logger, out io.Writer) *Engine {
	return &Engine{cfg: cfg, logger: logger, out: out, open: db.Open}
}

// Plan validates the discovered entities, diffs them against the live
// database, and writes the rendered plan and its manifest. No DDL runs.
func (e *Engine) Plan(ctx context.Context, discovery schema.EntityDiscoveryResult) (*plan.Plan, error) {
	p, adapter, err := e.buildPlan(ctx, discovery)
	if adapter != nil {
		defer adapter.Close()
	}
	if err != nil {
		return nil, err
	}

	report.RenderPlan(e.out, *p)
	path, err := e.writeManifest(*p, nil)
	if err != nil {
		return nil, err
	}
	e.logger.Info("plan written", "run_id", p.RunID, "phases", len(p.Phases),
		"skipped_phases", len(p.SkippedPhases), "manifest", path)
	return p, nil
}

// Deploy builds a plan and executes it phase by phase. A license
// session, when configured, brackets the whole run.
func (e *Engine) Deploy(ctx context.Context, discovery schema.EntityDiscoveryResult) (*deploy.Result, error) {
	checker, release, err := e.acquireLicense(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	p, adapter, err := e.buildPlan(ctx, discovery)
	if adapter != nil {
		defer adapter.Close()
	}
	if err != nil {
		return nil, err
	}

	report.RenderPlan(e.out, *p)

	opts := deploy.Options{
		BackupBeforeDeployment: e.cfg.Deployment.BackupBeforeDeployment,
		BackupDir:              e.cfg.Deployment.BackupDir,
		CommandTimeout:         time.Duration(e.cfg.Database.CommandTimeoutSeconds) * time.Second,
		HistoryTable:           e.cfg.Deployment.HistoryTable,
		WarningApprovals:       e.cfg.Deployment.WarningApprovals,
		RiskyApprovals:         e.cfg.Deployment.RiskyApprovals,
	}
	executor := deploy.New(adapter, checker, e.logger, opts)
	result, execErr := executor.Execute(ctx, p)

	if result != nil {
		report.RenderResult(e.out, *result)
		if _, werr := e.writeManifest(*p, result); werr != nil {
			e.logger.Warn("run manifest not written", "run_id", p.RunID, "error", werr)
		}
	}
	return result, execErr
}

// buildPlan runs the read-only half shared by Plan and Deploy. The
// returned adapter stays open so Deploy can reuse the connection.
func (e *Engine) buildPlan(ctx context.Context, discovery schema.EntityDiscoveryResult) (*plan.Plan, db.Adapter, error) {
	if err := schema.ValidateDiscovery(discovery); err != nil {
		return nil, nil, exitcode.Wrap(exitcode.EntityDiscoveryFailure, err)
	}

	adapter, err := e.open(e.cfg.Database)
	if err != nil {
		return nil, nil, exitcode.Wrap(exitcode.DatabaseConnectionFailure, err)
	}
	if err := adapter.Ping(ctx); err != nil {
		return nil, adapter, exitcode.Wrap(exitcode.DatabaseConnectionFailure, fmt.Errorf("ping database: %w", err))
	}

	live, err := adapter.FetchSchema(ctx, e.cfg.Database.Schema)
	if err != nil {
		return nil, adapter, exitcode.Wrap(exitcode.DatabaseConnectionFailure, fmt.Errorf("introspect schema: %w", err))
	}

	changes := diff.Compare(discovery.Entities, live)
	risk.Classify(changes)
	e.logger.Info("schema compared", "entities", len(discovery.Entities),
		"live_tables", len(live.Tables), "changes", len(changes))

	provider, err := e.cfg.Database.Provider()
	if err != nil {
		return nil, adapter, err
	}
	gen, err := db.NewGenerator(provider)
	if err != nil {
		return nil, adapter, err
	}

	p, err := plan.Build(changes, gen, plan.Options{
		EnablePhasedDeployment: e.cfg.Deployment.EnablePhasedDeployment,
		SkipWarningPhases:      e.cfg.Deployment.SkipWarningPhases,
		MaxPhases:              e.cfg.Deployment.MaxPhases,
	})
	if err != nil {
		return nil, adapter, err
	}
	return p, adapter, nil
}

// acquireLicense starts a session when a server is configured. The
// returned checker gates each phase boundary; release is always safe to
// call.
func (e *Engine) acquireLicense(ctx context.Context) (deploy.LicenseChecker, func(), error) {
	if e.cfg.License.ServerURL == "" {
		return unlicensed{}, func() {}, nil
	}

	lc := e.cfg.License
	mgr := license.NewManager(license.Config{
		ServerURL:         lc.ServerURL,
		ToolName:          lc.ToolName,
		ToolVersion:       lc.ToolVersion,
		BuildID:           lc.BuildID,
		HeartbeatInterval: time.Duration(lc.HeartbeatSeconds) * time.Second,
		RetryAttempts:     lc.RetryAttempts,
		RetryInterval:     time.Duration(lc.RetryIntervalSeconds) * time.Second,
		ClientID:          lc.ClientID,
		ClientSecret:      lc.ClientSecret,
		TokenURL:          lc.TokenURL,
		StateDir:          lc.StateDir,
	}, e.logger)

	session, err := mgr.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	if session.BurstMode {
		e.logger.Warn("deploying under burst license",
			"session_id", session.ID, "burst_remaining", session.BurstCountRemaining)
	}

	release := func() {
		relCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		mgr.Release(relCtx)
	}
	return mgr, release, nil
}

func (e *Engine) writeManifest(p plan.Plan, result *deploy.Result) (string, error) {
	sum, err := report.PlanChecksum(p)
	if err != nil {
		return "", err
	}
	return report.WriteManifest(e.cfg.ReportDir, report.Manifest{
		Plan:      p,
		Checksum:  sum,
		CreatedAt: time.Now().UTC(),
		Result:    result,
	})
}

// unlicensed satisfies the phase boundary check when no license server
// is configured.
type unlicensed struct{}

func (unlicensed) Valid() bool { return true }
