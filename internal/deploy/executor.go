// Package deploy executes a deployment plan phase by phase. Phases are
// the unit of atomicity: a failure rolls back the current phase via its
// undo stack and aborts the run, leaving prior phases committed.
package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"schemadeploy/internal/db"
	"schemadeploy/internal/exitcode"
	"schemadeploy/internal/plan"
	"schemadeploy/internal/schema"
)

// LicenseChecker is consulted at phase boundaries. A run never starts a
// new phase once the license session is lost or expired.
type LicenseChecker interface {
	Valid() bool
}

// Options controls execution behavior.
type Options struct {
	BackupBeforeDeployment bool
	BackupDir              string
	CommandTimeout         time.Duration
	// HistoryTable names the deployment history table in the target
	// database. Empty disables history rows.
	HistoryTable string
	// WarningApprovals and RiskyApprovals carry recorded approver
	// identities. A Warning phase needs one warning approver; a Risky
	// phase needs two distinct risky approvers.
	WarningApprovals []string
	RiskyApprovals   []string
}

// PhaseResult is the outcome of one phase.
type PhaseResult struct {
	Number     int              `json:"number"`
	Name       string           `json:"name"`
	Risk       schema.RiskLevel `json:"risk"`
	Succeeded  bool             `json:"succeeded"`
	RolledBack bool             `json:"rolled_back,omitempty"`
	Operations int              `json:"operations"`
	Duration   time.Duration    `json:"duration"`
	Error      string           `json:"error,omitempty"`
}

// Result is the outcome of a run. Immutable once the run ends.
type Result struct {
	RunID        uuid.UUID     `json:"run_id"`
	Success      bool          `json:"success"`
	BackupHandle string        `json:"backup_handle,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   time.Time     `json:"finished_at"`
	Phases       []PhaseResult `json:"phases"`
}

// Executor runs plans against a single database connection.
type Executor struct {
	adapter db.Adapter
	license LicenseChecker
	logger  *slog.Logger
	opts    Options
}

// New constructs an Executor. license may be nil when runs are not
// license-coordinated (tests, burst-free local use against a stub).
func New(adapter db.Adapter, license LicenseChecker, logger *slog.Logger, opts Options) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 5 * time.Minute
	}
	return &Executor{adapter: adapter, license: license, logger: logger, opts: opts}
}

// CheckApprovals verifies that every executable phase has the approvals
// it requires. Missing approvals are deliberate halts, not failures: the
// returned error carries the approval exit code and nothing is executed.
// A Risky shortfall takes precedence over a Warning one.
func CheckApprovals(p *plan.Plan, opts Options) error {
	warningShort := false
	for _, ph := range p.Phases {
		if ph.RequiresDualApproval {
			if countDistinct(opts.RiskyApprovals) < 2 {
				return &exitcode.Error{
					Kind:  exitcode.RiskyDualApprovalRequired,
					Phase: ph.Number,
					Err:   fmt.Errorf("phase %q needs two independent approvals, %d recorded", ph.Name, countDistinct(opts.RiskyApprovals)),
				}
			}
			continue
		}
		if ph.RequiresApproval && len(opts.WarningApprovals) == 0 {
			warningShort = true
		}
	}
	if warningShort {
		return exitcode.New(exitcode.WarningApprovalRequired, "plan contains unapproved warning phases")
	}
	return nil
}

// Execute runs the plan. On the first operation failure the current
// phase's committed operations are rolled back in reverse and the run
// aborts with the failed phase marked; prior phases stay committed.
func (e *Executor) Execute(ctx context.Context, p *plan.Plan) (*Result, error) {
	result := &Result{RunID: p.RunID, StartedAt: time.Now().UTC()}
	defer func() { result.FinishedAt = time.Now().UTC() }()

	if err := CheckApprovals(p, e.opts); err != nil {
		return result, err
	}

	if len(p.Phases) == 0 {
		result.Success = true
		return result, nil
	}

	if e.opts.BackupBeforeDeployment {
		handle, err := e.adapter.Backup(ctx, e.opts.BackupDir)
		if err != nil {
			return result, exitcode.Wrap(exitcode.DeploymentExecutionFailure, fmt.Errorf("backup checkpoint: %w", err))
		}
		result.BackupHandle = handle
		e.logger.Info("backup checkpoint recorded", "handle", handle)
	}

	if e.opts.HistoryTable != "" {
		if err := e.adapter.EnsureHistoryTable(ctx, e.opts.HistoryTable); err != nil {
			return result, exitcode.Wrap(exitcode.DatabaseConnectionFailure, fmt.Errorf("ensure history table: %w", err))
		}
	}

	for i := range p.Phases {
		ph := &p.Phases[i]

		// Cancellation and license state are checked only at phase
		// boundaries; a statement is never torn down mid-flight.
		if err := ctx.Err(); err != nil {
			return result, exitcode.Wrap(exitcode.DeploymentExecutionFailure, fmt.Errorf("run cancelled before phase %d: %w", ph.Number, err))
		}
		if e.license != nil && !e.license.Valid() {
			return result, &exitcode.Error{
				Kind:  exitcode.LicenseUnavailable,
				Phase: ph.Number,
				Err:   fmt.Errorf("license session lost, refusing to start phase %q", ph.Name),
			}
		}
		if err := CheckApprovals(&plan.Plan{Phases: []plan.Phase{*ph}}, e.opts); err != nil {
			return result, err
		}

		pr, err := e.executePhase(ctx, p.RunID, ph)
		result.Phases = append(result.Phases, pr)
		if err != nil {
			return result, err
		}
	}

	result.Success = true
	return result, nil
}

func (e *Executor) executePhase(ctx context.Context, runID uuid.UUID, ph *plan.Phase) (PhaseResult, error) {
	pr := PhaseResult{Number: ph.Number, Name: ph.Name, Risk: ph.Risk, Operations: len(ph.Operations)}
	start := time.Now()
	defer func() { pr.Duration = time.Since(start) }()

	e.logger.Info("phase starting", "phase", ph.Number, "name", ph.Name, "risk", ph.Risk.String(), "operations", len(ph.Operations))
	e.recordHistory(ctx, runID, ph, "running", "")

	var undo []string
	for _, op := range ph.Operations {
		if err := ctx.Err(); err != nil {
			e.unwind(undo)
			pr.RolledBack = len(undo) > 0
			pr.Error = "cancelled"
			e.recordHistory(ctx, runID, ph, "rolled_back", pr.Error)
			return pr, &exitcode.Error{
				Kind:   exitcode.DeploymentExecutionFailure,
				Object: op.Change.ObjectName,
				Schema: op.Change.Schema,
				Phase:  ph.Number,
				Err:    fmt.Errorf("run cancelled: %w", err),
			}
		}

		if err := e.execOne(ctx, op.SQL); err != nil {
			e.logger.Error("operation failed", "phase", ph.Number, "object", op.Change.ObjectName, "error", err)
			e.unwind(undo)
			pr.RolledBack = len(undo) > 0
			pr.Error = err.Error()
			e.recordHistory(ctx, runID, ph, "failed", pr.Error)
			return pr, &exitcode.Error{
				Kind:   exitcode.DeploymentExecutionFailure,
				Object: op.Change.ObjectName,
				Schema: op.Change.Schema,
				Phase:  ph.Number,
				Err:    err,
			}
		}
		if op.RollbackSQL != "" {
			undo = append(undo, op.RollbackSQL)
		}
	}

	pr.Succeeded = true
	e.recordHistory(ctx, runID, ph, "succeeded", "")
	e.logger.Info("phase succeeded", "phase", ph.Number, "duration", time.Since(start).String())
	return pr, nil
}

func (e *Executor) execOne(ctx context.Context, stmt string) error {
	opCtx, cancel := context.WithTimeout(ctx, e.opts.CommandTimeout)
	defer cancel()
	return e.adapter.ExecDDL(opCtx, stmt)
}

// unwind executes the undo stack in reverse. Rollback runs on a fresh
// context so a cancelled run can still compensate; rollback failures are
// logged and skipped, the remaining stack still runs.
func (e *Executor) unwind(undo []string) {
	if len(undo) == 0 {
		return
	}
	rbCtx, cancel := context.WithTimeout(context.Background(), e.opts.CommandTimeout)
	defer cancel()
	for i := len(undo) - 1; i >= 0; i-- {
		if err := e.adapter.ExecDDL(rbCtx, undo[i]); err != nil {
			e.logger.Error("rollback statement failed", "sql", undo[i], "error", err)
		}
	}
}

func (e *Executor) recordHistory(ctx context.Context, runID uuid.UUID, ph *plan.Phase, status, errMsg string) {
	if e.opts.HistoryTable == "" {
		return
	}
	entry := db.HistoryEntry{
		RunID:      runID.String(),
		Phase:      ph.Number,
		PhaseName:  ph.Name,
		Risk:       ph.Risk.String(),
		Status:     status,
		Operations: len(ph.Operations),
		RecordedAt: time.Now().UTC(),
		Error:      errMsg,
	}
	if err := e.adapter.RecordHistory(ctx, e.opts.HistoryTable, entry); err != nil {
		// History is bookkeeping, never a reason to fail a phase.
		e.logger.Error("history row failed", "phase", ph.Number, "error", err)
	}
}

func countDistinct(names []string) int {
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		seen[n] = struct{}{}
	}
	return len(seen)
}
