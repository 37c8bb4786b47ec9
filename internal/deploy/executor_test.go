package deploy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schemadeploy/internal/db"
	"schemadeploy/internal/exitcode"
	"schemadeploy/internal/plan"
	"schemadeploy/internal/risk"
	"schemadeploy/internal/schema"
)

// fakeAdapter records statements and fails on demand.
type fakeAdapter struct {
	executed []string
	failOn   string
	backups  int
	history  []db.HistoryEntry
}

func (f *fakeAdapter) Provider() string          { return "fake" }
func (f *fakeAdapter) Close() error              { return nil }
func (f *fakeAdapter) Ping(context.Context) error { return nil }
func (f *fakeAdapter) FetchSchema(context.Context, string) (schema.DatabaseSchema, error) {
	return schema.DatabaseSchema{}, nil
}

func (f *fakeAdapter) ExecDDL(_ context.Context, stmt string) error {
	if stmt == f.failOn {
		return assert.AnError
	}
	f.executed = append(f.executed, stmt)
	return nil
}

func (f *fakeAdapter) Backup(context.Context, string) (string, error) {
	f.backups++
	return "checkpoint-1", nil
}

func (f *fakeAdapter) EnsureHistoryTable(context.Context, string) error { return nil }

func (f *fakeAdapter) RecordHistory(_ context.Context, _ string, entry db.HistoryEntry) error {
	f.history = append(f.history, entry)
	return nil
}

func (f *fakeAdapter) FetchHistory(context.Context, string, int) ([]db.HistoryEntry, error) {
	return nil, nil
}

type staticLicense bool

func (s staticLicense) Valid() bool { return bool(s) }

func op(objectName, sql, rollback string) plan.Operation {
	return plan.Operation{
		Change:      schema.SchemaChange{Type: schema.ChangeCreate, ObjectType: schema.ObjectTable, ObjectName: objectName},
		SQL:         sql,
		RollbackSQL: rollback,
	}
}

func threePhases() *plan.Plan {
	return &plan.Plan{
		Phases: []plan.Phase{
			{Number: 1, Name: "create tables", Risk: schema.RiskSafe,
				Operations: []plan.Operation{op("a", "CREATE a", "DROP a")}},
			{Number: 2, Name: "create columns", Risk: schema.RiskSafe,
				Operations: []plan.Operation{
					op("b.x", "ADD b.x", "DROP b.x"),
					op("b.y", "ADD b.y", "DROP b.y"),
					op("b.z", "ADD b.z", "DROP b.z"),
				}},
			{Number: 3, Name: "create indexes", Risk: schema.RiskSafe,
				Operations: []plan.Operation{op("ix", "CREATE ix", "DROP ix")}},
		},
	}
}

func TestExecute_AllPhasesSucceed(t *testing.T) {
	adapter := &fakeAdapter{}
	exec := New(adapter, staticLicense(true), nil, Options{})

	result, err := exec.Execute(context.Background(), threePhases())
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.Success)
	assert.Len(t, result.Phases, 3)
	assert.Equal(t, []string{"CREATE a", "ADD b.x", "ADD b.y", "ADD b.z", "CREATE ix"}, adapter.executed)
}

func TestExecute_PhaseFailureRollsBackOnlyThatPhase(t *testing.T) {
	adapter := &fakeAdapter{failOn: "ADD b.z"}
	exec := New(adapter, staticLicense(true), nil, Options{})

	result, err := exec.Execute(context.Background(), threePhases())
	require.Error(t, err)
	assert.Equal(t, exitcode.DeploymentExecutionFailure, exitcode.KindOf(err))

	// Phase 1 committed, phase 2 partially executed then unwound in
	// reverse, phase 3 never started.
	assert.Equal(t, []string{
		"CREATE a",
		"ADD b.x", "ADD b.y",
		"DROP b.y", "DROP b.x",
	}, adapter.executed)

	require.Len(t, result.Phases, 2)
	assert.True(t, result.Phases[0].Succeeded)
	assert.False(t, result.Phases[1].Succeeded)
	assert.True(t, result.Phases[1].RolledBack)
	assert.False(t, result.Success)

	var execErr *exitcode.Error
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, 2, execErr.Phase)
	assert.Equal(t, "b.z", execErr.Object)
}

func TestExecute_LicenseLostStopsAtPhaseBoundary(t *testing.T) {
	adapter := &fakeAdapter{}
	exec := New(adapter, staticLicense(false), nil, Options{})

	result, err := exec.Execute(context.Background(), threePhases())
	require.Error(t, err)
	assert.Equal(t, exitcode.LicenseUnavailable, exitcode.KindOf(err))
	assert.Empty(t, adapter.executed, "no DDL may run without a valid license")
	assert.Empty(t, result.Phases)
}

func TestExecute_CancellationAtPhaseBoundary(t *testing.T) {
	adapter := &fakeAdapter{}
	exec := New(adapter, staticLicense(true), nil, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := exec.Execute(ctx, threePhases())
	require.Error(t, err)
	assert.Equal(t, exitcode.DeploymentExecutionFailure, exitcode.KindOf(err))
	assert.Empty(t, adapter.executed)
}

func TestExecute_BackupRunsBeforeFirstPhase(t *testing.T) {
	adapter := &fakeAdapter{}
	exec := New(adapter, staticLicense(true), nil, Options{BackupBeforeDeployment: true})

	result, err := exec.Execute(context.Background(), threePhases())
	require.NoError(t, err)
	assert.Equal(t, 1, adapter.backups)
	assert.Equal(t, "checkpoint-1", result.BackupHandle)
}

func TestExecute_HistoryRecorded(t *testing.T) {
	adapter := &fakeAdapter{}
	exec := New(adapter, staticLicense(true), nil, Options{HistoryTable: "schemadeploy_history"})

	_, err := exec.Execute(context.Background(), threePhases())
	require.NoError(t, err)

	// One running and one succeeded row per phase.
	require.Len(t, adapter.history, 6)
	assert.Equal(t, "running", adapter.history[0].Status)
	assert.Equal(t, "succeeded", adapter.history[1].Status)
}

func TestExecute_EmptyPlanSucceeds(t *testing.T) {
	adapter := &fakeAdapter{}
	exec := New(adapter, staticLicense(true), nil, Options{BackupBeforeDeployment: true})

	result, err := exec.Execute(context.Background(), &plan.Plan{})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Zero(t, adapter.backups, "nothing to deploy means nothing to back up")
}

func warningAndRiskyPlan() *plan.Plan {
	changes := []schema.SchemaChange{
		{Type: schema.ChangeAlter, ObjectType: schema.ObjectColumn, ObjectName: "t.a"},
		{Type: schema.ChangeDrop, ObjectType: schema.ObjectColumn, ObjectName: "t.b"},
	}
	risk.Classify(changes)
	return &plan.Plan{
		Phases: []plan.Phase{
			{Number: 1, Name: "alter columns", Risk: schema.RiskWarning, RequiresApproval: true,
				Operations: []plan.Operation{{Change: changes[0], SQL: "ALTER t.a"}}},
			{Number: 2, Name: "drop columns", Risk: schema.RiskRisky, RequiresApproval: true, RequiresDualApproval: true,
				Operations: []plan.Operation{{Change: changes[1], SQL: "DROP t.b"}}},
		},
	}
}

func TestCheckApprovals(t *testing.T) {
	p := warningAndRiskyPlan()

	// No approvals at all: the Risky shortfall wins.
	err := CheckApprovals(p, Options{})
	require.Error(t, err)
	assert.Equal(t, exitcode.RiskyDualApprovalRequired, exitcode.KindOf(err))

	// Dual approval satisfied, Warning still unapproved.
	err = CheckApprovals(p, Options{RiskyApprovals: []string{"ana", "ben"}})
	require.Error(t, err)
	assert.Equal(t, exitcode.WarningApprovalRequired, exitcode.KindOf(err))

	// The same approver twice does not count as two.
	err = CheckApprovals(p, Options{RiskyApprovals: []string{"ana", "ana"}, WarningApprovals: []string{"cay"}})
	require.Error(t, err)
	assert.Equal(t, exitcode.RiskyDualApprovalRequired, exitcode.KindOf(err))

	// Fully approved.
	err = CheckApprovals(p, Options{RiskyApprovals: []string{"ana", "ben"}, WarningApprovals: []string{"cay"}})
	assert.NoError(t, err)
}

func TestExecute_UnapprovedPlanRunsNothing(t *testing.T) {
	adapter := &fakeAdapter{}
	exec := New(adapter, staticLicense(true), nil, Options{BackupBeforeDeployment: true})

	result, err := exec.Execute(context.Background(), warningAndRiskyPlan())
	require.Error(t, err)
	assert.Equal(t, exitcode.RiskyDualApprovalRequired, exitcode.KindOf(err))
	require.NotNil(t, result, "halted runs still report a result so the caller can persist it")
	assert.Empty(t, adapter.executed)
	assert.Zero(t, adapter.backups, "approval halt must precede the backup")
	assert.False(t, result.Success)
}
