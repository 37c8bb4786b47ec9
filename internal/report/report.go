// Package report renders deployment plans for operators and persists
// run manifests to disk. The manifest checksum binds approvals to the
// exact plan content they were given for.
package report

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"schemadeploy/internal/deploy"
	"schemadeploy/internal/plan"
)

// Manifest is the persisted record of one run: the plan as built, its
// checksum, and the execution result once the run finishes.
type Manifest struct {
	Plan      plan.Plan      `json:"plan"`
	Checksum  string         `json:"checksum"`
	CreatedAt time.Time      `json:"created_at"`
	Result    *deploy.Result `json:"result,omitempty"`
}

// PlanChecksum hashes the plan's JSON form. Two plans with the same
// checksum contain byte-identical operations.
func PlanChecksum(p plan.Plan) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode plan: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// WriteManifest persists the manifest under dir, named by run ID.
func WriteManifest(dir string, m Manifest) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("run_%s.json", m.Plan.RunID))
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", fmt.Errorf("write manifest: %w", err)
	}
	return path, nil
}

// LoadManifest reads a manifest back and verifies its plan checksum.
func LoadManifest(path string) (Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	sum, err := PlanChecksum(m.Plan)
	if err != nil {
		return Manifest{}, err
	}
	if sum != m.Checksum {
		return Manifest{}, fmt.Errorf("manifest %s checksum mismatch: plan content changed since it was written", path)
	}
	return m, nil
}

// RenderPlan writes a human readable view of the plan.
func RenderPlan(w io.Writer, p plan.Plan) {
	fmt.Fprintf(w, "Run %s (created %s)\n", p.RunID, p.CreatedAt.Format(time.RFC3339))
	a := p.Assessment
	fmt.Fprintf(w, "Overall risk: %s (safe=%d warning=%d risky=%d)\n",
		a.Overall, a.SafeCount, a.WarningCount, a.RiskyCount)
	if a.RequiresDualApproval {
		fmt.Fprintln(w, "Approval: two distinct approvers required")
	} else if a.RequiresApproval {
		fmt.Fprintln(w, "Approval: one approver required")
	}
	fmt.Fprintln(w)

	for _, ph := range p.Phases {
		renderPhase(w, ph, false)
	}
	for _, ph := range p.SkippedPhases {
		renderPhase(w, ph, true)
	}
	if len(p.Phases) == 0 && len(p.SkippedPhases) == 0 {
		fmt.Fprintln(w, "No schema changes detected.")
	}
}

func renderPhase(w io.Writer, ph plan.Phase, skipped bool) {
	status := ""
	if skipped {
		status = " (skipped)"
	}
	rollback := "yes"
	if !ph.RollbackCapable {
		rollback = "no"
	}
	fmt.Fprintf(w, "Phase %d: %s [%s]%s rollback=%s\n", ph.Number, ph.Name, ph.Risk, status, rollback)

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"#", "Object", "Action", "SQL"})
	for i, op := range ph.Operations {
		t.AppendRow(table.Row{
			i + 1,
			op.Change.ObjectName,
			fmt.Sprintf("%s %s", op.Change.Type, op.Change.ObjectType),
			truncate(op.SQL, 100),
		})
	}
	t.Render()
	fmt.Fprintln(w)
}

// RenderResult writes a summary of an executed run.
func RenderResult(w io.Writer, r deploy.Result) {
	outcome := "FAILED"
	if r.Success {
		outcome = "succeeded"
	}
	fmt.Fprintf(w, "Run %s %s in %s\n", r.RunID, outcome, r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	if r.BackupHandle != "" {
		fmt.Fprintf(w, "Backup checkpoint: %s\n", r.BackupHandle)
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Phase", "Name", "Risk", "Ops", "Status", "Duration"})
	for _, ph := range r.Phases {
		status := "ok"
		switch {
		case ph.RolledBack:
			status = "rolled back"
		case !ph.Succeeded:
			status = "failed"
		}
		t.AppendRow(table.Row{ph.Number, ph.Name, ph.Risk, ph.Operations, status, ph.Duration.Round(time.Millisecond)})
	}
	t.Render()

	for _, ph := range r.Phases {
		if ph.Error != "" {
			fmt.Fprintf(w, "Phase %d error: %s\n", ph.Number, ph.Error)
		}
	}
}

// truncate shortens rendered SQL without splitting a rune; identifiers
// are operator-provided text and not guaranteed ASCII.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
