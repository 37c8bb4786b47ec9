// Package plan turns a classified change set into an ordered deployment
// plan: a dependency-safe sequence of risk-homogeneous phases, each an
// approval unit of its own.
package plan

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"schemadeploy/internal/dag"
	"schemadeploy/internal/exitcode"
	"schemadeploy/internal/risk"
	"schemadeploy/internal/schema"
)

// DefaultMaxPhases is the derived upper bound on phase count under the
// legacy category ordering. Build verifies it as a post-condition.
const DefaultMaxPhases = 29

// SQLGenerator renders a change into provider-specific DDL. Implemented
// by the db package per provider.
type SQLGenerator interface {
	// ApplySQL returns the statement that applies the change.
	ApplySQL(c schema.SchemaChange) (string, error)
	// RollbackSQL returns the compensating statement, or ok=false when
	// none is derivable.
	RollbackSQL(c schema.SchemaChange) (string, bool)
}

// Options controls phase construction.
type Options struct {
	EnablePhasedDeployment bool
	SkipWarningPhases      bool
	MaxPhases              int
}

// Operation is one executable statement with its compensating rollback.
type Operation struct {
	Change      schema.SchemaChange `json:"change"`
	SQL         string              `json:"sql"`
	RollbackSQL string              `json:"rollback_sql,omitempty"`
}

// Phase is a dependency-ordered batch of operations sharing one risk
// level, executed and approved as a unit.
type Phase struct {
	Number               int              `json:"number"`
	Name                 string           `json:"name"`
	Risk                 schema.RiskLevel `json:"risk"`
	RequiresApproval     bool             `json:"requires_approval"`
	RequiresDualApproval bool             `json:"requires_dual_approval"`
	RollbackCapable      bool             `json:"rollback_capable"`
	Operations           []Operation      `json:"operations"`
}

// Plan is the full deployment plan. Built once, never mutated by the
// executor.
type Plan struct {
	RunID         uuid.UUID       `json:"run_id"`
	CreatedAt     time.Time       `json:"created_at"`
	Phases        []Phase         `json:"phases"`
	SkippedPhases []Phase         `json:"skipped_phases,omitempty"`
	Assessment    risk.Assessment `json:"assessment"`
}

// OperationCount returns the number of executable operations.
func (p *Plan) OperationCount() int {
	n := 0
	for _, ph := range p.Phases {
		n += len(ph.Operations)
	}
	return n
}

// Build orders the classified changes by dependency, renders their SQL,
// and buckets them into phases. A true dependency cycle is a fatal
// planning error; the plan is never returned partially ordered.
func Build(changes []schema.SchemaChange, gen SQLGenerator, opts Options) (*Plan, error) {
	if opts.MaxPhases <= 0 {
		opts.MaxPhases = DefaultMaxPhases
	}

	p := &Plan{
		RunID:      uuid.New(),
		CreatedAt:  time.Now().UTC(),
		Assessment: risk.Assess(changes),
	}
	if len(changes) == 0 {
		return p, nil
	}

	ordered, err := orderByDependency(changes)
	if err != nil {
		return nil, err
	}

	ops := make([]Operation, 0, len(ordered))
	for _, c := range ordered {
		sql, err := gen.ApplySQL(c)
		if err != nil {
			return nil, &exitcode.Error{
				Kind:   exitcode.SchemaValidationFailure,
				Object: c.ObjectName,
				Schema: c.Schema,
				Err:    fmt.Errorf("render %s %s: %w", c.Type, c.ObjectType, err),
			}
		}
		op := Operation{Change: c, SQL: sql}
		if !c.NoRollback {
			if rb, ok := gen.RollbackSQL(c); ok {
				op.RollbackSQL = rb
			}
		}
		ops = append(ops, op)
	}

	if opts.EnablePhasedDeployment {
		p.Phases = bucketPhases(ops, opts.MaxPhases)
	} else {
		p.Phases = []Phase{singlePhase(ops)}
	}

	if len(p.Phases) > opts.MaxPhases {
		return nil, exitcode.New(exitcode.SchemaValidationFailure,
			"plan has %d phases, exceeding the %d phase bound", len(p.Phases), opts.MaxPhases)
	}

	if opts.SkipWarningPhases {
		var kept []Phase
		for _, ph := range p.Phases {
			if ph.Risk == schema.RiskWarning {
				p.SkippedPhases = append(p.SkippedPhases, ph)
				continue
			}
			kept = append(kept, ph)
		}
		p.Phases = kept
	}

	return p, nil
}

// orderByDependency topologically sorts changes. Each change becomes a
// node; an edge is added from the change that creates a dependency to the
// dependent change. A dependency naming an object with no change in the
// plan refers to something that already exists and adds no edge.
func orderByDependency(changes []schema.SchemaChange) ([]schema.SchemaChange, error) {
	g := dag.NewGraph()
	byID := make(map[string]schema.SchemaChange, len(changes))
	createdBy := make(map[string]string)

	for _, c := range changes {
		id := changeID(c)
		g.AddNode(id)
		byID[id] = c
		if c.Type == schema.ChangeCreate {
			createdBy[c.ObjectName] = id
		}
	}

	for _, c := range changes {
		id := changeID(c)
		for _, dep := range c.Dependencies {
			parent, ok := createdBy[dep]
			if !ok || parent == id {
				continue
			}
			if err := g.AddEdge(parent, id); err != nil {
				return nil, exitcode.Wrap(exitcode.SchemaValidationFailure, err)
			}
		}
	}

	sorted, err := g.TopoSort()
	if err != nil {
		return nil, exitcode.Wrap(exitcode.SchemaValidationFailure, err)
	}

	out := make([]schema.SchemaChange, 0, len(sorted))
	for _, id := range sorted {
		out = append(out, byID[id])
	}
	return out, nil
}

func changeID(c schema.SchemaChange) string {
	return string(c.Type) + ":" + string(c.ObjectType) + ":" + c.ObjectName
}

type bucketKey struct {
	Type   schema.ChangeType
	Object schema.ObjectType
	Risk   schema.RiskLevel
}

// bucketPhases groups consecutive operations sharing (change type, object
// type, risk) into phases. The walk preserves topological order, so a
// phase boundary can never reorder dependent operations. If the bucketing
// produces more phases than the bound allows, adjacent same-risk phases
// are merged; risk homogeneity is preserved either way.
func bucketPhases(ops []Operation, maxPhases int) []Phase {
	var phases []Phase
	var current *Phase
	var currentKey bucketKey

	for _, op := range ops {
		key := bucketKey{op.Change.Type, op.Change.ObjectType, op.Change.Risk}
		if current == nil || key != currentKey {
			phases = append(phases, Phase{
				Name: fmt.Sprintf("%s %ss", op.Change.Type, op.Change.ObjectType),
				Risk: op.Change.Risk,
			})
			current = &phases[len(phases)-1]
			currentKey = key
		}
		current.Operations = append(current.Operations, op)
	}

	for len(phases) > maxPhases {
		merged := mergeAdjacentSameRisk(phases)
		if len(merged) == len(phases) {
			break
		}
		phases = merged
	}

	for i := range phases {
		finalizePhase(&phases[i], i+1)
	}
	return phases
}

func mergeAdjacentSameRisk(phases []Phase) []Phase {
	out := phases[:0:0]
	for _, ph := range phases {
		if n := len(out); n > 0 && out[n-1].Risk == ph.Risk {
			out[n-1].Operations = append(out[n-1].Operations, ph.Operations...)
			out[n-1].Name = out[n-1].Name + ", " + ph.Name
			continue
		}
		out = append(out, ph)
	}
	return out
}

func singlePhase(ops []Operation) Phase {
	ph := Phase{Name: "full deployment", Operations: ops}
	for _, op := range ops {
		ph.Risk = schema.MaxRisk(ph.Risk, op.Change.Risk)
	}
	finalizePhase(&ph, 1)
	return ph
}

func finalizePhase(ph *Phase, number int) {
	ph.Number = number
	ph.RequiresApproval = ph.Risk > schema.RiskSafe
	ph.RequiresDualApproval = ph.Risk == schema.RiskRisky
	ph.RollbackCapable = true
	for _, op := range ph.Operations {
		if op.RollbackSQL == "" {
			ph.RollbackCapable = false
			break
		}
	}
}
