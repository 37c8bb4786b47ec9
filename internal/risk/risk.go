// Package risk classifies schema changes by their potential for data loss
// or breaking impact. Classification is a data-driven lookup over
// (change type, object type) followed by an escalation pass, so the rule
// set stays testable in isolation from control flow.
package risk

import (
	"fmt"

	"schemadeploy/internal/diff"
	"schemadeploy/internal/schema"
)

type ruleKey struct {
	Type   schema.ChangeType
	Object schema.ObjectType
}

// baseRules maps each (change type, object type) pair to its base level.
// Escalation in classify only ever raises the level, never lowers it.
var baseRules = map[ruleKey]schema.RiskLevel{
	{schema.ChangeCreate, schema.ObjectTable}:      schema.RiskSafe,
	{schema.ChangeCreate, schema.ObjectColumn}:     schema.RiskSafe,
	{schema.ChangeCreate, schema.ObjectIndex}:      schema.RiskSafe,
	{schema.ChangeCreate, schema.ObjectConstraint}: schema.RiskWarning,

	{schema.ChangeAlter, schema.ObjectTable}:      schema.RiskWarning,
	{schema.ChangeAlter, schema.ObjectColumn}:     schema.RiskWarning,
	{schema.ChangeAlter, schema.ObjectIndex}:      schema.RiskWarning,
	{schema.ChangeAlter, schema.ObjectConstraint}: schema.RiskWarning,

	{schema.ChangeDrop, schema.ObjectTable}:      schema.RiskRisky,
	{schema.ChangeDrop, schema.ObjectColumn}:     schema.RiskRisky,
	{schema.ChangeDrop, schema.ObjectIndex}:      schema.RiskWarning,
	{schema.ChangeDrop, schema.ObjectConstraint}: schema.RiskWarning,
}

// Classify annotates every change in place with its risk level and
// rollback capability.
func Classify(changes []schema.SchemaChange) {
	for i := range changes {
		classify(&changes[i])
	}
}

func classify(c *schema.SchemaChange) {
	level, ok := baseRules[ruleKey{c.Type, c.ObjectType}]
	if !ok {
		// Unknown combination: fail conservative.
		level = schema.RiskRisky
	}

	if c.Type == schema.ChangeAlter && c.ObjectType == schema.ObjectColumn {
		level = schema.MaxRisk(level, alterColumnRisk(c))
	}

	// No rollback script is derivable for a dropped table: re-creating
	// the definition would not restore its rows.
	if c.Type == schema.ChangeDrop && c.ObjectType == schema.ObjectTable {
		c.NoRollback = true
	}

	c.Risk = level
}

// alterColumnRisk escalates column alterations: narrowing a type or
// shrinking length/precision can truncate data (Risky); widening, adding
// NOT NULL, or changing a default can reject rows but not destroy them
// (Warning).
func alterColumnRisk(c *schema.SchemaChange) schema.RiskLevel {
	p, old := c.Property, c.OldColumn
	if p == nil || old == nil {
		return schema.RiskWarning
	}
	if diff.NormalizeType(p.DataType) != diff.NormalizeType(old.DataType) {
		return schema.RiskRisky
	}
	if p.Length != 0 && old.Length != 0 && p.Length < old.Length {
		return schema.RiskRisky
	}
	if p.Precision != 0 && old.Precision != 0 && p.Precision < old.Precision {
		return schema.RiskRisky
	}
	return schema.RiskWarning
}

// Factor explains one contribution to the overall assessment.
type Factor struct {
	Object string           `json:"object"`
	Level  schema.RiskLevel `json:"level"`
	Reason string           `json:"reason"`
}

// Assessment aggregates risk over a whole change set. Recompute it
// whenever the change set changes; it carries no state of its own.
type Assessment struct {
	Overall              schema.RiskLevel `json:"overall"`
	SafeCount            int              `json:"safe_count"`
	WarningCount         int              `json:"warning_count"`
	RiskyCount           int              `json:"risky_count"`
	RequiresApproval     bool             `json:"requires_approval"`
	RequiresDualApproval bool             `json:"requires_dual_approval"`
	Factors              []Factor         `json:"factors,omitempty"`
}

// Assess computes the aggregate assessment for classified changes.
func Assess(changes []schema.SchemaChange) Assessment {
	a := Assessment{}
	for _, c := range changes {
		a.Overall = schema.MaxRisk(a.Overall, c.Risk)
		switch c.Risk {
		case schema.RiskSafe:
			a.SafeCount++
		case schema.RiskWarning:
			a.WarningCount++
		case schema.RiskRisky:
			a.RiskyCount++
		}
		if c.Risk > schema.RiskSafe {
			a.Factors = append(a.Factors, Factor{
				Object: c.ObjectName,
				Level:  c.Risk,
				Reason: fmt.Sprintf("%s %s: %s", c.Type, c.ObjectType, c.Description),
			})
		}
	}
	a.RequiresApproval = a.Overall > schema.RiskSafe
	a.RequiresDualApproval = a.RiskyCount > 0
	return a
}
