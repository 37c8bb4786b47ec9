package schema

import (
	"database/sql"
	"fmt"
	"time"
)

// RiskLevel classifies the data-loss/breakage potential of a change.
type RiskLevel int

const (
	RiskSafe RiskLevel = iota
	RiskWarning
	RiskRisky
)

func (r RiskLevel) String() string {
	switch r {
	case RiskSafe:
		return "safe"
	case RiskWarning:
		return "warning"
	case RiskRisky:
		return "risky"
	default:
		return fmt.Sprintf("risk(%d)", int(r))
	}
}

// MaxRisk returns the higher of two levels.
func MaxRisk(a, b RiskLevel) RiskLevel {
	if b > a {
		return b
	}
	return a
}

// ChangeType is the kind of DDL action a change represents.
type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeAlter  ChangeType = "alter"
	ChangeDrop   ChangeType = "drop"
)

// ObjectType is the kind of database object a change targets.
type ObjectType string

const (
	ObjectTable      ObjectType = "table"
	ObjectColumn     ObjectType = "column"
	ObjectIndex      ObjectType = "index"
	ObjectConstraint ObjectType = "constraint"
)

// DiscoveredEntity is one intended table, produced by the upstream
// discovery collaborator. Immutable for the duration of a run.
type DiscoveredEntity struct {
	Name          string                   `json:"name"`
	Schema        string                   `json:"schema"`
	Properties    []DiscoveredProperty     `json:"properties"`
	Indexes       []DiscoveredIndex        `json:"indexes,omitempty"`
	Relationships []DiscoveredRelationship `json:"relationships,omitempty"`
}

// QualifiedName returns schema.name, or just name when no schema is set.
func (e DiscoveredEntity) QualifiedName() string {
	return QualifiedName(e.Schema, e.Name)
}

// DiscoveredProperty is one intended column.
type DiscoveredProperty struct {
	Name       string `json:"name"`
	DataType   string `json:"data_type"`
	Nullable   bool   `json:"nullable"`
	PrimaryKey bool   `json:"primary_key"`
	Unique     bool   `json:"unique"`
	Indexed    bool   `json:"indexed"`
	Length     int    `json:"length,omitempty"`
	Precision  int    `json:"precision,omitempty"`
	Scale      int    `json:"scale,omitempty"`
	Default    string `json:"default,omitempty"`
}

// DiscoveredIndex is an intended secondary index.
type DiscoveredIndex struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	Unique  bool     `json:"unique"`
	Filter  string   `json:"filter,omitempty"`
}

// DiscoveredRelationship is an intended foreign key.
type DiscoveredRelationship struct {
	Name              string   `json:"name"`
	Columns           []string `json:"columns"`
	ReferencedEntity  string   `json:"referenced_entity"`
	ReferencedSchema  string   `json:"referenced_schema,omitempty"`
	ReferencedColumns []string `json:"referenced_columns"`
	OnDelete          string   `json:"on_delete,omitempty"`
	OnUpdate          string   `json:"on_update,omitempty"`
}

// EntityDiscoveryResult is the full output of the discovery step.
type EntityDiscoveryResult struct {
	Entities     []DiscoveredEntity `json:"entities"`
	Source       string             `json:"source,omitempty"`
	DiscoveredAt time.Time          `json:"discovered_at,omitempty"`
}

// DatabaseSchema holds the introspected structure of a database.
type DatabaseSchema struct {
	Name       string
	Tables     map[string]SchemaTable
	Views      []SchemaView
	Procedures []SchemaProcedure
	Functions  []SchemaFunction
}

// SchemaTable describes a live table and its columns.
type SchemaTable struct {
	Name        string
	Schema      string
	Columns     map[string]SchemaColumn
	PrimaryKey  []string
	Indexes     []SchemaIndex
	Constraints []SchemaConstraint
}

// QualifiedName returns schema.name, or just name when no schema is set.
func (t SchemaTable) QualifiedName() string {
	return QualifiedName(t.Schema, t.Name)
}

// SchemaColumn describes a live table column.
type SchemaColumn struct {
	Name         string
	DataType     string
	Nullable     bool
	Length       int
	Precision    int
	Scale        int
	DefaultValue sql.NullString
}

// SchemaIndex describes a live index.
type SchemaIndex struct {
	Name    string
	Columns []string
	Unique  bool
	Primary bool
	Filter  string
}

// SchemaConstraint describes a live constraint (foreign key, check, unique).
type SchemaConstraint struct {
	Name              string
	Type              string // "FOREIGN KEY", "CHECK", "UNIQUE"
	Columns           []string
	ReferencedTable   string
	ReferencedSchema  string
	ReferencedColumns []string
	OnDelete          string
	OnUpdate          string
	Definition        string
}

// SchemaView, SchemaProcedure, SchemaFunction are introspected but never
// diffed; the engine only reconciles tables.
type SchemaView struct {
	Name       string
	Schema     string
	Definition string
}

type SchemaProcedure struct {
	Name   string
	Schema string
}

type SchemaFunction struct {
	Name   string
	Schema string
}

// SchemaChange is one atomic difference between intent and live schema.
// Created by the diff engine, annotated in place by the risk classifier,
// read-only to the planner and executor.
type SchemaChange struct {
	Type        ChangeType
	ObjectType  ObjectType
	Schema      string
	Table       string
	ObjectName  string // qualified object the change targets
	Description string
	Risk        RiskLevel
	NoRollback  bool
	// Dependencies names objects that must exist before this change runs.
	Dependencies []string

	// Payload for SQL generation. Only the fields relevant to the
	// change type are populated.
	Entity        *DiscoveredEntity
	Property      *DiscoveredProperty
	OldColumn     *SchemaColumn
	Index         *DiscoveredIndex
	OldIndex      *SchemaIndex
	Relationship  *DiscoveredRelationship
	OldConstraint *SchemaConstraint
}

// QualifiedName joins a schema qualifier and object name.
func QualifiedName(schemaName, name string) string {
	if schemaName == "" {
		return name
	}
	return schemaName + "." + name
}
