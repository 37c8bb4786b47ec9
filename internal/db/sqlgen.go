package db

import (
	"fmt"
	"strings"

	"schemadeploy/internal/diff"
	"schemadeploy/internal/schema"
)

// Generator renders schema changes into provider DDL. It satisfies the
// planner's SQLGenerator interface.
type Generator struct {
	provider string
	open     string
	close    string
}

// NewGenerator returns the DDL generator for a provider name.
func NewGenerator(provider string) (*Generator, error) {
	switch provider {
	case "postgresql", "oracle", "sqlite":
		return &Generator{provider: provider, open: `"`, close: `"`}, nil
	case "mysql":
		return &Generator{provider: provider, open: "`", close: "`"}, nil
	case "sqlserver":
		return &Generator{provider: provider, open: "[", close: "]"}, nil
	default:
		return nil, fmt.Errorf("unsupported provider %s", provider)
	}
}

// ApplySQL returns the statement that applies the change.
func (g *Generator) ApplySQL(c schema.SchemaChange) (string, error) {
	switch {
	case c.Type == schema.ChangeCreate && c.ObjectType == schema.ObjectTable:
		return g.createTable(c)
	case c.Type == schema.ChangeDrop && c.ObjectType == schema.ObjectTable:
		return fmt.Sprintf("DROP TABLE %s", g.table(c)), nil
	case c.Type == schema.ChangeCreate && c.ObjectType == schema.ObjectColumn:
		if c.Property == nil {
			return "", fmt.Errorf("create column %s: missing property payload", c.ObjectName)
		}
		return fmt.Sprintf("ALTER TABLE %s ADD %s", g.table(c), g.propertyDef(*c.Property)), nil
	case c.Type == schema.ChangeAlter && c.ObjectType == schema.ObjectColumn:
		if c.Property == nil {
			return "", fmt.Errorf("alter column %s: missing property payload", c.ObjectName)
		}
		return g.alterColumn(c, *c.Property)
	case c.Type == schema.ChangeDrop && c.ObjectType == schema.ObjectColumn:
		return fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", g.table(c), g.quote(objectLeaf(c.ObjectName))), nil
	case c.Type == schema.ChangeCreate && c.ObjectType == schema.ObjectIndex:
		if c.Index == nil {
			return "", fmt.Errorf("create index %s: missing index payload", c.ObjectName)
		}
		return g.createIndex(c, c.Index.Name, c.Index.Columns, c.Index.Unique, c.Index.Filter), nil
	case c.Type == schema.ChangeDrop && c.ObjectType == schema.ObjectIndex:
		return g.dropIndex(c, objectLeaf(c.ObjectName)), nil
	case c.Type == schema.ChangeCreate && c.ObjectType == schema.ObjectConstraint:
		if c.Relationship == nil {
			return "", fmt.Errorf("create constraint %s: missing relationship payload", c.ObjectName)
		}
		return g.addForeignKey(c, *c.Relationship), nil
	case c.Type == schema.ChangeDrop && c.ObjectType == schema.ObjectConstraint:
		return g.dropConstraint(c, objectLeaf(c.ObjectName)), nil
	default:
		return "", fmt.Errorf("no DDL template for %s %s", c.Type, c.ObjectType)
	}
}

// RollbackSQL derives the compensating statement where one exists.
// Dropped tables have none; dropped columns and constraints are
// re-created from their recorded definitions (without data).
func (g *Generator) RollbackSQL(c schema.SchemaChange) (string, bool) {
	switch {
	case c.Type == schema.ChangeCreate && c.ObjectType == schema.ObjectTable:
		return fmt.Sprintf("DROP TABLE %s", g.table(c)), true
	case c.Type == schema.ChangeCreate && c.ObjectType == schema.ObjectColumn:
		return fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", g.table(c), g.quote(objectLeaf(c.ObjectName))), true
	case c.Type == schema.ChangeAlter && c.ObjectType == schema.ObjectColumn:
		if c.OldColumn == nil {
			return "", false
		}
		stmt, err := g.alterColumn(c, propertyFromColumn(*c.OldColumn))
		if err != nil {
			return "", false
		}
		return stmt, true
	case c.Type == schema.ChangeDrop && c.ObjectType == schema.ObjectColumn:
		if c.OldColumn == nil {
			return "", false
		}
		return fmt.Sprintf("ALTER TABLE %s ADD %s", g.table(c), g.propertyDef(propertyFromColumn(*c.OldColumn))), true
	case c.Type == schema.ChangeCreate && c.ObjectType == schema.ObjectIndex:
		return g.dropIndex(c, c.Index.Name), true
	case c.Type == schema.ChangeDrop && c.ObjectType == schema.ObjectIndex:
		if c.OldIndex == nil {
			return "", false
		}
		return g.createIndex(c, c.OldIndex.Name, c.OldIndex.Columns, c.OldIndex.Unique, c.OldIndex.Filter), true
	case c.Type == schema.ChangeCreate && c.ObjectType == schema.ObjectConstraint:
		return g.dropConstraint(c, c.Relationship.Name), true
	case c.Type == schema.ChangeDrop && c.ObjectType == schema.ObjectConstraint:
		if c.OldConstraint == nil {
			return "", false
		}
		con := c.OldConstraint
		rel := schema.DiscoveredRelationship{
			Name:              con.Name,
			Columns:           con.Columns,
			ReferencedEntity:  con.ReferencedTable,
			ReferencedSchema:  con.ReferencedSchema,
			ReferencedColumns: con.ReferencedColumns,
			OnDelete:          con.OnDelete,
			OnUpdate:          con.OnUpdate,
		}
		return g.addForeignKey(c, rel), true
	default:
		return "", false
	}
}

// createTable renders the table with its primary key columns; remaining
// columns arrive as separate add-column operations.
func (g *Generator) createTable(c schema.SchemaChange) (string, error) {
	if c.Entity == nil {
		return "", fmt.Errorf("create table %s: missing entity payload", c.ObjectName)
	}
	var defs []string
	var pk []string
	for _, p := range c.Entity.Properties {
		if !p.PrimaryKey {
			continue
		}
		defs = append(defs, g.propertyDef(p))
		pk = append(pk, g.quote(p.Name))
	}
	if len(pk) == 0 {
		return "", fmt.Errorf("create table %s: no primary key columns", c.ObjectName)
	}
	defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(pk, ", ")))
	return fmt.Sprintf("CREATE TABLE %s (%s)", g.table(c), strings.Join(defs, ", ")), nil
}

func (g *Generator) alterColumn(c schema.SchemaChange, p schema.DiscoveredProperty) (string, error) {
	table := g.table(c)
	name := g.quote(p.Name)
	switch g.provider {
	case "postgresql":
		actions := []string{fmt.Sprintf("ALTER COLUMN %s TYPE %s", name, g.typeFor(p))}
		if p.Nullable {
			actions = append(actions, fmt.Sprintf("ALTER COLUMN %s DROP NOT NULL", name))
		} else {
			actions = append(actions, fmt.Sprintf("ALTER COLUMN %s SET NOT NULL", name))
		}
		if p.Default != "" {
			actions = append(actions, fmt.Sprintf("ALTER COLUMN %s SET DEFAULT %s", name, defaultLiteral(p)))
		} else {
			actions = append(actions, fmt.Sprintf("ALTER COLUMN %s DROP DEFAULT", name))
		}
		return fmt.Sprintf("ALTER TABLE %s %s", table, strings.Join(actions, ", ")), nil
	case "mysql":
		return fmt.Sprintf("ALTER TABLE %s MODIFY COLUMN %s", table, g.propertyDef(p)), nil
	case "sqlserver":
		return fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s", table, g.propertyDef(p)), nil
	case "oracle":
		return fmt.Sprintf("ALTER TABLE %s MODIFY (%s)", table, g.propertyDef(p)), nil
	default:
		// sqlite cannot alter a column in place; that path needs a table
		// rebuild the engine does not attempt.
		return "", fmt.Errorf("provider %s cannot alter column %s in place", g.provider, p.Name)
	}
}

func (g *Generator) createIndex(c schema.SchemaChange, name string, columns []string, unique bool, filter string) string {
	kind := "INDEX"
	if unique {
		kind = "UNIQUE INDEX"
	}
	cols := make([]string, len(columns))
	for i, col := range columns {
		cols[i] = g.quote(col)
	}
	stmt := fmt.Sprintf("CREATE %s %s ON %s (%s)", kind, g.quote(name), g.table(c), strings.Join(cols, ", "))
	// Filtered indexes exist on postgres, sqlserver, and sqlite only.
	if filter != "" && g.provider != "mysql" && g.provider != "oracle" {
		stmt += " WHERE " + filter
	}
	return stmt
}

func (g *Generator) dropIndex(c schema.SchemaChange, name string) string {
	switch g.provider {
	case "mysql", "sqlserver":
		return fmt.Sprintf("DROP INDEX %s ON %s", g.quote(name), g.table(c))
	case "postgresql":
		if c.Schema != "" {
			return fmt.Sprintf("DROP INDEX %s.%s", g.quote(c.Schema), g.quote(name))
		}
		return fmt.Sprintf("DROP INDEX %s", g.quote(name))
	default:
		return fmt.Sprintf("DROP INDEX %s", g.quote(name))
	}
}

func (g *Generator) addForeignKey(c schema.SchemaChange, rel schema.DiscoveredRelationship) string {
	cols := make([]string, len(rel.Columns))
	for i, col := range rel.Columns {
		cols[i] = g.quote(col)
	}
	refCols := make([]string, len(rel.ReferencedColumns))
	for i, col := range rel.ReferencedColumns {
		refCols[i] = g.quote(col)
	}
	refSchema := rel.ReferencedSchema
	if refSchema == "" {
		refSchema = c.Schema
	}
	ref := g.quote(rel.ReferencedEntity)
	if refSchema != "" {
		ref = g.quote(refSchema) + "." + ref
	}
	stmt := fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (%s)",
		g.table(c), g.quote(rel.Name), strings.Join(cols, ", "), ref, strings.Join(refCols, ", "))
	if rel.OnDelete != "" {
		stmt += " ON DELETE " + strings.ToUpper(rel.OnDelete)
	}
	if rel.OnUpdate != "" {
		stmt += " ON UPDATE " + strings.ToUpper(rel.OnUpdate)
	}
	return stmt
}

func (g *Generator) dropConstraint(c schema.SchemaChange, name string) string {
	if g.provider == "mysql" {
		return fmt.Sprintf("ALTER TABLE %s DROP FOREIGN KEY %s", g.table(c), g.quote(name))
	}
	return fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT %s", g.table(c), g.quote(name))
}

func (g *Generator) propertyDef(p schema.DiscoveredProperty) string {
	def := g.quote(p.Name) + " " + g.typeFor(p)
	if !p.Nullable {
		def += " NOT NULL"
	}
	if p.Default != "" {
		def += " DEFAULT " + defaultLiteral(p)
	}
	return def
}

// providerTypes maps the canonical type to each provider's spelling.
// %d/%d,%d placeholders take length or precision,scale.
var providerTypes = map[string]map[string]string{
	"postgresql": {
		"integer": "integer", "bigint": "bigint", "smallint": "smallint",
		"varchar": "varchar(%d)", "text": "text", "double": "double precision",
		"real": "real", "decimal": "numeric(%d,%d)", "boolean": "boolean",
		"timestamp": "timestamp", "timestamptz": "timestamptz", "date": "date",
		"time": "time", "uuid": "uuid", "blob": "bytea",
	},
	"mysql": {
		"integer": "int", "bigint": "bigint", "smallint": "smallint",
		"varchar": "varchar(%d)", "text": "text", "double": "double",
		"real": "float", "decimal": "decimal(%d,%d)", "boolean": "tinyint(1)",
		"timestamp": "datetime", "timestamptz": "timestamp", "date": "date",
		"time": "time", "uuid": "char(36)", "blob": "blob",
	},
	"sqlserver": {
		"integer": "int", "bigint": "bigint", "smallint": "smallint",
		"varchar": "nvarchar(%d)", "text": "nvarchar(max)", "double": "float",
		"real": "real", "decimal": "decimal(%d,%d)", "boolean": "bit",
		"timestamp": "datetime2", "timestamptz": "datetimeoffset", "date": "date",
		"time": "time", "uuid": "uniqueidentifier", "blob": "varbinary(max)",
	},
	"oracle": {
		"integer": "NUMBER(10)", "bigint": "NUMBER(19)", "smallint": "NUMBER(5)",
		"varchar": "VARCHAR2(%d)", "text": "CLOB", "double": "BINARY_DOUBLE",
		"real": "BINARY_FLOAT", "decimal": "NUMBER(%d,%d)", "boolean": "NUMBER(1)",
		"timestamp": "TIMESTAMP", "timestamptz": "TIMESTAMP WITH TIME ZONE", "date": "DATE",
		"time": "TIMESTAMP", "uuid": "RAW(16)", "blob": "BLOB",
	},
	"sqlite": {
		"integer": "INTEGER", "bigint": "INTEGER", "smallint": "INTEGER",
		"varchar": "TEXT", "text": "TEXT", "double": "REAL",
		"real": "REAL", "decimal": "NUMERIC", "boolean": "INTEGER",
		"timestamp": "TIMESTAMP", "timestamptz": "TIMESTAMP", "date": "DATE",
		"time": "TIME", "uuid": "TEXT", "blob": "BLOB",
	},
}

func (g *Generator) typeFor(p schema.DiscoveredProperty) string {
	canonical := diff.NormalizeType(p.DataType)
	tpl, ok := providerTypes[g.provider][canonical]
	if !ok {
		// Pass unknown types through verbatim; the provider will reject
		// them with a clearer message than we could synthesize.
		return p.DataType
	}
	switch strings.Count(tpl, "%d") {
	case 1:
		length := p.Length
		if length <= 0 {
			length = 255
		}
		return fmt.Sprintf(tpl, length)
	case 2:
		precision, scale := p.Precision, p.Scale
		if precision <= 0 {
			precision, scale = 18, 2
		}
		return fmt.Sprintf(tpl, precision, scale)
	default:
		return tpl
	}
}

func defaultLiteral(p schema.DiscoveredProperty) string {
	switch diff.NormalizeType(p.DataType) {
	case "varchar", "text", "uuid", "date", "time", "timestamp", "timestamptz":
		if strings.HasPrefix(p.Default, "'") || strings.Contains(strings.ToLower(p.Default), "(") {
			return p.Default
		}
		return "'" + strings.ReplaceAll(p.Default, "'", "''") + "'"
	default:
		return p.Default
	}
}

func propertyFromColumn(col schema.SchemaColumn) schema.DiscoveredProperty {
	return schema.DiscoveredProperty{
		Name:      col.Name,
		DataType:  col.DataType,
		Nullable:  col.Nullable,
		Length:    col.Length,
		Precision: col.Precision,
		Scale:     col.Scale,
		Default:   col.DefaultValue.String,
	}
}

func (g *Generator) table(c schema.SchemaChange) string {
	if c.Schema != "" {
		return g.quote(c.Schema) + "." + g.quote(c.Table)
	}
	return g.quote(c.Table)
}

func (g *Generator) quote(ident string) string {
	return g.open + ident + g.close
}

func objectLeaf(objectName string) string {
	if i := strings.LastIndexByte(objectName, '.'); i >= 0 {
		return objectName[i+1:]
	}
	return objectName
}
