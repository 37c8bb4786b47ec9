// Package diff computes the one-directional difference between the
// discovered entity model and a live database schema. Objects that exist
// in the database but are not part of the discovered model are left
// untouched; the diff converges the database toward declared intent,
// never the reverse.
package diff

import (
	"fmt"
	"sort"
	"strings"

	"schemadeploy/internal/schema"
)

// Compare produces the ordered list of atomic changes needed to bring the
// live schema in line with the discovered entities. The result is
// deterministic: tables, then columns, then indexes, then constraints,
// with creations before alterations before drops inside each category.
func Compare(entities []schema.DiscoveredEntity, live schema.DatabaseSchema) []schema.SchemaChange {
	var changes []schema.SchemaChange

	tables := liveTableLookup(live)

	for _, entity := range entities {
		table, ok := tables[strings.ToLower(entity.QualifiedName())]
		if !ok {
			table, ok = tables[strings.ToLower(entity.Name)]
		}
		if !ok {
			changes = append(changes, newTableChanges(entity)...)
			continue
		}
		changes = append(changes, compareTable(entity, table)...)
	}

	orderChanges(changes)
	return changes
}

// newTableChanges emits the change set for an entity with no live table:
// a create-table carrying the primary key columns, one create-column per
// remaining property, and one create per index and relationship.
func newTableChanges(entity schema.DiscoveredEntity) []schema.SchemaChange {
	e := entity
	qname := e.QualifiedName()

	changes := []schema.SchemaChange{{
		Type:        schema.ChangeCreate,
		ObjectType:  schema.ObjectTable,
		Schema:      e.Schema,
		Table:       e.Name,
		ObjectName:  qname,
		Description: fmt.Sprintf("create table %s (%d columns)", qname, len(e.Properties)),
		Entity:      &e,
	}}

	for i := range e.Properties {
		p := e.Properties[i]
		if p.PrimaryKey {
			continue
		}
		changes = append(changes, schema.SchemaChange{
			Type:         schema.ChangeCreate,
			ObjectType:   schema.ObjectColumn,
			Schema:       e.Schema,
			Table:        e.Name,
			ObjectName:   qname + "." + p.Name,
			Description:  fmt.Sprintf("add column %s.%s (%s)", qname, p.Name, p.DataType),
			Dependencies: []string{qname},
			Property:     &p,
		})
	}

	for i := range e.Indexes {
		idx := e.Indexes[i]
		changes = append(changes, schema.SchemaChange{
			Type:         schema.ChangeCreate,
			ObjectType:   schema.ObjectIndex,
			Schema:       e.Schema,
			Table:        e.Name,
			ObjectName:   qname + "." + idx.Name,
			Description:  fmt.Sprintf("create index %s on %s (%s)", idx.Name, qname, strings.Join(idx.Columns, ", ")),
			Dependencies: []string{qname},
			Index:        &idx,
		})
	}

	for i := range e.Relationships {
		rel := e.Relationships[i]
		refName := referencedName(e, rel)
		changes = append(changes, schema.SchemaChange{
			Type:         schema.ChangeCreate,
			ObjectType:   schema.ObjectConstraint,
			Schema:       e.Schema,
			Table:        e.Name,
			ObjectName:   qname + "." + rel.Name,
			Description:  fmt.Sprintf("add foreign key %s: %s -> %s", rel.Name, qname, refName),
			Dependencies: []string{qname, refName},
			Relationship: &rel,
		})
	}

	return changes
}

// compareTable diffs one entity against its live counterpart.
func compareTable(entity schema.DiscoveredEntity, table schema.SchemaTable) []schema.SchemaChange {
	var changes []schema.SchemaChange
	qname := entity.QualifiedName()

	liveCols := make(map[string]schema.SchemaColumn, len(table.Columns))
	for name, col := range table.Columns {
		liveCols[strings.ToLower(name)] = col
	}

	wanted := make(map[string]struct{}, len(entity.Properties))
	for i := range entity.Properties {
		p := entity.Properties[i]
		wanted[strings.ToLower(p.Name)] = struct{}{}

		col, ok := liveCols[strings.ToLower(p.Name)]
		if !ok {
			changes = append(changes, schema.SchemaChange{
				Type:         schema.ChangeCreate,
				ObjectType:   schema.ObjectColumn,
				Schema:       entity.Schema,
				Table:        entity.Name,
				ObjectName:   qname + "." + p.Name,
				Description:  fmt.Sprintf("add column %s.%s (%s)", qname, p.Name, p.DataType),
				Dependencies: []string{qname},
				Property:     &p,
			})
			continue
		}
		if reasons := columnMismatch(p, col); len(reasons) > 0 {
			old := col
			changes = append(changes, schema.SchemaChange{
				Type:         schema.ChangeAlter,
				ObjectType:   schema.ObjectColumn,
				Schema:       entity.Schema,
				Table:        entity.Name,
				ObjectName:   qname + "." + p.Name,
				Description:  fmt.Sprintf("alter column %s.%s: %s", qname, p.Name, strings.Join(reasons, "; ")),
				Dependencies: []string{qname},
				Property:     &p,
				OldColumn:    &old,
			})
		}
	}

	// Columns are matched by exact (case-insensitive) name only. A rename
	// therefore surfaces as drop+create; the drop carries Risky
	// classification downstream so the data loss is visible at approval.
	for _, name := range sortedKeys(table.Columns) {
		col := table.Columns[name]
		if _, ok := wanted[strings.ToLower(col.Name)]; ok {
			continue
		}
		old := col
		changes = append(changes, schema.SchemaChange{
			Type:        schema.ChangeDrop,
			ObjectType:  schema.ObjectColumn,
			Schema:      entity.Schema,
			Table:       entity.Name,
			ObjectName:  qname + "." + col.Name,
			Description: fmt.Sprintf("drop column %s.%s", qname, col.Name),
			OldColumn:   &old,
		})
	}

	changes = append(changes, compareIndexes(entity, table)...)
	changes = append(changes, compareConstraints(entity, table)...)
	return changes
}

// compareIndexes matches indexes structurally (column list, uniqueness,
// filter); names do not participate in matching.
func compareIndexes(entity schema.DiscoveredEntity, table schema.SchemaTable) []schema.SchemaChange {
	var changes []schema.SchemaChange
	qname := entity.QualifiedName()

	matchedLive := make(map[int]bool)
	for i := range entity.Indexes {
		idx := entity.Indexes[i]
		found := false
		for j, liveIdx := range table.Indexes {
			if liveIdx.Primary || matchedLive[j] {
				continue
			}
			if indexEqual(idx, liveIdx) {
				matchedLive[j] = true
				found = true
				break
			}
		}
		if found {
			continue
		}
		changes = append(changes, schema.SchemaChange{
			Type:         schema.ChangeCreate,
			ObjectType:   schema.ObjectIndex,
			Schema:       entity.Schema,
			Table:        entity.Name,
			ObjectName:   qname + "." + idx.Name,
			Description:  fmt.Sprintf("create index %s on %s (%s)", idx.Name, qname, strings.Join(idx.Columns, ", ")),
			Dependencies: []string{qname},
			Index:        &idx,
		})
	}

	for j := range table.Indexes {
		liveIdx := table.Indexes[j]
		if liveIdx.Primary || matchedLive[j] {
			continue
		}
		changes = append(changes, schema.SchemaChange{
			Type:        schema.ChangeDrop,
			ObjectType:  schema.ObjectIndex,
			Schema:      entity.Schema,
			Table:       entity.Name,
			ObjectName:  qname + "." + liveIdx.Name,
			Description: fmt.Sprintf("drop index %s on %s", liveIdx.Name, qname),
			OldIndex:    &liveIdx,
		})
	}
	return changes
}

// compareConstraints reconciles entity relationships against live foreign
// keys. Non-FK constraints (checks, uniques) in the live schema are left
// untouched; the discovered model does not declare them.
func compareConstraints(entity schema.DiscoveredEntity, table schema.SchemaTable) []schema.SchemaChange {
	var changes []schema.SchemaChange
	qname := entity.QualifiedName()

	matchedLive := make(map[int]bool)
	for i := range entity.Relationships {
		rel := entity.Relationships[i]
		refName := referencedName(entity, rel)

		found := false
		for j, con := range table.Constraints {
			if !isForeignKey(con) || matchedLive[j] {
				continue
			}
			if relationshipEqual(rel, con) {
				matchedLive[j] = true
				found = true
				break
			}
		}
		if found {
			continue
		}
		changes = append(changes, schema.SchemaChange{
			Type:         schema.ChangeCreate,
			ObjectType:   schema.ObjectConstraint,
			Schema:       entity.Schema,
			Table:        entity.Name,
			ObjectName:   qname + "." + rel.Name,
			Description:  fmt.Sprintf("add foreign key %s: %s -> %s", rel.Name, qname, refName),
			Dependencies: []string{qname, refName},
			Relationship: &rel,
		})
	}

	for j := range table.Constraints {
		con := table.Constraints[j]
		if !isForeignKey(con) || matchedLive[j] {
			continue
		}
		changes = append(changes, schema.SchemaChange{
			Type:          schema.ChangeDrop,
			ObjectType:    schema.ObjectConstraint,
			Schema:        entity.Schema,
			Table:         entity.Name,
			ObjectName:    qname + "." + con.Name,
			Description:   fmt.Sprintf("drop foreign key %s on %s", con.Name, qname),
			OldConstraint: &con,
		})
	}
	return changes
}

// columnMismatch lists the attribute differences between an intended
// property and a live column.
func columnMismatch(p schema.DiscoveredProperty, col schema.SchemaColumn) []string {
	var reasons []string
	if NormalizeType(p.DataType) != NormalizeType(col.DataType) {
		reasons = append(reasons, fmt.Sprintf("type %s -> %s", col.DataType, p.DataType))
	}
	if p.Nullable != col.Nullable {
		reasons = append(reasons, fmt.Sprintf("nullable %v -> %v", col.Nullable, p.Nullable))
	}
	if p.Length != 0 && col.Length != 0 && p.Length != col.Length {
		reasons = append(reasons, fmt.Sprintf("length %d -> %d", col.Length, p.Length))
	}
	if p.Precision != 0 && col.Precision != 0 && p.Precision != col.Precision {
		reasons = append(reasons, fmt.Sprintf("precision %d -> %d", col.Precision, p.Precision))
	}
	if p.Precision != 0 && col.Precision != 0 && p.Scale != col.Scale {
		reasons = append(reasons, fmt.Sprintf("scale %d -> %d", col.Scale, p.Scale))
	}
	if normalizeDefault(p.Default) != normalizeDefault(col.DefaultValue.String) {
		reasons = append(reasons, fmt.Sprintf("default %q -> %q", col.DefaultValue.String, p.Default))
	}
	return reasons
}

func indexEqual(want schema.DiscoveredIndex, have schema.SchemaIndex) bool {
	return want.Unique == have.Unique &&
		strings.EqualFold(want.Filter, have.Filter) &&
		equalFoldSlices(want.Columns, have.Columns)
}

func relationshipEqual(rel schema.DiscoveredRelationship, con schema.SchemaConstraint) bool {
	return strings.EqualFold(rel.ReferencedEntity, con.ReferencedTable) &&
		equalFoldSlices(rel.Columns, con.Columns) &&
		equalFoldSlices(rel.ReferencedColumns, con.ReferencedColumns)
}

func isForeignKey(con schema.SchemaConstraint) bool {
	return strings.EqualFold(con.Type, "FOREIGN KEY")
}

func referencedName(e schema.DiscoveredEntity, rel schema.DiscoveredRelationship) string {
	refSchema := rel.ReferencedSchema
	if refSchema == "" {
		refSchema = e.Schema
	}
	return schema.QualifiedName(refSchema, rel.ReferencedEntity)
}

// typeSynonyms folds provider spellings into one canonical name so that
// "int" vs "integer" or "string(200)" vs "varchar(200)" never produces a
// spurious alter.
var typeSynonyms = map[string]string{
	"int":                         "integer",
	"int4":                        "integer",
	"integer":                     "integer",
	"bigint":                      "bigint",
	"int8":                        "bigint",
	"long":                        "bigint",
	"smallint":                    "smallint",
	"int2":                        "smallint",
	"short":                       "smallint",
	"string":                      "varchar",
	"varchar":                     "varchar",
	"nvarchar":                    "varchar",
	"character varying":           "varchar",
	"text":                        "text",
	"double":                      "double",
	"float":                       "double",
	"float8":                      "double",
	"double precision":            "double",
	"real":                        "real",
	"float4":                      "real",
	"decimal":                     "decimal",
	"numeric":                     "decimal",
	"bool":                        "boolean",
	"boolean":                     "boolean",
	"bit":                         "boolean",
	"datetime":                    "timestamp",
	"datetime2":                   "timestamp",
	"timestamp":                   "timestamp",
	"timestamp without time zone": "timestamp",
	"timestamptz":                 "timestamptz",
	"timestamp with time zone":    "timestamptz",
	"date":                        "date",
	"time":                        "time",
	"guid":                        "uuid",
	"uuid":                        "uuid",
	"uniqueidentifier":            "uuid",
	"blob":                        "blob",
	"bytea":                       "blob",
	"varbinary":                   "blob",
	"binary":                      "blob",
}

// NormalizeType maps a semantic or provider type name to its canonical form.
func NormalizeType(t string) string {
	key := strings.ToLower(strings.TrimSpace(t))
	if i := strings.IndexByte(key, '('); i >= 0 {
		key = strings.TrimSpace(key[:i])
	}
	if canonical, ok := typeSynonyms[key]; ok {
		return canonical
	}
	return key
}

func normalizeDefault(val string) string {
	return strings.Trim(strings.TrimSpace(val), "'\"")
}

var objectRank = map[schema.ObjectType]int{
	schema.ObjectTable:      0,
	schema.ObjectColumn:     1,
	schema.ObjectIndex:      2,
	schema.ObjectConstraint: 3,
}

var changeRank = map[schema.ChangeType]int{
	schema.ChangeCreate: 0,
	schema.ChangeAlter:  1,
	schema.ChangeDrop:   2,
}

func orderChanges(changes []schema.SchemaChange) {
	sort.SliceStable(changes, func(i, j int) bool {
		a, b := changes[i], changes[j]
		if objectRank[a.ObjectType] != objectRank[b.ObjectType] {
			return objectRank[a.ObjectType] < objectRank[b.ObjectType]
		}
		if changeRank[a.Type] != changeRank[b.Type] {
			return changeRank[a.Type] < changeRank[b.Type]
		}
		if a.Schema != b.Schema {
			return a.Schema < b.Schema
		}
		if a.Table != b.Table {
			return a.Table < b.Table
		}
		return a.ObjectName < b.ObjectName
	})
}

func liveTableLookup(live schema.DatabaseSchema) map[string]schema.SchemaTable {
	out := make(map[string]schema.SchemaTable, len(live.Tables))
	for _, t := range live.Tables {
		out[strings.ToLower(t.QualifiedName())] = t
		out[strings.ToLower(t.Name)] = t
	}
	return out
}

func equalFoldSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !strings.EqualFold(a[i], b[i]) {
			return false
		}
	}
	return true
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
