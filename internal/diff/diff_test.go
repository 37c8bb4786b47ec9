package diff

import (
	"database/sql"
	"testing"

	"schemadeploy/internal/schema"
)

func locationEntity() schema.DiscoveredEntity {
	return schema.DiscoveredEntity{
		Name:   "Location",
		Schema: "public",
		Properties: []schema.DiscoveredProperty{
			{Name: "Id", DataType: "integer", PrimaryKey: true},
			{Name: "Title", DataType: "string", Length: 200, Nullable: false},
			{Name: "Latitude", DataType: "double", Nullable: true},
		},
	}
}

func TestCompare_NewTable(t *testing.T) {
	changes := Compare([]schema.DiscoveredEntity{locationEntity()}, schema.DatabaseSchema{})

	if len(changes) != 3 {
		t.Fatalf("expected 3 changes for a new 3-column table, got %d: %v", len(changes), describe(changes))
	}

	if changes[0].Type != schema.ChangeCreate || changes[0].ObjectType != schema.ObjectTable {
		t.Errorf("first change should be create table, got %s %s", changes[0].Type, changes[0].ObjectType)
	}
	if changes[0].Entity == nil || len(changes[0].Entity.Properties) != 3 {
		t.Errorf("create table change should carry the full entity payload")
	}

	for _, c := range changes[1:] {
		if c.Type != schema.ChangeCreate || c.ObjectType != schema.ObjectColumn {
			t.Errorf("expected create column, got %s %s", c.Type, c.ObjectType)
		}
		if c.Property != nil && c.Property.PrimaryKey {
			t.Errorf("primary key column %s must be inlined in create table, not a separate change", c.ObjectName)
		}
		if len(c.Dependencies) != 1 || c.Dependencies[0] != "public.Location" {
			t.Errorf("column change %s should depend on its table, got %v", c.ObjectName, c.Dependencies)
		}
	}
}

func TestCompare_Idempotent(t *testing.T) {
	entity := locationEntity()
	live := schema.DatabaseSchema{
		Tables: map[string]schema.SchemaTable{
			"public.Location": {
				Name:   "Location",
				Schema: "public",
				Columns: map[string]schema.SchemaColumn{
					"Id":       {Name: "Id", DataType: "int4"},
					"Title":    {Name: "Title", DataType: "character varying", Length: 200},
					"Latitude": {Name: "Latitude", DataType: "double precision", Nullable: true},
				},
				PrimaryKey: []string{"Id"},
			},
		},
	}

	changes := Compare([]schema.DiscoveredEntity{entity}, live)
	if len(changes) != 0 {
		t.Fatalf("matching schema should produce no changes, got %d: %v", len(changes), describe(changes))
	}
}

func TestCompare_ColumnCaseInsensitiveMatch(t *testing.T) {
	entity := locationEntity()
	live := schema.DatabaseSchema{
		Tables: map[string]schema.SchemaTable{
			"public.location": {
				Name:   "location",
				Schema: "public",
				Columns: map[string]schema.SchemaColumn{
					"id":       {Name: "id", DataType: "integer"},
					"title":    {Name: "title", DataType: "varchar", Length: 200},
					"latitude": {Name: "latitude", DataType: "double", Nullable: true},
				},
				PrimaryKey: []string{"id"},
			},
		},
	}

	changes := Compare([]schema.DiscoveredEntity{entity}, live)
	if len(changes) != 0 {
		t.Fatalf("case-differing names should still match, got %d changes: %v", len(changes), describe(changes))
	}
}

func TestCompare_RenameBecomesDropAndCreate(t *testing.T) {
	entity := schema.DiscoveredEntity{
		Name: "orders",
		Properties: []schema.DiscoveredProperty{
			{Name: "id", DataType: "integer", PrimaryKey: true},
			{Name: "placed_at", DataType: "timestamp"},
		},
	}
	live := schema.DatabaseSchema{
		Tables: map[string]schema.SchemaTable{
			"orders": {
				Name: "orders",
				Columns: map[string]schema.SchemaColumn{
					"id":         {Name: "id", DataType: "integer"},
					"created_at": {Name: "created_at", DataType: "timestamp"},
				},
				PrimaryKey: []string{"id"},
			},
		},
	}

	changes := Compare([]schema.DiscoveredEntity{entity}, live)
	if len(changes) != 2 {
		t.Fatalf("rename should surface as drop+create, got %d: %v", len(changes), describe(changes))
	}
	// Creations order before drops.
	if changes[0].Type != schema.ChangeCreate || changes[0].ObjectName != "orders.placed_at" {
		t.Errorf("expected create orders.placed_at first, got %s %s", changes[0].Type, changes[0].ObjectName)
	}
	if changes[1].Type != schema.ChangeDrop || changes[1].ObjectName != "orders.created_at" {
		t.Errorf("expected drop orders.created_at second, got %s %s", changes[1].Type, changes[1].ObjectName)
	}
	if changes[1].OldColumn == nil {
		t.Error("drop column must carry the old column payload for rollback")
	}
}

func TestCompare_AlterOnTypeAndNullability(t *testing.T) {
	entity := schema.DiscoveredEntity{
		Name: "users",
		Properties: []schema.DiscoveredProperty{
			{Name: "id", DataType: "integer", PrimaryKey: true},
			{Name: "email", DataType: "string", Length: 320, Nullable: false},
		},
	}
	live := schema.DatabaseSchema{
		Tables: map[string]schema.SchemaTable{
			"users": {
				Name: "users",
				Columns: map[string]schema.SchemaColumn{
					"id":    {Name: "id", DataType: "integer"},
					"email": {Name: "email", DataType: "varchar", Length: 100, Nullable: true},
				},
				PrimaryKey: []string{"id"},
			},
		},
	}

	changes := Compare([]schema.DiscoveredEntity{entity}, live)
	if len(changes) != 1 {
		t.Fatalf("expected a single alter, got %d: %v", len(changes), describe(changes))
	}
	c := changes[0]
	if c.Type != schema.ChangeAlter || c.ObjectType != schema.ObjectColumn {
		t.Fatalf("expected alter column, got %s %s", c.Type, c.ObjectType)
	}
	if c.OldColumn == nil || c.Property == nil {
		t.Error("alter must carry both the old column and the intended property")
	}
}

func TestCompare_ExtraLiveTablesUntouched(t *testing.T) {
	live := schema.DatabaseSchema{
		Tables: map[string]schema.SchemaTable{
			"legacy_audit": {
				Name: "legacy_audit",
				Columns: map[string]schema.SchemaColumn{
					"id": {Name: "id", DataType: "integer"},
				},
			},
		},
	}

	changes := Compare(nil, live)
	if len(changes) != 0 {
		t.Fatalf("tables outside the model must never be dropped, got %v", describe(changes))
	}
}

func TestCompare_IndexesMatchedStructurally(t *testing.T) {
	entity := schema.DiscoveredEntity{
		Name: "events",
		Properties: []schema.DiscoveredProperty{
			{Name: "id", DataType: "integer", PrimaryKey: true},
			{Name: "kind", DataType: "string", Length: 50},
		},
		Indexes: []schema.DiscoveredIndex{
			{Name: "ix_events_kind", Columns: []string{"kind"}},
		},
	}
	live := schema.DatabaseSchema{
		Tables: map[string]schema.SchemaTable{
			"events": {
				Name: "events",
				Columns: map[string]schema.SchemaColumn{
					"id":   {Name: "id", DataType: "integer"},
					"kind": {Name: "kind", DataType: "varchar", Length: 50},
				},
				PrimaryKey: []string{"id"},
				Indexes: []schema.SchemaIndex{
					{Name: "pk_events", Columns: []string{"id"}, Unique: true, Primary: true},
					// Same shape under a different name: must match.
					{Name: "events_kind_idx", Columns: []string{"KIND"}},
				},
			},
		},
	}

	changes := Compare([]schema.DiscoveredEntity{entity}, live)
	if len(changes) != 0 {
		t.Fatalf("structurally equal index should match regardless of name, got %v", describe(changes))
	}

	// Uniqueness differs: recreate.
	live.Tables["events"].Indexes[1].Unique = true
	changes = Compare([]schema.DiscoveredEntity{entity}, live)
	if len(changes) != 2 {
		t.Fatalf("uniqueness mismatch should drop and recreate, got %v", describe(changes))
	}
}

func TestCompare_ForeignKeys(t *testing.T) {
	entity := schema.DiscoveredEntity{
		Name: "order_items",
		Properties: []schema.DiscoveredProperty{
			{Name: "id", DataType: "integer", PrimaryKey: true},
			{Name: "order_id", DataType: "integer"},
		},
		Relationships: []schema.DiscoveredRelationship{
			{
				Name:              "fk_items_orders",
				Columns:           []string{"order_id"},
				ReferencedEntity:  "orders",
				ReferencedColumns: []string{"id"},
			},
		},
	}
	live := schema.DatabaseSchema{
		Tables: map[string]schema.SchemaTable{
			"order_items": {
				Name: "order_items",
				Columns: map[string]schema.SchemaColumn{
					"id":       {Name: "id", DataType: "integer"},
					"order_id": {Name: "order_id", DataType: "integer"},
				},
				PrimaryKey: []string{"id"},
				Constraints: []schema.SchemaConstraint{
					// A check constraint the model knows nothing about: ignored.
					{Name: "ck_qty_positive", Type: "CHECK", Definition: "quantity > 0"},
				},
			},
		},
	}

	changes := Compare([]schema.DiscoveredEntity{entity}, live)
	if len(changes) != 1 {
		t.Fatalf("expected just the missing FK, got %v", describe(changes))
	}
	c := changes[0]
	if c.ObjectType != schema.ObjectConstraint || c.Type != schema.ChangeCreate {
		t.Fatalf("expected create constraint, got %s %s", c.Type, c.ObjectType)
	}
	if len(c.Dependencies) != 2 || c.Dependencies[1] != "orders" {
		t.Errorf("FK must depend on its own table and the referenced table, got %v", c.Dependencies)
	}
}

func TestCompare_DefaultValueNormalized(t *testing.T) {
	entity := schema.DiscoveredEntity{
		Name: "settings",
		Properties: []schema.DiscoveredProperty{
			{Name: "id", DataType: "integer", PrimaryKey: true},
			{Name: "theme", DataType: "varchar", Length: 20, Default: "light"},
		},
	}
	live := schema.DatabaseSchema{
		Tables: map[string]schema.SchemaTable{
			"settings": {
				Name: "settings",
				Columns: map[string]schema.SchemaColumn{
					"id": {Name: "id", DataType: "integer"},
					"theme": {
						Name: "theme", DataType: "varchar", Length: 20,
						DefaultValue: sql.NullString{String: "'light'", Valid: true},
					},
				},
				PrimaryKey: []string{"id"},
			},
		},
	}

	changes := Compare([]schema.DiscoveredEntity{entity}, live)
	if len(changes) != 0 {
		t.Fatalf("quoted default should compare equal, got %v", describe(changes))
	}
}

func TestCompare_ScaleIgnoredWithoutLiveNumericMetadata(t *testing.T) {
	entity := schema.DiscoveredEntity{
		Name: "invoices",
		Properties: []schema.DiscoveredProperty{
			{Name: "id", DataType: "integer", PrimaryKey: true},
			{Name: "amount", DataType: "decimal", Precision: 18, Scale: 2},
		},
	}
	// Providers without numeric metadata (SQLite PRAGMA) report a bare
	// NUMERIC with zero precision and scale.
	live := schema.DatabaseSchema{
		Tables: map[string]schema.SchemaTable{
			"invoices": {
				Name: "invoices",
				Columns: map[string]schema.SchemaColumn{
					"id":     {Name: "id", DataType: "integer"},
					"amount": {Name: "amount", DataType: "NUMERIC"},
				},
				PrimaryKey: []string{"id"},
			},
		},
	}

	changes := Compare([]schema.DiscoveredEntity{entity}, live)
	if len(changes) != 0 {
		t.Fatalf("expected idempotent diff against metadata-free numeric, got %v", describe(changes))
	}

	table := live.Tables["invoices"]
	table.Columns["amount"] = schema.SchemaColumn{Name: "amount", DataType: "numeric", Precision: 18, Scale: 4}
	changes = Compare([]schema.DiscoveredEntity{entity}, live)
	if len(changes) != 1 || changes[0].Type != schema.ChangeAlter {
		t.Fatalf("reported scale mismatch should alter, got %v", describe(changes))
	}
}

func TestNormalizeType(t *testing.T) {
	cases := map[string]string{
		"int":               "integer",
		"INT4":              "integer",
		"string":            "varchar",
		"nvarchar(200)":     "varchar",
		"character varying": "varchar",
		"double precision":  "double",
		"DATETIME2":         "timestamp",
		"uniqueidentifier":  "uuid",
		"custom_enum":       "custom_enum",
	}
	for in, want := range cases {
		if got := NormalizeType(in); got != want {
			t.Errorf("NormalizeType(%q) = %q, want %q", in, got, want)
		}
	}
}

func describe(changes []schema.SchemaChange) []string {
	out := make([]string, len(changes))
	for i, c := range changes {
		out[i] = string(c.Type) + " " + string(c.ObjectType) + " " + c.ObjectName
	}
	return out
}
