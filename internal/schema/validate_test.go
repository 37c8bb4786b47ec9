package schema

import (
	"strings"
	"testing"
)

func validModel() EntityDiscoveryResult {
	return EntityDiscoveryResult{
		Entities: []DiscoveredEntity{
			{
				Name: "orders", Schema: "app",
				Properties: []DiscoveredProperty{
					{Name: "id", DataType: "integer", PrimaryKey: true},
					{Name: "placed_at", DataType: "timestamp"},
				},
				Indexes: []DiscoveredIndex{
					{Name: "ix_orders_placed", Columns: []string{"placed_at"}},
				},
			},
			{
				Name: "order_items", Schema: "app",
				Properties: []DiscoveredProperty{
					{Name: "id", DataType: "integer", PrimaryKey: true},
					{Name: "order_id", DataType: "integer"},
				},
				Relationships: []DiscoveredRelationship{
					{Name: "fk_items_orders", Columns: []string{"order_id"},
						ReferencedEntity: "orders", ReferencedColumns: []string{"id"}},
				},
			},
		},
	}
}

func TestValidateDiscovery_Valid(t *testing.T) {
	if err := ValidateDiscovery(validModel()); err != nil {
		t.Errorf("valid model rejected: %v", err)
	}
}

func TestValidateDiscovery_Empty(t *testing.T) {
	if err := ValidateDiscovery(EntityDiscoveryResult{}); err == nil {
		t.Error("empty discovery must be rejected")
	}
}

func TestValidateDiscovery_DuplicateEntity(t *testing.T) {
	m := validModel()
	dup := m.Entities[0]
	dup.Name = "ORDERS" // case-insensitive duplicate
	m.Entities = append(m.Entities, dup)

	err := ValidateDiscovery(m)
	if err == nil || !strings.Contains(err.Error(), "twice") {
		t.Errorf("expected duplicate entity error, got %v", err)
	}
}

func TestValidateDiscovery_DuplicateColumn(t *testing.T) {
	m := validModel()
	m.Entities[0].Properties = append(m.Entities[0].Properties,
		DiscoveredProperty{Name: "PLACED_AT", DataType: "timestamp"})

	err := ValidateDiscovery(m)
	if err == nil || !strings.Contains(err.Error(), "duplicate column") {
		t.Errorf("expected duplicate column error, got %v", err)
	}
}

func TestValidateDiscovery_MissingPrimaryKey(t *testing.T) {
	m := validModel()
	m.Entities[0].Properties[0].PrimaryKey = false

	err := ValidateDiscovery(m)
	if err == nil || !strings.Contains(err.Error(), "primary key") {
		t.Errorf("expected missing primary key error, got %v", err)
	}
}

func TestValidateDiscovery_IndexUnknownColumn(t *testing.T) {
	m := validModel()
	m.Entities[0].Indexes[0].Columns = []string{"no_such_column"}

	err := ValidateDiscovery(m)
	if err == nil || !strings.Contains(err.Error(), "unknown column") {
		t.Errorf("expected unknown column error, got %v", err)
	}
}

func TestValidateDiscovery_RelationshipTargets(t *testing.T) {
	m := validModel()
	m.Entities[1].Relationships[0].ReferencedEntity = "ghosts"
	err := ValidateDiscovery(m)
	if err == nil || !strings.Contains(err.Error(), "undiscovered entity") {
		t.Errorf("expected undiscovered entity error, got %v", err)
	}

	m = validModel()
	m.Entities[1].Relationships[0].ReferencedColumns = []string{"no_such"}
	err = ValidateDiscovery(m)
	if err == nil || !strings.Contains(err.Error(), "unknown column") {
		t.Errorf("expected unknown referenced column error, got %v", err)
	}
}

func TestQualifiedName(t *testing.T) {
	if got := QualifiedName("app", "orders"); got != "app.orders" {
		t.Errorf("QualifiedName = %q", got)
	}
	if got := QualifiedName("", "orders"); got != "orders" {
		t.Errorf("QualifiedName without schema = %q", got)
	}
}

func TestMaxRisk(t *testing.T) {
	if MaxRisk(RiskSafe, RiskWarning) != RiskWarning {
		t.Error("MaxRisk(Safe, Warning) should be Warning")
	}
	if MaxRisk(RiskRisky, RiskWarning) != RiskRisky {
		t.Error("MaxRisk(Risky, Warning) should be Risky")
	}
}
