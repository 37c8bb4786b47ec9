package schema

import (
	"fmt"
	"strings"
)

// ValidateDiscovery checks the discovered entity model for defects that
// would make a diff meaningless: duplicate entities, duplicate column
// names, entities without a primary key, and relationships referencing
// unknown entities or columns. The first problem found is returned.
func ValidateDiscovery(result EntityDiscoveryResult) error {
	if len(result.Entities) == 0 {
		return fmt.Errorf("discovery produced no entities")
	}

	byName := make(map[string]DiscoveredEntity, len(result.Entities))
	for _, e := range result.Entities {
		key := strings.ToLower(e.QualifiedName())
		if _, dup := byName[key]; dup {
			return fmt.Errorf("entity %s discovered twice", e.QualifiedName())
		}
		byName[key] = e
	}

	for _, e := range result.Entities {
		if err := validateEntity(e, byName); err != nil {
			return err
		}
	}
	return nil
}

func validateEntity(e DiscoveredEntity, all map[string]DiscoveredEntity) error {
	if len(e.Properties) == 0 {
		return fmt.Errorf("entity %s has no properties", e.QualifiedName())
	}

	cols := make(map[string]struct{}, len(e.Properties))
	hasPK := false
	for _, p := range e.Properties {
		key := strings.ToLower(p.Name)
		if _, dup := cols[key]; dup {
			return fmt.Errorf("entity %s: duplicate column %s", e.QualifiedName(), p.Name)
		}
		cols[key] = struct{}{}
		if p.PrimaryKey {
			hasPK = true
		}
	}
	if !hasPK {
		return fmt.Errorf("entity %s has no primary key", e.QualifiedName())
	}

	for _, idx := range e.Indexes {
		for _, c := range idx.Columns {
			if _, ok := cols[strings.ToLower(c)]; !ok {
				return fmt.Errorf("entity %s: index %s references unknown column %s", e.QualifiedName(), idx.Name, c)
			}
		}
	}

	for _, rel := range e.Relationships {
		for _, c := range rel.Columns {
			if _, ok := cols[strings.ToLower(c)]; !ok {
				return fmt.Errorf("entity %s: relationship %s references unknown column %s", e.QualifiedName(), rel.Name, c)
			}
		}
		refKey := strings.ToLower(QualifiedName(rel.ReferencedSchema, rel.ReferencedEntity))
		ref, ok := all[refKey]
		if !ok {
			// Self-schema fallback: relationships commonly omit the
			// schema qualifier when both ends share one.
			ref, ok = all[strings.ToLower(QualifiedName(e.Schema, rel.ReferencedEntity))]
		}
		if !ok {
			return fmt.Errorf("entity %s: relationship %s references undiscovered entity %s", e.QualifiedName(), rel.Name, rel.ReferencedEntity)
		}
		refCols := make(map[string]struct{}, len(ref.Properties))
		for _, p := range ref.Properties {
			refCols[strings.ToLower(p.Name)] = struct{}{}
		}
		for _, c := range rel.ReferencedColumns {
			if _, ok := refCols[strings.ToLower(c)]; !ok {
				return fmt.Errorf("entity %s: relationship %s references unknown column %s.%s", e.QualifiedName(), rel.Name, ref.Name, c)
			}
		}
	}
	return nil
}
