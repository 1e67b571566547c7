package cdc

import "fmt"

// EntityMapping declares how a root table (and its joined child tables) map to an entity.
type EntityMapping struct {
	Name            string
	Schema          string
	Table           string
	CaptureInstance string
	KeyColumns      []string
	Columns         []string
	IsDeletedColumn string
	Children        []ChildMapping
}

// ChildMapping declares a child table whose changes surface as an Update of the root entity.
type ChildMapping struct {
	Schema          string
	Table           string
	CaptureInstance string
	// JoinColumns maps child columns to root key columns, in root key order.
	JoinColumns []JoinColumn
}

// JoinColumn pairs a child column with the root key column it references
type JoinColumn struct {
	Child string
	Root  string
}

// QualifiedTable returns [schema].[table]
func (m EntityMapping) QualifiedTable() string {
	return fmt.Sprintf("[%s].[%s]", m.Schema, m.Table)
}

// GetCaptureInstance returns the configured capture instance or the SQL Server default schema_table.
func (m EntityMapping) GetCaptureInstance() string {
	if m.CaptureInstance != "" {
		return m.CaptureInstance
	}
	return m.Schema + "_" + m.Table
}

// GetCaptureInstance returns the configured capture instance or the SQL Server default schema_table.
func (c ChildMapping) GetCaptureInstance() string {
	if c.CaptureInstance != "" {
		return c.CaptureInstance
	}
	return c.Schema + "_" + c.Table
}

// Validate checks the mapping is usable
func (m EntityMapping) Validate() error {
	if err := m.validateTable(); err != nil {
		return err
	}
	if len(m.KeyColumns) == 0 {
		return fmt.Errorf("entity %s: at least one key column is required", m.Name)
	}
	return m.validateChildren()
}

// ValidateForDiscovery checks the mapping is usable once a store has discovered its key columns.
// Key columns may be omitted only when there are no child tables, since joins reference them.
func (m EntityMapping) ValidateForDiscovery() error {
	if len(m.KeyColumns) > 0 {
		return m.Validate()
	}
	if err := m.validateTable(); err != nil {
		return err
	}
	if len(m.Children) > 0 {
		return fmt.Errorf("entity %s: key columns are required with child tables", m.Name)
	}
	return nil
}

// ResolveKeyColumns returns the mapping with its key columns read through lookup when none are
// configured. The result is validated.
func (m EntityMapping) ResolveKeyColumns(lookup func() ([]string, error)) (EntityMapping, error) {
	if len(m.KeyColumns) == 0 {
		keys, err := lookup()
		if err != nil {
			return m, fmt.Errorf("entity %s: failed to discover key columns: %w", m.Name, err)
		}
		if len(keys) == 0 {
			return m, fmt.Errorf("entity %s: table %s has no primary key; configure key_columns", m.Name, m.Table)
		}
		m.KeyColumns = keys
	}
	return m, m.Validate()
}

func (m EntityMapping) validateTable() error {
	if m.Name == "" {
		return fmt.Errorf("entity name is required")
	}
	if m.Table == "" {
		return fmt.Errorf("entity %s: table is required", m.Name)
	}
	return nil
}

func (m EntityMapping) validateChildren() error {
	for _, c := range m.Children {
		if c.Table == "" {
			return fmt.Errorf("entity %s: child table is required", m.Name)
		}
		if len(c.JoinColumns) != len(m.KeyColumns) {
			return fmt.Errorf("entity %s: child %s must join every root key column", m.Name, c.Table)
		}
		for i, jc := range c.JoinColumns {
			if jc.Root != m.KeyColumns[i] {
				return fmt.Errorf("entity %s: child %s join column %d must reference key column %s", m.Name, c.Table, i, m.KeyColumns[i])
			}
		}
	}
	return nil
}
