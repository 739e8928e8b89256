// Package model holds the in-memory representation of a table
// definition and the row-revision state machine shared by every
// sync component.
package model

// ElementType is the ODK-X column type. Only elements with no
// array-typed parent and either no children or an array type become
// materialized physical columns (see Definition.Materialized).
type ElementType string

const (
	ElementString   ElementType = "string"
	ElementNumber   ElementType = "number"
	ElementInteger  ElementType = "integer"
	ElementMimeType ElementType = "mimeType"
	ElementRowpath  ElementType = "rowpath"
	ElementArray    ElementType = "array"
)

// Column is one node in a definition's column arena. Parent/child
// links are integer ids into Definition.Columns, never pointers, so
// the tree serializes without shared heap cells and has no cycles to
// worry about.
type Column struct {
	ElementKey  string
	ElementName string
	ElementType ElementType
	Parent      int // -1 when root
	Children    []int
	Properties  map[string]string
}

// Definition is a server table's schema: a stable tableId, the
// schemaETag that changes whenever a column changes, and the column
// arena.
type Definition struct {
	TableID    string
	SchemaETag string
	Columns    []Column
}

// ColumnByKey looks up a column by its elementKey.
func (d *Definition) ColumnByKey(key string) (Column, bool) {
	for _, c := range d.Columns {
		if c.ElementKey == key {
			return c, true
		}
	}
	return Column{}, false
}

// Materialized returns the columns that become physical attributes:
// a column is materialized when it has no parent of type array and
// either has no children or is itself of type array.
func (d *Definition) Materialized() []Column {
	var out []Column
	for _, c := range d.Columns {
		if c.Parent >= 0 {
			if p := d.Columns[c.Parent]; p.ElementType == ElementArray {
				continue
			}
		}
		if len(c.Children) == 0 || c.ElementType == ElementArray {
			out = append(out, c)
		}
	}
	return out
}

// RowpathColumns returns the materialized columns that hold file
// references — the ones the attachment sub-sync manages.
func (d *Definition) RowpathColumns() []Column {
	var out []Column
	for _, c := range d.Materialized() {
		if c.ElementType == ElementRowpath {
			out = append(out, c)
		}
	}
	return out
}

// PhysicalType maps an elementType to the sqlite column type the
// Table Provisioner uses to create a materialized column.
func PhysicalType(t ElementType) string {
	switch t {
	case ElementString:
		return "text"
	case ElementNumber:
		return "real"
	case ElementInteger:
		return "integer"
	case ElementMimeType:
		return "varchar(40)"
	case ElementRowpath:
		return "varchar(255)"
	case ElementArray:
		return "text" // JSON document, stored as text; sqlite's json1 functions operate on text
	default:
		return "text"
	}
}
