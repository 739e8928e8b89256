package model_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"sync.odk-x.org/engine/model"
)

func simpleDefinition() *model.Definition {
	return &model.Definition{
		TableID:    "t1",
		SchemaETag: "etag1",
		Columns: []model.Column{
			{ElementKey: "name", ElementType: model.ElementString, Parent: -1},
			{ElementKey: "age", ElementType: model.ElementInteger, Parent: -1},
			{ElementKey: "photo", ElementType: model.ElementRowpath, Parent: -1},
		},
	}
}

func groupDefinition() *model.Definition {
	// "address" is a struct-like group: it has children and is not
	// itself an array, so it should not be materialized, but its
	// children should be.
	cols := []model.Column{
		{ElementKey: "address", ElementType: model.ElementString, Parent: -1, Children: []int{1, 2}},
		{ElementKey: "address_street", ElementType: model.ElementString, Parent: 0},
		{ElementKey: "address_city", ElementType: model.ElementString, Parent: 0},
		{ElementKey: "tags", ElementType: model.ElementArray, Parent: -1, Children: []int{4}},
		{ElementKey: "tags_item", ElementType: model.ElementString, Parent: 3},
	}
	return &model.Definition{TableID: "t2", SchemaETag: "etag2", Columns: cols}
}

func TestDefinitionMaterialized(t *testing.T) {
	def := simpleDefinition()
	mat := def.Materialized()
	assert.Len(t, mat, 3)
}

func TestDefinitionMaterializedSkipsGroupParentsAndArrayChildren(t *testing.T) {
	def := groupDefinition()
	mat := def.Materialized()

	keys := make([]string, 0, len(mat))
	for _, c := range mat {
		keys = append(keys, c.ElementKey)
	}

	// the group node "address" has children and is not an array, so it
	// is not itself materialized, but its two leaf children are.
	assert.Contains(t, keys, "address_street")
	assert.Contains(t, keys, "address_city")
	assert.NotContains(t, keys, "address")

	// the array node "tags" is materialized as one physical JSON
	// column; its child (the array's item type) is not, because it has
	// an array-typed parent.
	assert.Contains(t, keys, "tags")
	assert.NotContains(t, keys, "tags_item")
}

func TestColumnByKey(t *testing.T) {
	def := simpleDefinition()

	c, ok := def.ColumnByKey("age")
	assert.True(t, ok)
	assert.Equal(t, model.ElementInteger, c.ElementType)

	_, ok = def.ColumnByKey("missing")
	assert.False(t, ok)
}

func TestRowpathColumns(t *testing.T) {
	def := simpleDefinition()
	rp := def.RowpathColumns()
	assert.Len(t, rp, 1)
	assert.Equal(t, "photo", rp[0].ElementKey)
}

func TestPhysicalType(t *testing.T) {
	cases := map[model.ElementType]string{
		model.ElementString:          "text",
		model.ElementNumber:          "real",
		model.ElementInteger:         "integer",
		model.ElementMimeType:        "varchar(40)",
		model.ElementRowpath:         "varchar(255)",
		model.ElementArray:           "text",
		model.ElementType("unknown"): "text",
	}
	for elType, want := range cases {
		assert.Equal(t, want, model.PhysicalType(elType), "elementType %s", elType)
	}
}
