package model_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"sync.odk-x.org/engine/model"
)

func TestDefaultFilterScope(t *testing.T) {
	s := model.DefaultFilterScope()
	assert.Equal(t, "FULL", s.DefaultAccess)
	assert.Empty(t, s.RowOwner)
}

func TestHashableColumnsExcludesBookkeeping(t *testing.T) {
	def := &model.Definition{
		TableID: "t1",
		Columns: []model.Column{
			{ElementKey: "name", ElementType: model.ElementString, Parent: -1},
			{ElementKey: "hash", ElementType: model.ElementString, Parent: -1},
			{ElementKey: "state", ElementType: model.ElementString, Parent: -1},
			{ElementKey: "rowETag", ElementType: model.ElementString, Parent: -1},
			{ElementKey: "savepointTimestamp", ElementType: model.ElementString, Parent: -1},
		},
	}

	hashable := model.HashableColumns(def)
	assert.Equal(t, []string{"id", "deleted", "defaultAccess", "rowOwner",
		"groupReadOnly", "groupModify", "groupPrivileged", "name"}, hashable)
}

func TestHashableColumnsIncludesIDDeletedAndFilterScope(t *testing.T) {
	def := &model.Definition{
		TableID: "t1",
		Columns: []model.Column{
			{ElementKey: "name", ElementType: model.ElementString, Parent: -1},
		},
	}

	hashable := model.HashableColumns(def)
	assert.Contains(t, hashable, "id")
	assert.Contains(t, hashable, "deleted")
	assert.Contains(t, hashable, "defaultAccess")
	assert.Contains(t, hashable, "rowOwner")
	assert.Contains(t, hashable, "groupReadOnly")
	assert.Contains(t, hashable, "groupModify")
	assert.Contains(t, hashable, "groupPrivileged")
	assert.Contains(t, hashable, "name")
}

func TestRowStateConstantsAreDistinct(t *testing.T) {
	states := []model.RowState{
		model.StateFresh, model.StateSyncAttachments, model.StateSynced,
		model.StateConflict, model.StateNew, model.StateModified,
		model.StateUnchanged, model.StateHistoryUpload,
	}
	seen := map[model.RowState]bool{}
	for _, s := range states {
		assert.False(t, seen[s], "duplicate state value %q", s)
		seen[s] = true
	}
}

func TestRowOutcomeValues(t *testing.T) {
	assert.Equal(t, model.RowOutcome("SUCCESS"), model.OutcomeSuccess)
	assert.Equal(t, model.RowOutcome("IN_CONFLICT"), model.OutcomeInConflict)
}
