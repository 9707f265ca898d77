package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"engine", "engine"},
		{"Fuel System", "fuel-system"},
		{"GE414 Diff_Structure.pdf", "ge414-diff-structurepdf"},
		{"USS Constitution", "uss-constitution"},
		{"Boeing 737 (MAX)", "boeing-737-max"},
		{"hello   world", "hello---world"},
		{"café résumé", "caf-rsum"},
		{"!@#$%", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Slugify(tt.in))
		})
	}
}

func TestRecordIDString(t *testing.T) {
	id, err := RecordIDString(surrealmodels.RecordID{Table: "node", ID: "diesel-engine"})
	require.NoError(t, err)
	assert.Equal(t, "diesel-engine", id)

	_, err = RecordIDString(surrealmodels.RecordID{Table: "node", ID: 42})
	assert.ErrorContains(t, err, "unexpected ID type: int")
}
