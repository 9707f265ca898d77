package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/surrealdb/surrealdb.go"
)

func TestWrapQueryError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"unique index", &surrealdb.QueryError{Message: "Database index `unique_link` already contains 'x'"}, ErrDuplicate},
		{"record exists", fmt.Errorf("query: %w", &surrealdb.QueryError{Message: "Database record `node:a` already exists"}), ErrDuplicate},
		{"conflict", &surrealdb.QueryError{Message: "Transaction conflict: resource busy"}, ErrConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, wrapQueryError(tt.err), tt.want)
		})
	}

	t.Run("other errors pass through", func(t *testing.T) {
		err := errors.New("connection refused")
		assert.Equal(t, err, wrapQueryError(err))
		assert.NoError(t, wrapQueryError(nil))
	})
}

func TestNodeID(t *testing.T) {
	assert.Equal(t, "digital-twin", NodeID("Digital Twin"))
	assert.Equal(t, NodeID("Digital Twin"), NodeID("digital twin"))

	id := NodeID("日本")
	assert.Len(t, id, 17)
	assert.Equal(t, byte('n'), id[0])
	assert.NotEqual(t, id, NodeID("中国"))
}

func TestNodeInputMergeKey(t *testing.T) {
	tests := []struct {
		name string
		in   NodeInput
		want string
	}{
		{"name slug", NodeInput{Name: "Digital Twin"}, "digital-twin"},
		{"explicit key", NodeInput{Key: LearnerKey("c-1"), Name: "report.pdf"}, "learner:c-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.in.MergeKey())
		})
	}
}
