package resultstore

import (
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"

	"github.com/wegman-software/osmupload-go/internal/config"
	"github.com/wegman-software/osmupload-go/internal/feature"
	"github.com/wegman-software/osmupload-go/internal/osc"
	"github.com/wegman-software/osmupload-go/internal/upload"
)

func TestRows(t *testing.T) {
	result := upload.Result{
		12: osc.DiffResult{
			feature.TypeWay:  {-1: {NewID: 900, NewVersion: 1}},
			feature.TypeNode: {-2: {NewID: 501, NewVersion: 1}, -1: {NewID: 500, NewVersion: 1}},
		},
		7: osc.DiffResult{
			feature.TypeRelation: {33: {}},
			feature.TypeNode:     {4: {NewID: 4, NewVersion: 6}},
		},
	}

	want := [][]any{
		{"s1", int64(7), "node", int64(4), int64(4), int32(6)},
		{"s1", int64(7), "relation", int64(33), nil, nil},
		{"s1", int64(12), "node", int64(-2), int64(501), int32(1)},
		{"s1", int64(12), "node", int64(-1), int64(500), int32(1)},
		{"s1", int64(12), "way", int64(-1), int64(900), int32(1)},
	}
	assert.Equal(t, want, Rows("s1", result))
}

func TestRowsEmpty(t *testing.T) {
	assert.Empty(t, Rows("s1", upload.Result{3: osc.DiffResult{}}))
	assert.Empty(t, Rows("s1", nil))
}

func TestTableIdentifier(t *testing.T) {
	cfg := config.DefaultConfig()
	s := NewStore(cfg, nil)
	assert.Equal(t, pgx.Identifier{"public", "osmupload_results"}, s.table())
	assert.Equal(t, `"public"."osmupload_results"`, s.table().Sanitize())
	assert.Len(t, Columns, len(Rows("s", upload.Result{1: {feature.TypeNode: {-1: {NewID: 1, NewVersion: 1}}}})[0]))
}
