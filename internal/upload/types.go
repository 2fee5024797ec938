// Package upload drives a diff through the changeset API one chunk at a time,
// resolving version conflicts and carrying store-assigned ids across chunks.
package upload

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/oklog/ulid/v2"

	"github.com/wegman-software/osmupload-go/internal/conflict"
	"github.com/wegman-software/osmupload-go/internal/feature"
	"github.com/wegman-software/osmupload-go/internal/metrics"
	"github.com/wegman-software/osmupload-go/internal/osc"
)

// DefaultMaxRetries is the number of upload attempts per chunk
const DefaultMaxRetries = 3

// DefaultCreatedBy is the created_by tag added when the caller sets none
const DefaultCreatedBy = osc.Generator + " 1.0"

var (
	// ErrRetriesExhausted is returned when a chunk still conflicts after the last attempt
	ErrRetriesExhausted = errors.New("merge conflicts could not be resolved within the retry limit")

	// ErrCloseFailed is returned when a chunk was committed but its changeset could not
	// be closed. The upload must not be repeated.
	ErrCloseFailed = errors.New("changeset committed but not closed")
)

// API is the part of the changeset API an upload uses. *osmapi.Client implements it.
type API interface {
	conflict.Store
	OpenChangeset(ctx context.Context, tags feature.Tags) (int64, error)
	UploadDiff(ctx context.Context, changesetID int64, payload []byte, compress bool) (osc.DiffResult, error)
	CloseChangeset(ctx context.Context, changesetID int64) error
}

// ChunkInfo is handed to Options.OnChunk when a diff needs several changesets
type ChunkInfo struct {
	FeatureCount int // features of the whole diff
	ChunkIndex   int // zero-based
	ChunkTotal   int
}

// Phase names the part of an upload a progress report refers to
type Phase string

const (
	PhaseUpload         Phase = "upload"
	PhaseMergeConflicts Phase = "merge_conflicts"
)

// Progress is one progress report. Upload steps are fractional: chunk index plus the
// share of attempts used so far.
type Progress struct {
	Phase Phase
	Step  float64
	Total int
}

// Options configures an Uploader
type Options struct {
	MaxFeaturesPerChunk int // chunk.DefaultMaxFeatures when zero
	MaxRetries          int // DefaultMaxRetries when zero
	DisableCompression  bool
	CreatedBy           string // DefaultCreatedBy when empty
	SessionID           string // a new ULID when empty

	// OnChunk returns the tags of one changeset of a multi-chunk upload. Without it
	// each changeset gets the caller's tags plus chunk=i/n.
	OnChunk    func(ChunkInfo) feature.Tags
	OnProgress func(Progress)

	OnAutomaticConflict conflict.AutomaticFunc
	OnManualConflict    conflict.ManualFunc

	ResolverOptions []conflict.Option
	Metrics         *metrics.Collector
}

// Result maps changeset id -> the store's id assignments for that changeset
type Result map[int64]osc.DiffResult

// ChangesetIDs returns the changeset ids in ascending order
func (r Result) ChangesetIDs() []int64 {
	ids := make([]int64, 0, len(r))
	for id := range r {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of mapped features over all changesets
func (r Result) Len() int {
	n := 0
	for _, dr := range r {
		n += dr.Len()
	}
	return n
}

// MarshalJSON writes {"<changeset>": {"diffResult": {"<type>": {"<old id>": {...}}}}}
func (r Result) MarshalJSON() ([]byte, error) {
	type changeset struct {
		DiffResult osc.DiffResult `json:"diffResult"`
	}
	out := make(map[int64]changeset, len(r))
	for id, dr := range r {
		if dr == nil {
			dr = osc.DiffResult{}
		}
		out[id] = changeset{DiffResult: dr}
	}
	return json.Marshal(out)
}

// NewSessionID returns a fresh upload session id
func NewSessionID() string {
	return ulid.Make().String()
}
