package osc

import (
	"errors"

	"github.com/wegman-software/osmupload-go/internal/feature"
)

// Generator is written into the generator attribute of every osmChange document
const Generator = "osmupload-go"

// ErrMalformedFeature is returned when a feature cannot be represented on the wire
var ErrMalformedFeature = errors.New("malformed feature")

// Document is a parsed osmChange file: the diff plus the optional changeset metadata
type Document struct {
	Diff     feature.Diff
	Metadata feature.Tags
}

// IDMapping is the store's answer for one uploaded feature. Deleted features carry
// neither a new id nor a new version.
type IDMapping struct {
	NewID      int64 `json:"newId"`
	NewVersion int   `json:"newVersion"`
}

// DiffResult maps feature type -> submitted id -> assigned id/version
type DiffResult map[feature.Type]map[int64]IDMapping

// Add records one mapping
func (r DiffResult) Add(t feature.Type, oldID int64, m IDMapping) {
	byID, ok := r[t]
	if !ok {
		byID = make(map[int64]IDMapping)
		r[t] = byID
	}
	byID[oldID] = m
}

// Lookup returns the mapping for a submitted feature
func (r DiffResult) Lookup(ref feature.Ref) (IDMapping, bool) {
	m, ok := r[ref.Type][ref.ID]
	return m, ok
}

// Len returns the number of mapped features
func (r DiffResult) Len() int {
	n := 0
	for _, byID := range r {
		n += len(byID)
	}
	return n
}

// DiffResultEntry is one line of a diffResult document, in document order
type DiffResultEntry struct {
	Type       feature.Type
	OldID      int64
	NewID      int64
	NewVersion int
	Deleted    bool
}
