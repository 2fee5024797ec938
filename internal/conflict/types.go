// Package conflict reconciles features the store rejected because their version was
// out of date.
package conflict

import (
	"context"
	"errors"

	"github.com/wegman-software/osmupload-go/internal/feature"
)

var (
	// ErrConflictUnresolved is returned when a conflict has no policy to decide it or
	// the policy refused
	ErrConflictUnresolved = errors.New("conflict unresolved")

	// ErrFeatureVanished is returned when a feature of the diff no longer exists on
	// the store
	ErrFeatureVanished = errors.New("feature vanished from the store")
)

// Kind classifies a conflict
type Kind string

const (
	// KindIdentical: both copies are equal apart from the version
	KindIdentical Kind = "identical"
	// KindBothDeleted: the diff deletes a feature the store has already deleted
	KindBothDeleted Kind = "both_deleted"
	// KindVisibility: one side deleted the feature, the other kept it
	KindVisibility Kind = "visibility"
	// KindGeometry: coordinates, node list or member list differ
	KindGeometry Kind = "geometry"
	// KindTags: same geometry, different tags
	KindTags Kind = "tags"
)

// AutoMergeable reports whether a conflict of this kind has a safe merge
func (k Kind) AutoMergeable() bool {
	return k == KindIdentical || k == KindBothDeleted
}

// Method names how a conflict was decided. The values are written into the
// merge_conflict_resolved changeset tag.
type Method string

const (
	MethodAutomatic Method = "automatically"
	MethodManual    Method = "manually"
)

// Record describes one resolved conflict
type Record struct {
	Local    feature.Feature
	Remote   feature.Feature
	Kind     Kind
	Method   Method
	Resolved *feature.Feature // nil when the feature was dropped from the diff
}

// AutoConflict is handed to an automatic policy. Merged is the proposed resolution,
// a copy of the remote feature.
type AutoConflict struct {
	Kind   Kind
	Local  feature.Feature
	Remote feature.Feature
	Merged feature.Feature
}

// ManualConflict is handed to a manual policy
type ManualConflict struct {
	Kind   Kind
	Local  feature.Feature
	Remote feature.Feature
}

// Resolution is a policy's answer.
//
// Merged replaces the local feature; nil keeps the proposed merge for automatic
// conflicts and the local feature for manual ones. Drop removes the feature from the
// diff so the store's copy stays as it is. Tags, when non-nil, replace the changeset
// tags. Refused declines the conflict: an automatic refusal is handed on to the
// manual policy, a manual refusal aborts the upload.
type Resolution struct {
	Merged  *feature.Feature
	Drop    bool
	Tags    feature.Tags
	Refused bool
}

// AutomaticFunc decides auto-mergeable conflicts
type AutomaticFunc func(ctx context.Context, c AutoConflict) (Resolution, error)

// ManualFunc decides conflicts that cannot be merged automatically
type ManualFunc func(ctx context.Context, c ManualConflict) (Resolution, error)

// Classify compares the diff's copy of a feature with the store's. locallyDeleted
// tells whether the diff deletes the feature; the store marks deletions with
// Visible false.
func Classify(local, remote *feature.Feature, locallyDeleted bool) Kind {
	remoteDeleted := !remote.Visible
	switch {
	case locallyDeleted && remoteDeleted:
		return KindBothDeleted
	case locallyDeleted != remoteDeleted:
		return KindVisibility
	case !feature.SameGeometry(local, remote):
		return KindGeometry
	case !local.Tags.Equal(remote.Tags):
		return KindTags
	}
	return KindIdentical
}
