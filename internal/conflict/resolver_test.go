package conflict

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wegman-software/osmupload-go/internal/feature"
	"github.com/wegman-software/osmupload-go/internal/osmapi"
)

type stubStore struct {
	mu       sync.Mutex
	features map[feature.Ref]feature.Feature
	fetches  [][]int64
	updates  []feature.Tags
	fetchErr error
}

func newStubStore(features ...feature.Feature) *stubStore {
	s := &stubStore{features: make(map[feature.Ref]feature.Feature)}
	for _, f := range features {
		s.features[f.Ref()] = f
	}
	return s
}

func (s *stubStore) FetchFeatures(_ context.Context, t feature.Type, ids []int64) ([]feature.Feature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches = append(s.fetches, append([]int64(nil), ids...))
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	var out []feature.Feature
	for _, id := range ids {
		if f, ok := s.features[feature.Ref{Type: t, ID: id}]; ok {
			out = append(out, f.Clone())
		}
	}
	return out, nil
}

func (s *stubStore) UpdateChangeset(_ context.Context, _ int64, tags feature.Tags) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, tags.Clone())
	return nil
}

func point(id int64, version int, lat, lon float64, tags ...string) feature.Feature {
	f := feature.Feature{Type: feature.TypeNode, ID: id, Version: version, Visible: true, Lat: lat, Lon: lon}
	for i := 0; i+1 < len(tags); i += 2 {
		f.Tags = f.Tags.Set(tags[i], tags[i+1])
	}
	return f
}

func TestClassify(t *testing.T) {
	base := point(1, 1, 10, 20, "amenity", "cafe")
	deleted := base
	deleted.Visible = false

	moved := base.Clone()
	moved.Lat = 11

	retagged := base.Clone()
	retagged.Tags = retagged.Tags.Set("name", "Contigo")

	reordered := base.Clone()
	reordered.Tags = feature.Tags{{Key: "name", Value: "x"}, {Key: "amenity", Value: "cafe"}}
	reorderedRemote := base.Clone()
	reorderedRemote.Tags = feature.Tags{{Key: "amenity", Value: "cafe"}, {Key: "name", Value: "x"}}

	tests := []struct {
		name           string
		local, remote  feature.Feature
		locallyDeleted bool
		want           Kind
		auto           bool
	}{
		{"identical", base, base, false, KindIdentical, true},
		{"tag order ignored", reordered, reorderedRemote, false, KindIdentical, true},
		{"both deleted", base, deleted, true, KindBothDeleted, true},
		{"deleted locally, edited remotely", base, moved, true, KindVisibility, false},
		{"edited locally, deleted remotely", moved, deleted, false, KindVisibility, false},
		{"moved", moved, base, false, KindGeometry, false},
		{"retagged", retagged, base, false, KindTags, false},
		{"way nodes differ", feature.Feature{Type: feature.TypeWay, Visible: true, Nodes: []int64{1, 2}},
			feature.Feature{Type: feature.TypeWay, Visible: true, Nodes: []int64{2, 1}}, false, KindGeometry, false},
		{"relation roles differ", feature.Feature{Type: feature.TypeRelation, Visible: true, Members: []feature.Member{{Type: feature.TypeWay, Ref: 1, Role: "outer"}}},
			feature.Feature{Type: feature.TypeRelation, Visible: true, Members: []feature.Member{{Type: feature.TypeWay, Ref: 1, Role: "inner"}}}, false, KindGeometry, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind := Classify(&tt.local, &tt.remote, tt.locallyDeleted)
			assert.Equal(t, tt.want, kind)
			assert.Equal(t, tt.auto, kind.AutoMergeable())
		})
	}
}

func TestResolveIdentical(t *testing.T) {
	store := newStubStore(point(5, 2, 1, 2, "shop", "bakery"), point(6, 4, 0, 0))
	local := point(5, 1, 1, 2, "shop", "bakery")
	diff := feature.Diff{Modify: []feature.Feature{local, point(6, 4, 0, 0)}}

	out, err := NewResolver(store).Resolve(context.Background(), Request{
		Diff:        diff,
		ChangesetID: 9,
		Tags:        feature.Tags{{Key: "created_by", Value: "test"}},
		Automatic:   AcceptAutomatic,
	})
	require.NoError(t, err)

	require.Len(t, out.Records, 1)
	assert.Equal(t, KindIdentical, out.Records[0].Kind)
	assert.Equal(t, MethodAutomatic, out.Records[0].Method)

	resolved := out.Diff.Modify[0]
	assert.Equal(t, 2, resolved.Version)
	assert.True(t, feature.SameGeometry(&local, &resolved))
	assert.True(t, local.Tags.Equal(resolved.Tags))
	assert.Equal(t, 4, out.Diff.Modify[1].Version)

	// input untouched
	assert.Equal(t, 1, diff.Modify[0].Version)

	assert.Equal(t, feature.Tags{
		{Key: "created_by", Value: "test"},
		{Key: TagResolved, Value: "automatically"},
	}, out.Tags)
	require.Len(t, store.updates, 1)
	assert.Equal(t, out.Tags, store.updates[0])
}

func TestResolveIdenticalIsIdempotent(t *testing.T) {
	remote := point(5, 2, 1, 2, "shop", "bakery")
	store := newStubStore(remote)
	req := Request{
		Diff:      feature.Diff{Modify: []feature.Feature{point(5, 1, 1, 2, "shop", "bakery")}},
		Automatic: AcceptAutomatic,
	}

	first, err := NewResolver(store).Resolve(context.Background(), req)
	require.NoError(t, err)

	req.Diff = first.Diff
	req.Tags = first.Tags
	second, err := NewResolver(store).Resolve(context.Background(), req)
	require.NoError(t, err)

	assert.Empty(t, second.Records)
	assert.Equal(t, first.Diff, second.Diff)
	assert.Equal(t, "automatically", second.Tags.Find(TagResolved))
}

func TestResolveGeometryWithoutManualPolicy(t *testing.T) {
	store := newStubStore(point(5, 2, 1, 2))
	_, err := NewResolver(store).Resolve(context.Background(), Request{
		Diff:      feature.Diff{Modify: []feature.Feature{point(5, 1, 1, 3)}},
		Automatic: AcceptAutomatic,
	})
	assert.ErrorIs(t, err, ErrConflictUnresolved)
	assert.Empty(t, store.updates)
}

func TestResolveManual(t *testing.T) {
	tests := []struct {
		name       string
		manual     ManualFunc
		wantErr    error
		wantModify []feature.Feature
	}{
		{
			name:       "keep local",
			manual:     KeepLocal,
			wantModify: []feature.Feature{point(5, 2, 1, 3)},
		},
		{
			name:       "keep remote drops the feature",
			manual:     KeepRemote,
			wantModify: []feature.Feature{},
		},
		{
			name:    "refuse",
			manual:  Refuse,
			wantErr: ErrConflictUnresolved,
		},
		{
			name: "policy error",
			manual: func(context.Context, ManualConflict) (Resolution, error) {
				return Resolution{}, errors.New("prompt closed")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStubStore(point(5, 2, 1, 2))
			out, err := NewResolver(store).Resolve(context.Background(), Request{
				Diff:   feature.Diff{Modify: []feature.Feature{point(5, 1, 1, 3)}},
				Manual: tt.manual,
			})
			if tt.wantModify == nil {
				require.Error(t, err)
				if tt.wantErr != nil {
					assert.ErrorIs(t, err, tt.wantErr)
				} else {
					assert.NotErrorIs(t, err, ErrConflictUnresolved)
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantModify, out.Diff.Modify)
			assert.Equal(t, "manually", out.Tags.Find(TagResolved))
		})
	}
}

func TestResolveAutomaticRefusalEscalates(t *testing.T) {
	store := newStubStore(point(5, 2, 1, 2))
	var manualCalls int
	out, err := NewResolver(store).Resolve(context.Background(), Request{
		Diff: feature.Diff{Modify: []feature.Feature{point(5, 1, 1, 2)}},
		Automatic: func(_ context.Context, c AutoConflict) (Resolution, error) {
			assert.Equal(t, KindIdentical, c.Kind)
			assert.Equal(t, 2, c.Merged.Version)
			return Resolution{Refused: true}, nil
		},
		Manual: func(_ context.Context, c ManualConflict) (Resolution, error) {
			manualCalls++
			return KeepLocal(context.Background(), c)
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, manualCalls)
	assert.Equal(t, MethodManual, out.Records[0].Method)
}

func TestResolveBothDeleted(t *testing.T) {
	remote := point(8, 3, 0, 0)
	remote.Visible = false
	store := newStubStore(remote)

	out, err := NewResolver(store).Resolve(context.Background(), Request{
		Diff:      feature.Diff{Delete: []feature.Feature{point(8, 2, 0, 0)}},
		Automatic: AcceptAutomatic,
	})
	require.NoError(t, err)
	require.Len(t, out.Diff.Delete, 1)
	assert.Equal(t, 3, out.Diff.Delete[0].Version)
	assert.Equal(t, KindBothDeleted, out.Records[0].Kind)
}

func TestResolveTagOverrides(t *testing.T) {
	store := newStubStore(point(5, 2, 1, 2, "name", "Remote"))
	out, err := NewResolver(store).Resolve(context.Background(), Request{
		Diff: feature.Diff{Modify: []feature.Feature{point(5, 1, 1, 2, "name", "Local")}},
		Tags: feature.Tags{
			{Key: "comment", Value: "rename"},
			{Key: "created_by", Value: "osmupload-go dev"},
			{Key: "chunk", Value: "2/3"},
			{Key: TagResolved, Value: "automatically"},
		},
		Manual: func(_ context.Context, c ManualConflict) (Resolution, error) {
			assert.Equal(t, KindTags, c.Kind)
			local := c.Local
			return Resolution{
				Merged: &local,
				Tags:   feature.Tags{{Key: "comment", Value: "rename, kept mine"}, {Key: "chunk", Value: "9/9"}},
			}, nil
		},
	})
	require.NoError(t, err)

	assert.Equal(t, feature.Tags{
		{Key: "comment", Value: "rename, kept mine"},
		{Key: "chunk", Value: "2/3"},
		{Key: "created_by", Value: "osmupload-go dev"},
		{Key: TagResolved, Value: "automatically;manually"},
	}, out.Tags)
}

func TestResolveVanished(t *testing.T) {
	t.Run("missing from response", func(t *testing.T) {
		store := newStubStore()
		_, err := NewResolver(store).Resolve(context.Background(), Request{
			Diff:      feature.Diff{Modify: []feature.Feature{point(5, 1, 0, 0)}},
			Automatic: AcceptAutomatic,
		})
		assert.ErrorIs(t, err, ErrFeatureVanished)
	})

	t.Run("store answers 410", func(t *testing.T) {
		store := newStubStore()
		store.fetchErr = fmt.Errorf("fetch: %w", &osmapi.StatusError{StatusCode: 410})
		_, err := NewResolver(store).Resolve(context.Background(), Request{
			Diff: feature.Diff{Delete: []feature.Feature{point(5, 1, 0, 0)}},
		})
		assert.ErrorIs(t, err, ErrFeatureVanished)
		assert.ErrorIs(t, err, osmapi.ErrGone)
	})
}

func TestResolveBatchesAndProgress(t *testing.T) {
	var remote []feature.Feature
	var modify []feature.Feature
	for id := int64(1); id <= 250; id++ {
		remote = append(remote, point(id, 1, 0, 0))
		modify = append(modify, point(id, 1, 0, 0))
	}
	// listed twice, fetched once
	modify = append(modify, point(7, 1, 0, 0))
	store := newStubStore(remote...)

	var steps []int
	var total int
	_, err := NewResolver(store, WithBatchSize(100), WithConcurrency(2)).Resolve(context.Background(), Request{
		Diff: feature.Diff{Modify: modify},
		OnProgress: func(step, tot int) {
			steps = append(steps, step)
			total = tot
		},
	})
	require.NoError(t, err)

	require.Len(t, store.fetches, 3)
	fetched := 0
	for _, ids := range store.fetches {
		assert.LessOrEqual(t, len(ids), 100)
		fetched += len(ids)
	}
	assert.Equal(t, 250, fetched)

	assert.Equal(t, 500, total)
	require.NotEmpty(t, steps)
	assert.Equal(t, 500, steps[len(steps)-1])
	for i := 1; i < len(steps); i++ {
		assert.Greater(t, steps[i], steps[i-1])
	}
}
