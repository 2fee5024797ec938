package chunk

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wegman-software/osmupload-go/internal/feature"
)

func node(id int64) feature.Feature {
	return feature.Feature{Type: feature.TypeNode, ID: id, Version: 1}
}

func way(id int64, nodes ...int64) feature.Feature {
	return feature.Feature{Type: feature.TypeWay, ID: id, Version: 1, Nodes: nodes}
}

func relation(id int64, members ...feature.Member) feature.Feature {
	return feature.Feature{Type: feature.TypeRelation, ID: id, Version: 1, Members: members}
}

func member(t feature.Type, ref int64) feature.Member {
	return feature.Member{Type: t, Ref: ref}
}

func refs(features []feature.Feature) []string {
	out := make([]string, len(features))
	for i := range features {
		out[i] = features[i].Ref().String()
	}
	return out
}

func TestPlanEmptyDiff(t *testing.T) {
	chunks, err := Plan(feature.Diff{}, 5)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, 1, chunks[0].Total)
	assert.True(t, chunks[0].Diff.Empty())
}

func TestPlanInvalidLimit(t *testing.T) {
	for _, n := range []int{0, -1} {
		_, err := Plan(feature.Diff{Create: []feature.Feature{node(-1)}}, n)
		assert.ErrorIs(t, err, ErrInvalidLimit)
	}
}

func TestPlanSingleChunk(t *testing.T) {
	diff := feature.Diff{
		Create: []feature.Feature{way(-3, -1, -2), node(-1), node(-2)},
		Modify: []feature.Feature{node(5)},
		Delete: []feature.Feature{node(6)},
	}

	chunks, err := Plan(diff, DefaultMaxFeatures)
	require.NoError(t, err)
	require.Len(t, chunks, 1)

	assert.Equal(t, []string{"node/-1", "node/-2", "way/-3"}, refs(chunks[0].Diff.Create))
	assert.Equal(t, []string{"node/5"}, refs(chunks[0].Diff.Modify))
	assert.Equal(t, []string{"node/6"}, refs(chunks[0].Diff.Delete))
}

// 12 creations, 3 modifications and 5 deletions with a limit of 6
func TestPlanMixedScenario(t *testing.T) {
	var creates []feature.Feature
	creates = append(creates, relation(-100, member(feature.TypeWay, -50), member(feature.TypeNode, -9)))
	creates = append(creates, way(-50, -1, -2, -1))
	for id := int64(-1); id >= -10; id-- {
		creates = append(creates, node(id))
	}

	diff := feature.Diff{
		Create: creates,
		Modify: []feature.Feature{node(20), way(21, 20, 22), node(22)},
		Delete: []feature.Feature{node(31), node(32), way(40, 31, 32), node(33), relation(50, member(feature.TypeWay, 40))},
	}

	chunks, err := Plan(diff, 6)
	require.NoError(t, err)
	require.Len(t, chunks, 4)

	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, 4, c.Total)
		assert.LessOrEqual(t, c.Len(), 6)
	}

	assert.Equal(t, []string{"node/-1", "node/-2", "node/-3", "node/-4", "node/-5", "node/-6"}, refs(chunks[0].Diff.Create))
	assert.Equal(t, []string{"node/-7", "node/-8", "node/-9", "node/-10", "way/-50", "relation/-100"}, refs(chunks[1].Diff.Create))

	assert.Empty(t, chunks[2].Diff.Create)
	assert.Equal(t, []string{"node/20", "way/21", "node/22"}, refs(chunks[2].Diff.Modify))
	assert.Equal(t, []string{"relation/50", "way/40", "node/31"}, refs(chunks[2].Diff.Delete))

	assert.Empty(t, chunks[3].Diff.Create)
	assert.Empty(t, chunks[3].Diff.Modify)
	assert.Equal(t, []string{"node/32", "node/33"}, refs(chunks[3].Diff.Delete))
}

func TestPlanDefersChainToNextChunk(t *testing.T) {
	// the way becomes ready only after its nodes, which fill the first chunk
	diff := feature.Diff{Create: []feature.Feature{way(-10, -1, -2, -3), node(-1), node(-2), node(-3)}}

	chunks, err := Plan(diff, 3)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, []string{"node/-1", "node/-2", "node/-3"}, refs(chunks[0].Diff.Create))
	assert.Equal(t, []string{"way/-10"}, refs(chunks[1].Diff.Create))
}

func TestPlanRelationCycle(t *testing.T) {
	cycle := []feature.Feature{
		node(-1),
		relation(-2, member(feature.TypeRelation, -3)),
		relation(-3, member(feature.TypeRelation, -2)),
		relation(-4, member(feature.TypeNode, 7)),
	}

	t.Run("too large", func(t *testing.T) {
		_, err := Plan(feature.Diff{Create: cycle}, 1)
		assert.ErrorIs(t, err, ErrUnsatisfiableChunk)
	})

	t.Run("smaller unit fills the gap", func(t *testing.T) {
		chunks, err := Plan(feature.Diff{Create: cycle}, 2)
		require.NoError(t, err)
		require.Len(t, chunks, 2)
		assert.Equal(t, []string{"node/-1", "relation/-4"}, refs(chunks[0].Diff.Create))
		assert.Equal(t, []string{"relation/-2", "relation/-3"}, refs(chunks[1].Diff.Create))
	})

	t.Run("fits", func(t *testing.T) {
		chunks, err := Plan(feature.Diff{Create: cycle}, 4)
		require.NoError(t, err)
		require.Len(t, chunks, 1)
		assert.Len(t, chunks[0].Diff.Create, 4)
	})
}

func TestPlanDeleteOrder(t *testing.T) {
	diff := feature.Diff{
		Delete: []feature.Feature{
			node(1),
			relation(11, member(feature.TypeWay, 5)),
			way(5, 1, 2),
			relation(10, member(feature.TypeRelation, 11)),
			node(2),
			relation(12, member(feature.TypeRelation, 13)),
			relation(13, member(feature.TypeRelation, 12)),
		},
	}

	chunks, err := Plan(diff, 100)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t,
		[]string{"relation/10", "relation/11", "relation/12", "relation/13", "way/5", "node/1", "node/2"},
		refs(chunks[0].Diff.Delete))
}

func TestPlanDoesNotModifyInput(t *testing.T) {
	diff := feature.Diff{
		Create: []feature.Feature{way(-2, -1), node(-1)},
		Modify: []feature.Feature{{Type: feature.TypeNode, ID: 3, Version: 2, Tags: feature.Tags{{Key: "a", Value: "b"}}}},
	}

	chunks, err := Plan(diff, 10)
	require.NoError(t, err)

	chunks[0].Diff.Modify[0].Tags[0].Value = "changed"
	chunks[0].Diff.Create[1].Nodes[0] = 99

	assert.Equal(t, "b", diff.Modify[0].Tags[0].Value)
	assert.Equal(t, []int64{-1}, diff.Create[0].Nodes)
	assert.Equal(t, "way/-2", diff.Create[0].Ref().String())
}

// randomDiff builds an acyclic diff: every way references earlier nodes, every
// relation earlier ways, nodes or relations, new or existing
func randomDiff(rng *rand.Rand) feature.Diff {
	var diff feature.Diff
	var nodes, ways, relations []int64
	next := int64(-1)

	count := 10 + rng.Intn(60)
	for i := 0; i < count; i++ {
		switch k := rng.Intn(6); {
		case k < 3 || len(nodes) < 2:
			nodes = append(nodes, next)
			diff.Create = append(diff.Create, node(next))
		case k < 5:
			n := 2 + rng.Intn(4)
			nds := make([]int64, n)
			for j := range nds {
				if rng.Intn(4) == 0 {
					nds[j] = int64(1000 + rng.Intn(50))
				} else {
					nds[j] = nodes[rng.Intn(len(nodes))]
				}
			}
			ways = append(ways, next)
			diff.Create = append(diff.Create, way(next, nds...))
		default:
			var members []feature.Member
			if len(ways) > 0 {
				members = append(members, member(feature.TypeWay, ways[rng.Intn(len(ways))]))
			}
			if len(relations) > 0 && rng.Intn(2) == 0 {
				members = append(members, member(feature.TypeRelation, relations[rng.Intn(len(relations))]))
			}
			members = append(members, member(feature.TypeNode, nodes[rng.Intn(len(nodes))]))
			relations = append(relations, next)
			diff.Create = append(diff.Create, relation(next, members...))
		}
		next--
	}

	rng.Shuffle(len(diff.Create), func(i, j int) {
		diff.Create[i], diff.Create[j] = diff.Create[j], diff.Create[i]
	})

	modifies, deletes := rng.Intn(15), rng.Intn(15)
	for i := 0; i < modifies; i++ {
		diff.Modify = append(diff.Modify, node(int64(2000+i)))
	}
	for i := 0; i < deletes; i++ {
		if rng.Intn(2) == 0 {
			diff.Delete = append(diff.Delete, node(int64(3000+i)))
		} else {
			diff.Delete = append(diff.Delete, way(int64(3000+i), 1, 2))
		}
	}
	return diff
}

func TestPlanProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for iter := 0; iter < 200; iter++ {
		diff := randomDiff(rng)
		limit := 1 + rng.Intn(12)

		chunks, err := Plan(diff, limit)
		require.NoError(t, err)

		total := diff.Len()
		assert.Len(t, chunks, (total+limit-1)/limit, "acyclic diffs use the minimum number of chunks")

		createdIn := make(map[feature.Ref]int)
		var seen []string
		for ci, c := range chunks {
			assert.LessOrEqual(t, c.Len(), limit)
			assert.Equal(t, len(chunks), c.Total)

			for fi := range c.Diff.Create {
				f := &c.Diff.Create[fi]
				for _, ref := range f.References() {
					if !feature.IsPlaceholder(ref.ID) {
						continue
					}
					at, ok := createdIn[ref]
					require.True(t, ok, "%s references %s before it was created", f.Ref(), ref)
					assert.LessOrEqual(t, at, ci)
				}
				createdIn[f.Ref()] = ci
			}
			for _, action := range feature.Actions {
				for _, f := range *c.Diff.Bucket(action) {
					seen = append(seen, string(action)+":"+f.Ref().String())
				}
			}
		}

		var want []string
		for _, action := range feature.Actions {
			for _, f := range *diff.Bucket(action) {
				want = append(want, string(action)+":"+f.Ref().String())
			}
		}
		sort.Strings(seen)
		sort.Strings(want)
		assert.Equal(t, want, seen, "every feature appears exactly once")
	}
}
