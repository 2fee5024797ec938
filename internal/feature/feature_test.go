package feature

import (
	"testing"

	"github.com/paulmach/osm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeTier(t *testing.T) {
	tests := []struct {
		typ  Type
		tier int
	}{
		{TypeNode, 0},
		{TypeWay, 1},
		{TypeRelation, 2},
		{Type("changeset"), 3},
	}

	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			assert.Equal(t, tt.tier, tt.typ.Tier())
		})
	}

	_, err := ParseType("area")
	assert.Error(t, err)
}

func TestTagsSetKeepsOrder(t *testing.T) {
	tags := Tags{{Key: "comment", Value: "a"}, {Key: "source", Value: "survey"}}
	tags = tags.Set("created_by", "me")
	tags = tags.Set("comment", "b")

	assert.Equal(t, Tags{
		{Key: "comment", Value: "b"},
		{Key: "source", Value: "survey"},
		{Key: "created_by", Value: "me"},
	}, tags)
	assert.True(t, tags.Has("source"))
	assert.Equal(t, "", tags.Find("missing"))
}

func TestTagsEqualIgnoresOrder(t *testing.T) {
	a := Tags{{Key: "a", Value: "1"}, {Key: "b", Value: "2"}}
	b := Tags{{Key: "b", Value: "2"}, {Key: "a", Value: "1"}}
	c := Tags{{Key: "a", Value: "1"}, {Key: "b", Value: "3"}}

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(a[:1]))
	assert.True(t, Tags(nil).Equal(Tags{}))
}

func TestCloneIsDeep(t *testing.T) {
	d := Diff{
		Create: []Feature{{Type: TypeWay, ID: -1, Nodes: []int64{-2, -3}, Tags: Tags{{Key: "highway", Value: "path"}}}},
		Modify: []Feature{{Type: TypeRelation, ID: 5, Members: []Member{{Type: TypeWay, Ref: 1, Role: "outer"}}}},
	}

	c := d.Clone()
	c.Create[0].Nodes[0] = 99
	c.Create[0].Tags[0].Value = "track"
	c.Modify[0].Members[0].Role = "inner"

	assert.Equal(t, int64(-2), d.Create[0].Nodes[0])
	assert.Equal(t, "path", d.Create[0].Tags[0].Value)
	assert.Equal(t, "outer", d.Modify[0].Members[0].Role)
	assert.Nil(t, c.Delete)
}

func TestReferences(t *testing.T) {
	way := Feature{Type: TypeWay, ID: 1, Nodes: []int64{3, 4, 3}}
	assert.Equal(t, []Ref{{TypeNode, 3}, {TypeNode, 4}, {TypeNode, 3}}, way.References())

	rel := Feature{Type: TypeRelation, ID: 2, Members: []Member{{Type: TypeWay, Ref: 1}, {Type: TypeRelation, Ref: 7}}}
	assert.Equal(t, []Ref{{TypeWay, 1}, {TypeRelation, 7}}, rel.References())

	node := Feature{Type: TypeNode, ID: 1}
	assert.Empty(t, node.References())
}

func TestSameGeometry(t *testing.T) {
	a := Feature{Type: TypeNode, Lat: 1, Lon: 2}
	b := Feature{Type: TypeNode, Lat: 1, Lon: 2, Tags: Tags{{Key: "x", Value: "y"}}}
	c := Feature{Type: TypeNode, Lat: 1, Lon: 3}
	assert.True(t, SameGeometry(&a, &b))
	assert.False(t, SameGeometry(&a, &c))

	w1 := Feature{Type: TypeWay, Nodes: []int64{1, 2}}
	w2 := Feature{Type: TypeWay, Nodes: []int64{2, 1}}
	assert.False(t, SameGeometry(&w1, &w2))
	assert.False(t, SameGeometry(&a, &w1))
}

func TestStatsOf(t *testing.T) {
	d := Diff{
		Create: []Feature{{Type: TypeNode}, {Type: TypeNode}, {Type: TypeWay}},
		Modify: []Feature{{Type: TypeRelation}},
		Delete: []Feature{{Type: TypeNode}},
	}
	s := StatsOf(&d)
	assert.Equal(t, int64(2), s.NodesCreated)
	assert.Equal(t, int64(1), s.WaysCreated)
	assert.Equal(t, int64(1), s.RelationsModified)
	assert.Equal(t, int64(1), s.NodesDeleted)
	assert.Equal(t, int64(5), s.Total())
	assert.Equal(t, 5, d.Len())
}

func TestFromOSM(t *testing.T) {
	doc := &osm.OSM{
		Nodes: osm.Nodes{{ID: 1, Lat: 1.5, Lon: 2.5, Version: 3, Visible: true, Tags: osm.Tags{{Key: "amenity", Value: "cafe"}}}},
		Ways:  osm.Ways{{ID: 2, Version: 1, Visible: false, Nodes: osm.WayNodes{{ID: 1}, {ID: 4}}}},
		Relations: osm.Relations{{ID: 3, Version: 7, Visible: true, Members: osm.Members{
			{Type: osm.TypeWay, Ref: 2, Role: "outer"},
		}}},
	}

	features, err := FromOSM(doc)
	require.NoError(t, err)
	require.Len(t, features, 3)

	assert.Equal(t, Feature{Type: TypeNode, ID: 1, Lat: 1.5, Lon: 2.5, Version: 3, Visible: true,
		Tags: Tags{{Key: "amenity", Value: "cafe"}}}, features[0])
	assert.Equal(t, []int64{1, 4}, features[1].Nodes)
	assert.False(t, features[1].Visible)
	assert.Equal(t, []Member{{Type: TypeWay, Ref: 2, Role: "outer"}}, features[2].Members)
}
