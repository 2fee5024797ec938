package feature

import (
	"fmt"

	"github.com/paulmach/osm"
)

// FromOSMTags converts paulmach/osm tags, keeping their order
func FromOSMTags(tags osm.Tags) Tags {
	if len(tags) == 0 {
		return nil
	}
	out := make(Tags, 0, len(tags))
	for _, t := range tags {
		out = append(out, Tag{Key: t.Key, Value: t.Value})
	}
	return out
}

// FromOSMNode converts a node as returned by the OSM API
func FromOSMNode(n *osm.Node) Feature {
	return Feature{
		Type:      TypeNode,
		ID:        int64(n.ID),
		Version:   n.Version,
		Changeset: int64(n.ChangesetID),
		Timestamp: n.Timestamp,
		User:      n.User,
		UID:       int64(n.UserID),
		Tags:      FromOSMTags(n.Tags),
		Visible:   n.Visible,
		Lat:       n.Lat,
		Lon:       n.Lon,
	}
}

// FromOSMWay converts a way as returned by the OSM API
func FromOSMWay(w *osm.Way) Feature {
	nodes := make([]int64, 0, len(w.Nodes))
	for _, wn := range w.Nodes {
		nodes = append(nodes, int64(wn.ID))
	}
	return Feature{
		Type:      TypeWay,
		ID:        int64(w.ID),
		Version:   w.Version,
		Changeset: int64(w.ChangesetID),
		Timestamp: w.Timestamp,
		User:      w.User,
		UID:       int64(w.UserID),
		Tags:      FromOSMTags(w.Tags),
		Visible:   w.Visible,
		Nodes:     nodes,
	}
}

// FromOSMRelation converts a relation as returned by the OSM API
func FromOSMRelation(r *osm.Relation) (Feature, error) {
	members := make([]Member, 0, len(r.Members))
	for _, m := range r.Members {
		t, err := ParseType(string(m.Type))
		if err != nil {
			return Feature{}, fmt.Errorf("relation %d: %w", r.ID, err)
		}
		members = append(members, Member{Type: t, Ref: m.Ref, Role: m.Role})
	}
	return Feature{
		Type:      TypeRelation,
		ID:        int64(r.ID),
		Version:   r.Version,
		Changeset: int64(r.ChangesetID),
		Timestamp: r.Timestamp,
		User:      r.User,
		UID:       int64(r.UserID),
		Tags:      FromOSMTags(r.Tags),
		Visible:   r.Visible,
		Members:   members,
	}, nil
}

// FromOSM converts every element of an OSM document, nodes first, then ways, then
// relations
func FromOSM(o *osm.OSM) ([]Feature, error) {
	out := make([]Feature, 0, len(o.Nodes)+len(o.Ways)+len(o.Relations))
	for _, n := range o.Nodes {
		out = append(out, FromOSMNode(n))
	}
	for _, w := range o.Ways {
		out = append(out, FromOSMWay(w))
	}
	for _, r := range o.Relations {
		f, err := FromOSMRelation(r)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}
