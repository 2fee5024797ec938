package feature

import (
	"fmt"
	"time"
)

// Type identifies the variant of a Feature. The values are the OSM element names
// used on the wire.
type Type string

const (
	TypeNode     Type = "node"
	TypeWay      Type = "way"
	TypeRelation Type = "relation"
)

// Types lists the feature types in tier order: children before the parents that
// reference them.
var Types = []Type{TypeNode, TypeWay, TypeRelation}

// Tier returns the position of the type in creation order (node=0, way=1, relation=2).
// Unknown types sort last.
func (t Type) Tier() int {
	switch t {
	case TypeNode:
		return 0
	case TypeWay:
		return 1
	case TypeRelation:
		return 2
	}
	return 3
}

// Valid reports whether t is one of the three OSM element types
func (t Type) Valid() bool {
	return t.Tier() < 3
}

// ParseType converts an element name ("node", "way", "relation") into a Type
func ParseType(s string) (Type, error) {
	t := Type(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown feature type %q", s)
	}
	return t, nil
}

// Ref addresses a feature by type and id. IDs are only unique per type.
type Ref struct {
	Type Type
	ID   int64
}

func (r Ref) String() string {
	return fmt.Sprintf("%s/%d", r.Type, r.ID)
}

// Member is one entry of a relation's ordered member list
type Member struct {
	Type Type
	Ref  int64
	Role string
}

// Feature is a node, way or relation. The header fields are shared; the payload
// fields are only meaningful for the variant named by Type:
//
//	node:     Lat, Lon
//	way:      Nodes (ordered, duplicates allowed, first == last for closed ways)
//	relation: Members
//
// A negative ID is a placeholder for a feature that does not exist on the store yet.
type Feature struct {
	Type      Type
	ID        int64
	Version   int
	Changeset int64
	Timestamp time.Time
	User      string
	UID       int64
	Tags      Tags
	Visible   bool

	Lat float64
	Lon float64

	Nodes []int64

	Members []Member
}

// Ref returns the address of the feature
func (f *Feature) Ref() Ref {
	return Ref{Type: f.Type, ID: f.ID}
}

// IsPlaceholder reports whether the feature id was assigned by the client
func (f *Feature) IsPlaceholder() bool {
	return IsPlaceholder(f.ID)
}

// IsPlaceholder reports whether id is a client-side placeholder identifier
func IsPlaceholder(id int64) bool {
	return id < 0
}

// References returns the features this feature points at, in order.
// Nodes reference nothing.
func (f *Feature) References() []Ref {
	switch f.Type {
	case TypeWay:
		refs := make([]Ref, 0, len(f.Nodes))
		for _, id := range f.Nodes {
			refs = append(refs, Ref{Type: TypeNode, ID: id})
		}
		return refs
	case TypeRelation:
		refs := make([]Ref, 0, len(f.Members))
		for _, m := range f.Members {
			refs = append(refs, Ref{Type: m.Type, ID: m.Ref})
		}
		return refs
	}
	return nil
}

// Clone returns a deep copy of the feature
func (f Feature) Clone() Feature {
	c := f
	c.Tags = f.Tags.Clone()
	if f.Nodes != nil {
		c.Nodes = append(make([]int64, 0, len(f.Nodes)), f.Nodes...)
	}
	if f.Members != nil {
		c.Members = append(make([]Member, 0, len(f.Members)), f.Members...)
	}
	return c
}

// SameGeometry reports whether the intrinsic payload (coordinates, node list or
// member list) of two features of the same type is identical
func SameGeometry(a, b *Feature) bool {
	if a.Type != b.Type {
		return false
	}
	switch a.Type {
	case TypeNode:
		return a.Lat == b.Lat && a.Lon == b.Lon
	case TypeWay:
		if len(a.Nodes) != len(b.Nodes) {
			return false
		}
		for i := range a.Nodes {
			if a.Nodes[i] != b.Nodes[i] {
				return false
			}
		}
		return true
	case TypeRelation:
		if len(a.Members) != len(b.Members) {
			return false
		}
		for i := range a.Members {
			if a.Members[i] != b.Members[i] {
				return false
			}
		}
		return true
	}
	return false
}
