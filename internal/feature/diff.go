package feature

// Action names the diff bucket a feature belongs to
type Action string

const (
	ActionCreate Action = "create"
	ActionModify Action = "modify"
	ActionDelete Action = "delete"
)

// Actions lists the buckets in wire order
var Actions = []Action{ActionCreate, ActionModify, ActionDelete}

// Diff is a set of creations, modifications and deletions applied as one logical
// unit. Buckets may mix feature types.
type Diff struct {
	Create []Feature
	Modify []Feature
	Delete []Feature
}

// Len returns the number of features across all buckets
func (d *Diff) Len() int {
	return len(d.Create) + len(d.Modify) + len(d.Delete)
}

// Empty reports whether the diff contains no features
func (d *Diff) Empty() bool {
	return d.Len() == 0
}

// Bucket returns a pointer to the slice holding the given action
func (d *Diff) Bucket(action Action) *[]Feature {
	switch action {
	case ActionCreate:
		return &d.Create
	case ActionModify:
		return &d.Modify
	case ActionDelete:
		return &d.Delete
	}
	return nil
}

// Clone returns a deep copy of the diff
func (d Diff) Clone() Diff {
	return Diff{
		Create: cloneFeatures(d.Create),
		Modify: cloneFeatures(d.Modify),
		Delete: cloneFeatures(d.Delete),
	}
}

func cloneFeatures(in []Feature) []Feature {
	if in == nil {
		return nil
	}
	out := make([]Feature, len(in))
	for i := range in {
		out[i] = in[i].Clone()
	}
	return out
}

// Stats counts features per action and type
type Stats struct {
	NodesCreated      int64
	NodesModified     int64
	NodesDeleted      int64
	WaysCreated       int64
	WaysModified      int64
	WaysDeleted       int64
	RelationsCreated  int64
	RelationsModified int64
	RelationsDeleted  int64
}

// Add counts one feature of type t under action
func (s *Stats) Add(action Action, t Type) {
	switch t {
	case TypeNode:
		switch action {
		case ActionCreate:
			s.NodesCreated++
		case ActionModify:
			s.NodesModified++
		case ActionDelete:
			s.NodesDeleted++
		}
	case TypeWay:
		switch action {
		case ActionCreate:
			s.WaysCreated++
		case ActionModify:
			s.WaysModified++
		case ActionDelete:
			s.WaysDeleted++
		}
	case TypeRelation:
		switch action {
		case ActionCreate:
			s.RelationsCreated++
		case ActionModify:
			s.RelationsModified++
		case ActionDelete:
			s.RelationsDeleted++
		}
	}
}

// Total returns total number of changes
func (s *Stats) Total() int64 {
	return s.NodesCreated + s.NodesModified + s.NodesDeleted +
		s.WaysCreated + s.WaysModified + s.WaysDeleted +
		s.RelationsCreated + s.RelationsModified + s.RelationsDeleted
}

// StatsOf counts the features of a diff
func StatsOf(d *Diff) Stats {
	var s Stats
	for _, action := range Actions {
		for _, f := range *d.Bucket(action) {
			s.Add(action, f.Type)
		}
	}
	return s
}
