package upload

import (
	"github.com/wegman-software/osmupload-go/internal/feature"
	"github.com/wegman-software/osmupload-go/internal/osc"
)

// idTable maps placeholder ids to the ids the store assigned in earlier chunks. It is
// only ever added to.
type idTable struct {
	ids map[feature.Ref]osc.IDMapping
}

func newIDTable() *idTable {
	return &idTable{ids: make(map[feature.Ref]osc.IDMapping)}
}

// record adds the placeholder assignments of a committed chunk
func (t *idTable) record(result osc.DiffResult) {
	for typ, byID := range result {
		for oldID, m := range byID {
			if feature.IsPlaceholder(oldID) && m.NewID != 0 {
				t.ids[feature.Ref{Type: typ, ID: oldID}] = m
			}
		}
	}
}

func (t *idTable) len() int {
	return len(t.ids)
}

func (t *idTable) resolve(typ feature.Type, id int64) int64 {
	if !feature.IsPlaceholder(id) {
		return id
	}
	if m, ok := t.ids[feature.Ref{Type: typ, ID: id}]; ok {
		return m.NewID
	}
	return id
}

// rewrite returns a copy of diff with every known placeholder replaced. Modified and
// deleted features created by an earlier chunk also take their assigned version.
func (t *idTable) rewrite(diff feature.Diff) feature.Diff {
	out := diff.Clone()
	if len(t.ids) == 0 {
		return out
	}
	for _, action := range feature.Actions {
		bucket := *out.Bucket(action)
		for i := range bucket {
			f := &bucket[i]
			if action != feature.ActionCreate && f.IsPlaceholder() {
				if m, ok := t.ids[f.Ref()]; ok {
					f.ID = m.NewID
					f.Version = m.NewVersion
				}
			}
			for j, n := range f.Nodes {
				f.Nodes[j] = t.resolve(feature.TypeNode, n)
			}
			for j := range f.Members {
				f.Members[j].Ref = t.resolve(f.Members[j].Type, f.Members[j].Ref)
			}
		}
	}
	return out
}
