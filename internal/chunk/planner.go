// Package chunk splits a diff into size-bounded sub-diffs that can each be uploaded
// as one changeset without referencing a placeholder id created in a later changeset.
package chunk

import (
	"errors"
	"fmt"
	"sort"

	"github.com/wegman-software/osmupload-go/internal/feature"
)

// DefaultMaxFeatures is the per-changeset feature limit used when none is configured.
// The OSM API rejects changesets with more than 10000 elements.
const DefaultMaxFeatures = 10000

var (
	// ErrUnsatisfiableChunk is returned when a group of creations that must share a
	// changeset is larger than the chunk limit
	ErrUnsatisfiableChunk = errors.New("dependency chain does not fit in one chunk")

	// ErrInvalidLimit is returned for a chunk limit below one
	ErrInvalidLimit = errors.New("max features per chunk must be at least 1")
)

// Chunk is one sub-diff of a plan. Index is zero-based.
type Chunk struct {
	Index int
	Total int
	Diff  feature.Diff
}

// Len returns the number of features in the chunk
func (c *Chunk) Len() int {
	return c.Diff.Len()
}

// entry is a feature placed into a chunk together with its bucket
type entry struct {
	action  feature.Action
	feature feature.Feature
}

// Plan partitions diff into chunks holding at most maxFeatures features each.
//
// Creations come first, in dependency order: a feature is never placed in a chunk
// before a creation it references. Creations that reference each other in a cycle
// travel together. Modifications follow, then deletions relation, way, node. The
// input diff is not modified; chunks hold deep copies.
func Plan(diff feature.Diff, maxFeatures int) ([]Chunk, error) {
	if maxFeatures < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidLimit, maxFeatures)
	}

	diff = diff.Clone()
	if diff.Empty() {
		return []Chunk{{Index: 0, Total: 1}}, nil
	}

	units, err := buildUnits(diff.Create, maxFeatures)
	if err != nil {
		return nil, err
	}

	p := &packer{limit: maxFeatures}

	placeUnits(units, p)

	for _, f := range diff.Modify {
		p.add(entry{action: feature.ActionModify, feature: f})
	}
	for _, f := range orderDeletes(diff.Delete) {
		p.add(entry{action: feature.ActionDelete, feature: f})
	}

	return p.chunks(), nil
}

// packer fills chunks in order
type packer struct {
	limit   int
	done    [][]entry
	current []entry
}

func (p *packer) remaining() int {
	return p.limit - len(p.current)
}

func (p *packer) flush() {
	if len(p.current) == 0 {
		return
	}
	p.done = append(p.done, p.current)
	p.current = nil
}

func (p *packer) add(e entry) {
	if p.remaining() < 1 {
		p.flush()
	}
	p.current = append(p.current, e)
}

func (p *packer) chunks() []Chunk {
	p.flush()
	out := make([]Chunk, len(p.done))
	for i, entries := range p.done {
		c := Chunk{Index: i, Total: len(p.done)}
		for _, e := range entries {
			bucket := c.Diff.Bucket(e.action)
			*bucket = append(*bucket, e.feature)
		}
		out[i] = c
	}
	return out
}

// unit is a group of creations that must be placed into the same chunk. Only
// relations referencing each other in a cycle form units larger than one.
type unit struct {
	features   []feature.Feature
	tier       int
	position   int
	pending    int
	dependents []int
}

// before orders ready units: lower tier first, then earlier input position
func (u *unit) before(o *unit) bool {
	if u.tier != o.tier {
		return u.tier < o.tier
	}
	return u.position < o.position
}

// buildUnits collapses the dependency graph of the create bucket into its strongly
// connected components and links them
func buildUnits(creates []feature.Feature, limit int) ([]*unit, error) {
	index := make(map[feature.Ref]int, len(creates))
	for i := range creates {
		ref := creates[i].Ref()
		if _, dup := index[ref]; !dup {
			index[ref] = i
		}
	}

	deps := make([][]int, len(creates))
	for i := range creates {
		for _, ref := range creates[i].References() {
			if j, ok := index[ref]; ok && j != i {
				deps[i] = append(deps[i], j)
			}
		}
	}

	comp, count := stronglyConnected(deps)

	units := make([]*unit, count)
	for i := range creates {
		c := comp[i]
		u := units[c]
		if u == nil {
			u = &unit{tier: creates[i].Type.Tier(), position: i}
			units[c] = u
		}
		u.features = append(u.features, creates[i])
		if t := creates[i].Type.Tier(); t < u.tier {
			u.tier = t
		}
	}

	for _, u := range units {
		if len(u.features) > limit {
			return nil, fmt.Errorf("%w: %d creations starting at %s reference each other, limit is %d",
				ErrUnsatisfiableChunk, len(u.features), u.features[0].Ref(), limit)
		}
	}

	seen := make(map[[2]int]bool)
	for i := range creates {
		for _, j := range deps[i] {
			from, to := comp[i], comp[j]
			if from == to || seen[[2]int{from, to}] {
				continue
			}
			seen[[2]int{from, to}] = true
			units[from].pending++
			units[to].dependents = append(units[to].dependents, from)
		}
	}

	return units, nil
}

// placeUnits releases units in topological order and places each into the packer.
// Among ready units the first one, by tier then position, that fits the space left in
// the current chunk is taken; when none fits the chunk is closed.
func placeUnits(units []*unit, p *packer) {
	var ready []*unit
	push := func(u *unit) {
		i := sort.Search(len(ready), func(i int) bool { return u.before(ready[i]) })
		ready = append(ready, nil)
		copy(ready[i+1:], ready[i:])
		ready[i] = u
	}

	for _, u := range units {
		if u.pending == 0 {
			push(u)
		}
	}

	for len(ready) > 0 {
		pick := -1
		for i, u := range ready {
			if len(u.features) <= p.remaining() {
				pick = i
				break
			}
		}
		if pick < 0 {
			p.flush()
			continue
		}

		u := ready[pick]
		ready = append(ready[:pick], ready[pick+1:]...)
		sort.SliceStable(u.features, func(a, b int) bool {
			return u.features[a].Type.Tier() < u.features[b].Type.Tier()
		})
		for _, f := range u.features {
			p.current = append(p.current, entry{action: feature.ActionCreate, feature: f})
		}

		for _, d := range u.dependents {
			units[d].pending--
			if units[d].pending == 0 {
				push(units[d])
			}
		}
	}
}

// stronglyConnected labels every vertex of the graph with its component (Tarjan)
func stronglyConnected(edges [][]int) (comp []int, count int) {
	n := len(edges)
	comp = make([]int, n)
	index := make([]int, n)
	low := make([]int, n)
	onStack := make([]bool, n)
	for i := range index {
		index[i] = -1
	}

	var stack []int
	next := 0

	var visit func(v int)
	visit = func(v int) {
		index[v] = next
		low[v] = next
		next++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range edges[v] {
			if index[w] < 0 {
				visit(w)
				low[v] = min(low[v], low[w])
			} else if onStack[w] {
				low[v] = min(low[v], index[w])
			}
		}

		if low[v] == index[v] {
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				comp[w] = count
				if w == v {
					break
				}
			}
			count++
		}
	}

	for v := 0; v < n; v++ {
		if index[v] < 0 {
			visit(v)
		}
	}
	return comp, count
}

// orderDeletes returns deletions relation, way, node. A relation that is a member of
// another deleted relation comes after it; relations in a membership cycle keep their
// input order.
func orderDeletes(deletes []feature.Feature) []feature.Feature {
	var relations, ways, nodes []feature.Feature
	for _, f := range deletes {
		switch f.Type {
		case feature.TypeRelation:
			relations = append(relations, f)
		case feature.TypeWay:
			ways = append(ways, f)
		default:
			nodes = append(nodes, f)
		}
	}

	out := make([]feature.Feature, 0, len(deletes))
	out = append(out, orderRelations(relations)...)
	out = append(out, ways...)
	return append(out, nodes...)
}

func orderRelations(relations []feature.Feature) []feature.Feature {
	position := make(map[int64]int, len(relations))
	for i, r := range relations {
		position[r.ID] = i
	}

	// parents[i] counts the deleted relations that still contain relation i
	parents := make([]int, len(relations))
	children := make([][]int, len(relations))
	for i, r := range relations {
		for _, m := range r.Members {
			if m.Type != feature.TypeRelation {
				continue
			}
			if j, ok := position[m.Ref]; ok && j != i {
				children[i] = append(children[i], j)
				parents[j]++
			}
		}
	}

	out := make([]feature.Feature, 0, len(relations))
	emitted := make([]bool, len(relations))
	for len(out) < len(relations) {
		progress := false
		for i := range relations {
			if emitted[i] || parents[i] > 0 {
				continue
			}
			emitted[i] = true
			progress = true
			out = append(out, relations[i])
			for _, c := range children[i] {
				parents[c]--
			}
			break
		}
		if progress {
			continue
		}
		// cycle: release the earliest remaining relation
		for i := range relations {
			if !emitted[i] {
				parents[i] = 0
				break
			}
		}
	}
	return out
}
