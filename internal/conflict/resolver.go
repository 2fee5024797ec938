package conflict

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wegman-software/osmupload-go/internal/feature"
	"github.com/wegman-software/osmupload-go/internal/logger"
	"github.com/wegman-software/osmupload-go/internal/osmapi"
)

// Changeset tags maintained by the resolver
const (
	TagResolved  = "merge_conflict_resolved"
	TagCreatedBy = "created_by"
	TagChunk     = "chunk"
)

// Store is the part of the API the resolver needs
type Store interface {
	FetchFeatures(ctx context.Context, t feature.Type, ids []int64) ([]feature.Feature, error)
	UpdateChangeset(ctx context.Context, changesetID int64, tags feature.Tags) error
}

// Request is one resolution round for a chunk the store rejected
type Request struct {
	Diff        feature.Diff // the chunk as last submitted
	ChangesetID int64
	Reported    []feature.Ref // features named in the store's answer, for diagnostics
	Tags        feature.Tags  // current changeset tags
	Automatic   AutomaticFunc
	Manual      ManualFunc

	// OnProgress receives the step count out of total: fetched features first,
	// then checked ones. Calls are serialized.
	OnProgress func(step, total int)
}

// Outcome is the chunk and changeset tags to submit next
type Outcome struct {
	Diff    feature.Diff
	Tags    feature.Tags
	Records []Record
}

// Resolver fetches the store's copy of every modified or deleted feature of a chunk
// and decides each version conflict
type Resolver struct {
	store       Store
	batchSize   int
	concurrency int
}

// Option configures a Resolver
type Option func(*Resolver)

// WithBatchSize sets how many ids are fetched per request
func WithBatchSize(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithConcurrency sets how many fetch requests may run at once
func WithConcurrency(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// NewResolver creates a resolver on top of store
func NewResolver(store Store, opts ...Option) *Resolver {
	r := &Resolver{
		store:       store,
		batchSize:   osmapi.MaxFetchIDs,
		concurrency: 4,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// candidate is a modified or deleted feature of the chunk
type candidate struct {
	action feature.Action
	index  int
}

// Resolve decides every conflict of req.Diff and pushes the resulting changeset tags
// to the store. The request's diff is not modified.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Outcome, error) {
	log := logger.Get().With(zap.Int64("changeset", req.ChangesetID))

	diff := req.Diff.Clone()
	p := &progress{fn: req.OnProgress}

	var refs []feature.Ref
	seen := make(map[feature.Ref]bool)
	var candidates []candidate
	for _, action := range []feature.Action{feature.ActionModify, feature.ActionDelete} {
		for i := range *diff.Bucket(action) {
			f := &(*diff.Bucket(action))[i]
			candidates = append(candidates, candidate{action: action, index: i})
			if !seen[f.Ref()] {
				seen[f.Ref()] = true
				refs = append(refs, f.Ref())
			}
		}
	}
	p.total = 2 * len(refs)

	remote, err := r.fetch(ctx, refs, p)
	if err != nil {
		return nil, err
	}

	res := &resolution{
		req:     &req,
		tags:    req.Tags.Clone(),
		methods: previousMethods(req.Tags),
	}
	drop := map[feature.Action]map[int]bool{}
	checked := make(map[feature.Ref]bool)

	for _, c := range candidates {
		local := (*diff.Bucket(c.action))[c.index]
		ref := local.Ref()
		current, ok := remote[ref]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrFeatureVanished, ref)
		}
		first := !checked[ref]
		checked[ref] = true
		if current.Version == local.Version {
			if first {
				p.step()
			}
			continue
		}

		kind := Classify(&local, &current, c.action == feature.ActionDelete)
		log.Info("Version conflict",
			zap.String("feature", ref.String()),
			zap.String("kind", string(kind)),
			zap.Int("local_version", local.Version),
			zap.Int("remote_version", current.Version))

		rec, err := res.decide(ctx, kind, local, current)
		if err != nil {
			return nil, err
		}
		res.records = append(res.records, rec)
		if first {
			p.step()
		}

		if rec.Resolved == nil {
			if drop[c.action] == nil {
				drop[c.action] = make(map[int]bool)
			}
			drop[c.action][c.index] = true
			continue
		}
		(*diff.Bucket(c.action))[c.index] = *rec.Resolved
	}

	if len(res.records) == 0 && len(req.Reported) > 0 {
		log.Warn("Store reported a conflict but every version matches",
			zap.Stringers("reported", req.Reported))
	}

	for action, indexes := range drop {
		bucket := diff.Bucket(action)
		kept := (*bucket)[:0]
		for i, f := range *bucket {
			if !indexes[i] {
				kept = append(kept, f)
			}
		}
		*bucket = kept
	}

	tags := res.finalTags()
	if err := r.store.UpdateChangeset(ctx, req.ChangesetID, tags); err != nil {
		return nil, err
	}

	log.Info("Resolved conflicts", zap.Int("conflicts", len(res.records)), zap.Int("checked", len(refs)))
	return &Outcome{Diff: diff, Tags: tags, Records: res.records}, nil
}

// fetch reads the store's copy of refs, batching ids per type
func (r *Resolver) fetch(ctx context.Context, refs []feature.Ref, p *progress) (map[feature.Ref]feature.Feature, error) {
	byType := make(map[feature.Type][]int64)
	for _, ref := range refs {
		byType[ref.Type] = append(byType[ref.Type], ref.ID)
	}

	var mu sync.Mutex
	out := make(map[feature.Ref]feature.Feature, len(refs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for _, t := range feature.Types {
		ids := byType[t]
		for start := 0; start < len(ids); start += r.batchSize {
			batch := ids[start:min(start+r.batchSize, len(ids))]
			g.Go(func() error {
				features, err := r.store.FetchFeatures(gctx, t, batch)
				if err != nil {
					if errors.Is(err, osmapi.ErrNotFound) || errors.Is(err, osmapi.ErrGone) {
						return fmt.Errorf("%w: %s %v: %w", ErrFeatureVanished, t, batch, err)
					}
					return err
				}
				mu.Lock()
				for _, f := range features {
					out[f.Ref()] = f
				}
				mu.Unlock()
				p.add(len(batch))
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// resolution accumulates the decisions of one Resolve call
type resolution struct {
	req     *Request
	tags    feature.Tags
	methods map[Method]bool
	records []Record
}

func (res *resolution) decide(ctx context.Context, kind Kind, local, remote feature.Feature) (Record, error) {
	rec := Record{Local: local, Remote: remote, Kind: kind}

	if kind.AutoMergeable() && res.req.Automatic != nil {
		merged := remote.Clone()
		answer, err := res.req.Automatic(ctx, AutoConflict{Kind: kind, Local: local.Clone(), Remote: remote.Clone(), Merged: merged.Clone()})
		if err != nil {
			return rec, fmt.Errorf("automatic conflict policy for %s: %w", local.Ref(), err)
		}
		if !answer.Refused {
			if answer.Merged == nil && !answer.Drop {
				answer.Merged = &merged
			}
			rec.Method = MethodAutomatic
			res.apply(&rec, answer)
			return rec, nil
		}
	}

	if res.req.Manual == nil {
		return rec, fmt.Errorf("%w: %s conflict on %s and no manual policy", ErrConflictUnresolved, kind, local.Ref())
	}
	answer, err := res.req.Manual(ctx, ManualConflict{Kind: kind, Local: local.Clone(), Remote: remote.Clone()})
	if err != nil {
		return rec, fmt.Errorf("manual conflict policy for %s: %w", local.Ref(), err)
	}
	if answer.Refused {
		return rec, fmt.Errorf("%w: %s conflict on %s refused", ErrConflictUnresolved, kind, local.Ref())
	}
	if answer.Merged == nil && !answer.Drop {
		kept := local.Clone()
		answer.Merged = &kept
	}
	rec.Method = MethodManual
	res.apply(&rec, answer)
	return rec, nil
}

// apply stamps the resolved feature with the store's version and merges tag overrides
func (res *resolution) apply(rec *Record, answer Resolution) {
	res.methods[rec.Method] = true

	if !answer.Drop {
		resolved := answer.Merged.Clone()
		resolved.Type = rec.Local.Type
		resolved.ID = rec.Local.ID
		resolved.Version = rec.Remote.Version
		rec.Resolved = &resolved
	}

	if answer.Tags != nil {
		tags := answer.Tags.Clone()
		if !tags.Has(TagCreatedBy) {
			if v, ok := res.tags.Get(TagCreatedBy); ok {
				tags = tags.Set(TagCreatedBy, v)
			}
		}
		if v, ok := res.tags.Get(TagChunk); ok {
			tags = tags.Set(TagChunk, v)
		}
		res.tags = tags
	}
}

// finalTags returns the changeset tags with the resolution marker
func (res *resolution) finalTags() feature.Tags {
	var parts []string
	for _, m := range []Method{MethodAutomatic, MethodManual} {
		if res.methods[m] {
			parts = append(parts, string(m))
		}
	}
	if len(parts) == 0 {
		return res.tags
	}
	return res.tags.Set(TagResolved, strings.Join(parts, ";"))
}

// previousMethods reads the marker left by earlier rounds of the same retry loop
func previousMethods(tags feature.Tags) map[Method]bool {
	methods := make(map[Method]bool)
	v, ok := tags.Get(TagResolved)
	if !ok {
		return methods
	}
	for _, part := range strings.Split(v, ";") {
		switch Method(part) {
		case MethodAutomatic, MethodManual:
			methods[Method(part)] = true
		}
	}
	return methods
}

// progress serializes progress callbacks
type progress struct {
	mu    sync.Mutex
	fn    func(step, total int)
	done  int
	total int
}

func (p *progress) add(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done += n
	if p.fn != nil {
		p.fn(p.done, p.total)
	}
}

func (p *progress) step() {
	p.add(1)
}
