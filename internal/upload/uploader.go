package upload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wegman-software/osmupload-go/internal/chunk"
	"github.com/wegman-software/osmupload-go/internal/conflict"
	"github.com/wegman-software/osmupload-go/internal/feature"
	"github.com/wegman-software/osmupload-go/internal/logger"
	"github.com/wegman-software/osmupload-go/internal/osc"
	"github.com/wegman-software/osmupload-go/internal/osmapi"
)

// Uploader submits diffs through an API
type Uploader struct {
	api      API
	opts     Options
	resolver *conflict.Resolver
}

// NewUploader creates an uploader. Zero option fields take their defaults.
func NewUploader(api API, opts Options) *Uploader {
	if opts.MaxFeaturesPerChunk <= 0 {
		opts.MaxFeaturesPerChunk = chunk.DefaultMaxFeatures
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.CreatedBy == "" {
		opts.CreatedBy = DefaultCreatedBy
	}
	return &Uploader{
		api:      api,
		opts:     opts,
		resolver: conflict.NewResolver(api, opts.ResolverOptions...),
	}
}

// submission is the state of one Submit call
type submission struct {
	u      *Uploader
	log    *zap.Logger
	tags   feature.Tags
	total  int // features of the whole diff
	ids    *idTable
	result Result
}

// Submit uploads diff, opening one changeset per chunk with tags. The diff is not
// modified.
//
// On error the returned Result still holds every committed chunk: callers must
// assume that a prefix of the chunks is on the store.
func (u *Uploader) Submit(ctx context.Context, tags feature.Tags, diff feature.Diff) (Result, error) {
	session := u.opts.SessionID
	if session == "" {
		session = NewSessionID()
	}
	log := logger.WithSession(session)
	start := time.Now()

	chunks, err := chunk.Plan(diff, u.opts.MaxFeaturesPerChunk)
	if err != nil {
		return Result{}, err
	}

	log.Info("Starting upload",
		zap.Int("features", diff.Len()),
		zap.Int("created", len(diff.Create)),
		zap.Int("modified", len(diff.Modify)),
		zap.Int("deleted", len(diff.Delete)),
		zap.Int("chunks", len(chunks)))

	s := &submission{
		u:      u,
		log:    log,
		tags:   tags.Clone(),
		total:  diff.Len(),
		ids:    newIDTable(),
		result: make(Result),
	}

	for i := range chunks {
		if err := s.run(ctx, &chunks[i]); err != nil {
			log.Error("Upload failed",
				zap.Int("chunk", chunks[i].Index+1),
				zap.Int("committed_changesets", len(s.result)),
				zap.Error(err))
			return s.result, err
		}
	}
	s.progress(PhaseUpload, float64(len(chunks)), len(chunks))

	log.Info("Upload complete",
		zap.Int("changesets", len(s.result)),
		zap.Int("mapped_features", s.result.Len()),
		zap.Duration("duration", time.Since(start)))
	return s.result, nil
}

// chunkTags returns the tags of the changeset holding c
func (s *submission) chunkTags(c *chunk.Chunk) feature.Tags {
	tags := s.tags.Clone()
	if c.Total > 1 {
		if s.u.opts.OnChunk != nil {
			tags = s.u.opts.OnChunk(ChunkInfo{
				FeatureCount: s.total,
				ChunkIndex:   c.Index,
				ChunkTotal:   c.Total,
			}).Clone()
		} else {
			tags = tags.Set(conflict.TagChunk, fmt.Sprintf("%d/%d", c.Index+1, c.Total))
		}
	}
	if tags.Find(conflict.TagCreatedBy) == "" {
		tags = tags.Set(conflict.TagCreatedBy, s.u.opts.CreatedBy)
	}
	return tags
}

// run takes one chunk from an open changeset to a closed one
func (s *submission) run(ctx context.Context, c *chunk.Chunk) error {
	api := s.u.api
	maxRetries := s.u.opts.MaxRetries
	tags := s.chunkTags(c)

	s.progress(PhaseUpload, float64(c.Index), c.Total)

	csID, err := api.OpenChangeset(ctx, tags)
	if err != nil {
		return err
	}
	log := s.log.With(zap.Int64("changeset", csID), zap.Int("chunk", c.Index+1), zap.Int("chunks", c.Total))
	log.Info("Opened changeset", zap.Int("features", c.Len()))

	if c.Diff.Empty() {
		s.result[csID] = osc.DiffResult{}
		return s.close(ctx, log, csID)
	}

	pending := s.ids.rewrite(c.Diff)
	for attempt := 1; ; attempt++ {
		s.progress(PhaseUpload, float64(c.Index)+float64(attempt)/float64(maxRetries), c.Total)

		payload, err := osc.Serialize(csID, &pending, nil)
		if err != nil {
			return err
		}

		dr, err := api.UploadDiff(ctx, csID, payload, !s.u.opts.DisableCompression)
		if err == nil {
			s.result[csID] = dr
			s.ids.record(dr)
			log.Info("Uploaded chunk",
				zap.Int("attempt", attempt),
				zap.Int("mapped_features", dr.Len()),
				zap.Int("known_placeholders", s.ids.len()))
			break
		}
		if !errors.Is(err, osmapi.ErrVersionConflict) {
			return err
		}

		s.u.opts.Metrics.RecordConflict()
		if attempt == maxRetries {
			return fmt.Errorf("%w: changeset %d after %d attempts: %w", ErrRetriesExhausted, csID, maxRetries, err)
		}
		log.Warn("Version conflict, resolving", zap.Int("attempt", attempt), zap.Error(err))

		outcome, rerr := s.u.resolver.Resolve(ctx, conflict.Request{
			Diff:        pending,
			ChangesetID: csID,
			Reported:    osmapi.ConflictingRefs(err),
			Tags:        tags,
			Automatic:   s.u.opts.OnAutomaticConflict,
			Manual:      s.u.opts.OnManualConflict,
			OnProgress: func(step, total int) {
				s.progress(PhaseMergeConflicts, float64(step), total)
			},
		})
		if rerr != nil {
			return fmt.Errorf("%w (upload rejected: %w)", rerr, err)
		}
		pending, tags = outcome.Diff, outcome.Tags
	}

	return s.close(ctx, log, csID)
}

func (s *submission) close(ctx context.Context, log *zap.Logger, csID int64) error {
	if err := s.u.api.CloseChangeset(ctx, csID); err != nil {
		return fmt.Errorf("%w: %w", ErrCloseFailed, err)
	}
	log.Info("Closed changeset")
	return nil
}

func (s *submission) progress(phase Phase, step float64, total int) {
	if s.u.opts.OnProgress != nil {
		s.u.opts.OnProgress(Progress{Phase: phase, Step: step, Total: total})
	}
}
