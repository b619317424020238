package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"rundown-orchestrator/internal/cache"
	"rundown-orchestrator/internal/diff"
	"rundown-orchestrator/internal/ingest"
	"rundown-orchestrator/internal/lockqueue"
	"rundown-orchestrator/internal/model"
	"rundown-orchestrator/internal/platform/metrics"
	"rundown-orchestrator/internal/playout"
	"rundown-orchestrator/internal/store"
)

var (
	// ErrStudioNotFound is returned for operations on an unknown studio.
	ErrStudioNotFound = errors.New("studio not found")

	// ErrRundownNotFound is returned for segment operations on a rundown that was never ingested.
	ErrRundownNotFound = errors.New("rundown not found")

	// ErrSegmentNotFound is returned when removing a segment the rundown does not have.
	ErrSegmentNotFound = errors.New("segment not found")

	// ErrPlaylistNotFound is returned for playout operations on an unknown playlist.
	ErrPlaylistNotFound = errors.New("playlist not found")

	// ErrInvalidSnapshot is returned for ingest data without the identity it needs.
	ErrInvalidSnapshot = errors.New("invalid ingest data")
)

// Config wires a Service.
type Config struct {
	Store       store.Store
	Locks       *lockqueue.Manager
	Registry    *cache.Registry
	Cache       cache.Options
	Transformer Transformer
	Notifier    ingest.Notifier
	Logger      *slog.Logger
	Metrics     *metrics.Metrics

	// Now defaults to time.Now.
	Now func() time.Time
}

// Service runs ingest and playout operations, each as one unit of work under its locks.
type Service struct {
	store       store.Store
	locks       *lockqueue.Manager
	registry    *cache.Registry
	cacheOpts   cache.Options
	transformer Transformer
	pipeline    *ingest.Pipeline
	log         *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

// NewService returns a Service. A nil Transformer uses DefaultTransformer.
func NewService(cfg Config) *Service {
	s := &Service{
		store:       cfg.Store,
		locks:       cfg.Locks,
		registry:    cfg.Registry,
		cacheOpts:   cfg.Cache,
		transformer: cfg.Transformer,
		log:         cfg.Logger,
		metrics:     cfg.Metrics,
		now:         cfg.Now,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.transformer == nil {
		s.transformer = DefaultTransformer{}
	}
	s.cacheOpts.Registry = cfg.Registry
	if s.cacheOpts.Logger == nil {
		s.cacheOpts.Logger = s.log
	}
	if s.cacheOpts.Metrics == nil {
		s.cacheOpts.Metrics = cfg.Metrics
	}
	s.pipeline = ingest.New(ingest.Config{
		Locks:    cfg.Locks,
		Notifier: cfg.Notifier,
		Logger:   s.log.With("component", "ingest"),
		Metrics:  cfg.Metrics,
		Now:      s.now,
	})
	return s
}

// SeedStudios writes studios to the store, replacing any stored settings.
func (s *Service) SeedStudios(ctx context.Context, studios []model.Studio) error {
	var b store.Batch
	for _, studio := range studios {
		raw, err := json.Marshal(studio)
		if err != nil {
			return fmt.Errorf("encode studio %s: %w", studio.ID, err)
		}
		b.Replace = append(b.Replace, store.Document{ID: studio.DocID(), Data: raw})
	}
	if b.Empty() {
		return nil
	}
	if _, err := s.store.WriteBatch(ctx, model.CollectionStudios, b); err != nil {
		return fmt.Errorf("seed studios: %w", err)
	}
	s.log.Info("studios seeded", slog.Int("count", len(studios)))
	return nil
}

// IngestRundown replaces the whole structure of a rundown.
func (s *Service) IngestRundown(ctx context.Context, studioID model.StudioID, rundown model.IngestRundown) (IngestResult, error) {
	if rundown.ExternalID == "" {
		return IngestResult{}, fmt.Errorf("rundown without externalId: %w", ErrInvalidSnapshot)
	}
	return s.runIngest(ctx, "ingest_rundown", studioID, rundown.ExternalID, func(*cache.IngestCache) (model.IngestRundown, error) {
		return rundown, nil
	})
}

// RemoveRundown deletes a rundown, or orphans it while it is on air.
func (s *Service) RemoveRundown(ctx context.Context, studioID model.StudioID, rundownExternalID string) (IngestResult, error) {
	return s.runIngest(ctx, "remove_rundown", studioID, rundownExternalID, nil)
}

// IngestSegment inserts or replaces one segment of an ingested rundown.
func (s *Service) IngestSegment(ctx context.Context, studioID model.StudioID, rundownExternalID string, segment model.IngestSegment) (IngestResult, error) {
	if segment.ExternalID == "" {
		return IngestResult{}, fmt.Errorf("segment without externalId: %w", ErrInvalidSnapshot)
	}
	return s.runIngest(ctx, "ingest_segment", studioID, rundownExternalID, func(ic *cache.IngestCache) (model.IngestRundown, error) {
		rundown, ok := ic.PreviousSnapshot()
		if !ok {
			return model.IngestRundown{}, fmt.Errorf("rundown %s: %w", rundownExternalID, ErrRundownNotFound)
		}
		rundown.Segments = slices.Clone(rundown.Segments)
		rundown.UpsertSegment(segment)
		return rundown, nil
	})
}

// RemoveSegment removes one segment of an ingested rundown.
func (s *Service) RemoveSegment(ctx context.Context, studioID model.StudioID, rundownExternalID, segmentExternalID string) (IngestResult, error) {
	return s.runIngest(ctx, "remove_segment", studioID, rundownExternalID, func(ic *cache.IngestCache) (model.IngestRundown, error) {
		rundown, ok := ic.PreviousSnapshot()
		if !ok {
			return model.IngestRundown{}, fmt.Errorf("rundown %s: %w", rundownExternalID, ErrRundownNotFound)
		}
		rundown.Segments = slices.Clone(rundown.Segments)
		if !rundown.RemoveSegment(segmentExternalID) {
			return model.IngestRundown{}, fmt.Errorf("segment %s: %w", segmentExternalID, ErrSegmentNotFound)
		}
		return rundown, nil
	})
}

// runIngest loads the rundown's cache under its lock, derives the new snapshot with next
// and commits the difference. A nil next removes the rundown.
func (s *Service) runIngest(ctx context.Context, op string, studioID model.StudioID, rundownExternalID string, next func(ic *cache.IngestCache) (model.IngestRundown, error)) (IngestResult, error) {
	rundownID := model.RundownIDFor(studioID, rundownExternalID)
	result := IngestResult{RundownID: rundownID}

	err := s.locks.RunWithRundownLock(ctx, rundownID, lockqueue.PriorityIngest, op, func(ctx context.Context) error {
		ic, err := cache.LoadIngestCache(ctx, s.store, s.cacheOpts, studioID, rundownID)
		if err != nil {
			if errors.Is(err, cache.ErrNotFound) {
				return fmt.Errorf("studio %s: %w", studioID, ErrStudioNotFound)
			}
			return err
		}

		change := ingest.Change{Remove: next == nil}
		if next != nil {
			rundown, err := next(ic)
			if err != nil {
				ic.Discard()
				return err
			}
			if change, err = s.prepare(ic, rundown); err != nil {
				ic.Discard()
				return err
			}
		}

		out, err := s.pipeline.Commit(ctx, ic, change)
		if err != nil {
			return err
		}
		result.PlaylistID = out.PlaylistID
		result.Discarded = out.Discarded
		result.RundownOrphaned = out.RundownOrphaned
		result.MoveRefused = out.MoveRefused
		result.PlaylistRemoved = out.PlaylistRemoved
		result.OrphanedSegments = out.OrphanedSegments
		result.RemovedSegments = out.RemovedSegments
		result.Added = out.Stats.Added
		result.Updated = out.Stats.Updated
		result.Removed = out.Stats.Removed
		return nil
	})
	if err != nil {
		s.metrics.IncIngestOperation(op, "error")
		return IngestResult{}, err
	}

	outcome := "committed"
	if result.Discarded {
		outcome = "discarded"
	}
	s.metrics.IncIngestOperation(op, outcome)
	s.log.Info("ingest operation done",
		slog.String("operation", op),
		slog.String("studio_id", string(studioID)),
		slog.String("rundown_id", string(rundownID)),
		slog.String("result", outcome),
		slog.Int("documents", result.Added+result.Updated+result.Removed),
	)
	return result, nil
}

// prepare diffs rundown against the stored snapshot and transforms what changed.
func (s *Service) prepare(ic *cache.IngestCache, rundown model.IngestRundown) (ingest.Change, error) {
	rundown = rundown.Normalize()
	previous, _ := ic.PreviousSnapshot()
	d := diff.CompareSegments(previous.Segments, rundown.Segments)

	contents, err := s.transformer.TransformRundown(ic.RundownID, rundown)
	if err != nil {
		return ingest.Change{}, err
	}
	change := ingest.Change{
		Snapshot: rundown,
		Diff:     d,
		Rundown:  contents,
		Segments: make(map[string]ingest.SegmentContents),
	}
	for _, ext := range d.AddedOrChanged() {
		if _, rankOnly := d.OnlyRankChanged[ext]; rankOnly {
			continue
		}
		seg, ok := d.Added[ext]
		if !ok {
			seg = d.Changed[ext]
		}
		sc, err := s.transformer.TransformSegment(ic.RundownID, seg)
		if err != nil {
			return ingest.Change{}, err
		}
		change.Segments[ext] = sc
	}
	return change, nil
}

// ActivatePlaylist puts a playlist on air with its first playable part queued.
func (s *Service) ActivatePlaylist(ctx context.Context, studioID model.StudioID, playlistID model.PlaylistID) (PlaylistView, error) {
	return s.runPlayout(ctx, "activate", studioID, playlistID, func(pc *cache.PlayoutCache) error {
		return playout.Activate(pc, s.now(), s.log)
	})
}

// Deactivate takes a playlist off air.
func (s *Service) Deactivate(ctx context.Context, studioID model.StudioID, playlistID model.PlaylistID) (PlaylistView, error) {
	return s.runPlayout(ctx, "deactivate", studioID, playlistID, func(pc *cache.PlayoutCache) error {
		return playout.Deactivate(pc, s.now())
	})
}

// Take puts the next part on air.
func (s *Service) Take(ctx context.Context, studioID model.StudioID, playlistID model.PlaylistID) (PlaylistView, error) {
	return s.runPlayout(ctx, "take", studioID, playlistID, func(pc *cache.PlayoutCache) error {
		_, err := playout.Take(pc, s.now())
		return err
	})
}

// SetNextPart pins the part to play next.
func (s *Service) SetNextPart(ctx context.Context, studioID model.StudioID, playlistID model.PlaylistID, partID model.PartID) (PlaylistView, error) {
	return s.runPlayout(ctx, "set_next", studioID, playlistID, func(pc *cache.PlayoutCache) error {
		return playout.SetNextPartByID(pc, partID, s.now())
	})
}

// GetPlaylist returns the playlist's structure and play position. It reads without locking.
func (s *Service) GetPlaylist(ctx context.Context, studioID model.StudioID, playlistID model.PlaylistID) (PlaylistView, error) {
	pc, err := s.loadPlayout(ctx, studioID, playlistID)
	if err != nil {
		return PlaylistView{}, err
	}
	view := viewOf(pc)
	pc.AssertNoChanges()
	pc.Discard()
	return view, nil
}

func (s *Service) runPlayout(ctx context.Context, op string, studioID model.StudioID, playlistID model.PlaylistID, fn func(pc *cache.PlayoutCache) error) (PlaylistView, error) {
	var view PlaylistView
	err := s.locks.RunWithPlaylistLock(ctx, nil, studioID, playlistID, lockqueue.PriorityPlayout, op, func(ctx context.Context) error {
		pc, err := s.loadPlayout(ctx, studioID, playlistID)
		if err != nil {
			return err
		}
		if err := fn(pc); err != nil {
			pc.Discard()
			return err
		}
		view = viewOf(pc)
		if !pc.HasChanges() {
			pc.Discard()
			return nil
		}
		_, err = pc.Commit(ctx)
		return err
	})
	if err != nil {
		return PlaylistView{}, err
	}
	s.log.Info("playout operation done",
		slog.String("operation", op),
		slog.String("playlist_id", string(playlistID)),
	)
	return view, nil
}

func (s *Service) loadPlayout(ctx context.Context, studioID model.StudioID, playlistID model.PlaylistID) (*cache.PlayoutCache, error) {
	sess := cache.NewPlayoutSession(s.store, playlistID, s.cacheOpts)
	pc, err := cache.LoadPlayoutCache(ctx, sess, studioID, playlistID)
	if err != nil {
		sess.Discard()
		if errors.Is(err, cache.ErrNotFound) {
			return nil, fmt.Errorf("studio %s: %w", studioID, ErrStudioNotFound)
		}
		return nil, err
	}
	if pl, ok := pc.Playlist.Get(); !ok || pl.StudioID != studioID {
		sess.Discard()
		return nil, fmt.Errorf("playlist %s: %w", playlistID, ErrPlaylistNotFound)
	}
	return pc, nil
}

// WorkStatus reports queued jobs and open cache sessions.
func (s *Service) WorkStatus() WorkStatus {
	stats := s.locks.Stats()
	return WorkStatus{
		Running:     s.locks.IsAnyWorkRunning(),
		Pending:     stats.Pending,
		Overrunning: stats.Overrunning,
		Sessions:    s.registry.Active(),
	}
}

// Drain stops accepting new work and waits for queued and running work to finish.
func (s *Service) Drain(ctx context.Context) error {
	return s.locks.DrainAndWait(ctx)
}

func viewOf(pc *cache.PlayoutCache) PlaylistView {
	pl, _ := pc.Playlist.Get()
	view := PlaylistView{
		ID:         pl.ID,
		ExternalID: pl.ExternalID,
		Name:       pl.Name,
		Activated:  pl.Activated,
		NextManual: pl.NextPartManual,
		Rundowns:   []RundownView{},
	}
	view.Previous = instanceView(pc.PartInstance(pl.PreviousPartInstanceID))
	view.Current = instanceView(pc.CurrentPartInstance())
	view.Next = instanceView(pc.NextPartInstance())

	bySegment := make(map[model.SegmentID][]PartView)
	for _, p := range pc.OrderedParts() {
		bySegment[p.SegmentID] = append(bySegment[p.SegmentID], PartView{ID: p.ID, Title: p.Title, Playable: p.IsPlayable()})
	}
	for _, rd := range pc.OrderedRundowns() {
		rv := RundownView{ID: rd.ID, Name: rd.Name, Orphaned: rd.Orphaned, Notes: rd.Notes, Segments: []SegmentView{}}
		for _, seg := range pc.OrderedSegments(rd.ID) {
			parts := bySegment[seg.ID]
			if parts == nil {
				parts = []PartView{}
			}
			rv.Segments = append(rv.Segments, SegmentView{
				ID:       seg.ID,
				Name:     seg.Name,
				Hidden:   seg.IsHidden,
				Orphaned: seg.Orphaned,
				Parts:    parts,
			})
		}
		view.Rundowns = append(view.Rundowns, rv)
	}
	return view
}

func instanceView(inst model.PartInstance, ok bool) *PartInstanceView {
	if !ok {
		return nil
	}
	return &PartInstanceView{
		ID:        inst.ID,
		PartID:    inst.Part.ID,
		SegmentID: inst.SegmentID,
		Title:     inst.Part.Title,
		TakeCount: inst.TakeCount,
		Orphaned:  inst.Orphaned,
	}
}
