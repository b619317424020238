package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"rundown-orchestrator/internal/cache"
	"rundown-orchestrator/internal/lockqueue"
	"rundown-orchestrator/internal/model"
	"rundown-orchestrator/internal/platform/metrics"
	"rundown-orchestrator/internal/playout"
)

const moveRefusedNote = "rundown is on air and cannot move to another playlist"

// Config configures a Pipeline.
type Config struct {
	Locks    *lockqueue.Manager
	Notifier Notifier
	Logger   *slog.Logger
	Metrics  *metrics.Metrics

	// Now defaults to time.Now.
	Now func() time.Time
}

// Pipeline commits ingest changes. It must be called while holding the rundown lock of the
// cache it is given; it takes the studio and playlist locks itself.
type Pipeline struct {
	locks    *lockqueue.Manager
	notifier Notifier
	log      *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// New returns a Pipeline.
func New(cfg Config) *Pipeline {
	p := &Pipeline{
		locks:    cfg.Locks,
		notifier: cfg.Notifier,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		now:      cfg.Now,
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Commit applies change to ic, reconciles the affected playlists and commits everything
// in one unit of work. The cache is closed afterwards whatever the outcome.
func (p *Pipeline) Commit(ctx context.Context, ic *cache.IngestCache, change Change) (Outcome, error) {
	var out Outcome
	var err error
	if change.Remove {
		err = p.removeRundown(ctx, ic, &out)
	} else {
		err = p.upsertRundown(ctx, ic, change, &out)
	}
	if err != nil && ic.IsActive() {
		ic.Discard()
	}
	return out, err
}

func (p *Pipeline) removeRundown(ctx context.Context, ic *cache.IngestCache, out *Outcome) error {
	existing, ok := ic.Rundown.Get()
	if !ok || !ic.Rundown.WasLoaded() {
		p.log.Debug("removed rundown was never committed", "rundown_id", ic.RundownID)
		ic.Discard()
		out.Discarded = true
		return nil
	}
	out.PlaylistID = existing.PlaylistID

	return p.locks.RunWithPlaylistLock(ctx, nil, ic.StudioID, existing.PlaylistID, lockqueue.PriorityIngest, "remove rundown",
		func(ctx context.Context) error {
			pc, err := cache.LoadPlayoutCache(ctx, ic.Session, ic.StudioID, existing.PlaylistID)
			if err != nil {
				return err
			}
			now := p.now()

			if isPlaying(pc, ic.RundownID, now) {
				p.log.Warn("rundown is on air, orphaning instead of removing", "rundown_id", ic.RundownID)
				if _, err := ic.Rundown.Update(func(r model.Rundown) model.Rundown {
					r.Orphaned = model.RundownOrphanedDeleted
					r.Modified = now.UnixMilli()
					return r
				}); err != nil {
					return err
				}
				// the next ingest of this rundown starts from scratch
				ic.Snapshot.Remove()
				out.RundownOrphaned = true
				pc.SyncIngest(ic)
			} else {
				ic.MarkForRemoval()
				removed, err := detachRundown(pc, ic, now)
				if err != nil {
					return err
				}
				out.PlaylistRemoved = removed
				pc.SyncIngest(ic)
			}
			if !out.PlaylistRemoved {
				if err := playout.EnsureNextPartIsValid(pc, p.log); err != nil {
					return err
				}
			}
			p.notifyAfterSave(ic, existing.PlaylistID)
			return p.save(ctx, ic, out)
		})
}

func (p *Pipeline) upsertRundown(ctx context.Context, ic *cache.IngestCache, change Change, out *Outcome) error {
	existing, loaded := ic.Rundown.Get()
	snap := change.Snapshot
	playlistExternalID := snap.PlaylistExternalID
	if playlistExternalID == "" {
		playlistExternalID = snap.ExternalID
	}
	target := model.PlaylistIDFor(ic.StudioID, playlistExternalID)
	moving := loaded && existing.PlaylistID != "" && existing.PlaylistID != target

	locked := []model.PlaylistID{target}
	if moving {
		locked = append(locked, existing.PlaylistID)
	}

	return p.locks.RunWithStudioLock(ctx, ic.StudioID, lockqueue.PriorityIngest, "ingest rundown",
		func(ctx context.Context, sl *lockqueue.StudioLock) error {
			return p.withPlaylistLocks(ctx, sl, ic.StudioID, locked, func(ctx context.Context) error {
				now := p.now()
				playlistID := target
				var pc, previous *cache.PlayoutCache

				if moving {
					prev, err := cache.LoadPlayoutCache(ctx, ic.Session, ic.StudioID, existing.PlaylistID)
					if err != nil {
						return err
					}
					if isPlaying(prev, ic.RundownID, now) {
						p.log.Warn("rundown is on air, refusing to move it",
							"rundown_id", ic.RundownID, "playlist_id", existing.PlaylistID, "target_playlist_id", target)
						playlistID = existing.PlaylistID
						out.MoveRefused = true
						pc = prev
					} else {
						previous = prev
					}
				}
				out.PlaylistID = playlistID

				if err := p.stageRundown(ic, change, playlistID, out.MoveRefused, now); err != nil {
					return err
				}

				if previous != nil {
					removed, err := detachRundown(previous, ic, now)
					if err != nil {
						return err
					}
					out.PlaylistRemoved = removed
					previous.SyncIngest(ic)
					if !removed {
						if err := playout.EnsureNextPartIsValid(previous, p.log); err != nil {
							return err
						}
					}
					p.notifyAfterSave(ic, previous.PlaylistID)
				}

				if pc == nil {
					var err error
					if pc, err = cache.LoadPlayoutCache(ctx, ic.Session, ic.StudioID, playlistID); err != nil {
						return err
					}
				}
				if err := attachRundown(pc, ic, playlistExternalID, snap.Name, now); err != nil {
					return err
				}

				onAir := playout.OnAir(pc, now)
				if err := p.applySegments(ctx, ic, change, onAir, out); err != nil {
					return err
				}
				pc.SyncIngest(ic)
				if err := p.reconcileInstances(pc, ic.RundownID, change.Diff, onAir); err != nil {
					return err
				}
				if err := playout.EnsureNextPartIsValid(pc, p.log); err != nil {
					return err
				}

				if err := ic.Snapshot.Replace(model.IngestSnapshot{ID: ic.RundownID, StudioID: ic.StudioID, Rundown: snap}); err != nil {
					return err
				}
				p.notifyAfterSave(ic, playlistID)
				return p.save(ctx, ic, out)
			})
		})
}

// withPlaylistLocks takes the playlist locks in id order so two jobs touching the same
// pair of playlists cannot deadlock.
func (p *Pipeline) withPlaylistLocks(ctx context.Context, sl *lockqueue.StudioLock, studioID model.StudioID, ids []model.PlaylistID, fn func(ctx context.Context) error) error {
	ids = slices.Clone(ids)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	var run func(ctx context.Context, rest []model.PlaylistID) error
	run = func(ctx context.Context, rest []model.PlaylistID) error {
		if len(rest) == 0 {
			return fn(ctx)
		}
		return p.locks.RunWithPlaylistLock(ctx, sl, studioID, rest[0], lockqueue.PriorityIngest, "ingest rundown",
			func(ctx context.Context) error { return run(ctx, rest[1:]) })
	}
	return run(ctx, ids)
}

// stageRundown writes the new rundown header. Created survives; Modified only moves
// when something changed. Re-ingesting clears an orphaned state.
func (p *Pipeline) stageRundown(ic *cache.IngestCache, change Change, playlistID model.PlaylistID, moveRefused bool, now time.Time) error {
	existing, loaded := ic.Rundown.Get()
	snap := change.Snapshot

	rd := model.Rundown{
		ID:                 ic.RundownID,
		ExternalID:         snap.ExternalID,
		StudioID:           ic.StudioID,
		PlaylistID:         playlistID,
		PlaylistExternalID: snap.PlaylistExternalID,
		Name:               change.Rundown.Name,
		Notes:              slices.Clone(change.Rundown.Notes),
		Payload:            change.Rundown.Payload,
		Created:            now.UnixMilli(),
		Modified:           now.UnixMilli(),
	}
	if moveRefused {
		rd.Notes = append(rd.Notes, model.Note{Severity: model.NoteWarning, Message: moveRefusedNote})
	}
	if loaded {
		rd.Created = existing.Created
		rd.Modified = existing.Modified
		if !sameJSON(rd, existing) {
			rd.Modified = now.UnixMilli()
		}
	}
	return ic.Rundown.Replace(rd)
}

// attachRundown makes sure the playlist exists and lists the rundown.
func attachRundown(pc *cache.PlayoutCache, ic *cache.IngestCache, externalID, name string, now time.Time) error {
	pl, ok := pc.Playlist.Get()
	if !ok {
		pl = model.Playlist{
			ID:         pc.PlaylistID,
			ExternalID: externalID,
			StudioID:   ic.StudioID,
			Name:       name,
			Created:    now.UnixMilli(),
			Modified:   now.UnixMilli(),
		}
	}
	if !slices.Contains(pl.RundownIDsInOrder, ic.RundownID) {
		pl.RundownIDsInOrder = append(slices.Clone(pl.RundownIDsInOrder), ic.RundownID)
		pl.Modified = now.UnixMilli()
	}
	return pc.Playlist.Replace(pl)
}

// detachRundown takes the rundown out of pc's playlist and retires its instances. An
// inactive playlist left without rundowns is deleted; detachRundown reports whether it was.
func detachRundown(pc *cache.PlayoutCache, ic *cache.IngestCache, now time.Time) (bool, error) {
	pl, ok := pc.Playlist.Get()
	if !ok {
		return false, nil
	}
	rundownID := ic.RundownID

	for _, inst := range pc.LivePartInstances() {
		if inst.RundownID != rundownID {
			continue
		}
		if err := playout.ResetPartInstance(pc, inst.ID); err != nil {
			return false, err
		}
	}

	others := pc.Rundowns.Find(func(r model.Rundown) bool { return r.ID != rundownID })
	if !pl.Activated && len(others) == 0 {
		pc.MarkPlaylistForRemoval()
		return true, nil
	}

	_, err := pc.Playlist.Update(func(p model.Playlist) model.Playlist {
		p.RundownIDsInOrder = slices.DeleteFunc(p.RundownIDsInOrder, func(id model.RundownID) bool { return id == rundownID })
		for _, ptr := range []*model.PartInstanceID{&p.PreviousPartInstanceID, &p.CurrentPartInstanceID, &p.NextPartInstanceID} {
			if _, live := pc.PartInstance(*ptr); !live {
				*ptr = ""
			}
		}
		if p.NextPartInstanceID == "" {
			p.NextPartManual = false
		}
		p.Modified = now.UnixMilli()
		return p
	})
	return false, err
}

func (p *Pipeline) notifyAfterSave(ic *cache.IngestCache, playlistID model.PlaylistID) {
	if p.notifier == nil {
		return
	}
	ic.DeferAfterSave(func() { p.notifier.OnRundownChanged(playlistID) })
}

func (p *Pipeline) save(ctx context.Context, ic *cache.IngestCache, out *Outcome) error {
	if !ic.HasChanges() {
		p.log.Debug("ingest change has no effect", "rundown_id", ic.RundownID)
		ic.Discard()
		out.Discarded = true
		return nil
	}
	stats, err := ic.Commit(ctx)
	out.Stats = stats
	if err != nil {
		return fmt.Errorf("commit rundown %s: %w", ic.RundownID, err)
	}
	return nil
}

// isPlaying reports whether an on-air instance belongs to rundownID.
func isPlaying(pc *cache.PlayoutCache, rundownID model.RundownID, now time.Time) bool {
	for _, inst := range playout.OnAir(pc, now) {
		if inst.RundownID == rundownID {
			return true
		}
	}
	return false
}

func sameJSON(a, b any) bool {
	ea, err := json.Marshal(a)
	if err != nil {
		return false
	}
	eb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(ea) == string(eb)
}
