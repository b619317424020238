package lockqueue

import (
	"context"
	"fmt"
	"strings"

	"rundown-orchestrator/internal/model"
)

const (
	rundownPrefix  = "rundown:"
	studioPrefix   = "studio:"
	playlistPrefix = "playlist:"
)

// Lock levels. A job may only acquire keys at its own level or deeper.
const (
	levelNone = iota
	levelRundown
	levelStudio
	levelPlaylist
)

// RundownKey is the lock key of a rundown.
func RundownKey(id model.RundownID) string { return rundownPrefix + string(id) }

// StudioKey is the lock key of a studio.
func StudioKey(id model.StudioID) string { return studioPrefix + string(id) }

// PlaylistKey is the lock key of a playlist.
func PlaylistKey(id model.PlaylistID) string { return playlistPrefix + string(id) }

func levelOf(key string) int {
	switch {
	case strings.HasPrefix(key, rundownPrefix):
		return levelRundown
	case strings.HasPrefix(key, studioPrefix):
		return levelStudio
	case strings.HasPrefix(key, playlistPrefix):
		return levelPlaylist
	default:
		return levelNone
	}
}

// checkOrder validates acquiring key given the locks ctx already holds.
func checkOrder(ctx context.Context, key string) error {
	level := levelOf(key)
	hasStudio := false
	for _, g := range activeGrants(ctx) {
		if g.key == key {
			return ErrReentrantLock
		}
		held := levelOf(g.key)
		if held == levelStudio {
			hasStudio = true
		}
		if level != levelNone && held > level {
			return fmt.Errorf("cannot take %s while holding %s: %w", key, g.key, ErrLockOrder)
		}
	}
	if level == levelPlaylist && !hasStudio {
		return fmt.Errorf("%s requires its studio lock: %w", key, ErrLockOrder)
	}
	return nil
}

// StudioLock is proof that the holder runs under a studio's lock. It is only valid
// inside the RunWithStudioLock callback that produced it.
type StudioLock struct {
	StudioID model.StudioID
	grant    *grant
}

// Active reports whether the studio lock is still held.
func (l *StudioLock) Active() bool {
	return l != nil && l.grant != nil && !l.grant.revoked.Load()
}

// RunWithStudioLock runs fn holding the studio's lock.
func (m *Manager) RunWithStudioLock(ctx context.Context, studioID model.StudioID, prio Priority, name string, fn func(ctx context.Context, lock *StudioLock) error) error {
	return m.withLock(ctx, StudioKey(studioID), prio, name, func(ctx context.Context, g *grant) error {
		return fn(ctx, &StudioLock{StudioID: studioID, grant: g})
	})
}

// RunWithPlaylistLock runs fn holding the playlist's lock. The studio lock always comes
// first: a caller that already holds it passes its StudioLock and the studio lock is not
// taken again; with a nil held lock the studio lock is acquired here.
//
// A held lock for another studio, or one that is no longer active, is rejected with
// ErrLockOrder.
func (m *Manager) RunWithPlaylistLock(ctx context.Context, held *StudioLock, studioID model.StudioID, playlistID model.PlaylistID, prio Priority, name string, fn func(ctx context.Context) error) error {
	if held == nil {
		return m.RunWithStudioLock(ctx, studioID, prio, name, func(ctx context.Context, lock *StudioLock) error {
			return m.RunWithPlaylistLock(ctx, lock, studioID, playlistID, prio, name, fn)
		})
	}
	if held.StudioID != studioID {
		return fmt.Errorf("playlist %s of studio %s under lock of studio %s: %w", playlistID, studioID, held.StudioID, ErrLockOrder)
	}
	if !held.Active() || !IsHeld(ctx, StudioKey(studioID)) {
		return fmt.Errorf("playlist %s: studio %s lock not held: %w", playlistID, studioID, ErrLockOrder)
	}
	return m.WithLock(ctx, PlaylistKey(playlistID), prio, name, fn)
}
