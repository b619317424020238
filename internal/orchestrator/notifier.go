package orchestrator

import (
	"log/slog"

	"rundown-orchestrator/internal/model"
	"rundown-orchestrator/internal/platform/metrics"
)

// LogNotifier stands in for timeline regeneration: it records that a playlist's
// timeline is stale.
type LogNotifier struct {
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewLogNotifier returns a LogNotifier. Metrics may be nil.
func NewLogNotifier(log *slog.Logger, m *metrics.Metrics) *LogNotifier {
	return &LogNotifier{log: log, metrics: m}
}

// OnRundownChanged implements ingest.Notifier.
func (n *LogNotifier) OnRundownChanged(playlistID model.PlaylistID) {
	n.log.Info("timeline regeneration requested", slog.String("playlist_id", string(playlistID)))
	n.metrics.IncTimelineNotifications()
}
