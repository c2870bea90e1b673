package feed

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"kite-terminal/internal/logging"
	"kite-terminal/internal/models"
)

// SnapshotSource fetches the latest record for a set of instruments in one round trip.
type SnapshotSource interface {
	Snapshot(ctx context.Context, keys []string) (map[string]models.TickRecord, error)
}

// SnapshotLoader seeds the cache right after subscribing so views are not
// empty until the first tick.
type SnapshotLoader struct {
	source  SnapshotSource
	cache   *TickCache
	timeout time.Duration
	logger  zerolog.Logger
	metrics *Metrics
}

// NewSnapshotLoader creates a loader. A zero timeout means 3 seconds.
func NewSnapshotLoader(source SnapshotSource, cache *TickCache, timeout time.Duration, logger zerolog.Logger, metrics *Metrics) *SnapshotLoader {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &SnapshotLoader{
		source:  source,
		cache:   cache,
		timeout: timeout,
		logger:  logging.WithComponent(logger, "snapshot"),
		metrics: metrics,
	}
}

// Load fetches keys and seeds the cache as a floor under live data.
// Failures and timeouts return an empty map; callers render placeholders.
func (l *SnapshotLoader) Load(ctx context.Context, keys []string) map[string]models.TickRecord {
	out := make(map[string]models.TickRecord)
	if len(keys) == 0 || l.source == nil {
		return out
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	start := time.Now()
	records, err := l.source.Snapshot(ctx, keys)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		l.metrics.SnapshotRequests.WithLabelValues("error").Inc()
		l.logger.Warn().Err(err).Int("count", len(keys)).Dur("duration", time.Since(start)).Msg("Snapshot unavailable, rendering placeholders")
		return out
	}
	l.metrics.SnapshotRequests.WithLabelValues("ok").Inc()

	wanted := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		wanted[k] = struct{}{}
	}
	for k, rec := range records {
		if _, ok := wanted[k]; !ok || rec.Empty() {
			continue
		}
		rec.InstrumentKey = k
		l.cache.Seed(rec)
		out[k] = rec
	}

	l.logger.Debug().Int("requested", len(keys)).Int("received", len(out)).Dur("duration", time.Since(start)).Msg("Snapshot seeded")
	return out
}
