// Package pruner implements spec.md §4.7's periodic retention sweep,
// grounded on pkg/audit/retention.go's RetentionWorker (ticker-driven
// Run loop, disabled-when-zero-retention guard).
package pruner

import (
	"context"
	"log/slog"
	"time"

	"github.com/fleetops/kbmapi/internal/store"
)

// Pruner periodically deletes expired history rows and recovery
// tokens older than historyDuration (spec.md §4.7).
type Pruner struct {
	Repo            *store.Repo
	PollInterval    time.Duration
	HistoryDuration time.Duration
	Logger          *slog.Logger
}

func (p *Pruner) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// Run blocks, sweeping every PollInterval, until ctx is cancelled.
func (p *Pruner) Run(ctx context.Context) {
	if p.HistoryDuration <= 0 {
		p.logger().Info("pruner disabled", "historyDuration", p.HistoryDuration.String())
		return
	}

	ticker := time.NewTicker(p.PollInterval)
	defer ticker.Stop()

	p.logger().Info("pruner started", "pollInterval", p.PollInterval.String(), "historyDuration", p.HistoryDuration.String())

	for {
		select {
		case <-ctx.Done():
			p.logger().Info("pruner stopped")
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep runs the two passes of spec.md §4.7 once.
func (p *Pruner) sweep() {
	cutoff := time.Now().UTC().Add(-p.HistoryDuration)

	histDeleted, err := p.pruneHistory(cutoff)
	if err != nil {
		p.logger().Error("prune history failed", "error", err)
	} else if histDeleted > 0 {
		p.logger().Info("pruned history rows", "count", histDeleted, "cutoff", cutoff.Format(time.RFC3339))
	}

	tokDeleted, err := p.pruneExpiredTokens(cutoff)
	if err != nil {
		p.logger().Error("prune recovery tokens failed", "error", err)
	} else if tokDeleted > 0 {
		p.logger().Info("pruned expired recovery tokens", "count", tokDeleted, "cutoff", cutoff.Format(time.RFC3339))
	}
}

// pruneHistory deletes history rows whose active_range ends before
// cutoff (spec.md §4.7 pass 1). active_range is a JSON column so the
// comparison is done in Go rather than pushed into SQL.
func (p *Pruner) pruneHistory(cutoff time.Time) (int64, error) {
	rows, err := p.Repo.History.List(store.ListOptions{})
	if err != nil {
		return 0, err
	}
	var n int64
	for _, h := range rows {
		if h.ActiveRange.End.Before(cutoff) {
			if err := p.Repo.History.Delete(h.ID, h.Etag()); err != nil && err != store.ErrNotFound {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

// pruneExpiredTokens deletes recovery tokens whose expired timestamp
// is older than cutoff (spec.md §4.7 pass 2).
func (p *Pruner) pruneExpiredTokens(cutoff time.Time) (int64, error) {
	return p.Repo.Tokens.DeleteMany(store.And(store.NotNull("expired"), store.Lt("expired", cutoff)))
}
