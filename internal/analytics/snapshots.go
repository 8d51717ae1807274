package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/quickreply/quickreply/pkg/postgres"
)

const snapshotSchema = `CREATE TABLE IF NOT EXISTS analytics_snapshots (
	id          BIGSERIAL PRIMARY KEY,
	instance    TEXT NOT NULL,
	data        JSONB NOT NULL,
	captured_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// SnapshotStore persists aggregated statistics in PostgreSQL so they
// survive restarts.
type SnapshotStore struct {
	db       *postgres.Client
	instance string
	logger   *slog.Logger
}

func NewSnapshotStore(db *postgres.Client, instance string) *SnapshotStore {
	return &SnapshotStore{
		db:       db,
		instance: instance,
		logger:   slog.Default().With("component", "analytics-snapshots"),
	}
}

func (s *SnapshotStore) Migrate(ctx context.Context) error {
	if _, err := s.db.DB.ExecContext(ctx, snapshotSchema); err != nil {
		return fmt.Errorf("creating analytics_snapshots: %w", err)
	}
	return nil
}

// SaveSnapshot persists a stats snapshot to the database.
func (s *SnapshotStore) SaveSnapshot(ctx context.Context, stats AggregatedStats) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshaling stats: %w", err)
	}

	_, err = s.db.DB.ExecContext(ctx,
		`INSERT INTO analytics_snapshots (instance, data, captured_at) VALUES ($1, $2, $3)`,
		s.instance, data, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("saving analytics snapshot: %w", err)
	}

	s.logger.Debug("analytics snapshot saved",
		"total_searches", stats.TotalSearches,
		"templates_copied", stats.TemplatesCopied,
	)
	return nil
}

// Latest returns the most recent snapshot of this instance.
func (s *SnapshotStore) Latest(ctx context.Context) (AggregatedStats, time.Time, error) {
	var (
		data       []byte
		capturedAt time.Time
		stats      AggregatedStats
	)
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT data, captured_at FROM analytics_snapshots WHERE instance = $1 ORDER BY captured_at DESC LIMIT 1`,
		s.instance,
	).Scan(&data, &capturedAt)
	if err != nil {
		return stats, time.Time{}, fmt.Errorf("querying latest snapshot: %w", err)
	}
	if err := json.Unmarshal(data, &stats); err != nil {
		return stats, time.Time{}, fmt.Errorf("unmarshaling snapshot: %w", err)
	}
	return stats, capturedAt, nil
}

// Run saves a snapshot of agg every interval until ctx is cancelled, plus a
// final one on the way out.
func (s *SnapshotStore) Run(ctx context.Context, agg *Aggregator, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.SaveSnapshot(ctx, agg.Stats()); err != nil {
				s.logger.Error("periodic snapshot failed", "error", err)
			}
		case <-ctx.Done():
			finalCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.SaveSnapshot(finalCtx, agg.Stats()); err != nil {
				s.logger.Error("final snapshot failed", "error", err)
			}
			cancel()
			return
		}
	}
}
