package state

import (
	"context"
	"fmt"
	"time"
)

// TimelineState is the persisted cursor and high-water mark of one timeline.
type TimelineState struct {
	Key            string
	Position       string
	ItemDate       time.Time
	DownloadedDate time.Time
}

// LoadTimeline returns the stored state for key. A timeline that was never
// saved yields a zero state with only Key set.
func (s *Store) LoadTimeline(ctx context.Context, key string) (*TimelineState, error) {
	const q = `SELECT position, item_date, downloaded_date FROM timeline WHERE key = ?`
	rows, err := s.db.QueryContext(ctx, q, key)
	if err != nil {
		return nil, fmt.Errorf("loading timeline %q: %w", key, err)
	}
	defer func() { _ = rows.Close() }()

	ts := &TimelineState{Key: key}
	if rows.Next() {
		if err := scanTimeline(rows, ts); err != nil {
			return nil, fmt.Errorf("loading timeline %q: %w", key, err)
		}
	}
	return ts, rows.Err()
}

// SaveTimeline persists ts in a single statement.
func (s *Store) SaveTimeline(ctx context.Context, ts *TimelineState) error {
	const q = `
		INSERT INTO timeline (key, position, item_date, downloaded_date) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
		    position        = excluded.position,
		    item_date       = excluded.item_date,
		    downloaded_date = excluded.downloaded_date`
	if _, err := s.db.ExecContext(ctx, q, ts.Key, ts.Position,
		formatTime(ts.ItemDate), formatTime(ts.DownloadedDate)); err != nil {
		return fmt.Errorf("saving timeline %q: %w", ts.Key, err)
	}
	return nil
}

// ListTimelines returns every saved timeline ordered by key.
func (s *Store) ListTimelines(ctx context.Context) ([]*TimelineState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, position, item_date, downloaded_date FROM timeline ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("listing timelines: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*TimelineState
	for rows.Next() {
		var key string
		ts := &TimelineState{}
		var item, downloaded string
		if err := rows.Scan(&key, &ts.Position, &item, &downloaded); err != nil {
			return nil, fmt.Errorf("scanning timeline row: %w", err)
		}
		ts.Key = key
		ts.ItemDate, _ = parseTime(item)
		ts.DownloadedDate, _ = parseTime(downloaded)
		out = append(out, ts)
	}
	return out, rows.Err()
}

func scanTimeline(sc scanner, ts *TimelineState) error {
	var item, downloaded string
	if err := sc.Scan(&ts.Position, &item, &downloaded); err != nil {
		return err
	}
	ts.ItemDate, _ = parseTime(item)
	ts.DownloadedDate, _ = parseTime(downloaded)
	return nil
}
