package sync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/njoerd114/timelinerelay/internal/model"
	"github.com/njoerd114/timelinerelay/internal/state"
)

// SyncMode is how a run starts, chosen once when the tracker is loaded.
type SyncMode int

const (
	// ModeIncremental continues from the stored cursor.
	ModeIncremental SyncMode = iota
	// ModeFullResync starts from the newest end of the remote timeline.
	ModeFullResync
)

func (m SyncMode) String() string {
	if m == ModeFullResync {
		return "full"
	}
	return "incremental"
}

// TimelineKey identifies a tracked timeline:
// <account>/<timeline>[/<subject oid>][?<query>].
func TimelineKey(account string, timeline model.TimelineType, subjectOid, query string) string {
	var b strings.Builder
	b.WriteString(account)
	b.WriteByte('/')
	b.WriteString(timeline.String())
	if subjectOid != "" {
		b.WriteByte('/')
		b.WriteString(subjectOid)
	}
	if query != "" {
		b.WriteByte('?')
		b.WriteString(query)
	}
	return b.String()
}

// Tracker holds the cursor and high-water mark of one timeline for the
// duration of a run. It is owned by a single run and not safe for
// concurrent use.
type Tracker struct {
	store TimelineStore
	ts    state.TimelineState
	mode  SyncMode
}

// LoadTracker reads the stored state for key and chooses the sync mode.
// When olderThan > 0 and the last download happened before now-olderThan,
// the cursor is dropped.
func LoadTracker(ctx context.Context, store TimelineStore, key string, olderThan time.Duration, now time.Time) (*Tracker, error) {
	ts, err := store.LoadTimeline(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("loading tracker: %w", err)
	}
	t := &Tracker{store: store, ts: *ts, mode: ModeIncremental}

	if olderThan > 0 && !t.ts.DownloadedDate.IsZero() && now.Sub(t.ts.DownloadedDate) > olderThan {
		t.Clear()
	}
	if t.Position().IsEmpty() {
		t.mode = ModeFullResync
	}
	return t, nil
}

// Key returns the timeline key.
func (t *Tracker) Key() string { return t.ts.Key }

// Mode returns the mode chosen at load time.
func (t *Tracker) Mode() SyncMode { return t.mode }

// Position returns the current cursor.
func (t *Tracker) Position() model.Position { return model.Position(t.ts.Position) }

// ItemDate returns the date of the newest item seen.
func (t *Tracker) ItemDate() time.Time { return t.ts.ItemDate }

// DownloadedDate returns when the timeline was last downloaded.
func (t *Tracker) DownloadedDate() time.Time { return t.ts.DownloadedDate }

// Advance moves the cursor to pos when the item is newer than the current
// high-water mark. An empty cursor accepts the first non-empty position.
func (t *Tracker) Advance(pos model.Position, date time.Time) {
	if pos.IsEmpty() {
		return
	}
	if t.Position().IsEmpty() || date.After(t.ts.ItemDate) {
		t.ts.Position = string(pos)
		if date.After(t.ts.ItemDate) {
			t.ts.ItemDate = date
		}
	}
}

// Clear drops the cursor and high-water mark.
func (t *Tracker) Clear() {
	t.ts.Position = ""
	t.ts.ItemDate = time.Time{}
}

// MarkDownloaded records the start of a download.
func (t *Tracker) MarkDownloaded(now time.Time) {
	t.ts.DownloadedDate = now
}

// Save persists the tracker.
func (t *Tracker) Save(ctx context.Context) error {
	return t.store.SaveTimeline(ctx, &t.ts)
}
