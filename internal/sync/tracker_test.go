package sync

import (
	"context"
	"testing"
	"time"

	"github.com/njoerd114/timelinerelay/internal/model"
	"github.com/njoerd114/timelinerelay/internal/state"
)

// ---------------------------------------------------------------------------
// TimelineKey
// ---------------------------------------------------------------------------

func TestTimelineKey(t *testing.T) {
	tests := []struct {
		name       string
		timeline   model.TimelineType
		subjectOid string
		query      string
		want       string
	}{
		{"home", model.TimelineHome, "", "", "main/home"},
		{"user of subject", model.TimelineUser, "42", "", "main/user/42"},
		{"search", model.TimelineSearch, "", "golang", "main/search?golang"},
		{"both", model.TimelineFavorites, "7", "x", "main/favorites/7?x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TimelineKey("main", tt.timeline, tt.subjectOid, tt.query); got != tt.want {
				t.Errorf("TimelineKey = %q, want %q", got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Tracker
// ---------------------------------------------------------------------------

func TestLoadTracker_NewTimelineIsFullResync(t *testing.T) {
	store := openTestStore(t)
	tr, err := LoadTracker(context.Background(), store, "main/home", 0, time.Now())
	if err != nil {
		t.Fatalf("LoadTracker: %v", err)
	}
	if tr.Mode() != ModeFullResync {
		t.Errorf("Mode = %v, want full", tr.Mode())
	}
	if !tr.Position().IsEmpty() {
		t.Errorf("Position = %q, want empty", tr.Position())
	}
}

func TestLoadTracker_Incremental(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := ts(10, 12)
	if err := store.SaveTimeline(ctx, &state.TimelineState{Key: "main/home", Position: "p1", ItemDate: ts(10, 1), DownloadedDate: ts(10, 11)}); err != nil {
		t.Fatal(err)
	}

	tr, err := LoadTracker(ctx, store, "main/home", 24*time.Hour, now)
	if err != nil {
		t.Fatalf("LoadTracker: %v", err)
	}
	if tr.Mode() != ModeIncremental || tr.Position() != "p1" {
		t.Errorf("mode/position = %v/%q, want incremental/p1", tr.Mode(), tr.Position())
	}
	if !tr.ItemDate().Equal(ts(10, 1)) {
		t.Errorf("ItemDate = %v", tr.ItemDate())
	}
}

func TestLoadTracker_StaleForcesFullResync(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if err := store.SaveTimeline(ctx, &state.TimelineState{Key: "main/home", Position: "p1", ItemDate: ts(1, 1), DownloadedDate: ts(1, 2)}); err != nil {
		t.Fatal(err)
	}

	tr, err := LoadTracker(ctx, store, "main/home", 24*time.Hour, ts(5, 0))
	if err != nil {
		t.Fatalf("LoadTracker: %v", err)
	}
	if tr.Mode() != ModeFullResync || !tr.Position().IsEmpty() || !tr.ItemDate().IsZero() {
		t.Errorf("stale tracker kept: mode=%v pos=%q date=%v", tr.Mode(), tr.Position(), tr.ItemDate())
	}
}

func TestTracker_Advance(t *testing.T) {
	store := openTestStore(t)
	tr, _ := LoadTracker(context.Background(), store, "k", 0, time.Now())

	tr.Advance("", ts(1, 1))
	if !tr.Position().IsEmpty() {
		t.Fatalf("empty position accepted: %q", tr.Position())
	}

	tr.Advance("a", time.Time{})
	if tr.Position() != "a" {
		t.Fatalf("first position not accepted: %q", tr.Position())
	}

	tr.Advance("b", ts(2, 0))
	tr.Advance("c", ts(1, 0))
	if tr.Position() != "b" || !tr.ItemDate().Equal(ts(2, 0)) {
		t.Errorf("position/date = %q/%v, want b/%v", tr.Position(), tr.ItemDate(), ts(2, 0))
	}

	tr.Advance("d", ts(2, 0))
	if tr.Position() != "b" {
		t.Errorf("equal date moved cursor to %q", tr.Position())
	}
}

func TestTracker_SaveRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	tr, _ := LoadTracker(ctx, store, "main/mentions", 0, time.Now())
	tr.MarkDownloaded(ts(3, 3))
	tr.Advance("m9", ts(3, 1))
	if err := tr.Save(ctx); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.LoadTimeline(ctx, "main/mentions")
	if err != nil {
		t.Fatal(err)
	}
	if got.Position != "m9" || !got.ItemDate.Equal(ts(3, 1)) || !got.DownloadedDate.Equal(ts(3, 3)) {
		t.Errorf("stored = %+v", got)
	}
}

// ---------------------------------------------------------------------------
// LatestSubjectMessages
// ---------------------------------------------------------------------------

func TestLatestSubjectMessages_KeepsNewest(t *testing.T) {
	l := NewLatestSubjectMessages()
	l.OnNew(1, 10, ts(1, 1))
	l.OnNew(1, 11, ts(1, 3))
	l.OnNew(1, 12, ts(1, 2))
	l.OnNew(0, 13, ts(1, 4))
	l.OnNew(2, 0, ts(1, 4))
	l.OnNew(2, 14, time.Time{})

	if l.Len() != 1 {
		t.Fatalf("Len = %d, want 1", l.Len())
	}
	if e := l.entries[1]; e.msgID != 11 {
		t.Errorf("latest = %+v, want msg 11", e)
	}
}

func TestLatestSubjectMessages_Save(t *testing.T) {
	store, acct, ins := newTestInserter(t, model.TimelineHome)
	ctx := context.Background()
	o := acct.OriginID

	older := ins.MergeMessage(ctx, message(o, "1", user(o, "u1", "alice"), "a", ts(1, 1)))
	newer := ins.MergeMessage(ctx, message(o, "2", user(o, "u1", "alice"), "b", ts(1, 5)))
	alice := mustSubjectID(t, store, o, "u1")

	l := NewLatestSubjectMessages()
	l.OnNew(alice, newer, ts(1, 5))
	if err := l.Save(ctx, store); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if l.Len() != 0 {
		t.Errorf("batch not cleared: %d", l.Len())
	}

	// An older batch never moves a stored marker backwards.
	l.OnNew(alice, older, ts(1, 1))
	if err := l.Save(ctx, store); err != nil {
		t.Fatalf("Save: %v", err)
	}

	row, err := store.GetSubject(ctx, alice)
	if err != nil {
		t.Fatal(err)
	}
	if row.LatestMsgID != newer || !row.LatestMsgDate.Equal(ts(1, 5)) {
		t.Errorf("latest = %d/%v, want %d/%v", row.LatestMsgID, row.LatestMsgDate, newer, ts(1, 5))
	}
}

// ---------------------------------------------------------------------------
// KeywordFilter
// ---------------------------------------------------------------------------

func TestParseKeywordFilter(t *testing.T) {
	f := ParseKeywordFilter(`Spam, "Buy Now"  crypto,,`)
	want := []string{"spam", "buy now", "crypto"}
	if len(f.keywords) != len(want) {
		t.Fatalf("keywords = %q, want %q", f.keywords, want)
	}
	for i := range want {
		if f.keywords[i] != want[i] {
			t.Errorf("keywords[%d] = %q, want %q", i, f.keywords[i], want[i])
		}
	}
}

func TestKeywordFilter_Matches(t *testing.T) {
	f := NewKeywordFilter([]string{"spam", `"buy now"`})
	tests := []struct {
		body string
		want bool
	}{
		{"this is SPAM", true},
		{"please buy now!", true},
		{"buy it now", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := f.Matches(tt.body); got != tt.want {
			t.Errorf("Matches(%q) = %v, want %v", tt.body, got, tt.want)
		}
	}

	var nilFilter *KeywordFilter
	if !nilFilter.Empty() || nilFilter.Matches("spam") {
		t.Error("nil filter should be empty and match nothing")
	}
	if !ParseKeywordFilter("  , ").Empty() {
		t.Error("blank filter should be empty")
	}
}
