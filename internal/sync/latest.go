package sync

import (
	"context"
	"fmt"
	"time"
)

type latestEntry struct {
	msgID int64
	date  time.Time
}

// LatestSubjectMessages accumulates "the newest message of subject X is M"
// facts during a run and writes each subject once on Save. Only the
// highest-dated fact per subject survives.
type LatestSubjectMessages struct {
	entries map[int64]latestEntry
}

// NewLatestSubjectMessages returns an empty batch.
func NewLatestSubjectMessages() *LatestSubjectMessages {
	return &LatestSubjectMessages{entries: make(map[int64]latestEntry)}
}

// OnNew records msgID as a candidate latest message of subjectID.
func (l *LatestSubjectMessages) OnNew(subjectID, msgID int64, date time.Time) {
	if subjectID == 0 || msgID == 0 || date.IsZero() {
		return
	}
	if cur, ok := l.entries[subjectID]; ok && !date.After(cur.date) {
		return
	}
	l.entries[subjectID] = latestEntry{msgID: msgID, date: date}
}

// Len returns the number of pending subjects.
func (l *LatestSubjectMessages) Len() int { return len(l.entries) }

// Save writes the pending facts and empties the batch. The store keeps a
// stored marker that is newer than the batch's.
func (l *LatestSubjectMessages) Save(ctx context.Context, store Store) error {
	var firstErr error
	for subjectID, e := range l.entries {
		if _, err := store.AdvanceLatestMessage(ctx, subjectID, e.msgID, e.date); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("saving latest message of subject %d: %w", subjectID, err)
		}
	}
	clear(l.entries)
	return firstErr
}
