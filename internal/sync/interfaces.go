// Package sync implements the timeline synchronization engine for
// TimelineRelay. It pulls pages from a [social.Connection], merges every
// normalized item into the local store, and tracks a cursor per timeline.
//
// The package contains these components, leaves first:
//
//   - [Tracker] keeps the cursor and high-water mark of one timeline.
//   - [Inserter] merges messages and subjects into the store.
//   - [LatestSubjectMessages] batches "latest message of subject" writes.
//   - [Downloader] paginates one timeline and drives the Inserter.
//   - [Engine] runs downloads for all accounts on a polling loop.
package sync

import (
	"context"
	"time"

	"github.com/njoerd114/timelinerelay/internal/model"
	"github.com/njoerd114/timelinerelay/internal/social"
	"github.com/njoerd114/timelinerelay/internal/state"
)

// Connection is the backend capability set the engine needs.
// Implemented by [twitter.Connection] and [pumpio.Connection].
type Connection = social.Connection

// TimelineStore persists tracker state.
// Implemented by [state.Store].
type TimelineStore interface {
	LoadTimeline(ctx context.Context, key string) (*state.TimelineState, error)
	SaveTimeline(ctx context.Context, ts *state.TimelineState) error
}

// Store provides the repository operations used by the merge algorithm.
// Implemented by [state.Store].
type Store interface {
	TimelineStore

	MessageIDByOid(ctx context.Context, originID int64, oid string) (int64, error)
	MessageState(ctx context.Context, id int64) (*state.MessageState, error)
	InsertMessage(ctx context.Context, row *state.MessageRow) (int64, error)
	UpdateMessage(ctx context.Context, id int64, row *state.MessageRow) error

	SubjectIDByOid(ctx context.Context, originID int64, oid string) (int64, error)
	SubjectIDByUsername(ctx context.Context, originID int64, name string) (int64, error)
	InsertSubject(ctx context.Context, row *state.SubjectRow) (int64, error)
	UpdateSubject(ctx context.Context, id int64, row *state.SubjectRow) error
	AdvanceLatestMessage(ctx context.Context, subjectID, msgID int64, date time.Time) (bool, error)

	UpsertAnnotation(ctx context.Context, a *state.Annotation) error
	SetFollow(ctx context.Context, subjectID, targetID int64, followed bool) error

	UpsertDownload(ctx context.Context, msgID int64, att model.Attachment) (int64, error)
	DeleteOtherDownloads(ctx context.Context, msgID int64, keep []int64) error
}

// Account is the explicit context of every sync call: one set of
// credentials on one origin. SubjectID is filled in once the account's own
// subject has been verified and merged.
type Account struct {
	Name     string
	OriginID int64

	// Username is matched against "@name" mentions in message bodies.
	Username string

	// UserOid is the expected oid of the account's subject. Empty means
	// "accept whatever the credentials verify as".
	UserOid string

	SubjectID int64

	Conn        Connection
	Timelines   []model.TimelineType
	SearchQuery string
}

// Request describes one timeline sync.
type Request struct {
	Account  *Account
	Timeline model.TimelineType

	// SearchQuery is used by search timelines; it defaults to the
	// account's query.
	SearchQuery string

	// SubjectOid selects whose timeline to read for subject-scoped
	// timelines. Empty means the account's own subject.
	SubjectOid string

	// Limit is the item quota of the run; zero uses the engine default.
	Limit int
}

// Result summarises one or more timeline syncs.
type Result struct {
	// Downloaded counts page messages newer than their stored copy and not
	// matched by the keyword filter.
	Downloaded  int
	NewMessages int
	Mentions    int
	Directs     int
	Errors      int
}

// Add accumulates other into r.
func (r *Result) Add(other Result) {
	r.Downloaded += other.Downloaded
	r.NewMessages += other.NewMessages
	r.Mentions += other.Mentions
	r.Directs += other.Directs
	r.Errors += other.Errors
}
