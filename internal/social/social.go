// Package social defines the capability interface every backend family
// implements, the classified errors they return, and the HTTP client they
// share.
//
// Concrete families live in sub-packages:
//
//   - [twitter] covers Twitter v1.1 and GNU social / StatusNet JSON APIs.
//   - [pumpio] covers Pump.io ActivityStreams feeds.
package social

import (
	"context"

	"github.com/njoerd114/timelinerelay/internal/model"
)

// Protocol names a backend family in the config file.
type Protocol string

const (
	ProtocolTwitter   Protocol = "twitter"
	ProtocolGNUSocial Protocol = "gnusocial"
	ProtocolPumpio    Protocol = "pumpio"
)

// Connection is one authenticated account on one origin.
// Implemented by [twitter.Connection] and [pumpio.Connection].
type Connection interface {
	// GetTimeline returns items newer than since, newest first. subjectOid
	// selects whose timeline to read for subject-scoped timelines.
	GetTimeline(ctx context.Context, timeline model.TimelineType, since model.Position, limit int, subjectOid string) ([]model.TimelineItem, error)

	// Search returns messages matching query newer than since.
	Search(ctx context.Context, since model.Position, limit int, query string) ([]model.TimelineItem, error)

	// GetMessage fetches a single message by oid.
	GetMessage(ctx context.Context, oid string) (*model.Message, error)

	// UpdateStatus posts a new message, optionally as a reply, and returns
	// the message as the server stored it.
	UpdateStatus(ctx context.Context, body, inReplyToOid string) (*model.Message, error)

	// VerifyCredentials returns the subject the credentials belong to.
	VerifyCredentials(ctx context.Context) (*model.Subject, error)

	// FixedDownloadLimit clamps limit to what the backend accepts for the
	// given timeline.
	FixedDownloadLimit(limit int, timeline model.TimelineType) int
}

// ClampLimit bounds limit to [1, maxLimit].
func ClampLimit(limit, maxLimit int) int {
	if limit <= 0 || limit > maxLimit {
		return maxLimit
	}
	return limit
}
