// Package model defines the normalized timeline types shared by the protocol
// adapters, the reconciliation engine, and the store.
//
// Adapters build these values from wire payloads; the sync package consumes
// them once and only the derived rows are persisted.
package model

import "time"

// Message is one post, reply, direct message, or reblog wrapper as reported
// by a backend.
type Message struct {
	// OriginID is the local id of the backend instance that owns Oid.
	OriginID int64

	// Oid is the protocol-native identifier, unique within the origin.
	Oid string

	// ID is the local row id. Zero until the message has been persisted.
	ID int64

	// Sender posted this message (for a reblog wrapper: the reblogger).
	Sender *Subject

	// Author wrote the content. Nil means "same as Sender"; the engine fills
	// it in when unwrapping a reblog.
	Author *Subject

	// Actor performed the fetched activity (e.g. the one who favorited).
	// Nil means the account that fetched the timeline.
	Actor *Subject

	// Recipient is set for direct messages only.
	Recipient *Subject

	Body        string
	Via         string
	URL         string
	SentDate    time.Time
	CreatedDate time.Time
	Status      DownloadStatus

	// ReblogOf is the original message when this one is a share/retweet.
	ReblogOf *Message

	// InReplyTo is usually a stub carrying only an oid and maybe a sender.
	InReplyTo *Message

	// Replies are inlined by thread-fetching protocols.
	Replies []*Message

	Attachments []Attachment

	FavoritedByActor TriState
	Subscribed       TriState
	Public           bool
}

// IsEmpty reports whether the message carries nothing worth merging.
func (m *Message) IsEmpty() bool {
	return m == nil || (m.Oid == "" && m.Body == "" && m.ReblogOf == nil)
}

// IsReblog reports whether m wraps another message.
func (m *Message) IsReblog() bool {
	return m != nil && m.ReblogOf != nil
}
