package model

import (
	"strings"
	"time"
)

// tempOidPrefix marks an oid invented locally for a subject whose real oid
// is not known yet (e.g. a user seen only as "@name" in a message body).
const tempOidPrefix = "tmp:username:"

// Subject is a user or actor on a backend.
type Subject struct {
	OriginID int64
	Oid      string

	// ID is the local row id. Zero until persisted.
	ID int64

	Username    string
	WebfingerID string
	RealName    string
	AvatarURL   string
	BannerURL   string
	Homepage    string
	ProfileURL  string
	Description string
	Location    string

	MsgCount       int64
	FavoritesCount int64
	FollowingCount int64
	FollowersCount int64

	CreatedDate time.Time
	UpdatedDate time.Time

	// FollowedByActor is whether Actor (or the account, when Actor is nil)
	// follows this subject.
	FollowedByActor TriState
	Actor           *Subject

	// LatestMessage is inlined by some protocols in profile payloads.
	LatestMessage *Message

	// Partial is set by adapters when the subject arrived as a reference
	// inside another object rather than from a profile fetch.
	Partial bool
}

// NewSubjectRef returns a partially defined subject carrying only identity.
func NewSubjectRef(originID int64, oid, username string) *Subject {
	return &Subject{OriginID: originID, Oid: oid, Username: username, Partial: true}
}

// IsEmpty reports whether s has neither an oid nor a username.
func (s *Subject) IsEmpty() bool {
	return s == nil || (!IsRealOid(s.Oid) && s.Username == "")
}

// IsPartiallyDefined reports whether s must not overwrite an existing row.
func (s *Subject) IsPartiallyDefined() bool {
	return s.Partial || !IsRealOid(s.Oid) || s.Username == ""
}

// TempOid returns the placeholder oid used until the real one is known.
func (s *Subject) TempOid() string {
	return TempOid(s.Username)
}

// TempOid builds a placeholder oid from a username.
func TempOid(username string) string {
	return tempOidPrefix + username
}

// IsRealOid reports whether oid came from a backend.
func IsRealOid(oid string) bool {
	return oid != "" && !strings.HasPrefix(oid, tempOidPrefix)
}
