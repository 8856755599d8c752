package model

import (
	"fmt"
	"strings"
	"time"
)

// TimelineType names a remote feed that can be synced.
type TimelineType int

const (
	TimelineUnknown TimelineType = iota
	TimelineHome
	TimelineMentions
	TimelineDirect
	TimelineFavorites
	TimelineUser
	TimelinePublic
	TimelineSearch
	TimelineFollowers
)

var timelineNames = map[TimelineType]string{
	TimelineHome:      "home",
	TimelineMentions:  "mentions",
	TimelineDirect:    "direct",
	TimelineFavorites: "favorites",
	TimelineUser:      "user",
	TimelinePublic:    "public",
	TimelineSearch:    "search",
	TimelineFollowers: "followers",
}

// String returns the config-file name of the timeline.
func (t TimelineType) String() string {
	if s, ok := timelineNames[t]; ok {
		return s
	}
	return "unknown"
}

// ParseTimelineType parses a config-file timeline name.
func ParseTimelineType(s string) (TimelineType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, name := range timelineNames {
		if name == s {
			return t, nil
		}
	}
	return TimelineUnknown, fmt.Errorf("unknown timeline %q", s)
}

// ForSubject reports whether the timeline is scoped to one subject and
// therefore needs a subject oid.
func (t TimelineType) ForSubject() bool {
	return t == TimelineUser || t == TimelineFavorites || t == TimelineFollowers
}

// Position is an opaque pagination cursor. Its meaning is private to the
// adapter that produced it.
type Position string

// IsEmpty reports whether p starts a fetch from the newest items.
func (p Position) IsEmpty() bool { return strings.TrimSpace(string(p)) == "" }

// ItemKind tags the TimelineItem union.
type ItemKind int

const (
	ItemMessage ItemKind = iota + 1
	ItemSubject
)

// TimelineItem is one entry of a fetched page: a message or a subject.
type TimelineItem struct {
	Kind     ItemKind
	Position Position
	Date     time.Time

	Message *Message
	Subject *Subject
}

// MessageItem wraps a message into a timeline item.
func MessageItem(pos Position, date time.Time, m *Message) TimelineItem {
	return TimelineItem{Kind: ItemMessage, Position: pos, Date: date, Message: m}
}

// SubjectItem wraps a subject into a timeline item.
func SubjectItem(pos Position, date time.Time, s *Subject) TimelineItem {
	return TimelineItem{Kind: ItemSubject, Position: pos, Date: date, Subject: s}
}
