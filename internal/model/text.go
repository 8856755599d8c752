package model

import (
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var (
	// stripPolicy removes every tag; safe for concurrent use once built.
	stripPolicy = bluemonday.StrictPolicy()

	// leadingMention matches "@name" or "@name@host" at the start of a body.
	leadingMention = regexp.MustCompile(`^@([\w][\w.\-]*(?:@[\w.\-]+)?)`)
)

// PlainText strips markup from a message body and unescapes entities.
func PlainText(body string) string {
	if !strings.ContainsAny(body, "<&") {
		return body
	}
	return html.UnescapeString(stripPolicy.Sanitize(body))
}

// ReplyToUsername returns the username of a leading "@name" mention in
// body, or "" when the body does not start with one. A webfinger form
// "@name@host" is returned whole.
func ReplyToUsername(body string) string {
	m := leadingMention.FindStringSubmatch(strings.TrimSpace(PlainText(body)))
	if m == nil {
		return ""
	}
	return strings.TrimRight(m[1], ".-")
}

// MentionsUsername reports whether body contains "@username". This is a
// plain substring test: "@bob" also matches "@bobby".
func MentionsUsername(body, username string) bool {
	if username == "" {
		return false
	}
	return strings.Contains(PlainText(body), "@"+username)
}
