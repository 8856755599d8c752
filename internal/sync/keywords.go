package sync

import (
	"strings"
	"unicode"
)

// KeywordFilter suppresses notification counters for messages containing
// any of its keywords. Matching is case-insensitive on the plain-text body.
type KeywordFilter struct {
	keywords []string
}

// ParseKeywordFilter splits raw on whitespace and commas; double-quoted
// phrases are kept whole: `spam, "buy now" crypto`.
func ParseKeywordFilter(raw string) *KeywordFilter {
	var kws []string
	var cur strings.Builder
	quoted := false
	flush := func() {
		if kw := strings.TrimSpace(cur.String()); kw != "" {
			kws = append(kws, strings.ToLower(kw))
		}
		cur.Reset()
	}
	for _, r := range raw {
		switch {
		case r == '"':
			if quoted {
				flush()
			}
			quoted = !quoted
		case !quoted && (r == ',' || unicode.IsSpace(r)):
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return &KeywordFilter{keywords: kws}
}

// NewKeywordFilter builds a filter from a list of entries, each parsed like
// [ParseKeywordFilter].
func NewKeywordFilter(entries []string) *KeywordFilter {
	f := &KeywordFilter{}
	for _, e := range entries {
		f.keywords = append(f.keywords, ParseKeywordFilter(e).keywords...)
	}
	return f
}

// Empty reports whether the filter has no keywords.
func (f *KeywordFilter) Empty() bool { return f == nil || len(f.keywords) == 0 }

// Matches reports whether body contains any keyword.
func (f *KeywordFilter) Matches(body string) bool {
	if f.Empty() || body == "" {
		return false
	}
	lower := strings.ToLower(body)
	for _, kw := range f.keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
