// Package pumpio implements [social.Connection] for Pump.io servers, which
// speak ActivityStreams 1.0 JSON.
package pumpio

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/njoerd114/timelinerelay/internal/model"
	"github.com/njoerd114/timelinerelay/internal/social"
)

const maxPageSize = 200

// Connection talks to one Pump.io account.
type Connection struct {
	client   *social.Client
	originID int64
	nick     string // local user name of the account, e.g. "t131t"
	conv     *converter
	log      *slog.Logger
}

// New creates a Connection. username may be a bare nick, a webfinger id
// ("nick@host") or an acct: oid.
func New(client *social.Client, originID int64, username string, logger *slog.Logger) *Connection {
	return &Connection{
		client:   client,
		originID: originID,
		nick:     nickOf(username),
		conv:     &converter{originID: originID},
		log:      logger,
	}
}

func (c *Connection) userPath(nick, suffix string) string {
	return "api/user/" + url.PathEscape(nick) + "/" + suffix
}

func (c *Connection) timelinePath(t model.TimelineType, subjectOid string) string {
	nick := c.nick
	if t.ForSubject() && subjectOid != "" {
		if n := nickOf(subjectOid); n != "" {
			nick = n
		}
	}
	switch t {
	case model.TimelineHome:
		return c.userPath(nick, "inbox")
	case model.TimelineMentions:
		return c.userPath(nick, "inbox/direct/major")
	case model.TimelineDirect:
		return c.userPath(nick, "inbox/direct/minor")
	case model.TimelineUser:
		return c.userPath(nick, "feed")
	case model.TimelineFavorites:
		return c.userPath(nick, "favorites")
	case model.TimelineFollowers:
		return c.userPath(nick, "followers")
	}
	return ""
}

// GetTimeline implements [social.Connection].
func (c *Connection) GetTimeline(ctx context.Context, timeline model.TimelineType, since model.Position, limit int, subjectOid string) ([]model.TimelineItem, error) {
	path := c.timelinePath(timeline, subjectOid)
	if path == "" {
		return nil, social.NewError(social.StatusHardError, "GET "+timeline.String(),
			fmt.Errorf("timeline %s is not supported by pump.io", timeline))
	}

	q := url.Values{}
	q.Set("count", fmt.Sprint(c.FixedDownloadLimit(limit, timeline)))
	if !since.IsEmpty() {
		q.Set("since", string(since))
	}

	var feed jsonFeed
	if err := c.client.GetJSON(ctx, path, q, &feed); err != nil {
		return nil, err
	}

	items := make([]model.TimelineItem, 0, len(feed.Items))
	for _, raw := range feed.Items {
		item, ok, err := c.decodeItem(timeline, raw)
		if err != nil {
			return nil, social.NewError(social.StatusHardError, "GET "+path, err)
		}
		if !ok {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

func (c *Connection) decodeItem(timeline model.TimelineType, raw json.RawMessage) (model.TimelineItem, bool, error) {
	switch timeline {
	case model.TimelineFollowers:
		var o jsonObject
		if err := json.Unmarshal(raw, &o); err != nil {
			return model.TimelineItem{}, false, fmt.Errorf("decoding person: %w", err)
		}
		s := c.conv.subject(&o)
		if s == nil {
			return model.TimelineItem{}, false, nil
		}
		return model.SubjectItem(model.Position(s.Oid), s.UpdatedDate, s), true, nil

	case model.TimelineFavorites:
		// The favorites collection lists objects, not activities.
		var o jsonObject
		if err := json.Unmarshal(raw, &o); err != nil {
			return model.TimelineItem{}, false, fmt.Errorf("decoding object: %w", err)
		}
		m := c.conv.object(&o)
		if m == nil {
			return model.TimelineItem{}, false, nil
		}
		m.FavoritedByActor = model.True
		return model.MessageItem(model.Position(m.Oid), m.SentDate, m), true, nil
	}

	var a jsonActivity
	if err := json.Unmarshal(raw, &a); err != nil {
		return model.TimelineItem{}, false, fmt.Errorf("decoding activity: %w", err)
	}
	item, ok := c.conv.activity(&a)
	if !ok {
		c.log.Debug("skipping activity", "id", a.ID, "verb", a.Verb)
	}
	return item, ok, nil
}

// Search implements [social.Connection]. Pump.io has no search API.
func (c *Connection) Search(_ context.Context, _ model.Position, _ int, _ string) ([]model.TimelineItem, error) {
	return nil, social.NewError(social.StatusHardError, "search", fmt.Errorf("pump.io does not support search"))
}

// GetMessage implements [social.Connection]. Pump.io object ids are URLs
// that can be dereferenced directly.
func (c *Connection) GetMessage(ctx context.Context, oid string) (*model.Message, error) {
	if !strings.HasPrefix(oid, "http://") && !strings.HasPrefix(oid, "https://") {
		return nil, social.NewError(social.StatusHardError, "GET "+oid, fmt.Errorf("oid is not a URL"))
	}
	var o jsonObject
	if err := c.client.GetJSON(ctx, oid, nil, &o); err != nil {
		return nil, err
	}
	m := c.conv.object(&o)
	if m == nil {
		return nil, social.NewError(social.StatusHardError, "GET "+oid, fmt.Errorf("response has no object id"))
	}
	return m, nil
}

// UpdateStatus implements [social.Connection]. The note is addressed to
// the public collection; a reply becomes a comment.
func (c *Connection) UpdateStatus(ctx context.Context, body, inReplyToOid string) (*model.Message, error) {
	obj := &jsonObject{ObjectType: "note", Content: body}
	if inReplyToOid != "" {
		obj.ObjectType = "comment"
		obj.InReplyTo = &jsonObject{ID: inReplyToOid}
	}
	act := &jsonActivity{
		Verb:   "post",
		Object: obj,
		To:     []*jsonObject{{ID: publicCollection, ObjectType: "collection"}},
	}

	var out jsonActivity
	if err := c.client.PostJSON(ctx, c.userPath(c.nick, "feed"), act, &out); err != nil {
		return nil, err
	}
	item, ok := c.conv.activity(&out)
	if !ok || item.Message == nil {
		return nil, social.NewError(social.StatusHardError, "POST feed", fmt.Errorf("server returned no message"))
	}
	return item.Message, nil
}

// VerifyCredentials implements [social.Connection].
func (c *Connection) VerifyCredentials(ctx context.Context) (*model.Subject, error) {
	var o jsonObject
	if err := c.client.GetJSON(ctx, "api/whoami", nil, &o); err != nil {
		return nil, err
	}
	s := c.conv.subject(&o)
	if s == nil {
		return nil, social.NewError(social.StatusHardError, "GET api/whoami", fmt.Errorf("response is not a person"))
	}
	s.Partial = false
	return s, nil
}

// FixedDownloadLimit implements [social.Connection].
func (c *Connection) FixedDownloadLimit(limit int, _ model.TimelineType) int {
	return social.ClampLimit(limit, maxPageSize)
}
