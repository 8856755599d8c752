// Package twitter implements [social.Connection] for Twitter API v1.1 and
// the GNU social / StatusNet "Twitter-compatible" API.
package twitter

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

// Flavor selects between the two dialects of the API.
type Flavor int

const (
	FlavorTwitter Flavor = iota
	FlavorGNUSocial
)

const (
	maxPageSize       = 200
	maxSearchPageSize = 100
)

// Connection talks to one account on one origin.
type Connection struct {
	client   *social.Client
	originID int64
	flavor   Flavor
	log      *slog.Logger
}

// New creates a Connection using an authenticated client.
func New(client *social.Client, originID int64, flavor Flavor, logger *slog.Logger) *Connection {
	return &Connection{client: client, originID: originID, flavor: flavor, log: logger}
}

func (c *Connection) converter(direct bool) *converter {
	return &converter{
		originID: c.originID,
		host:     hostOf(c.client.BaseURL().String()),
		direct:   direct,
	}
}

// timelinePath returns the endpoint of a timeline, or "" when the flavor
// does not offer it.
func (c *Connection) timelinePath(t model.TimelineType) string {
	switch t {
	case model.TimelineHome:
		return "statuses/home_timeline.json"
	case model.TimelineMentions:
		if c.flavor == FlavorGNUSocial {
			return "statuses/mentions.json"
		}
		return "statuses/mentions_timeline.json"
	case model.TimelineDirect:
		return "direct_messages.json"
	case model.TimelineFavorites:
		return "favorites.json"
	case model.TimelineUser:
		return "statuses/user_timeline.json"
	case model.TimelinePublic:
		if c.flavor == FlavorGNUSocial {
			return "statuses/public_timeline.json"
		}
	case model.TimelineFollowers:
		if c.flavor == FlavorGNUSocial {
			return "statuses/followers.json"
		}
		return "followers/list.json"
	}
	return ""
}

// GetTimeline implements [social.Connection].
func (c *Connection) GetTimeline(ctx context.Context, timeline model.TimelineType, since model.Position, limit int, subjectOid string) ([]model.TimelineItem, error) {
	path := c.timelinePath(timeline)
	if path == "" {
		return nil, social.NewError(social.StatusHardError, "GET "+timeline.String(),
			fmt.Errorf("timeline %s is not supported by this origin", timeline))
	}

	q := url.Values{}
	q.Set("count", fmt.Sprint(c.FixedDownloadLimit(limit, timeline)))
	if !since.IsEmpty() {
		q.Set("since_id", string(since))
	}
	if timeline.ForSubject() && subjectOid != "" {
		if c.flavor == FlavorGNUSocial && timeline == model.TimelineFavorites {
			q.Set("id", subjectOid)
		} else {
			q.Set("user_id", subjectOid)
		}
	}

	var raw json.RawMessage
	if err := c.client.GetJSON(ctx, path, q, &raw); err != nil {
		return nil, err
	}

	if timeline == model.TimelineFollowers {
		return c.subjectItems(path, raw)
	}
	return c.messageItems(path, raw, timeline == model.TimelineDirect)
}

// Search implements [social.Connection].
func (c *Connection) Search(ctx context.Context, since model.Position, limit int, query string) ([]model.TimelineItem, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("count", fmt.Sprint(c.FixedDownloadLimit(limit, model.TimelineSearch)))
	q.Set("rpp", q.Get("count"))
	if !since.IsEmpty() {
		q.Set("since_id", string(since))
	}
	path := "search/tweets.json"
	if c.flavor == FlavorGNUSocial {
		path = "search.json"
	}
	var raw json.RawMessage
	if err := c.client.GetJSON(ctx, path, q, &raw); err != nil {
		return nil, err
	}
	return c.messageItems(path, raw, false)
}

// GetMessage implements [social.Connection].
func (c *Connection) GetMessage(ctx context.Context, oid string) (*model.Message, error) {
	if oid == "" {
		return nil, social.NewError(social.StatusHardError, "GET statuses/show", fmt.Errorf("empty oid"))
	}
	var js jsonStatus
	if err := c.client.GetJSON(ctx, "statuses/show.json", url.Values{"id": {oid}}, &js); err != nil {
		return nil, err
	}
	return c.converter(false).message(&js), nil
}

// UpdateStatus implements [social.Connection].
func (c *Connection) UpdateStatus(ctx context.Context, body, inReplyToOid string) (*model.Message, error) {
	form := url.Values{"status": {body}}
	if inReplyToOid != "" {
		form.Set("in_reply_to_status_id", inReplyToOid)
	}
	if c.flavor == FlavorGNUSocial {
		form.Set("source", "timelinerelay")
	}
	var js jsonStatus
	if err := c.client.PostForm(ctx, "statuses/update.json", form, &js); err != nil {
		return nil, err
	}
	return c.converter(false).message(&js), nil
}

// VerifyCredentials implements [social.Connection].
func (c *Connection) VerifyCredentials(ctx context.Context) (*model.Subject, error) {
	var u jsonUser
	if err := c.client.GetJSON(ctx, "account/verify_credentials.json", nil, &u); err != nil {
		return nil, err
	}
	s := c.converter(false).subject(&u)
	if s == nil || s.Oid == "" {
		return nil, social.NewError(social.StatusHardError, "GET account/verify_credentials.json",
			fmt.Errorf("response has no user id"))
	}
	return s, nil
}

// FixedDownloadLimit implements [social.Connection].
func (c *Connection) FixedDownloadLimit(limit int, timeline model.TimelineType) int {
	if timeline == model.TimelineSearch && c.flavor == FlavorTwitter {
		return social.ClampLimit(limit, maxSearchPageSize)
	}
	return social.ClampLimit(limit, maxPageSize)
}

// --- Page decoding -------------------------------------------------------------

// unwrapList accepts either a bare JSON array or an object wrapping the
// array under one of keys.
func unwrapList(raw json.RawMessage, keys ...string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		return raw, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	for _, k := range keys {
		if v, ok := obj[k]; ok {
			return v, nil
		}
	}
	return json.RawMessage("[]"), nil
}

func (c *Connection) messageItems(op string, raw json.RawMessage, direct bool) ([]model.TimelineItem, error) {
	list, err := unwrapList(raw, "statuses", "results")
	if err != nil {
		return nil, social.NewError(social.StatusHardError, "GET "+op, fmt.Errorf("decoding page: %w", err))
	}
	var statuses []*jsonStatus
	if err := json.Unmarshal(list, &statuses); err != nil {
		return nil, social.NewError(social.StatusHardError, "GET "+op, fmt.Errorf("decoding statuses: %w", err))
	}

	conv := c.converter(direct)
	items := make([]model.TimelineItem, 0, len(statuses))
	for _, js := range statuses {
		m := conv.message(js)
		if m == nil || m.Oid == "" {
			c.log.Warn("skipping status without id", "op", op)
			continue
		}
		items = append(items, model.MessageItem(model.Position(m.Oid), m.SentDate, m))
	}
	return items, nil
}

func (c *Connection) subjectItems(op string, raw json.RawMessage) ([]model.TimelineItem, error) {
	list, err := unwrapList(raw, "users")
	if err != nil {
		return nil, social.NewError(social.StatusHardError, "GET "+op, fmt.Errorf("decoding page: %w", err))
	}
	var users []*jsonUser
	if err := json.Unmarshal(list, &users); err != nil {
		return nil, social.NewError(social.StatusHardError, "GET "+op, fmt.Errorf("decoding users: %w", err))
	}

	conv := c.converter(false)
	items := make([]model.TimelineItem, 0, len(users))
	for _, u := range users {
		s := conv.subject(u)
		if s == nil || s.Oid == "" {
			continue
		}
		items = append(items, model.SubjectItem(model.Position(s.Oid), s.UpdatedDate, s))
	}
	return items, nil
}
