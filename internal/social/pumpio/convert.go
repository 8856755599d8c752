package pumpio

import (
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/njoerd114/timelinerelay/internal/model"
)

// publicCollection is the addressee meaning "everyone".
const publicCollection = "http://activityschema.org/collection/public"

// --- JSON structures -----------------------------------------------------------

type jsonLink struct {
	URL  string `json:"url,omitempty"`
	Href string `json:"href,omitempty"`
}

type jsonCount struct {
	TotalItems int64 `json:"totalItems"`
}

type jsonPlace struct {
	DisplayName string `json:"displayName"`
}

// jsonObject covers the object types we read: person, note, comment, image.
type jsonObject struct {
	ID                string       `json:"id,omitempty"`
	ObjectType        string       `json:"objectType,omitempty"`
	DisplayName       string       `json:"displayName,omitempty"`
	PreferredUsername string       `json:"preferredUsername,omitempty"`
	Summary           string       `json:"summary,omitempty"`
	Content           string       `json:"content,omitempty"`
	URL               string       `json:"url,omitempty"`
	Published         string       `json:"published,omitempty"`
	Updated           string       `json:"updated,omitempty"`
	Author            *jsonObject  `json:"author,omitempty"`
	InReplyTo         *jsonObject  `json:"inReplyTo,omitempty"`
	Image             *jsonLink    `json:"image,omitempty"`
	FullImage         *jsonLink    `json:"fullImage,omitempty"`
	Location          *jsonPlace   `json:"location,omitempty"`
	Liked             *bool        `json:"liked,omitempty"`
	Followers         *jsonCount   `json:"followers,omitempty"`
	Following         *jsonCount   `json:"following,omitempty"`
	Favorites         *jsonCount   `json:"favorites,omitempty"`
	Links             *jsonLinks   `json:"links,omitempty"`
	PumpIO            *jsonPumpExt `json:"pump_io,omitempty"`
	Replies           *objectFeed  `json:"replies,omitempty"`
}

type jsonLinks struct {
	Self *jsonLink `json:"self,omitempty"`
}

type jsonPumpExt struct {
	Followed *bool `json:"followed,omitempty"`
}

type jsonActivity struct {
	ID        string        `json:"id,omitempty"`
	Verb      string        `json:"verb,omitempty"`
	Actor     *jsonObject   `json:"actor,omitempty"`
	Object    *jsonObject   `json:"object,omitempty"`
	Published string        `json:"published,omitempty"`
	Updated   string        `json:"updated,omitempty"`
	To        []*jsonObject `json:"to,omitempty"`
	Cc        []*jsonObject `json:"cc,omitempty"`
	Generator *jsonObject   `json:"generator,omitempty"`
	URL       string        `json:"url,omitempty"`
}

// jsonFeed is a collection page. Items hold activities for feeds and
// plain persons for the followers collection, so they are decoded by the
// caller.
type jsonFeed struct {
	TotalItems int64             `json:"totalItems"`
	Items      []json.RawMessage `json:"items"`
}

// objectFeed is an inline collection of objects, such as replies.
type objectFeed struct {
	TotalItems int64         `json:"totalItems"`
	Items      []*jsonObject `json:"items"`
}

// --- Conversion ----------------------------------------------------------------

type converter struct {
	originID int64
}

// subject converts a person object. Anything else yields nil.
func (c *converter) subject(o *jsonObject) *model.Subject {
	if o == nil || o.ID == "" {
		return nil
	}
	if o.ObjectType != "" && o.ObjectType != "person" {
		return nil
	}
	s := &model.Subject{
		OriginID:    c.originID,
		Oid:         o.ID,
		Username:    webfingerOf(o),
		RealName:    o.DisplayName,
		Description: o.Summary,
		ProfileURL:  o.URL,
		Homepage:    o.URL,
		CreatedDate: parseDate(o.Published),
		UpdatedDate: parseDate(o.Updated),
	}
	s.WebfingerID = s.Username
	if o.Image != nil {
		s.AvatarURL = o.Image.URL
	}
	if o.Location != nil {
		s.Location = o.Location.DisplayName
	}
	if o.Followers != nil {
		s.FollowersCount = o.Followers.TotalItems
	}
	if o.Following != nil {
		s.FollowingCount = o.Following.TotalItems
	}
	if o.Favorites != nil {
		s.FavoritesCount = o.Favorites.TotalItems
	}
	if o.PumpIO != nil && o.PumpIO.Followed != nil {
		s.FollowedByActor = model.TriStateOf(*o.PumpIO.Followed)
	}
	// An author embedded in an object usually lacks counters and links.
	if (o.Links == nil || o.Links.Self == nil) && o.Followers == nil {
		s.Partial = true
	}
	return s
}

// object converts a note, comment or image into a message.
func (c *converter) object(o *jsonObject) *model.Message {
	if o == nil || o.ID == "" {
		return nil
	}
	m := &model.Message{
		OriginID:    c.originID,
		Oid:         o.ID,
		Body:        model.PlainText(o.Content),
		URL:         o.URL,
		SentDate:    parseDate(o.Published),
		CreatedDate: parseDate(o.Published),
		Status:      model.StatusLoaded,
		Sender:      c.subject(o.Author),
	}
	if m.Body == "" && o.DisplayName != "" {
		m.Body = model.PlainText(o.DisplayName)
	}
	if o.Content == "" && o.ObjectType != "image" {
		// A reference only: the stub status keeps a stored row intact.
		m.Status = model.StatusUnknown
	}
	if o.Liked != nil {
		m.FavoritedByActor = model.TriStateOf(*o.Liked)
	}
	if o.ObjectType == "image" {
		uri := ""
		if o.FullImage != nil {
			uri = o.FullImage.URL
		}
		if uri == "" && o.Image != nil {
			uri = o.Image.URL
		}
		if uri != "" {
			m.Attachments = append(m.Attachments, model.NewAttachment(uri, "image"))
		}
	}
	if o.InReplyTo != nil && o.InReplyTo.ID != "" {
		reply := &model.Message{OriginID: c.originID, Oid: o.InReplyTo.ID, Status: model.StatusUnknown}
		if s := c.subject(o.InReplyTo.Author); s != nil {
			s.Partial = true
			reply.Sender = s
		}
		m.InReplyTo = reply
	}
	if o.Replies != nil {
		for _, item := range o.Replies.Items {
			if r := c.object(item); r != nil {
				m.Replies = append(m.Replies, r)
			}
		}
	}
	return m
}

// activity converts one feed activity into a timeline item. ok is false
// for verbs or objects we do not model.
func (c *converter) activity(a *jsonActivity) (model.TimelineItem, bool) {
	if a == nil || a.Object == nil {
		return model.TimelineItem{}, false
	}
	date := parseDate(firstNonEmpty(a.Updated, a.Published))
	pos := model.Position(a.ID)
	actor := c.subject(a.Actor)

	if a.Object.ObjectType == "person" {
		s := c.subject(a.Object)
		if s == nil {
			return model.TimelineItem{}, false
		}
		switch a.Verb {
		case "follow":
			s.FollowedByActor = model.True
		case "stop-following", "unfollow":
			s.FollowedByActor = model.False
		}
		s.Actor = actor
		return model.SubjectItem(pos, date, s), true
	}

	obj := c.object(a.Object)
	if obj == nil {
		return model.TimelineItem{}, false
	}
	if obj.Sender == nil {
		obj.Sender = actor
	}

	var m *model.Message
	switch a.Verb {
	case "share":
		m = &model.Message{
			OriginID:    c.originID,
			Oid:         a.ID,
			Sender:      actor,
			SentDate:    parseDate(a.Published),
			CreatedDate: parseDate(a.Published),
			Status:      model.StatusLoaded,
			ReblogOf:    obj,
		}
	case "favorite", "like":
		obj.FavoritedByActor = model.True
		obj.Actor = actor
		m = obj
	case "unfavorite", "unlike":
		obj.FavoritedByActor = model.False
		obj.Actor = actor
		m = obj
	case "post", "update", "":
		m = obj
		if m.SentDate.IsZero() {
			m.SentDate = parseDate(a.Published)
			m.CreatedDate = m.SentDate
		}
		if a.Generator != nil {
			m.Via = a.Generator.DisplayName
		}
	default:
		return model.TimelineItem{}, false
	}

	m.Public = isPublic(a)
	if !m.Public {
		if r := singleRecipient(c, a); r != nil {
			m.Recipient = r
		}
	}
	if m.ReblogOf != nil {
		m.ReblogOf.Public = m.Public
	}
	return model.MessageItem(pos, date, m), true
}

func isPublic(a *jsonActivity) bool {
	for _, list := range [][]*jsonObject{a.To, a.Cc} {
		for _, o := range list {
			if o != nil && o.ID == publicCollection {
				return true
			}
		}
	}
	return false
}

// singleRecipient returns the addressee of a message sent to exactly one
// person.
func singleRecipient(c *converter, a *jsonActivity) *model.Subject {
	if len(a.To) != 1 || len(a.Cc) != 0 {
		return nil
	}
	s := c.subject(a.To[0])
	if s != nil {
		s.Partial = true
	}
	return s
}

// webfingerOf derives "nick@host" from an acct: id, falling back to the
// preferred username and the profile URL host.
func webfingerOf(o *jsonObject) string {
	if rest, ok := strings.CutPrefix(o.ID, "acct:"); ok {
		return rest
	}
	nick := o.PreferredUsername
	if nick == "" {
		return ""
	}
	if u, err := url.Parse(firstNonEmpty(o.URL, o.ID)); err == nil && u.Host != "" {
		return nick + "@" + u.Hostname()
	}
	return nick
}

// nickOf extracts the local user name from an acct: oid, a webfinger id or
// a profile URL.
func nickOf(oid string) string {
	s := strings.TrimPrefix(oid, "acct:")
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		segs := strings.Split(strings.Trim(u.Path, "/"), "/")
		return segs[len(segs)-1]
	}
	nick, _, _ := strings.Cut(s, "@")
	return nick
}

func parseDate(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
