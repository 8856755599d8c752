package twitter

import (
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/njoerd114/timelinerelay/internal/model"
)

// dateLayout is the created_at format shared by Twitter and GNU social.
const dateLayout = "Mon Jan 02 15:04:05 -0700 2006"

// --- JSON structures -----------------------------------------------------------

type jsonUser struct {
	ID                  json.Number `json:"id"`
	IDStr               string      `json:"id_str"`
	ScreenName          string      `json:"screen_name"`
	Name                string      `json:"name"`
	Description         string      `json:"description"`
	Location            string      `json:"location"`
	URL                 string      `json:"url"`
	ProfileImageURL     string      `json:"profile_image_url"`
	ProfileImageHTTPS   string      `json:"profile_image_url_https"`
	ProfileBannerURL    string      `json:"profile_banner_url"`
	StatusnetProfileURL string      `json:"statusnet_profile_url"`
	StatusesCount       int64       `json:"statuses_count"`
	FavouritesCount     int64       `json:"favourites_count"`
	FriendsCount        int64       `json:"friends_count"`
	FollowersCount      int64       `json:"followers_count"`
	CreatedAt           string      `json:"created_at"`
	Following           *bool       `json:"following"`
	Status              *jsonStatus `json:"status"`
}

type jsonMedia struct {
	MediaURL      string `json:"media_url"`
	MediaURLHTTPS string `json:"media_url_https"`
	Type          string `json:"type"`
}

type jsonAttachment struct {
	URL      string `json:"url"`
	MimeType string `json:"mimetype"`
}

type jsonStatus struct {
	ID                  json.Number `json:"id"`
	IDStr               string      `json:"id_str"`
	Text                string      `json:"text"`
	FullText            string      `json:"full_text"`
	StatusnetHTML       string      `json:"statusnet_html"`
	CreatedAt           string      `json:"created_at"`
	Source              string      `json:"source"`
	URI                 string      `json:"uri"`
	ExternalURL         string      `json:"external_url"`
	User                *jsonUser   `json:"user"`
	Sender              *jsonUser   `json:"sender"`
	Recipient           *jsonUser   `json:"recipient"`
	InReplyToStatusID   json.Number `json:"in_reply_to_status_id"`
	InReplyToStatusStr  string      `json:"in_reply_to_status_id_str"`
	InReplyToUserID     json.Number `json:"in_reply_to_user_id"`
	InReplyToUserStr    string      `json:"in_reply_to_user_id_str"`
	InReplyToScreenName string      `json:"in_reply_to_screen_name"`
	RetweetedStatus     *jsonStatus `json:"retweeted_status"`
	Favorited           *bool       `json:"favorited"`
	Entities            struct {
		Media []jsonMedia `json:"media"`
	} `json:"entities"`
	ExtendedEntities struct {
		Media []jsonMedia `json:"media"`
	} `json:"extended_entities"`
	Attachments []jsonAttachment `json:"attachments"`
}

// --- Conversion ----------------------------------------------------------------

// converter turns wire JSON into model values for one account.
type converter struct {
	originID int64
	host     string // used to build webfinger ids and profile URLs
	direct   bool   // direct messages are never public
}

func (c *converter) subject(u *jsonUser) *model.Subject {
	if u == nil {
		return nil
	}
	oid := firstNonEmpty(u.IDStr, u.ID.String())
	s := &model.Subject{
		OriginID:       c.originID,
		Oid:            oid,
		Username:       u.ScreenName,
		RealName:       u.Name,
		Description:    u.Description,
		Location:       u.Location,
		Homepage:       u.URL,
		AvatarURL:      firstNonEmpty(u.ProfileImageHTTPS, u.ProfileImageURL),
		BannerURL:      u.ProfileBannerURL,
		ProfileURL:     u.StatusnetProfileURL,
		MsgCount:       u.StatusesCount,
		FavoritesCount: u.FavouritesCount,
		FollowingCount: u.FriendsCount,
		FollowersCount: u.FollowersCount,
		CreatedDate:    parseDate(u.CreatedAt),
	}
	if u.ScreenName != "" && c.host != "" {
		s.WebfingerID = u.ScreenName + "@" + c.host
		if s.ProfileURL == "" {
			s.ProfileURL = "https://" + c.host + "/" + u.ScreenName
		}
	}
	if u.Following != nil {
		s.FollowedByActor = model.TriStateOf(*u.Following)
	}
	if u.Status != nil {
		latest := c.message(u.Status)
		if latest != nil {
			latest.Sender = &model.Subject{OriginID: c.originID, Oid: oid, Username: u.ScreenName, Partial: true}
			s.LatestMessage = latest
		}
	}
	return s
}

func (c *converter) message(js *jsonStatus) *model.Message {
	if js == nil {
		return nil
	}
	oid := firstNonEmpty(js.IDStr, js.ID.String())
	m := &model.Message{
		OriginID:    c.originID,
		Oid:         oid,
		Body:        firstNonEmpty(js.FullText, js.Text, model.PlainText(js.StatusnetHTML)),
		Via:         model.PlainText(js.Source),
		URL:         firstNonEmpty(js.ExternalURL, js.URI),
		SentDate:    parseDate(js.CreatedAt),
		Status:      model.StatusLoaded,
		Public:      !c.direct,
		Sender:      c.subject(firstUser(js.User, js.Sender)),
		Recipient:   c.subject(js.Recipient),
		Attachments: attachments(js),
	}
	m.CreatedDate = m.SentDate

	// "favorited" is reported from the authenticated account's point of
	// view, so the actor stays nil (the account itself).
	if js.Favorited != nil {
		m.FavoritedByActor = model.TriStateOf(*js.Favorited)
	}

	if js.RetweetedStatus != nil {
		m.ReblogOf = c.message(js.RetweetedStatus)
	}

	if replyOid := firstNonEmpty(js.InReplyToStatusStr, js.InReplyToStatusID.String()); replyOid != "" {
		reply := &model.Message{OriginID: c.originID, Oid: replyOid, Status: model.StatusUnknown}
		if userOid := firstNonEmpty(js.InReplyToUserStr, js.InReplyToUserID.String()); userOid != "" {
			reply.Sender = model.NewSubjectRef(c.originID, userOid, js.InReplyToScreenName)
		}
		m.InReplyTo = reply
	}
	return m
}

func attachments(js *jsonStatus) []model.Attachment {
	var out []model.Attachment
	seen := map[string]bool{}
	add := func(uri, mimeType string) {
		if uri == "" || seen[uri] {
			return
		}
		seen[uri] = true
		out = append(out, model.NewAttachment(uri, mimeType))
	}
	media := js.ExtendedEntities.Media
	if len(media) == 0 {
		media = js.Entities.Media
	}
	for _, m := range media {
		add(firstNonEmpty(m.MediaURLHTTPS, m.MediaURL), m.Type)
	}
	for _, a := range js.Attachments {
		add(a.URL, a.MimeType)
	}
	return out
}

// parseDate accepts the API's created_at format, falling back to RFC 3339.
// An unparseable date yields the zero time.
func parseDate(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{dateLayout, time.RFC3339, time.RFC1123Z} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(u.Hostname(), "api.")
}

func firstUser(users ...*jsonUser) *jsonUser {
	for _, u := range users {
		if u != nil {
			return u
		}
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
