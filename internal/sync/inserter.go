package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/njoerd114/timelinerelay/internal/model"
	"github.com/njoerd114/timelinerelay/internal/state"
)

// maxMergeDepth bounds recursion through inReplyTo, replies and latest
// messages.
const maxMergeDepth = 32

// Inserter merges normalized items into the store on behalf of one account
// and one timeline. It is owned by a single run.
type Inserter struct {
	store    Store
	acct     *Account
	timeline model.TimelineType
	filter   *KeywordFilter
	latest   *LatestSubjectMessages
	log      *slog.Logger

	// ownerID is the subject whose timeline is being read: the account,
	// or the target of a subject-scoped timeline.
	ownerID int64

	result     Result
	inProgress map[string]bool
}

// NewInserter creates an Inserter. acct.SubjectID must already be set.
func NewInserter(store Store, acct *Account, timeline model.TimelineType, filter *KeywordFilter, latest *LatestSubjectMessages, logger *slog.Logger) *Inserter {
	if latest == nil {
		latest = NewLatestSubjectMessages()
	}
	return &Inserter{
		store:      store,
		acct:       acct,
		timeline:   timeline,
		filter:     filter,
		latest:     latest,
		log:        logger,
		ownerID:    acct.SubjectID,
		inProgress: make(map[string]bool),
	}
}

// Result returns the counters accumulated so far.
func (in *Inserter) Result() Result { return in.result }

// MergeMessage merges m and everything embedded in it. It returns the
// local id of the stored message, or 0 when m was skipped or failed. A
// failure is logged and counted; it never stops the caller.
func (in *Inserter) MergeMessage(ctx context.Context, m *model.Message) int64 {
	return in.mergeMessage(ctx, m, false, 0)
}

// MergeSubject merges s and returns its local id, or 0 when s is empty or
// failed.
func (in *Inserter) MergeSubject(ctx context.Context, s *model.Subject) int64 {
	if s.IsEmpty() {
		return 0
	}
	id, err := in.mergeSubject(ctx, s, 0)
	if err != nil {
		in.result.Errors++
		in.log.Error("merging subject failed", "oid", s.Oid, "username", s.Username, "error", err)
		return 0
	}
	if id != 0 && in.timeline == model.TimelineFollowers && in.ownerID != 0 && id != in.ownerID {
		if err := in.store.SetFollow(ctx, id, in.ownerID, true); err != nil {
			in.log.Error("recording follower failed", "subject_id", id, "error", err)
		}
	}
	return id
}

func (in *Inserter) mergeMessage(ctx context.Context, m *model.Message, suppressSender bool, depth int) int64 {
	if m.IsEmpty() {
		in.log.Debug("skipping empty message")
		return 0
	}
	if depth > maxMergeDepth {
		in.log.Warn("message nesting too deep, skipping", "oid", m.Oid, "depth", depth)
		return 0
	}
	if m.OriginID == 0 {
		m.OriginID = in.acct.OriginID
	}
	if !in.enter(m.Oid) {
		// A message higher up the stack refers back to m, e.g. a reply
		// inlined under its parent. Link to its row if it has one already.
		id, err := in.store.MessageIDByOid(ctx, m.OriginID, m.Oid)
		if err != nil || id == 0 {
			in.log.Warn("message cycle detected, skipping", "oid", m.Oid, "error", err)
			return 0
		}
		return id
	}
	defer in.leave(m.Oid)

	id, err := in.merge(ctx, m, suppressSender, depth)
	if err != nil {
		in.result.Errors++
		in.log.Error("merging message failed", "oid", m.Oid, "error", err)
		return 0
	}
	return id
}

// enter marks oid as being merged. It returns false if oid is already in
// progress higher up the stack.
func (in *Inserter) enter(oid string) bool {
	if oid == "" {
		return true
	}
	if in.inProgress[oid] {
		return false
	}
	in.inProgress[oid] = true
	return true
}

func (in *Inserter) leave(oid string) {
	if oid != "" {
		delete(in.inProgress, oid)
	}
}

func (in *Inserter) merge(ctx context.Context, m *model.Message, suppressSender bool, depth int) (int64, error) {
	acctID := in.acct.SubjectID

	actorID, err := in.resolveActor(ctx, m.Actor, acctID, depth)
	if err != nil {
		return 0, err
	}

	senderID, err := in.resolveSender(ctx, m.Sender, suppressSender, depth)
	if err != nil {
		return 0, fmt.Errorf("sender: %w", err)
	}
	authorID := senderID
	if m.ReblogOf == nil && !m.Author.IsEmpty() {
		if authorID, err = in.resolveSender(ctx, m.Author, suppressSender, depth); err != nil {
			return 0, fmt.Errorf("author: %w", err)
		}
	}

	// Reblogs are unwrapped: the original is stored and the reblog becomes
	// an annotation of the reblogger.
	msg := m
	var rebloggerID int64
	var reblogOid string
	var reblogDate time.Time
	if m.ReblogOf != nil && !m.ReblogOf.IsEmpty() {
		orig := *m.ReblogOf
		if orig.OriginID == 0 {
			orig.OriginID = m.OriginID
		}
		if orig.Oid != "" && orig.Oid != m.Oid {
			if !in.enter(orig.Oid) {
				return 0, fmt.Errorf("reblog of %q refers back to itself", orig.Oid)
			}
			defer in.leave(orig.Oid)
		}

		if orig.Author.IsEmpty() {
			orig.Author = orig.Sender
		}
		authorID, err = in.resolveSender(ctx, orig.Author, false, depth)
		if err != nil {
			return 0, fmt.Errorf("reblogged author: %w", err)
		}
		rebloggerID, reblogOid, reblogDate = senderID, m.Oid, m.SentDate
		senderID = authorID

		if orig.Oid == "" {
			orig.Oid = m.Oid
		}
		if orig.SentDate.IsZero() {
			orig.SentDate = m.SentDate
		}
		if orig.CreatedDate.IsZero() {
			orig.CreatedDate = m.CreatedDate
		}
		if orig.Actor != nil {
			if actorID, err = in.resolveActor(ctx, orig.Actor, acctID, depth); err != nil {
				return 0, err
			}
		}
		msg = &orig
	}

	// A row already stored under the oid wins; otherwise a preset id (a
	// local Sending row) adopts the oid the server assigned.
	id, err := in.store.MessageIDByOid(ctx, msg.OriginID, msg.Oid)
	if err != nil {
		return 0, err
	}
	if id == 0 {
		id = msg.ID
	}
	var stored *state.MessageState
	if id != 0 {
		if stored, err = in.store.MessageState(ctx, id); err != nil {
			return 0, err
		}
		if stored == nil {
			id = 0
		}
	}

	firstTime := stored == nil || (msg.Status == model.StatusLoaded && stored.Status != model.StatusLoaded)
	draftUpdated := !firstTime && msg.Status.IsUnsent() && stored.Status.IsUnsent()

	row := &state.MessageRow{OriginID: msg.OriginID, Oid: msg.Oid}
	if firstTime || draftUpdated {
		row.SenderID = senderID
		row.AuthorID = authorID
		row.Body = msg.Body
		row.Via = msg.Via
		row.URL = msg.URL
		row.Status = msg.Status
		row.Public = msg.Public
		row.CreatedDate = msg.CreatedDate
	}

	newer := !msg.SentDate.IsZero() && (stored == nil || msg.SentDate.After(stored.SentDate))
	if newer {
		row.SentDate = msg.SentDate
	}

	ann := &state.Annotation{SubjectID: acctID}

	if msg.Recipient != nil && !msg.Recipient.IsEmpty() {
		recipientID, err := in.mergeSubject(ctx, msg.Recipient, depth+1)
		if err != nil {
			return 0, fmt.Errorf("recipient: %w", err)
		}
		row.RecipientID = recipientID
		if acctID != 0 && (recipientID == acctID || senderID == acctID) {
			ann.Directed = model.True
		}
	}

	// Timeline-derived flags apply to the items of the page, not to the
	// messages they embed.
	onPage := depth == 0
	if msg.Subscribed.Bool(true) &&
		((onPage && in.timeline == model.TimelineHome) || (msg.Public && authorID != 0 && authorID == acctID)) {
		ann.Subscribed = model.True
	}

	if msg.FavoritedByActor.Known() && actorID == acctID {
		ann.Favorited = msg.FavoritedByActor
	}

	mentioned := onPage && in.timeline == model.TimelineMentions
	inReplyToUserID, err := in.resolveInReplyTo(ctx, msg, row, depth)
	if err != nil {
		return 0, err
	}
	if inReplyToUserID != 0 && inReplyToUserID == acctID {
		ann.Replied = model.True
		mentioned = true
	}
	if !mentioned && model.MentionsUsername(msg.Body, in.acct.Username) {
		mentioned = true
	}
	if mentioned {
		ann.Mentioned = model.True
	}

	if id == 0 {
		if id, err = in.store.InsertMessage(ctx, row); err != nil {
			return 0, err
		}
	} else if err := in.store.UpdateMessage(ctx, id, row); err != nil {
		return 0, err
	}
	msg.ID = id
	m.ID = id

	if firstTime || draftUpdated {
		if err := in.saveAttachments(ctx, id, msg.Attachments); err != nil {
			return 0, err
		}
	}

	if acctID != 0 {
		ann.MsgID = id
		if err := in.store.UpsertAnnotation(ctx, ann); err != nil {
			return 0, err
		}
	}
	if rebloggerID != 0 && rebloggerID != authorID {
		err := in.store.UpsertAnnotation(ctx, &state.Annotation{
			SubjectID: rebloggerID,
			MsgID:     id,
			Reblogged: model.True,
			ReblogOid: reblogOid,
		})
		if err != nil {
			return 0, err
		}
	}

	if onPage && newer && !in.filter.Matches(msg.Body) {
		in.result.Downloaded++
		in.result.NewMessages++
		if mentioned {
			in.result.Mentions++
		}
		if ann.Directed == model.True {
			in.result.Directs++
		}
	}

	if rebloggerID != 0 {
		in.latest.OnNew(rebloggerID, id, reblogDate)
	}
	in.latest.OnNew(senderID, id, msg.SentDate)
	if authorID != senderID {
		in.latest.OnNew(authorID, id, msg.SentDate)
	}

	for _, reply := range msg.Replies {
		replyID := in.mergeMessage(ctx, reply, false, depth+1)
		if replyID == 0 || reply.InReplyTo != nil {
			continue
		}
		link := &state.MessageRow{InReplyToMsgID: id, InReplyToUserID: senderID}
		if err := in.store.UpdateMessage(ctx, replyID, link); err != nil {
			in.log.Error("linking reply failed", "oid", reply.Oid, "error", err)
		}
	}

	return id, nil
}

// resolveActor returns the local id of actor, defaulting to the account.
func (in *Inserter) resolveActor(ctx context.Context, actor *model.Subject, acctID int64, depth int) (int64, error) {
	if actor.IsEmpty() {
		return acctID, nil
	}
	id, err := in.mergeSubject(ctx, actor, depth+1)
	if err != nil {
		return 0, fmt.Errorf("actor: %w", err)
	}
	if id == 0 {
		return acctID, nil
	}
	return id, nil
}

// resolveSender returns the local id of s. With suppress set, a known
// subject is only looked up; an unknown one is still merged.
func (in *Inserter) resolveSender(ctx context.Context, s *model.Subject, suppress bool, depth int) (int64, error) {
	if s.IsEmpty() {
		return 0, nil
	}
	if suppress {
		id, err := in.lookupSubject(ctx, s)
		if err != nil || id != 0 {
			return id, err
		}
	}
	return in.mergeSubject(ctx, s, depth+1)
}

// resolveInReplyTo fills the reply columns of row and returns the user
// being replied to. Without structured reply data a leading "@name" in the
// body is used instead.
func (in *Inserter) resolveInReplyTo(ctx context.Context, msg *model.Message, row *state.MessageRow, depth int) (int64, error) {
	if msg.InReplyTo != nil && !msg.InReplyTo.IsEmpty() {
		parent := msg.InReplyTo
		if parent.OriginID == 0 {
			parent.OriginID = msg.OriginID
		}
		parentID := in.mergeMessage(ctx, parent, true, depth+1)
		row.InReplyToMsgID = parentID

		var userID int64
		if parent.Sender != nil {
			id, err := in.lookupSubject(ctx, parent.Sender)
			if err != nil {
				return 0, err
			}
			userID = id
		}
		if userID == 0 && parentID != 0 {
			st, err := in.store.MessageState(ctx, parentID)
			if err != nil {
				return 0, err
			}
			if st != nil {
				userID = st.SenderID
			}
		}
		row.InReplyToUserID = userID
		return userID, nil
	}

	name := model.ReplyToUsername(msg.Body)
	if name == "" {
		return 0, nil
	}
	userID, err := in.mergeSubject(ctx, &model.Subject{OriginID: msg.OriginID, Username: name, Partial: true}, depth+1)
	if err != nil {
		return 0, fmt.Errorf("mentioned user %q: %w", name, err)
	}
	row.InReplyToUserID = userID
	return userID, nil
}

func (in *Inserter) saveAttachments(ctx context.Context, msgID int64, atts []model.Attachment) error {
	keep := make([]int64, 0, len(atts))
	for _, att := range atts {
		if att.URI == "" {
			continue
		}
		did, err := in.store.UpsertDownload(ctx, msgID, att)
		if err != nil {
			return err
		}
		keep = append(keep, did)
	}
	return in.store.DeleteOtherDownloads(ctx, msgID, keep)
}

// --- Subjects ------------------------------------------------------------------

// lookupSubject finds the local id of s without writing: by oid, then by
// the temp oid of its username, then (for subjects without a real oid) by
// username.
func (in *Inserter) lookupSubject(ctx context.Context, s *model.Subject) (int64, error) {
	id, _, err := in.findSubject(ctx, s)
	return id, err
}

// findSubject also reports whether the row found is a temp-oid stub that
// should adopt the real oid of s.
func (in *Inserter) findSubject(ctx context.Context, s *model.Subject) (int64, bool, error) {
	if model.IsRealOid(s.Oid) {
		id, err := in.store.SubjectIDByOid(ctx, s.OriginID, s.Oid)
		if err != nil || id != 0 || s.Username == "" {
			return id, false, err
		}
		id, err = in.store.SubjectIDByOid(ctx, s.OriginID, model.TempOid(s.Username))
		return id, id != 0, err
	}
	if s.Oid != "" {
		id, err := in.store.SubjectIDByOid(ctx, s.OriginID, s.Oid)
		if err != nil || id != 0 {
			return id, false, err
		}
	}
	id, err := in.store.SubjectIDByUsername(ctx, s.OriginID, s.Username)
	return id, false, err
}

func (in *Inserter) mergeSubject(ctx context.Context, s *model.Subject, depth int) (int64, error) {
	if s.IsEmpty() {
		return 0, nil
	}
	if s.OriginID == 0 {
		s.OriginID = in.acct.OriginID
	}

	id, adopt, err := in.findSubject(ctx, s)
	if err != nil {
		return 0, err
	}

	if id == 0 || adopt || !s.IsPartiallyDefined() {
		row := subjectRow(s)
		if id == 0 {
			if row.Username == "" {
				row.Username = "id:" + s.Oid
			}
			if row.WebfingerID == "" {
				row.WebfingerID = row.Username
			}
			if row.RealName == "" {
				row.RealName = row.Username
			}
			if !model.IsRealOid(s.Oid) {
				row.Oid = model.TempOid(row.Username)
			}
			if id, err = in.store.InsertSubject(ctx, row); err != nil {
				return 0, err
			}
		} else {
			if !adopt {
				row.Oid = ""
			}
			if err := in.store.UpdateSubject(ctx, id, row); err != nil {
				return 0, err
			}
		}
	}
	s.ID = id

	if s.FollowedByActor.Known() {
		observerID := in.acct.SubjectID
		if !s.Actor.IsEmpty() {
			if observerID, err = in.lookupSubject(ctx, s.Actor); err != nil {
				return 0, err
			}
		}
		if observerID != 0 && observerID == in.acct.SubjectID && observerID != id {
			if err := in.store.SetFollow(ctx, observerID, id, s.FollowedByActor == model.True); err != nil {
				return 0, err
			}
		}
	}

	if lm := s.LatestMessage; lm != nil && !lm.IsEmpty() {
		latest := *lm
		if latest.OriginID == 0 {
			latest.OriginID = s.OriginID
		}
		if latest.Sender.IsEmpty() {
			latest.Sender = model.NewSubjectRef(s.OriginID, s.Oid, s.Username)
		}
		in.mergeMessage(ctx, &latest, true, depth+1)
	}
	return id, nil
}

func subjectRow(s *model.Subject) *state.SubjectRow {
	return &state.SubjectRow{
		OriginID:       s.OriginID,
		Oid:            s.Oid,
		Username:       s.Username,
		WebfingerID:    s.WebfingerID,
		RealName:       s.RealName,
		AvatarURL:      s.AvatarURL,
		BannerURL:      s.BannerURL,
		Homepage:       s.Homepage,
		ProfileURL:     s.ProfileURL,
		Description:    s.Description,
		Location:       s.Location,
		MsgCount:       s.MsgCount,
		FavoritesCount: s.FavoritesCount,
		FollowingCount: s.FollowingCount,
		FollowersCount: s.FollowersCount,
		CreatedDate:    s.CreatedDate,
		UpdatedDate:    s.UpdatedDate,
	}
}
