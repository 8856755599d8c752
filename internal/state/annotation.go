package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/njoerd114/timelinerelay/internal/model"
)

// Annotation holds one subject's relationship flags for one message. Flags
// left Unknown are not written, so a later sync that knows less never erases
// what an earlier one recorded.
type Annotation struct {
	SubjectID  int64
	MsgID      int64
	Subscribed model.TriState
	Favorited  model.TriState
	Reblogged  model.TriState
	Mentioned  model.TriState
	Replied    model.TriState
	Directed   model.TriState

	// ReblogOid is the wrapper oid of the subject's reblog, kept for undo.
	ReblogOid string
}

func (a *Annotation) columns() *columns {
	c := &columns{}
	tri := func(name string, v model.TriState) {
		if v.Known() {
			c.add(name, int(v))
		}
	}
	tri("subscribed", a.Subscribed)
	tri("favorited", a.Favorited)
	tri("reblogged", a.Reblogged)
	tri("mentioned", a.Mentioned)
	tri("replied", a.Replied)
	tri("directed", a.Directed)
	c.str("reblog_oid", a.ReblogOid)
	return c
}

// IsEmpty reports whether a has nothing to write.
func (a *Annotation) IsEmpty() bool {
	return a.columns().empty()
}

// Merge folds the known flags of incoming into a.
func (a *Annotation) Merge(incoming *Annotation) {
	a.Subscribed = a.Subscribed.Coalesce(incoming.Subscribed)
	a.Favorited = a.Favorited.Coalesce(incoming.Favorited)
	a.Reblogged = a.Reblogged.Coalesce(incoming.Reblogged)
	a.Mentioned = a.Mentioned.Coalesce(incoming.Mentioned)
	a.Replied = a.Replied.Coalesce(incoming.Replied)
	a.Directed = a.Directed.Coalesce(incoming.Directed)
	if incoming.ReblogOid != "" {
		a.ReblogOid = incoming.ReblogOid
	}
}

const selectAnnotation = `
	SELECT subscribed, favorited, reblogged, mentioned, replied, directed, reblog_oid
	FROM msg_of_user WHERE subject_id = ? AND msg_id = ?`

// UpsertAnnotation merges the known flags of a into the (subject, message)
// row, creating the row when needed.
func (s *Store) UpsertAnnotation(ctx context.Context, a *Annotation) error {
	if a.SubjectID == 0 || a.MsgID == 0 || a.IsEmpty() {
		return nil
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		merged, err := scanAnnotation(tx.QueryRowContext(ctx, selectAnnotation, a.SubjectID, a.MsgID), a.SubjectID, a.MsgID)
		if err != nil {
			return err
		}
		if merged == nil {
			merged = &Annotation{SubjectID: a.SubjectID, MsgID: a.MsgID}
		}
		merged.Merge(a)
		_, err = tx.ExecContext(ctx, `
			INSERT INTO msg_of_user (subject_id, msg_id, subscribed, favorited, reblogged, mentioned, replied, directed, reblog_oid)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(subject_id, msg_id) DO UPDATE SET
				subscribed = excluded.subscribed, favorited = excluded.favorited,
				reblogged = excluded.reblogged, mentioned = excluded.mentioned,
				replied = excluded.replied, directed = excluded.directed,
				reblog_oid = excluded.reblog_oid`,
			merged.SubjectID, merged.MsgID,
			int(merged.Subscribed), int(merged.Favorited), int(merged.Reblogged),
			int(merged.Mentioned), int(merged.Replied), int(merged.Directed),
			merged.ReblogOid)
		return err
	})
	if err != nil {
		return fmt.Errorf("upserting annotation subject=%d msg=%d: %w", a.SubjectID, a.MsgID, err)
	}
	return nil
}

// GetAnnotation returns the annotation row, or (nil, nil) if none exists.
func (s *Store) GetAnnotation(ctx context.Context, subjectID, msgID int64) (*Annotation, error) {
	a, err := scanAnnotation(s.db.QueryRowContext(ctx, selectAnnotation, subjectID, msgID), subjectID, msgID)
	if err != nil {
		return nil, fmt.Errorf("reading annotation subject=%d msg=%d: %w", subjectID, msgID, err)
	}
	return a, nil
}

func scanAnnotation(sc scanner, subjectID, msgID int64) (*Annotation, error) {
	a := Annotation{SubjectID: subjectID, MsgID: msgID}
	var sub, fav, reb, men, rep, dir int
	err := sc.Scan(&sub, &fav, &reb, &men, &rep, &dir, &a.ReblogOid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, err
	}
	a.Subscribed = model.TriState(sub)
	a.Favorited = model.TriState(fav)
	a.Reblogged = model.TriState(reb)
	a.Mentioned = model.TriState(men)
	a.Replied = model.TriState(rep)
	a.Directed = model.TriState(dir)
	return &a, nil
}

// SetFollow records whether subjectID follows targetID.
func (s *Store) SetFollow(ctx context.Context, subjectID, targetID int64, followed bool) error {
	const q = `
		INSERT INTO follow (subject_id, target_id, followed) VALUES (?, ?, ?)
		ON CONFLICT(subject_id, target_id) DO UPDATE SET followed = excluded.followed`
	v := 0
	if followed {
		v = 1
	}
	if _, err := s.db.ExecContext(ctx, q, subjectID, targetID, v); err != nil {
		return fmt.Errorf("setting follow %d -> %d: %w", subjectID, targetID, err)
	}
	return nil
}

// Follows reports the recorded follow state of subjectID towards targetID.
func (s *Store) Follows(ctx context.Context, subjectID, targetID int64) (model.TriState, error) {
	var v int
	err := s.db.QueryRowContext(ctx,
		`SELECT followed FROM follow WHERE subject_id = ? AND target_id = ?`, subjectID, targetID,
	).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Unknown, nil
	}
	if err != nil {
		return model.Unknown, fmt.Errorf("reading follow %d -> %d: %w", subjectID, targetID, err)
	}
	return model.TriStateOf(v != 0), nil
}
