package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/njoerd114/timelinerelay/internal/model"
)

// MessageRow is a row of the message table. When passed to InsertMessage or
// UpdateMessage, zero-valued fields are left untouched.
type MessageRow struct {
	ID              int64
	OriginID        int64
	Oid             string
	SenderID        int64
	AuthorID        int64
	RecipientID     int64
	InReplyToMsgID  int64
	InReplyToUserID int64
	Body            string
	Via             string
	URL             string
	Status          model.DownloadStatus
	Public          bool
	SentDate        time.Time
	CreatedDate     time.Time
}

func (r *MessageRow) columns() *columns {
	c := &columns{}
	c.id("sender_id", r.SenderID)
	c.id("author_id", r.AuthorID)
	c.id("recipient_id", r.RecipientID)
	c.id("in_reply_to_msg_id", r.InReplyToMsgID)
	c.id("in_reply_to_user_id", r.InReplyToUserID)
	c.str("body", r.Body)
	c.str("via", r.Via)
	c.str("url", r.URL)
	if r.Status != model.StatusUnknown {
		c.add("status", int(r.Status))
	}
	if r.Public {
		c.add("public", 1)
	}
	c.date("sent_date", r.SentDate)
	c.date("created_date", r.CreatedDate)
	return c
}

// MessageState is the subset of a stored message the merge engine needs to
// classify an incoming version.
type MessageState struct {
	Status   model.DownloadStatus
	SentDate time.Time
	SenderID int64
}

// MessageIDByOid returns the local id of (originID, oid), or 0 if unknown.
func (s *Store) MessageIDByOid(ctx context.Context, originID int64, oid string) (int64, error) {
	if oid == "" {
		return 0, nil
	}
	id, err := lookupID(ctx, s.db, `SELECT id FROM message WHERE origin_id = ? AND oid = ?`, originID, oid)
	if err != nil {
		return 0, fmt.Errorf("looking up message %q: %w", oid, err)
	}
	return id, nil
}

// MessageState returns the stored status, sent date and sender of a message,
// or (nil, nil) if no such row exists.
func (s *Store) MessageState(ctx context.Context, id int64) (*MessageState, error) {
	var st MessageState
	var status int
	var sent string
	err := s.db.QueryRowContext(ctx,
		`SELECT status, sent_date, sender_id FROM message WHERE id = ?`, id,
	).Scan(&status, &sent, &st.SenderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("reading message id=%d: %w", id, err)
	}
	st.Status = model.DownloadStatus(status)
	st.SentDate, _ = parseTime(sent)
	return &st, nil
}

// InsertMessage stores a new message and returns its id. If a concurrent run
// inserted the same (origin, oid) first, the existing row is updated instead
// and its id returned.
func (s *Store) InsertMessage(ctx context.Context, row *MessageRow) (int64, error) {
	var id int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if row.Oid != "" {
			id, err = lookupID(ctx, tx, `SELECT id FROM message WHERE origin_id = ? AND oid = ?`, row.OriginID, row.Oid)
			if err != nil {
				return err
			}
		}
		c := row.columns()
		if id != 0 {
			if c.empty() {
				return nil
			}
			_, err = tx.ExecContext(ctx, `UPDATE message SET `+c.setClause()+` WHERE id = ?`, append(c.args, id)...)
			return err
		}
		c.add("origin_id", row.OriginID)
		c.add("oid", row.Oid)
		res, err := tx.ExecContext(ctx,
			`INSERT INTO message (`+c.nameList()+`) VALUES (`+c.placeholders()+`)`, c.args...)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("inserting message %q: %w", row.Oid, err)
	}
	row.ID = id
	return id, nil
}

// UpdateMessage writes the non-zero fields of row to message id. A non-empty
// Oid is written too, so a local draft can adopt its server oid.
func (s *Store) UpdateMessage(ctx context.Context, id int64, row *MessageRow) error {
	c := row.columns()
	c.str("oid", row.Oid)
	if c.empty() {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE message SET `+c.setClause()+` WHERE id = ?`, append(c.args, id)...); err != nil {
		return fmt.Errorf("updating message id=%d: %w", id, err)
	}
	return nil
}

// GetMessage returns the message row with the given id, or (nil, nil).
func (s *Store) GetMessage(ctx context.Context, id int64) (*MessageRow, error) {
	const q = `
		SELECT id, origin_id, oid, sender_id, author_id, recipient_id,
		       in_reply_to_msg_id, in_reply_to_user_id, body, via, url,
		       status, public, sent_date, created_date
		FROM message WHERE id = ?`
	return scanMessage(s.db.QueryRowContext(ctx, q, id))
}

// CountMessages returns the number of stored messages.
func (s *Store) CountMessages(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM message`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return n, nil
}

func scanMessage(sc scanner) (*MessageRow, error) {
	var r MessageRow
	var status, public int
	var sent, created string
	err := sc.Scan(&r.ID, &r.OriginID, &r.Oid, &r.SenderID, &r.AuthorID, &r.RecipientID,
		&r.InReplyToMsgID, &r.InReplyToUserID, &r.Body, &r.Via, &r.URL,
		&status, &public, &sent, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning message row: %w", err)
	}
	r.Status = model.DownloadStatus(status)
	r.Public = public != 0
	r.SentDate, _ = parseTime(sent)
	r.CreatedDate, _ = parseTime(created)
	return &r, nil
}
