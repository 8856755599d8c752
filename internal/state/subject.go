package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SubjectRow is a row of the subject table. When written, zero-valued
// fields are left untouched so a sparse profile never clears known data.
type SubjectRow struct {
	ID             int64
	OriginID       int64
	Oid            string
	Username       string
	WebfingerID    string
	RealName       string
	AvatarURL      string
	BannerURL      string
	Homepage       string
	ProfileURL     string
	Description    string
	Location       string
	MsgCount       int64
	FavoritesCount int64
	FollowingCount int64
	FollowersCount int64
	CreatedDate    time.Time
	UpdatedDate    time.Time

	// Maintained by AdvanceLatestMessage only.
	LatestMsgID   int64
	LatestMsgDate time.Time
}

func (r *SubjectRow) columns() *columns {
	c := &columns{}
	c.str("username", r.Username)
	c.str("webfinger_id", r.WebfingerID)
	c.str("real_name", r.RealName)
	c.str("avatar_url", r.AvatarURL)
	c.str("banner_url", r.BannerURL)
	c.str("homepage", r.Homepage)
	c.str("profile_url", r.ProfileURL)
	c.str("description", r.Description)
	c.str("location", r.Location)
	c.id("msg_count", r.MsgCount)
	c.id("favorites_count", r.FavoritesCount)
	c.id("following_count", r.FollowingCount)
	c.id("followers_count", r.FollowersCount)
	c.date("created_date", r.CreatedDate)
	c.date("updated_date", r.UpdatedDate)
	return c
}

// SubjectIDByOid returns the local id of (originID, oid), or 0 if unknown.
func (s *Store) SubjectIDByOid(ctx context.Context, originID int64, oid string) (int64, error) {
	if oid == "" {
		return 0, nil
	}
	id, err := lookupID(ctx, s.db, `SELECT id FROM subject WHERE origin_id = ? AND oid = ?`, originID, oid)
	if err != nil {
		return 0, fmt.Errorf("looking up subject %q: %w", oid, err)
	}
	return id, nil
}

// SubjectIDByUsername returns the id of a subject whose username or
// webfinger id equals name, or 0. The lowest id wins when several match.
func (s *Store) SubjectIDByUsername(ctx context.Context, originID int64, name string) (int64, error) {
	if name == "" {
		return 0, nil
	}
	const q = `
		SELECT id FROM subject
		WHERE origin_id = ? AND (username = ? OR webfinger_id = ?)
		ORDER BY id LIMIT 1`
	id, err := lookupID(ctx, s.db, q, originID, name, name)
	if err != nil {
		return 0, fmt.Errorf("looking up subject by username %q: %w", name, err)
	}
	return id, nil
}

// InsertSubject stores a new subject and returns its id. A row that already
// exists for (origin, oid) is updated instead.
func (s *Store) InsertSubject(ctx context.Context, row *SubjectRow) (int64, error) {
	var id int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = lookupID(ctx, tx, `SELECT id FROM subject WHERE origin_id = ? AND oid = ?`, row.OriginID, row.Oid)
		if err != nil {
			return err
		}
		c := row.columns()
		if id != 0 {
			if c.empty() {
				return nil
			}
			_, err = tx.ExecContext(ctx, `UPDATE subject SET `+c.setClause()+` WHERE id = ?`, append(c.args, id)...)
			return err
		}
		c.add("origin_id", row.OriginID)
		c.add("oid", row.Oid)
		res, err := tx.ExecContext(ctx,
			`INSERT INTO subject (`+c.nameList()+`) VALUES (`+c.placeholders()+`)`, c.args...)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("inserting subject %q: %w", row.Oid, err)
	}
	row.ID = id
	return id, nil
}

// UpdateSubject writes the non-zero fields of row to subject id. A non-empty
// Oid replaces the stored one, which is how a temp-oid stub adopts its real
// identity.
func (s *Store) UpdateSubject(ctx context.Context, id int64, row *SubjectRow) error {
	c := row.columns()
	c.str("oid", row.Oid)
	if c.empty() {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE subject SET `+c.setClause()+` WHERE id = ?`, append(c.args, id)...); err != nil {
		return fmt.Errorf("updating subject id=%d: %w", id, err)
	}
	return nil
}

// GetSubject returns the subject row with the given id, or (nil, nil).
func (s *Store) GetSubject(ctx context.Context, id int64) (*SubjectRow, error) {
	const q = `
		SELECT id, origin_id, oid, username, webfinger_id, real_name, avatar_url,
		       banner_url, homepage, profile_url, description, location,
		       msg_count, favorites_count, following_count, followers_count,
		       created_date, updated_date, latest_msg_id, latest_msg_date
		FROM subject WHERE id = ?`
	var r SubjectRow
	var created, updated, latest string
	err := s.db.QueryRowContext(ctx, q, id).Scan(&r.ID, &r.OriginID, &r.Oid, &r.Username,
		&r.WebfingerID, &r.RealName, &r.AvatarURL, &r.BannerURL, &r.Homepage, &r.ProfileURL,
		&r.Description, &r.Location, &r.MsgCount, &r.FavoritesCount, &r.FollowingCount,
		&r.FollowersCount, &created, &updated, &r.LatestMsgID, &latest)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("reading subject id=%d: %w", id, err)
	}
	r.CreatedDate, _ = parseTime(created)
	r.UpdatedDate, _ = parseTime(updated)
	r.LatestMsgDate, _ = parseTime(latest)
	return &r, nil
}

// CountSubjects returns the number of stored subjects.
func (s *Store) CountSubjects(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM subject`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting subjects: %w", err)
	}
	return n, nil
}

// AdvanceLatestMessage records msgID as the subject's most recent message if
// date is newer than the one already stored. It reports whether the row moved.
func (s *Store) AdvanceLatestMessage(ctx context.Context, subjectID, msgID int64, date time.Time) (bool, error) {
	const q = `
		UPDATE subject SET latest_msg_id = ?, latest_msg_date = ?
		WHERE id = ? AND (latest_msg_date = '' OR latest_msg_date < ?)`
	d := formatTime(date)
	res, err := s.db.ExecContext(ctx, q, msgID, d, subjectID, d)
	if err != nil {
		return false, fmt.Errorf("advancing latest message of subject id=%d: %w", subjectID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advancing latest message of subject id=%d: %w", subjectID, err)
	}
	return n > 0, nil
}
