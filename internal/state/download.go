package state

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/njoerd114/timelinerelay/internal/model"
)

// Download is a pending or finished attachment fetch. Fetching the bytes is
// done elsewhere; this package only tracks the rows.
type Download struct {
	ID          int64
	MsgID       int64
	ContentType string
	URI         string
	Status      model.DownloadStatus
}

// UpsertDownload returns the id of the download row for (msgID, uri),
// creating it with status Unknown if absent.
func (s *Store) UpsertDownload(ctx context.Context, msgID int64, att model.Attachment) (int64, error) {
	var id int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO download (msg_id, content_type, uri) VALUES (?, ?, ?)
			ON CONFLICT(msg_id, uri) DO UPDATE SET content_type = excluded.content_type`,
			msgID, att.ContentType.String(), att.URI); err != nil {
			return err
		}
		var err error
		id, err = lookupID(ctx, tx, `SELECT id FROM download WHERE msg_id = ? AND uri = ?`, msgID, att.URI)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("upserting download %q: %w", att.URI, err)
	}
	return id, nil
}

// DeleteOtherDownloads removes the download rows of msgID whose ids are not
// in keep.
func (s *Store) DeleteOtherDownloads(ctx context.Context, msgID int64, keep []int64) error {
	q := `DELETE FROM download WHERE msg_id = ?`
	args := []any{msgID}
	if len(keep) > 0 {
		q += ` AND id NOT IN (` + strings.TrimSuffix(strings.Repeat("?, ", len(keep)), ", ") + `)`
		for _, id := range keep {
			args = append(args, id)
		}
	}
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("deleting stale downloads of message id=%d: %w", msgID, err)
	}
	return nil
}

// Downloads lists the download rows of a message ordered by id.
func (s *Store) Downloads(ctx context.Context, msgID int64) ([]Download, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, msg_id, content_type, uri, status FROM download WHERE msg_id = ? ORDER BY id`, msgID)
	if err != nil {
		return nil, fmt.Errorf("querying downloads of message id=%d: %w", msgID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Download
	for rows.Next() {
		var d Download
		var status int
		if err := rows.Scan(&d.ID, &d.MsgID, &d.ContentType, &d.URI, &status); err != nil {
			return nil, fmt.Errorf("scanning download row: %w", err)
		}
		d.Status = model.DownloadStatus(status)
		out = append(out, d)
	}
	return out, rows.Err()
}
