package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
	"unicode/utf8"
)

// errTextLimit bounds stored per-recipient error text.
const errTextLimit = 512

// AddRecipients inserts fresh pending entries for the campaign and
// returns the number inserted.
func (s *Store) AddRecipients(ctx context.Context, campaignID int64, targets []Target) (int, error) {
	if len(targets) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO campaign_recipients(campaign_id, target_id, username, access_hash, status)
		 VALUES(?,?,?,?,?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	for _, t := range targets {
		if _, err := stmt.ExecContext(ctx, campaignID, t.ID, t.Username, t.AccessHash, string(RecipientPending)); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(targets), nil
}

// PendingBatch reads up to limit pending recipients in insertion order.
func (s *Store) PendingBatch(ctx context.Context, campaignID int64, limit int) ([]*Recipient, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, campaign_id, target_id, username, access_hash, status, sent_at, error
		 FROM campaign_recipients
		 WHERE campaign_id = ? AND status = ?
		 ORDER BY id LIMIT ?`,
		campaignID, string(RecipientPending), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecipients(rows)
}

// Recipients returns the campaign's full queue in insertion order.
func (s *Store) Recipients(ctx context.Context, campaignID int64) ([]*Recipient, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, campaign_id, target_id, username, access_hash, status, sent_at, error
		 FROM campaign_recipients WHERE campaign_id = ? ORDER BY id`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecipients(rows)
}

// MarkRecipientSent is the pending -> sent terminal write.
func (s *Store) MarkRecipientSent(ctx context.Context, id int64, at time.Time) error {
	return s.markRecipient(ctx, id, RecipientSent, at, "")
}

// MarkRecipientFailed is the pending -> failed terminal write. Error
// text is truncated to a bounded length.
func (s *Store) MarkRecipientFailed(ctx context.Context, id int64, errText string) error {
	return s.markRecipient(ctx, id, RecipientFailed, time.Time{}, truncate(errText, errTextLimit))
}

func (s *Store) markRecipient(ctx context.Context, id int64, to RecipientStatus, at time.Time, errText string) error {
	// write-once: the row must still be pending
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaign_recipients SET status = ?, sent_at = ?, error = ?
		 WHERE id = ? AND status = ?`,
		string(to), ms(at), errText, id, string(RecipientPending))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CopyRecipients duplicates the source campaign's full original target
// set into dst as fresh pending entries ("repeat" clone semantics).
func (s *Store) CopyRecipients(ctx context.Context, srcCampaignID, dstCampaignID int64) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO campaign_recipients(campaign_id, target_id, username, access_hash, status)
		 SELECT DISTINCT ?, target_id, username, access_hash, ?
		 FROM campaign_recipients WHERE campaign_id = ?`,
		dstCampaignID, string(RecipientPending), srcCampaignID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// RequeueRound re-inserts the campaign's distinct original target set as
// fresh pending rows for the next repeat round, decrements the remaining
// round counter and defers the campaign until notBefore. It reports
// whether a round was actually consumed.
func (s *Store) RequeueRound(ctx context.Context, campaignID int64, notBefore time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE campaigns SET repeat_remaining = repeat_remaining - 1, not_before = ?, updated_at = ?
		 WHERE id = ? AND repeat_remaining > 0`,
		ms(notBefore), ms(time.Now()), campaignID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO campaign_recipients(campaign_id, target_id, username, access_hash, status)
		 SELECT DISTINCT campaign_id, target_id, username, access_hash, ?
		 FROM campaign_recipients WHERE campaign_id = ?`,
		string(RecipientPending), campaignID); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func scanRecipients(rows *sql.Rows) ([]*Recipient, error) {
	var out []*Recipient
	for rows.Next() {
		var (
			r      Recipient
			status string
			sentAt int64
		)
		if err := rows.Scan(&r.ID, &r.CampaignID, &r.TargetID, &r.Username, &r.AccessHash,
			&status, &sentAt, &r.Error); err != nil {
			return nil, err
		}
		r.Status = RecipientStatus(status)
		r.SentAt = fromMS(sentAt)
		out = append(out, &r)
	}
	return out, rows.Err()
}

func scanRecipient(row *sql.Row) (*Recipient, error) {
	var (
		r      Recipient
		status string
		sentAt int64
	)
	err := row.Scan(&r.ID, &r.CampaignID, &r.TargetID, &r.Username, &r.AccessHash,
		&status, &sentAt, &r.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Status = RecipientStatus(status)
	r.SentAt = fromMS(sentAt)
	return &r, nil
}

// RecipientByID is used by tests and diagnostics.
func (s *Store) RecipientByID(ctx context.Context, id int64) (*Recipient, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, campaign_id, target_id, username, access_hash, status, sent_at, error
		 FROM campaign_recipients WHERE id = ?`, id)
	return scanRecipient(row)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// back off to a rune boundary so the stored text stays valid UTF-8
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
