package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

const campaignCols = `id, owner_id, account_id, chat_id, status, kind, body,
	media_path, media_ref, sticker_set, sticker_index, mention,
	target_source, delay_seconds, limit_count,
	repeat_delay_seconds, repeat_count, repeat_remaining, not_before,
	price_per_message, created_at, updated_at`

// CreateCampaign inserts the row and fills ID/CreatedAt/UpdatedAt.
func (s *Store) CreateCampaign(ctx context.Context, c *Campaign) error {
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = StatusPending
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO campaigns(owner_id, account_id, chat_id, status, kind, body,
			media_path, media_ref, sticker_set, sticker_index, mention,
			target_source, delay_seconds, limit_count,
			repeat_delay_seconds, repeat_count, repeat_remaining, not_before,
			price_per_message, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.OwnerID, c.AccountID, c.ChatID, string(c.Status), string(c.Kind), c.Body,
		c.MediaPath, c.MediaRef, c.StickerSet, nullIndex(c.StickerIndex), boolInt(c.Mention),
		string(c.Source), c.DelaySeconds, c.LimitCount,
		c.RepeatDelaySeconds, c.RepeatCount, c.RepeatRemaining, ms(c.NotBefore),
		c.PricePerMessage, ms(c.CreatedAt), ms(c.UpdatedAt),
	)
	if err != nil {
		return err
	}
	c.ID, err = res.LastInsertId()
	return err
}

// Campaign returns an owner's campaign, or ErrNotFound. Ownership is
// enforced in the query, never assumed from context.
func (s *Store) Campaign(ctx context.Context, ownerID, id int64) (*Campaign, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+campaignCols+` FROM campaigns WHERE id = ? AND owner_id = ?`, id, ownerID)
	return scanCampaign(row)
}

// CampaignByID is the worker-side read; it spans owners.
func (s *Store) CampaignByID(ctx context.Context, id int64) (*Campaign, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+campaignCols+` FROM campaigns WHERE id = ?`, id)
	return scanCampaign(row)
}

// ListRunnable returns running campaigns whose not_before has passed,
// oldest first.
func (s *Store) ListRunnable(ctx context.Context, now time.Time) ([]*Campaign, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+campaignCols+` FROM campaigns
		 WHERE status = ? AND not_before <= ? ORDER BY id`,
		string(StatusRunning), ms(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCampaigns(rows)
}

// ListByOwner returns an owner's campaigns, newest first.
func (s *Store) ListByOwner(ctx context.Context, ownerID int64) ([]*Campaign, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+campaignCols+` FROM campaigns WHERE owner_id = ? ORDER BY id DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCampaigns(rows)
}

// SetStatus is a compare-and-set status transition. It reports whether
// the transition applied; a false return means the campaign was not in
// any of the from states (or does not exist).
func (s *Store) SetStatus(ctx context.Context, id int64, to CampaignStatus, from ...CampaignStatus) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("SetStatus requires at least one from state")
	}
	args := []any{string(to), ms(time.Now()), id}
	ph := make([]string, len(from))
	for i, st := range from {
		ph[i] = "?"
		args = append(args, string(st))
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET status = ?, updated_at = ? WHERE id = ? AND status IN (`+strings.Join(ph, ",")+`)`,
		args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetStatusOwned is the owner-facing variant of SetStatus.
func (s *Store) SetStatusOwned(ctx context.Context, ownerID, id int64, to CampaignStatus, from ...CampaignStatus) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("SetStatusOwned requires at least one from state")
	}
	args := []any{string(to), ms(time.Now()), id, ownerID}
	ph := make([]string, len(from))
	for i, st := range from {
		ph[i] = "?"
		args = append(args, string(st))
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET status = ?, updated_at = ?
		 WHERE id = ? AND owner_id = ? AND status IN (`+strings.Join(ph, ",")+`)`,
		args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// UpdateContent replaces content fields in any status without touching
// the recipient queue.
func (s *Store) UpdateContent(ctx context.Context, ownerID, id int64, u ContentUpdate) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET kind = ?, body = ?, media_path = ?, media_ref = ?,
			sticker_set = ?, sticker_index = ?, updated_at = ?
		 WHERE id = ? AND owner_id = ?`,
		string(u.Kind), u.Body, u.MediaPath, u.MediaRef,
		u.StickerSet, nullIndex(u.StickerIndex), ms(time.Now()),
		id, ownerID)
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

// DeleteCampaign removes the campaign and its recipient queue and
// returns the deleted row so the caller can remove owned artifacts.
// A second call reports ErrNotFound and mutates nothing.
func (s *Store) DeleteCampaign(ctx context.Context, ownerID, id int64) (*Campaign, error) {
	c, err := s.Campaign(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM campaign_recipients WHERE campaign_id = ?`, id); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM campaigns WHERE id = ? AND owner_id = ?`, id, ownerID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return c, nil
}

// Stats tallies the recipient queue in one pass.
func (s *Store) Stats(ctx context.Context, campaignID int64) (Stats, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(status = 'sent'), 0),
			COALESCE(SUM(status = 'failed'), 0)
		 FROM campaign_recipients WHERE campaign_id = ?`, campaignID)
	var st Stats
	if err := row.Scan(&st.Total, &st.Sent, &st.Failed); err != nil {
		return Stats{}, err
	}
	st.Pending = st.Total - st.Sent - st.Failed
	if st.Pending < 0 {
		st.Pending = 0
	}
	return st, nil
}

// TerminalBefore lists done/failed campaigns last updated before cutoff.
func (s *Store) TerminalBefore(ctx context.Context, cutoff time.Time) ([]*Campaign, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+campaignCols+` FROM campaigns
		 WHERE status IN (?, ?) AND updated_at < ? ORDER BY id`,
		string(StatusDone), string(StatusFailed), ms(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCampaigns(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (*Campaign, error) {
	var (
		c         Campaign
		status    string
		kind      string
		source    string
		stickerIx sql.NullInt64
		mention   int
		notBefore int64
		created   int64
		updated   int64
	)
	err := row.Scan(&c.ID, &c.OwnerID, &c.AccountID, &c.ChatID, &status, &kind, &c.Body,
		&c.MediaPath, &c.MediaRef, &c.StickerSet, &stickerIx, &mention,
		&source, &c.DelaySeconds, &c.LimitCount,
		&c.RepeatDelaySeconds, &c.RepeatCount, &c.RepeatRemaining, &notBefore,
		&c.PricePerMessage, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Status = CampaignStatus(status)
	c.Kind = ContentKind(kind)
	c.Source = TargetSource(source)
	c.StickerIndex = NoStickerIndex
	if stickerIx.Valid {
		c.StickerIndex = int(stickerIx.Int64)
	}
	c.Mention = mention != 0
	c.NotBefore = fromMS(notBefore)
	c.CreatedAt = fromMS(created)
	c.UpdatedAt = fromMS(updated)
	return &c, nil
}

func scanCampaigns(rows *sql.Rows) ([]*Campaign, error) {
	var out []*Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func nullIndex(ix int) any {
	if ix < 0 {
		return nil
	}
	return ix
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
