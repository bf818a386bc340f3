package storage

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"
)

// Directory reads back recipient-source rows populated by the external
// harvesting collaborator. The subscriber registry is deliberately not
// owner-scoped; it is the one source shared across owners.

func (s *Store) ListSubscribers(ctx context.Context, limit int) ([]Target, error) {
	q := `SELECT user_id, username, '' FROM subscribers ORDER BY id`
	return s.listTargets(ctx, q+limitClause(limit), nil)
}

func (s *Store) ListHarvestedUsers(ctx context.Context, ownerID int64, limit int) ([]Target, error) {
	q := `SELECT user_id, username, access_hash FROM harvested_users WHERE owner_id = ? ORDER BY id`
	return s.listTargets(ctx, q+limitClause(limit), []any{ownerID})
}

// ListHarvestedChats optionally filters to one explicit chat id.
func (s *Store) ListHarvestedChats(ctx context.Context, ownerID, chatID int64, limit int) ([]Target, error) {
	q := `SELECT chat_id, username, access_hash FROM harvested_chats WHERE owner_id = ?`
	args := []any{ownerID}
	if chatID != 0 {
		q += ` AND chat_id = ?`
		args = append(args, chatID)
	}
	q += ` ORDER BY id`
	return s.listTargets(ctx, q+limitClause(limit), args)
}

func (s *Store) listTargets(ctx context.Context, query string, args []any) ([]Target, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Target
	for rows.Next() {
		var t Target
		if err := rows.Scan(&t.ID, &t.Username, &t.AccessHash); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func limitClause(limit int) string {
	if limit > 0 {
		return ` LIMIT ` + strconv.Itoa(limit)
	}
	return ``
}

// ---- seeding (used by the harvesting collaborator and tests) ----

func (s *Store) AddSubscriber(ctx context.Context, userID int64, username string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscribers(user_id, username, created_at) VALUES(?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET username = excluded.username`,
		userID, username, ms(time.Now()))
	return err
}

func (s *Store) AddHarvestedUser(ctx context.Context, ownerID, userID int64, username, accessHash, source string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO harvested_users(owner_id, user_id, username, access_hash, source, created_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(owner_id, user_id) DO UPDATE SET username = excluded.username, access_hash = excluded.access_hash`,
		ownerID, userID, username, accessHash, source, ms(time.Now()))
	return err
}

func (s *Store) AddHarvestedChat(ctx context.Context, ownerID, chatID int64, title, username, chatType, accessHash string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO harvested_chats(owner_id, chat_id, title, username, chat_type, access_hash, created_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(owner_id, chat_id) DO UPDATE SET title = excluded.title, username = excluded.username`,
		ownerID, chatID, title, username, chatType, accessHash, ms(time.Now()))
	return err
}

// ---- sending identities ----

const accountCols = `id, owner_id, label, token, is_active, created_at`

func (s *Store) AddAccount(ctx context.Context, a *Account) error {
	a.CreatedAt = time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts(owner_id, label, token, is_active, created_at) VALUES(?,?,?,?,?)`,
		a.OwnerID, a.Label, a.Token, boolInt(a.Active), ms(a.CreatedAt))
	if err != nil {
		return err
	}
	a.ID, err = res.LastInsertId()
	return err
}

// AccountByID returns the owner's account binding, or ErrNotFound.
func (s *Store) AccountByID(ctx context.Context, ownerID, id int64) (*Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE id = ? AND owner_id = ?`, id, ownerID)
	return scanAccount(row)
}

// ActiveAccount returns the owner's currently-active default identity.
func (s *Store) ActiveAccount(ctx context.Context, ownerID int64) (*Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM accounts
		 WHERE owner_id = ? AND is_active = 1 ORDER BY id LIMIT 1`, ownerID)
	return scanAccount(row)
}

// DeactivateAccount flags a revoked identity so the owner re-binds it.
func (s *Store) DeactivateAccount(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET is_active = 0 WHERE id = ?`, id)
	return err
}

func scanAccount(row *sql.Row) (*Account, error) {
	var (
		a       Account
		active  int
		created int64
	)
	err := row.Scan(&a.ID, &a.OwnerID, &a.Label, &a.Token, &active, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Active = active != 0
	a.CreatedAt = fromMS(created)
	return &a, nil
}

// ---- ledger ----

// Price returns the stored price override for key, if any.
func (s *Store) Price(ctx context.Context, key string) (float64, bool, error) {
	var amount float64
	err := s.db.QueryRowContext(ctx, `SELECT amount FROM prices WHERE key = ?`, key).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return amount, true, nil
}

func (s *Store) SetPrice(ctx context.Context, key string, amount float64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO prices(key, amount) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET amount = excluded.amount`, key, amount)
	return err
}

// AdjustBalance applies delta to the owner's balance and records the
// transaction. Returns the balance after the adjustment.
func (s *Store) AdjustBalance(ctx context.Context, ownerID int64, delta float64, txType, reason string) (float64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO balances(owner_id, balance) VALUES(?,?)
		 ON CONFLICT(owner_id) DO UPDATE SET balance = balance + excluded.balance`,
		ownerID, delta); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO balance_transactions(owner_id, amount, tx_type, reason, created_at)
		 VALUES(?,?,?,?,?)`,
		ownerID, delta, txType, reason, ms(time.Now())); err != nil {
		return 0, err
	}
	var balance float64
	if err := tx.QueryRowContext(ctx,
		`SELECT balance FROM balances WHERE owner_id = ?`, ownerID).Scan(&balance); err != nil {
		return 0, err
	}
	return balance, tx.Commit()
}

func (s *Store) Balance(ctx context.Context, ownerID int64) (float64, error) {
	var balance float64
	err := s.db.QueryRowContext(ctx,
		`SELECT balance FROM balances WHERE owner_id = ?`, ownerID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return balance, err
}
