// Package billing is the ledger collaborator: price lookup and balance
// bookkeeping. Whether campaign creation actually charges is a config
// switch on the campaign service, not decided here.
package billing

import (
	"context"
	"fmt"

	"tgblast/internal/storage"
	"tgblast/pkg/logx"
)

// Price keys used by the dispatch engine.
const (
	PriceMessage        = "mailing_message"
	PriceMessageMention = "mailing_message_mention"
)

type Ledger struct {
	st       *storage.Store
	defaults map[string]float64
	log      logx.Logger
}

// New creates a ledger; defaults back stored price overrides.
func New(st *storage.Store, defaults map[string]float64, log logx.Logger) *Ledger {
	if log.IsZero() {
		log = logx.Nop()
	}
	if defaults == nil {
		defaults = map[string]float64{}
	}
	return &Ledger{st: st, defaults: defaults, log: log}
}

// Price returns the stored override for key, else the config default,
// else zero.
func (l *Ledger) Price(ctx context.Context, key string) (float64, error) {
	amount, ok, err := l.st.Price(ctx, key)
	if err != nil {
		return 0, err
	}
	if ok {
		return amount, nil
	}
	return l.defaults[key], nil
}

// Charge debits the owner. Zero or negative amounts are no-ops.
func (l *Ledger) Charge(ctx context.Context, ownerID int64, amount float64, reason string) error {
	if amount <= 0 {
		return nil
	}
	balance, err := l.st.AdjustBalance(ctx, ownerID, -amount, "charge", reason)
	if err != nil {
		return fmt.Errorf("charge owner %d: %w", ownerID, err)
	}
	l.log.Info("ledger charge",
		logx.Int64("owner", ownerID),
		logx.Float64("amount", amount),
		logx.Float64("balance", balance),
		logx.String("reason", reason))
	return nil
}

// TopUp credits the owner.
func (l *Ledger) TopUp(ctx context.Context, ownerID int64, amount float64, reason string) (float64, error) {
	return l.st.AdjustBalance(ctx, ownerID, amount, "topup", reason)
}

func (l *Ledger) Balance(ctx context.Context, ownerID int64) (float64, error) {
	return l.st.Balance(ctx, ownerID)
}
