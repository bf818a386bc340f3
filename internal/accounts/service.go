// Package accounts is the identity-provider surface over the store.
package accounts

import (
	"context"

	"tgblast/internal/storage"
	"tgblast/pkg/logx"
)

type Service struct {
	st  *storage.Store
	log logx.Logger
}

func New(st *storage.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{st: st, log: log}
}

// ByID returns the owner's account binding, or storage.ErrNotFound when
// the id does not exist or belongs to another owner.
func (s *Service) ByID(ctx context.Context, ownerID, id int64) (*storage.Account, error) {
	return s.st.AccountByID(ctx, ownerID, id)
}

// Active returns the owner's currently-active default identity.
func (s *Service) Active(ctx context.Context, ownerID int64) (*storage.Account, error) {
	return s.st.ActiveAccount(ctx, ownerID)
}

// Deactivate flags a revoked identity. Called by the dispatch worker
// when the network reports the credential revoked mid-campaign.
func (s *Service) Deactivate(ctx context.Context, id int64) error {
	s.log.Warn("deactivating revoked sending identity", logx.Int64("account", id))
	return s.st.DeactivateAccount(ctx, id)
}

// Add registers a new binding (used by the auth collaborator and tests).
func (s *Service) Add(ctx context.Context, a *storage.Account) error {
	return s.st.AddAccount(ctx, a)
}
