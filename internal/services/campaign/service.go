// Package campaign is the owner-facing lifecycle API: create, pause,
// resume, repeat, edit content, delete. It shares the store with the
// dispatch worker but the two never call each other.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tgblast/internal/billing"
	"tgblast/internal/maillog"
	"tgblast/internal/storage"
	"tgblast/pkg/logx"
)

type Config struct {
	MediaDir string
	// ChargeMailings submits the computed per-message price to the
	// ledger at creation time. Off by default; the price is recorded on
	// the campaign row either way.
	ChargeMailings bool
}

type Service struct {
	st     *storage.Store
	ledger *billing.Ledger
	logs   *maillog.Log
	log    logx.Logger

	mu  sync.Mutex
	cfg Config
}

func New(cfg Config, st *storage.Store, ledger *billing.Ledger, logs *maillog.Log, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{st: st, ledger: ledger, logs: logs, log: log, cfg: cfg}
}

// Apply swaps config at runtime.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Draft carries everything captured by the owner-facing flow for one
// new campaign.
type Draft struct {
	OwnerID   int64
	AccountID int64 // 0 = use the owner's active default at dispatch time
	ChatID    int64 // harvested-chats filter, 0 = all

	Source    storage.TargetSource
	TargetIDs []int64 // explicit source only

	Kind         storage.ContentKind
	Body         string
	MediaPath    string
	MediaRef     string
	StickerSet   string
	StickerIndex int
	Mention      bool

	DelaySeconds float64
	LimitCount   int // 0 = unlimited

	RepeatDelaySeconds float64
	RepeatCount        int
}

func (d *Draft) validate() error {
	if d.OwnerID == 0 {
		return errors.New("owner id is required")
	}
	if d.Kind == "" {
		return errors.New("content kind is required")
	}
	if d.DelaySeconds < 0 {
		return errors.New("delay must be >= 0")
	}
	if d.LimitCount < 0 {
		return errors.New("limit must be >= 0")
	}
	// sticker kind implies a set reference or a raw media reference
	if d.Kind == storage.KindSticker && d.StickerSet == "" && d.MediaPath == "" && d.MediaRef == "" {
		return errors.New("sticker campaign needs a sticker set or cached media")
	}
	return nil
}

// Create inserts the campaign as running and materializes its recipient
// queue in the same logical operation. A failed enqueue rolls the
// campaign row back out.
func (s *Service) Create(ctx context.Context, d Draft) (*storage.Campaign, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}
	cfg := s.config()

	price, err := s.perMessagePrice(ctx, d.Mention)
	if err != nil {
		return nil, err
	}

	repeatCount := d.RepeatCount
	if repeatCount < 1 {
		repeatCount = 1
	}

	c := &storage.Campaign{
		OwnerID:            d.OwnerID,
		AccountID:          d.AccountID,
		ChatID:             d.ChatID,
		Status:             storage.StatusRunning,
		Kind:               d.Kind,
		Body:               d.Body,
		MediaPath:          d.MediaPath,
		MediaRef:           d.MediaRef,
		StickerSet:         d.StickerSet,
		StickerIndex:       d.StickerIndex,
		Mention:            d.Mention,
		Source:             d.Source,
		DelaySeconds:       d.DelaySeconds,
		LimitCount:         d.LimitCount,
		RepeatDelaySeconds: d.RepeatDelaySeconds,
		RepeatCount:        repeatCount,
		RepeatRemaining:    repeatCount - 1,
		PricePerMessage:    price,
	}
	if err := s.st.CreateCampaign(ctx, c); err != nil {
		return nil, err
	}

	targets, err := s.enumerate(ctx, c, d.TargetIDs)
	if err != nil {
		_, _ = s.st.DeleteCampaign(ctx, c.OwnerID, c.ID)
		return nil, fmt.Errorf("enumerate recipients: %w", err)
	}
	n, err := s.st.AddRecipients(ctx, c.ID, targets)
	if err != nil {
		_, _ = s.st.DeleteCampaign(ctx, c.OwnerID, c.ID)
		return nil, fmt.Errorf("enqueue recipients: %w", err)
	}

	if cfg.ChargeMailings && price > 0 && n > 0 {
		if err := s.ledger.Charge(ctx, c.OwnerID, price*float64(n), fmt.Sprintf("mailing %d", c.ID)); err != nil {
			s.log.Warn("mailing charge failed", logx.Int64("campaign", c.ID), logx.Err(err))
		}
	}

	s.log.Info("campaign created",
		logx.Int64("campaign", c.ID),
		logx.Int64("owner", c.OwnerID),
		logx.String("source", string(c.Source)),
		logx.Int("recipients", n),
		logx.Float64("price_per_message", price))
	return c, nil
}

func (s *Service) perMessagePrice(ctx context.Context, mention bool) (float64, error) {
	price, err := s.ledger.Price(ctx, billing.PriceMessage)
	if err != nil {
		return 0, err
	}
	if mention {
		extra, err := s.ledger.Price(ctx, billing.PriceMessageMention)
		if err != nil {
			return 0, err
		}
		price += extra
	}
	return price, nil
}

// Get returns the owner's campaign, or storage.ErrNotFound.
func (s *Service) Get(ctx context.Context, ownerID, id int64) (*storage.Campaign, error) {
	return s.st.Campaign(ctx, ownerID, id)
}

// List returns the owner's campaigns, newest first.
func (s *Service) List(ctx context.Context, ownerID int64) ([]*storage.Campaign, error) {
	return s.st.ListByOwner(ctx, ownerID)
}

// Pause stops dispatch after at most one in-flight send. Pausing a
// campaign that is not running is a no-op, not an error.
func (s *Service) Pause(ctx context.Context, ownerID, id int64) error {
	ok, err := s.st.SetStatusOwned(ctx, ownerID, id, storage.StatusPaused, storage.StatusRunning)
	if err != nil {
		return err
	}
	if !ok {
		// distinguish "not yours" from "not running"
		if _, err := s.st.Campaign(ctx, ownerID, id); err != nil {
			return err
		}
	}
	return nil
}

// Resume re-runs a paused campaign from exactly its remaining pending
// entries. A failed campaign resumes the same way (owner retry).
func (s *Service) Resume(ctx context.Context, ownerID, id int64) error {
	ok, err := s.st.SetStatusOwned(ctx, ownerID, id, storage.StatusRunning,
		storage.StatusPaused, storage.StatusFailed)
	if err != nil {
		return err
	}
	if !ok {
		if _, err := s.st.Campaign(ctx, ownerID, id); err != nil {
			return err
		}
	}
	return nil
}

// Repeat clones content, settings and account binding into a brand-new
// running campaign and copies the full original recipient list as fresh
// pending entries, regardless of the source's sent/failed mix.
func (s *Service) Repeat(ctx context.Context, ownerID, id int64) (*storage.Campaign, error) {
	src, err := s.st.Campaign(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	clone := *src
	clone.ID = 0
	clone.Status = storage.StatusRunning
	clone.RepeatRemaining = clone.RepeatCount - 1
	clone.NotBefore = time.Time{}
	if err := s.st.CreateCampaign(ctx, &clone); err != nil {
		return nil, err
	}
	n, err := s.st.CopyRecipients(ctx, src.ID, clone.ID)
	if err != nil {
		_, _ = s.st.DeleteCampaign(ctx, ownerID, clone.ID)
		return nil, err
	}
	s.log.Info("campaign repeated",
		logx.Int64("source", src.ID),
		logx.Int64("campaign", clone.ID),
		logx.Int("recipients", n))
	return &clone, nil
}

// UpdateContent replaces content fields in any status without touching
// the recipient queue. The caller owns removal of any superseded media
// artifact.
func (s *Service) UpdateContent(ctx context.Context, ownerID, id int64, u storage.ContentUpdate) error {
	return s.st.UpdateContent(ctx, ownerID, id, u)
}

// Delete removes the campaign, its queue, its media artifact and its
// failure log. A second delete reports storage.ErrNotFound and mutates
// nothing.
func (s *Service) Delete(ctx context.Context, ownerID, id int64) error {
	c, err := s.st.DeleteCampaign(ctx, ownerID, id)
	if err != nil {
		return err
	}
	if c.MediaPath != "" {
		path := c.MediaPath
		if !filepath.IsAbs(path) {
			path = filepath.Join(s.config().MediaDir, path)
		}
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			if err := os.Remove(path); err != nil {
				s.log.Warn("media artifact removal failed", logx.Int64("campaign", id), logx.Err(err))
			}
		}
	}
	if err := s.logs.Remove(id); err != nil {
		s.log.Warn("failure log removal failed", logx.Int64("campaign", id), logx.Err(err))
	}
	s.log.Info("campaign deleted", logx.Int64("campaign", id), logx.Int64("owner", ownerID))
	return nil
}

// Stats returns the running sent/failed/pending tally.
func (s *Service) Stats(ctx context.Context, ownerID, id int64) (storage.Stats, error) {
	if _, err := s.st.Campaign(ctx, ownerID, id); err != nil {
		return storage.Stats{}, err
	}
	return s.st.Stats(ctx, id)
}

// FailureLog returns the raw per-campaign failure log for download.
func (s *Service) FailureLog(ctx context.Context, ownerID, id int64) ([]byte, error) {
	if _, err := s.st.Campaign(ctx, ownerID, id); err != nil {
		return nil, err
	}
	return s.logs.Read(id)
}
