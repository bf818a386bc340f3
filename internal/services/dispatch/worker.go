package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"tgblast/internal/content"
	"tgblast/internal/eventbus"
	"tgblast/internal/storage"
	"tgblast/internal/transport"
	"tgblast/pkg/logx"
)

// tick performs one scan over runnable campaigns. Campaigns are
// processed sequentially and independently; a failure in one never
// stalls the others.
func (s *Service) tick(ctx context.Context) {
	campaigns, err := s.st.ListRunnable(ctx, time.Now())
	if err != nil {
		s.log.Error("runnable scan failed", logx.Err(err))
		return
	}
	for _, c := range campaigns {
		if ctx.Err() != nil {
			return
		}
		s.safeProcess(ctx, c)
	}
}

func (s *Service) safeProcess(ctx context.Context, c *storage.Campaign) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic processing campaign",
				logx.Int64("campaign", c.ID),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())))
		}
	}()
	s.process(ctx, c)
}

func (s *Service) process(ctx context.Context, c *storage.Campaign) {
	pass := uuid.NewString()
	log := s.log.With(
		logx.Int64("campaign", c.ID),
		logx.Int64("owner", c.OwnerID),
		logx.String("pass", pass))

	acct, err := s.resolveAccount(ctx, c)
	if err != nil {
		log.Error("identity lookup failed", logx.Err(err))
		return
	}
	if acct == nil {
		// resolution failure is the only condition that terminates the
		// whole campaign
		if ok, err := s.st.SetStatus(ctx, c.ID, storage.StatusFailed, storage.StatusRunning); err != nil {
			log.Error("status write failed", logx.Err(err))
		} else if ok {
			log.Warn("campaign failed: no sending identity")
			s.bus.Publish(eventbus.Event{
				Type: eventbus.CampaignFailed,
				Data: eventbus.CampaignEvent{CampaignID: c.ID, OwnerID: c.OwnerID, Reason: "no sending identity"},
			})
		}
		return
	}

	cl, lim, err := s.mgr.Acquire(ctx, acct)
	if err != nil {
		if transport.IsUnauthorized(err) {
			// Revoked before the first send of this pass. Retrying
			// would re-dial with the same dead credential forever, so
			// fail the batch now and flag the identity.
			if derr := s.ids.Deactivate(ctx, acct.ID); derr != nil {
				log.Error("identity deactivation failed", logx.Int64("account", acct.ID), logx.Err(derr))
			}
			s.failBatch(ctx, c, err, log)
			return
		}
		// transient transport bring-up problem; retried next tick
		log.Warn("transport acquire failed", logx.Int64("account", acct.ID), logx.Err(err))
		return
	}

	batch, err := s.st.PendingBatch(ctx, c.ID, s.config().BatchSize)
	if err != nil {
		log.Error("pending batch read failed", logx.Err(err))
		return
	}
	if len(batch) == 0 {
		s.drained(ctx, c, log)
		return
	}

	for _, rec := range batch {
		// Re-read status before every send so an owner pause aborts the
		// rest of the batch; at most the in-flight send completes.
		cur, err := s.st.CampaignByID(ctx, c.ID)
		if err != nil {
			log.Warn("campaign re-read failed, aborting batch", logx.Err(err))
			return
		}
		if cur.Status != storage.StatusRunning {
			log.Info("batch aborted", logx.String("status", string(cur.Status)))
			return
		}

		s.deliver(ctx, cur, rec, acct.ID, cl, lim, log)

		// The post-attempt sleep is the outbound rate limiter; it
		// applies after success and failure alike.
		if !sleep(ctx, cur.Delay()) {
			return
		}
	}
}

// failBatch marks the campaign's current pending batch failed with
// cause when no send can happen at all this pass. The campaign stays
// running; the worker settles it once the queue drains.
func (s *Service) failBatch(ctx context.Context, c *storage.Campaign, cause error, log logx.Logger) {
	batch, err := s.st.PendingBatch(ctx, c.ID, s.config().BatchSize)
	if err != nil {
		log.Error("pending batch read failed", logx.Err(err))
		return
	}
	for _, rec := range batch {
		if merr := s.st.MarkRecipientFailed(ctx, rec.ID, cause.Error()); merr != nil {
			log.Error("failed mark failed", logx.Int64("recipient", rec.ID), logx.Err(merr))
			continue
		}
		if aerr := s.logs.Append(c.ID, rec.TargetID, rec.Username, cause.Error()); aerr != nil {
			log.Error("failure log append failed", logx.Err(aerr))
		}
		s.bus.Publish(eventbus.Event{
			Type: eventbus.RecipientFailed,
			Data: eventbus.RecipientEvent{
				CampaignID: c.ID,
				TargetID:   rec.TargetID,
				Username:   rec.Username,
				Error:      cause.Error(),
			},
		})
	}
	log.Warn("batch failed without sending", logx.Int("recipients", len(batch)), logx.Err(cause))
}

// drained handles an empty pending queue: either the next repeat round
// or the terminal done transition.
func (s *Service) drained(ctx context.Context, c *storage.Campaign, log logx.Logger) {
	if c.RepeatRemaining > 0 {
		notBefore := time.Now().Add(c.RepeatDelay())
		ok, err := s.st.RequeueRound(ctx, c.ID, notBefore)
		if err != nil {
			log.Error("repeat requeue failed", logx.Err(err))
			return
		}
		if ok {
			log.Info("repeat round queued",
				logx.Int("remaining", c.RepeatRemaining-1),
				logx.Time("not_before", notBefore))
			s.bus.Publish(eventbus.Event{
				Type: eventbus.CampaignRepeat,
				Data: eventbus.CampaignEvent{CampaignID: c.ID, OwnerID: c.OwnerID},
			})
			return
		}
	}
	ok, err := s.st.SetStatus(ctx, c.ID, storage.StatusDone, storage.StatusRunning)
	if err != nil {
		log.Error("status write failed", logx.Err(err))
		return
	}
	if ok {
		log.Info("campaign done")
		s.bus.Publish(eventbus.Event{
			Type: eventbus.CampaignDone,
			Data: eventbus.CampaignEvent{CampaignID: c.ID, OwnerID: c.OwnerID},
		})
	}
}

// resolveAccount prefers the campaign's bound identity when it still
// belongs to the owner, else the owner's active default. A nil result
// with nil error means no identity resolves.
func (s *Service) resolveAccount(ctx context.Context, c *storage.Campaign) (*storage.Account, error) {
	if c.AccountID != 0 {
		acct, err := s.ids.ByID(ctx, c.OwnerID, c.AccountID)
		if err == nil {
			return acct, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}
	acct, err := s.ids.Active(ctx, c.OwnerID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return acct, err
}

func (s *Service) deliver(ctx context.Context, c *storage.Campaign, rec *storage.Recipient,
	accountID int64, cl transport.Capability, lim *rate.Limiter, log logx.Logger) {

	payload, err := s.res.Resolve(c, rec)
	if err == nil {
		err = s.send(ctx, cl, lim, payload)
	}
	if err == nil {
		if err := s.st.MarkRecipientSent(ctx, rec.ID, time.Now()); err != nil {
			log.Error("sent mark failed", logx.Int64("recipient", rec.ID), logx.Err(err))
		}
		return
	}

	if transport.IsUnauthorized(err) {
		// revoked mid-run: deactivate the binding so the owner re-auths,
		// but the campaign itself keeps going
		if derr := s.ids.Deactivate(ctx, accountID); derr != nil {
			log.Error("identity deactivation failed", logx.Int64("account", accountID), logx.Err(derr))
		}
	}

	log.Warn("delivery failed",
		logx.Int64("recipient", rec.ID),
		logx.Int64("target", rec.TargetID),
		logx.String("username", rec.Username),
		logx.Err(err))
	if merr := s.st.MarkRecipientFailed(ctx, rec.ID, err.Error()); merr != nil {
		log.Error("failed mark failed", logx.Int64("recipient", rec.ID), logx.Err(merr))
	}
	if aerr := s.logs.Append(c.ID, rec.TargetID, rec.Username, err.Error()); aerr != nil {
		log.Error("failure log append failed", logx.Err(aerr))
	}
	s.bus.Publish(eventbus.Event{
		Type: eventbus.RecipientFailed,
		Data: eventbus.RecipientEvent{
			CampaignID: c.ID,
			TargetID:   rec.TargetID,
			Username:   rec.Username,
			Error:      err.Error(),
		},
	})
}

func (s *Service) send(ctx context.Context, cl transport.Capability, lim *rate.Limiter, p content.Payload) error {
	wait := func() error {
		if lim == nil {
			return nil
		}
		return lim.Wait(ctx)
	}

	switch p.Directive {
	case content.DirectiveText:
		if err := wait(); err != nil {
			return err
		}
		return cl.SendText(ctx, p.Target, p.Text)

	case content.DirectiveFile:
		if err := wait(); err != nil {
			return err
		}
		return cl.SendFile(ctx, p.Target, p.File)

	case content.DirectiveStickerSet:
		refs, err := cl.StickerSet(ctx, p.SetName)
		if err == nil && p.SetIndex >= 0 && p.SetIndex < len(refs) {
			if werr := wait(); werr != nil {
				return werr
			}
			return cl.SendFile(ctx, p.Target, transport.File{
				Kind:      transport.FileSticker,
				NativeRef: refs[p.SetIndex],
			})
		}
		if transport.IsUnauthorized(err) {
			return err
		}
		if p.HasFallback {
			if werr := wait(); werr != nil {
				return werr
			}
			return cl.SendFile(ctx, p.Target, p.File)
		}
		if err != nil {
			return fmt.Errorf("sticker set %q: %w", p.SetName, err)
		}
		return fmt.Errorf("sticker set %q has no index %d and no cached fallback", p.SetName, p.SetIndex)

	default:
		return fmt.Errorf("unknown directive %d", p.Directive)
	}
}

// sleep waits d unless the context ends first; it reports whether the
// caller should continue.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
