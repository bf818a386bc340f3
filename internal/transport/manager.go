package transport

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tgblast/internal/storage"
	"tgblast/pkg/logx"
)

// Dialer opens a capability for a sending identity.
type Dialer interface {
	Dial(ctx context.Context, acct *storage.Account) (Capability, error)
}

// Manager is the per-identity capability registry. One reusable handle
// per identity, lazily redialed when found disconnected, torn down as a
// unit on shutdown. Constructed once at process start; replaces the
// ambient global client map of older designs.
type Manager struct {
	dialer Dialer
	log    logx.Logger

	mu      sync.Mutex
	clients map[int64]*entry

	minSendInterval time.Duration
}

type entry struct {
	cap Capability
	lim *rate.Limiter
}

func NewManager(dialer Dialer, minSendInterval time.Duration, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		dialer:          dialer,
		log:             log,
		clients:         map[int64]*entry{},
		minSendInterval: minSendInterval,
	}
}

// SetMinSendInterval applies a new per-identity floor to future
// acquisitions; existing limiters keep their cadence until redialed.
func (m *Manager) SetMinSendInterval(d time.Duration) {
	m.mu.Lock()
	m.minSendInterval = d
	m.mu.Unlock()
}

// Acquire returns the identity's capability and rate limiter, dialing
// or redialing as needed. The limiter is nil when no floor is set.
func (m *Manager) Acquire(ctx context.Context, acct *storage.Account) (Capability, *rate.Limiter, error) {
	m.mu.Lock()
	e, ok := m.clients[acct.ID]
	if ok && e.cap.Connected() {
		m.mu.Unlock()
		return e.cap, e.lim, nil
	}
	if ok {
		// stale handle; drop before redialing
		_ = e.cap.Close()
		delete(m.clients, acct.ID)
	}
	interval := m.minSendInterval
	m.mu.Unlock()

	c, err := m.dialer.Dial(ctx, acct)
	if err != nil {
		return nil, nil, err
	}
	var lim *rate.Limiter
	if interval > 0 {
		lim = rate.NewLimiter(rate.Every(interval), 1)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// A concurrent Acquire may have raced us; keep the first one.
	if cur, ok := m.clients[acct.ID]; ok && cur.cap.Connected() {
		_ = c.Close()
		return cur.cap, cur.lim, nil
	}
	m.clients[acct.ID] = &entry{cap: c, lim: lim}
	m.log.Debug("transport dialed", logx.Int64("account", acct.ID))
	return c, lim, nil
}

// Drop discards an identity's handle, forcing a redial on next Acquire.
func (m *Manager) Drop(accountID int64) {
	m.mu.Lock()
	e, ok := m.clients[accountID]
	delete(m.clients, accountID)
	m.mu.Unlock()
	if ok {
		_ = e.cap.Close()
	}
}

// CloseAll tears the registry down. Safe to call more than once.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	clients := m.clients
	m.clients = map[int64]*entry{}
	m.mu.Unlock()
	for id, e := range clients {
		if err := e.cap.Close(); err != nil {
			m.log.Warn("transport close failed", logx.Int64("account", id), logx.Err(err))
		}
	}
}
