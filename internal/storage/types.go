package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned for rows that do not exist or are not visible
// to the requesting owner. Ownership misses are indistinguishable from
// absence on purpose.
var ErrNotFound = errors.New("not found")

type CampaignStatus string

const (
	StatusPending CampaignStatus = "pending"
	StatusRunning CampaignStatus = "running"
	StatusPaused  CampaignStatus = "paused"
	StatusDone    CampaignStatus = "done"
	StatusFailed  CampaignStatus = "failed"
)

type RecipientStatus string

const (
	RecipientPending RecipientStatus = "pending"
	RecipientSent    RecipientStatus = "sent"
	RecipientFailed  RecipientStatus = "failed"
)

type ContentKind string

const (
	KindText     ContentKind = "text"
	KindPhoto    ContentKind = "photo"
	KindVideo    ContentKind = "video"
	KindSticker  ContentKind = "sticker"
	KindDocument ContentKind = "document"
	KindVoice    ContentKind = "voice"
	KindAudio    ContentKind = "audio"
)

type TargetSource string

const (
	SourceSubscribers    TargetSource = "subscribers"
	SourceHarvestedUsers TargetSource = "harvested_users"
	SourceHarvestedChats TargetSource = "harvested_chats"
	SourceExplicit       TargetSource = "explicit"
)

// NoStickerIndex marks an absent sticker-set index (0 is a valid index).
const NoStickerIndex = -1

// Campaign is one owner-submitted bulk-send job.
type Campaign struct {
	ID        int64
	OwnerID   int64
	AccountID int64 // 0 = no bound sending identity
	ChatID    int64 // 0 = no single-chat filter

	Status CampaignStatus

	Kind         ContentKind
	Body         string
	MediaPath    string
	MediaRef     string // transport-native file handle
	StickerSet   string
	StickerIndex int // NoStickerIndex when unset
	Mention      bool

	Source       TargetSource
	DelaySeconds float64
	LimitCount   int // 0 = unlimited

	RepeatDelaySeconds float64
	RepeatCount        int
	RepeatRemaining    int
	NotBefore          time.Time // zero = runnable immediately

	PricePerMessage float64

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (c *Campaign) Delay() time.Duration {
	if c.DelaySeconds <= 0 {
		return 0
	}
	return time.Duration(c.DelaySeconds * float64(time.Second))
}

func (c *Campaign) RepeatDelay() time.Duration {
	if c.RepeatDelaySeconds <= 0 {
		return 0
	}
	return time.Duration(c.RepeatDelaySeconds * float64(time.Second))
}

// ContentUpdate replaces a campaign's content fields. The recipient
// queue and statuses are untouched.
type ContentUpdate struct {
	Kind         ContentKind
	Body         string
	MediaPath    string
	MediaRef     string
	StickerSet   string
	StickerIndex int
}

// Recipient is one (campaign, target) delivery unit.
type Recipient struct {
	ID         int64
	CampaignID int64
	TargetID   int64
	Username   string
	AccessHash string
	Status     RecipientStatus
	SentAt     time.Time
	Error      string
}

// Target is an addressable delivery target yielded by a source.
type Target struct {
	ID         int64
	Username   string
	AccessHash string
}

// Stats is a campaign's recipient tally. Total == Sent+Failed+Pending.
type Stats struct {
	Total   int
	Sent    int
	Failed  int
	Pending int
}

// Account is a sending identity binding. The engine treats the token as
// an opaque credential for the transport adapter.
type Account struct {
	ID        int64
	OwnerID   int64
	Label     string
	Token     string
	Active    bool
	CreatedAt time.Time
}
