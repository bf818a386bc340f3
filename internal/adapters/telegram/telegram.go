// Package telegram implements the transport capability over the Bot API
// via telebot. One Client per sending identity.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"

	tele "gopkg.in/telebot.v4"

	"tgblast/internal/storage"
	"tgblast/internal/transport"
	"tgblast/pkg/logx"
)

// Dialer opens telebot-backed capabilities for account bindings.
type Dialer struct {
	log logx.Logger
}

func NewDialer(log logx.Logger) *Dialer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dialer{log: log}
}

func (d *Dialer) Dial(ctx context.Context, acct *storage.Account) (transport.Capability, error) {
	if strings.TrimSpace(acct.Token) == "" {
		return nil, errors.New("account token is empty")
	}
	// NewBot performs the getMe handshake, which doubles as the initial
	// authorization probe.
	b, err := tele.NewBot(tele.Settings{Token: acct.Token})
	if err != nil {
		return nil, classify(err)
	}
	return &Client{bot: b, log: d.log.With(logx.Int64("account", acct.ID))}, nil
}

type Client struct {
	bot    *tele.Bot
	log    logx.Logger
	closed atomic.Bool
}

// recipient adapts a routing target ("@handle" or decimal id) to
// telebot's Recipient interface.
type recipient string

func (r recipient) Recipient() string { return string(r) }

func (c *Client) SendText(ctx context.Context, target, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.bot.Send(recipient(target), text)
	return classify(err)
}

func (c *Client) SendFile(ctx context.Context, target string, f transport.File) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.bot.Send(recipient(target), sendable(f))
	return classify(err)
}

func sendable(f transport.File) interface{} {
	file := tele.FromDisk(f.Path)
	if f.NativeRef != "" {
		file = tele.File{FileID: f.NativeRef}
	}
	if f.ForceDocument {
		return &tele.Document{File: file, Caption: f.Caption}
	}
	switch f.Kind {
	case transport.FilePhoto:
		return &tele.Photo{File: file, Caption: f.Caption}
	case transport.FileVideo:
		return &tele.Video{File: file, Caption: f.Caption}
	case transport.FileVoice:
		return &tele.Voice{File: file}
	case transport.FileAudio:
		return &tele.Audio{File: file, Caption: f.Caption}
	case transport.FileSticker:
		return &tele.Sticker{File: file, Width: f.Width, Height: f.Height}
	default:
		return &tele.Document{File: file, Caption: f.Caption}
	}
}

func (c *Client) StickerSet(ctx context.Context, name string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	set, err := c.bot.StickerSet(name)
	if err != nil {
		return nil, classify(err)
	}
	refs := make([]string, 0, len(set.Stickers))
	for _, st := range set.Stickers {
		refs = append(refs, st.FileID)
	}
	return refs, nil
}

func (c *Client) Authorized(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := c.bot.Raw("getMe", nil)
	if err == nil {
		return true, nil
	}
	err = classify(err)
	if transport.IsUnauthorized(err) {
		return false, nil
	}
	return false, err
}

func (c *Client) Connected() bool { return !c.closed.Load() }

// Close marks the handle unusable. The Bot API is connectionless, so
// there is nothing to hang up; deliberately not calling the API "close"
// method, which locks the bot out for several minutes.
func (c *Client) Close() error {
	c.closed.Store(true)
	return nil
}

// classify folds telebot errors into the engine's two buckets.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) && apiErr.Code == 401 {
		return errors.Join(transport.ErrUnauthorized, err)
	}
	return err
}
