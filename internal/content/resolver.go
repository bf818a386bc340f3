// Package content turns a campaign's captured payload into the final
// per-recipient send directive. The content kinds and their sticker
// sub-cases are explicit branches here, never inferred from which
// fields happen to be populated.
package content

import (
	"errors"
	"image"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "golang.org/x/image/webp"

	"tgblast/internal/storage"
	"tgblast/internal/transport"
	"tgblast/pkg/logx"
)

// ErrNoStickerSource means a sticker campaign has neither a resolvable
// set reference nor a cached media file.
var ErrNoStickerSource = errors.New("sticker has no set reference and no cached media")

type Directive int

const (
	// DirectiveText sends plain text.
	DirectiveText Directive = iota
	// DirectiveFile sends File with an optional caption.
	DirectiveFile
	// DirectiveStickerSet re-resolves the sticker from its set by index
	// at send time; File is the fallback when the lookup misses.
	DirectiveStickerSet
)

// Payload is the resolved, ready-to-send representation for one
// recipient.
type Payload struct {
	Directive Directive
	Target    string
	Text      string

	File        transport.File
	HasFallback bool // DirectiveStickerSet: File is usable as fallback

	SetName  string
	SetIndex int
}

type Resolver struct {
	mediaDir string
	log      logx.Logger
}

func NewResolver(mediaDir string, log logx.Logger) *Resolver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{mediaDir: mediaDir, log: log}
}

// Resolve produces the send directive for one recipient.
func (r *Resolver) Resolve(c *storage.Campaign, rec *storage.Recipient) (Payload, error) {
	p := Payload{
		Target: routingTarget(rec),
		Text:   mentionText(c, rec),
	}

	if c.Kind == storage.KindText {
		p.Directive = DirectiveText
		return p, nil
	}
	if c.MediaPath == "" && c.MediaRef == "" && c.StickerSet == "" {
		// captured media lost; degrade to text rather than fail
		p.Directive = DirectiveText
		return p, nil
	}

	if c.Kind == storage.KindSticker {
		return r.resolveSticker(c, p)
	}

	p.Directive = DirectiveFile
	p.File = transport.File{
		Kind:    fileKind(c.Kind),
		Caption: p.Text, // empty caption allowed
	}
	if c.MediaRef != "" {
		p.File.NativeRef = c.MediaRef
	} else {
		p.File.Path = r.mediaPath(c.MediaPath)
	}
	if c.Kind == storage.KindVoice {
		p.File.Caption = ""
	}
	return p, nil
}

func (r *Resolver) resolveSticker(c *storage.Campaign, p Payload) (Payload, error) {
	fallback, hasFallback := r.stickerFallback(c)

	if c.StickerSet != "" && c.StickerIndex != storage.NoStickerIndex {
		p.Directive = DirectiveStickerSet
		p.SetName = c.StickerSet
		p.SetIndex = c.StickerIndex
		p.File = fallback
		p.HasFallback = hasFallback
		return p, nil
	}

	// No usable set coordinates: pack was not identified at capture
	// time, or the index never made it. Send the cached media directly.
	if !hasFallback {
		return Payload{}, ErrNoStickerSource
	}
	p.Directive = DirectiveFile
	p.File = fallback
	return p, nil
}

func (r *Resolver) stickerFallback(c *storage.Campaign) (transport.File, bool) {
	if c.MediaRef != "" {
		return transport.File{Kind: transport.FileSticker, NativeRef: c.MediaRef}, true
	}
	if c.MediaPath == "" {
		return transport.File{}, false
	}
	path := r.mediaPath(c.MediaPath)
	f := transport.File{Kind: transport.FileSticker, Path: path}

	ext := strings.ToLower(filepath.Ext(path))
	// Animated/video stickers only go through as documents.
	f.ForceDocument = ext == ".tgs" || ext == ".webm"
	if ext == ".webp" {
		if w, h, err := imageSize(path); err == nil {
			f.Width, f.Height = w, h
		} else {
			// dimension inference is best-effort
			r.log.Debug("sticker dimension probe failed", logx.String("path", path), logx.Err(err))
		}
	}
	return f, true
}

func (r *Resolver) mediaPath(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(r.mediaDir, path)
}

// mentionText appends "@handle" on a new line when the mention flag is
// set and the recipient has a handle. Best-effort, never blocking.
func mentionText(c *storage.Campaign, rec *storage.Recipient) string {
	text := c.Body
	if !c.Mention || rec.Username == "" {
		return text
	}
	if text == "" {
		return "@" + rec.Username
	}
	return text + "\n@" + rec.Username
}

// routingTarget prefers the handle; numeric id is the fallback route.
func routingTarget(rec *storage.Recipient) string {
	if rec.Username != "" {
		return "@" + rec.Username
	}
	return strconv.FormatInt(rec.TargetID, 10)
}

func fileKind(k storage.ContentKind) transport.FileKind {
	switch k {
	case storage.KindPhoto:
		return transport.FilePhoto
	case storage.KindVideo:
		return transport.FileVideo
	case storage.KindVoice:
		return transport.FileVoice
	case storage.KindAudio:
		return transport.FileAudio
	default:
		return transport.FileDocument
	}
}

func imageSize(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}
