// Package transport defines the capability surface the dispatch engine
// needs from the messaging network, keeping transport internals out of
// the engine. Errors are classified into exactly two buckets:
// authorization revoked vs. everything else.
package transport

import (
	"context"
	"errors"
)

// ErrUnauthorized marks a send/probe failure caused by a revoked
// credential. Adapters wrap their native 401-class errors with it.
var ErrUnauthorized = errors.New("sending identity unauthorized")

// FileKind tells the adapter which native send shape to use.
type FileKind string

const (
	FilePhoto    FileKind = "photo"
	FileVideo    FileKind = "video"
	FileDocument FileKind = "document"
	FileVoice    FileKind = "voice"
	FileAudio    FileKind = "audio"
	FileSticker  FileKind = "sticker"
)

// File describes one outbound attachment. Exactly one of Path or
// NativeRef is set; NativeRef is a transport-native handle that avoids
// re-uploading.
type File struct {
	Kind      FileKind
	Path      string
	NativeRef string
	Caption   string

	// Sticker raw-file hints.
	Width         int
	Height        int
	ForceDocument bool
}

// Capability is one sending identity's opaque transport handle.
//
// Target is the recipient's @handle if known, else its numeric id in
// decimal form.
type Capability interface {
	SendText(ctx context.Context, target, text string) error
	SendFile(ctx context.Context, target string, f File) error

	// StickerSet resolves a sticker set by short name into its ordered
	// native document refs.
	StickerSet(ctx context.Context, name string) ([]string, error)

	// Authorized probes whether the identity's credential still holds.
	Authorized(ctx context.Context) (bool, error)

	// Connected reports whether the handle is usable without redialing.
	Connected() bool

	Close() error
}

// IsUnauthorized reports whether err is authorization-revocation class.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}
