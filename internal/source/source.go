// Package source defines the message source abstraction: the polling
// protocol that delivers updates, and the typed shapes of the messages
// and attachments they carry.
package source

import (
	"context"
	"encoding/json"
	"time"
)

// Kind identifies the attachment type carried by a message. The set is
// closed: a message carries at most one attachment kind.
type Kind string

const (
	KindLocation Kind = "location"
	KindPhoto    Kind = "photo"
	KindAudio    Kind = "audio"
	KindVoice    Kind = "voice"
	KindVideo    Kind = "video"
	KindDocument Kind = "document"
	KindSticker  Kind = "sticker"
)

// Attachment is a tagged union over the media kinds. Location carries
// coordinates; every other kind carries a downloadable file reference.
type Attachment struct {
	Kind     Kind
	FileID   string
	FileName string
	MimeType string
	FileSize int64

	Latitude  float64
	Longitude float64
}

// Sender identifies the user who sent a message.
type Sender struct {
	ID           int64
	Username     string
	FirstName    string
	LastName     string
	LanguageCode string
}

// Message is one inbound message as delivered by the source. Raw holds
// the original payload for archival.
type Message struct {
	ID          int64
	ChatID      int64
	Sender      *Sender
	Text        string
	SentAt      time.Time
	Attachments []Attachment
	Raw         json.RawMessage
}

// Update is one event from the source's polling protocol. Message is
// nil for update types that carry no message payload.
type Update struct {
	ID      int64
	Message *Message
}

// Source is the message source capability consumed by the fetch loop.
type Source interface {
	// FetchUpdates returns a bounded batch of updates with id >= offset,
	// in delivery order.
	FetchUpdates(ctx context.Context, offset int64, limit int) ([]Update, error)

	// Download retrieves the bytes of a source-side file and the file
	// extension reported by the source (including the leading dot, or
	// empty when unknown).
	Download(ctx context.Context, fileID string) (data []byte, ext string, err error)

	// SendMessage sends a text reply into a chat.
	SendMessage(ctx context.Context, chatID int64, text string) error
}
