package telegram

import (
	"fmt"
	"strings"
	"time"
)

// MediaKind classifies a message attachment.
type MediaKind string

// Media kinds. The zero value means the message carries no media.
const (
	MediaNone     MediaKind = ""
	MediaPhoto    MediaKind = "photo"
	MediaVideo    MediaKind = "video"
	MediaDocument MediaKind = "document"
	MediaAudio    MediaKind = "audio"
)

// String returns the lowercase kind name, "none" for the zero value.
func (k MediaKind) String() string {
	if k == MediaNone {
		return "none"
	}
	return string(k)
}

// photoRef and docRef carry the protocol-level location needed to stream the
// file. They never leave this package.
type photoRef struct {
	id         int64
	accessHash int64
	fileRef    []byte
	thumbSize  string
}

type docRef struct {
	id         int64
	accessHash int64
	fileRef    []byte
}

// MediaMeta describes an attachment of a wire message.
type MediaMeta struct {
	Kind     MediaKind
	Size     int64  // expected byte size, known before download
	Filename string // original filename, may be empty

	photo *photoRef
	doc   *docRef
}

// Message is a single message as returned by the protocol client.
type Message struct {
	ID       int
	SenderID int64
	Date     time.Time // always UTC
	Text     string
	Views    int
	Media    *MediaMeta // nil when the message has no downloadable media
}

// Sender holds resolved display attributes for a message author.
type Sender struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
	Title     string // set for channels posting as themselves
}

// DisplayName computes a human-readable name for the sender:
// @username, else first/last name, else channel title, else User<id>.
func (s *Sender) DisplayName() string {
	if s.Username != "" {
		return "@" + s.Username
	}
	full := strings.TrimSpace(strings.Join(nonEmpty(s.FirstName, s.LastName), " "))
	if full != "" {
		return full
	}
	if s.Title != "" {
		return s.Title
	}
	return fmt.Sprintf("User%d", s.ID)
}

func nonEmpty(parts ...string) []string {
	var out []string
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Chat is a resolved target conversation.
type Chat struct {
	ID         int64 // bare id, without the -100 supergroup prefix
	AccessHash int64
	Title      string
	Broadcast  bool // channel rather than group
	Legacy     bool // basic (non-super) group, addressed without access hash
}
