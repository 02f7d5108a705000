// Package models holds data types shared between the crawl, persistence and
// export layers.
package models

import (
	"time"

	"github.com/blockedby/tgcrawl/internal/telegram"
)

// Record is one crawled chat message, enriched with sender info and the
// local path of its media when a download succeeded.
//
// The message id is the natural key: when old and new crawl results are
// merged, the first-seen record for an id wins.
type Record struct {
	Group      string             `json:"group"`
	ID         int                `json:"id"`
	SenderID   int64              `json:"sender_id"`
	Username   string             `json:"username"`
	SenderName string             `json:"sender_name"`
	Date       time.Time          `json:"date"`
	Text       string             `json:"text"`
	Views      int                `json:"views"`
	MediaType  telegram.MediaKind `json:"media_type,omitempty"`
	MediaPath  string             `json:"media_path,omitempty"`
}

// HasMedia reports whether the message carried a downloadable attachment.
func (r *Record) HasMedia() bool {
	return r.MediaType != telegram.MediaNone
}
