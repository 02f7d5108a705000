// Package telegram defines the protocol-client contract the crawler consumes
// and provides a gotd/td backed implementation of it.
package telegram

import (
	"context"
)

// DownloadProgressFunc receives raw byte counters while a file is streamed.
// total may be 0 when the size is not known up front.
type DownloadProgressFunc func(received, total int64)

// Client is the narrow protocol-client surface the crawl engine depends on.
// Session management, wire protocol and transport belong to the
// implementation; everything here is a plain request/response contract.
//
// GetMessages pages through a chat's history newest-first: offsetID 0 starts
// from the latest message, a non-zero offsetID returns messages with smaller
// ids. An empty page means the history is exhausted. Each call restarts
// pagination from the given offset.
type Client interface {
	Connect(ctx context.Context) error
	IsConnected() bool
	IsAuthorized(ctx context.Context) (bool, error)
	SendCodeRequest(ctx context.Context, phone string) error
	SignIn(ctx context.Context, phone, code string) error
	ResolveChat(ctx context.Context, ref ChatRef) (*Chat, error)
	GetMessages(ctx context.Context, chat *Chat, offsetID int, limit int) ([]Message, error)
	ResolveSender(ctx context.Context, id int64) (*Sender, error)
	DownloadMedia(ctx context.Context, chat *Chat, msg *Message, destPath string, onProgress DownloadProgressFunc) error
	Disconnect() error
}
