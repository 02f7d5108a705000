package ledger

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/blockedby/tgcrawl/internal/logger"
	"github.com/blockedby/tgcrawl/internal/telegram"
)

const (
	fetchAttempts    = 3
	fetchBaseDelay   = 2 * time.Second
	progressInterval = 500 * time.Millisecond
)

// Downloader streams a message's media to a local file.
type Downloader interface {
	DownloadMedia(ctx context.Context, chat *telegram.Chat, msg *telegram.Message, destPath string, onProgress telegram.DownloadProgressFunc) error
}

// ProgressFunc receives throttled download progress: byte counters plus
// instantaneous throughput in bytes per second.
type ProgressFunc func(received, total int64, bytesPerSec float64)

// Fetcher is the dedup/retry layer over media retrieval. It consults the
// ledger before downloading, verifies sizes after, and retries the whole
// operation with exponential backoff before giving up on a single item.
type Fetcher struct {
	ledger   *Ledger
	dl       Downloader
	progress ProgressFunc
	log      *logger.Logger

	baseDelay time.Duration // overridable in tests
}

// NewFetcher creates a fetcher. progress may be nil.
func NewFetcher(l *Ledger, dl Downloader, progress ProgressFunc) *Fetcher {
	return &Fetcher{
		ledger:    l,
		dl:        dl,
		progress:  progress,
		log:       logger.Get(),
		baseDelay: fetchBaseDelay,
	}
}

// Fetch retrieves the media attached to msg, returning the local path and
// true on success. A completed, intact prior download short-circuits without
// a network transfer. After exhausting retries Fetch returns ("", false)
// rather than an error, so the crawl can continue without this one item.
func (f *Fetcher) Fetch(ctx context.Context, chat *telegram.Chat, msg *telegram.Message) (string, bool) {
	if msg.Media == nil || msg.Media.Kind == telegram.MediaNone {
		return "", false
	}

	fileID := FileID(msg.ID, msg.Media.Kind, msg.Media.Size)

	if f.ledger.IsCompleted(fileID, msg.Media.Size) {
		path, _ := f.ledger.Path(fileID)
		f.log.Debug().Str("file_id", fileID).Str("path", path).Msg("fetch: already downloaded")
		return path, true
	}

	destPath := f.ledger.TargetPath(fileID, msg.Media.Filename)

	attempt := 0
	op := func() error {
		attempt++
		if err := f.download(ctx, chat, msg, fileID, destPath); err != nil {
			f.log.Warn().Err(err).Int("attempt", attempt).Int("message_id", msg.ID).
				Msg("fetch: download attempt failed")
			return err
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = f.baseDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, fetchAttempts-1), ctx))
	if err != nil {
		f.log.Error().Err(err).Int("message_id", msg.ID).Msg("fetch: giving up on media item")
		return "", false
	}
	return destPath, true
}

// download performs one transfer attempt and verifies the on-disk size.
func (f *Fetcher) download(ctx context.Context, chat *telegram.Chat, msg *telegram.Message, fileID, destPath string) error {
	onProgress := f.throttled()

	if err := f.dl.DownloadMedia(ctx, chat, msg, destPath, onProgress); err != nil {
		return err
	}

	info, err := os.Stat(destPath)
	if err != nil {
		return fmt.Errorf("stat downloaded file: %w", err)
	}
	if info.Size() != msg.Media.Size {
		// partial file stays on disk for the next attempt to overwrite
		if err := f.ledger.Invalidate(fileID); err != nil {
			f.log.Warn().Err(err).Str("file_id", fileID).Msg("fetch: failed to invalidate ledger entry")
		}
		return fmt.Errorf("size mismatch: got %d, want %d", info.Size(), msg.Media.Size)
	}

	if err := f.ledger.Add(fileID, destPath, info.Size()); err != nil {
		return fmt.Errorf("record download: %w", err)
	}
	return nil
}

// throttled wraps the caller's progress sink so it fires at most once per
// progressInterval, computing throughput from the bytes moved in between.
func (f *Fetcher) throttled() telegram.DownloadProgressFunc {
	if f.progress == nil {
		return nil
	}
	var (
		lastEmit  time.Time
		lastBytes int64
	)
	return func(received, total int64) {
		now := time.Now()
		if !lastEmit.IsZero() && now.Sub(lastEmit) < progressInterval {
			return
		}
		var rate float64
		if !lastEmit.IsZero() {
			if secs := now.Sub(lastEmit).Seconds(); secs > 0 {
				rate = float64(received-lastBytes) / secs
			}
		}
		lastEmit = now
		lastBytes = received
		f.progress(received, total, rate)
	}
}
