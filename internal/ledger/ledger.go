// Package ledger tracks completed media downloads so a crawl never fetches
// the same file twice and never trusts a partially written one.
package ledger

import (
	"crypto/md5"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/blockedby/tgcrawl/internal/logger"
	"github.com/blockedby/tgcrawl/internal/telegram"
)

const recordFileName = "download_records.json"

// FileID derives a stable identifier for a media file from the message id,
// media kind and expected byte size. The file itself never has to be read.
func FileID(messageID int, kind telegram.MediaKind, size int64) string {
	content := fmt.Sprintf("%d_%s_%d", messageID, kind, size)
	return fmt.Sprintf("%x", md5.Sum([]byte(content)))
}

// Record is one completed download.
type Record struct {
	FilePath     string    `json:"file_path"`
	FileSize     int64     `json:"file_size"`
	DownloadTime time.Time `json:"download_time"`
}

// Ledger is the durable record of completed downloads for one download
// directory. The record file is rewritten wholesale on every mutation;
// concurrent crawls against the same directory are not supported.
type Ledger struct {
	dir     string
	records map[string]Record
	log     *logger.Logger
	now     func() time.Time
}

// Open loads (or initializes) the ledger for dir, creating dir if needed.
// A corrupt record file is treated as empty rather than an error.
func Open(dir string) (*Ledger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}

	l := &Ledger{
		dir:     dir,
		records: make(map[string]Record),
		log:     logger.Get(),
		now:     time.Now,
	}

	data, err := os.ReadFile(l.recordPath())
	if err != nil {
		if os.IsNotExist(err) {
			return l, nil
		}
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	if err := json.Unmarshal(data, &l.records); err != nil {
		l.log.Warn().Err(err).Msg("ledger: record file corrupt, starting empty")
		l.records = make(map[string]Record)
	}
	return l, nil
}

// Dir returns the download directory the ledger guards.
func (l *Ledger) Dir() string { return l.dir }

func (l *Ledger) recordPath() string {
	return filepath.Join(l.dir, recordFileName)
}

// IsCompleted reports whether fileID refers to a finished, intact download.
// A record whose backing file is gone or has the wrong size is stale: it is
// purged and false is returned.
func (l *Ledger) IsCompleted(fileID string, size int64) bool {
	rec, ok := l.records[fileID]
	if !ok {
		return false
	}

	info, err := os.Stat(rec.FilePath)
	if err != nil {
		l.log.Debug().Str("file_id", fileID).Msg("ledger: backing file missing, purging record")
		delete(l.records, fileID)
		_ = l.save()
		return false
	}
	if info.Size() != size || rec.FileSize != size {
		l.log.Debug().Str("file_id", fileID).Int64("want", size).Int64("got", info.Size()).
			Msg("ledger: size mismatch, purging record")
		delete(l.records, fileID)
		_ = l.save()
		return false
	}
	return true
}

// Path returns the recorded file path for a completed download.
func (l *Ledger) Path(fileID string) (string, bool) {
	rec, ok := l.records[fileID]
	if !ok {
		return "", false
	}
	return rec.FilePath, true
}

// Add records a completed download. The record is durable before Add returns.
func (l *Ledger) Add(fileID, path string, size int64) error {
	l.records[fileID] = Record{
		FilePath:     path,
		FileSize:     size,
		DownloadTime: l.now(),
	}
	return l.save()
}

// Invalidate drops the record for fileID without touching the file on disk.
// Used after a failed size verification, where the partial file is left for
// the caller's retry to overwrite.
func (l *Ledger) Invalidate(fileID string) error {
	if _, ok := l.records[fileID]; !ok {
		return nil
	}
	delete(l.records, fileID)
	return l.save()
}

// Remove deletes the record and the downloaded file itself.
func (l *Ledger) Remove(fileID string) error {
	rec, ok := l.records[fileID]
	if !ok {
		return nil
	}
	if _, err := os.Stat(rec.FilePath); err == nil {
		if err := os.Remove(rec.FilePath); err != nil {
			l.log.Warn().Err(err).Str("path", rec.FilePath).Msg("ledger: failed to remove file")
		}
	}
	delete(l.records, fileID)
	return l.save()
}

// TargetPath builds the destination path for a fresh download:
// timestamp, file id and the sanitized original name joined by underscores.
func (l *Ledger) TargetPath(fileID, originalName string) string {
	name := l.now().Format("20060102_150405") + "_" + fileID
	if originalName != "" {
		name += "_" + originalName
	}
	return filepath.Join(l.dir, sanitizeFilename(name))
}

// sanitizeFilename keeps only alphanumerics, space, dash, underscore and dot,
// guarding against path injection from attacker-controlled filenames.
func sanitizeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (l *Ledger) save() error {
	data, err := json.MarshalIndent(l.records, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(l.recordPath(), data, 0o644); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	return nil
}
