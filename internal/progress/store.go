// Package progress persists crawl checkpoints so an interrupted crawl can
// resume where it left off.
package progress

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/blockedby/tgcrawl/internal/logger"
	"github.com/blockedby/tgcrawl/internal/models"
)

// Checkpoint is the resumable crawl state for one chat. It is only
// meaningful together with the message snapshot DataFile points to.
type Checkpoint struct {
	GroupID       string     `json:"group_id"`
	LastMessageID int        `json:"last_message_id"`
	StartDate     *time.Time `json:"start_date"`
	MessageCount  int        `json:"message_count"`
	LastUpdate    string     `json:"last_update"`
	DataFile      string     `json:"data_file"`
}

// Store reads and writes checkpoints under a data directory.
// Each write supersedes the previous checkpoint for the chat.
type Store struct {
	dir string
	log *logger.Logger
	now func() time.Time
}

// New creates a store rooted at dir.
func New(dir string) *Store {
	return &Store{dir: dir, log: logger.Get(), now: time.Now}
}

func (s *Store) checkpointPath(groupID string) string {
	return filepath.Join(s.dir, fmt.Sprintf("progress_%s.json", groupID))
}

// Save writes the message snapshot and then the checkpoint pointing at it.
func (s *Store) Save(groupID string, records []models.Record, lastMessageID int, cutoff *time.Time) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	ts := s.now().Format("20060102_150405")
	dataFile := filepath.Join(s.dir, fmt.Sprintf("messages_%s_%s.json", groupID, ts))

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}
	if err := os.WriteFile(dataFile, data, 0o644); err != nil {
		return fmt.Errorf("write messages: %w", err)
	}

	cp := Checkpoint{
		GroupID:       groupID,
		LastMessageID: lastMessageID,
		StartDate:     cutoff,
		MessageCount:  len(records),
		LastUpdate:    ts,
		DataFile:      dataFile,
	}
	cpData, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := os.WriteFile(s.checkpointPath(groupID), cpData, 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}

	s.log.Debug().Str("group", groupID).Int("messages", len(records)).Int("last_id", lastMessageID).
		Msg("progress: checkpoint saved")
	return nil
}

// Load returns the checkpoint and its message snapshot for groupID.
// Missing or corrupt state returns (nil, nil, nil): a checkpoint without its
// snapshot (or vice versa) is useless, and resume silently falls back to a
// fresh crawl.
func (s *Store) Load(groupID string) (*Checkpoint, []models.Record, error) {
	cpData, err := os.ReadFile(s.checkpointPath(groupID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(cpData, &cp); err != nil {
		s.log.Warn().Err(err).Str("group", groupID).Msg("progress: checkpoint corrupt, ignoring")
		return nil, nil, nil
	}

	msgData, err := os.ReadFile(cp.DataFile)
	if err != nil {
		s.log.Warn().Err(err).Str("group", groupID).Msg("progress: message snapshot missing, ignoring checkpoint")
		return nil, nil, nil
	}

	var records []models.Record
	if err := json.Unmarshal(msgData, &records); err != nil {
		s.log.Warn().Err(err).Str("group", groupID).Msg("progress: message snapshot corrupt, ignoring checkpoint")
		return nil, nil, nil
	}

	return &cp, records, nil
}

// Merge combines two record sets by message id. The first-seen record for an
// id wins; the result is sorted ascending by timestamp.
func Merge(old, fresh []models.Record) []models.Record {
	seen := make(map[int]struct{}, len(old)+len(fresh))
	merged := make([]models.Record, 0, len(old)+len(fresh))
	for _, lists := range [][]models.Record{old, fresh} {
		for _, rec := range lists {
			if _, ok := seen[rec.ID]; ok {
				continue
			}
			seen[rec.ID] = struct{}{}
			merged = append(merged, rec)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Date.Before(merged[j].Date)
	})
	return merged
}
