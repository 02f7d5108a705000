// Package export turns a crawled message collection into tabular summaries
// and spreadsheet output.
package export

import (
	"fmt"
	"sort"
	"strings"

	"github.com/blockedby/tgcrawl/internal/models"
)

// Summary holds the headline statistics for a message collection.
type Summary struct {
	Total         int
	UniqueSenders int
	MediaCount    int
	AvgViews      float64
}

// SenderStat aggregates one sender's activity.
type SenderStat struct {
	SenderID   int64
	SenderName string
	Messages   int
	AvgViews   float64
	MediaCount int
}

// Summarize computes the headline statistics.
func Summarize(records []models.Record) Summary {
	s := Summary{Total: len(records)}
	senders := make(map[int64]struct{})
	viewSum := 0
	for i := range records {
		r := &records[i]
		senders[r.SenderID] = struct{}{}
		viewSum += r.Views
		if r.HasMedia() {
			s.MediaCount++
		}
	}
	s.UniqueSenders = len(senders)
	if s.Total > 0 {
		s.AvgViews = float64(viewSum) / float64(s.Total)
	}
	return s
}

// BySender aggregates per-sender counts, sorted descending by message count
// with sender id as the tiebreaker.
func BySender(records []models.Record) []SenderStat {
	byID := make(map[int64]*SenderStat)
	for i := range records {
		r := &records[i]
		st, ok := byID[r.SenderID]
		if !ok {
			st = &SenderStat{SenderID: r.SenderID, SenderName: r.SenderName}
			byID[r.SenderID] = st
		}
		st.Messages++
		st.AvgViews += float64(r.Views)
		if r.HasMedia() {
			st.MediaCount++
		}
	}

	out := make([]SenderStat, 0, len(byID))
	for _, st := range byID {
		if st.Messages > 0 {
			st.AvgViews /= float64(st.Messages)
		}
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Messages != out[j].Messages {
			return out[i].Messages > out[j].Messages
		}
		return out[i].SenderID < out[j].SenderID
	})
	return out
}

// ByHour buckets messages into a 24-slot histogram by hour of day (UTC).
func ByHour(records []models.Record) [24]int {
	var hist [24]int
	for i := range records {
		hist[records[i].Date.UTC().Hour()]++
	}
	return hist
}

// FormatStats renders the statistics view: headline numbers, the five most
// active senders, and an hourly histogram with bar rendering.
func FormatStats(records []models.Record) string {
	var b strings.Builder

	s := Summarize(records)
	fmt.Fprintf(&b, "Messages:        %d\n", s.Total)
	fmt.Fprintf(&b, "Unique senders:  %d\n", s.UniqueSenders)
	fmt.Fprintf(&b, "With media:      %d\n", s.MediaCount)
	fmt.Fprintf(&b, "Average views:   %.2f\n", s.AvgViews)

	senders := BySender(records)
	if len(senders) > 0 {
		b.WriteString("\nTop senders:\n")
		top := senders
		if len(top) > 5 {
			top = top[:5]
		}
		for _, st := range top {
			fmt.Fprintf(&b, "  %-24s %d\n", st.SenderName, st.Messages)
		}
	}

	hist := ByHour(records)
	maxCount := 0
	for _, c := range hist {
		if c > maxCount {
			maxCount = c
		}
	}
	if maxCount > 0 {
		b.WriteString("\nMessages by hour (UTC):\n")
		for hour, count := range hist {
			if count == 0 {
				continue
			}
			bar := strings.Repeat("#", count*20/maxCount)
			fmt.Fprintf(&b, "  %02d  %-20s %d\n", hour, bar, count)
		}
	}

	return b.String()
}
