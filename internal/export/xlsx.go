package export

import (
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/blockedby/tgcrawl/internal/models"
)

const (
	sheetMessages = "Messages"
	sheetSummary  = "Summary"
	sheetSenders  = "Senders"

	dateLayout = "2006-01-02 15:04:05"
)

// WriteXLSX writes the collection to an xlsx workbook with three sheets:
// the raw message rows, the summary statistics, and per-sender aggregates.
func WriteXLSX(path string, records []models.Record) error {
	f := excelize.NewFile()
	defer f.Close()

	// excelize starts with a default sheet; take it over for the raw data
	if err := f.SetSheetName("Sheet1", sheetMessages); err != nil {
		return fmt.Errorf("rename default sheet: %w", err)
	}

	if err := writeMessages(f, records); err != nil {
		return fmt.Errorf("write messages sheet: %w", err)
	}
	if err := writeSummary(f, records); err != nil {
		return fmt.Errorf("write summary sheet: %w", err)
	}
	if err := writeSenders(f, records); err != nil {
		return fmt.Errorf("write senders sheet: %w", err)
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}

func writeMessages(f *excelize.File, records []models.Record) error {
	header := []interface{}{"ID", "Group", "Sender ID", "Username", "Sender", "Date", "Text", "Views", "Media Type", "Media Path"}
	if err := f.SetSheetRow(sheetMessages, "A1", &header); err != nil {
		return err
	}
	for i := range records {
		r := &records[i]
		row := []interface{}{
			r.ID, r.Group, r.SenderID, r.Username, r.SenderName,
			r.Date.UTC().Format(dateLayout), r.Text, r.Views,
			r.MediaType.String(), r.MediaPath,
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheetMessages, cell, &row); err != nil {
			return err
		}
	}
	return nil
}

func writeSummary(f *excelize.File, records []models.Record) error {
	if _, err := f.NewSheet(sheetSummary); err != nil {
		return err
	}
	s := Summarize(records)
	rows := [][]interface{}{
		{"Statistic", "Value"},
		{"Total messages", s.Total},
		{"Unique senders", s.UniqueSenders},
		{"Messages with media", s.MediaCount},
		{"Average views", fmt.Sprintf("%.2f", s.AvgViews)},
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheetSummary, cell, &row); err != nil {
			return err
		}
	}
	return nil
}

func writeSenders(f *excelize.File, records []models.Record) error {
	if _, err := f.NewSheet(sheetSenders); err != nil {
		return err
	}
	header := []interface{}{"Sender ID", "Sender", "Messages", "Avg Views", "Media Messages"}
	if err := f.SetSheetRow(sheetSenders, "A1", &header); err != nil {
		return err
	}
	for i, st := range BySender(records) {
		row := []interface{}{st.SenderID, st.SenderName, st.Messages, fmt.Sprintf("%.2f", st.AvgViews), st.MediaCount}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheetSenders, cell, &row); err != nil {
			return err
		}
	}
	return nil
}
