package service

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"sheetsync/internal/smartsheet"

	"github.com/xuri/excelize/v2"
)

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// ExportXLSX writes the current sheet snapshot to an .xlsx file under the
// export directory and returns its path.
func (s *SheetService) ExportXLSX(ctx context.Context, sheetID string) (string, error) {
	snapshot, _, err := s.GetSheet(ctx, sheetID)
	if err != nil {
		return "", err
	}

	var sheet smartsheet.Sheet
	if err := json.Unmarshal(snapshot, &sheet); err != nil {
		return "", fmt.Errorf("decode sheet %s: %w", sheetID, err)
	}

	if err := os.MkdirAll(s.exportDir, 0o755); err != nil {
		return "", fmt.Errorf("error creating export directory: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	sheetName := "Sheet1"
	if sheet.Name != "" {
		// Excel caps sheet names at 31 characters.
		sheetName = truncate(sheet.Name, 31)
		if err := f.SetSheetName("Sheet1", sheetName); err != nil {
			return "", fmt.Errorf("error naming sheet: %w", err)
		}
	}

	header := sheet.Header()
	for i, title := range header {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheetName, cell, title)
	}
	if len(header) > 0 {
		style, _ := f.NewStyle(&excelize.Style{
			Fill: excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
			Font: &excelize.Font{Bold: true},
		})
		last, _ := excelize.CoordinatesToCellName(len(header), 1)
		_ = f.SetCellStyle(sheetName, "A1", last, style)
		_ = f.SetPanes(sheetName, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})
	}

	for r, row := range sheet.Rows {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		for c, value := range sheet.Values(row) {
			if value == nil {
				continue
			}
			cell, _ := excelize.CoordinatesToCellName(c+1, r+2)
			_ = f.SetCellValue(sheetName, cell, value)
		}
	}

	fileName := fmt.Sprintf("sheet_%s_%s.xlsx",
		unsafeFileChars.ReplaceAllString(sheetID, "_"),
		s.now().UTC().Format("20060102_150405"))
	filePath := filepath.Join(s.exportDir, fileName)

	if err := f.SaveAs(filePath); err != nil {
		return "", fmt.Errorf("error saving file: %w", err)
	}

	s.logger.Info().Str("file_path", filePath).Int("rows", len(sheet.Rows)).Msg("Excel file created")
	return filePath, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
