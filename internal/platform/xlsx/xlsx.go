// Package xlsx renders tabular exports (staging rows, communication log)
// as single-sheet Excel workbooks.
package xlsx

import (
	"bytes"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"
)

const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

const timeLayout = "2006-01-02 15:04:05"

// Column describes one exported column. Width 0 leaves the default.
type Column struct {
	Header string
	Width  float64
}

// Sheet is a header row plus data rows. Row cells must line up with Columns.
type Sheet struct {
	Name    string
	Columns []Column
	Rows    [][]interface{}
}

// Render builds the workbook and returns its bytes.
func Render(s Sheet) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	name := s.Name
	if name == "" {
		name = "Export"
	}
	index, err := f.NewSheet(name)
	if err != nil {
		return nil, fmt.Errorf("create sheet: %w", err)
	}
	if name != "Sheet1" {
		if err := f.DeleteSheet("Sheet1"); err != nil {
			return nil, fmt.Errorf("delete default sheet: %w", err)
		}
	}
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
		},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		return nil, fmt.Errorf("create header style: %w", err)
	}

	for i, col := range s.Columns {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, err
		}
		if err := f.SetCellValue(name, cell, col.Header); err != nil {
			return nil, fmt.Errorf("set header %s: %w", cell, err)
		}
		if err := f.SetCellStyle(name, cell, cell, headerStyle); err != nil {
			return nil, fmt.Errorf("style header %s: %w", cell, err)
		}
		if col.Width > 0 {
			letter, _ := excelize.ColumnNumberToName(i + 1)
			if err := f.SetColWidth(name, letter, letter, col.Width); err != nil {
				return nil, fmt.Errorf("set width %s: %w", letter, err)
			}
		}
	}
	if len(s.Columns) > 0 {
		if err := f.SetPanes(name, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
			return nil, fmt.Errorf("freeze header: %w", err)
		}
	}

	for r, row := range s.Rows {
		if len(row) > len(s.Columns) {
			return nil, fmt.Errorf("row %d has %d cells for %d columns", r+1, len(row), len(s.Columns))
		}
		for c, v := range row {
			v = cellValue(v)
			if v == nil {
				continue
			}
			cell, err := excelize.CoordinatesToCellName(c+1, r+2)
			if err != nil {
				return nil, err
			}
			if err := f.SetCellValue(name, cell, v); err != nil {
				return nil, fmt.Errorf("set cell %s: %w", cell, err)
			}
		}
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

// cellValue flattens pointers and formats times so every cell is a plain
// string, number, or bool.
func cellValue(v interface{}) interface{} {
	switch val := v.(type) {
	case nil:
		return nil
	case *string:
		if val == nil {
			return nil
		}
		return *val
	case time.Time:
		if val.IsZero() {
			return nil
		}
		return val.UTC().Format(timeLayout)
	case *time.Time:
		if val == nil || val.IsZero() {
			return nil
		}
		return val.UTC().Format(timeLayout)
	case []string:
		if len(val) == 0 {
			return nil
		}
		out := val[0]
		for _, s := range val[1:] {
			out += ", " + s
		}
		return out
	case fmt.Stringer:
		return val.String()
	}
	return v
}

// Filename builds "<prefix>-<code>-<date>.xlsx".
func Filename(prefix, code string, now time.Time) string {
	return fmt.Sprintf("%s-%s-%s.xlsx", prefix, code, now.UTC().Format("20060102-150405"))
}
