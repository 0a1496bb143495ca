package xlsx

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"
)

func TestRender(t *testing.T) {
	unit := "g/L"
	observed := time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC)
	id := uuid.MustParse("11111111-2222-3333-4444-555555555555")
	data, err := Render(Sheet{
		Name:    "Staging",
		Columns: []Column{{Header: "ID", Width: 38}, {Header: "Value"}, {Header: "Unit"}, {Header: "Observed"}, {Header: "Samples"}, {Header: "Posted"}},
		Rows: [][]interface{}{
			{id, "7.2", &unit, &observed, []string{"S1", "S2"}, true},
			{id, "n/a", (*string)(nil), (*time.Time)(nil), nil, false},
		},
	})
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}

	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("OpenReader() error: %v", err)
	}
	defer f.Close()

	if got := f.GetSheetList(); len(got) != 1 || got[0] != "Staging" {
		t.Fatalf("unexpected sheets %v", got)
	}
	rows, err := f.GetRows("Staging")
	if err != nil {
		t.Fatalf("GetRows() error: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header + 2 rows, got %d", len(rows))
	}
	if rows[0][0] != "ID" || rows[0][5] != "Posted" {
		t.Errorf("unexpected header %v", rows[0])
	}
	want := []string{id.String(), "7.2", "g/L", "2024-03-01 08:30:00", "S1, S2", "TRUE"}
	for i, w := range want {
		if rows[1][i] != w {
			t.Errorf("row 1 col %d = %q, want %q", i, rows[1][i], w)
		}
	}
	if v, _ := f.GetCellValue("Staging", "C3"); v != "" {
		t.Errorf("nil pointer should leave the cell empty, got %q", v)
	}
}

func TestRender_RowWiderThanHeader(t *testing.T) {
	_, err := Render(Sheet{Columns: []Column{{Header: "A"}}, Rows: [][]interface{}{{1, 2}}})
	if err == nil {
		t.Error("expected error for row wider than header")
	}
}

func TestFilename(t *testing.T) {
	got := Filename("staging", "XN-1", time.Date(2024, 3, 1, 8, 30, 5, 0, time.UTC))
	if got != "staging-XN-1-20240301-083005.xlsx" {
		t.Errorf("Filename() = %q", got)
	}
}
