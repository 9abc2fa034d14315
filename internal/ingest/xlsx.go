package ingest

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// XLSXText renders every sheet of a workbook as text: a
// "=== Sheet: name ===" header followed by one tab-joined line per non-empty
// row. It returns the text and the sheet count.
func XLSXText(path string) (string, int, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return "", 0, eris.Wrap(err, "ingest: open xlsx")
	}

	var sb strings.Builder
	for i, sheet := range f.Sheets {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("=== Sheet: " + sheet.Name + " ===\n")
		for _, row := range sheet.Rows {
			if row == nil {
				continue
			}
			cells := rowToStrings(row)
			if strings.TrimSpace(strings.Join(cells, "")) == "" {
				continue
			}
			sb.WriteString(strings.Join(cells, "\t"))
			sb.WriteString("\n")
		}
	}
	return sb.String(), len(f.Sheets), nil
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = strings.TrimSpace(cell.String())
	}
	return cells
}
