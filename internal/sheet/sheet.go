// Package sheet reads the published register workbook and renders the
// enriched table back into one.
package sheet

import (
	"bytes"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/hmo-register/internal/model"
)

// DefaultSheetName is the sheet written by Write.
const DefaultSheetName = "hmo_register"

// Options configures the workbook reader.
type Options struct {
	SheetIndex int    // default 0
	SheetName  string // if set, overrides SheetIndex
}

// Read parses an in-memory XLSX workbook. The first row of the selected
// sheet is the header; every following row becomes a record.
func Read(data []byte, opts Options) (*model.RawTable, error) {
	f, err := xlsx.OpenBinary(data)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open workbook")
	}

	sheet, err := getSheet(f, opts)
	if err != nil {
		return nil, err
	}

	if len(sheet.Rows) == 0 || sheet.Rows[0] == nil {
		return nil, eris.Errorf("xlsx: sheet %q is empty", sheet.Name)
	}

	raw := &model.RawTable{}
	for _, row := range sheet.Rows[1:] {
		if row == nil {
			continue
		}
		raw.Records = append(raw.Records, rowToStrings(row))
	}
	raw.Header = headerColumns(rowToStrings(sheet.Rows[0]), raw.Records)

	return raw, nil
}

// Write renders the table as a single-sheet workbook with model.Columns as header.
func Write(t *model.Table) ([]byte, error) {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet(DefaultSheetName)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: add sheet")
	}

	header := sheet.AddRow()
	for _, col := range model.Columns {
		header.AddCell().SetString(col)
	}

	if t != nil {
		for _, r := range t.Rows {
			row := sheet.AddRow()
			for _, v := range r.Values() {
				cell := row.AddCell()
				switch val := v.(type) {
				case nil:
				case float64:
					cell.SetFloat(val)
				case string:
					cell.SetString(val)
				}
			}
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, eris.Wrap(err, "xlsx: write workbook")
	}
	return buf.Bytes(), nil
}

func getSheet(f *xlsx.File, opts Options) (*xlsx.Sheet, error) {
	if opts.SheetName != "" {
		sheet, ok := f.Sheet[opts.SheetName]
		if !ok {
			return nil, eris.Errorf("xlsx: sheet %q not found", opts.SheetName)
		}
		return sheet, nil
	}

	if opts.SheetIndex >= len(f.Sheets) {
		return nil, eris.Errorf("xlsx: sheet index %d out of range (file has %d sheets)", opts.SheetIndex, len(f.Sheets))
	}

	return f.Sheets[opts.SheetIndex], nil
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = strings.TrimSpace(cell.String())
	}
	return cells
}

// headerColumns drops trailing blank header cells left behind by formatted
// but unused spreadsheet columns. A blank-headed column that holds data in
// any record is kept, so the column count reflects the data.
func headerColumns(header []string, records [][]string) []string {
	width := len(header)
	for width > 0 && header[width-1] == "" {
		width--
	}
	for _, rec := range records {
		for i := len(rec) - 1; i >= width; i-- {
			if rec[i] != "" {
				width = i + 1
				break
			}
		}
	}

	out := make([]string, width)
	copy(out, header)
	return out
}
