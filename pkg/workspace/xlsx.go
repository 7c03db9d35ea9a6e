package workspace

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/xuri/excelize/v2"
)

// FinalizeXLSX converts the named CSV work file into a spreadsheet and
// removes the CSV. The CSV is re-read a row at a time and appended through a
// stream writer, so memory use stays bounded regardless of row count.
func (w *Workspace) FinalizeXLSX(name string) error {
	csvName := w.resolveName(name)
	wf, ok := w.files[csvName]
	if !ok {
		return fmt.Errorf("no work file named %s", csvName)
	}
	if wf.csv != nil {
		wf.csv.Flush()
		if err := wf.csv.Error(); err != nil {
			return err
		}
	}
	csvPath := wf.file.Name()

	xlsxName := strings.TrimSuffix(csvName, ".csv") + ".xlsx"
	xlsxPath := w.FilePath(xlsxName)
	if err := csvToXLSX(csvPath, xlsxPath); err != nil {
		return fmt.Errorf("converting %s to xlsx: %w", csvName, err)
	}
	return w.ReplaceFile(csvName, xlsxName)
}

// csvToXLSX streams the rows of a CSV file into a new spreadsheet.
func csvToXLSX(csvPath, xlsxPath string) error {
	in, err := os.Open(csvPath)
	if err != nil {
		return err
	}
	defer in.Close()

	book := excelize.NewFile()
	defer book.Close()

	sheet, err := book.NewStreamWriter("Sheet1")
	if err != nil {
		return err
	}

	reader := csv.NewReader(in)
	reader.FieldsPerRecord = -1
	rowIndex := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		cells := make([]interface{}, len(record))
		for i, value := range record {
			cells[i] = value
		}
		cell, err := excelize.CoordinatesToCellName(1, rowIndex)
		if err != nil {
			return err
		}
		if err := sheet.SetRow(cell, cells); err != nil {
			return err
		}
		rowIndex++
	}
	if err := sheet.Flush(); err != nil {
		return err
	}
	return book.SaveAs(xlsxPath)
}
