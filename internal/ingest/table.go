// Package ingest turns uploaded review tables and JSON bodies into validated review batches.
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"sentiment-dispatcher/internal/apperr"
	"sentiment-dispatcher/internal/models"
)

// Column names every uploaded table must carry.
const (
	ColumnTitle  = "title"
	ColumnReview = "review"
)

// RequiredColumns lists the columns checked on every upload, in report order.
var RequiredColumns = []string{ColumnTitle, ColumnReview}

// Table is a parsed upload after rows missing a title or review were dropped.
type Table struct {
	Items []models.ReviewItem
	// TotalRows counts data rows before cleaning.
	TotalRows int
	// CleanedRows counts rows kept after cleaning.
	CleanedRows int
}

// MissingColumnsError reports which required columns an upload lacks.
type MissingColumnsError struct {
	Missing  []string
	Found    []string
	Required []string
}

func (e *MissingColumnsError) Error() string {
	return fmt.Sprintf("Missing required columns: %s", strings.Join(e.Missing, ", "))
}

// Parse dispatches on the file extension. Only .csv and .xlsx are accepted.
func Parse(filename string, r io.Reader) (Table, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		return ParseCSV(r)
	case ".xlsx":
		return ParseXLSX(r)
	default:
		return Table{}, apperr.Validation("Please select a valid CSV file")
	}
}

// ParseCSV reads a header row followed by data rows.
func ParseCSV(r io.Reader) (Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	rows, err := cr.ReadAll()
	if err != nil {
		return Table{}, apperr.Validation("Failed to read CSV file: %v", err)
	}
	return fromRows(rows)
}

// ParseXLSX reads the first sheet of a workbook.
func ParseXLSX(r io.Reader) (Table, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return Table{}, apperr.Validation("Failed to read spreadsheet: %v", err)
	}
	defer f.Close()
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return Table{}, apperr.Validation("Spreadsheet has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return Table{}, apperr.Validation("Failed to read sheet %q: %v", sheets[0], err)
	}
	return fromRows(rows)
}

func fromRows(rows [][]string) (Table, error) {
	if len(rows) == 0 {
		return Table{}, apperr.Validation("File is empty")
	}
	header := make([]string, len(rows[0]))
	index := make(map[string]int, len(header))
	for i, h := range rows[0] {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		header[i] = h
		if _, dup := index[h]; !dup {
			index[h] = i
		}
	}
	var missing []string
	for _, col := range RequiredColumns {
		if _, ok := index[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return Table{}, &apperr.Error{
			Kind:    apperr.KindValidation,
			Message: fmt.Sprintf("Missing required columns: %s", strings.Join(missing, ", ")),
			Cause:   &MissingColumnsError{Missing: missing, Found: header, Required: RequiredColumns},
		}
	}

	titleAt, reviewAt := index[ColumnTitle], index[ColumnReview]
	t := Table{TotalRows: len(rows) - 1}
	for _, row := range rows[1:] {
		title, review := cell(row, titleAt), cell(row, reviewAt)
		if title == "" || review == "" {
			continue
		}
		t.Items = append(t.Items, models.ReviewItem{Text: review, Label: title})
	}
	t.CleanedRows = len(t.Items)
	if t.CleanedRows == 0 {
		return Table{}, apperr.Validation("No valid data found after removing empty rows")
	}
	return t, nil
}

func cell(row []string, i int) string {
	if i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// MissingColumns extracts the column report from a validation error, if any.
func MissingColumns(err error) (*MissingColumnsError, bool) {
	var mc *MissingColumnsError
	ok := errors.As(err, &mc)
	return mc, ok
}
