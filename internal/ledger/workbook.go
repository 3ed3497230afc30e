package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/xuri/excelize/v2"
)

const (
	// DataSheet holds one row per line item
	DataSheet = "DADOS"
	// KeySheet holds the access key index
	KeySheet = "chaves44"
)

var keyHeader = []string{"Chave", "NumeroRecibo"}

// WorkbookLedger implements Ledger on a local .xlsx workbook laid out like
// the shared spreadsheet: a DADOS sheet and a chaves44 sheet, each with a
// header row. Every append saves the workbook.
type WorkbookLedger struct {
	mu   sync.Mutex
	path string
	f    *excelize.File
}

// NewWorkbookLedger opens the workbook at path, creating it when missing
func NewWorkbookLedger(path string) (*WorkbookLedger, error) {
	w := &WorkbookLedger{path: path}
	if err := w.load(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *WorkbookLedger) load() error {
	f, err := excelize.OpenFile(w.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		f = excelize.NewFile()
		if err := f.SetSheetName(f.GetSheetName(0), DataSheet); err != nil {
			return fmt.Errorf("naming data sheet: %w", err)
		}
	case err != nil:
		return fmt.Errorf("opening workbook: %w", err)
	}

	if err := ensureSheet(f, DataSheet, Header); err != nil {
		f.Close()
		return err
	}
	if err := ensureSheet(f, KeySheet, keyHeader); err != nil {
		f.Close()
		return err
	}
	if err := f.SaveAs(w.path); err != nil {
		f.Close()
		return fmt.Errorf("saving workbook: %w", err)
	}

	if w.f != nil {
		w.f.Close()
	}
	w.f = f
	return nil
}

func ensureSheet(f *excelize.File, sheet string, header []string) error {
	if index, _ := f.GetSheetIndex(sheet); index == -1 {
		if _, err := f.NewSheet(sheet); err != nil {
			return fmt.Errorf("creating sheet %s: %w", sheet, err)
		}
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return fmt.Errorf("reading sheet %s: %w", sheet, err)
	}
	if len(rows) > 0 {
		return nil
	}
	return setRow(f, sheet, 1, header)
}

func setRow(f *excelize.File, sheet string, row int, values []string) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	cells := make([]interface{}, len(values))
	for i, v := range values {
		cells[i] = v
	}
	if err := f.SetSheetRow(sheet, cell, &cells); err != nil {
		return fmt.Errorf("writing %s row %d: %w", sheet, row, err)
	}
	return nil
}

// dataRows returns the sheet's rows below the header
func (w *WorkbookLedger) dataRows(sheet string) ([][]string, error) {
	rows, err := w.f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("reading sheet %s: %w", sheet, err)
	}
	if len(rows) <= 1 {
		return nil, nil
	}
	return rows[1:], nil
}

// FindByKey returns the receipt number recorded for an access key
func (w *WorkbookLedger) FindByKey(accessKey string) (string, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	rows, err := w.dataRows(KeySheet)
	if err != nil {
		return "", false, err
	}
	accessKey = strings.TrimSpace(accessKey)
	for _, row := range rows {
		if len(row) == 0 || strings.TrimSpace(row[0]) != accessKey {
			continue
		}
		if len(row) < 2 {
			return "", true, nil
		}
		return strings.TrimSpace(row[1]), true, nil
	}
	return "", false, nil
}

// FindByReceipt returns every row with the receipt number
func (w *WorkbookLedger) FindByReceipt(receiptNumber string) ([]Row, error) {
	rows, err := w.Rows()
	if err != nil {
		return nil, err
	}
	return filterRows(rows, func(r Row) bool { return matchesReceipt(r, receiptNumber) }), nil
}

// FindByReceiptAndTaxID returns every row with both the receipt number and tax ID
func (w *WorkbookLedger) FindByReceiptAndTaxID(receiptNumber, taxID string) ([]Row, error) {
	rows, err := w.Rows()
	if err != nil {
		return nil, err
	}
	return filterRows(rows, func(r Row) bool { return matchesReceiptAndTaxID(r, receiptNumber, taxID) }), nil
}

// Rows returns all rows in sheet order
func (w *WorkbookLedger) Rows() ([]Row, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	values, err := w.dataRows(DataSheet)
	if err != nil {
		return nil, err
	}
	rows := make([]Row, 0, len(values))
	for _, v := range values {
		rows = append(rows, RowFromValues(v))
	}
	return rows, nil
}

// Append writes the rows below the last used row and saves. A failed
// write or save reloads the workbook from disk so no partial document
// stays in memory.
func (w *WorkbookLedger) Append(rows []Row) error {
	values := make([][]string, len(rows))
	for i, r := range rows {
		values[i] = r.Values()
	}
	return w.appendRows(DataSheet, values)
}

// AppendKey records a key index entry unless the key is already indexed
func (w *WorkbookLedger) AppendKey(accessKey, receiptNumber string) error {
	if _, found, err := w.FindByKey(accessKey); err != nil || found {
		return err
	}
	return w.appendRows(KeySheet, [][]string{{strings.TrimSpace(accessKey), receiptNumber}})
}

func (w *WorkbookLedger) appendRows(sheet string, values [][]string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	existing, err := w.f.GetRows(sheet)
	if err != nil {
		return fmt.Errorf("reading sheet %s: %w", sheet, err)
	}
	next := len(existing) + 1

	err = func() error {
		for i, v := range values {
			if err := setRow(w.f, sheet, next+i, v); err != nil {
				return err
			}
		}
		if err := w.f.Save(); err != nil {
			return fmt.Errorf("saving workbook: %w", err)
		}
		return nil
	}()
	if err != nil {
		if reloadErr := w.load(); reloadErr != nil {
			slog.Error("Failed to reload workbook after write error", "error", reloadErr)
		}
		return err
	}
	return nil
}

// Close closes the workbook
func (w *WorkbookLedger) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}
