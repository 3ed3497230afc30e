package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // Register the pure Go sqlite driver
)

var sqliteSchema = []string{
	`PRAGMA journal_mode = WAL;`,
	`CREATE TABLE IF NOT EXISTS ledger_rows (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		emitter TEXT NOT NULL,
		tax_id TEXT NOT NULL,
		receipt_number TEXT NOT NULL,
		consumer TEXT NOT NULL,
		item_code TEXT NOT NULL,
		short_name TEXT NOT NULL,
		category TEXT NOT NULL,
		description TEXT NOT NULL,
		quantity REAL NOT NULL,
		unit TEXT NOT NULL,
		unit_price REAL NOT NULL,
		total_price REAL NOT NULL,
		issue_date TEXT NOT NULL,
		issue_time TEXT NOT NULL,
		is_sat INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_rows_receipt ON ledger_rows(receipt_number, tax_id);`,
	`CREATE TABLE IF NOT EXISTS key_index (
		access_key TEXT PRIMARY KEY,
		receipt_number TEXT NOT NULL
	);`,
}

const rowColumns = `emitter, tax_id, receipt_number, consumer, item_code, short_name, category, description,
	quantity, unit, unit_price, total_price, issue_date, issue_time, is_sat`

// SQLiteLedger implements Ledger on a SQLite database
type SQLiteLedger struct {
	db *sql.DB
}

// NewSQLiteLedger opens or creates the database at path and applies the schema
func NewSQLiteLedger(path string) (*SQLiteLedger, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving sqlite path: %w", err)
	}
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", abs))
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	// One writer at a time keeps appends all-or-nothing without busy retries
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	for i, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("executing schema statement %d: %w", i+1, err)
		}
	}
	return &SQLiteLedger{db: db}, nil
}

// FindByKey returns the receipt number recorded for an access key
func (s *SQLiteLedger) FindByKey(accessKey string) (string, bool, error) {
	var number string
	err := s.db.QueryRow(`SELECT receipt_number FROM key_index WHERE access_key = ?`,
		strings.TrimSpace(accessKey)).Scan(&number)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("querying key index: %w", err)
	}
	return strings.TrimSpace(number), true, nil
}

// FindByReceipt returns every row with the receipt number
func (s *SQLiteLedger) FindByReceipt(receiptNumber string) ([]Row, error) {
	return s.query(`SELECT `+rowColumns+` FROM ledger_rows WHERE trim(receipt_number) = ? ORDER BY id`,
		strings.TrimSpace(receiptNumber))
}

// FindByReceiptAndTaxID returns every row with both the receipt number and tax ID
func (s *SQLiteLedger) FindByReceiptAndTaxID(receiptNumber, taxID string) ([]Row, error) {
	return s.query(`SELECT `+rowColumns+` FROM ledger_rows WHERE trim(receipt_number) = ? AND trim(tax_id) = ? ORDER BY id`,
		strings.TrimSpace(receiptNumber), strings.TrimSpace(taxID))
}

// Rows returns all rows in append order
func (s *SQLiteLedger) Rows() ([]Row, error) {
	return s.query(`SELECT ` + rowColumns + ` FROM ledger_rows ORDER BY id`)
}

func (s *SQLiteLedger) query(q string, args ...any) ([]Row, error) {
	rs, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying rows: %w", err)
	}
	defer rs.Close()

	var rows []Row
	for rs.Next() {
		var r Row
		err := rs.Scan(&r.Emitter, &r.TaxID, &r.ReceiptNumber, &r.Consumer, &r.ItemCode, &r.ShortName,
			&r.Category, &r.Description, &r.Quantity, &r.Unit, &r.UnitPrice, &r.TotalPrice,
			&r.IssueDate, &r.IssueTime, &r.IsSAT)
		if err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		rows = append(rows, r)
	}
	if err := rs.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	return rows, nil
}

// Append inserts the rows of one document in a single transaction
func (s *SQLiteLedger) Append(rows []Row) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning append: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO ledger_rows (` + rowColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		_, err := stmt.Exec(r.Emitter, r.TaxID, r.ReceiptNumber, r.Consumer, r.ItemCode, r.ShortName,
			r.Category, r.Description, r.Quantity, r.Unit, r.UnitPrice, r.TotalPrice,
			r.IssueDate, r.IssueTime, r.IsSAT)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting row: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing append: %w", err)
	}
	return nil
}

// AppendKey records a key index entry unless the key is already indexed
func (s *SQLiteLedger) AppendKey(accessKey, receiptNumber string) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO key_index (access_key, receipt_number) VALUES (?, ?)`,
		strings.TrimSpace(accessKey), receiptNumber)
	if err != nil {
		return fmt.Errorf("inserting key: %w", err)
	}
	return nil
}

// Close closes the database
func (s *SQLiteLedger) Close() error {
	return s.db.Close()
}
