package ledger

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

const (
	rowsBucketName = "rows"
	keysBucketName = "keys"
)

// BoltLedger implements Ledger using BoltDB. Rows are keyed by the bucket
// sequence so iteration follows append order.
type BoltLedger struct {
	db *bbolt.DB
}

// NewBoltLedger opens or creates a BoltDB ledger at path
func NewBoltLedger(path string) (*BoltLedger, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	// Create buckets if they don't exist
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(rowsBucketName)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(keysBucketName)); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltLedger{db: db}, nil
}

// FindByKey returns the receipt number recorded for an access key
func (b *BoltLedger) FindByKey(accessKey string) (string, bool, error) {
	var (
		number string
		found  bool
	)
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(keysBucketName)).Get([]byte(strings.TrimSpace(accessKey)))
		if data == nil {
			return nil
		}
		number, found = strings.TrimSpace(string(data)), true
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("reading key index: %w", err)
	}
	return number, found, nil
}

// FindByReceipt returns every row with the receipt number
func (b *BoltLedger) FindByReceipt(receiptNumber string) ([]Row, error) {
	return b.find(func(r Row) bool { return matchesReceipt(r, receiptNumber) })
}

// FindByReceiptAndTaxID returns every row with both the receipt number and tax ID
func (b *BoltLedger) FindByReceiptAndTaxID(receiptNumber, taxID string) ([]Row, error) {
	return b.find(func(r Row) bool { return matchesReceiptAndTaxID(r, receiptNumber, taxID) })
}

// Rows returns all rows in append order
func (b *BoltLedger) Rows() ([]Row, error) {
	return b.find(func(Row) bool { return true })
}

func (b *BoltLedger) find(keep func(Row) bool) ([]Row, error) {
	var rows []Row
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(rowsBucketName)).ForEach(func(k, v []byte) error {
			var row Row
			if err := json.Unmarshal(v, &row); err != nil {
				return fmt.Errorf("unmarshaling row: %w", err)
			}
			if keep(row) {
				rows = append(rows, row)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("reading rows: %w", err)
	}
	return rows, nil
}

// Append persists the rows of one document in a single transaction
func (b *BoltLedger) Append(rows []Row) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(rowsBucketName))
		for _, row := range rows {
			seq, err := bucket.NextSequence()
			if err != nil {
				return fmt.Errorf("allocating row id: %w", err)
			}
			data, err := json.Marshal(row)
			if err != nil {
				return fmt.Errorf("marshaling row: %w", err)
			}
			if err := bucket.Put(sequenceKey(seq), data); err != nil {
				return fmt.Errorf("writing row: %w", err)
			}
		}
		return nil
	})
}

// AppendKey records a key index entry unless the key is already indexed
func (b *BoltLedger) AppendKey(accessKey, receiptNumber string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(keysBucketName))
		k := []byte(strings.TrimSpace(accessKey))
		if bucket.Get(k) != nil {
			return nil
		}
		return bucket.Put(k, []byte(receiptNumber))
	})
}

// Close closes the database connection
func (b *BoltLedger) Close() error {
	return b.db.Close()
}

func sequenceKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
