package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zombor/nfce-ledger/internal/ledger"
	"github.com/zombor/nfce-ledger/internal/lookup"
	"github.com/zombor/nfce-ledger/internal/receipt"
	"github.com/zombor/nfce-ledger/internal/scanning"
)

// Outcome tells whether a resolution wrote to the ledger
type Outcome string

const (
	OutcomePersisted Outcome = "persisted"
	OutcomeDuplicate Outcome = "duplicate"
)

// Input is one artifact to resolve: an image holding a QR code, or a
// typed key. Key wins when both are set.
type Input struct {
	Image       []byte
	ContentType string
	Key         string
	// Interactive callers get the existing document back on duplicates;
	// batch callers only get the outcome
	Interactive bool
}

// Result is a successful resolution
type Result struct {
	Outcome  Outcome           `json:"outcome"`
	Key      string            `json:"access_key"`
	Document *receipt.Document `json:"document,omitempty"`
	Insights *ledger.Insights  `json:"insights,omitempty"`
}

// Service resolves receipts into ledger rows. Resolutions are serialized
// because they share one lookup session.
type Service struct {
	ledger  ledger.Ledger
	session lookup.Session
	scanner scanning.Scanner
	dumps   Storage
	nfce    lookup.Source
	sat     lookup.Source

	mu sync.Mutex
}

// NewService creates a Service querying the São Paulo sources with their
// default timeouts. dumps may be nil to skip diagnostic page dumps.
func NewService(l ledger.Ledger, session lookup.Session, scanner scanning.Scanner, dumps Storage) *Service {
	return NewServiceWithDeps(l, session, scanner, dumps,
		lookup.NFCeSource(lookup.DefaultNFCeTimeouts), lookup.SATSource(lookup.DefaultSATTimeouts))
}

// NewServiceWithDeps creates a Service with custom sources
func NewServiceWithDeps(l ledger.Ledger, session lookup.Session, scanner scanning.Scanner, dumps Storage,
	nfce, sat lookup.Source) *Service {
	return &Service{
		ledger:  l,
		session: session,
		scanner: scanner,
		dumps:   dumps,
		nfce:    nfce,
		sat:     sat,
	}
}

// Resolve runs one artifact through classification, the key-index check,
// the source queries and the receipt-number check, appending to the
// ledger when the document is new. The session is reset to idle before
// returning, whatever the outcome.
func (s *Service) Resolve(ctx context.Context, in Input) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.reset(ctx)

	key, err := s.classify(in)
	if err != nil {
		return nil, err
	}
	slog.Info("Classified access key", "key", key.Digits, "sat", key.SAT)

	existing, err := s.findByKey(key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		slog.Info("Access key already processed", "key", key.Digits, "number", existing.ReceiptNumber)
		return s.duplicate(key, existing, in), nil
	}

	doc, err := s.query(ctx, key)
	if err != nil {
		return nil, err
	}
	doc.AccessKey = key.Digits

	rows, err := s.ledger.FindByReceiptAndTaxID(doc.ReceiptNumber, doc.TaxID)
	if err != nil {
		return nil, ledgerError("checking receipt number", err)
	}
	if len(rows) > 0 {
		slog.Info("Receipt already processed", "number", doc.ReceiptNumber, "tax_id", doc.TaxID)
		existing := ledger.Reconstruct(rows)
		existing.Source = doc.Source
		return s.duplicate(key, existing, in), nil
	}

	if err := s.ledger.Append(ledger.RowsFor(doc)); err != nil {
		return nil, ledgerError("appending rows", err)
	}
	if err := s.ledger.AppendKey(key.Digits, doc.ReceiptNumber); err != nil {
		return nil, ledgerError("appending key", err)
	}
	slog.Info("Receipt persisted",
		"key", key.Digits,
		"source", doc.Source,
		"number", doc.ReceiptNumber,
		"rows", len(doc.Items),
	)

	return &Result{Outcome: OutcomePersisted, Key: key.Digits, Document: doc}, nil
}

func (s *Service) classify(in Input) (receipt.AccessKey, error) {
	if in.Key != "" {
		return receipt.ClassifyKey(in.Key)
	}
	if len(in.Image) == 0 {
		return receipt.AccessKey{}, fmt.Errorf("%w: no image or key provided", receipt.ErrInvalidKey)
	}
	payload, err := s.scanner.ScanPayload(in.Image, in.ContentType)
	if err != nil {
		return receipt.AccessKey{}, fmt.Errorf("scanning image: %w", err)
	}
	return receipt.ClassifyKey(payload)
}

// findByKey is the fast path: a key-index hit with rows behind it skips
// every source query. A key indexed without rows is resolved again.
func (s *Service) findByKey(key receipt.AccessKey) (*receipt.Document, error) {
	number, found, err := s.ledger.FindByKey(key.Digits)
	if err != nil {
		return nil, ledgerError("reading key index", err)
	}
	if !found {
		return nil, nil
	}
	rows, err := s.ledger.FindByReceipt(number)
	if err != nil {
		return nil, ledgerError("reading rows", err)
	}
	if len(rows) == 0 {
		slog.Warn("Key index entry has no rows", "key", key.Digits, "number", number)
		return nil, nil
	}
	return ledger.Reconstruct(rows), nil
}

func (s *Service) duplicate(key receipt.AccessKey, doc *receipt.Document, in Input) *Result {
	result := &Result{Outcome: OutcomeDuplicate, Key: key.Digits}
	if in.Interactive {
		doc.AccessKey = key.Digits
		result.Document = doc
	}
	return result
}

// query asks NFCe first unless the key is routed to SAT. A timeout,
// transport failure, invalid-key answer or empty item table from NFCe
// falls back to SAT once; failures from SAT are final.
func (s *Service) query(ctx context.Context, key receipt.AccessKey) (*receipt.Document, error) {
	if key.SAT {
		return s.querySAT(ctx, key.Digits)
	}

	doc, err := s.queryNFCe(ctx, key.Digits)
	if err == nil {
		return doc, nil
	}
	if !fallsBackToSAT(err) || ctx.Err() != nil {
		return nil, err
	}
	slog.Info("NFCe lookup failed, trying SAT", "key", key.Digits, "error", err)
	return s.querySAT(ctx, key.Digits)
}

func fallsBackToSAT(err error) bool {
	return errors.Is(err, receipt.ErrSourceTimeout) ||
		errors.Is(err, receipt.ErrSourceTransport) ||
		errors.Is(err, receipt.ErrSourceInvalidKey) ||
		errors.Is(err, receipt.ErrNoItems)
}

func (s *Service) queryNFCe(ctx context.Context, key string) (*receipt.Document, error) {
	markup, err := s.fetch(ctx, s.nfce, key)
	if err != nil {
		return nil, err
	}
	doc, err := receipt.ExtractNFCe(markup)
	if err != nil {
		return nil, fmt.Errorf("extracting NFCe page: %w", err)
	}
	return doc, nil
}

func (s *Service) querySAT(ctx context.Context, key string) (*receipt.Document, error) {
	markup, err := s.fetch(ctx, s.sat, key)
	if err != nil {
		return nil, err
	}
	doc, err := receipt.ExtractSAT(markup)
	if err != nil {
		return nil, fmt.Errorf("extracting SAT page: %w", err)
	}
	return doc, nil
}

// fetch queries a source and maps session failures onto the receipt errors
func (s *Service) fetch(ctx context.Context, src lookup.Source, key string) (string, error) {
	markup, err := s.session.Fetch(ctx, src, key)
	if errors.Is(err, lookup.ErrTimeout) {
		return "", fmt.Errorf("%w: %s: %w", receipt.ErrSourceTimeout, src.Name, err)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", receipt.ErrSourceTransport, src.Name, err)
	}

	if s.dumps != nil {
		if _, err := s.dumps.Save(lookup.DumpName(src.Name, key), []byte(markup)); err != nil {
			slog.Warn("Failed to save page dump", "source", src.Name, "error", err)
		}
	}
	return markup, nil
}

func (s *Service) reset(ctx context.Context) {
	// The caller may have gone away; the session still has to go idle
	if err := s.session.Reset(context.WithoutCancel(ctx)); err != nil {
		slog.Error("Failed to reset lookup session", "error", err)
	}
}

func ledgerError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", receipt.ErrLedgerIO, op, err)
}

// Insights compares doc with everything in the ledger
func (s *Service) Insights(doc *receipt.Document) (*ledger.Insights, error) {
	rows, err := s.ledger.Rows()
	if err != nil {
		return nil, ledgerError("reading rows", err)
	}
	insights := ledger.ComputeInsights(rows, doc)
	return &insights, nil
}

// EmitterInsights computes insights for the latest document at emitter.
// It returns nil when the emitter has no rows.
func (s *Service) EmitterInsights(emitter string) (*ledger.Insights, error) {
	rows, err := s.ledger.Rows()
	if err != nil {
		return nil, ledgerError("reading rows", err)
	}
	doc := ledger.LatestDocument(rows, emitter)
	if doc == nil {
		return nil, nil
	}
	insights := ledger.ComputeInsights(rows, doc)
	return &insights, nil
}

// Emitters lists every emitter in the ledger
func (s *Service) Emitters() ([]string, error) {
	rows, err := s.ledger.Rows()
	if err != nil {
		return nil, ledgerError("reading rows", err)
	}
	return ledger.EmitterHistory(rows), nil
}
