package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zombor/nfce-ledger/internal/receipt"
)

// ReceiptExtensions are the file types picked up from the receipts folder
var ReceiptExtensions = []string{".png", ".jpg", ".jpeg", ".heic", ".pdf"}

// Resolver resolves a single artifact
type Resolver interface {
	Resolve(ctx context.Context, in Input) (*Result, error)
}

// Batch feeds the files of a receipts folder through a Resolver. Files
// are renamed with ConsumedPrefix once persisted or found to be duplicates;
// failed files stay in place for the next run.
type Batch struct {
	resolver Resolver
	folder   Storage
}

// BatchReport counts what a run did
type BatchReport struct {
	Persisted  int
	Duplicates int
	Failed     int
}

// NewBatch creates a Batch over folder
func NewBatch(resolver Resolver, folder Storage) *Batch {
	return &Batch{resolver: resolver, folder: folder}
}

// Run processes every pending file in name order
func (b *Batch) Run(ctx context.Context) (BatchReport, error) {
	var report BatchReport

	names, err := b.folder.Pending(ReceiptExtensions)
	if err != nil {
		return report, fmt.Errorf("listing receipts: %w", err)
	}
	slog.Info("Processing receipts folder", "files", len(names))

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		outcome, err := b.ProcessFile(ctx, name)
		switch {
		case errors.Is(err, receipt.ErrLedgerIO):
			// Every later file would fail the same way
			return report, err
		case err != nil:
			report.Failed++
		case outcome == OutcomeDuplicate:
			report.Duplicates++
		default:
			report.Persisted++
		}
	}

	slog.Info("Receipts folder processed",
		"persisted", report.Persisted,
		"duplicates", report.Duplicates,
		"failed", report.Failed,
	)
	return report, nil
}

// ProcessFile resolves one file of the folder and marks it consumed on
// success or duplicate
func (b *Batch) ProcessFile(ctx context.Context, name string) (Outcome, error) {
	data, err := b.folder.Get(name)
	if err != nil {
		return "", err
	}

	result, err := b.resolver.Resolve(ctx, Input{Image: data, ContentType: contentTypeFor(name)})
	if err != nil {
		slog.Error("Failed to process receipt", "file", name, "error", err)
		return "", err
	}

	renamed, err := b.folder.MarkConsumed(name)
	if err != nil {
		slog.Error("Failed to mark receipt consumed", "file", name, "error", err)
		return result.Outcome, err
	}
	slog.Info("Receipt consumed", "file", name, "renamed", renamed, "outcome", result.Outcome)
	return result.Outcome, nil
}

// Watch processes files as they appear in dir until ctx is done. Events
// for a file are debounced so a file still being written is read once,
// after the writes settle.
func (b *Batch) Watch(ctx context.Context, dir string, debounce time.Duration) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	slog.Info("Watching receipts folder", "dir", dir)

	ready := make(chan string)
	done := make(chan struct{})
	defer close(done)
	timers := make(map[string]*time.Timer)
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			name := filepath.Base(event.Name)
			if !isPending(name, ReceiptExtensions) {
				continue
			}
			if t, ok := timers[name]; ok {
				t.Reset(debounce)
				continue
			}
			timers[name] = time.AfterFunc(debounce, func() {
				select {
				case ready <- name:
				case <-done:
				}
			})

		case name := <-ready:
			delete(timers, name)
			if _, err := b.ProcessFile(ctx, name); errors.Is(err, receipt.ErrLedgerIO) {
				return err
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("Watcher error", "error", err)
		}
	}
}

func contentTypeFor(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".heic":
		return "image/heic"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	}
	return mime.TypeByExtension(ext)
}
