package main

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"golang.org/x/sync/errgroup"

	"github.com/zombor/nfce-ledger/internal/ingest"
	"github.com/zombor/nfce-ledger/internal/ledger"
	"github.com/zombor/nfce-ledger/internal/lookup"
	"github.com/zombor/nfce-ledger/internal/scanning"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

// watchDebounce lets a file finish copying before it is read
const watchDebounce = 2 * time.Second

func main() {
	os.Exit(run(os.Args[1:]))
}

// run wires everything and returns the process exit code. Deferred
// cleanup runs before main exits.
func run(args []string) int {
	// Check for version flag before parsing other flags
	for _, arg := range args {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			return 0
		}
	}

	fs := ff.NewFlagSet("nfce-ledger")
	var (
		mode             = fs.StringLong("mode", "serve", "Run mode: 'serve', 'batch' or 'key'")
		port             = fs.IntLong("port", 8080, "HTTP server port")
		ledgerType       = fs.StringLong("ledger", "xlsx", "Ledger backend: 'bolt', 'xlsx' or 'sqlite'")
		ledgerPath       = fs.StringLong("ledger-path", "", "Ledger file path (defaults per backend)")
		storagePath      = fs.StringLong("storage", "./receipts", "Receipts folder for batch mode and uploads")
		dumpDir          = fs.StringLong("dump-dir", "", "Save every fetched page here (optional)")
		replayDir        = fs.StringLong("replay-dir", "", "Serve pages from saved dumps instead of a browser")
		watch            = fs.BoolLong("watch", "Keep watching the receipts folder for new files")
		key              = fs.StringLong("key", "", "Access key or QR payload to resolve in key mode")
		headless         = fs.BoolLong("headless", "Run Chrome without a window (CAPTCHAs cannot be solved)")
		chromePath       = fs.StringLong("chrome-path", "", "Chrome binary path (optional)")
		fieldTimeout     = fs.DurationLong("field-timeout", lookup.DefaultNFCeTimeouts.Field, "Wait for the key field")
		submitTimeout    = fs.DurationLong("submit-timeout", lookup.DefaultNFCeTimeouts.Submit, "Wait for the submit button to be enabled")
		resultTimeout    = fs.DurationLong("result-timeout", lookup.DefaultNFCeTimeouts.Result, "Wait for the NFCe result page")
		satResultTimeout = fs.DurationLong("sat-result-timeout", lookup.DefaultSATTimeouts.Result, "Wait for the SAT result page")
		authUser         = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass         = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		debug            = fs.BoolLong("debug", "Log extraction detail")
		showVersion      = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, args,
		ff.WithEnvVarPrefix("NFCE_LEDGER"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		return 0
	}

	if *debug {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	// Initialize ledger
	slog.Info("Initializing ledger...", "backend", *ledgerType)
	db, err := openLedger(*ledgerType, *ledgerPath)
	if err != nil {
		slog.Error("Failed to initialize ledger", "error", err)
		return 1
	}
	defer db.Close()

	// Initialize lookup session
	var session lookup.Session
	if *replayDir != "" {
		slog.Info("Replaying saved pages", "dir", *replayDir)
		session = lookup.NewReplaySession(*replayDir)
	} else {
		slog.Info("Starting Chrome...", "headless", *headless)
		chrome, err := lookup.NewChromeSession(lookup.ChromeOptions{
			Headless: *headless,
			ExecPath: *chromePath,
		})
		if err != nil {
			slog.Error("Failed to start Chrome", "error", err)
			return 1
		}
		defer chrome.Close()
		session = chrome
	}

	// Initialize storage
	slog.Info("Initializing storage...")
	folder, err := ingest.NewLocalStorage(*storagePath)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		return 1
	}
	var dumps ingest.Storage
	if *dumpDir != "" {
		dumpStore, err := ingest.NewLocalStorage(*dumpDir)
		if err != nil {
			slog.Error("Failed to initialize dump storage", "error", err)
			return 1
		}
		dumps = dumpStore
	}

	// Initialize service
	nfceTimeouts := lookup.Timeouts{Field: *fieldTimeout, Submit: *submitTimeout, Result: *resultTimeout}
	satTimeouts := lookup.Timeouts{Field: *fieldTimeout, Submit: *submitTimeout, Result: *satResultTimeout}
	service := ingest.NewServiceWithDeps(db, session, scanning.NewQRScanner(), dumps,
		lookup.NFCeSource(nfceTimeouts), lookup.SATSource(satTimeouts))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch *mode {
	case "serve":
		err = serve(ctx, service, folder, *port, *watch, ingest.BasicAuth{
			Username: *authUser,
			Password: *authPass,
		})
	case "batch":
		err = batch(ctx, service, folder, *watch)
	case "key":
		err = resolveKey(ctx, service, *key, os.Stdout)
	default:
		slog.Error("Invalid mode", "mode", *mode, "valid", "serve, batch or key")
		return 1
	}
	if err != nil {
		slog.Error("Exiting with error", "mode", *mode, "error", err)
		return 1
	}
	slog.Info("Shutting down...")
	return 0
}

func openLedger(backend, path string) (ledger.Ledger, error) {
	switch backend {
	case "bolt":
		return ledger.NewBoltLedger(orDefault(path, "nfce-ledger.db"))
	case "xlsx":
		return ledger.NewWorkbookLedger(orDefault(path, "notas_fiscais.xlsx"))
	case "sqlite":
		return ledger.NewSQLiteLedger(orDefault(path, "nfce-ledger.sqlite"))
	}
	return nil, fmt.Errorf("unknown ledger backend %q", backend)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// serve runs the HTTP server, plus the folder watcher when watch is set.
// Uploads go to a subfolder so the watcher does not pick them up again.
func serve(ctx context.Context, service *ingest.Service, folder *ingest.LocalStorage, port int, watch bool, auth ingest.BasicAuth) error {
	uploads, err := ingest.NewLocalStorage(filepath.Join(folder.Path(), "uploads"))
	if err != nil {
		return fmt.Errorf("initializing upload storage: %w", err)
	}
	server := ingest.NewServer(service, uploads, auth)

	g, ctx := errgroup.WithContext(ctx)
	addr := fmt.Sprintf(":%d", port)
	g.Go(func() error {
		return server.Start(ctx, addr)
	})
	if watch {
		g.Go(func() error {
			return ingest.NewBatch(service, folder).Watch(ctx, folder.Path(), watchDebounce)
		})
	}

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr))
	if auth.Username != "" || auth.Password != "" {
		slog.Info("Basic auth enabled", "user", auth.Username)
	}
	return g.Wait()
}

// batch drains the receipts folder once, then keeps watching it when asked
func batch(ctx context.Context, service *ingest.Service, folder *ingest.LocalStorage, watch bool) error {
	b := ingest.NewBatch(service, folder)

	if _, err := b.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	if !watch {
		return nil
	}
	return b.Watch(ctx, folder.Path(), watchDebounce)
}

// resolveKey resolves a single typed key and prints the result as JSON
func resolveKey(ctx context.Context, service *ingest.Service, key string, out io.Writer) error {
	if key == "" {
		return errors.New("--key is required in key mode")
	}

	result, err := service.Resolve(ctx, ingest.Input{Key: key, Interactive: true})
	if err != nil {
		return err
	}
	if result.Document != nil {
		insights, err := service.Insights(result.Document)
		if err != nil {
			slog.Warn("Failed to compute insights", "error", err)
		} else {
			result.Insights = insights
		}
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
