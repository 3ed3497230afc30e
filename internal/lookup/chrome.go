package lookup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// ChromeOptions configures the browser behind a ChromeSession
type ChromeOptions struct {
	Headless bool
	// ExecPath overrides the Chrome binary lookup when set
	ExecPath string
}

// ChromeSession drives a single Chrome tab through chromedp. The submit
// control is only waited on, never clicked: the query pages are protected
// by a CAPTCHA that a person solves before submitting.
type ChromeSession struct {
	ctx         context.Context
	cancelAlloc context.CancelFunc
	cancelTab   context.CancelFunc
}

// NewChromeSession starts Chrome and opens the idle page
func NewChromeSession(opts ChromeOptions) (*ChromeSession, error) {
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("ignore-certificate-errors", true),
		chromedp.Flag("ignore-ssl-errors", true),
		chromedp.WindowSize(1280, 1024),
	)
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)

	s := &ChromeSession{ctx: tabCtx, cancelAlloc: cancelAlloc, cancelTab: cancelTab}
	if err := chromedp.Run(tabCtx, chromedp.Navigate(IdlePage)); err != nil {
		s.Close()
		return nil, fmt.Errorf("starting chrome: %w", err)
	}
	return s, nil
}

// Fetch implements Session
func (s *ChromeSession) Fetch(ctx context.Context, src Source, key string) (string, error) {
	slog.Info("Querying source", "source", src.Name, "key", key)

	if err := s.run(ctx, 0, network.ClearBrowserCookies()); err != nil {
		return "", classify("clearing cookies", err)
	}

	err := s.run(ctx, src.Timeouts.Field,
		chromedp.Navigate(src.URL),
		chromedp.WaitReady(src.KeyField, chromedp.ByID),
		chromedp.SendKeys(src.KeyField, key, chromedp.ByID),
	)
	if err != nil {
		return "", classify("waiting for key field", err)
	}

	if src.SubmitButton != "" {
		if err := s.run(ctx, src.Timeouts.Submit, chromedp.WaitEnabled(src.SubmitButton, chromedp.ByID)); err != nil {
			return "", classify("waiting for submit control", err)
		}
	}

	slog.Info("Waiting for result page", "source", src.Name, "timeout", src.Timeouts.Result)
	var ready bool
	err = s.run(ctx, src.Timeouts.Result, chromedp.ActionFunc(func(ctx context.Context) error {
		return waitForResult(ctx, func(ctx context.Context) error {
			return resultPoll(src, &ready).Do(ctx)
		})
	}))
	if err != nil {
		return "", classify("waiting for result", err)
	}

	var markup string
	if err := s.run(ctx, 0, chromedp.OuterHTML("html", &markup, chromedp.ByQuery)); err != nil {
		return "", classify("reading page", err)
	}
	return markup, nil
}

// Reset implements Session
func (s *ChromeSession) Reset(ctx context.Context) error {
	if err := s.run(ctx, 0, chromedp.Navigate(IdlePage)); err != nil {
		return fmt.Errorf("opening idle page: %w", err)
	}
	return nil
}

// Close shuts the browser down
func (s *ChromeSession) Close() error {
	s.cancelTab()
	s.cancelAlloc()
	return nil
}

// run executes actions on the tab, bounded by timeout when it is positive
// and by the caller's context
func (s *ChromeSession) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, timeout)
		defer cancel()
	}

	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return chromedp.Run(runCtx, actions...)
}

// resultPoll waits for the source's result predicate for the whole result
// window instead of chromedp's default 30 seconds
func resultPoll(src Source, ready *bool) chromedp.PollAction {
	return chromedp.Poll(src.ResultReady, ready, chromedp.WithPollingTimeout(src.Timeouts.Result))
}

// repollDelay spaces out polls while a page load is still in flight
var repollDelay = 250 * time.Millisecond

// waitForResult runs poll until it succeeds or fails for a reason other
// than a navigation. Submitting the query form reloads the page, which
// kills a poll running in the old document.
func waitForResult(ctx context.Context, poll func(context.Context) error) error {
	for {
		err := poll(ctx)
		if err == nil || !isNavigation(err) {
			return err
		}
		slog.Debug("Page navigated while waiting for result, polling again", "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(repollDelay):
		}
	}
}

var navigationErrors = []string{
	"Execution context was destroyed",
	"Cannot find context with specified id",
	"Inspected target navigated or closed",
}

func isNavigation(err error) bool {
	msg := err.Error()
	for _, marker := range navigationErrors {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func classify(phase string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, chromedp.ErrPollingTimeout) {
		return fmt.Errorf("%w: %s: %w", ErrTimeout, phase, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrTransport, phase, err)
}
