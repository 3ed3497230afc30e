package lookup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/nfce-ledger/internal/receipt"
)

const key = "35250412345678000190650010001234561001234567"

var _ = Describe("Sources", func() {
	It("names dumps after the source and key", func() {
		Expect(DumpName(receipt.SourceSAT, key)).To(Equal("debug_SAT_" + key + ".html"))
	})

	It("gives NFCe the longer result window", func() {
		nfce := NFCeSource(DefaultNFCeTimeouts)
		sat := SATSource(DefaultSATTimeouts)
		Expect(nfce.Name).To(Equal(receipt.SourceNFCe))
		Expect(sat.Name).To(Equal(receipt.SourceSAT))
		Expect(nfce.Timeouts.Result).To(BeNumerically(">", sat.Timeouts.Result))
	})

	It("waits on the NFCe submit control only", func() {
		Expect(NFCeSource(DefaultNFCeTimeouts).SubmitButton).To(Equal("Conteudo_btnConsultaResumida"))
		Expect(SATSource(DefaultSATTimeouts).SubmitButton).To(BeEmpty())
	})

	It("keeps the idle page a data URL", func() {
		Expect(IdlePage).To(HavePrefix("data:text/html,"))
		Expect(IdlePage).NotTo(ContainSubstring(" "))
	})
})

var _ = Describe("classify", func() {
	DescribeTable("mapping chromedp errors",
		func(err error, want error) {
			Expect(classify("phase", err)).To(MatchError(want))
		},
		Entry("deadline", context.DeadlineExceeded, ErrTimeout),
		Entry("wrapped deadline", fmt.Errorf("waiting: %w", context.DeadlineExceeded), ErrTimeout),
		Entry("polling timeout", chromedp.ErrPollingTimeout, ErrTimeout),
		Entry("cancelled", context.Canceled, ErrTransport),
		Entry("anything else", errors.New("net::ERR_CONNECTION_RESET"), ErrTransport),
	)
})

var _ = Describe("resultPoll", func() {
	DescribeTable("polls for the whole result window",
		func(src Source) {
			var ready bool
			poll := reflect.ValueOf(resultPoll(src, &ready)).Elem()
			Expect(time.Duration(poll.FieldByName("timeout").Int())).To(Equal(src.Timeouts.Result))
		},
		Entry("NFCe", NFCeSource(DefaultNFCeTimeouts)),
		Entry("SAT", SATSource(DefaultSATTimeouts)),
	)
})

var _ = Describe("waitForResult", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		errs   []error
		polls  int
		err    error
	)

	BeforeEach(func() {
		repollDelay = time.Millisecond
		ctx, cancel = context.WithTimeout(context.Background(), time.Second)
		errs = nil
		polls = 0
	})

	AfterEach(func() {
		cancel()
	})

	JustBeforeEach(func() {
		err = waitForResult(ctx, func(ctx context.Context) error {
			polls++
			if polls <= len(errs) {
				return errs[polls-1]
			}
			return nil
		})
	})

	When("the page reloads after submit", func() {
		BeforeEach(func() {
			errs = []error{
				errors.New("Execution context was destroyed. (-32000)"),
				errors.New("Cannot find context with specified id (-32000)"),
			}
		})

		It("polls again on the new page", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(polls).To(Equal(3))
		})
	})

	When("the poll fails for another reason", func() {
		BeforeEach(func() {
			errs = []error{errors.New("net::ERR_CONNECTION_RESET")}
		})

		It("gives up at once", func() {
			Expect(err).To(MatchError("net::ERR_CONNECTION_RESET"))
			Expect(polls).To(Equal(1))
		})
	})

	When("navigations go on past the deadline", func() {
		BeforeEach(func() {
			cancel()
			ctx, cancel = context.WithTimeout(context.Background(), 20*time.Millisecond)
			for range 1000 {
				errs = append(errs, errors.New("Execution context was destroyed. (-32000)"))
			}
		})

		It("reports a timeout", func() {
			Expect(classify("waiting for result", err)).To(MatchError(ErrTimeout))
		})
	})
})

var _ = Describe("ReplaySession", func() {
	var (
		dir     string
		session *ReplaySession
		ctx     context.Context
		markup  string
		err     error
	)

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		session = NewReplaySession(dir)
		ctx = context.Background()
	})

	JustBeforeEach(func() {
		markup, err = session.Fetch(ctx, SATSource(DefaultSATTimeouts), key)
	})

	When("a dump exists for the source and key", func() {
		BeforeEach(func() {
			path := filepath.Join(dir, DumpName(receipt.SourceSAT, key))
			Expect(os.WriteFile(path, []byte("<html>sat</html>"), 0644)).To(Succeed())
		})

		It("returns the saved markup", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(markup).To(Equal("<html>sat</html>"))
		})
	})

	When("no dump exists", func() {
		It("returns ErrTransport", func() {
			Expect(err).To(MatchError(ErrTransport))
			Expect(err.Error()).To(ContainSubstring("reading dump"))
		})
	})

	When("the context is already cancelled", func() {
		BeforeEach(func() {
			var cancel context.CancelFunc
			ctx, cancel = context.WithCancel(ctx)
			cancel()
		})

		It("returns ErrTransport without reading", func() {
			Expect(err).To(MatchError(ErrTransport))
			Expect(strings.Contains(err.Error(), "reading dump")).To(BeFalse())
		})
	})

	It("resets without error", func() {
		Expect(session.Reset(ctx)).To(Succeed())
	})
})
