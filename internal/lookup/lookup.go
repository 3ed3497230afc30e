package lookup

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/zombor/nfce-ledger/internal/receipt"
)

var (
	// ErrTimeout is returned when a fetch phase exceeds its time budget
	ErrTimeout = errors.New("lookup timed out")
	// ErrTransport is returned for any other fetch failure
	ErrTransport = errors.New("lookup failed")
)

// Timeouts bounds the three phases of a query: the key field appearing,
// the submit control becoming enabled, and the result page settling
type Timeouts struct {
	Field  time.Duration
	Submit time.Duration
	Result time.Duration
}

var (
	DefaultNFCeTimeouts = Timeouts{Field: 30 * time.Second, Submit: 30 * time.Second, Result: 120 * time.Second}
	DefaultSATTimeouts  = Timeouts{Field: 30 * time.Second, Submit: 30 * time.Second, Result: 60 * time.Second}
)

// Source describes a public query page of a fiscal authority
type Source struct {
	Name receipt.Source
	URL  string
	// KeyField and SubmitButton are element IDs. The submit phase is
	// skipped when SubmitButton is empty.
	KeyField     string
	SubmitButton string
	// ResultReady is a JavaScript predicate that turns true once the page
	// shows a document, an error banner or an emitter marker
	ResultReady string
	Timeouts    Timeouts
}

// NFCeSource is the São Paulo NFC-e public query
func NFCeSource(t Timeouts) Source {
	return Source{
		Name:         receipt.SourceNFCe,
		URL:          "https://www.nfce.fazenda.sp.gov.br/NFCeConsultaPublica/Paginas/ConsultaQRCode.aspx",
		KeyField:     "Conteudo_txtChaveAcesso",
		SubmitButton: "Conteudo_btnConsultaResumida",
		ResultReady: `document.querySelector("tr[id^='Item']") !== null ||
			document.querySelector("table.tabelaItens") !== null ||
			document.querySelector("#u20") !== null ||
			document.querySelector("span.msgErro") !== null ||
			(document.querySelector("#spnAlertaMaster") !== null &&
				document.querySelector("#spnAlertaMaster").textContent.indexOf("Chave de Acesso") !== -1)`,
		Timeouts: t,
	}
}

// SATSource is the São Paulo CF-e SAT public query
func SATSource(t Timeouts) Source {
	return Source{
		Name:        receipt.SourceSAT,
		URL:         "https://satsp.fazenda.sp.gov.br/COMSAT/Public/ConsultaPublica/ConsultaPublicaCfe.aspx",
		KeyField:    "conteudo_txtChaveAcesso",
		ResultReady: `document.querySelector("#divTelaImpressao") !== null`,
		Timeouts:    t,
	}
}

// Session is a single browser-like handle shared by every resolution.
// Only one Fetch may run at a time.
type Session interface {
	// Fetch opens the source's query page, types the key and waits for a
	// result. It returns the raw page markup.
	Fetch(ctx context.Context, src Source, key string) (string, error)
	// Reset returns the session to the idle page
	Reset(ctx context.Context) error
}

// IdlePage is shown between resolutions
var IdlePage = "data:text/html," + url.PathEscape(
	`<body style="background:black;color:white;text-align:center;font-family:Arial;"><h1>Aguardando Documento</h1></body>`)

// DumpName is the file name a fetched page is saved under for diagnostics
func DumpName(src receipt.Source, key string) string {
	return fmt.Sprintf("debug_%s_%s.html", src, key)
}
