package ingest

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/nfce-ledger/internal/ledger"
	"github.com/zombor/nfce-ledger/internal/lookup"
	"github.com/zombor/nfce-ledger/internal/receipt"
)

var _ = Describe("Server", func() {
	var (
		db          *mockLedger
		session     *mockSession
		scanner     *mockScanner
		uploads     *LocalStorage
		auth        BasicAuth
		server      *Server
		ghttpServer *ghttp.Server
		req         *http.Request
		resp        *http.Response
		body        []byte
	)

	BeforeEach(func() {
		db = newMockLedger()
		session = newMockSession()
		session.pages[receipt.SourceNFCe] = page("nfce.html")
		session.pages[receipt.SourceSAT] = page("sat.html")
		scanner = &mockScanner{payload: testKey}
		var err error
		uploads, err = NewLocalStorage(GinkgoT().TempDir())
		Expect(err).NotTo(HaveOccurred())
		auth = BasicAuth{}
	})

	JustBeforeEach(func() {
		service := NewServiceWithDeps(db, session, scanner, nil,
			lookup.NFCeSource(lookup.DefaultNFCeTimeouts), lookup.SATSource(lookup.DefaultSATTimeouts))
		server = NewServerWithMux(service, uploads, auth, http.NewServeMux())
		server.requestID = func() string { return "req-1" }

		ghttpServer = ghttp.NewServer()
		ghttpServer.AppendHandlers(server.ServeHTTP)

		req.URL.Scheme = "http"
		req.URL.Host = strings.TrimPrefix(ghttpServer.URL(), "http://")
		var err error
		resp, err = http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		body, err = io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()
	})

	AfterEach(func() {
		ghttpServer.Close()
	})

	keyRequest := func(key string) *http.Request {
		payload, _ := json.Marshal(map[string]string{"key": key})
		r, err := http.NewRequest(http.MethodPost, "/api/receipts/key", bytes.NewReader(payload))
		Expect(err).NotTo(HaveOccurred())
		r.Header.Set("Content-Type", "application/json")
		return r
	}

	imageRequest := func(filename, contentType string, data []byte) *http.Request {
		var buf bytes.Buffer
		writer := multipart.NewWriter(&buf)
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
		if contentType != "" {
			h.Set("Content-Type", contentType)
		}
		part, err := writer.CreatePart(h)
		Expect(err).NotTo(HaveOccurred())
		_, err = part.Write(data)
		Expect(err).NotTo(HaveOccurred())
		Expect(writer.Close()).To(Succeed())

		r, err := http.NewRequest(http.MethodPost, "/api/receipts/image", &buf)
		Expect(err).NotTo(HaveOccurred())
		r.Header.Set("Content-Type", writer.FormDataContentType())
		return r
	}

	decodeResult := func() Result {
		var result Result
		Expect(json.Unmarshal(body, &result)).To(Succeed())
		return result
	}

	Describe("POST /api/receipts/key", func() {
		BeforeEach(func() {
			req = keyRequest(testKey)
		})

		When("the key is new", func() {
			It("returns the persisted document with insights", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))
				Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))
				Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))

				result := decodeResult()
				Expect(result.Outcome).To(Equal(OutcomePersisted))
				Expect(result.Document.ReceiptNumber).To(Equal("123456"))
				Expect(result.Document.Duplicate).To(BeFalse())
				Expect(result.Insights).NotTo(BeNil())
				Expect(result.Insights.Categories).To(HaveLen(3))
			})
		})

		When("the key was already processed", func() {
			BeforeEach(func() {
				doc, err := receipt.ExtractNFCe(page("nfce.html"))
				Expect(err).NotTo(HaveOccurred())
				Expect(db.Append(ledger.RowsFor(doc))).To(Succeed())
				Expect(db.AppendKey(testKey, "123456")).To(Succeed())
			})

			It("returns the existing document flagged as a duplicate", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				result := decodeResult()
				Expect(result.Outcome).To(Equal(OutcomeDuplicate))
				Expect(result.Document.Duplicate).To(BeTrue())
				Expect(session.calls).To(BeEmpty())
			})
		})

		When("the key is malformed", func() {
			BeforeEach(func() {
				req = keyRequest("123")
			})

			It("returns Unprocessable Entity", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
				var payload map[string]string
				Expect(json.Unmarshal(body, &payload)).To(Succeed())
				Expect(payload["request_id"]).To(Equal("req-1"))
				Expect(payload["error"]).To(ContainSubstring("invalid access key"))
			})
		})

		When("the key is empty", func() {
			BeforeEach(func() {
				req = keyRequest("  ")
			})

			It("returns Bad Request", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})

		When("the body is not JSON", func() {
			BeforeEach(func() {
				var err error
				req, err = http.NewRequest(http.MethodPost, "/api/receipts/key", strings.NewReader("{"))
				Expect(err).NotTo(HaveOccurred())
			})

			It("returns Bad Request", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})

		When("both sources time out", func() {
			BeforeEach(func() {
				session.errs[receipt.SourceNFCe] = lookup.ErrTimeout
				session.errs[receipt.SourceSAT] = lookup.ErrTimeout
			})

			It("returns Gateway Timeout", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusGatewayTimeout))
			})
		})

		When("the source rejects the query", func() {
			BeforeEach(func() {
				session.pages[receipt.SourceNFCe] = `<span id="spnAlertaMaster">Erro desconhecido</span>`
			})

			It("returns Bad Gateway", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
			})
		})

		When("the ledger fails", func() {
			BeforeEach(func() {
				db.appendErr = os.ErrPermission
			})

			It("returns Internal Server Error", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
			})
		})

		When("auth is configured", func() {
			BeforeEach(func() {
				auth = BasicAuth{Username: "admin", Password: "secret"}
			})

			When("no credentials are sent", func() {
				It("returns Unauthorized", func() {
					Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
					Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))
					Expect(session.calls).To(BeEmpty())
				})
			})

			When("valid credentials are sent", func() {
				BeforeEach(func() {
					req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("admin:secret")))
				})

				It("resolves the key", func() {
					Expect(resp.StatusCode).To(Equal(http.StatusCreated))
				})
			})

			When("wrong credentials are sent", func() {
				BeforeEach(func() {
					req.SetBasicAuth("admin", "wrong")
				})

				It("returns Unauthorized", func() {
					Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
				})
			})
		})
	})

	Describe("POST /api/receipts/image", func() {
		BeforeEach(func() {
			req = imageRequest("Recibo Mercado!.JPG", "", []byte("jpeg bytes"))
		})

		When("the upload carries a QR code", func() {
			It("resolves it", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))
				Expect(decodeResult().Document.Items).To(HaveLen(3))
				Expect(scanner.scans).To(Equal(1))
			})

			It("keeps the upload under a sanitized name", func() {
				data, err := uploads.Get("req-1_Recibo_Mercado.jpg")
				Expect(err).NotTo(HaveOccurred())
				Expect(string(data)).To(Equal("jpeg bytes"))
			})
		})

		When("no QR code is found", func() {
			BeforeEach(func() {
				scanner.err = receipt.ErrQRNotFound
			})

			It("returns Unprocessable Entity", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
			})

			It("does not keep the upload", func() {
				_, err := uploads.Get("req-1_Recibo_Mercado.jpg")
				Expect(err).To(MatchError(ContainSubstring("reading file")))
			})
		})

		When("the image is too small to read", func() {
			BeforeEach(func() {
				scanner.err = receipt.ErrImageQuality
			})

			It("does not keep the upload", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
				_, err := uploads.Get("req-1_Recibo_Mercado.jpg")
				Expect(err).To(HaveOccurred())
			})
		})

		When("the source times out", func() {
			BeforeEach(func() {
				session.errs[receipt.SourceNFCe] = lookup.ErrTimeout
				session.errs[receipt.SourceSAT] = lookup.ErrTimeout
			})

			It("keeps the upload for a later retry", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusGatewayTimeout))
				data, err := uploads.Get("req-1_Recibo_Mercado.jpg")
				Expect(err).NotTo(HaveOccurred())
				Expect(string(data)).To(Equal("jpeg bytes"))
			})
		})

		When("the form has no file", func() {
			BeforeEach(func() {
				var buf bytes.Buffer
				writer := multipart.NewWriter(&buf)
				Expect(writer.WriteField("other", "x")).To(Succeed())
				Expect(writer.Close()).To(Succeed())
				var err error
				req, err = http.NewRequest(http.MethodPost, "/api/receipts/image", &buf)
				Expect(err).NotTo(HaveOccurred())
				req.Header.Set("Content-Type", writer.FormDataContentType())
			})

			It("returns Bad Request", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			})
		})
	})

	Describe("GET /api/insights", func() {
		BeforeEach(func() {
			doc, err := receipt.ExtractNFCe(page("nfce.html"))
			Expect(err).NotTo(HaveOccurred())
			Expect(db.Append(ledger.RowsFor(doc))).To(Succeed())
		})

		When("no emitter is given", func() {
			BeforeEach(func() {
				var err error
				req, err = http.NewRequest(http.MethodGet, "/api/insights", nil)
				Expect(err).NotTo(HaveOccurred())
			})

			It("lists the emitters", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				var payload map[string][]string
				Expect(json.Unmarshal(body, &payload)).To(Succeed())
				Expect(payload["emitters"]).To(Equal([]string{"SUPERMERCADO SAO JOAO LTDA"}))
			})
		})

		When("a known emitter is given", func() {
			BeforeEach(func() {
				var err error
				req, err = http.NewRequest(http.MethodGet, "/api/insights?emitter=SUPERMERCADO+SAO+JOAO+LTDA", nil)
				Expect(err).NotTo(HaveOccurred())
			})

			It("returns insights for the latest purchase", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusOK))
				var insights ledger.Insights
				Expect(json.Unmarshal(body, &insights)).To(Succeed())
				Expect(insights.Emitter).To(Equal("SUPERMERCADO SAO JOAO LTDA"))
				Expect(insights.Total.StringFixed(2)).To(Equal("70.29"))
			})
		})

		When("an unknown emitter is given", func() {
			BeforeEach(func() {
				var err error
				req, err = http.NewRequest(http.MethodGet, "/api/insights?emitter=NOPE", nil)
				Expect(err).NotTo(HaveOccurred())
			})

			It("returns Not Found", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			})
		})
	})

	Describe("OPTIONS preflight", func() {
		BeforeEach(func() {
			var err error
			req, err = http.NewRequest(http.MethodOptions, "/api/receipts/key", nil)
			Expect(err).NotTo(HaveOccurred())
		})

		It("answers with CORS headers and no content", func() {
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Methods")).To(ContainSubstring("POST"))
		})
	})
})
