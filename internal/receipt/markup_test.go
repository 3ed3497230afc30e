package receipt

import (
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Markup extraction", func() {
	Describe("ExtractNFCe", func() {
		var (
			markup string
			doc    *Document
			err    error
		)

		BeforeEach(func() {
			markup = fixture("nfce.html")
		})

		JustBeforeEach(func() {
			doc, err = ExtractNFCe(markup)
		})

		When("the page is a complete result", func() {
			It("should not return an error", func() {
				Expect(err).NotTo(HaveOccurred())
			})

			It("reads the header fields", func() {
				Expect(doc.Source).To(Equal(SourceNFCe))
				Expect(doc.EmitterName).To(Equal("SUPERMERCADO SAO JOAO LTDA"))
				Expect(doc.TaxID).To(Equal("12.345.678/0001-90"))
				Expect(doc.ReceiptNumber).To(Equal("123456"))
				Expect(doc.ConsumerName).To(Equal("MARIA DA SILVA"))
			})

			It("converts the issue date to ISO", func() {
				Expect(doc.IssuedAt).To(Equal(IssuedAt{Date: "2025-04-15", Time: "10:32:11"}))
			})

			It("skips rows that are not two-cell items or lack a description", func() {
				Expect(doc.Items).To(HaveLen(3))
			})

			It("reads the labelled item spans", func() {
				Expect(doc.Items[0]).To(Equal(LineItem{
					Code:        "7891",
					Description: "ARROZ BRANCO TIO JOAO",
					ShortName:   "ARROZ BRANCO",
					Category:    "Graos e Cereais",
					Quantity:    2,
					Unit:        "UN",
					UnitPrice:   25.90,
					TotalPrice:  51.80,
				}))
			})

			It("reads fractional quantities", func() {
				Expect(doc.Items[1].Quantity).To(BeNumerically("~", 1.5, 1e-9))
				Expect(doc.Items[1].Unit).To(Equal("KG"))
				Expect(doc.Items[1].Category).To(Equal("Laticinios"))
			})

			It("defaults the quantity and falls back to the unit price for the total", func() {
				Expect(doc.Items[2].Quantity).To(Equal(1.0))
				Expect(doc.Items[2].TotalPrice).To(BeNumerically("~", 12.49, 1e-9))
				Expect(doc.Items[2].ShortName).To(Equal("PAO QUEIJO"))
			})
		})

		When("the page has no consumer section", func() {
			BeforeEach(func() {
				markup = strings.Replace(markup, "<h4>Consumidor</h4>", "<h4>Pagamento</h4>", 1)
				markup = strings.Replace(markup, "Via Consumidor", "Via Cliente", 1)
			})

			It("marks the consumer as not identified", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(doc.ConsumerName).To(Equal(NotIdentified))
			})
		})

		When("the page has no issue date or number", func() {
			BeforeEach(func() {
				markup = strings.Replace(markup, "15/04/2025 10:32:11", "", 1)
				markup = strings.Replace(markup, "<strong>Número: </strong>123456", "", 1)
			})

			It("uses the not-found marker", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(doc.IssuedAt).To(Equal(IssuedAt{Date: NotFound, Time: NotFound}))
				Expect(doc.ReceiptNumber).To(Equal(NotFound))
			})
		})

		When("the page carries the invalid NFC-e banner", func() {
			BeforeEach(func() {
				markup = strings.Replace(markup, `<span id="spnAlertaMaster"></span>`,
					`<span id="spnAlertaMaster">`+InvalidNFCeBanner+`</span>`, 1)
			})

			It("returns ErrSourceInvalidKey", func() {
				Expect(err).To(MatchError(ErrSourceInvalidKey))
			})
		})

		When("the page carries another alert", func() {
			BeforeEach(func() {
				markup = strings.Replace(markup, `<span id="spnAlertaMaster"></span>`,
					`<span id="spnAlertaMaster">Serviço indisponível</span>`, 1)
			})

			It("returns ErrSourceRejected", func() {
				Expect(err).To(MatchError(ErrSourceRejected))
			})
		})

		When("the page has an invalid-key error message", func() {
			BeforeEach(func() {
				markup = `<html><body><span class="msgErro">Chave de Acesso Inválida</span></body></html>`
			})

			It("returns ErrSourceInvalidKey", func() {
				Expect(err).To(MatchError(ErrSourceInvalidKey))
			})
		})

		When("the page has no item table", func() {
			BeforeEach(func() {
				markup = strings.Replace(markup, `id="tabResult"`, `id="other"`, 1)
			})

			It("returns ErrNoItems", func() {
				Expect(err).To(MatchError(ErrNoItems))
			})
		})
	})

	Describe("CheckNFCeResponse", func() {
		It("accepts a page without alerts", func() {
			Expect(CheckNFCeResponse(fixture("nfce.html"))).To(Succeed())
		})

		It("accepts an empty alert span", func() {
			Expect(CheckNFCeResponse(`<span id="spnAlertaMaster">  </span>`)).To(Succeed())
		})

		It("flags the invalid NFC-e banner", func() {
			markup := `<span id="spnAlertaMaster">` + InvalidNFCeBanner + `</span>`
			Expect(CheckNFCeResponse(markup)).To(MatchError(ErrSourceInvalidKey))
		})
	})

	Describe("ExtractSAT", func() {
		var (
			markup string
			doc    *Document
			err    error
		)

		BeforeEach(func() {
			markup = fixture("sat.html")
		})

		JustBeforeEach(func() {
			doc, err = ExtractSAT(markup)
		})

		When("the page is a complete result", func() {
			It("should not return an error", func() {
				Expect(err).NotTo(HaveOccurred())
			})

			It("reads the header fields", func() {
				Expect(doc.Source).To(Equal(SourceSAT))
				Expect(doc.IsSAT()).To(BeTrue())
				Expect(doc.EmitterName).To(Equal("MERCADO BOM PRECO"))
				Expect(doc.TaxID).To(Equal("98.765.432/0001-10"))
				Expect(doc.ReceiptNumber).To(Equal("000123"))
				Expect(doc.ConsumerName).To(Equal("JOSE PEREIRA"))
			})

			It("splits the issue date and time", func() {
				Expect(doc.IssuedAt).To(Equal(IssuedAt{Date: "2025-03-20", Time: "18:45:02"}))
			})

			It("assembles the address and declared total", func() {
				Expect(doc.Address).To(Equal("RUA A, 10, CENTRO, SAO PAULO, CEP 01000-000"))
				Expect(doc.DeclaredTotal).To(BeNumerically("~", 1234.56, 1e-9))
			})

			It("reads positional item cells and skips short rows", func() {
				Expect(doc.Items).To(HaveLen(2))
				Expect(doc.Items[0].Code).To(Equal("111"))
				Expect(doc.Items[0].Quantity).To(Equal(2.0))
				Expect(doc.Items[0].UnitPrice).To(BeNumerically("~", 4.5, 1e-9))
				Expect(doc.Items[0].TotalPrice).To(BeNumerically("~", 9.0, 1e-9))
				Expect(doc.Items[1].Unit).To(Equal("UN"))
				Expect(doc.Items[1].Category).To(Equal("Doces e Sobremesas"))
			})

			It("sums the line totals", func() {
				Expect(doc.Total()).To(BeNumerically("~", 1234.56, 1e-9))
			})
		})

		When("the emitter and consumer are missing", func() {
			BeforeEach(func() {
				markup = strings.Replace(markup, `<span id="conteudo_lblNomeEmitente">MERCADO BOM PRECO</span>`, "", 1)
				markup = strings.Replace(markup, `<span id="conteudo_lblRazaoSocial">JOSE PEREIRA</span>`, "", 1)
			})

			It("uses the N/A marker", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(doc.EmitterName).To(Equal(NotAvailable))
				Expect(doc.ConsumerName).To(Equal(NotAvailable))
			})
		})

		When("the issue date has no time", func() {
			BeforeEach(func() {
				markup = strings.Replace(markup, "20/03/2025 - 18:45:02", "20/03/2025", 1)
			})

			It("marks the time as N/A", func() {
				Expect(doc.IssuedAt).To(Equal(IssuedAt{Date: "2025-03-20", Time: NotAvailable}))
			})
		})

		When("the page has no document number", func() {
			BeforeEach(func() {
				markup = strings.Replace(markup, "000123", "", 1)
			})

			It("returns ErrNoDocumentNumber", func() {
				Expect(err).To(MatchError(ErrNoDocumentNumber))
			})
		})

		When("the page has a number but no items", func() {
			BeforeEach(func() {
				markup = strings.Replace(markup, `id="tableItens"`, `id="other"`, 1)
			})

			It("returns ErrNoItems", func() {
				Expect(err).To(MatchError(ErrNoItems))
			})
		})
	})
})
