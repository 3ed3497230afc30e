package ledger

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/nfce-ledger/internal/receipt"
)

var _ = Describe("Row shaping", func() {
	Describe("RowsFor", func() {
		var rows []Row

		BeforeEach(func() {
			rows = RowsFor(sampleDocument())
		})

		It("produces one row per item", func() {
			Expect(rows).To(HaveLen(3))
		})

		It("copies the document fields onto every row", func() {
			for _, r := range rows {
				Expect(r.Emitter).To(Equal("SUPERMERCADO SAO JOAO LTDA"))
				Expect(r.TaxID).To(Equal("12.345.678/0001-90"))
				Expect(r.ReceiptNumber).To(Equal("123456"))
				Expect(r.IssueDate).To(Equal("2025-04-15"))
				Expect(r.IsSAT).To(BeFalse())
			}
		})

		It("renders cells in column order", func() {
			Expect(rows[1].Values()).To(Equal([]string{
				"SUPERMERCADO SAO JOAO LTDA", "12.345.678/0001-90", "123456", "MARIA DA SILVA",
				"7892", "LEITE INTEGRAL", "Laticinios", "LEITE INTEGRAL",
				"1.5", "KG", "4", "6", "2025-04-15", "10:32:11", "False",
			}))
			Expect(rows[1].Values()).To(HaveLen(len(Header)))
		})
	})

	Describe("RowFromValues", func() {
		It("reads spreadsheet cells written by hand", func() {
			r := RowFromValues([]string{
				"MERCADO", "98.765.432/0001-10", " 000123 ", "N/A", "111", "LEITE INTEGRAL", "Laticinios",
				"LEITE INTEGRAL", "2", "UN", "4,50", "R$ 9,00", "2025-03-20", "18:45:02", "TRUE",
			})
			Expect(r.UnitPrice).To(BeNumerically("~", 4.5, 1e-9))
			Expect(r.TotalPrice).To(BeNumerically("~", 9.0, 1e-9))
			Expect(r.IsSAT).To(BeTrue())
			Expect(matchesReceipt(r, "000123")).To(BeTrue())
		})

		It("tolerates short rows", func() {
			r := RowFromValues([]string{"MERCADO", "1"})
			Expect(r.TaxID).To(Equal("1"))
			Expect(r.ReceiptNumber).To(BeEmpty())
			Expect(r.IsSAT).To(BeFalse())
		})
	})

	Describe("Reconstruct", func() {
		It("returns nil without rows", func() {
			Expect(Reconstruct(nil)).To(BeNil())
		})

		It("rebuilds the document marked as a duplicate", func() {
			original := sampleDocument()
			doc := Reconstruct(RowsFor(original))
			Expect(doc.Duplicate).To(BeTrue())
			Expect(doc.Source).To(Equal(receipt.SourceNFCe))
			Expect(doc.EmitterName).To(Equal(original.EmitterName))
			Expect(doc.TaxID).To(Equal(original.TaxID))
			Expect(doc.ConsumerName).To(Equal(original.ConsumerName))
			Expect(doc.ReceiptNumber).To(Equal(original.ReceiptNumber))
			Expect(doc.IssuedAt).To(Equal(original.IssuedAt))
			Expect(doc.Items).To(Equal(original.Items))
		})

		It("restores the SAT source from the flag column", func() {
			rows := RowsFor(sampleDocument())
			for i := range rows {
				rows[i].IsSAT = true
			}
			Expect(Reconstruct(rows).IsSAT()).To(BeTrue())
		})
	})
})
