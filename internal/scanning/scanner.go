package scanning

// Scanner reads the QR payload printed on a receipt photo or PDF
type Scanner interface {
	// ScanPayload decodes the image and returns the text of the first QR
	// symbol found on it
	ScanPayload(imageData []byte, contentType string) (string, error)
}
