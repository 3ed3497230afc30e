package scanning

import (
	"fmt"
	"log/slog"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"

	"github.com/zombor/nfce-ledger/internal/receipt"
)

// MinDimension is the smallest width or height, in pixels, worth scanning
const MinDimension = 100

// QRScanner implements Scanner with the gozxing QR reader
type QRScanner struct {
	hints map[gozxing.DecodeHintType]interface{}
}

// NewQRScanner creates a QRScanner
func NewQRScanner() *QRScanner {
	return &QRScanner{
		hints: map[gozxing.DecodeHintType]interface{}{
			gozxing.DecodeHintType_TRY_HARDER: true,
		},
	}
}

// ScanPayload decodes the image and reads its QR symbol. Undecodable or
// undersized images yield receipt.ErrImageQuality; images without a
// readable symbol yield receipt.ErrQRNotFound.
func (s *QRScanner) ScanPayload(imageData []byte, contentType string) (string, error) {
	img, err := decodeImage(imageData, contentType)
	if err != nil {
		return "", fmt.Errorf("%w: %w", receipt.ErrImageQuality, err)
	}

	bounds := img.Bounds()
	if bounds.Dx() < MinDimension || bounds.Dy() < MinDimension {
		return "", fmt.Errorf("%w: %dx%d is below %dpx", receipt.ErrImageQuality, bounds.Dx(), bounds.Dy(), MinDimension)
	}

	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return "", fmt.Errorf("%w: binarizing image: %w", receipt.ErrImageQuality, err)
	}

	// QRCodeReader keeps per-decode state, so each scan gets its own
	result, err := qrcode.NewQRCodeReader().Decode(bmp, s.hints)
	if err != nil {
		slog.Debug("No QR symbol decoded", "error", err)
		return "", fmt.Errorf("%w: %w", receipt.ErrQRNotFound, err)
	}
	if result.GetText() == "" {
		return "", receipt.ErrQRNotFound
	}

	slog.Debug("Decoded QR symbol", "length", len(result.GetText()))
	return result.GetText(), nil
}
