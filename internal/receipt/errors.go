package receipt

import "errors"

var (
	// ErrImageQuality is returned for images that cannot be decoded or are
	// smaller than the minimum dimension on either axis
	ErrImageQuality = errors.New("image quality too low")
	// ErrQRNotFound is returned when no QR symbol is present on the image
	ErrQRNotFound = errors.New("qr code not found")
	// ErrInvalidKey is returned when the input matches none of the key formats
	ErrInvalidKey = errors.New("invalid access key")

	ErrSourceTimeout    = errors.New("source query timed out")
	ErrSourceTransport  = errors.New("source query failed")
	ErrSourceInvalidKey = errors.New("source rejected the access key")
	// ErrSourceRejected is an NFCe alert that is not the invalid-key banner.
	// It aborts resolution without trying SAT.
	ErrSourceRejected = errors.New("source returned an unrecognized error")

	ErrNoDocumentNumber = errors.New("no document number on page")
	ErrNoItems          = errors.New("no line items extracted")

	ErrLedgerIO = errors.New("ledger read/write failed")
)
