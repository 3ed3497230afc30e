package receipt

import (
	"fmt"
	"regexp"
	"strings"
)

// KeyLength is the number of digits in an access key
const KeyLength = 44

var (
	digitsKeyPattern = regexp.MustCompile(`^\d{44}$`)
	qrKeyPattern     = regexp.MustCompile(`p=(\d{44})(?:\D|$)`)
)

// AccessKey is a validated 44-digit access key
type AccessKey struct {
	Digits string
	// SAT is set when the key must be routed straight to the SAT source
	SAT bool
}

func (k AccessKey) String() string {
	if k.SAT {
		return "s" + k.Digits
	}
	return k.Digits
}

// ClassifyKey turns a QR payload or a typed key into an AccessKey.
//
// Accepted forms, checked in order: "s"/"S" followed by 44 digits (SAT),
// a QR URL containing "qrcode" with a p=<44 digits> parameter, and 44 bare
// digits. Whitespace anywhere in the input is ignored.
func ClassifyKey(raw string) (AccessKey, error) {
	code := strings.Join(strings.Fields(raw), "")

	if len(code) > 0 && (code[0] == 's' || code[0] == 'S') && digitsKeyPattern.MatchString(code[1:]) {
		return AccessKey{Digits: code[1:], SAT: true}, nil
	}

	if strings.Contains(strings.ToLower(code), "qrcode") {
		m := qrKeyPattern.FindStringSubmatch(code)
		if m == nil {
			return AccessKey{}, fmt.Errorf("%w: no p=<%d digits> in qr payload", ErrInvalidKey, KeyLength)
		}
		return AccessKey{Digits: m[1]}, nil
	}

	if digitsKeyPattern.MatchString(code) {
		return AccessKey{Digits: code}, nil
	}

	return AccessKey{}, fmt.Errorf("%w: %q", ErrInvalidKey, raw)
}
