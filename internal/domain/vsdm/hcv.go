package vsdm

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/text/encoding/charmap"
)

// HCVLength is the size of a Health Card Verification value in bytes.
const HCVLength = 5

// versicherungsbeginnLength is the encoded size of the coverage start date (YYYYMMDD).
const versicherungsbeginnLength = 8

// revocationBit marks a revoked card in byte 0 of the first plaintext field.
const revocationBit = 0x80

// HCV is the Health Card Verification value: the first five bytes of
// SHA-256(versicherungsbeginn || trimmed street address), both ISO-8859-15
// encoded, with the reserved bit 7 of byte 0 cleared.
type HCV [HCVLength]byte

// ComputeHCV derives the HCV for an insurance record. It is a pure function of
// its inputs.
func ComputeHCV(versicherungsbeginn, strassenAdresse string) (HCV, error) {
	var hcv HCV

	begin, err := encodeLatin9(versicherungsbeginn)
	if err != nil {
		return hcv, fmt.Errorf("%w: versicherungsbeginn: %v", ErrInvalidInput, err)
	}
	if len(begin) != versicherungsbeginnLength {
		return hcv, fmt.Errorf("%w: versicherungsbeginn must encode to %d bytes, got %d",
			ErrInvalidInput, versicherungsbeginnLength, len(begin))
	}

	street, err := encodeLatin9(trimControl(strassenAdresse))
	if err != nil {
		return hcv, fmt.Errorf("%w: strassenAdresse: %v", ErrInvalidInput, err)
	}

	h := sha256.New()
	h.Write(begin)
	h.Write(street)
	copy(hcv[:], h.Sum(nil)[:HCVLength])
	hcv[0] &^= revocationBit

	return hcv, nil
}

// Revoked reports whether the revocation flag is set.
func (h HCV) Revoked() bool {
	return h[0]&revocationBit != 0
}

// Base64 returns the standard base64 encoding used for the JWT hcv claim.
func (h HCV) Base64() string {
	return base64.StdEncoding.EncodeToString(h[:])
}

// ParseHCV decodes a base64 hcv claim. It fails unless the claim decodes to
// exactly HCVLength bytes.
func ParseHCV(s string) (HCV, error) {
	var hcv HCV
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return hcv, fmt.Errorf("%w: hcv: %v", ErrInvalidInput, err)
	}
	if len(b) != HCVLength {
		return hcv, fmt.Errorf("%w: hcv must be %d bytes, got %d", ErrInvalidInput, HCVLength, len(b))
	}
	copy(hcv[:], b)
	return hcv, nil
}

func encodeLatin9(s string) ([]byte, error) {
	return charmap.ISO8859_15.NewEncoder().Bytes([]byte(s))
}

func decodeLatin9(b []byte) (string, error) {
	out, err := charmap.ISO8859_15.NewDecoder().Bytes(b)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// trimControl strips leading and trailing spaces and ASCII control characters.
func trimControl(s string) string {
	return strings.TrimFunc(s, func(r rune) bool { return r <= ' ' })
}
