package vsdm

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
)

const (
	// IATTimeOffset is the epoch (2025-01-01T00:00:00Z) the 8-second issue
	// time counter is relative to.
	IATTimeOffset = 1735689600

	// MinSecretLength is the minimum size of the shared secret.
	MinSecretLength = 32
	// MaxKeyVersion is the highest key version encodable in the prefix byte.
	MaxKeyVersion = 3
	// KVNRLength is the size of the insurant id (Krankenversichertennummer).
	KVNRLength = 10
	// EncodedLength is the length of the base64 wire form.
	EncodedLength = 64

	kdfInfo          = "VSDM+ Version 2 AES/GCM"
	encKeyLength     = 16
	prefixBase       = 128
	ivLength         = 12
	tagLength        = 16
	iatLength        = 3
	iatShift         = 3
	iatMask          = 1<<(8*iatLength) - 1
	plaintextLength  = HCVLength + iatLength + KVNRLength
	ciphertextLength = plaintextLength + tagLength
	rawLength        = 1 + ivLength + ciphertextLength
)

// iatPeriod is the span after which the truncated issue time counter wraps.
const iatPeriod = int64(1) << (8*iatLength + iatShift)

// Pruefziffer is the decoded content of a VSDM+ version 2 checksum.
type Pruefziffer struct {
	OperatorID byte
	KeyVersion int
	// HCV has the revocation bit cleared; see Revoked.
	HCV      HCV
	IssuedAt time.Time
	KVNR     string
	Revoked  bool
}

// Option configures a Codec.
type Option func(*Codec)

// WithClock overrides the wall clock used for the issue time field.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) { c.now = now }
}

// WithRandom overrides the source of initialisation vectors. It must be a
// cryptographically secure source outside of tests.
func WithRandom(r io.Reader) Option {
	return func(c *Codec) { c.random = r }
}

// Codec encodes and decodes Pruefziffer version 2 checksums. A Codec holds no
// mutable state and is safe for concurrent use.
type Codec struct {
	now    func() time.Time
	random io.Reader
}

// NewCodec creates a Codec reading the system clock and crypto/rand.
func NewCodec(opts ...Option) *Codec {
	c := &Codec{
		now:    time.Now,
		random: rand.Reader,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

var defaultCodec = NewCodec()

// Encode builds a checksum with the default codec.
func Encode(operatorID byte, keyVersion int, secret []byte, hcv HCV, kvnr string, revoked bool) (string, error) {
	return defaultCodec.Encode(operatorID, keyVersion, secret, hcv, kvnr, revoked)
}

// Decode validates and decrypts a checksum with the default codec.
func Decode(checksum string, secret []byte) (*Pruefziffer, error) {
	return defaultCodec.Decode(checksum, secret)
}

// Encode produces the base64 wire form prefix || iv || AES-GCM(hcv || iat || kvnr).
// Every call draws a fresh IV.
func (c *Codec) Encode(operatorID byte, keyVersion int, secret []byte, hcv HCV, kvnr string, revoked bool) (string, error) {
	if operatorID < 'A' || operatorID > 'Z' {
		return "", fmt.Errorf("%w (got %q)", ErrInvalidOperatorID, operatorID)
	}
	if keyVersion < 0 || keyVersion > MaxKeyVersion {
		return "", fmt.Errorf("%w (got %d)", ErrInvalidKeyVersion, keyVersion)
	}
	aead, err := newAEAD(secret)
	if err != nil {
		return "", err
	}
	kvnrBytes, err := encodeLatin9(kvnr)
	if err != nil || len(kvnrBytes) != KVNRLength {
		return "", fmt.Errorf("%w (got %q)", ErrInvalidKVNR, kvnr)
	}

	prefix := prefixByte(operatorID, keyVersion)
	iat := relativeIAT(c.now())

	field1 := hcv
	if revoked {
		field1[0] |= revocationBit
	} else {
		field1[0] &^= revocationBit
	}

	plaintext := make([]byte, 0, plaintextLength)
	plaintext = append(plaintext, field1[:]...)
	plaintext = append(plaintext, iat[:]...)
	plaintext = append(plaintext, kvnrBytes...)
	if len(plaintext) != plaintextLength {
		return "", fmt.Errorf("vsdm: plaintext is %d bytes, want %d", len(plaintext), plaintextLength)
	}

	iv := make([]byte, ivLength)
	if _, err := io.ReadFull(c.random, iv); err != nil {
		return "", fmt.Errorf("vsdm: generate iv: %w", err)
	}

	ciphertext := aead.Seal(nil, iv, plaintext, nil)
	if len(ciphertext) != ciphertextLength {
		return "", fmt.Errorf("vsdm: ciphertext is %d bytes, want %d", len(ciphertext), ciphertextLength)
	}

	raw := make([]byte, 0, rawLength)
	raw = append(raw, prefix)
	raw = append(raw, iv...)
	raw = append(raw, ciphertext...)
	if len(raw) != rawLength {
		return "", fmt.Errorf("vsdm: pruefziffer is %d bytes, want %d", len(raw), rawLength)
	}

	return base64.StdEncoding.EncodeToString(raw), nil
}

// Decode reverses Encode. An authentication tag mismatch, i.e. any change to
// the IV or ciphertext, yields ErrTamperedChecksum.
func (c *Codec) Decode(checksum string, secret []byte) (*Pruefziffer, error) {
	aead, err := newAEAD(secret)
	if err != nil {
		return nil, err
	}

	raw, err := base64.StdEncoding.DecodeString(checksum)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrMalformedChecksum, err)
	}
	if len(raw) != rawLength {
		return nil, fmt.Errorf("%w: %d bytes, want %d", ErrMalformedChecksum, len(raw), rawLength)
	}

	operatorID, keyVersion, err := splitPrefix(raw[0])
	if err != nil {
		return nil, err
	}

	iv := raw[1 : 1+ivLength]
	ciphertext := raw[1+ivLength:]
	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTamperedChecksum, err)
	}
	if len(plaintext) != plaintextLength {
		return nil, fmt.Errorf("%w: plaintext is %d bytes", ErrMalformedChecksum, len(plaintext))
	}

	pz := &Pruefziffer{
		OperatorID: operatorID,
		KeyVersion: keyVersion,
	}
	copy(pz.HCV[:], plaintext[:HCVLength])
	pz.Revoked = pz.HCV.Revoked()
	pz.HCV[0] &^= revocationBit

	var iat [iatLength]byte
	copy(iat[:], plaintext[HCVLength:HCVLength+iatLength])
	pz.IssuedAt = absoluteIAT(iat, c.now())

	kvnr, err := decodeLatin9(plaintext[HCVLength+iatLength:])
	if err != nil {
		return nil, fmt.Errorf("%w: kvnr: %v", ErrMalformedChecksum, err)
	}
	pz.KVNR = kvnr

	return pz, nil
}

// deriveEncKey runs HKDF-SHA256 without salt over the shared secret.
func deriveEncKey(secret []byte) ([]byte, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("%w (got %d bytes)", ErrInvalidKey, len(secret))
	}
	key := make([]byte, encKeyLength)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(kdfInfo)), key); err != nil {
		return nil, fmt.Errorf("vsdm: hkdf: %w", err)
	}
	return key, nil
}

func newAEAD(secret []byte) (cipher.AEAD, error) {
	key, err := deriveEncKey(secret)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vsdm: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vsdm: create GCM: %w", err)
	}
	if aead.NonceSize() != ivLength || aead.Overhead() != tagLength {
		return nil, errors.New("vsdm: unexpected GCM parameters")
	}
	return aead, nil
}

func prefixByte(operatorID byte, keyVersion int) byte {
	return byte(prefixBase + (int(operatorID-'A') << 2) + keyVersion)
}

func splitPrefix(p byte) (byte, int, error) {
	if p < prefixBase {
		return 0, 0, fmt.Errorf("%w: prefix byte %d below %d", ErrMalformedChecksum, p, prefixBase)
	}
	v := p - prefixBase
	operatorID := 'A' + v>>2
	if operatorID > 'Z' {
		return 0, 0, fmt.Errorf("%w: prefix byte %d has no operator", ErrMalformedChecksum, p)
	}
	return operatorID, int(v & 0x03), nil
}

// relativeIAT returns the low three bytes (big-endian) of the number of
// 8-second ticks since IATTimeOffset.
func relativeIAT(t time.Time) [iatLength]byte {
	ticks := uint64(t.Unix()-IATTimeOffset) >> iatShift
	ticks &= iatMask
	return [iatLength]byte{byte(ticks >> 16), byte(ticks >> 8), byte(ticks)}
}

// absoluteIAT maps a truncated tick counter to the latest matching instant
// not after now.
func absoluteIAT(iat [iatLength]byte, now time.Time) time.Time {
	ticks := int64(iat[0])<<16 | int64(iat[1])<<8 | int64(iat[2])
	sec := IATTimeOffset + ticks<<iatShift
	if n := now.Unix(); n > sec {
		sec += ((n - sec) / iatPeriod) * iatPeriod
	}
	return time.Unix(sec, 0).UTC()
}
