package card

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

// SignFunc signs arbitrary bytes with a card key and returns a JWS-ready
// signature.
type SignFunc func(data []byte) ([]byte, error)

// Credentials bundles everything a protocol step needs from one card.
type Credentials struct {
	Handle      string
	Certificate *x509.Certificate
	Algorithm   Algorithm
	Sign        SignFunc
}

// Facade exposes the card operations used by the login and entitlement flows.
// It is safe for concurrent use when the underlying Authority is.
type Facade struct {
	authority Authority
	logger    zerolog.Logger
}

// NewFacade creates a Facade over the given card service.
func NewFacade(authority Authority, logger zerolog.Logger) *Facade {
	return &Facade{authority: authority, logger: logger}
}

// CardHandle resolves a selector to a card handle.
func (f *Facade) CardHandle(ctx context.Context, sel Selector) (string, error) {
	cards, err := f.authority.Cards(ctx)
	if err != nil {
		return "", fmt.Errorf("listing cards: %w", err)
	}

	var matches []Card
	for _, c := range cards {
		if sel.Type != "" && c.Type != sel.Type {
			continue
		}
		if sel.TelematikID != "" && c.TelematikID != sel.TelematikID && c.KVNR != sel.TelematikID {
			continue
		}
		matches = append(matches, c)
	}

	switch {
	case len(matches) == 0:
		return "", fmt.Errorf("%w: %s", ErrCardNotFound, sel)
	case len(matches) > 1 && sel.TelematikID == "":
		return "", fmt.Errorf("%w: %d cards for %s", ErrAmbiguousCard, len(matches), sel)
	}

	f.logger.Debug().
		Str("selector", sel.String()).
		Str("card_handle", matches[0].Handle).
		Msg("card resolved")
	return matches[0].Handle, nil
}

// Certificate reads and parses the card's authentication certificate.
func (f *Facade) Certificate(ctx context.Context, handle string) (*x509.Certificate, error) {
	der, err := f.authority.ReadCertificate(ctx, handle)
	if err != nil {
		return nil, fmt.Errorf("reading certificate of card %s: %w", handle, err)
	}
	return ParseCertificate(der)
}

// Sign signs payload with the card. The algorithm follows the certificate's
// key type.
func (f *Facade) Sign(ctx context.Context, handle string, payload []byte) ([]byte, error) {
	creds, err := f.Credentials(ctx, handle)
	if err != nil {
		return nil, err
	}
	return creds.Sign(payload)
}

// Credentials loads the certificate of a card and returns a SignFunc bound
// to ctx and the card.
func (f *Facade) Credentials(ctx context.Context, handle string) (*Credentials, error) {
	cert, err := f.Certificate(ctx, handle)
	if err != nil {
		return nil, err
	}
	alg, err := AlgorithmFor(cert)
	if err != nil {
		return nil, err
	}
	return &Credentials{
		Handle:      handle,
		Certificate: cert,
		Algorithm:   alg,
		Sign: func(data []byte) ([]byte, error) {
			return f.sign(ctx, handle, alg, data)
		},
	}, nil
}

func (f *Facade) sign(ctx context.Context, handle string, alg Algorithm, data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)

	f.logger.Debug().
		Str("card_handle", handle).
		Str("alg", alg.Name).
		Int("payload_len", len(data)).
		Msg("signing with card")

	sig, err := f.authority.Sign(ctx, handle, alg.Scheme, digest[:])
	if err != nil {
		return nil, fmt.Errorf("%w: card %s: %w", ErrSigning, handle, err)
	}
	if alg.Scheme == SchemeECDSA {
		sig, err = concatECDSASignature(sig, alg.componentSize)
		if err != nil {
			return nil, fmt.Errorf("%w: card %s: %w", ErrSigning, handle, err)
		}
	}
	return sig, nil
}

// concatECDSASignature converts an ASN.1 DER ECDSA signature to the fixed
// width r||s form JWS requires. Signatures already in that form pass through.
func concatECDSASignature(sig []byte, size int) ([]byte, error) {
	r, s := new(big.Int), new(big.Int)
	input := cryptobyte.String(sig)
	var inner cryptobyte.String
	if !input.ReadASN1(&inner, asn1.SEQUENCE) || !input.Empty() ||
		!inner.ReadASN1Integer(r) || !inner.ReadASN1Integer(s) || !inner.Empty() {
		if len(sig) == 2*size {
			return sig, nil
		}
		return nil, errors.New("malformed ECDSA signature")
	}
	if r.Sign() <= 0 || s.Sign() <= 0 || r.BitLen() > 8*size || s.BitLen() > 8*size {
		return nil, errors.New("ECDSA signature out of range")
	}
	out := make([]byte, 2*size)
	r.FillBytes(out[:size])
	s.FillBytes(out[size:])
	return out, nil
}
