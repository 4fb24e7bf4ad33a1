// Package card wraps a card service (Konnektor or a software stand-in) behind
// a signing facade: card lookup, certificate access, raw signatures and
// card-signed JWTs.
package card

import (
	"context"
	"errors"
	"fmt"
)

// CardType identifies the kind of smartcard.
type CardType string

const (
	CardTypeSMCB CardType = "SMC-B"
	CardTypeHBA  CardType = "HBA"
	CardTypeEGK  CardType = "EGK"
)

// Scheme is the signature scheme requested from the card.
type Scheme string

const (
	SchemeECDSA Scheme = "ECDSA"
	SchemePSS   Scheme = "RSASSA-PSS"
)

var (
	// ErrCardNotFound is returned when no card slot matches a selector.
	ErrCardNotFound = errors.New("card not found")
	// ErrAmbiguousCard is returned when a selector without telematik id
	// matches more than one card.
	ErrAmbiguousCard = errors.New("more than one matching card")
	// ErrSigning wraps every failure while producing a card signature.
	ErrSigning = errors.New("card signing failed")
	// ErrUnsupportedKey is returned for certificate keys no JWS algorithm
	// is defined for.
	ErrUnsupportedKey = errors.New("unsupported card key")
)

// Card describes a card slot reported by the card service.
type Card struct {
	Handle      string   `json:"card_handle"`
	Type        CardType `json:"card_type"`
	TelematikID string   `json:"telematik_id,omitempty"`
	KVNR        string   `json:"kvnr,omitempty"`
}

// Authority is the card service capability. Implementations must be safe for
// concurrent use; serialising access to one physical card is their concern.
type Authority interface {
	// Cards lists the cards currently inserted.
	Cards(ctx context.Context) ([]Card, error)
	// ReadCertificate returns the DER encoded authentication certificate.
	ReadCertificate(ctx context.Context, handle string) ([]byte, error)
	// Sign signs a SHA-256 digest with the card's private key. ECDSA
	// signatures may be returned ASN.1 DER encoded.
	Sign(ctx context.Context, handle string, scheme Scheme, digest []byte) ([]byte, error)
}

// Selector picks a card by telematik id and/or type. An empty TelematikID
// selects the only card of the given type.
type Selector struct {
	TelematikID string
	Type        CardType
}

func (s Selector) String() string {
	switch {
	case s.TelematikID != "" && s.Type != "":
		return fmt.Sprintf("%s %s", s.Type, s.TelematikID)
	case s.TelematikID != "":
		return s.TelematikID
	default:
		return string(s.Type)
	}
}
