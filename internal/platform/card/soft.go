package card

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/spilikin/go-brainpool"
)

// KeyType selects the key generated for a software card.
type KeyType string

const (
	KeyTypeECDSA KeyType = "ecdsa"
	KeyTypeRSA   KeyType = "rsa"
	// KeyTypeBrainpool is brainpoolP256r1, the curve of gematik cards.
	KeyTypeBrainpool KeyType = "brainpool"
)

type softCard struct {
	card    Card
	key     crypto.Signer
	certDER []byte
	signErr error
}

// SoftAuthority is an in-memory card service holding software keys and
// self-signed certificates. It stands in for the Konnektor in tests and in
// the simulator scenarios.
type SoftAuthority struct {
	mu    sync.RWMutex
	cards map[string]*softCard
	order []string
	seq   map[CardType]int
}

// NewSoftAuthority creates an empty software card service.
func NewSoftAuthority() *SoftAuthority {
	return &SoftAuthority{
		cards: make(map[string]*softCard),
		seq:   make(map[CardType]int),
	}
}

// AddCard inserts a new card. id is the telematik id for SMC-B and HBA cards
// and the KVNR for eGK cards.
func (a *SoftAuthority) AddCard(cardType CardType, id string, keyType KeyType) (Card, error) {
	var (
		key crypto.Signer
		err error
	)
	switch keyType {
	case KeyTypeECDSA, "":
		key, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case KeyTypeRSA:
		key, err = rsa.GenerateKey(rand.Reader, 2048)
	case KeyTypeBrainpool:
		key, err = ecdsa.GenerateKey(brainpool.P256r1(), rand.Reader)
	default:
		return Card{}, fmt.Errorf("unsupported key type %q", keyType)
	}
	if err != nil {
		return Card{}, fmt.Errorf("generating card key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return Card{}, fmt.Errorf("generating serial: %w", err)
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   fmt.Sprintf("%s %s", cardType, id),
			SerialNumber: id,
			Country:      []string{"DE"},
		},
		NotBefore: now.Add(-time.Hour),
		NotAfter:  now.AddDate(5, 0, 0),
		KeyUsage:  x509.KeyUsageDigitalSignature,
	}
	var der []byte
	if keyType == KeyTypeBrainpool {
		der, err = createBrainpoolCertificate(tmpl, key.(*ecdsa.PrivateKey))
	} else {
		der, err = x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	}
	if err != nil {
		return Card{}, fmt.Errorf("creating card certificate: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.seq[cardType]++
	c := Card{
		Handle: fmt.Sprintf("%s-%d", cardType, a.seq[cardType]),
		Type:   cardType,
	}
	if cardType == CardTypeEGK {
		c.KVNR = id
	} else {
		c.TelematikID = id
	}
	a.cards[c.Handle] = &softCard{card: c, key: key, certDER: der}
	a.order = append(a.order, c.Handle)
	return c, nil
}

// RemoveCard ejects a card.
func (a *SoftAuthority) RemoveCard(handle string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.cards, handle)
	for i, h := range a.order {
		if h == handle {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
}

// SetSignError makes every subsequent Sign on the card fail with err. A nil
// err restores normal operation.
func (a *SoftAuthority) SetSignError(handle string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if sc, ok := a.cards[handle]; ok {
		sc.signErr = err
	}
}

func (a *SoftAuthority) Cards(ctx context.Context) ([]Card, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	cards := make([]Card, 0, len(a.order))
	for _, h := range a.order {
		cards = append(cards, a.cards[h].card)
	}
	return cards, nil
}

func (a *SoftAuthority) ReadCertificate(ctx context.Context, handle string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	sc, ok := a.cards[handle]
	if !ok {
		return nil, fmt.Errorf("%w: handle %s", ErrCardNotFound, handle)
	}
	return sc.certDER, nil
}

func (a *SoftAuthority) Sign(ctx context.Context, handle string, scheme Scheme, digest []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.RLock()
	sc, ok := a.cards[handle]
	var signErr error
	if ok {
		signErr = sc.signErr
	}
	a.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: handle %s", ErrCardNotFound, handle)
	}
	if signErr != nil {
		return nil, signErr
	}

	switch k := sc.key.(type) {
	case *ecdsa.PrivateKey:
		if scheme != SchemeECDSA {
			return nil, fmt.Errorf("card %s cannot sign %s", handle, scheme)
		}
		return ecdsa.SignASN1(rand.Reader, k, digest)
	case *rsa.PrivateKey:
		if scheme != SchemePSS {
			return nil, fmt.Errorf("card %s cannot sign %s", handle, scheme)
		}
		return rsa.SignPSS(rand.Reader, k, crypto.SHA256, digest, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
	default:
		return nil, fmt.Errorf("card %s has unsupported key %T", handle, sc.key)
	}
}
