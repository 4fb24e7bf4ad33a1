package card

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

func newTestFacade(t *testing.T) (*Facade, *SoftAuthority) {
	t.Helper()
	authority := NewSoftAuthority()
	return NewFacade(authority, zerolog.New(os.Stderr).Level(zerolog.Disabled)), authority
}

func addCard(t *testing.T, a *SoftAuthority, cardType CardType, id string, keyType KeyType) Card {
	t.Helper()
	c, err := a.AddCard(cardType, id, keyType)
	if err != nil {
		t.Fatalf("AddCard failed: %v", err)
	}
	return c
}

func TestFacade_CardHandle_ByTelematikID(t *testing.T) {
	f, a := newTestFacade(t)
	addCard(t, a, CardTypeSMCB, "1-883110000092414", KeyTypeECDSA)
	want := addCard(t, a, CardTypeSMCB, "1-883110000092415", KeyTypeECDSA)

	got, err := f.CardHandle(context.Background(), Selector{TelematikID: "1-883110000092415"})
	if err != nil {
		t.Fatalf("CardHandle failed: %v", err)
	}
	if got != want.Handle {
		t.Errorf("expected handle %q, got %q", want.Handle, got)
	}
}

func TestFacade_CardHandle_SoleCardOfType(t *testing.T) {
	f, a := newTestFacade(t)
	addCard(t, a, CardTypeHBA, "1-HBA-Testkarte-883110000129084", KeyTypeECDSA)
	smcb := addCard(t, a, CardTypeSMCB, "1-883110000092414", KeyTypeECDSA)

	got, err := f.CardHandle(context.Background(), Selector{Type: CardTypeSMCB})
	if err != nil {
		t.Fatalf("CardHandle failed: %v", err)
	}
	if got != smcb.Handle {
		t.Errorf("expected handle %q, got %q", smcb.Handle, got)
	}
}

func TestFacade_CardHandle_NotFound(t *testing.T) {
	f, a := newTestFacade(t)
	addCard(t, a, CardTypeHBA, "1-HBA-Testkarte-883110000129084", KeyTypeECDSA)

	_, err := f.CardHandle(context.Background(), Selector{Type: CardTypeSMCB})
	if !errors.Is(err, ErrCardNotFound) {
		t.Fatalf("expected ErrCardNotFound, got %v", err)
	}

	_, err = f.CardHandle(context.Background(), Selector{TelematikID: "unknown"})
	if !errors.Is(err, ErrCardNotFound) {
		t.Fatalf("expected ErrCardNotFound, got %v", err)
	}
}

func TestFacade_CardHandle_Ambiguous(t *testing.T) {
	f, a := newTestFacade(t)
	addCard(t, a, CardTypeSMCB, "1-883110000092414", KeyTypeECDSA)
	addCard(t, a, CardTypeSMCB, "1-883110000092415", KeyTypeECDSA)

	_, err := f.CardHandle(context.Background(), Selector{Type: CardTypeSMCB})
	if !errors.Is(err, ErrAmbiguousCard) {
		t.Fatalf("expected ErrAmbiguousCard, got %v", err)
	}
}

func TestFacade_Sign_ECDSA(t *testing.T) {
	f, a := newTestFacade(t)
	c := addCard(t, a, CardTypeSMCB, "1-883110000092414", KeyTypeECDSA)

	payload := []byte("header.payload")
	sig, err := f.Sign(context.Background(), c.Handle, payload)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if len(sig) != 64 {
		t.Fatalf("expected 64 byte r||s signature, got %d bytes", len(sig))
	}

	cert, err := f.Certificate(context.Background(), c.Handle)
	if err != nil {
		t.Fatalf("Certificate failed: %v", err)
	}
	if err := jwt.SigningMethodES256.Verify(string(payload), sig, cert.PublicKey); err != nil {
		t.Errorf("signature does not verify: %v", err)
	}
}

func TestFacade_Sign_RSAPSS(t *testing.T) {
	f, a := newTestFacade(t)
	c := addCard(t, a, CardTypeHBA, "1-HBA-Testkarte-883110000129084", KeyTypeRSA)

	payload := []byte("header.payload")
	sig, err := f.Sign(context.Background(), c.Handle, payload)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	cert, err := f.Certificate(context.Background(), c.Handle)
	if err != nil {
		t.Fatalf("Certificate failed: %v", err)
	}
	alg, err := AlgorithmFor(cert)
	if err != nil {
		t.Fatalf("AlgorithmFor failed: %v", err)
	}
	if alg.Name != "PS256" {
		t.Errorf("expected PS256, got %s", alg.Name)
	}
	if err := jwt.SigningMethodPS256.Verify(string(payload), sig, cert.PublicKey); err != nil {
		t.Errorf("signature does not verify: %v", err)
	}
}

func TestFacade_Sign_WrapsCardFailure(t *testing.T) {
	f, a := newTestFacade(t)
	c := addCard(t, a, CardTypeSMCB, "1-883110000092414", KeyTypeECDSA)
	cardErr := errors.New("card removed during operation")
	a.SetSignError(c.Handle, cardErr)

	_, err := f.Sign(context.Background(), c.Handle, []byte("data"))
	if !errors.Is(err, ErrSigning) {
		t.Fatalf("expected ErrSigning, got %v", err)
	}
	if !errors.Is(err, cardErr) {
		t.Errorf("expected underlying card error in chain, got %v", err)
	}
}

type testClaims struct {
	Nonce string `json:"nonce"`
	jwt.RegisteredClaims
}

func TestCreateSignedJWT_RoundTrip(t *testing.T) {
	for _, keyType := range []KeyType{KeyTypeECDSA, KeyTypeRSA, KeyTypeBrainpool} {
		t.Run(string(keyType), func(t *testing.T) {
			f, a := newTestFacade(t)
			c := addCard(t, a, CardTypeSMCB, "1-883110000092414", keyType)
			creds, err := f.Credentials(context.Background(), c.Handle)
			if err != nil {
				t.Fatalf("Credentials failed: %v", err)
			}

			now := time.Now()
			claims := testClaims{
				Nonce: "abc",
				RegisteredClaims: jwt.RegisteredClaims{
					IssuedAt:  jwt.NewNumericDate(now),
					ExpiresAt: jwt.NewNumericDate(now.Add(20 * time.Minute)),
				},
			}
			token, err := CreateSignedJWT(claims, creds.Certificate, creds.Sign, creds.Algorithm, WithHeader("cty", "NJWT"))
			if err != nil {
				t.Fatalf("CreateSignedJWT failed: %v", err)
			}
			if strings.Count(token, ".") != 2 {
				t.Fatalf("expected compact JWS, got %q", token)
			}

			var parsed testClaims
			signer, err := ParseSignedJWT(token, &parsed)
			if err != nil {
				t.Fatalf("ParseSignedJWT failed: %v", err)
			}
			if parsed.Nonce != "abc" {
				t.Errorf("expected nonce abc, got %q", parsed.Nonce)
			}
			if TelematikID(signer) != "1-883110000092414" {
				t.Errorf("unexpected signer telematik id %q", TelematikID(signer))
			}

			header, _, err := jwt.NewParser().ParseUnverified(token, &testClaims{})
			if err != nil {
				t.Fatalf("ParseUnverified failed: %v", err)
			}
			if header.Header["alg"] != creds.Algorithm.Name {
				t.Errorf("expected alg %s, got %v", creds.Algorithm.Name, header.Header["alg"])
			}
			if header.Header["cty"] != "NJWT" {
				t.Errorf("expected cty header, got %v", header.Header["cty"])
			}
		})
	}
}

func TestCreateSignedJWT_SignError(t *testing.T) {
	f, a := newTestFacade(t)
	c := addCard(t, a, CardTypeSMCB, "1-883110000092414", KeyTypeECDSA)
	creds, err := f.Credentials(context.Background(), c.Handle)
	if err != nil {
		t.Fatalf("Credentials failed: %v", err)
	}
	a.SetSignError(c.Handle, errors.New("pin blocked"))

	_, err = CreateSignedJWT(jwt.MapClaims{"nonce": "abc"}, creds.Certificate, creds.Sign, creds.Algorithm)
	if !errors.Is(err, ErrSigning) {
		t.Fatalf("expected ErrSigning, got %v", err)
	}
}

func TestParseSignedJWT_RejectsTampered(t *testing.T) {
	f, a := newTestFacade(t)
	c := addCard(t, a, CardTypeSMCB, "1-883110000092414", KeyTypeECDSA)
	creds, _ := f.Credentials(context.Background(), c.Handle)

	token, err := CreateSignedJWT(jwt.MapClaims{"nonce": "abc"}, creds.Certificate, creds.Sign, creds.Algorithm)
	if err != nil {
		t.Fatalf("CreateSignedJWT failed: %v", err)
	}
	parts := strings.Split(token, ".")
	forged, _ := CreateSignedJWT(jwt.MapClaims{"nonce": "xyz"}, creds.Certificate, creds.Sign, creds.Algorithm)
	tampered := parts[0] + "." + strings.Split(forged, ".")[1] + "." + parts[2]

	if _, err := ParseSignedJWT(tampered, jwt.MapClaims{}); err == nil {
		t.Fatal("expected tampered token to be rejected")
	}
}

func TestSoftAuthority_BrainpoolCertificate(t *testing.T) {
	f, a := newTestFacade(t)
	c := addCard(t, a, CardTypeSMCB, "1-883110000092414", KeyTypeBrainpool)

	der, err := a.ReadCertificate(context.Background(), c.Handle)
	if err != nil {
		t.Fatalf("ReadCertificate failed: %v", err)
	}
	if _, err := x509.ParseCertificate(der); err == nil {
		t.Fatal("expected crypto/x509 to reject the brainpool certificate")
	}

	creds, err := f.Credentials(context.Background(), c.Handle)
	if err != nil {
		t.Fatalf("Credentials failed: %v", err)
	}
	if creds.Algorithm != AlgBP256R1 {
		t.Errorf("expected %s, got %s", AlgBP256R1.Name, creds.Algorithm.Name)
	}
	if TelematikID(creds.Certificate) != "1-883110000092414" {
		t.Errorf("unexpected telematik id %q", TelematikID(creds.Certificate))
	}
}

func TestParseSignedJWT_BrainpoolRejectsForeignKey(t *testing.T) {
	f, a := newTestFacade(t)
	bp := addCard(t, a, CardTypeSMCB, "1-883110000092414", KeyTypeBrainpool)
	other := addCard(t, a, CardTypeSMCB, "1-883110000092415", KeyTypeBrainpool)
	bpCreds, _ := f.Credentials(context.Background(), bp.Handle)
	otherCreds, _ := f.Credentials(context.Background(), other.Handle)

	// Signed by one card, presented with the other card's certificate.
	token, err := CreateSignedJWT(jwt.MapClaims{"nonce": "abc"}, otherCreds.Certificate, bpCreds.Sign, AlgBP256R1)
	if err != nil {
		t.Fatalf("CreateSignedJWT failed: %v", err)
	}
	if _, err := ParseSignedJWT(token, jwt.MapClaims{}); !errors.Is(err, jwt.ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	if err := verifyBrainpool("a.b", make([]byte, 64), &key.PublicKey); err == nil {
		t.Error("expected a P-256 key to be rejected for BP256R1")
	}
	if err := verifyBrainpool("a.b", make([]byte, 63), otherCreds.Certificate.PublicKey); !errors.Is(err, jwt.ErrSignatureInvalid) {
		t.Errorf("expected short signature to be rejected, got %v", err)
	}
}

func TestAlgorithmFor_UnsupportedCurve(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	_, err = AlgorithmFor(&x509.Certificate{PublicKey: &key.PublicKey})
	if !errors.Is(err, ErrUnsupportedKey) {
		t.Fatalf("expected ErrUnsupportedKey, got %v", err)
	}
}

func TestConcatECDSASignature(t *testing.T) {
	raw := make([]byte, 64)
	raw[0] = 0x01
	got, err := concatECDSASignature(raw, 32)
	if err != nil {
		t.Fatalf("raw signature rejected: %v", err)
	}
	if len(got) != 64 {
		t.Errorf("expected passthrough, got %d bytes", len(got))
	}

	if _, err := concatECDSASignature([]byte{0x30, 0x01}, 32); err == nil {
		t.Error("expected malformed signature error")
	}
}
