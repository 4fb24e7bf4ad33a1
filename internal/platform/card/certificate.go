package card

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"time"

	"github.com/spilikin/go-brainpool"
)

const brainpoolP256r1 = "brainpoolP256r1"

// Algorithm is a JWS algorithm together with the card scheme backing it.
type Algorithm struct {
	Name   string
	Scheme Scheme
	// size of one ECDSA signature component in bytes
	componentSize int
}

var (
	AlgES256   = Algorithm{Name: "ES256", Scheme: SchemeECDSA, componentSize: 32}
	AlgBP256R1 = Algorithm{Name: "BP256R1", Scheme: SchemeECDSA, componentSize: 32}
	AlgPS256   = Algorithm{Name: "PS256", Scheme: SchemePSS}
)

// AlgorithmFor selects the JWS algorithm for a certificate's public key.
func AlgorithmFor(cert *x509.Certificate) (Algorithm, error) {
	switch k := cert.PublicKey.(type) {
	case *ecdsa.PublicKey:
		switch name := k.Curve.Params().Name; name {
		case "P-256":
			return AlgES256, nil
		case brainpoolP256r1:
			return AlgBP256R1, nil
		default:
			return Algorithm{}, fmt.Errorf("%w: curve %s", ErrUnsupportedKey, name)
		}
	case *rsa.PublicKey:
		return AlgPS256, nil
	default:
		return Algorithm{}, fmt.Errorf("%w: %T", ErrUnsupportedKey, cert.PublicKey)
	}
}

// ParseCertificate parses a DER certificate. Certificates on brainpool
// curves, which crypto/x509 rejects, are handled by go-brainpool.
func ParseCertificate(der []byte) (*x509.Certificate, error) {
	cert, err := x509.ParseCertificate(der)
	if err == nil {
		return cert, nil
	}
	bp, bpErr := brainpool.ParseCertificate(der)
	if bpErr != nil {
		return nil, fmt.Errorf("parsing certificate: %w", err)
	}
	return bp, nil
}

// TelematikID returns the telematik id carried in the certificate subject's
// serialNumber attribute.
func TelematikID(cert *x509.Certificate) string {
	return cert.Subject.SerialNumber
}

var (
	oidPublicKeyECDSA    = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
	oidSignatureECDSA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
)

type tbsCertificate struct {
	Version            int `asn1:"optional,explicit,default:0,tag:0"`
	SerialNumber       *big.Int
	SignatureAlgorithm pkix.AlgorithmIdentifier
	Issuer             asn1.RawValue
	Validity           validity
	Subject            asn1.RawValue
	PublicKey          publicKeyInfo
}

type validity struct {
	NotBefore, NotAfter time.Time
}

type publicKeyInfo struct {
	Algorithm pkix.AlgorithmIdentifier
	PublicKey asn1.BitString
}

type certificate struct {
	TBSCertificate     asn1.RawValue
	SignatureAlgorithm pkix.AlgorithmIdentifier
	Signature          asn1.BitString
}

// createBrainpoolCertificate self-signs tmpl for a brainpoolP256r1 key.
// crypto/x509 cannot marshal keys on curves it does not know, so the DER is
// assembled here. Only subject, serial and validity of tmpl are used.
func createBrainpoolCertificate(tmpl *x509.Certificate, key *ecdsa.PrivateKey) ([]byte, error) {
	name, err := asn1.Marshal(tmpl.Subject.ToRDNSequence())
	if err != nil {
		return nil, fmt.Errorf("marshalling subject: %w", err)
	}
	curve, err := asn1.Marshal(brainpool.OIDNamedCurveP256r1)
	if err != nil {
		return nil, fmt.Errorf("marshalling curve: %w", err)
	}

	size := (key.Curve.Params().BitSize + 7) / 8
	point := make([]byte, 1+2*size)
	point[0] = 0x04
	key.X.FillBytes(point[1 : 1+size])
	key.Y.FillBytes(point[1+size:])

	sigAlg := pkix.AlgorithmIdentifier{Algorithm: oidSignatureECDSA256}
	tbs, err := asn1.Marshal(tbsCertificate{
		Version:            2,
		SerialNumber:       tmpl.SerialNumber,
		SignatureAlgorithm: sigAlg,
		Issuer:             asn1.RawValue{FullBytes: name},
		Validity:           validity{NotBefore: tmpl.NotBefore.UTC(), NotAfter: tmpl.NotAfter.UTC()},
		Subject:            asn1.RawValue{FullBytes: name},
		PublicKey: publicKeyInfo{
			Algorithm: pkix.AlgorithmIdentifier{
				Algorithm:  oidPublicKeyECDSA,
				Parameters: asn1.RawValue{FullBytes: curve},
			},
			PublicKey: asn1.BitString{Bytes: point, BitLength: 8 * len(point)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshalling certificate: %w", err)
	}

	digest := sha256.Sum256(tbs)
	sig, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	if err != nil {
		return nil, fmt.Errorf("signing certificate: %w", err)
	}
	return asn1.Marshal(certificate{
		TBSCertificate:     asn1.RawValue{FullBytes: tbs},
		SignatureAlgorithm: sigAlg,
		Signature:          asn1.BitString{Bytes: sig, BitLength: 8 * len(sig)},
	})
}
