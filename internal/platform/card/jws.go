package card

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"

	"github.com/golang-jwt/jwt/v5"
)

// signingMethod is a jwt.SigningMethod whose key is a SignFunc, so the
// private key never leaves the card.
type signingMethod struct {
	alg Algorithm
}

func (m *signingMethod) Alg() string {
	return m.alg.Name
}

func (m *signingMethod) Sign(signingString string, key interface{}) ([]byte, error) {
	sign, ok := key.(SignFunc)
	if !ok {
		return nil, jwt.ErrInvalidKeyType
	}
	return sign([]byte(signingString))
}

// golang-jwt knows ES256 and PS256 but not the brainpool algorithm.
func init() {
	jwt.RegisterSigningMethod(AlgBP256R1.Name, func() jwt.SigningMethod {
		return &signingMethod{alg: AlgBP256R1}
	})
}

func (m *signingMethod) Verify(signingString string, sig []byte, key interface{}) error {
	if m.alg.Name == AlgBP256R1.Name {
		return verifyBrainpool(signingString, sig, key)
	}
	method := jwt.GetSigningMethod(m.alg.Name)
	if method == nil {
		return fmt.Errorf("%w: no verifier for %s", jwt.ErrSignatureInvalid, m.alg.Name)
	}
	return method.Verify(signingString, sig, key)
}

// verifyBrainpool checks an r||s signature over SHA-256 with a
// brainpoolP256r1 public key.
func verifyBrainpool(signingString string, sig []byte, key interface{}) error {
	pub, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return jwt.ErrInvalidKeyType
	}
	if pub.Curve.Params().Name != brainpoolP256r1 {
		return fmt.Errorf("%w: key on curve %s", jwt.ErrInvalidKey, pub.Curve.Params().Name)
	}
	size := AlgBP256R1.componentSize
	if len(sig) != 2*size {
		return jwt.ErrSignatureInvalid
	}
	r := new(big.Int).SetBytes(sig[:size])
	s := new(big.Int).SetBytes(sig[size:])
	digest := sha256.Sum256([]byte(signingString))
	if !ecdsa.Verify(pub, digest[:], r, s) {
		return jwt.ErrSignatureInvalid
	}
	return nil
}

// JWTOption adjusts the token before it is signed.
type JWTOption func(*jwt.Token)

// WithHeader sets an additional JOSE header parameter.
func WithHeader(name string, value interface{}) JWTOption {
	return func(t *jwt.Token) { t.Header[name] = value }
}

// CreateSignedJWT builds a compact JWS over claims, signed by sign. The
// certificate is embedded as x5c.
func CreateSignedJWT(claims jwt.Claims, cert *x509.Certificate, sign SignFunc, alg Algorithm, opts ...JWTOption) (string, error) {
	if cert == nil || sign == nil {
		return "", fmt.Errorf("%w: certificate and sign function are required", ErrSigning)
	}

	token := jwt.NewWithClaims(&signingMethod{alg: alg}, claims)
	token.Header["x5c"] = []string{base64.StdEncoding.EncodeToString(cert.Raw)}
	for _, o := range opts {
		o(token)
	}

	signed, err := token.SignedString(sign)
	if err != nil {
		if errors.Is(err, ErrSigning) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", ErrSigning, err)
	}
	return signed, nil
}

// ParseSignedJWT verifies a card-signed JWS against the certificate in its
// x5c header and decodes the claims. It returns the signer certificate.
func ParseSignedJWT(token string, claims jwt.Claims, opts ...jwt.ParserOption) (*x509.Certificate, error) {
	var cert *x509.Certificate
	keyFunc := func(t *jwt.Token) (interface{}, error) {
		chain, ok := t.Header["x5c"].([]interface{})
		if !ok || len(chain) == 0 {
			return nil, errors.New("missing x5c header")
		}
		encoded, ok := chain[0].(string)
		if !ok {
			return nil, errors.New("malformed x5c header")
		}
		der, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decoding x5c: %w", err)
		}
		cert, err = ParseCertificate(der)
		if err != nil {
			return nil, err
		}
		return cert.PublicKey, nil
	}

	opts = append([]jwt.ParserOption{jwt.WithValidMethods([]string{AlgES256.Name, AlgBP256R1.Name, AlgPS256.Name})}, opts...)
	if _, err := jwt.ParseWithClaims(token, claims, keyFunc, opts...); err != nil {
		return nil, err
	}
	return cert, nil
}
