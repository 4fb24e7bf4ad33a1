package vsdm

import (
	"encoding/hex"
	"fmt"
)

// Issuer holds the key material of a checksum-issuing operator. The
// insurance test double and the simulator use it to stand in for the
// operator's service.
type Issuer struct {
	OperatorID byte
	KeyVersion int
	Secret     []byte
	Codec      *Codec
}

// NewIssuer validates the operator id, key version and hex-encoded secret.
func NewIssuer(operatorID string, keyVersion int, secretHex string) (*Issuer, error) {
	if len(operatorID) != 1 {
		return nil, fmt.Errorf("%w (got %q)", ErrInvalidOperatorID, operatorID)
	}
	if keyVersion < 0 || keyVersion > MaxKeyVersion {
		return nil, fmt.Errorf("%w (got %d)", ErrInvalidKeyVersion, keyVersion)
	}
	secret, err := hex.DecodeString(secretHex)
	if err != nil {
		return nil, fmt.Errorf("%w: secret is not valid hex: %v", ErrInvalidInput, err)
	}
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("%w (got %d bytes)", ErrInvalidKey, len(secret))
	}
	op := operatorID[0]
	if op < 'A' || op > 'Z' {
		return nil, fmt.Errorf("%w (got %q)", ErrInvalidOperatorID, operatorID)
	}
	return &Issuer{OperatorID: op, KeyVersion: keyVersion, Secret: secret}, nil
}

func (i *Issuer) codec() *Codec {
	if i.Codec != nil {
		return i.Codec
	}
	return defaultCodec
}

// Issue computes the HCV of a record and wraps it into a fresh checksum.
func (i *Issuer) Issue(versicherungsbeginn, strassenAdresse, kvnr string, revoked bool) (string, error) {
	hcv, err := ComputeHCV(versicherungsbeginn, strassenAdresse)
	if err != nil {
		return "", err
	}
	return i.codec().Encode(i.OperatorID, i.KeyVersion, i.Secret, hcv, kvnr, revoked)
}

// Verify decodes a checksum issued under this issuer's secret and checks the
// prefix matches the issuer's operator and key version.
func (i *Issuer) Verify(checksum string) (*Pruefziffer, error) {
	pz, err := i.codec().Decode(checksum, i.Secret)
	if err != nil {
		return nil, err
	}
	if pz.OperatorID != i.OperatorID || pz.KeyVersion != i.KeyVersion {
		return nil, fmt.Errorf("%w: issued by %c/%d, expected %c/%d", ErrMalformedChecksum,
			pz.OperatorID, pz.KeyVersion, i.OperatorID, i.KeyVersion)
	}
	return pz, nil
}
