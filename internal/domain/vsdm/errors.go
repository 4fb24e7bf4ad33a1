package vsdm

import (
	"errors"
	"fmt"
)

// ErrInvalidInput is the root of all local validation failures. Errors
// wrapping it are never surfaced to a remote party.
var ErrInvalidInput = errors.New("vsdm: invalid input")

var (
	ErrInvalidOperatorID = fmt.Errorf("%w: operator id must be a single letter A-Z", ErrInvalidInput)
	ErrInvalidKeyVersion = fmt.Errorf("%w: key version must be between 0 and %d", ErrInvalidInput, MaxKeyVersion)
	ErrInvalidKey        = fmt.Errorf("%w: shared secret must be at least %d bytes", ErrInvalidInput, MinSecretLength)
	ErrInvalidKVNR       = fmt.Errorf("%w: kvnr must encode to %d ISO-8859-15 bytes", ErrInvalidInput, KVNRLength)
	ErrMalformedChecksum = fmt.Errorf("%w: malformed pruefziffer", ErrInvalidInput)
)

// ErrTamperedChecksum is returned by Decode when the AES-GCM authentication
// tag does not verify.
var ErrTamperedChecksum = errors.New("vsdm: pruefziffer authentication failed")
