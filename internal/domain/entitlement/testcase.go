package entitlement

import (
	"fmt"
	"strings"
)

// TestCase selects which HCV an entitlement request carries.
type TestCase string

const (
	// ValidHCV sends the HCV computed from the insurant's record.
	ValidHCV TestCase = "VALID_HCV"
	// NoHCV omits the hcv claim.
	NoHCV TestCase = "NO_HCV"
	// InvalidHCVHash sends a well-formed HCV of different data.
	InvalidHCVHash TestCase = "INVALID_HCV_HASH"
	// InvalidHCVStructure sends a value that is not an HCV at all.
	InvalidHCVStructure TestCase = "INVALID_HCV_STRUCTURE"
)

// Inputs of the deliberately wrong HCV and the malformed literal.
const (
	wrongVersicherungsbeginn = "18500131"
	wrongStrassenAdresse     = "Falsche Strasse"
	MalformedHCV             = "not a valid derived value"
)

// TestCases lists every supported test case.
var TestCases = []TestCase{ValidHCV, NoHCV, InvalidHCVHash, InvalidHCVStructure}

// Valid reports whether tc is a known test case.
func (tc TestCase) Valid() bool {
	for _, c := range TestCases {
		if c == tc {
			return true
		}
	}
	return false
}

// ParseTestCase accepts the upper-case names, case-insensitively and with
// '-' in place of '_'.
func ParseTestCase(s string) (TestCase, error) {
	tc := TestCase(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")))
	if !tc.Valid() {
		return "", fmt.Errorf("%w: unknown test case %q", ErrInvalidRequest, s)
	}
	return tc, nil
}
