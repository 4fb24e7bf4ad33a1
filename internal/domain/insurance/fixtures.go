package insurance

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/ehr/pssim/internal/domain/vsdm"
)

// fixtureFile is the TOML layout of an insurance fixture file:
//
//	[[insurant]]
//	kvnr = "X110411675"
//	versicherungsbeginn = "20250101"
//	strassenAdresse = "Musterstraße 1"
//	onlineCheckResult = 1
//	revoked = false
//	priorChecksum = "gA..."   # optional; issued when empty
type fixtureFile struct {
	Insurant []fixture `toml:"insurant"`
}

type fixture struct {
	KVNR          string `toml:"kvnr"`
	Revoked       bool   `toml:"revoked"`
	PriorChecksum string `toml:"priorChecksum"`
	Record
}

// LoadFixtures reads a TOML fixture file into a new MemorySource. Entries
// without an explicit priorChecksum get one issued by issuer over their
// coverage start and street; issuer may be nil when every entry carries one.
func LoadFixtures(path string, issuer *vsdm.Issuer) (*MemorySource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening insurance fixtures: %w", err)
	}
	defer f.Close()
	return ReadFixtures(f, issuer)
}

// ReadFixtures is LoadFixtures over an arbitrary reader.
func ReadFixtures(r io.Reader, issuer *vsdm.Issuer) (*MemorySource, error) {
	var file fixtureFile
	if _, err := toml.NewDecoder(r).Decode(&file); err != nil {
		return nil, fmt.Errorf("decoding insurance fixtures: %w", err)
	}

	src := NewMemorySource()
	for i, fx := range file.Insurant {
		if fx.KVNR == "" {
			return nil, fmt.Errorf("insurant %d: kvnr is required", i)
		}
		checksum := fx.PriorChecksum
		if checksum == "" {
			if issuer == nil {
				return nil, fmt.Errorf("insurant %s: no priorChecksum and no issuer configured", fx.KVNR)
			}
			issued, err := issuer.Issue(fx.Versicherungsbeginn, fx.StrassenAdresse, fx.KVNR, fx.Revoked)
			if err != nil {
				return nil, fmt.Errorf("insurant %s: issuing checksum: %w", fx.KVNR, err)
			}
			checksum = issued
		}
		raw, err := base64.StdEncoding.DecodeString(checksum)
		if err != nil {
			return nil, fmt.Errorf("insurant %s: priorChecksum is not base64: %w", fx.KVNR, err)
		}
		rec := fx.Record
		rec.PriorChecksum = raw
		src.Put(fx.KVNR, rec)
	}
	return src, nil
}
