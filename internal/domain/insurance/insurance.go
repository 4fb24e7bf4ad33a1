// Package insurance provides the insurance-verification data the entitlement
// flow reads for an insurant: the decoded VSD fields the HCV is computed from
// and the checksum of the last online check.
package insurance

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound is returned when no record exists for a KVNR.
var ErrNotFound = errors.New("insurance record not found")

// Record is the decoded result of an insurance-data read.
type Record struct {
	// Versicherungsbeginn is the coverage start date, YYYYMMDD.
	Versicherungsbeginn string `json:"versicherungsbeginn" toml:"versicherungsbeginn"`
	// StrassenAdresse is the street line of the address, possibly empty.
	StrassenAdresse   string `json:"strassenAdresse" toml:"strassenAdresse"`
	OnlineCheckResult int    `json:"onlineCheckResult" toml:"onlineCheckResult"`
	// PriorChecksum is the raw Prüfziffer returned by the last online check.
	PriorChecksum []byte `json:"priorChecksum" toml:"-"`
}

// Source looks up insurance-verification records by KVNR.
type Source interface {
	Fetch(ctx context.Context, kvnr string) (*Record, error)
}

// SourceFunc adapts a function to a Source.
type SourceFunc func(ctx context.Context, kvnr string) (*Record, error)

// Fetch calls f.
func (f SourceFunc) Fetch(ctx context.Context, kvnr string) (*Record, error) {
	return f(ctx, kvnr)
}

// MemorySource is a thread-safe in-memory Source.
type MemorySource struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemorySource creates an empty in-memory source.
func NewMemorySource() *MemorySource {
	return &MemorySource{records: make(map[string]*Record)}
}

// Put stores a copy of rec under kvnr, replacing any previous record.
func (s *MemorySource) Put(kvnr string, rec Record) {
	rec.PriorChecksum = append([]byte(nil), rec.PriorChecksum...)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[kvnr] = &rec
}

// Delete removes the record for kvnr.
func (s *MemorySource) Delete(kvnr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, kvnr)
}

// KVNRs returns the insurants currently held.
func (s *MemorySource) KVNRs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.records))
	for k := range s.records {
		out = append(out, k)
	}
	return out
}

// Fetch returns a copy of the record for kvnr.
func (s *MemorySource) Fetch(ctx context.Context, kvnr string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	rec, ok := s.records[kvnr]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, kvnr)
	}
	cp := *rec
	cp.PriorChecksum = append([]byte(nil), rec.PriorChecksum...)
	return &cp, nil
}
