package insurance

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/ehr/pssim/internal/domain/vsdm"
)

func testIssuer(t *testing.T) *vsdm.Issuer {
	t.Helper()
	iss, err := vsdm.NewIssuer("A", 1, strings.Repeat("5a", 32))
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	return iss
}

func TestMemorySource_FetchReturnsCopy(t *testing.T) {
	src := NewMemorySource()
	src.Put("X110411675", Record{
		Versicherungsbeginn: "20250101",
		StrassenAdresse:     "Musterstraße 1",
		PriorChecksum:       []byte{1, 2, 3},
	})

	rec, err := src.Fetch(context.Background(), "X110411675")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	rec.PriorChecksum[0] = 9
	rec.StrassenAdresse = "changed"

	again, _ := src.Fetch(context.Background(), "X110411675")
	if again.PriorChecksum[0] != 1 || again.StrassenAdresse != "Musterstraße 1" {
		t.Errorf("stored record was modified through a fetched copy: %+v", again)
	}
}

func TestMemorySource_NotFound(t *testing.T) {
	src := NewMemorySource()
	_, err := src.Fetch(context.Background(), "X000000000")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	src.Put("X000000000", Record{})
	src.Delete("X000000000")
	if _, err := src.Fetch(context.Background(), "X000000000"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemorySource_CancelledContext(t *testing.T) {
	src := NewMemorySource()
	src.Put("X110411675", Record{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := src.Fetch(ctx, "X110411675"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestMemorySource_ConcurrentAccess(t *testing.T) {
	src := NewMemorySource()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			src.Put("X110411675", Record{OnlineCheckResult: 1})
		}()
		go func() {
			defer wg.Done()
			_, _ = src.Fetch(context.Background(), "X110411675")
		}()
	}
	wg.Wait()
	if len(src.KVNRs()) != 1 {
		t.Errorf("expected one insurant, got %v", src.KVNRs())
	}
}

func TestSourceFunc(t *testing.T) {
	want := errors.New("service unavailable")
	var src Source = SourceFunc(func(context.Context, string) (*Record, error) { return nil, want })
	if _, err := src.Fetch(context.Background(), "X"); !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

const fixtureTOML = `
[[insurant]]
kvnr = "X110411675"
versicherungsbeginn = "20250101"
strassenAdresse = "Musterstraße 1"
onlineCheckResult = 1

[[insurant]]
kvnr = "X110411676"
versicherungsbeginn = "19991231"
strassenAdresse = ""
revoked = true
`

func TestReadFixtures_IssuesChecksums(t *testing.T) {
	iss := testIssuer(t)
	src, err := ReadFixtures(strings.NewReader(fixtureTOML), iss)
	if err != nil {
		t.Fatalf("ReadFixtures failed: %v", err)
	}

	rec, err := src.Fetch(context.Background(), "X110411675")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if rec.Versicherungsbeginn != "20250101" || rec.StrassenAdresse != "Musterstraße 1" || rec.OnlineCheckResult != 1 {
		t.Errorf("unexpected record: %+v", rec)
	}
	if len(rec.PriorChecksum) != 47 {
		t.Fatalf("expected 47 byte checksum, got %d", len(rec.PriorChecksum))
	}

	pz, err := iss.Verify(base64.StdEncoding.EncodeToString(rec.PriorChecksum))
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	want, _ := vsdm.ComputeHCV("20250101", "Musterstraße 1")
	if pz.HCV != want || pz.KVNR != "X110411675" || pz.Revoked {
		t.Errorf("unexpected checksum contents: %+v", pz)
	}

	rec2, err := src.Fetch(context.Background(), "X110411676")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	pz2, err := iss.Verify(base64.StdEncoding.EncodeToString(rec2.PriorChecksum))
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !pz2.Revoked {
		t.Error("expected revoked checksum")
	}
}

func TestReadFixtures_ExplicitChecksum(t *testing.T) {
	raw := []byte("precomputed")
	doc := `
[[insurant]]
kvnr = "X110411675"
versicherungsbeginn = "20250101"
priorChecksum = "` + base64.StdEncoding.EncodeToString(raw) + `"
`
	src, err := ReadFixtures(strings.NewReader(doc), nil)
	if err != nil {
		t.Fatalf("ReadFixtures failed: %v", err)
	}
	rec, _ := src.Fetch(context.Background(), "X110411675")
	if string(rec.PriorChecksum) != "precomputed" {
		t.Errorf("unexpected checksum %q", rec.PriorChecksum)
	}
}

func TestReadFixtures_Errors(t *testing.T) {
	tests := []struct {
		name   string
		doc    string
		issuer bool
	}{
		{"invalid toml", "[[insurant]\nkvnr=", true},
		{"missing kvnr", "[[insurant]]\nversicherungsbeginn = \"20250101\"", true},
		{"no issuer", "[[insurant]]\nkvnr = \"X110411675\"\nversicherungsbeginn = \"20250101\"", false},
		{"bad date", "[[insurant]]\nkvnr = \"X110411675\"\nversicherungsbeginn = \"2025\"", true},
		{"bad checksum", "[[insurant]]\nkvnr = \"X110411675\"\npriorChecksum = \"!!\"", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var iss *vsdm.Issuer
			if tt.issuer {
				iss = testIssuer(t)
			}
			if _, err := ReadFixtures(strings.NewReader(tt.doc), iss); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadFixtures_MissingFile(t *testing.T) {
	if _, err := LoadFixtures(t.TempDir()+"/missing.toml", nil); err == nil {
		t.Fatal("expected error for missing file")
	}
}
