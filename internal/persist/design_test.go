package persist

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFakeFITS(t *testing.T, path string) {
	t.Helper()
	cards := []string{
		padCard("SIMPLE  = T"),
		padCard("W_PFDSGN= 0x1A2B3C"),
		padCard("W_PFDSNM= 'engineering'"),
		padCard("END"),
	}
	var buf strings.Builder
	for _, c := range cards {
		buf.WriteString(c)
	}
	if err := os.WriteFile(path, []byte(buf.String()), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func padCard(s string) string {
	if len(s) > fitsCardLen {
		return s[:fitsCardLen]
	}
	return s + strings.Repeat(" ", fitsCardLen-len(s))
}

func TestReadPrimaryHeaderKeyword(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fake.fits")
	writeFakeFITS(t, path)

	name, ok, err := readPrimaryHeaderKeyword(path, "W_PFDSNM")
	if err != nil {
		t.Fatalf("readPrimaryHeaderKeyword: %v", err)
	}
	if !ok || name != "engineering" {
		t.Fatalf("got (%q, %v), want (\"engineering\", true)", name, ok)
	}

	id, ok, err := readPrimaryHeaderInt(path, "W_PFDSGN")
	if err != nil {
		t.Fatalf("readPrimaryHeaderInt: %v", err)
	}
	if !ok || id != 0x1A2B3C {
		t.Fatalf("got (%d, %v), want (0x1A2B3C, true)", id, ok)
	}

	if _, ok, err := readPrimaryHeaderKeyword(path, "NOPE"); err != nil || ok {
		t.Fatalf("expected missing keyword to report ok=false, got ok=%v err=%v", ok, err)
	}
}

type fakeDesignSource struct {
	id   int64
	name string
	err  error
}

func (f fakeDesignSource) DesignIDAndName(ctx context.Context, visit int) (int64, string, error) {
	return f.id, f.name, f.err
}

func TestDesignLookupPrefersDatabase(t *testing.T) {
	d := &DesignLookup{DB: fakeDesignSource{id: 99, name: "from-db"}}
	id, name := d.Lookup(context.Background(), 123)
	if id != 99 || name != "from-db" {
		t.Fatalf("got (%d, %q), want (99, \"from-db\")", id, name)
	}
}

func TestDesignLookupFallsBackToDisk(t *testing.T) {
	dir := t.TempDir()
	visitDir := filepath.Join(dir, "2026-07-31", "pfsConfig")
	if err := os.MkdirAll(visitDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	writeFakeFITS(t, filepath.Join(visitDir, "pfsConfig-0x1a2b3c-000042.fits"))

	d := &DesignLookup{
		DB:          fakeDesignSource{err: errors.New("no rows")},
		RawDataRoot: dir,
	}
	id, name := d.Lookup(context.Background(), 42)
	if id != 0x1A2B3C || name != "engineering" {
		t.Fatalf("got (%#x, %q), want (0x1A2B3C, \"engineering\")", id, name)
	}
}

func TestDesignLookupDefaultsWhenNothingResolves(t *testing.T) {
	d := &DesignLookup{
		DB:          fakeDesignSource{err: errors.New("no rows")},
		RawDataRoot: t.TempDir(),
	}
	id, name := d.Lookup(context.Background(), 7)
	if id != 0 || name != "" {
		t.Fatalf("got (%d, %q), want (0, \"\")", id, name)
	}
}
