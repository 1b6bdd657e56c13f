package vm

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func readFile(t *testing.T, path string) ([]byte, error) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading %s: %v", path, err)
	}
	return data, nil
}

func TestInfoCacheRoundTrip(t *testing.T) {
	mod := factorialProgram(5)
	info, err := Verify(mod)
	if err != nil {
		t.Fatalf("Verify() = %v, want nil", err)
	}

	path := filepath.Join(t.TempDir(), "fact.info")
	if err := WriteInfoCache(path, mod, info); err != nil {
		t.Fatalf("WriteInfoCache() = %v, want nil", err)
	}

	got, err := ReadInfoCache(path, mod)
	if err != nil {
		t.Fatalf("ReadInfoCache() = %v, want nil", err)
	}
	if len(got.Procs) != len(info.Procs) {
		t.Fatalf("cached %d procs, want %d", len(got.Procs), len(info.Procs))
	}
	for addr, want := range info.Procs {
		cached := got.Procs[addr]
		if cached == nil || *cached != *want {
			t.Errorf("cached metadata for %#x differs", addr)
		}
	}
}

func TestInfoCacheStale(t *testing.T) {
	mod := factorialProgram(5)
	info, err := Verify(mod)
	if err != nil {
		t.Fatalf("Verify() = %v, want nil", err)
	}

	path := filepath.Join(t.TempDir(), "stale.info")
	if err := WriteInfoCache(path, mod, info); err != nil {
		t.Fatalf("WriteInfoCache() = %v, want nil", err)
	}

	if _, err := ReadInfoCache(path, arithmeticProgram()); !errors.Is(err, ErrInfoCacheStale) {
		t.Errorf("ReadInfoCache() = %v, want ErrInfoCacheStale", err)
	}
}

func TestInfoCacheEncodingIsCanonical(t *testing.T) {
	mod := factorialProgram(5)
	info, err := Verify(mod)
	if err != nil {
		t.Fatalf("Verify() = %v, want nil", err)
	}

	dir := t.TempDir()
	a := filepath.Join(dir, "a.info")
	b := filepath.Join(dir, "b.info")
	if err := WriteInfoCache(a, mod, info); err != nil {
		t.Fatalf("WriteInfoCache() = %v, want nil", err)
	}
	if err := WriteInfoCache(b, mod, info); err != nil {
		t.Fatalf("WriteInfoCache() = %v, want nil", err)
	}

	da, _ := readFile(t, a)
	db, _ := readFile(t, b)
	if string(da) != string(db) {
		t.Error("canonical CBOR encodings of the same info differ")
	}
}
