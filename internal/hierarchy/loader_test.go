package hierarchy

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hierarchy.db")
	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	defer store.Close()

	codes := map[string]string{
		"30":     "pharma chapter",
		"3004":   "medicaments",
		"300490": "other medicaments",
	}
	for code, desc := range codes {
		if err := store.UpsertCode(code, desc); err != nil {
			t.Fatalf("UpsertCode(%q) failed: %v", code, err)
		}
	}
	if err := store.UpsertMapping("3004", "13.001.00", "medicaments cest", 1.0, "official"); err != nil {
		t.Fatalf("UpsertMapping failed: %v", err)
	}

	idx, err := store.LoadIndex(0.8)
	if err != nil {
		t.Fatalf("LoadIndex failed: %v", err)
	}

	if idx.Size() != 3 {
		t.Errorf("index size = %d, want 3", idx.Size())
	}

	mappings := idx.MappingsFor("300490")
	if len(mappings) != 1 || !mappings[0].Inherited || mappings[0].InheritedFrom != "3004" {
		t.Errorf("unexpected inherited mappings: %+v", mappings)
	}

	stats, err := store.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats["codes"].(int64) != 3 || stats["mappings"].(int64) != 1 {
		t.Errorf("unexpected stats: %v", stats)
	}
}

func TestUpsertMappingIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hierarchy.db")
	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	defer store.Close()

	if err := store.UpsertCode("3004", "medicaments"); err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertMapping("3004", "13.001.00", "", 0.6, "a"); err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertMapping("3004", "13.001.00", "", 0.9, "b"); err != nil {
		t.Fatal(err)
	}

	idx, err := store.LoadIndex(0.8)
	if err != nil {
		t.Fatalf("LoadIndex failed: %v", err)
	}

	mappings := idx.MappingsFor("3004")
	if len(mappings) != 1 {
		t.Fatalf("expected 1 mapping, got %d", len(mappings))
	}
	if mappings[0].Confidence != 0.9 {
		t.Errorf("confidence = %v, want latest upsert (0.9)", mappings[0].Confidence)
	}
}

func TestUpsertCodeRejectsMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hierarchy.db")
	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	defer store.Close()

	err = store.UpsertCode("30.ZZ", "bad")
	var mce *MalformedCodeError
	if !errors.As(err, &mce) {
		t.Fatalf("expected MalformedCodeError, got %v", err)
	}
}
