package keygen

import (
	"bytes"
	"testing"
)

func TestGenerateBounds(t *testing.T) {
	g, err := New("kms-1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for _, size := range []int{0, -1, MaxKeySize + 1} {
		if _, err := g.Generate("A", "B", size); err == nil {
			t.Errorf("Generate(size=%d) succeeded, want out-of-bounds error", size)
		}
	}
	for _, size := range []int{MinKeySize, 32, MaxKeySize} {
		rec, err := g.Generate("A", "B", size)
		if err != nil {
			t.Fatalf("Generate(size=%d): %v", size, err)
		}
		if len(rec.Key) != size || rec.KeySize != size {
			t.Errorf("Generate(size=%d): len(key)=%d key_size=%d", size, len(rec.Key), rec.KeySize)
		}
	}
}

func TestGenerateRecordMetadata(t *testing.T) {
	g, err := New("kms-1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rec, err := g.Generate("A", "B", 32)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if rec.KeyID == "" {
		t.Error("key_ID must be set")
	}
	if rec.MasterSAEID != "A" || rec.SlaveSAEID != "B" {
		t.Errorf("pair = %s/%s, want A/B", rec.MasterSAEID, rec.SlaveSAEID)
	}
	if rec.OriginKMSID != "kms-1" {
		t.Errorf("origin_kms_id = %s, want kms-1", rec.OriginKMSID)
	}
	if rec.Consumed {
		t.Error("a fresh record must not be consumed")
	}
	if rec.Entropy <= 0 {
		t.Errorf("entropy = %f, want a positive estimate", rec.Entropy)
	}
}

func TestGenerateBatchDistinct(t *testing.T) {
	g, err := New("kms-1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	records, err := g.GenerateBatch("A", "B", 32, 10)
	if err != nil {
		t.Fatalf("GenerateBatch: %v", err)
	}
	if len(records) != 10 {
		t.Fatalf("batch size = %d, want 10", len(records))
	}

	ids := make(map[string]struct{}, len(records))
	for i, rec := range records {
		if _, dup := ids[rec.KeyID]; dup {
			t.Fatalf("duplicate key_ID %s", rec.KeyID)
		}
		ids[rec.KeyID] = struct{}{}
		for _, other := range records[:i] {
			if bytes.Equal(rec.Key, other.Key) {
				t.Fatalf("records %s and %s carry identical key material", rec.KeyID, other.KeyID)
			}
		}
	}
}
