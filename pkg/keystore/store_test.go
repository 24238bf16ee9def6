package keystore

import (
	"errors"
	"testing"
	"time"

	"github.com/etsi014/kme/pkg/keyrecord"
)

func newRecord(id, master, slave string) *keyrecord.Record {
	return &keyrecord.Record{
		KeyID:       id,
		Key:         []byte("0123456789abcdef0123456789abcdef"),
		KeySize:     32,
		MasterSAEID: master,
		SlaveSAEID:  slave,
		CreatedAt:   time.Now().UTC(),
		OriginKMSID: "kms-1",
	}
}

func TestInsertAlreadyExists(t *testing.T) {
	s := New()
	rec := newRecord("k1", "A", "B")
	if err := s.Insert(rec); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := s.Insert(rec); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("second insert: got %v, want ErrAlreadyExists", err)
	}
}

func TestOneTimeConsumption(t *testing.T) {
	s := New()
	rec := newRecord("k1", "A", "B")
	if err := s.Insert(rec); err != nil {
		t.Fatalf("insert: %v", err)
	}
	pair := keyrecord.Pair{MasterSAEID: "A", SlaveSAEID: "B"}

	if _, _, err := s.ConsumeMany([]string{"k1"}, pair); err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if _, offending, err := s.ConsumeMany([]string{"k1"}, pair); !errors.Is(err, ErrAlreadyConsumed) {
		t.Fatalf("second consume: got err=%v offending=%v, want ErrAlreadyConsumed", err, offending)
	}
}

func TestPairBinding(t *testing.T) {
	s := New()
	rec := newRecord("k1", "A", "B")
	if err := s.Insert(rec); err != nil {
		t.Fatalf("insert: %v", err)
	}

	swapped := keyrecord.Pair{MasterSAEID: "B", SlaveSAEID: "A"}
	if _, _, err := s.ConsumeMany([]string{"k1"}, swapped); !errors.Is(err, ErrPairMismatch) {
		t.Fatalf("got %v, want ErrPairMismatch", err)
	}
}

func TestBatchAtomicity(t *testing.T) {
	s := New()
	pair := keyrecord.Pair{MasterSAEID: "A", SlaveSAEID: "B"}
	if err := s.Insert(newRecord("k1", "A", "B")); err != nil {
		t.Fatalf("insert k1: %v", err)
	}
	if err := s.Insert(newRecord("k2", "A", "B")); err != nil {
		t.Fatalf("insert k2: %v", err)
	}

	_, offending, err := s.ConsumeMany([]string{"k1", "nonexistent", "k2"}, pair)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	if len(offending) != 1 || offending[0] != "nonexistent" {
		t.Fatalf("offending = %v, want [nonexistent]", offending)
	}

	// Neither k1 nor k2 should have been consumed by the failed batch.
	recs, _, err := s.ConsumeMany([]string{"k1", "k2"}, pair)
	if err != nil {
		t.Fatalf("follow-up consume: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records consumed, got %d", len(recs))
	}
}

func TestIdempotentReSync(t *testing.T) {
	s := New()
	records := []*keyrecord.Record{newRecord("k1", "A", "B"), newRecord("k2", "A", "B")}

	if n := s.InsertBatch(records); n != 2 {
		t.Fatalf("first sync inserted %d, want 2", n)
	}

	pair := keyrecord.Pair{MasterSAEID: "A", SlaveSAEID: "B"}
	if _, _, err := s.ConsumeMany([]string{"k1"}, pair); err != nil {
		t.Fatalf("consume k1: %v", err)
	}

	// Re-syncing the same batch must not error and must not un-consume k1:
	// the unconsumed duplicate (k2) is accepted idempotently, the consumed
	// one (k1) is rejected.
	if n := s.InsertBatch(records); n != 1 {
		t.Fatalf("re-sync accepted %d records, want 1", n)
	}

	rec, err := s.Get("k1")
	if err != nil {
		t.Fatalf("get k1: %v", err)
	}
	if !rec.Consumed {
		t.Fatalf("k1 must remain consumed after re-sync")
	}
}

func TestCountAvailable(t *testing.T) {
	s := New()
	pair := keyrecord.Pair{MasterSAEID: "A", SlaveSAEID: "B"}
	for _, id := range []string{"k1", "k2", "k3"} {
		if err := s.Insert(newRecord(id, "A", "B")); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}
	if got := s.CountAvailable(pair); got != 3 {
		t.Fatalf("count = %d, want 3", got)
	}
	if _, _, err := s.ConsumeMany([]string{"k1"}, pair); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if got := s.CountAvailable(pair); got != 2 {
		t.Fatalf("count after consume = %d, want 2", got)
	}
}

func TestVerifyMany(t *testing.T) {
	s := New()
	pair := keyrecord.Pair{MasterSAEID: "A", SlaveSAEID: "B"}
	if err := s.Insert(newRecord("k1", "A", "B")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	verified, missing := s.VerifyMany([]string{"k1", "k2"}, pair)
	if verified != 1 {
		t.Fatalf("verified = %d, want 1", verified)
	}
	if len(missing) != 1 || missing[0] != "k2" {
		t.Fatalf("missing = %v, want [k2]", missing)
	}
}

func TestPurgeExpired(t *testing.T) {
	s := New()
	rec := newRecord("k1", "A", "B")
	rec.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
	if err := s.Insert(rec); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Insert(newRecord("k2", "A", "B")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	removed := s.PurgeExpired(time.Hour)
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := s.Get("k1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("k1 should have been purged")
	}
	if _, err := s.Get("k2"); err != nil {
		t.Fatalf("k2 should remain: %v", err)
	}
}
