// Package keystore holds the in-memory key material for a single KME
// process. It enforces one-time consumption and pair binding.
package keystore

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/etsi014/kme/pkg/keyrecord"
)

// Discriminated errors returned by Store operations. Handlers convert these
// to the HTTP envelope at the boundary; internal callers switch on them.
var (
	ErrAlreadyExists    = errors.New("keystore: key_ID already exists")
	ErrNotFound         = errors.New("keystore: key_ID not found")
	ErrAlreadyConsumed  = errors.New("keystore: key_ID already consumed")
	ErrPairMismatch     = errors.New("keystore: key_ID does not belong to the stated pair")
)

// Store is an in-memory mapping from key_ID to Record, plus a per-pair
// index used to accelerate count and enumeration queries. All mutating
// operations are serialized under a single RWMutex; consume across
// distinct key_IDs may still proceed logically in parallel since the
// critical section per call is O(1) for insert and O(n) only for the
// batch consume path, which has to be atomic.
type Store struct {
	mu     sync.RWMutex
	byID   map[string]*keyrecord.Record
	byPair map[string]map[string]struct{} // pair key -> set of key_IDs

	generatedTotal atomic.Int64
	consumedTotal  atomic.Int64
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		byID:   make(map[string]*keyrecord.Record),
		byPair: make(map[string]map[string]struct{}),
	}
}

// Insert adds rec to the store. Returns ErrAlreadyExists if the key_ID is
// already present; the record is left untouched in that case so that a
// re-sync of the same key_ID is a safe, idempotent no-op from the caller's
// perspective (see InsertBatch and the /kme/sync handler).
func (s *Store) Insert(rec *keyrecord.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(rec)
}

func (s *Store) insertLocked(rec *keyrecord.Record) error {
	if _, exists := s.byID[rec.KeyID]; exists {
		return ErrAlreadyExists
	}

	s.byID[rec.KeyID] = rec

	pairKey := keyrecord.Pair{MasterSAEID: rec.MasterSAEID, SlaveSAEID: rec.SlaveSAEID}.Key()
	set, ok := s.byPair[pairKey]
	if !ok {
		set = make(map[string]struct{})
		s.byPair[pairKey] = set
	}
	set[rec.KeyID] = struct{}{}

	s.generatedTotal.Inc()
	return nil
}

// InsertBatch inserts every record, treating a duplicate key_ID whose stored
// record is unconsumed as a benign idempotent no-op that still counts as
// accepted: a peer re-sending the same sync batch must succeed without
// clobbering anything. A duplicate whose stored record is already consumed is
// rejected (not counted), which is what makes the peer report "partial".
// Returns the accepted count.
func (s *Store) InsertBatch(records []*keyrecord.Record) (accepted int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		if existing, ok := s.byID[rec.KeyID]; ok {
			if !existing.Consumed {
				accepted++
			}
			continue
		}
		if err := s.insertLocked(rec); err == nil {
			accepted++
		}
	}
	return accepted
}

// Get returns the stored record itself (not a copy), or ErrNotFound.
func (s *Store) Get(keyID string) (*keyrecord.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byID[keyID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

// ConsumeMany atomically validates and consumes a batch of key_IDs against
// the expected pair. Validation and mutation happen under the same write
// lock: if any key_ID fails (missing, already consumed, or pair mismatch),
// none of the batch is mutated. On success, returns the consumed records in
// the same order as the input key_IDs.
func (s *Store) ConsumeMany(keyIDs []string, expectedPair keyrecord.Pair) ([]*keyrecord.Record, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]*keyrecord.Record, len(keyIDs))
	var offending []string
	var firstErr error

	for i, id := range keyIDs {
		rec, ok := s.byID[id]
		switch {
		case !ok:
			offending = append(offending, id)
			if firstErr == nil {
				firstErr = ErrNotFound
			}
		case rec.Consumed:
			offending = append(offending, id)
			if firstErr == nil {
				firstErr = ErrAlreadyConsumed
			}
		case !rec.Matches(expectedPair):
			offending = append(offending, id)
			if firstErr == nil {
				firstErr = ErrPairMismatch
			}
		default:
			records[i] = rec
		}
	}

	if firstErr != nil {
		return nil, offending, firstErr
	}

	now := time.Now().UTC()
	for _, rec := range records {
		rec.Consumed = true
		rec.ConsumedAt = &now
	}
	s.consumedTotal.Add(int64(len(records)))

	return records, nil, nil
}

// CountAvailable returns the number of unconsumed keys for the pair.
func (s *Store) CountAvailable(pair keyrecord.Pair) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.countAvailableLocked(pair)
}

func (s *Store) countAvailableLocked(pair keyrecord.Pair) int {
	set := s.byPair[pair.Key()]
	count := 0
	for id := range set {
		if rec := s.byID[id]; rec != nil && !rec.Consumed {
			count++
		}
	}
	return count
}

// ListAvailable returns all unconsumed records for the pair.
func (s *Store) ListAvailable(pair keyrecord.Pair) []*keyrecord.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.byPair[pair.Key()]
	out := make([]*keyrecord.Record, 0, len(set))
	for id := range set {
		if rec := s.byID[id]; rec != nil && !rec.Consumed {
			out = append(out, rec)
		}
	}
	return out
}

// VerifyMany reports, for each key_ID, whether it is present and matches
// the stated pair. Consumption state is irrelevant to verification.
func (s *Store) VerifyMany(keyIDs []string, pair keyrecord.Pair) (verifiedCount int, missing []string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range keyIDs {
		rec, ok := s.byID[id]
		if ok && rec.Matches(pair) {
			verifiedCount++
		} else {
			missing = append(missing, id)
		}
	}
	return verifiedCount, missing
}

// PurgeExpired removes unconsumed records older than ttl, returning the
// count removed. Only invoked when KEY_TTL_SEC is configured; with no TTL
// configured this sweeper never runs and keys live until consumed.
func (s *Store) PurgeExpired(ttl time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-ttl)
	removed := 0
	for id, rec := range s.byID {
		if rec.Consumed || rec.CreatedAt.After(cutoff) {
			continue
		}
		delete(s.byID, id)
		pairKey := keyrecord.Pair{MasterSAEID: rec.MasterSAEID, SlaveSAEID: rec.SlaveSAEID}.Key()
		if set := s.byPair[pairKey]; set != nil {
			delete(set, id)
		}
		removed++
	}
	return removed
}

// Pairs returns every (master, slave) pair the store currently holds at
// least one record for, used by the pool manager's background
// replenishment loop to discover pairs without a pre-configured list.
func (s *Store) Pairs() []keyrecord.Pair {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pairs := make([]keyrecord.Pair, 0, len(s.byPair))
	for _, id := range s.firstIDPerPairLocked() {
		rec := s.byID[id]
		pairs = append(pairs, keyrecord.Pair{MasterSAEID: rec.MasterSAEID, SlaveSAEID: rec.SlaveSAEID})
	}
	return pairs
}

func (s *Store) firstIDPerPairLocked() []string {
	ids := make([]string, 0, len(s.byPair))
	for _, set := range s.byPair {
		for id := range set {
			ids = append(ids, id)
			break
		}
	}
	return ids
}

// Totals returns the running generated/consumed counters for /kme/stats.
func (s *Store) Totals() (generated, consumed int64) {
	return s.generatedTotal.Load(), s.consumedTotal.Load()
}
