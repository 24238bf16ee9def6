// Package keyrecord defines the shared key-material data model used by the
// key store, pool manager, and both the ETSI and peer-facing HTTP APIs.
package keyrecord

import "time"

// Record is a single unit of symmetric key material shared between a master
// and slave SAE pair. It is immutable except for Consumed/ConsumedAt.
type Record struct {
	KeyID         string    `json:"key_ID"`
	Key           []byte    `json:"-"` // raw bytes; base64-encoded only at the wire boundary
	KeySize       int       `json:"key_size"`
	MasterSAEID   string    `json:"master_sae_id"`
	SlaveSAEID    string    `json:"slave_sae_id"`
	CreatedAt     time.Time `json:"created_at"`
	OriginKMSID   string    `json:"origin_kms_id"`
	Entropy       float64   `json:"entropy"`
	QuantumSource string    `json:"quantum_source"`

	// GenerationMethod is informational only. It is set by keygen, excluded
	// from JSON, not carried in the peer sync payload, and not reported by
	// any endpoint.
	GenerationMethod string `json:"-"`

	Consumed   bool       `json:"consumed"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
}

// Pair identifies the (master, slave) SAE tuple a Record belongs to.
// Direction matters: (A, B) and (B, A) are distinct pairs.
type Pair struct {
	MasterSAEID string
	SlaveSAEID  string
}

// Key returns the stable string form of the pair used as a map and
// singleflight key throughout the keystore and pool packages.
func (p Pair) Key() string {
	return p.MasterSAEID + "|" + p.SlaveSAEID
}

// Matches reports whether the record belongs to the given pair.
func (r *Record) Matches(p Pair) bool {
	return r.MasterSAEID == p.MasterSAEID && r.SlaveSAEID == p.SlaveSAEID
}

// Health classifies a pool's current state relative to its configured sizes.
type Health string

const (
	HealthHealthy Health = "healthy"
	HealthLow     Health = "low"
	HealthEmpty   Health = "empty"
)
