// Package keygen produces key material for the simulated quantum source.
//
// Raw entropy comes from crypto/rand. It is then run through an
// HKDF-SHA3-256 extract-and-expand step, the same shape of
// post-processing a real QKD pipeline applies after sifting (error
// correction, then privacy amplification) before key material is
// considered safe to hand to an application. This is key-material
// post-processing only; no quantum hardware or physical layer is
// modeled.
package keygen

import (
	"crypto/rand"
	"crypto/sha3"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/etsi014/kme/pkg/keyrecord"
)

const (
	// MinKeySize and MaxKeySize bound an individual key's length in bytes.
	MinKeySize = 1
	MaxKeySize = 4096

	// simulatedEntropy is the fixed informational entropy estimate reported
	// for every key drawn from the simulated source.
	simulatedEntropy = 0.999

	generationMethod = "simulated-qrng-hkdf-sha3-256"
	quantumSource    = "simulated"
)

// Generator produces Record values for a given origin KME.
type Generator struct {
	originKMSID string
	salt        []byte
}

// New creates a Generator tagging every record with originKMSID. A random
// per-process salt seeds the HKDF extraction step so that two processes
// never derive correlated output from coincidentally similar raw entropy.
func New(originKMSID string) (*Generator, error) {
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("keygen: seeding salt: %w", err)
	}
	return &Generator{originKMSID: originKMSID, salt: salt}, nil
}

// Generate produces a single Record of length size bytes for the given pair.
// Returns an error if size is outside [MinKeySize, MaxKeySize].
func (g *Generator) Generate(masterSAEID, slaveSAEID string, size int) (*keyrecord.Record, error) {
	if size < MinKeySize || size > MaxKeySize {
		return nil, fmt.Errorf("keygen: key_size %d out of bounds [%d, %d]", size, MinKeySize, MaxKeySize)
	}

	raw := make([]byte, size*2) // oversample before amplification
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("keygen: reading entropy: %w", err)
	}

	key := make([]byte, size)
	kdf := hkdf.New(sha3.New256, raw, g.salt, []byte("etsi014-kme-key-material"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("keygen: deriving key material: %w", err)
	}

	return &keyrecord.Record{
		KeyID:            uuid.NewString(),
		Key:              key,
		KeySize:          size,
		MasterSAEID:      masterSAEID,
		SlaveSAEID:       slaveSAEID,
		CreatedAt:        time.Now().UTC(),
		OriginKMSID:      g.originKMSID,
		Entropy:          simulatedEntropy,
		QuantumSource:    quantumSource,
		GenerationMethod: generationMethod,
	}, nil
}

// GenerateBatch produces count records, all of the uniform requested size,
// for the given pair.
func (g *Generator) GenerateBatch(masterSAEID, slaveSAEID string, size, count int) ([]*keyrecord.Record, error) {
	records := make([]*keyrecord.Record, 0, count)
	for i := 0; i < count; i++ {
		rec, err := g.Generate(masterSAEID, slaveSAEID, size)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}
