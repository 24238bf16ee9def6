// Package kmesync bridges the local keystore and key generator to the
// paired peer KME. It implements pool.Replenisher: on replenishment it
// generates fresh key material locally, pushes it to the peer via
// peerclient, and counts every locally stored key as pool growth whatever
// the sync outcome. Keys are never rolled back locally on a partial or
// failed sync; they stay in the local store and count toward the pair's
// pool. Nothing re-pushes them automatically: enc_keys always generates a
// fresh batch, and the peer push is retried only when a caller passes the
// records to Sync.
package kmesync

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/etsi014/kme/internal/telemetry"
	"github.com/etsi014/kme/pkg/alerting"
	"github.com/etsi014/kme/pkg/audit"
	"github.com/etsi014/kme/pkg/keygen"
	"github.com/etsi014/kme/pkg/keyrecord"
	"github.com/etsi014/kme/pkg/keystore"
	"github.com/etsi014/kme/pkg/peerclient"
)

// Synchronizer ties together local key generation, local storage, the
// outbound peer client, audit logging, and operator alerting.
type Synchronizer struct {
	kmsID    string
	store    *keystore.Store
	keygen   *keygen.Generator
	peer     *peerclient.Client
	auditLog *audit.Writer
	alerts   *alerting.Notifier
	logger   *slog.Logger
}

// New creates a Synchronizer. auditLog and alerts may be backed by no-op
// implementations when their respective integrations are disabled.
func New(kmsID string, store *keystore.Store, gen *keygen.Generator, peer *peerclient.Client, auditLog *audit.Writer, alerts *alerting.Notifier, logger *slog.Logger) *Synchronizer {
	return &Synchronizer{
		kmsID:    kmsID,
		store:    store,
		keygen:   gen,
		peer:     peer,
		auditLog: auditLog,
		alerts:   alerts,
		logger:   logger,
	}
}

// defaultKeySize is used for background-replenishment-generated keys. Keys
// requested explicitly via enc_keys use the caller-supplied size.
const defaultKeySize = 32

// Replenish generates n additional keys for pair, inserts them into the
// local store, and pushes them to the peer. It returns the number of keys
// that ended up counted as available locally regardless of sync outcome:
// generation and local storage always succeed before the peer push is
// attempted, so a peer outage degrades sync, not local availability.
//
// This satisfies pool.Replenisher.
func (s *Synchronizer) Replenish(ctx context.Context, pair keyrecord.Pair, n int) (int, error) {
	records, err := s.keygen.GenerateBatch(pair.MasterSAEID, pair.SlaveSAEID, defaultKeySize, n)
	if err != nil {
		return 0, fmt.Errorf("kmesync: generating replenishment batch: %w", err)
	}

	s.insertFresh(records)
	s.auditLog.Log(audit.Event{
		KMSID:       s.kmsID,
		Action:      "key_generated",
		MasterSAEID: pair.MasterSAEID,
		SlaveSAEID:  pair.SlaveSAEID,
		KeyIDs:      keyIDs(records),
		Detail:      fmt.Sprintf("replenishment batch of %d", n),
	})

	s.syncBatch(ctx, pair, records)
	return len(records), nil
}

// insertFresh inserts freshly generated records, drawing a new key_ID on a
// UUID collision instead of dropping the record.
func (s *Synchronizer) insertFresh(records []*keyrecord.Record) {
	for _, rec := range records {
		for errors.Is(s.store.Insert(rec), keystore.ErrAlreadyExists) {
			rec.KeyID = uuid.NewString()
		}
	}
}

// GenerateAndHandoff generates count records of the given size for pair,
// inserts them locally, and blocks until the peer has acknowledged sync (or
// until retries are exhausted) per the enc_keys handoff contract: enc_keys
// must not return a key to the caller until the peer has it too.
//
// On complete sync failure it returns ErrPeerUnavailable (wrapped); the
// generated records remain in the local store and are not rolled back.
// They count toward the pair's available pool, so replenishment does not
// regenerate them; a later enc_keys call does not hand them out, since each
// call generates its own batch, and they are not re-pushed to the peer.
//
// On a partial sync it reconciles via verify, retries the unconfirmed
// subset once, and returns only the records the peer ultimately
// acknowledged; the rest stay master-local without error.
func (s *Synchronizer) GenerateAndHandoff(ctx context.Context, pair keyrecord.Pair, size, count int) ([]*keyrecord.Record, error) {
	records, err := s.keygen.GenerateBatch(pair.MasterSAEID, pair.SlaveSAEID, size, count)
	if err != nil {
		return nil, fmt.Errorf("kmesync: generating batch: %w", err)
	}

	s.insertFresh(records)
	s.auditLog.Log(audit.Event{
		KMSID:       s.kmsID,
		Action:      "key_generated",
		MasterSAEID: pair.MasterSAEID,
		SlaveSAEID:  pair.SlaveSAEID,
		KeyIDs:      keyIDs(records),
		Detail:      fmt.Sprintf("enc_keys batch of %d, size %d", count, size),
	})

	wire := toWireKeys(records)
	start := time.Now()
	result, err := s.peer.Sync(ctx, pair.SlaveSAEID, wire)
	if err != nil {
		telemetry.SyncAttemptsTotal.WithLabelValues("failed").Inc()
		telemetry.SyncDuration.WithLabelValues("failed").Observe(time.Since(start).Seconds())
		s.logger.Error("peer sync failed", "pair", pair.Key(), "error", err)
		s.auditLog.Log(audit.Event{
			KMSID:       s.kmsID,
			Action:      "sync_failed",
			MasterSAEID: pair.MasterSAEID,
			SlaveSAEID:  pair.SlaveSAEID,
			KeyIDs:      keyIDs(records),
			Detail:      err.Error(),
		})
		s.alerts.SyncExhausted(ctx, pair.Key(), err)
		return nil, err
	}

	if result.SyncedCount >= len(records) && result.Status != "partial" {
		telemetry.SyncAttemptsTotal.WithLabelValues("success").Inc()
		telemetry.SyncDuration.WithLabelValues("success").Observe(time.Since(start).Seconds())
		s.auditLog.Log(audit.Event{
			KMSID:       s.kmsID,
			Action:      "sync_success",
			MasterSAEID: pair.MasterSAEID,
			SlaveSAEID:  pair.SlaveSAEID,
			KeyIDs:      keyIDs(records),
			Detail:      fmt.Sprintf("synced_count=%d status=%s", result.SyncedCount, result.Status),
		})
		return records, nil
	}

	// Partial: reconcile via verify, retry the unconfirmed subset once.
	confirmed, missingIDs := s.reconcile(ctx, pair, records)
	if len(missingIDs) > 0 {
		missingRecords := filterByID(records, missingIDs)
		if retryResult, retryErr := s.peer.Sync(ctx, pair.SlaveSAEID, toWireKeys(missingRecords)); retryErr == nil && retryResult.SyncedCount > 0 {
			confirmed, _ = s.reconcile(ctx, pair, records)
		}
	}

	action := "sync_partial"
	outcome := "partial"
	if len(confirmed) == len(records) {
		action = "sync_success"
		outcome = "success"
	}
	telemetry.SyncAttemptsTotal.WithLabelValues(outcome).Inc()
	telemetry.SyncDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	s.auditLog.Log(audit.Event{
		KMSID:       s.kmsID,
		Action:      action,
		MasterSAEID: pair.MasterSAEID,
		SlaveSAEID:  pair.SlaveSAEID,
		KeyIDs:      keyIDs(records),
		Detail:      fmt.Sprintf("confirmed=%d of %d after reconciliation", len(confirmed), len(records)),
	})
	return confirmed, nil
}

// reconcile asks the peer to verify every record's key_ID and returns the
// subset confirmed present, plus the IDs still missing.
func (s *Synchronizer) reconcile(ctx context.Context, pair keyrecord.Pair, records []*keyrecord.Record) (confirmed []*keyrecord.Record, missing []string) {
	result, err := s.peer.Verify(ctx, pair.MasterSAEID, pair.SlaveSAEID, keyIDs(records))
	if err != nil {
		s.logger.Warn("reconciliation verify failed", "pair", pair.Key(), "error", err)
		return nil, keyIDs(records)
	}

	missingSet := make(map[string]struct{}, len(result.MissingKeys))
	for _, id := range result.MissingKeys {
		missingSet[id] = struct{}{}
	}
	for _, rec := range records {
		if _, isMissing := missingSet[rec.KeyID]; !isMissing {
			confirmed = append(confirmed, rec)
		}
	}
	return confirmed, result.MissingKeys
}

func filterByID(records []*keyrecord.Record, ids []string) []*keyrecord.Record {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	out := make([]*keyrecord.Record, 0, len(ids))
	for _, rec := range records {
		if _, ok := want[rec.KeyID]; ok {
			out = append(out, rec)
		}
	}
	return out
}

func toWireKeys(records []*keyrecord.Record) []peerclient.WireKey {
	wire := make([]peerclient.WireKey, len(records))
	for i, rec := range records {
		wire[i] = peerclient.WireKey{
			KeyID:         rec.KeyID,
			Key:           base64.StdEncoding.EncodeToString(rec.Key),
			KeySize:       rec.KeySize,
			MasterSAEID:   rec.MasterSAEID,
			SlaveSAEID:    rec.SlaveSAEID,
			CreatedAt:     rec.CreatedAt.Format(time.RFC3339),
			OriginKMSID:   rec.OriginKMSID,
			Entropy:       rec.Entropy,
			QuantumSource: rec.QuantumSource,
		}
	}
	return wire
}

// Sync pushes the given records to the peer, retrying via peerclient's
// bounded backoff, and records the outcome to the audit log. It runs the
// same push that Replenish performs for freshly generated batches and can
// be called directly to re-attempt a sync for keys that previously only
// landed master-local.
func (s *Synchronizer) Sync(ctx context.Context, pair keyrecord.Pair, records []*keyrecord.Record) error {
	return s.syncBatch(ctx, pair, records)
}

func (s *Synchronizer) syncBatch(ctx context.Context, pair keyrecord.Pair, records []*keyrecord.Record) error {
	if len(records) == 0 {
		return nil
	}

	start := time.Now()
	result, err := s.peer.Sync(ctx, pair.SlaveSAEID, toWireKeys(records))
	if err != nil {
		telemetry.SyncAttemptsTotal.WithLabelValues("failed").Inc()
		telemetry.SyncDuration.WithLabelValues("failed").Observe(time.Since(start).Seconds())
		s.logger.Error("peer sync failed", "pair", pair.Key(), "error", err)
		s.auditLog.Log(audit.Event{
			KMSID:       s.kmsID,
			Action:      "sync_failed",
			MasterSAEID: pair.MasterSAEID,
			SlaveSAEID:  pair.SlaveSAEID,
			KeyIDs:      keyIDs(records),
			Detail:      err.Error(),
		})
		s.alerts.SyncExhausted(ctx, pair.Key(), err)
		return err
	}

	action := "sync_success"
	outcome := "success"
	if result.Status == "partial" || result.SyncedCount < len(records) {
		action = "sync_partial"
		outcome = "partial"
	}
	telemetry.SyncAttemptsTotal.WithLabelValues(outcome).Inc()
	telemetry.SyncDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	s.auditLog.Log(audit.Event{
		KMSID:       s.kmsID,
		Action:      action,
		MasterSAEID: pair.MasterSAEID,
		SlaveSAEID:  pair.SlaveSAEID,
		KeyIDs:      keyIDs(records),
		Detail:      fmt.Sprintf("synced_count=%d status=%s", result.SyncedCount, result.Status),
	})
	return nil
}

// VerifyAndReconcile asks the peer to verify keyIDs and logs any that the
// peer reports missing. It does not retry sync itself on partial
// verification; callers (the background loop or an explicit admin
// request) decide whether to re-attempt Sync for the missing subset.
func (s *Synchronizer) VerifyAndReconcile(ctx context.Context, pair keyrecord.Pair, keyIDs []string) (*peerclient.VerifyResult, error) {
	result, err := s.peer.Verify(ctx, pair.MasterSAEID, pair.SlaveSAEID, keyIDs)
	if err != nil {
		s.logger.Warn("peer verify failed", "pair", pair.Key(), "error", err)
		return nil, err
	}
	if !result.AllVerified {
		s.logger.Warn("peer verify reports missing keys", "pair", pair.Key(), "missing_count", len(result.MissingKeys))
	}
	return result, nil
}

func keyIDs(records []*keyrecord.Record) []string {
	ids := make([]string, len(records))
	for i, rec := range records {
		ids[i] = rec.KeyID
	}
	return ids
}
