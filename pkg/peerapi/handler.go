// Package peerapi implements the inter-KME endpoints a peer KME calls on
// this process: sync, verify, pool status/replenish, and the
// status/stats/health summary views.
package peerapi

import (
	"encoding/base64"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/etsi014/kme/internal/httpserver"
	"github.com/etsi014/kme/internal/telemetry"
	"github.com/etsi014/kme/pkg/keyrecord"
	"github.com/etsi014/kme/pkg/keystore"
	"github.com/etsi014/kme/pkg/pool"
)

func decodeWireKey(encoded string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(encoded)
}

// Handler implements the peer-facing KME-to-KME endpoints.
type Handler struct {
	kmsID  string
	saeID  string
	store  *keystore.Store
	pool   *pool.Manager
	logger *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(kmsID, saeID string, store *keystore.Store, poolMgr *pool.Manager, logger *slog.Logger) *Handler {
	return &Handler{kmsID: kmsID, saeID: saeID, store: store, pool: poolMgr, logger: logger}
}

type wireKey struct {
	KeyID         string  `json:"key_ID"`
	Key           string  `json:"key"`
	KeySize       int     `json:"key_size"`
	MasterSAEID   string  `json:"master_sae_id"`
	SlaveSAEID    string  `json:"slave_sae_id"`
	CreatedAt     string  `json:"created_at"`
	OriginKMSID   string  `json:"origin_kms_id"`
	Entropy       float64 `json:"entropy"`
	QuantumSource string  `json:"quantum_source"`
}

type syncRequest struct {
	Keys        []wireKey `json:"keys" validate:"required,min=1,max=128,dive"`
	SourceKMSID string    `json:"source_kms_id" validate:"required"`
	TargetSAEID string    `json:"target_sae_id" validate:"required"`
	Timestamp   string    `json:"timestamp"`
}

type syncResponse struct {
	SyncedCount int    `json:"synced_count"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
}

// Sync handles POST /api/v1/kme/sync. The caller's X-KMS-ID header must
// match the body's source_kms_id; a peer may only assert sync batches it
// actually originated.
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	callerKMSID := r.Header.Get("X-KMS-ID")
	if callerKMSID == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_request", "X-KMS-ID header is required")
		return
	}

	var req syncRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if callerKMSID != req.SourceKMSID {
		httpserver.RespondError(w, http.StatusForbidden, "source_mismatch", "X-KMS-ID does not match source_kms_id")
		return
	}

	records := make([]*keyrecord.Record, len(req.Keys))
	for i, k := range req.Keys {
		createdAt, err := time.Parse(time.RFC3339, k.CreatedAt)
		if err != nil {
			createdAt = time.Now().UTC()
		}
		key, err := decodeWireKey(k.Key)
		if err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, "invalid_request", "key is not valid base64")
			return
		}
		records[i] = &keyrecord.Record{
			KeyID:         k.KeyID,
			Key:           key,
			KeySize:       k.KeySize,
			MasterSAEID:   k.MasterSAEID,
			SlaveSAEID:    k.SlaveSAEID,
			CreatedAt:     createdAt,
			OriginKMSID:   k.OriginKMSID,
			Entropy:       k.Entropy,
			QuantumSource: k.QuantumSource,
		}
	}

	inserted := h.store.InsertBatch(records)

	status := "success"
	if inserted < len(records) {
		status = "partial"
	}
	h.logger.Info("kme sync received", "from_kms_id", callerKMSID, "requested", len(records), "inserted", inserted, "status", status)

	httpserver.Respond(w, http.StatusOK, syncResponse{
		SyncedCount: inserted,
		Status:      status,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	})
}

type verifyRequest struct {
	KeyIDs      []string `json:"key_ids" validate:"required,min=1,max=128"`
	MasterSAEID string   `json:"master_sae_id" validate:"required"`
	SlaveSAEID  string   `json:"slave_sae_id" validate:"required"`
}

type verifyResponse struct {
	AllVerified   bool     `json:"all_verified"`
	VerifiedCount int      `json:"verified_count"`
	MissingKeys   []string `json:"missing_keys,omitempty"`
}

// Verify handles POST /api/v1/kme/verify.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-KMS-ID") == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_request", "X-KMS-ID header is required")
		return
	}

	var req verifyRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	pair := keyrecord.Pair{MasterSAEID: req.MasterSAEID, SlaveSAEID: req.SlaveSAEID}
	verifiedCount, missing := h.store.VerifyMany(req.KeyIDs, pair)

	httpserver.Respond(w, http.StatusOK, verifyResponse{
		AllVerified:   len(missing) == 0,
		VerifiedCount: verifiedCount,
		MissingKeys:   missing,
	})
}

type poolPairRequest struct {
	MasterSAEID string `json:"master_sae_id" validate:"required"`
	SlaveSAEID  string `json:"slave_sae_id" validate:"required"`
	TargetCount int    `json:"target_count" validate:"omitempty,min=1"`
}

// PoolStatus handles POST /api/v1/kme/pool/status.
func (h *Handler) PoolStatus(w http.ResponseWriter, r *http.Request) {
	var req poolPairRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	pair := keyrecord.Pair{MasterSAEID: req.MasterSAEID, SlaveSAEID: req.SlaveSAEID}
	httpserver.Respond(w, http.StatusOK, h.pool.Status(pair))
}

type poolReplenishResponse struct {
	Added int `json:"added"`
}

// PoolReplenish handles POST /api/v1/kme/pool/replenish.
func (h *Handler) PoolReplenish(w http.ResponseWriter, r *http.Request) {
	var req poolPairRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	pair := keyrecord.Pair{MasterSAEID: req.MasterSAEID, SlaveSAEID: req.SlaveSAEID}

	added, err := h.pool.Replenish(r.Context(), pair, req.TargetCount)
	if err != nil {
		h.logger.Error("pool replenish failed", "pair", pair.Key(), "error", err)
		httpserver.RespondError(w, http.StatusServiceUnavailable, "replenish_failed", "replenishment could not complete")
		return
	}
	httpserver.Respond(w, http.StatusOK, poolReplenishResponse{Added: added})
}

type kmeStatusResponse struct {
	KMSID              string `json:"kms_id"`
	SAEID              string `json:"sae_id"`
	PairCount          int    `json:"pair_count"`
	KeysGeneratedTotal int64  `json:"keys_generated_total"`
	KeysConsumedTotal  int64  `json:"keys_consumed_total"`
}

// Status handles GET /api/v1/kme/status: identity plus summary counters.
// Stats serves the richer per-pair breakdown.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	generated, consumed := h.store.Totals()
	httpserver.Respond(w, http.StatusOK, kmeStatusResponse{
		KMSID:              h.kmsID,
		SAEID:              h.saeID,
		PairCount:          len(h.store.Pairs()),
		KeysGeneratedTotal: generated,
		KeysConsumedTotal:  consumed,
	})
}

type pairStats struct {
	MasterSAEID  string           `json:"master_sae_id"`
	SlaveSAEID   string           `json:"slave_sae_id"`
	CurrentCount int              `json:"current_count"`
	Health       keyrecord.Health `json:"health"`
}

type statsResponse struct {
	KMSID              string      `json:"kms_id"`
	SAEID              string      `json:"sae_id"`
	Pairs              []pairStats `json:"pairs"`
	KeysGeneratedTotal int64       `json:"keys_generated_total"`
	KeysConsumedTotal  int64       `json:"keys_consumed_total"`
	SyncSuccessTotal   float64     `json:"sync_success_total"`
	SyncFailureTotal   float64     `json:"sync_failure_total"`
}

// Stats handles GET /api/v1/kme/stats, a summary view for operator tooling
// and the partner KME's own health dashboards. Per-pair counts and health
// come from the pool manager's live status; sync counters are read back from
// the same Prometheus vectors /metrics exposes, so the two views agree.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	generated, consumed := h.store.Totals()

	pairs := h.store.Pairs()
	pairStatsList := make([]pairStats, len(pairs))
	for i, pair := range pairs {
		status := h.pool.Status(pair)
		pairStatsList[i] = pairStats{
			MasterSAEID:  pair.MasterSAEID,
			SlaveSAEID:   pair.SlaveSAEID,
			CurrentCount: status.CurrentCount,
			Health:       status.Health,
		}
	}

	httpserver.Respond(w, http.StatusOK, statsResponse{
		KMSID:              h.kmsID,
		SAEID:              h.saeID,
		Pairs:              pairStatsList,
		KeysGeneratedTotal: generated,
		KeysConsumedTotal:  consumed,
		SyncSuccessTotal:   counterVecSum(telemetry.SyncAttemptsTotal, "success"),
		SyncFailureTotal:   counterVecSum(telemetry.SyncAttemptsTotal, "failed"),
	})
}

// counterVecSum reads back the current value of a single-label counter
// series without depending on a registry scrape, so this JSON view and the
// /metrics text exposition always agree.
func counterVecSum(vec *prometheus.CounterVec, label string) float64 {
	var m dto.Metric
	if err := vec.WithLabelValues(label).Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

// Health handles GET /health, a liveness probe distinct from
// internal/httpserver's /healthz so a peer can probe this KME without
// depending on internal readiness checks (DB/Redis) it has no business with.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "ok", "kms_id": h.kmsID})
}
