// Package etsiapi implements the master/slave-facing SAE endpoints:
// enc_keys, dec_keys, and status, per the ETSI GS QKD-014 request/response
// shapes.
package etsiapi

import (
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"

	"github.com/etsi014/kme/internal/httpserver"
	"github.com/etsi014/kme/internal/telemetry"
	"github.com/etsi014/kme/pkg/keyrecord"
	"github.com/etsi014/kme/pkg/keystore"
	"github.com/etsi014/kme/pkg/kmesync"
	"github.com/etsi014/kme/pkg/peerclient"
)

// Handler implements the SAE-facing enc_keys/dec_keys/status endpoints.
type Handler struct {
	kmsID             string
	store             *keystore.Store
	sync              *kmesync.Synchronizer
	logger            *slog.Logger
	defaultKeySize    int
	maxKeySize        int
	minKeySize        int
	maxKeysPerRequest int
	maxSAEIDCount     int
}

// Config bounds enc_keys/dec_keys batch sizes and default key sizing, wired
// from the environment-loaded application Config.
type Config struct {
	DefaultKeySize    int
	MaxKeySize        int
	MinKeySize        int
	MaxKeysPerRequest int
	MaxSAEIDCount     int
}

// NewHandler creates a Handler.
func NewHandler(kmsID string, store *keystore.Store, sync *kmesync.Synchronizer, cfg Config, logger *slog.Logger) *Handler {
	return &Handler{
		kmsID:             kmsID,
		store:             store,
		sync:              sync,
		logger:            logger,
		defaultKeySize:    cfg.DefaultKeySize,
		maxKeySize:        cfg.MaxKeySize,
		minKeySize:        cfg.MinKeySize,
		maxKeysPerRequest: cfg.MaxKeysPerRequest,
		maxSAEIDCount:     cfg.MaxSAEIDCount,
	}
}

type encKeysRequest struct {
	Number int `json:"number" validate:"required,min=1,max=100"`
	Size   int `json:"size" validate:"omitempty,min=1,max=4096"`
}

type keyWire struct {
	KeyID string `json:"key_ID"`
	Key   string `json:"key"`
}

type encKeysResponse struct {
	Keys []keyWire `json:"keys"`
}

// EncKeys handles POST /api/v1/keys/enc_keys.
func (h *Handler) EncKeys(w http.ResponseWriter, r *http.Request) {
	masterSAEID := r.Header.Get("X-SAE-ID")
	slaveSAEID := r.Header.Get("X-Slave-SAE-ID")
	if masterSAEID == "" || slaveSAEID == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_request", "X-SAE-ID and X-Slave-SAE-ID headers are required")
		return
	}

	var req encKeysRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	size := req.Size
	if size == 0 {
		size = h.defaultKeySize
	}
	if size < h.minKeySize || size > h.maxKeySize {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_request",
			"size out of bounds")
		return
	}
	if req.Number > h.maxKeysPerRequest {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_request",
			"number exceeds max_keys_per_request")
		return
	}

	pair := keyrecord.Pair{MasterSAEID: masterSAEID, SlaveSAEID: slaveSAEID}

	confirmed, err := h.sync.GenerateAndHandoff(r.Context(), pair, size, req.Number)
	if err != nil {
		h.logger.Error("enc_keys: peer handoff failed", "pair", pair.Key(), "error", err)
		if errors.Is(err, peerclient.ErrPeerUnavailable) {
			httpserver.RespondError(w, http.StatusServiceUnavailable, "peer_unavailable", "peer KME did not acknowledge sync")
			return
		}
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "key generation or handoff failed")
		return
	}

	telemetry.KeysGeneratedTotal.WithLabelValues(h.kmsID).Add(float64(len(confirmed)))

	keys := make([]keyWire, len(confirmed))
	for i, rec := range confirmed {
		keys[i] = keyWire{KeyID: rec.KeyID, Key: base64.StdEncoding.EncodeToString(rec.Key)}
	}
	httpserver.Respond(w, http.StatusOK, encKeysResponse{Keys: keys})
}

type decKeysRequest struct {
	KeyIDs []string `json:"key_IDs" validate:"required,min=1,max=100"`
}

// DecKeys handles POST /api/v1/keys/dec_keys.
func (h *Handler) DecKeys(w http.ResponseWriter, r *http.Request) {
	slaveSAEID := r.Header.Get("X-SAE-ID")
	masterSAEID := r.Header.Get("X-Slave-SAE-ID")
	if slaveSAEID == "" || masterSAEID == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_request", "X-SAE-ID and X-Slave-SAE-ID headers are required")
		return
	}

	var req decKeysRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	pair := keyrecord.Pair{MasterSAEID: masterSAEID, SlaveSAEID: slaveSAEID}
	records, offending, err := h.store.ConsumeMany(req.KeyIDs, pair)
	if err != nil {
		reason := reasonFor(err)
		h.logger.Warn("dec_keys: batch rejected", "pair", pair.Key(), "reason", reason, "offending", offending)
		httpserver.RespondKeyError(w, http.StatusNotFound, "key_not_available", "one or more key_IDs are unavailable", reason, offending)
		return
	}

	telemetry.KeysConsumedTotal.WithLabelValues(masterSAEID, slaveSAEID).Add(float64(len(records)))

	keys := make([]keyWire, len(records))
	for i, rec := range records {
		keys[i] = keyWire{KeyID: rec.KeyID, Key: base64.StdEncoding.EncodeToString(rec.Key)}
	}
	httpserver.Respond(w, http.StatusOK, encKeysResponse{Keys: keys})
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, keystore.ErrNotFound):
		return "not_found"
	case errors.Is(err, keystore.ErrAlreadyConsumed):
		return "already_consumed"
	case errors.Is(err, keystore.ErrPairMismatch):
		return "pair_mismatch"
	default:
		return "unknown"
	}
}

type statusResponse struct {
	SourceKMSID    string `json:"source_KME_ID"`
	TargetKMSID    string `json:"target_KME_ID"`
	StoredKeyCount int    `json:"stored_key_count"`
	MaxKeyCount    int    `json:"max_key_count"`
	MaxKeySize     int    `json:"max_key_size"`
	MinKeySize     int    `json:"min_key_size"`
	MaxSAEIDCount  int    `json:"max_SAE_ID_count"`
}

// Status handles GET /api/v1/keys/{master_sae_id}/status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request, masterSAEID string) {
	slaveSAEID := r.Header.Get("X-Slave-SAE-ID")
	if slaveSAEID == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_request", "X-Slave-SAE-ID header is required")
		return
	}

	pair := keyrecord.Pair{MasterSAEID: masterSAEID, SlaveSAEID: slaveSAEID}
	httpserver.Respond(w, http.StatusOK, statusResponse{
		SourceKMSID:    h.kmsID,
		TargetKMSID:    slaveSAEID,
		StoredKeyCount: h.store.CountAvailable(pair),
		MaxKeyCount:    h.maxKeysPerRequest,
		MaxKeySize:     h.maxKeySize,
		MinKeySize:     h.minKeySize,
		MaxSAEIDCount:  h.maxSAEIDCount,
	})
}
