package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

// recordingHandler is a minimal slog.Handler that captures attrs by key for
// assertions, without pulling in a third-party test-logging helper.
type recordingHandler struct {
	attrs map[string]any
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	if h.attrs == nil {
		h.attrs = make(map[string]any)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.attrs[a.Key] = a.Value.Any()
		return true
	})
	return nil
}

func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler      { return h }

func TestLoggerIncludesCorrelationHeaders(t *testing.T) {
	rh := &recordingHandler{}
	logger := slog.New(rh)

	mw := Logger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/kme/sync", nil)
	req.Header.Set("X-SAE-ID", "sae-A")
	req.Header.Set("X-Slave-SAE-ID", "sae-B")
	req.Header.Set("X-KMS-ID", "kms-2")
	mw.ServeHTTP(httptest.NewRecorder(), req)

	if rh.attrs["sae_id"] != "sae-A" {
		t.Errorf("sae_id = %v, want sae-A", rh.attrs["sae_id"])
	}
	if rh.attrs["slave_sae_id"] != "sae-B" {
		t.Errorf("slave_sae_id = %v, want sae-B", rh.attrs["slave_sae_id"])
	}
	if rh.attrs["peer_kms_id"] != "kms-2" {
		t.Errorf("peer_kms_id = %v, want kms-2", rh.attrs["peer_kms_id"])
	}
}

func TestLoggerOmitsCorrelationHeadersWhenAbsent(t *testing.T) {
	rh := &recordingHandler{}
	logger := slog.New(rh)

	mw := Logger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	mw.ServeHTTP(httptest.NewRecorder(), req)

	if _, ok := rh.attrs["sae_id"]; ok {
		t.Error("sae_id should be absent when no X-SAE-ID header is set")
	}
}
