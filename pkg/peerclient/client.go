// Package peerclient is the outbound HTTP client a KME uses to reach its
// paired peer's /kme/sync and /kme/verify endpoints.
//
// Connection hygiene is load-bearing here: repeated round-trips must not
// accumulate CLOSE_WAIT/FIN_WAIT sockets. The transport disables HTTP
// keep-alive so
// every request's connection is torn down immediately after use, and caps
// outbound concurrency so a retry storm cannot open unbounded sockets.
package peerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrPeerUnavailable is returned when sync exhausts its retry budget.
var ErrPeerUnavailable = errors.New("peerclient: peer unavailable after retries")

const (
	defaultOutboundConcurrency = 8
	backoffInitialInterval     = 100 * time.Millisecond
	backoffMaxInterval         = 2 * time.Second
	maxSyncAttempts            = 3
)

// Client talks to a single peer KME.
type Client struct {
	baseURL    string
	localKMSID string
	timeout    time.Duration
	httpClient *http.Client
	sem        chan struct{} // bounds outbound concurrency
	logger     *slog.Logger
}

// New creates a Client targeting peerBaseURL, identifying this process as
// localKMSID via the X-KMS-ID header on every outbound request. timeout
// bounds each individual HTTP round trip.
func New(peerBaseURL, localKMSID string, timeout time.Duration, logger *slog.Logger) *Client {
	transport := &http.Transport{
		DisableKeepAlives: true, // force Connection: close behavior
		MaxConnsPerHost:   defaultOutboundConcurrency,
	}

	return &Client{
		baseURL:    strings.TrimRight(peerBaseURL, "/"),
		localKMSID: localKMSID,
		timeout:    timeout,
		httpClient: &http.Client{Transport: transport},
		sem:        make(chan struct{}, defaultOutboundConcurrency),
		logger:     logger,
	}
}

// SyncResult mirrors the peer's /kme/sync response.
type SyncResult struct {
	SyncedCount int    `json:"synced_count"`
	Status      string `json:"status"` // "success" | "partial"
	Timestamp   string `json:"timestamp"`
}

// VerifyResult mirrors the peer's /kme/verify response.
type VerifyResult struct {
	AllVerified   bool     `json:"all_verified"`
	VerifiedCount int      `json:"verified_count"`
	MissingKeys   []string `json:"missing_keys,omitempty"`
}

type syncRequest struct {
	Keys        []WireKey `json:"keys"`
	SourceKMSID string    `json:"source_kms_id"`
	TargetSAEID string    `json:"target_sae_id"`
	Timestamp   string    `json:"timestamp"`
}

// WireKey is the exported shape callers build the outbound sync batch from.
type WireKey struct {
	KeyID         string  `json:"key_ID"`
	Key           string  `json:"key"` // base64
	KeySize       int     `json:"key_size"`
	MasterSAEID   string  `json:"master_sae_id"`
	SlaveSAEID    string  `json:"slave_sae_id"`
	CreatedAt     string  `json:"created_at"`
	OriginKMSID   string  `json:"origin_kms_id"`
	Entropy       float64 `json:"entropy"`
	QuantumSource string  `json:"quantum_source"`
}

type verifyRequest struct {
	KeyIDs      []string `json:"key_ids"`
	MasterSAEID string   `json:"master_sae_id"`
	SlaveSAEID  string   `json:"slave_sae_id"`
}

// Sync pushes keys to the peer's /kme/sync endpoint, retrying transient
// failures (timeout, 5xx, connection reset) with bounded exponential
// backoff: base 100ms, cap 2s, at most 3 attempts total. Returns
// ErrPeerUnavailable once the retry budget is exhausted.
func (c *Client) Sync(ctx context.Context, targetSAEID string, keys []WireKey) (*SyncResult, error) {
	body := syncRequest{
		Keys:        keys,
		SourceKMSID: c.localKMSID,
		TargetSAEID: targetSAEID,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = backoffInitialInterval
	policy.MaxInterval = backoffMaxInterval

	result, err := backoff.Retry(ctx, func() (*SyncResult, error) {
		res, err := c.doSync(ctx, body)
		if err == nil {
			return res, nil
		}
		if isTransient(err) {
			return nil, err // retryable
		}
		return nil, backoff.Permanent(err)
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(maxSyncAttempts))

	if err != nil {
		c.logger.Warn("peer sync exhausted retries", "peer", c.baseURL, "target_sae_id", targetSAEID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrPeerUnavailable, err)
	}
	return result, nil
}

// Verify probes the peer's /kme/verify endpoint. It is not retried;
// callers treat verify as an informational check.
func (c *Client) Verify(ctx context.Context, masterSAEID, slaveSAEID string, keyIDs []string) (*VerifyResult, error) {
	req := verifyRequest{KeyIDs: keyIDs, MasterSAEID: masterSAEID, SlaveSAEID: slaveSAEID}

	var result VerifyResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/kme/verify", req, &result); err != nil {
		return nil, fmt.Errorf("peerclient: verify: %w", err)
	}
	return &result, nil
}

func (c *Client) doSync(ctx context.Context, body syncRequest) (*SyncResult, error) {
	var result SyncResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/kme/sync", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// transientError wraps an error that a retry policy should consider
// transient (timeout, connection reset, 5xx).
type transientError struct{ err error }

func (t *transientError) Error() string { return t.err.Error() }
func (t *transientError) Unwrap() error { return t.err }

func isTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	c.sem <- struct{}{}
	defer func() { <-c.sem }()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshalling request: %w", err)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-KMS-ID", c.localKMSID)
	req.Close = true // belt-and-suspenders on top of DisableKeepAlives

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &transientError{err: fmt.Errorf("executing request: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		respBody, _ := io.ReadAll(resp.Body)
		return &transientError{err: fmt.Errorf("peer returned %d: %s", resp.StatusCode, string(respBody))}
	}
	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("peer returned %d: %s", resp.StatusCode, string(respBody))
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
