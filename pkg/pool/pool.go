// Package pool implements the per-SAE-pair replenishment policy: tracking
// current key counts, deriving health, and topping pools back up by
// invoking the same generate-and-sync path used by enc_keys.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/etsi014/kme/internal/telemetry"
	"github.com/etsi014/kme/pkg/keyrecord"
)

// Config is the per-pair replenishment policy.
type Config struct {
	MinPoolSize        int
	MaxPoolSize        int
	ReplenishThreshold int
}

// Status is the point-in-time view of a pair's pool returned by
// /kme/pool/status and used to derive needs_replenishment/health.
type Status struct {
	CurrentCount       int             `json:"current_count"`
	MinPoolSize        int             `json:"min_pool_size"`
	MaxPoolSize        int             `json:"max_pool_size"`
	ReplenishThreshold int             `json:"replenish_threshold"`
	NeedsReplenishment bool            `json:"needs_replenishment"`
	Health             keyrecord.Health `json:"health"`
}

// Replenisher generates and syncs n additional keys for pair, returning how
// many were actually added. Implemented by the kmesync package; pool only
// depends on this narrow interface to avoid an import cycle.
type Replenisher interface {
	Replenish(ctx context.Context, pair keyrecord.Pair, n int) (int, error)
}

// CountFunc reports the current live unconsumed count for a pair.
type CountFunc func(pair keyrecord.Pair) int

// EventPublisher is notified on pool health transitions, with the pair's
// unconsumed count at transition time. The Redis-backed implementation
// lives in internal/platform; tests and deployments without Redis use a
// no-op.
type EventPublisher interface {
	PublishHealth(ctx context.Context, pair keyrecord.Pair, health keyrecord.Health, currentCount int)
}

// NoopPublisher discards health events.
type NoopPublisher struct{}

// PublishHealth implements EventPublisher.
func (NoopPublisher) PublishHealth(context.Context, keyrecord.Pair, keyrecord.Health, int) {}

// CompositeEventPublisher fans a health transition out to every publisher
// in the slice, used to notify both an optional Redis channel and the
// operator alerting notifier from the same transition without either one
// knowing about the other.
type CompositeEventPublisher []EventPublisher

// PublishHealth implements EventPublisher.
func (c CompositeEventPublisher) PublishHealth(ctx context.Context, pair keyrecord.Pair, health keyrecord.Health, currentCount int) {
	for _, p := range c {
		p.PublishHealth(ctx, pair, health, currentCount)
	}
}

// Manager tracks replenishment policy per pair and coalesces concurrent
// replenish calls for the same pair with a singleflight group: at most one
// replenishment per pair is ever in flight; concurrent callers await the
// one in progress and observe its resulting count.
type Manager struct {
	mu         sync.RWMutex
	defaultCfg Config
	configs    map[string]Config
	health     map[string]keyrecord.Health
	count      CountFunc
	replen     Replenisher
	events     EventPublisher
	logger     *slog.Logger
	group      singleflight.Group
}

// DefaultConfig mirrors the documented env-var defaults (POOL_MIN=10,
// POOL_MAX=100, POOL_REPLENISH_THRESHOLD=5).
func DefaultConfig() Config {
	return Config{MinPoolSize: 10, MaxPoolSize: 100, ReplenishThreshold: 5}
}

// NewManager creates a Manager. events may be NoopPublisher{} when no
// pub/sub backend is configured.
func NewManager(count CountFunc, replen Replenisher, events EventPublisher, logger *slog.Logger) *Manager {
	return &Manager{
		defaultCfg: DefaultConfig(),
		configs:    make(map[string]Config),
		health:     make(map[string]keyrecord.Health),
		count:      count,
		replen:     replen,
		events:     events,
		logger:     logger,
	}
}

// SetDefaultConfig overrides the policy applied to pairs with no explicit
// Configure call, e.g. to apply the process-wide POOL_MIN/POOL_MAX/
// POOL_REPLENISH_THRESHOLD environment configuration.
func (m *Manager) SetDefaultConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultCfg = cfg
}

// Configure sets (or overrides) the replenishment policy for a pair. Pairs
// without an explicit Configure call use the manager's default config.
func (m *Manager) Configure(pair keyrecord.Pair, cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[pair.Key()] = cfg
}

func (m *Manager) configFor(pair keyrecord.Pair) Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if cfg, ok := m.configs[pair.Key()]; ok {
		return cfg
	}
	return m.defaultCfg
}

// Status computes the current view for a pair.
func (m *Manager) Status(pair keyrecord.Pair) Status {
	cfg := m.configFor(pair)
	current := m.count(pair)
	h := health(current, cfg)

	telemetry.PoolCurrentCount.WithLabelValues(pair.MasterSAEID, pair.SlaveSAEID).Set(float64(current))
	telemetry.PoolHealth.WithLabelValues(pair.MasterSAEID, pair.SlaveSAEID).Set(healthValue(h))

	return Status{
		CurrentCount:       current,
		MinPoolSize:        cfg.MinPoolSize,
		MaxPoolSize:        cfg.MaxPoolSize,
		ReplenishThreshold: cfg.ReplenishThreshold,
		NeedsReplenishment: current < cfg.ReplenishThreshold,
		Health:             h,
	}
}

// healthValue maps a Health to the kme_pool_health gauge's documented scale.
func healthValue(h keyrecord.Health) float64 {
	switch h {
	case keyrecord.HealthEmpty:
		return 0
	case keyrecord.HealthLow:
		return 1
	default:
		return 2
	}
}

func health(current int, cfg Config) keyrecord.Health {
	switch {
	case current == 0:
		return keyrecord.HealthEmpty
	case current < cfg.ReplenishThreshold:
		return keyrecord.HealthLow
	default:
		return keyrecord.HealthHealthy
	}
}

// Replenish tops pair up to targetCount (clamped to MaxPoolSize), or to
// MinPoolSize if targetCount is zero. Concurrent calls for the same pair
// coalesce: the second caller blocks on the first's result instead of
// issuing a second generate-and-sync round trip.
func (m *Manager) Replenish(ctx context.Context, pair keyrecord.Pair, targetCount int) (int, error) {
	cfg := m.configFor(pair)
	if targetCount <= 0 {
		targetCount = cfg.MinPoolSize
	}
	if targetCount > cfg.MaxPoolSize {
		targetCount = cfg.MaxPoolSize
	}

	added, err, _ := m.group.Do(pair.Key(), func() (any, error) {
		current := m.count(pair)
		need := targetCount - current
		if need <= 0 {
			return 0, nil
		}
		n, err := m.replen.Replenish(ctx, pair, need)
		if err != nil {
			return n, err
		}
		m.recordHealthTransition(ctx, pair, cfg)
		return n, nil
	})
	if err != nil {
		return 0, err
	}
	return added.(int), nil
}

func (m *Manager) recordHealthTransition(ctx context.Context, pair keyrecord.Pair, cfg Config) {
	current := m.count(pair)
	newHealth := health(current, cfg)

	m.mu.Lock()
	old, seen := m.health[pair.Key()]
	m.health[pair.Key()] = newHealth
	m.mu.Unlock()

	if !seen || old != newHealth {
		m.logger.Info("pool health transition", "pair", pair.Key(), "health", newHealth, "current_count", current)
		m.events.PublishHealth(ctx, pair, newHealth, current)
	}
}

// PairsFunc discovers the set of pairs currently known to the store. Pairs
// come into existence the moment the first key for them is generated, so
// the background loop re-discovers them on every tick rather than working
// from a fixed list supplied at startup.
type PairsFunc func() []keyrecord.Pair

// RunBackground starts a ticker loop that re-discovers known pairs via
// pairsFn, checks NeedsReplenishment for each, and invokes
// Replenish(pair, MinPoolSize) when true. It blocks until ctx is cancelled.
func (m *Manager) RunBackground(ctx context.Context, pairsFn PairsFunc, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("pool replenishment loop stopped")
			return
		case <-ticker.C:
			for _, pair := range pairsFn() {
				status := m.Status(pair)
				m.recordHealthTransition(ctx, pair, m.configFor(pair))
				if !status.NeedsReplenishment {
					continue
				}
				if _, err := m.Replenish(ctx, pair, status.MinPoolSize); err != nil {
					m.logger.Error("background replenishment failed", "pair", pair.Key(), "error", err)
				}
			}
		}
	}
}
