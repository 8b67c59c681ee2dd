// Package health aggregates gateway counters, shared-store connectivity and
// reconciliation metrics into one operational view, and serves it over HTTP.
package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"parley/internal/reconcile"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultFailedSyncThreshold is how many reconciliation failures since the
// last clean cycle turn the service unhealthy.
const DefaultFailedSyncThreshold = 25

// GatewayStats are the connection counters reported by the gateway.
type GatewayStats struct {
	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	Rooms             int   `json:"rooms"`
}

// SyncSource exposes reconciliation metrics. *reconcile.Service satisfies it.
type SyncSource interface {
	Metrics() reconcile.SyncMetrics
}

// Monitor is the HealthMonitor. Components register after construction;
// until they do, their section reports StatusUnavailable.
type Monitor struct {
	mu        sync.RWMutex
	store     Checker
	gateway   func() GatewayStats
	sync      SyncSource
	checkers  []Checker
	threshold int64
	now       func() time.Time

	storeUp atomic.Int32 // last store check: 1 up, 0 down or unknown
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithFailedSyncThreshold overrides DefaultFailedSyncThreshold.
func WithFailedSyncThreshold(n int64) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.threshold = n
		}
	}
}

// WithClock overrides the time source used for snapshot stamps.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMonitor constructs a monitor with nothing registered.
func NewMonitor(opts ...Option) *Monitor {
	m := &Monitor{
		threshold: DefaultFailedSyncThreshold,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// RegisterStore sets the shared-store connectivity check.
func (m *Monitor) RegisterStore(c Checker) {
	m.mu.Lock()
	m.store = c
	m.mu.Unlock()
}

// RegisterGateway sets the gateway counters source.
func (m *Monitor) RegisterGateway(fn func() GatewayStats) {
	m.mu.Lock()
	m.gateway = fn
	m.mu.Unlock()
}

// RegisterReconciler sets the reconciliation metrics source.
func (m *Monitor) RegisterReconciler(src SyncSource) {
	m.mu.Lock()
	m.sync = src
	m.mu.Unlock()
}

// AddChecker adds an auxiliary check (for example the archive database).
// Auxiliary failures degrade the snapshot but do not affect IsHealthy.
func (m *Monitor) AddChecker(c Checker) {
	m.mu.Lock()
	m.checkers = append(m.checkers, c)
	m.mu.Unlock()
}

// IsHealthy reports whether the store check passes and reconciliation
// failures since the last clean cycle stay within the threshold. An
// unregistered store counts as unhealthy.
func (m *Monitor) IsHealthy(ctx context.Context) bool {
	m.mu.RLock()
	store, src, threshold := m.store, m.sync, m.threshold
	m.mu.RUnlock()

	if m.checkStore(ctx, store).Status != StatusHealthy {
		return false
	}
	if src != nil && src.Metrics().FailedSinceSuccess > threshold {
		return false
	}
	return true
}

func (m *Monitor) checkStore(ctx context.Context, store Checker) CheckResult {
	if store == nil {
		m.storeUp.Store(0)
		return CheckResult{Status: StatusUnavailable}
	}
	res := store.Check(ctx)
	if res.Status == StatusHealthy {
		m.storeUp.Store(1)
	} else {
		m.storeUp.Store(0)
	}
	return res
}

// GatewaySection is the gateway part of a Snapshot.
type GatewaySection struct {
	Status Status `json:"status"`
	*GatewayStats
}

// ReconcileSection is the reconciliation part of a Snapshot.
type ReconcileSection struct {
	Status    Status `json:"status"`
	Threshold int64  `json:"failed_sync_threshold"`
	*reconcile.SyncMetrics
}

// Snapshot is the GetMetrics result.
type Snapshot struct {
	Status    Status                 `json:"status"`
	Healthy   bool                   `json:"healthy"`
	CheckedAt time.Time              `json:"checked_at"`
	Store     CheckResult            `json:"store"`
	Gateway   GatewaySection         `json:"gateway"`
	Reconcile ReconcileSection       `json:"reconcile"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// GetMetrics returns the combined view. It never fails: missing components
// are reported as unavailable.
func (m *Monitor) GetMetrics(ctx context.Context) Snapshot {
	m.mu.RLock()
	store, gw, src, threshold := m.store, m.gateway, m.sync, m.threshold
	checkers := append([]Checker(nil), m.checkers...)
	m.mu.RUnlock()

	snap := Snapshot{
		CheckedAt: m.now(),
		Store:     m.checkStore(ctx, store),
		Gateway:   GatewaySection{Status: StatusUnavailable},
		Reconcile: ReconcileSection{Status: StatusUnavailable, Threshold: threshold},
	}

	if gw != nil {
		st := gw()
		snap.Gateway = GatewaySection{Status: StatusHealthy, GatewayStats: &st}
	}

	if src != nil {
		sm := src.Metrics()
		status := StatusHealthy
		switch {
		case sm.FailedSinceSuccess > threshold:
			status = StatusUnhealthy
		case sm.FailedSinceSuccess > 0:
			status = StatusDegraded
		}
		snap.Reconcile = ReconcileSection{Status: status, Threshold: threshold, SyncMetrics: &sm}
	}

	if len(checkers) > 0 {
		snap.Checks = runChecks(ctx, checkers)
	}

	snap.Healthy = snap.Store.Status == StatusHealthy && snap.Reconcile.Status != StatusUnhealthy
	switch {
	case !snap.Healthy:
		snap.Status = StatusUnhealthy
	case snap.Gateway.Status != StatusHealthy, snap.Reconcile.Status != StatusHealthy, anyUnhealthy(snap.Checks):
		snap.Status = StatusDegraded
	default:
		snap.Status = StatusHealthy
	}
	return snap
}

func runChecks(ctx context.Context, checkers []Checker) map[string]CheckResult {
	out := make(map[string]CheckResult, len(checkers))
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, c := range checkers {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()
			res := c.Check(ctx)
			mu.Lock()
			out[c.Name()] = res
			mu.Unlock()
		}(c)
	}
	wg.Wait()
	return out
}

func anyUnhealthy(checks map[string]CheckResult) bool {
	for _, c := range checks {
		if c.Status != StatusHealthy {
			return true
		}
	}
	return false
}

// Register exposes the monitor's gauges on reg. Values are read at scrape
// time; store_up reflects the most recent store check.
func (m *Monitor) Register(reg prometheus.Registerer) error {
	gateway := func(pick func(GatewayStats) float64) func() float64 {
		return func() float64 {
			m.mu.RLock()
			gw := m.gateway
			m.mu.RUnlock()
			if gw == nil {
				return 0
			}
			return pick(gw())
		}
	}

	cs := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "parley", Subsystem: "gateway", Name: "active_connections",
			Help: "Currently open client connections on this instance.",
		}, gateway(func(s GatewayStats) float64 { return float64(s.ActiveConnections) })),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "parley", Subsystem: "gateway", Name: "connections_total",
			Help: "Client connections accepted since start.",
		}, gateway(func(s GatewayStats) float64 { return float64(s.TotalConnections) })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "parley", Subsystem: "gateway", Name: "rooms",
			Help: "Rooms with at least one local subscriber.",
		}, gateway(func(s GatewayStats) float64 { return float64(s.Rooms) })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "parley", Subsystem: "store", Name: "up",
			Help: "1 if the last shared-store check succeeded.",
		}, func() float64 { return float64(m.storeUp.Load()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "parley", Subsystem: "reconcile", Name: "failed_since_success",
			Help: "Reconciliation failures since the last clean cycle.",
		}, func() float64 {
			m.mu.RLock()
			src := m.sync
			m.mu.RUnlock()
			if src == nil {
				return 0
			}
			return float64(src.Metrics().FailedSinceSuccess)
		}),
	}
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
