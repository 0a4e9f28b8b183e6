package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "forgecore"

// Result label values shared by the counters below
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultDenied  = "denied"
	ResultBusy    = "busy"
)

// Metrics holds the prometheus collectors for the SSH transport, the lock
// manager, the stack orchestrator and mirror sync. All methods are safe on a
// nil receiver so components can run without instrumentation.
type Metrics struct {
	sshConnections prometheus.Counter
	activeSessions prometheus.Gauge
	authFailures   *prometheus.CounterVec
	gitCommands    *prometheus.CounterVec
	gitDuration    *prometheus.HistogramVec
	pushCallbacks  *prometheus.CounterVec
	lockAcquire    *prometheus.CounterVec
	lockWait       *prometheus.HistogramVec
	stackRuns      *prometheus.CounterVec
	stackEntries   *prometheus.CounterVec
	mirrorSyncs    *prometheus.CounterVec
}

// NewMetrics registers every collector on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Labels: none
		sshConnections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ssh",
			Name:      "connections_total",
			Help:      "Accepted TCP connections on the SSH listener",
		}),
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "ssh",
			Name:      "active_sessions",
			Help:      "Authenticated SSH connections currently open",
		}),
		// Labels: reason (handshake, key_rejected, timeout)
		authFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ssh",
			Name:      "auth_failures_total",
			Help:      "Failed SSH handshakes by reason",
		}, []string{"reason"}),
		// Labels: op (git-upload-pack, git-receive-pack, invalid), result
		gitCommands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "git",
			Name:      "commands_total",
			Help:      "Git service invocations by operation and result",
		}, []string{"op", "result"}),
		gitDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "git",
			Name:      "command_duration_seconds",
			Help:      "Wall time of git service subprocesses",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		}, []string{"op"}),
		pushCallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "git",
			Name:      "push_callbacks_total",
			Help:      "Push handler invocations by result",
		}, []string{"result"}),
		// Labels: backend (redis, sql, memory), result (success, busy, failure)
		lockAcquire: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "lock",
			Name:      "acquisitions_total",
			Help:      "Lock acquisition attempts by backend and result",
		}, []string{"backend", "result"}),
		lockWait: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "lock",
			Name:      "acquire_wait_seconds",
			Help:      "Time spent in Acquire including retries",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"backend"}),
		// Labels: outcome (completed, conflicted, failed, lock_unavailable)
		stackRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "stack",
			Name:      "runs_total",
			Help:      "Stack rebase runs by outcome",
		}, []string{"outcome"}),
		stackEntries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "stack",
			Name:      "entries_total",
			Help:      "Stack entries processed by state",
		}, []string{"state"}),
		mirrorSyncs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "mirror",
			Name:      "syncs_total",
			Help:      "Mirror fetches by result",
		}, []string{"result"}),
	}
}

// NewNopMetrics returns collectors bound to a private registry nobody scrapes
func NewNopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

// ConnectionAccepted counts a new TCP connection
func (m *Metrics) ConnectionAccepted() {
	if m == nil {
		return
	}
	m.sshConnections.Inc()
}

// SessionOpened tracks an authenticated connection; the returned func closes it
func (m *Metrics) SessionOpened() func() {
	if m == nil {
		return func() {}
	}
	m.activeSessions.Inc()
	return m.activeSessions.Dec
}

// AuthFailed counts a failed handshake
func (m *Metrics) AuthFailed(reason string) {
	if m == nil {
		return
	}
	m.authFailures.WithLabelValues(reason).Inc()
}

// GitCommand records one exec request
func (m *Metrics) GitCommand(op, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.gitCommands.WithLabelValues(op, result).Inc()
	if elapsed > 0 {
		m.gitDuration.WithLabelValues(op).Observe(elapsed.Seconds())
	}
}

// PushCallback records a push handler invocation
func (m *Metrics) PushCallback(result string) {
	if m == nil {
		return
	}
	m.pushCallbacks.WithLabelValues(result).Inc()
}

// LockAcquire records the outcome of Acquire and how long it waited
func (m *Metrics) LockAcquire(backend, result string, waited time.Duration) {
	if m == nil {
		return
	}
	m.lockAcquire.WithLabelValues(backend, result).Inc()
	m.lockWait.WithLabelValues(backend).Observe(waited.Seconds())
}

// StackRun records a finished orchestrator run
func (m *Metrics) StackRun(outcome string) {
	if m == nil {
		return
	}
	m.stackRuns.WithLabelValues(outcome).Inc()
}

// StackEntries adds n entries in the given state
func (m *Metrics) StackEntries(state string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.stackEntries.WithLabelValues(state).Add(float64(n))
}

// MirrorSync records a mirror fetch
func (m *Metrics) MirrorSync(result string) {
	if m == nil {
		return
	}
	m.mirrorSyncs.WithLabelValues(result).Inc()
}
