// Package metrics exposes the Prometheus instrumentation for the bridge:
// byte counters on the data pump, per-state-transition counters on the
// orchestrator, and per-error-kind counters, per spec §3 and §7.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BytesForwarded counts bytes moved by the data pump, labeled by
	// direction ("phone_to_hu" / "hu_to_phone").
	BytesForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aaproxy_bytes_forwarded_total",
		Help: "Total bytes forwarded by the data pump, by direction",
	}, []string{"direction"})

	// FramesRewritten counts MITM rewrite-table hits, labeled by rule name.
	FramesRewritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aaproxy_frames_rewritten_total",
		Help: "Total MITM frames modified by the rewrite table, by rule",
	}, []string{"rule"})

	// StateTransitions counts orchestrator state entries, labeled by state name.
	StateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aaproxy_state_transitions_total",
		Help: "Total orchestrator state entries, by state",
	}, []string{"state"})

	// ErrorsByKind counts terminal cycle errors, labeled by error kind (§7).
	ErrorsByKind = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aaproxy_errors_total",
		Help: "Total cycle errors, by error kind",
	}, []string{"kind"})

	// CurrentState is a gauge holding the orchestrator's current state as a
	// label value set to 1 (all other states set to 0).
	CurrentState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "aaproxy_current_state",
		Help: "1 for the orchestrator's current state, 0 for all others",
	}, []string{"state"})

	// ForwardRateBytesPerSec reports the most recent instantaneous rate
	// computed by the pump's statistics task, by direction.
	ForwardRateBytesPerSec = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "aaproxy_forward_rate_bytes_per_second",
		Help: "Instantaneous forwarding rate, by direction",
	}, []string{"direction"})
)

// Direction label values for BytesForwarded / ForwardRateBytesPerSec.
const (
	DirectionPhoneToHU = "phone_to_hu"
	DirectionHUToPhone = "hu_to_phone"
)

// AddBytes increments the byte counter for a direction.
func AddBytes(direction string, n int) {
	BytesForwarded.WithLabelValues(direction).Add(float64(n))
}

// IncRewrite increments the rewrite counter for a named rule.
func IncRewrite(rule string) {
	FramesRewritten.WithLabelValues(rule).Inc()
}

// IncError increments the error counter for a given error kind.
func IncError(kind string) {
	ErrorsByKind.WithLabelValues(kind).Inc()
}

// stateNames lists every orchestrator state for gauge reset purposes.
var stateNames = []string{"idle", "prep_usb", "prep_bt", "handshake", "await_tcp", "forward", "abort"}

// SetCurrentState marks state as current and clears every other known state.
func SetCurrentState(state string) {
	for _, s := range stateNames {
		if s == state {
			CurrentState.WithLabelValues(s).Set(1)
		} else {
			CurrentState.WithLabelValues(s).Set(0)
		}
	}
	StateTransitions.WithLabelValues(state).Inc()
}

// SetRate publishes an instantaneous forwarding rate for a direction.
func SetRate(direction string, bytesPerSec float64) {
	ForwardRateBytesPerSec.WithLabelValues(direction).Set(bytesPerSec)
}
