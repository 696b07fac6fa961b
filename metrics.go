package clustercache

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "clustercache"

// metrics holds the prometheus collectors of a client. The collectors are
// always created so that the code never has to check for nil, but they are
// registered only if a prometheus.Registerer is configured.
type metrics struct {
	refreshes       *prometheus.CounterVec
	adaptiveSignals *prometheus.CounterVec
	redirects       *prometheus.CounterVec
	poolAcquires    *prometheus.CounterVec
	opDuration      *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		refreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "topology_refreshes_total",
				Help:      "Total number of topology refreshes by trigger and result",
			},
			[]string{"trigger", "result"},
		),
		adaptiveSignals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "adaptive_signals_total",
				Help:      "Total number of adaptive refresh signals by reason and outcome",
			},
			[]string{"reason", "outcome"},
		),
		redirects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "redirects_total",
				Help:      "Total number of MOVED and ASK replies received",
			},
			[]string{"type"},
		),
		poolAcquires: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "pool_acquires_total",
				Help:      "Total number of connection leases by result",
			},
			[]string{"result"},
		),
		opDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of cache operations",
				Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"op", "result"},
		),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.refreshes, m.adaptiveSignals, m.redirects, m.poolAcquires, m.opDuration,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

// nopMetrics returns unregistered collectors, for components created
// outside of a Client.
func nopMetrics() *metrics {
	m, _ := newMetrics(nil)
	return m
}

func (m *metrics) observeOp(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
		if k := kindOf(err); k != nil {
			result = kindLabel(k)
		}
	}
	m.opDuration.WithLabelValues(op, result).Observe(time.Since(start).Seconds())
}

func kindLabel(kind error) string {
	switch kind {
	case ErrInvalidArgument:
		return "invalid_argument"
	case ErrPoolExhausted:
		return "pool_exhausted"
	case ErrConnectFailed:
		return "connect_failed"
	case ErrRoutingExhausted:
		return "routing_exhausted"
	case ErrTimeout:
		return "timeout"
	case ErrUnavailable:
		return "unavailable"
	case ErrServer:
		return "server"
	case ErrClosed:
		return "closed"
	default:
		return "error"
	}
}
