package runtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the runtime's counters. Each runtime has its own registry.
type Metrics struct {
	Registry *prometheus.Registry

	PacketsIn       prometheus.Counter
	PacketsOut      prometheus.Counter
	FlowMods        *prometheus.CounterVec
	CompileErrors   prometheus.Counter
	EvalErrors      prometheus.Counter
	CompileSeconds  prometheus.Histogram
	SwitchesUp      prometheus.Gauge
	ClassifierRules prometheus.Gauge
}

// NewMetrics registers the runtime metrics in a new registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		PacketsIn: f.NewCounter(prometheus.CounterOpts{
			Name: "netpolicy_packet_in_total",
			Help: "Packets received from switches.",
		}),
		PacketsOut: f.NewCounter(prometheus.CounterOpts{
			Name: "netpolicy_packet_out_total",
			Help: "Packets sent to switches.",
		}),
		FlowMods: f.NewCounterVec(prometheus.CounterOpts{
			Name: "netpolicy_flow_mods_total",
			Help: "Flow table commands sent to switches.",
		}, []string{"op"}),
		CompileErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "netpolicy_compile_errors_total",
			Help: "Policy compilations that failed and were rolled back.",
		}),
		EvalErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "netpolicy_eval_errors_total",
			Help: "Packets whose evaluation failed.",
		}),
		CompileSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "netpolicy_compile_seconds",
			Help:    "Time spent compiling the policy.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		SwitchesUp: f.NewGauge(prometheus.GaugeOpts{
			Name: "netpolicy_switches_up",
			Help: "Switches currently connected and ready.",
		}),
		ClassifierRules: f.NewGauge(prometheus.GaugeOpts{
			Name: "netpolicy_classifier_rules",
			Help: "Rules in the installed classifier.",
		}),
	}
}
