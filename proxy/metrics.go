package proxy

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the prometheus collectors the proxy module registers.
// Passing a Metrics built with NewMetrics(prometheus.DefaultRegisterer) is
// the expected wiring, matching cmd/sipforkproxy/main.go's use of
// promhttp.Handler() against the default registry.
type Metrics struct {
	ForksStarted   *prometheus.CounterVec
	ForksCompleted *prometheus.CounterVec
	Retries        prometheus.Counter
	Cancellations  prometheus.Counter
	FinalResponses *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ForksStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sipforkproxy",
			Name:      "forks_started_total",
			Help:      "Number of UAC forks started per UAS.",
		}, []string{"method"}),
		ForksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sipforkproxy",
			Name:      "forks_completed_total",
			Help:      "Number of UAC forks that reached a final response, by status class.",
		}, []string{"class"}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sipforkproxy",
			Name:      "uac_retries_total",
			Help:      "Number of UAC retries against an alternate resolved server.",
		}),
		Cancellations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sipforkproxy",
			Name:      "cancellations_total",
			Help:      "Number of CANCEL cascades fanned out to pending UACs.",
		}),
		FinalResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sipforkproxy",
			Name:      "uas_final_responses_total",
			Help:      "Final responses sent upstream by a UAS, by status class.",
		}, []string{"class"}),
	}
	reg.MustRegister(m.ForksStarted, m.ForksCompleted, m.Retries, m.Cancellations, m.FinalResponses)
	return m
}

func statusClass(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	case code < 600:
		return "5xx"
	default:
		return "6xx"
	}
}
