package control

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the control API.
type Metrics struct {
	RequestsTotal *prometheus.CounterVec
	MessagesTotal *prometheus.CounterVec
}

// NewMetrics creates and registers control API metrics. Labels must not include tokens; client is allowed.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "threatfeed_control_requests_total", Help: "Control API requests by client and status"},
			[]string{"client", "status"}),
		MessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "threatfeed_control_messages_total", Help: "Control messages accepted by notification"},
			[]string{"notification"}),
	}
	if reg != nil {
		reg.MustRegister(m.RequestsTotal, m.MessagesTotal)
	}
	return m
}

func (m *Metrics) IncRequests(clientID string, status int) {
	if m == nil {
		return
	}
	if clientID == "" {
		clientID = "unknown"
	}
	m.RequestsTotal.WithLabelValues(clientID, statusToString(status)).Inc()
}

func (m *Metrics) IncMessages(notification string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(notification).Inc()
}

func statusToString(code int) string {
	switch code {
	case 200:
		return "200"
	case 202:
		return "202"
	case 400:
		return "400"
	case 401:
		return "401"
	case 413:
		return "413"
	case 415:
		return "415"
	case 429:
		return "429"
	case 500:
		return "500"
	case 503:
		return "503"
	default:
		return "other"
	}
}
