package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "emailengine_submitd_connections_total",
			Help: "Accepted SMTP submission connections.",
		},
	)
	metricSubmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emailengine_submitd_submissions_total",
			Help: "Submission results: accepted, oversize, noaccount, accounterror, queueerror, parseerror.",
		},
		[]string{
			"result",
		},
	)
)

// Notifier transmits a labeled event to the parent process. Implemented
// by the rpc bridge.
type Notifier interface {
	Notify(key, method string, args ...interface{})
}

// Emitter counts submission activity locally and relays it to the
// parent. Relay loss is acceptable, so nothing here returns an error.
type Emitter struct {
	n Notifier
}

func NewEmitter(n Notifier) *Emitter {
	return &Emitter{n: n}
}

func (e *Emitter) Connection() {
	metricConnections.Inc()
	e.n.Notify("smtpConnections", "inc")
}

func (e *Emitter) Submission(result string) {
	metricSubmissions.WithLabelValues(result).Inc()
	e.n.Notify("submissions", "inc", map[string]string{"status": result})
}
