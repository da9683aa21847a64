// Package metrics exposes ledger activity as Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/warp/store-credit/storecredit"
)

const namespace = "storecredit"

// Collector implements storecredit.Recorder.
type Collector struct {
	operations *prometheus.CounterVec
	amounts    *prometheus.CounterVec
}

// New creates a Collector and registers it on reg.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Ledger operations by action and result. result is ok or the error code.",
		}, []string{"action", "result"}),
		amounts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "amount_total",
			Help:      "Sum of amounts moved by successful operations.",
		}, []string{"action", "currency"}),
	}
	reg.MustRegister(c.operations, c.amounts)
	return c
}

func (c *Collector) ObserveOperation(action storecredit.Action, err error) {
	c.operations.WithLabelValues(string(action), result(err)).Inc()
}

func (c *Collector) ObserveAmount(action storecredit.Action, currency string, amount float64) {
	if amount < 0 {
		return
	}
	c.amounts.WithLabelValues(string(action), currency).Add(amount)
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case storecredit.Code(err) != "":
		return storecredit.Code(err)
	case storecredit.IsNotFound(err):
		return "not_found"
	case storecredit.IsRetryable(err):
		return "conflict"
	default:
		return "error"
	}
}
