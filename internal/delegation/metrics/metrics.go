package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	NodesCreated      prometheus.Counter
	Funds             prometheus.Counter
	SubDelegations    prometheus.Counter
	Recalls           prometheus.Counter
	RecallSweptNodes  prometheus.Histogram
	OperationFailures *prometheus.CounterVec
}

func New() *Metrics {
	return &Metrics{
		NodesCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "proxyvote_delegation_nodes_created_total",
			Help: "Total number of delegation nodes created",
		}),
		Funds: promauto.NewCounter(prometheus.CounterOpts{
			Name: "proxyvote_delegation_funds_total",
			Help: "Total number of successful fund operations",
		}),
		SubDelegations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "proxyvote_delegation_sub_delegations_total",
			Help: "Total number of successful sub-delegation operations",
		}),
		Recalls: promauto.NewCounter(prometheus.CounterOpts{
			Name: "proxyvote_delegation_recalls_total",
			Help: "Total number of successful recall operations",
		}),
		RecallSweptNodes: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "proxyvote_delegation_recall_swept_nodes",
			Help:    "Number of nodes swept per recall",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
		}),
		OperationFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "proxyvote_delegation_operation_failures_total",
			Help: "Total number of failed engine operations by operation name",
		}, []string{"operation"}),
	}
}

func (m *Metrics) AddNodesCreated(n int) {
	if n > 0 {
		m.NodesCreated.Add(float64(n))
	}
}

func (m *Metrics) AddFunds(n int) {
	if n > 0 {
		m.Funds.Add(float64(n))
	}
}

func (m *Metrics) AddSubDelegations(n int) {
	if n > 0 {
		m.SubDelegations.Add(float64(n))
	}
}

func (m *Metrics) ObserveRecall(sweptNodes int) {
	m.Recalls.Inc()
	m.RecallSweptNodes.Observe(float64(sweptNodes))
}

func (m *Metrics) IncrementFailures(operation string) {
	m.OperationFailures.WithLabelValues(operation).Inc()
}
