package manager

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "flowcluster"

// Metrics counts cluster lifecycle decisions.
type Metrics struct {
	Created              prometheus.Counter
	Attached             prometheus.Counter
	ProvisioningFailures prometheus.Counter
	ReadinessTimeouts    prometheus.Counter
	Terminated           prometheus.Counter
	TerminationFailures  prometheus.Counter
	Vetoes               prometheus.Counter
	JanitorSwept         prometheus.Counter

	names     prometheus.GaugeFunc
	keepAlive prometheus.GaugeFunc
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      name,
		Help:      help,
	})
}

// NewMetrics builds the manager's collectors and registers them with reg, if reg is not nil.
func NewMetrics(reg prometheus.Registerer, registry *Registry) *Metrics {
	m := &Metrics{
		Created:              newCounter("clusters_created_total", "Clusters created on behalf of flows."),
		Attached:             newCounter("clusters_attached_total", "Flows attached to an already running cluster."),
		ProvisioningFailures: newCounter("provisioning_failures_total", "Flows for which no cluster could be found or created."),
		ReadinessTimeouts:    newCounter("readiness_timeouts_total", "Clusters that did not become ready within the spool-up timeout."),
		Terminated:           newCounter("clusters_terminated_total", "Clusters terminated after their last flow finished."),
		TerminationFailures:  newCounter("termination_failures_total", "Terminations that failed after exhausting retries."),
		Vetoes:               newCounter("termination_vetoes_total", "Flows that asked for their cluster to be kept alive."),
		JanitorSwept:         newCounter("janitor_swept_total", "Keep-alive overrides removed by the janitor."),
		names: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "tracked_cluster_names",
			Help:      "Cluster names with at least one flow reference.",
		}, func() float64 {
			n, _ := registry.size()
			return float64(n)
		}),
		keepAlive: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "keep_alive_overrides",
			Help:      "Cluster ids currently protected from termination.",
		}, func() float64 {
			_, k := registry.size()
			return float64(k)
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Created, m.Attached, m.ProvisioningFailures, m.ReadinessTimeouts,
			m.Terminated, m.TerminationFailures, m.Vetoes, m.JanitorSwept,
			m.names, m.keepAlive,
		)
	}
	return m
}
