package manager

import (
	"context"
	"fmt"
	"time"

	clusteriface "github.com/guseggert/flowcluster/cluster"
	"github.com/guseggert/flowcluster/flow"
	"github.com/guseggert/flowcluster/internal/retry"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Store persists flow state.
type Store interface {
	UpdateExecutableFlow(ctx context.Context, fl *flow.Flow) error
}

// Killer asks the workflow engine to kill a flow.
type Killer interface {
	KillFlow(ctx context.Context, fl *flow.Flow, reason string) error
}

// Listener receives flow lifecycle notifications.
// Each notification is expected on its own goroutine; calls for different flows may run concurrently.
type Listener interface {
	OnFlowStarted(ctx context.Context, fl *flow.Flow)
	OnFlowFinished(ctx context.Context, fl *flow.Flow)
}

// Manager coordinates the clusters backing flow executions.
// It decides how each flow gets a cluster, shares created clusters by name,
// and terminates them once no flow needs them anymore.
type Manager struct {
	service  clusteriface.Service
	store    Store
	killer   Killer
	registry *Registry
	resolver *Resolver
	metrics  *Metrics
	defaults flow.Props
	log      *zap.SugaredLogger

	metricsReg prometheus.Registerer

	lookupPolicy    retry.Policy
	createPolicy    retry.Policy
	terminatePolicy retry.Policy
	pollInterval    time.Duration
}

var _ Listener = (*Manager)(nil)

type Option func(m *Manager)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(m *Manager) {
		m.log = l.Named("cluster_manager")
	}
}

func WithStore(s Store) Option {
	return func(m *Manager) {
		m.store = s
	}
}

func WithKiller(k Killer) Option {
	return func(m *Manager) {
		m.killer = k
	}
}

// WithDefaults sets the global configuration layer that flow properties override.
func WithDefaults(p flow.Props) Option {
	return func(m *Manager) {
		m.defaults = p.Clone()
	}
}

// WithRegistry shares a registry between managers. By default each manager owns its own.
func WithRegistry(r *Registry) Option {
	return func(m *Manager) {
		m.registry = r
	}
}

// WithLookupRetry configures how often a running cluster is looked up before creating one.
// The backoff only applies when another flow already references the cluster name.
func WithLookupRetry(attempts int, backoff time.Duration) Option {
	return func(m *Manager) {
		m.lookupPolicy = retry.Policy{Attempts: attempts, Backoff: backoff}
	}
}

func WithCreateRetry(attempts int, backoff time.Duration) Option {
	return func(m *Manager) {
		m.createPolicy = retry.Policy{Attempts: attempts, Backoff: backoff}
	}
}

func WithTerminateRetry(attempts int, backoff time.Duration) Option {
	return func(m *Manager) {
		m.terminatePolicy = retry.Policy{Attempts: attempts, Backoff: backoff}
	}
}

// WithPollInterval sets the time slept between readiness checks. One interval consumes one minute of the spool-up budget.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) {
		m.pollInterval = d
	}
}

func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(m *Manager) {
		m.metricsReg = reg
	}
}

func New(service clusteriface.Service, opts ...Option) (*Manager, error) {
	if service == nil {
		return nil, fmt.Errorf("a provisioning service is required")
	}
	m := &Manager{
		service:         service,
		defaults:        flow.Props{},
		lookupPolicy:    retry.Policy{Attempts: 5, Backoff: 30 * time.Second},
		createPolicy:    retry.Policy{Attempts: 2},
		terminatePolicy: retry.Policy{Attempts: 3, Backoff: 10 * time.Second},
		pollInterval:    time.Minute,
	}
	for _, o := range opts {
		o(m)
	}
	if m.log == nil {
		l, err := zap.NewProduction()
		if err != nil {
			return nil, fmt.Errorf("building logger: %w", err)
		}
		m.log = l.Sugar().Named("cluster_manager")
	}
	if m.registry == nil {
		m.registry = NewRegistry()
	}
	m.resolver = &Resolver{Service: service}
	m.metrics = NewMetrics(m.metricsReg, m.registry)
	return m, nil
}

func (m *Manager) Registry() *Registry { return m.registry }

func (m *Manager) Metrics() *Metrics { return m.metrics }

// CombinedProps merges the global defaults, the flow's cluster properties, and the flow's "cluster.*" input properties.
func (m *Manager) CombinedProps(fl *flow.Flow) flow.Props {
	return flow.Merge(m.defaults, fl.ClusterProps, fl.InputProps.WithPrefix(ConfigPrefix))
}

// flowLogger returns the logger for the flow's own log stream.
func (m *Manager) flowLogger(fl *flow.Flow) *zap.SugaredLogger {
	return m.log.Named(fl.String()).With(
		"execution_id", fl.ExecutionID,
		"project", fl.ProjectName,
		"flow_id", fl.FlowID,
	)
}

// HandleEvent dispatches a workflow engine notification to the matching Listener method.
func (m *Manager) HandleEvent(ctx context.Context, ev flow.Event) {
	if ev.Flow == nil {
		m.log.Warnf("ignoring %s event without a flow", ev.Type)
		return
	}
	switch ev.Type {
	case flow.EventFlowStarted:
		m.OnFlowStarted(ctx, ev.Flow)
	case flow.EventFlowFinished:
		m.OnFlowFinished(ctx, ev.Flow)
	default:
		m.flowLogger(ev.Flow).Debugf("ignoring event %s", ev.Type)
	}
}

// OnFlowStarted gets a cluster for the flow and blocks until it is usable.
// If that fails the flow is killed.
func (m *Manager) OnFlowStarted(ctx context.Context, fl *flow.Flow) {
	log := m.flowLogger(fl)
	log.Infof("handling %s", flow.EventFlowStarted)

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("unexpected error configuring cluster: %v", r)
			m.kill(ctx, fl, fmt.Sprintf("cluster manager error: %v", r), log)
		}
	}()

	ok, reason := m.configureFlow(ctx, fl, log)
	m.updateFlow(ctx, fl, log)
	if !ok {
		m.kill(ctx, fl, reason, log)
	}
}

// OnFlowFinished terminates the flow's cluster if it was created for it and nobody else needs it.
func (m *Manager) OnFlowFinished(ctx context.Context, fl *flow.Flow) {
	log := m.flowLogger(fl)
	log.Infof("handling %s with status %s", flow.EventFlowFinished, fl.Status)

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("unexpected error during cluster shutdown process, abandoning it: %v", r)
		}
	}()

	m.maybeTerminate(ctx, fl, m.CombinedProps(fl), log)
}

// configureFlow resolves the flow's execution mode and attaches a cluster to it.
// It returns false and a reason if the flow cannot run.
func (m *Manager) configureFlow(ctx context.Context, fl *flow.Flow, log *zap.SugaredLogger) (bool, string) {
	props := m.CombinedProps(fl)
	log.Infof("configuring cluster for flow %s", fl)
	log.Info("execution options:")
	for _, k := range props.WithPrefix(ConfigPrefix).Keys() {
		log.Infof("%s=%s", k, props[k])
	}

	mode := m.resolver.Mode(ctx, props, log)
	fl.SetClusterProp(KeyInternalMode, mode.String())

	var clusterID string
	switch mode {
	case ModeSpecific:
		clusterID = props.String(KeySelectID, "")
		endpoint, err := m.service.MasterEndpoint(ctx, clusterID)
		if err != nil {
			log.Warnf("unable to find master endpoint of cluster %s: %s", clusterID, err)
		}
		if endpoint != "" {
			m.setMasterEndpoint(fl, endpoint, log)
		}

	case ModeCreate:
		prevStatus := fl.Status
		fl.Status = flow.StatusCreatingCluster
		m.updateFlow(ctx, fl, log)

		name := m.resolver.ClusterName(fl, props, log)
		fl.SetClusterProp(KeyInternalClusterName, name)

		id, err := m.provision(ctx, name, props, log)
		if err != nil {
			m.metrics.ProvisioningFailures.Inc()
			log.Errorf("unable to get a cluster named %s: %s", name, err)
			return false, fmt.Sprintf("unable to find or create cluster %s", name)
		}

		timeout := props.Int(KeySpoolUpTimeout, DefaultSpoolUpTimeoutMinutes)
		log.Infof("getting master endpoint for cluster %s", id)
		endpoint, ok := m.waitForEndpoint(ctx, id, timeout, log)
		if !ok {
			m.metrics.ReadinessTimeouts.Inc()
			log.Errorf("cluster %s was not usable within %d minutes, releasing it", id, timeout)
			m.abandonCluster(ctx, id, name, log)
			return false, fmt.Sprintf("cluster %s (%s) was not ready within %d minutes", name, id, timeout)
		}
		m.setMasterEndpoint(fl, endpoint, log)
		fl.Status = prevStatus
		clusterID = id

	case ModeDefault:
		// nothing to do, the flow runs wherever the engine is configured to
	}

	if clusterID != "" {
		fl.SetClusterProp(KeyInternalClusterID, clusterID)
		m.logClusterSummary(ctx, clusterID, log)
	}

	log.Info("cluster configuration complete")
	return true, ""
}

func (m *Manager) logClusterSummary(ctx context.Context, id string, log *zap.SugaredLogger) {
	details, err := m.service.FindClusterByID(ctx, id)
	if err != nil {
		log.Warnf("unable to describe cluster %s: %s", id, err)
		return
	}
	log.Infof("cluster summary - id: %s", details.ID)
	log.Infof("cluster summary - status: %s", details.Status)
	if details.Endpoint != "" {
		log.Infof("cluster summary - endpoint: %s", details.Endpoint)
		log.Infof("cluster summary - hadoop master: http://%s:8088/cluster/apps", details.Endpoint)
	}
}

func (m *Manager) setMasterEndpoint(fl *flow.Flow, endpoint string, log *zap.SugaredLogger) {
	log.Infof("updating master endpoint with %s", endpoint)
	fl.SetInputProp(KeyMasterEndpoint, endpoint)
}

func (m *Manager) updateFlow(ctx context.Context, fl *flow.Flow, log *zap.SugaredLogger) {
	fl.UpdateTime = time.Now()
	if m.store == nil {
		return
	}
	if err := m.store.UpdateExecutableFlow(ctx, fl); err != nil {
		log.Errorf("failed to update flow: %s", err)
	}
}

func (m *Manager) kill(ctx context.Context, fl *flow.Flow, reason string, log *zap.SugaredLogger) {
	if m.killer == nil {
		log.Warnf("flow should be killed but no killer is configured: %s", reason)
		return
	}
	log.Infof("killing flow: %s", reason)
	if err := m.killer.KillFlow(ctx, fl, reason); err != nil {
		log.Errorf("failed to kill flow: %s", err)
	}
}
