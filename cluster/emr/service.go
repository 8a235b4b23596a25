package emr

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/emr"
	"github.com/aws/aws-sdk-go/service/emr/emriface"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	clusteriface "github.com/guseggert/flowcluster/cluster"
	"github.com/guseggert/flowcluster/flow"
	"go.uber.org/zap"
)

// Service provisions Amazon EMR clusters.
// This uses standard AWS profile env vars; with no configuration, this uses the default profile.
// The user/role used must be allowed to list, describe, run and terminate job flows,
// and to read the app configuration objects from S3.
type Service struct {
	config *config
}

var _ clusteriface.Service = (*Service)(nil)

func NewService() *Service {
	return &Service{config: &config{region: DefaultRegion}}
}

func (s *Service) WithLogger(l *zap.SugaredLogger) *Service {
	s.config.log = l.Named("emr")
	return s
}

func (s *Service) WithRegion(region string) *Service {
	s.config.region = region
	return s
}

func (s *Service) WithSession(sess *session.Session) *Service {
	s.config.session = sess
	return s
}

// WithClients overrides the AWS clients, mostly for tests.
func (s *Service) WithClients(emrClient emriface.EMRAPI, s3Client s3iface.S3API) *Service {
	s.config.emrClient = emrClient
	s.config.s3Client = s3Client
	return s
}

func collectPagesWithContext[IN any, OUT any](ctx context.Context, input IN, fn func(context.Context, IN, func(OUT, bool) bool, ...request.Option) error, opts ...request.Option) ([]OUT, error) {
	var out []OUT
	err := fn(ctx, input, func(output OUT, more bool) bool {
		out = append(out, output)
		return true
	}, opts...)
	return out, err
}

// toStatus maps an EMR cluster state to a cluster status.
func toStatus(state string) clusteriface.Status {
	switch state {
	case emr.ClusterStateStarting, emr.ClusterStateBootstrapping:
		return clusteriface.StatusPending
	case emr.ClusterStateRunning, emr.ClusterStateWaiting:
		return clusteriface.StatusReady
	case emr.ClusterStateTerminating:
		return clusteriface.StatusTerminating
	case emr.ClusterStateTerminated, emr.ClusterStateTerminatedWithErrors:
		return clusteriface.StatusTerminated
	default:
		return clusteriface.StatusUnknown
	}
}

// toStates maps cluster statuses to the EMR states they cover.
func toStates(statuses []clusteriface.Status) []*string {
	var states []*string
	for _, st := range statuses {
		switch st {
		case clusteriface.StatusPending:
			states = append(states, aws.String(emr.ClusterStateStarting), aws.String(emr.ClusterStateBootstrapping))
		case clusteriface.StatusReady:
			states = append(states, aws.String(emr.ClusterStateRunning), aws.String(emr.ClusterStateWaiting))
		case clusteriface.StatusTerminating:
			states = append(states, aws.String(emr.ClusterStateTerminating))
		case clusteriface.StatusTerminated:
			states = append(states, aws.String(emr.ClusterStateTerminated), aws.String(emr.ClusterStateTerminatedWithErrors))
		}
	}
	return states
}

func clusterState(st *emr.ClusterStatus) string {
	if st == nil {
		return ""
	}
	return aws.StringValue(st.State)
}

// isNotFound returns true if EMR rejected a request because the cluster id does not exist.
func isNotFound(err error) bool {
	var awsErr awserr.Error
	if !errors.As(err, &awsErr) {
		return false
	}
	return awsErr.Code() == emr.ErrCodeInvalidRequestException && strings.Contains(strings.ToLower(awsErr.Message()), "not valid")
}

func (s *Service) FindRunningClusterByName(ctx context.Context, name string, statuses []clusteriface.Status) (*clusteriface.Summary, error) {
	if err := s.config.ensureLoaded(); err != nil {
		return nil, err
	}
	pages, err := collectPagesWithContext(ctx, &emr.ListClustersInput{ClusterStates: toStates(statuses)}, s.config.emrClient.ListClustersPagesWithContext)
	if err != nil {
		return nil, fmt.Errorf("listing clusters: %w", err)
	}
	for _, page := range pages {
		for _, c := range page.Clusters {
			if aws.StringValue(c.Name) != name {
				continue
			}
			return &clusteriface.Summary{
				ID:     aws.StringValue(c.Id),
				Name:   name,
				Status: toStatus(clusterState(c.Status)),
			}, nil
		}
	}
	return nil, nil
}

func (s *Service) describe(ctx context.Context, id string) (*emr.Cluster, error) {
	if err := s.config.ensureLoaded(); err != nil {
		return nil, err
	}
	out, err := s.config.emrClient.DescribeClusterWithContext(ctx, &emr.DescribeClusterInput{ClusterId: aws.String(id)})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("describing cluster %q: %w", id, clusteriface.ErrNotFound)
		}
		return nil, fmt.Errorf("describing cluster %q: %w", id, err)
	}
	if out.Cluster == nil {
		return nil, fmt.Errorf("describing cluster %q: %w", id, clusteriface.ErrNotFound)
	}
	return out.Cluster, nil
}

func (s *Service) FindClusterByID(ctx context.Context, id string) (*clusteriface.Details, error) {
	c, err := s.describe(ctx, id)
	if err != nil {
		return nil, err
	}
	d := &clusteriface.Details{
		ID:     aws.StringValue(c.Id),
		Name:   aws.StringValue(c.Name),
		Status: toStatus(clusterState(c.Status)),
	}
	if d.Status == clusteriface.StatusReady {
		endpoint, err := s.MasterEndpoint(ctx, id)
		if err != nil {
			s.config.log.Warnf("finding master endpoint of %s: %s", id, err)
		}
		d.Endpoint = endpoint
	}
	return d, nil
}

func (s *Service) IsClusterReady(ctx context.Context, id string) (bool, error) {
	c, err := s.describe(ctx, id)
	if err != nil {
		return false, err
	}
	return toStatus(clusterState(c.Status)) == clusteriface.StatusReady, nil
}

// MasterEndpoint returns the private IP of the cluster's master instance.
func (s *Service) MasterEndpoint(ctx context.Context, id string) (string, error) {
	if err := s.config.ensureLoaded(); err != nil {
		return "", err
	}
	input := &emr.ListInstancesInput{
		ClusterId:          aws.String(id),
		InstanceGroupTypes: []*string{aws.String(emr.InstanceGroupTypeMaster)},
	}
	pages, err := collectPagesWithContext(ctx, input, s.config.emrClient.ListInstancesPagesWithContext)
	if err != nil {
		if isNotFound(err) {
			return "", fmt.Errorf("listing master instances of %q: %w", id, clusteriface.ErrNotFound)
		}
		return "", fmt.Errorf("listing master instances of %q: %w", id, err)
	}
	for _, page := range pages {
		for _, inst := range page.Instances {
			if ip := aws.StringValue(inst.PrivateIpAddress); ip != "" {
				return ip, nil
			}
		}
	}
	return "", nil
}

func (s *Service) CreateCluster(ctx context.Context, name string, config flow.Props) (string, error) {
	if err := s.config.ensureLoaded(); err != nil {
		return "", err
	}
	input, err := s.buildRunJobFlowInput(ctx, name, config)
	if err != nil {
		return "", fmt.Errorf("building request for cluster %q: %w", name, err)
	}
	s.config.log.Infow("creating EMR cluster",
		"name", name,
		"release_label", aws.StringValue(input.ReleaseLabel),
		"instance_groups", len(input.Instances.InstanceGroups),
	)
	out, err := s.config.emrClient.RunJobFlowWithContext(ctx, input)
	if err != nil {
		return "", fmt.Errorf("running job flow %q: %w", name, err)
	}
	return aws.StringValue(out.JobFlowId), nil
}

func (s *Service) TerminateCluster(ctx context.Context, id string) (bool, error) {
	if err := s.config.ensureLoaded(); err != nil {
		return false, err
	}
	_, err := s.config.emrClient.TerminateJobFlowsWithContext(ctx, &emr.TerminateJobFlowsInput{
		JobFlowIds: []*string{aws.String(id)},
	})
	if err != nil {
		return false, fmt.Errorf("terminating job flow %q: %w", id, err)
	}
	return true, nil
}
