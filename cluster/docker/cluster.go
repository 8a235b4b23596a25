package docker

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	clusteriface "github.com/guseggert/flowcluster/cluster"
	"github.com/guseggert/flowcluster/flow"
	"github.com/guseggert/flowcluster/internal/net"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
)

// Configuration keys of Docker clusters.
const (
	KeyImage   = "cluster.docker.image"
	KeyPort    = "cluster.docker.port"
	KeyCommand = "cluster.docker.command"

	DefaultImage   = "fedora"
	DefaultPort    = 8088
	DefaultCommand = "sleep infinity"

	// LabelName is the container label holding the cluster name.
	LabelName    = "flowcluster.name"
	labelManaged = "flowcluster.managed"

	hostIP = "127.0.0.1"
)

// API is the subset of the Docker client used by the service.
type API interface {
	ImagePull(ctx context.Context, ref string, options types.ImagePullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *specs.Platform, containerName string) (container.ContainerCreateCreatedBody, error)
	ContainerStart(ctx context.Context, containerID string, options types.ContainerStartOptions) error
	ContainerList(ctx context.Context, options types.ContainerListOptions) ([]types.Container, error)
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerRemove(ctx context.Context, containerID string, options types.ContainerRemoveOptions) error
}

type CreateContainerConfig struct {
	Name             string
	ContainerConfig  *container.Config
	HostConfig       *container.HostConfig
	NetworkingConfig *network.NetworkingConfig
	Platform         *specs.Platform
}

// Service runs every cluster as a single Docker container, which is enough to exercise flows locally.
// The underlying host must have a Docker daemon running.
// This supports standard environment variables for configuring the Docker client (DOCKER_HOST etc.).
type Service struct {
	Log                   *zap.SugaredLogger
	DockerClient          API
	CreateContainerConfig func(*CreateContainerConfig) error

	pulledMut sync.Mutex
	pulled    map[string]bool
}

var _ clusteriface.Service = (*Service)(nil)

func (s *Service) WithLogger(l *zap.SugaredLogger) *Service {
	s.Log = l.Named("docker")
	return s
}

func (s *Service) WithCreateContainerConfig(f func(*CreateContainerConfig) error) *Service {
	s.CreateContainerConfig = f
	return s
}

func (s *Service) WithClient(c API) *Service {
	s.DockerClient = c
	return s
}

// NewService creates a Docker-backed service using the environment's Docker client configuration.
func NewService() (*Service, error) {
	log, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("instantiating default logger: %w", err)
	}
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("building Docker client: %w", err)
	}
	s := &Service{DockerClient: dockerClient, pulled: map[string]bool{}}
	return s.WithLogger(log.Sugar()), nil
}

func (s *Service) ensureImagePulled(ctx context.Context, image string) error {
	s.pulledMut.Lock()
	defer s.pulledMut.Unlock()
	if s.pulled == nil {
		s.pulled = map[string]bool{}
	}
	if s.pulled[image] {
		return nil
	}
	out, err := s.DockerClient.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		if out != nil {
			out.Close()
		}
		return err
	}
	defer out.Close()
	_, err = io.Copy(io.Discard, out)
	if err != nil {
		return fmt.Errorf("reading Docker pull response: %w", err)
	}
	s.pulled[image] = true
	return nil
}

// toStatus maps a Docker container state to a cluster status.
func toStatus(state string) clusteriface.Status {
	switch state {
	case "created", "restarting":
		return clusteriface.StatusPending
	case "running":
		return clusteriface.StatusReady
	case "removing":
		return clusteriface.StatusTerminating
	case "exited", "dead":
		return clusteriface.StatusTerminated
	default:
		return clusteriface.StatusUnknown
	}
}

func (s *Service) FindRunningClusterByName(ctx context.Context, name string, statuses []clusteriface.Status) (*clusteriface.Summary, error) {
	containers, err := s.DockerClient.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelName+"="+name)),
	})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}
	for _, c := range containers {
		st := toStatus(c.State)
		for _, want := range statuses {
			if st == want {
				return &clusteriface.Summary{ID: c.ID, Name: name, Status: st}, nil
			}
		}
	}
	return nil, nil
}

func (s *Service) inspect(ctx context.Context, id string) (types.ContainerJSON, error) {
	c, err := s.DockerClient.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return c, fmt.Errorf("inspecting container %q: %w", id, clusteriface.ErrNotFound)
		}
		return c, fmt.Errorf("inspecting container %q: %w", id, err)
	}
	if c.ContainerJSONBase == nil || c.State == nil {
		return c, fmt.Errorf("inspecting container %q: no state reported", id)
	}
	return c, nil
}

func endpoint(c types.ContainerJSON) string {
	if c.NetworkSettings == nil {
		return ""
	}
	if c.NetworkSettings.IPAddress != "" {
		return c.NetworkSettings.IPAddress
	}
	for _, n := range c.NetworkSettings.Networks {
		if n != nil && n.IPAddress != "" {
			return n.IPAddress
		}
	}
	return ""
}

func (s *Service) FindClusterByID(ctx context.Context, id string) (*clusteriface.Details, error) {
	c, err := s.inspect(ctx, id)
	if err != nil {
		return nil, err
	}
	d := &clusteriface.Details{
		ID:     c.ID,
		Status: toStatus(c.State.Status),
	}
	if c.Config != nil {
		d.Name = c.Config.Labels[LabelName]
	}
	if d.Status == clusteriface.StatusReady {
		d.Endpoint = endpoint(c)
	}
	return d, nil
}

func (s *Service) IsClusterReady(ctx context.Context, id string) (bool, error) {
	c, err := s.inspect(ctx, id)
	if err != nil {
		return false, err
	}
	return c.State.Running, nil
}

func (s *Service) MasterEndpoint(ctx context.Context, id string) (string, error) {
	c, err := s.inspect(ctx, id)
	if err != nil {
		return "", err
	}
	return endpoint(c), nil
}

func (s *Service) CreateCluster(ctx context.Context, name string, config flow.Props) (string, error) {
	image := config.String(KeyImage, DefaultImage)
	port := config.String(KeyPort, strconv.Itoa(DefaultPort))
	if n, err := strconv.Atoi(port); err != nil || n <= 0 || n > 65535 {
		return "", &clusteriface.ConfigError{Key: KeyPort, Value: port, Reason: "not a TCP port"}
	}
	command := strings.Fields(config.String(KeyCommand, DefaultCommand))
	if len(command) == 0 {
		return "", &clusteriface.ConfigError{Key: KeyCommand, Value: config[KeyCommand], Reason: "empty command"}
	}

	if err := s.ensureImagePulled(ctx, image); err != nil {
		return "", fmt.Errorf("pulling image %q: %w", image, err)
	}

	hostPort, err := net.EphemeralTCPPort(hostIP)
	if err != nil {
		return "", fmt.Errorf("acquiring ephemeral port: %w", err)
	}
	containerPort := nat.Port(port + "/tcp")

	ccConfig := CreateContainerConfig{
		ContainerConfig: &container.Config{
			Image:        image,
			Entrypoint:   command,
			ExposedPorts: nat.PortSet{containerPort: struct{}{}},
			Labels: map[string]string{
				LabelName:    name,
				labelManaged: "true",
			},
		},
		HostConfig: &container.HostConfig{
			PortBindings: nat.PortMap{containerPort: []nat.PortBinding{{HostIP: hostIP, HostPort: net.HostPort(hostPort)}}},
		},
		Name: "flowcluster-" + uuid.NewString()[:8],
	}

	if s.CreateContainerConfig != nil {
		err := s.CreateContainerConfig(&ccConfig)
		if err != nil {
			return "", fmt.Errorf("calling CreateContainerConfig function: %w", err)
		}
	}

	createResp, err := s.DockerClient.ContainerCreate(
		ctx,
		ccConfig.ContainerConfig,
		ccConfig.HostConfig,
		ccConfig.NetworkingConfig,
		ccConfig.Platform,
		ccConfig.Name,
	)
	if err != nil {
		return "", fmt.Errorf("creating Docker container: %w", err)
	}
	containerID := createResp.ID

	err = s.DockerClient.ContainerStart(ctx, containerID, types.ContainerStartOptions{})
	if err != nil {
		return "", fmt.Errorf("starting container %q: %w", containerID, err)
	}
	s.Log.Infow("started cluster container", "name", name, "container", ccConfig.Name, "id", containerID, "host_port", hostPort)
	return containerID, nil
}

func (s *Service) TerminateCluster(ctx context.Context, id string) (bool, error) {
	err := s.DockerClient.ContainerRemove(ctx, id, types.ContainerRemoveOptions{
		RemoveVolumes: true,
		Force:         true,
	})
	if err != nil {
		return false, fmt.Errorf("removing container %q: %w", id, err)
	}
	return true, nil
}
