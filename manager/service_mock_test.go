package manager

import (
	"context"

	clusteriface "github.com/guseggert/flowcluster/cluster"
	"github.com/guseggert/flowcluster/flow"
	"github.com/stretchr/testify/mock"
)

type mockService struct{ mock.Mock }

func (m *mockService) FindRunningClusterByName(ctx context.Context, name string, statuses []clusteriface.Status) (*clusteriface.Summary, error) {
	args := m.Called(ctx, name, statuses)
	s, _ := args.Get(0).(*clusteriface.Summary)
	return s, args.Error(1)
}

func (m *mockService) FindClusterByID(ctx context.Context, id string) (*clusteriface.Details, error) {
	args := m.Called(ctx, id)
	d, _ := args.Get(0).(*clusteriface.Details)
	return d, args.Error(1)
}

func (m *mockService) IsClusterReady(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *mockService) MasterEndpoint(ctx context.Context, id string) (string, error) {
	args := m.Called(ctx, id)
	return args.String(0), args.Error(1)
}

func (m *mockService) CreateCluster(ctx context.Context, name string, config flow.Props) (string, error) {
	args := m.Called(ctx, name, config)
	return args.String(0), args.Error(1)
}

func (m *mockService) TerminateCluster(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}
