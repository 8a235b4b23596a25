package store

import (
	"context"
	"errors"
	"sync"

	"github.com/guseggert/flowcluster/flow"
)

// ErrNotFound is returned when no flow is stored for an execution id.
var ErrNotFound = errors.New("flow not found")

// Store persists the state of flow executions.
type Store interface {
	UpdateExecutableFlow(ctx context.Context, fl *flow.Flow) error
	LoadExecutableFlow(ctx context.Context, execID int) (*flow.Flow, error)
}

// Memory is a goroutine-safe in-process Store.
type Memory struct {
	mut   sync.Mutex
	flows map[int]*flow.Flow
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{flows: map[int]*flow.Flow{}}
}

func (m *Memory) UpdateExecutableFlow(ctx context.Context, fl *flow.Flow) error {
	m.mut.Lock()
	defer m.mut.Unlock()
	m.flows[fl.ExecutionID] = copyFlow(fl)
	return nil
}

func (m *Memory) LoadExecutableFlow(ctx context.Context, execID int) (*flow.Flow, error) {
	m.mut.Lock()
	defer m.mut.Unlock()
	fl, ok := m.flows[execID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyFlow(fl), nil
}

func copyFlow(fl *flow.Flow) *flow.Flow {
	c := *fl
	c.InputProps = fl.InputProps.Clone()
	c.ClusterProps = fl.ClusterProps.Clone()
	return &c
}
