package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/guseggert/flowcluster/flow"
	"github.com/guseggert/flowcluster/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS execution_flows (
	exec_id       INTEGER PRIMARY KEY,
	project_name  TEXT NOT NULL,
	flow_id       TEXT NOT NULL,
	status        TEXT NOT NULL,
	input_props   JSONB NOT NULL DEFAULT '{}',
	cluster_props JSONB NOT NULL DEFAULT '{}',
	update_time   TIMESTAMPTZ NOT NULL
)`

// NewPool connects to PostgreSQL and checks the connection.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("new pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return pool, nil
}

// Store keeps flow executions in the execution_flows table.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// EnsureSchema creates the execution_flows table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *Store) UpdateExecutableFlow(ctx context.Context, fl *flow.Flow) error {
	input, err := json.Marshal(propsOrEmpty(fl.InputProps))
	if err != nil {
		return fmt.Errorf("marshal input props: %w", err)
	}
	cluster, err := json.Marshal(propsOrEmpty(fl.ClusterProps))
	if err != nil {
		return fmt.Errorf("marshal cluster props: %w", err)
	}
	updated := fl.UpdateTime
	if updated.IsZero() {
		updated = time.Now()
	}

	query := `
		INSERT INTO execution_flows (exec_id, project_name, flow_id, status, input_props, cluster_props, update_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (exec_id) DO UPDATE SET
			status = EXCLUDED.status,
			input_props = EXCLUDED.input_props,
			cluster_props = EXCLUDED.cluster_props,
			update_time = EXCLUDED.update_time
	`
	_, err = s.pool.Exec(ctx, query,
		fl.ExecutionID,
		fl.ProjectName,
		fl.FlowID,
		string(fl.Status),
		input,
		cluster,
		updated,
	)
	if err != nil {
		return fmt.Errorf("upsert flow %d: %w", fl.ExecutionID, err)
	}
	return nil
}

func (s *Store) LoadExecutableFlow(ctx context.Context, execID int) (*flow.Flow, error) {
	query := `
		SELECT exec_id, project_name, flow_id, status, input_props, cluster_props, update_time
		FROM execution_flows
		WHERE exec_id = $1
	`
	var (
		fl                  flow.Flow
		status              string
		input, clusterProps []byte
	)
	err := s.pool.QueryRow(ctx, query, execID).Scan(
		&fl.ExecutionID,
		&fl.ProjectName,
		&fl.FlowID,
		&status,
		&input,
		&clusterProps,
		&fl.UpdateTime,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get flow %d: %w", execID, err)
	}
	fl.Status = flow.Status(status)
	if err := json.Unmarshal(input, &fl.InputProps); err != nil {
		return nil, fmt.Errorf("unmarshal input props: %w", err)
	}
	if err := json.Unmarshal(clusterProps, &fl.ClusterProps); err != nil {
		return nil, fmt.Errorf("unmarshal cluster props: %w", err)
	}
	return &fl, nil
}

func propsOrEmpty(p flow.Props) flow.Props {
	if p == nil {
		return flow.Props{}
	}
	return p
}
