package flow

import (
	"fmt"
	"time"
)

// Status is the lifecycle status of a flow execution.
type Status string

const (
	StatusPreparing       Status = "PREPARING"
	StatusRunning         Status = "RUNNING"
	StatusCreatingCluster Status = "CREATING_CLUSTER"
	StatusPaused          Status = "PAUSED"
	StatusSucceeded       Status = "SUCCEEDED"
	StatusFailed          Status = "FAILED"
	StatusKilled          Status = "KILLED"
	StatusCancelled       Status = "CANCELLED"
	StatusFailedFinishing Status = "FAILED_FINISHING"
)

// IsFinished returns true if the flow will not run any further.
func (s Status) IsFinished() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusKilled, StatusCancelled:
		return true
	default:
		return false
	}
}

// Flow is one workflow execution.
// The workflow engine owns it; the cluster manager only touches ClusterProps and the
// master endpoint input property. A flow is handled by one goroutine at a time.
type Flow struct {
	ExecutionID int    `json:"execution_id"`
	ProjectName string `json:"project_name"`
	FlowID      string `json:"flow_id"`
	Status      Status `json:"status"`

	// InputProps are the flow parameters supplied at submission time.
	InputProps Props `json:"input_props,omitempty"`
	// ClusterProps are the execution options for cluster handling, including internal state written by the manager.
	ClusterProps Props `json:"cluster_props,omitempty"`

	UpdateTime time.Time `json:"update_time"`
}

func (f *Flow) SetClusterProp(key, value string) {
	if f.ClusterProps == nil {
		f.ClusterProps = Props{}
	}
	f.ClusterProps[key] = value
}

func (f *Flow) SetInputProp(key, value string) {
	if f.InputProps == nil {
		f.InputProps = Props{}
	}
	f.InputProps[key] = value
}

func (f *Flow) String() string {
	return fmt.Sprintf("%d.%s", f.ExecutionID, f.FlowID)
}

type EventType string

const (
	EventFlowStarted  EventType = "FLOW_STARTED"
	EventFlowFinished EventType = "FLOW_FINISHED"
)

// Event is a notification emitted by the workflow engine.
type Event struct {
	ID   string    `json:"id,omitempty"`
	Type EventType `json:"type"`
	Time time.Time `json:"time"`
	Flow *Flow     `json:"flow"`
}
