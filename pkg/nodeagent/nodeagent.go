// Package nodeagent declares the Executor interface the transition
// orchestrator uses to push recovery-config tasks to a compute node's
// node-agent RPC surface, grounded on pkg/jobs/worker.go's
// PluginRefresher/PluginLookup split (avoid a circular dependency
// between orchestrator and whatever concrete RPC client is wired in).
package nodeagent

import (
	"context"
	"time"
)

// Task is the external RPC payload described in spec.md §4.6 step 6:
// "{action, pivtoken, recovery_uuid, template, token}".
type Task struct {
	Action       string
	PIVToken     string
	RecoveryUUID string
	Template     string
	Token        string
}

// TaskState is the terminal state of a submitted task.
type TaskState string

const (
	TaskComplete TaskState = "complete"
	TaskFailed   TaskState = "failed"
	TaskTimeout  TaskState = "timeout"
)

// WaitDeadline is the fixed deadline spec.md §4.6/§5 gives each
// node-agent wait.
const WaitDeadline = 5 * time.Minute

// Executor submits tasks to a compute node's node-agent and waits for
// their terminal state. Implementations must treat Submit and Wait as
// cancellable suspension points (spec.md §5).
type Executor interface {
	// Submit posts task to the node addressed by computeNodeUUID,
	// returning an external task id.
	Submit(ctx context.Context, computeNodeUUID string, task Task) (taskID string, err error)

	// Wait blocks until taskID reaches a terminal state or ctx is
	// done, whichever comes first.
	Wait(ctx context.Context, computeNodeUUID string, taskID string) (TaskState, error)
}
