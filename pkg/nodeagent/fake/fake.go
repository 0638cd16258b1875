// Package fake provides an in-memory nodeagent.Executor for tests,
// mirroring the shape of pkg/jobs/worker_test.go's mockRefresher.
package fake

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/fleetops/kbmapi/pkg/nodeagent"
)

// Executor is a deterministic, in-memory nodeagent.Executor. Tests set
// FailFor to force specific compute nodes to fail, and TasksSubmitted
// is populated for assertion.
type Executor struct {
	mu              sync.Mutex
	counter         int64
	FailFor         map[string]bool // computeNodeUUID -> force failure
	TasksSubmitted  []nodeagent.Task
}

// NewExecutor returns an Executor with every target succeeding by
// default.
func NewExecutor() *Executor {
	return &Executor{FailFor: make(map[string]bool)}
}

func (e *Executor) Submit(_ context.Context, computeNodeUUID string, task nodeagent.Task) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.TasksSubmitted = append(e.TasksSubmitted, task)
	id := atomic.AddInt64(&e.counter, 1)
	return fmt.Sprintf("task-%s-%d", computeNodeUUID, id), nil
}

func (e *Executor) Wait(_ context.Context, computeNodeUUID string, _ string) (nodeagent.TaskState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.FailFor[computeNodeUUID] {
		return nodeagent.TaskFailed, nil
	}
	return nodeagent.TaskComplete, nil
}
