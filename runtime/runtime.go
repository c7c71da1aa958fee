// Package runtime defines the boundary to the external execution runtime
// that actually runs worker processes. The orchestrator hands it a dispatch
// and later receives an asynchronous result-delivery call; the core never
// blocks on the runtime inside a transaction.
package runtime

import "context"

// DispatchRequest is the payload handed to the execution runtime.
type DispatchRequest struct {
	TaskID      string `json:"task_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Priority    int    `json:"priority"`
}

// Runtime dispatches tasks to the external execution environment.
type Runtime interface {
	// Dispatch hands a task to the runtime. The runtime is expected to
	// deliver the outcome later via the orchestrator's result endpoint.
	Dispatch(ctx context.Context, req DispatchRequest) error
}
