package workflow

import (
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
)

// Register binds the order workflow and its activities to a worker.
func Register(w worker.Worker, a *Activities) {
	w.RegisterWorkflowWithOptions(OrderWorkflow, workflow.RegisterOptions{Name: Name})
	w.RegisterActivity(a)
}
