package compliance

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Action names what an execution request asks the executor to run.
type Action string

const (
	ActionEvaluation  Action = "evaluation"
	ActionRemediation Action = "remediation"
)

// ExecutionRequest is the work item passed from the controller to the
// executor pool. ModuleSnapshot is a deep copy so the executor never
// touches the live registry entry.
type ExecutionRequest struct {
	UUID           string
	ModuleSnapshot *Module
	Trigger        Trigger
	Action         Action
	Data           map[string]interface{}
	Date           time.Time

	// Status mirrors the module status the request is in, used by the
	// overqueue heuristic.
	Status ModuleStatus
}

// NewExecutionRequest builds a request around a fresh snapshot of mod.
func NewExecutionRequest(mod *Module, trigger Trigger, action Action, data map[string]interface{}) *ExecutionRequest {
	return &ExecutionRequest{
		UUID:           uuid.NewString(),
		ModuleSnapshot: mod.Clone(),
		Trigger:        trigger,
		Action:         action,
		Data:           cloneData(data),
		Date:           time.Now(),
		Status:         ModuleQueued,
	}
}

// QueueKey uniquely identifies the (module, trigger) pair within the
// execution queue.
func (r *ExecutionRequest) QueueKey() string {
	return QueueKey(r.ModuleSnapshot.Identifier(), r.Trigger)
}

// QueueKey derives the execution-queue key for a module and trigger.
func QueueKey(identifier string, trigger Trigger) string {
	return fmt.Sprintf("%s.%s", identifier, trigger)
}

// Clone deep-copies the request, including the module snapshot.
func (r *ExecutionRequest) Clone() *ExecutionRequest {
	out := *r
	out.ModuleSnapshot = r.ModuleSnapshot.Clone()
	out.Data = cloneData(r.Data)
	return &out
}

// ExecutionResponse reports progress and completion from an executor
// back to the controller. ModuleSnapshot is a deep copy taken after
// execution.
type ExecutionResponse struct {
	RequestUUID     string
	RequestQueueKey string
	ExecutionStatus ExecutionStatus
	ModuleSnapshot  *Module
}
