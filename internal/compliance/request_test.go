package compliance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueKeyFormat(t *testing.T) {
	assert.Equal(t, "firewall.SCHEDULED", QueueKey("firewall", TriggerScheduled))
	assert.Equal(t, "firewall.MANUAL", QueueKey("firewall", TriggerManual))
}

func TestNewExecutionRequestSnapshotsModule(t *testing.T) {
	mod := NewModule(&fakePlugin{id: "a", evaluate: evalResult(StatusCompliant)}, "", "")

	req := NewExecutionRequest(mod, TriggerScheduled, ActionEvaluation, map[string]interface{}{"k": "v"})
	require.NotNil(t, req)
	assert.NotEmpty(t, req.UUID)
	assert.Equal(t, ModuleQueued, req.Status)
	assert.Equal(t, "a.SCHEDULED", req.QueueKey())

	// the snapshot is isolated from the live module
	req.ModuleSnapshot.Evaluate(context.Background(), TriggerScheduled, nil)
	assert.Len(t, mod.StateSnapshot().EvaluationHistory, 0)
}

func TestExecutionRequestCloneIsDeep(t *testing.T) {
	mod := NewModule(&fakePlugin{id: "a"}, "", "")
	req := NewExecutionRequest(mod, TriggerManual, ActionRemediation, map[string]interface{}{"k": "v"})

	clone := req.Clone()
	clone.Data["k"] = "mutated"
	assert.Equal(t, "v", req.Data["k"])
	assert.NotSame(t, req.ModuleSnapshot, clone.ModuleSnapshot)
	assert.Equal(t, req.UUID, clone.UUID)
}
