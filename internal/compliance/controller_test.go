package compliance

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestController(t *testing.T) (*Controller, *Registry) {
	t.Helper()
	reg := NewRegistry("", "", nil)
	c := NewController(ControllerConfig{Registry: reg})
	return c, reg
}

func installModule(reg *Registry, mod *Module) {
	reg.mu.Lock()
	reg.modules[mod.Identifier()] = mod
	reg.mu.Unlock()
}

func TestIdealExecutorCount(t *testing.T) {
	now := time.Now()

	queued := func(age time.Duration) *ExecutionRequest {
		return &ExecutionRequest{Status: ModuleQueued, Date: now.Add(-age)}
	}

	tests := []struct {
		name      string
		running   bool
		requests  []*ExecutionRequest
		executors int
		want      int
	}{
		{name: "stopped pool wants nothing", running: false,
			requests: []*ExecutionRequest{queued(0)}, want: 0},
		{name: "empty queue wants nothing", running: true, want: 0},
		{name: "one request one executor", running: true,
			requests: []*ExecutionRequest{queued(0)}, want: 1},
		{name: "three requests share one executor", running: true,
			requests: []*ExecutionRequest{queued(0), queued(0), queued(0)}, want: 1},
		{name: "six requests get two", running: true,
			requests: []*ExecutionRequest{queued(0), queued(0), queued(0), queued(0), queued(0), queued(0)}, want: 2},
		{name: "at capacity one executor per request", running: true,
			requests: func() []*ExecutionRequest {
				out := make([]*ExecutionRequest, 8)
				for i := range out {
					out[i] = queued(0)
				}
				return out
			}(), want: 8},
		{name: "never above the pool cap", running: true,
			requests: func() []*ExecutionRequest {
				out := make([]*ExecutionRequest, 20)
				for i := range out {
					out[i] = queued(0)
				}
				return out
			}(), want: 8},
		{name: "overqueued request scales past the ratio", running: true,
			requests:  []*ExecutionRequest{queued(ExecutionSLA + time.Second), queued(0)},
			executors: 1, want: 2},
		{name: "shrink target holds at current when overqueued", running: true,
			requests:  []*ExecutionRequest{queued(ExecutionSLA + time.Second), queued(0), queued(0)},
			executors: 2, want: 2},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := newTestController(t)
			c.clock = func() time.Time { return now }
			c.shouldRun.Store(tc.running)

			for i, req := range tc.requests {
				c.moduleQueueData[fmt.Sprintf("mod-%d.SCHEDULED", i)] = req
			}
			for i := 0; i < tc.executors; i++ {
				name := fmt.Sprintf("executor-%d", i)
				c.executors[name] = NewExecutor(name, c.executionQueue, c.responseQueue, &c.shouldRun, time.Hour, 0)
			}

			assert.Equal(t, tc.want, c.idealExecutorCount())
		})
	}
}

func TestTryQueueRequestDropsDuplicates(t *testing.T) {
	c, _ := newTestController(t)
	now := time.Now()
	c.clock = func() time.Time { return now }

	mod := NewModule(&fakePlugin{id: "a"}, "", "")
	mod.ApplySettings(Settings{Triggers: TriggerScheduled})

	first := c.TryQueueRequest(mod, TriggerScheduled, ActionEvaluation, nil)
	require.NotNil(t, first)
	assert.Equal(t, ModuleQueued, mod.Status())
	assert.Equal(t, 1, c.PendingRequests())

	// same (module, trigger) inside the threshold is dropped
	assert.Nil(t, c.TryQueueRequest(mod, TriggerScheduled, ActionEvaluation, nil))
	assert.Equal(t, 1, c.PendingRequests())

	// a different trigger is its own slot
	assert.NotNil(t, c.TryQueueRequest(mod, TriggerManual, ActionEvaluation, nil))
	assert.Equal(t, 2, c.PendingRequests())

	// past the threshold the stale entry is replaced
	now = now.Add(RequeueThreshold + time.Second)
	replaced := c.TryQueueRequest(mod, TriggerScheduled, ActionEvaluation, nil)
	require.NotNil(t, replaced)
	assert.NotEqual(t, first.UUID, replaced.UUID)
	assert.Equal(t, 2, c.PendingRequests())
}

func TestDeviceStatusIsNumericMax(t *testing.T) {
	c, reg := newTestController(t)

	compliant := NewModule(&fakePlugin{id: "ok", evaluate: evalResult(StatusCompliant)}, "", "")
	compliant.Evaluate(context.Background(), TriggerScheduled, nil)
	broken := NewModule(&fakePlugin{id: "broken", evaluate: evalResult(StatusError)}, "", "")
	broken.Evaluate(context.Background(), TriggerScheduled, nil)

	installModule(reg, compliant)
	assert.Equal(t, StatusCompliant, c.DeviceStatus())

	installModule(reg, broken)
	assert.Equal(t, StatusNoncompliant|StatusError, c.DeviceStatus())
}

func TestCheckDeviceStatusEmitsOnChange(t *testing.T) {
	var events []string
	reg := NewRegistry("", "", nil)
	c := NewController(ControllerConfig{
		Registry: reg,
		Emit: func(kind string, payload map[string]interface{}) {
			events = append(events, kind)
		},
	})

	// nothing loaded: status stays UNKNOWN, no event
	c.checkDeviceStatus()
	assert.Empty(t, events)

	mod := NewModule(&fakePlugin{id: "a", evaluate: evalResult(StatusNoncompliant)}, "", "")
	mod.Evaluate(context.Background(), TriggerScheduled, nil)
	installModule(reg, mod)

	c.checkDeviceStatus()
	require.Len(t, events, 1)
	assert.Equal(t, "ComplianceDeviceStatus", events[0])

	// unchanged status stays quiet
	c.checkDeviceStatus()
	assert.Len(t, events, 1)
}

func TestExecuteTriggerQueuesQualifiedModules(t *testing.T) {
	c, reg := newTestController(t)

	manual := NewModule(&fakePlugin{id: "manual"}, "", "")
	manual.ApplySettings(Settings{Triggers: TriggerManual})
	scheduledOnly := NewModule(&fakePlugin{id: "sched"}, "", "")
	scheduledOnly.ApplySettings(Settings{Triggers: TriggerScheduled})
	installModule(reg, manual)
	installModule(reg, scheduledOnly)

	assert.Equal(t, 1, c.ExecuteTrigger(TriggerManual, nil))
	assert.Equal(t, ModuleQueued, manual.Status())
	assert.Equal(t, ModuleIdle, scheduledOnly.Status())
}

func TestManualEvaluationIsSingleFlight(t *testing.T) {
	c, _ := newTestController(t)

	c.manualEval.Store(true)
	assert.True(t, c.ManualEvaluationRunning())
	assert.False(t, c.StartManualEvaluation(""))

	c.manualEval.Store(false)
	assert.True(t, c.StartManualEvaluation(""))
	// empty registry: the manual run drains immediately
	assert.Eventually(t, func() bool { return !c.ManualEvaluationRunning() },
		time.Second, 10*time.Millisecond)
}

func TestTickRunsDueModuleEndToEnd(t *testing.T) {
	c, reg := newTestController(t)
	c.shouldRun.Store(true)
	defer c.Stop()

	mod := NewModule(&fakePlugin{id: "a", evaluate: evalResult(StatusCompliant)}, "", "")
	mod.ApplySettings(Settings{
		Triggers:           TriggerScheduled,
		EvaluationInterval: Duration(24 * time.Hour),
	})
	installModule(reg, mod)

	require.Eventually(t, func() bool {
		c.Tick()
		return c.PendingRequests() == 0 && len(mod.StateSnapshot().EvaluationHistory) == 1
	}, 15*time.Second, 10*time.Millisecond)

	assert.Equal(t, ModuleIdle, mod.Status())
	assert.Equal(t, StatusCompliant, mod.ComplianceStatus())
}

func TestHandleResponseForUnloadedModuleIsDropped(t *testing.T) {
	c, _ := newTestController(t)

	mod := NewModule(&fakePlugin{id: "gone"}, "", "")
	key := QueueKey("gone", TriggerScheduled)
	c.moduleQueueData[key] = &ExecutionRequest{Status: ModuleQueued}

	c.handleResponse(&ExecutionResponse{
		RequestQueueKey: key,
		ExecutionStatus: ExecSuccess,
		ModuleSnapshot:  mod.Clone(),
	})
	assert.Equal(t, 0, c.PendingRequests())
}

func TestHandleResponseProgressUpdate(t *testing.T) {
	c, reg := newTestController(t)

	mod := NewModule(&fakePlugin{id: "a"}, "", "")
	installModule(reg, mod)
	key := QueueKey("a", TriggerScheduled)
	c.moduleQueueData[key] = &ExecutionRequest{Status: ModuleQueued}

	snapshot := mod.Clone()
	snapshot.SetStatus(ModuleEvaluating)
	c.handleResponse(&ExecutionResponse{
		RequestQueueKey: key,
		ExecutionStatus: ExecNone,
		ModuleSnapshot:  snapshot,
	})

	// a non-idle snapshot only advances status; the request stays tracked
	assert.Equal(t, ModuleEvaluating, mod.Status())
	assert.Equal(t, 1, c.PendingRequests())
	assert.Equal(t, ModuleEvaluating, c.moduleQueueData[key].Status)
}
