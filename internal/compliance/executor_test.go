package compliance

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutorProcessesRequest(t *testing.T) {
	execQ := NewQueue[*ExecutionRequest]()
	respQ := NewQueue[*ExecutionResponse]()
	var shouldRun atomic.Bool
	shouldRun.Store(true)
	defer shouldRun.Store(false)

	ex := NewExecutor("executor-1", execQ, respQ, &shouldRun, time.Minute, 0)
	go ex.Run(context.Background())

	mod := NewModule(&fakePlugin{id: "a", evaluate: evalResult(StatusCompliant)}, "", "")
	req := NewExecutionRequest(mod, TriggerScheduled, ActionEvaluation, nil)
	execQ.Put(req)

	// first response announces the transition to executing
	progress, ok := respQ.Fetch(5 * time.Second)
	require.True(t, ok)
	assert.Equal(t, req.UUID, progress.RequestUUID)
	assert.Equal(t, ExecNone, progress.ExecutionStatus)
	assert.Equal(t, ModuleEvaluating, progress.ModuleSnapshot.Status())

	final, ok := respQ.Fetch(5 * time.Second)
	require.True(t, ok)
	assert.Equal(t, req.UUID, final.RequestUUID)
	assert.Equal(t, ExecSuccess, final.ExecutionStatus)
	assert.Equal(t, ModuleIdle, final.ModuleSnapshot.Status())
	assert.Len(t, final.ModuleSnapshot.StateSnapshot().EvaluationHistory, 1)
}

func TestExecutorContainsPluginPanic(t *testing.T) {
	execQ := NewQueue[*ExecutionRequest]()
	respQ := NewQueue[*ExecutionResponse]()
	var shouldRun atomic.Bool
	shouldRun.Store(true)
	defer shouldRun.Store(false)

	ex := NewExecutor("executor-1", execQ, respQ, &shouldRun, time.Minute, 0)
	go ex.Run(context.Background())

	mod := NewModule(&fakePlugin{id: "a", evaluate: func(context.Context, *Module, Trigger, map[string]interface{}) (*EvaluationResult, error) {
		panic("plugin bug")
	}}, "", "")
	execQ.Put(NewExecutionRequest(mod, TriggerScheduled, ActionEvaluation, nil))

	// progress response, then the fatal outcome
	_, ok := respQ.Fetch(5 * time.Second)
	require.True(t, ok)
	final, ok := respQ.Fetch(5 * time.Second)
	require.True(t, ok)
	assert.Equal(t, ExecError|ExecFatal, final.ExecutionStatus)
	assert.True(t, ex.IsAlive())
}

func TestExecutorIdleTTLExpires(t *testing.T) {
	execQ := NewQueue[*ExecutionRequest]()
	respQ := NewQueue[*ExecutionResponse]()
	var shouldRun atomic.Bool
	shouldRun.Store(true)
	defer shouldRun.Store(false)

	ex := NewExecutor("executor-1", execQ, respQ, &shouldRun, 50*time.Millisecond, 0)
	go ex.Run(context.Background())

	assert.Eventually(t, func() bool { return !ex.IsAlive() },
		5*time.Second, 20*time.Millisecond)
}

func TestExecutorTimesOutSlowModule(t *testing.T) {
	execQ := NewQueue[*ExecutionRequest]()
	respQ := NewQueue[*ExecutionResponse]()
	var shouldRun atomic.Bool
	shouldRun.Store(true)
	defer shouldRun.Store(false)

	ex := NewExecutor("executor-1", execQ, respQ, &shouldRun, time.Minute, 50*time.Millisecond)
	go ex.Run(context.Background())

	// the module honors the context and never finishes on its own
	mod := NewModule(&fakePlugin{id: "a", evaluate: func(ctx context.Context, _ *Module, _ Trigger, _ map[string]interface{}) (*EvaluationResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}, "", "")
	execQ.Put(NewExecutionRequest(mod, TriggerScheduled, ActionEvaluation, nil))

	_, ok := respQ.Fetch(5 * time.Second)
	require.True(t, ok)
	final, ok := respQ.Fetch(5 * time.Second)
	require.True(t, ok)
	assert.Equal(t, ExecError|ExecFatal, final.ExecutionStatus)
	assert.Equal(t, ModuleIdle, final.ModuleSnapshot.Status())
	assert.True(t, ex.IsAlive())
}

func TestExecutorStopsWhenMarked(t *testing.T) {
	execQ := NewQueue[*ExecutionRequest]()
	respQ := NewQueue[*ExecutionResponse]()
	var shouldRun atomic.Bool
	shouldRun.Store(true)
	defer shouldRun.Store(false)

	ex := NewExecutor("executor-1", execQ, respQ, &shouldRun, time.Hour, 0)
	go ex.Run(context.Background())

	ex.MarkStop()
	assert.Eventually(t, func() bool { return !ex.IsAlive() },
		5*time.Second, 20*time.Millisecond)
}

func TestSerializedPluginsShareOneLock(t *testing.T) {
	mod := NewModule(serializedPlugin{&fakePlugin{id: "a"}}, "", "")
	require.NotNil(t, mod.ExecutionLock())
	assert.Same(t, mod.ExecutionLock(), mod.Clone().ExecutionLock())

	plain := NewModule(&fakePlugin{id: "b"}, "", "")
	assert.Nil(t, plain.ExecutionLock())
}

// serializedPlugin opts a fakePlugin into serialized execution.
type serializedPlugin struct{ *fakePlugin }

func (serializedPlugin) SerializeExecution() bool { return true }
