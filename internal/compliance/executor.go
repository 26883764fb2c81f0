package compliance

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"acme/pkg/logging"
)

const (
	// ExecutorIdleTTL is how long an executor waits for work before it
	// terminates itself. The pool respawns executors on demand.
	ExecutorIdleTTL = time.Minute

	// QueuePollTimeout keeps shutdown responsive while blocking on the
	// execution queue.
	QueuePollTimeout = 500 * time.Millisecond

	// executorPollSleep is the pause between empty polls.
	executorPollSleep = 100 * time.Millisecond
)

// Executor is one worker unit of the pool. It dequeues execution
// requests, runs evaluate or remediate on the request's module
// snapshot, and posts responses. Executors self-terminate after
// ExecutorIdleTTL without work.
type Executor struct {
	name           string
	executionQueue *Queue[*ExecutionRequest]
	responseQueue  *Queue[*ExecutionResponse]

	// shouldRun is the pool-wide run flag shared with the controller.
	shouldRun *atomic.Bool

	stopping     atomic.Bool
	alive        atomic.Bool
	executing    atomic.Bool
	idleTTL      time.Duration
	execTimeout  time.Duration
	lastActivity atomic.Int64 // unix nanos
}

// NewExecutor creates a named executor bound to the pool's queues and
// run flag. A positive execTimeout bounds each evaluate or remediate
// call; zero lets modules run to completion.
func NewExecutor(name string, executionQueue *Queue[*ExecutionRequest], responseQueue *Queue[*ExecutionResponse], shouldRun *atomic.Bool, idleTTL, execTimeout time.Duration) *Executor {
	if idleTTL <= 0 {
		idleTTL = ExecutorIdleTTL
	}
	e := &Executor{
		name:           name,
		executionQueue: executionQueue,
		responseQueue:  responseQueue,
		shouldRun:      shouldRun,
		idleTTL:        idleTTL,
		execTimeout:    execTimeout,
	}
	// alive from construction so the controller never prunes an executor
	// whose goroutine has not been scheduled yet
	e.alive.Store(true)
	e.touch()
	return e
}

func (e *Executor) Name() string      { return e.name }
func (e *Executor) IsAlive() bool     { return e.alive.Load() }
func (e *Executor) IsExecuting() bool { return e.executing.Load() }
func (e *Executor) IsStopping() bool  { return e.stopping.Load() }

// MarkStop asks the executor to exit after its current iteration.
func (e *Executor) MarkStop() { e.stopping.Store(true) }

func (e *Executor) touch() { e.lastActivity.Store(time.Now().UnixNano()) }

func (e *Executor) idleFor() time.Duration {
	return time.Since(time.Unix(0, e.lastActivity.Load()))
}

// Run is the executor loop. It returns when the pool stops, the
// executor is marked for shutdown, or the idle TTL expires. A faulty
// module can never take the loop down: every iteration runs behind a
// panic boundary.
func (e *Executor) Run(ctx context.Context) {
	defer e.alive.Store(false)
	e.touch()

	logging.Debug("Executor", "%s started", e.name)
	for {
		if !e.shouldRun.Load() || e.stopping.Load() {
			logging.Debug("Executor", "%s stopping", e.name)
			return
		}
		if e.idleFor() > e.idleTTL {
			logging.Debug("Executor", "%s idle TTL expired", e.name)
			return
		}
		if ctx.Err() != nil {
			return
		}

		req, ok := e.executionQueue.Fetch(QueuePollTimeout)
		if !ok {
			time.Sleep(executorPollSleep)
			continue
		}

		e.touch()
		e.runOne(ctx, req)
		e.touch()
	}
}

// runOne executes a single request end to end.
func (e *Executor) runOne(ctx context.Context, req *ExecutionRequest) {
	e.executing.Store(true)
	defer e.executing.Store(false)

	mod := req.ModuleSnapshot
	switch req.Action {
	case ActionRemediation:
		mod.SetStatus(ModuleRemediating)
	default:
		mod.SetStatus(ModuleEvaluating)
	}

	// first response announces the transition to executing; best-effort
	e.postResponse(&ExecutionResponse{
		RequestUUID:     req.UUID,
		RequestQueueKey: req.QueueKey(),
		ExecutionStatus: ExecNone,
		ModuleSnapshot:  mod.Clone(),
	})

	status := e.execute(ctx, req, mod)

	mod.SetStatus(ModuleIdle)
	if err := mod.Save(); err != nil {
		logging.Error("Executor", err, "%s failed to save state for module %s", e.name, mod.Identifier())
	}

	e.postResponse(&ExecutionResponse{
		RequestUUID:     req.UUID,
		RequestQueueKey: req.QueueKey(),
		ExecutionStatus: status,
		ModuleSnapshot:  mod.Clone(),
	})
}

// execute invokes the module wrapper under the optional per-module
// execution lock. Panics map to FATAL; they must not crash the pool.
func (e *Executor) execute(ctx context.Context, req *ExecutionRequest, mod *Module) (status ExecutionStatus) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Executor", fmt.Errorf("%v", r), "%s panicked executing module %s", e.name, mod.Identifier())
			status = ExecError | ExecFatal
		}
	}()

	if lock := mod.ExecutionLock(); lock != nil {
		lock.Lock()
		defer lock.Unlock()
	}

	if e.execTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.execTimeout)
		defer cancel()
	}

	switch req.Action {
	case ActionRemediation:
		res := mod.Remediate(ctx, req.Trigger, req.Data)
		return res.ExecutionStatus
	default:
		res := mod.Evaluate(ctx, req.Trigger, req.Data)
		return res.ExecutionStatus
	}
}

func (e *Executor) postResponse(resp *ExecutionResponse) {
	e.responseQueue.Put(resp)
}
