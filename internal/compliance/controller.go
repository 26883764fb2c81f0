package compliance

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"acme/internal/metrics"
	"acme/internal/netstate"
	"acme/pkg/logging"
)

const (
	// RoutineTimerInterval paces the controller tick.
	RoutineTimerInterval = 5 * time.Second

	// ExecutionSLA is how long a queued request may wait before the pool
	// is considered overqueued.
	ExecutionSLA = 15 * time.Second

	// RequeueThreshold is the window within which a duplicate request
	// for the same (module, trigger) is dropped.
	RequeueThreshold = 10 * time.Minute

	// ExecutorShutdownWait is the initial grace period before polling
	// executors for termination.
	ExecutorShutdownWait = time.Second

	// DefaultMaxExecutors caps the pool.
	DefaultMaxExecutors = 8

	// responseDrainBatch bounds how many responses and proxy events a
	// single tick drains.
	responseDrainBatch = 25
)

// ProxyEvent is a telemetry event tunneled through the controller to
// the sink, either from the IPC surface or from modules.
type ProxyEvent struct {
	Kind    string
	Payload map[string]interface{}
}

// ControllerConfig wires the controller's collaborators.
type ControllerConfig struct {
	Registry     *Registry
	Qualifier    *Qualifier
	NetState     netstate.Detector
	Emit         EventFunc
	Metrics      *metrics.Compliance
	MaxExecutors int
	IdleTTL      time.Duration
	TickInterval time.Duration
	// ExecutionTimeout bounds a single evaluate or remediate call when
	// positive. Zero runs modules to completion.
	ExecutionTimeout time.Duration
}

// Controller owns the executor pool, runs the scheduled-trigger loop,
// drains the response queue, and aggregates device-level compliance.
type Controller struct {
	registry  *Registry
	qualifier *Qualifier
	netState  netstate.Detector
	emit      EventFunc
	metrics   *metrics.Compliance

	executionQueue *Queue[*ExecutionRequest]
	responseQueue  *Queue[*ExecutionResponse]
	proxyQueue     *Queue[ProxyEvent]

	// queueLock protects moduleQueueData.
	queueLock       sync.Mutex
	moduleQueueData map[string]*ExecutionRequest

	// loadLock sequences ticks, module reloads, and state merges.
	loadLock sync.Mutex

	executors    map[string]*Executor
	executorSeq  int
	maxExecutors int
	idleTTL      time.Duration
	execTimeout  time.Duration
	shouldRun    atomic.Bool

	deviceStatus ComplianceStatus

	manualEval atomic.Bool
	manualRem  atomic.Bool

	tickInterval time.Duration
	clock        func() time.Time

	runCtx    context.Context
	runCancel context.CancelFunc
	doneCh    chan struct{}
}

// NewController builds a stopped controller.
func NewController(cfg ControllerConfig) *Controller {
	maxExecutors := cfg.MaxExecutors
	if maxExecutors <= 0 {
		maxExecutors = DefaultMaxExecutors
	}
	qualifier := cfg.Qualifier
	if qualifier == nil {
		qualifier = NewQualifier()
	}
	ns := cfg.NetState
	if ns == nil {
		ns = netstate.Static{State: netstate.Offline | netstate.OffDomain | netstate.OffVPN}
	}
	tick := cfg.TickInterval
	if tick <= 0 {
		tick = RoutineTimerInterval
	}
	return &Controller{
		registry:        cfg.Registry,
		qualifier:       qualifier,
		netState:        ns,
		emit:            cfg.Emit,
		metrics:         cfg.Metrics,
		executionQueue:  NewQueue[*ExecutionRequest](),
		responseQueue:   NewQueue[*ExecutionResponse](),
		proxyQueue:      NewQueue[ProxyEvent](),
		moduleQueueData: make(map[string]*ExecutionRequest),
		executors:       make(map[string]*Executor),
		maxExecutors:    maxExecutors,
		idleTTL:         cfg.IdleTTL,
		execTimeout:     cfg.ExecutionTimeout,
		tickInterval:    tick,
		clock:           time.Now,
	}
}

// Registry exposes the module registry for the IPC surface.
func (c *Controller) Registry() *Registry { return c.registry }

// Start launches the controller tick loop.
func (c *Controller) Start(ctx context.Context) error {
	if c.shouldRun.Load() {
		return fmt.Errorf("compliance controller already running")
	}
	c.shouldRun.Store(true)
	c.runCtx, c.runCancel = context.WithCancel(ctx)
	c.doneCh = make(chan struct{})

	go c.runLoop()
	logging.Info("Compliance", "Controller started (max executors: %d)", c.maxExecutors)
	return nil
}

func (c *Controller) runLoop() {
	defer close(c.doneCh)
	ticker := time.NewTicker(c.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.runCtx.Done():
			return
		case <-ticker.C:
			if !c.shouldRun.Load() {
				return
			}
			c.Tick()
		}
	}
}

// Tick runs one scheduler pass. Every step catches and logs rather
// than letting a fault escape the loop.
func (c *Controller) Tick() {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Compliance", fmt.Errorf("%v", r), "Controller tick panicked")
		}
	}()

	c.loadLock.Lock()
	defer c.loadLock.Unlock()

	if c.metrics != nil {
		c.metrics.Ticks.Inc()
	}

	c.manageExecutionThreads()
	c.triggerScheduledModules()
	c.processExecutionResponses()
	c.checkDeviceStatus()
	c.drainProxyEvents()
}

// manageExecutionThreads prunes dead executors and reconciles the pool
// size against the overqueue heuristic.
func (c *Controller) manageExecutionThreads() {
	for name, ex := range c.executors {
		if !ex.IsAlive() {
			delete(c.executors, name)
		}
	}

	ideal := c.idealExecutorCount()
	current := len(c.executors)

	if current < ideal {
		for i := current; i < ideal; i++ {
			c.executorSeq++
			name := fmt.Sprintf("executor-%d", c.executorSeq)
			ex := NewExecutor(name, c.executionQueue, c.responseQueue, &c.shouldRun, c.idleTTL, c.execTimeout)
			c.executors[name] = ex
			go ex.Run(c.runCtxOrBackground())
		}
		logging.Debug("Compliance", "Scaled pool up to %d executors", len(c.executors))
	} else if current > ideal {
		c.markExecutorsForShutdown(current - ideal)
	}

	if c.metrics != nil {
		c.metrics.Executors.Set(float64(len(c.executors)))
	}
}

func (c *Controller) runCtxOrBackground() context.Context {
	if c.runCtx != nil {
		return c.runCtx
	}
	return context.Background()
}

// markExecutorsForShutdown prefers idle executors, then any executor
// not already stopping.
func (c *Controller) markExecutorsForShutdown(n int) {
	for _, ex := range c.executors {
		if n == 0 {
			return
		}
		if !ex.IsExecuting() && !ex.IsStopping() {
			ex.MarkStop()
			n--
		}
	}
	for _, ex := range c.executors {
		if n == 0 {
			return
		}
		if !ex.IsStopping() {
			ex.MarkStop()
			n--
		}
	}
}

// idealExecutorCount implements the overqueue heuristic over the
// tracked request map.
func (c *Controller) idealExecutorCount() int {
	if !c.shouldRun.Load() {
		return 0
	}

	c.queueLock.Lock()
	n := len(c.moduleQueueData)
	now := c.clock()
	overqueued := 0
	for _, req := range c.moduleQueueData {
		if req.Status == ModuleQueued && !req.Date.Add(ExecutionSLA).After(now) {
			overqueued++
		}
	}
	c.queueLock.Unlock()

	if c.metrics != nil {
		c.metrics.QueueDepth.Set(float64(n))
	}

	var ideal int
	switch {
	case n == 0:
		return 0
	case n < c.maxExecutors:
		ideal = (n + 2) / 3
	default:
		ideal = n
	}

	current := len(c.executors)
	if ideal < c.maxExecutors && overqueued > 0 {
		if current == ideal {
			ideal = current + overqueued
		} else if current > ideal {
			ideal = current
		}
	}

	if ideal > n {
		ideal = n
	}
	if ideal > c.maxExecutors {
		ideal = c.maxExecutors
	}
	return ideal
}

// triggerScheduledModules walks every idle module and queues due work.
func (c *Controller) triggerScheduledModules() {
	now := c.clock()
	current := c.netState.Current()

	for _, mod := range c.registry.List() {
		if mod.Status() != ModuleIdle {
			continue
		}
		if reasons := c.qualifier.Qualify(mod, TriggerScheduled, current, nil); reasons != Qualified {
			logging.Debug("Compliance", "Module %s not qualified for SCHEDULED: %s", mod.Identifier(), reasons)
			continue
		}

		switch {
		case mod.IsEvaluationTime(now):
			c.TryQueueRequest(mod, TriggerScheduled, ActionEvaluation, nil)
		case mod.IsRemediationTime(now):
			c.TryQueueRequest(mod, TriggerScheduled, ActionRemediation, nil)
		}
	}
}

// TryQueueRequest queues one execution for the module unless an
// in-flight request for the same (module, trigger) is younger than the
// requeue threshold. Returns the tracked request, or nil when dropped.
func (c *Controller) TryQueueRequest(mod *Module, trigger Trigger, action Action, data map[string]interface{}) *ExecutionRequest {
	key := QueueKey(mod.Identifier(), trigger)

	c.queueLock.Lock()
	if existing, ok := c.moduleQueueData[key]; ok {
		if c.clock().Sub(existing.Date) < RequeueThreshold {
			c.queueLock.Unlock()
			return nil
		}
		logging.Warn("Compliance", "Request %s exceeded requeue threshold, replacing", key)
	}

	req := NewExecutionRequest(mod, trigger, action, data)
	req.Date = c.clock()
	c.moduleQueueData[key] = req
	c.queueLock.Unlock()

	// any failure past this point rolls the module back to IDLE
	if err := c.enqueue(req); err != nil {
		logging.Error("Compliance", err, "Failed to enqueue request for module %s", mod.Identifier())
		c.queueLock.Lock()
		delete(c.moduleQueueData, key)
		c.queueLock.Unlock()
		mod.SetStatus(ModuleIdle)
		return nil
	}

	mod.SetStatus(ModuleQueued)
	if c.metrics != nil {
		c.metrics.RequestsQueued.Inc()
	}
	return req
}

func (c *Controller) enqueue(req *ExecutionRequest) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("execution queue put failed: %v", r)
		}
	}()
	c.executionQueue.Put(req.Clone())
	return nil
}

// processExecutionResponses drains up to responseDrainBatch responses,
// merging each returning snapshot into the live registry entry.
func (c *Controller) processExecutionResponses() {
	for i := 0; i < responseDrainBatch; i++ {
		resp, ok := c.responseQueue.Fetch(QueuePollTimeout)
		if !ok {
			return
		}
		c.handleResponse(resp)
		if c.metrics != nil {
			c.metrics.ResponsesProcessed.Inc()
		}
	}
}

func (c *Controller) handleResponse(resp *ExecutionResponse) {
	identifier := resp.ModuleSnapshot.Identifier()
	live, ok := c.registry.Get(identifier)
	if !ok {
		logging.Warn("Compliance", "Response for unloaded module %s dropped", identifier)
		c.queueLock.Lock()
		delete(c.moduleQueueData, resp.RequestQueueKey)
		c.queueLock.Unlock()
		return
	}

	snapshotStatus := resp.ModuleSnapshot.Status()
	if snapshotStatus == ModuleIdle {
		live.MergeRuntimeState(resp.ModuleSnapshot)
		c.queueLock.Lock()
		delete(c.moduleQueueData, resp.RequestQueueKey)
		c.queueLock.Unlock()
	} else {
		// progress update only
		live.SetStatus(snapshotStatus)
		c.queueLock.Lock()
		if tracked, ok := c.moduleQueueData[resp.RequestQueueKey]; ok {
			tracked.Status = snapshotStatus
		}
		c.queueLock.Unlock()
	}
}

// DeviceStatus is the numeric max over every module's computed status.
func (c *Controller) DeviceStatus() ComplianceStatus {
	var device ComplianceStatus
	now := c.clock()
	for _, mod := range c.registry.List() {
		if s := mod.ComplianceStatusAt(now); s > device {
			device = s
		}
	}
	return device
}

func (c *Controller) checkDeviceStatus() {
	device := c.DeviceStatus()
	if device == c.deviceStatus {
		return
	}
	old := c.deviceStatus
	c.deviceStatus = device
	if c.metrics != nil {
		c.metrics.DeviceStatus.Set(float64(device))
	}
	logging.Info("Compliance", "Device status changed: %s -> %s", old, device)
	if c.emit != nil {
		c.emit("ComplianceDeviceStatus", map[string]interface{}{
			"old_status": uint32(old),
			"new_status": uint32(device),
			"time":       c.clock().UTC(),
		})
	}
}

// CommitEvent enqueues a telemetry event for forwarding to the sink on
// the next tick.
func (c *Controller) CommitEvent(kind string, payload map[string]interface{}) {
	c.proxyQueue.Put(ProxyEvent{Kind: kind, Payload: payload})
}

func (c *Controller) drainProxyEvents() {
	for i := 0; i < responseDrainBatch; i++ {
		ev, ok := c.proxyQueue.Fetch(QueuePollTimeout)
		if !ok {
			return
		}
		if c.emit != nil {
			c.emit(ev.Kind, ev.Payload)
		}
	}
}

// ExecuteTrigger runs the qualifier for every loaded module and queues
// the qualified ones. The action defaults to evaluation unless the
// request data names one.
func (c *Controller) ExecuteTrigger(trigger Trigger, data map[string]interface{}) int {
	action := ActionEvaluation
	if data != nil {
		if a, ok := data["action"].(string); ok && Action(a) == ActionRemediation {
			action = ActionRemediation
		}
	}

	current := c.netState.Current()
	queued := 0
	for _, mod := range c.registry.List() {
		if reasons := c.qualifier.Qualify(mod, trigger, current, data); reasons != Qualified {
			continue
		}
		if mod.Status() != ModuleIdle {
			continue
		}
		if c.TryQueueRequest(mod, trigger, action, data) != nil {
			queued++
		}
	}
	return queued
}

// PendingRequests reports the size of the tracked request map.
func (c *Controller) PendingRequests() int {
	c.queueLock.Lock()
	defer c.queueLock.Unlock()
	return len(c.moduleQueueData)
}

// ExecutorCount reports live executors.
func (c *Controller) ExecutorCount() int {
	c.loadLock.Lock()
	defer c.loadLock.Unlock()
	n := 0
	for _, ex := range c.executors {
		if ex.IsAlive() {
			n++
		}
	}
	return n
}

// Stop initiates graceful shutdown: no new work is dequeued, in-flight
// work completes, and the call blocks until every executor reports
// dead.
func (c *Controller) Stop() {
	if !c.shouldRun.Swap(false) {
		return
	}
	if c.runCancel != nil {
		c.runCancel()
	}
	if c.doneCh != nil {
		<-c.doneCh
	}

	time.Sleep(ExecutorShutdownWait)
	for {
		alive := 0
		c.loadLock.Lock()
		for _, ex := range c.executors {
			if ex.IsAlive() {
				alive++
			}
		}
		c.loadLock.Unlock()
		if alive == 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	c.executionQueue.Close()
	c.responseQueue.Close()
	c.proxyQueue.Close()
	logging.Info("Compliance", "Controller stopped")
}

// Running reports whether the controller accepts work.
func (c *Controller) Running() bool { return c.shouldRun.Load() }

// --- manual trigger surface -------------------------------------------------

// StartManualEvaluation queues a manual evaluation for one module (or
// all when identifier is empty) and tracks completion so the IPC
// surface can poll. Returns false when a manual evaluation is already
// running.
func (c *Controller) StartManualEvaluation(identifier string) bool {
	if !c.manualEval.CompareAndSwap(false, true) {
		return false
	}
	go c.runManual(identifier, ActionEvaluation, &c.manualEval)
	return true
}

// StartManualRemediation mirrors StartManualEvaluation for remediation.
func (c *Controller) StartManualRemediation(identifier string) bool {
	if !c.manualRem.CompareAndSwap(false, true) {
		return false
	}
	go c.runManual(identifier, ActionRemediation, &c.manualRem)
	return true
}

// ManualEvaluationRunning reports an in-flight manual evaluation.
func (c *Controller) ManualEvaluationRunning() bool { return c.manualEval.Load() }

// ManualRemediationRunning reports an in-flight manual remediation.
func (c *Controller) ManualRemediationRunning() bool { return c.manualRem.Load() }

func (c *Controller) runManual(identifier string, action Action, flag *atomic.Bool) {
	defer flag.Store(false)
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Compliance", fmt.Errorf("%v", r), "Manual %s panicked", action)
		}
	}()

	current := c.netState.Current()
	var keys []string
	for _, mod := range c.registry.List() {
		if identifier != "" && mod.Identifier() != identifier {
			continue
		}
		if reasons := c.qualifier.Qualify(mod, TriggerManual, current, nil); reasons != Qualified {
			logging.Info("Compliance", "Module %s not qualified for MANUAL: %s", mod.Identifier(), reasons)
			continue
		}
		if req := c.TryQueueRequest(mod, TriggerManual, action, nil); req != nil {
			keys = append(keys, req.QueueKey())
		}
	}

	// wait for the queued requests to drain
	for len(keys) > 0 {
		if !c.shouldRun.Load() {
			return
		}
		time.Sleep(QueuePollTimeout)
		c.queueLock.Lock()
		remaining := keys[:0]
		for _, key := range keys {
			if _, ok := c.moduleQueueData[key]; ok {
				remaining = append(remaining, key)
			}
		}
		keys = remaining
		c.queueLock.Unlock()
	}
}
