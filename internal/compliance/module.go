package compliance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"acme/internal/netstate"
	"acme/pkg/logging"
)

// Plugin is the capability set a compliance plugin implements. A plugin
// is stateless: all persisted settings and runtime state live on the
// Module that wraps it.
type Plugin interface {
	Identifier() string
	Name() string
	Version() string

	// Evaluate checks one compliance dimension and returns the outcome.
	// The module passed in is the executor's working copy.
	Evaluate(ctx context.Context, mod *Module, trigger Trigger, data map[string]interface{}) (*EvaluationResult, error)
}

// Remediator is an optional interface for plugins that can fix what
// they find.
type Remediator interface {
	Remediate(ctx context.Context, mod *Module, trigger Trigger, data map[string]interface{}) (*RemediationResult, error)
}

// SupportFileProvider is an optional interface for plugins that produce
// evidence artifacts during evaluation.
type SupportFileProvider interface {
	SupportFiles(mod *Module) []SupportFile
}

// DirLayout is an optional interface for plugins that need a directory
// instead of a single file for state or manifest storage.
type DirLayout interface {
	NeedsStateDir() bool
	NeedsManifestDir() bool
}

// Serializer is an optional interface for plugins that want their own
// execution lock, serializing evaluate and remediate across executors.
type Serializer interface {
	SerializeExecution() bool
}

// Settings is the policy and cadence configuration of a module, loaded
// from its manifest and replaceable at runtime by the configuration
// controller.
type Settings struct {
	Name             string         `json:"name"`
	Priority         int            `json:"priority"`
	Triggers         Trigger        `json:"triggers"`
	Prerequisites    netstate.State `json:"prerequisites"`
	EnforceIsolation bool           `json:"enforce_isolation"`
	CanRemediate     bool           `json:"can_remediate"`
	AutoRemediate    bool           `json:"auto_remediate"`
	Exempt           bool           `json:"exempt"`
	ExemptUntil      *time.Time     `json:"exempt_until,omitempty"`

	EvaluationInterval       Duration `json:"evaluation_interval"`
	RetryEvaluationInterval  Duration `json:"retry_evaluation_interval,omitempty"`
	EvaluationSkew           Duration `json:"evaluation_skew,omitempty"`
	RemediationInterval      Duration `json:"remediation_interval,omitempty"`
	RetryRemediationInterval Duration `json:"retry_remediation_interval,omitempty"`
	RemediationSkew          Duration `json:"remediation_skew,omitempty"`
	MinEvaluationInterval    Duration `json:"min_evaluation_interval,omitempty"`
	Gracetime                Duration `json:"gracetime,omitempty"`
	IsolationGracetime       Duration `json:"isolation_gracetime,omitempty"`

	MaxHistory int `json:"max_history,omitempty"`

	// Params carries module-specific settings opaque to the scheduler.
	Params map[string]interface{} `json:"params,omitempty"`
}

// DefaultMaxHistory bounds the evaluation and remediation history lists.
const DefaultMaxHistory = 10

func (s *Settings) maxHistory() int {
	if s.MaxHistory > 0 {
		return s.MaxHistory
	}
	return DefaultMaxHistory
}

// State is the persisted runtime state of a module. These are exactly
// the keys preserved across hot replacement and merged back from
// executor responses.
type State struct {
	LastEvaluationResult  *EvaluationResult    `json:"last_evaluation_result,omitempty"`
	LastRemediationResult *RemediationResult   `json:"last_remediation_result,omitempty"`
	EvaluationHistory     []*EvaluationResult  `json:"evaluation_history,omitempty"`
	RemediationHistory    []*RemediationResult `json:"remediation_history,omitempty"`
	FirstFailureDate      *time.Time           `json:"first_failure_date,omitempty"`
	LastKnownCompliant    *time.Time           `json:"last_known_compliant,omitempty"`
	LastKnownNoncompliant *time.Time           `json:"last_known_noncompliant,omitempty"`
	LastComplianceStatus  ComplianceStatus     `json:"last_compliance_status"`
}

func (s *State) clone() State {
	out := State{
		LastEvaluationResult:  s.LastEvaluationResult.Clone(),
		LastRemediationResult: s.LastRemediationResult.Clone(),
		FirstFailureDate:      cloneTime(s.FirstFailureDate),
		LastKnownCompliant:    cloneTime(s.LastKnownCompliant),
		LastKnownNoncompliant: cloneTime(s.LastKnownNoncompliant),
		LastComplianceStatus:  s.LastComplianceStatus,
	}
	for _, r := range s.EvaluationHistory {
		out.EvaluationHistory = append(out.EvaluationHistory, r.Clone())
	}
	for _, r := range s.RemediationHistory {
		out.RemediationHistory = append(out.RemediationHistory, r.Clone())
	}
	return out
}

// StatusChangeCallback is invoked when a module's computed compliance
// status changes. Callback panics and errors are contained by the module.
type StatusChangeCallback func(newStatus, oldStatus ComplianceStatus, mod *Module)

// Module wraps a plugin with its settings, persisted state, and
// scheduler bookkeeping. The registry owns the live instance; executors
// work on deep copies and the controller merges results back.
type Module struct {
	mu     sync.Mutex
	plugin Plugin

	settings Settings
	state    State
	status   ModuleStatus

	manifestPath string
	statePath    string

	supportFiles []SupportFile

	currentEvalSkew time.Duration
	currentRemSkew  time.Duration

	// execLock, when set, serializes evaluate/remediate for this module
	// across all executors. Shared between the live module and its clones.
	execLock *sync.Mutex

	statusCallbacks []StatusChangeCallback

	clock func() time.Time
}

// NewModule wraps a plugin. Paths may be empty for modules running in
// degraded mode without persistence.
func NewModule(plugin Plugin, manifestPath, statePath string) *Module {
	m := &Module{
		plugin:       plugin,
		manifestPath: manifestPath,
		statePath:    statePath,
		status:       ModuleIdle,
		clock:        time.Now,
	}
	if s, ok := plugin.(Serializer); ok && s.SerializeExecution() {
		m.execLock = &sync.Mutex{}
	}
	m.rollSkewsLocked()
	return m
}

func (m *Module) Identifier() string { return m.plugin.Identifier() }
func (m *Module) Name() string       { return m.plugin.Name() }
func (m *Module) Version() string    { return m.plugin.Version() }
func (m *Module) Plugin() Plugin     { return m.plugin }

// Settings returns a copy of the module settings.
func (m *Module) Settings() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

// ApplySettings swaps the module settings, used by the configuration
// controller when policy changes arrive.
func (m *Module) ApplySettings(s Settings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = s
	m.rollSkewsLocked()
}

// Status returns the scheduler state of the module.
func (m *Module) Status() ModuleStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// SetStatus updates the scheduler state of the module.
func (m *Module) SetStatus(s ModuleStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = s
}

// LastEvaluationResult returns a copy of the most recent evaluation
// outcome, or nil when the module has never run.
func (m *Module) LastEvaluationResult() *EvaluationResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.LastEvaluationResult.Clone()
}

// LastRemediationResult returns a copy of the most recent remediation
// outcome, or nil.
func (m *Module) LastRemediationResult() *RemediationResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.LastRemediationResult.Clone()
}

// StateSnapshot returns a deep copy of the persisted state.
func (m *Module) StateSnapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

// RegisterSupportFile records an evidence artifact the module produces.
// Hashes are refreshed when results are assembled.
func (m *Module) RegisterSupportFile(sf SupportFile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.supportFiles {
		if existing.Name == sf.Name {
			m.supportFiles[i] = sf
			return
		}
	}
	m.supportFiles = append(m.supportFiles, sf)
}

// OnStatusChange registers a callback fired when the computed
// compliance status changes.
func (m *Module) OnStatusChange(cb StatusChangeCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusCallbacks = append(m.statusCallbacks, cb)
}

// ExecutionLock returns the optional per-module execution lock.
func (m *Module) ExecutionLock() *sync.Mutex { return m.execLock }

// Load restores settings from the manifest and runtime state from the
// state path. Missing files are not errors: a module may run for the
// first time or in degraded mode.
func (m *Module) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.manifestPath != "" {
		data, err := os.ReadFile(m.manifestPath)
		switch {
		case err == nil:
			var s Settings
			if err := json.Unmarshal(data, &s); err != nil {
				return fmt.Errorf("malformed manifest for module %s: %w", m.plugin.Identifier(), err)
			}
			m.settings = s
		case errors.Is(err, os.ErrNotExist):
			logging.Debug("Module", "No manifest for module %s, using plugin defaults", m.plugin.Identifier())
		default:
			return fmt.Errorf("failed to read manifest for module %s: %w", m.plugin.Identifier(), err)
		}
	}

	if m.statePath != "" {
		data, err := os.ReadFile(m.statePath)
		switch {
		case err == nil:
			var st State
			if err := json.Unmarshal(data, &st); err != nil {
				return fmt.Errorf("malformed state for module %s: %w", m.plugin.Identifier(), err)
			}
			m.state = st
		case errors.Is(err, os.ErrNotExist):
			// first run
		default:
			return fmt.Errorf("failed to read state for module %s: %w", m.plugin.Identifier(), err)
		}
	}

	m.rollSkewsLocked()
	return nil
}

// Save persists the runtime state. Settings are read-only from the
// module's point of view and are never written back.
func (m *Module) Save() error {
	m.mu.Lock()
	statePath := m.statePath
	st := m.state.clone()
	m.mu.Unlock()

	if statePath == "" {
		return nil
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state for module %s: %w", m.Identifier(), err)
	}
	tmp := statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write state for module %s: %w", m.Identifier(), err)
	}
	return os.Rename(tmp, statePath)
}

// Clone returns a deep copy for executor isolation. The plugin and the
// execution lock are shared; callbacks are not carried over so a clone
// never fires controller notifications.
func (m *Module) Clone() *Module {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := &Module{
		plugin:          m.plugin,
		settings:        m.settings,
		state:           m.state.clone(),
		status:          m.status,
		manifestPath:    m.manifestPath,
		statePath:       m.statePath,
		currentEvalSkew: m.currentEvalSkew,
		currentRemSkew:  m.currentRemSkew,
		execLock:        m.execLock,
		clock:           m.clock,
	}
	if m.settings.Params != nil {
		out.settings.Params = cloneData(m.settings.Params)
	}
	out.settings.ExemptUntil = cloneTime(m.settings.ExemptUntil)
	out.supportFiles = append([]SupportFile(nil), m.supportFiles...)
	return out
}

// MergeRuntimeState loads the persisted-state keys from a returning
// snapshot onto the live module and fires status-change callbacks when
// the computed compliance status moved. Transient scheduler status is
// taken from the snapshot as well.
func (m *Module) MergeRuntimeState(from *Module) {
	incoming := from.StateSnapshot()
	fromStatus := from.Status()

	m.mu.Lock()
	old := m.state.LastComplianceStatus
	m.state = incoming
	m.status = fromStatus
	newStatus := m.computeStatusLocked(m.clock())
	m.state.LastComplianceStatus = newStatus
	callbacks := append([]StatusChangeCallback(nil), m.statusCallbacks...)
	m.mu.Unlock()

	if newStatus != old {
		m.fireStatusCallbacks(newStatus, old, callbacks)
	}
}

func (m *Module) fireStatusCallbacks(newStatus, oldStatus ComplianceStatus, callbacks []StatusChangeCallback) {
	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Error("Module", fmt.Errorf("%v", r), "Status change callback panicked for module %s", m.Identifier())
				}
			}()
			cb(newStatus, oldStatus, m)
		}()
	}
}

// Evaluate runs the plugin evaluator with full bookkeeping: result
// normalization, support file hashing, failure counters, history, and
// aggregate status recomputation. Plugin errors never escape; they are
// mapped to a FATAL result with ERROR compliance.
func (m *Module) Evaluate(ctx context.Context, trigger Trigger, data map[string]interface{}) *EvaluationResult {
	start := m.clock()
	m.SetStatus(ModuleEvaluating)
	defer m.SetStatus(ModuleIdle)

	res, err := m.plugin.Evaluate(ctx, m, trigger, data)
	end := m.clock()
	if err != nil || res == nil {
		if err != nil {
			logging.Error("Module", err, "Evaluation failed for module %s", m.Identifier())
		}
		res = &EvaluationResult{
			ComplianceStatus: StatusError,
			ExecutionStatus:  ExecError | ExecFatal,
		}
	}
	if res.StartDate.IsZero() {
		res.StartDate = start
	}
	if res.EndDate.IsZero() {
		res.EndDate = end
	}
	res.Version = m.Version()
	m.attachSupportFiles(res)

	m.mu.Lock()
	m.applyEvaluationLocked(res)
	m.rollSkewsLocked()
	old := m.state.LastComplianceStatus
	newStatus := m.computeStatusLocked(m.clock())
	m.state.LastComplianceStatus = newStatus
	callbacks := append([]StatusChangeCallback(nil), m.statusCallbacks...)
	m.mu.Unlock()

	if newStatus != old {
		m.fireStatusCallbacks(newStatus, old, callbacks)
	}
	return res
}

// applyEvaluationLocked updates failure counters and archives the result.
func (m *Module) applyEvaluationLocked(res *EvaluationResult) {
	switch {
	case res.ComplianceStatus&StatusCompliant != 0:
		now := m.clock()
		m.state.LastKnownCompliant = &now
		m.state.FirstFailureDate = nil
	case res.ComplianceStatus == StatusUnknown,
		res.ComplianceStatus&(StatusNoncompliant|StatusError) != 0:
		end := res.EndDate
		m.state.LastKnownNoncompliant = &end
		if m.state.FirstFailureDate == nil {
			m.state.FirstFailureDate = &end
		}
	}

	m.state.LastEvaluationResult = res
	m.state.EvaluationHistory = append(m.state.EvaluationHistory, res.Clone())
	if max := m.settings.maxHistory(); len(m.state.EvaluationHistory) > max {
		m.state.EvaluationHistory = m.state.EvaluationHistory[len(m.state.EvaluationHistory)-max:]
	}
}

func (m *Module) attachSupportFiles(res *EvaluationResult) {
	m.mu.Lock()
	files := append([]SupportFile(nil), m.supportFiles...)
	m.mu.Unlock()
	if p, ok := m.plugin.(SupportFileProvider); ok {
		files = append(files, p.SupportFiles(m)...)
	}
	if len(files) == 0 {
		return
	}
	if res.SupportFiles == nil {
		res.SupportFiles = make(map[string]SupportFile, len(files))
	}
	for _, sf := range files {
		if err := sf.RefreshHash(); err != nil {
			logging.Warn("Module", "Support file hash for %s/%s: %v", m.Identifier(), sf.Name, err)
		}
		res.SupportFiles[sf.Name] = sf
	}
}

// Remediate mirrors Evaluate for the remediation path.
func (m *Module) Remediate(ctx context.Context, trigger Trigger, data map[string]interface{}) *RemediationResult {
	start := m.clock()
	m.SetStatus(ModuleRemediating)
	defer m.SetStatus(ModuleIdle)

	var res *RemediationResult
	var err error
	if r, ok := m.plugin.(Remediator); ok {
		res, err = r.Remediate(ctx, m, trigger, data)
	} else {
		err = fmt.Errorf("module %s cannot remediate", m.Identifier())
	}
	end := m.clock()
	if err != nil || res == nil {
		if err != nil {
			logging.Error("Module", err, "Remediation failed for module %s", m.Identifier())
		}
		res = &RemediationResult{ExecutionStatus: ExecError | ExecFatal}
	}
	if res.StartDate.IsZero() {
		res.StartDate = start
	}
	if res.EndDate.IsZero() {
		res.EndDate = end
	}

	m.mu.Lock()
	m.state.LastRemediationResult = res
	m.state.RemediationHistory = append(m.state.RemediationHistory, res.Clone())
	if max := m.settings.maxHistory(); len(m.state.RemediationHistory) > max {
		m.state.RemediationHistory = m.state.RemediationHistory[len(m.state.RemediationHistory)-max:]
	}
	m.rollSkewsLocked()
	m.mu.Unlock()

	return res
}

// CurrentEvaluationInterval is the effective interval until the next
// scheduled evaluation: the retry interval after an error, plus the
// current skew roll, clamped to the configured minimum.
func (m *Module) CurrentEvaluationInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentEvaluationIntervalLocked()
}

func (m *Module) currentEvaluationIntervalLocked() time.Duration {
	interval := m.settings.EvaluationInterval.Std()
	if last := m.state.LastEvaluationResult; last != nil &&
		last.ExecutionStatus&(ExecError|ExecFatal) != 0 &&
		m.settings.RetryEvaluationInterval != 0 {
		interval = m.settings.RetryEvaluationInterval.Std()
	}
	if m.settings.EvaluationSkew != 0 {
		interval += m.currentEvalSkew
	}
	if min := m.settings.MinEvaluationInterval.Std(); interval < min {
		interval = min
	}
	return interval
}

// CurrentRemediationInterval mirrors CurrentEvaluationInterval.
func (m *Module) CurrentRemediationInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	interval := m.settings.RemediationInterval.Std()
	if last := m.state.LastRemediationResult; last != nil &&
		last.ExecutionStatus&(ExecError|ExecFatal) != 0 &&
		m.settings.RetryRemediationInterval != 0 {
		interval = m.settings.RetryRemediationInterval.Std()
	}
	if m.settings.RemediationSkew != 0 {
		interval += m.currentRemSkew
	}
	return interval
}

// IsEvaluationTime reports whether a scheduled evaluation is due.
func (m *Module) IsEvaluationTime(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.settings.Triggers&TriggerScheduled == 0 || m.status != ModuleIdle {
		return false
	}
	last := m.state.LastEvaluationResult
	if last == nil {
		return true
	}
	if last.Version != m.plugin.Version() {
		return true
	}
	return !last.EndDate.Add(m.currentEvaluationIntervalLocked()).After(now)
}

// IsRemediationTime reports whether a scheduled remediation is due.
func (m *Module) IsRemediationTime(now time.Time) bool {
	m.mu.Lock()
	if m.settings.Triggers&TriggerScheduled == 0 || m.status != ModuleIdle ||
		!m.settings.CanRemediate || !m.settings.AutoRemediate {
		m.mu.Unlock()
		return false
	}
	interval := m.settings.RemediationInterval.Std()
	if last := m.state.LastRemediationResult; last != nil {
		if last.ExecutionStatus&(ExecError|ExecFatal) != 0 && m.settings.RetryRemediationInterval != 0 {
			interval = m.settings.RetryRemediationInterval.Std()
		}
		if m.settings.RemediationSkew != 0 {
			interval += m.currentRemSkew
		}
		if last.EndDate.Add(interval).After(now) {
			m.mu.Unlock()
			return false
		}
	}
	m.mu.Unlock()

	return m.ComplianceStatusAt(now)&StatusNoncompliant != 0
}

// ComplianceStatus computes the aggregate status as of now.
func (m *Module) ComplianceStatus() ComplianceStatus {
	return m.ComplianceStatusAt(m.clock())
}

// ComplianceStatusAt is the pure aggregate-status function over the last
// evaluation result, deadlines, and exemption.
func (m *Module) ComplianceStatusAt(now time.Time) ComplianceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.computeStatusLocked(now)
}

func (m *Module) computeStatusLocked(now time.Time) ComplianceStatus {
	eval := StatusUnknown
	if m.state.LastEvaluationResult != nil {
		eval = m.state.LastEvaluationResult.ComplianceStatus
	}

	var s ComplianceStatus
	switch {
	case eval&StatusCompliant != 0:
		s = StatusCompliant
	case eval&StatusError != 0:
		s = StatusNoncompliant | StatusError
	case eval == StatusUnknown:
		s = StatusNoncompliant
	case eval&StatusNoncompliant != 0:
		s = StatusNoncompliant
	}
	// carry isolation state reported by the evaluator
	s |= eval & StatusIsolated

	if s&StatusNoncompliant != 0 {
		deadline := m.complianceDeadlineLocked(now)
		switch {
		case deadline != nil && now.Before(*deadline):
			s |= StatusInGracetime
		case m.isolationCandidateLocked(now):
			s |= StatusIsolationCandidate
		}
	}
	if m.isExemptLocked(now) {
		s |= StatusExempt
	}
	return s
}

// complianceDeadlineLocked resolves the effective compliance deadline:
// the evaluator-provided one, else firstFailureDate + gracetime. An
// exemption without expiration masks the deadline entirely; an
// exemption expiring later than the deadline extends it.
func (m *Module) complianceDeadlineLocked(now time.Time) *time.Time {
	var deadline *time.Time
	if last := m.state.LastEvaluationResult; last != nil && last.ComplianceDeadline != nil {
		deadline = cloneTime(last.ComplianceDeadline)
	} else if m.state.FirstFailureDate != nil && m.settings.Gracetime != 0 {
		d := m.state.FirstFailureDate.Add(m.settings.Gracetime.Std())
		deadline = &d
	}

	if m.settings.Exempt {
		if m.settings.ExemptUntil == nil {
			return nil
		}
		if deadline == nil || m.settings.ExemptUntil.After(*deadline) {
			deadline = cloneTime(m.settings.ExemptUntil)
		}
	}
	return deadline
}

// IsolationDeadline resolves the effective isolation deadline, if any.
func (m *Module) IsolationDeadline(now time.Time) *time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isolationDeadlineLocked(now)
}

func (m *Module) isolationDeadlineLocked(now time.Time) *time.Time {
	if !m.settings.EnforceIsolation {
		return nil
	}
	if last := m.state.LastEvaluationResult; last != nil && last.IsolationDeadline != nil {
		return cloneTime(last.IsolationDeadline)
	}
	deadline := m.complianceDeadlineLocked(now)
	if deadline == nil {
		return nil
	}
	d := deadline.Add(m.settings.IsolationGracetime.Std())
	return &d
}

// isolationCandidateLocked: once the compliance deadline has passed, a
// module enforcing isolation marks the device an isolation candidate.
func (m *Module) isolationCandidateLocked(now time.Time) bool {
	if !m.settings.EnforceIsolation {
		return false
	}
	deadline := m.complianceDeadlineLocked(now)
	return deadline != nil && !now.Before(*deadline)
}

func (m *Module) isExemptLocked(now time.Time) bool {
	if !m.settings.Exempt {
		return false
	}
	return m.settings.ExemptUntil == nil || now.Before(*m.settings.ExemptUntil)
}

// rollSkewsLocked draws fresh uniform skews in [-skew/2, +skew/2].
func (m *Module) rollSkewsLocked() {
	m.currentEvalSkew = rollSkew(m.settings.EvaluationSkew.Std())
	m.currentRemSkew = rollSkew(m.settings.RemediationSkew.Std())
}

func rollSkew(skew time.Duration) time.Duration {
	if skew <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(skew))) - skew/2
}

// setClock overrides the time source in tests.
func (m *Module) setClock(clock func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
}
