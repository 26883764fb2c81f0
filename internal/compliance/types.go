package compliance

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"acme/internal/netstate"
)

// Trigger identifies what caused an execution to be considered.
// Values are bits so a module can subscribe to several triggers at once;
// the numeric values are part of the on-disk and wire format.
type Trigger uint32

const (
	TriggerScheduled Trigger = 1 << iota
	TriggerManual
)

func (t Trigger) String() string {
	switch t {
	case TriggerScheduled:
		return "SCHEDULED"
	case TriggerManual:
		return "MANUAL"
	default:
		return fmt.Sprintf("TRIGGER(%d)", uint32(t))
	}
}

// ComplianceStatus is the bitset aggregating an evaluation outcome with
// grace-time, exemption, and isolation policy. StatusUnknown is the zero
// value. Numeric ordering of the combined set is meaningful: device status
// is the numeric max over all modules.
type ComplianceStatus uint32

const (
	StatusCompliant ComplianceStatus = 1 << iota
	StatusNoncompliant
	StatusError
	StatusExempt
	StatusInGracetime
	StatusIsolationCandidate
	StatusIsolated
)

const StatusUnknown ComplianceStatus = 0

func (s ComplianceStatus) String() string {
	if s == StatusUnknown {
		return "UNKNOWN"
	}
	names := []struct {
		bit  ComplianceStatus
		name string
	}{
		{StatusCompliant, "COMPLIANT"},
		{StatusNoncompliant, "NONCOMPLIANT"},
		{StatusError, "ERROR"},
		{StatusExempt, "EXEMPT"},
		{StatusInGracetime, "INGRACETIME"},
		{StatusIsolationCandidate, "ISOLATIONCANDIDATE"},
		{StatusIsolated, "ISOLATED"},
	}
	out := ""
	for _, n := range names {
		if s&n.bit != 0 {
			if out != "" {
				out += "|"
			}
			out += n.name
		}
	}
	return out
}

// ExecutionStatus describes how an evaluate or remediate call terminated.
type ExecutionStatus uint32

const (
	ExecNone    ExecutionStatus = 0
	ExecSuccess ExecutionStatus = 1
	ExecError   ExecutionStatus = 2
	ExecFatal   ExecutionStatus = 4
)

func (s ExecutionStatus) String() string {
	switch {
	case s == ExecNone:
		return "NONE"
	case s&ExecFatal != 0:
		return "FATAL"
	case s&ExecError != 0:
		return "ERROR"
	case s&ExecSuccess != 0:
		return "SUCCESS"
	default:
		return fmt.Sprintf("EXEC(%d)", uint32(s))
	}
}

// ModuleStatus is the runtime state of a module within the scheduler.
type ModuleStatus int

const (
	ModuleIdle ModuleStatus = iota
	ModuleQueued
	ModuleEvaluating
	ModuleRemediating
)

func (s ModuleStatus) String() string {
	switch s {
	case ModuleIdle:
		return "IDLE"
	case ModuleQueued:
		return "QUEUED"
	case ModuleEvaluating:
		return "EVALUATING"
	case ModuleRemediating:
		return "REMEDIATING"
	default:
		return fmt.Sprintf("STATUS(%d)", int(s))
	}
}

// Duration marshals as whole seconds. Module manifests and persisted
// state carry every cadence value in seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(time.Duration(d) / time.Second))
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var secs int64
	if err := json.Unmarshal(data, &secs); err != nil {
		return err
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

// SupportFile references an evidence artifact a module produced during
// evaluation. The hash is recomputed from the filesystem on demand.
type SupportFile struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	HashAlgo string `json:"hash_algo"`
	Hash     string `json:"hash"`
}

// RefreshHash recomputes the content hash from the file on disk.
// Only sha256 is supported; an unknown algorithm or unreadable file
// leaves the stored hash empty.
func (f *SupportFile) RefreshHash() error {
	if f.HashAlgo != "sha256" {
		f.Hash = ""
		return fmt.Errorf("unsupported hash algorithm %q for support file %s", f.HashAlgo, f.Name)
	}
	fh, err := os.Open(f.Path)
	if err != nil {
		f.Hash = ""
		return fmt.Errorf("failed to open support file %s: %w", f.Path, err)
	}
	defer fh.Close()

	h := sha256.New()
	if _, err := io.Copy(h, fh); err != nil {
		f.Hash = ""
		return fmt.Errorf("failed to hash support file %s: %w", f.Path, err)
	}
	f.Hash = hex.EncodeToString(h.Sum(nil))
	return nil
}

// EvaluationResult is the immutable outcome of one evaluation run.
// Constructed by the module's evaluator; the wrapper fills in version
// and support files before it is archived.
type EvaluationResult struct {
	ComplianceStatus   ComplianceStatus       `json:"compliance_status"`
	ExecutionStatus    ExecutionStatus        `json:"execution_status"`
	StatusCodes        []int                  `json:"status_codes,omitempty"`
	SupportFiles       map[string]SupportFile `json:"support_files,omitempty"`
	FirstFailureDate   *time.Time             `json:"first_failure_date,omitempty"`
	ComplianceDeadline *time.Time             `json:"compliance_deadline,omitempty"`
	IsolationDeadline  *time.Time             `json:"isolation_deadline,omitempty"`
	StartDate          time.Time              `json:"start_date"`
	EndDate            time.Time              `json:"end_date"`
	Version            string                 `json:"version,omitempty"`
}

// Clone returns a deep copy.
func (r *EvaluationResult) Clone() *EvaluationResult {
	if r == nil {
		return nil
	}
	out := *r
	if r.StatusCodes != nil {
		out.StatusCodes = append([]int(nil), r.StatusCodes...)
	}
	if r.SupportFiles != nil {
		out.SupportFiles = make(map[string]SupportFile, len(r.SupportFiles))
		for k, v := range r.SupportFiles {
			out.SupportFiles[k] = v
		}
	}
	out.FirstFailureDate = cloneTime(r.FirstFailureDate)
	out.ComplianceDeadline = cloneTime(r.ComplianceDeadline)
	out.IsolationDeadline = cloneTime(r.IsolationDeadline)
	return &out
}

// RemediationResult is the outcome of one remediation run. Data is
// opaque module-specific payload.
type RemediationResult struct {
	ExecutionStatus ExecutionStatus        `json:"execution_status"`
	StatusCodes     []int                  `json:"status_codes,omitempty"`
	StartDate       time.Time              `json:"start_date"`
	EndDate         time.Time              `json:"end_date"`
	Data            map[string]interface{} `json:"data,omitempty"`
}

// Clone returns a deep copy.
func (r *RemediationResult) Clone() *RemediationResult {
	if r == nil {
		return nil
	}
	out := *r
	if r.StatusCodes != nil {
		out.StatusCodes = append([]int(nil), r.StatusCodes...)
	}
	out.Data = cloneData(r.Data)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// cloneData deep-copies an opaque JSON-shaped payload.
func cloneData(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		switch vv := v.(type) {
		case map[string]interface{}:
			out[k] = cloneData(vv)
		case []interface{}:
			cp := make([]interface{}, len(vv))
			copy(cp, vv)
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}

// Prerequisites is the required network-state bitset for a module.
type Prerequisites = netstate.State
