package compliance

import (
	"acme/internal/netstate"
)

// DisqualifyReason is the bitset of reasons a module may not run.
// Zero means qualified.
type DisqualifyReason uint32

const (
	Qualified DisqualifyReason = 0

	TriggerNotQualified DisqualifyReason = 1 << iota
	PrerequisitesNotMet
	SiteNotQualified
	ProbabilityFailed
	MaxFrequencyHit
	ExecutionLimitsReached
)

func (r DisqualifyReason) String() string {
	if r == Qualified {
		return "QUALIFIED"
	}
	names := []struct {
		bit  DisqualifyReason
		name string
	}{
		{TriggerNotQualified, "TRIGGER_NOT_QUALIFIED"},
		{PrerequisitesNotMet, "PREREQUISITES_NOT_MET"},
		{SiteNotQualified, "SITE_NOT_QUALIFIED"},
		{ProbabilityFailed, "PROBABILITY_FAILED"},
		{MaxFrequencyHit, "MAX_FREQUENCY_HIT"},
		{ExecutionLimitsReached, "EXECUTION_LIMITS_REACHED"},
	}
	out := ""
	for _, n := range names {
		if r&n.bit != 0 {
			if out != "" {
				out += "|"
			}
			out += n.name
		}
	}
	return out
}

// QualifierHook is an extension point evaluated after the built-in
// checks. Hooks return additional disqualification reasons.
type QualifierHook func(mod *Module, trigger Trigger, current netstate.State, data map[string]interface{}) DisqualifyReason

// Qualifier decides whether a module may run for a given trigger and
// network state. It is a pure function over its inputs plus optional
// extension hooks.
type Qualifier struct {
	hooks []QualifierHook
}

// NewQualifier creates a qualifier with the built-in checks only.
func NewQualifier(hooks ...QualifierHook) *Qualifier {
	return &Qualifier{hooks: hooks}
}

// Qualify returns the set of reasons the module may not run;
// Qualified (zero) means it may.
func (q *Qualifier) Qualify(mod *Module, trigger Trigger, current netstate.State, data map[string]interface{}) DisqualifyReason {
	reasons := Qualified
	settings := mod.Settings()

	if settings.Triggers&trigger == 0 {
		reasons |= TriggerNotQualified
	}
	if !current.Contains(settings.Prerequisites) {
		reasons |= PrerequisitesNotMet
	}
	for _, hook := range q.hooks {
		reasons |= hook(mod, trigger, current, data)
	}
	return reasons
}
