package models

import "time"

// SpotPolicy selects between spot and on-demand capacity
type SpotPolicy string

const (
	SpotPolicySpot     SpotPolicy = "spot"
	SpotPolicyOnDemand SpotPolicy = "on-demand"
	SpotPolicyAuto     SpotPolicy = "auto"
)

// Requirement converts the policy to the tri-state spot requirement
func (p SpotPolicy) Requirement() *bool {
	switch p {
	case SpotPolicySpot:
		v := true
		return &v
	case SpotPolicyOnDemand:
		v := false
		return &v
	}
	return nil
}

// Allows reports whether an offer with the given spot flag passes the policy
func (p SpotPolicy) Allows(spot bool) bool {
	switch p {
	case SpotPolicySpot:
		return spot
	case SpotPolicyOnDemand:
		return !spot
	}
	return true
}

// RetryEvent is a failure class a retry policy can react to
type RetryEvent string

const (
	RetryEventNoCapacity   RetryEvent = "no-capacity"
	RetryEventInterruption RetryEvent = "interruption"
	RetryEventError        RetryEvent = "error"
)

// AllRetryEvents is the default event set of a retry policy
var AllRetryEvents = []RetryEvent{RetryEventNoCapacity, RetryEventInterruption, RetryEventError}

// RetryPolicy controls re-provisioning after failures
type RetryPolicy struct {
	OnEvents []RetryEvent  `json:"on_events,omitempty"`
	Duration *time.Duration `json:"duration,omitempty"` // window since first submission
}

// TerminationPolicy controls what happens to an instance once it has no jobs
type TerminationPolicy string

const (
	TerminationPolicyDestroyAfterIdle TerminationPolicy = "destroy-after-idle"
	TerminationPolicyDontDestroy      TerminationPolicy = "dont-destroy"
)

// NeverTerminate is the idle duration meaning "never auto-terminate"
const NeverTerminate time.Duration = -1

// CreationPolicy controls whether new instances may be created for a run
type CreationPolicy string

const (
	CreationPolicyReuse         CreationPolicy = "reuse"
	CreationPolicyReuseOrCreate CreationPolicy = "reuse-or-create"
)
