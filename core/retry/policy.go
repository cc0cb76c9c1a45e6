// Package retry decides whether failed jobs may be resubmitted and how long
// provisioning may take.
package retry

import (
	"strings"
	"time"

	"fleet-orchestrator/core/models"
)

const (
	// DefaultDuration is the retry window when a policy does not set one
	DefaultDuration = 5 * time.Minute
	// DefaultPendingBackoff is the minimum delay between provisioning attempts of a job
	DefaultPendingBackoff = 60 * time.Second

	DefaultProvisioningTimeout   = 10 * time.Minute
	BareMetalProvisioningTimeout = 55 * time.Minute
)

// ShouldRetry decides whether a failure event may be retried under policy.
// An absent policy never retries. The window is inclusive of its end.
func ShouldRetry(policy *models.RetryPolicy, event models.RetryEvent, firstSubmittedAt, now time.Time) bool {
	if policy == nil {
		return false
	}
	if !handlesEvent(policy, event) {
		return false
	}
	return now.Sub(firstSubmittedAt) <= Window(policy)
}

// Window returns the retry window of the policy
func Window(policy *models.RetryPolicy) time.Duration {
	if policy == nil {
		return 0
	}
	if policy.Duration == nil {
		return DefaultDuration
	}
	return *policy.Duration
}

// EventForReason maps a job termination reason to the retry event it represents
func EventForReason(reason models.JobTerminationReason) (models.RetryEvent, bool) {
	return reason.RetryEvent()
}

func handlesEvent(policy *models.RetryPolicy, event models.RetryEvent) bool {
	events := policy.OnEvents
	if len(events) == 0 {
		events = models.AllRetryEvents
	}
	for _, e := range events {
		if e == event {
			return true
		}
	}
	return false
}

// Timeouts resolves provisioning timeouts per backend
type Timeouts struct {
	Default   time.Duration
	BareMetal time.Duration
	Backends  map[models.BackendType]time.Duration // overrides the default, not the bare-metal timeout
}

// DefaultTimeouts returns the built-in provisioning timeouts
func DefaultTimeouts() Timeouts {
	return Timeouts{Default: DefaultProvisioningTimeout, BareMetal: BareMetalProvisioningTimeout}
}

// ProvisioningTimeout returns how long a job may stay in PROVISIONING on the given instance type
func (t Timeouts) ProvisioningTimeout(backend models.BackendType, instanceType string) time.Duration {
	if IsBareMetal(instanceType) {
		if t.BareMetal > 0 {
			return t.BareMetal
		}
		return BareMetalProvisioningTimeout
	}
	if d, ok := t.Backends[backend]; ok && d > 0 {
		return d
	}
	if t.Default > 0 {
		return t.Default
	}
	return DefaultProvisioningTimeout
}

// IsBareMetal reports whether the instance type is a bare-metal shape
func IsBareMetal(instanceType string) bool {
	return strings.HasSuffix(instanceType, ".metal") ||
		strings.HasPrefix(instanceType, "BM.") ||
		strings.HasPrefix(instanceType, "bm.")
}
