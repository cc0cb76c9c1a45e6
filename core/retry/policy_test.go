package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"fleet-orchestrator/core/models"
)

func dur(d time.Duration) *time.Duration { return &d }

func TestShouldRetry(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		policy *models.RetryPolicy
		event  models.RetryEvent
		after  time.Duration
		want   bool
	}{
		{"no policy", nil, models.RetryEventNoCapacity, 0, false},
		{"default events", &models.RetryPolicy{}, models.RetryEventError, time.Minute, true},
		{"default duration edge", &models.RetryPolicy{}, models.RetryEventError, DefaultDuration, true},
		{"default duration exceeded", &models.RetryPolicy{}, models.RetryEventError, DefaultDuration + time.Second, false},
		{"event not listed", &models.RetryPolicy{OnEvents: []models.RetryEvent{models.RetryEventNoCapacity}}, models.RetryEventInterruption, 0, false},
		{"event listed", &models.RetryPolicy{OnEvents: []models.RetryEvent{models.RetryEventInterruption}}, models.RetryEventInterruption, time.Minute, true},
		{"custom window", &models.RetryPolicy{Duration: dur(time.Hour)}, models.RetryEventNoCapacity, 59 * time.Minute, true},
		{"zero window", &models.RetryPolicy{Duration: dur(0)}, models.RetryEventNoCapacity, time.Second, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldRetry(tt.policy, tt.event, t0, t0.Add(tt.after)))
		})
	}
}

func TestShouldRetryScenario(t *testing.T) {
	t0 := time.Now()
	policy := &models.RetryPolicy{
		OnEvents: []models.RetryEvent{models.RetryEventNoCapacity},
		Duration: dur(300 * time.Second),
	}
	assert.True(t, ShouldRetry(policy, models.RetryEventNoCapacity, t0, t0.Add(250*time.Second)))
	assert.False(t, ShouldRetry(policy, models.RetryEventNoCapacity, t0, t0.Add(310*time.Second)))
}

func TestShouldRetryBoundsAllEvents(t *testing.T) {
	t0 := time.Now()
	windows := []time.Duration{0, time.Second, time.Minute, 5 * time.Minute, 24 * time.Hour}
	eventSets := [][]models.RetryEvent{nil, models.AllRetryEvents, {models.RetryEventError}}

	for _, w := range windows {
		for _, events := range eventSets {
			policy := &models.RetryPolicy{OnEvents: events, Duration: dur(w)}
			for _, ev := range models.AllRetryEvents {
				assert.False(t, ShouldRetry(policy, ev, t0, t0.Add(w+time.Nanosecond)), "window %s event %s", w, ev)
			}
		}
	}
}

func TestProvisioningTimeout(t *testing.T) {
	timeouts := DefaultTimeouts()
	assert.Equal(t, 10*time.Minute, timeouts.ProvisioningTimeout(models.BackendAWS, "p4d.24xlarge"))
	assert.Equal(t, 55*time.Minute, timeouts.ProvisioningTimeout(models.BackendAWS, "c5.metal"))
	assert.Equal(t, 55*time.Minute, timeouts.ProvisioningTimeout(models.BackendSSH, "BM.GPU4.8"))

	timeouts.Backends = map[models.BackendType]time.Duration{models.BackendKubernetes: 20 * time.Minute}
	assert.Equal(t, 20*time.Minute, timeouts.ProvisioningTimeout(models.BackendKubernetes, "node"))
	assert.Equal(t, 10*time.Minute, timeouts.ProvisioningTimeout(models.BackendGCP, "a2-highgpu-1g"))

	assert.Equal(t, DefaultProvisioningTimeout, Timeouts{}.ProvisioningTimeout(models.BackendGCP, "n1"))
}

func TestEventForReason(t *testing.T) {
	ev, ok := EventForReason(models.JobTerminationFailedToStartNoCapacity)
	assert.True(t, ok)
	assert.Equal(t, models.RetryEventNoCapacity, ev)

	ev, ok = EventForReason(models.JobTerminationExecutorError)
	assert.True(t, ok)
	assert.Equal(t, models.RetryEventError, ev)

	_, ok = EventForReason(models.JobTerminationScaledDown)
	assert.False(t, ok)
}
