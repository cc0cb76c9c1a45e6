package spec

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-orchestrator/core/models"
)

func TestParseRunSpec(t *testing.T) {
	src := `
type: task
name: train
image: pytorch/pytorch:2.3
commands:
  - torchrun train.py
nodes: 2
resources:
  cpu: 4..
  memory: 32GB..
  gpu: A100:40GB..:1
spot_policy: spot
backends: [aws, gcp]
regions: [us-east-1]
retry:
  on_events: [no-capacity]
  duration: 300
max_duration: 2h
max_price: 4.5
idle_duration: 10m
priority: 5
`
	spec, err := ParseRunSpec(src)
	require.NoError(t, err)

	assert.Equal(t, "train", spec.RunName)
	assert.Equal(t, 2, spec.Configuration.Nodes)
	assert.Equal(t, 1, spec.Configuration.Replicas)
	assert.Equal(t, 4.0, *spec.Configuration.Resources.CPU.Count.Min)
	assert.Nil(t, spec.Configuration.Resources.CPU.Count.Max)
	assert.Equal(t, 32.0, *spec.Configuration.Resources.Memory.Min)

	gpu := spec.Configuration.Resources.GPU
	require.NotNil(t, gpu)
	assert.Equal(t, []string{"A100"}, gpu.Names)
	assert.Equal(t, 40.0, *gpu.Memory.Min)
	assert.Equal(t, models.Exactly(1), gpu.Count)

	p := spec.Profile
	assert.Equal(t, models.SpotPolicySpot, p.SpotPolicy)
	assert.Equal(t, []models.BackendType{models.BackendAWS, models.BackendGCP}, p.Backends)
	require.NotNil(t, p.Retry)
	assert.Equal(t, []models.RetryEvent{models.RetryEventNoCapacity}, p.Retry.OnEvents)
	assert.Equal(t, 300*time.Second, *p.Retry.Duration)
	assert.Equal(t, 2*time.Hour, *p.MaxDuration)
	assert.Equal(t, 10*time.Minute, p.IdleDuration)
	assert.Equal(t, models.CreationPolicyReuseOrCreate, p.CreationPolicy)
	assert.Equal(t, 5, p.Priority)
	assert.Equal(t, src, spec.YAML)
}

func TestParseRunSpecDefaults(t *testing.T) {
	spec, err := ParseRunSpec("type: service\nimage: nginx\nreplicas: 3\nretry: true\n")
	require.NoError(t, err)

	assert.Equal(t, models.SpotPolicyOnDemand, spec.Profile.SpotPolicy)
	assert.Equal(t, 3, spec.Configuration.Replicas)
	assert.Equal(t, DefaultIdleDuration, spec.Profile.IdleDuration)
	assert.Equal(t, models.TerminationPolicyDestroyAfterIdle, spec.Profile.TerminationPolicy)
	require.NotNil(t, spec.Profile.Retry)
	assert.Empty(t, spec.Profile.Retry.OnEvents)
	assert.Nil(t, spec.Profile.Retry.Duration)
	assert.Equal(t, 2.0, *spec.Configuration.Resources.CPU.Count.Min)

	spec, err = ParseRunSpec("commands: [echo hi]\nidle_duration: off\n")
	require.NoError(t, err)
	assert.Equal(t, models.SpotPolicyAuto, spec.Profile.SpotPolicy)
	assert.Equal(t, models.TerminationPolicyDontDestroy, spec.Profile.TerminationPolicy)
	assert.Equal(t, models.NeverTerminate, spec.Profile.IdleDuration)
	assert.Nil(t, spec.Profile.Retry)
}

func TestParseRunSpecErrors(t *testing.T) {
	tests := []struct {
		name  string
		src   string
		field string
	}{
		{"bad type", "type: notebook\ncommands: [x]\n", "type"},
		{"no work", "type: task\n", "commands"},
		{"task replicas", "commands: [x]\nreplicas: 2\n", "replicas"},
		{"service nodes", "type: service\nimage: x\nnodes: 2\n", "nodes"},
		{"unknown backend", "commands: [x]\nbackends: [azure]\n", "backends"},
		{"bad spot policy", "commands: [x]\nspot_policy: cheap\n", "spot_policy"},
		{"bad retry event", "commands: [x]\nretry:\n  on_events: [crash]\n", "retry.on_events"},
		{"bad max duration", "commands: [x]\nmax_duration: soon\n", "max_duration"},
		{"bad arch", "commands: [x]\nresources:\n  arch: mips\n", "resources.arch"},
		{"bad max price", "commands: [x]\nmax_price: 0\n", "max_price"},
		{"bad yaml", "commands: [x\n", ""},
		{"bad range", "commands: [x]\nresources:\n  cpu: 8..2\n", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRunSpec(tt.src)
			require.Error(t, err)
			var cfgErr *ConfigurationError
			require.True(t, errors.As(err, &cfgErr), "got %T", err)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestParseGPU(t *testing.T) {
	tests := []struct {
		in     string
		names  []string
		count  models.Range
		memMin *float64
		vendor string
	}{
		{"A100", []string{"A100"}, models.AtLeast(1), nil, ""},
		{"A100,H100:2", []string{"A100", "H100"}, models.Exactly(2), nil, ""},
		{"24GB..:1..4", nil, models.NewRange(1, 4), ptr(24), ""},
		{"nvidia:T4:80GB", []string{"T4"}, models.AtLeast(1), ptr(80), "nvidia"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseGPU(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.names, got.Names)
			assert.Equal(t, tt.count, got.Count)
			assert.Equal(t, tt.vendor, got.Vendor)
			if tt.memMin != nil {
				require.NotNil(t, got.Memory.Min)
				assert.Equal(t, *tt.memMin, *got.Memory.Min)
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	tests := map[string]time.Duration{
		"90":    90 * time.Second,
		"5m":    5 * time.Minute,
		"1d":    24 * time.Hour,
		"off":   models.NeverTerminate,
		"1h30m": 90 * time.Minute,
	}
	for in, want := range tests {
		got, err := ParseDuration(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseDuration("forever")
	assert.Error(t, err)
}

func ptr(v float64) *float64 { return &v }
