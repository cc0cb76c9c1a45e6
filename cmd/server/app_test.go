package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-orchestrator/config"
	"fleet-orchestrator/core/backends"
	"fleet-orchestrator/core/logger"
	"fleet-orchestrator/core/models"
	"fleet-orchestrator/providers"
)

func TestBuildAppServesAPI(t *testing.T) {
	cfg := config.Default()
	cfg.Backends = backends.BackendConfigs{&backends.GCPConfig{}} // fails to build, server still starts
	store, err := openStore(context.Background(), cfg.Store, logger.NewNop())
	require.NoError(t, err)
	defer store.Close()

	a := buildApp(context.Background(), cfg, store, providers.Registry(), logger.NewNop())
	assert.Empty(t, a.backends.All())

	srv := httptest.NewServer(a.handler)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/projects/main/runs", "application/json",
		strings.NewReader(`{"spec_yaml":"type: task\nname: hello\ncommands: [echo hi]\n"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTimeouts(t *testing.T) {
	tt := timeouts(config.JobsConfig{
		ProvisioningTimeout: 20 * time.Minute,
		BackendTimeouts:     map[models.BackendType]time.Duration{models.BackendSSH: time.Minute},
	})
	assert.Equal(t, 20*time.Minute, tt.ProvisioningTimeout(models.BackendAWS, "g5.xlarge"))
	assert.Equal(t, time.Minute, tt.ProvisioningTimeout(models.BackendSSH, "10.0.0.1"))
}

func TestRootCommand(t *testing.T) {
	cmd := rootCmd()
	names := make([]string, 0)
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"serve", "migrate", "gc"}, names)

	cmd.SetArgs([]string{"migrate"})
	cmd.SetOut(&strings.Builder{})
	cmd.SetErr(&strings.Builder{})
	assert.Error(t, cmd.Execute())
}

func TestApplyServeFlags(t *testing.T) {
	cmd := serveCmd(new(string))
	require.NoError(t, cmd.Flags().Parse([]string{"--port", "9000"}))

	cfg := config.Default()
	require.NoError(t, applyServeFlags(cmd.Flags(), cfg))
	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, config.Default().Scheduler.Workers, cfg.Scheduler.Workers)

	require.NoError(t, cmd.Flags().Parse([]string{"--workers", "0"}))
	assert.Error(t, applyServeFlags(cmd.Flags(), cfg))
}
