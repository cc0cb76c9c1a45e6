package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gossh "golang.org/x/crypto/ssh"

	"fleet-orchestrator/core/backends"
	"fleet-orchestrator/core/logger"
	"fleet-orchestrator/core/models"
)

// testServer is an in-process SSH server that records exec requests and
// answers them with a fixed output and exit status.
type testServer struct {
	host string
	port int

	mu       sync.Mutex
	commands []string
	output   string
	status   uint32
}

func startServer(t *testing.T) *testServer {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := gossh.NewSignerFromKey(key)
	require.NoError(t, err)

	cfg := &gossh.ServerConfig{
		PasswordCallback: func(meta gossh.ConnMetadata, pass []byte) (*gossh.Permissions, error) {
			if meta.User() == "fleet" && string(pass) == "secret" {
				return nil, nil
			}
			return nil, errors.New("denied")
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	addr := ln.Addr().(*net.TCPAddr)
	s := &testServer{host: addr.IP.String(), port: addr.Port}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serve(conn, cfg)
		}
	}()
	return s
}

func (s *testServer) serve(conn net.Conn, cfg *gossh.ServerConfig) {
	_, chans, reqs, err := gossh.NewServerConn(conn, cfg)
	if err != nil {
		conn.Close()
		return
	}
	go gossh.DiscardRequests(reqs)
	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(gossh.UnknownChannelType, "session only")
			continue
		}
		ch, requests, err := newCh.Accept()
		if err != nil {
			continue
		}
		go s.session(ch, requests)
	}
}

func (s *testServer) session(ch gossh.Channel, requests <-chan *gossh.Request) {
	defer ch.Close()
	for req := range requests {
		if req.Type != "exec" {
			_ = req.Reply(false, nil)
			continue
		}
		var payload struct{ Command string }
		_ = gossh.Unmarshal(req.Payload, &payload)
		_ = req.Reply(true, nil)

		s.mu.Lock()
		s.commands = append(s.commands, payload.Command)
		output, status := s.output, s.status
		s.mu.Unlock()

		_, _ = io.WriteString(ch, output)
		_, _ = ch.SendRequest("exit-status", false, gossh.Marshal(struct{ Status uint32 }{status}))
		return
	}
}

func (s *testServer) respond(output string, status uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.output, s.status = output, status
}

func (s *testServer) executed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func newTestCompute(t *testing.T, s *testServer, blocks int) *Compute {
	t.Helper()
	client, err := NewClient("fleet", nil, "secret", "")
	require.NoError(t, err)
	client.delay = 0
	return NewCompute(backends.SSHConfig{
		User: "fleet",
		Hosts: []backends.SSHHost{{
			Address:  s.host,
			Port:     s.port,
			CPUs:     16,
			MemoryGB: 64,
			GPUs:     []models.GPU{{Name: "RTX4090", Vendor: "nvidia", MemoryGB: 24}},
			Blocks:   blocks,
		}},
	}, client, logger.NewNop())
}

func TestClientRun(t *testing.T) {
	s := startServer(t)
	s.respond("hello\n", 0)
	client, err := NewClient("fleet", nil, "secret", "")
	require.NoError(t, err)

	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	out, err := client.Run(context.Background(), addr, "echo hello")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out)
	assert.Equal(t, []string{"echo hello"}, s.executed())

	s.respond("boom", 3)
	_, err = client.Run(context.Background(), addr, "false")
	var exitErr *gossh.ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 3, exitErr.ExitStatus())
}

func TestClientAuthFailure(t *testing.T) {
	s := startServer(t)
	client, err := NewClient("fleet", nil, "wrong", "")
	require.NoError(t, err)

	err = client.TestConnection(context.Background(), net.JoinHostPort(s.host, strconv.Itoa(s.port)))
	require.Error(t, err)
	assert.True(t, isAuthFailure(err))
	assert.Empty(t, s.executed())
}

func TestNewClientRequiresCredentials(t *testing.T) {
	_, err := NewClient("fleet", nil, "", "")
	assert.Error(t, err)
	_, err = NewClient("fleet", []byte("not a key"), "", "")
	assert.Error(t, err)
}

func TestRunJobStartsContainer(t *testing.T) {
	s := startServer(t)
	s.respond("4f2a\n", 0)
	c := newTestCompute(t, s, 1)

	offers, err := c.GetOffers(context.Background(), models.Requirements{})
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.Equal(t, models.AvailabilityAvailable, offers[0].Availability)
	assert.Zero(t, offers[0].Price)

	job := &models.Job{
		ID:      "9b1d0c44-1111",
		RunName: "finetune",
		Spec: models.JobSpec{
			Image:    "pytorch:2",
			Commands: []string{"pip install -r req.txt", "python train.py"},
			Env:      map[string]string{"B": "2", "A": "it's"},
		},
	}
	data, err := c.RunJob(context.Background(), &models.Run{}, job, offers[0], nil)
	require.NoError(t, err)
	assert.Equal(t, "fleet-finetune-0-0-9b1d0c44", data.InstanceID)
	assert.Equal(t, net.JoinHostPort(s.host, strconv.Itoa(s.port)), data.BackendData)
	assert.Equal(t, "fleet", data.Username)

	cmds := s.executed()
	require.Len(t, cmds, 1)
	assert.True(t, strings.HasPrefix(cmds[0], "docker run -d --name 'fleet-finetune-0-0-9b1d0c44' --network host --gpus all"))
	assert.Contains(t, cmds[0], `-e 'A=it'\''s' -e 'B=2'`)
	assert.Contains(t, cmds[0], `/bin/sh -c 'pip install -r req.txt && python train.py'`)

	// the only block is taken
	offers, err = c.GetOffers(context.Background(), models.Requirements{})
	require.NoError(t, err)
	assert.Equal(t, models.AvailabilityNotAvailable, offers[0].Availability)
	_, err = c.RunJob(context.Background(), &models.Run{}, job, offers[0], nil)
	assert.True(t, backends.IsNoCapacity(err))

	require.NoError(t, c.TerminateInstance(context.Background(), data.InstanceID, "", data.BackendData))
	offers, err = c.GetOffers(context.Background(), models.Requirements{})
	require.NoError(t, err)
	assert.Equal(t, models.AvailabilityAvailable, offers[0].Availability)
}

func TestRunJobDockerFailure(t *testing.T) {
	s := startServer(t)
	s.respond("docker: image not found\n", 125)
	c := newTestCompute(t, s, 2)
	offers, err := c.GetOffers(context.Background(), models.Requirements{})
	require.NoError(t, err)

	_, err = c.RunJob(context.Background(), &models.Run{}, &models.Job{RunName: "x", Spec: models.JobSpec{Image: "missing"}}, offers[0], nil)
	var ce *backends.ComputeError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "docker: image not found", ce.Msg)

	n, _ := c.running.Get(s.host)
	assert.Zero(t, n)
}

func TestTerminateMissingContainer(t *testing.T) {
	s := startServer(t)
	s.respond("Error: No such container: fleet-x\n", 1)
	c := newTestCompute(t, s, 1)

	err := c.TerminateInstance(context.Background(), "fleet-x", "", net.JoinHostPort(s.host, strconv.Itoa(s.port)))
	assert.NoError(t, err)
}

func TestGetOffersFiltersByRequirements(t *testing.T) {
	s := startServer(t)
	c := newTestCompute(t, s, 1)
	offers, err := c.GetOffers(context.Background(), models.Requirements{
		Resources: models.ResourcesSpec{GPU: &models.GPUSpec{Names: []string{"H100"}, Count: models.AtLeast(1)}},
	})
	require.NoError(t, err)
	assert.Empty(t, offers)
}
