// Package ssh runs jobs as docker containers on on-prem hosts reached over SSH.
package ssh

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/pkg/errors"
	gossh "golang.org/x/crypto/ssh"

	"fleet-orchestrator/core/backends"
	"fleet-orchestrator/core/logger"
	"fleet-orchestrator/core/models"
)

const (
	defaultPort   = 22
	defaultRegion = "on-prem"
)

// Registration registers the SSH fleet backend
var Registration = backends.Registration{
	Type:    models.BackendSSH,
	Factory: newFromConfig,
}

// Compute offers a fixed list of hosts. Each job runs as one container;
// a host takes up to its block count of containers.
type Compute struct {
	cfg     backends.SSHConfig
	client  *Client
	running cmap.ConcurrentMap[string, int] // host address -> containers started here
	log     *logger.Logger
}

func newFromConfig(_ context.Context, cfg backends.BackendConfig, log *logger.Logger) (backends.Compute, error) {
	sshCfg, ok := cfg.(*backends.SSHConfig)
	if !ok {
		return nil, fmt.Errorf("unexpected config type %T", cfg)
	}
	client, err := NewClientFromFile(sshCfg.User, sshCfg.PrivateKeyFile, sshCfg.Password, sshCfg.KnownHostsFile)
	if err != nil {
		return nil, &backends.BackendInvalidCredentialsError{Backend: models.BackendSSH, Msg: err.Error()}
	}
	return NewCompute(*sshCfg, client, log), nil
}

// NewCompute creates the backend
func NewCompute(cfg backends.SSHConfig, client *Client, log *logger.Logger) *Compute {
	if cfg.Region == "" {
		cfg.Region = defaultRegion
	}
	if cfg.User == "" {
		cfg.User = "root"
	}
	for i := range cfg.Hosts {
		if cfg.Hosts[i].Port == 0 {
			cfg.Hosts[i].Port = defaultPort
		}
		if cfg.Hosts[i].Blocks < 1 {
			cfg.Hosts[i].Blocks = 1
		}
	}
	return &Compute{cfg: cfg, client: client, running: cmap.New[int](), log: log}
}

func hostAddr(h backends.SSHHost) string {
	return net.JoinHostPort(h.Address, strconv.Itoa(h.Port))
}

func (c *Compute) host(address string) (backends.SSHHost, bool) {
	for _, h := range c.cfg.Hosts {
		if h.Address == address {
			return h, true
		}
	}
	return backends.SSHHost{}, false
}

// GetOffers returns one free offer per host. A host whose blocks are all
// taken by running containers is reported as not available.
func (c *Compute) GetOffers(_ context.Context, req models.Requirements) ([]models.InstanceOfferWithAvailability, error) {
	var offers []models.InstanceOffer
	for _, h := range c.cfg.Hosts {
		offers = append(offers, models.InstanceOffer{
			Backend:      models.BackendSSH,
			Region:       c.cfg.Region,
			InstanceType: h.Address,
			Resources: models.Resources{
				CPUs:     h.CPUs,
				MemoryGB: h.MemoryGB,
				DiskGB:   h.DiskGB,
				GPUs:     h.GPUs,
			},
		})
	}
	matched := backends.MatchOffers(offers, req, nil)
	return backends.WithAvailability(matched, func(o models.InstanceOffer) models.Availability {
		h, _ := c.host(o.InstanceType)
		if n, _ := c.running.Get(h.Address); n >= h.Blocks {
			return models.AvailabilityNotAvailable
		}
		return models.AvailabilityAvailable
	}), nil
}

// RunJob starts the job's container on the offer's host. The container name
// is the instance ID and the host:port is kept as backend data.
func (c *Compute) RunJob(
	ctx context.Context,
	_ *models.Run,
	job *models.Job,
	offer models.InstanceOfferWithAvailability,
	_ *models.PlacementGroup,
) (*models.JobProvisioningData, error) {
	h, ok := c.host(offer.InstanceType)
	if !ok {
		return nil, &backends.ComputeError{Msg: "unknown host " + offer.InstanceType}
	}
	addr := hostAddr(h)

	taken := false
	c.running.Upsert(h.Address, 0, func(exist bool, n int, _ int) int {
		if n >= h.Blocks {
			taken = true
			return n
		}
		return n + 1
	})
	if taken {
		return nil, backends.NewNoCapacityError("host %s has no free blocks", h.Address)
	}

	name := containerName(job)
	out, err := c.client.Run(ctx, addr, dockerRun(name, job, len(offer.Resources.GPUs) > 0))
	if err != nil {
		c.release(h.Address)
		return nil, classify(err, out)
	}
	c.log.Info("Container started",
		logger.String("job", job.Name()),
		logger.String("host", addr),
		logger.String("container", name),
	)
	return &models.JobProvisioningData{
		Backend:      models.BackendSSH,
		Region:       offer.Region,
		InstanceType: offer.InstanceType,
		InstanceID:   name,
		Hostname:     h.Address,
		InternalIP:   h.Address,
		SSHPort:      h.Port,
		Username:     c.cfg.User,
		Resources:    offer.Resources,
		BackendData:  addr,
	}, nil
}

func (c *Compute) release(address string) {
	c.running.Upsert(address, 0, func(exist bool, n int, _ int) int {
		if n > 0 {
			return n - 1
		}
		return 0
	})
}

func containerName(job *models.Job) string {
	id := strings.ReplaceAll(job.ID, "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	return strings.ToLower(fmt.Sprintf("fleet-%s-%d-%d-%s", job.RunName, job.ReplicaNum, job.JobNum, id))
}

func dockerRun(name string, job *models.Job, gpu bool) string {
	args := []string{"docker", "run", "-d", "--name", shellQuote(name), "--network", "host"}
	if gpu {
		args = append(args, "--gpus", "all")
	}
	keys := make([]string, 0, len(job.Spec.Env))
	for k := range job.Spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", shellQuote(k+"="+job.Spec.Env[k]))
	}
	args = append(args, shellQuote(job.Spec.Image))
	if len(job.Spec.Commands) > 0 {
		args = append(args, "/bin/sh", "-c", shellQuote(strings.Join(job.Spec.Commands, " && ")))
	}
	return strings.Join(args, " ")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// TerminateInstance removes the container. backendData is the host:port.
func (c *Compute) TerminateInstance(ctx context.Context, instanceID, _, backendData string) error {
	host, _, err := net.SplitHostPort(backendData)
	if err != nil {
		return &backends.ComputeError{Msg: "invalid host " + backendData, Err: err}
	}
	out, err := c.client.Run(ctx, backendData, "docker rm -f "+shellQuote(instanceID))
	if err != nil && !strings.Contains(out, "No such container") {
		return classify(err, out)
	}
	c.release(host)
	return nil
}

func (c *Compute) CreatePlacementGroup(context.Context, *models.PlacementGroup) (*models.PlacementGroupProvisioningData, error) {
	return nil, backends.ErrNotSupported
}

func (c *Compute) DeletePlacementGroup(context.Context, *models.PlacementGroup) error {
	return backends.ErrNotSupported
}

func classify(err error, output string) error {
	if isAuthFailure(err) {
		return &backends.BackendAuthError{Backend: models.BackendSSH, Err: err}
	}
	var exitErr *gossh.ExitError
	if errors.As(err, &exitErr) {
		return &backends.ComputeError{Msg: strings.TrimSpace(output), Err: err}
	}
	return &backends.BackendError{Backend: models.BackendSSH, Err: err}
}

var _ backends.Compute = (*Compute)(nil)
