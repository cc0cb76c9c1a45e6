// Package gcp implements the Compute Engine backend.
package gcp

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"google.golang.org/api/compute/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"fleet-orchestrator/core/backends"
	"fleet-orchestrator/core/logger"
	"fleet-orchestrator/core/models"
)

const (
	defaultImage  = "projects/deeplearning-platform-release/global/images/family/common-cu124-ubuntu-2204"
	defaultDiskGB = 100
	// Compute Engine spot VMs are typically 60-70% cheaper
	spotDiscount = 0.35
)

// Registration registers the Compute Engine backend. Compact placement
// policies are not used, so multi-node runs get no placement group.
var Registration = backends.Registration{
	Type:    models.BackendGCP,
	Factory: newFromConfig,
}

// Compute is the Compute Engine backend
type Compute struct {
	cfg     backends.GCPConfig
	service *compute.Service
	log     *logger.Logger
}

func newFromConfig(ctx context.Context, cfg backends.BackendConfig, log *logger.Logger) (backends.Compute, error) {
	gcpCfg, ok := cfg.(*backends.GCPConfig)
	if !ok {
		return nil, fmt.Errorf("unexpected config type %T", cfg)
	}
	var opts []option.ClientOption
	if gcpCfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(gcpCfg.CredentialsFile))
	}
	return NewCompute(ctx, *gcpCfg, log, opts...)
}

// NewCompute creates the backend. Options are passed to the Compute Engine client.
func NewCompute(ctx context.Context, cfg backends.GCPConfig, log *logger.Logger, opts ...option.ClientOption) (*Compute, error) {
	if cfg.ProjectID == "" {
		return nil, &backends.BackendInvalidCredentialsError{Backend: models.BackendGCP, Msg: "project_id is required"}
	}
	if len(cfg.Regions) == 0 {
		return nil, &backends.BackendInvalidCredentialsError{Backend: models.BackendGCP, Msg: "no regions configured"}
	}
	service, err := compute.NewService(ctx, opts...)
	if err != nil {
		return nil, &backends.BackendInvalidCredentialsError{Backend: models.BackendGCP, Msg: err.Error()}
	}
	return &Compute{cfg: cfg, service: service, log: log}, nil
}

// zone is where instances of a region are created
func zone(region string) string {
	return region + "-a"
}

// RunJob creates one VM for the job. The instance name is the instance ID;
// the zone is kept as backend data.
func (c *Compute) RunJob(
	ctx context.Context,
	run *models.Run,
	job *models.Job,
	offer models.InstanceOfferWithAvailability,
	_ *models.PlacementGroup,
) (*models.JobProvisioningData, error) {
	it, ok := lookup(offer.InstanceType)
	if !ok {
		return nil, &backends.ComputeError{Msg: "unknown machine type " + offer.InstanceType}
	}
	z := zone(offer.Region)
	name := instanceName(job)
	inst := c.instance(run, job, it, z, name, offer.Resources.Spot)

	op, err := c.service.Instances.Insert(c.cfg.ProjectID, z, inst).Context(ctx).Do()
	if err != nil {
		return nil, classify(err)
	}
	if op.Error != nil && len(op.Error.Errors) > 0 {
		return nil, classifyOperation(op.Error.Errors[0])
	}
	c.log.Info("Instance created",
		logger.String("job", job.Name()),
		logger.String("instance", name),
		logger.String("machine_type", it.Name),
		logger.String("zone", z),
		logger.Bool("spot", offer.Resources.Spot),
	)
	return &models.JobProvisioningData{
		Backend:          models.BackendGCP,
		Region:           offer.Region,
		AvailabilityZone: z,
		InstanceType:     offer.InstanceType,
		InstanceID:       name,
		SSHPort:          22,
		Username:         "ubuntu",
		Price:            offer.Price,
		Resources:        offer.Resources,
		BackendData:      z,
	}, nil
}

func instanceName(job *models.Job) string {
	name := strings.ToLower(fmt.Sprintf("%s-%d-%d-%d", job.RunName, job.ReplicaNum, job.JobNum, job.SubmissionNum))
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			return r
		}
		return '-'
	}, name)
	if len(name) > 55 {
		name = name[:55]
	}
	if name == "" || name[0] < 'a' || name[0] > 'z' {
		name = "f" + name
	}
	return name + "-" + strings.ToLower(shortID(job.ID))
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 6 {
		return id[:6]
	}
	return id
}

func (c *Compute) instance(run *models.Run, job *models.Job, it machineType, z, name string, spot bool) *compute.Instance {
	image := c.cfg.Image
	if image == "" {
		image = defaultImage
	}
	disk := int64(job.Spec.Requirements.Resources.Disk.MinOr(defaultDiskGB))
	startup := startupScript(job, it.GPUCount > 0)

	network := c.cfg.Network
	if network == "" {
		network = "global/networks/default"
	}
	nic := &compute.NetworkInterface{
		Network:       network,
		AccessConfigs: []*compute.AccessConfig{{Type: "ONE_TO_ONE_NAT", Name: "External NAT"}},
	}
	if c.cfg.Subnetwork != "" {
		nic.Subnetwork = c.cfg.Subnetwork
	}

	inst := &compute.Instance{
		Name:        name,
		MachineType: fmt.Sprintf("zones/%s/machineTypes/%s", z, it.machine()),
		Disks: []*compute.AttachedDisk{{
			Boot:       true,
			AutoDelete: true,
			InitializeParams: &compute.AttachedDiskInitializeParams{
				SourceImage: image,
				DiskSizeGb:  disk,
			},
		}},
		NetworkInterfaces: []*compute.NetworkInterface{nic},
		Metadata: &compute.Metadata{Items: []*compute.MetadataItems{
			{Key: "startup-script", Value: &startup},
		}},
		Labels: map[string]string{
			"managed-by": "fleet-orchestrator",
			"run-id":     strings.ToLower(run.ID),
		},
		Scheduling: &compute.Scheduling{
			OnHostMaintenance: "TERMINATE",
			AutomaticRestart:  googleapi.Bool(false),
		},
	}
	if it.Accelerator != "" {
		inst.GuestAccelerators = []*compute.AcceleratorConfig{{
			AcceleratorType:  fmt.Sprintf("zones/%s/acceleratorTypes/%s", z, it.Accelerator),
			AcceleratorCount: int64(it.GPUCount),
		}}
	}
	if spot {
		inst.Scheduling.ProvisioningModel = "SPOT"
		inst.Scheduling.InstanceTerminationAction = "DELETE"
	}
	return inst
}

func startupScript(job *models.Job, gpu bool) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\nset -e\n")
	if job.Spec.Image != "" {
		b.WriteString("docker run -d --network host")
		if gpu {
			b.WriteString(" --gpus all")
		}
		fmt.Fprintf(&b, " %q", job.Spec.Image)
		if len(job.Spec.Commands) > 0 {
			fmt.Fprintf(&b, " /bin/sh -c %q", strings.Join(job.Spec.Commands, " && "))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// TerminateInstance deletes the VM. backendData is its zone.
func (c *Compute) TerminateInstance(ctx context.Context, instanceID, region, backendData string) error {
	z := backendData
	if z == "" {
		z = zone(region)
	}
	_, err := c.service.Instances.Delete(c.cfg.ProjectID, z, instanceID).Context(ctx).Do()
	if err != nil && !isNotFound(err) {
		return classify(err)
	}
	return nil
}

func (c *Compute) CreatePlacementGroup(context.Context, *models.PlacementGroup) (*models.PlacementGroupProvisioningData, error) {
	return nil, backends.ErrNotSupported
}

func (c *Compute) DeletePlacementGroup(context.Context, *models.PlacementGroup) error {
	return backends.ErrNotSupported
}

var noCapacityReasons = map[string]bool{
	"ZONE_RESOURCE_POOL_EXHAUSTED":              true,
	"ZONE_RESOURCE_POOL_EXHAUSTED_WITH_DETAILS": true,
	"QUOTA_EXCEEDED":                            true,
	"quotaExceeded":                             true,
	"resourceExhausted":                         true,
}

func classify(err error) error {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return &backends.BackendError{Backend: models.BackendGCP, Err: err}
	}
	for _, item := range apiErr.Errors {
		if noCapacityReasons[item.Reason] {
			return backends.NewNoCapacityError("%s: %s", item.Reason, item.Message)
		}
	}
	switch apiErr.Code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &backends.BackendAuthError{Backend: models.BackendGCP, Err: err}
	case http.StatusServiceUnavailable, http.StatusTooManyRequests:
		return backends.NewNoCapacityError("%s", apiErr.Message)
	}
	return &backends.ComputeError{Msg: "compute engine request failed", Err: err}
}

func classifyOperation(e *compute.OperationErrorErrors) error {
	if noCapacityReasons[e.Code] {
		return backends.NewNoCapacityError("%s: %s", e.Code, e.Message)
	}
	return &backends.ComputeError{Msg: e.Code + ": " + e.Message}
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}

var _ backends.Compute = (*Compute)(nil)
