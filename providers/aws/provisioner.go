package aws

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"fleet-orchestrator/core/backends"
	"fleet-orchestrator/core/logger"
	"fleet-orchestrator/core/models"
)

const (
	defaultDiskGB = 100
	sshUser       = "ubuntu"
)

func tags(resource types.ResourceType, name string, extra map[string]string) []types.TagSpecification {
	list := []types.Tag{
		{Key: aws.String("Name"), Value: aws.String(name)},
		{Key: aws.String("ManagedBy"), Value: aws.String("fleet-orchestrator")},
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		list = append(list, types.Tag{Key: aws.String(k), Value: aws.String(extra[k])})
	}
	return []types.TagSpecification{{ResourceType: resource, Tags: list}}
}

// RunJob launches one instance for the job
func (c *Compute) RunJob(
	ctx context.Context,
	run *models.Run,
	job *models.Job,
	offer models.InstanceOfferWithAvailability,
	group *models.PlacementGroup,
) (*models.JobProvisioningData, error) {
	client, err := c.client(offer.Region)
	if err != nil {
		return nil, err
	}
	image, err := c.imageID(ctx, offer.Region, len(offer.Resources.GPUs) > 0)
	if err != nil {
		return nil, err
	}

	input := c.runInstancesInput(run, job, offer, group, image)
	out, err := client.RunInstances(ctx, input)
	if err != nil {
		return nil, classify(err)
	}
	if len(out.Instances) == 0 {
		return nil, &backends.ComputeError{Msg: "RunInstances returned no instances"}
	}
	inst := out.Instances[0]

	data := &models.JobProvisioningData{
		Backend:      models.BackendAWS,
		Region:       offer.Region,
		InstanceType: offer.InstanceType,
		InstanceID:   aws.ToString(inst.InstanceId),
		Hostname:     aws.ToString(inst.PublicIpAddress),
		InternalIP:   aws.ToString(inst.PrivateIpAddress),
		SSHPort:      22,
		Username:     sshUser,
		Price:        offer.Price,
		Resources:    offer.Resources,
	}
	if inst.Placement != nil {
		data.AvailabilityZone = aws.ToString(inst.Placement.AvailabilityZone)
	}
	if group != nil {
		data.BackendData = group.Name
	}
	c.log.Info("Instance launched",
		logger.String("job", job.Name()),
		logger.String("instance_id", data.InstanceID),
		logger.String("instance_type", offer.InstanceType),
		logger.String("region", offer.Region),
		logger.Bool("spot", offer.Resources.Spot),
	)
	return data, nil
}

func (c *Compute) runInstancesInput(
	run *models.Run,
	job *models.Job,
	offer models.InstanceOfferWithAvailability,
	group *models.PlacementGroup,
	image string,
) *ec2.RunInstancesInput {
	disk := int32(job.Spec.Requirements.Resources.Disk.MinOr(defaultDiskGB))
	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(image),
		InstanceType: types.InstanceType(offer.InstanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		UserData:     aws.String(base64.StdEncoding.EncodeToString([]byte(userData(job, len(offer.Resources.GPUs) > 0)))),
		BlockDeviceMappings: []types.BlockDeviceMapping{{
			DeviceName: aws.String("/dev/sda1"),
			Ebs: &types.EbsBlockDevice{
				VolumeSize:          aws.Int32(disk),
				VolumeType:          types.VolumeTypeGp3,
				DeleteOnTermination: aws.Bool(true),
			},
		}},
		TagSpecifications: tags(types.ResourceTypeInstance, job.Name(), map[string]string{
			"fleet/project": run.ProjectName,
			"fleet/run-id":  run.ID,
			"fleet/job-id":  job.ID,
		}),
	}
	if c.cfg.KeyName != "" {
		input.KeyName = aws.String(c.cfg.KeyName)
	}
	if c.cfg.SubnetID != "" {
		input.SubnetId = aws.String(c.cfg.SubnetID)
	}
	if len(c.cfg.SecurityGroupIDs) > 0 {
		input.SecurityGroupIds = c.cfg.SecurityGroupIDs
	}
	if offer.Resources.Spot {
		input.InstanceMarketOptions = &types.InstanceMarketOptionsRequest{
			MarketType: types.MarketTypeSpot,
			SpotOptions: &types.SpotMarketOptions{
				SpotInstanceType:             types.SpotInstanceTypeOneTime,
				InstanceInterruptionBehavior: types.InstanceInterruptionBehaviorTerminate,
			},
		}
	}
	if group != nil {
		input.Placement = &types.Placement{GroupName: aws.String(group.Name)}
	}
	return input
}

// userData starts the job's container once the instance has booted
func userData(job *models.Job, gpu bool) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\nset -e\n")
	b.WriteString("mkdir -p /opt/fleet\n")
	if job.Spec.Image == "" {
		return b.String()
	}
	keys := make([]string, 0, len(job.Spec.Env))
	for k := range job.Spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	args := []string{"docker", "run", "-d", "--name", shellQuote(job.Name()), "--network", "host"}
	if gpu {
		args = append(args, "--gpus", "all")
	}
	for _, k := range keys {
		args = append(args, "-e", shellQuote(k+"="+job.Spec.Env[k]))
	}
	args = append(args, shellQuote(job.Spec.Image))
	if len(job.Spec.Commands) > 0 {
		args = append(args, "/bin/sh", "-c", shellQuote(strings.Join(job.Spec.Commands, " && ")))
	}
	b.WriteString(strings.Join(args, " "))
	b.WriteString("\n")
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// TerminateInstance terminates the instance. An instance that is already gone
// counts as terminated.
func (c *Compute) TerminateInstance(ctx context.Context, instanceID, region, _ string) error {
	client, err := c.client(region)
	if err != nil {
		return err
	}
	_, err = client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{instanceID}})
	if err != nil && !isNotFound(err) {
		return classify(err)
	}
	return nil
}

// CreatePlacementGroup creates a cluster placement group in the group's region
func (c *Compute) CreatePlacementGroup(ctx context.Context, group *models.PlacementGroup) (*models.PlacementGroupProvisioningData, error) {
	client, err := c.client(group.Configuration.Region)
	if err != nil {
		return nil, err
	}
	out, err := client.CreatePlacementGroup(ctx, &ec2.CreatePlacementGroupInput{
		GroupName: aws.String(group.Name),
		Strategy:  types.PlacementStrategyCluster,
		TagSpecifications: tags(types.ResourceTypePlacementGroup, group.Name, map[string]string{
			"fleet/project": group.ProjectName,
			"fleet/run-id":  group.RunID,
		}),
	})
	if err != nil {
		return nil, classify(err)
	}
	data := &models.PlacementGroupProvisioningData{Backend: models.BackendAWS, BackendData: group.Name}
	if out.PlacementGroup != nil && out.PlacementGroup.GroupId != nil {
		data.BackendData = aws.ToString(out.PlacementGroup.GroupId)
	}
	return data, nil
}

// DeletePlacementGroup deletes the group. A group that is already gone counts
// as deleted; a group still in use fails and is retried later.
func (c *Compute) DeletePlacementGroup(ctx context.Context, group *models.PlacementGroup) error {
	client, err := c.client(group.Configuration.Region)
	if err != nil {
		return err
	}
	_, err = client.DeletePlacementGroup(ctx, &ec2.DeletePlacementGroupInput{GroupName: aws.String(group.Name)})
	if err != nil && !isNotFound(err) {
		return classify(err)
	}
	return nil
}

func (c *Compute) String() string {
	return fmt.Sprintf("aws(%s)", strings.Join(c.cfg.Regions, ","))
}
