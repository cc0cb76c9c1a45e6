package aws

import (
	"context"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"fleet-orchestrator/core/backends"
)

const (
	amazonOwner   = "amazon"
	gpuImageName  = "Deep Learning Base OSS Nvidia Driver GPU AMI (Ubuntu 22.04)*"
	baseImageName = "ubuntu/images/hvm-ssd/ubuntu-jammy-22.04-amd64-server-*"
	canonicalID   = "099720109477"
)

// imageID returns the configured image or the newest matching public image
// of the region. GPU instances get a driver-ready image.
func (c *Compute) imageID(ctx context.Context, region string, gpu bool) (string, error) {
	if c.cfg.ImageID != "" {
		return c.cfg.ImageID, nil
	}
	key := region + "/cpu"
	owner, name := canonicalID, baseImageName
	if gpu {
		key = region + "/gpu"
		owner, name = amazonOwner, gpuImageName
	}
	if id, ok := c.images.Get(key); ok {
		return id.(string), nil
	}

	client, err := c.client(region)
	if err != nil {
		return "", err
	}
	out, err := client.DescribeImages(ctx, &ec2.DescribeImagesInput{
		Owners: []string{owner},
		Filters: []types.Filter{
			{Name: aws.String("name"), Values: []string{name}},
			{Name: aws.String("state"), Values: []string{"available"}},
			{Name: aws.String("architecture"), Values: []string{"x86_64"}},
		},
	})
	if err != nil {
		return "", classify(err)
	}
	if len(out.Images) == 0 {
		return "", &backends.ComputeError{Msg: "no image found in " + region + " for " + name}
	}
	images := out.Images
	// CreationDate is ISO 8601, so it sorts lexicographically
	sort.Slice(images, func(i, j int) bool {
		return aws.ToString(images[i].CreationDate) > aws.ToString(images[j].CreationDate)
	})
	id := aws.ToString(images[0].ImageId)
	c.images.SetDefault(key, id)
	return id, nil
}
