// Package aws implements the EC2 compute backend.
package aws

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	"github.com/patrickmn/go-cache"

	"fleet-orchestrator/core/backends"
	"fleet-orchestrator/core/logger"
	"fleet-orchestrator/core/models"
)

const (
	defaultSpotDiscount = 0.3
	// the pricing API is only served from a few regions
	pricingRegion = "us-east-1"
	priceCacheTTL = time.Hour
)

// EC2API is the subset of the EC2 client the backend uses
type EC2API interface {
	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, opts ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, opts ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	CreatePlacementGroup(ctx context.Context, in *ec2.CreatePlacementGroupInput, opts ...func(*ec2.Options)) (*ec2.CreatePlacementGroupOutput, error)
	DeletePlacementGroup(ctx context.Context, in *ec2.DeletePlacementGroupInput, opts ...func(*ec2.Options)) (*ec2.DeletePlacementGroupOutput, error)
	DescribeImages(ctx context.Context, in *ec2.DescribeImagesInput, opts ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
	DescribeSpotPriceHistory(ctx context.Context, in *ec2.DescribeSpotPriceHistoryInput, opts ...func(*ec2.Options)) (*ec2.DescribeSpotPriceHistoryOutput, error)
}

// PricingAPI is the subset of the pricing client the backend uses
type PricingAPI interface {
	GetProducts(ctx context.Context, in *pricing.GetProductsInput, opts ...func(*pricing.Options)) (*pricing.GetProductsOutput, error)
}

// Registration registers the EC2 backend
var Registration = backends.Registration{
	Type:                    models.BackendAWS,
	Factory:                 newFromConfig,
	SupportsPlacementGroups: true,
}

// Compute is the EC2 backend
type Compute struct {
	cfg     backends.AWSConfig
	ec2     map[string]EC2API // by region
	pricing PricingAPI
	images  *cache.Cache
	prices  *cache.Cache
	log     *logger.Logger
}

func newFromConfig(ctx context.Context, cfg backends.BackendConfig, log *logger.Logger) (backends.Compute, error) {
	awsCfg, ok := cfg.(*backends.AWSConfig)
	if !ok {
		return nil, fmt.Errorf("unexpected config type %T", cfg)
	}
	return NewCompute(ctx, *awsCfg, log)
}

// NewCompute creates the EC2 backend with one client per configured region
func NewCompute(ctx context.Context, cfg backends.AWSConfig, log *logger.Logger) (*Compute, error) {
	if len(cfg.Regions) == 0 {
		return nil, &backends.BackendInvalidCredentialsError{Backend: models.BackendAWS, Msg: "no regions configured"}
	}
	opts := []func(*config.LoadOptions) error{}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" {
		key, secret := cfg.AccessKeyID, cfg.SecretAccessKey
		opts = append(opts, config.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(context.Context) (aws.Credentials, error) {
				return aws.Credentials{AccessKeyID: key, SecretAccessKey: secret, Source: "fleet-config"}, nil
			},
		)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, &backends.BackendInvalidCredentialsError{Backend: models.BackendAWS, Msg: err.Error()}
	}

	clients := make(map[string]EC2API, len(cfg.Regions))
	for _, region := range cfg.Regions {
		region := region
		clients[region] = ec2.NewFromConfig(awsCfg, func(o *ec2.Options) { o.Region = region })
	}
	var pricingClient PricingAPI
	if cfg.RefreshPrices {
		pricingClient = pricing.NewFromConfig(awsCfg, func(o *pricing.Options) { o.Region = pricingRegion })
	}
	return newCompute(cfg, clients, pricingClient, log), nil
}

func newCompute(cfg backends.AWSConfig, clients map[string]EC2API, pricingClient PricingAPI, log *logger.Logger) *Compute {
	if cfg.SpotDiscount <= 0 || cfg.SpotDiscount >= 1 {
		cfg.SpotDiscount = defaultSpotDiscount
	}
	return &Compute{
		cfg:     cfg,
		ec2:     clients,
		pricing: pricingClient,
		images:  cache.New(24*time.Hour, time.Hour),
		prices:  cache.New(priceCacheTTL, 10*time.Minute),
		log:     log,
	}
}

func (c *Compute) client(region string) (EC2API, error) {
	client, ok := c.ec2[region]
	if !ok {
		return nil, &backends.ComputeError{Msg: fmt.Sprintf("region %s is not configured", region)}
	}
	return client, nil
}

var _ backends.Compute = (*Compute)(nil)
