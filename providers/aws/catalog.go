package aws

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	pricingtypes "github.com/aws/aws-sdk-go-v2/service/pricing/types"
	"github.com/pkg/errors"

	"fleet-orchestrator/core/backends"
	"fleet-orchestrator/core/logger"
	"fleet-orchestrator/core/models"
)

// instanceType is a catalog entry with its list on-demand price
type instanceType struct {
	Name        string
	CPUs        int
	MemoryGB    float64
	GPUName     string
	GPUCount    int
	GPUMemoryGB float64
	Price       float64
}

var catalog = []instanceType{
	{"m5.xlarge", 4, 16, "", 0, 0, 0.192},
	{"c5.metal", 96, 192, "", 0, 0, 4.08},
	{"g4dn.xlarge", 4, 16, "T4", 1, 16, 0.526},
	{"g5.xlarge", 4, 16, "A10G", 1, 24, 1.006},
	{"g5.12xlarge", 48, 192, "A10G", 4, 24, 5.672},
	{"p3.2xlarge", 8, 61, "V100", 1, 16, 3.06},
	{"p3.8xlarge", 32, 244, "V100", 4, 16, 12.24},
	{"p3.16xlarge", 64, 488, "V100", 8, 16, 24.48},
	{"p4d.24xlarge", 96, 1152, "A100", 8, 40, 32.77},
	{"p5.48xlarge", 192, 2048, "H100", 8, 80, 98.32},
}

func (it instanceType) resources() models.Resources {
	res := models.Resources{CPUArch: "x86", CPUs: it.CPUs, MemoryGB: it.MemoryGB}
	for i := 0; i < it.GPUCount; i++ {
		res.GPUs = append(res.GPUs, models.GPU{Name: it.GPUName, Vendor: "nvidia", MemoryGB: it.GPUMemoryGB})
	}
	return res
}

// GetOffers returns the catalog offers of every configured region that match
// the requirements, each with an on-demand and a spot variant
func (c *Compute) GetOffers(ctx context.Context, req models.Requirements) ([]models.InstanceOfferWithAvailability, error) {
	var base []models.InstanceOffer
	for _, region := range c.cfg.Regions {
		for _, it := range catalog {
			base = append(base, models.InstanceOffer{
				Backend:      models.BackendAWS,
				Region:       region,
				InstanceType: it.Name,
				Resources:    it.resources(),
				Price:        c.onDemandPrice(ctx, region, it),
			})
		}
	}
	offers := backends.SpotVariants(base, func(o models.InstanceOffer) float64 {
		return c.spotPrice(ctx, o)
	})
	return backends.WithAvailability(backends.MatchOffers(offers, req, nil), nil), nil
}

func (c *Compute) onDemandPrice(ctx context.Context, region string, it instanceType) float64 {
	if c.pricing == nil {
		return it.Price
	}
	key := "od/" + region + "/" + it.Name
	if p, ok := c.prices.Get(key); ok {
		return p.(float64)
	}
	price, err := c.fetchOnDemandPrice(ctx, region, it.Name)
	if err != nil {
		c.log.Warn("Failed to fetch on-demand price, using list price",
			logger.String("region", region),
			logger.String("instance_type", it.Name),
			logger.Error(err),
		)
		price = it.Price
	}
	c.prices.SetDefault(key, price)
	return price
}

func termFilter(field, value string) pricingtypes.Filter {
	return pricingtypes.Filter{
		Field: aws.String(field),
		Type:  pricingtypes.FilterTypeTermMatch,
		Value: aws.String(value),
	}
}

// priceListItem is the part of a pricing API product document holding the
// on-demand USD price
type priceListItem struct {
	Terms struct {
		OnDemand map[string]struct {
			PriceDimensions map[string]struct {
				PricePerUnit map[string]string `json:"pricePerUnit"`
			} `json:"priceDimensions"`
		} `json:"OnDemand"`
	} `json:"terms"`
}

func (c *Compute) fetchOnDemandPrice(ctx context.Context, region, name string) (float64, error) {
	out, err := c.pricing.GetProducts(ctx, &pricing.GetProductsInput{
		ServiceCode: aws.String("AmazonEC2"),
		Filters: []pricingtypes.Filter{
			termFilter("instanceType", name),
			termFilter("regionCode", region),
			termFilter("operatingSystem", "Linux"),
			termFilter("tenancy", "Shared"),
			termFilter("preInstalledSw", "NA"),
			termFilter("capacitystatus", "Used"),
		},
		MaxResults: aws.Int32(1),
	})
	if err != nil {
		return 0, classify(err)
	}
	if len(out.PriceList) == 0 {
		return 0, errors.Errorf("no price list for %s in %s", name, region)
	}
	return parseOnDemandPrice(out.PriceList[0])
}

func parseOnDemandPrice(doc string) (float64, error) {
	var item priceListItem
	if err := json.Unmarshal([]byte(doc), &item); err != nil {
		return 0, errors.Wrap(err, "decoding price list")
	}
	for _, term := range item.Terms.OnDemand {
		for _, dim := range term.PriceDimensions {
			if usd, ok := dim.PricePerUnit["USD"]; ok {
				return strconv.ParseFloat(usd, 64)
			}
		}
	}
	return 0, errors.New("price list has no USD on-demand price")
}

// spotPrice returns the lowest recent spot price in the offer's region, or the
// configured discount of the on-demand price when live prices are off
func (c *Compute) spotPrice(ctx context.Context, o models.InstanceOffer) float64 {
	if c.pricing == nil {
		return o.Price * c.cfg.SpotDiscount
	}
	history, err := c.spotHistory(ctx, o.Region)
	if err != nil {
		c.log.Warn("Failed to fetch spot prices", logger.String("region", o.Region), logger.Error(err))
		return o.Price * c.cfg.SpotDiscount
	}
	if p, ok := history[o.InstanceType]; ok {
		return p
	}
	return 0
}

func (c *Compute) spotHistory(ctx context.Context, region string) (map[string]float64, error) {
	key := "spot/" + region
	if h, ok := c.prices.Get(key); ok {
		return h.(map[string]float64), nil
	}
	client, err := c.client(region)
	if err != nil {
		return nil, err
	}
	names := make([]types.InstanceType, 0, len(catalog))
	for _, it := range catalog {
		names = append(names, types.InstanceType(it.Name))
	}
	out, err := client.DescribeSpotPriceHistory(ctx, &ec2.DescribeSpotPriceHistoryInput{
		InstanceTypes:       names,
		ProductDescriptions: []string{"Linux/UNIX"},
		StartTime:           aws.Time(time.Now()),
	})
	if err != nil {
		return nil, classify(err)
	}
	history := make(map[string]float64)
	for _, sp := range out.SpotPriceHistory {
		p, err := strconv.ParseFloat(aws.ToString(sp.SpotPrice), 64)
		if err != nil {
			continue
		}
		name := string(sp.InstanceType)
		if cur, ok := history[name]; !ok || p < cur {
			history[name] = p
		}
	}
	c.prices.Set(key, history, 10*time.Minute)
	return history, nil
}
