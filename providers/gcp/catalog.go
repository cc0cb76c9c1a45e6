package gcp

import (
	"context"

	"fleet-orchestrator/core/backends"
	"fleet-orchestrator/core/models"
)

type machineType struct {
	Name        string
	CPUs        int
	MemoryGB    float64
	GPUName     string
	GPUCount    int
	GPUMemoryGB float64
	Accelerator string // guest accelerator type for N1 machines
	BaseType    string // machine type to request when Name carries the accelerator
	Price       float64
}

var catalog = []machineType{
	{Name: "n2-standard-4", CPUs: 4, MemoryGB: 16, Price: 0.194},
	{Name: "n1-standard-8-t4", CPUs: 8, MemoryGB: 30, GPUName: "T4", GPUCount: 1, GPUMemoryGB: 16, Accelerator: "nvidia-tesla-t4", BaseType: "n1-standard-8", Price: 0.73},
	{Name: "g2-standard-8", CPUs: 8, MemoryGB: 32, GPUName: "L4", GPUCount: 1, GPUMemoryGB: 24, Price: 0.85},
	{Name: "a2-highgpu-1g", CPUs: 12, MemoryGB: 85, GPUName: "A100", GPUCount: 1, GPUMemoryGB: 40, Price: 3.67},
	{Name: "a2-highgpu-2g", CPUs: 24, MemoryGB: 170, GPUName: "A100", GPUCount: 2, GPUMemoryGB: 40, Price: 7.34},
	{Name: "a2-highgpu-4g", CPUs: 48, MemoryGB: 340, GPUName: "A100", GPUCount: 4, GPUMemoryGB: 40, Price: 14.68},
	{Name: "a2-highgpu-8g", CPUs: 96, MemoryGB: 680, GPUName: "A100", GPUCount: 8, GPUMemoryGB: 40, Price: 29.36},
	{Name: "a3-highgpu-8g", CPUs: 208, MemoryGB: 1872, GPUName: "H100", GPUCount: 8, GPUMemoryGB: 80, Price: 88.25},
}

func lookup(name string) (machineType, bool) {
	for _, it := range catalog {
		if it.Name == name {
			return it, true
		}
	}
	return machineType{}, false
}

func (it machineType) machine() string {
	if it.BaseType != "" {
		return it.BaseType
	}
	return it.Name
}

func (it machineType) resources() models.Resources {
	res := models.Resources{CPUArch: "x86", CPUs: it.CPUs, MemoryGB: it.MemoryGB}
	for i := 0; i < it.GPUCount; i++ {
		res.GPUs = append(res.GPUs, models.GPU{Name: it.GPUName, Vendor: "nvidia", MemoryGB: it.GPUMemoryGB})
	}
	return res
}

// GetOffers returns catalog offers for the configured regions with spot variants
func (c *Compute) GetOffers(_ context.Context, req models.Requirements) ([]models.InstanceOfferWithAvailability, error) {
	var base []models.InstanceOffer
	for _, region := range c.cfg.Regions {
		for _, it := range catalog {
			base = append(base, models.InstanceOffer{
				Backend:      models.BackendGCP,
				Region:       region,
				InstanceType: it.Name,
				Resources:    it.resources(),
				Price:        it.Price,
			})
		}
	}
	offers := backends.SpotVariants(base, func(o models.InstanceOffer) float64 {
		return o.Price * spotDiscount
	})
	return backends.WithAvailability(backends.MatchOffers(offers, req, nil), nil), nil
}
