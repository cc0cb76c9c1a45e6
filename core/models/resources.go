package models

import (
	"fmt"
	"strings"
)

// Range is an inclusive numeric range. A nil bound is open.
type Range struct {
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
}

// NewRange returns the range [min, max]
func NewRange(min, max float64) Range {
	return Range{Min: &min, Max: &max}
}

// AtLeast returns the range [min, +inf)
func AtLeast(min float64) Range {
	return Range{Min: &min}
}

// Exactly returns the range [v, v]
func Exactly(v float64) Range {
	return NewRange(v, v)
}

// Contains reports whether v lies within the range
func (r Range) Contains(v float64) bool {
	if r.Min != nil && v < *r.Min {
		return false
	}
	if r.Max != nil && v > *r.Max {
		return false
	}
	return true
}

// MinOr returns the lower bound, or def if the range is open below
func (r Range) MinOr(def float64) float64 {
	if r.Min == nil {
		return def
	}
	return *r.Min
}

func (r Range) String() string {
	lo, hi := "", ""
	if r.Min != nil {
		lo = fmt.Sprintf("%g", *r.Min)
	}
	if r.Max != nil {
		hi = fmt.Sprintf("%g", *r.Max)
	}
	if lo == hi {
		return lo
	}
	return lo + ".." + hi
}

// CPUSpec requests CPU architecture and core count
type CPUSpec struct {
	Arch  string `json:"arch,omitempty"` // "x86" | "arm" | "" (any)
	Count Range  `json:"count"`
}

// GPUSpec requests accelerators
type GPUSpec struct {
	Vendor string   `json:"vendor,omitempty"`
	Names  []string `json:"names,omitempty"`
	Count  Range    `json:"count"`
	Memory Range    `json:"memory"` // GB per GPU
}

// ResourcesSpec is the requested resource ranges of a job
type ResourcesSpec struct {
	CPU    CPUSpec  `json:"cpu"`
	Memory Range    `json:"memory"` // GB
	Disk   Range    `json:"disk"`   // GB
	GPU    *GPUSpec `json:"gpu,omitempty"`
}

// GPU is a single resolved accelerator
type GPU struct {
	Name     string  `json:"name" yaml:"name"`
	Vendor   string  `json:"vendor,omitempty" yaml:"vendor"`
	MemoryGB float64 `json:"memory_gb" yaml:"memory_gb"`
}

// Resources are the resolved resources of an instance offer
type Resources struct {
	CPUArch  string  `json:"cpu_arch,omitempty"`
	CPUs     int     `json:"cpus"`
	MemoryGB float64 `json:"memory_gb"`
	DiskGB   float64 `json:"disk_gb"`
	GPUs     []GPU   `json:"gpus,omitempty"`
	Spot     bool    `json:"spot"`
}

// Slice returns the share of resources covered by the given number of blocks out of total
func (r Resources) Slice(blocks, total int) Resources {
	if total <= 1 || blocks >= total {
		return r
	}
	out := r
	out.CPUs = r.CPUs * blocks / total
	out.MemoryGB = r.MemoryGB * float64(blocks) / float64(total)
	out.DiskGB = r.DiskGB * float64(blocks) / float64(total)
	if len(r.GPUs) > 0 {
		out.GPUs = append([]GPU(nil), r.GPUs[:len(r.GPUs)*blocks/total]...)
	}
	return out
}

func (r Resources) String() string {
	s := fmt.Sprintf("%dxCPU, %gGB", r.CPUs, r.MemoryGB)
	if len(r.GPUs) > 0 {
		s += fmt.Sprintf(", %dx%s (%gGB)", len(r.GPUs), r.GPUs[0].Name, r.GPUs[0].MemoryGB)
	}
	if r.DiskGB > 0 {
		s += fmt.Sprintf(", %gGB (disk)", r.DiskGB)
	}
	if r.Spot {
		s += ", spot"
	}
	return s
}

// Requirements are what a job needs from an offer
type Requirements struct {
	Resources ResourcesSpec `json:"resources"`
	Spot      *bool         `json:"spot,omitempty"` // nil means either
	MaxPrice  *float64      `json:"max_price,omitempty"`
}

// Matches reports whether resolved resources satisfy the requirements
func (req Requirements) Matches(res Resources) bool {
	if req.Spot != nil && *req.Spot != res.Spot {
		return false
	}
	spec := req.Resources
	if spec.CPU.Arch != "" && res.CPUArch != "" && !strings.EqualFold(spec.CPU.Arch, res.CPUArch) {
		return false
	}
	if !spec.CPU.Count.Contains(float64(res.CPUs)) {
		return false
	}
	if !spec.Memory.Contains(res.MemoryGB) {
		return false
	}
	// Zero disk means the backend attaches a volume of the requested size
	if res.DiskGB > 0 && res.DiskGB < spec.Disk.MinOr(0) {
		return false
	}
	return matchGPUs(spec.GPU, res.GPUs)
}

func matchGPUs(spec *GPUSpec, gpus []GPU) bool {
	if spec == nil {
		return true
	}
	if !spec.Count.Contains(float64(len(gpus))) {
		return false
	}
	if len(gpus) == 0 {
		return true
	}
	gpu := gpus[0]
	if spec.Vendor != "" && gpu.Vendor != "" && !strings.EqualFold(spec.Vendor, gpu.Vendor) {
		return false
	}
	if len(spec.Names) > 0 {
		found := false
		for _, name := range spec.Names {
			if strings.EqualFold(name, gpu.Name) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return spec.Memory.Contains(gpu.MemoryGB)
}
