package spec

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"fleet-orchestrator/core/models"
)

// DefaultIdleDuration is how long an instance is kept after its last job
const DefaultIdleDuration = 5 * time.Minute

// ConfigurationError is a problem with a submitted run configuration.
// It is reported to the user at submission and never retried.
type ConfigurationError struct {
	Field string
	Msg   string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "invalid configuration: " + e.Msg
	}
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Msg)
}

func configErrorf(field, format string, args ...interface{}) error {
	return &ConfigurationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// RunConfiguration represents the YAML run configuration
type RunConfiguration struct {
	Type     string            `yaml:"type"`
	Name     string            `yaml:"name"`
	Image    string            `yaml:"image"`
	Commands []string          `yaml:"commands"`
	Env      map[string]string `yaml:"env"`
	Nodes    int               `yaml:"nodes"`
	Replicas int               `yaml:"replicas"`

	Resources RunResources `yaml:"resources"`

	// Profile
	Backends          []string    `yaml:"backends"`
	Regions           []string    `yaml:"regions"`
	SpotPolicy        string      `yaml:"spot_policy"`
	Retry             *RetryValue `yaml:"retry"`
	MaxDuration       string      `yaml:"max_duration"`
	MaxPrice          *float64    `yaml:"max_price"`
	CreationPolicy    string      `yaml:"creation_policy"`
	TerminationPolicy string      `yaml:"termination_policy"`
	IdleDuration      string      `yaml:"idle_duration"`
	Priority          int         `yaml:"priority"`
}

// RunResources represents resource requirements
type RunResources struct {
	CPU    RangeValue `yaml:"cpu"`    // e.g. "4..", "2..8"
	Arch   string     `yaml:"arch"`   // x86 | arm
	Memory RangeValue `yaml:"memory"` // e.g. "16GB.."
	Disk   RangeValue `yaml:"disk"`   // e.g. "100GB.."
	GPU    *GPUValue  `yaml:"gpu"`    // e.g. "A100:80GB:2" or a mapping
}

// RangeValue is a YAML scalar of the form "N", "N..", "..M" or "N..M", with an
// optional GB suffix on each bound
type RangeValue struct {
	models.Range
	set bool
}

// UnmarshalYAML implements yaml.Unmarshaler
func (r *RangeValue) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a number or range", value.Line)
	}
	rng, err := ParseRange(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %v", value.Line, err)
	}
	r.Range = rng
	r.set = true
	return nil
}

// GPUValue accepts either the short "name:memory:count" form or a mapping
type GPUValue struct {
	Spec models.GPUSpec
}

// UnmarshalYAML implements yaml.Unmarshaler
func (g *GPUValue) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		spec, err := ParseGPU(value.Value)
		if err != nil {
			return fmt.Errorf("line %d: %v", value.Line, err)
		}
		g.Spec = spec
		return nil
	case yaml.MappingNode:
		var m struct {
			Vendor string     `yaml:"vendor"`
			Name   []string   `yaml:"name"`
			Count  RangeValue `yaml:"count"`
			Memory RangeValue `yaml:"memory"`
		}
		if err := value.Decode(&m); err != nil {
			return err
		}
		g.Spec = models.GPUSpec{Vendor: m.Vendor, Names: m.Name, Count: m.Count.Range, Memory: m.Memory.Range}
		if !m.Count.set {
			g.Spec.Count = models.AtLeast(1)
		}
		return nil
	}
	return fmt.Errorf("line %d: gpu must be a string or a mapping", value.Line)
}

// RetryValue accepts "true"/"false" or a retry policy mapping
type RetryValue struct {
	Enabled  bool
	OnEvents []string
	Duration string
}

// UnmarshalYAML implements yaml.Unmarshaler
func (r *RetryValue) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		return value.Decode(&r.Enabled)
	}
	var m struct {
		OnEvents []string `yaml:"on_events"`
		Duration string   `yaml:"duration"`
	}
	if err := value.Decode(&m); err != nil {
		return err
	}
	r.Enabled = true
	r.OnEvents = m.OnEvents
	r.Duration = m.Duration
	return nil
}

// ParseRunSpec parses a YAML run configuration into a RunSpec
func ParseRunSpec(specYAML string) (*models.RunSpec, error) {
	var cfg RunConfiguration
	if err := yaml.Unmarshal([]byte(specYAML), &cfg); err != nil {
		return nil, &ConfigurationError{Msg: fmt.Sprintf("failed to parse YAML: %v", err)}
	}

	spec, err := cfg.toRunSpec()
	if err != nil {
		return nil, err
	}
	spec.YAML = specYAML
	return spec, nil
}

func (c *RunConfiguration) toRunSpec() (*models.RunSpec, error) {
	conf := models.Configuration{
		Type:     models.ConfigurationType(c.Type),
		Image:    c.Image,
		Commands: c.Commands,
		Env:      c.Env,
		Nodes:    c.Nodes,
		Replicas: c.Replicas,
	}
	if conf.Type == "" {
		conf.Type = models.ConfigurationTask
	}
	if conf.Type != models.ConfigurationTask && conf.Type != models.ConfigurationService {
		return nil, configErrorf("type", "unknown configuration type %q", c.Type)
	}
	if conf.Nodes == 0 {
		conf.Nodes = 1
	}
	if conf.Replicas == 0 {
		conf.Replicas = 1
	}
	if conf.Nodes < 0 {
		return nil, configErrorf("nodes", "must be positive")
	}
	if conf.Replicas < 0 {
		return nil, configErrorf("replicas", "must be positive")
	}
	if conf.Type == models.ConfigurationService && conf.Nodes > 1 {
		return nil, configErrorf("nodes", "services run on a single node per replica")
	}
	if conf.Type == models.ConfigurationTask && conf.Replicas > 1 {
		return nil, configErrorf("replicas", "tasks do not support replicas, use nodes")
	}
	if conf.Image == "" && len(conf.Commands) == 0 {
		return nil, configErrorf("commands", "either image or commands must be set")
	}

	res, err := c.Resources.toSpec()
	if err != nil {
		return nil, err
	}
	conf.Resources = res

	profile, err := c.toProfile(conf.Type)
	if err != nil {
		return nil, err
	}

	return &models.RunSpec{
		RunName:       c.Name,
		Configuration: conf,
		Profile:       *profile,
	}, nil
}

func (r *RunResources) toSpec() (models.ResourcesSpec, error) {
	spec := models.ResourcesSpec{
		CPU:    models.CPUSpec{Arch: r.Arch, Count: r.CPU.Range},
		Memory: r.Memory.Range,
		Disk:   r.Disk.Range,
	}
	if !r.CPU.set {
		spec.CPU.Count = models.AtLeast(2)
	}
	if !r.Memory.set {
		spec.Memory = models.AtLeast(8)
	}
	if !r.Disk.set {
		spec.Disk = models.AtLeast(100)
	}
	switch r.Arch {
	case "", "x86", "arm":
	default:
		return spec, configErrorf("resources.arch", "unknown architecture %q", r.Arch)
	}
	if r.GPU != nil {
		gpu := r.GPU.Spec
		spec.GPU = &gpu
	}
	return spec, nil
}

func (c *RunConfiguration) toProfile(confType models.ConfigurationType) (*models.Profile, error) {
	p := &models.Profile{
		Regions:           c.Regions,
		SpotPolicy:        models.SpotPolicy(c.SpotPolicy),
		MaxPrice:          c.MaxPrice,
		CreationPolicy:    models.CreationPolicy(c.CreationPolicy),
		TerminationPolicy: models.TerminationPolicy(c.TerminationPolicy),
		IdleDuration:      DefaultIdleDuration,
		Priority:          c.Priority,
	}

	for _, b := range c.Backends {
		bt := models.BackendType(b)
		switch bt {
		case models.BackendAWS, models.BackendGCP, models.BackendKubernetes, models.BackendSSH:
			p.Backends = append(p.Backends, bt)
		default:
			return nil, configErrorf("backends", "unknown backend %q", b)
		}
	}

	switch p.SpotPolicy {
	case "":
		if confType == models.ConfigurationService {
			p.SpotPolicy = models.SpotPolicyOnDemand
		} else {
			p.SpotPolicy = models.SpotPolicyAuto
		}
	case models.SpotPolicySpot, models.SpotPolicyOnDemand, models.SpotPolicyAuto:
	default:
		return nil, configErrorf("spot_policy", "unknown spot policy %q", c.SpotPolicy)
	}

	switch p.CreationPolicy {
	case "":
		p.CreationPolicy = models.CreationPolicyReuseOrCreate
	case models.CreationPolicyReuse, models.CreationPolicyReuseOrCreate:
	default:
		return nil, configErrorf("creation_policy", "unknown creation policy %q", c.CreationPolicy)
	}

	switch p.TerminationPolicy {
	case "":
		p.TerminationPolicy = models.TerminationPolicyDestroyAfterIdle
	case models.TerminationPolicyDestroyAfterIdle, models.TerminationPolicyDontDestroy:
	default:
		return nil, configErrorf("termination_policy", "unknown termination policy %q", c.TerminationPolicy)
	}

	if c.IdleDuration != "" {
		d, err := ParseDuration(c.IdleDuration)
		if err != nil {
			return nil, configErrorf("idle_duration", "%v", err)
		}
		p.IdleDuration = d
	}
	if p.TerminationPolicy == models.TerminationPolicyDontDestroy || p.IdleDuration < 0 {
		p.TerminationPolicy = models.TerminationPolicyDontDestroy
		p.IdleDuration = models.NeverTerminate
	}

	if c.MaxDuration != "" {
		d, err := ParseDuration(c.MaxDuration)
		if err != nil {
			return nil, configErrorf("max_duration", "%v", err)
		}
		if d > 0 {
			p.MaxDuration = &d
		}
	}

	if c.MaxPrice != nil && *c.MaxPrice <= 0 {
		return nil, configErrorf("max_price", "must be positive")
	}

	if c.Retry != nil && c.Retry.Enabled {
		policy, err := c.Retry.toPolicy()
		if err != nil {
			return nil, err
		}
		p.Retry = policy
	}
	return p, nil
}

func (r *RetryValue) toPolicy() (*models.RetryPolicy, error) {
	policy := &models.RetryPolicy{}
	for _, e := range r.OnEvents {
		ev := models.RetryEvent(e)
		switch ev {
		case models.RetryEventNoCapacity, models.RetryEventInterruption, models.RetryEventError:
			policy.OnEvents = append(policy.OnEvents, ev)
		default:
			return nil, configErrorf("retry.on_events", "unknown event %q", e)
		}
	}
	if r.Duration != "" {
		d, err := ParseDuration(r.Duration)
		if err != nil {
			return nil, configErrorf("retry.duration", "%v", err)
		}
		if d < 0 {
			return nil, configErrorf("retry.duration", "must not be negative")
		}
		policy.Duration = &d
	}
	return policy, nil
}

// ParseDuration parses Go durations plus plain seconds, a "d" day suffix
// and "off" (returned as -1)
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "off", "-1":
		return models.NeverTerminate, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	if strings.HasSuffix(s, "d") {
		n, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

// ParseRange parses "N", "N..", "..M" or "N..M". Bounds may carry a GB suffix.
func ParseRange(s string) (models.Range, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return models.Range{}, fmt.Errorf("empty range")
	}
	if !strings.Contains(s, "..") {
		v, err := parseQuantity(s)
		if err != nil {
			return models.Range{}, err
		}
		return models.Exactly(v), nil
	}
	parts := strings.SplitN(s, "..", 2)
	var rng models.Range
	if parts[0] != "" {
		v, err := parseQuantity(parts[0])
		if err != nil {
			return models.Range{}, err
		}
		rng.Min = &v
	}
	if parts[1] != "" {
		v, err := parseQuantity(parts[1])
		if err != nil {
			return models.Range{}, err
		}
		rng.Max = &v
	}
	if rng.Min != nil && rng.Max != nil && *rng.Min > *rng.Max {
		return models.Range{}, fmt.Errorf("invalid range %q: min exceeds max", s)
	}
	return rng, nil
}

// ParseGPU parses the short GPU form, e.g. "A100", "A100:2", "A100,H100:80GB:1..2", "24GB..:2"
func ParseGPU(s string) (models.GPUSpec, error) {
	spec := models.GPUSpec{Count: models.AtLeast(1)}
	for _, token := range strings.Split(s, ":") {
		token = strings.TrimSpace(token)
		switch {
		case token == "":
			return spec, fmt.Errorf("invalid gpu %q", s)
		case isMemory(token):
			rng, err := ParseRange(token)
			if err != nil {
				return spec, err
			}
			spec.Memory = rng
		case isCount(token):
			rng, err := ParseRange(token)
			if err != nil {
				return spec, err
			}
			spec.Count = rng
		case strings.EqualFold(token, "nvidia") || strings.EqualFold(token, "amd") || strings.EqualFold(token, "tpu"):
			spec.Vendor = strings.ToLower(token)
		default:
			spec.Names = append(spec.Names, strings.Split(token, ",")...)
		}
	}
	return spec, nil
}

func parseQuantity(s string) (float64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(strings.TrimSuffix(s, "GB"), "gb")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid quantity %q", s)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative quantity %q", s)
	}
	return v, nil
}

func isMemory(token string) bool {
	return strings.Contains(strings.ToUpper(token), "GB")
}

func isCount(token string) bool {
	for _, r := range token {
		if (r < '0' || r > '9') && r != '.' {
			return false
		}
	}
	return true
}
