package backends

import (
	"fmt"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"fleet-orchestrator/core/models"
)

// BackendConfig is the configuration of one backend. The concrete type is
// selected by the "type" key.
type BackendConfig interface {
	BackendType() models.BackendType
	isBackendConfig()
}

// AWSConfig configures the EC2 backend
type AWSConfig struct {
	Regions          []string `yaml:"regions"`
	Profile          string   `yaml:"profile"`
	AccessKeyID      string   `yaml:"access_key_id"`
	SecretAccessKey  string   `yaml:"secret_access_key"`
	SubnetID         string   `yaml:"subnet_id"`
	SecurityGroupIDs []string `yaml:"security_group_ids"`
	KeyName          string   `yaml:"key_name"`
	ImageID          string   `yaml:"image_id"`         // optional; looked up when empty
	RefreshPrices    bool     `yaml:"refresh_prices"`   // query the pricing API instead of the static catalog
	SpotDiscount     float64  `yaml:"spot_discount"`    // fraction of on-demand price, default 0.3
}

// GCPConfig configures the Compute Engine backend
type GCPConfig struct {
	ProjectID       string   `yaml:"project_id"`
	Regions         []string `yaml:"regions"`
	CredentialsFile string   `yaml:"credentials_file"`
	Network         string   `yaml:"network"`
	Subnetwork      string   `yaml:"subnetwork"`
	Image           string   `yaml:"image"`
}

// KubernetesConfig configures the Kubernetes backend
type KubernetesConfig struct {
	Kubeconfig  string  `yaml:"kubeconfig"` // in-cluster config when empty
	Namespace   string  `yaml:"namespace"`
	Region      string  `yaml:"region"`
	PricePerGPU float64 `yaml:"price_per_gpu"`
	PricePerCPU float64 `yaml:"price_per_cpu"`
}

// SSHHost is one on-prem host of an SSH fleet
type SSHHost struct {
	Address  string       `yaml:"address"`
	Port     int          `yaml:"port"`
	CPUs     int          `yaml:"cpus"`
	MemoryGB float64      `yaml:"memory_gb"`
	DiskGB   float64      `yaml:"disk_gb"`
	GPUs     []models.GPU `yaml:"gpus"`
	Blocks   int          `yaml:"blocks"`
}

// SSHConfig configures a fleet of SSH-reachable hosts
type SSHConfig struct {
	Region         string    `yaml:"region"`
	User           string    `yaml:"user"`
	PrivateKeyFile string    `yaml:"private_key_file"`
	Password       string    `yaml:"password"`
	KnownHostsFile string    `yaml:"known_hosts_file"` // host keys are not checked when empty
	Hosts          []SSHHost `yaml:"hosts"`
}

func (AWSConfig) BackendType() models.BackendType        { return models.BackendAWS }
func (GCPConfig) BackendType() models.BackendType        { return models.BackendGCP }
func (KubernetesConfig) BackendType() models.BackendType { return models.BackendKubernetes }
func (SSHConfig) BackendType() models.BackendType        { return models.BackendSSH }

func (AWSConfig) isBackendConfig()        {}
func (GCPConfig) isBackendConfig()        {}
func (KubernetesConfig) isBackendConfig() {}
func (SSHConfig) isBackendConfig()        {}

// DecodeBackendConfig decodes a tagged backend config node
func DecodeBackendConfig(node *yaml.Node) (BackendConfig, error) {
	var header struct {
		Type models.BackendType `yaml:"type"`
	}
	if err := node.Decode(&header); err != nil {
		return nil, errors.Wrap(err, "decoding backend type")
	}

	var cfg BackendConfig
	var err error
	switch header.Type {
	case models.BackendAWS:
		var c AWSConfig
		err = node.Decode(&c)
		cfg = &c
	case models.BackendGCP:
		var c GCPConfig
		err = node.Decode(&c)
		cfg = &c
	case models.BackendKubernetes:
		var c KubernetesConfig
		err = node.Decode(&c)
		cfg = &c
	case models.BackendSSH:
		var c SSHConfig
		err = node.Decode(&c)
		cfg = &c
	case "":
		return nil, fmt.Errorf("backend config at line %d has no type", node.Line)
	default:
		return nil, fmt.Errorf("unknown backend type %q at line %d", header.Type, node.Line)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "decoding %s backend config", header.Type)
	}
	return cfg, nil
}

// BackendConfigs is a YAML list of tagged backend configs
type BackendConfigs []BackendConfig

// UnmarshalYAML implements yaml.Unmarshaler
func (c *BackendConfigs) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.SequenceNode {
		return fmt.Errorf("backends must be a list, got line %d", value.Line)
	}
	out := make(BackendConfigs, 0, len(value.Content))
	seen := make(map[models.BackendType]bool)
	for _, item := range value.Content {
		cfg, err := DecodeBackendConfig(item)
		if err != nil {
			return err
		}
		if seen[cfg.BackendType()] {
			return fmt.Errorf("backend %s configured twice", cfg.BackendType())
		}
		seen[cfg.BackendType()] = true
		out = append(out, cfg)
	}
	*c = out
	return nil
}
