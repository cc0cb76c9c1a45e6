// Package kubernetes runs jobs as pods on an existing Kubernetes cluster.
package kubernetes

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"fleet-orchestrator/core/backends"
	"fleet-orchestrator/core/logger"
	"fleet-orchestrator/core/models"
)

const (
	gpuResource     corev1.ResourceName = "nvidia.com/gpu"
	gpuProductLabel                     = "nvidia.com/gpu.product"
	gpuMemoryLabel                      = "nvidia.com/gpu.memory" // MiB
	managedByLabel                      = "app.kubernetes.io/managed-by"
	defaultNamespace                    = "default"
	defaultRegion                       = "cluster"
)

// Registration registers the Kubernetes backend
var Registration = backends.Registration{
	Type:    models.BackendKubernetes,
	Factory: newFromConfig,
}

// Compute schedules one pod per job onto a chosen node
type Compute struct {
	cfg    backends.KubernetesConfig
	client kubernetes.Interface
	log    *logger.Logger
}

func newFromConfig(_ context.Context, cfg backends.BackendConfig, log *logger.Logger) (backends.Compute, error) {
	k8sCfg, ok := cfg.(*backends.KubernetesConfig)
	if !ok {
		return nil, fmt.Errorf("unexpected config type %T", cfg)
	}
	var restCfg *rest.Config
	var err error
	if k8sCfg.Kubeconfig != "" {
		restCfg, err = clientcmd.BuildConfigFromFlags("", k8sCfg.Kubeconfig)
	} else {
		restCfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, &backends.BackendInvalidCredentialsError{Backend: models.BackendKubernetes, Msg: err.Error()}
	}
	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, &backends.BackendInvalidCredentialsError{Backend: models.BackendKubernetes, Msg: err.Error()}
	}
	return NewCompute(*k8sCfg, client, log), nil
}

// NewCompute creates the backend on top of a clientset
func NewCompute(cfg backends.KubernetesConfig, client kubernetes.Interface, log *logger.Logger) *Compute {
	if cfg.Namespace == "" {
		cfg.Namespace = defaultNamespace
	}
	if cfg.Region == "" {
		cfg.Region = defaultRegion
	}
	return &Compute{cfg: cfg, client: client, log: log}
}

// GetOffers returns one offer per node covering its allocatable resources.
// Nodes that are cordoned or not ready are reported as not available.
func (c *Compute) GetOffers(ctx context.Context, req models.Requirements) ([]models.InstanceOfferWithAvailability, error) {
	nodes, err := c.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, classify(err)
	}
	var offers []models.InstanceOffer
	ready := make(map[string]bool)
	for i := range nodes.Items {
		node := &nodes.Items[i]
		res := nodeResources(node)
		offers = append(offers, models.InstanceOffer{
			Backend:      models.BackendKubernetes,
			Region:       c.cfg.Region,
			InstanceType: node.Name,
			Resources:    res,
			Price:        float64(len(res.GPUs))*c.cfg.PricePerGPU + float64(res.CPUs)*c.cfg.PricePerCPU,
		})
		ready[node.Name] = nodeReady(node)
	}
	matched := backends.MatchOffers(offers, req, nil)
	return backends.WithAvailability(matched, func(o models.InstanceOffer) models.Availability {
		if ready[o.InstanceType] {
			return models.AvailabilityAvailable
		}
		return models.AvailabilityNotAvailable
	}), nil
}

func nodeReady(node *corev1.Node) bool {
	if node.Spec.Unschedulable {
		return false
	}
	for _, cond := range node.Status.Conditions {
		if cond.Type == corev1.NodeReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}

func nodeResources(node *corev1.Node) models.Resources {
	alloc := node.Status.Allocatable
	res := models.Resources{
		CPUArch: node.Status.NodeInfo.Architecture,
		CPUs:    int(alloc.Cpu().Value()),
		// allocatable bytes to GB
		MemoryGB: float64(alloc.Memory().Value()) / (1 << 30),
		DiskGB:   float64(alloc.StorageEphemeral().Value()) / (1 << 30),
	}
	if res.CPUArch == "amd64" {
		res.CPUArch = "x86"
	} else if res.CPUArch == "arm64" {
		res.CPUArch = "arm"
	}
	gpus := alloc[gpuResource]
	name := node.Labels[gpuProductLabel]
	memMiB, _ := strconv.ParseFloat(node.Labels[gpuMemoryLabel], 64)
	for i := int64(0); i < gpus.Value(); i++ {
		res.GPUs = append(res.GPUs, models.GPU{Name: gpuName(name), Vendor: "nvidia", MemoryGB: memMiB / 1024})
	}
	return res
}

// gpuName shortens a GPU feature discovery product label like
// "NVIDIA-A100-SXM4-40GB" to "A100"
func gpuName(product string) string {
	parts := strings.Split(product, "-")
	if len(parts) > 1 && strings.EqualFold(parts[0], "nvidia") {
		return parts[1]
	}
	return product
}

// RunJob creates the job's pod pinned to the offer's node. The pod name is
// the instance ID and the namespace is kept as backend data.
func (c *Compute) RunJob(
	ctx context.Context,
	run *models.Run,
	job *models.Job,
	offer models.InstanceOfferWithAvailability,
	_ *models.PlacementGroup,
) (*models.JobProvisioningData, error) {
	pod := c.pod(run, job, offer)
	created, err := c.client.CoreV1().Pods(c.cfg.Namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return nil, classify(err)
	}
	c.log.Info("Pod created",
		logger.String("job", job.Name()),
		logger.String("pod", created.Name),
		logger.String("node", offer.InstanceType),
	)
	return &models.JobProvisioningData{
		Backend:      models.BackendKubernetes,
		Region:       offer.Region,
		InstanceType: offer.InstanceType,
		InstanceID:   created.Name,
		Hostname:     created.Status.PodIP,
		InternalIP:   created.Status.PodIP,
		Price:        offer.Price,
		Resources:    offer.Resources,
		BackendData:  c.cfg.Namespace,
	}, nil
}

func podName(job *models.Job) string {
	id := strings.ReplaceAll(job.ID, "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	name := strings.ToLower(fmt.Sprintf("%s-%d-%d-%s", job.RunName, job.ReplicaNum, job.JobNum, id))
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			return r
		}
		return '-'
	}, name)
}

func (c *Compute) pod(run *models.Run, job *models.Job, offer models.InstanceOfferWithAvailability) *corev1.Pod {
	limits := corev1.ResourceList{}
	requests := corev1.ResourceList{}
	if n := len(offer.Resources.GPUs); n > 0 {
		limits[gpuResource] = *resource.NewQuantity(int64(n), resource.DecimalSI)
	}
	if cpus := job.Spec.Requirements.Resources.CPU.Count.MinOr(0); cpus > 0 {
		requests[corev1.ResourceCPU] = *resource.NewQuantity(int64(cpus), resource.DecimalSI)
	}
	if mem := job.Spec.Requirements.Resources.Memory.MinOr(0); mem > 0 {
		requests[corev1.ResourceMemory] = *resource.NewQuantity(int64(mem*(1<<30)), resource.BinarySI)
	}

	var env []corev1.EnvVar
	for k, v := range job.Spec.Env {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}
	container := corev1.Container{
		Name:      "job",
		Image:     job.Spec.Image,
		Env:       env,
		Resources: corev1.ResourceRequirements{Limits: limits, Requests: requests},
	}
	if len(job.Spec.Commands) > 0 {
		container.Command = []string{"/bin/sh", "-c", strings.Join(job.Spec.Commands, " && ")}
	}
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      podName(job),
			Namespace: c.cfg.Namespace,
			Labels: map[string]string{
				managedByLabel:    "fleet-orchestrator",
				"fleet/run-id":    run.ID,
				"fleet/job-id":    job.ID,
				"fleet/replica":   strconv.Itoa(job.ReplicaNum),
				"fleet/job-num":   strconv.Itoa(job.JobNum),
				"fleet/submitted": strconv.Itoa(job.SubmissionNum),
			},
		},
		Spec: corev1.PodSpec{
			NodeName:      offer.InstanceType,
			RestartPolicy: corev1.RestartPolicyNever,
			Containers:    []corev1.Container{container},
		},
	}
}

// TerminateInstance deletes the pod. backendData is its namespace.
func (c *Compute) TerminateInstance(ctx context.Context, instanceID, _, backendData string) error {
	ns := backendData
	if ns == "" {
		ns = c.cfg.Namespace
	}
	err := c.client.CoreV1().Pods(ns).Delete(ctx, instanceID, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
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

func classify(err error) error {
	switch {
	case apierrors.IsUnauthorized(err), apierrors.IsForbidden(err):
		return &backends.BackendAuthError{Backend: models.BackendKubernetes, Err: err}
	case apierrors.IsTooManyRequests(err), apierrors.IsServerTimeout(err):
		return backends.NewNoCapacityError("%v", err)
	case apierrors.IsAlreadyExists(err), apierrors.IsInvalid(err):
		return &backends.ComputeError{Msg: "pod rejected", Err: err}
	}
	var status apierrors.APIStatus
	if errors.As(err, &status) {
		return &backends.ComputeError{Msg: "kubernetes request failed", Err: err}
	}
	return &backends.BackendError{Backend: models.BackendKubernetes, Err: err}
}

var _ backends.Compute = (*Compute)(nil)
