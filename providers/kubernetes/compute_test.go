package kubernetes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"fleet-orchestrator/core/backends"
	"fleet-orchestrator/core/logger"
	"fleet-orchestrator/core/models"
)

func gpuNode(name string, gpus int64, ready bool) *corev1.Node {
	status := corev1.ConditionTrue
	if !ready {
		status = corev1.ConditionFalse
	}
	return &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{
			Name: name,
			Labels: map[string]string{
				gpuProductLabel: "NVIDIA-A100-SXM4-80GB",
				gpuMemoryLabel:  "81920",
			},
		},
		Status: corev1.NodeStatus{
			Allocatable: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse("32"),
				corev1.ResourceMemory: resource.MustParse("256Gi"),
				gpuResource:           *resource.NewQuantity(gpus, resource.DecimalSI),
			},
			Conditions: []corev1.NodeCondition{{Type: corev1.NodeReady, Status: status}},
			NodeInfo:   corev1.NodeSystemInfo{Architecture: "amd64"},
		},
	}
}

func newTestCompute(objects ...runtime.Object) (*Compute, *fake.Clientset) {
	client := fake.NewSimpleClientset(objects...)
	cfg := backends.KubernetesConfig{Namespace: "jobs", PricePerGPU: 2, PricePerCPU: 0.01}
	return NewCompute(cfg, client, logger.NewNop()), client
}

func TestGetOffersFromNodes(t *testing.T) {
	c, _ := newTestCompute(gpuNode("node-a", 4, true), gpuNode("node-b", 8, false), gpuNode("cpu-only", 0, true))

	offers, err := c.GetOffers(context.Background(), models.Requirements{
		Resources: models.ResourcesSpec{GPU: &models.GPUSpec{Names: []string{"A100"}, Count: models.AtLeast(4)}},
	})
	require.NoError(t, err)
	require.Len(t, offers, 2)

	byNode := make(map[string]models.InstanceOfferWithAvailability)
	for _, o := range offers {
		byNode[o.InstanceType] = o
	}
	a := byNode["node-a"]
	assert.Equal(t, models.AvailabilityAvailable, a.Availability)
	assert.Equal(t, "cluster", a.Region)
	assert.Equal(t, "x86", a.Resources.CPUArch)
	assert.InDelta(t, 4*2+32*0.01, a.Price, 1e-9)
	assert.InDelta(t, 80, a.Resources.GPUs[0].MemoryGB, 1e-9)
	assert.InDelta(t, 256, a.Resources.MemoryGB, 1e-9)
	assert.Equal(t, models.AvailabilityNotAvailable, byNode["node-b"].Availability)
}

func TestRunJobCreatesPod(t *testing.T) {
	c, client := newTestCompute()
	job := &models.Job{
		ID:      "5e0c1f22-aaaa",
		RunName: "Serve_LLM",
		Spec: models.JobSpec{
			Image:    "vllm:latest",
			Commands: []string{"vllm serve"},
			Env:      map[string]string{"HF_TOKEN": "x"},
			Requirements: models.Requirements{Resources: models.ResourcesSpec{
				CPU:    models.CPUSpec{Count: models.AtLeast(4)},
				Memory: models.AtLeast(16),
			}},
		},
	}
	offer := models.InstanceOfferWithAvailability{InstanceOffer: models.InstanceOffer{
		Region:       "cluster",
		InstanceType: "node-a",
		Price:        8.32,
		Resources:    models.Resources{GPUs: []models.GPU{{Name: "A100"}, {Name: "A100"}}},
	}}

	data, err := c.RunJob(context.Background(), &models.Run{ID: "run-1"}, job, offer, nil)
	require.NoError(t, err)
	assert.Equal(t, "serve-llm-0-0-5e0c1f22", data.InstanceID)
	assert.Equal(t, "jobs", data.BackendData)
	assert.Equal(t, models.BackendKubernetes, data.Backend)

	pod, err := client.CoreV1().Pods("jobs").Get(context.Background(), data.InstanceID, metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "node-a", pod.Spec.NodeName)
	assert.Equal(t, "run-1", pod.Labels["fleet/run-id"])
	container := pod.Spec.Containers[0]
	gpus := container.Resources.Limits[gpuResource]
	assert.Equal(t, int64(2), gpus.Value())
	assert.Equal(t, int64(4), container.Resources.Requests.Cpu().Value())
	assert.Equal(t, []string{"/bin/sh", "-c", "vllm serve"}, container.Command)
}

func TestRunJobErrors(t *testing.T) {
	c, client := newTestCompute()
	client.PrependReactor("create", "pods", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewForbidden(schema.GroupResource{Resource: "pods"}, "x", assert.AnError)
	})
	_, err := c.RunJob(context.Background(), &models.Run{}, &models.Job{RunName: "x"}, models.InstanceOfferWithAvailability{}, nil)
	require.Error(t, err)
	assert.True(t, backends.IsAuthError(err))

	c, client = newTestCompute()
	client.PrependReactor("create", "pods", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewTooManyRequests("slow down", 5)
	})
	_, err = c.RunJob(context.Background(), &models.Run{}, &models.Job{RunName: "x"}, models.InstanceOfferWithAvailability{}, nil)
	require.Error(t, err)
	assert.True(t, backends.IsNoCapacity(err))
}

func TestTerminateInstance(t *testing.T) {
	pod := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "train-0-0-abc", Namespace: "jobs"}}
	c, client := newTestCompute(pod)

	require.NoError(t, c.TerminateInstance(context.Background(), "train-0-0-abc", "cluster", "jobs"))
	_, err := client.CoreV1().Pods("jobs").Get(context.Background(), "train-0-0-abc", metav1.GetOptions{})
	assert.True(t, apierrors.IsNotFound(err))

	assert.NoError(t, c.TerminateInstance(context.Background(), "train-0-0-abc", "cluster", ""))
}

func TestGPUName(t *testing.T) {
	assert.Equal(t, "A100", gpuName("NVIDIA-A100-SXM4-40GB"))
	assert.Equal(t, "H100", gpuName("H100"))
}
