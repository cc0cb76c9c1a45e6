package jobs

import (
	"strconv"

	"fleet-orchestrator/core/models"
)

// MasterPort is the rendezvous port exposed to every node of a cluster
const MasterPort = 29500

// clusterEnv returns the rendezvous variables for one node of a multi-node
// replica. Node 0 rendezvouses with itself; workers use the master's address.
func clusterEnv(job *models.Job, master *models.Job, resources models.Resources) map[string]string {
	nodes := job.Spec.JobsPerReplica
	gpus := len(resources.GPUs)
	addr := "127.0.0.1"
	if master != nil && master.ProvisioningData != nil {
		addr = masterAddr(master.ProvisioningData)
	}
	return map[string]string{
		"MASTER_ADDR":          addr,
		"MASTER_PORT":          strconv.Itoa(MasterPort),
		"NODE_RANK":            strconv.Itoa(job.JobNum),
		"WORLD_SIZE":           strconv.Itoa(nodes),
		"FLEET_NODES_NUM":      strconv.Itoa(nodes),
		"FLEET_NODE_RANK":      strconv.Itoa(job.JobNum),
		"FLEET_MASTER_NODE_IP": addr,
		"FLEET_GPUS_PER_NODE":  strconv.Itoa(gpus),
		"FLEET_GPUS_NUM":       strconv.Itoa(gpus * nodes),
	}
}

func masterAddr(data *models.JobProvisioningData) string {
	if data.InternalIP != "" {
		return data.InternalIP
	}
	return data.Hostname
}

// withClusterEnv merges the cluster variables into the job's env. Values the
// user set explicitly win.
func withClusterEnv(job *models.Job, master *models.Job, resources models.Resources) {
	if job.Spec.JobsPerReplica <= 1 {
		return
	}
	env := make(map[string]string, len(job.Spec.Env)+9)
	for k, v := range clusterEnv(job, master, resources) {
		env[k] = v
	}
	for k, v := range job.Spec.Env {
		env[k] = v
	}
	job.Spec.Env = env
}
