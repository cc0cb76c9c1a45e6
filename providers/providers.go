// Package providers lists the compute backends the server can build.
package providers

import (
	"fleet-orchestrator/core/backends"
	"fleet-orchestrator/providers/aws"
	"fleet-orchestrator/providers/gcp"
	"fleet-orchestrator/providers/kubernetes"
	"fleet-orchestrator/providers/ssh"
)

// Registry returns a registry with every built-in backend
func Registry() *backends.Registry {
	return backends.NewRegistry(
		aws.Registration,
		gcp.Registration,
		kubernetes.Registration,
		ssh.Registration,
	)
}
