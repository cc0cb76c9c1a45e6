package jobs

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"fleet-orchestrator/core/models"
)

// NewJobSpec derives the spec of node jobNum from the run spec
func NewJobSpec(run *models.Run, jobNum int) models.JobSpec {
	conf := run.Spec.Configuration
	profile := run.Spec.Profile
	return models.JobSpec{
		JobName:        fmt.Sprintf("%s-%d", run.RunName, jobNum),
		JobNum:         jobNum,
		JobsPerReplica: run.JobsPerReplica(),
		Image:          conf.Image,
		Commands:       conf.Commands,
		Env:            conf.Env,
		Requirements: models.Requirements{
			Resources: conf.Resources,
			Spot:      profile.SpotPolicy.Requirement(),
			MaxPrice:  profile.MaxPrice,
		},
		SpotPolicy:  profile.SpotPolicy,
		Retry:       profile.Retry,
		MaxDuration: profile.MaxDuration,
	}
}

// NewReplicaJobs builds the first submission of every node of a replica
func NewReplicaJobs(run *models.Run, replicaNum int, now time.Time) []*models.Job {
	jobs := make([]*models.Job, run.JobsPerReplica())
	for jobNum := range jobs {
		jobs[jobNum] = &models.Job{
			ID:               uuid.New().String(),
			RunID:            run.ID,
			ProjectName:      run.ProjectName,
			RunName:          run.RunName,
			ReplicaNum:       replicaNum,
			JobNum:           jobNum,
			DeploymentNum:    run.DeploymentNum,
			Priority:         run.Priority,
			Spec:             NewJobSpec(run, jobNum),
			Status:           models.JobStatusPending,
			SubmittedAt:      now,
			FirstSubmittedAt: now,
		}
	}
	return jobs
}
