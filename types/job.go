package types

import "time"

// JobKind identifies the operation a queued job performs.
type JobKind string

// Job kinds executed by the dispatcher.
const (
	JobIaCInit     JobKind = "iac_init"
	JobIaCPlan     JobKind = "iac_plan"
	JobIaCApply    JobKind = "iac_apply"
	JobIaCDestroy  JobKind = "iac_destroy"
	JobIaCValidate JobKind = "iac_validate"
	JobSandboxRun  JobKind = "sandbox_run"
)

// JobStatus represents the lifecycle of a dispatched job.
type JobStatus string

// Job status constants.
const (
	JobQueued    JobStatus = "queued"
	JobActive    JobStatus = "active"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// IsTerminal returns true if the job can no longer change status.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Job is a persisted unit of background work. The dispatcher owns job
// records; they refer to deployments but are not owned by them.
type Job struct {
	ID           string         `bson:"_id" json:"jobId"`
	Kind         JobKind        `bson:"kind" json:"kind"`
	DeploymentID string         `bson:"deploymentId,omitempty" json:"deploymentId,omitempty"`
	Payload      map[string]any `bson:"payload,omitempty" json:"payload,omitempty"`

	Status      JobStatus      `bson:"status" json:"status"`
	Attempts    int            `bson:"attempts" json:"attempts"`
	MaxAttempts int            `bson:"maxAttempts" json:"maxAttempts"`
	LastError   string         `bson:"lastError,omitempty" json:"lastError,omitempty"`
	Result      map[string]any `bson:"result,omitempty" json:"result,omitempty"`

	EnqueuedAt  time.Time  `bson:"enqueuedAt" json:"enqueuedAt"`
	StartedAt   *time.Time `bson:"startedAt,omitempty" json:"startedAt,omitempty"`
	CompletedAt *time.Time `bson:"completedAt,omitempty" json:"completedAt,omitempty"`
}
