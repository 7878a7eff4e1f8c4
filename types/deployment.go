package types

import "time"

// Status represents a deployment lifecycle status.
type Status string

// Deployment status constants. The legal moves between them are declared in
// the lifecycle package; everything else is rejected.
const (
	StatusInitial                 Status = "INITIAL"
	StatusGathering               Status = "GATHERING"
	StatusRepositoryAnalysis      Status = "REPOSITORY_ANALYSIS"
	StatusCodeAnalysis            Status = "CODE_ANALYSIS"
	StatusInfrastructureDiscovery Status = "INFRASTRUCTURE_DISCOVERY"
	StatusDependencyAnalysis      Status = "DEPENDENCY_ANALYSIS"
	StatusPlanning                Status = "PLANNING"
	StatusValidating              Status = "VALIDATING"
	StatusEstimated               Status = "ESTIMATED"
	StatusPendingApproval         Status = "PENDING_APPROVAL"
	StatusApproved                Status = "APPROVED"
	StatusSandboxDeploying        Status = "SANDBOX_DEPLOYING"
	StatusTesting                 Status = "TESTING"
	StatusGithubCommit            Status = "GITHUB_COMMIT"
	StatusGithubActions           Status = "GITHUB_ACTIONS"
	StatusDeploying               Status = "DEPLOYING"
	StatusDeployed                Status = "DEPLOYED"
	StatusValidationFailed        Status = "VALIDATION_FAILED"
	StatusSandboxFailed           Status = "SANDBOX_FAILED"
	StatusDeploymentFailed        Status = "DEPLOYMENT_FAILED"
	StatusCancelled               Status = "CANCELLED"
	StatusDestroyed               Status = "DESTROYED"
	StatusRollingBack             Status = "ROLLING_BACK"
	StatusRolledBack              Status = "ROLLED_BACK"
	StatusRollbackFailed          Status = "ROLLBACK_FAILED"
)

// terminalStatuses is the set of statuses a deployment can never leave.
var terminalStatuses = map[Status]bool{
	StatusDeployed:       true,
	StatusCancelled:      true,
	StatusDestroyed:      true,
	StatusRolledBack:     true,
	StatusRollbackFailed: true,
}

// IsTerminal returns true if the status is final.
func (s Status) IsTerminal() bool { return terminalStatuses[s] }

// IsFailure returns true for the resumable failure sidetracks.
func (s Status) IsFailure() bool {
	return s == StatusValidationFailed || s == StatusSandboxFailed || s == StatusDeploymentFailed
}

// StatusChange is one entry of a deployment's status history.
// The history is append-only; its last entry always mirrors Deployment.Status.
type StatusChange struct {
	Status    Status    `bson:"status" json:"status"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
	Reason    string    `bson:"reason,omitempty" json:"reason,omitempty"`
	Actor     string    `bson:"actor,omitempty" json:"actor,omitempty"`
}

// SourceBundle holds the deployment's current infrastructure sources.
// Keys are the canonical file names (main.tf, variables.tf, outputs.tf,
// providers.tf); backend.tf is always generated and never stored here.
type SourceBundle struct {
	Main      string `bson:"main" json:"main"`
	Variables string `bson:"variables,omitempty" json:"variables,omitempty"`
	Outputs   string `bson:"outputs,omitempty" json:"outputs,omitempty"`
	Providers string `bson:"providers,omitempty" json:"providers,omitempty"`
}

// Files returns the bundle as a filename-to-content map, omitting empty files.
func (b SourceBundle) Files() map[string]string {
	files := make(map[string]string, 4)
	if b.Main != "" {
		files["main.tf"] = b.Main
	}
	if b.Variables != "" {
		files["variables.tf"] = b.Variables
	}
	if b.Outputs != "" {
		files["outputs.tf"] = b.Outputs
	}
	if b.Providers != "" {
		files["providers.tf"] = b.Providers
	}
	return files
}

// DeploymentVersion is a previously applied source/state generation.
type DeploymentVersion struct {
	Version    int          `bson:"version" json:"version"`
	Sources    SourceBundle `bson:"sources" json:"sources"`
	AppliedAt  time.Time    `bson:"appliedAt" json:"appliedAt"`
	StateKey   string       `bson:"stateKey,omitempty" json:"stateKey,omitempty"`
	ApplyNotes string       `bson:"applyNotes,omitempty" json:"applyNotes,omitempty"`
}

// Resource is one provisioned cloud resource known to a deployment.
type Resource struct {
	Type string `bson:"type" json:"type"`
	Name string `bson:"name" json:"name"`
	ID   string `bson:"id,omitempty" json:"id,omitempty"`
}

// Approval records a human approval decision on a deployment.
type Approval struct {
	UserID    string    `bson:"userId" json:"userId"`
	Approved  bool      `bson:"approved" json:"approved"`
	Comment   string    `bson:"comment,omitempty" json:"comment,omitempty"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
}

// CostEstimate is the contract for cost estimation results.
// Producers live outside the engine; the engine only persists the record.
type CostEstimate struct {
	MonthlyUSD float64   `bson:"monthlyUsd" json:"monthlyUsd"`
	HourlyUSD  float64   `bson:"hourlyUsd" json:"hourlyUsd"`
	Currency   string    `bson:"currency" json:"currency"`
	ComputedAt time.Time `bson:"computedAt" json:"computedAt"`
}

// DriftSnapshot is the contract for drift detection results.
type DriftSnapshot struct {
	Drifted    bool      `bson:"drifted" json:"drifted"`
	Summary    string    `bson:"summary,omitempty" json:"summary,omitempty"`
	CapturedAt time.Time `bson:"capturedAt" json:"capturedAt"`
}

// SecuritySnapshot is the contract for security scan results.
type SecuritySnapshot struct {
	Findings   int       `bson:"findings" json:"findings"`
	Critical   int       `bson:"critical" json:"critical"`
	Summary    string    `bson:"summary,omitempty" json:"summary,omitempty"`
	CapturedAt time.Time `bson:"capturedAt" json:"capturedAt"`
}

// Deployment is the root aggregate: one uniquely identified intent to
// materialize and manage a set of cloud resources.
type Deployment struct {
	ID          string `bson:"_id" json:"deploymentId"`
	Name        string `bson:"name" json:"name"`
	Description string `bson:"description,omitempty" json:"description,omitempty"`
	Environment string `bson:"environment" json:"environment"`
	Region      string `bson:"region" json:"region"`
	RepoURL     string `bson:"repoUrl,omitempty" json:"repoUrl,omitempty"`
	Branch      string `bson:"branch,omitempty" json:"branch,omitempty"`
	OwnerID     string `bson:"ownerId" json:"ownerId"`

	Status        Status         `bson:"status" json:"status"`
	StatusHistory []StatusChange `bson:"statusHistory" json:"statusHistory"`

	Sources          SourceBundle        `bson:"sources" json:"sources"`
	Version          int                 `bson:"version" json:"version"`
	PreviousVersions []DeploymentVersion `bson:"previousVersions,omitempty" json:"previousVersions,omitempty"`

	Resources []Resource        `bson:"resources,omitempty" json:"resources,omitempty"`
	Approvals []Approval        `bson:"approvals,omitempty" json:"approvals,omitempty"`
	Estimate  *CostEstimate     `bson:"estimate,omitempty" json:"estimate,omitempty"`
	ActualUSD float64           `bson:"actualUsd,omitempty" json:"actualUsd,omitempty"`
	BudgetUSD float64           `bson:"budgetUsd,omitempty" json:"budgetUsd,omitempty"`
	Drift     *DriftSnapshot    `bson:"drift,omitempty" json:"drift,omitempty"`
	Security  *SecuritySnapshot `bson:"security,omitempty" json:"security,omitempty"`

	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt" json:"updatedAt"`
}

// StateKey returns the object-storage key of the deployment's state blob.
func (d *Deployment) StateKey() string { return StateKeyFor(d.ID) }

// StateKeyFor returns the object-storage key for a deployment id.
func StateKeyFor(deploymentID string) string {
	return "deployments/" + deploymentID + "/state.tfstate"
}

// LockKeyFor returns the lock-table key for a deployment id.
func LockKeyFor(deploymentID string) string {
	return "deployments/" + deploymentID + "/state-md5"
}
