package types

import "time"

// StageID identifies a coarse orchestration phase. A stage typically owns
// several deployment statuses.
type StageID string

// Stage constants, in pipeline order.
const (
	StageAnalyze         StageID = "ANALYZE"
	StageConfigure       StageID = "CONFIGURE"
	StageGenerate        StageID = "GENERATE"
	StageAwaitFileUpload StageID = "AWAIT_FILE_UPLOAD"
	StageVerifyFiles     StageID = "VERIFY_FILES"
	StageLocalBuild      StageID = "LOCAL_BUILD"
	StageLocalTest       StageID = "LOCAL_TEST"
	StageProvision       StageID = "PROVISION"
	StageDeploy          StageID = "DEPLOY"
	StageHealthCheck     StageID = "HEALTH_CHECK"
)

// StageOrder is the canonical pipeline order.
var StageOrder = []StageID{
	StageAnalyze,
	StageConfigure,
	StageGenerate,
	StageAwaitFileUpload,
	StageVerifyFiles,
	StageLocalBuild,
	StageLocalTest,
	StageProvision,
	StageDeploy,
	StageHealthCheck,
}

// NextStage returns the stage following s, or empty when s is the last stage.
func NextStage(s StageID) StageID {
	for i, id := range StageOrder {
		if id == s && i+1 < len(StageOrder) {
			return StageOrder[i+1]
		}
	}
	return ""
}

// IsFinalStage reports whether s is the last pipeline stage.
func IsFinalStage(s StageID) bool {
	return len(StageOrder) > 0 && s == StageOrder[len(StageOrder)-1]
}

// StageResult is one entry of a session's stage history.
type StageResult struct {
	StageID   StageID   `bson:"stageId" json:"stageId"`
	Success   bool      `bson:"success" json:"success"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
}

// ErrorAnalysis is an AI-produced diagnosis of a failed command.
type ErrorAnalysis struct {
	Analysis      string    `bson:"analysis" json:"analysis"`
	FixCommands   []Command `bson:"fixCommands,omitempty" json:"fixCommands,omitempty"`
	RetryCommands []Command `bson:"retryCommands,omitempty" json:"retryCommands,omitempty"`
	CreatedAt     time.Time `bson:"createdAt" json:"createdAt"`
}

// FileProposalStatus is the review status of a proposed file.
type FileProposalStatus string

// File proposal statuses.
const (
	ProposalPending  FileProposalStatus = "pending"
	ProposalApproved FileProposalStatus = "approved"
	ProposalRejected FileProposalStatus = "rejected"
)

// FileProposal is an AI-proposed file awaiting human review. Approval
// materializes it into the deployment's working tree.
type FileProposal struct {
	ID        string             `bson:"id" json:"id"`
	Path      string             `bson:"path" json:"path"`
	Content   string             `bson:"content" json:"content"`
	Type      string             `bson:"type,omitempty" json:"type,omitempty"`
	Status    FileProposalStatus `bson:"status" json:"status"`
	CreatedAt time.Time          `bson:"createdAt" json:"createdAt"`
}

// Verification is an AI auto-verify outcome for one stage.
type Verification struct {
	StageID   StageID   `bson:"stageId" json:"stageId"`
	Passed    bool      `bson:"passed" json:"passed"`
	Analysis  string    `bson:"analysis,omitempty" json:"analysis,omitempty"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
}

// StageSession is the per-deployment orchestration context and the resume
// anchor: reloading it restores the current stage, the serialized command
// queue, the last instructions, and any pending error analysis.
type StageSession struct {
	DeploymentID string `bson:"_id" json:"deploymentId"`

	CurrentStage StageID       `bson:"currentStage" json:"currentStage"`
	StageHistory []StageResult `bson:"stageHistory" json:"stageHistory"`

	Instructions string        `bson:"instructions,omitempty" json:"instructions,omitempty"`
	Queue        QueueSnapshot `bson:"queue" json:"queue"`

	ErrorAnalyses []ErrorAnalysis `bson:"errorAnalyses,omitempty" json:"errorAnalyses,omitempty"`
	Proposals     []FileProposal  `bson:"proposals,omitempty" json:"proposals,omitempty"`
	Verifications []Verification  `bson:"verifications,omitempty" json:"verifications,omitempty"`

	UpdatedAt time.Time `bson:"updatedAt" json:"updatedAt"`
}
