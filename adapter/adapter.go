// Package adapter defines the completion-event boundary to downstream
// systems.
//
// Adapters publish deployment completion notifications (terminal status
// reached) to external consumers. The composition root owns adapter
// lifecycle; the engine only calls Publish.
package adapter

import "context"

// ContractVersion identifies the event payload shape.
const ContractVersion = "1"

// EventTypeDeploymentCompleted is the only event type published today.
const EventTypeDeploymentCompleted = "deployment_completed"

// DeploymentEvent is the payload published when a deployment reaches a
// terminal status.
type DeploymentEvent struct {
	ContractVersion string `json:"contract_version"`
	EventType       string `json:"event_type"` // always "deployment_completed"
	DeploymentID    string `json:"deployment_id"`
	Name            string `json:"name"`
	Environment     string `json:"environment"`
	Region          string `json:"region"`
	Status          string `json:"status"` // terminal status, e.g. DEPLOYED
	Version         int    `json:"version"`
	StateKey        string `json:"state_key,omitempty"`
	Timestamp       string `json:"timestamp"` // ISO 8601
	DurationMs      int64  `json:"duration_ms"`
}

// Adapter publishes deployment completion events to a downstream system.
type Adapter interface {
	// Publish sends a completion event to the downstream system.
	// Must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *DeploymentEvent) error

	// Close releases adapter resources.
	Close() error
}
