package types

import "time"

// AuditEntry is an immutable, hash-chained record of one engine action.
// Entries chain per user: PreviousHash is the Hash of the same user's most
// recent entry at insertion time, or empty when none could be located.
type AuditEntry struct {
	ID            string         `bson:"_id" json:"id"`
	Timestamp     time.Time      `bson:"timestamp" json:"timestamp"`
	UserID        string         `bson:"userId" json:"userId"`
	Action        string         `bson:"action" json:"action"`
	ResourceType  string         `bson:"resourceType" json:"resourceType"`
	ResourceID    string         `bson:"resourceId,omitempty" json:"resourceId,omitempty"`
	PreviousState string         `bson:"previousState,omitempty" json:"previousState,omitempty"`
	NewState      string         `bson:"newState,omitempty" json:"newState,omitempty"`
	Details       map[string]any `bson:"details,omitempty" json:"details,omitempty"`
	PreviousHash  string         `bson:"previousHash,omitempty" json:"previousHash,omitempty"`
	Hash          string         `bson:"hash" json:"hash"`
}

// AuditFilter narrows an audit query. Zero values match everything.
type AuditFilter struct {
	UserID       string
	Action       string
	ResourceType string
	ResourceID   string
	Since        time.Time
	Until        time.Time
}
