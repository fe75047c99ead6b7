package models

import "time"

// IdentityEventType names what a reconciliation changed.
type IdentityEventType string

const (
	// EventContactCreated: a new standalone identity.
	EventContactCreated IdentityEventType = "contact.created"
	// EventContactLinked: a new secondary joined an existing identity.
	EventContactLinked IdentityEventType = "contact.linked"
	// EventIdentityMerged: two or more primaries collapsed into one.
	EventIdentityMerged IdentityEventType = "identity.merged"
	// EventIdentityRepaired: malformed links were reparented, nothing else changed.
	EventIdentityRepaired IdentityEventType = "identity.repaired"
)

// IdentityEvent is published once per state-changing reconciliation.
type IdentityEvent struct {
	Type               IdentityEventType `json:"type"`
	PrimaryContactID   int64             `json:"primaryContactId"`
	CreatedContactID   *int64            `json:"createdContactId,omitempty"`
	DemotedContactIDs  []int64           `json:"demotedContactIds,omitempty"`
	RelinkedContactIDs []int64           `json:"relinkedContactIds,omitempty"`
	RequestID          string            `json:"requestId,omitempty"`
	OccurredAt         time.Time         `json:"occurredAt"`
}
