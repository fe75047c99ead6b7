package models

import (
	"time"

	dErrors "contactlink/pkg/domain-errors"
)

// LinkPrecedence marks a contact as the root of its identity cluster or as
// subordinate to one.
type LinkPrecedence string

const (
	LinkPrecedencePrimary   LinkPrecedence = "primary"
	LinkPrecedenceSecondary LinkPrecedence = "secondary"
)

func (p LinkPrecedence) IsValid() bool {
	return p == LinkPrecedencePrimary || p == LinkPrecedenceSecondary
}

// Contact is one partial sighting of a person: an email, a phone number or both.
//
// Invariants:
//   - at least one of Email and PhoneNumber is non-empty
//   - a primary has no LinkedID
//   - a secondary's LinkedID names its cluster's primary, never another
//     secondary and never itself
//   - Email and PhoneNumber are never rewritten after creation; only
//     LinkPrecedence, LinkedID and UpdatedAt change
//
// Empty strings mean the attribute is absent.
type Contact struct {
	ID             int64          `json:"id"`
	Email          string         `json:"email,omitempty"`
	PhoneNumber    string         `json:"phoneNumber,omitempty"`
	LinkedID       *int64         `json:"linkedId,omitempty"`
	LinkPrecedence LinkPrecedence `json:"linkPrecedence"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	DeletedAt      *time.Time     `json:"deletedAt,omitempty"`
}

// NewPrimary builds the first sighting of an identity. The store assigns the ID.
func NewPrimary(email, phone string, now time.Time) (*Contact, error) {
	c := &Contact{
		Email:          email,
		PhoneNumber:    phone,
		LinkPrecedence: LinkPrecedencePrimary,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := c.validateAttributes(); err != nil {
		return nil, err
	}
	return c, nil
}

// NewSecondary builds a contact carrying new information for the cluster
// rooted at primaryID.
func NewSecondary(email, phone string, primaryID int64, now time.Time) (*Contact, error) {
	c := &Contact{
		Email:          email,
		PhoneNumber:    phone,
		LinkedID:       &primaryID,
		LinkPrecedence: LinkPrecedenceSecondary,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := c.validateAttributes(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Contact) IsPrimary() bool {
	return c.LinkPrecedence == LinkPrecedencePrimary
}

func (c *Contact) IsSecondary() bool {
	return c.LinkPrecedence == LinkPrecedenceSecondary
}

func (c *Contact) IsDeleted() bool {
	return c.DeletedAt != nil
}

// IsLinkedTo reports whether c is a secondary pointing directly at primaryID.
func (c *Contact) IsLinkedTo(primaryID int64) bool {
	return c.IsSecondary() && c.LinkedID != nil && *c.LinkedID == primaryID
}

// ApplyDemotion makes c a secondary of primaryID.
func (c *Contact) ApplyDemotion(primaryID int64, now time.Time) {
	c.LinkPrecedence = LinkPrecedenceSecondary
	c.LinkedID = &primaryID
	c.UpdatedAt = now
}

// Validate checks the per-record invariants.
func (c *Contact) Validate() error {
	if err := c.validateAttributes(); err != nil {
		return err
	}
	if !c.LinkPrecedence.IsValid() {
		return dErrors.New(dErrors.CodeInvariantViolation, "contact has unknown link precedence")
	}
	if c.IsPrimary() && c.LinkedID != nil {
		return dErrors.New(dErrors.CodeInvariantViolation, "primary contact must not be linked")
	}
	if c.IsSecondary() {
		if c.LinkedID == nil {
			return dErrors.New(dErrors.CodeInvariantViolation, "secondary contact must be linked")
		}
		if c.ID != 0 && *c.LinkedID == c.ID {
			return dErrors.New(dErrors.CodeInvariantViolation, "contact cannot link to itself")
		}
	}
	return nil
}

func (c *Contact) validateAttributes() error {
	if c.Email == "" && c.PhoneNumber == "" {
		return dErrors.New(dErrors.CodeInvariantViolation, "contact requires an email or phone number")
	}
	return nil
}

// Clone returns a deep copy so stores never hand out shared pointers.
func (c *Contact) Clone() *Contact {
	cp := *c
	if c.LinkedID != nil {
		linked := *c.LinkedID
		cp.LinkedID = &linked
	}
	if c.DeletedAt != nil {
		deleted := *c.DeletedAt
		cp.DeletedAt = &deleted
	}
	return &cp
}

// LinkUpdate is the only mutation a stored contact accepts.
type LinkUpdate struct {
	LinkPrecedence LinkPrecedence
	LinkedID       *int64
	UpdatedAt      time.Time
}

// Older reports whether a was created before b. IDs are assigned in creation
// order, so they break timestamp ties.
func Older(a, b *Contact) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
