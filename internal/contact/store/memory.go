package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"contactlink/internal/contact/models"
	"contactlink/pkg/platform/sentinel"
)

// InMemory keeps contacts in a map keyed by id. It mirrors the Postgres
// constraints that matter to reconciliation: ids are assigned in insertion
// order, every contact carries an attribute and links must reference an
// existing contact.
type InMemory struct {
	mu       sync.RWMutex
	contacts map[int64]*models.Contact
	nextID   int64
}

func NewInMemory() *InMemory {
	return &InMemory{contacts: make(map[int64]*models.Contact)}
}

func (s *InMemory) FindByAttributes(_ context.Context, email, phone string) ([]*models.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.Contact
	for _, c := range s.contacts {
		if c.IsDeleted() {
			continue
		}
		if (email != "" && c.Email == email) || (phone != "" && c.PhoneNumber == phone) {
			result = append(result, c.Clone())
		}
	}
	sortContacts(result)
	return result, nil
}

func (s *InMemory) FindByIDOrLinkedIDIn(_ context.Context, ids []int64) ([]*models.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}

	var result []*models.Contact
	for _, c := range s.contacts {
		if c.IsDeleted() {
			continue
		}
		_, byID := wanted[c.ID]
		byLink := false
		if c.LinkedID != nil {
			_, byLink = wanted[*c.LinkedID]
		}
		if byID || byLink {
			result = append(result, c.Clone())
		}
	}
	sortContacts(result)
	return result, nil
}

func (s *InMemory) FindByID(_ context.Context, id int64) (*models.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contacts[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return c.Clone(), nil
}

func (s *InMemory) Insert(_ context.Context, contact *models.Contact) (*models.Contact, error) {
	if contact == nil {
		return nil, fmt.Errorf("insert contact: contact is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if contact.Email == "" && contact.PhoneNumber == "" {
		return nil, fmt.Errorf("insert contact: %w", sentinel.ErrInvalidState)
	}
	if contact.LinkedID != nil {
		if _, ok := s.contacts[*contact.LinkedID]; !ok {
			return nil, fmt.Errorf("insert contact: linked contact %d: %w", *contact.LinkedID, sentinel.ErrInvalidState)
		}
	}

	s.nextID++
	stored := contact.Clone()
	stored.ID = s.nextID
	s.contacts[stored.ID] = stored
	return stored.Clone(), nil
}

func (s *InMemory) Update(_ context.Context, id int64, update models.LinkUpdate) (*models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contacts[id]
	if !ok || c.IsDeleted() {
		return nil, fmt.Errorf("update contact %d: %w", id, sentinel.ErrNotFound)
	}
	if update.LinkedID != nil {
		if _, ok := s.contacts[*update.LinkedID]; !ok {
			return nil, fmt.Errorf("update contact %d: linked contact %d: %w", id, *update.LinkedID, sentinel.ErrInvalidState)
		}
	}

	c.LinkPrecedence = update.LinkPrecedence
	c.LinkedID = nil
	if update.LinkedID != nil {
		linked := *update.LinkedID
		c.LinkedID = &linked
	}
	c.UpdatedAt = update.UpdatedAt
	return c.Clone(), nil
}

// LockAttributes is a no-op: InMemoryTxManager serializes whole transactions.
func (s *InMemory) LockAttributes(context.Context, string, string) error {
	return nil
}

// All returns every stored contact, oldest first. Used by tests to check
// link invariants across the whole store.
func (s *InMemory) All() []*models.Contact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.Contact, 0, len(s.contacts))
	for _, c := range s.contacts {
		result = append(result, c.Clone())
	}
	sortContacts(result)
	return result
}

// snapshot copies the store so a transaction can stage writes against it.
func (s *InMemory) snapshot() *InMemory {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp := &InMemory{contacts: make(map[int64]*models.Contact, len(s.contacts)), nextID: s.nextID}
	for id, c := range s.contacts {
		cp.contacts[id] = c.Clone()
	}
	return cp
}

// replaceWith installs a committed snapshot.
func (s *InMemory) replaceWith(staged *InMemory) {
	staged.mu.RLock()
	defer staged.mu.RUnlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.contacts = staged.contacts
	s.nextID = staged.nextID
}

func sortContacts(contacts []*models.Contact) {
	sort.Slice(contacts, func(i, j int) bool {
		return models.Older(contacts[i], contacts[j])
	})
}
