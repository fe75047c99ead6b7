package service

import (
	"context"
	"sort"

	"go.opentelemetry.io/otel/attribute"

	"contactlink/internal/contact/models"
	dErrors "contactlink/pkg/domain-errors"
)

// ResolveClosure returns every contact connected to email or phone, directly
// or through a link pointer, ordered oldest first.
//
// The seed query finds exact attribute matches. Each seed contributes its own
// id and, when it is a secondary, its primary's id. One expansion over
// id/linkedId then reaches every sibling. Well-formed links are depth one, so
// a second expansion only runs when a member points at an id not yet visited,
// which happens for secondary-to-secondary chains left behind by bad writes.
// The result can span several clusters when the email and the phone belong to
// different identities.
func ResolveClosure(ctx context.Context, store Store, email, phone string) ([]*models.Contact, error) {
	ctx, span := tracer.Start(ctx, "contact.ResolveClosure")
	defer span.End()

	if email == "" && phone == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "email or phoneNumber is required")
	}

	seeds, err := store.FindByAttributes(ctx, email, phone)
	if err != nil {
		return nil, err
	}
	if len(seeds) == 0 {
		span.SetAttributes(attribute.Int("contact.closure_size", 0))
		return nil, nil
	}

	ids := make([]int64, 0, len(seeds)*2)
	seen := make(map[int64]struct{}, len(seeds)*2)
	addID := func(id int64) bool {
		if _, ok := seen[id]; ok {
			return false
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
		return true
	}
	for _, c := range seeds {
		addID(c.ID)
		if c.LinkedID != nil {
			addID(*c.LinkedID)
		}
	}

	closure := seeds
	rounds := 0
	for {
		rounds++
		members, err := store.FindByIDOrLinkedIDIn(ctx, ids)
		if err != nil {
			return nil, err
		}
		closure = unionByID(closure, members)

		grew := false
		for _, c := range members {
			if c.LinkedID != nil && addID(*c.LinkedID) {
				grew = true
			}
		}
		if !grew {
			break
		}
	}

	span.SetAttributes(
		attribute.Int("contact.seed_size", len(seeds)),
		attribute.Int("contact.closure_size", len(closure)),
		attribute.Int("contact.expansions", rounds),
	)
	return closure, nil
}

// unionByID merges contact sets, keeping the last copy seen for each id, and
// sorts the result oldest first.
func unionByID(sets ...[]*models.Contact) []*models.Contact {
	byID := make(map[int64]*models.Contact)
	for _, set := range sets {
		for _, c := range set {
			byID[c.ID] = c
		}
	}
	result := make([]*models.Contact, 0, len(byID))
	for _, c := range byID {
		result = append(result, c)
	}
	sortOldestFirst(result)
	return result
}

func sortOldestFirst(contacts []*models.Contact) {
	sort.SliceStable(contacts, func(i, j int) bool {
		return models.Older(contacts[i], contacts[j])
	})
}
