package service

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"contactlink/internal/contact/models"
	dErrors "contactlink/pkg/domain-errors"
	"contactlink/pkg/requestcontext"
)

// Outcome is the result of one reconciliation.
type Outcome struct {
	// Primary is the canonical root of the reconciled cluster.
	Primary *models.Contact
	// Contacts is the whole cluster after mutation, oldest first.
	Contacts []*models.Contact
	// Mutations holds every contact whose link changed, post-mutation.
	Mutations []*models.Contact
	// DemotedPrimaryIDs lists former primaries now subordinate to Primary.
	DemotedPrimaryIDs []int64
	// Created is the contact inserted by this request, if any.
	Created *models.Contact
	// Repairs counts malformed links that were reparented.
	Repairs int
}

// Changed reports whether the reconciliation wrote anything.
func (o *Outcome) Changed() bool {
	return o.Created != nil || len(o.Mutations) > 0
}

// Kind classifies the outcome for logs and metrics.
func (o *Outcome) Kind() string {
	switch {
	case len(o.DemotedPrimaryIDs) > 0:
		return "merged"
	case o.Created != nil && o.Created.IsPrimary():
		return "created"
	case o.Created != nil:
		return "linked"
	case o.Repairs > 0:
		return "repaired"
	default:
		return "matched"
	}
}

// Event describes the change for downstream consumers.
func (o *Outcome) Event(now time.Time, requestID string) models.IdentityEvent {
	event := models.IdentityEvent{
		PrimaryContactID:  o.Primary.ID,
		DemotedContactIDs: o.DemotedPrimaryIDs,
		RequestID:         requestID,
		OccurredAt:        now,
	}
	if o.Created != nil {
		id := o.Created.ID
		event.CreatedContactID = &id
	}
	demoted := make(map[int64]struct{}, len(o.DemotedPrimaryIDs))
	for _, id := range o.DemotedPrimaryIDs {
		demoted[id] = struct{}{}
	}
	for _, c := range o.Mutations {
		if _, ok := demoted[c.ID]; !ok {
			event.RelinkedContactIDs = append(event.RelinkedContactIDs, c.ID)
		}
	}

	switch o.Kind() {
	case "merged":
		event.Type = models.EventIdentityMerged
	case "created":
		event.Type = models.EventContactCreated
	case "linked":
		event.Type = models.EventContactLinked
	default:
		event.Type = models.EventIdentityRepaired
	}
	return event
}

// Reconciler merges a closure into a single cluster and records new
// information. It holds no state between calls.
type Reconciler struct {
	clock  Clock
	logger *slog.Logger
}

func NewReconciler(clock Clock, logger *slog.Logger) *Reconciler {
	if clock == nil {
		clock = requestcontext.Now
	}
	return &Reconciler{clock: clock, logger: logger}
}

// Reconcile applies the merge rules to closure (oldest first) through store:
//
//  1. An empty closure creates a standalone primary.
//  2. The oldest primary in the closure wins; with no primary at all the
//     oldest contact is promoted.
//  3. Every other contact not already linked to the winner is relinked to it,
//     which demotes losing primaries and pulls their secondaries along.
//  4. An email or phone not yet present in the closure is stored as a new
//     secondary of the winner.
func (r *Reconciler) Reconcile(ctx context.Context, store Store, email, phone string, closure []*models.Contact) (*Outcome, error) {
	ctx, span := tracer.Start(ctx, "contact.Reconciler.Reconcile")
	defer span.End()
	now := r.clock(ctx)

	if len(closure) == 0 {
		contact, err := models.NewPrimary(email, phone, now)
		if err != nil {
			return nil, err
		}
		created, err := store.Insert(ctx, contact)
		if err != nil {
			return nil, err
		}
		return &Outcome{
			Primary:  created,
			Contacts: []*models.Contact{created},
			Created:  created,
		}, nil
	}

	formerPrimaries := make(map[int64]struct{})
	for _, c := range closure {
		if c.Email == "" && c.PhoneNumber == "" {
			return nil, dErrors.New(dErrors.CodeInvariantViolation, "stored contact has neither email nor phone")
		}
		if c.IsPrimary() {
			formerPrimaries[c.ID] = struct{}{}
		}
	}

	outcome := &Outcome{}
	primary, promoted := selectPrimary(closure)
	if promoted {
		r.warnRepair(ctx, primary, "no primary in closure, promoting oldest contact")
		updated, err := store.Update(ctx, primary.ID, models.LinkUpdate{
			LinkPrecedence: models.LinkPrecedencePrimary,
			UpdatedAt:      now,
		})
		if err != nil {
			return nil, err
		}
		if !updated.IsPrimary() || updated.LinkedID != nil {
			return nil, dErrors.New(dErrors.CodeInvariantViolation, "store did not promote contact")
		}
		primary = updated
		outcome.Mutations = append(outcome.Mutations, updated)
		outcome.Repairs++
	}
	outcome.Primary = primary

	contacts := make([]*models.Contact, 0, len(closure)+1)
	contacts = append(contacts, primary)
	knownEmail, knownPhone := false, false
	for _, c := range closure {
		knownEmail = knownEmail || (email != "" && c.Email == email)
		knownPhone = knownPhone || (phone != "" && c.PhoneNumber == phone)

		if c.ID == primary.ID {
			continue
		}
		if c.IsLinkedTo(primary.ID) {
			contacts = append(contacts, c)
			continue
		}

		_, wasPrimary := formerPrimaries[c.ID]
		if !wasPrimary && !r.linkedToFormerPrimary(c, formerPrimaries) {
			// Secondary pointing at a secondary, at itself or at nothing.
			r.warnRepair(ctx, c, "malformed link, reparenting to canonical primary")
			outcome.Repairs++
		}

		primaryID := primary.ID
		updated, err := store.Update(ctx, c.ID, models.LinkUpdate{
			LinkPrecedence: models.LinkPrecedenceSecondary,
			LinkedID:       &primaryID,
			UpdatedAt:      now,
		})
		if err != nil {
			return nil, err
		}
		if !updated.IsLinkedTo(primary.ID) {
			return nil, dErrors.New(dErrors.CodeInvariantViolation, "store did not relink contact")
		}
		if wasPrimary {
			outcome.DemotedPrimaryIDs = append(outcome.DemotedPrimaryIDs, c.ID)
		}
		outcome.Mutations = append(outcome.Mutations, updated)
		contacts = append(contacts, updated)
	}

	if (email != "" && !knownEmail) || (phone != "" && !knownPhone) {
		contact, err := models.NewSecondary(email, phone, primary.ID, now)
		if err != nil {
			return nil, err
		}
		created, err := store.Insert(ctx, contact)
		if err != nil {
			return nil, err
		}
		outcome.Created = created
		contacts = append(contacts, created)
	}

	sortOldestFirst(contacts)
	outcome.Contacts = contacts

	span.SetAttributes(
		attribute.Int64("contact.primary_id", primary.ID),
		attribute.Int("contact.demoted", len(outcome.DemotedPrimaryIDs)),
		attribute.Int("contact.repairs", outcome.Repairs),
		attribute.Bool("contact.created", outcome.Created != nil),
	)
	return outcome, nil
}

// selectPrimary picks the oldest primary. promoted is true when the closure
// holds no primary and the oldest contact had to be chosen instead.
func selectPrimary(closure []*models.Contact) (primary *models.Contact, promoted bool) {
	for _, c := range closure {
		if c.IsPrimary() && (primary == nil || models.Older(c, primary)) {
			primary = c
		}
	}
	if primary != nil {
		return primary, false
	}
	oldest := closure[0]
	for _, c := range closure[1:] {
		if models.Older(c, oldest) {
			oldest = c
		}
	}
	return oldest, true
}

func (r *Reconciler) linkedToFormerPrimary(c *models.Contact, formerPrimaries map[int64]struct{}) bool {
	if c.LinkedID == nil || *c.LinkedID == c.ID {
		return false
	}
	_, ok := formerPrimaries[*c.LinkedID]
	return ok
}

func (r *Reconciler) warnRepair(ctx context.Context, c *models.Contact, msg string) {
	if r.logger == nil {
		return
	}
	var linkedID any
	if c.LinkedID != nil {
		linkedID = *c.LinkedID
	}
	r.logger.WarnContext(ctx, msg,
		"contact_id", c.ID,
		"link_precedence", c.LinkPrecedence,
		"linked_id", linkedID,
		"request_id", requestcontext.RequestID(ctx),
	)
}
