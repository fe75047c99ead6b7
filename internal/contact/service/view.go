package service

import (
	"contactlink/internal/contact/models"
	"contactlink/pkg/platform/strings"
)

// Project builds the identity view of a reconciled cluster. contacts must
// reflect post-mutation state and may include primary itself.
//
// Emails and phone numbers are deduplicated with the primary's values first,
// then the rest oldest first. Secondary ids follow creation order.
func Project(primary *models.Contact, contacts []*models.Contact) models.IdentityView {
	ordered := make([]*models.Contact, len(contacts))
	copy(ordered, contacts)
	sortOldestFirst(ordered)

	emails := make([]string, 0, len(ordered)+1)
	phones := make([]string, 0, len(ordered)+1)
	emails = append(emails, primary.Email)
	phones = append(phones, primary.PhoneNumber)

	secondaryIDs := make([]int64, 0, len(ordered))
	for _, c := range ordered {
		if c.ID == primary.ID {
			continue
		}
		emails = append(emails, c.Email)
		phones = append(phones, c.PhoneNumber)
		if c.IsSecondary() {
			secondaryIDs = append(secondaryIDs, c.ID)
		}
	}

	return models.IdentityView{
		PrimaryContactID:    primary.ID,
		Emails:              strings.Dedupe(emails),
		PhoneNumbers:        strings.Dedupe(phones),
		SecondaryContactIDs: secondaryIDs,
	}
}
