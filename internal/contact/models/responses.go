package models

// IdentityView is the consolidated identity of one cluster.
type IdentityView struct {
	PrimaryContactID    int64    `json:"primaryContactId"`
	Emails              []string `json:"emails"`
	PhoneNumbers        []string `json:"phoneNumbers"`
	SecondaryContactIDs []int64  `json:"secondaryContactIds"`
}

// IdentifyResponse is the body returned by POST /identify.
type IdentifyResponse struct {
	Contact IdentityView `json:"contact"`
}
