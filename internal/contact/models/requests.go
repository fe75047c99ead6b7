package models

import (
	"bytes"
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	dErrors "contactlink/pkg/domain-errors"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// IdentifyRequest is the body of POST /identify.
type IdentifyRequest struct {
	Email       string      `json:"email" validate:"omitempty,max=320"`
	PhoneNumber PhoneNumber `json:"phoneNumber" validate:"omitempty,max=32"`
}

// Normalize trims both attributes; a blank value counts as absent.
func (r *IdentifyRequest) Normalize() {
	r.Email = strings.TrimSpace(r.Email)
	r.PhoneNumber = PhoneNumber(strings.TrimSpace(string(r.PhoneNumber)))
}

// Validate requires at least one attribute, each valid UTF-8 text.
func (r *IdentifyRequest) Validate() error {
	if r.Email == "" && r.PhoneNumber == "" {
		return dErrors.New(dErrors.CodeValidation, "email or phoneNumber is required")
	}
	if !storableText(r.Email) || !storableText(string(r.PhoneNumber)) {
		return dErrors.New(dErrors.CodeValidation, "email and phoneNumber must be valid UTF-8 text")
	}
	if err := validate.Struct(r); err != nil {
		return dErrors.Wrap(err, dErrors.CodeValidation, "email or phoneNumber is too long")
	}
	return nil
}

// storableText rejects values a text column cannot hold.
func storableText(s string) bool {
	return utf8.ValidString(s) && !strings.ContainsRune(s, 0)
}

// PhoneNumber accepts either a JSON string or a JSON number. Clients commonly
// send phone numbers as numbers; both forms compare by their decimal text.
type PhoneNumber string

func (p *PhoneNumber) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*p = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = PhoneNumber(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return dErrors.New(dErrors.CodeBadRequest, "phoneNumber must be a string or a number")
	}
	*p = PhoneNumber(n.String())
	return nil
}

func (p PhoneNumber) String() string {
	return string(p)
}
