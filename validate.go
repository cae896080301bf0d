package dashsync

import (
	"net/mail"
	"strings"
	"unicode/utf8"
)

const (
	maxMessageLength = 4096
	maxAttachments   = 10
	maxTagNameLength = 50
)

// SendMessageRequest is an operator reply.
type SendMessageRequest struct {
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

func (r *SendMessageRequest) Validate() error {
	errs := fieldErrors{}
	content := strings.TrimSpace(r.Content)
	if content == "" && len(r.Attachments) == 0 {
		errs.add("content", "message cannot be empty")
	}
	if utf8.RuneCountInString(r.Content) > maxMessageLength {
		errs.add("content", "message is too long")
	}
	if len(r.Attachments) > maxAttachments {
		errs.add("attachments", "too many attachments")
	}
	for _, a := range r.Attachments {
		if a.URL == "" {
			errs.add("attachments", "attachment is missing file_url")
			break
		}
	}
	return errs.err()
}

// UpdateLeadRequest changes a lead's qualification and contact fields.
type UpdateLeadRequest struct {
	Status LeadStatus `json:"status,omitempty"`
	Name   string     `json:"name,omitempty"`
	Email  string     `json:"email,omitempty"`
	Phone  string     `json:"phone,omitempty"`
}

func (r *UpdateLeadRequest) Validate() error {
	errs := fieldErrors{}
	if r.Status == "" && r.Name == "" && r.Email == "" && r.Phone == "" {
		errs.add("status", "nothing to update")
	}
	if r.Status != "" && !r.Status.Valid() {
		errs.add("status", "unknown lead status "+string(r.Status))
	}
	if r.Email != "" {
		if _, err := mail.ParseAddress(r.Email); err != nil {
			errs.add("email", "invalid email address")
		}
	}
	if r.Phone != "" && !validPhone(r.Phone) {
		errs.add("phone", "invalid phone number")
	}
	return errs.err()
}

type CreateTagRequest struct {
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

func (r *CreateTagRequest) Validate() error {
	errs := fieldErrors{}
	name := strings.TrimSpace(r.Name)
	switch {
	case name == "":
		errs.add("name", "tag name is required")
	case utf8.RuneCountInString(name) > maxTagNameLength:
		errs.add("name", "tag name is too long")
	}
	if r.Color != "" && !validHexColor(r.Color) {
		errs.add("color", "color must be a hex value like #aabbcc")
	}
	return errs.err()
}

func validPhone(s string) bool {
	digits := 0
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+' && i == 0:
		case r == ' ' || r == '-' || r == '(' || r == ')':
		default:
			return false
		}
	}
	return digits >= 7 && digits <= 15
}

func validHexColor(s string) bool {
	if len(s) != 7 || s[0] != '#' {
		return false
	}
	for _, r := range s[1:] {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
}
