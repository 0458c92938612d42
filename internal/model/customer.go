package model

import (
	"strings"
	"time"
)

// Customer is a canonical contact synthesized from extracted fields.
type Customer struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Email        string     `json:"email,omitempty"`
	Phone        string     `json:"phone,omitempty"`
	PhoneE164    string     `json:"phone_e164,omitempty"`
	ProductCode  string     `json:"product_code,omitempty"`
	EmailSubject string     `json:"email_subject,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	DiscardedAt  *time.Time `json:"discarded_at,omitempty"`
}

// ContactKey identifies a customer for upserts: the lowercased email when
// present, otherwise the phone digits.
func (c *Customer) ContactKey() string {
	if e := strings.TrimSpace(c.Email); e != "" {
		return "email:" + strings.ToLower(e)
	}
	if c.Phone != "" {
		return "phone:" + c.Phone
	}
	return ""
}
