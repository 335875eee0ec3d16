package model

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// Contact represents a roster member that can be invited to jobs.
type Contact struct {
	ID          string
	FirstName   string
	LastName    string
	CountryCode string // dialing prefix without the leading "+", e.g. "1" or "33"
	Phone       string // local subscriber number, formatting characters allowed
	Address     string
	Tags        []string
	Skills      []string
	OptedOut    bool // opted out of all invitations
	HasLogin    bool // has portal access; never contacted over SMS
	Blackouts   []DateRange
}

// Name returns the contact's display name.
func (c Contact) Name() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// E164 builds the E.164 representation of the contact's phone number.
func (c Contact) E164() (string, error) {
	cc := digitsOnly(c.CountryCode)
	local := digitsOnly(c.Phone)
	if cc == "" || local == "" {
		return "", fmt.Errorf("contact %s: incomplete phone number", c.ID)
	}
	return "+" + cc + local, nil
}

// InBlackout reports whether the given window overlaps any of the contact's
// declared blackout ranges.
func (c Contact) InBlackout(w DateRange) bool {
	for _, b := range c.Blackouts {
		if b.Overlaps(w) {
			return true
		}
	}
	return false
}

// HasSkills reports whether the contact's skill set covers all required
// skills. Comparison is case-insensitive.
func (c Contact) HasSkills(required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(c.Skills))
	for _, s := range c.Skills {
		have[strings.ToLower(strings.TrimSpace(s))] = struct{}{}
	}
	for _, r := range required {
		if _, ok := have[strings.ToLower(strings.TrimSpace(r))]; !ok {
			return false
		}
	}
	return true
}

// HasSkill reports whether the contact declares a single skill.
func (c Contact) HasSkill(skill string) bool {
	return c.HasSkills([]string{skill})
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// DateRange is a half-open time interval [Start, End).
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Overlaps reports whether two ranges share any instant.
func (r DateRange) Overlaps(o DateRange) bool {
	return r.Start.Before(o.End) && o.Start.Before(r.End)
}

// IsZero reports whether the range is unset.
func (r DateRange) IsZero() bool {
	return r.Start.IsZero() && r.End.IsZero()
}

// DeviceToken is a registered push destination for a contact.
type DeviceToken struct {
	ContactID string
	Platform  string // "webpush" or "mqtt"
	Token     string
	CreatedAt time.Time
}
