package secheader

import (
	"errors"
	"fmt"
	"net/mail"
	"sort"
	"strings"
)

// View errors.
var (
	ErrHeaderMissing    = errors.New("secheader: protected header required but missing")
	ErrHeaderDuplicated = errors.New("secheader: expected exactly one protected header")
	ErrBadAddress       = errors.New("secheader: invalid address in header")
)

// View gives read access to the reconciled header fields. Accessors for
// security-relevant headers only return values from trusted fields.
type View struct {
	store *Store
}

// From returns the address of the protected From header.
func (v *View) From() (*mail.Address, error) {
	return v.address("From")
}

// To returns the address of the protected To header.
func (v *View) To() (*mail.Address, error) {
	return v.address("To")
}

func (v *View) address(name string) (*mail.Address, error) {
	s, err := v.fetchTrusted(name)
	if err != nil {
		return nil, err
	}
	a, err := mail.ParseAddress(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %s", ErrBadAddress, name, err)
	}
	return a, nil
}

// Subject returns the protected Subject header, trimmed but otherwise
// verbatim, e.g. still RFC 2047 encoded if it was sent that way.
func (v *View) Subject() (string, error) {
	return v.fetchTrusted("Subject")
}

// MessageID returns the first Message-ID header, trusted or not. Message-ID
// is informational only, it is not part of any trust decision.
func (v *View) MessageID() (string, bool) {
	l := v.store.FindAny("Message-ID")
	if len(l) == 0 {
		return "", false
	}
	return l[0], true
}

// ReplyTo returns the addresses of all Reply-To headers, trusted or not.
func (v *View) ReplyTo() ([]*mail.Address, error) {
	var l []*mail.Address
	for _, s := range v.store.FindAny("Reply-To") {
		a, err := mail.ParseAddress(s)
		if err != nil {
			return nil, fmt.Errorf(`%w: "Reply-To": %s`, ErrBadAddress, err)
		}
		l = append(l, a)
	}
	return l, nil
}

// IsAutoSubmitted reports whether any Auto-Submitted header declares the
// message auto-generated, with or without parameters. ../rfc/3834:279
func (v *View) IsAutoSubmitted() bool {
	for _, s := range v.store.FindAny("Auto-Submitted") {
		s = strings.ToLower(s)
		if s == "auto-generated" || strings.HasPrefix(s, "auto-generated;") {
			return true
		}
	}
	return false
}

// MissingSecured returns the upper-cased names of required headers without
// any trusted field, sorted. Must be empty for a message to be accepted.
func (v *View) MissingSecured() []string {
	missing := make(map[string]bool, len(requiredHeaders))
	for _, name := range requiredHeaders {
		missing[name] = true
	}
	for _, f := range v.store.fields {
		if f.Trusted {
			delete(missing, strings.ToUpper(f.Name))
		}
	}
	l := make([]string, 0, len(missing))
	for name := range missing {
		l = append(l, name)
	}
	sort.Strings(l)
	return l
}

// fetchTrusted returns the value of the single trusted field with the given
// name. The field must be present exactly once: it was either reproduced in
// the signed inner message, or set by a signature directive.
func (v *View) fetchTrusted(name string) (string, error) {
	l := v.store.FindTrusted(name)
	if len(l) == 0 {
		return "", fmt.Errorf("%w: %q", ErrHeaderMissing, name)
	}
	if len(l) > 1 {
		return "", fmt.Errorf("%w: %q, found %d", ErrHeaderDuplicated, name, len(l))
	}
	return l[0], nil
}
