// Package secheader reconciles the header fields of a signed email message
// from three sources: the transport envelope (untrusted, modifiable in
// transit), the signed inner MIME message, and the SecureHeaderFields signed
// attribute carried in the CMS signature (RFC 7508). Fields are collected in
// a store where each is either trusted or untrusted, and a view over the
// store only hands out values whose presence and value were authenticated.
//
// Reconciliation fails on the first inconsistency. A message either becomes
// a fully trusted view or is refused, there is no best-effort path: an
// attacker controlling the envelope must not be able to steer a trusted
// accessor to a value of their choosing.
package secheader

import (
	"strings"
)

// Field is a single reconciled header field. Name keeps the original case,
// Value the original whitespace. Trusted only ever goes from false to true.
type Field struct {
	Name    string
	Value   string
	Trusted bool
}

func (f Field) nameEquals(expected string, relaxed bool) bool {
	if !relaxed {
		return f.Name == expected
	}
	return strings.EqualFold(f.Name, expected)
}

func (f Field) valueEquals(expected string, relaxed bool) bool {
	if !relaxed {
		return f.Value == expected
	}
	return collapseWhitespace(f.Value) == collapseWhitespace(expected)
}

// collapseWhitespace reduces every run of whitespace to a single space and
// trims both ends, the "relaxed" value precision of RFC 7508 canonicalization.
func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Pred selects fields in store scans.
type Pred func(Field) bool

// ByName matches fields on header name: byte-identical when relaxed is
// false, ASCII case-insensitive when true.
func ByName(name string, relaxed bool) Pred {
	return func(f Field) bool {
		return f.nameEquals(name, relaxed)
	}
}

// ByNameValue matches fields on name and value, both in the precision
// selected by relaxed.
func ByNameValue(name, value string, relaxed bool) Pred {
	return func(f Field) bool {
		return f.nameEquals(name, relaxed) && f.valueEquals(value, relaxed)
	}
}

// Store is an ordered collection of header fields. Duplicate (name, value)
// pairs are allowed. Insertion order is preserved for deterministic output,
// it carries no security meaning.
type Store struct {
	fields []Field
}

// Append adds a field at the end of the store.
func (s *Store) Append(name, value string, trusted bool) {
	s.fields = append(s.fields, Field{Name: name, Value: value, Trusted: trusted})
}

// MarkTrustedWhere sets the trusted flag on every field matching pred and
// returns how many fields matched, including fields already trusted.
func (s *Store) MarkTrustedWhere(pred Pred) int {
	var n int
	for i := range s.fields {
		if pred(s.fields[i]) {
			s.fields[i].Trusted = true
			n++
		}
	}
	return n
}

// RemoveWhere deletes every field matching pred, returning the number removed.
func (s *Store) RemoveWhere(pred Pred) int {
	var n int
	l := s.fields[:0]
	for _, f := range s.fields {
		if pred(f) {
			n++
			continue
		}
		l = append(l, f)
	}
	s.fields = l
	return n
}

// FindTrusted returns the trimmed values of all trusted fields with the
// given name (case-insensitive), in insertion order.
func (s *Store) FindTrusted(name string) []string {
	return s.find(name, true)
}

// FindAny is like FindTrusted but does not filter on the trusted flag.
func (s *Store) FindAny(name string) []string {
	return s.find(name, false)
}

func (s *Store) find(name string, trustedOnly bool) []string {
	var l []string
	for _, f := range s.fields {
		if trustedOnly && !f.Trusted {
			continue
		}
		if strings.EqualFold(f.Name, name) {
			l = append(l, strings.TrimSpace(f.Value))
		}
	}
	return l
}

// String lists all fields, trusted ones marked with an asterisk. For
// debug logging.
func (s *Store) String() string {
	var sb strings.Builder
	for _, f := range s.fields {
		if f.Trusted {
			sb.WriteString("* ")
		} else {
			sb.WriteString("  ")
		}
		sb.WriteString(f.Name)
		sb.WriteString(": ")
		sb.WriteString(f.Value)
		sb.WriteString("\n")
	}
	return sb.String()
}
