// Package mailreply implements the client side of the ACME "email-reply-00"
// challenge (RFC 8823), used when requesting S/MIME certificates for an
// email address: validating the challenge message received from the CA and
// building the response message to reply with.
//
// Challenge messages should be verified with package smime first, so that
// the values read here come from signature-protected headers.
package mailreply

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"golang.org/x/net/idna"

	"github.com/loredanacirstea/smimeverif/utils"
)

var (
	ErrSubject           = errors.New("mailreply: subject is not an acme challenge")
	ErrToken             = errors.New("mailreply: invalid token in challenge subject")
	ErrNotAutoGenerated  = errors.New("mailreply: challenge message not flagged auto-generated")
	ErrRecipientMismatch = errors.New("mailreply: challenge not addressed to the requested identifier")
	ErrSenderMismatch    = errors.New("mailreply: challenge not sent by the expected address")
)

// subjectPrefix starts the subject of a challenge message, followed by
// token-part1. ../rfc/8823:177
const subjectPrefix = "ACME:"

// Challenge is the content of a received email-reply-00 challenge message.
type Challenge struct {
	// TokenPart1 is the base64url-encoded first token part from the subject,
	// with folding whitespace stripped. The second part comes from the ACME
	// challenge object, over HTTPS.
	TokenPart1 string

	// From is the sender, normally also the recipient of the response.
	From *mail.Address

	// ReplyTo lists explicit response recipients, preferred over From.
	ReplyTo []*mail.Address

	// MessageID of the challenge, for the In-Reply-To header of the
	// response. Empty if the challenge had none.
	MessageID string
}

// Mail is the view of a received message a challenge is read from,
// e.g. *smime.SignedMail.
type Mail interface {
	From() (*mail.Address, error)
	To() (*mail.Address, error)
	Subject() (string, error)
	MessageID() (string, bool)
	ReplyTo() ([]*mail.Address, error)
	IsAutoSubmitted() bool
}

// ParseChallenge validates a received challenge message and extracts the
// parts needed for the response. identifier is the email address being
// certified; the message must be addressed to it. expectedFrom, unless
// empty, is the CA's sending address the challenge must come from.
func ParseChallenge(m Mail, identifier, expectedFrom string) (*Challenge, error) {
	// A challenge message is flagged auto-generated. ../rfc/8823:150
	if !m.IsAutoSubmitted() {
		return nil, ErrNotAutoGenerated
	}

	to, err := m.To()
	if err != nil {
		return nil, err
	}
	if !equalAddress(to.Address, identifier) {
		return nil, fmt.Errorf("%w: message to %q, requested %q", ErrRecipientMismatch, to.Address, identifier)
	}

	from, err := m.From()
	if err != nil {
		return nil, err
	}
	if expectedFrom != "" && !equalAddress(from.Address, expectedFrom) {
		return nil, fmt.Errorf("%w: message from %q, expected %q", ErrSenderMismatch, from.Address, expectedFrom)
	}

	subject, err := m.Subject()
	if err != nil {
		return nil, err
	}
	token1, err := subjectToken(subject)
	if err != nil {
		return nil, err
	}

	replyTo, err := m.ReplyTo()
	if err != nil {
		return nil, err
	}
	msgid, _ := m.MessageID()

	return &Challenge{
		TokenPart1: token1,
		From:       from,
		ReplyTo:    replyTo,
		MessageID:  msgid,
	}, nil
}

// subjectToken extracts token-part1 from a challenge subject. The subject may
// be RFC 2047 encoded and the token may have whitespace inserted by folding.
func subjectToken(subject string) (string, error) {
	s := strings.TrimSpace(utils.DecodeWords(subject))
	if !strings.HasPrefix(s, subjectPrefix) {
		return "", fmt.Errorf("%w: %q", ErrSubject, subject)
	}
	token := stripWhitespace(s[len(subjectPrefix):])
	if token == "" {
		return "", fmt.Errorf("%w: empty", ErrToken)
	}
	if _, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(token, "=")); err != nil {
		return "", fmt.Errorf("%w: %q: %s", ErrToken, token, err)
	}
	return token, nil
}

func stripWhitespace(s string) string {
	return strings.Join(strings.Fields(s), "")
}

// KeyAuthorization computes the key authorization for an email-reply-00
// challenge: the full token is token-part1 from the challenge message
// followed by token-part2 from the ACME challenge object, combined with the
// account key thumbprint as in RFC 8555, section 8.1.
func KeyAuthorization(tokenPart1, tokenPart2, thumbprint string) string {
	return tokenPart1 + tokenPart2 + "." + thumbprint
}

// ResponseDigest returns the body payload of the response message:
// base64url(SHA-256(key-authorization)). ../rfc/8823:241
func ResponseDigest(keyAuth string) string {
	sum := sha256.Sum256([]byte(keyAuth))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// BuildResponse builds the complete response message for a validated
// challenge, ready to be signed and submitted. The response goes to the
// first Reply-To address if the challenge carried one, otherwise back to the
// sender. identifier is the email address being certified and becomes the
// From header.
func BuildResponse(c *Challenge, identifier, keyAuth string) string {
	to := c.From.Address
	if len(c.ReplyTo) > 0 {
		to = c.ReplyTo[0].Address
	}

	var sb strings.Builder
	sb.WriteString("To: " + to + "\r\n")
	sb.WriteString("From: " + identifier + "\r\n")
	if c.MessageID != "" {
		sb.WriteString("In-Reply-To: " + c.MessageID + "\r\n")
	}
	sb.WriteString("Subject: Re: ACME: " + c.TokenPart1 + "\r\n")
	sb.WriteString("Content-Type: text/plain\r\n")
	sb.WriteString("\r\n")
	sb.WriteString("-----BEGIN ACME RESPONSE-----\r\n")
	sb.WriteString(ResponseDigest(keyAuth) + "\r\n")
	sb.WriteString("-----END ACME RESPONSE-----\r\n")
	return sb.String()
}

// equalAddress compares two addresses: local parts byte-identical, domains
// case-insensitive after IDNA ASCII normalization.
func equalAddress(a, b string) bool {
	al, ad, ok := splitAddress(a)
	if !ok {
		return false
	}
	bl, bd, ok := splitAddress(b)
	if !ok {
		return false
	}
	if al != bl {
		return false
	}
	if da, err := idna.Lookup.ToASCII(ad); err == nil {
		ad = da
	}
	if db, err := idna.Lookup.ToASCII(bd); err == nil {
		bd = db
	}
	return strings.EqualFold(ad, bd)
}

func splitAddress(s string) (localpart, domain string, ok bool) {
	i := strings.LastIndex(s, "@")
	if i <= 0 || i == len(s)-1 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}
