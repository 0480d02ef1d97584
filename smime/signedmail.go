// Package smime verifies CMS (PKCS#7) signed email messages and reconciles
// their headers into a trusted view, as needed for the ACME "email-reply-00"
// challenge for S/MIME certificates.
//
// The message's CMS signature authenticates the inner MIME message. The
// envelope headers around it remain attacker-controllable in transit, so
// after signature verification the headers of both, plus the optional
// RFC 7508 SecureHeaderFields signed attribute, are fed through
// secheader.Reconciler. Verification fails on any inconsistency.
package smime

import (
	"bufio"
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"go.mozilla.org/pkcs7"

	"github.com/loredanacirstea/smimeverif/secheader"
	"github.com/loredanacirstea/smimeverif/utils"
)

var (
	ErrMalformed      = errors.New("smime: malformed message")
	ErrNotSigned      = errors.New("smime: message is not an s/mime signed message")
	ErrSignature      = errors.New("smime: signature verification failed")
	ErrNoCertificate  = errors.New("smime: expected exactly one signer certificate")
	ErrMissingSecured = errors.New("smime: required secured headers missing")
)

// Options configures Verify.
type Options struct {
	// Roots, when set, requires the signer certificate to chain to one of
	// these. When nil, the signature is only checked against the certificate
	// embedded in the message; the caller then has to establish trust in
	// that certificate itself.
	Roots *x509.CertPool

	// Relaxed selects the relaxed inner-header import: a signed inner header
	// replaces the envelope headers of the same name instead of having to
	// match an envelope header byte-identical.
	Relaxed bool

	// Now is used for certificate validity during chain verification.
	// time.Now when nil.
	Now func() time.Time
}

// SignedMail is the verified, reconciled result. The embedded view only
// returns header values authenticated by the signature.
type SignedMail struct {
	*secheader.View

	// Certificate that made the verified signature.
	Certificate *x509.Certificate
}

// Verify reads a complete email message, verifies its CMS signature and
// reconciles envelope headers, signed inner headers and signature directives.
// Messages of type multipart/signed (detached signature) and
// application/pkcs7-mime with smime-type signed-data are accepted.
func Verify(elog *slog.Logger, r io.Reader, opts Options) (*SignedMail, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformed, err)
	}

	hdrs, _, err := utils.ParseHeaders(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformed, err)
	}

	der, inner, err := extractSignedData(raw)
	if err != nil {
		return nil, err
	}

	p7, err := pkcs7.Parse(der)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing signature: %s", ErrSignature, err)
	}
	if inner == nil {
		// Embedded signed-data, the signed octets are inside the CMS blob.
		inner = p7.Content
	} else {
		p7.Content = inner
	}
	if opts.Roots != nil {
		now := opts.Now
		if now == nil {
			now = time.Now
		}
		err = p7.VerifyWithChainAtTime(opts.Roots, now())
	} else {
		err = p7.Verify()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSignature, err)
	}
	cert := p7.GetOnlySigner()
	if cert == nil {
		return nil, ErrNoCertificate
	}

	innerHdrs, _, err := utils.ParseHeaders(bufio.NewReader(bytes.NewReader(inner)))
	if err != nil {
		return nil, fmt.Errorf("%w: signed message: %s", ErrMalformed, err)
	}

	attr, err := secureHeaderFields(der)
	if err != nil {
		return nil, fmt.Errorf("%w: secure header fields attribute: %s", ErrSignature, err)
	}

	rec := secheader.NewReconciler(elog)
	rec.ImportUntrusted(hdrs)
	if opts.Relaxed {
		rec.ImportTrustedRelaxed(innerHdrs)
	} else {
		if err := rec.ImportTrustedStrict(innerHdrs); err != nil {
			return nil, err
		}
	}
	if err := rec.ImportSignatureDirectives(attr); err != nil {
		return nil, err
	}

	view := rec.View()
	if missing := view.MissingSecured(); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingSecured, strings.Join(missing, ", "))
	}
	return &SignedMail{View: view, Certificate: cert}, nil
}

// extractSignedData locates the CMS blob in a message. For multipart/signed
// the signed part is carved out of the raw octets, re-encoding it would break
// the signature (RFC 1847 covers the exact part bytes). For pkcs7-mime the
// returned content is nil, the signed octets are embedded in the blob itself.
func extractSignedData(raw []byte) (der, content []byte, err error) {
	m, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, nil, fmt.Errorf("%w: %s", ErrMalformed, err)
	}
	ct, params, err := m.Header.ContentType()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: content-type: %s", ErrMalformed, err)
	}

	switch ct {
	case "multipart/signed":
		boundary := params["boundary"]
		if boundary == "" {
			return nil, nil, fmt.Errorf("%w: multipart/signed without boundary", ErrMalformed)
		}
		content, err = rawPart(raw, boundary)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %s", ErrMalformed, err)
		}

		mr := m.MultipartReader()
		if mr == nil {
			return nil, nil, fmt.Errorf("%w: not a multipart message", ErrMalformed)
		}
		for {
			p, err := mr.NextPart()
			if err == io.EOF {
				break
			} else if err != nil {
				return nil, nil, fmt.Errorf("%w: reading part: %s", ErrMalformed, err)
			}
			pct, _, err := p.Header.ContentType()
			if err != nil {
				continue
			}
			if pct == "application/pkcs7-signature" || pct == "application/x-pkcs7-signature" {
				der, err = io.ReadAll(p.Body)
				if err != nil {
					return nil, nil, fmt.Errorf("%w: reading signature part: %s", ErrMalformed, err)
				}
			}
		}
		if der == nil {
			return nil, nil, fmt.Errorf("%w: no pkcs7-signature part", ErrNotSigned)
		}
		return der, content, nil

	case "application/pkcs7-mime", "application/x-pkcs7-mime":
		if st := params["smime-type"]; st != "" && st != "signed-data" {
			return nil, nil, fmt.Errorf("%w: smime-type %q", ErrNotSigned, st)
		}
		der, err = io.ReadAll(m.Body)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: reading body: %s", ErrMalformed, err)
		}
		return der, nil, nil
	}
	return nil, nil, fmt.Errorf("%w: content-type %q", ErrNotSigned, ct)
}

// rawPart returns the exact octets of the first part of a multipart body:
// from just after the CRLF terminating the first boundary delimiter line up
// to the CRLF owned by the next delimiter.
func rawPart(raw []byte, boundary string) ([]byte, error) {
	marker := []byte("\r\n--" + boundary)
	i := bytes.Index(raw, marker)
	if i < 0 {
		return nil, fmt.Errorf("multipart boundary %q not found", boundary)
	}
	nl := bytes.Index(raw[i+len(marker):], []byte("\r\n"))
	if nl < 0 {
		return nil, fmt.Errorf("unterminated boundary delimiter line")
	}
	start := i + len(marker) + nl + 2
	j := bytes.Index(raw[start:], marker)
	if j < 0 {
		return nil, fmt.Errorf("closing multipart boundary %q not found", boundary)
	}
	return raw[start : start+j], nil
}
