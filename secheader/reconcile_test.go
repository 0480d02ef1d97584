package secheader

import (
	"bufio"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/loredanacirstea/smimeverif/utils"
)

var pkglog = slog.New(slog.NewTextHandler(os.Stdout, nil))

func parseHdrs(t *testing.T, msg string) []utils.Header {
	t.Helper()
	msg = strings.ReplaceAll(msg+"\n", "\n", "\r\n")
	l, _, err := utils.ParseHeaders(bufio.NewReader(strings.NewReader(msg)))
	if err != nil {
		t.Fatalf("parsing headers: %s", err)
	}
	return l
}

func TestStrictRoundTrip(t *testing.T) {
	env := parseHdrs(t, "From: a@x\nTo: b@x\nSubject: hi\n")
	r := NewReconciler(pkglog)
	r.ImportUntrusted(env)
	if err := r.ImportTrustedStrict(env); err != nil {
		t.Fatalf("strict import of identical headers: %s", err)
	}
	v := r.View()
	if missing := v.MissingSecured(); len(missing) != 0 {
		t.Fatalf("missing secured headers: %v", missing)
	}
	subject, err := v.Subject()
	if err != nil || subject != "hi" {
		t.Fatalf("subject: got %q, %v", subject, err)
	}
	from, err := v.From()
	if err != nil || from.Address != "a@x" {
		t.Fatalf("from: got %v, %v", from, err)
	}
}

func TestStrictTamperDetection(t *testing.T) {
	r := NewReconciler(pkglog)
	r.ImportUntrusted(parseHdrs(t, "From: a@x\nTo: b@x\nSubject: HI\n"))
	err := r.ImportTrustedStrict(parseHdrs(t, "Subject: hi\n"))
	if !errors.Is(err, ErrHeaderMismatch) {
		t.Fatalf("expected ErrHeaderMismatch, got %v", err)
	}
}

func TestRelaxedReplacement(t *testing.T) {
	r := NewReconciler(pkglog)
	r.ImportUntrusted(parseHdrs(t, "Subject:  HI  THERE \n"))
	r.ImportTrustedRelaxed(parseHdrs(t, "Subject: HI THERE\n"))
	if l := r.store.FindAny("Subject"); len(l) != 1 || l[0] != "HI THERE" {
		t.Fatalf("envelope subject should be replaced, got %v", l)
	}
	subject, err := r.View().Subject()
	if err != nil || subject != "HI THERE" {
		t.Fatalf("subject: got %q, %v", subject, err)
	}
}

func TestRelaxedKeepsTrusted(t *testing.T) {
	env := parseHdrs(t, "From: a@x\n")
	r := NewReconciler(pkglog)
	r.ImportUntrusted(env)
	if err := r.ImportTrustedStrict(env); err != nil {
		t.Fatalf("strict import: %s", err)
	}
	r.ImportTrustedRelaxed(parseHdrs(t, "From: c@x\n"))
	// The trusted field from the strict import must survive; the view then
	// refuses the now-ambiguous From.
	if l := r.store.FindTrusted("From"); len(l) != 2 || l[0] != "a@x" {
		t.Fatalf("trusted from fields: got %v", l)
	}
	if _, err := r.View().From(); !errors.Is(err, ErrHeaderDuplicated) {
		t.Fatalf("expected ErrHeaderDuplicated, got %v", err)
	}
}

func TestIgnoredHeaders(t *testing.T) {
	r := NewReconciler(pkglog)
	r.ImportUntrusted(parseHdrs(t, "Content-Type: text/plain\nMIME-Version: 1.0\nReceived: from relay\nmime-version: 1.0\n"))
	if len(r.store.fields) != 0 {
		t.Fatalf("ignored headers were stored: %v", r.store.fields)
	}
	// Also never stored from the trusted side.
	r.ImportTrustedRelaxed(parseHdrs(t, "Content-Type: multipart/mixed\n"))
	if len(r.store.fields) != 0 {
		t.Fatalf("ignored trusted header was stored: %v", r.store.fields)
	}
}

func TestDirectiveDuplicated(t *testing.T) {
	r := NewReconciler(pkglog)
	r.ImportUntrusted(parseHdrs(t, "From: a@x\nTo: b@x\nSubject: s\n"))
	attr := &Fields{Directives: []Directive{
		{Name: "From", Value: "a@x", Status: StatusDuplicated},
		{Name: "To", Value: "b@x", Status: StatusDuplicated},
		{Name: "Subject", Value: "s", Status: StatusDuplicated},
	}}
	if err := r.ImportSignatureDirectives(attr); err != nil {
		t.Fatalf("directives: %s", err)
	}
	if missing := r.View().MissingSecured(); len(missing) != 0 {
		t.Fatalf("missing secured headers: %v", missing)
	}
}

func TestDirectiveModified(t *testing.T) {
	env := parseHdrs(t, "From: \"A\" <a@x>\nTo: b@x\nSubject: s\n")
	r := NewReconciler(pkglog)
	r.ImportUntrusted(env)
	if err := r.ImportTrustedStrict(env); err != nil {
		t.Fatalf("strict import: %s", err)
	}
	attr := &Fields{Directives: []Directive{{Name: "From", Value: "a@x", Status: StatusModified}}}
	if err := r.ImportSignatureDirectives(attr); err != nil {
		t.Fatalf("directives: %s", err)
	}
	if l := r.store.FindAny("From"); len(l) != 1 || l[0] != "a@x" {
		t.Fatalf("from after modify: got %v", l)
	}
	from, err := r.View().From()
	if err != nil || from.Address != "a@x" {
		t.Fatalf("from: got %v, %v", from, err)
	}
}

func TestDirectiveDeleted(t *testing.T) {
	r := NewReconciler(pkglog)
	r.ImportUntrusted(parseHdrs(t, "Received: from relay\nFrom: a@x\nTo: b@x\nSubject: s\nBcc: c@x\n"))
	attr := &Fields{Directives: []Directive{{Name: "Bcc", Value: "c@x", Status: StatusDeleted}}}
	if err := r.ImportSignatureDirectives(attr); err != nil {
		t.Fatalf("directives: %s", err)
	}
	if l := r.store.FindAny("Bcc"); len(l) != 0 {
		t.Fatalf("bcc still present after deletion: %v", l)
	}
}

func TestDirectiveUnmatched(t *testing.T) {
	for _, status := range []int{StatusDuplicated, StatusDeleted, StatusModified} {
		r := NewReconciler(pkglog)
		r.ImportUntrusted(parseHdrs(t, "From: a@x\n"))
		attr := &Fields{Directives: []Directive{{Name: "Bcc", Value: "c@x", Status: status}}}
		if err := r.ImportSignatureDirectives(attr); !errors.Is(err, ErrDirectiveUnmatched) {
			t.Fatalf("status %d: expected ErrDirectiveUnmatched, got %v", status, err)
		}
	}
}

func TestDirectiveRelaxedAlgorithm(t *testing.T) {
	r := NewReconciler(pkglog)
	r.ImportUntrusted(parseHdrs(t, "Subject: a  b\n"))
	attr := &Fields{
		Algorithms: []int{AlgorithmRelaxed},
		Directives: []Directive{{Name: "subject", Value: "a b", Status: StatusDuplicated}},
	}
	if err := r.ImportSignatureDirectives(attr); err != nil {
		t.Fatalf("directives: %s", err)
	}
	if l := r.store.FindTrusted("Subject"); len(l) != 1 || l[0] != "a  b" {
		t.Fatalf("subject after relaxed duplicate: got %v", l)
	}
}

func TestUnknownAlgorithm(t *testing.T) {
	r := NewReconciler(pkglog)
	r.ImportUntrusted(parseHdrs(t, "From: a@x\n"))
	attr := &Fields{Algorithms: []int{2}}
	if err := r.ImportSignatureDirectives(attr); !errors.Is(err, ErrUnknownAlgorithm) {
		t.Fatalf("expected ErrUnknownAlgorithm, got %v", err)
	}
}

func TestUnknownFieldStatus(t *testing.T) {
	r := NewReconciler(pkglog)
	r.ImportUntrusted(parseHdrs(t, "From: a@x\nTo: b@x\n"))
	attr := &Fields{Directives: []Directive{
		{Name: "From", Value: "a@x", Status: StatusDuplicated},
		{Name: "To", Value: "b@x", Status: 7},
	}}
	err := r.ImportSignatureDirectives(attr)
	if !errors.Is(err, ErrUnknownFieldStatus) {
		t.Fatalf("expected ErrUnknownFieldStatus, got %v", err)
	}
	// Directives before the failing one have been applied.
	if l := r.store.FindTrusted("From"); len(l) != 1 {
		t.Fatalf("from not marked trusted by directive before failure: %v", l)
	}
}

func TestNilDirectives(t *testing.T) {
	r := NewReconciler(pkglog)
	r.ImportUntrusted(parseHdrs(t, "From: a@x\n"))
	if err := r.ImportSignatureDirectives(nil); err != nil {
		t.Fatalf("nil attribute should be a no-op: %s", err)
	}
}

func TestMissingRequired(t *testing.T) {
	env := parseHdrs(t, "From: a@x\nTo: b@x\n")
	r := NewReconciler(pkglog)
	r.ImportUntrusted(env)
	if err := r.ImportTrustedStrict(env); err != nil {
		t.Fatalf("strict import: %s", err)
	}
	missing := r.View().MissingSecured()
	if len(missing) != 1 || missing[0] != "SUBJECT" {
		t.Fatalf("missing secured headers: got %v, expected [SUBJECT]", missing)
	}
}

func TestImportUntrustedClears(t *testing.T) {
	r := NewReconciler(pkglog)
	r.ImportUntrusted(parseHdrs(t, "From: a@x\n"))
	r.ImportUntrusted(parseHdrs(t, "To: b@x\n"))
	if l := r.store.FindAny("From"); len(l) != 0 {
		t.Fatalf("previous import not cleared: %v", l)
	}
	if l := r.store.FindAny("To"); len(l) != 1 {
		t.Fatalf("second import missing: %v", l)
	}
}
