package secheader

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loredanacirstea/smimeverif/utils"
)

// Reconciliation errors.
var (
	ErrHeaderMismatch     = errors.New("secheader: secured header does not match envelope header")
	ErrDirectiveUnmatched = errors.New("secheader: header referenced by signature not found in envelope")
	ErrUnknownAlgorithm   = errors.New("secheader: unknown canonicalization algorithm")
	ErrUnknownFieldStatus = errors.New("secheader: unknown header field status")
)

// ignoreHeaders are never stored, regardless of source: they necessarily
// differ between the envelope and the signed inner message and are not part
// of the authenticated payload.
var ignoreHeaders = map[string]bool{
	"CONTENT-TYPE": true,
	"MIME-VERSION": true,
	"RECEIVED":     true,
}

// requiredHeaders must each have at least one trusted field after
// reconciliation, or the message must be refused. See View.MissingSecured.
var requiredHeaders = []string{"FROM", "TO", "SUBJECT"}

// Reconciler feeds the store from the three header sources, in fixed order:
// ImportUntrusted, then exactly one of ImportTrustedStrict or
// ImportTrustedRelaxed, then optionally ImportSignatureDirectives. The order
// is not enforced; calls compose as documented on each method, also when a
// step is skipped (the store starts empty).
//
// A reconciler serves a single message and is not safe for concurrent use.
type Reconciler struct {
	log   *slog.Logger
	store Store
}

// NewReconciler returns a reconciler with an empty store. elog may be nil.
func NewReconciler(elog *slog.Logger) *Reconciler {
	if elog == nil {
		elog = slog.Default()
	}
	return &Reconciler{log: elog}
}

// ImportUntrusted loads the envelope message headers as untrusted fields.
// All previously imported fields are dropped first.
func (r *Reconciler) ImportUntrusted(hdrs []utils.Header) {
	r.store.fields = r.store.fields[:0]
	for _, h := range hdrs {
		if ignoreHeaders[strings.ToUpper(h.Key)] {
			continue
		}
		r.store.Append(h.Key, h.Text(), false)
	}
	r.log.Debug("secheader: envelope headers imported", slog.Int("count", len(r.store.fields)))
}

// ImportTrustedStrict imports the headers of the signed inner message,
// requiring the envelope to reproduce each of them exactly. Every envelope
// field matching name and value byte-identical is marked trusted; a header
// without any match means the envelope was tampered with.
func (r *Reconciler) ImportTrustedStrict(hdrs []utils.Header) error {
	for _, h := range hdrs {
		if ignoreHeaders[strings.ToUpper(h.Key)] {
			continue
		}
		if r.store.MarkTrustedWhere(ByNameValue(h.Key, h.Text(), false)) == 0 {
			return fmt.Errorf("%w: %q", ErrHeaderMismatch, h.Key)
		}
	}
	return nil
}

// ImportTrustedRelaxed imports the headers of the signed inner message,
// letting each replace the untrusted envelope fields of the same name
// (case-insensitive). Fields already trusted are never removed.
func (r *Reconciler) ImportTrustedRelaxed(hdrs []utils.Header) {
	for _, h := range hdrs {
		if ignoreHeaders[strings.ToUpper(h.Key)] {
			continue
		}
		name := h.Key
		r.store.RemoveWhere(func(f Field) bool {
			return f.nameEquals(name, true) && !f.Trusted
		})
		r.store.Append(name, h.Text(), true)
	}
}

// ImportSignatureDirectives applies a decoded SecureHeaderFields attribute.
// Depending on the directive status, the matching envelope field is marked
// trusted, deleted, or replaced. A nil attr (attribute absent from the
// signature) is a no-op.
//
// On error, directives processed before the failing one have already been
// applied; callers must discard the whole reconciliation.
func (r *Reconciler) ImportSignatureDirectives(attr *Fields) error {
	if attr == nil {
		return nil
	}

	// First pass: the canonicalization algorithm used for all matching below.
	// Absent means simple. ../rfc/7508:373
	relaxed := false
	for _, alg := range attr.Algorithms {
		switch alg {
		case AlgorithmSimple:
			relaxed = false
		case AlgorithmRelaxed:
			relaxed = true
		default:
			return fmt.Errorf("%w: %d", ErrUnknownAlgorithm, alg)
		}
	}

	// Second pass: apply each directive. ../rfc/7508:409
	for _, d := range attr.Directives {
		switch d.Status {
		case StatusDuplicated:
			if r.store.MarkTrustedWhere(ByNameValue(d.Name, d.Value, relaxed)) == 0 {
				return fmt.Errorf("%w: duplicated %q", ErrDirectiveUnmatched, d.Name)
			}
		case StatusDeleted:
			if r.store.RemoveWhere(ByNameValue(d.Name, d.Value, relaxed)) == 0 {
				return fmt.Errorf("%w: deleted %q", ErrDirectiveUnmatched, d.Name)
			}
		case StatusModified:
			if r.store.RemoveWhere(ByName(d.Name, relaxed)) == 0 {
				return fmt.Errorf("%w: modified %q", ErrDirectiveUnmatched, d.Name)
			}
			r.store.Append(d.Name, d.Value, true)
		default:
			return fmt.Errorf("%w: %d", ErrUnknownFieldStatus, d.Status)
		}
	}

	r.log.Debug("secheader: signature directives applied",
		slog.Int("directives", len(attr.Directives)),
		slog.Bool("relaxed", relaxed))
	return nil
}

// View returns the read-only accessors over the reconciled fields. The
// reconciler must not be used for further imports afterwards.
func (r *Reconciler) View() *View {
	return &View{store: &r.store}
}
