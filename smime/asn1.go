package smime

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"

	"github.com/loredanacirstea/smimeverif/secheader"
)

var (
	oidSignedData         = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	oidSecureHeaderFields = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 55}
)

// Minimal SignedData shapes, just deep enough to reach the signed attributes.
// Signature verification itself is left to the pkcs7 package, which does not
// expose attributes other than the ones it consumes.

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

type signedData struct {
	Version          int
	DigestAlgorithms asn1.RawValue `asn1:"set"`
	ContentInfo      contentInfo
	Certificates     asn1.RawValue `asn1:"optional,tag:0"`
	CRLs             asn1.RawValue `asn1:"optional,tag:1"`
	SignerInfos      []signerInfo  `asn1:"set"`
}

type signerInfo struct {
	Version            int
	SID                asn1.RawValue
	DigestAlgorithm    pkix.AlgorithmIdentifier
	SignedAttrs        asn1.RawValue `asn1:"optional,tag:0"`
	SignatureAlgorithm pkix.AlgorithmIdentifier
	Signature          []byte
	UnsignedAttrs      asn1.RawValue `asn1:"optional,tag:1"`
}

type attribute struct {
	Type   asn1.ObjectIdentifier
	Values asn1.RawValue `asn1:"set"`
}

// secureHeaderFields extracts and decodes the SecureHeaderFields signed
// attribute from the signer infos of a DER-encoded SignedData. Returns nil
// without error if no signer carries the attribute.
func secureHeaderFields(der []byte) (*secheader.Fields, error) {
	var ci contentInfo
	if _, err := asn1.Unmarshal(der, &ci); err != nil {
		return nil, fmt.Errorf("parsing ContentInfo: %s", err)
	}
	if !ci.ContentType.Equal(oidSignedData) {
		return nil, fmt.Errorf("not a SignedData content type: %v", ci.ContentType)
	}
	var sd signedData
	if _, err := asn1.Unmarshal(ci.Content.Bytes, &sd); err != nil {
		return nil, fmt.Errorf("parsing SignedData: %s", err)
	}

	for _, si := range sd.SignerInfos {
		rest := si.SignedAttrs.Bytes
		for len(rest) > 0 {
			var attr attribute
			var err error
			rest, err = asn1.Unmarshal(rest, &attr)
			if err != nil {
				return nil, fmt.Errorf("parsing signed attribute: %s", err)
			}
			if !attr.Type.Equal(oidSecureHeaderFields) {
				continue
			}
			var value asn1.RawValue
			if _, err := asn1.Unmarshal(attr.Values.Bytes, &value); err != nil {
				return nil, fmt.Errorf("parsing attribute value: %s", err)
			}
			return parseSecureHeaderFields(value)
		}
	}
	return nil, nil
}

// parseSecureHeaderFields decodes the attribute value: an ASN.1 SET holding,
// in any order, zero or one canonicalization ENUMERATED and zero or more
// SEQUENCEs of HeaderField. ../rfc/7508:357
func parseSecureHeaderFields(value asn1.RawValue) (*secheader.Fields, error) {
	if value.Class != asn1.ClassUniversal || value.Tag != asn1.TagSet || !value.IsCompound {
		return nil, fmt.Errorf("secure header fields attribute is not a SET")
	}

	var fields secheader.Fields
	rest := value.Bytes
	for len(rest) > 0 {
		var el asn1.RawValue
		var err error
		rest, err = asn1.Unmarshal(rest, &el)
		if err != nil {
			return nil, fmt.Errorf("parsing set element: %s", err)
		}
		switch {
		case el.Class == asn1.ClassUniversal && el.Tag == asn1.TagEnum:
			var alg asn1.Enumerated
			if _, err := asn1.Unmarshal(el.FullBytes, &alg); err != nil {
				return nil, fmt.Errorf("parsing canonicalization algorithm: %s", err)
			}
			fields.Algorithms = append(fields.Algorithms, int(alg))
		case el.Class == asn1.ClassUniversal && el.Tag == asn1.TagSequence && el.IsCompound:
			inner := el.Bytes
			for len(inner) > 0 {
				var hf asn1.RawValue
				inner, err = asn1.Unmarshal(inner, &hf)
				if err != nil {
					return nil, fmt.Errorf("parsing header field: %s", err)
				}
				d, err := parseHeaderField(hf)
				if err != nil {
					return nil, err
				}
				fields.Directives = append(fields.Directives, d)
			}
		default:
			// Tolerated, the set may grow new element types.
		}
	}
	return &fields, nil
}

// parseHeaderField decodes one HeaderField SEQUENCE: field name, field value
// and an optional status INTEGER defaulting to duplicated.
func parseHeaderField(hf asn1.RawValue) (secheader.Directive, error) {
	var d secheader.Directive
	if hf.Class != asn1.ClassUniversal || hf.Tag != asn1.TagSequence || !hf.IsCompound {
		return d, fmt.Errorf("header field is not a SEQUENCE")
	}
	name, rest, err := parseDirectoryString(hf.Bytes)
	if err != nil {
		return d, fmt.Errorf("parsing header field name: %s", err)
	}
	value, rest, err := parseDirectoryString(rest)
	if err != nil {
		return d, fmt.Errorf("parsing header field value: %s", err)
	}
	status := secheader.StatusDuplicated
	if len(rest) > 0 {
		if _, err := asn1.Unmarshal(rest, &status); err != nil {
			return d, fmt.Errorf("parsing header field status: %s", err)
		}
	}
	return secheader.Directive{Name: name, Value: value, Status: status}, nil
}

func parseDirectoryString(der []byte) (string, []byte, error) {
	var rv asn1.RawValue
	rest, err := asn1.Unmarshal(der, &rv)
	if err != nil {
		return "", nil, err
	}
	if rv.Class != asn1.ClassUniversal {
		return "", nil, fmt.Errorf("unexpected string class %d", rv.Class)
	}
	switch rv.Tag {
	case asn1.TagUTF8String, asn1.TagIA5String, asn1.TagPrintableString, asn1.TagT61String:
		return string(rv.Bytes), rest, nil
	}
	return "", nil, fmt.Errorf("unexpected string tag %d", rv.Tag)
}
