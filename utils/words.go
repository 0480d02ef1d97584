package utils

import (
	"io"
	"mime"
	"strings"

	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"
)

// DecodeWords decodes RFC 2047 encoded-words in s, e.g. in a Subject header.
// For unknown charsets the transfer encoding is still decoded and the raw
// bytes kept; malformed words are left as-is. The caller compares the
// decoded text against expected values anyway.
func DecodeWords(s string) string {
	dec := mime.WordDecoder{CharsetReader: charsetReader}
	t, err := dec.DecodeHeader(s)
	if err != nil {
		return s
	}
	return t
}

func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	enc, err := ianaindex.IANA.Encoding(strings.ToLower(charset))
	if err != nil || enc == nil {
		return input, nil
	}
	return transform.NewReader(input, enc.NewDecoder()), nil
}
