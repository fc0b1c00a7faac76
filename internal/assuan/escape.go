package assuan

import (
	"fmt"
	"strings"
)

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func hexVal(c byte) byte {
	switch {
	case c <= '9':
		return c - '0'
	case c <= 'F':
		return c - 'A' + 10
	default:
		return c - 'a' + 10
	}
}

// PercentPlusEscape converts s into the form gpg-agent expects for prompt
// text: spaces become plus signs, and '+', '"', '%' and control bytes below
// 0x20 become %XX sequences. Every other byte passes through unchanged.
func PercentPlusEscape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '+' || c == '"' || c == '%' || c < 0x20:
			fmt.Fprintf(&b, "%%%02X", c)
		case c == ' ':
			b.WriteByte('+')
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// unescapeData decodes %XX sequences in an Assuan data line. A '%' not
// followed by two hex digits passes through verbatim, matching the lenient
// decoding libassuan applies.
func unescapeData(s []byte) []byte {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) && isHexDigit(s[i+1]) && isHexDigit(s[i+2]) {
			out = append(out, hexVal(s[i+1])<<4|hexVal(s[i+2]))
			i += 2
			continue
		}
		out = append(out, s[i])
	}
	return out
}

// TrimAndUnescape decodes %XX sequences in s and strips trailing whitespace,
// for parsing the single-path output of gpgconf.
func TrimAndUnescape(s string) string {
	return strings.TrimRight(string(unescapeData([]byte(s))), " \t\r\n\v\f")
}
