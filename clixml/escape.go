package clixml

import (
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

const hexDigits = "0123456789ABCDEF"

// escapeString encodes control characters and supplementary-plane runes as
// _xHHHH_ sequences (surrogate pairs for runes above U+FFFF). A literal
// underscore followed by 'x' or 'X' is escaped as _x005F_ so it cannot be
// confused with an escape sequence. Applied before XML encoding.
func escapeString(s string) string {
	if !needsEscape(s) {
		return s
	}

	var b strings.Builder
	b.Grow(len(s) + len(s)/4)
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])

		if r == '_' && i+size < len(s) && (s[i+size] == 'x' || s[i+size] == 'X') {
			b.WriteString("_x005F_")
			i += size
			continue
		}

		if runeNeedsEscape(r) {
			if r > 0xFFFF {
				high, low := utf16.EncodeRune(r)
				writeHex4(&b, uint16(high))
				writeHex4(&b, uint16(low))
			} else {
				writeHex4(&b, uint16(r))
			}
		} else {
			b.WriteRune(r)
		}
		i += size
	}
	return b.String()
}

// unescapeString decodes _xHHHH_ sequences, reassembling surrogate pairs
// into single runes. Malformed sequences are left as literal text.
func unescapeString(s string) string {
	if !strings.Contains(s, "_x") && !strings.Contains(s, "_X") {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	i := 0
	for i < len(s) {
		if cu, ok := escapeAt(s, i); ok {
			if cu >= 0xD800 && cu <= 0xDBFF {
				if low, ok := escapeAt(s, i+7); ok && low >= 0xDC00 && low <= 0xDFFF {
					b.WriteRune(utf16.DecodeRune(rune(cu), rune(low)))
					i += 14
					continue
				}
			}
			b.WriteRune(rune(cu))
			i += 7
			continue
		}
		b.WriteByte(s[i])
		i++
	}
	return b.String()
}

// escapeAt reports whether a full _xHHHH_ sequence starts at offset i.
func escapeAt(s string, i int) (uint16, bool) {
	if i+7 > len(s) || s[i] != '_' || (s[i+1] != 'x' && s[i+1] != 'X') || s[i+6] != '_' {
		return 0, false
	}
	var val uint16
	for j := i + 2; j < i+6; j++ {
		c := s[j]
		val <<= 4
		switch {
		case c >= '0' && c <= '9':
			val |= uint16(c - '0')
		case c >= 'a' && c <= 'f':
			val |= uint16(c - 'a' + 10)
		case c >= 'A' && c <= 'F':
			val |= uint16(c - 'A' + 10)
		default:
			return 0, false
		}
	}
	return val, true
}

func needsEscape(s string) bool {
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if runeNeedsEscape(r) {
			return true
		}
		if r == '_' && i+size < len(s) && (s[i+size] == 'x' || s[i+size] == 'X') {
			return true
		}
		i += size
	}
	return false
}

func runeNeedsEscape(r rune) bool {
	return r <= 0x1F ||
		(r >= 0x7F && r <= 0x9F) ||
		(r >= 0xD800 && r <= 0xDFFF) ||
		r > 0xFFFF
}

func writeHex4(b *strings.Builder, v uint16) {
	var buf [7]byte
	buf[0] = '_'
	buf[1] = 'x'
	buf[2] = hexDigits[v>>12&0xF]
	buf[3] = hexDigits[v>>8&0xF]
	buf[4] = hexDigits[v>>4&0xF]
	buf[5] = hexDigits[v&0xF]
	buf[6] = '_'
	b.Write(buf[:])
}
