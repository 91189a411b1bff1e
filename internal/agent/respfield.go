package agent

import (
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

// respFieldScanner extracts the value of the "response" string field
// from JSON arriving in arbitrary chunks. The payload is not valid
// JSON until the object closes, so the scanner hunts for the literal
// key marker, then unescapes and emits the string's characters as they
// arrive, stopping at the first unescaped closing quote. Chunk
// boundaries may fall anywhere, including mid-escape.
type respFieldScanner struct {
	state       scanState
	matchPos    int
	escaped     bool
	inUnicode   bool
	hexBuf      []byte
	pendingHigh rune
}

type scanState int

const (
	stateSeekKey scanState = iota
	stateSeekColon
	stateSeekQuote
	stateInString
	stateDone
)

const respMarker = `"response"`

// feed consumes the next chunk of raw JSON text and returns the
// response-field characters it yielded, fully unescaped.
func (s *respFieldScanner) feed(chunk string) string {
	if s.state == stateDone {
		return ""
	}
	var out strings.Builder
	for i := 0; i < len(chunk); i++ {
		c := chunk[i]
		switch s.state {
		case stateSeekKey:
			if c == respMarker[s.matchPos] {
				s.matchPos++
				if s.matchPos == len(respMarker) {
					s.state = stateSeekColon
					s.matchPos = 0
				}
			} else if c == respMarker[0] {
				s.matchPos = 1
			} else {
				s.matchPos = 0
			}

		case stateSeekColon:
			switch c {
			case ' ', '\t', '\n', '\r':
			case ':':
				s.state = stateSeekQuote
			default:
				// The marker was a string value, not the key.
				s.state = stateSeekKey
			}

		case stateSeekQuote:
			switch c {
			case ' ', '\t', '\n', '\r':
			case '"':
				s.state = stateInString
			default:
				s.state = stateSeekKey
			}

		case stateInString:
			s.scanStringByte(c, &out)
		}
	}
	return out.String()
}

// done reports whether the closing quote has been observed.
func (s *respFieldScanner) done() bool {
	return s.state == stateDone
}

func (s *respFieldScanner) scanStringByte(c byte, out *strings.Builder) {
	if s.inUnicode {
		s.hexBuf = append(s.hexBuf, c)
		if len(s.hexBuf) == 4 {
			s.inUnicode = false
			s.emitUnicode(out)
		}
		return
	}

	if s.escaped {
		s.escaped = false
		if c == 'u' {
			s.inUnicode = true
			s.hexBuf = s.hexBuf[:0]
			return
		}
		s.flushPending(out)
		switch c {
		case '"', '\\', '/':
			out.WriteByte(c)
		case 'b':
			out.WriteByte('\b')
		case 'f':
			out.WriteByte('\f')
		case 'n':
			out.WriteByte('\n')
		case 'r':
			out.WriteByte('\r')
		case 't':
			out.WriteByte('\t')
		default:
			out.WriteByte(c)
		}
		return
	}

	switch c {
	case '\\':
		s.escaped = true
	case '"':
		s.flushPending(out)
		s.state = stateDone
	default:
		s.flushPending(out)
		out.WriteByte(c)
	}
}

// emitUnicode decodes a completed \uXXXX escape, pairing UTF-16
// surrogates across consecutive escapes.
func (s *respFieldScanner) emitUnicode(out *strings.Builder) {
	r := rune(0)
	for _, h := range s.hexBuf {
		r = r<<4 | rune(hexVal(h))
	}

	if s.pendingHigh != 0 {
		if utf16.IsSurrogate(r) && r >= 0xDC00 {
			out.WriteRune(utf16.DecodeRune(s.pendingHigh, r))
			s.pendingHigh = 0
			return
		}
		out.WriteRune(utf8.RuneError)
		s.pendingHigh = 0
	}

	if utf16.IsSurrogate(r) {
		if r < 0xDC00 {
			s.pendingHigh = r
			return
		}
		out.WriteRune(utf8.RuneError)
		return
	}
	out.WriteRune(r)
}

// flushPending resolves a dangling high surrogate when the next
// character is not its low half.
func (s *respFieldScanner) flushPending(out *strings.Builder) {
	if s.pendingHigh != 0 {
		out.WriteRune(utf8.RuneError)
		s.pendingHigh = 0
	}
}

func hexVal(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10
	}
	return 0
}
