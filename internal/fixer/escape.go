package fixer

type scanState int

const (
	stateNormal scanState = iota
	stateComment
	stateString
	stateEscape
)

// literal describes the string literal the scanner is inside.
type literal struct {
	quote  byte
	triple bool
	raw    bool
	bytes  bool
	start  int
}

// EscapeReport is the result of scanning source text for escape sequences.
type EscapeReport struct {
	// Positions holds the offsets of backslashes that start an
	// unrecognized escape in a non-raw literal, ascending.
	Positions []int
	// Unterminated is set when a literal ran into a bare newline or the end
	// of input. UnterminatedAt is the start of the first such literal. Escapes
	// inside a broken literal are not reported; literals after it are.
	Unterminated   bool
	UnterminatedAt int
}

// ScanEscapes walks src once, tracking comments and string literals, and
// reports every invalid escape sequence.
func ScanEscapes(src []byte) EscapeReport {
	var (
		rep   EscapeReport
		state = stateNormal
		lit   literal
		esc   int
	)

	markUnterminated := func() {
		// Drop findings inside the broken literal.
		n := len(rep.Positions)
		for n > 0 && rep.Positions[n-1] >= lit.start {
			n--
		}
		rep.Positions = rep.Positions[:n]
		if !rep.Unterminated {
			rep.Unterminated = true
			rep.UnterminatedAt = lit.start
		}
	}

	i := 0
	for i < len(src) {
		c := src[i]
		switch state {
		case stateNormal:
			switch c {
			case '#':
				state = stateComment
			case '\'', '"':
				lit = literal{quote: c, start: i}
				lit.raw, lit.bytes = prefixFlags(src, i)
				state = stateString
				if i+2 < len(src) && src[i+1] == c && src[i+2] == c {
					lit.triple = true
					i += 3
					continue
				}
			}
			i++

		case stateComment:
			if c == '\n' {
				state = stateNormal
			}
			i++

		case stateString:
			switch {
			case c == '\\':
				esc = i
				state = stateEscape
			case c == lit.quote && !lit.triple:
				state = stateNormal
			case c == lit.quote && i+2 < len(src) && src[i+1] == c && src[i+2] == c:
				state = stateNormal
				i += 3
				continue
			case c == '\n' && !lit.triple:
				markUnterminated()
				state = stateNormal
			}
			i++

		case stateEscape:
			if !lit.raw && !recognizedEscape(c, lit.bytes) {
				rep.Positions = append(rep.Positions, esc)
			}
			state = stateString
			if c == '\r' && i+1 < len(src) && src[i+1] == '\n' {
				i++
			}
			i++
		}
	}

	if state == stateString || state == stateEscape {
		markUnterminated()
	}
	return rep
}

// FixEscapes doubles the backslash of every invalid escape sequence so the
// literal renders the same characters without the warning.
func FixEscapes(src []byte) ([]byte, EscapeReport) {
	rep := ScanEscapes(src)
	if len(rep.Positions) == 0 {
		return src, rep
	}
	out := make([]byte, 0, len(src)+len(rep.Positions))
	prev := 0
	for _, p := range rep.Positions {
		out = append(out, src[prev:p]...)
		out = append(out, '\\')
		prev = p
	}
	out = append(out, src[prev:]...)
	return out, rep
}

func recognizedEscape(c byte, isBytes bool) bool {
	switch c {
	case '\\', '\'', '"', 'a', 'b', 'f', 'n', 'r', 't', 'v', 'x', '\n', '\r':
		return true
	case 'N', 'u', 'U':
		return !isBytes
	}
	return c >= '0' && c <= '7'
}

// prefixFlags inspects the string prefix letters directly before the quote
// at q.
func prefixFlags(src []byte, q int) (raw, isBytes bool) {
	j := q - 1
	for j >= 0 && q-j <= 3 && isPrefixLetter(src[j]) {
		j--
	}
	if j == q-1 {
		return false, false
	}
	if j >= 0 && isIdentByte(src[j]) {
		// Part of a longer identifier, not a prefix.
		return false, false
	}
	for _, b := range src[j+1 : q] {
		switch b | 0x20 {
		case 'r':
			raw = true
		case 'b':
			isBytes = true
		}
	}
	return raw, isBytes
}

func isPrefixLetter(b byte) bool {
	switch b | 0x20 {
	case 'r', 'b', 'u', 'f', 't':
		return true
	}
	return false
}

func isIdentByte(b byte) bool {
	return b == '_' || (b >= '0' && b <= '9') || (b|0x20 >= 'a' && b|0x20 <= 'z') || b >= 0x80
}
