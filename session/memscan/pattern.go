// Package memscan searches target memory for masked byte signatures.  A
// signature is compiled once into value/mask arrays, then matched against
// bulk reads of qualifying region spans.
package memscan

import (
	"fmt"
	"strings"
)

var (
	ErrInvalidPattern = fmt.Errorf("invalid byte pattern")
)

// BytePattern is a compiled signature.  Values and Masks have equal
// length, one mask byte per value byte; wildcards are nibble granular
// (mask 0xf0 / 0x0f / 0x00).  Values are stored pre-masked.
type BytePattern struct {
	Values []byte
	Masks  []byte
}

// CompilePattern parses a hex-with-wildcards signature such as
// "4D 79 ?? ?4 56".  Each pair of characters maps to one byte; '?'
// wildcards a nibble.  Spaces between pairs are optional.
//
// Compilation rejects empty input, an odd number of digits, characters
// outside [0-9a-fA-F?], and all-wildcard patterns (which would match
// everywhere).
func CompilePattern(text string) (BytePattern, error) {
	values := []byte{}
	wilds := []bool{}
	for idx, char := range text {
		switch {
		case char == ' ' || char == '\t':
			continue
		case char == '?':
			values = append(values, 0)
			wilds = append(wilds, true)
		case '0' <= char && char <= '9':
			values = append(values, byte(char-'0'))
			wilds = append(wilds, false)
		case 'a' <= char && char <= 'f':
			values = append(values, byte(char-'a'+10))
			wilds = append(wilds, false)
		case 'A' <= char && char <= 'F':
			values = append(values, byte(char-'A'+10))
			wilds = append(wilds, false)
		default:
			return BytePattern{}, fmt.Errorf(
				"%w: unexpected character %q at position %d",
				ErrInvalidPattern,
				char,
				idx)
		}
	}

	if len(values) == 0 {
		return BytePattern{}, fmt.Errorf("%w: empty pattern", ErrInvalidPattern)
	}
	if len(values)%2 != 0 {
		return BytePattern{}, fmt.Errorf(
			"%w: odd number of digits (%d)",
			ErrInvalidPattern,
			len(values))
	}

	pattern := BytePattern{
		Values: make([]byte, len(values)/2),
		Masks:  make([]byte, len(values)/2),
	}

	allWild := true
	for idx := 0; idx < len(pattern.Values); idx++ {
		value := byte(0)
		mask := byte(0)
		if !wilds[2*idx] {
			value |= values[2*idx] << 4
			mask |= 0xf0
			allWild = false
		}
		if !wilds[2*idx+1] {
			value |= values[2*idx+1]
			mask |= 0x0f
			allWild = false
		}

		pattern.Values[idx] = value
		pattern.Masks[idx] = mask
	}

	if allWild {
		return BytePattern{}, fmt.Errorf(
			"%w: all-wildcard pattern matches everywhere",
			ErrInvalidPattern)
	}

	return pattern, nil
}

// Length returns the signature's length in bytes.
func (pattern BytePattern) Length() int {
	return len(pattern.Values)
}

// Matches reports whether the signature matches the head of data.  The
// first byte is checked first as a fast reject; the rest compare back to
// front.
func (pattern BytePattern) Matches(data []byte) bool {
	if len(data) < len(pattern.Values) {
		return false
	}
	if data[0]&pattern.Masks[0] != pattern.Values[0] {
		return false
	}

	for idx := len(pattern.Values) - 1; idx > 0; idx-- {
		if data[idx]&pattern.Masks[idx] != pattern.Values[idx] {
			return false
		}
	}
	return true
}

func (pattern BytePattern) String() string {
	builder := strings.Builder{}
	for idx, value := range pattern.Values {
		if idx > 0 {
			builder.WriteByte(' ')
		}

		mask := pattern.Masks[idx]
		builder.WriteByte(hexNibble(value>>4, mask&0xf0 != 0))
		builder.WriteByte(hexNibble(value&0x0f, mask&0x0f != 0))
	}
	return builder.String()
}

func hexNibble(value byte, known bool) byte {
	if !known {
		return '?'
	}
	if value < 10 {
		return '0' + value
	}
	return 'a' + value - 10
}
