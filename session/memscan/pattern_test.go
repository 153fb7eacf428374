package memscan

import (
	"errors"
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"
)

type PatternSuite struct{}

func TestPattern(t *testing.T) {
	suite.RunTests(t, &PatternSuite{})
}

func (PatternSuite) TestCompileExactBytes(t *testing.T) {
	pattern, err := CompilePattern("4D 79 56 61")
	expect.Nil(t, err)
	expect.Equal(t, []byte{0x4d, 0x79, 0x56, 0x61}, pattern.Values)
	expect.Equal(t, []byte{0xff, 0xff, 0xff, 0xff}, pattern.Masks)
	expect.Equal(t, 4, pattern.Length())
}

func (PatternSuite) TestCompileNibbleWildcards(t *testing.T) {
	pattern, err := CompilePattern("?4 7? ??")
	expect.Nil(t, err)
	expect.Equal(t, []byte{0x04, 0x70, 0x00}, pattern.Values)
	expect.Equal(t, []byte{0x0f, 0xf0, 0x00}, pattern.Masks)
}

func (PatternSuite) TestCompileSpacingIsOptional(t *testing.T) {
	spaced, err := CompilePattern("4D 79 ?? 61")
	expect.Nil(t, err)

	packed, err := CompilePattern("4d79??61")
	expect.Nil(t, err)

	expect.Equal(t, spaced.Values, packed.Values)
	expect.Equal(t, spaced.Masks, packed.Masks)
}

func (PatternSuite) TestCompileIsIdempotent(t *testing.T) {
	first, err := CompilePattern("4D ?9 56 ?? 61")
	expect.Nil(t, err)
	second, err := CompilePattern("4D ?9 56 ?? 61")
	expect.Nil(t, err)

	expect.Equal(t, first.Values, second.Values)
	expect.Equal(t, first.Masks, second.Masks)
}

func (PatternSuite) TestCompileRejections(t *testing.T) {
	_, err := CompilePattern("")
	expect.True(t, errors.Is(err, ErrInvalidPattern))
	expect.Error(t, err, "empty pattern")

	_, err = CompilePattern("4D 7")
	expect.True(t, errors.Is(err, ErrInvalidPattern))
	expect.Error(t, err, "odd number of digits")

	_, err = CompilePattern("4D 7G")
	expect.True(t, errors.Is(err, ErrInvalidPattern))
	expect.Error(t, err, "unexpected character")

	_, err = CompilePattern("?? ?? ??")
	expect.True(t, errors.Is(err, ErrInvalidPattern))
	expect.Error(t, err, "all-wildcard")
}

func (PatternSuite) TestMatches(t *testing.T) {
	pattern, err := CompilePattern("4D 79 ?? ?1")
	expect.Nil(t, err)

	expect.True(t, pattern.Matches([]byte{0x4d, 0x79, 0xab, 0xf1}))
	expect.True(t, pattern.Matches([]byte{0x4d, 0x79, 0x00, 0x01, 0xff}))
	expect.False(t, pattern.Matches([]byte{0x4e, 0x79, 0xab, 0xf1}))
	expect.False(t, pattern.Matches([]byte{0x4d, 0x79, 0xab, 0xf2}))

	// Shorter than the signature.
	expect.False(t, pattern.Matches([]byte{0x4d, 0x79, 0xab}))
}

func (PatternSuite) TestString(t *testing.T) {
	pattern, err := CompilePattern("4d79???156")
	expect.Nil(t, err)
	expect.Equal(t, "4d 79 ?? ?1 56", pattern.String())
}
