package common

import (
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"
)

type AddressRangeSuite struct{}

func TestAddressRange(t *testing.T) {
	suite.RunTests(t, &AddressRangeSuite{})
}

func (AddressRangeSuite) TestSize(t *testing.T) {
	ar := NewAddressRange(0x1000, 0x1fff)
	expect.Equal(t, 0x1000, ar.Size())

	single := NewAddressRange(0x42, 0x42)
	expect.Equal(t, 1, single.Size())

	fromSize := RangeFromSize(0x2000, 0x800)
	expect.Equal(t, VirtualAddress(0x2000), fromSize.Start)
	expect.Equal(t, VirtualAddress(0x27ff), fromSize.End)
	expect.Equal(t, 0x800, fromSize.Size())
}

func (AddressRangeSuite) TestContains(t *testing.T) {
	ar := NewAddressRange(0x1000, 0x1fff)

	expect.True(t, ar.Contains(0x1000))
	expect.True(t, ar.Contains(0x1800))
	expect.True(t, ar.Contains(0x1fff))
	expect.False(t, ar.Contains(0xfff))
	expect.False(t, ar.Contains(0x2000))

	expect.True(t, ar.ContainsRange(NewAddressRange(0x1000, 0x1fff)))
	expect.True(t, ar.ContainsRange(NewAddressRange(0x1100, 0x1200)))
	expect.False(t, ar.ContainsRange(NewAddressRange(0xf00, 0x1200)))
	expect.False(t, ar.ContainsRange(NewAddressRange(0x1f00, 0x2100)))
}

func (AddressRangeSuite) TestIntersect(t *testing.T) {
	ar := NewAddressRange(0x1000, 0x1fff)

	overlap, ok := ar.Intersect(NewAddressRange(0x1800, 0x2fff))
	expect.True(t, ok)
	expect.Equal(t, VirtualAddress(0x1800), overlap.Start)
	expect.Equal(t, VirtualAddress(0x1fff), overlap.End)

	overlap, ok = ar.Intersect(NewAddressRange(0, 0xffffffffffffffff))
	expect.True(t, ok)
	expect.Equal(t, ar, overlap)

	_, ok = ar.Intersect(NewAddressRange(0x2000, 0x2fff))
	expect.False(t, ok)

	// Inclusive bounds; a single shared address intersects.
	overlap, ok = ar.Intersect(NewAddressRange(0x1fff, 0x2fff))
	expect.True(t, ok)
	expect.Equal(t, NewAddressRange(0x1fff, 0x1fff), overlap)
}

func (AddressRangeSuite) TestDistanceFrom(t *testing.T) {
	ar := NewAddressRange(0x1000, 0x1fff)

	expect.Equal(t, 0, ar.DistanceFrom(0x1000))
	expect.Equal(t, 0, ar.DistanceFrom(0x1234))
	expect.Equal(t, 0x10, ar.DistanceFrom(0xff0))
	expect.Equal(t, 1, ar.DistanceFrom(0x2000))
}

func (AddressRangeSuite) TestBitness(t *testing.T) {
	expect.Equal(t, 4, Bitness32.PointerSize())
	expect.Equal(t, 8, Bitness64.PointerSize())

	expect.Equal(t, VirtualAddress(0xffffffff), Bitness32.MaxAddress())
	expect.Equal(
		t,
		VirtualAddress(0xffffffffffffffff),
		Bitness64.MaxAddress())

	ar := Bitness32.AddressableRange()
	expect.True(t, ar.Contains(0xffffffff))
	expect.False(t, ar.Contains(0x100000000))
}

type PointerOffsetSuite struct{}

func TestPointerOffset(t *testing.T) {
	suite.RunTests(t, &PointerOffsetSuite{})
}

func (PointerOffsetSuite) TestApplyTo(t *testing.T) {
	valid := Bitness64.AddressableRange()

	result, ok := NewPointerOffset(0x10, false).ApplyTo(0x1000, valid)
	expect.True(t, ok)
	expect.Equal(t, VirtualAddress(0x1010), result)

	result, ok = NewPointerOffset(0x10, true).ApplyTo(0x1000, valid)
	expect.True(t, ok)
	expect.Equal(t, VirtualAddress(0xff0), result)

	result, ok = PointerOffset{}.ApplyTo(0x1000, valid)
	expect.True(t, ok)
	expect.Equal(t, VirtualAddress(0x1000), result)
}

func (PointerOffsetSuite) TestOverflow(t *testing.T) {
	valid := Bitness64.AddressableRange()

	_, ok := NewPointerOffset(1, false).ApplyTo(
		Bitness64.MaxAddress(),
		valid)
	expect.False(t, ok)

	_, ok = NewPointerOffset(0x1001, true).ApplyTo(0x1000, valid)
	expect.False(t, ok)

	// Valid for 64-bit, out of range for a 32-bit target.
	valid32 := Bitness32.AddressableRange()
	_, ok = NewPointerOffset(1, false).ApplyTo(0xffffffff, valid32)
	expect.False(t, ok)

	result, ok := NewPointerOffset(1, true).ApplyTo(0xffffffff, valid32)
	expect.True(t, ok)
	expect.Equal(t, VirtualAddress(0xfffffffe), result)
}

func (PointerOffsetSuite) TestString(t *testing.T) {
	expect.Equal(t, "+0x10", NewPointerOffset(0x10, false).String())
	expect.Equal(t, "-0x4", NewPointerOffset(4, true).String())
	expect.Equal(t, "+0x0", PointerOffset{}.String())
}
