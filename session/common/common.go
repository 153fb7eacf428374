package common

import (
	"fmt"
)

var (
	ErrInvalidArgument = fmt.Errorf("invalid argument")
	ErrNotAttached     = fmt.Errorf("not attached to a process")
)

// Bitness is the width of the target process' address space.  A 32-bit
// target cannot address anything above 2^32-1 even when inspected from a
// 64-bit controller.
type Bitness int

const (
	Bitness32 = Bitness(32)
	Bitness64 = Bitness(64)
)

func (bitness Bitness) PointerSize() int {
	if bitness == Bitness32 {
		return 4
	}
	return 8
}

func (bitness Bitness) MaxAddress() VirtualAddress {
	if bitness == Bitness32 {
		return VirtualAddress(1<<32 - 1)
	}
	return VirtualAddress(1<<64 - 1)
}

func (bitness Bitness) AddressableRange() AddressRange {
	return AddressRange{
		Start: 0,
		End:   bitness.MaxAddress(),
	}
}

type VirtualAddress uint64

func (addr VirtualAddress) String() string {
	return fmt.Sprintf("0x%016x", uint64(addr))
}

type VirtualAddresses []VirtualAddress

func (s VirtualAddresses) Len() int {
	return len(s)
}

func (s VirtualAddresses) Less(i int, j int) bool {
	return uint64(s[i]) < uint64(s[j])
}

func (s VirtualAddresses) Swap(i int, j int) {
	s[i], s[j] = s[j], s[i]
}

// AddressRange is an inclusive range of virtual addresses.  Both bounds are
// part of the range; an AddressRange can therefore cover the entire 64-bit
// address space, which a half-open representation cannot.
type AddressRange struct {
	Start VirtualAddress
	End   VirtualAddress
}

func NewAddressRange(start VirtualAddress, end VirtualAddress) AddressRange {
	return AddressRange{
		Start: start,
		End:   end,
	}
}

// RangeFromSize returns the range covering size bytes starting at start.
// size must be non-zero.
func RangeFromSize(start VirtualAddress, size uint64) AddressRange {
	return AddressRange{
		Start: start,
		End:   start + VirtualAddress(size-1),
	}
}

func (ar AddressRange) String() string {
	return fmt.Sprintf("[%s, %s]", ar.Start, ar.End)
}

// Size returns the number of addresses covered by the range.  A range
// covering the full 64-bit space wraps to zero; callers dealing in full
// ranges must special case that themselves.
func (ar AddressRange) Size() uint64 {
	return uint64(ar.End-ar.Start) + 1
}

func (ar AddressRange) Contains(addr VirtualAddress) bool {
	return ar.Start <= addr && addr <= ar.End
}

func (ar AddressRange) ContainsRange(other AddressRange) bool {
	return ar.Start <= other.Start && other.End <= ar.End
}

func (ar AddressRange) Overlaps(other AddressRange) bool {
	return ar.Start <= other.End && other.Start <= ar.End
}

// Intersect returns the overlapping sub-range shared by both ranges.  The
// second result is false when the ranges are disjoint.
func (ar AddressRange) Intersect(other AddressRange) (AddressRange, bool) {
	start := ar.Start
	if other.Start > start {
		start = other.Start
	}

	end := ar.End
	if other.End < end {
		end = other.End
	}

	if start > end {
		return AddressRange{}, false
	}

	return AddressRange{Start: start, End: end}, true
}

// DistanceFrom returns how far addr is from the nearest address in the
// range.  Addresses inside the range have distance zero.
func (ar AddressRange) DistanceFrom(addr VirtualAddress) uint64 {
	if addr < ar.Start {
		return uint64(ar.Start - addr)
	}
	if addr > ar.End {
		return uint64(addr - ar.End)
	}
	return 0
}

type AddressRanges []AddressRange

func (ars AddressRanges) Contains(addr VirtualAddress) bool {
	for _, ar := range ars {
		if ar.Contains(addr) {
			return true
		}
	}
	return false
}
