package common

import (
	"fmt"
)

// PointerOffset is a displacement applied to a virtual address.  The sign
// is kept separate from the magnitude so that offsets subtracting from an
// address never rely on two's complement wraparound of the address itself.
// The zero value means "no offset".
type PointerOffset struct {
	Magnitude uint64
	Negative  bool
}

func NewPointerOffset(magnitude uint64, negative bool) PointerOffset {
	return PointerOffset{
		Magnitude: magnitude,
		Negative:  negative,
	}
}

func (offset PointerOffset) IsZero() bool {
	return offset.Magnitude == 0
}

func (offset PointerOffset) String() string {
	if offset.Negative {
		return fmt.Sprintf("-0x%x", offset.Magnitude)
	}
	return fmt.Sprintf("+0x%x", offset.Magnitude)
}

// ApplyTo computes addr +/- offset.  The second result is false when the
// computation underflows below valid.Start or overflows above valid.End.
func (offset PointerOffset) ApplyTo(
	addr VirtualAddress,
	valid AddressRange,
) (
	VirtualAddress,
	bool,
) {
	if offset.Negative {
		if uint64(addr) < offset.Magnitude {
			return 0, false
		}

		result := addr - VirtualAddress(offset.Magnitude)
		if !valid.Contains(result) {
			return 0, false
		}
		return result, true
	}

	result := addr + VirtualAddress(offset.Magnitude)
	if result < addr { // wrapped past 2^64-1
		return 0, false
	}
	if !valid.Contains(result) {
		return 0, false
	}
	return result, true
}
