package pointerpath

import (
	"encoding/binary"
	"fmt"

	. "github.com/pattyshack/poke/session/common"
	"github.com/pattyshack/poke/session/modules"
)

var (
	ErrPointerOutOfRange   = fmt.Errorf("pointer out of range")
	ErrIncompatibleBitness = fmt.Errorf("incompatible pointer bitness")
	ErrIncompatiblePath    = fmt.Errorf("path incompatible with target bitness")
)

// PointerOutOfRangeError reports the exact address/offset pair that
// produced a zero, underflowed, or overflowed pointer.  Callers need this
// precision to tell a stale pointer in the target from a malformed path.
type PointerOutOfRangeError struct {
	// Address is the value the offset was applied to.
	Address VirtualAddress
	Offset  PointerOffset
}

func (err *PointerOutOfRangeError) Error() string {
	return fmt.Sprintf(
		"%s: %s %s",
		ErrPointerOutOfRange,
		err.Address,
		err.Offset)
}

func (err *PointerOutOfRangeError) Unwrap() error {
	return ErrPointerOutOfRange
}

// IncompatibleBitnessError reports an address that cannot exist in the
// target's address space.
type IncompatibleBitnessError struct {
	Address VirtualAddress
	Bitness Bitness
}

func (err *IncompatibleBitnessError) Error() string {
	return fmt.Sprintf(
		"%s: %s does not fit a %d-bit address space",
		ErrIncompatibleBitness,
		err.Address,
		err.Bitness)
}

func (err *IncompatibleBitnessError) Unwrap() error {
	return ErrIncompatibleBitness
}

type MemoryReader interface {
	ReadMemory(addr VirtualAddress, out []byte) (int, error)
}

// Evaluator performs live pointer chases through target memory.  Every hop
// revalidates against the target's current state; nothing about a previous
// evaluation is trusted or cached.
type Evaluator struct {
	reader  MemoryReader
	modules *modules.Cache
	bitness Bitness
}

func NewEvaluator(
	reader MemoryReader,
	moduleCache *modules.Cache,
	bitness Bitness,
) *Evaluator {
	return &Evaluator{
		reader:  reader,
		modules: moduleCache,
		bitness: bitness,
	}
}

// Evaluate resolves the path to a concrete address.  The final address is
// returned without being dereferenced.
func (evaluator *Evaluator) Evaluate(path *Path) (VirtualAddress, error) {
	if path.Requires64Bit() && evaluator.bitness != Bitness64 {
		return 0, ErrIncompatiblePath
	}

	valid := evaluator.bitness.AddressableRange()

	var current VirtualAddress
	firstHop := 0
	if path.ModuleName != "" {
		base, err := evaluator.modules.BaseAddress(path.ModuleName)
		if err != nil {
			return 0, err
		}

		applied, ok := path.BaseOffset.ApplyTo(base, valid)
		if !ok {
			return 0, &PointerOutOfRangeError{
				Address: base,
				Offset:  path.BaseOffset,
			}
		}
		current = applied
	} else {
		current = VirtualAddress(path.Offsets[0].Magnitude)
		firstHop = 1
	}

	err := evaluator.validate(current, PointerOffset{})
	if err != nil {
		return 0, err
	}

	for hop := firstHop; hop < len(path.Offsets); hop++ {
		value, err := evaluator.readPointer(current)
		if err != nil {
			return 0, fmt.Errorf(
				"failed to follow pointer path hop %d at %s: %w",
				hop,
				current,
				err)
		}

		offset := path.Offsets[hop]
		if value == 0 {
			// A stale or unset pointer in the target; offsetting zero
			// would silently produce a bogus low address.
			return 0, &PointerOutOfRangeError{
				Address: value,
				Offset:  offset,
			}
		}

		next, ok := offset.ApplyTo(value, valid)
		if !ok {
			return 0, &PointerOutOfRangeError{
				Address: value,
				Offset:  offset,
			}
		}

		err = evaluator.validate(next, offset)
		if err != nil {
			return 0, err
		}

		current = next
	}

	return current, nil
}

func (evaluator *Evaluator) validate(
	addr VirtualAddress,
	offset PointerOffset,
) error {
	if addr == 0 {
		return &PointerOutOfRangeError{
			Address: addr,
			Offset:  offset,
		}
	}

	if addr > evaluator.bitness.MaxAddress() {
		return &IncompatibleBitnessError{
			Address: addr,
			Bitness: evaluator.bitness,
		}
	}

	return nil
}

func (evaluator *Evaluator) readPointer(
	addr VirtualAddress,
) (
	VirtualAddress,
	error,
) {
	buffer := make([]byte, evaluator.bitness.PointerSize())
	count, err := evaluator.reader.ReadMemory(addr, buffer)
	if err != nil {
		return 0, err
	}
	if count < len(buffer) {
		// The backend truncates transfers that fault mid way instead of
		// failing them; a partial pointer is not a pointer.
		return 0, fmt.Errorf(
			"incomplete pointer read at %s: %d of %d bytes",
			addr,
			count,
			len(buffer))
	}

	if evaluator.bitness == Bitness32 {
		return VirtualAddress(binary.LittleEndian.Uint32(buffer)), nil
	}
	return VirtualAddress(binary.LittleEndian.Uint64(buffer)), nil
}
