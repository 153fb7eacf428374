// Package memalloc manages memory that this tool has committed inside the
// target process: probing the target's free-space layout, committing
// ranges, and sub-allocating ("reserving") within committed ranges.
package memalloc

import (
	"fmt"
	"sort"

	"github.com/pattyshack/poke/osmem"
	. "github.com/pattyshack/poke/session/common"
)

var (
	ErrNoSpaceAvailable = fmt.Errorf("no space available")
	ErrNoFreeMemory     = fmt.Errorf("no free memory found")
	ErrDisposed         = fmt.Errorf("allocation already disposed")
)

// NoFreeMemoryError reports an exhausted free-space search.  The searched
// range and the last probed address let callers tell fragmentation from an
// unreachable near-address hint.
type NoFreeMemoryError struct {
	Searched   AddressRange
	LastProbed VirtualAddress
}

func (err *NoFreeMemoryError) Error() string {
	return fmt.Sprintf(
		"%s: exhausted %s (last probed %s)",
		ErrNoFreeMemory,
		err.Searched,
		err.LastProbed)
}

func (err *NoFreeMemoryError) Unwrap() error {
	return ErrNoFreeMemory
}

// Reservation is a named sub-range of exactly one allocation, considered
// in use until disposed.
type Reservation struct {
	allocation *Allocation
	rng        AddressRange
	disposed   bool
}

func (reservation *Reservation) Range() AddressRange {
	return reservation.rng
}

func (reservation *Reservation) Size() uint64 {
	return reservation.rng.Size()
}

func (reservation *Reservation) Allocation() *Allocation {
	return reservation.allocation
}

// Dispose returns the reservation's span to its allocation's free
// complement.  The backing memory stays committed in the target for
// reuse; no operating system call is made.
func (reservation *Reservation) Dispose() {
	if reservation.disposed {
		return
	}
	reservation.disposed = true
	reservation.allocation.remove(reservation)
}

// Allocation is a range of target memory committed by this tool.  It
// holds an ordered collection of non-overlapping reservations; the
// complement of those reservations within the allocation's range is
// implicitly free.
//
// Allocations are not safe for concurrent use; see Allocator.
type Allocation struct {
	service    osmem.Service
	owner      *Allocator
	rng        AddressRange
	executable bool

	// sorted by start address, pairwise disjoint, all contained in rng
	reservations []*Reservation

	disposed bool
}

func (allocation *Allocation) Range() AddressRange {
	return allocation.rng
}

func (allocation *Allocation) Size() uint64 {
	return allocation.rng.Size()
}

func (allocation *Allocation) IsExecutable() bool {
	return allocation.executable
}

func (allocation *Allocation) IsDisposed() bool {
	return allocation.disposed
}

func (allocation *Allocation) Reservations() []*Reservation {
	result := make([]*Reservation, len(allocation.reservations))
	copy(result, allocation.reservations)
	return result
}

func (allocation *Allocation) String() string {
	kind := "data"
	if allocation.executable {
		kind = "code"
	}
	return fmt.Sprintf(
		"%s %s (%d reservations)",
		kind,
		allocation.rng,
		len(allocation.reservations))
}

// forEachGap invokes visit on each free gap, in ascending address order.
// The free complement is computed on demand from the sorted reservation
// list rather than maintained as a second structure.
func (allocation *Allocation) forEachGap(visit func(AddressRange) bool) {
	cursor := allocation.rng.Start
	for _, reservation := range allocation.reservations {
		if reservation.rng.Start > cursor {
			keepGoing := visit(
				NewAddressRange(cursor, reservation.rng.Start-1))
			if !keepGoing {
				return
			}
		}
		cursor = reservation.rng.End + 1
	}

	if cursor <= allocation.rng.End {
		visit(NewAddressRange(cursor, allocation.rng.End))
	}
}

// Reserve carves size bytes out of the first gap whose aligned start
// leaves room before the gap ends.  alignment rounds both the candidate
// start and the reserved span up to the next multiple, so back-to-back
// reservations stay aligned; zero alignment means unaligned.
func (allocation *Allocation) Reserve(
	size uint64,
	alignment uint64,
) (
	*Reservation,
	error,
) {
	if allocation.disposed {
		return nil, ErrDisposed
	}
	if size == 0 {
		return nil, fmt.Errorf("%w: zero reservation size", ErrInvalidArgument)
	}

	if alignment > 1 {
		size = ((size + alignment - 1) / alignment) * alignment
	}

	start, ok := allocation.findGapFitting(size, alignment)
	if !ok {
		return nil, fmt.Errorf(
			"%w: no gap fits %d bytes (alignment %d) in allocation %s",
			ErrNoSpaceAvailable,
			size,
			alignment,
			allocation.rng)
	}

	reservation := &Reservation{
		allocation: allocation,
		rng:        RangeFromSize(start, size),
	}
	allocation.insert(reservation)
	return reservation, nil
}

func (allocation *Allocation) findGapFitting(
	size uint64,
	alignment uint64,
) (
	VirtualAddress,
	bool,
) {
	var result VirtualAddress
	found := false
	allocation.forEachGap(
		func(gap AddressRange) bool {
			start := alignUp(gap.Start, alignment)
			if start < gap.Start { // aligned past 2^64-1
				return true
			}
			if start > gap.End || uint64(gap.End-start)+1 < size {
				return true
			}

			result = start
			found = true
			return false
		})

	return result, found
}

// NextGapFitting returns the start address Reserve would pick for the
// given size/alignment, without reserving.
func (allocation *Allocation) NextGapFitting(
	size uint64,
	alignment uint64,
) (
	VirtualAddress,
	bool,
) {
	if allocation.disposed || size == 0 {
		return 0, false
	}

	if alignment > 1 {
		size = ((size + alignment - 1) / alignment) * alignment
	}
	return allocation.findGapFitting(size, alignment)
}

func alignUp(addr VirtualAddress, alignment uint64) VirtualAddress {
	if alignment <= 1 {
		return addr
	}

	remainder := uint64(addr) % alignment
	if remainder == 0 {
		return addr
	}
	return addr + VirtualAddress(alignment-remainder)
}

func (allocation *Allocation) insert(reservation *Reservation) {
	idx := sort.Search(
		len(allocation.reservations),
		func(i int) bool {
			return allocation.reservations[i].rng.Start >
				reservation.rng.Start
		})

	allocation.reservations = append(allocation.reservations, nil)
	copy(
		allocation.reservations[idx+1:],
		allocation.reservations[idx:])
	allocation.reservations[idx] = reservation
}

func (allocation *Allocation) remove(reservation *Reservation) {
	for idx, existing := range allocation.reservations {
		if existing == reservation {
			allocation.reservations = append(
				allocation.reservations[:idx],
				allocation.reservations[idx+1:]...)
			return
		}
	}
}

// FreeRange returns rng to the free complement.  Reservations fully
// covered by rng are disposed; reservations partially covered are
// disposed and re-created over their surviving head and/or tail.
func (allocation *Allocation) FreeRange(rng AddressRange) {
	if allocation.disposed {
		return
	}

	for _, reservation := range allocation.Reservations() {
		if !reservation.rng.Overlaps(rng) {
			continue
		}

		survivedHead := reservation.rng.Start < rng.Start
		survivedTail := reservation.rng.End > rng.End

		original := reservation.rng
		reservation.Dispose()

		if survivedHead {
			allocation.insert(&Reservation{
				allocation: allocation,
				rng:        NewAddressRange(original.Start, rng.Start-1),
			})
		}
		if survivedTail {
			allocation.insert(&Reservation{
				allocation: allocation,
				rng:        NewAddressRange(rng.End+1, original.End),
			})
		}
	}
}

// TotalReservedSpace returns the byte count currently reserved.
func (allocation *Allocation) TotalReservedSpace() uint64 {
	total := uint64(0)
	for _, reservation := range allocation.reservations {
		total += reservation.rng.Size()
	}
	return total
}

// RemainingSpace returns the byte count of the free complement.
func (allocation *Allocation) RemainingSpace() uint64 {
	return allocation.rng.Size() - allocation.TotalReservedSpace()
}

// LargestGap returns the size of the largest single reservable gap.
func (allocation *Allocation) LargestGap() uint64 {
	largest := uint64(0)
	allocation.forEachGap(
		func(gap AddressRange) bool {
			if gap.Size() > largest {
				largest = gap.Size()
			}
			return true
		})
	return largest
}

// Dispose invalidates every child reservation, releases the committed
// range in the target with a single operating system call, and removes
// the allocation from its allocator's list.
func (allocation *Allocation) Dispose() error {
	if allocation.disposed {
		return nil
	}

	for _, reservation := range allocation.Reservations() {
		reservation.Dispose()
	}

	allocation.disposed = true
	if allocation.owner != nil {
		allocation.owner.remove(allocation)
	}

	err := allocation.service.ReleaseMemory(allocation.rng.Start)
	if err != nil {
		return fmt.Errorf(
			"failed to dispose allocation %s: %w",
			allocation.rng,
			err)
	}
	return nil
}
