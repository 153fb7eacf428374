package memalloc

import (
	"errors"
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"

	"github.com/pattyshack/poke/osmem"
	. "github.com/pattyshack/poke/session/common"
)

type AllocationSuite struct{}

func TestAllocation(t *testing.T) {
	suite.RunTests(t, &AllocationSuite{})
}

func newAllocation(t *testing.T, size uint64) *Allocation {
	sim := osmem.NewSimulatedProcess(Bitness64)
	allocator := NewAllocator(sim, Bitness64)

	allocation, err := allocator.Allocate(size, false, nil, 0)
	expect.Nil(t, err)
	return allocation
}

func (AllocationSuite) TestReserveFirstFit(t *testing.T) {
	allocation := newAllocation(t, 0x1000)
	base := allocation.Range().Start

	first, err := allocation.Reserve(0x100, 0)
	expect.Nil(t, err)
	expect.Equal(t, RangeFromSize(base, 0x100), first.Range())

	second, err := allocation.Reserve(0x80, 0)
	expect.Nil(t, err)
	expect.Equal(t, RangeFromSize(base+0x100, 0x80), second.Range())

	// Disposing the first reservation opens the head gap again.
	first.Dispose()

	third, err := allocation.Reserve(0x40, 0)
	expect.Nil(t, err)
	expect.Equal(t, RangeFromSize(base, 0x40), third.Range())
}

func (AllocationSuite) TestReserveAlignment(t *testing.T) {
	// End to end: reserve 5 bytes twice with 4-byte alignment.  Each
	// request rounds up to the next 4-byte boundary, producing two
	// adjacent 8-byte spans.
	allocation := newAllocation(t, 0x1000)
	base := allocation.Range().Start

	first, err := allocation.Reserve(5, 4)
	expect.Nil(t, err)
	expect.Equal(t, NewAddressRange(base, base+7), first.Range())

	second, err := allocation.Reserve(5, 4)
	expect.Nil(t, err)
	expect.Equal(t, NewAddressRange(base+8, base+15), second.Range())
}

func (AllocationSuite) TestReserveGapSizeBoundary(t *testing.T) {
	allocation := newAllocation(t, 0x1000)
	base := allocation.Range().Start

	// Leave a 0x100 byte gap at the head, then fill the rest.
	head, err := allocation.Reserve(0x100, 0)
	expect.Nil(t, err)
	_, err = allocation.Reserve(0xf00, 0)
	expect.Nil(t, err)
	head.Dispose()

	// One byte too large for the gap.
	_, err = allocation.Reserve(0x101, 0)
	expect.True(t, errors.Is(err, ErrNoSpaceAvailable))

	// Exactly the gap size fits.
	exact, err := allocation.Reserve(0x100, 0)
	expect.Nil(t, err)
	expect.Equal(t, RangeFromSize(base, 0x100), exact.Range())
}

func (AllocationSuite) TestReserveNoSpace(t *testing.T) {
	allocation := newAllocation(t, 0x1000)

	_, err := allocation.Reserve(0x1000, 0)
	expect.Nil(t, err)

	_, err = allocation.Reserve(1, 0)
	expect.True(t, errors.Is(err, ErrNoSpaceAvailable))

	_, err = allocation.Reserve(0, 0)
	expect.True(t, errors.Is(err, ErrInvalidArgument))
}

func (AllocationSuite) TestSpaceAccounting(t *testing.T) {
	allocation := newAllocation(t, 0x2000)

	expect.Equal(t, 0x2000, allocation.RemainingSpace())
	expect.Equal(t, 0, allocation.TotalReservedSpace())

	first, err := allocation.Reserve(0x100, 0)
	expect.Nil(t, err)
	second, err := allocation.Reserve(0x300, 0)
	expect.Nil(t, err)

	expect.Equal(
		t,
		first.Size()+second.Size(),
		allocation.TotalReservedSpace())
	expect.Equal(
		t,
		allocation.Size(),
		allocation.RemainingSpace()+allocation.TotalReservedSpace())

	// Round trip: freeing the exact reserved range restores the
	// pre-reservation remaining space.
	before := allocation.RemainingSpace() + second.Size()
	allocation.FreeRange(second.Range())
	expect.Equal(t, before, allocation.RemainingSpace())
	expect.Equal(t, first.Size(), allocation.TotalReservedSpace())
}

func (AllocationSuite) TestFreeRangeSplitsReservations(t *testing.T) {
	allocation := newAllocation(t, 0x1000)
	base := allocation.Range().Start

	_, err := allocation.Reserve(0x100, 0)
	expect.Nil(t, err)

	// Free a strictly interior range; the reservation splits into two
	// edge reservations.
	allocation.FreeRange(NewAddressRange(base+0x40, base+0x7f))

	reservations := allocation.Reservations()
	expect.Equal(t, 2, len(reservations))
	expect.Equal(t, NewAddressRange(base, base+0x3f), reservations[0].Range())
	expect.Equal(
		t,
		NewAddressRange(base+0x80, base+0xff),
		reservations[1].Range())
	expect.Equal(t, 0xc0, allocation.TotalReservedSpace())
}

func (AllocationSuite) TestFreeRangeTrimsHeadAndTail(t *testing.T) {
	allocation := newAllocation(t, 0x1000)
	base := allocation.Range().Start

	_, err := allocation.Reserve(0x100, 0)
	expect.Nil(t, err)
	_, err = allocation.Reserve(0x100, 0)
	expect.Nil(t, err)

	// Covers the tail of the first reservation and the head of the
	// second.
	allocation.FreeRange(NewAddressRange(base+0x80, base+0x17f))

	reservations := allocation.Reservations()
	expect.Equal(t, 2, len(reservations))
	expect.Equal(t, NewAddressRange(base, base+0x7f), reservations[0].Range())
	expect.Equal(
		t,
		NewAddressRange(base+0x180, base+0x1ff),
		reservations[1].Range())
}

func (AllocationSuite) TestFreeRangeFullCover(t *testing.T) {
	allocation := newAllocation(t, 0x1000)
	base := allocation.Range().Start

	first, err := allocation.Reserve(0x100, 0)
	expect.Nil(t, err)
	second, err := allocation.Reserve(0x100, 0)
	expect.Nil(t, err)

	// Covers the first fully, leaves the second untouched.
	allocation.FreeRange(first.Range())

	reservations := allocation.Reservations()
	expect.Equal(t, 1, len(reservations))
	expect.Equal(t, second.Range(), reservations[0].Range())
	expect.Equal(t, NewAddressRange(base+0x100, base+0x1ff), second.Range())
}

func (AllocationSuite) TestGapQueries(t *testing.T) {
	allocation := newAllocation(t, 0x1000)
	base := allocation.Range().Start

	first, err := allocation.Reserve(0x200, 0)
	expect.Nil(t, err)
	_, err = allocation.Reserve(0x600, 0)
	expect.Nil(t, err)

	first.Dispose()

	// Gaps: [base, base+0x1ff] and [base+0x800, base+0xfff].
	expect.Equal(t, 0x800, allocation.LargestGap())

	start, ok := allocation.NextGapFitting(0x100, 0)
	expect.True(t, ok)
	expect.Equal(t, base, start)

	start, ok = allocation.NextGapFitting(0x400, 0)
	expect.True(t, ok)
	expect.Equal(t, base+0x800, start)

	_, ok = allocation.NextGapFitting(0x900, 0)
	expect.False(t, ok)
}

func (AllocationSuite) TestDispose(t *testing.T) {
	sim := osmem.NewSimulatedProcess(Bitness64)
	allocator := NewAllocator(sim, Bitness64)

	allocation, err := allocator.Allocate(0x1000, false, nil, 0)
	expect.Nil(t, err)

	reservation, err := allocation.Reserve(0x10, 0)
	expect.Nil(t, err)

	expect.Nil(t, allocation.Dispose())
	expect.True(t, allocation.IsDisposed())
	expect.Equal(t, 0, len(allocator.Allocations()))

	// The backing range is released in the target.
	region, err := sim.QueryRegion(allocation.Range().Start)
	expect.Nil(t, err)
	expect.True(t, region.Free)

	// Disposed allocations reject further reservations; double dispose
	// is a no-op.
	_, err = allocation.Reserve(0x10, 0)
	expect.True(t, errors.Is(err, ErrDisposed))
	expect.Nil(t, allocation.Dispose())

	reservation.Dispose() // already invalidated, must not panic
}
