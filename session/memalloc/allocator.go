package memalloc

import (
	"fmt"
	"sort"

	"github.com/pattyshack/poke/osmem"
	. "github.com/pattyshack/poke/session/common"
)

// Allocator owns the lifecycle of memory committed in the target by this
// session.  It is not safe for concurrent use; callers must serialize
// access (the operating system boundary is one process-wide resource
// anyway, so internal locking would only hide caller-level races).
type Allocator struct {
	service osmem.Service
	bitness Bitness

	allocations []*Allocation
}

func NewAllocator(service osmem.Service, bitness Bitness) *Allocator {
	return &Allocator{
		service: service,
		bitness: bitness,
	}
}

// Allocations returns the allocations currently tracked by this session.
func (allocator *Allocator) Allocations() []*Allocation {
	result := make([]*Allocation, len(allocator.allocations))
	copy(result, allocator.allocations)
	return result
}

func (allocator *Allocator) remove(allocation *Allocation) {
	for idx, existing := range allocator.allocations {
		if existing == allocation {
			allocator.allocations = append(
				allocator.allocations[:idx],
				allocator.allocations[idx+1:]...)
			return
		}
	}
}

// searchCursor walks region metadata in one direction, accumulating the
// current run of contiguous free regions.
type searchCursor struct {
	next      VirtualAddress
	ascending bool
	exhausted bool

	runStart VirtualAddress
	runEnd   VirtualAddress
	runSize  uint64
}

func (cursor *searchCursor) resetRun() {
	cursor.runSize = 0
}

func (cursor *searchCursor) distanceFrom(near VirtualAddress) uint64 {
	if cursor.next >= near {
		return uint64(cursor.next - near)
	}
	return uint64(near - cursor.next)
}

// Allocate finds a free run in the target, commits it, and tracks the
// result.  size is rounded up to the target's page size.  limit bounds
// the search (nil: the whole addressable space).  near biases the search;
// the walk radiates outward from it, preferring whichever side is
// currently closer (ties go to the low side).  A zero near starts the
// search at the bounding range's start.
//
// A region reported free is only a candidate: the commit itself can fail
// (transient reservations, guard pages).  A failed commit discards the
// entire run and the search resumes in the other direction.
func (allocator *Allocator) Allocate(
	size uint64,
	executable bool,
	limit *AddressRange,
	near VirtualAddress,
) (
	*Allocation,
	error,
) {
	if size == 0 {
		return nil, fmt.Errorf("%w: zero allocation size", ErrInvalidArgument)
	}

	addressable := allocator.service.AddressableRange(allocator.bitness)
	bounds := addressable
	if limit != nil {
		overlap, ok := limit.Intersect(addressable)
		if !ok {
			return nil, fmt.Errorf(
				"%w: bounding range %s is outside the addressable space %s",
				ErrInvalidArgument,
				*limit,
				addressable)
		}
		bounds = overlap
	}

	pageSize := allocator.service.PageSize()
	probeSize := ((size + pageSize - 1) / pageSize) * pageSize

	if near == 0 || near < bounds.Start {
		near = bounds.Start
	} else if near > bounds.End {
		near = bounds.End
	}

	up := &searchCursor{next: near, ascending: true}
	down := &searchCursor{ascending: false}
	if near > bounds.Start {
		down.next = near - 1
	} else {
		down.exhausted = true
	}

	lastProbed := near
	var flipTo *searchCursor

	for !up.exhausted || !down.exhausted {
		current := allocator.pickCursor(up, down, flipTo, near)
		flipTo = nil
		lastProbed = current.next

		region, err := allocator.service.QueryRegion(current.next)
		if err != nil {
			return nil, fmt.Errorf(
				"failed to allocate %d bytes: %w",
				size,
				err)
		}

		clamped, ok := region.Range().Intersect(bounds)
		if !ok {
			current.exhausted = true
			continue
		}

		// The region can extend past the cursor on the near side (the
		// first region typically contains near itself).  Only the
		// cursor's side of it belongs to this run; the other cursor
		// covers the rest.
		if current.ascending {
			if clamped.Start < current.next {
				clamped.Start = current.next
			}
		} else if clamped.End > current.next {
			clamped.End = current.next
		}

		if !region.Free {
			current.resetRun()
			flipTo = other(current, up, down)
			allocator.advance(current, bounds, clamped)
			continue
		}

		current.extendRun(clamped)

		commitAt, ready := current.commitPoint(probeSize, pageSize)
		if ready {
			committed, err := allocator.service.CommitMemory(
				commitAt,
				probeSize,
				executable)
			if err == nil {
				allocation := &Allocation{
					service:    allocator.service,
					owner:      allocator,
					rng:        RangeFromSize(committed, probeSize),
					executable: executable,
				}
				allocator.allocations = append(
					allocator.allocations,
					allocation)
				return allocation, nil
			}

			// The free run was stale; discard it, not just the probed
			// page, and radiate out the other way.
			current.resetRun()
			flipTo = other(current, up, down)
		}

		allocator.advance(current, bounds, clamped)
	}

	return nil, &NoFreeMemoryError{
		Searched:   bounds,
		LastProbed: lastProbed,
	}
}

func other(current *searchCursor, up *searchCursor, down *searchCursor) *searchCursor {
	if current == up {
		return down
	}
	return up
}

// pickCursor selects the cursor to advance: an explicitly requested flip
// target when usable, otherwise whichever side is closer to the hint.
// Equidistant cursors resolve to the low side.
func (allocator *Allocator) pickCursor(
	up *searchCursor,
	down *searchCursor,
	flipTo *searchCursor,
	near VirtualAddress,
) *searchCursor {
	if flipTo != nil && !flipTo.exhausted {
		return flipTo
	}

	if up.exhausted {
		return down
	}
	if down.exhausted {
		return up
	}

	if down.distanceFrom(near) <= up.distanceFrom(near) {
		return down
	}
	return up
}

// commitPoint returns the page aligned address nearest the hint end of
// the run at which a probeSize commit still fits.  Run boundaries
// inherit any misalignment from the near hint and the bounding range,
// but the operating system only commits whole pages; an unaligned
// commit would be rejected and discard the whole run.
func (cursor *searchCursor) commitPoint(
	probeSize uint64,
	pageSize uint64,
) (
	VirtualAddress,
	bool,
) {
	if cursor.runSize < probeSize {
		return 0, false
	}

	if cursor.ascending {
		commitAt := alignUp(cursor.runStart, pageSize)
		if commitAt < cursor.runStart ||
			commitAt > cursor.runEnd ||
			uint64(cursor.runEnd-commitAt)+1 < probeSize {
			return 0, false
		}
		return commitAt, true
	}

	commitAt := cursor.runEnd - VirtualAddress(probeSize) + 1
	commitAt -= VirtualAddress(uint64(commitAt) % pageSize)
	if commitAt < cursor.runStart {
		return 0, false
	}
	return commitAt, true
}

func (cursor *searchCursor) extendRun(clamped AddressRange) {
	if cursor.ascending {
		if cursor.runSize == 0 {
			cursor.runStart = clamped.Start
		}
		cursor.runEnd = clamped.End
	} else {
		if cursor.runSize == 0 {
			cursor.runEnd = clamped.End
		}
		cursor.runStart = clamped.Start
	}
	cursor.runSize = uint64(cursor.runEnd-cursor.runStart) + 1
}

func (allocator *Allocator) advance(
	cursor *searchCursor,
	bounds AddressRange,
	clamped AddressRange,
) {
	if cursor.ascending {
		if clamped.End >= bounds.End {
			cursor.exhausted = true
			return
		}
		cursor.next = clamped.End + 1
	} else {
		if clamped.Start <= bounds.Start {
			cursor.exhausted = true
			return
		}
		cursor.next = clamped.Start - 1
	}
}

// Reserve finds or creates an allocation compatible with the request and
// carves size bytes out of it.  Executable allocations satisfy both
// executable and non-executable requests.  When no tracked allocation has
// room, a new allocation sized to exactly fit the request is made.
func (allocator *Allocator) Reserve(
	size uint64,
	requireExecutable bool,
	alignment uint64,
	limit *AddressRange,
	near VirtualAddress,
) (
	*Reservation,
	error,
) {
	if size == 0 {
		return nil, fmt.Errorf("%w: zero reservation size", ErrInvalidArgument)
	}

	candidates := []*Allocation{}
	for _, allocation := range allocator.allocations {
		if requireExecutable && !allocation.executable {
			continue
		}
		if limit != nil && !limit.ContainsRange(allocation.rng) {
			continue
		}
		candidates = append(candidates, allocation)
	}

	if near != 0 {
		sort.SliceStable(
			candidates,
			func(i int, j int) bool {
				return candidates[i].rng.DistanceFrom(near) <
					candidates[j].rng.DistanceFrom(near)
			})
	}

	for _, allocation := range candidates {
		reservation, err := allocation.Reserve(size, alignment)
		if err == nil {
			return reservation, nil
		}
	}

	allocation, err := allocator.Allocate(
		size,
		requireExecutable,
		limit,
		near)
	if err != nil {
		return nil, err
	}

	reservation, err := allocation.Reserve(size, alignment)
	if err != nil {
		// Sized to fit, so this should not happen; do not leak the fresh
		// allocation.
		_ = allocation.Dispose()
		return nil, fmt.Errorf(
			"%w: fresh allocation %s cannot fit %d bytes (alignment %d)",
			ErrNoSpaceAvailable,
			allocation.rng,
			size,
			alignment)
	}

	return reservation, nil
}
