// Package osmem defines the operating system boundary used to inspect and
// mutate another process' memory.  Everything above this boundary treats
// the target process as foreign mutable state: any call can fail because
// the target, not the caller, owns the memory.
package osmem

import (
	"fmt"

	. "github.com/pattyshack/poke/session/common"
)

var (
	ErrProcessExited = fmt.Errorf("target process exited")
)

// RegionMetadata describes one contiguous region of the target's address
// space, as reported by the operating system at query time.  Region
// metadata must never be cached; the target can remap its own memory
// between any two calls.
type RegionMetadata struct {
	Start VirtualAddress
	Size  uint64

	// Free regions are unallocated holes in the target's address space.
	// All permission flags are false for free regions.
	Free bool

	// Committed regions have backing pages.  A region that is neither
	// free nor committed is address space reserved by the target without
	// backing (commit-on-demand reservations).
	Committed bool

	Readable   bool
	Writable   bool
	Executable bool

	// Mapped regions are backed by a file mapping rather than anonymous
	// memory.
	Mapped bool

	// Guarded regions are committed but fault on access (guard pages,
	// kernel-reserved areas).  Scans must skip them.
	Guarded bool
}

func (region RegionMetadata) Range() AddressRange {
	return RangeFromSize(region.Start, region.Size)
}

func (region RegionMetadata) String() string {
	state := "committed"
	if region.Free {
		state = "free"
	} else if !region.Committed {
		state = "reserved"
	}

	perms := []byte("---")
	if region.Readable {
		perms[0] = 'r'
	}
	if region.Writable {
		perms[1] = 'w'
	}
	if region.Executable {
		perms[2] = 'x'
	}

	return fmt.Sprintf(
		"%s %s %s (%d bytes)",
		region.Range(),
		state,
		perms,
		region.Size)
}

// Service is the single capability the memory engines consume.  The
// concrete implementation owns the attach/detach lifecycle of one target
// process; closing the service detaches.
type Service interface {
	// Pid returns the target process id.
	Pid() int

	// ReadMemory copies len(out) bytes of target memory starting at addr
	// into out.  Short reads return the byte count together with an error.
	ReadMemory(addr VirtualAddress, out []byte) (int, error)

	// WriteMemory copies data into target memory starting at addr.
	WriteMemory(addr VirtualAddress, data []byte) (int, error)

	// QueryRegion reports the contiguous region containing addr.
	QueryRegion(addr VirtualAddress) (RegionMetadata, error)

	// CommitMemory allocates size bytes of readable/writable (and
	// optionally executable) memory in the target at addr, and returns
	// the address actually committed.  addr zero lets the operating
	// system pick.  A region reported free by QueryRegion is not
	// guaranteed committable; callers must treat failure as routine.
	CommitMemory(
		addr VirtualAddress,
		size uint64,
		executable bool,
	) (VirtualAddress, error)

	// ReleaseMemory releases an entire prior commit identified by its
	// start address.
	ReleaseMemory(addr VirtualAddress) error

	// PageSize returns the target's memory page size in bytes.
	PageSize() uint64

	// AddressableRange returns the usable address range for a target of
	// the given bitness.  Implementations may return a narrower range
	// than the full 2^bitness space (e.g. the user-space half).
	AddressableRange(bitness Bitness) AddressRange

	// ResolveModuleBase returns the load address of a module (executable
	// or shared library) loaded by the target.  Name matching is exact;
	// case folding is the module cache's job.
	ResolveModuleBase(name string) (VirtualAddress, error)

	// Close detaches from the target.  Memory committed through
	// CommitMemory stays committed in the target.
	Close() error
}
