// Package session ties the memory engines together over one attached
// target process: pointer path evaluation, allocation/reservation, and
// signature scanning, plus typed remote accessors built on top.
package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/pattyshack/poke/osmem"
	. "github.com/pattyshack/poke/session/common"
	"github.com/pattyshack/poke/session/memalloc"
	"github.com/pattyshack/poke/session/memscan"
	"github.com/pattyshack/poke/session/modules"
	"github.com/pattyshack/poke/session/pointerpath"
)

// Session is the facade over one attached target.  It owns the module
// base cache and the allocation list for the attachment's lifetime.
//
// Sessions are not safe for concurrent use; callers must serialize
// access.  Every engine call is, at bottom, a system call against one
// shared target process, so internal locking would only hide caller
// level races.
type Session struct {
	service osmem.Service
	bitness Bitness

	modules   *modules.Cache
	evaluator *pointerpath.Evaluator
	allocator *memalloc.Allocator
	scanner   *memscan.Scanner

	attached bool
}

// New wraps an already attached operating system service.  The session
// takes ownership; Detach closes the service.
func New(service osmem.Service, bitness Bitness) *Session {
	cache := modules.NewCache(service)
	return &Session{
		service:   service,
		bitness:   bitness,
		modules:   cache,
		evaluator: pointerpath.NewEvaluator(service, cache, bitness),
		allocator: memalloc.NewAllocator(service, bitness),
		scanner:   memscan.NewScanner(service, bitness),
		attached:  true,
	}
}

func (session *Session) Pid() int {
	return session.service.Pid()
}

func (session *Session) Bitness() Bitness {
	return session.bitness
}

func (session *Session) IsAttached() bool {
	return session.attached
}

func (session *Session) checkAttached() error {
	if !session.attached {
		return ErrNotAttached
	}
	return nil
}

// Detach closes the underlying service.  Memory committed in the target
// stays committed; only explicit disposal releases it.
func (session *Session) Detach() error {
	err := session.checkAttached()
	if err != nil {
		return err
	}

	session.attached = false
	return session.service.Close()
}

// EvaluatePath parses and evaluates a textual pointer path.
func (session *Session) EvaluatePath(text string) (VirtualAddress, error) {
	err := session.checkAttached()
	if err != nil {
		return 0, err
	}

	path, err := pointerpath.Parse(text)
	if err != nil {
		return 0, err
	}
	return session.evaluator.Evaluate(path)
}

// Evaluate evaluates an already parsed pointer path.
func (session *Session) Evaluate(
	path *pointerpath.Path,
) (
	VirtualAddress,
	error,
) {
	err := session.checkAttached()
	if err != nil {
		return 0, err
	}
	return session.evaluator.Evaluate(path)
}

// Resolve turns any textual address reference into an address:
// "module!symbol" references resolve against the module's symbol tables,
// anything else is treated as a pointer path.
func (session *Session) Resolve(text string) (VirtualAddress, error) {
	err := session.checkAttached()
	if err != nil {
		return 0, err
	}

	if strings.Contains(text, "!") {
		return session.modules.SymbolAddress(text)
	}
	return session.EvaluatePath(text)
}

// ModuleBase returns the load address of a module, through the session's
// case-insensitive cache.
func (session *Session) ModuleBase(name string) (VirtualAddress, error) {
	err := session.checkAttached()
	if err != nil {
		return 0, err
	}
	return session.modules.BaseAddress(name)
}

// InvalidateModules drops the cached module bases.
func (session *Session) InvalidateModules() {
	session.modules.Invalidate()
}

// Allocate commits a new range of memory in the target.  See
// memalloc.Allocator.Allocate.
func (session *Session) Allocate(
	size uint64,
	executable bool,
	limit *AddressRange,
	near VirtualAddress,
) (
	*memalloc.Allocation,
	error,
) {
	err := session.checkAttached()
	if err != nil {
		return nil, err
	}
	return session.allocator.Allocate(size, executable, limit, near)
}

// Reserve carves a sub-range out of a compatible allocation, committing
// a new one when needed.  See memalloc.Allocator.Reserve.
func (session *Session) Reserve(
	size uint64,
	executable bool,
	alignment uint64,
	limit *AddressRange,
	near VirtualAddress,
) (
	*memalloc.Reservation,
	error,
) {
	err := session.checkAttached()
	if err != nil {
		return nil, err
	}
	return session.allocator.Reserve(size, executable, alignment, limit, near)
}

// Allocations lists the allocations tracked by this session.
func (session *Session) Allocations() []*memalloc.Allocation {
	return session.allocator.Allocations()
}

// FreeRange returns rng to the free complement of whichever tracked
// allocations it overlaps.
func (session *Session) FreeRange(rng AddressRange) error {
	err := session.checkAttached()
	if err != nil {
		return err
	}

	freed := false
	for _, allocation := range session.allocator.Allocations() {
		if allocation.Range().Overlaps(rng) {
			allocation.FreeRange(rng)
			freed = true
		}
	}

	if !freed {
		return fmt.Errorf(
			"%w: no tracked allocation overlaps %s",
			ErrInvalidArgument,
			rng)
	}
	return nil
}

// Find scans the target for a compiled signature.  See
// memscan.Scanner.Find.
func (session *Session) Find(
	pattern memscan.BytePattern,
	limit *AddressRange,
	filter memscan.ScanFilter,
) (
	VirtualAddresses,
	error,
) {
	err := session.checkAttached()
	if err != nil {
		return nil, err
	}
	return session.scanner.Find(pattern, limit, filter)
}

// FindAsync scans on a background goroutine, forwarding matches over a
// channel.  See memscan.Scanner.FindAsync.
func (session *Session) FindAsync(
	ctx context.Context,
	pattern memscan.BytePattern,
	limit *AddressRange,
	filter memscan.ScanFilter,
) (
	*memscan.AsyncScan,
	error,
) {
	err := session.checkAttached()
	if err != nil {
		return nil, err
	}
	return session.scanner.FindAsync(ctx, pattern, limit, filter), nil
}
