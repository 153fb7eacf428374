package osmem

import (
	"fmt"
	"sort"
	"strings"

	. "github.com/pattyshack/poke/session/common"
)

const simPageSize = uint64(0x1000)

type simRegion struct {
	RegionMetadata

	data []byte
}

// SimulatedProcess is an in-memory implementation of Service.  It backs the
// test suites and the dry-run mode of the command line tool.  Regions are
// page granular, non-overlapping, and sorted by start address; the gaps
// between them are reported as free regions, exactly like a real target.
type SimulatedProcess struct {
	pid      int
	bitness  Bitness
	closed   bool
	regions  []*simRegion
	modules  map[string]VirtualAddress
	symbols  map[string]map[string]VirtualAddress
	failures AddressRanges // commit attempts in these ranges fail
}

var _ Service = &SimulatedProcess{}

func NewSimulatedProcess(bitness Bitness) *SimulatedProcess {
	return &SimulatedProcess{
		pid:     1,
		bitness: bitness,
		modules: map[string]VirtualAddress{},
		symbols: map[string]map[string]VirtualAddress{},
	}
}

// MapRegion adds a committed region to the simulated address space.  perms
// is a subset of "rwxmg" (readable / writable / executable / file-mapped /
// guarded).  start and size must be page aligned.
func (sim *SimulatedProcess) MapRegion(
	start VirtualAddress,
	size uint64,
	perms string,
) error {
	if uint64(start)%simPageSize != 0 || size == 0 || size%simPageSize != 0 {
		return fmt.Errorf(
			"%w: region %s (%d bytes) is not page aligned",
			ErrInvalidArgument,
			start,
			size)
	}

	region := &simRegion{
		RegionMetadata: RegionMetadata{
			Start:      start,
			Size:       size,
			Committed:  true,
			Readable:   strings.Contains(perms, "r"),
			Writable:   strings.Contains(perms, "w"),
			Executable: strings.Contains(perms, "x"),
			Mapped:     strings.Contains(perms, "m"),
			Guarded:    strings.Contains(perms, "g"),
		},
		data: make([]byte, size),
	}

	return sim.insert(region)
}

func (sim *SimulatedProcess) insert(region *simRegion) error {
	for _, existing := range sim.regions {
		if existing.Range().Overlaps(region.Range()) {
			return fmt.Errorf(
				"%w: region %s overlaps existing region %s",
				ErrInvalidArgument,
				region.Range(),
				existing.Range())
		}
	}

	sim.regions = append(sim.regions, region)
	sort.Slice(
		sim.regions,
		func(i int, j int) bool {
			return sim.regions[i].Start < sim.regions[j].Start
		})
	return nil
}

// SetBytes writes fixture bytes directly, bypassing permission checks.
func (sim *SimulatedProcess) SetBytes(addr VirtualAddress, data []byte) {
	for _, region := range sim.regions {
		if !region.Range().Contains(addr) {
			continue
		}

		offset := uint64(addr - region.Start)
		copied := copy(region.data[offset:], data)
		if copied < len(data) {
			sim.SetBytes(
				addr+VirtualAddress(copied),
				data[copied:])
		}
		return
	}

	panic(fmt.Sprintf("SetBytes outside mapped regions: %s", addr))
}

// SetModule registers a loaded module at the given base address.
func (sim *SimulatedProcess) SetModule(name string, base VirtualAddress) {
	sim.modules[name] = base
}

// SetSymbol registers a symbol address within a module.
func (sim *SimulatedProcess) SetSymbol(
	module string,
	symbol string,
	addr VirtualAddress,
) {
	table, ok := sim.symbols[module]
	if !ok {
		table = map[string]VirtualAddress{}
		sim.symbols[module] = table
	}
	table[symbol] = addr
}

// FailCommitsIn makes CommitMemory fail for any attempt starting inside
// rng.  This simulates transient operating system reservations that make a
// free-looking region uncommittable.
func (sim *SimulatedProcess) FailCommitsIn(rng AddressRange) {
	sim.failures = append(sim.failures, rng)
}

func (sim *SimulatedProcess) Pid() int {
	return sim.pid
}

func (sim *SimulatedProcess) checkOpen() error {
	if sim.closed {
		return ErrProcessExited
	}
	return nil
}

func (sim *SimulatedProcess) regionAt(addr VirtualAddress) *simRegion {
	idx := sort.Search(
		len(sim.regions),
		func(i int) bool {
			return sim.regions[i].Start+
				VirtualAddress(sim.regions[i].Size) > addr
		})
	if idx < len(sim.regions) && sim.regions[idx].Range().Contains(addr) {
		return sim.regions[idx]
	}
	return nil
}

func (sim *SimulatedProcess) ReadMemory(
	addr VirtualAddress,
	out []byte,
) (
	int,
	error,
) {
	err := sim.checkOpen()
	if err != nil {
		return 0, err
	}

	total := 0
	for total < len(out) {
		current := addr + VirtualAddress(total)
		region := sim.regionAt(current)
		if region == nil || !region.Readable || region.Guarded {
			return total, fmt.Errorf(
				"failed to read %d bytes at %s from process %d: "+
					"address %s is not readable",
				len(out),
				addr,
				sim.pid,
				current)
		}

		offset := uint64(current - region.Start)
		total += copy(out[total:], region.data[offset:])
	}

	return total, nil
}

func (sim *SimulatedProcess) WriteMemory(
	addr VirtualAddress,
	data []byte,
) (
	int,
	error,
) {
	err := sim.checkOpen()
	if err != nil {
		return 0, err
	}

	total := 0
	for total < len(data) {
		current := addr + VirtualAddress(total)
		region := sim.regionAt(current)
		if region == nil || !region.Writable || region.Guarded {
			return total, fmt.Errorf(
				"failed to write %d bytes at %s to process %d: "+
					"address %s is not writable",
				len(data),
				addr,
				sim.pid,
				current)
		}

		offset := uint64(current - region.Start)
		copied := copy(region.data[offset:], data[total:])
		total += copied
	}

	return total, nil
}

func (sim *SimulatedProcess) QueryRegion(
	addr VirtualAddress,
) (
	RegionMetadata,
	error,
) {
	err := sim.checkOpen()
	if err != nil {
		return RegionMetadata{}, err
	}

	addressable := sim.AddressableRange(sim.bitness)
	if !addressable.Contains(addr) {
		return RegionMetadata{}, fmt.Errorf(
			"failed to query region at %s for process %d: "+
				"address outside addressable range %s",
			addr,
			sim.pid,
			addressable)
	}

	region := sim.regionAt(addr)
	if region != nil {
		return region.RegionMetadata, nil
	}

	// addr is in a free gap.  The gap runs from the end of the previous
	// region to the start of the next one.
	gap := addressable
	for _, existing := range sim.regions {
		if existing.Range().End < addr {
			gap.Start = existing.Range().End + 1
			continue
		}
		if existing.Start > addr {
			gap.End = existing.Start - 1
			break
		}
	}

	return RegionMetadata{
		Start: gap.Start,
		Size:  gap.Size(),
		Free:  true,
	}, nil
}

func (sim *SimulatedProcess) CommitMemory(
	addr VirtualAddress,
	size uint64,
	executable bool,
) (
	VirtualAddress,
	error,
) {
	err := sim.checkOpen()
	if err != nil {
		return 0, err
	}

	if size == 0 || size%simPageSize != 0 {
		return 0, fmt.Errorf(
			"%w: commit size %d is not page aligned",
			ErrInvalidArgument,
			size)
	}

	if uint64(addr)%simPageSize != 0 {
		return 0, fmt.Errorf(
			"%w: commit address %s is not page aligned",
			ErrInvalidArgument,
			addr)
	}

	if addr == 0 {
		picked, err := sim.pickFreeStart(size)
		if err != nil {
			return 0, err
		}
		addr = picked
	}

	if sim.failures.Contains(addr) {
		return 0, fmt.Errorf(
			"failed to commit %d bytes at %s in process %d: "+
				"address range is transiently reserved",
			size,
			addr,
			sim.pid)
	}

	requested := RangeFromSize(addr, size)
	for _, existing := range sim.regions {
		if existing.Range().Overlaps(requested) {
			return 0, fmt.Errorf(
				"failed to commit %d bytes at %s in process %d: "+
					"range overlaps existing region %s",
				size,
				addr,
				sim.pid,
				existing.Range())
		}
	}

	region := &simRegion{
		RegionMetadata: RegionMetadata{
			Start:      addr,
			Size:       size,
			Committed:  true,
			Readable:   true,
			Writable:   true,
			Executable: executable,
		},
		data: make([]byte, size),
	}

	err = sim.insert(region)
	if err != nil {
		return 0, err
	}

	return addr, nil
}

func (sim *SimulatedProcess) pickFreeStart(
	size uint64,
) (
	VirtualAddress,
	error,
) {
	addressable := sim.AddressableRange(sim.bitness)
	cursor := addressable.Start

	for addressable.Contains(cursor) {
		region, err := sim.QueryRegion(cursor)
		if err != nil {
			return 0, err
		}

		if region.Free && region.Size >= size &&
			!sim.failures.Contains(region.Start) {

			return cursor, nil
		}

		next := region.Range().End
		if next == addressable.End {
			break
		}
		cursor = next + 1
	}

	return 0, fmt.Errorf(
		"failed to commit %d bytes in process %d: address space exhausted",
		size,
		sim.pid)
}

func (sim *SimulatedProcess) ReleaseMemory(addr VirtualAddress) error {
	err := sim.checkOpen()
	if err != nil {
		return err
	}

	for idx, existing := range sim.regions {
		if existing.Start == addr {
			sim.regions = append(
				sim.regions[:idx],
				sim.regions[idx+1:]...)
			return nil
		}
	}

	return fmt.Errorf(
		"failed to release memory at %s in process %d: no region starts there",
		addr,
		sim.pid)
}

func (sim *SimulatedProcess) PageSize() uint64 {
	return simPageSize
}

func (sim *SimulatedProcess) AddressableRange(bitness Bitness) AddressRange {
	// The null pages are off limits, like mmap_min_addr on a real target.
	rng := bitness.AddressableRange()
	rng.Start = 0x10000
	return rng
}

func (sim *SimulatedProcess) ResolveModuleBase(
	name string,
) (
	VirtualAddress,
	error,
) {
	err := sim.checkOpen()
	if err != nil {
		return 0, err
	}

	base, ok := sim.modules[name]
	if !ok {
		return 0, fmt.Errorf(
			"module %s not loaded in process %d",
			name,
			sim.pid)
	}
	return base, nil
}

// ResolveSymbol implements the optional symbol lookup used by the module
// cache.
func (sim *SimulatedProcess) ResolveSymbol(
	module string,
	symbol string,
) (
	VirtualAddress,
	error,
) {
	err := sim.checkOpen()
	if err != nil {
		return 0, err
	}

	table, ok := sim.symbols[module]
	if ok {
		addr, ok := table[symbol]
		if ok {
			return addr, nil
		}
	}

	return 0, fmt.Errorf(
		"symbol %s!%s not found in process %d",
		module,
		symbol,
		sim.pid)
}

func (sim *SimulatedProcess) Close() error {
	sim.closed = true
	return nil
}
