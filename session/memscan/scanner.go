package memscan

import (
	"fmt"

	"github.com/pattyshack/poke/osmem"
	. "github.com/pattyshack/poke/session/common"
)

var (
	ErrInvalidFilter = fmt.Errorf("invalid scan filter")
)

// FlagFilter is a tri-state constraint on one region permission flag.
// The zero value accepts regions with the flag either set or clear.
type FlagFilter int

const (
	FlagEither = FlagFilter(iota)
	FlagSet
	FlagClear
)

func (filter FlagFilter) admits(value bool) bool {
	switch filter {
	case FlagSet:
		return value
	case FlagClear:
		return !value
	default:
		return true
	}
}

// ScanFilter narrows which regions a scan visits and how many results it
// produces.  The zero value scans every committed unguarded region with
// no result cap.
type ScanFilter struct {
	Readable   FlagFilter
	Writable   FlagFilter
	Executable FlagFilter
	Mapped     FlagFilter

	// MaxResultCount stops the scan once this many matches have been
	// produced.  Zero means unlimited.
	MaxResultCount int
}

func (filter ScanFilter) validate() error {
	if filter.MaxResultCount < 0 {
		return fmt.Errorf(
			"%w: negative result cap %d",
			ErrInvalidFilter,
			filter.MaxResultCount)
	}
	return nil
}

func (filter ScanFilter) admits(region osmem.RegionMetadata) bool {
	if !region.Committed || region.Guarded {
		return false
	}
	return filter.Readable.admits(region.Readable) &&
		filter.Writable.admits(region.Writable) &&
		filter.Executable.admits(region.Executable) &&
		filter.Mapped.admits(region.Mapped)
}

// Scanner searches the target's memory for compiled signatures.  Region
// metadata is queried fresh on every scan; the target can remap its
// memory between calls.
type Scanner struct {
	service osmem.Service
	bitness Bitness
}

func NewScanner(service osmem.Service, bitness Bitness) *Scanner {
	return &Scanner{
		service: service,
		bitness: bitness,
	}
}

// ForEach streams match addresses, in ascending order, to visit.  The
// walk stops early when visit returns false or when the filter's result
// cap is reached.
//
// Adjacent qualifying regions are merged into one span and read in a
// single bulk read, so a signature straddling a region boundary is still
// found.  A disqualifying region ends the in-progress span.  A region
// metadata failure aborts the walk at the failing address; matches
// already streamed stand, and the failure is returned after the pending
// span has been scanned.
func (scanner *Scanner) ForEach(
	pattern BytePattern,
	limit *AddressRange,
	filter ScanFilter,
	visit func(VirtualAddress) bool,
) error {
	err := filter.validate()
	if err != nil {
		return err
	}
	if pattern.Length() == 0 {
		return fmt.Errorf("%w: empty pattern", ErrInvalidPattern)
	}

	bounds := scanner.service.AddressableRange(scanner.bitness)
	if limit != nil {
		overlap, ok := limit.Intersect(bounds)
		if !ok {
			return fmt.Errorf(
				"%w: scan range %s is outside the addressable space %s",
				ErrInvalidArgument,
				*limit,
				bounds)
		}
		bounds = overlap
	}

	produced := 0
	capped := func(addr VirtualAddress) bool {
		if !visit(addr) {
			return false
		}
		produced++
		return filter.MaxResultCount == 0 ||
			produced < filter.MaxResultCount
	}

	var span *AddressRange
	cursor := bounds.Start
	for {
		region, err := scanner.service.QueryRegion(cursor)
		if err != nil {
			// Abort the walk here, but finish the span built so far.
			if span != nil {
				_, scanErr := scanner.scanSpan(pattern, *span, capped)
				if scanErr != nil {
					return scanErr
				}
			}
			return fmt.Errorf(
				"failed to scan: region query at %s failed: %w",
				cursor,
				err)
		}

		clamped, ok := region.Range().Intersect(bounds)
		if !ok {
			break
		}

		if filter.admits(region) {
			if span == nil {
				span = &clamped
			} else {
				span.End = clamped.End
			}
		} else if span != nil {
			keepGoing, err := scanner.scanSpan(pattern, *span, capped)
			span = nil
			if err != nil {
				return err
			}
			if !keepGoing {
				return nil
			}
		}

		if clamped.End >= bounds.End {
			break
		}
		cursor = clamped.End + 1
	}

	if span != nil {
		_, err := scanner.scanSpan(pattern, *span, capped)
		if err != nil {
			return err
		}
	}
	return nil
}

// scanSpan bulk reads one merged span and slides the signature across
// it.  The returned bool is false when visit stopped the walk.
func (scanner *Scanner) scanSpan(
	pattern BytePattern,
	span AddressRange,
	visit func(VirtualAddress) bool,
) (
	bool,
	error,
) {
	if span.Size() < uint64(pattern.Length()) {
		return true, nil
	}

	buffer := make([]byte, span.Size())
	count, err := scanner.service.ReadMemory(span.Start, buffer)
	if err != nil {
		return false, fmt.Errorf(
			"failed to scan span %s: %w",
			span,
			err)
	}

	// A short transfer means the span faulted mid way; only the bytes
	// actually read can be matched, never the zero filled tail.
	buffer = buffer[:count]

	last := len(buffer) - pattern.Length()
	for offset := 0; offset <= last; offset++ {
		if !pattern.Matches(buffer[offset:]) {
			continue
		}
		if !visit(span.Start + VirtualAddress(offset)) {
			return false, nil
		}
	}
	return true, nil
}

// Find runs ForEach and collects the streamed addresses.
func (scanner *Scanner) Find(
	pattern BytePattern,
	limit *AddressRange,
	filter ScanFilter,
) (
	VirtualAddresses,
	error,
) {
	results := VirtualAddresses{}
	err := scanner.ForEach(
		pattern,
		limit,
		filter,
		func(addr VirtualAddress) bool {
			results = append(results, addr)
			return true
		})
	return results, err
}
