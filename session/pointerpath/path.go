// Package pointerpath resolves symbolic multi-hop addressing expressions
// ("game.exe+1d0,18,-4") to concrete addresses by chasing pointers through
// target memory.
package pointerpath

import (
	"fmt"
	"strconv"
	"strings"

	. "github.com/pattyshack/poke/session/common"
)

// Path is a parsed pointer path.  Immutable after construction; parse once
// and reuse across evaluations.
//
// Textual form: [<module>+]<base>[,<offset>]*
//
// With a module, <base> is the module-relative base offset.  Without one,
// <base> is consumed as the first entry of Offsets and interpreted as a
// literal address during evaluation.  Offsets are hexadecimal with an
// optional leading '-'.
type Path struct {
	ModuleName string

	// Offset from the module's load address.  Only meaningful when
	// ModuleName is set.
	BaseOffset PointerOffset

	// Dereference-then-offset hops.  When ModuleName is empty, the first
	// entry is the literal base address and is not a hop.
	Offsets []PointerOffset
}

// Parse parses the textual pointer path form.
func Parse(text string) (*Path, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty pointer path", ErrInvalidArgument)
	}

	items := strings.Split(text, ",")

	path := &Path{}

	first := strings.TrimSpace(items[0])
	plus := strings.LastIndex(first, "+")
	if plus >= 0 {
		path.ModuleName = strings.TrimSpace(first[:plus])
		if path.ModuleName == "" {
			return nil, fmt.Errorf(
				"%w: pointer path %q has an empty module name",
				ErrInvalidArgument,
				text)
		}

		offset, err := parseOffset(first[plus+1:])
		if err != nil {
			return nil, fmt.Errorf(
				"%w: pointer path %q has an invalid base offset: %s",
				ErrInvalidArgument,
				text,
				err)
		}
		if offset.Negative {
			return nil, fmt.Errorf(
				"%w: pointer path %q has a negative base offset",
				ErrInvalidArgument,
				text)
		}
		path.BaseOffset = offset

		items = items[1:]
	}

	for _, item := range items {
		offset, err := parseOffset(item)
		if err != nil {
			return nil, fmt.Errorf(
				"%w: pointer path %q has an invalid offset %q: %s",
				ErrInvalidArgument,
				text,
				strings.TrimSpace(item),
				err)
		}

		path.Offsets = append(path.Offsets, offset)
	}

	if path.ModuleName == "" && len(path.Offsets) == 0 {
		return nil, fmt.Errorf(
			"%w: pointer path %q has no base address",
			ErrInvalidArgument,
			text)
	}

	if path.ModuleName == "" && path.Offsets[0].Negative {
		return nil, fmt.Errorf(
			"%w: pointer path %q has a negative base address",
			ErrInvalidArgument,
			text)
	}

	return path, nil
}

func parseOffset(item string) (PointerOffset, error) {
	item = strings.TrimSpace(item)

	negative := false
	if strings.HasPrefix(item, "-") {
		negative = true
		item = item[1:]
	}

	magnitude, err := strconv.ParseUint(item, 16, 64)
	if err != nil {
		return PointerOffset{}, fmt.Errorf("not a hexadecimal value")
	}

	return NewPointerOffset(magnitude, negative), nil
}

// Requires64Bit returns true when the path can never resolve on a 32-bit
// target (some component exceeds the 32-bit address space).
func (path *Path) Requires64Bit() bool {
	max := uint64(Bitness32.MaxAddress())

	if path.BaseOffset.Magnitude > max {
		return true
	}
	for _, offset := range path.Offsets {
		if offset.Magnitude > max {
			return true
		}
	}
	return false
}

// String reproduces the canonical textual form.
func (path *Path) String() string {
	parts := []string{}

	offsets := path.Offsets
	if path.ModuleName != "" {
		parts = append(
			parts,
			fmt.Sprintf("%s+%x", path.ModuleName, path.BaseOffset.Magnitude))
	} else if len(offsets) > 0 {
		parts = append(parts, fmt.Sprintf("%x", offsets[0].Magnitude))
		offsets = offsets[1:]
	}

	for _, offset := range offsets {
		if offset.Negative {
			parts = append(parts, fmt.Sprintf("-%x", offset.Magnitude))
		} else {
			parts = append(parts, fmt.Sprintf("%x", offset.Magnitude))
		}
	}

	return strings.Join(parts, ",")
}
