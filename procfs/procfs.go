package procfs

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type ProcessState string

const (
	Running        = ProcessState("running")
	Sleeping       = ProcessState("sleeping")
	WaitingForDisk = ProcessState("waiting for disk")
	Zombie         = ProcessState("zombie")
	TracingStop    = ProcessState("tracing stop")
	Dead           = ProcessState("dead")
	Idle           = ProcessState("idle")
)

type ProcessStatus struct {
	Pid   int
	Comm  string
	State ProcessState
	Ppid  int
	Pgrp  int

	// NOTE: See man page for the full list of (52) fields.
}

func GetProcessStatus(pid int) (ProcessStatus, error) {
	contentBytes, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return ProcessStatus{}, fmt.Errorf(
			"failed to read process %d status: %w",
			pid,
			err)
	}

	content := string(contentBytes)

	commStart := strings.Index(content, "(")
	commEnd := strings.LastIndex(content, ")")

	chunks := strings.Split(content[commEnd+2:], " ")

	pid, err = strconv.Atoi(strings.TrimSpace(content[:commStart]))
	if err != nil {
		panic("should never happen: " + err.Error())
	}

	var state ProcessState
	switch chunks[0] {
	case "R":
		state = Running
	case "S":
		state = Sleeping
	case "D":
		state = WaitingForDisk
	case "Z":
		state = Zombie
	case "t":
		state = TracingStop
	case "X":
		state = Dead
	case "I":
		state = Idle
	}

	ppid, err := strconv.Atoi(chunks[1])
	if err != nil {
		panic("should never happen: " + err.Error())
	}

	pgrp, err := strconv.Atoi(chunks[2])
	if err != nil {
		panic("should never happen: " + err.Error())
	}

	return ProcessStatus{
		Pid:   pid,
		Comm:  content[commStart+1 : commEnd],
		State: state,
		Ppid:  ppid,
		Pgrp:  pgrp,
	}, nil
}

type MappedMemoryRegion struct {
	// [LowAddress, HighAddress) as reported by /proc/<pid>/maps.
	LowAddress  uint64
	HighAddress uint64

	Read    bool
	Write   bool
	Execute bool
	Private bool // (copy on write)

	Offset uint64

	DeviceMajor uint
	DeviceMinor uint
	Inode       uint

	Pathname string
}

func (region MappedMemoryRegion) Size() uint64 {
	return region.HighAddress - region.LowAddress
}

func (region MappedMemoryRegion) Contains(addr uint64) bool {
	return region.LowAddress <= addr && addr < region.HighAddress
}

// FileBacked returns true when the mapping is backed by a real file (as
// opposed to anonymous memory or pseudo entries like [heap] / [stack]).
func (region MappedMemoryRegion) FileBacked() bool {
	return region.Inode != 0 && strings.HasPrefix(region.Pathname, "/")
}

// GetMappedMemoryRegions parses /proc/<pid>/maps.  The returned regions
// are in ascending address order, which the kernel guarantees.
func GetMappedMemoryRegions(pid int) ([]MappedMemoryRegion, error) {
	path := fmt.Sprintf("/proc/%d/maps", pid)
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	result := []MappedMemoryRegion{}
	for _, line := range strings.Split(string(content), "\n") {
		if line == "" {
			break
		}

		entry := MappedMemoryRegion{}
		chunks := strings.SplitN(line, " ", 6)

		addresses := strings.SplitN(chunks[0], "-", 2)

		lowAddr, err := strconv.ParseUint(addresses[0], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse low address: %w", err)
		}
		entry.LowAddress = lowAddr

		highAddr, err := strconv.ParseUint(addresses[1], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse high address: %w", err)
		}
		entry.HighAddress = highAddr

		for idx, b := range []byte(chunks[1]) {
			switch idx {
			case 0:
				entry.Read = b == 'r'
			case 1:
				entry.Write = b == 'w'
			case 2:
				entry.Execute = b == 'x'
			case 3:
				entry.Private = b == 'p'
			}
		}

		offset, err := strconv.ParseUint(chunks[2], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse offset: %w", err)
		}
		entry.Offset = offset

		device := strings.SplitN(chunks[3], ":", 2)

		major, err := strconv.ParseUint(device[0], 16, 32)
		if err != nil {
			return nil, fmt.Errorf("failed to parse device major: %w", err)
		}
		entry.DeviceMajor = uint(major)

		minor, err := strconv.ParseUint(device[1], 16, 32)
		if err != nil {
			return nil, fmt.Errorf("failed to parse device minor: %w", err)
		}
		entry.DeviceMinor = uint(minor)

		inode, err := strconv.ParseUint(chunks[4], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("failed to parse inode: %w", err)
		}
		entry.Inode = uint(inode)

		if len(chunks) == 6 {
			entry.Pathname = strings.TrimSpace(chunks[5])
		}

		result = append(result, entry)
	}

	return result, nil
}

func GetExecutableSymlinkPath(pid int) string {
	return fmt.Sprintf("/proc/%d/exe", pid)
}
