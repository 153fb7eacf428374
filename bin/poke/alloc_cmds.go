package main

import (
	"fmt"
	"strconv"

	"github.com/pattyshack/poke/session"
	. "github.com/pattyshack/poke/session/common"
)

func allocateMemory(target *session.Session, args []string) error {
	if len(args) == 0 {
		fmt.Println("failed to allocate. size not specified.")
		return nil
	}

	size, err := strconv.ParseUint(args[0], 0, 64)
	if err != nil {
		fmt.Println("failed to parse size:", err)
		return nil
	}

	executable := len(args) > 1 && args[1] == "x"

	allocation, err := target.Allocate(size, executable, nil, 0)
	if err != nil {
		fmt.Println("failed to allocate:", err)
		return nil
	}

	fmt.Println("allocated", allocation)
	return nil
}

func reserveMemory(target *session.Session, args []string) error {
	if len(args) == 0 {
		fmt.Println("failed to reserve. size not specified.")
		return nil
	}

	size, err := strconv.ParseUint(args[0], 0, 64)
	if err != nil {
		fmt.Println("failed to parse size:", err)
		return nil
	}

	alignment := uint64(0)
	if len(args) > 1 {
		alignment, err = strconv.ParseUint(args[1], 0, 64)
		if err != nil {
			fmt.Println("failed to parse alignment:", err)
			return nil
		}
	}

	executable := len(args) > 2 && args[2] == "x"

	reservation, err := target.Reserve(size, executable, alignment, nil, 0)
	if err != nil {
		fmt.Println("failed to reserve:", err)
		return nil
	}

	fmt.Println("reserved", reservation.Range())
	return nil
}

func freeMemory(target *session.Session, args []string) error {
	if len(args) < 2 {
		fmt.Println("failed to free. expected: free <start> <size>")
		return nil
	}

	start, err := strconv.ParseUint(args[0], 0, 64)
	if err != nil {
		fmt.Println("failed to parse start address:", err)
		return nil
	}

	size, err := strconv.ParseUint(args[1], 0, 64)
	if err != nil || size == 0 {
		fmt.Println("failed to parse size:", args[1])
		return nil
	}

	rng := RangeFromSize(VirtualAddress(start), size)
	err = target.FreeRange(rng)
	if err != nil {
		fmt.Println("failed to free:", err)
		return nil
	}

	fmt.Println("freed", rng)
	return nil
}

func listAllocations(target *session.Session, args []string) error {
	allocations := target.Allocations()
	if len(allocations) == 0 {
		fmt.Println("no tracked allocations")
		return nil
	}

	for _, allocation := range allocations {
		fmt.Println(allocation)
		for _, reservation := range allocation.Reservations() {
			fmt.Println("   ", reservation.Range())
		}
	}
	return nil
}
