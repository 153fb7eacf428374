package main

import (
	"fmt"
	"strconv"

	"github.com/pattyshack/poke/session"
	. "github.com/pattyshack/poke/session/common"
)

func readMemory(target *session.Session, args []string) error {
	if len(args) == 0 {
		fmt.Println("failed to read from memory. address not specified")
		return nil
	}

	addr, err := target.Resolve(args[0])
	if err != nil {
		fmt.Println("failed to resolve address:", err)
		return nil
	}

	size := 32
	if len(args) > 1 {
		val, err := strconv.ParseInt(args[1], 0, 32)
		if err != nil {
			fmt.Println("failed to parse output size:", err)
			return nil
		}
		size = int(val)

		if size < 1 {
			fmt.Println("invalid output size:", size)
			return nil
		}
	}

	out, err := target.ReadBytes(addr, uint64(size))
	if err != nil {
		fmt.Println("failed to read from memory:", err)
		if len(out) == 0 {
			return nil
		}
		fmt.Printf(
			"WARNING: requested %d bytes but only read %d bytes.\n",
			size,
			len(out))
	}

	for len(out) > 0 {
		line := fmt.Sprintf("%s:", addr)

		size = 16
		if len(out) < size {
			size = len(out)
		}

		for _, b := range out[:size] {
			line += fmt.Sprintf(" %02x", b)
		}
		fmt.Println(line)

		out = out[size:]
		addr += VirtualAddress(size)
	}

	return nil
}

func writeMemory(target *session.Session, args []string) error {
	if len(args) == 0 {
		fmt.Println("failed to write to memory. address not specified.")
		return nil
	}

	addr, err := target.Resolve(args[0])
	if err != nil {
		fmt.Println("failed to resolve address:", err)
		return nil
	}

	data := []byte{}
	for idx, arg := range args[1:] {
		val, err := strconv.ParseUint(arg, 0, 8)
		if err != nil {
			fmt.Printf(
				"failed to parse byte at argument %d: %s\n",
				idx+1,
				err)
			return nil
		}

		data = append(data, byte(val))
	}

	if len(data) == 0 {
		fmt.Println("failed to write to memory. no bytes specified.")
		return nil
	}

	err = target.WriteBytes(addr, data)
	if err != nil {
		fmt.Println("failed to write to memory:", err)
		return nil
	}

	fmt.Printf("wrote %d bytes at %s\n", len(data), addr)
	return nil
}
