package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pattyshack/poke/session"
	"github.com/pattyshack/poke/session/memscan"
)

// scanMemory searches for a byte signature.  Arguments of the form
// key=value set filter options (max, readable, writable, executable,
// mapped); everything else joins into the signature text, e.g.
//
//	scan writable=yes max=10 4D 79 ?? ?? 56 61
func scanMemory(target *session.Session, args []string) error {
	filter := memscan.ScanFilter{}
	patternArgs := []string{}

	for _, arg := range args {
		key, value, isOption := strings.Cut(arg, "=")
		if !isOption {
			patternArgs = append(patternArgs, arg)
			continue
		}

		switch key {
		case "max":
			max, err := strconv.Atoi(value)
			if err != nil || max < 1 {
				fmt.Println("invalid result cap:", value)
				return nil
			}
			filter.MaxResultCount = max
		case "readable":
			filter.Readable = parseFlagFilter(value)
		case "writable":
			filter.Writable = parseFlagFilter(value)
		case "executable":
			filter.Executable = parseFlagFilter(value)
		case "mapped":
			filter.Mapped = parseFlagFilter(value)
		default:
			fmt.Println("unknown scan option:", key)
			return nil
		}
	}

	if len(patternArgs) == 0 {
		fmt.Println("failed to scan. no pattern specified.")
		return nil
	}

	pattern, err := memscan.CompilePattern(strings.Join(patternArgs, " "))
	if err != nil {
		fmt.Println("failed to compile pattern:", err)
		return nil
	}

	results, err := target.Find(pattern, nil, filter)
	if err != nil {
		fmt.Println("failed to scan:", err)
		return nil
	}

	if len(results) == 0 {
		fmt.Println("no matches for", pattern)
		return nil
	}

	for _, addr := range results {
		fmt.Println(addr)
	}
	fmt.Printf("%d match(es)\n", len(results))
	return nil
}

func parseFlagFilter(value string) memscan.FlagFilter {
	switch value {
	case "yes", "y", "true", "1":
		return memscan.FlagSet
	case "no", "n", "false", "0":
		return memscan.FlagClear
	default:
		return memscan.FlagEither
	}
}

func resolveAddress(target *session.Session, args []string) error {
	if len(args) == 0 {
		fmt.Println("failed to resolve. no reference specified.")
		return nil
	}

	addr, err := target.Resolve(args[0])
	if err != nil {
		fmt.Println("failed to resolve address:", err)
		return nil
	}

	fmt.Println(args[0], "=>", addr)
	return nil
}
