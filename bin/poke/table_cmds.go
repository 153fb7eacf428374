package main

import (
	"fmt"

	"github.com/pattyshack/poke/session"
	"github.com/pattyshack/poke/table"
)

func resolveTable(target *session.Session, args []string) error {
	if len(args) == 0 {
		fmt.Println("failed to resolve table. file not specified.")
		return nil
	}

	loaded, err := table.Load(args[0])
	if err != nil {
		fmt.Println("failed to load table:", err)
		return nil
	}

	for _, resolution := range loaded.Resolve(target) {
		if resolution.Err != nil {
			fmt.Printf(
				"%-24s <unresolved: %s>\n",
				resolution.Entry.Label,
				resolution.Err)
			continue
		}

		for _, addr := range resolution.Addresses {
			fmt.Printf("%-24s %s\n", resolution.Entry.Label, addr)
		}
	}
	return nil
}
