//go:build linux

package session

import (
	"github.com/pattyshack/poke/osmem"
)

// AttachToProcess attaches to a running process, detects its address
// width, and wraps it in a session.
func AttachToProcess(pid int) (*Session, error) {
	process, err := osmem.AttachToProcess(pid)
	if err != nil {
		return nil, err
	}

	bitness, err := process.DetectBitness()
	if err != nil {
		process.Close()
		return nil, err
	}

	return New(process, bitness), nil
}
