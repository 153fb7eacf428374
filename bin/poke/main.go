package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"
	"github.com/chzyer/readline"

	"github.com/pattyshack/poke/osmem"
	"github.com/pattyshack/poke/session"
	. "github.com/pattyshack/poke/session/common"
)

type command struct {
	name string
	run  func(*session.Session, []string) error
}

var (
	commands = []command{
		{
			name: "read",
			run:  readMemory,
		},
		{
			name: "write",
			run:  writeMemory,
		},
		{
			name: "scan",
			run:  scanMemory,
		},
		{
			name: "resolve",
			run:  resolveAddress,
		},
		{
			name: "alloc",
			run:  allocateMemory,
		},
		{
			name: "reserve",
			run:  reserveMemory,
		},
		{
			name: "free",
			run:  freeMemory,
		},
		{
			name: "list",
			run:  listAllocations,
		},
		{
			name: "table",
			run:  resolveTable,
		},
	}
)

// newSimTarget builds a small simulated process for dry runs: one module
// with a known string and a pointer chain to poke at.
func newSimTarget() *session.Session {
	sim := osmem.NewSimulatedProcess(Bitness64)

	err := sim.MapRegion(0x400000, 0x4000, "rwm")
	if err != nil {
		panic(err)
	}

	sim.SetModule("demo.bin", 0x400000)
	sim.SetSymbol("demo.bin", "greeting", 0x401000)
	sim.SetBytes(0x401000, []byte("My demo Value\x00"))

	pointer := make([]byte, 8)
	binary.LittleEndian.PutUint64(pointer, 0x401000)
	sim.SetBytes(0x400010, pointer)

	return session.New(sim, Bitness64)
}

func main() {
	pid := 0
	sim := false
	flag.IntVar(&pid, "p", 0, "attach to existing process pid")
	flag.BoolVar(&sim, "sim", false, "run against a simulated target")

	flag.Parse()

	log := logger.NewLogger(
		coloransi.Color(
			coloransi.ColorPurple,
			coloransi.ColorOrange,
			"poke"))

	var target *session.Session
	var err error
	if sim {
		target = newSimTarget()
		log.Infoln("running against a simulated target")
	} else if pid != 0 {
		target, err = session.AttachToProcess(pid)
	} else {
		panic("no target given (-p <pid> or -sim)")
	}

	if err != nil {
		panic(err)
	}

	defer func() {
		if !target.IsAttached() {
			return
		}
		err := target.Detach()
		if err != nil {
			panic(err)
		}
	}()

	log.Infoln(
		"session ready for process", target.Pid(),
		"bitness", target.Bitness())

	rl, err := readline.New("poke > ")
	if err != nil {
		panic(err)
	}
	defer rl.Close()

	lastLine := ""
	for {
		line, err := rl.Readline()
		if err != nil {
			if err == io.EOF || err == readline.ErrInterrupt {
				break
			}
			panic(err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			line = lastLine
		}
		lastLine = line

		if line == "" {
			continue
		}

		args := strings.Split(line, " ")
		if args[0] == "" {
			fmt.Println("invalid command: (empty string)")
		}

		found := false
		for _, cmd := range commands {
			if strings.HasPrefix(cmd.name, args[0]) {
				found = true
				err := cmd.run(target, args[1:])
				if err != nil {
					panic(err)
				}
			}
		}

		if !found {
			fmt.Println("invalid command:", args[0])
		}
	}
}
