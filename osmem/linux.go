//go:build linux

package osmem

import (
	"debug/elf"
	"fmt"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"
	"github.com/ianlancetaylor/demangle"
	"golang.org/x/sys/unix"

	"github.com/pattyshack/poke/procfs"
	. "github.com/pattyshack/poke/session/common"
)

const (
	vmPageSize = 0x1000

	// Linux x64 user space tops out below the non-canonical hole.
	maxLinuxUserAddress = VirtualAddress(0x00007fffffffffff)

	// The null page and the surrounding low addresses are never usable.
	minLinuxUserAddress = VirtualAddress(0x10000)
)

type linuxRequestType string

const (
	linuxAttach  = linuxRequestType("attach")
	linuxDetach  = linuxRequestType("detach")
	linuxSyscall = linuxRequestType("syscall")
)

type linuxRequest struct {
	linuxRequestType

	sysNum  uintptr    // syscall
	sysArgs [6]uintptr // syscall

	responseChan chan linuxResponse
}

type linuxResponse struct {
	value uintptr
	err   error
}

// LinuxProcess implements Service against a live Linux target.  Bulk reads
// and writes go through process_vm_readv / process_vm_writev; commits and
// releases are mmap / munmap syscalls injected into the (ptrace-stopped)
// target.
//
// NOTE: all ptrace calls to a process must originate from the same os
// thread, hence the locked request goroutine.
//
// https://github.com/golang/go/issues/7699
type LinuxProcess struct {
	pid int
	log *logger.Logger

	// Reminder: requestChan is blocking.  responseChan(s) are non-blocking.
	requestChan chan linuxRequest

	// Sizes of our own commits, so ReleaseMemory can munmap the exact
	// span even after /proc/<pid>/maps merges adjacent anonymous
	// mappings.
	commitSizes map[VirtualAddress]uint64
}

var _ Service = &LinuxProcess{}

// AttachToProcess ptrace-attaches to pid.  The target stays stopped while
// attached; Close detaches and resumes it.
func AttachToProcess(pid int) (*LinuxProcess, error) {
	status, err := procfs.GetProcessStatus(pid)
	if err != nil {
		return nil, fmt.Errorf("failed to attach to process %d: %w", pid, err)
	}
	if status.State == procfs.Zombie || status.State == procfs.Dead {
		return nil, fmt.Errorf(
			"failed to attach to process %d: process is %s",
			pid,
			status.State)
	}

	process := &LinuxProcess{
		pid: pid,
		log: logger.NewLogger(
			coloransi.Color(
				coloransi.ColorPurple,
				coloransi.ColorOrange,
				fmt.Sprintf("poke-%d", pid))),
		requestChan: make(chan linuxRequest),
		commitSizes: map[VirtualAddress]uint64{},
	}

	go process.processRequests()

	_, err = process.send(linuxRequest{
		linuxRequestType: linuxAttach,
	})
	if err != nil {
		close(process.requestChan)
		return nil, err
	}

	process.log.Infoln("attached to", status.Comm)
	return process, nil
}

func (process *LinuxProcess) send(req linuxRequest) (uintptr, error) {
	req.responseChan = make(chan linuxResponse, 1)

	defer func() {
		recovered := recover()
		if recovered != nil { // send on closed channel
			panic(fmt.Sprintf("process %d already detached", process.pid))
		}
	}()
	process.requestChan <- req

	resp := <-req.responseChan
	return resp.value, resp.err
}

func (process *LinuxProcess) processRequests() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for req := range process.requestChan {
		var resp linuxResponse
		switch req.linuxRequestType {
		case linuxAttach:
			resp.err = process.attach()
		case linuxDetach:
			resp.err = unix.PtraceDetach(process.pid)
		case linuxSyscall:
			resp.value, resp.err = process.injectSyscall(
				req.sysNum,
				req.sysArgs)
		default:
			panic("unhandled request type: " + string(req.linuxRequestType))
		}

		req.responseChan <- resp

		if req.linuxRequestType == linuxDetach {
			return
		}
	}
}

func (process *LinuxProcess) attach() error {
	err := unix.PtraceAttach(process.pid)
	if err != nil {
		return fmt.Errorf(
			"failed to attach to process %d: %w",
			process.pid,
			err)
	}

	err = process.waitForStop()
	if err != nil {
		_ = unix.PtraceDetach(process.pid)
		return fmt.Errorf(
			"failed to attach to process %d: %w",
			process.pid,
			err)
	}

	return nil
}

func (process *LinuxProcess) waitForStop() error {
	var waitStatus unix.WaitStatus
	for {
		_, err := unix.Wait4(process.pid, &waitStatus, 0, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}

		if waitStatus.Exited() || waitStatus.Signaled() {
			return ErrProcessExited
		}
		if waitStatus.Stopped() {
			return nil
		}
	}
}

// injectSyscall hijacks the stopped target's current instruction slot to
// execute one syscall, then restores the original code and registers.
// Must run on the locked ptrace thread.
func (process *LinuxProcess) injectSyscall(
	num uintptr,
	args [6]uintptr,
) (
	uintptr,
	error,
) {
	var saved unix.PtraceRegs
	err := unix.PtraceGetRegs(process.pid, &saved)
	if err != nil {
		return 0, fmt.Errorf(
			"failed to read registers of process %d: %w",
			process.pid,
			err)
	}

	rip := uintptr(saved.Rip)

	originalCode := make([]byte, 2)
	_, err = unix.PtracePeekData(process.pid, rip, originalCode)
	if err != nil {
		return 0, fmt.Errorf(
			"failed to read code at 0x%x of process %d: %w",
			rip,
			process.pid,
			err)
	}

	// syscall instruction (0x0f 0x05)
	_, err = unix.PtracePokeData(process.pid, rip, []byte{0x0f, 0x05})
	if err != nil {
		return 0, fmt.Errorf(
			"failed to write syscall instruction to process %d: %w",
			process.pid,
			err)
	}

	regs := saved
	regs.Rax = uint64(num)
	regs.Rdi = uint64(args[0])
	regs.Rsi = uint64(args[1])
	regs.Rdx = uint64(args[2])
	regs.R10 = uint64(args[3])
	regs.R8 = uint64(args[4])
	regs.R9 = uint64(args[5])

	err = unix.PtraceSetRegs(process.pid, &regs)
	if err != nil {
		return 0, fmt.Errorf(
			"failed to set registers of process %d: %w",
			process.pid,
			err)
	}

	err = unix.PtraceSingleStep(process.pid)
	if err == nil {
		err = process.waitForStop()
	}
	if err != nil {
		return 0, fmt.Errorf(
			"failed to step process %d over injected syscall: %w",
			process.pid,
			err)
	}

	err = unix.PtraceGetRegs(process.pid, &regs)
	if err != nil {
		return 0, fmt.Errorf(
			"failed to read syscall result from process %d: %w",
			process.pid,
			err)
	}
	result := regs.Rax

	// Restore the original code and register state before reporting the
	// syscall outcome.
	_, err = unix.PtracePokeData(process.pid, rip, originalCode)
	if err == nil {
		err = unix.PtraceSetRegs(process.pid, &saved)
	}
	if err != nil {
		return 0, fmt.Errorf(
			"failed to restore state of process %d: %w",
			process.pid,
			err)
	}

	if int64(result) < 0 && int64(result) > -4096 {
		return 0, syscall.Errno(-int64(result))
	}

	return uintptr(result), nil
}

func (process *LinuxProcess) Pid() int {
	return process.pid
}

func (process *LinuxProcess) ReadMemory(
	addr VirtualAddress,
	out []byte,
) (
	int,
	error,
) {
	count, err := unix.ProcessVMReadv(
		process.pid,
		[]unix.Iovec{localIovec(out)},
		remoteIovecs(uintptr(addr), len(out)),
		0)
	if err != nil {
		return count, fmt.Errorf(
			"failed to read %d bytes at %s from process %d: %w",
			len(out),
			addr,
			process.pid,
			err)
	}

	return count, nil
}

func (process *LinuxProcess) WriteMemory(
	addr VirtualAddress,
	data []byte,
) (
	int,
	error,
) {
	count, err := unix.ProcessVMWritev(
		process.pid,
		[]unix.Iovec{localIovec(data)},
		remoteIovecs(uintptr(addr), len(data)),
		0)
	if err != nil {
		return count, fmt.Errorf(
			"failed to write %d bytes at %s to process %d: %w",
			len(data),
			addr,
			process.pid,
			err)
	}

	return count, nil
}

func localIovec(data []byte) unix.Iovec {
	iov := unix.Iovec{}
	if len(data) > 0 {
		iov.Base = &data[0]
		iov.SetLen(len(data))
	}
	return iov
}

// NOTE: We need to ensure RemoteIovec entries are page aligned, otherwise
// a fault on any page fails the entire transfer instead of truncating it.
func remoteIovecs(addr uintptr, length int) []unix.RemoteIovec {
	var result []unix.RemoteIovec

	remaining := length
	if addr%vmPageSize != 0 {
		pageEndAddr := ((addr + vmPageSize - 1) / vmPageSize) * vmPageSize

		size := int(pageEndAddr - addr)
		if remaining < size {
			size = remaining
		}

		result = append(
			result,
			unix.RemoteIovec{
				Base: addr,
				Len:  size,
			})
		remaining -= size
		addr += uintptr(size)
	}

	for remaining > 0 {
		size := remaining
		if size > vmPageSize {
			size = vmPageSize
		}

		result = append(
			result,
			unix.RemoteIovec{
				Base: addr,
				Len:  size,
			})

		remaining -= size
		addr += uintptr(size)
	}

	return result
}

func (process *LinuxProcess) QueryRegion(
	addr VirtualAddress,
) (
	RegionMetadata,
	error,
) {
	addressable := process.AddressableRange(Bitness64)
	if !addressable.Contains(addr) {
		return RegionMetadata{}, fmt.Errorf(
			"failed to query region at %s for process %d: "+
				"address outside addressable range %s",
			addr,
			process.pid,
			addressable)
	}

	regions, err := procfs.GetMappedMemoryRegions(process.pid)
	if err != nil {
		return RegionMetadata{}, fmt.Errorf(
			"failed to query region at %s for process %d: %w",
			addr,
			process.pid,
			err)
	}

	gap := addressable
	for _, region := range regions {
		if region.Contains(uint64(addr)) {
			return RegionMetadata{
				Start:      VirtualAddress(region.LowAddress),
				Size:       region.Size(),
				Committed:  true,
				Readable:   region.Read,
				Writable:   region.Write,
				Executable: region.Execute,
				Mapped:     region.FileBacked(),
				// PROT_NONE mappings fault on any access.
				Guarded: !region.Read && !region.Write && !region.Execute,
			}, nil
		}

		if region.HighAddress <= uint64(addr) {
			gap.Start = VirtualAddress(region.HighAddress)
			continue
		}
		if region.LowAddress > uint64(addr) {
			gap.End = VirtualAddress(region.LowAddress - 1)
			break
		}
	}

	return RegionMetadata{
		Start: gap.Start,
		Size:  gap.Size(),
		Free:  true,
	}, nil
}

func (process *LinuxProcess) CommitMemory(
	addr VirtualAddress,
	size uint64,
	executable bool,
) (
	VirtualAddress,
	error,
) {
	prot := unix.PROT_READ | unix.PROT_WRITE
	if executable {
		prot |= unix.PROT_EXEC
	}

	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	if addr != 0 {
		// Fail instead of clobbering whatever the target mapped at addr
		// between our probe and this commit.
		flags |= unix.MAP_FIXED_NOREPLACE
	}

	result, err := process.send(linuxRequest{
		linuxRequestType: linuxSyscall,
		sysNum:           unix.SYS_MMAP,
		sysArgs: [6]uintptr{
			uintptr(addr),
			uintptr(size),
			uintptr(prot),
			uintptr(flags),
			^uintptr(0), // fd -1
			0,
		},
	})
	if err != nil {
		return 0, fmt.Errorf(
			"failed to commit %d bytes at %s in process %d: %w",
			size,
			addr,
			process.pid,
			err)
	}

	committed := VirtualAddress(result)
	process.commitSizes[committed] = size

	process.log.Debugln(
		"committed", size, "bytes at", committed.String())
	return committed, nil
}

func (process *LinuxProcess) ReleaseMemory(addr VirtualAddress) error {
	size, ok := process.commitSizes[addr]
	if !ok {
		// Not one of ours; release whatever single mapping starts there.
		region, err := process.QueryRegion(addr)
		if err != nil {
			return err
		}
		if region.Free || region.Start != addr {
			return fmt.Errorf(
				"failed to release memory at %s in process %d: "+
					"no mapping starts there",
				addr,
				process.pid)
		}
		size = region.Size
	}

	_, err := process.send(linuxRequest{
		linuxRequestType: linuxSyscall,
		sysNum:           unix.SYS_MUNMAP,
		sysArgs: [6]uintptr{
			uintptr(addr),
			uintptr(size),
		},
	})
	if err != nil {
		return fmt.Errorf(
			"failed to release memory at %s in process %d: %w",
			addr,
			process.pid,
			err)
	}

	delete(process.commitSizes, addr)

	process.log.Debugln("released", size, "bytes at", addr.String())
	return nil
}

func (process *LinuxProcess) PageSize() uint64 {
	return uint64(unix.Getpagesize())
}

func (process *LinuxProcess) AddressableRange(bitness Bitness) AddressRange {
	end := maxLinuxUserAddress
	if bitness == Bitness32 {
		end = Bitness32.MaxAddress()
	}
	return NewAddressRange(minLinuxUserAddress, end)
}

// DetectBitness inspects the target's executable to determine its
// address width.
func (process *LinuxProcess) DetectBitness() (Bitness, error) {
	file, err := elf.Open(procfs.GetExecutableSymlinkPath(process.pid))
	if err != nil {
		return 0, fmt.Errorf(
			"failed to detect bitness of process %d: %w",
			process.pid,
			err)
	}
	defer file.Close()

	if file.Class == elf.ELFCLASS32 {
		return Bitness32, nil
	}
	return Bitness64, nil
}

func (process *LinuxProcess) ResolveModuleBase(
	name string,
) (
	VirtualAddress,
	error,
) {
	_, base, err := process.findModule(name)
	return base, err
}

func (process *LinuxProcess) findModule(
	name string,
) (
	string,
	VirtualAddress,
	error,
) {
	regions, err := procfs.GetMappedMemoryRegions(process.pid)
	if err != nil {
		return "", 0, fmt.Errorf(
			"failed to resolve module %s in process %d: %w",
			name,
			process.pid,
			err)
	}

	for _, region := range regions {
		if !region.FileBacked() {
			continue
		}
		if filepath.Base(region.Pathname) == name {
			// Lowest mapping of the file is its load base; maps entries
			// are address ordered.
			return region.Pathname, VirtualAddress(region.LowAddress), nil
		}
	}

	return "", 0, fmt.Errorf(
		"module %s not loaded in process %d",
		name,
		process.pid)
}

// ResolveSymbol resolves "module!symbol" style lookups against the
// module's elf symbol tables.  Mangled symbol names are matched both
// verbatim and demangled.
func (process *LinuxProcess) ResolveSymbol(
	module string,
	symbol string,
) (
	VirtualAddress,
	error,
) {
	path, base, err := process.findModule(module)
	if err != nil {
		return 0, err
	}

	file, err := elf.Open(path)
	if err != nil {
		return 0, fmt.Errorf(
			"failed to parse module %s of process %d: %w",
			module,
			process.pid,
			err)
	}
	defer file.Close()

	candidates := []elf.Symbol{}

	symbols, err := file.Symbols()
	if err == nil {
		candidates = append(candidates, symbols...)
	}

	dynamic, err := file.DynamicSymbols()
	if err == nil {
		candidates = append(candidates, dynamic...)
	}

	for _, candidate := range candidates {
		if candidate.Name != symbol &&
			demangle.Filter(candidate.Name) != symbol {

			continue
		}

		addr := VirtualAddress(candidate.Value)
		if file.Type == elf.ET_DYN {
			addr += base
		}
		return addr, nil
	}

	return 0, fmt.Errorf(
		"symbol %s!%s not found in process %d",
		module,
		symbol,
		process.pid)
}

func (process *LinuxProcess) Close() error {
	_, err := process.send(linuxRequest{
		linuxRequestType: linuxDetach,
	})
	close(process.requestChan)

	if err != nil {
		return fmt.Errorf(
			"failed to detach from process %d: %w",
			process.pid,
			err)
	}

	process.log.Infoln("detached")
	return nil
}
