// Package bootassembler drives the boot() operation: it joins the
// asynchronous kernel load, lays down architecture-specific boot
// structures, optionally bootstraps a confidential domain, installs
// the signal dispatcher, and starts the boot vCPUs, committing the
// VM's state machine exactly once at the end.
package bootassembler

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ovmctl/vorchestrator/internal/collab"
	"github.com/ovmctl/vorchestrator/internal/signals"
	"github.com/ovmctl/vorchestrator/internal/tdx"
	"github.com/ovmctl/vorchestrator/internal/vmstate"
	"github.com/ovmctl/vorchestrator/term"
)

// Arch names the target architecture; only ArchAMD64 has a fully
// wired hypervisor backend in this repository (see DESIGN.md for why
// the ARM path stops short of GIC/ITS wiring).
type Arch int

const (
	ArchAMD64 Arch = iota
	ArchARM64
)

// ErrARM64Unsupported is returned by Boot when Config.Arch is
// ArchARM64: this repository's hypervisor collaborator (machine.Machine)
// has no GICv3/ITS or ARM vCPU backend, so only the FDT-construction
// half of the ARM boot path is reachable stand-alone (see FDT in
// DESIGN.md).
var ErrARM64Unsupported = fmt.Errorf("bootassembler: arm64 hypervisor backend not implemented")

// FirmwareFile is the narrow file surface the confidential-domain
// bootstrap needs: the section table is read sequentially once
// (io.Reader), then individual sections are copied out of it by
// offset, possibly out of order (io.ReaderAt).
type FirmwareFile interface {
	io.Reader
	io.ReaderAt
}

// ConfidentialConfig bundles the collaborators phases A-D of the
// confidential-domain bootstrap need. A nil *ConfidentialConfig on
// Config means the VM is not a confidential domain.
type ConfidentialConfig struct {
	Firmware       FirmwareFile
	Hypervisor     tdx.Hypervisor
	HostTranslator tdx.HostTranslator
	RAM            tdx.RAMAllocator
	APICBase       uint64
	DeviceAreaSize uint64
	ACPITables     [][]byte
	Cmdline        string
}

// Config describes one boot attempt.
type Config struct {
	Arch            Arch
	NCPUs           int
	DebugStopOnBoot bool
	TraceCount      int
	Kernel          io.ReaderAt
	Initrd          io.ReaderAt
	Params          string
	MaxCmdlineSize  int
	PCIConfigBase   uint64
	Confidential    *ConfidentialConfig
	DeviceCmdline   string // ARM: additions emitted by the device manager, e.g. virtio-mmio stanzas
}

// AppendDeviceCmdline appends extra, device-manager-emitted command
// line text (used on ARM for virtio-mmio stanzas) respecting
// MaxCmdlineSize; it returns an error on overflow rather than silently
// truncating the command line the kernel will boot with.
func (c *Config) AppendDeviceCmdline(extra string) error {
	candidate := c.Params
	if extra != "" {
		if candidate != "" {
			candidate += " "
		}

		candidate += extra
	}

	if max := c.MaxCmdlineSize; max > 0 && len(candidate) > max {
		return fmt.Errorf("bootassembler: command line length %d exceeds max %d", len(candidate), max)
	}

	c.Params = candidate

	return nil
}

// Assembler runs one VM's boot/resume sequence.
type Assembler struct {
	state   *vmstate.Machine
	machine collab.Machine
	cfg     Config
	log     *logrus.Entry

	loadGroup *errgroup.Group

	con    signals.Console
	exiter signals.ExitSignaler

	dispatcher *signals.Dispatcher
	restoreTTY func()
}

// New builds an Assembler and launches the kernel-load task in the
// background: machine.Machine's LoadLinux both loads the kernel and
// programs the boot vCPU's registers (this repository creates vCPU
// file descriptors eagerly in machine.New, so there is no separate
// "create boot vCPUs" call the way a lazily-vCPU'd hypervisor would
// need — LoadLinux is both the kernel loader and the entry-point
// binder described in the boot algorithm).
func New(sm *vmstate.Machine, m collab.Machine, cfg Config, con signals.Console, exiter signals.ExitSignaler, log *logrus.Entry) *Assembler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	a := &Assembler{
		state:   sm,
		machine: m,
		cfg:     cfg,
		log:     log,
		con:     con,
		exiter:  exiter,
	}

	g, _ := errgroup.WithContext(context.Background())

	g.Go(func() error {
		return m.LoadLinux(cfg.Kernel, cfg.Initrd, cfg.Params)
	})

	a.loadGroup = g

	return a
}

// Boot runs the public boot() operation.
func (a *Assembler) Boot() error {
	current, err := a.state.Current()
	if err != nil {
		return err
	}

	// Step 1: Paused delegates to resume().
	if current == vmstate.Paused {
		return a.Resume()
	}

	// Step 2: compute and validate the target state.
	target := vmstate.Running
	if a.cfg.DebugStopOnBoot {
		target = vmstate.BreakPoint
	}

	if !vmstate.ValidTransition(current, target) {
		return &vmstate.InvalidStateTransition{From: current, To: target}
	}

	if a.cfg.Arch == ArchARM64 {
		return a.bootARM(target)
	}

	return a.bootAMD64(target)
}

func (a *Assembler) bootAMD64(target vmstate.State) error {
	// Step 3: ACPI tables, before vCPU creation/signal install per the
	// ordering guarantee in the concurrency model.
	rsdpAddr, err := buildACPITables(memWriter{a.machine}, a.cfg.NCPUs, a.cfg.PCIConfigBase)
	if err != nil {
		return fmt.Errorf("bootassembler: acpi tables: %w", err)
	}

	a.log.WithField("rsdp", fmt.Sprintf("%#x", rsdpAddr)).Debug("bootassembler: acpi tables written")

	// Step 4: signal dispatcher + raw terminal mode.
	if err := a.installSignals(); err != nil {
		return err
	}

	// Step 5: join the asynchronous kernel load.
	if err := a.loadGroup.Wait(); err != nil {
		a.teardownSignals()

		return fmt.Errorf("bootassembler: kernel load: %w", err)
	}

	// Step 6: confidential-domain init, before vCPU creation. In this
	// repository vCPU fds already exist by the time Boot runs (see
	// New's doc comment), so this only reaches the hypervisor's
	// TD-init primitive; it still must run before any vCPU starts.
	if cc := a.cfg.Confidential; cc != nil {
		if err := tdx.Init(cc.Hypervisor, a.cfg.NCPUs); err != nil {
			a.teardownSignals()

			return err
		}
	}

	// Steps 8, 11: confidential-domain section population, memory
	// registration, and finalize.
	if cc := a.cfg.Confidential; cc != nil {
		if err := a.populateConfidential(cc); err != nil {
			a.teardownSignals()

			return err
		}
	}

	// Step 12: start boot vCPUs only if the target state is Running.
	if target == vmstate.Running {
		a.startVCPUs()
	}

	// Step 13: commit.
	return a.state.Transition(target, func() error { return nil })
}

func (a *Assembler) bootARM(target vmstate.State) error {
	// This repository's hypervisor collaborator has no GICv3/ITS or
	// ARM vCPU backend (see ErrARM64Unsupported), so the ARM path
	// stops after the parts that don't require one: installing
	// signals and joining the kernel load. configure_system's ARM
	// half (GIC creation, PMU init, FDT emission, MPIDR query) needs
	// a real ARM collab.Machine to exercise, which machine.Machine is
	// not (see internal/fdt for the FDT encoder used once one exists).
	if err := a.installSignals(); err != nil {
		return err
	}

	if err := a.loadGroup.Wait(); err != nil {
		a.teardownSignals()

		return fmt.Errorf("bootassembler: kernel load: %w", err)
	}

	a.teardownSignals()
	_ = target

	return ErrARM64Unsupported
}

func (a *Assembler) populateConfidential(cc *ConfidentialConfig) error {
	sections, err := tdx.ParseSections(cc.Firmware)
	if err != nil {
		return fmt.Errorf("bootassembler: parse confidential sections: %w", err)
	}

	_, _, err = tdx.PopulateSections(sections, cc.Firmware, a.machine, cc.RAM, cc.Cmdline, a.log.Debugf)
	if err != nil {
		return fmt.Errorf("bootassembler: populate confidential sections: %w", err)
	}

	if err := tdx.Finalize(cc.Hypervisor, cc.HostTranslator, sections); err != nil {
		return err
	}

	return nil
}

func (a *Assembler) startVCPUs() {
	var wg sync.WaitGroup

	for cpu := 0; cpu < a.cfg.NCPUs; cpu++ {
		wg.Add(1)
		a.machine.StartVCPU(cpu, a.cfg.TraceCount, &wg)
	}
}

func (a *Assembler) installSignals() error {
	if term.IsTerminal() {
		restore, err := term.SetRawMode()
		if err != nil {
			return fmt.Errorf("bootassembler: set raw terminal mode: %w", err)
		}

		a.restoreTTY = restore
	}

	d, err := signals.New(a.con, a.exiter, a.log, nil)
	if err != nil {
		a.teardownSignals()

		return fmt.Errorf("bootassembler: install signal dispatcher: %w", err)
	}

	a.dispatcher = d

	return nil
}

func (a *Assembler) teardownSignals() {
	if a.dispatcher != nil {
		a.dispatcher.Close()
		a.dispatcher = nil
	}

	if a.restoreTTY != nil {
		a.restoreTTY()
		a.restoreTTY = nil
	}
}

// Resume implements the lifecycle resume() operation boot() delegates
// to when the VM is already Paused.
func (a *Assembler) Resume() error {
	current, err := a.state.Current()
	if err != nil {
		return err
	}

	if !vmstate.ValidTransition(current, vmstate.Running) {
		return &vmstate.InvalidStateTransition{From: current, To: vmstate.Running}
	}

	return a.state.Transition(vmstate.Running, func() error {
		if err := a.machine.Resume(); err != nil {
			return fmt.Errorf("bootassembler: resume cpu manager: %w", err)
		}

		return nil
	})
}

// WatchConsoleInput reads stdin byte-by-byte and forwards it to the
// guest's serial port, the same pass-through loop vmm.VMM.Boot ran
// inline; it is split out so callers can run it after Boot returns
// without duplicating the byte/IRQ plumbing.
func WatchConsoleInput(r io.Reader, inject func(byte) error, onExitKey func()) {
	in := bufio.NewReader(r)

	var prev byte

	for {
		b, err := in.ReadByte()
		if err != nil {
			return
		}

		if err := inject(b); err != nil {
			fmt.Fprintf(os.Stderr, "bootassembler: inject console byte: %v\r\n", err)
		}

		if prev == 0x1 && b == 'x' && onExitKey != nil {
			onExitKey()
		}

		prev = b
	}
}

// memWriter adapts collab.MemoryManager's io.WriterAt to the narrower
// memoryWriter interface the ACPI/confidential-domain helpers use.
type memWriter struct {
	m collab.MemoryManager
}

func (w memWriter) WriteAtChecked(p []byte, off int64) error {
	n, err := w.m.WriteAt(p, off)
	if err != nil {
		return fmt.Errorf("bootassembler: write guest memory at %#x: %w", off, err)
	}

	if n != len(p) {
		return fmt.Errorf("bootassembler: short write at %#x: wrote %d of %d bytes", off, n, len(p))
	}

	return nil
}
