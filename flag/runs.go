package flag

import (
	"fmt"
	"log"
	"os"

	"github.com/alecthomas/kong"
	"github.com/containerd/console"
	"github.com/sirupsen/logrus"

	"github.com/ovmctl/vorchestrator/internal/bootassembler"
	"github.com/ovmctl/vorchestrator/lifecycle"
	"github.com/ovmctl/vorchestrator/machine"
	"github.com/ovmctl/vorchestrator/probe"
)

func Parse() error {
	c := CLI{}

	programName := "gokvm"
	programDesc := "gokvm is a small Linux KVM Hypervisor which supports kernel boot"

	ctx := kong.Parse(&c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	err := ctx.Run()

	return err
}

func (d *ProbeCMD) Run() error {
	if err := probe.KVMCapabilities(); err != nil {
		return err
	}

	return nil
}

func (s *BootCMD) Run() error {
	defparams := `console=ttyS0 earlyprintk=serial noapic noacpi notsc ` +
		`debug apic=debug show_lapic=all mitigations=off lapic tsc_early_khz=2000 ` +
		`dyndbg="file arch/x86/kernel/smpboot.c +plf ; file drivers/net/virtio_net.c +plf" pci=realloc=off ` +
		`virtio_pci.force_legacy=1 rdinit=/init init=/init ` +
		`gokvm.ipv4_addr=192.168.20.1/24`

	memSize, err := ParseSize(s.MemSize, "g")
	if err != nil {
		return err
	}

	traceC, err := ParseSize(s.TraceCount, "")
	if err != nil {
		return err
	}

	if len(s.Params) > 0 {
		defparams = s.Params
	}

	cfg := Config{
		Dev:             s.Dev,
		Kernel:          s.Kernel,
		Initrd:          s.Initrd,
		Params:          defparams,
		TapIfName:       s.TapIfName,
		Disk:            s.Disk,
		NCPUs:           s.NCPUs,
		MemSize:         memSize,
		TraceCount:      traceC,
		Confidential:    s.Confidential,
		DebugStopOnBoot: s.DebugStopOnBoot,
		Arm64:           s.Arm64,
	}

	m, err := machine.New(cfg.Dev, cfg.NCPUs, cfg.MemSize)
	if err != nil {
		return fmt.Errorf("flag: create machine: %w", err)
	}

	if len(cfg.TapIfName) > 0 {
		if err := m.AddTapIf(cfg.TapIfName); err != nil {
			return fmt.Errorf("flag: add tap interface: %w", err)
		}
	}

	if len(cfg.Disk) > 0 {
		if err := m.AddDisk(cfg.Disk); err != nil {
			return fmt.Errorf("flag: add disk: %w", err)
		}
	}

	ctl, err := lifecycle.New(cfg, m, console.Current(), &exitOnSignal{}, logrus.NewEntry(logrus.StandardLogger()))
	if err != nil {
		return fmt.Errorf("flag: new controller: %w", err)
	}

	kern, err := os.Open(cfg.Kernel)
	if err != nil {
		return fmt.Errorf("flag: open kernel: %w", err)
	}
	defer kern.Close()

	initrd, err := os.Open(cfg.Initrd)
	if err != nil {
		return fmt.Errorf("flag: open initrd: %w", err)
	}
	defer initrd.Close()

	if err := ctl.Boot(kern, initrd); err != nil {
		log.Fatal(err)
	}

	bootassembler.WatchConsoleInput(os.Stdin, func(b byte) error {
		m.GetInputChan() <- b

		if len(m.GetInputChan()) > 0 {
			return m.InjectSerialIRQ()
		}

		return nil
	}, func() {
		_ = ctl.Shutdown()
		os.Exit(0)
	})

	return nil
}

// exitOnSignal is the flag package's signals.ExitSignaler: SIGTERM/
// SIGINT and a recovered panic in the dispatcher all terminate the
// whole process, the same fate vmm.Boot's os.Exit(0) on Ctrl-A x gave
// a guest exit.
type exitOnSignal struct{}

func (*exitOnSignal) SignalExit() error {
	os.Exit(0)

	return nil
}
