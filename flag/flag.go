// Package flag defines the command-line surface (via kong) and the
// resulting Config handed to the vmm/lifecycle layer, plus the size-string
// parser both the CLI and migration snapshots rely on.
package flag

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ovmctl/vorchestrator/lifecycle"
)

// CLI is the kong root command: "boot" launches a VM, "probe" reports
// this host's KVM capabilities without creating one.
type CLI struct {
	Boot  BootCMD  `cmd:"" help:"boot a kernel image"`
	Probe ProbeCMD `cmd:"" help:"report KVM capabilities of this host"`
}

// BootCMD is the kong-tagged "boot" subcommand, mirroring the short
// flag names gokvm's original stdlib-flag boot subcommand used.
type BootCMD struct {
	Dev        string `short:"D" default:"/dev/kvm" help:"path of kvm device"`
	Kernel     string `short:"k" default:"./bzImage" help:"kernel image path"`
	Initrd     string `short:"i" help:"initrd path"`
	Params     string `short:"p" help:"kernel command-line parameters"`
	TapIfName  string `short:"t" help:"name of tap interface; empty disables networking"`
	Disk       string `short:"d" help:"path of disk file (for /dev/vda)"`
	NCPUs      int    `short:"c" default:"1" help:"number of cpus"`
	MemSize    string `short:"m" default:"1G" help:"memory size: as number[gGmMkK], defaults to G"`
	TraceCount string `short:"T" default:"0" help:"instructions to skip between trace prints, 0 disables tracing"`
	Confidential bool `short:"C" help:"boot as a confidential (TDX) domain"`
	DebugStopOnBoot bool `help:"stop at the first instruction instead of running"`
	Arm64      bool   `help:"target the arm64 hypervisor backend"`
}

// ProbeCMD is the kong-tagged "probe" subcommand; it takes no flags.
type ProbeCMD struct{}

// Config is an alias of lifecycle.Config (the promoted VmConfig): it
// lives on the lifecycle side of the import graph so lifecycle.New
// can take one without importing this command-line package back,
// while flag/vmm callers keep referring to it as flag.Config the way
// the teacher's vmm.VMM embedding already did.
type Config = lifecycle.Config

// ParseSize parses a size string as number[gGmMkK]. The multiplier is optional,
// and if not set, the unit passed in is used. The number can be any base and
// size.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q:can't parse as num[gGmMkK]:%w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[gGmMkK]:%w", s, strconv.ErrSyntax)
}
