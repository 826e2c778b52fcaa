package kvm

import (
	"fmt"
)

// Capability names a KVM_CAP_* extension that can be probed with
// KVM_CHECK_EXTENSION before it is relied on.
type Capability int

const (
	CapIRQChip Capability = iota
	CapUserMemory
	CapSetTSSAddr
	CapEXTCPUID
	CapMPState
	CapCoalescedMMIO
	CapUserNMI
	CapSetGuestDebug
	CapReinjectControl
	CapIRQRouting
	CapIOMMU
	CapMCE
	CapIRQFD
	CapPIT2
	CapSetBootCPUID
	CapPITState2
	CapIOEventFD
	CapAdjustClock
	CapVCPUEvents
	CapINTRShadow
	CapDebugRegs
	CapEnableCap
	CapXSave
	CapXCRS
	CapTSCControl
	CapONEREG
	CapKVMClockCtrl
	CapSignalMSI
	CapDeviceCtrl
	CapEXTEmulCPUID
	CapVMAttributes
	CapX86SMM
	CapX86DisableExits
	CapGETMSRFeatures
	CapNestedState
	CapCoalescedPIO
	CapManualDirtyLogProtect2
	CapPMUEventFilter
	CapX86UserSpaceMSR
	CapX86MSRFilter
	CapX86BusLockExit
	CapSREGS2
	CapBinaryStatsFD
	CapXSave2
	CapSysAttributes
	CapVMTSCControl
	CapX86TripleFaultEvent
	CapX86NotifyVMExit
	CapNRMemSlots
)

var capabilityNames = map[Capability]string{
	CapIRQChip:                "CapIRQChip",
	CapUserMemory:              "CapUserMemory",
	CapSetTSSAddr:              "CapSetTSSAddr",
	CapEXTCPUID:                "CapEXTCPUID",
	CapMPState:                 "CapMPState",
	CapCoalescedMMIO:           "CapCoalescedMMIO",
	CapUserNMI:                 "CapUserNMI",
	CapSetGuestDebug:           "CapSetGuestDebug",
	CapReinjectControl:         "CapReinjectControl",
	CapIRQRouting:              "CapIRQRouting",
	CapIOMMU:                   "CapIOMMU",
	CapMCE:                     "CapMCE",
	CapIRQFD:                   "CapIRQFD",
	CapPIT2:                    "CapPIT2",
	CapSetBootCPUID:            "CapSetBootCPUID",
	CapPITState2:               "CapPITState2",
	CapIOEventFD:               "CapIOEventFD",
	CapAdjustClock:             "CapAdjustClock",
	CapVCPUEvents:              "CapVCPUEvents",
	CapINTRShadow:              "CapINTRShadow",
	CapDebugRegs:               "CapDebugRegs",
	CapEnableCap:               "CapEnableCap",
	CapXSave:                   "CapXSave",
	CapXCRS:                    "CapXCRS",
	CapTSCControl:              "CapTSCControl",
	CapONEREG:                  "CapONEREG",
	CapKVMClockCtrl:            "CapKVMClockCtrl",
	CapSignalMSI:               "CapSignalMSI",
	CapDeviceCtrl:              "CapDeviceCtrl",
	CapEXTEmulCPUID:            "CapEXTEmulCPUID",
	CapVMAttributes:            "CapVMAttributes",
	CapX86SMM:                  "CapX86SMM",
	CapX86DisableExits:         "CapX86DisableExits",
	CapGETMSRFeatures:          "CapGETMSRFeatures",
	CapNestedState:             "CapNestedState",
	CapCoalescedPIO:            "CapCoalescedPIO",
	CapManualDirtyLogProtect2:  "CapManualDirtyLogProtect2",
	CapPMUEventFilter:          "CapPMUEventFilter",
	CapX86UserSpaceMSR:         "CapX86UserSpaceMSR",
	CapX86MSRFilter:            "CapX86MSRFilter",
	CapX86BusLockExit:          "CapX86BusLockExit",
	CapSREGS2:                  "CapSREGS2",
	CapBinaryStatsFD:           "CapBinaryStatsFD",
	CapXSave2:                  "CapXSave2",
	CapSysAttributes:           "CapSysAttributes",
	CapVMTSCControl:            "CapVMTSCControl",
	CapX86TripleFaultEvent:     "CapX86TripleFaultEvent",
	CapX86NotifyVMExit:         "CapX86NotifyVMExit",
	CapNRMemSlots:              "CapNRMemSlots",
}

func (c Capability) String() string {
	if name, ok := capabilityNames[c]; ok {
		return name
	}

	return fmt.Sprintf("Capability(%d)", int(c))
}

// CheckExtension reports whether fd (either the /dev/kvm fd or a vm fd,
// depending on the extension) supports cap, and if so the extension's
// associated value (many extensions are boolean and return 1).
func CheckExtension(fd uintptr, cap Capability) (int, error) {
	ret, err := Ioctl(fd, IIO(kvmCheckExtension), uintptr(cap))

	return int(ret), err
}
