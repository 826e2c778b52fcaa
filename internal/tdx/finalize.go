package tdx

import "fmt"

// HostTranslator maps a guest-physical address to its host backing
// address, the way machine.Machine's flat mmap'd guest memory lets
// ReadAt/WriteAt index straight into a Go slice.
type HostTranslator interface {
	HostAddress(gpa uint64) (uintptr, error)
}

// Hypervisor is the subset of the Hypervisor collaborator this
// package's phases A and D drive: confidential-domain init, per-region
// registration, and measurement finalize.
type Hypervisor interface {
	TDInit(maxVCPUs int) error
	TDInitMemoryRegion(hostAddr uintptr, gpa, size uint64, extendMeasurement bool) error
	TDFinalize() error
}

// Init is phase A: before any vCPU exists, query common CPU features
// (left to the caller, since that's a CPU-manager concern) and call
// the hypervisor's TD-init primitive with the configured vCPU count.
func Init(hv Hypervisor, maxVCPUs int) error {
	if err := hv.TDInit(maxVCPUs); err != nil {
		return fmt.Errorf("tdx: init: %w", err)
	}

	return nil
}

// Finalize is phase D: translate every original section's guest
// address to its host backing address, register it with the
// hypervisor (requesting measurement extension when Attributes == 1),
// then call the hypervisor's finalize primitive.
func Finalize(hv Hypervisor, ht HostTranslator, sections []Section) error {
	for _, s := range sections {
		host, err := ht.HostAddress(s.Address)
		if err != nil {
			return fmt.Errorf("tdx: host address for section at %#x: %w", s.Address, err)
		}

		extend := s.Attributes == 1

		if err := hv.TDInitMemoryRegion(host, s.Address, s.Size, extend); err != nil {
			return fmt.Errorf("tdx: register region at %#x: %w", s.Address, err)
		}
	}

	if err := hv.TDFinalize(); err != nil {
		return fmt.Errorf("tdx: finalize: %w", err)
	}

	return nil
}
