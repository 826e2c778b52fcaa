package virtio

// IRQInjector lets a virtio device raise the legacy INTx line it was
// assigned without reaching into machine-level IRQ routing itself.
// *machine.Machine implements this by pulsing the line through
// kvm.IRQLine.
type IRQInjector interface {
	InjectVirtioNetIRQ() error
	InjectVirtioBlkIRQ() error
}
