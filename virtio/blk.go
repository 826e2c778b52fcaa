package virtio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
	"unsafe"

	"github.com/ovmctl/vorchestrator/migration"
	"github.com/ovmctl/vorchestrator/pci"
)

const (
	BlkIOPortStart = 0x6300
	BlkIOPortSize  = 0x100

	sectorSize = 512

	BlkReqTypeIn  = 0
	BlkReqTypeOut = 1

	// VirtIO block status codes, written to the request's last
	// descriptor once an I/O completes.
	blkStatusOK    = 0
	blkStatusIOErr = 1
)

// BlkReq mirrors struct virtio_blk_req: the 16-byte request header a
// guest places at the first descriptor of a chain.
type BlkReq struct {
	Type     uint32
	Reserved uint32
	Sector   uint64
}

type Blk struct {
	Hdr blkHdr

	VirtQueue    [1]*VirtQueue
	Mem          []byte
	LastAvailIdx [1]uint16

	irq         uint8
	IRQInjector IRQInjector

	file *os.File

	kick chan struct{}

	mu     sync.Mutex
	closed bool
}

type blkHdr struct {
	commonHeader commonHeader
	blkHeader    blkHeader
}

func (h blkHdr) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return []byte{}, err
	}

	return buf.Bytes(), nil
}

type blkHeader struct {
	capacity uint64
}

func (v *Blk) GetDeviceHeader() pci.DeviceHeader {
	return pci.DeviceHeader{
		DeviceID:    0x1001,
		VendorID:    0x1AF4,
		HeaderType:  0,
		SubsystemID: 2, // Block Device
		Command:     1, // Enable IO port
		BAR: [6]uint32{
			BlkIOPortStart | 0x1,
		},
		// https://github.com/torvalds/linux/blob/fb3b0673b7d5b477ed104949450cd511337ba3c6/drivers/pci/setup-irq.c#L30-L55
		InterruptPin: 1,
		// https://www.webopedia.com/reference/irqnumbers/
		InterruptLine: v.irq,
	}
}

// Read services a guest IN instruction against the device's IO port
// window. Reading the ISR byte (offset 19) clears it, the same way a
// real virtio legacy transport's interrupt-status read does.
func (v *Blk) Read(port uint64, data []byte) error {
	offset := int(port - BlkIOPortStart)

	if offset == 19 {
		if len(data) > 0 {
			data[0] = v.Hdr.commonHeader.isr
		}

		v.Hdr.commonHeader.isr = 0x0

		return nil
	}

	b, err := v.Hdr.Bytes()
	if err != nil {
		return err
	}

	l := len(data)
	copy(data[:l], b[offset:offset+l])

	return nil
}

// Write services a guest OUT instruction. Offset 16 (queue notify)
// kicks the IO thread without blocking the vCPU: a full kick channel
// means a kick is already pending, so the extra one is dropped.
func (v *Blk) Write(port uint64, data []byte) error {
	offset := int(port - BlkIOPortStart)

	switch offset {
	case 8:
		// Queue PFN is aligned to page (4096 bytes)
		physAddr := uint32(pci.BytesToNum(data) * 4096)
		v.VirtQueue[v.Hdr.commonHeader.queueSEL] = (*VirtQueue)(unsafe.Pointer(&v.Mem[physAddr]))
	case 14:
		v.Hdr.commonHeader.queueSEL = uint16(pci.BytesToNum(data))
	case 16:
		v.kickIO()
	case 19:
	default:
	}

	return nil
}

func (v *Blk) kickIO() {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return
	}

	select {
	case v.kick <- struct{}{}:
	default:
	}
}

// Size reports the IO port window's byte length.
func (v *Blk) Size() uint64 {
	return BlkIOPortSize
}

// IOInHandler/IOOutHandler/GetIORange let Blk stand in as a pci.Device
// without duplicating Read/Write/Size's logic.
func (v *Blk) IOInHandler(port uint64, data []byte) error  { return v.Read(port, data) }
func (v *Blk) IOOutHandler(port uint64, data []byte) error { return v.Write(port, data) }
func (v *Blk) GetIORange() (start, end uint64)             { return BlkIOPortStart, BlkIOPortStart + v.Size() }

// IOThreadEntry drains kicks and performs the requested disk IO, and
// re-injects the completion IRQ on a short tick as long as ISR is
// still set (the guest hasn't read the ISR byte yet). It returns once
// the kick channel is closed by Close.
func (v *Blk) IOThreadEntry() {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case _, ok := <-v.kick:
			if !ok {
				return
			}

			for v.IO() == nil {
			}
		case <-ticker.C:
			if v.Hdr.commonHeader.isr != 0 {
				if err := v.IRQInjector.InjectVirtioBlkIRQ(); err != nil {
					fmt.Printf("InjectVirtioBlkIRQ: %v\r\n", err)
				}
			}
		}
	}
}

// IO services one pending request from the virtqueue: a 16-byte
// BlkReq header descriptor, a data-buffer descriptor, and a 1-byte
// status descriptor, in that order.
func (v *Blk) IO() error {
	const sel = 0

	vq := v.VirtQueue[sel]
	if vq == nil {
		return errors.New("virtqueue not initialized")
	}

	availRing := &vq.AvailRing
	usedRing := &vq.UsedRing

	if v.LastAvailIdx[sel] == availRing.Idx {
		return errors.New("no request pending")
	}

	headDescID := availRing.Ring[v.LastAvailIdx[sel]%QueueSize]

	hdrDesc := vq.DescTable[headDescID]
	req := (*BlkReq)(unsafe.Pointer(&v.Mem[hdrDesc.Addr]))

	dataDesc := vq.DescTable[hdrDesc.Next]
	data := v.Mem[dataDesc.Addr : dataDesc.Addr+uint64(dataDesc.Len)]

	statusDesc := vq.DescTable[dataDesc.Next]

	var ioErr error

	switch req.Type {
	case BlkReqTypeOut:
		_, ioErr = v.file.WriteAt(data, int64(req.Sector)*sectorSize)
	default:
		_, ioErr = v.file.ReadAt(data, int64(req.Sector)*sectorSize)
	}

	status := byte(blkStatusOK)
	if ioErr != nil {
		status = blkStatusIOErr
	}

	v.Mem[statusDesc.Addr] = status

	usedRing.Ring[usedRing.Idx%QueueSize].Idx = uint32(headDescID)
	usedRing.Ring[usedRing.Idx%QueueSize].Len = dataDesc.Len
	usedRing.Idx++
	v.LastAvailIdx[sel]++

	v.Hdr.commonHeader.isr = 0x1

	if err := v.IRQInjector.InjectVirtioBlkIRQ(); err != nil {
		fmt.Printf("InjectVirtioBlkIRQ: %v\r\n", err)
	}

	return nil
}

// Close closes the kick channel (once) so IOThreadEntry returns, and
// closes the backing file. A second Close fails because the file is
// already closed.
func (v *Blk) Close() error {
	v.mu.Lock()
	if !v.closed {
		v.closed = true
		close(v.kick)
	}
	v.mu.Unlock()

	return v.file.Close()
}

// GetState captures the device's migratable state, the same way
// Net.GetState does for the network device.
func (v *Blk) GetState() *migration.BlkState {
	hdr, err := v.Hdr.Bytes()
	if err != nil {
		hdr = nil
	}

	st := &migration.BlkState{
		HdrBytes:     hdr,
		LastAvailIdx: v.LastAvailIdx,
	}

	for i, vq := range v.VirtQueue {
		if vq == nil {
			continue
		}

		st.QueuePhysAddr[i] = uint64(uintptr(unsafe.Pointer(vq)) - uintptr(unsafe.Pointer(&v.Mem[0])))
	}

	return st
}

// SetState restores previously captured state, remapping each
// non-zero queue address onto mem.
func (v *Blk) SetState(state *migration.BlkState, mem []byte) {
	if len(state.HdrBytes) > 0 {
		_ = binary.Read(bytes.NewReader(state.HdrBytes), binary.LittleEndian, &v.Hdr)
	}

	v.LastAvailIdx = state.LastAvailIdx
	v.Mem = mem

	for i, physAddr := range state.QueuePhysAddr {
		if physAddr == 0 {
			v.VirtQueue[i] = nil

			continue
		}

		v.VirtQueue[i] = (*VirtQueue)(unsafe.Pointer(&mem[physAddr]))
	}
}

// NewBlk opens path as the disk backing store and builds a virtio-blk
// device around it, raising irq through injector on IO completion.
func NewBlk(path string, irq uint8, injector IRQInjector, mem []byte) (*Blk, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	res := &Blk{
		Hdr: blkHdr{
			commonHeader: commonHeader{
				queueNUM: QueueSize,
				isr:      0x0,
			},
			blkHeader: blkHeader{
				capacity: 0x100,
			},
		},
		irq:          irq,
		IRQInjector:  injector,
		file:         f,
		kick:         make(chan struct{}, 1),
		Mem:          mem,
		VirtQueue:    [1]*VirtQueue{},
		LastAvailIdx: [1]uint16{0},
	}

	return res, nil
}
