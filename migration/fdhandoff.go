package migration

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// fdConn is the minimal surface fd handoff needs from a connected
// AF_UNIX socket: SCM_RIGHTS ancillary data can only ride a unix
// socket, not a vsock stream, so fd handoff always runs over a local
// control socket even when the main migration channel is vsock.
type fdConn interface {
	Fd() uintptr
}

// SendSlotFD sends one (slot, fd) pair over conn: a 4-byte
// little-endian slot number as the regular payload, with fd riding
// along as an SCM_RIGHTS ancillary message, then waits for a 1-byte
// response and aborts if it is not ackOK.
func SendSlotFD(conn fdConn, slot uint32, fd uintptr) error {
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, slot)

	rights := unix.UnixRights(int(fd))

	if err := unix.Sendmsg(int(conn.Fd()), payload, rights, nil, 0); err != nil {
		return fmt.Errorf("fdhandoff: sendmsg slot %d: %w", slot, err)
	}

	resp := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(0))

	n, _, _, _, err := unix.Recvmsg(int(conn.Fd()), resp, oob, 0)
	if err != nil {
		return fmt.Errorf("fdhandoff: recvmsg ack for slot %d: %w", slot, err)
	}

	if n != 1 || resp[0] != ackOK {
		return fmt.Errorf("%w: slot %d", ErrFDHandoffRejected, slot)
	}

	return nil
}

// RecvSlotFD is the destination-side counterpart: it reads a 4-byte
// slot number plus one ancillary fd, then writes an ack byte back.
func RecvSlotFD(conn fdConn) (slot uint32, fd int, err error) {
	payload := make([]byte, 4)
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, _, _, err := unix.Recvmsg(int(conn.Fd()), payload, oob, 0)
	if err != nil {
		return 0, -1, fmt.Errorf("fdhandoff: recvmsg: %w", err)
	}

	if n != 4 {
		return 0, -1, fmt.Errorf("fdhandoff: expected 4-byte slot payload, got %d bytes", n)
	}

	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return 0, -1, fmt.Errorf("fdhandoff: parse control message: %w", err)
	}

	fd = -1

	for _, cmsg := range cmsgs {
		fds, err := unix.ParseUnixRights(&cmsg)
		if err != nil {
			continue
		}

		if len(fds) > 0 {
			fd = fds[0]
		}
	}

	if fd == -1 {
		return 0, -1, ErrNoFDReceived
	}

	ack := []byte{ackOK}
	if err := unix.Sendmsg(int(conn.Fd()), ack, nil, nil, 0); err != nil {
		return 0, -1, fmt.Errorf("fdhandoff: send ack: %w", err)
	}

	return binary.LittleEndian.Uint32(payload), fd, nil
}

const ackOK = 0x01

// ErrFDHandoffRejected is returned when the peer's ack byte was not
// ackOK.
var ErrFDHandoffRejected = fmt.Errorf("fdhandoff: peer rejected slot fd")

// ErrNoFDReceived is returned when a handoff message carried no
// SCM_RIGHTS ancillary data.
var ErrNoFDReceived = fmt.Errorf("fdhandoff: no file descriptor in control message")
