package migration

import (
	"fmt"
	"net"

	"github.com/mdlayher/vsock"
)

// DialVsock connects to a destination host's migration listener over
// AF_VSOCK, the same transport a guest-agent channel would use,
// avoiding a routable TCP/IP dependency between migration peers that
// may only share a vsock-capable hypervisor link.
func DialVsock(cid, port uint32) (net.Conn, error) {
	conn, err := vsock.Dial(cid, port, nil)
	if err != nil {
		return nil, fmt.Errorf("migration: vsock dial cid=%d port=%d: %w", cid, port, err)
	}

	return conn, nil
}

// ListenVsock opens a migration listener on the local vsock port, for
// the destination side of a migration to accept the source's
// connection.
func ListenVsock(port uint32) (net.Listener, error) {
	l, err := vsock.Listen(port, nil)
	if err != nil {
		return nil, fmt.Errorf("migration: vsock listen port=%d: %w", port, err)
	}

	return l, nil
}
