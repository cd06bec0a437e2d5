// Package rawdevice is the server's only point of contact with a real
// network interface: an AF_PACKET socket bound to a single link, carrying
// whole Ethernet frames in both directions. No part of this server binds a
// UDP socket or otherwise asks the host's network stack to do DHCP/TFTP
// framing for it. Grounded on mdlayher/packet usage in
// other_examples/ (the AdGuardHome dhcpd conn_linux.go listener and the
// glacic dhcp_sniffer.go raw capture loop).
package rawdevice

import (
	"fmt"
	"net"
	"time"

	"github.com/mdlayher/ethernet"
	"github.com/mdlayher/packet"
	"golang.org/x/sys/unix"
)

// minRecvBuffer is the SO_RCVBUF floor applied to the raw socket. PXE
// clients arrive in bursts (a rack power-cycling at once); a kernel
// socket buffer sized for a handful of frames drops discoveries under
// load before this server ever sees them.
const minRecvBuffer = 1 << 20 // 1 MiB

// EtherTypeIPv4 is the only frame type this server reads or writes.
const EtherTypeIPv4 = uint16(ethernet.EtherTypeIPv4)

// Device is a raw Ethernet-frame-in, Ethernet-frame-out transport bound to
// one network interface.
type Device struct {
	conn  *packet.Conn
	iface *net.Interface
}

// Open binds a raw AF_PACKET socket to ifaceName, filtered to IPv4
// EtherType at the kernel level (DHCP/TFTP are always IPv4 in this
// server's scope).
func Open(ifaceName string) (*Device, error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("rawdevice: interface %s: %w", ifaceName, err)
	}

	conn, err := packet.Listen(iface, packet.Raw, int(EtherTypeIPv4), nil)
	if err != nil {
		return nil, fmt.Errorf("rawdevice: listen on %s: %w", ifaceName, err)
	}

	if err := growRecvBuffer(conn, minRecvBuffer); err != nil {
		conn.Close()
		return nil, fmt.Errorf("rawdevice: tune %s: %w", ifaceName, err)
	}

	return &Device{conn: conn, iface: iface}, nil
}

// growRecvBuffer raises SO_RCVBUF on the raw socket underlying conn to at
// least size, reaching through SyscallConn the way a setsockopt tuning pass
// normally does for a raw AF_PACKET or AF_INET socket.
func growRecvBuffer(conn *packet.Conn, size int) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("syscall conn: %w", err)
	}

	var sockErr error
	if err := raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, size)
	}); err != nil {
		return fmt.Errorf("raw conn control: %w", err)
	}
	return sockErr
}

// HardwareAddr returns the bound interface's MAC address.
func (d *Device) HardwareAddr() net.HardwareAddr {
	return d.iface.HardwareAddr
}

// ReadFrame blocks, subject to deadline, for the next inbound Ethernet
// frame, returning the bytes actually received.
func (d *Device) ReadFrame(buf []byte, deadline time.Time) (int, error) {
	if err := d.conn.SetReadDeadline(deadline); err != nil {
		return 0, fmt.Errorf("rawdevice: set read deadline: %w", err)
	}
	n, _, err := d.conn.ReadFrom(buf)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// WriteFrame transmits a complete Ethernet frame, addressed at the link
// layer to dst.
func (d *Device) WriteFrame(frame []byte, dst net.HardwareAddr) error {
	_, err := d.conn.WriteTo(frame, &packet.Addr{HardwareAddr: dst})
	if err != nil {
		return fmt.Errorf("rawdevice: write: %w", err)
	}
	return nil
}

// Close releases the underlying socket.
func (d *Device) Close() error {
	return d.conn.Close()
}
