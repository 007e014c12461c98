//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/ooni/netem/blob/061c5671b52a2c064cac1de5d464bb056f7ccaa8/unetstack.go
//

package simlink

import (
	"context"
	"net"
	"net/netip"
	"syscall"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
)

// Dialer dials TCP connections like [*net.Dialer] using the
// userspace stack of an [*Endpoint].
//
// Only IP literal endpoints are supported. Dialing a hostname fails.
//
// Construct using [*Endpoint.Dialer].
type Dialer struct {
	stack *netStack
}

// DialContext creates a new [net.Conn] connection.
func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	// 1. we only speak TCP
	if !isTCPNetwork(network) {
		return nil, syscall.EPROTOTYPE
	}

	// 2. parse the address into a [netip.AddrPort]
	addrport, err := netip.ParseAddrPort(address)
	if err != nil {
		return nil, err
	}

	// 3. dial and remap the error on failure
	conn, err := d.stack.DialTCP(ctx, addrport)
	if err != nil {
		return nil, remapError(err)
	}
	return &connWrapper{conn}, nil
}

// ListenConfig listens like [*net.ListenConfig] using the userspace
// stack of an [*Endpoint].
//
// Only IP literal endpoints are supported. Listening on a hostname fails.
//
// Construct using [*Endpoint.ListenConfig].
type ListenConfig struct {
	stack *netStack
}

// Listen creates a listening TCP socket.
func (lc *ListenConfig) Listen(ctx context.Context, network, address string) (net.Listener, error) {
	// 1. we only speak TCP
	if !isTCPNetwork(network) {
		return nil, syscall.EPROTOTYPE
	}

	// 2. parse the address into a [netip.AddrPort]
	addrport, err := netip.ParseAddrPort(address)
	if err != nil {
		return nil, err
	}

	// 3. create the listener and remap the error on failure
	listener, err := lc.stack.ListenTCP(addrport)
	if err != nil {
		return nil, remapError(err)
	}
	return &listenerWrapper{listener}, nil
}

func isTCPNetwork(network string) bool {
	switch network {
	case "tcp", "tcp4", "tcp6":
		return true
	default:
		return false
	}
}

// listenerWrapper remaps the errors of a [*gonet.TCPListener].
type listenerWrapper struct {
	listener *gonet.TCPListener
}

var _ net.Listener = &listenerWrapper{}

// Accept implements [net.Listener].
func (lw *listenerWrapper) Accept() (net.Conn, error) {
	conn, err := lw.listener.Accept()
	if err != nil {
		return nil, remapError(err)
	}
	return &connWrapper{conn}, nil
}

// Addr implements [net.Listener].
func (lw *listenerWrapper) Addr() net.Addr {
	return lw.listener.Addr()
}

// Close implements [net.Listener].
func (lw *listenerWrapper) Close() error {
	return lw.listener.Close()
}

// connWrapper remaps the errors of a [net.Conn] created by gVisor.
type connWrapper struct {
	conn net.Conn
}

var _ net.Conn = &connWrapper{}

// Close implements [net.Conn].
func (cw *connWrapper) Close() error {
	return cw.conn.Close()
}

// LocalAddr implements [net.Conn].
func (cw *connWrapper) LocalAddr() net.Addr {
	return cw.conn.LocalAddr()
}

// Read implements [net.Conn].
func (cw *connWrapper) Read(buff []byte) (int, error) {
	count, err := cw.conn.Read(buff)
	return count, remapError(err)
}

// RemoteAddr implements [net.Conn].
func (cw *connWrapper) RemoteAddr() net.Addr {
	return cw.conn.RemoteAddr()
}

// SetDeadline implements [net.Conn].
func (cw *connWrapper) SetDeadline(t time.Time) error {
	return cw.conn.SetDeadline(t)
}

// SetReadDeadline implements [net.Conn].
func (cw *connWrapper) SetReadDeadline(t time.Time) error {
	return cw.conn.SetReadDeadline(t)
}

// SetWriteDeadline implements [net.Conn].
func (cw *connWrapper) SetWriteDeadline(t time.Time) error {
	return cw.conn.SetWriteDeadline(t)
}

// Write implements [net.Conn].
func (cw *connWrapper) Write(data []byte) (int, error) {
	count, err := cw.conn.Write(data)
	return count, remapError(err)
}
