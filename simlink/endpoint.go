// SPDX-License-Identifier: GPL-3.0-or-later

package simlink

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
)

// MinMTU is the smallest MTU an [*Endpoint] accepts.
//
// Below this value TCP cannot carry the IPv4 and TCP headers and
// still make progress.
const MinMTU = 68

// Endpoint is one side of the simulated tunnel: a userspace TCP/IP
// stack whose only interface is a [*NIC] attached to a [*Link].
//
// Construct using [*Link.NewEndpoint].
type Endpoint struct {
	addrs []netip.Addr
	link  *Link
	nic   *NIC
	once  sync.Once
	stack *netStack
}

// Addrs returns the addresses owned by the endpoint.
func (ep *Endpoint) Addrs() []netip.Addr {
	return ep.addrs
}

// Dialer returns a [*Dialer] using this endpoint.
func (ep *Endpoint) Dialer() *Dialer {
	return &Dialer{stack: ep.stack}
}

// ListenConfig returns a [*ListenConfig] using this endpoint.
func (ep *Endpoint) ListenConfig() *ListenConfig {
	return &ListenConfig{stack: ep.stack}
}

// NIC returns the virtual interface of the endpoint.
func (ep *Endpoint) NIC() *NIC {
	return ep.nic
}

// MTU returns the current MTU of the endpoint interface.
func (ep *Endpoint) MTU() uint32 {
	return ep.nic.MTU()
}

// ApplyMTU changes the MTU of the endpoint interface. The iface name is
// ignored since the endpoint has a single interface.
//
// The method signature allows using the endpoint wherever a function
// changing the MTU of a named interface is expected.
func (ep *Endpoint) ApplyMTU(ctx context.Context, iface string, mtu uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if mtu < MinMTU {
		return fmt.Errorf("simlink: MTU %d is below the minimum %d", mtu, MinMTU)
	}
	ep.nic.SetMTU(mtu)
	return nil
}

// Close destroys the stack and removes the endpoint routes.
func (ep *Endpoint) Close() {
	ep.once.Do(func() {
		ep.stack.Close()
		ep.link.removeRoute(ep.addrs...)
	})
}
