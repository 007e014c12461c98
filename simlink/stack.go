//
// SPDX-License-Identifier: MIT
//
// Adapted from: https://github.com/ooni/netem/blob/061c5671b52a2c064cac1de5d464bb056f7ccaa8/gvisor.go
// Adapted from: https://github.com/WireGuard/wireguard-go
//

package simlink

import (
	"context"
	"errors"
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
)

// netStack wraps a [*stack.Stack] with a single NIC and TCP only.
type netStack struct {
	stack *stack.Stack
}

// netStackNICID is the ID of the single NIC of a [*netStack].
const netStackNICID = 1

// newNetStack creates a [*netStack] using the given [stack.LinkEndpoint].
func newNetStack(nic stack.LinkEndpoint, addrs ...netip.Addr) (*netStack, error) {
	// 1. create the stack with both IP families and TCP
	nsp := stack.New(stack.Options{
		NetworkProtocols: []stack.NetworkProtocolFactory{
			ipv4.NewProtocol,
			ipv6.NewProtocol,
		},
		TransportProtocols: []stack.TransportProtocolFactory{
			tcp.NewProtocol,
		},
		HandleLocal: true,
	})

	// 2. attach the NIC
	if err := nsp.CreateNIC(netStackNICID, nic); err != nil {
		nsp.Destroy()
		return nil, errors.New(err.String())
	}

	// 3. configure the addresses
	for _, addr := range addrs {
		protoAddr := tcpip.ProtocolAddress{
			Protocol:          netStackProtocolNumber(addr),
			AddressWithPrefix: tcpip.AddrFromSlice(addr.AsSlice()).WithPrefix(),
		}
		if err := nsp.AddProtocolAddress(netStackNICID, protoAddr, stack.AddressProperties{}); err != nil {
			nsp.Destroy()
			return nil, errors.New(err.String())
		}
	}

	// 4. everything goes through the tunnel
	nsp.AddRoute(tcpip.Route{Destination: header.IPv4EmptySubnet, NIC: netStackNICID})
	nsp.AddRoute(tcpip.Route{Destination: header.IPv6EmptySubnet, NIC: netStackNICID})

	return &netStack{nsp}, nil
}

// DialTCP establishes a new [*gonet.TCPConn].
func (ns *netStack) DialTCP(ctx context.Context, addr netip.AddrPort) (*gonet.TCPConn, error) {
	return gonet.DialContextTCP(ctx, ns.stack, netStackFullAddress(addr), netStackProtocolNumber(addr.Addr()))
}

// ListenTCP creates a new [*gonet.TCPListener].
func (ns *netStack) ListenTCP(addr netip.AddrPort) (*gonet.TCPListener, error) {
	return gonet.ListenTCP(ns.stack, netStackFullAddress(addr), netStackProtocolNumber(addr.Addr()))
}

// Close destroys the stack and waits for the NIC teardown.
func (ns *netStack) Close() {
	ns.stack.Destroy()
}

func netStackFullAddress(epnt netip.AddrPort) tcpip.FullAddress {
	// with a single NIC, unspecified addresses accept on every configured address
	return tcpip.FullAddress{
		NIC:  netStackNICID,
		Addr: tcpip.AddrFromSlice(epnt.Addr().AsSlice()),
		Port: epnt.Port(),
	}
}

func netStackProtocolNumber(addr netip.Addr) tcpip.NetworkProtocolNumber {
	if addr.Is4() {
		return ipv4.ProtocolNumber
	}
	return ipv6.ProtocolNumber
}
