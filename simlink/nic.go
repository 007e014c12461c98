// SPDX-License-Identifier: GPL-3.0-or-later

package simlink

import (
	"sync"
	"sync/atomic"

	"github.com/bassosimone/runtimex"
	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

// Frame is a raw IPv4 or IPv6 packet crossing the tunnel.
type Frame struct {
	Packet []byte
}

// FrameSender is where a [*NIC] sends outgoing frames.
//
// The [*Link] implements this interface.
type FrameSender interface {
	SendFrame(frame Frame) bool
}

// NIC is the virtual tunnel interface of an [*Endpoint]. It implements
// [stack.LinkEndpoint] so that gVisor can use it.
//
// Unlike a physical NIC, the MTU can be changed at any time with
// [*NIC.SetMTU], and it is enforced in both directions: outgoing and
// incoming packets larger than the current MTU are dropped, which is
// what the interface of a real tunnel does.
//
// Construct using [NewNIC].
type NIC struct {
	// closefunc is the function invoked on close.
	closefunc func()

	// disp delivers inbound packets into netstack (set by Attach).
	disp stack.NetworkDispatcher

	// isclosed indicates the NIC should not accept more work.
	isclosed bool

	// laddr is the [tcpip.LinkAddress] to use.
	laddr tcpip.LinkAddress

	// mtu holds the current MTU.
	mtu uint32

	// mu provides mutual exclusion.
	mu sync.RWMutex

	// oversized counts packets dropped because of the MTU.
	oversized atomic.Uint64

	// sender is where outgoing frames go.
	sender FrameSender
}

// NewNIC creates a new [*NIC] with the given MTU sending frames to sender.
func NewNIC(mtu uint32, sender FrameSender) *NIC {
	return &NIC{
		closefunc: nil,
		disp:      nil,
		isclosed:  false,
		laddr:     "",
		mtu:       mtu,
		mu:        sync.RWMutex{},
		oversized: atomic.Uint64{},
		sender:    sender,
	}
}

// Ensure that [*NIC] implements [stack.LinkEndpoint].
var _ stack.LinkEndpoint = &NIC{}

// ARPHardwareType implements [stack.LinkEndpoint].
func (n *NIC) ARPHardwareType() header.ARPHardwareType {
	return header.ARPHardwareNone
}

// AddHeader implements [stack.LinkEndpoint].
func (n *NIC) AddHeader(pbuf *stack.PacketBuffer) {
	// tunnels carry raw IP packets
}

// Attach implements [stack.LinkEndpoint].
func (n *NIC) Attach(disp stack.NetworkDispatcher) {
	n.mu.Lock()
	if !n.isclosed {
		n.disp = disp
	}
	n.mu.Unlock()
}

// Capabilities implements [stack.LinkEndpoint].
func (n *NIC) Capabilities() stack.LinkEndpointCapabilities {
	return 0
}

// Close implements [stack.LinkEndpoint].
func (n *NIC) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.isclosed {
		n.isclosed = true
		n.disp = nil
		if n.closefunc != nil {
			n.closefunc()
		}
	}
}

// IsAttached implements [stack.LinkEndpoint].
func (n *NIC) IsAttached() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.disp != nil && !n.isclosed
}

// LinkAddress implements [stack.LinkEndpoint].
func (n *NIC) LinkAddress() tcpip.LinkAddress {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.laddr
}

// MTU implements [stack.LinkEndpoint].
func (n *NIC) MTU() uint32 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.mtu
}

// MaxHeaderLength implements [stack.LinkEndpoint].
func (n *NIC) MaxHeaderLength() uint16 {
	return 0
}

// ParseHeader implements [stack.LinkEndpoint].
func (n *NIC) ParseHeader(pbuf *stack.PacketBuffer) bool {
	return true
}

// SetLinkAddress implements [stack.LinkEndpoint].
func (n *NIC) SetLinkAddress(addr tcpip.LinkAddress) {
	n.mu.Lock()
	n.laddr = addr
	n.mu.Unlock()
}

// SetMTU implements [stack.LinkEndpoint].
//
// New connections pick up the MTU when computing their MSS. Segments
// of existing connections that no longer fit are dropped.
func (n *NIC) SetMTU(mtu uint32) {
	n.mu.Lock()
	n.mtu = mtu
	n.mu.Unlock()
}

// SetOnCloseAction implements [stack.LinkEndpoint].
func (n *NIC) SetOnCloseAction(action func()) {
	n.mu.Lock()
	n.closefunc = action
	n.mu.Unlock()
}

// Wait implements [stack.LinkEndpoint].
func (n *NIC) Wait() {
	// we do not create background goroutines
}

// Oversized returns the number of packets dropped for exceeding the MTU.
func (n *NIC) Oversized() uint64 {
	return n.oversized.Load()
}

// WritePackets implements [stack.LinkEndpoint].
func (n *NIC) WritePackets(pkts stack.PacketBufferList) (int, tcpip.Error) {
	// 1. snapshot the mutex protected fields
	n.mu.RLock()
	sender := n.sender
	isclosed := n.isclosed
	mtu := n.mtu
	n.mu.RUnlock()

	// 2. pretend to send when there is nowhere to send
	if isclosed || sender == nil {
		return 0, nil
	}

	// 3. forward each packet that fits the MTU
	var numSent int
	for _, pb := range pkts.AsSlice() {
		payload := nicPacketBufferToBytes(pb)
		if len(payload) <= 0 {
			continue
		}
		if uint32(len(payload)) > mtu {
			n.oversized.Add(1)
			continue
		}
		if !sender.SendFrame(Frame{Packet: payload}) {
			continue
		}
		numSent++
	}
	return numSent, nil
}

// InjectFrame delivers an inbound frame to the stack.
//
// It returns false when the frame was dropped.
func (n *NIC) InjectFrame(frame Frame) bool {
	// 1. figure out the network protocol
	pkt := frame.Packet
	if len(pkt) <= 0 {
		return false
	}
	proto, ok := nicDetectNetworkProtocol(pkt)
	if !ok {
		return false
	}

	// 2. snapshot the mutex protected fields
	n.mu.RLock()
	disp := n.disp
	isclosed := n.isclosed
	mtu := n.mtu
	n.mu.RUnlock()

	// 3. drop if we cannot or should not deliver
	if isclosed || disp == nil {
		return false
	}
	if uint32(len(pkt)) > mtu {
		n.oversized.Add(1)
		return false
	}

	// 4. deliver A COPY OF the packet
	copied := make([]byte, len(pkt))
	copy(copied, pkt)
	pkb := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(copied),
	})
	disp.DeliverNetworkPacket(proto, pkb)
	return true
}

// nicDetectNetworkProtocol maps the IP version nibble to a protocol number.
//
// This function PANICs if the given pkt is zero length.
func nicDetectNetworkProtocol(pkt []byte) (tcpip.NetworkProtocolNumber, bool) {
	runtimex.Assert(len(pkt) > 0)
	switch pkt[0] >> 4 {
	case 4:
		return ipv4.ProtocolNumber, true
	case 6:
		return ipv6.ProtocolNumber, true
	default:
		return 0, false
	}
}

// nicPacketBufferToBytes returns A COPY OF the packet bytes.
func nicPacketBufferToBytes(pb *stack.PacketBuffer) []byte {
	v := pb.ToView()
	out := make([]byte, v.Size())
	_ = runtimex.PanicOnError1(v.Read(out))
	return out
}
