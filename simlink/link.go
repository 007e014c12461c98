// SPDX-License-Identifier: GPL-3.0-or-later

package simlink

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
)

// Link models the point-to-point tunnel between two or more endpoints.
//
// Endpoints post outgoing frames on the in flight queue and someone
// must call [*Link.Route] (or [*Link.InFlight] and [*Link.Deliver])
// for frames to reach their destination.
//
// Construct using [NewLink].
type Link struct {
	// dropped counts frames the link could not deliver.
	dropped atomic.Uint64

	// inflight is the channel receiving in flight frames.
	inflight chan Frame

	// mu provides mutual exclusion.
	mu sync.RWMutex

	// pathMTU is the largest frame the path carries (zero means unlimited).
	pathMTU uint32

	// routes maps addresses to the NIC owning them.
	routes map[netip.Addr]*NIC
}

// LinkOption is an option for [NewLink].
type LinkOption func(cfg *linkConfig)

type linkConfig struct {
	maxInflight int
	pathMTU     uint32
}

// DefaultMaxInflight is the default maximum number of in flight frames.
const DefaultMaxInflight = 1024

// LinkOptionMaxInflight sets the maximum number of in flight frames.
//
// The default is [DefaultMaxInflight]. When the queue is full,
// additional frames are silently dropped.
func LinkOptionMaxInflight(max int) LinkOption {
	return func(cfg *linkConfig) {
		cfg.maxInflight = max
	}
}

// LinkOptionPathMTU sets the largest frame the path between the
// endpoints is able to carry. Larger frames are silently dropped,
// emulating a path MTU black hole. The default is zero, meaning
// that only the endpoints MTUs apply.
func LinkOptionPathMTU(mtu uint32) LinkOption {
	return func(cfg *linkConfig) {
		cfg.pathMTU = mtu
	}
}

// NewLink creates and returns a new [*Link].
func NewLink(options ...LinkOption) *Link {
	cfg := &linkConfig{
		maxInflight: DefaultMaxInflight,
	}
	for _, opt := range options {
		opt(cfg)
	}
	return &Link{
		inflight: make(chan Frame, cfg.maxInflight),
		pathMTU:  cfg.pathMTU,
		routes:   make(map[netip.Addr]*NIC),
	}
}

// NewEndpoint creates an [*Endpoint] attached to the link owning the given
// addresses and whose NIC initially has the given MTU.
//
// This method fails if any address is already in use.
func (lnk *Link) NewEndpoint(mtu uint32, addrs ...netip.Addr) (*Endpoint, error) {
	nic := NewNIC(mtu, linkFrameSender{lnk})
	if err := lnk.addRoute(nic, addrs...); err != nil {
		return nil, err
	}
	ns, err := newNetStack(nic, addrs...)
	if err != nil {
		lnk.removeRoute(addrs...)
		return nil, err
	}
	return &Endpoint{addrs: addrs, link: lnk, nic: nic, stack: ns}, nil
}

func (lnk *Link) addRoute(nic *NIC, addrs ...netip.Addr) error {
	lnk.mu.Lock()
	defer lnk.mu.Unlock()
	for _, addr := range addrs {
		if _, found := lnk.routes[addr]; found {
			return fmt.Errorf("duplicate address detected: %s", addr)
		}
	}
	for _, addr := range addrs {
		lnk.routes[addr] = nic
	}
	return nil
}

func (lnk *Link) removeRoute(addrs ...netip.Addr) {
	lnk.mu.Lock()
	for _, addr := range addrs {
		delete(lnk.routes, addr)
	}
	lnk.mu.Unlock()
}

// linkFrameSender adapts the [*Link] to be a [FrameSender].
type linkFrameSender struct {
	lnk *Link
}

var _ FrameSender = linkFrameSender{}

// SendFrame implements [FrameSender].
func (s linkFrameSender) SendFrame(frame Frame) bool {
	select {
	case s.lnk.inflight <- frame:
		return true
	default:
		s.lnk.dropped.Add(1)
		return false
	}
}

// InFlight returns the channel where in flight frames are posted.
func (lnk *Link) InFlight() <-chan Frame {
	return lnk.inflight
}

// Dropped returns the number of frames the link did not deliver.
func (lnk *Link) Dropped() uint64 {
	return lnk.dropped.Load()
}

// Deliver routes a frame to the NIC owning its destination address.
//
// Returns false if the destination cannot be parsed, has no route, the
// frame exceeds the path MTU, or the destination NIC drops it.
func (lnk *Link) Deliver(frame Frame) bool {
	// 1. enforce the path MTU
	if lnk.pathMTU > 0 && uint32(len(frame.Packet)) > lnk.pathMTU {
		lnk.dropped.Add(1)
		return false
	}

	// 2. find the destination NIC
	dstIP, ok := linkParseDestinationIP(frame.Packet)
	if !ok {
		lnk.dropped.Add(1)
		return false
	}
	lnk.mu.RLock()
	nic := lnk.routes[dstIP]
	lnk.mu.RUnlock()
	if nic == nil {
		lnk.dropped.Add(1)
		return false
	}

	// 3. inject into the destination NIC
	if !nic.InjectFrame(frame) {
		lnk.dropped.Add(1)
		return false
	}
	return true
}

// Route delivers in flight frames until the context is done, dumping
// each frame into the optional trace before delivering it.
func (lnk *Link) Route(ctx context.Context, trace *PcapTrace) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame := <-lnk.inflight:
			if trace != nil {
				trace.Dump(frame.Packet)
			}
			_ = lnk.Deliver(frame)
		}
	}
}

// linkParseDestinationIP extracts the destination IP from a raw IP packet.
func linkParseDestinationIP(pkt []byte) (netip.Addr, bool) {
	if len(pkt) < 1 {
		return netip.Addr{}, false
	}
	switch pkt[0] >> 4 {
	case 4:
		if len(pkt) < 20 {
			return netip.Addr{}, false
		}
		return netip.AddrFrom4([4]byte(pkt[16:20])), true
	case 6:
		if len(pkt) < 40 {
			return netip.Addr{}, false
		}
		return netip.AddrFrom16([16]byte(pkt[24:40])), true
	default:
		return netip.Addr{}, false
	}
}
