// SPDX-License-Identifier: GPL-3.0-or-later

package simlink_test

import (
	"sync/atomic"
	"testing"

	"github.com/bassosimone/mtusweep/simlink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

type countingDispatcher struct {
	count atomic.Uint32
}

func (d *countingDispatcher) DeliverNetworkPacket(tcpip.NetworkProtocolNumber, *stack.PacketBuffer) {
	d.count.Add(1)
}

func (d *countingDispatcher) DeliverLinkPacket(tcpip.NetworkProtocolNumber, *stack.PacketBuffer) {
	d.count.Add(1)
}

type countingSender struct {
	allow bool
	count atomic.Uint32
}

func (s *countingSender) SendFrame(simlink.Frame) bool {
	s.count.Add(1)
	return s.allow
}

func makePacketList(payloads ...[]byte) stack.PacketBufferList {
	var list stack.PacketBufferList
	for _, payload := range payloads {
		list.PushBack(stack.NewPacketBuffer(stack.PacketBufferOptions{
			Payload: buffer.MakeWithData(payload),
		}))
	}
	return list
}

func TestNICInterfaceMethods(t *testing.T) {
	nic := simlink.NewNIC(1500, nil)

	assert.Equal(t, header.ARPHardwareNone, nic.ARPHardwareType())
	assert.Equal(t, uint16(0), nic.MaxHeaderLength())
	assert.Equal(t, uint32(1500), nic.MTU())
	assert.Equal(t, tcpip.LinkAddress(""), nic.LinkAddress())

	nic.SetLinkAddress(tcpip.LinkAddress("tun0"))
	assert.Equal(t, tcpip.LinkAddress("tun0"), nic.LinkAddress())

	nic.SetMTU(1280)
	assert.Equal(t, uint32(1280), nic.MTU())

	assert.False(t, nic.IsAttached())
	nic.Attach(&countingDispatcher{})
	assert.True(t, nic.IsAttached())

	called := atomic.Uint32{}
	nic.SetOnCloseAction(func() { called.Add(1) })
	nic.Close()
	nic.Close()
	assert.False(t, nic.IsAttached())
	assert.Equal(t, uint32(1), called.Load())
	require.NotPanics(t, nic.Wait)
}

func TestNICInjectFrame(t *testing.T) {
	t.Run("zero_length", func(t *testing.T) {
		nic := simlink.NewNIC(1500, nil)
		assert.False(t, nic.InjectFrame(simlink.Frame{}))
	})

	t.Run("unknown_protocol", func(t *testing.T) {
		nic := simlink.NewNIC(1500, nil)
		disp := &countingDispatcher{}
		nic.Attach(disp)
		assert.False(t, nic.InjectFrame(simlink.Frame{Packet: []byte{0x70}}))
		assert.Zero(t, disp.count.Load())
	})

	t.Run("no_dispatcher", func(t *testing.T) {
		nic := simlink.NewNIC(1500, nil)
		assert.False(t, nic.InjectFrame(simlink.Frame{Packet: []byte{0x45}}))
	})

	t.Run("larger_than_mtu", func(t *testing.T) {
		nic := simlink.NewNIC(1, nil)
		disp := &countingDispatcher{}
		nic.Attach(disp)
		assert.False(t, nic.InjectFrame(simlink.Frame{Packet: []byte{0x45, 0x00}}))
		assert.Zero(t, disp.count.Load())
		assert.Equal(t, uint64(1), nic.Oversized())
	})

	t.Run("delivered", func(t *testing.T) {
		nic := simlink.NewNIC(1500, nil)
		disp := &countingDispatcher{}
		nic.Attach(disp)
		assert.True(t, nic.InjectFrame(simlink.Frame{Packet: []byte{0x45, 0x00}}))
		assert.Equal(t, uint32(1), disp.count.Load())
	})
}

func TestNICWritePackets(t *testing.T) {
	t.Run("closed", func(t *testing.T) {
		sender := &countingSender{allow: true}
		nic := simlink.NewNIC(1500, sender)
		nic.Close()

		pkts := makePacketList([]byte{0x45})
		defer pkts.DecRef()
		num, err := nic.WritePackets(pkts)
		require.True(t, err == nil)
		assert.Equal(t, 0, num)
		assert.Zero(t, sender.count.Load())
	})

	t.Run("larger_than_mtu_after_shrinking", func(t *testing.T) {
		sender := &countingSender{allow: true}
		nic := simlink.NewNIC(1500, sender)
		nic.SetMTU(1)

		pkts := makePacketList([]byte{0x45, 0x00}, []byte{0x45})
		defer pkts.DecRef()
		num, err := nic.WritePackets(pkts)
		require.True(t, err == nil)
		assert.Equal(t, 1, num)
		assert.Equal(t, uint32(1), sender.count.Load())
		assert.Equal(t, uint64(1), nic.Oversized())
	})

	t.Run("send_frame_fails", func(t *testing.T) {
		sender := &countingSender{allow: false}
		nic := simlink.NewNIC(1500, sender)

		pkts := makePacketList([]byte{0x45})
		defer pkts.DecRef()
		num, err := nic.WritePackets(pkts)
		require.True(t, err == nil)
		assert.Equal(t, 0, num)
		assert.Equal(t, uint32(1), sender.count.Load())
	})
}
