// SPDX-License-Identifier: GPL-3.0-or-later

package mtusweep_test

import (
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/bassosimone/mtusweep"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newPipeChannel returns a [*mtusweep.Channel] and the raw peer conn.
func newPipeChannel(t *testing.T, options ...mtusweep.ChannelOption) (*mtusweep.Channel, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	ch := mtusweep.NewChannel(local, options...)
	t.Cleanup(func() {
		ch.Close()
		remote.Close()
	})
	return ch, remote
}

// writeRaw writes data to conn in the background and reports the error.
func writeRaw(conn net.Conn, data []byte) <-chan error {
	errch := make(chan error, 1)
	go func() {
		_, err := conn.Write(data)
		errch <- err
	}()
	return errch
}

func frameHeader(size uint32) []byte {
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, size)
	return header
}

func TestChannelSendReceive(t *testing.T) {
	left, right := net.Pipe()
	sender := mtusweep.NewChannel(left)
	receiver := mtusweep.NewChannel(right)
	defer sender.Close()
	defer receiver.Close()

	messages := []mtusweep.Message{
		mtusweep.ReadyToTest{},
		mtusweep.CurrentMTU{Value: 1500},
		mtusweep.RoundComplete{},
		mtusweep.SweepFinished{},
	}

	errch := make(chan error, 1)
	go func() {
		for _, msg := range messages {
			if err := sender.Send(msg); err != nil {
				errch <- err
				return
			}
		}
		errch <- nil
	}()

	for _, want := range messages {
		got, err := receiver.Receive()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	require.NoError(t, <-errch)
	assert.NotNil(t, receiver.RemoteAddr())
}

func TestChannelReceiveFrameBoundaries(t *testing.T) {
	t.Run("closed_at_frame_boundary", func(t *testing.T) {
		ch, remote := newPipeChannel(t)
		remote.Close()
		_, err := ch.Receive()
		require.ErrorIs(t, err, mtusweep.ErrConnectionClosed)
		var cerr *mtusweep.ConnectionError
		require.True(t, errors.As(err, &cerr))
	})

	t.Run("closed_inside_header", func(t *testing.T) {
		ch, remote := newPipeChannel(t)
		go func() {
			_, _ = remote.Write([]byte{0x00, 0x00})
			remote.Close()
		}()
		_, err := ch.Receive()
		require.ErrorIs(t, err, mtusweep.ErrTruncated)
	})

	t.Run("closed_inside_payload", func(t *testing.T) {
		ch, remote := newPipeChannel(t)
		go func() {
			_, _ = remote.Write(append(frameHeader(10), 0xa1, 0x64))
			remote.Close()
		}()
		_, err := ch.Receive()
		require.ErrorIs(t, err, mtusweep.ErrTruncated)
		var perr *mtusweep.ProtocolError
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, mtusweep.ProtocolErrorTruncated, perr.Kind)
	})

	t.Run("frame_too_large", func(t *testing.T) {
		ch, remote := newPipeChannel(t, mtusweep.ChannelOptionMaxFrameSize(16))
		errch := writeRaw(remote, frameHeader(17))
		_, err := ch.Receive()
		require.ErrorIs(t, err, mtusweep.ErrFrameTooLarge)
		require.NoError(t, <-errch)
	})

	t.Run("default_limit", func(t *testing.T) {
		ch, remote := newPipeChannel(t)
		errch := writeRaw(remote, frameHeader(mtusweep.DefaultMaxFrameSize+1))
		_, err := ch.Receive()
		require.ErrorIs(t, err, mtusweep.ErrFrameTooLarge)
		require.NoError(t, <-errch)
	})

	t.Run("malformed_payload", func(t *testing.T) {
		ch, remote := newPipeChannel(t)
		errch := writeRaw(remote, append(frameHeader(2), 0xff, 0xff))
		_, err := ch.Receive()
		require.ErrorIs(t, err, mtusweep.ErrMalformed)
		require.NoError(t, <-errch)
	})

	t.Run("empty_payload", func(t *testing.T) {
		ch, remote := newPipeChannel(t)
		errch := writeRaw(remote, frameHeader(0))
		_, err := ch.Receive()
		require.ErrorIs(t, err, mtusweep.ErrMalformed)
		require.NoError(t, <-errch)
	})
}

func TestChannelTimeouts(t *testing.T) {
	t.Run("receive", func(t *testing.T) {
		ch, _ := newPipeChannel(t, mtusweep.ChannelOptionReceiveTimeout(10*time.Millisecond))
		_, err := ch.Receive()
		var cerr *mtusweep.ConnectionError
		require.True(t, errors.As(err, &cerr))
		assert.True(t, mtusweep.IsTimeout(err))
	})

	t.Run("send", func(t *testing.T) {
		ch, _ := newPipeChannel(t, mtusweep.ChannelOptionSendTimeout(10*time.Millisecond))
		err := ch.Send(mtusweep.ReadyToTest{})
		var cerr *mtusweep.ConnectionError
		require.True(t, errors.As(err, &cerr))
		assert.True(t, mtusweep.IsTimeout(err))
	})
}

func TestChannelSendAfterClose(t *testing.T) {
	ch, _ := newPipeChannel(t)
	require.NoError(t, ch.Close())
	err := ch.Send(mtusweep.SweepFinished{})
	require.ErrorIs(t, err, mtusweep.ErrConnectionClosed)
}
