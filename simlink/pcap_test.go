// SPDX-License-Identifier: GPL-3.0-or-later

package simlink_test

import (
	"bytes"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/bassosimone/iotest"
	"github.com/bassosimone/mtusweep/simlink"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPcapTraceWritesReadableCapture(t *testing.T) {
	buff := &bytes.Buffer{}
	wc := &iotest.FuncWriteCloser{
		WriteFunc: buff.Write,
		CloseFunc: func() error {
			return nil
		},
	}
	trace := simlink.NewPcapTrace(wc, 4)
	trace.Dump([]byte{0x45, 0x01, 0x02, 0x03, 0x04, 0x05})
	require.NoError(t, trace.Close())
	require.NoError(t, trace.Close())

	reader, err := pcapgo.NewReader(buff)
	require.NoError(t, err)
	assert.Equal(t, layers.LinkTypeRaw, reader.LinkType())
	data, ci, err := reader.ReadPacketData()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x45, 0x01, 0x02, 0x03}, data)
	assert.Equal(t, 6, ci.Length)
}

func TestPcapTraceCloseHeaderWriteError(t *testing.T) {
	writeErr := errors.New("mocked write error")
	closeErr := errors.New("mocked close error")
	wc := &iotest.FuncWriteCloser{
		WriteFunc: func([]byte) (int, error) {
			return 0, writeErr
		},
		CloseFunc: func() error {
			return closeErr
		},
	}
	trace := simlink.NewPcapTrace(wc, 1500)
	err := trace.Close()
	require.Error(t, err)
	assert.True(t, errors.Is(err, writeErr))
	assert.True(t, errors.Is(err, closeErr))
}

func TestPcapTraceDroppedWhenBufferFull(t *testing.T) {
	gate := make(chan struct{})
	wc := &iotest.FuncWriteCloser{
		WriteFunc: func(b []byte) (int, error) {
			<-gate
			return len(b), nil
		},
		CloseFunc: func() error {
			return nil
		},
	}
	trace := simlink.NewPcapTrace(wc, 1500, simlink.PcapTraceOptionBuffer(1))
	trace.Dump([]byte{0x00})
	trace.Dump([]byte{0x01})
	assert.Equal(t, uint64(1), trace.Dropped())
	close(gate)
	require.NoError(t, trace.Close())
}

func TestPcapTraceFirstPacketWriteFails(t *testing.T) {
	writeErr := errors.New("mocked write error")
	closeErr := errors.New("mocked close error")
	var countWrites uint32
	packetWrite := make(chan struct{})
	wc := &iotest.FuncWriteCloser{
		WriteFunc: func(b []byte) (int, error) {
			if atomic.AddUint32(&countWrites, 1) == 1 {
				return len(b), nil
			}
			close(packetWrite)
			return 0, writeErr
		},
		CloseFunc: func() error {
			return closeErr
		},
	}

	trace := simlink.NewPcapTrace(wc, 1500)
	trace.Dump([]byte{0x00})
	<-packetWrite

	err := trace.Close()
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), writeErr.Error()))
	assert.True(t, errors.Is(err, closeErr))
}
