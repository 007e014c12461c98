//
// SPDX-License-Identifier: BSD-3-Clause
//
// Adapted from: https://github.com/ooni/netem/blob/6e0d618f0cb48b96c78cd066e23cf3aa1208b1dd/pcap.go
//

package simlink

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// pcapSnapshot is a packet snapshot.
type pcapSnapshot struct {
	// data is the captured part of the packet.
	data []byte

	// length is the original length.
	length int

	// when is the capture time.
	when time.Time
}

// PcapTrace writes the frames crossing a [*Link] to a pcap file
// using the raw IP link type.
//
// Construct using [NewPcapTrace].
type PcapTrace struct {
	// cancel interrupts the background goroutine.
	cancel context.CancelFunc

	// dropped is the number of snapshots dropped.
	dropped atomic.Uint64

	// errch contains the error returned by the background goroutine.
	errch chan error

	// once provides "once" semantics for Close.
	once sync.Once

	// snaps contains the pending snapshots.
	snaps chan pcapSnapshot

	// snapSize is the number of bytes to capture.
	snapSize uint32

	// testCancellationDrainHook runs after cancellation and before draining.
	testCancellationDrainHook func()

	// wc is the open writer we're using.
	wc io.WriteCloser
}

// PcapTraceOption is an option for [NewPcapTrace].
type PcapTraceOption func(cfg *pcapTraceConfig)

type pcapTraceConfig struct {
	buffer int
}

// DefaultPcapTraceBuffer is the default number of buffered snapshots.
const DefaultPcapTraceBuffer = 4096

// PcapTraceOptionBuffer sets the number of snapshots buffered while
// waiting for the disk. When the buffer is full, snapshots are dropped.
func PcapTraceOptionBuffer(size int) PcapTraceOption {
	return func(cfg *pcapTraceConfig) {
		cfg.buffer = size
	}
}

// NewPcapTrace creates a new [*PcapTrace] writing to wc and capturing
// at most snapSize bytes of each packet. The trace owns wc.
func NewPcapTrace(wc io.WriteCloser, snapSize uint32, options ...PcapTraceOption) *PcapTrace {
	cfg := &pcapTraceConfig{buffer: DefaultPcapTraceBuffer}
	for _, opt := range options {
		opt(cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	tr := &PcapTrace{
		cancel:   cancel,
		errch:    make(chan error, 1),
		snaps:    make(chan pcapSnapshot, cfg.buffer),
		snapSize: snapSize,
		wc:       wc,
	}
	go tr.saveLoop(ctx)
	return tr
}

// Dump saves a snapshot of the given raw IPv4/IPv6 packet.
func (tr *PcapTrace) Dump(packet []byte) {
	snapSize := min(len(packet), int(tr.snapSize))
	packetSnap := make([]byte, snapSize)
	copy(packetSnap, packet)
	select {
	case tr.snaps <- pcapSnapshot{data: packetSnap, length: len(packet), when: time.Now()}:
	default:
		tr.dropped.Add(1)
	}
}

// Dropped returns the number of packets dropped because the buffer
// was full, which happens when the disk cannot keep up.
func (tr *PcapTrace) Dropped() uint64 {
	return tr.dropped.Load()
}

// saveLoop writes the header and then the snapshots until cancelled.
func (tr *PcapTrace) saveLoop(ctx context.Context) {
	w := pcapgo.NewWriter(tr.wc)
	if err := w.WriteFileHeader(tr.snapSize, layers.LinkTypeRaw); err != nil {
		tr.errch <- err
		return
	}
	for {
		snap, ok := tr.readOrDrain(ctx)
		if !ok {
			tr.errch <- nil
			return
		}
		ci := gopacket.CaptureInfo{
			Timestamp:     snap.when,
			CaptureLength: len(snap.data),
			Length:        snap.length,
		}
		if err := w.WritePacket(ci, snap.data); err != nil {
			tr.errch <- err
			return
		}
	}
}

// readOrDrain returns the next snapshot. After cancellation it keeps
// returning the buffered snapshots and returns false once empty.
func (tr *PcapTrace) readOrDrain(ctx context.Context) (pcapSnapshot, bool) {
	select {
	case snap := <-tr.snaps:
		return snap, true
	case <-ctx.Done():
		if tr.testCancellationDrainHook != nil {
			tr.testCancellationDrainHook()
		}
		select {
		case snap := <-tr.snaps:
			return snap, true
		default:
			return pcapSnapshot{}, false
		}
	}
}

// Close interrupts the background goroutine, waits for it to drain
// the buffer, and closes the capture file.
func (tr *PcapTrace) Close() (err error) {
	tr.once.Do(func() {
		tr.cancel()
		err1 := <-tr.errch
		err2 := tr.wc.Close()
		err = errors.Join(err1, err2)
	})
	return
}
