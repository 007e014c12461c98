// SPDX-License-Identifier: GPL-3.0-or-later

package mtusweep

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultMaxFrameSize is the default maximum control frame payload size.
const DefaultMaxFrameSize = 64 << 10

// frameHeaderSize is the size of the big-endian length prefix.
const frameHeaderSize = 4

// Channel exchanges length-prefixed [Message] frames over a [net.Conn].
//
// Each frame is a 4-byte big-endian payload length followed by the
// payload produced by [MarshalMessage]. The channel never retries: the
// first failure is returned to the caller, which should abort.
//
// Construct using [NewChannel].
type Channel struct {
	// conn is the underlying stream.
	conn net.Conn

	// logger logs the frames at debug level.
	logger logrus.FieldLogger

	// maxFrameSize bounds the memory we allocate per frame.
	maxFrameSize uint32

	// receiveTimeout is the per-receive deadline (zero means none).
	receiveTimeout time.Duration

	// sendTimeout is the per-send deadline (zero means none).
	sendTimeout time.Duration
}

// ChannelOption is an option for [NewChannel].
type ChannelOption func(cfg *channelConfig)

// channelConfig is the internal type modified by [ChannelOption].
type channelConfig struct {
	logger         logrus.FieldLogger
	maxFrameSize   uint32
	receiveTimeout time.Duration
	sendTimeout    time.Duration
}

// ChannelOptionMaxFrameSize sets the maximum accepted payload size.
//
// The default is [DefaultMaxFrameSize]. Zero disables the check.
func ChannelOptionMaxFrameSize(size uint32) ChannelOption {
	return func(cfg *channelConfig) {
		cfg.maxFrameSize = size
	}
}

// ChannelOptionReceiveTimeout sets the deadline for each receive.
//
// The default is zero, meaning a receive blocks until a frame arrives.
func ChannelOptionReceiveTimeout(timeout time.Duration) ChannelOption {
	return func(cfg *channelConfig) {
		cfg.receiveTimeout = timeout
	}
}

// ChannelOptionSendTimeout sets the deadline for each send.
//
// The default is zero, meaning a send blocks until the frame is written.
func ChannelOptionSendTimeout(timeout time.Duration) ChannelOption {
	return func(cfg *channelConfig) {
		cfg.sendTimeout = timeout
	}
}

// ChannelOptionLogger sets the logger used for frame tracing.
func ChannelOptionLogger(logger logrus.FieldLogger) ChannelOption {
	return func(cfg *channelConfig) {
		cfg.logger = logger
	}
}

// NewChannel wraps conn into a [*Channel].
func NewChannel(conn net.Conn, options ...ChannelOption) *Channel {
	cfg := &channelConfig{
		logger:         discardLogger(),
		maxFrameSize:   DefaultMaxFrameSize,
		receiveTimeout: 0,
		sendTimeout:    0,
	}
	for _, opt := range options {
		opt(cfg)
	}
	return &Channel{
		conn:           conn,
		logger:         cfg.logger,
		maxFrameSize:   cfg.maxFrameSize,
		receiveTimeout: cfg.receiveTimeout,
		sendTimeout:    cfg.sendTimeout,
	}
}

// Send writes msg as a single frame.
//
// I/O failures are returned as [*ConnectionError].
func (ch *Channel) Send(msg Message) error {
	payload, err := MarshalMessage(msg)
	if err != nil {
		return err
	}
	if ch.sendTimeout > 0 {
		if err := ch.conn.SetWriteDeadline(time.Now().Add(ch.sendTimeout)); err != nil {
			return newConnectionError("send", err)
		}
	}
	if err := writeFrame(ch.conn, payload); err != nil {
		return newConnectionError("send", err)
	}
	ch.logger.WithField("message", msg.String()).Debug("sent control message")
	return nil
}

// Receive blocks until a complete frame arrives and decodes it.
//
// The returned error is either a [*ConnectionError] or a [*ProtocolError].
func (ch *Channel) Receive() (Message, error) {
	if ch.receiveTimeout > 0 {
		if err := ch.conn.SetReadDeadline(time.Now().Add(ch.receiveTimeout)); err != nil {
			return nil, newConnectionError("receive", err)
		}
	}
	payload, err := readFrame(ch.conn, ch.maxFrameSize)
	if err != nil {
		return nil, err
	}
	msg, err := UnmarshalMessage(payload)
	if err != nil {
		return nil, err
	}
	ch.logger.WithField("message", msg.String()).Debug("received control message")
	return msg, nil
}

// RemoteAddr returns the peer address.
func (ch *Channel) RemoteAddr() net.Addr {
	return ch.conn.RemoteAddr()
}

// Close closes the underlying connection.
func (ch *Channel) Close() error {
	return ch.conn.Close()
}

// writeFrame writes the length prefix and the payload using a single write.
func writeFrame(w io.Writer, payload []byte) error {
	frame := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[frameHeaderSize:], payload)
	count, err := w.Write(frame)
	if err != nil {
		return err
	}
	if count < len(frame) {
		return io.ErrShortWrite
	}
	return nil
}

// readFrame reads a single frame and returns its payload.
//
// A stream ending exactly at a frame boundary is a [*ConnectionError]
// wrapping [ErrConnectionClosed], while a stream ending inside a frame
// is a [*ProtocolError] matching [ErrTruncated]. A maxSize of zero
// disables the frame size check.
func readFrame(r io.Reader, maxSize uint32) ([]byte, error) {
	// 1. read the length prefix
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &ProtocolError{Kind: ProtocolErrorTruncated, Err: err}
		}
		return nil, newConnectionError("receive", err)
	}

	// 2. refuse frames we are not willing to buffer
	size := binary.BigEndian.Uint32(header[:])
	if maxSize > 0 && size > maxSize {
		return nil, &ProtocolError{
			Kind: ProtocolErrorFrameTooLarge,
			Err:  errors.New("declared length exceeds the configured maximum"),
		}
	}

	// 3. read the payload
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &ProtocolError{Kind: ProtocolErrorTruncated, Err: err}
		}
		return nil, newConnectionError("receive", err)
	}
	return payload, nil
}

// discardLogger returns a logger that drops everything.
func discardLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
