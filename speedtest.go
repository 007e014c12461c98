// SPDX-License-Identifier: GPL-3.0-or-later

package mtusweep

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"
)

const (
	// SpeedtestMinDuration is the minimum duration of a [Speedtest] run.
	SpeedtestMinDuration = 10 * time.Millisecond

	// SpeedtestMaxDuration is the maximum duration of a [Speedtest] run.
	SpeedtestMaxDuration = 30 * time.Second

	// speedtestBlockSize is the payload size of each data frame.
	speedtestBlockSize = 64 << 10

	// speedtestVersion is compared by the server to reject incompatible clients.
	speedtestVersion = 1

	// speedtestMaxControlFrame bounds the config and summary frames.
	speedtestMaxControlFrame = 4096

	// speedtestConfigTimeout bounds the server wait for the config.
	speedtestConfigTimeout = 10 * time.Second
)

// speedtestTestTimeout bounds a whole test lasting the given duration.
func speedtestTestTimeout(duration time.Duration) time.Duration {
	return 2*duration + 5*time.Second
}

// Speedtest implements [BandwidthTester] and [BandwidthServer] natively
// over the given [Dialer] and [Listener], so it works both with real
// sockets and with a simulated link.
//
// A test consists of a config exchange, a data phase where the sending
// side streams fixed-size frames for the configured duration followed by
// an empty frame, and a summary exchange through which each side learns
// the byte count and elapsed time measured by the other one.
type Speedtest struct {
	// Address is the address the server binds to (empty means all).
	Address string

	// Dialer is used by [*Speedtest.RunTest].
	Dialer Dialer

	// Duration is the client test duration (default: [DefaultTestDuration]).
	Duration time.Duration

	// Listener is used by [*Speedtest.StartServer].
	Listener Listener

	// Logger is the optional logger.
	Logger logrus.FieldLogger

	// Timeout bounds a whole client test (default: twice the duration plus 5s).
	Timeout time.Duration
}

var (
	_ BandwidthTester = &Speedtest{}
	_ BandwidthServer = &Speedtest{}
)

// speedtestConfig is the first message sent by the client.
type speedtestConfig struct {
	Version   int           `cbor:"version"`
	Direction Direction     `cbor:"direction"`
	Duration  time.Duration `cbor:"duration"`
}

// speedtestConfigResponse is the server reply to [speedtestConfig].
type speedtestConfigResponse struct {
	Error string `cbor:"error,omitempty"`
}

// speedtestSummary is what each side measured during the data phase.
type speedtestSummary struct {
	Bytes   uint64        `cbor:"bytes"`
	Elapsed time.Duration `cbor:"elapsed"`
}

// mbps returns the rate in megabits per second.
func (s speedtestSummary) mbps() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Bytes) * 8 / 1e6 / s.Elapsed.Seconds()
}

func (st *Speedtest) duration() time.Duration {
	if st.Duration <= 0 {
		return DefaultTestDuration
	}
	return min(max(st.Duration, SpeedtestMinDuration), SpeedtestMaxDuration)
}

func (st *Speedtest) logger() logrus.FieldLogger {
	if st.Logger != nil {
		return st.Logger
	}
	return discardLogger()
}

// RunTest implements [BandwidthTester].
func (st *Speedtest) RunTest(ctx context.Context, host string, port uint16, dir Direction) (Throughput, error) {
	// 1. bound the whole test so that a stalled link cannot hang the sweep
	duration := st.duration()
	timeout := st.Timeout
	if timeout <= 0 {
		timeout = speedtestTestTimeout(duration)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// 2. connect to the server
	endpoint := net.JoinHostPort(host, strconv.Itoa(int(port)))
	conn, err := st.Dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return Throughput{}, fmt.Errorf("speedtest: dial %s: %w", endpoint, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	// 3. negotiate the test
	config := speedtestConfig{Version: speedtestVersion, Direction: dir, Duration: duration}
	if err := writeCBORFrame(conn, config); err != nil {
		return Throughput{}, fmt.Errorf("speedtest: send config: %w", err)
	}
	var response speedtestConfigResponse
	if err := readCBORFrame(conn, &response); err != nil {
		return Throughput{}, fmt.Errorf("speedtest: receive config response: %w", err)
	}
	if response.Error != "" {
		return Throughput{}, errors.New("speedtest: server refused test: " + response.Error)
	}

	// 4. run the data phase and exchange summaries
	switch dir {
	case Upload:
		local, remote, err := speedtestSend(conn, duration)
		if err != nil {
			return Throughput{}, fmt.Errorf("speedtest: upload: %w", err)
		}
		return Throughput{ReceiveMbps: remote.mbps(), SendMbps: local.mbps()}, nil

	default:
		local, remote, err := speedtestReceive(conn)
		if err != nil {
			return Throughput{}, fmt.Errorf("speedtest: download: %w", err)
		}
		return Throughput{ReceiveMbps: local.mbps(), SendMbps: remote.mbps()}, nil
	}
}

// speedtestSend streams data frames for the given duration, then
// exchanges summaries. It returns the local and remote summaries.
func speedtestSend(conn net.Conn, duration time.Duration) (speedtestSummary, speedtestSummary, error) {
	var local, remote speedtestSummary

	// 1. prepare a reusable data frame
	frame := make([]byte, frameHeaderSize+speedtestBlockSize)
	binary.BigEndian.PutUint32(frame, speedtestBlockSize)

	// 2. write until the duration expires
	t0 := time.Now()
	for time.Since(t0) < duration {
		count, err := conn.Write(frame)
		if err != nil {
			return local, remote, err
		}
		local.Bytes += uint64(max(0, count-frameHeaderSize))
	}

	// 3. terminate the data phase with an empty frame
	if err := writeFrame(conn, nil); err != nil {
		return local, remote, err
	}
	local.Elapsed = time.Since(t0)

	// 4. send ours and then receive theirs
	if err := writeCBORFrame(conn, local); err != nil {
		return local, remote, err
	}
	err := readCBORFrame(conn, &remote)
	return local, remote, err
}

// speedtestReceive consumes data frames until the empty frame, then
// exchanges summaries. It returns the local and remote summaries.
func speedtestReceive(conn net.Conn) (speedtestSummary, speedtestSummary, error) {
	var local, remote speedtestSummary

	// 1. read and discard data frames until the empty one
	t0 := time.Now()
	for {
		var header [frameHeaderSize]byte
		if _, err := io.ReadFull(conn, header[:]); err != nil {
			return local, remote, err
		}
		size := binary.BigEndian.Uint32(header[:])
		if size == 0 {
			break
		}
		if size > speedtestBlockSize {
			return local, remote, &ProtocolError{Kind: ProtocolErrorFrameTooLarge}
		}
		count, err := io.CopyN(io.Discard, conn, int64(size))
		local.Bytes += uint64(count)
		if err != nil {
			return local, remote, err
		}
	}
	local.Elapsed = time.Since(t0)

	// 2. receive theirs and then send ours
	if err := readCBORFrame(conn, &remote); err != nil {
		return local, remote, err
	}
	err := writeCBORFrame(conn, local)
	return local, remote, err
}

// writeCBORFrame encodes value as CBOR and writes it as a frame.
func writeCBORFrame(w io.Writer, value any) error {
	payload, err := cbor.Marshal(value)
	if err != nil {
		return err
	}
	return writeFrame(w, payload)
}

// readCBORFrame reads a frame and decodes its CBOR payload into value.
func readCBORFrame(r io.Reader, value any) error {
	payload, err := readFrame(r, speedtestMaxControlFrame)
	if err != nil {
		return err
	}
	if err := cbor.Unmarshal(payload, value); err != nil {
		return &ProtocolError{Kind: ProtocolErrorMalformed, Err: err}
	}
	return nil
}

// StartServer implements [BandwidthServer].
//
// The server handles one test at a time until [ServerHandle.Stop].
func (st *Speedtest) StartServer(ctx context.Context, port uint16) (ServerHandle, error) {
	endpoint := net.JoinHostPort(st.Address, strconv.Itoa(int(port)))
	listener, err := st.Listener.Listen(ctx, "tcp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("speedtest: listen %s: %w", endpoint, err)
	}
	serveCtx, cancel := context.WithCancel(context.Background())
	srv := &speedtestServer{
		cancel:   cancel,
		done:     make(chan struct{}),
		listener: listener,
		logger:   st.logger(),
		once:     sync.Once{},
	}
	go srv.serve(serveCtx)
	return srv, nil
}

// speedtestServer is the [ServerHandle] returned by [*Speedtest.StartServer].
type speedtestServer struct {
	// cancel interrupts the test in progress, if any.
	cancel context.CancelFunc

	// done is closed when the accept loop returns.
	done chan struct{}

	// listener is the listening socket.
	listener net.Listener

	// logger is the logger to use.
	logger logrus.FieldLogger

	// once provides "once" semantics for Stop.
	once sync.Once
}

// serve accepts and serves connections until the listener is closed.
func (srv *speedtestServer) serve(ctx context.Context) {
	defer close(srv.done)
	for {
		conn, err := srv.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				srv.logger.WithError(err).Warn("speedtest: accept failed")
			}
			return
		}
		if err := srv.handle(ctx, conn); err != nil {
			srv.logger.WithError(err).Debug("speedtest: test failed")
		}
	}
}

// handle runs a single test on conn.
func (srv *speedtestServer) handle(ctx context.Context, conn net.Conn) error {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	// 1. read and validate the config
	_ = conn.SetDeadline(time.Now().Add(speedtestConfigTimeout))
	var config speedtestConfig
	if err := readCBORFrame(conn, &config); err != nil {
		return err
	}
	var refusal string
	switch {
	case config.Version != speedtestVersion:
		refusal = fmt.Sprintf("version mismatch: want %d, got %d", speedtestVersion, config.Version)
	case config.Direction != Upload && config.Direction != Download:
		refusal = fmt.Sprintf("invalid direction %d", config.Direction)
	case config.Duration < SpeedtestMinDuration || config.Duration > SpeedtestMaxDuration:
		refusal = fmt.Sprintf("duration %s out of range", config.Duration)
	}
	if err := writeCBORFrame(conn, speedtestConfigResponse{Error: refusal}); err != nil {
		return err
	}
	if refusal != "" {
		return errors.New(refusal)
	}

	// 2. the direction is from the client point of view and a
	// stalled client must not block the following tests
	_ = conn.SetDeadline(time.Now().Add(speedtestTestTimeout(config.Duration)))
	var err error
	if config.Direction == Upload {
		_, _, err = speedtestReceive(conn)
	} else {
		_, _, err = speedtestSend(conn, config.Duration)
	}
	return err
}

// Stop implements [ServerHandle].
func (srv *speedtestServer) Stop() (err error) {
	srv.once.Do(func() {
		srv.cancel()
		if cerr := srv.listener.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
		<-srv.done
	})
	return
}
