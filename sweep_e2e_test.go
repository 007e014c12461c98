// SPDX-License-Identifier: GPL-3.0-or-later

package mtusweep_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/bassosimone/mtusweep"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memorySink is a [mtusweep.SampleSink] keeping samples in memory.
type memorySink struct {
	failAt  int
	mu      sync.Mutex
	samples []mtusweep.MeasurementSample
}

func (s *memorySink) Append(sample mtusweep.MeasurementSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAt > 0 && len(s.samples)+1 == s.failAt {
		return &mtusweep.SinkError{Op: "append", Path: s.Path(), Err: errors.New("disk full")}
	}
	s.samples = append(s.samples, sample)
	return nil
}

func (s *memorySink) Path() string {
	return "memory.csv"
}

func (s *memorySink) Samples() []mtusweep.MeasurementSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]mtusweep.MeasurementSample{}, s.samples...)
}

// recordingApplier records the applied MTUs and optionally fails.
type recordingApplier struct {
	err     error
	mu      sync.Mutex
	applied []uint32
}

func (a *recordingApplier) ApplyMTU(ctx context.Context, iface string, mtu uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.applied = append(a.applied, mtu)
	return a.err
}

func (a *recordingApplier) Applied() []uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]uint32{}, a.applied...)
}

// fakeTester returns a throughput derived from the responder MTU.
type fakeTester struct {
	applier *recordingApplier
	fail    func(peerMTU uint32, dir mtusweep.Direction) bool
}

func (ft *fakeTester) RunTest(ctx context.Context, host string, port uint16, dir mtusweep.Direction) (mtusweep.Throughput, error) {
	applied := ft.applier.Applied()
	peerMTU := applied[len(applied)-1]
	if ft.fail != nil && ft.fail(peerMTU, dir) {
		return mtusweep.Throughput{}, errors.New("mocked measurement failure")
	}
	rate := float64(peerMTU) / 10
	return mtusweep.Throughput{ReceiveMbps: rate, SendMbps: rate + 1}, nil
}

// fakeServer records the bandwidth server lifecycle.
type fakeServer struct {
	mu      sync.Mutex
	started int
	stopped int
}

func (fs *fakeServer) StartServer(ctx context.Context, port uint16) (mtusweep.ServerHandle, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.started++
	return fs, nil
}

func (fs *fakeServer) Stop() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.stopped++
	return nil
}

func (fs *fakeServer) counts() (int, int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.started, fs.stopped
}

// sweepFixture wires a coordinator and a responder over loopback.
type sweepFixture struct {
	coordinatorApplier *recordingApplier
	coordinatorConfig  mtusweep.CoordinatorConfig
	listener           net.Listener
	responderApplier   *recordingApplier
	responderConfig    mtusweep.ResponderConfig
	server             *fakeServer
	sink               *memorySink
}

func newSweepFixture(t *testing.T, sweep mtusweep.SweepRange) *sweepFixture {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	fx := &sweepFixture{
		coordinatorApplier: &recordingApplier{},
		listener:           listener,
		responderApplier:   &recordingApplier{},
		server:             &fakeServer{},
		sink:               &memorySink{},
	}
	fx.coordinatorConfig = mtusweep.CoordinatorConfig{
		Applier:       fx.coordinatorApplier,
		BandwidthPort: 5201,
		Interface:     "tun0",
		Server:        fx.server,
		Sweep:         sweep,
	}
	fx.responderConfig = mtusweep.ResponderConfig{
		Applier:            fx.responderApplier,
		BandwidthPort:      5201,
		CoordinatorAddress: listener.Addr().String(),
		Interface:          "tun0",
		Sink:               fx.sink,
		Sweep:              sweep,
		Tester:             &fakeTester{applier: fx.responderApplier},
	}
	return fx
}

// run runs both roles and returns their errors.
func (fx *sweepFixture) run(ctx context.Context) (coordinatorErr, responderErr error) {
	coordinator := mtusweep.NewCoordinator(fx.coordinatorConfig)
	responder := mtusweep.NewResponder(fx.responderConfig)
	wg := &sync.WaitGroup{}
	wg.Go(func() {
		coordinatorErr = coordinator.Serve(ctx, fx.listener)
	})
	wg.Go(func() {
		_, responderErr = responder.Run(ctx)
	})
	wg.Wait()
	return
}

func TestSweepDefaultRangeProducesEveryPair(t *testing.T) {
	sweep := mtusweep.DefaultSweepRange()
	fx := newSweepFixture(t, sweep)
	metrics := mtusweep.NewMetrics(prometheus.NewRegistry())
	fx.coordinatorConfig.Metrics = metrics
	fx.responderConfig.Metrics = metrics

	coordinator := mtusweep.NewCoordinator(fx.coordinatorConfig)
	responder := mtusweep.NewResponder(fx.responderConfig)
	assert.Equal(t, mtusweep.CoordinatorIdle, coordinator.State())

	var (
		coordinatorErr error
		path           string
		responderErr   error
	)
	wg := &sync.WaitGroup{}
	wg.Go(func() {
		coordinatorErr = coordinator.Serve(context.Background(), fx.listener)
	})
	wg.Go(func() {
		path, responderErr = responder.Run(context.Background())
	})
	wg.Wait()

	require.NoError(t, coordinatorErr)
	require.NoError(t, responderErr)
	assert.Equal(t, "memory.csv", path)
	assert.Equal(t, mtusweep.CoordinatorFinished, coordinator.State())
	assert.Equal(t, mtusweep.ResponderDone, responder.State())

	// 12 outer values times 12 inner values, in sweep order
	samples := fx.sink.Samples()
	require.Len(t, samples, 144)
	idx := 0
	for server := range sweep.Values() {
		for peer := range sweep.Values() {
			assert.Equal(t, server, samples[idx].ServerMTU)
			assert.Equal(t, peer, samples[idx].PeerMTU)
			assert.Equal(t, float64(peer)/10, samples[idx].UploadReceiveMbps)
			assert.Equal(t, float64(peer)/10+1, samples[idx].DownloadSendMbps)
			idx++
		}
	}

	assert.Len(t, fx.coordinatorApplier.Applied(), 12)
	assert.Len(t, fx.responderApplier.Applied(), 144)
	started, stopped := fx.server.counts()
	assert.Equal(t, 1, started)
	assert.Equal(t, 1, stopped)

	assert.Equal(t, 12.0, testutil.ToFloat64(metrics.RoundsCompleted.WithLabelValues("coordinator")))
	assert.Equal(t, 12.0, testutil.ToFloat64(metrics.RoundsCompleted.WithLabelValues("responder")))
	assert.Equal(t, 144.0, testutil.ToFloat64(metrics.SamplesRecorded))
	assert.Equal(t, 1280.0, testutil.ToFloat64(metrics.CurrentMTU.WithLabelValues("coordinator")))
}

func TestSweepMeasurementFailureSkipsDataPoint(t *testing.T) {
	fx := newSweepFixture(t, mtusweep.SweepRange{Min: 1400, Max: 1500, Step: 50})
	logger, hook := logrustest.NewNullLogger()
	metrics := mtusweep.NewMetrics(nil)
	fx.responderConfig.Logger = logger
	fx.responderConfig.Metrics = metrics
	fx.responderConfig.Tester = &fakeTester{
		applier: fx.responderApplier,
		fail: func(peerMTU uint32, dir mtusweep.Direction) bool {
			return peerMTU == 1450 && dir == mtusweep.Download
		},
	}

	coordinatorErr, responderErr := fx.run(context.Background())
	require.NoError(t, coordinatorErr)
	require.NoError(t, responderErr)

	samples := fx.sink.Samples()
	require.Len(t, samples, 6)
	for _, sample := range samples {
		assert.NotEqual(t, uint32(1450), sample.PeerMTU)
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.MeasurementFailures.WithLabelValues("download")))

	var warnings int
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.WarnLevel {
			warnings++
			assert.Equal(t, "download", entry.Data["direction"])
			assert.Equal(t, uint32(1450), entry.Data["peer_mtu"])
		}
	}
	assert.Equal(t, 3, warnings)
}

func TestSweepMTUApplyFailureIsRecovered(t *testing.T) {
	fx := newSweepFixture(t, mtusweep.SweepRange{Min: 1400, Max: 1500, Step: 50})
	metrics := mtusweep.NewMetrics(nil)
	fx.coordinatorConfig.Metrics = metrics
	fx.coordinatorApplier.err = errors.New("operation not permitted")
	fx.responderConfig.Metrics = metrics
	fx.responderApplier.err = errors.New("operation not permitted")

	coordinatorErr, responderErr := fx.run(context.Background())
	require.NoError(t, coordinatorErr)
	require.NoError(t, responderErr)
	assert.Len(t, fx.sink.Samples(), 9)
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.MTUApplyFailures.WithLabelValues("coordinator")))
	assert.Equal(t, 9.0, testutil.ToFloat64(metrics.MTUApplyFailures.WithLabelValues("responder")))
}

func TestSweepSinkFailureIsFatal(t *testing.T) {
	fx := newSweepFixture(t, mtusweep.SweepRange{Min: 1400, Max: 1500, Step: 50})
	fx.sink.failAt = 2

	coordinatorErr, responderErr := fx.run(context.Background())
	var serr *mtusweep.SinkError
	require.True(t, errors.As(responderErr, &serr))
	require.ErrorIs(t, coordinatorErr, mtusweep.ErrConnectionClosed)
	assert.Len(t, fx.sink.Samples(), 1)

	started, stopped := fx.server.counts()
	assert.Equal(t, 1, started)
	assert.Equal(t, 1, stopped)
}

func TestCoordinatorSendsSweepFinishedOnce(t *testing.T) {
	fx := newSweepFixture(t, mtusweep.SweepRange{Min: 1400, Max: 1500, Step: 50})
	coordinator := mtusweep.NewCoordinator(fx.coordinatorConfig)

	errch := make(chan error, 1)
	go func() {
		errch <- coordinator.Serve(context.Background(), fx.listener)
	}()

	conn, err := net.Dial("tcp", fx.listener.Addr().String())
	require.NoError(t, err)
	ch := mtusweep.NewChannel(conn)
	defer ch.Close()

	// answer every round and count the SweepFinished messages
	var finished int
	for finished == 0 {
		msg, err := ch.Receive()
		require.NoError(t, err)
		switch msg.(type) {
		case mtusweep.CurrentMTU:
			require.NoError(t, ch.Send(mtusweep.RoundComplete{}))
		case mtusweep.SweepFinished:
			finished++
		}
	}
	require.NoError(t, <-errch)

	// the coordinator closes after exactly one SweepFinished
	_, err = ch.Receive()
	require.ErrorIs(t, err, mtusweep.ErrConnectionClosed)
	assert.Equal(t, 1, finished)
}

func TestCoordinatorUnexpectedMessage(t *testing.T) {
	fx := newSweepFixture(t, mtusweep.DefaultSweepRange())
	coordinator := mtusweep.NewCoordinator(fx.coordinatorConfig)

	errch := make(chan error, 1)
	go func() {
		errch <- coordinator.Serve(context.Background(), fx.listener)
	}()

	conn, err := net.Dial("tcp", fx.listener.Addr().String())
	require.NoError(t, err)
	ch := mtusweep.NewChannel(conn)
	defer ch.Close()

	msg, err := ch.Receive()
	require.NoError(t, err)
	require.Equal(t, mtusweep.ReadyToTest{}, msg)
	msg, err = ch.Receive()
	require.NoError(t, err)
	require.Equal(t, mtusweep.CurrentMTU{Value: 1500}, msg)
	require.NoError(t, ch.Send(mtusweep.SweepFinished{}))

	err = <-errch
	require.ErrorIs(t, err, mtusweep.ErrUnexpectedMessage)
	started, stopped := fx.server.counts()
	assert.Equal(t, 1, started)
	assert.Equal(t, 1, stopped)
}

func TestCoordinatorPeerClosesMidRound(t *testing.T) {
	fx := newSweepFixture(t, mtusweep.DefaultSweepRange())
	coordinator := mtusweep.NewCoordinator(fx.coordinatorConfig)

	errch := make(chan error, 1)
	go func() {
		errch <- coordinator.Serve(context.Background(), fx.listener)
	}()

	conn, err := net.Dial("tcp", fx.listener.Addr().String())
	require.NoError(t, err)
	ch := mtusweep.NewChannel(conn)
	_, err = ch.Receive()
	require.NoError(t, err)
	_, err = ch.Receive()
	require.NoError(t, err)
	require.NoError(t, ch.Close())

	err = <-errch
	require.ErrorIs(t, err, mtusweep.ErrConnectionClosed)
	var cerr *mtusweep.ConnectionError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, mtusweep.CoordinatorAwaitingCompletion, coordinator.State())
	_, stopped := fx.server.counts()
	assert.Equal(t, 1, stopped)
}

func TestResponderCoordinatorClosesMidRound(t *testing.T) {
	sweep := mtusweep.SweepRange{Min: 1400, Max: 1500, Step: 50}
	fx := newSweepFixture(t, sweep)

	// announce a single round and vanish
	go func() {
		conn, err := fx.listener.Accept()
		if err != nil {
			return
		}
		ch := mtusweep.NewChannel(conn)
		defer ch.Close()
		if err := ch.Send(mtusweep.ReadyToTest{}); err != nil {
			return
		}
		_ = ch.Send(mtusweep.CurrentMTU{Value: 1500})
	}()

	responder := mtusweep.NewResponder(fx.responderConfig)
	path, err := responder.Run(context.Background())
	require.ErrorIs(t, err, mtusweep.ErrConnectionClosed)
	var cerr *mtusweep.ConnectionError
	require.True(t, errors.As(err, &cerr))
	assert.Empty(t, path)
	assert.NotEqual(t, mtusweep.ResponderDone, responder.State())

	// only the announced round produced rows
	samples := fx.sink.Samples()
	require.Len(t, samples, sweep.Len())
	for _, sample := range samples {
		assert.Equal(t, uint32(1500), sample.ServerMTU)
	}
}

func TestCoordinatorCancelWhileAwaitingPeer(t *testing.T) {
	fx := newSweepFixture(t, mtusweep.DefaultSweepRange())
	coordinator := mtusweep.NewCoordinator(fx.coordinatorConfig)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := coordinator.Serve(ctx, fx.listener)
	var cerr *mtusweep.ConnectionError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "accept", cerr.Op)
	_, stopped := fx.server.counts()
	assert.Equal(t, 1, stopped)
}

func TestCoordinatorRunListenFailure(t *testing.T) {
	fx := newSweepFixture(t, mtusweep.DefaultSweepRange())
	fx.coordinatorConfig.ListenAddress = fx.listener.Addr().String()
	err := mtusweep.NewCoordinator(fx.coordinatorConfig).Run(context.Background())
	var cerr *mtusweep.ConnectionError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "listen", cerr.Op)
}

func TestCoordinatorInvalidConfig(t *testing.T) {
	fx := newSweepFixture(t, mtusweep.SweepRange{Min: 1500, Max: 1280, Step: 20})
	require.Error(t, mtusweep.NewCoordinator(fx.coordinatorConfig).Serve(context.Background(), fx.listener))

	fx = newSweepFixture(t, mtusweep.DefaultSweepRange())
	fx.coordinatorConfig.BandwidthPort = 0
	require.Error(t, mtusweep.NewCoordinator(fx.coordinatorConfig).Serve(context.Background(), fx.listener))
}

func TestResponderUnexpectedMessage(t *testing.T) {
	cases := map[string][]mtusweep.Message{
		"round_complete_first":        {mtusweep.RoundComplete{}},
		"current_mtu_without_ready":   {mtusweep.CurrentMTU{Value: 1500}},
		"ready_followed_by_ready":     {mtusweep.ReadyToTest{}, mtusweep.ReadyToTest{}},
		"ready_followed_by_finished":  {mtusweep.ReadyToTest{}, mtusweep.SweepFinished{}},
		"ready_followed_by_completed": {mtusweep.ReadyToTest{}, mtusweep.RoundComplete{}},
	}
	for name, script := range cases {
		t.Run(name, func(t *testing.T) {
			fx := newSweepFixture(t, mtusweep.DefaultSweepRange())
			go func() {
				conn, err := fx.listener.Accept()
				if err != nil {
					return
				}
				ch := mtusweep.NewChannel(conn)
				defer ch.Close()
				for _, msg := range script {
					if err := ch.Send(msg); err != nil {
						return
					}
				}
				_, _ = ch.Receive()
			}()

			_, err := mtusweep.NewResponder(fx.responderConfig).Run(context.Background())
			require.ErrorIs(t, err, mtusweep.ErrUnexpectedMessage)
			assert.Empty(t, fx.sink.Samples())
		})
	}
}

func TestResponderConnectFailure(t *testing.T) {
	fx := newSweepFixture(t, mtusweep.DefaultSweepRange())
	require.NoError(t, fx.listener.Close())

	responder := mtusweep.NewResponder(fx.responderConfig)
	_, err := responder.Run(context.Background())
	var cerr *mtusweep.ConnectionError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "connect", cerr.Op)
	assert.Equal(t, mtusweep.ResponderConnecting, responder.State())
}

func TestResponderInvalidConfig(t *testing.T) {
	fx := newSweepFixture(t, mtusweep.DefaultSweepRange())
	fx.responderConfig.Tester = nil
	_, err := mtusweep.NewResponder(fx.responderConfig).Run(context.Background())
	require.Error(t, err)

	fx = newSweepFixture(t, mtusweep.DefaultSweepRange())
	fx.responderConfig.CoordinatorAddress = "10.0.0.1"
	_, err = mtusweep.NewResponder(fx.responderConfig).Run(context.Background())
	require.Error(t, err)
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "awaiting_completion", mtusweep.CoordinatorAwaitingCompletion.String())
	assert.Equal(t, "inner_sweep", mtusweep.ResponderInnerSweep.String())
}
