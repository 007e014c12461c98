// SPDX-License-Identifier: GPL-3.0-or-later

package mtusweep

import (
	"context"
	"errors"
	"net"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// ResponderState is the state of a [*Responder].
type ResponderState int32

const (
	ResponderConnecting ResponderState = iota
	ResponderAwaitingRound
	ResponderInnerSweep
	ResponderDone
)

// String implements [fmt.Stringer].
func (s ResponderState) String() string {
	switch s {
	case ResponderConnecting:
		return "connecting"
	case ResponderAwaitingRound:
		return "awaiting_round"
	case ResponderInnerSweep:
		return "inner_sweep"
	case ResponderDone:
		return "done"
	default:
		return "unknown"
	}
}

// SampleSink receives the samples produced by the responder.
// The [*ResultSink] type implements this interface.
type SampleSink interface {
	Append(sample MeasurementSample) error
	Path() string
}

var _ SampleSink = &ResultSink{}

// ResponderConfig configures a [*Responder].
type ResponderConfig struct {
	// Applier changes the local MTU (nil means [NopApplier]).
	Applier MTUApplier

	// BandwidthHost is the bandwidth test server host (empty means the
	// host part of CoordinatorAddress).
	BandwidthHost string

	// BandwidthPort is the bandwidth test server port.
	BandwidthPort uint16

	// ChannelOptions configure the control channel.
	ChannelOptions []ChannelOption

	// CoordinatorAddress is the coordinator control endpoint.
	CoordinatorAddress string

	// Dialer connects to the coordinator (nil means [*net.Dialer]).
	Dialer Dialer

	// Interface is the name of the interface whose MTU we sweep.
	Interface string

	// Logger is the optional logger.
	Logger logrus.FieldLogger

	// Metrics is the optional metrics bundle.
	Metrics *Metrics

	// Sink stores the samples.
	Sink SampleSink

	// Sweep is the inner sweep range.
	Sweep SweepRange

	// Tester runs the bandwidth tests.
	Tester BandwidthTester
}

// Validate returns an error if the configuration is unusable.
func (cfg *ResponderConfig) Validate() error {
	if err := cfg.Sweep.Validate(); err != nil {
		return err
	}
	if _, _, err := net.SplitHostPort(cfg.CoordinatorAddress); err != nil {
		return err
	}
	if cfg.Tester == nil {
		return errors.New("bandwidth tester not set")
	}
	if cfg.Sink == nil {
		return errors.New("result sink not set")
	}
	return nil
}

// bandwidthHost returns the host running the bandwidth test server.
func (cfg *ResponderConfig) bandwidthHost() string {
	if cfg.BandwidthHost != "" {
		return cfg.BandwidthHost
	}
	host, _, _ := net.SplitHostPort(cfg.CoordinatorAddress)
	return host
}

// Responder connects to the coordinator and runs the inner sweep for
// every MTU the coordinator announces.
//
// Construct using [NewResponder].
type Responder struct {
	config ResponderConfig
	logger logrus.FieldLogger
	state  atomic.Int32
}

// NewResponder creates a new [*Responder].
func NewResponder(config ResponderConfig) *Responder {
	if config.Applier == nil {
		config.Applier = NopApplier
	}
	if config.Dialer == nil {
		config.Dialer = &net.Dialer{}
	}
	logger := config.Logger
	if logger == nil {
		logger = discardLogger()
	}
	return &Responder{
		config: config,
		logger: logger.WithField("role", roleResponder),
	}
}

// State returns the current state.
func (r *Responder) State() ResponderState {
	return ResponderState(r.state.Load())
}

func (r *Responder) setState(state ResponderState) {
	r.state.Store(int32(state))
}

// Run connects to the coordinator and runs until it receives
// [SweepFinished], returning the path of the result sink.
func (r *Responder) Run(ctx context.Context) (string, error) {
	if err := r.config.Validate(); err != nil {
		return "", err
	}

	// 1. connect to the coordinator without retrying
	r.setState(ResponderConnecting)
	r.logger.Infof("connecting to coordinator %s", r.config.CoordinatorAddress)
	conn, err := r.config.Dialer.DialContext(ctx, "tcp", r.config.CoordinatorAddress)
	if err != nil {
		return "", newConnectionError("connect", err)
	}
	ch := NewChannel(conn, r.config.ChannelOptions...)
	defer ch.Close()
	stopConn := context.AfterFunc(ctx, func() { ch.Close() })
	defer stopConn()

	// 2. serve rounds until the coordinator says we are done
	for {
		r.setState(ResponderAwaitingRound)
		serverMTU, finished, err := r.awaitRound(ch)
		if err != nil {
			return "", err
		}
		if finished {
			break
		}

		r.setState(ResponderInnerSweep)
		if err := r.innerSweep(ctx, serverMTU); err != nil {
			return "", err
		}

		if err := ch.Send(RoundComplete{}); err != nil {
			return "", err
		}
		r.config.Metrics.roundCompleted(roleResponder)
	}

	r.setState(ResponderDone)
	r.logger.Infof("coordinator signaled completion; results saved to %s", r.config.Sink.Path())
	return r.config.Sink.Path(), nil
}

// awaitRound waits for either ReadyToTest+CurrentMTU or SweepFinished.
func (r *Responder) awaitRound(ch *Channel) (uint32, bool, error) {
	msg, err := ch.Receive()
	if err != nil {
		return 0, false, err
	}
	switch msg.(type) {
	case SweepFinished:
		return 0, true, nil
	case ReadyToTest:
	default:
		return 0, false, unexpectedMessage(msg, ReadyToTest{}, SweepFinished{})
	}

	msg, err = ch.Receive()
	if err != nil {
		return 0, false, err
	}
	current, ok := msg.(CurrentMTU)
	if !ok {
		return 0, false, unexpectedMessage(msg, CurrentMTU{})
	}
	r.logger.WithField("server_mtu", current.Value).Info("coordinator ready for testing")
	return current.Value, false, nil
}

// innerSweep measures every local MTU against the announced server MTU.
//
// Only sink failures are returned: MTU apply and measurement failures
// are logged and skipped.
func (r *Responder) innerSweep(ctx context.Context, serverMTU uint32) error {
	host := r.config.bandwidthHost()
	for peerMTU := range r.config.Sweep.Values() {
		if err := ctx.Err(); err != nil {
			return err
		}
		logger := r.logger.WithFields(logrus.Fields{"server_mtu": serverMTU, "peer_mtu": peerMTU})

		// 1. apply the local MTU
		logger.Infof("setting MTU %d on interface %s", peerMTU, r.config.Interface)
		if err := r.config.Applier.ApplyMTU(ctx, r.config.Interface, peerMTU); err != nil {
			logger.WithError(err).Warn("cannot set MTU; continuing with the previous one")
			r.config.Metrics.mtuApplyFailed(roleResponder)
		} else {
			r.config.Metrics.setCurrentMTU(roleResponder, peerMTU)
		}

		// 2. measure in both directions
		upload, uploadOK := r.measure(ctx, logger, host, Upload)
		download, downloadOK := r.measure(ctx, logger, host, Download)
		if !uploadOK || !downloadOK {
			continue
		}

		// 3. record the sample
		sample := MeasurementSample{
			ServerMTU:           serverMTU,
			PeerMTU:             peerMTU,
			UploadReceiveMbps:   upload.ReceiveMbps,
			UploadSendMbps:      upload.SendMbps,
			DownloadReceiveMbps: download.ReceiveMbps,
			DownloadSendMbps:    download.SendMbps,
		}
		if err := r.config.Sink.Append(sample); err != nil {
			return err
		}
		r.config.Metrics.sampleRecorded()
		logger.WithFields(logrus.Fields{
			"upload_rcv_mbps":   sample.UploadReceiveMbps,
			"download_rcv_mbps": sample.DownloadReceiveMbps,
		}).Info("recorded sample")
	}
	return nil
}

// measure runs a single bandwidth test and reports whether it succeeded.
func (r *Responder) measure(ctx context.Context, logger logrus.FieldLogger, host string, dir Direction) (Throughput, bool) {
	logger = logger.WithField("direction", dir.String())
	logger.Debugf("running %s test", dir)
	result, err := r.config.Tester.RunTest(ctx, host, r.config.BandwidthPort, dir)
	if err != nil {
		logger.WithError(err).Warn("bandwidth test failed; skipping data point")
		r.config.Metrics.measurementFailed(dir)
		return Throughput{}, false
	}
	return result, true
}
