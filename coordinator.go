// SPDX-License-Identifier: GPL-3.0-or-later

package mtusweep

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// CoordinatorState is the state of a [*Coordinator].
type CoordinatorState int32

const (
	CoordinatorIdle CoordinatorState = iota
	CoordinatorAwaitingPeer
	CoordinatorApplying
	CoordinatorAnnouncing
	CoordinatorAwaitingCompletion
	CoordinatorFinished
)

// String implements [fmt.Stringer].
func (s CoordinatorState) String() string {
	switch s {
	case CoordinatorIdle:
		return "idle"
	case CoordinatorAwaitingPeer:
		return "awaiting_peer"
	case CoordinatorApplying:
		return "applying"
	case CoordinatorAnnouncing:
		return "announcing"
	case CoordinatorAwaitingCompletion:
		return "awaiting_completion"
	case CoordinatorFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// CoordinatorConfig configures a [*Coordinator].
type CoordinatorConfig struct {
	// Applier changes the local MTU (nil means [NopApplier]).
	Applier MTUApplier

	// BandwidthPort is the port passed to Server.
	BandwidthPort uint16

	// ChannelOptions configure the control channel.
	ChannelOptions []ChannelOption

	// Interface is the name of the interface whose MTU we sweep.
	Interface string

	// ListenAddress is the control endpoint used by [*Coordinator.Run].
	ListenAddress string

	// Listener creates the control listener (nil means [*net.ListenConfig]).
	Listener Listener

	// Logger is the optional logger.
	Logger logrus.FieldLogger

	// Metrics is the optional metrics bundle.
	Metrics *Metrics

	// Server is the optional bandwidth test server to run during the sweep.
	Server BandwidthServer

	// Sweep is the outer sweep range.
	Sweep SweepRange
}

// DefaultCoordinatorListenAddress returns the default control endpoint.
func DefaultCoordinatorListenAddress() string {
	return netip.AddrPortFrom(netip.IPv4Unspecified(), DefaultControlPort).String()
}

// Validate returns an error if the configuration is unusable.
func (cfg *CoordinatorConfig) Validate() error {
	if err := cfg.Sweep.Validate(); err != nil {
		return err
	}
	if cfg.Server != nil && cfg.BandwidthPort == 0 {
		return errors.New("bandwidth port must be set when running a bandwidth server")
	}
	return nil
}

// Coordinator listens for the responder and drives the outer sweep.
//
// Construct using [NewCoordinator].
type Coordinator struct {
	config CoordinatorConfig
	logger logrus.FieldLogger
	state  atomic.Int32
}

// NewCoordinator creates a new [*Coordinator].
func NewCoordinator(config CoordinatorConfig) *Coordinator {
	if config.Applier == nil {
		config.Applier = NopApplier
	}
	if config.Listener == nil {
		config.Listener = &net.ListenConfig{}
	}
	if config.ListenAddress == "" {
		config.ListenAddress = DefaultCoordinatorListenAddress()
	}
	logger := config.Logger
	if logger == nil {
		logger = discardLogger()
	}
	return &Coordinator{
		config: config,
		logger: logger.WithField("role", roleCoordinator),
	}
}

// State returns the current state.
func (c *Coordinator) State() CoordinatorState {
	return CoordinatorState(c.state.Load())
}

func (c *Coordinator) setState(state CoordinatorState) {
	c.state.Store(int32(state))
}

// Run binds the control endpoint and then behaves like [*Coordinator.Serve].
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.config.Validate(); err != nil {
		return err
	}
	listener, err := c.config.Listener.Listen(ctx, "tcp", c.config.ListenAddress)
	if err != nil {
		return newConnectionError("listen", err)
	}
	c.logger.Infof("listening on %s", listener.Addr())
	return c.Serve(ctx, listener)
}

// Serve runs the sweep using an already bound listener.
//
// Serve takes ownership of the listener and closes it after accepting
// the single responder this coordinator serves. The bandwidth server, if
// any, runs for the whole sweep and is stopped on every return path.
func (c *Coordinator) Serve(ctx context.Context, listener net.Listener) error {
	defer listener.Close()
	if err := c.config.Validate(); err != nil {
		return err
	}

	// 1. spawn the bandwidth test server for the sweep lifetime
	if c.config.Server != nil {
		handle, err := c.config.Server.StartServer(ctx, c.config.BandwidthPort)
		if err != nil {
			return err
		}
		c.logger.Infof("started bandwidth test server on port %d", c.config.BandwidthPort)
		defer func() {
			if err := handle.Stop(); err != nil {
				c.logger.WithError(err).Warn("cannot stop bandwidth test server")
			}
		}()
	}

	// 2. wait for the single responder
	c.setState(CoordinatorAwaitingPeer)
	c.logger.Info("waiting for peer connection")
	stopAccept := context.AfterFunc(ctx, func() { listener.Close() })
	conn, err := listener.Accept()
	stopAccept()
	listener.Close()
	if err != nil {
		return newConnectionError("accept", err)
	}
	c.logger.Infof("peer connected from %s", conn.RemoteAddr())

	ch := NewChannel(conn, c.config.ChannelOptions...)
	defer ch.Close()
	stopConn := context.AfterFunc(ctx, func() { ch.Close() })
	defer stopConn()

	// 3. run a round for each value of the sweep
	for mtu := range c.config.Sweep.Values() {
		if err := c.round(ctx, ch, mtu); err != nil {
			return err
		}
	}

	// 4. tell the responder we are done
	if err := ch.Send(SweepFinished{}); err != nil {
		return err
	}
	c.setState(CoordinatorFinished)
	c.logger.Info("all MTU rounds completed")
	return nil
}

// round applies the MTU, announces it, and waits for the responder.
func (c *Coordinator) round(ctx context.Context, ch *Channel, mtu uint32) error {
	logger := c.logger.WithField("server_mtu", mtu)

	// 1. apply locally, never failing the round because of this
	c.setState(CoordinatorApplying)
	logger.Infof("setting MTU %d on interface %s", mtu, c.config.Interface)
	if err := c.config.Applier.ApplyMTU(ctx, c.config.Interface, mtu); err != nil {
		logger.WithError(err).Warn("cannot set MTU; continuing with the previous one")
		c.config.Metrics.mtuApplyFailed(roleCoordinator)
	} else {
		c.config.Metrics.setCurrentMTU(roleCoordinator, mtu)
	}

	// 2. announce readiness and the value
	c.setState(CoordinatorAnnouncing)
	if err := ch.Send(ReadyToTest{}); err != nil {
		return err
	}
	if err := ch.Send(CurrentMTU{Value: mtu}); err != nil {
		return err
	}

	// 3. block until the responder completes its inner sweep
	c.setState(CoordinatorAwaitingCompletion)
	msg, err := ch.Receive()
	if err != nil {
		return err
	}
	if _, ok := msg.(RoundComplete); !ok {
		return unexpectedMessage(msg, RoundComplete{})
	}
	logger.Info("peer completed tests")
	c.config.Metrics.roundCompleted(roleCoordinator)
	return nil
}

// unexpectedMessage builds the [*ProtocolError] for a message we did not expect.
func unexpectedMessage(got Message, want ...Message) error {
	return &ProtocolError{
		Kind: ProtocolErrorUnexpected,
		Err:  fmt.Errorf("got %s, want %v", got, want),
	}
}
