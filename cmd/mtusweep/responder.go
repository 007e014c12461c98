// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/bassosimone/mtusweep"
	"github.com/peterbourgon/ff/v3/ffcli"
)

// responderFlags contains the responder subcommand flags.
type responderFlags struct {
	bandwidth   bandwidthFlags
	common      commonFlags
	dialTimeout time.Duration
	iface       string
	mtuBackend  string
	outputFile  string
	port        uint
	serverIP    string
	settleDelay time.Duration
}

func newResponderCommand() *ffcli.Command {
	rf := &responderFlags{}
	fs := flag.NewFlagSet("mtusweep responder", flag.ContinueOnError)
	fs.SetOutput(output)
	rf.common.register(fs)
	rf.bandwidth.register(fs)
	fs.DurationVar(&rf.dialTimeout, "dial-timeout", 0, "Timeout for connecting to the coordinator (0 means none).")
	fs.StringVar(&rf.iface, "i", "", "Tunnel interface whose MTU to sweep (required).")
	fs.StringVar(&rf.mtuBackend, "mtu-backend", "ip", "How to change the MTU: ip, netlink, or none.")
	fs.StringVar(&rf.outputFile, "output", "", "CSV result file (default: mtusweep_<timestamp>.csv).")
	fs.UintVar(&rf.port, "port", mtusweep.DefaultControlPort, "Coordinator control channel TCP port.")
	fs.StringVar(&rf.serverIP, "server-ip", "", "Coordinator IP address (required).")
	fs.DurationVar(&rf.settleDelay, "settle-delay", mtusweep.DefaultSettleDelay, "Wait after each MTU change.")
	return &ffcli.Command{
		Name:       "responder",
		ShortUsage: "mtusweep responder -i IFACE -server-ip IP [flags]",
		ShortHelp:  "Connect to the coordinator and run the inner MTU sweeps.",
		FlagSet:    fs,
		Options:    ffOptions(),
		Exec: func(ctx context.Context, args []string) error {
			return rf.run(ctx)
		},
	}
}

func (rf *responderFlags) run(ctx context.Context) error {
	// 1. validate the flags
	if rf.iface == "" {
		return errors.New("missing required -i flag")
	}
	if rf.serverIP == "" {
		return errors.New("missing required -server-ip flag")
	}
	sweep, err := rf.common.sweep()
	if err != nil {
		return err
	}
	port, err := controlPort(rf.port)
	if err != nil {
		return err
	}
	bandwidthPort, err := rf.bandwidth.bandwidthPort()
	if err != nil {
		return err
	}
	applier, err := newApplier(rf.mtuBackend, rf.settleDelay)
	if err != nil {
		return err
	}

	// 2. create logger and metrics
	logger, err := rf.common.newLogger()
	if err != nil {
		return err
	}
	metrics, stopMetrics, err := rf.common.startMetrics(ctx, logger)
	if err != nil {
		return err
	}
	defer stopMetrics()

	// 3. select the bandwidth tester
	dialer := &net.Dialer{Timeout: rf.dialTimeout}
	var tester mtusweep.BandwidthTester
	switch rf.bandwidth.backend {
	case "iperf3":
		tool, err := rf.bandwidth.iperf3()
		if err != nil {
			return err
		}
		tester = tool
	case "speedtest":
		tester = &mtusweep.Speedtest{Dialer: dialer, Duration: rf.bandwidth.duration, Logger: logger}
	default:
		return errors.New("unknown bandwidth backend: " + rf.bandwidth.backend)
	}

	// 4. open the result file
	path := rf.outputFile
	if path == "" {
		path = defaultResultPath(time.Now())
	}
	sink, err := mtusweep.CreateResultSink(path)
	if err != nil {
		return err
	}
	defer sink.Close()

	// 5. run the sweeps
	responder := mtusweep.NewResponder(mtusweep.ResponderConfig{
		Applier:            applier,
		BandwidthPort:      bandwidthPort,
		ChannelOptions:     rf.common.channelOptions(logger),
		CoordinatorAddress: net.JoinHostPort(rf.serverIP, strconv.Itoa(int(port))),
		Dialer:             dialer,
		Interface:          rf.iface,
		Logger:             logger,
		Metrics:            metrics,
		Sink:               sink,
		Sweep:              sweep,
		Tester:             tester,
	})
	saved, err := responder.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(output, "results saved to %s\n", saved)
	return sink.Close()
}
