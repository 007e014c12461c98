// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"strconv"
	"time"

	"github.com/bassosimone/mtusweep"
	"github.com/peterbourgon/ff/v3/ffcli"
)

// coordinatorFlags contains the coordinator subcommand flags.
type coordinatorFlags struct {
	bandwidth   bandwidthFlags
	common      commonFlags
	iface       string
	listenAddr  string
	mtuBackend  string
	port        uint
	settleDelay time.Duration
}

func newCoordinatorCommand() *ffcli.Command {
	cf := &coordinatorFlags{}
	fs := flag.NewFlagSet("mtusweep coordinator", flag.ContinueOnError)
	fs.SetOutput(output)
	cf.common.register(fs)
	cf.bandwidth.register(fs)
	fs.StringVar(&cf.iface, "i", "", "Tunnel interface whose MTU to sweep (required).")
	fs.StringVar(&cf.listenAddr, "listen-addr", "0.0.0.0", "Address where to listen for the responder.")
	fs.StringVar(&cf.mtuBackend, "mtu-backend", "ip", "How to change the MTU: ip, netlink, or none.")
	fs.UintVar(&cf.port, "port", mtusweep.DefaultControlPort, "Control channel TCP port.")
	fs.DurationVar(&cf.settleDelay, "settle-delay", mtusweep.DefaultSettleDelay, "Wait after each MTU change.")
	return &ffcli.Command{
		Name:       "coordinator",
		ShortUsage: "mtusweep coordinator -i IFACE [flags]",
		ShortHelp:  "Listen for the responder and drive the outer MTU sweep.",
		FlagSet:    fs,
		Options:    ffOptions(),
		Exec: func(ctx context.Context, args []string) error {
			return cf.run(ctx)
		},
	}
}

func (cf *coordinatorFlags) run(ctx context.Context) error {
	// 1. validate the flags
	if cf.iface == "" {
		return errors.New("missing required -i flag")
	}
	sweep, err := cf.common.sweep()
	if err != nil {
		return err
	}
	port, err := controlPort(cf.port)
	if err != nil {
		return err
	}
	bandwidthPort, err := cf.bandwidth.bandwidthPort()
	if err != nil {
		return err
	}
	applier, err := newApplier(cf.mtuBackend, cf.settleDelay)
	if err != nil {
		return err
	}

	// 2. create logger and metrics
	logger, err := cf.common.newLogger()
	if err != nil {
		return err
	}
	metrics, stopMetrics, err := cf.common.startMetrics(ctx, logger)
	if err != nil {
		return err
	}
	defer stopMetrics()

	// 3. select the bandwidth test server
	var server mtusweep.BandwidthServer
	switch cf.bandwidth.backend {
	case "iperf3":
		tool, err := cf.bandwidth.iperf3()
		if err != nil {
			return err
		}
		server = tool
	case "speedtest":
		server = &mtusweep.Speedtest{Address: cf.listenAddr, Listener: &net.ListenConfig{}, Logger: logger}
	default:
		return errors.New("unknown bandwidth backend: " + cf.bandwidth.backend)
	}

	// 4. run the sweep
	coordinator := mtusweep.NewCoordinator(mtusweep.CoordinatorConfig{
		Applier:        applier,
		BandwidthPort:  bandwidthPort,
		ChannelOptions: cf.common.channelOptions(logger),
		Interface:      cf.iface,
		ListenAddress:  net.JoinHostPort(cf.listenAddr, strconv.Itoa(int(port))),
		Logger:         logger,
		Metrics:        metrics,
		Server:         server,
		Sweep:          sweep,
	})
	return coordinator.Run(ctx)
}
