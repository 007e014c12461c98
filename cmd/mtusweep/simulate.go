// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"
	"time"

	"github.com/bassosimone/mtusweep"
	"github.com/bassosimone/mtusweep/simlink"
	"github.com/peterbourgon/ff/v3/ffcli"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// simulateFlags contains the simulate subcommand flags.
type simulateFlags struct {
	common          commonFlags
	coordinatorAddr string
	duration        time.Duration
	maxInflight     int
	outputFile      string
	pathMTU         uint
	pcapFile        string
	pcapSnaplen     uint
	responderAddr   string
}

func newSimulateCommand() *ffcli.Command {
	sf := &simulateFlags{}
	fs := flag.NewFlagSet("mtusweep simulate", flag.ContinueOnError)
	fs.SetOutput(output)
	sf.common.register(fs)
	fs.StringVar(&sf.coordinatorAddr, "coordinator-addr", "10.0.0.1", "Coordinator address inside the simulated tunnel.")
	fs.DurationVar(&sf.duration, "duration", 250*time.Millisecond, "Duration of each bandwidth test.")
	fs.IntVar(&sf.maxInflight, "max-inflight", simlink.DefaultMaxInflight, "Frames queued on the link before dropping.")
	fs.StringVar(&sf.outputFile, "output", "", "CSV result file (default: mtusweep_<timestamp>.csv).")
	fs.UintVar(&sf.pathMTU, "path-mtu", 0, "Drop frames larger than this size on the link (0 means no limit).")
	fs.StringVar(&sf.pcapFile, "pcap-file", "", "Write the frames crossing the link to the given pcap file.")
	fs.UintVar(&sf.pcapSnaplen, "pcap-snaplen", 256, "PCAP snapshot length in bytes.")
	fs.StringVar(&sf.responderAddr, "responder-addr", "10.0.0.2", "Responder address inside the simulated tunnel.")
	return &ffcli.Command{
		Name:       "simulate",
		ShortUsage: "mtusweep simulate [-path-mtu N] [-pcap-file FILE] [flags]",
		ShortHelp:  "Run both roles in-process over a simulated tunnel.",
		FlagSet:    fs,
		Options:    ffOptions(),
		Exec: func(ctx context.Context, args []string) error {
			return sf.run(ctx)
		},
	}
}

func (sf *simulateFlags) run(ctx context.Context) (err error) {
	// 1. validate the flags
	sweep, err := sf.common.sweep()
	if err != nil {
		return err
	}
	coordinatorIP, err := netip.ParseAddr(sf.coordinatorAddr)
	if err != nil {
		return err
	}
	responderIP, err := netip.ParseAddr(sf.responderAddr)
	if err != nil {
		return err
	}
	if sf.pathMTU > uint(^uint32(0)) || sf.pcapSnaplen > uint(^uint32(0)) {
		return errors.New("-path-mtu and -pcap-snaplen must fit 32 bits")
	}

	// 2. create logger and metrics
	logger, err := sf.common.newLogger()
	if err != nil {
		return err
	}
	metrics, stopMetrics, err := sf.common.startMetrics(ctx, logger)
	if err != nil {
		return err
	}
	defer stopMetrics()

	// 3. create the simulated tunnel
	lnk := simlink.NewLink(
		simlink.LinkOptionMaxInflight(sf.maxInflight),
		simlink.LinkOptionPathMTU(uint32(sf.pathMTU)),
	)
	coordinatorEP, err := lnk.NewEndpoint(sweep.Max, coordinatorIP)
	if err != nil {
		return err
	}
	defer coordinatorEP.Close()
	responderEP, err := lnk.NewEndpoint(sweep.Max, responderIP)
	if err != nil {
		return err
	}
	defer responderEP.Close()

	// 4. optionally capture the frames
	var trace *simlink.PcapTrace
	if sf.pcapFile != "" {
		filep, err := os.Create(sf.pcapFile)
		if err != nil {
			return err
		}
		trace = simlink.NewPcapTrace(filep, uint32(sf.pcapSnaplen))
		defer func() {
			err = errors.Join(err, trace.Close())
		}()
	}

	// 5. open the result file
	path := sf.outputFile
	if path == "" {
		path = defaultResultPath(time.Now())
	}
	sink, err := mtusweep.CreateResultSink(path)
	if err != nil {
		return err
	}
	defer sink.Close()

	// 6. route frames until both roles are done
	routeCtx, stopRouting := context.WithCancel(context.Background())
	routing := &errgroup.Group{}
	routing.Go(func() error {
		return lnk.Route(routeCtx, trace)
	})

	// 7. run both roles
	rolesErr := sf.runRoles(ctx, logger, metrics, sweep, coordinatorEP, responderEP, sink)
	stopRouting()
	if err := errors.Join(rolesErr, routing.Wait()); err != nil {
		return err
	}
	if err := sink.Close(); err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"coordinator_oversized": coordinatorEP.NIC().Oversized(),
		"link_dropped":          lnk.Dropped(),
		"responder_oversized":   responderEP.NIC().Oversized(),
	}).Info("simulation complete")

	// 8. print the best pair
	return printBestSample(path)
}

// runRoles runs the coordinator and the responder over the given endpoints.
func (sf *simulateFlags) runRoles(
	ctx context.Context,
	logger logrus.FieldLogger,
	metrics *mtusweep.Metrics,
	sweep mtusweep.SweepRange,
	coordinatorEP, responderEP *simlink.Endpoint,
	sink mtusweep.SampleSink,
) error {
	// 1. bind the control endpoint before starting the responder
	controlAddr := net.JoinHostPort(sf.coordinatorAddr, strconv.Itoa(mtusweep.DefaultControlPort))
	listener, err := coordinatorEP.ListenConfig().Listen(ctx, "tcp", controlAddr)
	if err != nil {
		return err
	}

	// 2. create both roles
	coordinator := mtusweep.NewCoordinator(mtusweep.CoordinatorConfig{
		Applier:        coordinatorEP,
		BandwidthPort:  mtusweep.DefaultBandwidthPort,
		ChannelOptions: sf.common.channelOptions(logger),
		Interface:      "tun0",
		Logger:         logger,
		Metrics:        metrics,
		Server: &mtusweep.Speedtest{
			Address:  sf.coordinatorAddr,
			Listener: coordinatorEP.ListenConfig(),
			Logger:   logger,
		},
		Sweep: sweep,
	})
	responder := mtusweep.NewResponder(mtusweep.ResponderConfig{
		Applier:            responderEP,
		BandwidthPort:      mtusweep.DefaultBandwidthPort,
		ChannelOptions:     sf.common.channelOptions(logger),
		CoordinatorAddress: controlAddr,
		Dialer:             responderEP.Dialer(),
		Interface:          "tun0",
		Logger:             logger,
		Metrics:            metrics,
		Sink:               sink,
		Sweep:              sweep,
		Tester: &mtusweep.Speedtest{
			Dialer:   responderEP.Dialer(),
			Duration: sf.duration,
			Logger:   logger,
		},
	})

	// 3. run them until both are done or either fails
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return coordinator.Serve(groupCtx, listener)
	})
	group.Go(func() error {
		_, err := responder.Run(groupCtx)
		return err
	})
	return group.Wait()
}

// printBestSample reads back the result file and prints the best pair.
func printBestSample(path string) error {
	filep, err := os.Open(path)
	if err != nil {
		return err
	}
	defer filep.Close()
	samples, err := mtusweep.ReadResults(filep)
	if err != nil {
		return err
	}
	fmt.Fprintf(output, "results saved to %s (%d samples)\n", path, len(samples))
	best, found := mtusweep.BestSample(samples)
	if !found {
		fmt.Fprintf(output, "no successful measurement\n")
		return nil
	}
	fmt.Fprintf(output, "best MTU pair: server_mtu=%d client_mtu=%d total=%.3f Mbit/s\n",
		best.ServerMTU, best.PeerMTU, best.Total())
	return nil
}
