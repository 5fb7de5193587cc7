package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"stethoscope/pcapsessions/internal/service"
	"stethoscope/pcapsessions/internal/sniffer"
)

func newAnalyseCmd(f *rootFlags) *cobra.Command {
	var forward bool
	cmd := &cobra.Command{
		Use:   "analyse <capture-file>",
		Short: "Reassemble the sessions in a pcap or pcapng file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("forward") {
				cfg.Output.Enabled = forward
			}
			log, err := f.setup(cfg)
			if err != nil {
				return err
			}
			defer log.Close()

			svc := service.New(cfg, log)
			defer svc.Close()

			pairs, err := svc.Analyse(cmd.Context(), args[0])
			if pairs != nil {
				if rerr := svc.Report(cmd.OutOrStdout(), pairs); rerr != nil {
					log.Warnf("report: %v", rerr)
				}
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&forward, "forward", false, "Forward streams to the configured output sink")
	return cmd
}

func newCaptureCmd(f *rootFlags) *cobra.Command {
	var metricsAddr, pcapPath string
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Record live traffic until interrupted, then reassemble it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.load()
			if err != nil {
				return err
			}
			if metricsAddr != "" {
				cfg.Metrics.Listen = metricsAddr
			}
			if pcapPath != "" {
				cfg.Capture.Pcap = pcapPath
			}
			if cfg.Network.Iface == "" {
				return fmt.Errorf("capture needs an interface (--iface or network.iface)")
			}
			log, err := f.setup(cfg)
			if err != nil {
				return err
			}
			defer log.Close()

			svc := service.New(cfg, log)
			defer svc.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			path, pairs, err := svc.Capture(ctx)
			log.Infof("capture file %s", path)
			if pairs != nil {
				if rerr := svc.Report(cmd.OutOrStdout(), pairs); rerr != nil {
					log.Warnf("report: %v", rerr)
				}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while capturing")
	cmd.Flags().StringVar(&pcapPath, "pcap", "", "Capture file to write (default capture-<uuid>.pcap)")
	return cmd
}

func newKillCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "kill",
		Short: "Send the stop frame to end a capture running elsewhere on the interface",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.load()
			if err != nil {
				return err
			}
			if cfg.Network.Iface == "" {
				return fmt.Errorf("kill needs an interface (--iface or network.iface)")
			}
			log, err := f.setup(cfg)
			if err != nil {
				return err
			}
			defer log.Close()
			return sniffer.SendKillOn(sniffer.OptionsFromConfig(cfg), log)
		},
	}
}

