package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"stethoscope/pcapsessions/internal/config"
	"stethoscope/pcapsessions/internal/logging"
)

// rootFlags are shared by every subcommand and override the config file.
type rootFlags struct {
	configPath string
	logLevel   string
	clientIP   string
	killIP     string
	iface      string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:           "pcapsessions",
		Short:         "Reassemble TCP sessions from packet captures",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&f.configPath, "config", "", "Path to config file")
	pf.StringVar(&f.logLevel, "log-level", "", "Optional console override: DEBUG/INFO/WARN/ERROR")
	pf.StringVar(&f.clientIP, "client-ip", "", "Client address that orients sessions")
	pf.StringVar(&f.killIP, "kill-ip", "", "Address whose flows stop the capture and are ignored")
	pf.StringVar(&f.iface, "iface", "", "Capture interface")

	root.AddCommand(newAnalyseCmd(f), newCaptureCmd(f), newKillCmd(f))
	return root
}

// load reads the config file, if any, applies flag overrides and validates.
func (f *rootFlags) load() (config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			return cfg, err
		}
	}
	if s := strings.TrimSpace(f.clientIP); s != "" {
		cfg.Network.ClientIP = s
	}
	if s := strings.TrimSpace(f.killIP); s != "" {
		cfg.Network.KillIP = s
	}
	if s := strings.TrimSpace(f.iface); s != "" {
		cfg.Network.Iface = s
	}
	return cfg, nil
}

func (f *rootFlags) setup(cfg config.Config) (*logging.Handle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log, err := logging.Setup(cfg.Logging, f.logLevel)
	if err != nil {
		return nil, fmt.Errorf("logging error: %w", err)
	}
	return log, nil
}
