package sniffer

import (
	"fmt"

	"github.com/google/gopacket/pcap"

	"stethoscope/pcapsessions/internal/logging"
)

// SendKillOn opens iface just long enough to inject one stop frame. It stops a
// capture running in another process on the same interface.
func SendKillOn(opts Options, log logging.Logger) error {
	if len(opts.StopMAC) == 0 {
		return fmt.Errorf("send stop frame: no stop MAC configured")
	}
	h, err := pcap.OpenLive(opts.Iface, 65536, false, pcap.BlockForever)
	if err != nil {
		return fmt.Errorf("open %s: %w", opts.Iface, err)
	}
	defer h.Close()

	data, err := KillFrame(opts)
	if err != nil {
		return err
	}
	if err := h.WritePacketData(data); err != nil {
		return fmt.Errorf("inject stop frame: %w", err)
	}
	log.Infof("stop frame sent on %s to %s via %s", opts.Iface, opts.KillIP, opts.StopMAC)
	return nil
}
