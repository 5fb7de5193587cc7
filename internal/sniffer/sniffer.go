// Package sniffer records live traffic to a pcap file until a stop frame is
// seen. It is the capture side of the stop protocol: Stop injects a frame
// addressed to the stop MAC, the capture loop records it and exits, and Stop
// returns once the file is flushed and closed.
package sniffer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/google/uuid"

	"stethoscope/pcapsessions/internal/capture"
	"stethoscope/pcapsessions/internal/config"
	"stethoscope/pcapsessions/internal/flow"
	"stethoscope/pcapsessions/internal/logging"
	"stethoscope/pcapsessions/internal/packet"
)

var (
	ErrRunning     = errors.New("sniffer already started")
	ErrNotRunning  = errors.New("sniffer is not running")
	ErrStopTimeout = errors.New("sniffer did not stop in time")
	errStillAlive  = errors.New("capture loop still running")
)

// Source yields raw link-layer frames. *pcap.Handle satisfies it.
type Source interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
}

// Injector puts a raw frame on the wire. *pcap.Handle satisfies it.
type Injector interface {
	WritePacketData(data []byte) error
}

// Options configure one capture.
type Options struct {
	Iface       string
	Path        string
	SnapLen     int
	Promisc     bool
	BufferBytes int
	BPF         string
	ClientIP    netip.Addr
	KillIP      netip.Addr
	StopMAC     net.HardwareAddr
	Stop        config.StopConfig
}

// OptionsFromConfig maps the config file onto capture options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Iface:       cfg.Network.Iface,
		Path:        cfg.Capture.Pcap,
		SnapLen:     cfg.Capture.SnapLen,
		Promisc:     cfg.Capture.Promisc,
		BufferBytes: cfg.Capture.BufferBytes,
		BPF:         cfg.BPF(),
		ClientIP:    cfg.ClientAddr(),
		KillIP:      cfg.KillAddr(),
		StopMAC:     cfg.StopHardwareAddr(),
		Stop:        cfg.Stop,
	}
}

// Sniffer is the handle to one background capture. The zero value is not
// usable; build it with New.
type Sniffer struct {
	opts Options
	log  logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}

	started atomic.Bool
	running atomic.Bool
	frames  atomic.Int64

	injMu  sync.Mutex
	inject Injector // nil once the capture loop has exited

	errMu sync.Mutex
	err   error
}

func New(opts Options, log logging.Logger) *Sniffer {
	if opts.Path == "" {
		opts.Path = fmt.Sprintf("capture-%s.pcap", uuid.NewString())
	}
	if opts.SnapLen <= 0 {
		opts.SnapLen = 65536
	}
	return &Sniffer{opts: opts, log: log, done: make(chan struct{})}
}

// Path is the capture file the sniffer writes.
func (s *Sniffer) Path() string { return s.opts.Path }

// Running reports whether the capture loop is still alive.
func (s *Sniffer) Running() bool { return s.running.Load() }

// Frames is the number of frames recorded so far.
func (s *Sniffer) Frames() int64 { return s.frames.Load() }

// Done is closed once the capture loop has exited and the file is closed.
func (s *Sniffer) Done() <-chan struct{} { return s.done }

// Err is the error that ended the capture loop, if any.
func (s *Sniffer) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Start opens the interface and begins capturing in the background. The stop
// frame is sent through a second handle: a capture handle does not see frames
// it transmits itself.
func (s *Sniffer) Start() error {
	if s.started.Load() {
		return ErrRunning
	}
	inactive, err := pcap.NewInactiveHandle(s.opts.Iface)
	if err != nil {
		return fmt.Errorf("pcap inactive handle: %w", err)
	}
	defer inactive.CleanUp()

	_ = inactive.SetSnapLen(s.opts.SnapLen)
	_ = inactive.SetPromisc(s.opts.Promisc)
	_ = inactive.SetTimeout(time.Second) // timed reads so cancellation is noticed
	if s.opts.BufferBytes > 0 {
		_ = inactive.SetBufferSize(s.opts.BufferBytes)
	}

	h, err := inactive.Activate()
	if err != nil {
		return fmt.Errorf("pcap activate: %w", err)
	}
	if s.opts.BPF != "" {
		if err := h.SetBPFFilter(s.opts.BPF); err != nil {
			h.Close()
			return fmt.Errorf("bpf filter: %w", err)
		}
	}
	inj, err := pcap.OpenLive(s.opts.Iface, 65536, false, pcap.BlockForever)
	if err != nil {
		h.Close()
		return fmt.Errorf("open %s for injection: %w", s.opts.Iface, err)
	}
	if err := s.start(h, inj, h.LinkType(), h.Close, inj.Close); err != nil {
		h.Close()
		inj.Close()
		return err
	}
	s.log.Infof("capture started iface=%s bpf=%q file=%s", s.opts.Iface, s.opts.BPF, s.opts.Path)
	return nil
}

// StartWith begins capturing from an already-open source. inj is used by Stop
// to send the stop frame and must not be the handle reading src. The caller
// keeps ownership of both.
func (s *Sniffer) StartWith(src Source, inj Injector, lt layers.LinkType) error {
	return s.start(src, inj, lt)
}

// start runs the capture loop; closers run once the loop has exited and no
// stop frame can be sent any more.
func (s *Sniffer) start(src Source, inj Injector, lt layers.LinkType, closers ...func()) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrRunning
	}
	w, err := capture.Create(s.opts.Path, uint32(s.opts.SnapLen), lt)
	if err != nil {
		s.started.Store(false)
		return err
	}
	s.injMu.Lock()
	s.inject = inj
	s.injMu.Unlock()
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running.Store(true)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.run(src, w, lt)
		if cerr := w.Close(); cerr != nil && err == nil {
			err = cerr
		}
		s.running.Store(false)

		s.injMu.Lock()
		s.inject = nil
		for _, c := range closers {
			c()
		}
		s.injMu.Unlock()

		s.errMu.Lock()
		s.err = err
		s.errMu.Unlock()
		close(s.done)
	}()
	return nil
}

func (s *Sniffer) run(src Source, w *capture.FileWriter, lt layers.LinkType) error {
	for {
		select {
		case <-s.ctx.Done():
			s.log.Warnf("capture aborted after %d frames", s.frames.Load())
			return nil
		default:
		}

		data, ci, err := src.ReadPacketData()
		if err != nil {
			if errors.Is(err, pcap.NextErrorTimeoutExpired) {
				continue
			}
			if errors.Is(err, io.EOF) {
				s.log.Warnf("packet source closed after %d frames", s.frames.Load())
				return nil
			}
			s.log.Errorf("capture read error: %v", err)
			return fmt.Errorf("capture read: %w", err)
		}
		if err := w.WritePacket(ci, data); err != nil {
			return fmt.Errorf("capture write: %w", err)
		}
		s.frames.Add(1)
		if lt == layers.LinkTypeEthernet && IsStopFrame(data, s.opts.StopMAC) {
			s.log.Infof("stop frame received, %d frames recorded", s.frames.Load())
			return nil
		}
	}
}

// IsStopFrame reports whether an Ethernet frame is addressed to stopMAC.
func IsStopFrame(data []byte, stopMAC net.HardwareAddr) bool {
	return len(stopMAC) == 6 && len(data) >= 6 && bytes.Equal(data[:6], stopMAC)
}

// KillFrame builds the stop frame: TCP SYN from the client to the kill address,
// with the stop MAC as Ethernet destination.
func KillFrame(opts Options) ([]byte, error) {
	return packet.Encode(packet.Template{
		DstMAC: opts.StopMAC,
		Src:    flow.Endpoint{Addr: opts.ClientIP, Port: 20},
		Dst:    flow.Endpoint{Addr: opts.KillIP, Port: 80},
		Flags:  packet.SYN,
	})
}

// SendKill injects one stop frame through the running capture's handle.
func (s *Sniffer) SendKill() error {
	data, err := KillFrame(s.opts)
	if err != nil {
		return err
	}
	s.injMu.Lock()
	defer s.injMu.Unlock()
	if s.inject == nil {
		return ErrNotRunning
	}
	return s.inject.WritePacketData(data)
}

// Stop sends stop frames until the capture loop has exited, backing off
// between attempts. When the backoff budget runs out the loop is cancelled,
// Stop waits for the file to be closed, and ErrStopTimeout is returned.
func (s *Sniffer) Stop(ctx context.Context) error {
	if !s.started.Load() || !s.Running() {
		return ErrNotRunning
	}

	bo := backoff.NewExponentialBackOff()
	if d := s.opts.Stop.InitialInterval(); d > 0 {
		bo.InitialInterval = d
	}
	if d := s.opts.Stop.MaxInterval(); d > 0 {
		bo.MaxInterval = d
	}
	bo.MaxElapsedTime = s.opts.Stop.MaxElapsed()
	if bo.MaxElapsedTime <= 0 {
		bo.MaxElapsedTime = 10 * time.Second
	}

	attempt := 0
	op := func() error {
		if !s.Running() {
			return nil
		}
		attempt++
		if err := s.SendKill(); err != nil && !errors.Is(err, ErrNotRunning) {
			s.log.Warnf("send stop frame (attempt %d): %v", attempt, err)
		}
		select {
		case <-s.done:
			return nil
		case <-time.After(bo.InitialInterval):
			return errStillAlive
		}
	}
	notify := func(err error, next time.Duration) {
		s.log.Debugf("capture still running after stop frame %d, retrying in %s", attempt, next)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify)
	if err == nil {
		s.wg.Wait()
		s.log.Infof("capture stopped after %d stop frame(s)", attempt)
		return nil
	}

	s.Abort()
	return fmt.Errorf("%w after %d attempts: %v", ErrStopTimeout, attempt, err)
}

// Abort cancels the capture loop without the stop protocol and waits for it
// to close the file.
func (s *Sniffer) Abort() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
