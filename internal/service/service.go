// Package service wires the sniffer, reassembly, output sink and metrics
// into the two ways the tool is run: analysing an existing capture, or
// recording a live one and analysing it once stopped.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stethoscope/pcapsessions/internal/config"
	"stethoscope/pcapsessions/internal/logging"
	"stethoscope/pcapsessions/internal/output"
	"stethoscope/pcapsessions/internal/reassembly"
	"stethoscope/pcapsessions/internal/report"
	"stethoscope/pcapsessions/internal/sniffer"
)

// Service holds the long-lived pieces shared by Analyse and Capture.
type Service struct {
	cfg     config.Config
	log     logging.Logger
	reg     *prometheus.Registry
	metrics *reassembly.Metrics
	reasm   *reassembly.Reassembler
	out     *output.Manager

	// startSniffer opens the capture; tests swap it for an in-memory wire.
	startSniffer func(*sniffer.Sniffer) error
}

// New builds a service from a validated configuration.
func New(cfg config.Config, log logging.Logger) *Service {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := reassembly.NewMetrics(reg)
	return &Service{
		cfg:          cfg,
		log:          log,
		reg:          reg,
		metrics:      m,
		reasm:        reassembly.New(cfg.ClientAddr(), cfg.KillAddr(), log, m),
		out:          output.NewManager(cfg.Output, log),
		startSniffer: (*sniffer.Sniffer).Start,
	}
}

// MetricsHandler serves the service registry in the Prometheus text format.
func (s *Service) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{Registry: s.reg})
}

// Analyse reassembles the capture at path, forwards the streams when an
// output sink is configured, and returns the pairs sorted by quad.
func (s *Service) Analyse(ctx context.Context, path string) ([]*reassembly.SessionPair, error) {
	res, err := s.reasm.ReassembleFile(path)
	if err != nil {
		return nil, err
	}
	pairs := res.Sorted()
	if s.out.Enabled() {
		if err := s.out.Forward(ctx, pairs); err != nil {
			s.log.Errorf("run=%s forward: %v", res.RunID, err)
			return pairs, fmt.Errorf("forward sessions: %w", err)
		}
	}
	return pairs, nil
}

// Capture records live traffic until ctx is cancelled or the capture ends on
// its own, stops the sniffer through the stop protocol, then analyses the
// file. It returns the capture path even when analysis fails.
func (s *Service) Capture(ctx context.Context) (string, []*reassembly.SessionPair, error) {
	sn := sniffer.New(sniffer.OptionsFromConfig(s.cfg), s.log)

	frames := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "pcapsessions", Subsystem: "sniffer", Name: "frames_recorded",
		Help: "Frames written to the capture file by the running sniffer.",
	}, func() float64 { return float64(sn.Frames()) })
	if err := s.reg.Register(frames); err != nil {
		s.log.Warnf("register sniffer gauge: %v", err)
	} else {
		defer s.reg.Unregister(frames)
	}

	if s.cfg.Metrics.Listen != "" {
		srvCtx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			if err := s.ServeMetrics(srvCtx, s.cfg.Metrics.Listen); err != nil {
				s.log.Errorf("metrics server: %v", err)
			}
		}()
	}

	if err := s.startSniffer(sn); err != nil {
		return sn.Path(), nil, fmt.Errorf("start capture: %w", err)
	}

	select {
	case <-ctx.Done():
		s.log.Infof("stopping capture")
	case <-sn.Done():
		s.log.Warnf("capture ended before it was stopped")
	}

	if err := s.stop(sn); err != nil {
		return sn.Path(), nil, err
	}
	if err := sn.Err(); err != nil {
		return sn.Path(), nil, fmt.Errorf("capture: %w", err)
	}

	pairs, err := s.Analyse(context.WithoutCancel(ctx), sn.Path())
	return sn.Path(), pairs, err
}

func (s *Service) stop(sn *sniffer.Sniffer) error {
	wait := s.cfg.Stop.MaxElapsed() + 5*time.Second
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()

	err := sn.Stop(ctx)
	switch {
	case err == nil, errors.Is(err, sniffer.ErrNotRunning):
		return nil
	case errors.Is(err, sniffer.ErrStopTimeout):
		// The loop was aborted and the file closed; what was recorded is usable.
		s.log.Warnf("%v; analysing %d recorded frames", err, sn.Frames())
		return nil
	default:
		return fmt.Errorf("stop capture: %w", err)
	}
}

// ServeMetrics exposes /metrics on addr until ctx is cancelled.
func (s *Service) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.MetricsHandler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Infof("metrics listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Report writes the session summary table to w.
func (s *Service) Report(w io.Writer, pairs []*reassembly.SessionPair) error {
	return report.Write(w, report.Statuses(pairs))
}

// Close releases output connections.
func (s *Service) Close() {
	s.out.Close()
}
