// Package output hands reassembled streams to a remote analyser over TCP:
// client-to-server bytes go to the requests port, server-to-client bytes to
// the responses port.
//
// Each session's stream is one segment: a header line
//
//	SESSION <client> <server> <c2s|s2c> <length>\n
//
// followed by exactly length payload bytes.
package output

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"stethoscope/pcapsessions/internal/config"
	"stethoscope/pcapsessions/internal/flow"
	"stethoscope/pcapsessions/internal/logging"
	"stethoscope/pcapsessions/internal/reassembly"
)

// Manager forwards session payloads to the configured sinks.
type Manager struct {
	cfg       config.OutputConfig
	log       logging.Logger
	requests  *tcpTarget
	responses *tcpTarget
}

func NewManager(cfg config.OutputConfig, log logging.Logger) *Manager {
	m := &Manager{cfg: cfg, log: log}
	if cfg.Enabled {
		m.requests = newTCPTarget(cfg.Host, cfg.RequestsPort, cfg.Timeouts, log)
		m.responses = newTCPTarget(cfg.Host, cfg.ResponsesPort, cfg.Timeouts, log)
	}
	return m
}

func (m *Manager) Enabled() bool { return m.requests != nil }

// Forward writes every pair's ordered payload as a segment, one direction per
// sink. A pair whose direction is missing or empty writes nothing for that
// direction.
func (m *Manager) Forward(ctx context.Context, pairs []*reassembly.SessionPair) error {
	if !m.Enabled() {
		return nil
	}
	var errs []error
	for _, p := range pairs {
		for _, dir := range []flow.Direction{flow.DirClientToServer, flow.DirServerToClient} {
			data := p.Flow(dir).Payload()
			if len(data) == 0 {
				continue
			}
			t := m.requests
			if dir == flow.DirServerToClient {
				t = m.responses
			}
			if err := t.send(ctx, Encode(p.Quad, dir, data)); err != nil {
				errs = append(errs, fmt.Errorf("%s %s: %w", p.Quad, dir, err))
				continue
			}
			m.log.Debugf("forwarded %d bytes %s %s to %s", len(data), p.Quad, dir, t.address)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) Close() {
	if m.requests != nil {
		m.requests.Close()
	}
	if m.responses != nil {
		m.responses.Close()
	}
}

const segmentTag = "SESSION"

var ErrBadHeader = errors.New("malformed segment header")

// Segment is one session direction as carried on the wire.
type Segment struct {
	Quad flow.Quad
	Dir  flow.Direction
	Data []byte
}

// Encode frames data as one segment.
func Encode(q flow.Quad, dir flow.Direction, data []byte) []byte {
	hdr := fmt.Sprintf("%s %s %s %s %d\n", segmentTag, q.Client, q.Server, dir, len(data))
	out := make([]byte, 0, len(hdr)+len(data))
	out = append(out, hdr...)
	return append(out, data...)
}

// ReadSegment reads the next segment from r. io.EOF means a clean end of
// stream between segments.
func ReadSegment(r *bufio.Reader) (Segment, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line == "" {
			return Segment{}, io.EOF
		}
		return Segment{}, fmt.Errorf("read segment header: %w", err)
	}
	f := strings.Fields(line)
	if len(f) != 5 || f[0] != segmentTag {
		return Segment{}, fmt.Errorf("%w: %q", ErrBadHeader, line)
	}
	client, err1 := netip.ParseAddrPort(f[1])
	server, err2 := netip.ParseAddrPort(f[2])
	n, err3 := strconv.Atoi(f[4])
	dir := flow.Direction(f[3])
	if err := errors.Join(err1, err2, err3); err != nil || n < 0 ||
		(dir != flow.DirClientToServer && dir != flow.DirServerToClient) {
		return Segment{}, fmt.Errorf("%w: %q", ErrBadHeader, line)
	}
	seg := Segment{
		Quad: flow.Quad{
			Client: flow.Endpoint{Addr: client.Addr(), Port: client.Port()},
			Server: flow.Endpoint{Addr: server.Addr(), Port: server.Port()},
		},
		Dir:  dir,
		Data: make([]byte, n),
	}
	if _, err := io.ReadFull(r, seg.Data); err != nil {
		return Segment{}, fmt.Errorf("read segment body: %w", err)
	}
	return seg, nil
}

// tcpTarget maintains a single persistent TCP connection with reconnects.
type tcpTarget struct {
	address string
	timeout time.Duration
	retry   time.Duration
	mu      sync.Mutex
	conn    net.Conn
	log     logging.Logger
}

func newTCPTarget(host string, port int, t config.TimeoutConfig, log logging.Logger) *tcpTarget {
	timeout := time.Duration(t.Connect) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	retry := time.Duration(t.RetryEvery) * time.Second
	if retry <= 0 {
		retry = 5 * time.Second
	}
	return &tcpTarget{
		address: net.JoinHostPort(host, strconv.Itoa(port)),
		timeout: timeout,
		retry:   retry,
		log:     log,
	}
}

// send writes data, redialing on failure a bounded number of times.
func (t *tcpTarget) send(ctx context.Context, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = t.retry

	op := func() error {
		if t.conn == nil {
			if err := t.connectLocked(ctx); err != nil {
				t.log.Warnf("output connect %s failed: %v", t.address, err)
				return err
			}
		}
		if deadline, ok := ctx.Deadline(); ok {
			_ = t.conn.SetWriteDeadline(deadline)
		} else {
			_ = t.conn.SetWriteDeadline(time.Now().Add(t.timeout))
		}
		if _, err := t.conn.Write(data); err != nil {
			t.log.Warnf("output write to %s failed, reconnecting: %v", t.address, err)
			_ = t.conn.Close()
			t.conn = nil
			return err
		}
		return nil
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, 2), ctx))
}

func (t *tcpTarget) connectLocked(ctx context.Context) error {
	d := net.Dialer{Timeout: t.timeout}
	conn, err := d.DialContext(ctx, "tcp", t.address)
	if err != nil {
		return err
	}
	t.conn = conn
	t.log.Infof("connected to %s", t.address)
	return nil
}

func (t *tcpTarget) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
}
