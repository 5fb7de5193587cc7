// Package config loads and validates the json-ish configuration file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config models the user-provided configuration file.
type Config struct {
	Network NetworkConfig `json:"network"`
	Capture CaptureConfig `json:"capture"`
	Stop    StopConfig    `json:"stop"`
	Output  OutputConfig  `json:"output"`
	Metrics MetricsConfig `json:"metrics"`
	Logging LoggingConfig `json:"logging"`
}

// NetworkConfig names the hosts that orient and terminate a capture.
type NetworkConfig struct {
	ClientIP string `json:"client_ip" validate:"required,ip"`
	KillIP   string `json:"kill_ip" validate:"required,ip"`
	StopMAC  string `json:"stop_mac" validate:"omitempty,mac"`
	Iface    string `json:"iface"`
}

// CaptureConfig describes the live sniffer.
type CaptureConfig struct {
	Pcap        string `json:"pcap"`
	SnapLen     int    `json:"snaplen" validate:"gte=0"`
	Promisc     bool   `json:"promisc"`
	BufferBytes int    `json:"buffer_bytes" validate:"gte=0"`
	BPFFilter   string `json:"bpf-filter"`
}

// StopConfig bounds how long Stop waits for the sniffer to exit.
type StopConfig struct {
	InitialMs     int `json:"initial_ms" validate:"gte=0"`
	MaxMs         int `json:"max_ms" validate:"gte=0"`
	MaxElapsedSec int `json:"max_elapsed_sec" validate:"gte=0"`
}

// OutputConfig forwards reassembled streams to a remote analyser.
type OutputConfig struct {
	Enabled       bool          `json:"enabled"`
	Host          string        `json:"host" validate:"required_if=Enabled true"`
	RequestsPort  int           `json:"requests_port" validate:"required_if=Enabled true,gte=0,lte=65535"`
	ResponsesPort int           `json:"responses_port" validate:"required_if=Enabled true,gte=0,lte=65535"`
	Timeouts      TimeoutConfig `json:"timeouts"`
}

// TimeoutConfig holds small connection timing knobs.
type TimeoutConfig struct {
	Connect    int `json:"connect" validate:"gte=0"`
	RetryEvery int `json:"retry-every" validate:"gte=0"`
}

// MetricsConfig enables the Prometheus endpoint during live capture.
type MetricsConfig struct {
	Listen string `json:"listen" validate:"omitempty,hostname_port"`
}

// LoggingConfig captures console and file verbosity.
type LoggingConfig struct {
	Console ConsoleLogConfig `json:"console"`
	File    FileLogConfig    `json:"file"`
}

type ConsoleLogConfig struct {
	Verbosity string `json:"verbosity" validate:"omitempty,oneof=DEBUG INFO WARN WARNING ERROR debug info warn warning error"`
}

type FileLogConfig struct {
	Enabled   bool   `json:"enabled"`
	Path      string `json:"path"`
	Verbosity string `json:"verbosity" validate:"omitempty,oneof=DEBUG INFO WARN WARNING ERROR debug info warn warning error"`
}

const DefaultBPFFilter = "( host {client_ip} and tcp and ( not host {kill_ip} ) ) or ether dst {stop_mac}"

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Network: NetworkConfig{StopMAC: "00:00:00:03:02:01"},
		Capture: CaptureConfig{SnapLen: 65536, Promisc: true, BPFFilter: DefaultBPFFilter},
		Stop:    StopConfig{InitialMs: 250, MaxMs: 1000, MaxElapsedSec: 10},
		Output:  OutputConfig{Timeouts: TimeoutConfig{Connect: 5, RetryEvery: 5}},
		Logging: LoggingConfig{Console: ConsoleLogConfig{Verbosity: "INFO"}},
	}
}

var (
	keyRe          = regexp.MustCompile(`(?m)(^|\s|[{,])([A-Za-z_][A-Za-z0-9_-]*)(\s*):`)
	trailingComma  = regexp.MustCompile(`,(\s*[}\]])`)
	lineCommentRe  = regexp.MustCompile(`(?m)^\s*(//|#).*$`)
	blockCommentRe = regexp.MustCompile(`(?s)/\*.*?\*/`)
)

// Load parses a json-ish configuration file on top of Default. The result is
// not validated; callers apply flag overrides first and then call Validate.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := Parse(raw, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Parse decodes json-ish text into cfg, keeping fields the text omits.
func Parse(raw []byte, cfg *Config) error {
	normalized := normalizeJSONish(string(raw))
	if err := json.Unmarshal([]byte(normalized), cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// normalizeJSONish adds quoted keys, strips comments, and removes trailing commas.
func normalizeJSONish(text string) string {
	text = blockCommentRe.ReplaceAllString(text, "")
	text = lineCommentRe.ReplaceAllString(text, "")
	text = keyRe.ReplaceAllString(text, `${1}"${2}"${3}:`)
	text = trailingComma.ReplaceAllString(text, `$1`)
	return strings.TrimSpace(text)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags and reports the first offending field.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			v := verrs[0]
			return fmt.Errorf("invalid config: %s fails %q (param=%q, value=%v)", v.Namespace(), v.Tag(), v.Param(), v.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ClientAddr is the configured client address; the zero Addr if unset.
func (c Config) ClientAddr() netip.Addr {
	a, _ := netip.ParseAddr(strings.TrimSpace(c.Network.ClientIP))
	return a.Unmap()
}

// KillAddr is the configured kill/stop address; the zero Addr if unset.
func (c Config) KillAddr() netip.Addr {
	a, _ := netip.ParseAddr(strings.TrimSpace(c.Network.KillIP))
	return a.Unmap()
}

// StopHardwareAddr parses the stop MAC; nil if unset or invalid.
func (c Config) StopHardwareAddr() net.HardwareAddr {
	mac, err := net.ParseMAC(strings.TrimSpace(c.Network.StopMAC))
	if err != nil {
		return nil
	}
	return mac
}

// BPF expands the capture filter template.
func (c Config) BPF() string {
	tpl := strings.TrimSpace(c.Capture.BPFFilter)
	if tpl == "" {
		tpl = DefaultBPFFilter
	}
	r := strings.NewReplacer(
		"{client_ip}", c.Network.ClientIP,
		"{kill_ip}", c.Network.KillIP,
		"{stop_mac}", c.Network.StopMAC,
	)
	return r.Replace(tpl)
}

func (s StopConfig) InitialInterval() time.Duration {
	return time.Duration(s.InitialMs) * time.Millisecond
}

func (s StopConfig) MaxInterval() time.Duration {
	return time.Duration(s.MaxMs) * time.Millisecond
}

func (s StopConfig) MaxElapsed() time.Duration {
	return time.Duration(s.MaxElapsedSec) * time.Second
}
