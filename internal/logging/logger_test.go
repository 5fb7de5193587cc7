package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"

	"stethoscope/pcapsessions/internal/config"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]log.Level{
		"debug":   log.DebugLevel,
		" INFO ":  log.InfoLevel,
		"warning": log.WarnLevel,
		"WARN":    log.WarnLevel,
		"error":   log.ErrorLevel,
		"":        log.InfoLevel,
		"loud":    log.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in, log.InfoLevel); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSetupCLIOverride(t *testing.T) {
	h, err := Setup(config.LoggingConfig{Console: config.ConsoleLogConfig{Verbosity: "ERROR"}}, "debug")
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()
	if h.GetLevel() != log.DebugLevel {
		t.Fatalf("level = %v, want debug", h.GetLevel())
	}
}

func TestSetupFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")
	h, err := Setup(config.LoggingConfig{
		Console: config.ConsoleLogConfig{Verbosity: "WARN"},
		File:    config.FileLogConfig{Enabled: true, Path: path, Verbosity: "INFO"},
	}, "")
	if err != nil {
		t.Fatal(err)
	}
	h.Infof("flows=%d", 3)
	h.Close()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "flows=3") {
		t.Fatalf("log file missing line: %q", b)
	}
}

func TestSetupFileAndConsoleKeepOwnLevels(t *testing.T) {
	cases := []struct {
		name             string
		console, file    string
		cli              string
		inConsole, inLog []string
		notConsole       []string
		notLog           []string
	}{
		{
			name: "verbose file", console: "WARN", file: "DEBUG",
			inConsole: []string{"warn-line"}, notConsole: []string{"debug-line", "info-line"},
			inLog: []string{"debug-line", "info-line", "warn-line"},
		},
		{
			name: "cli stricter than file", console: "DEBUG", file: "DEBUG", cli: "ERROR",
			inConsole: []string{"error-line"}, notConsole: []string{"debug-line", "warn-line"},
			inLog: []string{"debug-line", "error-line"},
		},
		{
			name: "verbose console", console: "DEBUG", file: "ERROR",
			inConsole: []string{"debug-line", "error-line"},
			inLog:     []string{"error-line"}, notLog: []string{"debug-line", "warn-line"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "run.log")
			var console bytes.Buffer
			h, err := setup(config.LoggingConfig{
				Console: config.ConsoleLogConfig{Verbosity: tc.console},
				File:    config.FileLogConfig{Enabled: true, Path: path, Verbosity: tc.file},
			}, tc.cli, &console)
			if err != nil {
				t.Fatal(err)
			}
			h.Debugf("debug-line")
			h.Infof("info-line")
			h.Warnf("warn-line")
			h.Errorf("error-line")
			h.Close()

			b, err := os.ReadFile(path)
			if err != nil {
				t.Fatal(err)
			}
			check := func(where, out string, want, not []string) {
				for _, w := range want {
					if !strings.Contains(out, w) {
						t.Errorf("%s lacks %q:\n%s", where, w, out)
					}
				}
				for _, n := range not {
					if strings.Contains(out, n) {
						t.Errorf("%s has %q:\n%s", where, n, out)
					}
				}
			}
			check("console", console.String(), tc.inConsole, tc.notConsole)
			check("file", string(b), tc.inLog, tc.notLog)
		})
	}
}

func TestDiscardSatisfiesLogger(t *testing.T) {
	var l Logger = Discard()
	l.Infof("nothing %d", 1)
}
