package config

import (
	"testing"

	"github.com/spf13/viper"

	"github.com/mbira/go-busclient/logger"
	"github.com/mbira/go-busclient/wire"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want logger.Level
	}{
		{"DEBUG", logger.DEBUG},
		{"debug", logger.DEBUG},
		{"INFO", logger.INFO},
		{"WARN", logger.WARN},
		{"ERROR", logger.ERROR},
		{"FATAL", logger.FATAL},
		{"bogus", logger.WARN},
		{"", logger.WARN},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.in); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseBusType(t *testing.T) {
	tests := []struct {
		in      string
		want    wire.BusType
		address string
	}{
		{"session", wire.Session, ""},
		{"Session", wire.Session, ""},
		{"", wire.Session, ""},
		{"system", wire.System, ""},
		{"unix:path=/tmp/test.sock", wire.Custom, "unix:path=/tmp/test.sock"},
	}
	for _, tt := range tests {
		got, address := parseBusType(tt.in)
		if got != tt.want || address != tt.address {
			t.Errorf("parseBusType(%q) = (%v, %q), want (%v, %q)",
				tt.in, got, address, tt.want, tt.address)
		}
	}
}

func TestConnectionMode(t *testing.T) {
	if (&BusConfig{Shared: true}).ConnectionMode() != wire.Shared {
		t.Error("Shared config did not map to a shared connection")
	}
	if (&BusConfig{}).ConnectionMode() != wire.Private {
		t.Error("default config did not map to a private connection")
	}
}

func TestDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	cfg, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if cfg.Bus.Type != wire.Session {
		t.Errorf("default bus type = %v, want session", cfg.Bus.Type)
	}
	if !cfg.Bus.DedicatedThread {
		t.Error("dedicated dispatch thread not enabled by default")
	}
	if cfg.Bus.CallTimeout <= 0 || cfg.Bus.ShutdownTimeout <= 0 {
		t.Errorf("timeouts not defaulted: call=%v shutdown=%v",
			cfg.Bus.CallTimeout, cfg.Bus.ShutdownTimeout)
	}
	if cfg.Monitor.OwnName != "" {
		t.Errorf("default own-name = %q, want empty", cfg.Monitor.OwnName)
	}
	if cfg.LogLevel != logger.WARN {
		t.Errorf("default log level = %v, want WARN", cfg.LogLevel)
	}
}

func TestInvalidTimeouts(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	viper.Set("bus.call-timeout", "0s")
	if _, err := New(); err == nil {
		t.Fatal("zero call timeout accepted")
	}

	viper.Reset()
	viper.Set("bus.shutdown-timeout", "-1s")
	if _, err := New(); err == nil {
		t.Fatal("negative shutdown timeout accepted")
	}
}
