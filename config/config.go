package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mbira/go-busclient/logger"
	"github.com/mbira/go-busclient/wire"
)

const (
	AppName    = "busmon"
	AppVersion = "0.1.0"
)

type Config struct {
	Bus      *BusConfig
	Monitor  *MonitorConfig
	LogLevel logger.Level
}

type BusConfig struct {
	Type            wire.BusType
	Address         string
	Shared          bool
	DedicatedThread bool
	CallTimeout     time.Duration
	ShutdownTimeout time.Duration
}

type MonitorConfig struct {
	// Matches are the match rules subscribed at startup.
	Matches []string
	// OwnName, when set, is a well-known name to claim on the bus.
	OwnName string
	// ResolveNames are well-known names whose owners are resolved and
	// logged at startup.
	ResolveNames []string
	// EventTypes restricts which monitor events are reported; empty means
	// all.
	EventTypes []string
	// OwnerCacheTTL bounds how long resolved name owners are reused.
	OwnerCacheTTL time.Duration
}

// parseLogLevel converts a string to a logger.Level
func parseLogLevel(levelStr string) logger.Level {
	switch strings.ToUpper(levelStr) {
	case "DEBUG":
		return logger.DEBUG
	case "INFO":
		return logger.INFO
	case "WARN":
		return logger.WARN
	case "ERROR":
		return logger.ERROR
	case "FATAL":
		return logger.FATAL
	default:
		return logger.WARN // default
	}
}

// parseBusType maps the configured bus string to a wire bus type. Anything
// other than "session" or "system" is treated as a custom transport address.
func parseBusType(bus string) (wire.BusType, string) {
	switch strings.ToLower(bus) {
	case "", "session":
		return wire.Session, ""
	case "system":
		return wire.System, ""
	default:
		return wire.Custom, bus
	}
}

func (c *BusConfig) ConnectionMode() wire.ConnectionMode {
	if c.Shared {
		return wire.Shared
	}
	return wire.Private
}

func New() (*Config, error) {
	viper.SetDefault("bus.type", "session")
	viper.SetDefault("bus.shared", false)
	viper.SetDefault("bus.dedicated-thread", true)
	viper.SetDefault("bus.call-timeout", "5s")
	viper.SetDefault("bus.shutdown-timeout", "3s")

	viper.SetDefault("monitor.matches", []string{})
	viper.SetDefault("monitor.own-name", "")
	viper.SetDefault("monitor.resolve-names", []string{})
	viper.SetDefault("monitor.event-types", []string{})
	viper.SetDefault("monitor.owner-cache-ttl", "30s")

	viper.SetDefault("LogLevel", "WARN")
	// Load from configuration file, environment variables, and CLI flags
	viper.SetConfigName("config")                       // name of config file (without extension)
	viper.SetConfigType("yaml")                         // config file format
	viper.AddConfigPath(filepath.Join("/etc", AppName)) // Global configuration path
	if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(filepath.Join(home, ".config", AppName)) // User config path
	}

	if err := viper.ReadInConfig(); err != nil {
		// Config file is optional, continue with defaults if not found
		if _, isNotFound := err.(viper.ConfigFileNotFoundError); !isNotFound {
			logger.Warn("failed to read config: %v", err)
		}
	}

	busType, address := parseBusType(viper.GetString("bus.type"))

	callTimeout := viper.GetDuration("bus.call-timeout")
	if callTimeout <= 0 {
		return nil, fmt.Errorf("invalid call timeout: %s", viper.GetString("bus.call-timeout"))
	}
	shutdownTimeout := viper.GetDuration("bus.shutdown-timeout")
	if shutdownTimeout <= 0 {
		return nil, fmt.Errorf("invalid shutdown timeout: %s", viper.GetString("bus.shutdown-timeout"))
	}

	buscfg := BusConfig{
		Type:            busType,
		Address:         address,
		Shared:          viper.GetBool("bus.shared"),
		DedicatedThread: viper.GetBool("bus.dedicated-thread"),
		CallTimeout:     callTimeout,
		ShutdownTimeout: shutdownTimeout,
	}

	ownerTTL := viper.GetDuration("monitor.owner-cache-ttl")
	if ownerTTL < 0 {
		ownerTTL = 0
	}

	moncfg := MonitorConfig{
		Matches:       viper.GetStringSlice("monitor.matches"),
		OwnName:       viper.GetString("monitor.own-name"),
		ResolveNames:  viper.GetStringSlice("monitor.resolve-names"),
		EventTypes:    viper.GetStringSlice("monitor.event-types"),
		OwnerCacheTTL: ownerTTL,
	}

	cfg := Config{
		Bus:      &buscfg,
		Monitor:  &moncfg,
		LogLevel: parseLogLevel(viper.GetString("LogLevel")),
	}

	return &cfg, nil
}
