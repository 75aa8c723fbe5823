package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/mbira/go-busclient/bus"
	"github.com/mbira/go-busclient/config"
	"github.com/mbira/go-busclient/logger"
	"github.com/mbira/go-busclient/wire"
)

func main() {
	cfg, err := config.New()
	if err != nil {
		logger.Fatal("[%s] Failed to load config: %v", config.AppName, err)
	}

	// Set log level from config
	logger.SetLevel(cfg.LogLevel)

	registry := bus.NewRegistry()
	b := registry.Bus(bus.Options{
		BusType:                cfg.Bus.Type,
		ConnectionMode:         cfg.Bus.ConnectionMode(),
		Address:                cfg.Bus.Address,
		DedicatedDispatchQueue: cfg.Bus.DedicatedThread,
		Dialer:                 &wire.GodbusDialer{CallTimeout: cfg.Bus.CallTimeout},
		ShutdownTimeout:        cfg.Bus.ShutdownTimeout,
	})

	m := newMonitor(b, cfg.Monitor)
	if err := m.start(); err != nil {
		logger.Fatal("[%s] monitor start failed: %v", config.AppName, err)
	}

	// Pick up log-level changes without a restart
	if viper.ConfigFileUsed() != "" {
		viper.OnConfigChange(func(e fsnotify.Event) {
			logger.Info("[%s] config reloaded: %s", config.AppName, e.Name)
			if fresh, err := config.New(); err == nil {
				logger.SetLevel(fresh.LogLevel)
			}
		})
		viper.WatchConfig()
	}

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Warn("[%s] sd_notify failed: %v", config.AppName, err)
	} else if sent {
		logger.Debug("[%s] sd_notify ready", config.AppName)
	}

	logger.Info("[%s] started", config.AppName)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("[%s] shutdown signal received, stopping...", config.AppName)
	daemon.SdNotify(false, daemon.SdNotifyStopping)

	m.stop()
	registry.ShutdownAll()
	logger.Info("[%s] stopped", config.AppName)
}
