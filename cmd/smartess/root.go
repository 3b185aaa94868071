package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/paxyhome/smartess/internal/config"
	"github.com/paxyhome/smartess/log2"
	"github.com/spf13/cobra"
)

var (
	flagConfig string
	flagDebug  bool
)

var rootCmd = &cobra.Command{
	Use:   "smartess",
	Short: "SmartESS inverter to MQTT bridge",
	Long: `smartess accepts SmartESS inverter datalogger connection on TCP port 8899,
decodes status frames and publishes telemetry to MQTT.

Commands to the inverter arrive on the bus command topic or from console.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", config.DefaultFileName, "HCL config file")
	rootCmd.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "debug logging, overrides log.debug")
}

// setup reads config and builds logger according to it.
// Under systemd journal adds timestamps, so they are removed from log lines.
func setup() (*log2.Log, *config.Config, error) {
	boot := log2.NewStderr(log2.LInfo)
	underSystemd := sdnotify("start", boot)
	cfg, err := config.ReadFile(boot, flagConfig)
	if err != nil {
		return boot, nil, errors.Annotatef(err, "config file=%s", flagConfig)
	}

	level := log2.LInfo
	if flagDebug || cfg.Log.Debug {
		level = log2.LDebug
	}
	var log *log2.Log
	if cfg.Log.File != "" {
		log = log2.NewRotateFile(cfg.Log.File, 1, 5, level)
	} else {
		log = log2.NewStderr(level)
	}
	if underSystemd {
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}
	return log, cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// sdnotify returns true when running under systemd.
func sdnotify(s string, log *log2.Log) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Errorf("sdnotify state=%q err=%v", s, err)
	}
	return ok
}

func exitError(log *log2.Log, err error) error {
	if err != nil {
		log.Error(errors.ErrorStack(err))
	}
	return err
}
