package main

import (
	"context"
	"expvar"
	"sync"

	"github.com/coreos/go-systemd/daemon"
	"github.com/paxyhome/smartess/internal/bridge"
	"github.com/paxyhome/smartess/log2"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run bridge until SIGINT or SIGTERM",
	Args:  cobra.NoArgs,
	RunE:  runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()
	log, cfg, err := setup()
	if err != nil {
		return exitError(log, err)
	}

	b := bridge.New(log)
	if err := b.Init(ctx, cfg); err != nil {
		_ = b.Close()
		return exitError(log, err)
	}
	publishStats(b)
	go watchFatal(ctx, log, b)
	sdnotify(daemon.SdNotifyReady, log)
	err = b.Run(ctx)
	sdnotify(daemon.SdNotifyStopping, log)
	logStats(log)
	return exitError(log, err)
}

var statNames = []string{"devicelink", "router"}
var statOnce sync.Once

func publishStats(b *bridge.Bridge) {
	statOnce.Do(func() {
		expvar.Publish("devicelink", b.Link.Stat())
		expvar.Publish("router", b.Router.Stat())
	})
}

func logStats(log *log2.Log) {
	for _, name := range statNames {
		if v := expvar.Get(name); v != nil {
			log.Infof("stat %s=%s", name, v.String())
		}
	}
}

// watchFatal makes bus credential rejection visible in `systemctl status`.
// Process keeps running: device side and local state stay useful.
func watchFatal(ctx context.Context, log *log2.Log, b *bridge.Bridge) {
	select {
	case <-ctx.Done():
	case <-b.Fatal():
		sdnotify("STATUS=FATAL: MQTT credentials rejected, telemetry stopped", log)
	}
}
