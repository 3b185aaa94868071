package main

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/juju/errors"
	"github.com/paxyhome/smartess/helpers"
	"github.com/paxyhome/smartess/internal/devicelink"
	"github.com/paxyhome/smartess/inverter"
	"github.com/paxyhome/smartess/log2"
	"github.com/spf13/cobra"
)

var (
	replayAddr  string
	replaySpeed float64
)

var replayCmd = &cobra.Command{
	Use:   "replay FILE",
	Short: "Act as inverter, send frames from capture file to bridge",
	Long: `Dials bridge device port and writes captured frames with original pacing.
--speed 2 plays twice as fast, --speed 0 sends everything at once.
Frames received from bridge are decoded and logged.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().StringVar(&replayAddr, "addr", "127.0.0.1:8899", "bridge device address")
	replayCmd.Flags().Float64Var(&replaySpeed, "speed", 1, "pacing multiplier, 0 disables delays")
	rootCmd.AddCommand(replayCmd)
}

func runReplay(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()
	level := log2.LInfo
	if flagDebug {
		level = log2.LDebug
	}
	log := log2.NewStderr(level)
	log.SetFlags(log2.LInteractiveFlags)

	records, err := devicelink.ReadCapture(args[0])
	if err != nil {
		return exitError(log, err)
	}
	conn, err := net.DialTimeout("tcp", replayAddr, 10*time.Second)
	if err != nil {
		return exitError(log, errors.Annotatef(err, "replay dial=%s", replayAddr))
	}
	defer conn.Close()
	go logIncoming(log, conn)

	n, err := replayRecords(ctx, conn, records, replaySpeed, sleepCtx)
	log.Infof("replay sent frames=%d/%d", n, len(records))
	if ctx.Err() != nil {
		return nil
	}
	return exitError(log, err)
}

// replayRecords writes raw frames keeping recorded intervals divided by speed.
func replayRecords(ctx context.Context, w io.Writer, records []devicelink.CaptureRecord, speed float64, sleep func(context.Context, time.Duration) error) (int, error) {
	for i, r := range records {
		if i > 0 && speed > 0 {
			d := time.Duration(float64(r.T-records[i-1].T) / speed)
			if d > 0 {
				if err := sleep(ctx, d); err != nil {
					return i, err
				}
			}
		}
		if err := helpers.WriteAll(w, r.Raw); err != nil {
			return i, errors.Annotatef(err, "replay frame=%d", i)
		}
	}
	return len(records), nil
}

func logIncoming(log *log2.Log, r io.Reader) {
	fr := inverter.NewFramer(inverter.DefaultMaxFrame)
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			frames, ferr := fr.Feed(buf[:n])
			if ferr != nil {
				log.Errorf("replay incoming err=%v", ferr)
			}
			for _, f := range frames {
				res, _ := inverter.LookupEcho(f)
				log.Infof("replay received %s command=%s", f.Hex(), res.String())
			}
		}
		if err != nil {
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
