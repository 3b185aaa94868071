package main

import (
	"context"
	"expvar"
	"fmt"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/paxyhome/smartess/helpers/cli"
	"github.com/paxyhome/smartess/internal/bridge"
	"github.com/paxyhome/smartess/inverter"
	"github.com/paxyhome/smartess/log2"
	"github.com/spf13/cobra"
)

const consoleUsage = `syntax: one command per line
- NAME   send command template by name (see below)
- HEX    send frame equal to one of templates
- stat   print counters and bus state
- help   this text
`

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Run bridge with interactive command prompt",
	Args:  cobra.NoArgs,
	RunE:  runConsole,
}

func init() {
	rootCmd.AddCommand(consoleCmd)
}

func runConsole(cmd *cobra.Command, args []string) error {
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
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	if err := cli.MainLoop("smartess", newConsoleExecutor(ctx, log, b), newConsoleCompleter()); err != nil {
		log.Error(err)
	}
	cancel()
	return exitError(log, <-done)
}

func newConsoleCompleter() prompt.Completer {
	suggests := []prompt.Suggest{
		{Text: "help", Description: "usage"},
		{Text: "stat", Description: "counters and bus state"},
	}
	for _, c := range inverter.Commands() {
		suggests = append(suggests, prompt.Suggest{Text: c.Name, Description: c.Result.String()})
	}
	return cli.Completer(suggests)
}

func newConsoleExecutor(ctx context.Context, log *log2.Log, b *bridge.Bridge) func(string) {
	return func(line string) {
		line = strings.TrimSpace(line)
		switch line {
		case "":
			return
		case "help":
			fmt.Print(consoleUsage)
			for _, c := range inverter.Commands() {
				fmt.Printf("  %-20s %s -> %s\n", c.Name, c.Frame.Hex(), c.Result.String())
			}
			return
		case "stat":
			for _, name := range statNames {
				if v := expvar.Get(name); v != nil {
					fmt.Printf("%s %s\n", name, v.String())
				}
			}
			fmt.Printf("bus state=%s attempts=%d\n", b.Publisher.State(), b.Publisher.Attempts())
			if last := b.Link.LastFrame(); !last.IsZero() {
				fmt.Printf("device last frame %s ago\n", time.Since(last).Truncate(time.Millisecond))
			} else {
				fmt.Println("device no frames yet")
			}
			fmt.Printf("inverter %s\n", b.State.Result().String())
			return
		}

		c, err := inverter.ParseCommand(line)
		if err != nil {
			log.Errorf("console line=%q err=%v", line, err)
			return
		}
		if err := b.SendCommand(ctx, c); err != nil {
			log.Errorf("console %s err=%v", c.Name, err)
		}
	}
}
