package tele

import (
	"context"
	"strings"

	"github.com/paxyhome/smartess/inverter"
	"github.com/paxyhome/smartess/log2"
)

type CommandFunc func(context.Context, inverter.Command) error

// CommandHandler parses bus command payload (name or template hex) and runs it.
// Invalid payloads are logged and ignored.
func CommandHandler(log *log2.Log, run CommandFunc) func(context.Context, []byte) {
	return func(ctx context.Context, payload []byte) {
		s := strings.TrimSpace(string(payload))
		cmd, err := inverter.ParseCommand(s)
		if err != nil {
			log.Errorf("tele command payload=%q err=%v", s, err)
			return
		}
		if err := run(ctx, cmd); err != nil {
			log.Errorf("tele command %s err=%v", cmd.Name, err)
			return
		}
		log.Infof("tele command %s sent", cmd.Name)
	}
}
