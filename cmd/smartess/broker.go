package main

import (
	"github.com/paxyhome/smartess/broker"
	"github.com/paxyhome/smartess/log2"
	"github.com/spf13/cobra"
)

var (
	brokerListen []string
	brokerUser   string
	brokerPass   string
)

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Run embedded MQTT broker for development",
	Long: `Minimal MQTT 3.1.1 broker, QoS 0 and 1, no persistence.
Without --user any client is accepted.`,
	Args: cobra.NoArgs,
	RunE: runBroker,
}

func init() {
	brokerCmd.Flags().StringSliceVar(&brokerListen, "listen", []string{"tcp://0.0.0.0:1883"}, "listen URL, tcp:// or unix://, repeatable")
	brokerCmd.Flags().StringVar(&brokerUser, "user", "", "accepted username")
	brokerCmd.Flags().StringVar(&brokerPass, "pass", "", "accepted password")
	rootCmd.AddCommand(brokerCmd)
}

func runBroker(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()
	level := log2.LInfo
	if flagDebug {
		level = log2.LDebug
	}
	log := log2.NewStderr(level)
	log.SetFlags(log2.LInteractiveFlags)

	auth := map[string]string{}
	if brokerUser != "" {
		auth[brokerUser] = brokerPass
	}
	s := broker.NewServer(broker.Options{
		Log:       log,
		OnConnect: broker.AuthFromMap(auth),
		OnClose: func(id string, clean bool, e error) {
			log.Infof("broker client=%s gone clean=%t err=%v", id, clean, e)
		},
	})
	lopts := make([]*broker.ListenOptions, len(brokerListen))
	for i, u := range brokerListen {
		lopts[i] = &broker.ListenOptions{URL: u}
	}
	if err := s.Listen(ctx, lopts); err != nil {
		_ = s.Close()
		return exitError(log, err)
	}
	log.Infof("broker listen=%v", s.Addrs())
	<-ctx.Done()
	err := s.Close()
	log.Infof("broker stopped published=%d", s.Published())
	return exitError(log, err)
}
