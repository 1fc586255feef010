package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/getmockd/mqttlog/pkg/broker"
	"github.com/getmockd/mqttlog/pkg/cli/internal/parse"
)

// brokerStopTimeout bounds the embedded broker shutdown.
const brokerStopTimeout = 5 * time.Second

func newBrokerCommand(a *app) *cobra.Command {
	var (
		listen string
		users  []string
	)

	cmd := &cobra.Command{
		Use:   "broker",
		Short: "Run a local MQTT broker for dry runs",
		Long: `Starts an in-process MQTT broker so recordings can be replayed, or traffic
recorded, without a real broker. Runs until interrupted.`,
		Example: `  mqttlog broker --listen :1883
  mqttlog broker --listen 127.0.0.1:1884 --user alice:secret`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			creds := make(map[string]string, len(users))
			for _, u := range users {
				name, pass, ok := parse.KeyValue(u, ':')
				if !ok || name == "" {
					return fmt.Errorf("invalid --user %q (want name:password)", u)
				}
				creds[name] = pass
			}

			b, err := broker.NewEmbedded(broker.EmbeddedConfig{Address: listen, Users: creds}, a.log)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := b.Start(ctx); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(a.stdout, "MQTT broker listening on %s (Ctrl+C to stop)\n", b.Address())

			<-ctx.Done()
			return b.Stop(context.Background(), brokerStopTimeout)
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", ":1883", "TCP listen address")
	cmd.Flags().StringArrayVar(&users, "user", nil, "Require this name:password (repeatable); anonymous when unset")
	return cmd
}
