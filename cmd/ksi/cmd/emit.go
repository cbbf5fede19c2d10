package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/durapensa/ksi/config"
	"github.com/durapensa/ksi/transport"
)

var (
	emitData    string
	emitCorrID  string
	emitVerbose bool
)

var emitCmd = &cobra.Command{
	Use:   "emit <event> [--data <json>]",
	Short: "Emit an event through the daemon",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		var data map[string]any
		if emitData != "" {
			if err := json.Unmarshal([]byte(emitData), &data); err != nil {
				return fmt.Errorf("parse --data: %w", err)
			}
		}

		client, err := dialDaemon()
		if err != nil {
			exitCode = exitTransport
			return err
		}
		defer client.Close()

		results, err := client.EmitCorrelated(cmd.Context(), args[0], data, emitCorrID)
		if err != nil {
			exitCode = exitRejected
			return err
		}
		if emitVerbose || len(results) > 0 {
			out, _ := json.Marshal(map[string]any{"event": args[0], "results": results})
			cmd.Println(string(out))
		}
		return nil
	},
}

func init() {
	emitCmd.Flags().StringVarP(&emitData, "data", "d", "", "event payload as a JSON object")
	emitCmd.Flags().StringVar(&emitCorrID, "correlation-id", "", "correlation id to carry on the event")
	emitCmd.Flags().BoolVarP(&emitVerbose, "verbose", "v", false, "print the result even when empty")
}

// dialDaemon connects to the daemon socket, resolving the path from the
// --socket flag or the environment-backed config.
func dialDaemon() (*transport.Client, error) {
	path := socketPath
	if path == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		path = cfg.Daemon.SocketPath
	}
	return transport.Dial(path)
}
