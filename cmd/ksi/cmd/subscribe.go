package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var subscribeJSON bool

var subscribeCmd = &cobra.Command{
	Use:   "subscribe <pattern>...",
	Short: "Stream events matching the given patterns",
	Long: "Subscribes to one or more patterns (exact name, \"namespace:*\" or \"*\")\n" +
		"and prints matching events until interrupted.",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		client, err := dialDaemon()
		if err != nil {
			exitCode = exitTransport
			return err
		}
		defer client.Close()

		ctx := cmd.Context()
		for _, pattern := range args {
			if _, err := client.Subscribe(ctx, pattern); err != nil {
				exitCode = exitRejected
				return err
			}
		}

		nameColor := color.New(color.FgCyan, color.Bold)
		errColor := color.New(color.FgRed, color.Bold)
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-client.Events():
				if !ok {
					exitCode = exitTransport
					return fmt.Errorf("connection to daemon lost")
				}
				if subscribeJSON {
					line, _ := json.Marshal(ev)
					cmd.Println(string(line))
					continue
				}
				payload, _ := json.Marshal(ev.Data)
				c := nameColor
				if ev.Name == "event:error" {
					c = errColor
				}
				cmd.Printf("%s %s %s\n",
					ev.Timestamp.Format("15:04:05.000"),
					c.Sprint(ev.Name),
					string(payload))
			}
		}
	},
}

func init() {
	subscribeCmd.Flags().BoolVar(&subscribeJSON, "json", false, "print full event envelopes as JSON lines")
}
