package cmd

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// version can be overridden at build time via:
// go build -ldflags "-X github.com/durapensa/ksi/cmd/ksi/cmd.version=1.2.3"
var version = "0.3.0"

// Exit codes: 0 success, 1 the daemon rejected the request, 2 the daemon
// was unreachable.
const (
	exitOK        = 0
	exitRejected  = 1
	exitTransport = 2
)

var (
	socketPath string
	// exitCode lets a command signal a specific code (transport vs reject).
	exitCode int
)

var rootCmd = &cobra.Command{
	Use:   "ksi",
	Short: "ksi - event-driven agent orchestration daemon",
	Long: color.CyanString("ksi") + " runs an event router with declarative transformers and\n" +
		"orchestration primitives, exposed over a unix socket.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		if exitCode != exitOK {
			return exitCode
		}
		return exitRejected
	}
	return exitCode
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "", "daemon socket path (default from config)")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(emitCmd)
	rootCmd.AddCommand(subscribeCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the ksi version",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Println("ksi " + version)
	},
}
