// Package main is the entry point for the p1status CLI.
//
// p1status polls one or more ADA-P1 meters over HTTP, keeps the last good
// reading of each and exposes it on a status page, a JSON API and
// optionally an MQTT broker.
//
// Usage:
//
//	p1status serve -c config.yaml          # Poll devices and serve the status page
//	p1status serve                         # Single device from P1STATUS_* variables
//	p1status validate -c config.yaml       # Validate configuration
//	p1status probe --host 192.168.1.100    # Fetch one reading and print it
//	p1status mock --addr :8989             # Run a simulated meter
//	p1status version                       # Show version info
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information, set at build time via ldflags.
// Example: go build -ldflags "-X main.version=1.0.0"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// rootCmd is the base command when called without subcommands.
var rootCmd = &cobra.Command{
	Use:   "p1status",
	Short: "Poll ADA-P1 meters and publish their readings",
	Long: `p1status polls ADA-P1 energy meters over HTTP.

Each device is polled on its own interval. The last good reading is kept
while the device is unreachable, and availability is reported separately.

Quick start:
  1. Create a config file (p1status.yaml)
  2. Run: p1status serve -c p1status.yaml
  3. Open http://localhost:8080 in your browser

Example config:
  server:
    port: 8080
  devices:
    - name: Kitchen meter
      host: 192.168.1.100
      scan_interval: 30s`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func main() {
	Execute()
}

// versionCmd prints version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print the version, commit hash, and build date of this p1status binary.`,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "p1status %s\n", version)
		fmt.Fprintf(out, "  commit: %s\n", commit)
		fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn or error (overrides config)")
}
