package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jpalmerr/p1status/config"
)

// validateCmd validates a config file without polling anything.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file",
	Long: `Validate a p1status configuration file without contacting any device.

This command parses the YAML, expands environment variables, and validates
all fields. It's useful for CI/CD pipelines or pre-deployment checks.

Exit codes:
  0 - Config is valid
  1 - Config is invalid (error details printed to stderr)

Example:
  p1status validate -c config.yaml
  p1status validate --config /etc/p1status/config.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	_ = validateCmd.MarkFlagRequired("config")
}

func runValidate(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Config is valid!\n")
	if cfg.Server.Port == 0 {
		fmt.Fprintf(out, "  Port:    disabled\n")
	} else {
		fmt.Fprintf(out, "  Port:    %d\n", cfg.Server.Port)
	}
	if cfg.MQTT.Enabled() {
		fmt.Fprintf(out, "  MQTT:    %s\n", cfg.MQTT.Broker)
	}
	fmt.Fprintf(out, "  Devices: %d\n", len(cfg.Devices))

	for _, dc := range cfg.Devices {
		ep, err := config.BuildEndpoint(dc)
		if err != nil {
			return fmt.Errorf("invalid config: device %s: %w", dc.DeviceID(), err)
		}
		fmt.Fprintf(out, "    %s: %s every %s\n", dc.DeviceID(), ep.URL(), dc.ScanInterval.Duration())
	}

	return nil
}
