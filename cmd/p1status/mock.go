package main

import (
	"fmt"
	"net"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jpalmerr/p1status/internal/mockdevice"
)

// mockCmd runs a simulated ADA-P1 meter.
var mockCmd = &cobra.Command{
	Use:   "mock",
	Short: "Run a simulated ADA-P1 meter",
	Long: `Run a simulated ADA-P1 meter for local testing.

The mock serves JSON on /status and plain text on /, with fresh random
values on every request. Latency and failures can be injected to exercise
availability handling.

Example:
  p1status mock
  p1status mock --addr :9000 --profile meter --failure-rate 0.2`,
	RunE: runMock,
}

func init() {
	rootCmd.AddCommand(mockCmd)

	mockCmd.Flags().String("addr", ":8989", "listen address")
	mockCmd.Flags().String("profile", string(mockdevice.ProfileTelemetry), "value profile: telemetry or meter")
	mockCmd.Flags().Duration("latency", 0, "maximum random response delay")
	mockCmd.Flags().Float64("failure-rate", 0, "fraction of requests answered with 503 (0 to 1)")
	mockCmd.Flags().Int64("seed", 0, "random seed (0 picks one)")
}

func runMock(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	addr, _ := flags.GetString("addr")
	profileName, _ := flags.GetString("profile")
	latency, _ := flags.GetDuration("latency")
	failureRate, _ := flags.GetFloat64("failure-rate")
	seed, _ := flags.GetInt64("seed")

	profile, err := mockdevice.ParseProfile(profileName)
	if err != nil {
		return err
	}

	logger := newLogger(cmd.ErrOrStderr(), logLevel(cmd, ""))

	opts := []mockdevice.Option{
		mockdevice.WithProfile(profile),
		mockdevice.WithLatency(latency),
		mockdevice.WithFailureRate(failureRate),
		mockdevice.WithLogger(logger),
	}
	if seed != 0 {
		opts = append(opts, mockdevice.WithSeed(seed))
	}
	dev := mockdevice.New(opts...)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return dev.ListenAndServe(ctx, addr, func(a net.Addr) {
		fmt.Fprintf(cmd.OutOrStdout(), "mock device at http://%s/status\n", a)
	})
}
