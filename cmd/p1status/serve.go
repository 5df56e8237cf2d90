package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jpalmerr/p1status"
	"github.com/jpalmerr/p1status/config"
	"github.com/jpalmerr/p1status/dashboard"
	"github.com/jpalmerr/p1status/internal/hub"
	"github.com/jpalmerr/p1status/internal/mqtt"
	"github.com/jpalmerr/p1status/internal/server"
	"github.com/jpalmerr/p1status/internal/store"
)

const (
	shutdownTimeout = 10 * time.Second

	// mqttQuiesce is how long Disconnect waits for in-flight publishes, in ms.
	mqttQuiesce = 250
)

// newLogger creates a JSON logger for CLI use.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

// serveCmd polls the configured devices and serves their status.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Poll devices and serve their status",
	Long: `Poll every configured ADA-P1 meter and serve the status page.

The server will:
  - Load configuration from the given YAML file, or from P1STATUS_*
    environment variables when no file is given (a .env file in the
    working directory is read first)
  - Set up each device with a first refresh, retrying failed setups
    every scan interval
  - Serve the status page and JSON API on server.port (0 disables it)
  - Publish readings to MQTT when mqtt.broker is set

The server runs until interrupted (Ctrl+C) or receives SIGTERM.

Example:
  p1status serve -c config.yaml
  P1STATUS_HOST=192.168.1.100 p1status serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("config", "c", "", "path to config file (default: read P1STATUS_* environment)")
}

// loadConfig reads the --config file, or the environment when it is unset.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configFile, _ := cmd.Flags().GetString("config")
	if configFile != "" {
		return config.Load(configFile)
	}
	return config.FromEnv()
}

// logLevel returns the --log-level flag if given, else the configured level.
func logLevel(cmd *cobra.Command, configured string) slog.Level {
	if flag, _ := cmd.Flags().GetString("log-level"); flag != "" {
		return config.ParseLogLevel(flag)
	}
	return config.ParseLogLevel(configured)
}

func runServe(cmd *cobra.Command, args []string) error {
	// a missing .env is fine; real environment variables take precedence
	_ = godotenv.Load()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := newLogger(cmd.ErrOrStderr(), logLevel(cmd, cfg.LogLevel))
	logger.Info("config loaded",
		"devices", len(cfg.Devices),
		"port", cfg.Server.Port,
		"mqtt", cfg.MQTT.Enabled(),
	)

	// set up context with signal handling - cancel on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := store.NewMemoryStore()
	devices := hub.New(logger)

	var pub *mqtt.Publisher
	if cfg.MQTT.Enabled() {
		client := mqtt.NewClient(mqtt.ClientConfig{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		}, logger)
		if err := mqtt.Connect(client); err != nil {
			return fmt.Errorf("failed to connect to %s: %w", cfg.MQTT.Broker, err)
		}
		defer client.Disconnect(mqttQuiesce)

		opts := []mqtt.Option{
			mqtt.WithQoS(byte(cfg.MQTT.QoS)),
			mqtt.WithLogger(logger),
		}
		if cfg.MQTT.TopicPrefix != "" {
			opts = append(opts, mqtt.WithTopicPrefix(cfg.MQTT.TopicPrefix))
		}
		if cfg.MQTT.Discovery != "" {
			opts = append(opts, mqtt.WithDiscovery(cfg.MQTT.Discovery))
		}
		pub = mqtt.NewPublisher(client, opts...)
	}

	pending := make([]hub.Device, 0, len(cfg.Devices))
	retries := make([]time.Duration, 0, len(cfg.Devices))
	closeAll := func() {
		for _, d := range pending {
			d.Close()
		}
	}
	for _, dc := range cfg.Devices {
		d, retry, err := newDevice(dc, st, pub, logger)
		if err != nil {
			closeAll()
			return fmt.Errorf("device %s: %w", dc.DeviceID(), err)
		}
		pending = append(pending, d)
		retries = append(retries, retry)
	}

	g, gctx := errgroup.WithContext(ctx)

	var srv *server.Server
	if cfg.Server.Port != 0 {
		srv = server.NewServer(st, devices, cfg.Server.Port, dashboard.Assets, cfg.Title, logger)
		if err := srv.Start(gctx); err != nil {
			closeAll()
			return fmt.Errorf("failed to start server: %w", err)
		}
	}

	for i, d := range pending {
		g.Go(func() error {
			return setupDevice(gctx, devices, d, retries[i], logger)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		devices.StopAll()
		if srv != nil {
			<-srv.Done()
		}
		return nil
	})

	errChan := make(chan error, 1)
	go func() {
		errChan <- g.Wait()
	}()

	select {
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		logger.Info("shutdown complete")
		return nil

	case <-ctx.Done():
		// signal received, wait for graceful shutdown with timeout
		select {
		case err := <-errChan:
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			logger.Info("shutdown complete")
			return nil
		case <-time.After(shutdownTimeout):
			logger.Warn("shutdown timed out",
				"timeout", shutdownTimeout.String(),
				"action", "forcing exit",
			)
			return nil
		}
	}
}

// newDevice builds the coordinator for dc with its store and MQTT observers
// attached. It returns the device and the setup retry delay.
func newDevice(dc config.DeviceConfig, st *store.MemoryStore, pub *mqtt.Publisher, logger *slog.Logger) (hub.Device, time.Duration, error) {
	ep, err := config.BuildEndpoint(dc)
	if err != nil {
		return hub.Device{}, 0, err
	}

	id := dc.DeviceID()
	set := config.SensorSet(dc)
	fetcher := p1status.NewHTTPFetcher(ep)

	opts := config.BuildCoordinatorOptions(dc, logger)
	opts = append(opts, p1status.WithObserver(func(s p1status.State) {
		st.Update(store.FromState(id, ep.URL(), set, s))
	}))
	if pub != nil {
		opts = append(opts, p1status.WithObserver(pub.Observer(id, set)))
	}

	c, err := p1status.New(fetcher, opts...)
	if err != nil {
		fetcher.Close()
		return hub.Device{}, 0, err
	}

	return hub.Device{
		ID:          id,
		Coordinator: c,
		URL:         ep.URL(),
		Sensors:     set,
		Close: func() {
			fetcher.Close()
			if pub != nil {
				if err := pub.Offline(id); err != nil {
					logger.Warn("mqtt offline publish failed", "device", id, "error", err.Error())
				}
			}
			st.Delete(id)
		},
	}, c.Interval(), nil
}

// setupDevice adds d to the hub, retrying every retry until the first
// refresh succeeds or ctx is done. A device that never came up is stopped
// and closed here since the hub never owned it.
func setupDevice(ctx context.Context, devices *hub.Hub, d hub.Device, retry time.Duration, logger *slog.Logger) error {
	for {
		err := devices.Add(ctx, d)
		if err == nil {
			return nil
		}
		if errors.Is(err, hub.ErrDuplicateDevice) {
			d.Coordinator.Stop()
			d.Close()
			return err
		}
		if ctx.Err() != nil {
			d.Coordinator.Stop()
			d.Close()
			return nil
		}

		logger.Info("retrying device setup", "device", d.ID, "in", retry.String())
		select {
		case <-ctx.Done():
			d.Coordinator.Stop()
			d.Close()
			return nil
		case <-time.After(retry):
		}
	}
}
