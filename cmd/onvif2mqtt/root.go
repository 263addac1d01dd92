package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dratasich/onvif2mqtt/config"
	"github.com/dratasich/onvif2mqtt/manager"
	"github.com/dratasich/onvif2mqtt/metrics"
	"github.com/dratasich/onvif2mqtt/onvif/pullpoint"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

var configPath string

var rootCmd = &cobra.Command{
	Use:          "onvif2mqtt",
	Short:        "Bridge ONVIF camera events to MQTT",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		setupLogging(cfg.Log)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg)
	},
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the configuration file and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d devices, %d templates, broker %s\n",
			configPath, len(cfg.Devices), len(cfg.API.Templates), cfg.MQTT.Host)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yml", "Path to the configuration file")
	rootCmd.AddCommand(checkConfigCmd)
}

func setupLogging(cfg config.Log) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		log.Warn().Str("level", cfg.Level).Msg("Unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// run serves until ctx is done, then publishes the OFF status within
// shutdownTimeout.
func run(ctx context.Context, cfg *config.Config, opts ...manager.Option) error {
	m := manager.New(cfg, pullpoint.New(), opts...)
	if err := m.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		m.Stop(stopCtx)
	}()

	if cfg.Metrics.Listen != "" {
		srv := metricsServer(cfg.Metrics.Listen, m)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Str("listen", srv.Addr).Msg("Metrics server failed")
			}
		}()
		defer srv.Close()
	}

	watcher := config.NewWatcher(configPath, func(updated *config.Config) {
		if err := m.Reconfigure(ctx, updated); err != nil {
			log.Warn().Err(err).Msg("Reconfiguration skipped")
		}
	})
	go func() {
		if err := watcher.Run(ctx); err != nil {
			log.Warn().Err(err).Msg("Config watcher stopped, reloading disabled")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Received shutdown signal")
	return nil
}

func metricsServer(addr string, m *manager.Manager) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		state := m.State()
		if (state != manager.Running && state != manager.Reconfiguring) || !m.Publisher().IsConnected() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}
