// Package main provides the CLI entry point for the wireskip tunneling
// proxy.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/postalsys/wireskip/internal/config"
	"github.com/postalsys/wireskip/internal/host"
	"github.com/postalsys/wireskip/internal/join"
	"github.com/postalsys/wireskip/internal/logging"
	"github.com/postalsys/wireskip/internal/metrics"
	"github.com/postalsys/wireskip/internal/reaper"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "wireskip",
		Short:   "wireskip - a multi-hop onion-routed HTTP/2 tunneling proxy",
		Version: Version,
	}

	rootCmd.AddCommand(joinCmd())
	rootCmd.AddCommand(hostCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func joinCmd() *cobra.Command {
	var listen, logLevel, logFormat, metricsAddr, configPath string

	cmd := &cobra.Command{
		Use:   "join <hop-addr>...",
		Short: "Build a circuit through one or more relays and serve local SOCKS5",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultJoinConfig()
			if configPath != "" {
				loaded, err := config.LoadJoinConfig(configPath)
				if err != nil {
					return fmt.Errorf("wireskip: load config: %w", err)
				}
				cfg = loaded
			}
			if cmd.Flags().Changed("listen") {
				cfg = cfg.WithListen(listen)
			}
			if cmd.Flags().Changed("log-level") || cmd.Flags().Changed("log-format") {
				cfg = cfg.WithLogging(logLevel, logFormat)
			}
			if cmd.Flags().Changed("metrics-addr") {
				cfg = cfg.WithMetricsAddr(metricsAddr)
			}
			cfg = cfg.WithHops(args)

			if err := cfg.Validate(); err != nil {
				return err
			}

			return runJoin(cfg)
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "L", "127.0.0.1:1080", "local SOCKS5 listen address")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	cmd.Flags().StringVar(&logFormat, "log-format", "text", "log format: text, json")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (empty disables)")
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")

	return cmd
}

func hostCmd() *cobra.Command {
	var logLevel, logFormat, metricsAddr, configPath string
	var allowedEgress []string

	cmd := &cobra.Command{
		Use:   "host <listen-addr>",
		Short: "Run a relay: accept HTTP/2 CONNECT and connect-udp requests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultHostConfig()
			if configPath != "" {
				loaded, err := config.LoadHostConfig(configPath)
				if err != nil {
					return fmt.Errorf("wireskip: load config: %w", err)
				}
				cfg = loaded
			}
			cfg = cfg.WithListen(args[0])
			if cmd.Flags().Changed("log-level") || cmd.Flags().Changed("log-format") {
				cfg = cfg.WithLogging(logLevel, logFormat)
			}
			if cmd.Flags().Changed("metrics-addr") {
				cfg = cfg.WithMetricsAddr(metricsAddr)
			}
			if cmd.Flags().Changed("allow-egress") {
				cfg = cfg.WithAllowedEgress(allowedEgress)
			}

			if err := cfg.Validate(); err != nil {
				return err
			}

			return runHost(cfg)
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	cmd.Flags().StringVar(&logFormat, "log-format", "text", "log format: text, json")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (empty disables)")
	cmd.Flags().StringSliceVar(&allowedEgress, "allow-egress", nil, "restrict egress to these hosts/domains (repeatable); empty allows all")
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")

	return cmd
}

func runJoin(cfg config.JoinConfig) error {
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	m := metrics.Default()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup := reaper.New(logger)
	sup.SetOnFatal(reaper.ExitOnFatal(logger))

	logger.Info("building circuit", logging.KeyHops, cfg.Hops)
	circuit, err := join.BuildCircuit(ctx, cfg.Hops, logger, sup)
	if err != nil {
		return fmt.Errorf("wireskip: build circuit: %w", err)
	}
	m.CircuitHops.Set(float64(circuit.HopCount()))

	front := join.NewFront(join.Config{ListenAddr: cfg.Listen, Logger: logger, Metrics: m}, circuit, sup)

	serveMetrics(cfg.MetricsAddr, logger)
	installSignalHandler(cancel, logger)

	logger.Info("listening for socks5", logging.KeyAddress, cfg.Listen)
	err = front.ListenAndServe(ctx)
	sup.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func runHost(cfg config.HostConfig) error {
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	m := metrics.Default()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := host.NewRelay(host.Config{
		ListenAddr:    cfg.Listen,
		Logger:        logger,
		Metrics:       m,
		AllowedEgress: cfg.AllowedEgress,
	})

	serveMetrics(cfg.MetricsAddr, logger)
	installSignalHandler(cancel, logger)

	logger.Info("listening for h2c", logging.KeyAddress, cfg.Listen)
	err := relay.ListenAndServe(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// serveMetrics starts a background HTTP server exposing /metrics when
// addr is non-empty. A bind failure here is logged, not fatal.
func serveMetrics(addr string, logger interface {
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
}) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		logger.Info("serving metrics", logging.KeyAddress, addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Warn("metrics server stopped", logging.KeyError, err)
		}
	}()
}

func installSignalHandler(cancel context.CancelFunc, logger interface {
	Info(msg string, args ...any)
}) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()
}
