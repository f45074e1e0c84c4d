// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/fluxmq-harness/harness"
	"github.com/absmach/fluxmq-harness/shell"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	var (
		noShell    bool
		brokerPort int
		apiAddr    string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the harness with the interactive shell",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if apiAddr != "" {
				cfg.API.Enabled = true
				cfg.API.Addr = apiAddr
			}
			logger := newLogger(cfg.Log)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger, shell.NewConsole(cmd.OutOrStdout()))
			if err != nil {
				return err
			}

			if brokerPort > 0 {
				// Failures are reported on the console.
				_ = a.coord.StartBroker(ctx, brokerPort)
			}

			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = a.coord.Run(ctx)
			}()

			if cfg.API.Enabled {
				srv := a.apiServer()
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := srv.Listen(ctx); err != nil {
						logger.Error("API server stopped", slog.String("error", err.Error()))
					}
				}()
			}

			if noShell {
				<-ctx.Done()
			} else {
				sh := shell.New(a.coord, cmd.OutOrStdout(), cfg.Client.Host, logger)
				if err := sh.Run(ctx, cmd.InOrStdin()); err != nil {
					logger.Error("shell input failed", slog.String("error", err.Error()))
				}
			}
			stop()
			wg.Wait()

			return shutdown(a, cfg.Broker.ShutdownTimeout)
		},
	}

	cmd.Flags().BoolVar(&noShell, "no-shell", false, "Run without the interactive shell until interrupted")
	cmd.Flags().IntVar(&brokerPort, "broker-port", 0, "Start the embedded broker on this port at startup")
	cmd.Flags().StringVar(&apiAddr, "api", "", "Enable the HTTP control API on this address")

	return cmd
}

func newBrokerCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "broker",
		Short: "Run only the embedded broker until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if port == 0 {
				port = cfg.Broker.Port
			}
			if err := harness.ValidatePort(port); err != nil {
				return err
			}
			logger := newLogger(cfg.Log)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			if err := a.coord.StartBroker(ctx, port); err != nil {
				_ = shutdown(a, cfg.Broker.ShutdownTimeout)
				return err
			}
			logger.Info("broker running", slog.Int("port", port))

			<-ctx.Done()
			return shutdown(a, cfg.Broker.ShutdownTimeout)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "Port to listen on (default from configuration)")

	return cmd
}

func shutdown(a *app, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	a.logger.Info("shutting down")
	return a.shutdown(ctx)
}
