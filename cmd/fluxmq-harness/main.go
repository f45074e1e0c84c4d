// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version    = "dev"
	configFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fluxmq-harness",
		Short: "MQTT test harness with an embedded broker, a publisher and a subscriber",
		Long: `fluxmq-harness runs an embedded MQTT broker together with a publisher and a
subscriber client. Each role is started and stopped independently from the
interactive shell or the HTTP control API, and every message the subscriber
receives is printed with its timestamp, topic, payload and QoS.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to configuration file")

	rootCmd.AddCommand(
		newRunCmd(),
		newBrokerCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
