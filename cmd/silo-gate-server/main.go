package main

import (
	"os"

	"github.com/spf13/cobra"
)

var AppVersion string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:           "silo-gate-server",
		Short:         "Certificate authority and mTLS gate for a closed device fleet",
		Version:       AppVersion,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return InitConfig(configFile)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "Path to application.yaml")

	root.AddCommand(newServeCmd(), newCACmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the optional gRPC listener and the background jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}
