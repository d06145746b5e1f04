package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/EternisAI/silo-gate/internal/agent"
	grpctls "github.com/EternisAI/silo-gate/internal/grpc/tls"
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
		Use:          "silo-gate-agent",
		Short:        "Obtain and renew a device certificate from a silo-gate server",
		Version:      AppVersion,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return InitConfig(configFile)
		},
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "Path to the agent application.yaml")

	root.AddCommand(newProvisionCmd(), newRenewCmd(), newCheckCmd())
	return root
}

func newProvisionCmd() *cobra.Command {
	var server, token, deviceID, certDir string

	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Redeem an onboarding token for a device certificate",
		RunE: func(cmd *cobra.Command, args []string) error {
			server = firstNonEmpty(server, config.Agent.Server)
			deviceID = firstNonEmpty(deviceID, config.Agent.DeviceID)
			certDir = firstNonEmpty(certDir, config.Agent.CertDir)
			if server == "" {
				return fmt.Errorf("--server is required")
			}
			if token == "" {
				return fmt.Errorf("--token is required")
			}
			if deviceID == "" {
				return fmt.Errorf("--device-id is required")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			client := agent.NewClient(server, nil)
			bundle, err := client.Issue(ctx, token, deviceID)
			if err != nil {
				return fmt.Errorf("provisioning failed: %w", err)
			}
			caPEM, err := client.CACertificate(ctx)
			if err != nil {
				return fmt.Errorf("failed to fetch CA certificate: %w", err)
			}

			paths := agent.PathsFor(certDir, deviceID)
			if err := agent.WriteCredentials(paths, bundle, caPEM); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Provisioning successful!")
			fmt.Fprintf(out, "  Device ID:   %s\n", deviceID)
			fmt.Fprintf(out, "  Cert:        %s\n", paths.CertFile)
			fmt.Fprintf(out, "  Key:         %s\n", paths.KeyFile)
			fmt.Fprintf(out, "  CA Cert:     %s\n", paths.CAFile)
			fmt.Fprintf(out, "  Valid until: %s\n", bundle.ValidUntil.Format(time.RFC3339))

			if configPath != "" {
				if err := agent.SaveConfig(configPath, server, deviceID, paths); err != nil {
					slog.Warn("Failed to persist device identity", "error", err, "config_path", configPath)
				} else {
					slog.Info("Device identity persisted to config", "config_path", configPath)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "Server URL (e.g., https://gate.example.com)")
	cmd.Flags().StringVar(&token, "token", "", "Onboarding token")
	cmd.Flags().StringVar(&deviceID, "device-id", "", "Device identifier used as certificate CN")
	cmd.Flags().StringVar(&certDir, "cert-dir", "", "Directory to save certificates")
	return cmd
}

func newRenewCmd() *cobra.Command {
	var server, deviceID string

	cmd := &cobra.Command{
		Use:   "renew",
		Short: "Renew the device certificate over mTLS",
		RunE: func(cmd *cobra.Command, args []string) error {
			server = firstNonEmpty(server, config.Agent.Server)
			if server == "" {
				return fmt.Errorf("--server is required")
			}

			paths, err := currentPaths()
			if err != nil {
				return err
			}

			tlsConfig, err := grpctls.LoadClientConfig(paths.CertFile, paths.KeyFile, paths.CAFile, config.Agent.TLS.ServerNameOverride)
			if err != nil {
				return err
			}
			if !config.Agent.TLS.HTTPSTrustFleetCA {
				tlsConfig.RootCAs = nil
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			bundle, err := agent.NewClient(server, tlsConfig).Renew(ctx, deviceID)
			if err != nil {
				return fmt.Errorf("renewal failed: %w", err)
			}
			if err := agent.WriteCredentials(paths, bundle, nil); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Certificate renewed, valid until %s\n", bundle.ValidUntil.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "Server URL")
	cmd.Flags().StringVar(&deviceID, "device-id", "", "Device to renew (defaults to the identity of the current certificate)")
	return cmd
}

func newCheckCmd() *cobra.Command {
	var grpcAddress string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Show the stored certificate and run a gRPC health check over mTLS",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := currentPaths()
			if err != nil {
				return err
			}

			deviceID, expiresAt, err := agent.CertificateStatus(paths.CertFile)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Device ID:   %s\n", deviceID)
			fmt.Fprintf(out, "Valid until: %s (%d days left)\n", expiresAt.Format(time.RFC3339), int(time.Until(expiresAt).Hours()/24))

			grpcAddress = firstNonEmpty(grpcAddress, config.Agent.GrpcAddress)
			if grpcAddress == "" {
				return nil
			}

			creds, err := grpctls.LoadClientCredentials(paths.CertFile, paths.KeyFile, paths.CAFile, config.Agent.TLS.ServerNameOverride)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			status, err := agent.CheckHealth(ctx, grpcAddress, creds)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "gRPC health: %s\n", status)
			return nil
		},
	}

	cmd.Flags().StringVar(&grpcAddress, "grpc-address", "", "gRPC listener address (host:port)")
	return cmd
}

// currentPaths prefers the files recorded at provisioning and falls back to
// the default layout under cert_dir.
func currentPaths() (agent.Paths, error) {
	if config.Agent.TLS.CertFile != "" && config.Agent.TLS.KeyFile != "" && config.Agent.TLS.CAFile != "" {
		return agent.Paths{
			CertFile: config.Agent.TLS.CertFile,
			KeyFile:  config.Agent.TLS.KeyFile,
			CAFile:   config.Agent.TLS.CAFile,
		}, nil
	}
	if config.Agent.DeviceID == "" {
		return agent.Paths{}, fmt.Errorf("agent.device_id or agent.tls files must be configured, run provision first")
	}
	return agent.PathsFor(config.Agent.CertDir, config.Agent.DeviceID), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
