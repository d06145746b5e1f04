package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/EternisAI/silo-gate/internal/cert"
	"github.com/spf13/cobra"
)

func newCACmd() *cobra.Command {
	caCmd := &cobra.Command{
		Use:   "ca",
		Short: "Manage the certificate authority",
	}
	caCmd.AddCommand(newCAInitCmd(), newCAInspectCmd())
	return caCmd
}

func newCAInitCmd() *cobra.Command {
	var (
		outDir       string
		commonName   string
		organization string
		validityDays int
		keyBits      int
		force        bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a self-signed CA certificate and key",
		RunE: func(cmd *cobra.Command, args []string) error {
			certPath := filepath.Join(outDir, "ca-cert.pem")
			keyPath := filepath.Join(outDir, "ca-key.pem")

			if !force {
				for _, p := range []string{certPath, keyPath} {
					if _, err := os.Stat(p); err == nil {
						return fmt.Errorf("%s already exists, use --force to overwrite", p)
					}
				}
			}

			caCert, caKey, err := cert.GenerateCA(cert.CAOptions{
				CommonName:   commonName,
				Organization: organization,
				Validity:     time.Duration(validityDays) * 24 * time.Hour,
				KeyBits:      keyBits,
			})
			if err != nil {
				return err
			}

			if err := cert.WriteCertificateFile(certPath, caCert); err != nil {
				return err
			}
			if err := cert.WriteKeyFile(keyPath, caKey); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "CA generated")
			fmt.Fprintf(out, "  Subject:     %s\n", caCert.Subject.String())
			fmt.Fprintf(out, "  Fingerprint: %s\n", cert.Fingerprint(caCert.Raw))
			fmt.Fprintf(out, "  Expires:     %s\n", caCert.NotAfter.Format(time.RFC3339))
			fmt.Fprintf(out, "  Cert:        %s\n", certPath)
			fmt.Fprintf(out, "  Key:         %s\n", keyPath)
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Add the following to application.yaml:")
			fmt.Fprintln(out)
			fmt.Fprintf(out, "ca:\n")
			fmt.Fprintf(out, "  cert_file: %s\n", certPath)
			fmt.Fprintf(out, "  key_file: %s\n", keyPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outDir, "out-dir", "./certs/ca", "Directory to write ca-cert.pem and ca-key.pem")
	cmd.Flags().StringVar(&commonName, "common-name", "", "CA subject common name")
	cmd.Flags().StringVar(&organization, "organization", "", "CA subject organization")
	cmd.Flags().IntVar(&validityDays, "validity-days", 3650, "CA validity in days")
	cmd.Flags().IntVar(&keyBits, "key-bits", cert.DefaultKeyBits, "RSA key size")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing files")
	return cmd
}

func newCAInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Load the configured CA and print its details",
		RunE: func(cmd *cobra.Command, args []string) error {
			authority, err := cert.LoadAuthority(config.CA)
			if err != nil {
				return err
			}

			left := time.Until(authority.ExpiresAt())
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Subject:     %s\n", authority.Certificate.Subject.String())
			fmt.Fprintf(out, "Fingerprint: %s\n", authority.Fingerprint())
			fmt.Fprintf(out, "Not before:  %s\n", authority.Certificate.NotBefore.Format(time.RFC3339))
			fmt.Fprintf(out, "Not after:   %s\n", authority.ExpiresAt().Format(time.RFC3339))
			fmt.Fprintf(out, "Days left:   %d\n", int(left.Hours()/24))
			return nil
		},
	}
}
