// Command scepctl exercises a SCEP server from the command line:
// capability probe, CA/RA chain fetch, enrollment, and certificate
// lookup, all against the scepclient library.
package main

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"

	"github.com/spf13/cobra"

	scep "scepclient"
)

func main() {
	root := &cobra.Command{
		Use:   "scepctl",
		Short: "Exercise a SCEP server's enrollment, capability, and lookup operations",
	}
	root.AddCommand(newCapsCommand())
	root.AddCommand(newCACertCommand())
	root.AddCommand(newEnrolCommand())
	root.AddCommand(newGetCertCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newClientFromConfig() (*scep.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	cert, key, err := loadIdentity(cfg.IdentityCertFile, cfg.IdentityKeyFile)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}

	logger := scep.NewDefaultLogger()
	opts := []scep.Option{scep.WithProfile(cfg.Profile), scep.WithLogger(logger)}
	if cfg.PreferredCipher == "AES" {
		opts = append(opts, scep.WithPreferredCipher(scep.CipherAES128CBC))
	} else if cfg.PreferredCipher == "DES3" {
		opts = append(opts, scep.WithPreferredCipher(scep.CipherDES3))
	}

	trust := func(candidate *x509.Certificate) bool {
		fmt.Fprintf(os.Stderr, "CA certificate: %s (accepting for this run)\n", candidate.Subject)
		return true
	}

	return scep.NewClient(cfg.Endpoint, scep.ClientIdentity{Certificate: cert, PrivateKey: key}, trust, opts...)
}

func loadIdentity(certFile, keyFile string) (*x509.Certificate, *rsa.PrivateKey, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return nil, nil, err
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, nil, fmt.Errorf("no PEM block in %s", certFile)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, nil, err
	}

	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, nil, err
	}
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, nil, fmt.Errorf("no PEM block in %s", keyFile)
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		k, err2 := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
		if err2 != nil {
			return nil, nil, err
		}
		rsaKey, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, nil, fmt.Errorf("%s is not an RSA private key", keyFile)
		}
		key = rsaKey
	}

	return cert, key, nil
}

func newCapsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "caps",
		Short: "Print the CA's advertised capabilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClientFromConfig()
			if err != nil {
				return err
			}
			caps, err := client.GetCapabilities(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("post_supported=%v rollover_supported=%v renewal_supported=%v strongest_cipher=%v strongest_digest=%v\n",
				caps.PostSupported(), caps.RolloverSupported(), caps.RenewalSupported(), caps.StrongestCipher(), caps.StrongestDigest())
			return nil
		},
	}
}

func newCACertCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cacert",
		Short: "Fetch and print the CA/RA chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClientFromConfig()
			if err != nil {
				return err
			}
			chain, err := client.GetCACertificate(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("CA: %s\n", chain.CA.Subject)
			if chain.SignRA != nil {
				fmt.Printf("Signing RA: %s\n", chain.SignRA.Subject)
			}
			if chain.EncryptRA != nil {
				fmt.Printf("Encryption RA: %s\n", chain.EncryptRA.Subject)
			}
			return nil
		},
	}
}

func newEnrolCommand() *cobra.Command {
	var csrFile string
	cmd := &cobra.Command{
		Use:   "enrol",
		Short: "Submit a CSR and drive the enrollment transaction to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClientFromConfig()
			if err != nil {
				return err
			}

			csrPEM, err := os.ReadFile(csrFile)
			if err != nil {
				return err
			}
			block, _ := pem.Decode(csrPEM)
			if block == nil {
				return fmt.Errorf("no PEM block in %s", csrFile)
			}
			csr, err := x509.ParseCertificateRequest(block.Bytes)
			if err != nil {
				return err
			}

			ctx := context.Background()
			tx, err := client.Enrol(ctx, csr)
			if err != nil {
				return err
			}
			state, err := tx.Send(ctx)
			if err != nil {
				return err
			}
			for state == scep.StateCertReqPending {
				fmt.Fprintln(os.Stderr, "enrollment pending, polling...")
				state, err = tx.Poll(ctx)
				if err != nil {
					return err
				}
			}
			if state != scep.StateCertIssued {
				return fmt.Errorf("enrollment ended in state %v", state)
			}
			for _, cert := range tx.Certificates() {
				fmt.Println(string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&csrFile, "csr", "", "path to a PEM-encoded PKCS#10 CSR")
	cmd.MarkFlagRequired("csr")
	return cmd
}

func newGetCertCommand() *cobra.Command {
	var serialDecimal string
	cmd := &cobra.Command{
		Use:   "getcert",
		Short: "Look up an issued certificate by serial number",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClientFromConfig()
			if err != nil {
				return err
			}
			serial, ok := new(big.Int).SetString(serialDecimal, 10)
			if !ok {
				return fmt.Errorf("invalid serial number %q", serialDecimal)
			}
			certs, err := client.GetCertificate(context.Background(), serial)
			if err != nil {
				return err
			}
			for _, cert := range certs {
				fmt.Println(string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&serialDecimal, "serial", "", "decimal serial number to query")
	cmd.MarkFlagRequired("serial")
	return cmd
}
