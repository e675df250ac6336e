package app

import (
	"bufio"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oidc-provider/identity"
	"github.com/giantswarm/oidc-provider/keys"
	"github.com/giantswarm/oidc-provider/registry"
	"github.com/giantswarm/oidc-provider/security"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage signing and encryption keys",
	}
	cmd.AddCommand(newKeysGenerateCmd())
	cmd.AddCommand(newKeysEncryptionCmd())
	return cmd
}

func newKeysGenerateCmd() *cobra.Command {
	var algorithm, out string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a signing key",
		Long: `Generate a PKCS8 PEM signing key and print its key id (RFC 7638 thumbprint).

Reference the file as keys.signing_key_file, or as a fallback key during
rotation.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := keys.GenerateKey(algorithm)
			if err != nil {
				return err
			}
			data, err := keys.EncodePEM(key)
			if err != nil {
				return err
			}
			kid, err := keys.DeriveKeyID(key)
			if err != nil {
				return err
			}

			if out == "" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			// O_EXCL keeps an existing key from being replaced by accident.
			f, err := os.OpenFile(out, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
			if err != nil {
				return fmt.Errorf("failed to create key file: %w", err)
			}
			if _, err := f.Write(data); err != nil {
				_ = f.Close()
				return fmt.Errorf("failed to write key file: %w", err)
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s key to %s\nkid: %s\n", algorithm, out, kid)
			return nil
		},
	}
	cmd.Flags().StringVar(&algorithm, "algorithm", keys.DefaultAlgorithm, "JWS algorithm (ES256, ES384, ES512, RS256, PS256, EdDSA)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output file (PEM to stdout when empty)")
	return cmd
}

func newKeysEncryptionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "encryption-key",
		Short: "Generate a storage encryption key",
		Long:  "Print a random base64 AES-256 key for storage.encryption_key.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := security.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), base64.StdEncoding.EncodeToString(key))
			return nil
		},
	}
}

func newRegistryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Work with registry files",
	}

	var usersFile string
	validate := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a registry file",
		Long: `Load a registry file the way serve does and report the first problem found:
unknown keys, duplicate names, scopes without a resource, clients without
grant types and similar.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snapshot, err := registry.LoadFile(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d clients, scopes: %s\n",
				args[0], snapshot.ClientCount(), strings.Join(snapshot.SupportedScopes(), " "))

			if usersFile != "" {
				users, err := identity.LoadUserStore(usersFile, nil)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d users\n", usersFile, users.Len())
			}
			return nil
		},
	}
	validate.Flags().StringVar(&usersFile, "users", "", "Also validate a users file")

	cmd.AddCommand(validate)
	return cmd
}

func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Work with client and user secrets",
	}

	var cost int
	hash := &cobra.Command{
		Use:   "hash",
		Short: "Hash a secret for the registry or users file",
		Long: `Read a secret from the first line of standard input and print its bcrypt hash.

  echo -n 's3cret' | oidc-provider secret hash`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return errors.New("no secret on standard input")
			}
			secret := strings.TrimRight(line, "\r\n")
			if secret == "" {
				return errors.New("secret is empty")
			}
			h, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
			if err != nil {
				return fmt.Errorf("failed to hash secret: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(h))
			return nil
		},
	}
	hash.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost")

	cmd.AddCommand(hash)
	return cmd
}
