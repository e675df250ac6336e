// Package app implements the oidc-provider command line.
package app

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// version is injected at build time.
var version = "dev"

// viperKeyAnnotation maps a flag onto its configuration key.
const viperKeyAnnotation = "viper-key"

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "oidc-provider",
		DisableAutoGenTag: true,
		Short:             "OpenID Connect provider",
		Long: `oidc-provider issues OAuth 2.0 and OpenID Connect tokens for the clients and
API resources declared in a registry file.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the configuration file")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newKeysCmd())
	rootCmd.AddCommand(newRegistryCmd())
	rootCmd.AddCommand(newSecretCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "oidc-provider %s\n", version)
		},
	}
}

// bindFlags records the configuration key each flag overrides. keys maps
// configuration keys to flag names.
func bindFlags(cmd *cobra.Command, keys map[string]string) {
	for key, flag := range keys {
		if err := cmd.Flags().SetAnnotation(flag, viperKeyAnnotation, []string{key}); err != nil {
			panic(fmt.Sprintf("flag %s: %v", flag, err))
		}
	}
}

// viperFor builds the configuration of cmd: defaults, then the config file,
// then OIDC_ environment variables, then explicitly set flags.
func viperFor(cmd *cobra.Command) (*viper.Viper, error) {
	configFile, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	v, err := newViper(configFile)
	if err != nil {
		return nil, err
	}

	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		keys := f.Annotations[viperKeyAnnotation]
		if len(keys) == 0 || bindErr != nil {
			return
		}
		bindErr = v.BindPFlag(keys[0], f)
	})
	if bindErr != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", bindErr)
	}
	return v, nil
}
