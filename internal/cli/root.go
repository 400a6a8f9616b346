// Package cli holds the voice-recorder commands.
package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/version"
)

type globalFlags struct {
	configPath string
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	flags := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:           "voice-recorder",
		Short:         "Record voice channels per speaker and mix them down",
		Long:          "A service that joins voice channels, captures every speaker to its own track and mixes the tracks into one file when the recording stops.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.Version = version.Version
	rootCmd.SetVersionTemplate(version.Full() + "\n")
	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "path to a YAML config file")

	rootCmd.AddCommand(NewServeCmd(flags))
	rootCmd.AddCommand(NewMixdownCmd(flags))
	rootCmd.AddCommand(NewVersionCmd())

	return rootCmd
}

func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Full())
		},
	}
}

func parseDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %v", d)
	}
	return d, nil
}
