package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/config"
	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/output"
	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/service"
)

func NewMixdownCmd(flags *globalFlags) *cobra.Command {
	var (
		format      string
		keepSources bool
	)

	cmd := &cobra.Command{
		Use:   "mixdown <session-dir>",
		Short: "Mix a stopped session's tracks into one file",
		Long:  "Re-run the mixdown for a session directory, e.g. after a failed merge left the raw tracks and metadata.json behind.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Read(flags.configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("format") {
				cfg.Mixdown.Format = format
			}
			if cmd.Flags().Changed("keep-sources") {
				cfg.Mixdown.KeepSources = keepSources
			}
			if err := cfg.Mixdown.Validate(); err != nil {
				return fmt.Errorf("mixdown config: %w", err)
			}

			engine, err := service.NewEngine(cfg.Mixdown)
			if err != nil {
				return err
			}

			formatter := output.Formatter{}
			start := time.Now()
			artifact, err := engine.Run(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("%s: %w", formatter.Error(err), err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, formatter.Mixdown(artifact, nil))
			fmt.Fprintf(out, "Mixed in %s: %s\n", output.FormatDuration(time.Since(start)), artifact.Path)
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "", "output format (mp3, ogg, wav)")
	cmd.Flags().BoolVar(&keepSources, "keep-sources", false, "keep the raw tracks after a successful mixdown")

	return cmd
}
