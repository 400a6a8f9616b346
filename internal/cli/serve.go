package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/config"
	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/logging"
	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/service"
)

func NewServeCmd(flags *globalFlags) *cobra.Command {
	var (
		addr        string
		dir         string
		provider    string
		format      string
		logLevel    string
		maxDuration string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the recorder service",
		Long:  "Connect to the voice provider and serve the recording API until interrupted. Active recordings are stopped and mixed down on shutdown.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Read(flags.configPath)
			if err != nil {
				return err
			}

			fs := cmd.Flags()
			if fs.Changed("addr") {
				cfg.HTTP.Addr = addr
			}
			if fs.Changed("dir") {
				cfg.Recording.Dir = dir
			}
			if fs.Changed("provider") {
				cfg.Voice.Provider = provider
			}
			if fs.Changed("format") {
				cfg.Mixdown.Format = format
			}
			if fs.Changed("log-level") {
				cfg.Logging.Level = logLevel
			}
			if fs.Changed("max-duration") {
				d, err := parseDuration(maxDuration)
				if err != nil {
					return fmt.Errorf("--max-duration: %w", err)
				}
				cfg.Recording.MaxDuration = d
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("config validation failed: %w", err)
			}

			logging.Init(logging.Options{
				Level:  cfg.Logging.Level,
				Format: cfg.Logging.Format,
				Output: cfg.Logging.Output,
			})

			svc, err := service.New(cfg)
			if err != nil {
				return fmt.Errorf("initializing service: %w", err)
			}
			return svc.Run()
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address")
	cmd.Flags().StringVar(&dir, "dir", "", "recordings directory")
	cmd.Flags().StringVar(&provider, "provider", "", "voice provider (discord, livekit)")
	cmd.Flags().StringVar(&format, "format", "", "mixdown format (mp3, ogg, wav)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&maxDuration, "max-duration", "", "auto-stop recordings after this long, e.g. 2h")

	return cmd
}
