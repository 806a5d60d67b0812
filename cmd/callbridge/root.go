package main

import (
	"log/slog"

	"github.com/harunnryd/callbridge/pkg/bridge"
	"github.com/harunnryd/callbridge/pkg/logging"
	"github.com/spf13/cobra"
)

type rootFlags struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "callbridge",
		Short:         "Bridge Twilio phone calls to a voice agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "callbridge.yaml", "path to the config file")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	cmd.AddCommand(newServeCmd(flags))
	cmd.AddCommand(newConfigCmd(flags))
	cmd.AddCommand(newDialCmd(flags))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// load reads the config file and installs the process logger it describes.
func (f *rootFlags) load() (bridge.Config, *slog.Logger, error) {
	cfg, err := bridge.LoadConfig(f.configPath)
	if err != nil {
		return bridge.Config{}, nil, err
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	logger := logging.InitLogger(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	return cfg, logger, nil
}
