package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/p-arndt/kapsel/internal/config"
	klog "github.com/p-arndt/kapsel/internal/log"
)

type rootFlags struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:   "kapsel",
		Short: "Run plugin packages in isolated guest processes",
		Long: `kapsel hosts plugin packages in separate guest processes (or Docker
containers) and talks to them over a framed mailbox protocol. A guest that
stops sending heartbeats is replaced automatically.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "path to kapsel.yaml")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	root.AddCommand(newServeCmd(flags))
	root.AddCommand(newRunCmd(flags))
	root.AddCommand(newPsCmd(flags))
	return root
}

// load reads the config and installs the logger it asks for.
func (f *rootFlags) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, nil, err
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	logger := klog.Setup(cfg.LogLevel, cfg.LogFormat)
	return cfg, logger, nil
}
