package main

import (
	"github.com/spf13/cobra"

	"github.com/moatus/histstore"
	"github.com/moatus/histstore/log"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "hsbench [command] [flags]",
	Short:         "Exercise and inspect a history store",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		level := cfg.LogLevel
		if logLevel != "" {
			level = logLevel
		}
		return log.InitLogger(level)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML store configuration")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "zap log level, overrides the configuration")
}

// loadConfig reads --config, or the defaults plus environment when unset.
func loadConfig() (histstore.Config, error) {
	return histstore.LoadConfig(configPath)
}
