package main

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"formulary/internal/agent"
	"formulary/internal/logging"
)

var version = "dev"

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("FORMULARY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	v.SetDefault("config", "/formulary.yaml")

	rootCmd := &cobra.Command{
		Use:           "formulary",
		Short:         "Offline formulary lookup: cache agent and search client",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().String("config", "/formulary.yaml", "path to formulary.yaml (env FORMULARY_CONFIG)")
	rootCmd.PersistentFlags().String("log-level", "", "override logging.level (env FORMULARY_LOG_LEVEL)")
	_ = v.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = v.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(
		newServeCmd(v),
		newSearchCmd(v),
		newWatchCmd(v),
		newSkipWaitingCmd(v),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := cmd.OutOrStdout().Write([]byte(version + "\n"))
			return err
		},
	}
}

// loadConfig reads the agent config named by --config / FORMULARY_CONFIG.
func loadConfig(v *viper.Viper) (agent.Config, error) {
	return agent.LoadConfig(v.GetString("config"))
}

func newLogger(v *viper.Viper, cfg agent.Config) (*zap.Logger, error) {
	level := cfg.Logging.Level
	if l := v.GetString("log-level"); l != "" {
		level = l
	}
	return logging.New(logging.Options{
		Level:  level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
}
