package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/riftsync/ldb/internal/config"
)

var (
	flagDBPath   string
	flagNodeID   string
	flagConfig   string
	flagLogLevel string

	cfg    config.Config
	logger *log.Logger
)

var rootCmd = &cobra.Command{
	Use:           "ldbd",
	Short:         "Local-first relational data engine CLI",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig()
	},
}

func init() {
	defaults := config.DefaultConfig()
	rootCmd.PersistentFlags().StringVar(&flagDBPath, "db", defaults.DBPath, "SQLite database path")
	rootCmd.PersistentFlags().StringVar(&flagNodeID, "node-id", defaults.NodeID, "HLC node id for this process")
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "config file (default: $HOME/.config/ldb/ldbd.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", defaults.LogLevel, "log level: debug, info, warn, error")
}

// loadConfig layers viper's file/env/flag precedence over config.DefaultConfig.
// When ConfigWatchEnabled is set it also watches the resolved file and logs
// each change; changed values are not re-read into cfg while the process runs.
func loadConfig() error {
	cfg = config.DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("LDB")
	v.AutomaticEnv()

	if flagConfig != "" {
		v.SetConfigFile(flagConfig)
	} else if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", "ldb"))
		v.SetConfigName("ldbd")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return fmt.Errorf("read config: %w", err)
		}
	}

	if v.IsSet("db_path") {
		cfg.DBPath = v.GetString("db_path")
	}
	if v.IsSet("node_id") {
		cfg.NodeID = v.GetString("node_id")
	}
	if v.IsSet("log_level") {
		cfg.LogLevel = v.GetString("log_level")
	}
	if v.IsSet("batch_size") {
		cfg.BatchSize = v.GetInt("batch_size")
	}
	if v.IsSet("constraint_policy") {
		cfg.ConstraintPolicy = v.GetString("constraint_policy")
	}

	if rootCmd.PersistentFlags().Changed("db") {
		cfg.DBPath = flagDBPath
	}
	if rootCmd.PersistentFlags().Changed("node-id") {
		cfg.NodeID = flagNodeID
	}
	if rootCmd.PersistentFlags().Changed("log-level") {
		cfg.LogLevel = flagLogLevel
	}

	logger = log.NewWithOptions(os.Stderr, log.Options{Level: parseLevel(cfg.LogLevel)})

	if cfg.ConfigWatchEnabled {
		v.OnConfigChange(func(e fsnotify.Event) {
			logger.Info("config file changed", "file", e.Name)
		})
		v.WatchConfig()
	}
	return nil
}

func parseLevel(s string) log.Level {
	lvl, err := log.ParseLevel(s)
	if err != nil {
		return log.InfoLevel
	}
	return lvl
}
