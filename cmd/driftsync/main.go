package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/driftsync/driftsync/internal/config"
	"github.com/driftsync/driftsync/internal/daemon"
	"github.com/driftsync/driftsync/internal/utils"
	"github.com/driftsync/driftsync/internal/version"
)

const configFileName = "config"

var home, _ = os.UserHomeDir()

var rootCmd = &cobra.Command{
	Use:     "driftsync",
	Short:   "DriftSync offline-first sync daemon",
	Version: version.Detailed(),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Default()
		cfg.Path = viper.ConfigFileUsed()
		cfg.DataDir = viper.GetString("data_dir")
		cfg.RemoteURL = viper.GetString("remote_url")
		cfg.HTTPAddr = viper.GetString("http_addr")
		cfg.AuthToken = viper.GetString("auth_token")
		if targets := viper.GetStringSlice("probe_targets"); len(targets) > 0 {
			cfg.ProbeTargets = targets
		}
		if interval := viper.GetDuration("sync_interval"); interval > 0 {
			cfg.SyncInterval = config.Duration(interval)
		}

		if err := cfg.Validate(); err != nil {
			return err
		}

		cmd.SilenceUsage = true
		showHeader()

		d, err := daemon.New(cfg)
		if err != nil {
			return err
		}

		defer slog.Info("Bye!")
		return d.Start(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().SortFlags = false
	rootCmd.Flags().StringP("datadir", "d", config.DefaultDataDir, "DriftSync data directory")
	rootCmd.Flags().StringP("remote", "r", config.DefaultRemoteURL, "Remote sync endpoint")
	rootCmd.Flags().StringP("addr", "a", config.DefaultHTTPAddr, "Control plane listen address")
	rootCmd.Flags().StringP("token", "t", "", "Control plane auth token")
	rootCmd.Flags().DurationP("interval", "i", 30*time.Second, "Sync interval")
	rootCmd.PersistentFlags().StringP("config", "c", config.DefaultConfigPath, "DriftSync config file")
}

func main() {
	logFile := filepath.Join(config.DefaultDataDir, "logs", "driftsync.log")
	if err := utils.EnsureParent(logFile); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create log directory: %v\n", err)
		os.Exit(1)
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
		os.Exit(1)
	}
	defer file.Close()

	stdoutHandler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})
	fileHandler := slog.NewTextHandler(file, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})

	logger := slog.New(utils.NewMultiLogHandler(stdoutHandler, fileHandler))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) error {
	if cmd.Flag("config").Changed {
		configFilePath, _ := cmd.Flags().GetString("config")
		viper.SetConfigFile(configFilePath)
	} else {
		viper.AddConfigPath(filepath.Join(home, ".driftsync"))
		viper.AddConfigPath(filepath.Join(home, ".config/driftsync"))
		viper.SetConfigName(configFileName)
		viper.SetConfigType("json")
	}

	if err := viper.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !enoent && !notFound {
			return fmt.Errorf("config read '%s': %w", viper.ConfigFileUsed(), err)
		}
	}

	viper.BindPFlag("data_dir", cmd.Flags().Lookup("datadir"))
	viper.BindPFlag("remote_url", cmd.Flags().Lookup("remote"))
	viper.BindPFlag("http_addr", cmd.Flags().Lookup("addr"))
	viper.BindPFlag("auth_token", cmd.Flags().Lookup("token"))
	viper.BindPFlag("sync_interval", cmd.Flags().Lookup("interval"))

	viper.SetEnvPrefix("DRIFTSYNC")
	viper.AutomaticEnv()

	return nil
}

func showHeader() {
	color.New(color.FgHiCyan, color.Bold).
		Printf("%s %s\n", version.AppName, version.Short())
}
