package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/wegman-software/osmupload-go/internal/config"
	"github.com/wegman-software/osmupload-go/internal/logger"
)

var (
	cfg        = config.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "osmupload",
	Short: "Upload osmChange files to the OpenStreetMap API",
	Long: `osmupload uploads osmChange (.osc, .osc.gz) files to an OpenStreetMap API.

Features:
  - Splits large diffs into changesets that respect the API element limit
  - Carries placeholder ids across changesets
  - Resolves version conflicts automatically or through a policy (built-in or Lua)
  - Writes the assigned ids as JSON or into PostgreSQL`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if configFile != "" {
			if err := loadConfigFile(cmd, configFile); err != nil {
				logger.Init(cfg.Verbose)
				exitWithError("failed to load config", err)
			}
		}
		cfg.ApplyEnv()

		// Initialize logger with optional file output
		if cfg.LogFile != "" {
			logger.InitWithFile(cfg.Verbose, cfg.LogFile)
		} else {
			logger.Init(cfg.Verbose)
		}
	},
}

func Execute() error {
	defer logger.Sync()
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML configuration file (flags take precedence)")
	rootCmd.PersistentFlags().BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "Enable verbose output")

	// Logging and metrics flags
	rootCmd.PersistentFlags().StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "Path to log file for persistent logging (JSON format)")
	rootCmd.PersistentFlags().DurationVar(&cfg.MetricsInterval, "metrics-interval", cfg.MetricsInterval, "Interval for system metrics logging (e.g., 10s, 1m, 0 to disable)")

	// Database flags (persistent so they're available to all subcommands)
	rootCmd.PersistentFlags().StringVar(&cfg.DBHost, "db-host", cfg.DBHost, "PostgreSQL host")
	rootCmd.PersistentFlags().IntVar(&cfg.DBPort, "db-port", cfg.DBPort, "PostgreSQL port")
	rootCmd.PersistentFlags().StringVarP(&cfg.DBName, "db-name", "d", cfg.DBName, "PostgreSQL database name")
	rootCmd.PersistentFlags().StringVarP(&cfg.DBUser, "db-user", "U", cfg.DBUser, "PostgreSQL user")
	rootCmd.PersistentFlags().StringVarP(&cfg.DBPassword, "db-password", "W", cfg.DBPassword, "PostgreSQL password")
	rootCmd.PersistentFlags().StringVar(&cfg.DBSchema, "db-schema", cfg.DBSchema, "PostgreSQL schema")
}

// loadConfigFile replaces cfg with the file's settings, then re-applies the flags
// given on the command line
func loadConfigFile(cmd *cobra.Command, path string) error {
	given := make(map[string]string)
	cmd.Flags().Visit(func(f *pflag.Flag) {
		given[f.Name] = f.Value.String()
	})

	loaded, err := config.LoadFile(path)
	if err != nil {
		return err
	}
	*cfg = *loaded

	var setErr error
	cmd.Flags().Visit(func(f *pflag.Flag) {
		// list flags are not bound to cfg and would be appended to twice
		if _, ok := f.Value.(pflag.SliceValue); ok || setErr != nil {
			return
		}
		setErr = f.Value.Set(given[f.Name])
	})
	return setErr
}

func exitWithError(msg string, err error) {
	log := logger.Get()
	if err != nil {
		log.Error(msg, zap.Error(err))
	} else {
		log.Error(msg)
	}
	logger.Sync()
	os.Exit(1)
}
