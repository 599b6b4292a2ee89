package main

import (
	"fmt"
	"os"

	"github.com/korjavin/mealtracker/pkg/config"
	"github.com/korjavin/mealtracker/pkg/logger"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
)

const programName = "mealtracker"

var (
	globalFlags = struct {
		debug bool
	}{}
	configFile string
	cfg        *config.Config
)

func commonRun() *logger.Logger {
	logger.Configure(globalFlags.debug || cfg.Debug)
	log := logger.New(programName)
	// Toss the undo func, GOMAXPROCS stays set for the life of the process
	if _, err := maxprocs.Set(maxprocs.Logger(log.Debug)); err != nil {
		log.Warn("Failed to set GOMAXPROCS: %v", err)
	}
	return log
}

func main() {
	rootCmd := &cobra.Command{
		Use:   programName,
		Short: "Track meal servings at a serving counter",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger.Configure(globalFlags.debug)
			loaded, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			cfg = loaded
			return nil
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().
		BoolVarP(&globalFlags.debug, "debug", "D", false, "enable debug logging")
	rootCmd.PersistentFlags().
		StringVar(&configFile, "config", "", "path to config file")

	rootCmd.AddCommand(serveCommand())
	rootCmd.AddCommand(migrateCommand())
	rootCmd.AddCommand(remainingCommand())

	if err := rootCmd.Execute(); err != nil {
		// cobra already printed the error
		os.Exit(1)
	}
}
