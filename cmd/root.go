// Package cmd implements the CLI using the cobra framework: each
// subcommand runs one of the bundled sample graphs on a local context and
// prints the result plus the quiescence report.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cnc-go/cnc/internal/config"
	"github.com/cnc-go/cnc/internal/log"
)

var (
	configFile string
	logLevel   string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "cnc",
	Short: "CnC - declarative dataflow coordination runtime",
	Long: `CnC executes declarative dataflow graphs: step computations wired by tag
(control) and item (data) collections, with single-assignment semantics,
implicit parallelism, and transparent distribution across processes.

The bundled subcommands run the sample graphs over the in-process
transport: fanout and parallel single-process, reduce optionally across
several simulated processes (--nodes).`,
	Version: "0.1.0",
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (defaults apply when empty)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "",
		"log level override (trace, debug, info, warn, error)")

	rootCmd.AddCommand(fanoutCmd)
	rootCmd.AddCommand(parallelCmd)
	rootCmd.AddCommand(reduceCmd)
}

func loadConfig() *config.RuntimeConfig {
	var cfg *config.RuntimeConfig
	if configFile == "" {
		cfg = config.Default()
	} else {
		loaded, err := config.Load(configFile)
		if err != nil {
			exitWithError("loading config", err)
		}
		cfg = loaded
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	log.Init(&log.Config{
		Pattern:  cfg.Log.Pattern,
		Time:     cfg.Log.Time,
		Level:    cfg.Log.Level,
		Appender: cfg.Log.Appender,
		File:     cfg.Log.File,
	})
	return cfg
}

// exitWithError prints error message and exits with code 1
func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}
