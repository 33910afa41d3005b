package main

import (
	"io"
	"os"

	"github.com/always-cache/pagecache"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// CLI flags
	configFilenameFlag string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

var rootCmd = &cobra.Command{
	Use:           "pagecache",
	Short:         "Full-page HTTP response cache",
	Long:          "pagecache stores rendered responses of an origin server and serves them until they expire.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging()
	},
}

func init() {
	if version == "" {
		version = "DEV"
	}
	rootCmd.Version = version
	rootCmd.PersistentFlags().StringVar(&configFilenameFlag, "config", "", "YAML config file (defaults are used if not set)")
	rootCmd.PersistentFlags().BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	rootCmd.PersistentFlags().StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(clearCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

func setupLogging() error {
	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return err
		}
		logOutputs = append(logOutputs, logFileOutput)
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()
	return nil
}

// loadOptions reads the config file given on the command line.
func loadOptions() (pagecache.Options, error) {
	if configFilenameFlag == "" {
		return pagecache.DefaultOptions(), nil
	}
	return pagecache.LoadOptions(configFilenameFlag)
}
