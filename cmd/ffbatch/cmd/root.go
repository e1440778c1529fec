package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/psantana5/ffbatch/pkg/config"
)

// Version is set at build time
var Version = "dev"

// Process exit codes
const (
	ExitOK          = 0
	ExitError       = 1
	ExitBatchFailed = 2
	ExitCancelled   = 3
	// ExitInterrupted means the batch was paused by a signal and can be resumed
	ExitInterrupted = 130
)

var (
	cfgFile      string
	outputFormat string
	logLevel     string

	v = config.NewViper()
)

// exitError carries a specific process exit code out of a command
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}
func (e *exitError) Unwrap() error { return e.err }

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "ffbatch",
	Short: "Resumable batch video analysis over rotating API credentials",
	Long: `ffbatch drives a list of video analysis jobs to completion across a set of
API credentials with independent quotas. Progress is checkpointed so an
interrupted batch resumes without repeating finished work.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and returns the process exit code
func Execute() int {
	rootCmd.Version = Version
	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", ee.err)
			}
			return ee.code
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitError
	}
	return ExitOK
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.ffbatch/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: table, json or yaml")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("checkpoint-dir", "", "checkpoint directory (default from config)")

	v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	v.BindPFlag("checkpoint.dir", rootCmd.PersistentFlags().Lookup("checkpoint-dir"))
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if err := config.ReadFile(v, cfgFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitError)
	}
}

// loadConfig decodes the merged flags, file, environment and defaults
func loadConfig() (*config.Config, error) {
	return config.Load(v)
}

// bindFlag ties a command flag to a config key; unset flags fall through to
// the file and environment
func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
		panic(err)
	}
}
