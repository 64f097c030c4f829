package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rpattn/datacheck/internal/config"
	"github.com/rpattn/datacheck/internal/logging"
)

const (
	exitSuccess = 0
	exitError   = 1
	// exitFindings signals a completed run with failed error checks.
	exitFindings = 2
)

// exitCodeError carries a process exit code out of a command.
type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

type rootOptions struct {
	configDir string
	logLevel  string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "datacheck",
		Short:         "Validate tabular research data against a definition",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configDir, "config", ".", "directory containing config.yaml")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(
		newPlanCommand(opts),
		newValidateCommand(opts),
		newMigrateCommand(opts),
	)
	return root
}

// load resolves configuration and installs the logger. CLI logs go to stderr
// so stdout stays machine readable.
func (o *rootOptions) load(stderr io.Writer) (config.Config, error) {
	cfg, err := config.Load(o.configDir)
	if err != nil {
		return cfg, err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	logging.NewWithWriter(cfg.Logging, stderr)
	return cfg, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		if coded, ok := err.(exitCodeError); ok {
			os.Exit(coded.code)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitError)
	}
	os.Exit(exitSuccess)
}
