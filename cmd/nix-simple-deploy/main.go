package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	cliconfig "github.com/antonkrylov/nix-simple-deploy/internal/cli/config"
	"github.com/antonkrylov/nix-simple-deploy/internal/deploy"
)

type rootOptions struct {
	configPath  string
	contextName string
	logLevel    string
	logFormat   string
	progress    string
	journalDir  string
	natsURL     string
	sshArgs     []string
	batchMode   bool

	logger   *slog.Logger
	defaults *cliconfig.Defaults
}

// prepare loads the config context and builds the logger. It runs before every
// subcommand.
func (r *rootOptions) prepare(stderr io.Writer) error {
	r.logger = newLogger(stderr, r.logLevel, r.logFormat)
	d, err := cliconfig.ResolveDefaults(r.configPath, r.contextName)
	if err != nil {
		return err
	}
	r.defaults = d
	return nil
}

func newRootCmd(opts *rootOptions) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "nix-simple-deploy",
		Short:         "Deploy Nix store paths and NixOS systems over SSH",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	defaultConfig := os.Getenv("NIX_SIMPLE_DEPLOY_CONFIG")
	if defaultConfig == "" {
		defaultConfig = cliconfig.DefaultConfigPath()
	}
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", defaultConfig, "path to config file (default $HOME/.nix-simple-deploy/config)")
	pf.StringVar(&opts.contextName, "context", "", "context name within the config (overrides currentContext)")
	pf.StringVar(&opts.logLevel, "log-level", "info", "log level: debug|info|warn|error")
	pf.StringVar(&opts.logFormat, "log-format", "text", "log format: text|json")
	pf.StringVar(&opts.progress, "progress", "auto", "progress output: auto|plain|tui")
	pf.StringVar(&opts.journalDir, "journal-dir", "", "directory for run journals (default $HOME/.nix-simple-deploy/runs)")
	pf.StringVar(&opts.natsURL, "nats-url", "", "mirror deploy events to this NATS server (JetStream)")
	pf.StringArrayVar(&opts.sshArgs, "ssh-arg", nil, "extra ssh argument (repeatable)")
	pf.BoolVar(&opts.batchMode, "batch", false, "set ssh BatchMode=yes (fail instead of prompting for passwords)")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		err := opts.prepare(cmd.ErrOrStderr())
		// doctor and context have to work with a broken or mismatched config.
		for c := cmd; c != nil; c = c.Parent() {
			if c.Name() == "doctor" || c.Name() == "context" {
				return nil
			}
		}
		return err
	}

	rootCmd.AddCommand(newPathCmd(opts))
	rootCmd.AddCommand(newSystemCmd(opts))
	rootCmd.AddCommand(newHistoryCmd(opts))
	rootCmd.AddCommand(newContextCmd(opts))
	rootCmd.AddCommand(newDoctorCmd(opts))
	return rootCmd
}

func main() {
	opts := &rootOptions{}
	if err := newRootCmd(opts).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorLine(err))
		os.Exit(1)
	}
}

// errorLine is the single diagnostic printed on failure.
func errorLine(err error) string {
	var se *deploy.StageError
	if errors.As(err, &se) {
		return "Error occurred while running: " + strings.TrimSpace(se.Error())
	}
	return "Error: " + strings.TrimSpace(err.Error())
}
