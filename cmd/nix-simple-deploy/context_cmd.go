package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	cliconfig "github.com/antonkrylov/nix-simple-deploy/internal/cli/config"
	"github.com/antonkrylov/nix-simple-deploy/internal/deploy"
)

func newContextCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "context",
		Short: "Manage named deploy contexts in the config file",
	}
	cmd.AddCommand(newContextListCmd(root))
	cmd.AddCommand(newContextUseCmd(root))
	cmd.AddCommand(newContextSetCmd(root))
	return cmd
}

func loadOrEmpty(path string) (*cliconfig.Config, error) {
	cfg, err := cliconfig.Load(path)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = &cliconfig.Config{}
	}
	return cfg, nil
}

func newContextListCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List contexts; the current one is marked with *",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadOrEmpty(root.configPath)
			if err != nil {
				return err
			}
			names := make([]string, 0, len(cfg.Contexts))
			for k := range cfg.Contexts {
				names = append(names, k)
			}
			sort.Strings(names)
			out := cmd.OutOrStdout()
			for _, name := range names {
				c := cfg.Contexts[name]
				if c == nil {
					continue
				}
				mark := " "
				if name == cfg.CurrentContext {
					mark = "*"
				}
				fmt.Fprintf(out, "%s %s target=%s transport=%s port=%d\n", mark, name, c.TargetHost, c.Transport, c.Port)
			}
			return nil
		},
	}
}

func newContextUseCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "use NAME",
		Short: "Set currentContext",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadOrEmpty(root.configPath)
			if err != nil {
				return err
			}
			name := strings.TrimSpace(args[0])
			if _, ok := cfg.Contexts[name]; !ok {
				return fmt.Errorf("%w: %s", cliconfig.ErrContextNotFound, name)
			}
			cfg.CurrentContext = name
			if err := cfg.Save(root.configPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "[nix-simple-deploy] current context is now %s\n", name)
			return nil
		},
	}
}

type contextSetFlags struct {
	target         string
	signingKey     string
	transport      string
	port           int
	localStore     string
	remoteStore    string
	profile        string
	natsURL        string
	journalDir     string
	sshArgs        []string
	useSubstitutes bool
	useLocalSudo   bool
	useRemoteSudo  bool
	use            bool
}

func newContextSetCmd(root *rootOptions) *cobra.Command {
	f := &contextSetFlags{}
	cmd := &cobra.Command{
		Use:   "set NAME",
		Short: "Create or update a context; only given flags are changed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadOrEmpty(root.configPath)
			if err != nil {
				return err
			}
			name := strings.TrimSpace(args[0])
			if name == "" {
				return fmt.Errorf("context name is required")
			}
			if err := f.apply(cmd, cfg.Upsert(name)); err != nil {
				return err
			}
			if f.use || cfg.CurrentContext == "" {
				cfg.CurrentContext = name
			}
			if err := cfg.Save(root.configPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "[nix-simple-deploy] wrote context %s to %s\n", name, root.configPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&f.target, "target-host", "t", "", "SSH target")
	cmd.Flags().StringVarP(&f.signingKey, "signing-key", "k", "", "signing key file")
	cmd.Flags().StringVar(&f.transport, "transport", "", "transport: copy|serve")
	cmd.Flags().IntVar(&f.port, "port", 0, "nix-serve port")
	cmd.Flags().StringVar(&f.localStore, "local-store", "", "store root served by nix-serve")
	cmd.Flags().StringVar(&f.remoteStore, "remote-store", "", "store root used by remote nix commands")
	cmd.Flags().StringVarP(&f.profile, "profile", "p", "", "profile name or absolute path")
	cmd.Flags().StringVar(&f.natsURL, "nats", "", "NATS URL for the event mirror")
	cmd.Flags().StringVar(&f.journalDir, "journal", "", "run journal directory")
	cmd.Flags().StringArrayVar(&f.sshArgs, "ssh", nil, "extra ssh argument (repeatable, replaces the stored list)")
	cmd.Flags().BoolVarP(&f.useSubstitutes, "use-substitutes", "s", false, "let the target use its own substituters")
	cmd.Flags().BoolVar(&f.useLocalSudo, "use-local-sudo", false, "sign with sudo")
	cmd.Flags().BoolVar(&f.useRemoteSudo, "use-remote-sudo", false, "run remote commands with sudo")
	cmd.Flags().BoolVar(&f.use, "use", false, "also make this the current context")
	cmd.Flags().SetNormalizeFunc(targetHostAlias)
	return cmd
}

func (f *contextSetFlags) apply(cmd *cobra.Command, c *cliconfig.Context) error {
	flags := cmd.Flags()
	if flags.Changed("transport") {
		if _, err := deploy.ParseTransport(f.transport); err != nil {
			return err
		}
		c.Transport = strings.TrimSpace(f.transport)
	}
	if flags.Changed("profile") {
		if _, err := deploy.ProfilePath(f.profile); err != nil {
			return err
		}
		c.Profile = strings.TrimSpace(f.profile)
	}
	if flags.Changed("port") {
		if f.port < 0 || f.port > 65535 {
			return fmt.Errorf("invalid port %d", f.port)
		}
		c.Port = f.port
	}
	if flags.Changed("target-host") {
		c.TargetHost = strings.TrimSpace(f.target)
	}
	if flags.Changed("signing-key") {
		c.SigningKey = strings.TrimSpace(f.signingKey)
	}
	if flags.Changed("local-store") {
		c.LocalStore = f.localStore
	}
	if flags.Changed("remote-store") {
		c.RemoteStore = f.remoteStore
	}
	if flags.Changed("nats") {
		c.NATSURL = strings.TrimSpace(f.natsURL)
	}
	if flags.Changed("journal") {
		c.JournalDir = strings.TrimSpace(f.journalDir)
	}
	if flags.Changed("ssh") {
		c.SSHArgs = append([]string(nil), f.sshArgs...)
	}
	if flags.Changed("use-substitutes") {
		c.UseSubstitutes = f.useSubstitutes
	}
	if flags.Changed("use-local-sudo") {
		c.UseLocalSudo = f.useLocalSudo
	}
	if flags.Changed("use-remote-sudo") {
		c.UseRemoteSudo = f.useRemoteSudo
	}
	return nil
}
