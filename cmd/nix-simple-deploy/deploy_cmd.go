package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	cliconfig "github.com/antonkrylov/nix-simple-deploy/internal/cli/config"
	"github.com/antonkrylov/nix-simple-deploy/internal/deploy"
	"github.com/antonkrylov/nix-simple-deploy/internal/events"
	"github.com/antonkrylov/nix-simple-deploy/internal/journal"
	"github.com/antonkrylov/nix-simple-deploy/internal/tui"
)

var (
	stdinIsTerminal  = func() bool { return term.IsTerminal(int(os.Stdin.Fd())) }
	stdoutIsTerminal = func() bool { return term.IsTerminal(int(os.Stdout.Fd())) }
)

type deployFlags struct {
	target         string
	signingKey     string
	useSubstitutes bool
	useLocalSudo   bool
	useRemoteSudo  bool
	transport      string
	port           int
	localStore     string
	remoteStore    string
	lenient        bool
	profile        string
}

func (f *deployFlags) bind(cmd *cobra.Command, withProfile bool) {
	cmd.Flags().StringVarP(&f.target, "target-host", "t", "", "SSH target (e.g. root@host); default from context or "+cliconfig.EnvTarget)
	cmd.Flags().StringVarP(&f.signingKey, "signing-key", "k", "", "secret key used to sign the closure; default from context or "+cliconfig.EnvSigningKey)
	cmd.Flags().BoolVarP(&f.useSubstitutes, "use-substitutes", "s", false, "let the target fetch paths from its own substituters")
	cmd.Flags().BoolVar(&f.useLocalSudo, "use-local-sudo", false, "sign with sudo")
	cmd.Flags().BoolVar(&f.useRemoteSudo, "use-remote-sudo", false, "run remote commands with sudo")
	cmd.Flags().StringVar(&f.transport, "transport", "", "transport: copy|serve (default copy)")
	cmd.Flags().IntVar(&f.port, "port", 0, "nix-serve port shared with the reverse tunnel (default 5000)")
	cmd.Flags().StringVar(&f.localStore, "local-store", "", "store root served by nix-serve")
	cmd.Flags().StringVar(&f.remoteStore, "remote-store", "", "store root used by remote nix commands")
	cmd.Flags().BoolVar(&f.lenient, "lenient", false, "skip the nix-serve early-exit check")
	if withProfile {
		cmd.Flags().StringVarP(&f.profile, "profile", "p", "", "profile name or absolute path (default system)")
	}
	cmd.Flags().SetNormalizeFunc(targetHostAlias)
}

// targetHostAlias keeps --target working as a spelling of --target-host.
func targetHostAlias(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	if name == "target" {
		name = "target-host"
	}
	return pflag.NormalizedName(name)
}

// plan merges flags over the resolved config defaults.
func (f *deployFlags) plan(cmd *cobra.Command, root *rootOptions, storePath string, action deploy.Action) (deploy.Plan, error) {
	d := root.defaults
	if d == nil {
		d = &cliconfig.Defaults{}
	}
	abs, err := filepath.Abs(storePath)
	if err != nil {
		return deploy.Plan{}, err
	}
	p := deploy.Plan{
		Path:           abs,
		Host:           d.TargetHost,
		Action:         action,
		Profile:        d.Profile,
		SigningKey:     d.SigningKey,
		Port:           d.Port,
		LocalStore:     d.LocalStore,
		RemoteStore:    d.RemoteStore,
		UseSubstitutes: d.UseSubstitutes,
		LocalSudo:      d.UseLocalSudo,
		RemoteSudo:     d.UseRemoteSudo,
		SSHArgs:        append(append([]string(nil), d.SSHArgs...), root.sshArgs...),
		BatchMode:      root.batchMode,
	}
	transport := d.Transport

	flags := cmd.Flags()
	if flags.Changed("target-host") {
		p.Host = strings.TrimSpace(f.target)
	}
	if flags.Changed("signing-key") {
		p.SigningKey = strings.TrimSpace(f.signingKey)
		if p.SigningKey != "" {
			if p.SigningKey, err = cliconfig.ExpandPath(p.SigningKey); err != nil {
				return deploy.Plan{}, err
			}
		}
	}
	if flags.Changed("use-substitutes") {
		p.UseSubstitutes = f.useSubstitutes
	}
	if flags.Changed("use-local-sudo") {
		p.LocalSudo = f.useLocalSudo
	}
	if flags.Changed("use-remote-sudo") {
		p.RemoteSudo = f.useRemoteSudo
	}
	if flags.Changed("transport") {
		transport = f.transport
	}
	if flags.Changed("port") {
		p.Port = f.port
	}
	if flags.Changed("local-store") {
		p.LocalStore = f.localStore
	}
	if flags.Changed("remote-store") {
		p.RemoteStore = f.remoteStore
	}
	if flags.Changed("profile") {
		p.Profile = f.profile
	}
	p.Lenient = f.lenient

	mode, err := deploy.ParseTransport(transport)
	if err != nil {
		return deploy.Plan{}, err
	}
	p.Transport = mode
	if p.Port == 0 {
		p.Port = deploy.DefaultPort
	}
	// sudo on the target may need to prompt for a password.
	p.TTY = p.RemoteSudo && !p.BatchMode && stdinIsTerminal()
	return p, nil
}

func newPathCmd(root *rootOptions) *cobra.Command {
	f := &deployFlags{}
	cmd := &cobra.Command{
		Use:   "path PATH",
		Short: "Copy a store path closure to the target without activating it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := f.plan(cmd, root, args[0], deploy.ActionNone)
			if err != nil {
				return err
			}
			return runDeploy(cmd, root, plan)
		},
	}
	f.bind(cmd, false)
	return cmd
}

func newSystemCmd(root *rootOptions) *cobra.Command {
	f := &deployFlags{}
	cmd := &cobra.Command{
		Use:       "system PATH ACTION",
		Short:     "Deploy a NixOS system and run switch-to-configuration",
		Long:      "Deploy a NixOS system closure and activate it. ACTION is one of switch, boot, test, dry-activate or reboot.",
		Args:      cobra.ExactArgs(2),
		ValidArgs: actionNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			action, err := deploy.ParseAction(args[1])
			if err != nil {
				return err
			}
			plan, err := f.plan(cmd, root, args[0], action)
			if err != nil {
				return err
			}
			return runDeploy(cmd, root, plan)
		},
	}
	f.bind(cmd, true)
	return cmd
}

func actionNames() []string {
	out := make([]string, 0, len(deploy.Actions))
	for _, a := range deploy.Actions {
		out = append(out, string(a))
	}
	return out
}

// progressMode picks plain or tui output. The TUI owns the terminal, so it is
// never chosen automatically when a sudo prompt may need it.
func progressMode(requested string, p deploy.Plan) (string, error) {
	switch strings.ToLower(strings.TrimSpace(requested)) {
	case "plain":
		return "plain", nil
	case "tui":
		return "tui", nil
	case "", "auto":
		if stdoutIsTerminal() && !p.TTY && !p.LocalSudo {
			return "tui", nil
		}
		return "plain", nil
	default:
		return "", fmt.Errorf("unknown --progress=%q (expected auto|plain|tui)", requested)
	}
}

func runDeploy(cmd *cobra.Command, root *rootOptions, plan deploy.Plan) error {
	mode, err := progressMode(root.progress, plan)
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := root.logger
	observers := deploy.Observers{deploy.LogObserver(logger)}
	d := &deploy.Deployer{Logger: logger}

	run := openJournal(root, plan)
	if run != nil {
		d.RunID = run.ID()
		observers = append(observers, run)
	}
	if pub := openPublisher(ctx, root); pub != nil {
		defer pub.Close()
		observers = append(observers, pub)
	}

	var runErr error
	switch mode {
	case "tui":
		title := fmt.Sprintf("nix-simple-deploy %s -> %s", filepath.Base(plan.Path), plan.Host)
		view := tui.New(title, cancel, os.Stdin, cmd.OutOrStdout())
		d.Observer = append(observers, view)
		runErr = view.Run(func() error { return d.Run(ctx, plan) })
		if err := view.ViewErr(); err != nil {
			logger.Warn("progress view stopped early", "err", err)
		}
	default:
		d.Observer = append(observers, newPlainPrinter(cmd.OutOrStdout()))
		d.Stdin = os.Stdin
		d.Stdout = cmd.OutOrStdout()
		d.Stderr = cmd.ErrOrStderr()
		runErr = d.Run(ctx, plan)
	}

	if run != nil {
		if err := run.Finish(runErr); err != nil {
			logger.Warn("run journal incomplete", "run", run.ID(), "err", err)
		}
	}
	return runErr
}

func openJournal(root *rootOptions, plan deploy.Plan) *journal.Run {
	dir := root.journalDir
	if dir == "" && root.defaults != nil {
		dir = root.defaults.JournalDir
	}
	if dir == "" {
		dir = cliconfig.DefaultJournalDir()
	}
	run, err := journal.New(dir).Create(journal.Meta{
		Host:      plan.Host,
		Path:      plan.Path,
		Action:    string(plan.Action),
		Transport: string(plan.Transport),
	})
	if err != nil {
		root.logger.Warn("run journal disabled", "dir", dir, "err", err)
		return nil
	}
	return run
}

func openPublisher(ctx context.Context, root *rootOptions) *events.Publisher {
	url := root.natsURL
	if url == "" && root.defaults != nil {
		url = root.defaults.NATSURL
	}
	if url == "" {
		return nil
	}
	pub, err := events.NewPublisher(ctx, events.NATSOptions{URL: url}, root.logger)
	if err != nil {
		root.logger.Warn("event mirror disabled", "url", url, "err", err)
		return nil
	}
	return pub
}
