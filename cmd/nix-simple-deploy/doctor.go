package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	cliconfig "github.com/antonkrylov/nix-simple-deploy/internal/cli/config"
)

var requiredTools = []string{"nix", "nix-serve", "ssh"}

func newDoctorCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Print local diagnostic information for troubleshooting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			exe, _ := os.Executable()
			fmt.Fprintf(out, "executable=%s\n", strings.TrimSpace(exe))
			for _, tool := range requiredTools {
				p, err := exec.LookPath(tool)
				if err != nil {
					fmt.Fprintf(out, "%s=missing\n", tool)
					continue
				}
				if resolved, err := filepath.EvalSymlinks(p); err == nil {
					p = resolved
				}
				fmt.Fprintf(out, "%s=%s\n", tool, p)
			}
			fmt.Fprintf(out, "PATH=%s\n", os.Getenv("PATH"))

			fmt.Fprintf(out, "config_path=%s\n", root.configPath)
			if d := root.defaults; d != nil {
				fmt.Fprintf(out, "journal_dir=%s\n", d.JournalDir)
				fmt.Fprintf(out, "target=%s\n", d.TargetHost)
				fmt.Fprintf(out, "signing_key=%s\n", d.SigningKey)
				if d.SigningKey != "" {
					if _, err := os.Stat(d.SigningKey); err != nil {
						fmt.Fprintf(out, "signing_key_error=%s\n", err.Error())
					}
				}
			}
			cfg, err := cliconfig.Load(root.configPath)
			if err != nil {
				fmt.Fprintf(out, "config_error=%s\n", err.Error())
				return nil
			}
			if cfg == nil {
				fmt.Fprintln(out, "config_present=false")
				return nil
			}
			fmt.Fprintln(out, "config_present=true")
			fmt.Fprintf(out, "current_context=%s\n", strings.TrimSpace(cfg.CurrentContext))
			names := make([]string, 0, len(cfg.Contexts))
			for k := range cfg.Contexts {
				names = append(names, k)
			}
			sort.Strings(names)
			for _, name := range names {
				c := cfg.Contexts[name]
				if c == nil {
					continue
				}
				fmt.Fprintf(out, "context=%s target=%s transport=%s port=%d profile=%s\n",
					name,
					strings.TrimSpace(c.TargetHost),
					c.Transport,
					c.Port,
					c.Profile,
				)
			}
			return nil
		},
	}
	return cmd
}
