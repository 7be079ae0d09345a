package remote

import (
	"fmt"
	"strings"
)

// Option is a `--option NAME VALUE` override understood by the nix CLI.
type Option struct {
	Name  string
	Value string
}

// Command is a structured remote command. It is rendered to a shell string only
// when it is handed to ssh.
type Command struct {
	Program string
	Args    []string
	Options []Option
	// Store selects an alternate store root (`--store ROOT`).
	Store string
}

// Words returns the command as argv words, unquoted.
func (c Command) Words() []string {
	words := make([]string, 0, 1+len(c.Args)+3*len(c.Options)+2)
	words = append(words, c.Program)
	words = append(words, c.Args...)
	for _, o := range c.Options {
		words = append(words, "--option", o.Name, o.Value)
	}
	if c.Store != "" {
		words = append(words, "--store", c.Store)
	}
	return words
}

// String renders the command for a POSIX shell on the remote side.
func (c Command) String() string {
	words := c.Words()
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = Quote(w)
	}
	return strings.Join(quoted, " ")
}

// Option returns the value of the named option, if present.
func (c Command) Option(name string) (string, bool) {
	for _, o := range c.Options {
		if o.Name == name {
			return o.Value, true
		}
	}
	return "", false
}

// ProfileSet points profile at path.
func ProfileSet(profile, path string) Command {
	return Command{Program: "nix-env", Args: []string{"-p", profile, "--set", path}}
}

// Realise fetches path into the remote store without touching any profile.
func Realise(path string) Command {
	return Command{Program: "nix-store", Args: []string{"--realise", path}}
}

// Activate runs switch-to-configuration under root with verb.
func Activate(root, verb string) Command {
	return Command{Program: strings.TrimRight(root, "/") + "/bin/switch-to-configuration", Args: []string{verb}}
}

func Reboot() Command {
	return Command{Program: "reboot"}
}

// SubstituteOptions configures the remote nix invocation to pull from the
// locally served store through the reverse tunnel.
type SubstituteOptions struct {
	Port int
	// Extra adds the tunnel as an extra substituter instead of replacing the
	// configured ones.
	Extra bool
	// RequireSigs false disables signature verification on the remote.
	RequireSigs bool
	Store       string
}

// URL is the substituter address as seen from the remote host.
func (o SubstituteOptions) URL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", o.Port)
}

// Apply returns c with the substituter overrides appended.
func (o SubstituteOptions) Apply(c Command) Command {
	name := "substituters"
	if o.Extra {
		name = "extra-substituters"
	}
	c.Options = append(append([]Option(nil), c.Options...), Option{Name: name, Value: o.URL()})
	if !o.RequireSigs {
		c.Options = append(c.Options, Option{Name: "require-sigs", Value: "false"})
	}
	if o.Store != "" {
		c.Store = o.Store
	}
	return c
}

const safeChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-_./:=@+,%"

// Quote single-quotes s unless it consists only of characters that are inert in
// a POSIX shell.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.Trim(s, safeChars) == "" {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
