package deploy

import (
	"fmt"
	"path"
	"strings"

	"github.com/antonkrylov/nix-simple-deploy/internal/remote"
)

const (
	systemProfile      = "/nix/var/nix/profiles/system"
	systemProfilesRoot = "/nix/var/nix/profiles/system-profiles"

	DefaultProfile = "system"
	DefaultPort    = 5000
)

type Action string

const (
	// ActionNone deploys the closure without activating anything.
	ActionNone        Action = ""
	ActionSwitch      Action = "switch"
	ActionBoot        Action = "boot"
	ActionTest        Action = "test"
	ActionDryActivate Action = "dry-activate"
	ActionReboot      Action = "reboot"
)

var Actions = []Action{ActionSwitch, ActionBoot, ActionTest, ActionDryActivate, ActionReboot}

func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Actions {
		if a == known {
			return a, nil
		}
	}
	return ActionNone, fmt.Errorf("unsupported action %q (expected switch|boot|test|dry-activate|reboot)", s)
}

// SetsProfile reports whether the profile symlink moves before activation.
func (a Action) SetsProfile() bool {
	switch a {
	case ActionSwitch, ActionBoot, ActionReboot:
		return true
	default:
		return false
	}
}

// Verb is the argument passed to switch-to-configuration.
func (a Action) Verb() string {
	if a == ActionReboot {
		return string(ActionBoot)
	}
	return string(a)
}

type TransportMode string

const (
	TransportCopy  TransportMode = "copy"
	TransportServe TransportMode = "serve"
)

func ParseTransport(s string) (TransportMode, error) {
	switch m := TransportMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "", TransportCopy:
		return TransportCopy, nil
	case TransportServe:
		return TransportServe, nil
	default:
		return "", fmt.Errorf("unsupported transport %q (expected copy|serve)", s)
	}
}

// ProfilePath maps a profile name to its location on the target. Absolute
// paths are used as given.
func ProfilePath(profile string) (string, error) {
	p := strings.TrimSpace(profile)
	switch {
	case p == "" || p == DefaultProfile:
		return systemProfile, nil
	case strings.HasPrefix(p, "/"):
		return path.Clean(p), nil
	case strings.ContainsAny(p, "/\x00") || p == "." || p == "..":
		return "", fmt.Errorf("invalid profile name %q", profile)
	default:
		return path.Join(systemProfilesRoot, p), nil
	}
}

// Plan is the full description of one deployment run.
type Plan struct {
	Path   string
	Host   string
	Action Action
	// Profile is a profile name or an absolute profile path.
	Profile    string
	SigningKey string
	Transport  TransportMode
	// Port is shared by the local artifact server and the reverse tunnel.
	Port int
	// LocalStore scopes the local artifact server to another store.
	LocalStore string
	// RemoteStore points remote nix commands at another store root.
	RemoteStore    string
	UseSubstitutes bool
	LocalSudo      bool
	RemoteSudo     bool
	SSHArgs        []string
	BatchMode      bool
	TTY            bool
	// Lenient skips the early-exit probe of the local artifact server.
	Lenient bool
}

func (p Plan) invocation() remote.Invocation {
	return remote.Invocation{
		Host:      strings.TrimSpace(p.Host),
		SSHArgs:   append([]string(nil), p.SSHArgs...),
		Sudo:      p.RemoteSudo,
		TTY:       p.TTY,
		BatchMode: p.BatchMode,
	}
}

// Validate checks the plan before any command runs.
func (p Plan) Validate() error {
	if strings.TrimSpace(p.Path) == "" {
		return fmt.Errorf("store path is required")
	}
	if err := p.invocation().Validate(); err != nil {
		return err
	}
	if p.Action != ActionNone {
		if _, err := ParseAction(string(p.Action)); err != nil {
			return err
		}
	}
	if p.Action.SetsProfile() {
		if _, err := ProfilePath(p.Profile); err != nil {
			return err
		}
	}
	// switch-to-configuration always runs against the host root.
	if p.Action != ActionNone && strings.TrimSpace(p.RemoteStore) != "" {
		return fmt.Errorf("remote store %s cannot be activated; deploy it with the path command", p.RemoteStore)
	}
	if _, err := ParseTransport(string(p.Transport)); err != nil {
		return err
	}
	if p.Transport == TransportServe && (p.Port <= 0 || p.Port > 65535) {
		return fmt.Errorf("invalid serve port %d", p.Port)
	}
	return nil
}
