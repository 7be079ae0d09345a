package config

import (
	"os"
	"strings"
)

const (
	EnvTarget     = "NIX_SIMPLE_DEPLOY_TARGET"
	EnvSigningKey = "NIX_SIMPLE_DEPLOY_SIGNING_KEY"

	defaultTransport = "copy"
	defaultPort      = 5000
	defaultProfile   = "system"
)

// Defaults is the merged view of the config file, the environment and the
// built-in values. Command-line flags are applied on top by the caller.
type Defaults struct {
	ConfigPath  string
	ContextName string
	Config      *Config
	Context     *Context

	TargetHost     string
	SigningKey     string
	Transport      string
	Port           int
	LocalStore     string
	RemoteStore    string
	UseSubstitutes bool
	UseLocalSudo   bool
	UseRemoteSudo  bool
	Profile        string
	SSHArgs        []string
	NATSURL        string
	JournalDir     string
}

// ResolveDefaults applies, in order of precedence:
// 1) the selected context (contextName, else currentContext)
// 2) environment (NIX_SIMPLE_DEPLOY_TARGET, NIX_SIMPLE_DEPLOY_SIGNING_KEY)
// 3) defaults (transport copy, port 5000, profile system)
func ResolveDefaults(configPath, contextName string) (*Defaults, error) {
	d := &Defaults{ConfigPath: configPath, ContextName: strings.TrimSpace(contextName)}

	if strings.TrimSpace(d.ConfigPath) != "" {
		cfg, err := Load(d.ConfigPath)
		if err != nil {
			return nil, err
		}
		d.Config = cfg
	}
	if d.Config != nil {
		ctx, name, err := d.Config.Resolve(d.ContextName)
		if err != nil {
			return nil, err
		}
		d.Context = ctx
		d.ContextName = name
	}

	if c := d.Context; c != nil {
		d.TargetHost = strings.TrimSpace(c.TargetHost)
		d.SigningKey = strings.TrimSpace(c.SigningKey)
		d.Transport = strings.TrimSpace(c.Transport)
		d.Port = c.Port
		d.LocalStore = c.LocalStore
		d.RemoteStore = c.RemoteStore
		d.UseSubstitutes = c.UseSubstitutes
		d.UseLocalSudo = c.UseLocalSudo
		d.UseRemoteSudo = c.UseRemoteSudo
		d.Profile = strings.TrimSpace(c.Profile)
		d.SSHArgs = append([]string(nil), c.SSHArgs...)
		d.NATSURL = strings.TrimSpace(c.NATSURL)
		d.JournalDir = strings.TrimSpace(c.JournalDir)
	}

	if d.TargetHost == "" {
		d.TargetHost = strings.TrimSpace(os.Getenv(EnvTarget))
	}
	if d.SigningKey == "" {
		d.SigningKey = strings.TrimSpace(os.Getenv(EnvSigningKey))
	}
	if d.SigningKey != "" {
		expanded, err := expandPath(d.SigningKey)
		if err != nil {
			return nil, err
		}
		d.SigningKey = expanded
	}

	if d.Transport == "" {
		d.Transport = defaultTransport
	}
	if d.Port == 0 {
		d.Port = defaultPort
	}
	if d.Profile == "" {
		d.Profile = defaultProfile
	}
	if d.JournalDir == "" {
		d.JournalDir = DefaultJournalDir()
	}
	return d, nil
}
