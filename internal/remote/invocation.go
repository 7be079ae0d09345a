package remote

import (
	"fmt"
	"strings"
)

// Invocation is the ssh prefix used for every remote command of one run.
type Invocation struct {
	Host    string
	SSHArgs []string
	// Sudo runs the remote side through sudo.
	Sudo bool
	// TTY allocates a remote terminal (ssh -t) so sudo can prompt.
	TTY       bool
	BatchMode bool
	// ReversePort, when non-zero, forwards remote 127.0.0.1:PORT to local
	// 127.0.0.1:PORT for the lifetime of the connection.
	ReversePort int
}

// WithReverse returns a copy of i that also requests a reverse forward.
func (i Invocation) WithReverse(port int) Invocation {
	i.SSHArgs = append([]string(nil), i.SSHArgs...)
	i.ReversePort = port
	return i
}

// Validate reports configuration errors before anything is executed.
func (i Invocation) Validate() error {
	host := strings.TrimSpace(i.Host)
	if host == "" {
		return fmt.Errorf("target host is required")
	}
	if strings.HasPrefix(host, "-") {
		return fmt.Errorf("invalid target host %q", i.Host)
	}
	if i.ReversePort < 0 || i.ReversePort > 65535 {
		return fmt.Errorf("invalid reverse port %d", i.ReversePort)
	}
	return nil
}

// SSHOptions returns the ssh flags preceding the host.
func (i Invocation) SSHOptions() []string {
	var args []string
	if i.BatchMode {
		args = append(args, "-o", "BatchMode=yes")
	}
	if i.TTY {
		args = append(args, "-t")
	}
	args = append(args, i.SSHArgs...)
	if i.ReversePort > 0 {
		args = append(args,
			"-o", "ExitOnForwardFailure=yes",
			"-R", fmt.Sprintf("%d:127.0.0.1:%d", i.ReversePort, i.ReversePort),
		)
	}
	return args
}

// RemoteString renders the remote half of the command line.
func (i Invocation) RemoteString(c Command) string {
	s := c.String()
	if i.Sudo {
		s = "sudo " + s
	}
	return s
}

// Argv returns the local argv that runs c on the target host.
func (i Invocation) Argv(c Command) []string {
	argv := []string{"ssh"}
	argv = append(argv, i.SSHOptions()...)
	argv = append(argv, i.Host, i.RemoteString(c))
	return argv
}

// URL is the nix copy destination for the host.
func (i Invocation) URL() string {
	return "ssh://" + i.Host
}
