package deploy

import (
	"errors"
	"fmt"

	"github.com/antonkrylov/nix-simple-deploy/internal/proc"
	"github.com/antonkrylov/nix-simple-deploy/internal/supervisor"
)

type Stage string

const (
	StagePrepare   Stage = "prepare"
	StageSign      Stage = "sign"
	StageTransport Stage = "transport"
	StageActivate  Stage = "activate"
	StageReboot    Stage = "reboot"
)

// Kind classifies a stage failure.
type Kind int

const (
	KindLocalInvocation Kind = iota + 1
	KindRemoteCommand
	KindPrematureExit
	KindTermination
	KindInvalidPlan
)

var (
	ErrLocalInvocation = errors.New("local invocation failed")
	ErrRemoteCommand   = errors.New("remote command failed")
	ErrPrematureExit   = errors.New("artifact server exited prematurely")
	ErrTermination     = errors.New("artifact server termination failed")
	ErrInvalidPlan     = errors.New("invalid deployment plan")
)

func (k Kind) sentinel() error {
	switch k {
	case KindLocalInvocation:
		return ErrLocalInvocation
	case KindRemoteCommand:
		return ErrRemoteCommand
	case KindPrematureExit:
		return ErrPrematureExit
	case KindTermination:
		return ErrTermination
	case KindInvalidPlan:
		return ErrInvalidPlan
	default:
		return nil
	}
}

func (k Kind) String() string {
	if s := k.sentinel(); s != nil {
		return s.Error()
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// StageError is the error returned by Deployer.Run for every failure.
type StageError struct {
	Stage Stage
	Kind  Kind
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() []error {
	return []error{e.Err, e.Kind.sentinel()}
}

func stageErr(stage Stage, kind Kind, err error) *StageError {
	return &StageError{Stage: stage, Kind: kind, Err: err}
}

// remoteKind tells a command that ran and failed on the remote apart from an
// ssh that could not be started at all.
func remoteKind(err error) Kind {
	if proc.Exited(err) {
		return KindRemoteCommand
	}
	return KindLocalInvocation
}

// supervisorKind maps an error from the artifact server's lifecycle.
func supervisorKind(err error) Kind {
	var pe *supervisor.PrematureExitError
	if errors.As(err, &pe) {
		return KindPrematureExit
	}
	var te *supervisor.TerminationError
	if errors.As(err, &te) {
		return KindTermination
	}
	return KindLocalInvocation
}
