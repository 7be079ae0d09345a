package deploy

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"syscall"
	"testing"
	"time"
)

const storePath = "/nix/store/0123456789abcdfghijklmnpqrsvwxyz-nixos-system"

func newDeployer(r *fakeRunner, obs Observer) *Deployer {
	return &Deployer{
		Runner:          r,
		Observer:        obs,
		RunID:           "run-1",
		EarlyExitWindow: 20 * time.Millisecond,
		KillAfter:       50 * time.Millisecond,
		RebootWait:      10 * time.Millisecond,
	}
}

func basePlan(action Action, mode TransportMode) Plan {
	return Plan{
		Path:       storePath,
		Host:       "root@example.org",
		Action:     action,
		Profile:    DefaultProfile,
		SigningKey: "/etc/nix/key.sec",
		Transport:  mode,
		Port:       DefaultPort,
	}
}

func stageError(t *testing.T, err error) *StageError {
	t.Helper()
	var se *StageError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StageError, got %T: %v", err, err)
	}
	return se
}

func TestActionVerb(t *testing.T) {
	want := map[Action]string{
		ActionSwitch:      "switch",
		ActionBoot:        "boot",
		ActionTest:        "test",
		ActionDryActivate: "dry-activate",
		ActionReboot:      "boot",
	}
	for _, a := range Actions {
		if got := a.Verb(); got != want[a] {
			t.Fatalf("%s: verb %q want %q", a, got, want[a])
		}
	}
}

func TestSwitchWithDirectCopy(t *testing.T) {
	r := &fakeRunner{}
	rec := &recorder{}
	if err := newDeployer(r, rec).Run(context.Background(), basePlan(ActionSwitch, TransportCopy)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{
		"nix sign-paths -r -k /etc/nix/key.sec " + storePath,
		"nix copy --to ssh://root@example.org " + storePath,
		"ssh root@example.org nix-env -p /nix/var/nix/profiles/system --set " + storePath,
		"ssh root@example.org /nix/var/nix/profiles/system/bin/switch-to-configuration switch",
	}
	if got := r.commands(); !reflect.DeepEqual(got, want) {
		t.Fatalf("commands:\n%s\nwant:\n%s", strings.Join(got, "\n"), strings.Join(want, "\n"))
	}
	wantTrace := []string{
		"sign:started", "sign:succeeded",
		"transport:started", "transport:succeeded",
		"activate:started", "activate:succeeded",
		"reboot:skipped",
	}
	if got := rec.trace(); !reflect.DeepEqual(got, wantTrace) {
		t.Fatalf("events %v want %v", got, wantTrace)
	}
	for i, ev := range rec.events {
		if ev.Seq != int64(i) || ev.RunID != "run-1" || ev.Host != "root@example.org" {
			t.Fatalf("event %d: %+v", i, ev)
		}
	}
}

func TestDirectCopyWithoutKey(t *testing.T) {
	r := &fakeRunner{}
	p := basePlan(ActionSwitch, TransportCopy)
	p.SigningKey = ""
	if err := newDeployer(r, nil).Run(context.Background(), p); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{
		"nix copy --no-check-sigs --to ssh://root@example.org " + storePath,
		"ssh root@example.org nix-env -p /nix/var/nix/profiles/system --set " + storePath,
		"ssh root@example.org /nix/var/nix/profiles/system/bin/switch-to-configuration switch",
	}
	if got := r.commands(); !reflect.DeepEqual(got, want) {
		t.Fatalf("commands:\n%s\nwant:\n%s", strings.Join(got, "\n"), strings.Join(want, "\n"))
	}
}

func TestProfileSetPrecedesActivation(t *testing.T) {
	for _, mode := range []TransportMode{TransportCopy, TransportServe} {
		for _, action := range Actions {
			r := &fakeRunner{}
			if err := newDeployer(r, nil).Run(context.Background(), basePlan(action, mode)); err != nil {
				t.Fatalf("%s/%s: %v", mode, action, err)
			}
			activation, ai := r.find("/bin/switch-to-configuration")
			if ai < 0 {
				t.Fatalf("%s/%s: no activation in %v", mode, action, r.commands())
			}
			_, pi := r.find("nix-env -p")
			if action.SetsProfile() {
				if pi < 0 || pi > ai {
					t.Fatalf("%s/%s: profile-set at %d, activation at %d", mode, action, pi, ai)
				}
				if !strings.Contains(activation.String(), "/nix/var/nix/profiles/system/bin/switch-to-configuration "+action.Verb()) {
					t.Fatalf("%s/%s: activation %q", mode, action, activation)
				}
				continue
			}
			if pi >= 0 {
				t.Fatalf("%s/%s: unexpected profile-set in %v", mode, action, r.commands())
			}
			if !strings.Contains(activation.String(), storePath+"/bin/switch-to-configuration "+action.Verb()) {
				t.Fatalf("%s/%s: activation should target the store path: %q", mode, action, activation)
			}
		}
	}
}

func TestNamedAndAbsoluteProfiles(t *testing.T) {
	cases := map[string]string{
		"system":        "/nix/var/nix/profiles/system",
		"":              "/nix/var/nix/profiles/system",
		"staging":       "/nix/var/nix/profiles/system-profiles/staging",
		"/tmp/profile/": "/tmp/profile",
	}
	for in, want := range cases {
		got, err := ProfilePath(in)
		if err != nil || got != want {
			t.Fatalf("ProfilePath(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	for _, bad := range []string{"a/b", "..", "."} {
		if _, err := ProfilePath(bad); err == nil {
			t.Fatalf("ProfilePath(%q) should fail", bad)
		}
	}
}

func TestServeEarlyExitAbortsBeforeRemote(t *testing.T) {
	r := &fakeRunner{serverExit: exitError{code: 1}}
	rec := &recorder{}
	err := newDeployer(r, rec).Run(context.Background(), basePlan(ActionReboot, TransportServe))
	se := stageError(t, err)
	if se.Stage != StageTransport || se.Kind != KindPrematureExit {
		t.Fatalf("stage=%s kind=%s", se.Stage, se.Kind)
	}
	if !errors.Is(err, ErrPrematureExit) {
		t.Fatalf("expected ErrPrematureExit in chain: %v", err)
	}
	if n := r.sshCalls(); n != 0 {
		t.Fatalf("expected no remote commands, got %v", r.commands())
	}
	if got := r.procs[0].sigterms(); got != 0 {
		t.Fatalf("expected no termination request, got %d", got)
	}
	trace := rec.trace()
	if last := trace[len(trace)-1]; last != "transport:failed" {
		t.Fatalf("last event %s, trace %v", last, trace)
	}
}

func TestServeLenientIgnoresEarlyExit(t *testing.T) {
	r := &fakeRunner{serverExit: exitError{code: 1}}
	p := basePlan(ActionTest, TransportServe)
	p.Lenient = true
	if err := newDeployer(r, nil).Run(context.Background(), p); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, i := r.find("nix-store --realise"); i < 0 {
		t.Fatalf("expected realise over the tunnel: %v", r.commands())
	}
}

func TestServeTerminatesExactlyOnce(t *testing.T) {
	for _, failRemote := range []bool{false, true} {
		r := &fakeRunner{}
		if failRemote {
			r.fail = map[string]error{"nix-env": exitError{code: 1}}
		}
		err := newDeployer(r, nil).Run(context.Background(), basePlan(ActionSwitch, TransportServe))
		if len(r.procs) != 1 {
			t.Fatalf("expected one server, got %d", len(r.procs))
		}
		if got := r.procs[0].sigterms(); got != 1 {
			t.Fatalf("failRemote=%v: sigterms %d", failRemote, got)
		}
		if !failRemote {
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			continue
		}
		se := stageError(t, err)
		if se.Stage != StageTransport || se.Kind != KindRemoteCommand {
			t.Fatalf("stage=%s kind=%s err=%v", se.Stage, se.Kind, err)
		}
		if _, i := r.find("switch-to-configuration"); i >= 0 {
			t.Fatalf("activation ran after transport failure")
		}
	}
}

func TestServeCommandLine(t *testing.T) {
	r := &fakeRunner{}
	p := basePlan(ActionNone, TransportServe)
	p.RemoteStore = "/mnt"
	p.LocalStore = "/srv/store"
	p.RemoteSudo = true
	if err := newDeployer(r, nil).Run(context.Background(), p); err != nil {
		t.Fatalf("Run: %v", err)
	}
	server, si := r.find("nix-serve")
	if si < 0 || !server.started {
		t.Fatalf("server not started: %v", r.commands())
	}
	if got := server.String(); got != "nix-serve --listen 127.0.0.1:5000" {
		t.Fatalf("server argv %q", got)
	}
	wantEnv := []string{"NIX_SECRET_KEY_FILE=/etc/nix/key.sec", "NIX_REMOTE=/srv/store"}
	if !reflect.DeepEqual(server.env, wantEnv) {
		t.Fatalf("server env %v want %v", server.env, wantEnv)
	}
	fetch, fi := r.find("nix-store --realise")
	if fi < si {
		t.Fatalf("remote command before server start")
	}
	want := "ssh -o ExitOnForwardFailure=yes -R 5000:127.0.0.1:5000 root@example.org " +
		"sudo nix-store --realise " + storePath +
		" --option substituters http://127.0.0.1:5000 --store /mnt"
	if got := fetch.String(); got != want {
		t.Fatalf("remote\n got %q\nwant %q", got, want)
	}
}

func TestServeTerminationFailure(t *testing.T) {
	r := &fakeRunner{signalErr: syscall.EPERM}
	rec := &recorder{}
	err := newDeployer(r, rec).Run(context.Background(), basePlan(ActionNone, TransportServe))
	se := stageError(t, err)
	if se.Stage != StageTransport || se.Kind != KindTermination {
		t.Fatalf("stage=%s kind=%s err=%v", se.Stage, se.Kind, err)
	}
	if !errors.Is(err, ErrTermination) {
		t.Fatalf("expected ErrTermination in chain: %v", err)
	}
	if !errors.Is(err, syscall.EPERM) {
		t.Fatalf("expected the signal error in chain: %v", err)
	}
	if _, i := r.find("nix-store --realise"); i < 0 {
		t.Fatalf("remote fetch should have run: %v", r.commands())
	}
	if got := r.procs[0].sigterms(); got != 1 {
		t.Fatalf("sigterms %d", got)
	}
	trace := rec.trace()
	if last := trace[len(trace)-1]; last != "transport:failed" {
		t.Fatalf("last event %s, trace %v", last, trace)
	}
}

func TestServeRemoteFailureWinsOverTerminationFailure(t *testing.T) {
	r := &fakeRunner{
		signalErr: syscall.EPERM,
		fail:      map[string]error{"nix-store --realise": exitError{code: 1}},
	}
	err := newDeployer(r, nil).Run(context.Background(), basePlan(ActionNone, TransportServe))
	se := stageError(t, err)
	if se.Stage != StageTransport || se.Kind != KindRemoteCommand {
		t.Fatalf("stage=%s kind=%s err=%v", se.Stage, se.Kind, err)
	}
}

func TestServeSubstituterAndSignatureFlags(t *testing.T) {
	cases := []struct {
		substitutes bool
		key         string
		wantOpt     string
		wantNoSigs  bool
	}{
		{false, "/k", "--option substituters ", false},
		{true, "/k", "--option extra-substituters ", false},
		{false, "", "--option substituters ", true},
		{true, "", "--option extra-substituters ", true},
	}
	for _, tc := range cases {
		r := &fakeRunner{}
		p := basePlan(ActionNone, TransportServe)
		p.UseSubstitutes = tc.substitutes
		p.SigningKey = tc.key
		if err := newDeployer(r, nil).Run(context.Background(), p); err != nil {
			t.Fatalf("Run: %v", err)
		}
		fetch, i := r.find("nix-store --realise")
		if i < 0 {
			t.Fatalf("no fetch in %v", r.commands())
		}
		s := fetch.String()
		if !strings.Contains(s, tc.wantOpt) {
			t.Fatalf("substitutes=%v: %q", tc.substitutes, s)
		}
		if !tc.substitutes && strings.Contains(s, "extra-substituters") {
			t.Fatalf("exclusive form expected: %q", s)
		}
		if got := strings.Contains(s, "--option require-sigs false"); got != tc.wantNoSigs {
			t.Fatalf("key=%q: require-sigs flag present=%v in %q", tc.key, got, s)
		}
		if _, si := r.find("sign-paths"); (si >= 0) != (tc.key != "") {
			t.Fatalf("key=%q: signing call present=%v", tc.key, si >= 0)
		}
	}
}

func TestDirectCopyOptions(t *testing.T) {
	r := &fakeRunner{}
	p := basePlan(ActionNone, TransportCopy)
	p.UseSubstitutes = true
	p.LocalSudo = true
	p.TTY = true
	p.SSHArgs = []string{"-p", "2222"}
	if err := newDeployer(r, nil).Run(context.Background(), p); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{
		"sudo nix sign-paths -r -k /etc/nix/key.sec " + storePath,
		"nix copy -s --to ssh://root@example.org " + storePath,
	}
	if got := r.commands(); !reflect.DeepEqual(got, want) {
		t.Fatalf("commands %v want %v", got, want)
	}
	copyCall, _ := r.find("nix copy")
	if !reflect.DeepEqual(copyCall.env, []string{"NIX_SSHOPTS=-p 2222"}) {
		t.Fatalf("copy env %v", copyCall.env)
	}
}

func TestSigningFailureAborts(t *testing.T) {
	r := &fakeRunner{fail: map[string]error{"sign-paths": exitError{code: 2}}}
	rec := &recorder{}
	err := newDeployer(r, rec).Run(context.Background(), basePlan(ActionSwitch, TransportCopy))
	se := stageError(t, err)
	if se.Stage != StageSign || se.Kind != KindLocalInvocation {
		t.Fatalf("stage=%s kind=%s", se.Stage, se.Kind)
	}
	if !strings.HasPrefix(err.Error(), "sign: ") {
		t.Fatalf("error should name the stage: %q", err)
	}
	if got := r.commands(); len(got) != 1 {
		t.Fatalf("expected only the signing call, got %v", got)
	}
	want := []string{"sign:started", "sign:failed"}
	if got := rec.trace(); !reflect.DeepEqual(got, want) {
		t.Fatalf("events %v want %v", got, want)
	}
}

func TestActivationFailureSkipsReboot(t *testing.T) {
	r := &fakeRunner{fail: map[string]error{"switch-to-configuration": exitError{code: 1}}}
	err := newDeployer(r, nil).Run(context.Background(), basePlan(ActionReboot, TransportCopy))
	se := stageError(t, err)
	if se.Stage != StageActivate || se.Kind != KindRemoteCommand {
		t.Fatalf("stage=%s kind=%s", se.Stage, se.Kind)
	}
	if !errors.Is(err, ErrRemoteCommand) {
		t.Fatalf("expected ErrRemoteCommand in chain")
	}
	if _, i := r.find(" reboot"); i >= 0 {
		t.Fatalf("reboot issued after failed activation")
	}
}

func TestSSHSpawnFailureIsLocal(t *testing.T) {
	r := &fakeRunner{fail: map[string]error{"switch-to-configuration": errors.New("exec: \"ssh\": executable file not found")}}
	err := newDeployer(r, nil).Run(context.Background(), basePlan(ActionTest, TransportCopy))
	if se := stageError(t, err); se.Kind != KindLocalInvocation {
		t.Fatalf("kind=%s", se.Kind)
	}
}

func TestRebootIsDetachedAndBounded(t *testing.T) {
	r := &fakeRunner{}
	rec := &recorder{}
	start := time.Now()
	if err := newDeployer(r, rec).Run(context.Background(), basePlan(ActionReboot, TransportCopy)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("reboot wait not bounded")
	}
	reboot, ri := r.find("root@example.org reboot")
	if ri < 0 || !reboot.started || !reboot.detached {
		t.Fatalf("reboot call %+v", reboot)
	}
	if _, ai := r.find("switch-to-configuration boot"); ai < 0 || ai > ri {
		t.Fatalf("activation must precede reboot: %v", r.commands())
	}
	trace := rec.trace()
	if last := trace[len(trace)-1]; last != "reboot:succeeded" {
		t.Fatalf("trace %v", trace)
	}
}

func TestRebootStartFailureReported(t *testing.T) {
	r := &fakeRunner{startErr: errors.New("fork failed")}
	err := newDeployer(r, nil).Run(context.Background(), basePlan(ActionReboot, TransportCopy))
	se := stageError(t, err)
	if se.Stage != StageReboot || se.Kind != KindLocalInvocation {
		t.Fatalf("stage=%s kind=%s", se.Stage, se.Kind)
	}
}

func TestInvalidPlan(t *testing.T) {
	cases := map[string]Plan{
		"no path":     {Host: "h"},
		"no host":     {Path: storePath},
		"flag host":   {Path: storePath, Host: "-oProxyCommand=x"},
		"bad action":  {Path: storePath, Host: "h", Action: "explode"},
		"bad profile": {Path: storePath, Host: "h", Action: ActionSwitch, Profile: "a/b"},
		"bad port":    {Path: storePath, Host: "h", Transport: TransportServe, Port: 70000},
		"bad mode":    {Path: storePath, Host: "h", Transport: "rsync"},
		"store swap":  {Path: storePath, Host: "h", Action: ActionTest, RemoteStore: "/mnt"},
	}
	for name, p := range cases {
		r := &fakeRunner{}
		err := newDeployer(r, nil).Run(context.Background(), p)
		se := stageError(t, err)
		if se.Stage != StagePrepare || se.Kind != KindInvalidPlan {
			t.Fatalf("%s: stage=%s kind=%s", name, se.Stage, se.Kind)
		}
		if len(r.commands()) != 0 {
			t.Fatalf("%s: commands ran: %v", name, r.commands())
		}
	}
}

func TestCanceledContextStopsRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := &fakeRunner{}
	err := newDeployer(r, nil).Run(ctx, basePlan(ActionSwitch, TransportCopy))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(r.commands()) != 0 {
		t.Fatalf("commands ran: %v", r.commands())
	}
}
