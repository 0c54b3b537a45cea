package core

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/fedprobe/internal/credentials"
	"github.com/3cpo-dev/fedprobe/internal/im"
	"github.com/3cpo-dev/fedprobe/internal/im/imtest"
	"github.com/3cpo-dev/fedprobe/internal/ssh"
	"github.com/3cpo-dev/fedprobe/internal/telemetry"
	"github.com/3cpo-dev/fedprobe/pkg/api"
)

func testRequest() TestRequest {
	return TestRequest{VO: "vo.x", Site: "SITE1", Token: "tok"}
}

func newOrchestrator(t *testing.T, infra im.Infrastructure, runner Runner, clk Clock) (*Orchestrator, string) {
	t.Helper()
	dir := t.TempDir()
	return &Orchestrator{
		IM:          infra,
		SSH:         runner,
		Credentials: credentials.Builder{Dir: dir},
		Poller:      Poller{Clock: clk},
	}, dir
}

func assertNoCredentialFiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "auth descriptor left behind")
}

func TestRunScenarioInfra42(t *testing.T) {
	f := &fakeIM{
		infraID: "infra-42",
		states:  states("pending", "pending", "configured"),
		outputs: im.Outputs{Address: "10.0.0.5", User: "cloudadm", PrivateKey: "KEY"},
	}
	r := &fakeRunner{result: ssh.CommandResult{Success: true, Stdout: "node1\n"}}
	clk := &fakeClock{}
	o, dir := newOrchestrator(t, f, r, clk)

	out, err := o.Run(context.Background(), testRequest())
	require.NoError(t, err)

	assert.Equal(t, api.StatusSuccess, out.Status)
	assert.Equal(t, "node1", out.Diagnostics)
	assert.Equal(t, "infra-42", out.InfraID)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, StageCommand, out.Stage)
	assert.Equal(t, "hostname", out.Command)
	assert.NoError(t, out.Err)

	want := append([]string{"create"}, repeat("state", 3)...)
	want = append(want, "outputs", "destroy infra-42")
	assert.Equal(t, want, f.Calls())
	assert.Equal(t, []time.Duration{DefaultPollInterval, DefaultPollInterval, DefaultSettleDelay}, clk.Sleeps())

	assert.Equal(t, ssh.Target{Address: "10.0.0.5", User: "cloudadm", PrivateKey: []byte("KEY")}, r.target)
	assert.Equal(t, ssh.Job{Command: "hostname"}, r.job)
	assert.NoError(t, f.destroyAuthErr, "credentials released before destroy")
	assertNoCredentialFiles(t, dir)
}

func TestRunTemplateIsSubstituted(t *testing.T) {
	f := &fakeIM{outputs: im.Outputs{Address: "a", User: "u", PrivateKey: "k"}}
	o, _ := newOrchestrator(t, f, &fakeRunner{result: ssh.CommandResult{Success: true}}, &fakeClock{})

	_, err := o.Run(context.Background(), testRequest())
	require.NoError(t, err)
	require.Len(t, f.templates, 1)
	assert.Contains(t, f.templates[0], "appdb://SITE1/egi.ubuntu.24.04?vo.x")
	assert.NotContains(t, f.templates[0], "%")
}

func TestRunCreateFailure(t *testing.T) {
	f := &fakeIM{createErr: errBoom}
	r := &fakeRunner{}
	o, dir := newOrchestrator(t, f, r, &fakeClock{})

	out, err := o.Run(context.Background(), testRequest())
	require.NoError(t, err)

	assert.Equal(t, api.StatusError, out.Status)
	assert.Equal(t, StageCreate, out.Stage)
	assert.ErrorIs(t, out.Err, ErrCreation)
	assert.Contains(t, out.Diagnostics, "boom")
	assert.Equal(t, []string{"create"}, f.Calls())
	assert.Zero(t, r.runs)
	assertNoCredentialFiles(t, dir)
}

func TestRunReadinessTimeout(t *testing.T) {
	f := &fakeIM{
		infraID: "infra-7",
		states:  states("pending"),
		contMsg: "Contextualization failed: apt lock\n",
	}
	r := &fakeRunner{}
	clk := &fakeClock{}
	o, dir := newOrchestrator(t, f, r, clk)

	out, err := o.Run(context.Background(), testRequest())
	require.NoError(t, err)

	assert.Equal(t, api.StatusFailure, out.Status)
	assert.Equal(t, StageReadiness, out.Stage)
	assert.ErrorIs(t, out.Err, ErrReadiness)
	assert.Equal(t, DefaultPollAttempts, out.Attempts)
	assert.Contains(t, out.Diagnostics, "Contextualization failed: apt lock")
	assert.Contains(t, out.Diagnostics, string(PhaseTimedOut))
	assert.Equal(t, DefaultPollAttempts, f.count("state"))
	assert.Equal(t, 1, f.count("contmsg"))
	assert.Equal(t, 1, f.count("destroy infra-7"))
	assert.Zero(t, f.count("outputs"))
	assert.Zero(t, r.runs)
	// No sleep after the last attempt.
	assert.Equal(t, durations(DefaultPollInterval, DefaultPollAttempts-1), clk.Sleeps())
	assertNoCredentialFiles(t, dir)
}

func TestRunTerminalStateFailsFast(t *testing.T) {
	f := &fakeIM{states: states("pending", "failed"), contMsg: "boot error"}
	o, _ := newOrchestrator(t, f, &fakeRunner{}, &fakeClock{})

	out, err := o.Run(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, api.StatusFailure, out.Status)
	assert.Equal(t, 2, out.Attempts)
	assert.Contains(t, out.Diagnostics, string(PhaseFailedTerminal))
	assert.Contains(t, out.Diagnostics, "boot error")
	assert.Equal(t, 1, f.count("destroy infra-1"))
}

func TestRunOutputsFailure(t *testing.T) {
	f := &fakeIM{outputsErr: errBoom}
	r := &fakeRunner{}
	o, dir := newOrchestrator(t, f, r, &fakeClock{})

	out, err := o.Run(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, api.StatusError, out.Status)
	assert.ErrorIs(t, out.Err, ErrOutputs)
	assert.Equal(t, 1, f.count("destroy infra-1"))
	assert.Zero(t, r.runs)
	assertNoCredentialFiles(t, dir)
}

func TestRunSessionError(t *testing.T) {
	f := &fakeIM{outputs: im.Outputs{Address: "a", User: "u", PrivateKey: "k"}}
	r := &fakeRunner{result: ssh.CommandResult{Success: false, Stdout: "half", Stderr: "connection refused", ExitCode: -1}}
	o, dir := newOrchestrator(t, f, r, &fakeClock{})

	out, err := o.Run(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, api.StatusFailure, out.Status)
	assert.Equal(t, "connection refused\nhalf", out.Diagnostics)
	assert.Equal(t, 1, f.count("destroy infra-1"))
	assertNoCredentialFiles(t, dir)
}

func TestRunCommandFailureAttachesContextMessage(t *testing.T) {
	f := &fakeIM{outputs: im.Outputs{Address: "a", User: "u", PrivateKey: "k"}, contMsg: "sshd not started\n"}
	r := &fakeRunner{result: ssh.CommandResult{Success: false, Stderr: "connection refused", ExitCode: -1}}
	o, dir := newOrchestrator(t, f, r, &fakeClock{})

	out, err := o.Run(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, api.StatusFailure, out.Status)
	assert.Equal(t, StageCommand, out.Stage)
	assert.Equal(t, "connection refused\nsshd not started", out.Diagnostics)
	assert.Equal(t, 1, f.count("contmsg"))
	assert.Equal(t, []string{"create", "state", "outputs", "contmsg", "destroy infra-1"}, f.Calls())
	assertNoCredentialFiles(t, dir)
}

func TestRunCommandSuccessSkipsContextMessage(t *testing.T) {
	f := &fakeIM{outputs: im.Outputs{Address: "a", User: "u", PrivateKey: "k"}, contMsg: "all good"}
	o, _ := newOrchestrator(t, f, &fakeRunner{result: ssh.CommandResult{Success: true, Stdout: "node1"}}, &fakeClock{})

	out, err := o.Run(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "node1", out.Diagnostics)
	assert.Zero(t, f.count("contmsg"))
}

func TestRunDestroyFailureIsReturned(t *testing.T) {
	f := &fakeIM{
		infraID:    "infra-9",
		outputs:    im.Outputs{Address: "a", User: "u", PrivateKey: "k"},
		destroyErr: errBoom,
	}
	j := &fakeJournal{}
	o, dir := newOrchestrator(t, f, &fakeRunner{result: ssh.CommandResult{Success: true, Stdout: "node1"}}, &fakeClock{})
	o.Journal = j

	out, err := o.Run(context.Background(), testRequest())
	require.Error(t, err)

	var de *DestroyError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "infra-9", de.InfraID)
	assert.Equal(t, "SITE1", de.Site)
	assert.ErrorIs(t, err, errBoom)
	// The probe itself still passed.
	assert.Equal(t, api.StatusSuccess, out.Status)
	assertNoCredentialFiles(t, dir)

	require.Len(t, j.outcomes, 1)
	assert.Equal(t, err, j.errs[0])
	assert.Equal(t, "infra-9", j.outcomes[0].InfraID)
}

func TestRunValidationFailure(t *testing.T) {
	f := &fakeIM{}
	o, dir := newOrchestrator(t, f, &fakeRunner{}, &fakeClock{})

	req := testRequest()
	req.Token = ""
	out, err := o.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, api.StatusError, out.Status)
	assert.Equal(t, StageValidate, out.Stage)
	var ve ValidationError
	assert.True(t, errors.As(out.Err, &ve))
	assert.Empty(t, f.Calls())
	assertNoCredentialFiles(t, dir)
}

func TestRunCancelledDuringPollStillDestroys(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := &fakeIM{states: states("pending")}
	clk := &fakeClock{cancel: cancel, cancelAfter: 2}
	o, dir := newOrchestrator(t, f, &fakeRunner{}, clk)

	out, err := o.Run(ctx, testRequest())
	require.NoError(t, err)
	assert.Equal(t, api.StatusFailure, out.Status)
	assert.Equal(t, 2, out.Attempts)
	assert.ErrorIs(t, out.Err, context.Canceled)
	assert.Equal(t, 1, f.count("destroy infra-1"))
	assert.NoError(t, f.destroyCtxErr, "destroy must not inherit cancellation")
	assertNoCredentialFiles(t, dir)
}

func TestRunScriptJob(t *testing.T) {
	f := &fakeIM{outputs: im.Outputs{Address: "a", User: "u", PrivateKey: "k"}}
	r := &fakeRunner{result: ssh.CommandResult{Success: true, Command: "sh '/tmp/fedprobe-check.sh'"}}
	o, _ := newOrchestrator(t, f, r, &fakeClock{})
	o.SSHPort = 2222

	req := testRequest()
	req.Script = "/local/check.sh"
	out, err := o.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "/local/check.sh", r.job.Script)
	assert.Equal(t, 2222, r.target.Port)
	assert.Equal(t, "sh '/tmp/fedprobe-check.sh'", out.Command)
	assert.Equal(t, 1, r.runs)
}

func TestRunAgainstFakeIMServer(t *testing.T) {
	srv := (&imtest.Server{
		InfraID: "infra-42",
		States:  []string{"pending", "pending", "configured"},
		Address: "10.0.0.5",
		User:    "cloudadm",
		Key:     "KEY",
	}).Start()
	defer srv.Close()

	metrics := telemetry.NewCollector()
	r := &fakeRunner{result: ssh.CommandResult{Success: true, Stdout: "node1\n"}}
	o, dir := newOrchestrator(t, im.NewClient(srv.URL(), 5*time.Second).WithMetrics(metrics), r, &fakeClock{})
	o.Metrics = metrics

	out, err := o.Run(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, api.StatusSuccess, out.Status)
	assert.Equal(t, "node1", out.Diagnostics)
	assert.Equal(t, []string{
		"create",
		"state infra-42", "state infra-42", "state infra-42",
		"outputs infra-42",
		"destroy infra-42",
	}, srv.Calls())
	for _, h := range srv.AuthHeaders() {
		assert.True(t, strings.HasPrefix(h, "id = im; type = InfrastructureManager; token = tok"), h)
		assert.Contains(t, h, `\nid = egi; type = EGI; host = SITE1; vo = vo.x; token = tok`)
	}
	assertNoCredentialFiles(t, dir)

	path := dir + "/metrics.prom"
	require.NoError(t, metrics.WriteTextfile(path))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `fedprobe_probe_total{site="SITE1",status="success",vo="vo.x"} 1`)
}
