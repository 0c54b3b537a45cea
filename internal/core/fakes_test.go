package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/3cpo-dev/fedprobe/internal/im"
	"github.com/3cpo-dev/fedprobe/internal/ssh"
)

// fakeIM is an in-memory IM that records every call.
type fakeIM struct {
	mu sync.Mutex

	infraID    string
	createErr  error
	states     []im.State
	stateErr   error
	contMsg    string
	outputs    im.Outputs
	outputsErr error
	destroyErr error

	calls     []string
	templates []string
	// destroyAuthErr is what AuthHeader returned during destroy.
	destroyAuthErr error
	destroyCtxErr  error
	stateIdx       int
}

func (f *fakeIM) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeIM) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeIM) count(call string) int {
	n := 0
	for _, c := range f.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeIM) Create(_ context.Context, auth im.Authorizer, template string, _ im.Format) (string, error) {
	f.record("create")
	if _, err := auth.AuthHeader(); err != nil {
		return "", err
	}
	f.mu.Lock()
	f.templates = append(f.templates, template)
	f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	if f.infraID == "" {
		return "infra-1", nil
	}
	return f.infraID, nil
}

func (f *fakeIM) State(_ context.Context, _ im.Authorizer, _ string, _ int) (im.State, error) {
	f.record("state")
	if f.stateErr != nil {
		return "", f.stateErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.states) == 0 {
		return im.StateConfigured, nil
	}
	st := f.states[f.stateIdx]
	if f.stateIdx < len(f.states)-1 {
		f.stateIdx++
	}
	return st, nil
}

func (f *fakeIM) ContextMessage(_ context.Context, _ im.Authorizer, _ string, _ int) (string, error) {
	f.record("contmsg")
	return f.contMsg, nil
}

func (f *fakeIM) Outputs(_ context.Context, _ im.Authorizer, _ string) (im.Outputs, error) {
	f.record("outputs")
	return f.outputs, f.outputsErr
}

func (f *fakeIM) Destroy(ctx context.Context, auth im.Authorizer, infraID string) error {
	f.record("destroy " + infraID)
	_, authErr := auth.AuthHeader()
	f.mu.Lock()
	f.destroyAuthErr = authErr
	f.destroyCtxErr = ctx.Err()
	f.mu.Unlock()
	return f.destroyErr
}

// fakeRunner returns a canned result and remembers what it was asked to run.
type fakeRunner struct {
	mu     sync.Mutex
	result ssh.CommandResult
	target ssh.Target
	job    ssh.Job
	runs   int
}

func (r *fakeRunner) Run(_ context.Context, target ssh.Target, job ssh.Job) ssh.CommandResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs++
	r.target = target
	r.job = job
	res := r.result
	if res.Command == "" {
		res.Command = job.Command
	}
	return res
}

// fakeClock records sleeps without waiting. cancelAfter cancels the
// context on the given sleep (1-based) when set.
type fakeClock struct {
	mu          sync.Mutex
	now         time.Time
	sleeps      []time.Duration
	cancelAfter int
	cancel      context.CancelFunc
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	n := len(c.sleeps)
	c.mu.Unlock()
	if c.cancel != nil && n == c.cancelAfter {
		c.cancel()
	}
	return ctx.Err()
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// fakeJournal keeps outcomes in memory.
type fakeJournal struct {
	mu       sync.Mutex
	outcomes []Outcome
	errs     []error
}

func (j *fakeJournal) RecordOutcome(_ context.Context, out Outcome, destroyErr error) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.outcomes = append(j.outcomes, out)
	j.errs = append(j.errs, destroyErr)
	return nil
}

func states(names ...string) []im.State {
	out := make([]im.State, len(names))
	for i, n := range names {
		out[i] = im.State(n)
	}
	return out
}

func repeat(call string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = call
	}
	return out
}

func durations(d time.Duration, n int) []time.Duration {
	out := make([]time.Duration, n)
	for i := range out {
		out[i] = d
	}
	return out
}

var errBoom = fmt.Errorf("boom")
