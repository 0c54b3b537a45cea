package core

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/fedprobe/internal/im"
)

const (
	DefaultPollAttempts = 10
	DefaultPollInterval = 10 * time.Second
	DefaultSettleDelay  = 60 * time.Second
)

// Clock abstracts waiting so the poller can be driven by tests.
type Clock interface {
	Now() time.Time
	// Sleep waits for d or until ctx is done, whichever comes first.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RealClock is the wall clock.
var RealClock Clock = realClock{}

// Phase is where the readiness poll ended.
type Phase string

const (
	PhasePending        Phase = "pending"
	PhaseConfigured     Phase = "configured"
	PhaseFailedTerminal Phase = "failed-terminal"
	PhaseTimedOut       Phase = "timed-out"
)

// PollResult summarizes a readiness poll.
type PollResult struct {
	Phase     Phase
	LastState im.State
	Attempts  int
	// LastErr is the last state query error, if any.
	LastErr error
}

// Ready reports whether the VM reached configured.
func (r PollResult) Ready() bool { return r.Phase == PhaseConfigured }

// StateFunc queries the current state of the watched VM.
type StateFunc func(ctx context.Context) (im.State, error)

// Poller waits for a VM to become configured. Zero fields take the defaults.
type Poller struct {
	Attempts int
	Interval time.Duration
	Settle   time.Duration
	Clock    Clock
}

func (p Poller) withDefaults() Poller {
	if p.Attempts <= 0 {
		p.Attempts = DefaultPollAttempts
	}
	if p.Interval < 0 {
		p.Interval = 0
	} else if p.Interval == 0 {
		p.Interval = DefaultPollInterval
	}
	if p.Settle < 0 {
		p.Settle = 0
	} else if p.Settle == 0 {
		p.Settle = DefaultSettleDelay
	}
	if p.Clock == nil {
		p.Clock = RealClock
	}
	return p
}

// Wait polls state until the VM is configured, fails terminally, or the
// attempts run out. Timeouts are a result, not an error.
func (p Poller) Wait(ctx context.Context, state StateFunc) PollResult {
	p = p.withDefaults()
	res := PollResult{Phase: PhasePending}
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		res.Attempts = attempt
		st, err := state(ctx)
		if err != nil {
			res.LastErr = err
			log.Debug().Err(err).Int("attempt", attempt).Msg("state query failed")
		} else {
			res.LastState = st
			res.LastErr = nil
			log.Debug().Int("attempt", attempt).Str("state", string(st)).Msg("vm state")
			switch {
			case st == im.StateConfigured:
				// Contextualization reports configured slightly before sshd settles.
				if err := p.Clock.Sleep(ctx, p.Settle); err != nil {
					res.Phase = PhaseTimedOut
					res.LastErr = err
					return res
				}
				res.Phase = PhaseConfigured
				return res
			case st.Terminal():
				res.Phase = PhaseFailedTerminal
				return res
			}
		}
		if attempt == p.Attempts {
			break
		}
		if err := p.Clock.Sleep(ctx, p.Interval); err != nil {
			res.LastErr = err
			break
		}
	}
	res.Phase = PhaseTimedOut
	return res
}
