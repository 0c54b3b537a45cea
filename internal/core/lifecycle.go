package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/fedprobe/internal/credentials"
	"github.com/3cpo-dev/fedprobe/internal/im"
	"github.com/3cpo-dev/fedprobe/internal/ssh"
	"github.com/3cpo-dev/fedprobe/internal/telemetry"
	"github.com/3cpo-dev/fedprobe/pkg/api"
)

// DefaultDestroyTimeout bounds the teardown call, which ignores cancellation.
const DefaultDestroyTimeout = 2 * time.Minute

// The template declares a single compute node.
const vmNode = 0

// Runner executes the validation command on the VM.
type Runner interface {
	Run(ctx context.Context, target ssh.Target, job ssh.Job) ssh.CommandResult
}

// Journal persists finished invocations.
type Journal interface {
	RecordOutcome(ctx context.Context, out Outcome, destroyErr error) error
}

// Orchestrator drives one test VM through its whole life.
type Orchestrator struct {
	IM          im.Infrastructure
	SSH         Runner
	Credentials credentials.Builder
	Poller      Poller

	// Image overrides the VM image name inside the template.
	Image          string
	Format         im.Format
	SSHPort        int
	DestroyTimeout time.Duration

	Metrics *telemetry.Collector
	Journal Journal
}

// Run performs one invocation. The returned error is non-nil only when the
// infrastructure could not be destroyed; it is then a *DestroyError. Every
// other problem is reported through the Outcome.
func (o *Orchestrator) Run(ctx context.Context, req TestRequest) (out Outcome, err error) {
	start := time.Now()
	out = Outcome{
		Site:      req.Site,
		VO:        req.VO,
		Command:   req.command(),
		Stage:     StageValidate,
		StartedAt: start,
	}
	logger := log.With().Str("site", req.Site).Str("vo", req.VO).Logger()
	defer func() {
		out.Duration = time.Since(start)
		o.finish(ctx, logger, out, err)
	}()

	if verr := req.Validate(); verr != nil {
		return errored(out, verr), nil
	}

	out.Stage = StageCredentials
	desc, cerr := o.Credentials.Build(req.Token, req.Site, req.VO)
	if cerr != nil {
		return errored(out, fmt.Errorf("%w: %v", ErrCredentials, cerr)), nil
	}
	// Registered first so it runs after the destroy below.
	defer func() {
		if rerr := desc.Release(); rerr != nil {
			logger.Warn().Err(rerr).Str("path", desc.Path).Msg("failed to remove auth descriptor")
		}
	}()

	out.Stage = StageCreate
	tpl, terr := im.TemplateParams{Site: req.Site, VO: req.VO, Image: o.Image}.Render()
	if terr != nil {
		return errored(out, fmt.Errorf("%w: %v", ErrCreation, terr)), nil
	}
	infraID, cerr := o.IM.Create(ctx, desc, tpl, o.format())
	if cerr != nil {
		return errored(out, fmt.Errorf("%w: %v", ErrCreation, cerr)), nil
	}
	out.InfraID = infraID
	logger = logger.With().Str("infra_id", infraID).Logger()
	logger.Info().Msg("infrastructure created")
	defer func() {
		if derr := o.destroy(ctx, desc, infraID); derr != nil {
			err = &DestroyError{InfraID: infraID, Site: req.Site, VO: req.VO, Err: derr}
			logger.Error().Err(derr).Msg("infrastructure could not be destroyed")
			return
		}
		logger.Info().Msg("infrastructure destroyed")
	}()

	out.Stage = StageReadiness
	pr := o.Poller.Wait(ctx, func(ctx context.Context) (im.State, error) {
		return o.IM.State(ctx, desc, infraID, vmNode)
	})
	out.Attempts = pr.Attempts
	if !pr.Ready() {
		out.Status = api.StatusFailure
		out.Err = fmt.Errorf("%w: %s after %d attempts, last state %q", ErrReadiness, pr.Phase, pr.Attempts, pr.LastState)
		if pr.LastErr != nil {
			out.Err = fmt.Errorf("%w: %w", out.Err, pr.LastErr)
		}
		out.Diagnostics = joinLines(out.Err.Error(), o.contextMessage(ctx, desc, infraID))
		return out, nil
	}

	out.Stage = StageOutputs
	outs, oerr := o.IM.Outputs(ctx, desc, infraID)
	if oerr != nil {
		return errored(out, fmt.Errorf("%w: %v", ErrOutputs, oerr)), nil
	}

	out.Stage = StageCommand
	res := o.SSH.Run(ctx, ssh.Target{
		Address:    outs.Address,
		Port:       o.SSHPort,
		User:       outs.User,
		PrivateKey: []byte(outs.PrivateKey),
	}, ssh.Job{Command: req.command(), Script: req.Script})
	if res.Command != "" {
		out.Command = res.Command
	}
	if o.Metrics != nil {
		o.Metrics.RecordCommand(res.Success)
	}
	logger.Debug().Str("host_key", res.HostKey).Int("exit_code", res.ExitCode).Msg("validation command finished")
	if res.Success {
		out.Status = api.StatusSuccess
		out.Diagnostics = strings.TrimSpace(res.Stdout)
	} else {
		out.Status = api.StatusFailure
		out.Diagnostics = joinLines(res.Stderr, res.Stdout, o.contextMessage(ctx, desc, infraID))
	}
	return out, nil
}

func (o *Orchestrator) format() im.Format {
	if o.Format == "" {
		return im.FormatTOSCA
	}
	return o.Format
}

func (o *Orchestrator) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := o.DestroyTimeout
	if timeout <= 0 {
		timeout = DefaultDestroyTimeout
	}
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

// destroy must run even when ctx was cancelled mid-invocation.
func (o *Orchestrator) destroy(ctx context.Context, auth im.Authorizer, infraID string) error {
	dctx, cancel := o.detached(ctx)
	defer cancel()
	return o.IM.Destroy(dctx, auth, infraID)
}

func (o *Orchestrator) contextMessage(ctx context.Context, auth im.Authorizer, infraID string) string {
	cctx, cancel := o.detached(ctx)
	defer cancel()
	msg, err := o.IM.ContextMessage(cctx, auth, infraID, vmNode)
	if err != nil {
		return "contextualization log unavailable: " + err.Error()
	}
	return strings.TrimSpace(msg)
}

func (o *Orchestrator) finish(ctx context.Context, logger zerolog.Logger, out Outcome, err error) {
	if o.Metrics != nil {
		o.Metrics.RecordProbe(out.Site, out.VO, string(out.Status), out.Duration, out.Attempts)
		var de *DestroyError
		if errors.As(err, &de) {
			o.Metrics.RecordDestroyFailure(out.Site, out.VO)
		}
	}
	if o.Journal != nil {
		jctx, cancel := o.detached(ctx)
		defer cancel()
		if jerr := o.Journal.RecordOutcome(jctx, out, err); jerr != nil {
			logger.Warn().Err(jerr).Msg("failed to record outcome")
		}
	}
	ev := logger.Info()
	if out.Status != api.StatusSuccess {
		ev = logger.Warn()
	}
	ev.Str("status", string(out.Status)).
		Str("stage", string(out.Stage)).
		Int("attempts", out.Attempts).
		Dur("duration", out.Duration).
		Msg("probe finished")
}

func errored(out Outcome, err error) Outcome {
	out.Status = api.StatusError
	out.Err = err
	out.Diagnostics = err.Error()
	return out
}

func joinLines(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n")
}
