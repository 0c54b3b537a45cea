package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/3cpo-dev/fedprobe/pkg/api"
)

// DefaultCommand is run on the VM when the request does not name one.
const DefaultCommand = "hostname"

// Stage names the last lifecycle step an invocation reached.
type Stage string

const (
	StageValidate    Stage = "validate"
	StageCredentials Stage = "credentials"
	StageCreate      Stage = "create"
	StageReadiness   Stage = "readiness"
	StageOutputs     Stage = "outputs"
	StageCommand     Stage = "command"
)

// TestRequest is the input of one invocation.
type TestRequest struct {
	VO      string
	Site    string
	Token   string
	Command string
	// Script, when set, is a local file uploaded and run instead of Command.
	Script string
}

// Validate checks the request before anything is provisioned.
func (r TestRequest) Validate() error {
	if r.Site == "" {
		return ValidationError{Field: "site", Message: "site is required"}
	}
	if r.VO == "" {
		return ValidationError{Field: "vo", Message: "vo is required"}
	}
	if r.Token == "" {
		return ValidationError{Field: "token", Message: "access token is required"}
	}
	// Site and VO end up inside appdb://<site>/<image>?<vo>.
	for _, f := range []struct{ name, v string }{{"site", r.Site}, {"vo", r.VO}} {
		if strings.ContainsAny(f.v, " \t\r\n%?/") {
			return ValidationError{Field: f.name, Value: f.v, Message: "must not contain whitespace, '%', '?' or '/'"}
		}
	}
	return nil
}

func (r TestRequest) command() string {
	if r.Command == "" {
		return DefaultCommand
	}
	return r.Command
}

// Outcome is the result of one invocation. It is not modified after Run returns.
type Outcome struct {
	Site        string
	VO          string
	Status      api.Status
	Stage       Stage
	InfraID     string
	Command     string
	Diagnostics string
	Attempts    int
	StartedAt   time.Time
	Duration    time.Duration
	// Err is the cause of an error outcome or of a readiness failure.
	Err error
}

// Succeeded reports whether the validation command ran successfully.
func (o Outcome) Succeeded() bool { return o.Status == api.StatusSuccess }

// Report converts o to its public form. destroyErr is the error Run returned.
func (o Outcome) Report(destroyErr error) api.Report {
	r := api.Report{
		Site:        o.Site,
		VO:          o.VO,
		Status:      o.Status,
		Stage:       string(o.Stage),
		InfraID:     o.InfraID,
		Command:     o.Command,
		Diagnostics: o.Diagnostics,
		Attempts:    o.Attempts,
		Duration:    o.Duration,
		StartedAt:   o.StartedAt,
	}
	if destroyErr != nil {
		r.DestroyError = destroyErr.Error()
	}
	return r
}

// ValidationError represents an invalid request field.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s=%q: %s", e.Field, e.Value, e.Message)
}
