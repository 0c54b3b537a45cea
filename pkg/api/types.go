package api

import "time"

// Status is the final verdict of one probe invocation.
type Status string

const (
	// StatusSuccess: the VM came up and the validation command succeeded.
	StatusSuccess Status = "success"
	// StatusFailure: the probe ran to completion and found the site not working.
	StatusFailure Status = "failure"
	// StatusError: the probe itself could not run (creation, outputs, credentials).
	StatusError Status = "error"
)

// Report is the public, serializable form of a probe outcome.
type Report struct {
	Site        string        `json:"site" yaml:"site"`
	VO          string        `json:"vo" yaml:"vo"`
	Status      Status        `json:"status" yaml:"status"`
	Stage       string        `json:"stage,omitempty" yaml:"stage,omitempty"`
	InfraID     string        `json:"infra_id,omitempty" yaml:"infra_id,omitempty"`
	Command     string        `json:"command,omitempty" yaml:"command,omitempty"`
	Diagnostics string        `json:"diagnostics,omitempty" yaml:"diagnostics,omitempty"`
	Attempts    int           `json:"poll_attempts,omitempty" yaml:"poll_attempts,omitempty"`
	Duration    time.Duration `json:"duration_ns" yaml:"duration"`
	StartedAt   time.Time     `json:"started_at" yaml:"started_at"`
	// DestroyError is set when the infrastructure could not be removed.
	DestroyError string `json:"destroy_error,omitempty" yaml:"destroy_error,omitempty"`
}

// Leak is an infrastructure that survived its probe.
type Leak struct {
	InfraID    string    `json:"infra_id" yaml:"infra_id"`
	Site       string    `json:"site" yaml:"site"`
	VO         string    `json:"vo" yaml:"vo"`
	Error      string    `json:"error" yaml:"error"`
	RecordedAt time.Time `json:"recorded_at" yaml:"recorded_at"`
}
