package im

import (
	"context"
	"fmt"
)

// State is the lifecycle state IM reports for a VM.
type State string

const (
	StatePending      State = "pending"
	StateRunning      State = "running"
	StateConfigured   State = "configured"
	StateUnconfigured State = "unconfigured"
	StateStopped      State = "stopped"
	StateOff          State = "off"
	StateFailed       State = "failed"
	StateUnknown      State = "unknown"
	StateDeleting     State = "deleting"
)

// Terminal reports whether no further transition towards configured is expected.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateUnconfigured
}

// Format is the template language submitted to IM.
type Format string

const (
	FormatTOSCA Format = "tosca"
	FormatRADL  Format = "radl"
	FormatJSON  Format = "json"
)

func (f Format) contentType() string {
	switch f {
	case FormatRADL:
		return "text/plain"
	case FormatJSON:
		return "application/json"
	default:
		return "text/yaml"
	}
}

// Outputs are the template outputs needed to reach the VM.
type Outputs struct {
	Address    string
	User       string
	PrivateKey string
}

// Authorizer produces the Authorization header of a request.
type Authorizer interface {
	AuthHeader() (string, error)
}

// Infrastructure is the subset of the IM API the probe needs.
type Infrastructure interface {
	Create(ctx context.Context, auth Authorizer, template string, format Format) (string, error)
	State(ctx context.Context, auth Authorizer, infraID string, node int) (State, error)
	ContextMessage(ctx context.Context, auth Authorizer, infraID string, node int) (string, error)
	Outputs(ctx context.Context, auth Authorizer, infraID string) (Outputs, error)
	Destroy(ctx context.Context, auth Authorizer, infraID string) error
}

// APIError is a non-2xx answer from IM.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("im %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}
