package core

import (
	"errors"
	"fmt"
)

var (
	ErrCredentials = errors.New("credential material could not be built")
	ErrCreation    = errors.New("infrastructure creation failed")
	ErrReadiness   = errors.New("infrastructure did not become ready")
	ErrOutputs     = errors.New("infrastructure outputs unavailable")
)

// DestroyError means an infrastructure may still be running and billing.
type DestroyError struct {
	InfraID string
	Site    string
	VO      string
	Err     error
}

func (e *DestroyError) Error() string {
	return fmt.Sprintf("destroy infrastructure %s at %s (vo %s): %v", e.InfraID, e.Site, e.VO, e.Err)
}

func (e *DestroyError) Unwrap() error { return e.Err }
