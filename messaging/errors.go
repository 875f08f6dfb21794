package messaging

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidQueue   = errors.New("messaging: queue name cannot be empty")
	ErrInvalidBinding = errors.New("messaging: invalid binding")
	ErrAlreadyBound   = errors.New("messaging: registry is already bound")
	ErrHandlerWiring  = errors.New("messaging: handler wiring error")
)

// BindError reports a queue whose broker resource could not be opened
type BindError struct {
	Queue string
	Role  string // consumer or producer
	Err   error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("messaging: failed to open %s for queue %s: %v", e.Role, e.Queue, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}
