package domain

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// ErrNoDescriptor marks an update submitted without descriptor content. It is
// reported as a no-op, never as a failure.
var ErrNoDescriptor = errors.New("no descriptor provided")

// InvalidDescriptorError is returned when descriptor content cannot be turned
// into job specifications.
type InvalidDescriptorError struct {
	Entry  int // zero based entry index, -1 when the whole document is at fault
	Reason string
	Err    error
}

func (e InvalidDescriptorError) Error() string {
	msg := "invalid descriptor"
	if e.Entry >= 0 {
		msg = fmt.Sprintf("%s: entry %d", msg, e.Entry)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e InvalidDescriptorError) Unwrap() []error {
	if e.Err != nil {
		return []error{errdefs.ErrInvalidArgument, e.Err}
	}
	return []error{errdefs.ErrInvalidArgument}
}

// ProjectNotFoundError is returned when the orchestration project, or a job it
// depends on, is missing or of the wrong kind.
type ProjectNotFoundError struct {
	Name   string
	Reason string
}

func (e ProjectNotFoundError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("project %s not found: %s", e.Name, e.Reason)
	}
	return fmt.Sprintf("project %s not found", e.Name)
}

func (e ProjectNotFoundError) Unwrap() error { return errdefs.ErrNotFound }

// JobAlreadyExistsError is returned when a job would overwrite an existing one.
type JobAlreadyExistsError struct {
	Name string
}

func (e JobAlreadyExistsError) Error() string {
	return fmt.Sprintf("job %s already exists", e.Name)
}

func (e JobAlreadyExistsError) Unwrap() error { return errdefs.ErrAlreadyExists }
