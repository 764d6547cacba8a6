package docker

import "errors"

var (
	// ErrNotFound indicates the requested Docker resource was not found.
	ErrNotFound = errors.New("docker: resource not found")
	// ErrTimeout indicates a command exceeded its caller-supplied deadline.
	ErrTimeout = errors.New("docker: command timeout")
	// ErrExec indicates an exec could not be created or attached, usually
	// because the container is missing or not running.
	ErrExec = errors.New("docker: exec failed")
)
