package pipeline

import "errors"

var (
	// ErrProvisioning means a virtual display server did not come up.
	ErrProvisioning = errors.New("display provisioning failed")
	// ErrNavigationTimeout means the page did not reach the ready state in time.
	ErrNavigationTimeout = errors.New("navigation timeout")
	ErrNavigation        = errors.New("navigation failed")
	// ErrProcessExecution means an external tool failed to start or exited unexpectedly.
	ErrProcessExecution = errors.New("process execution failed")
	// ErrHostBusy means another job is already writing to the same host directory.
	ErrHostBusy = errors.New("host capture already in progress")
)
