package model

import "errors"

var (
	// ErrUserNotFound is returned when a credential resolves to an unknown user.
	ErrUserNotFound = errors.New("user not found")

	// ErrTargetNotFound is returned when an execution target has no record.
	ErrTargetNotFound = errors.New("target not found")

	// ErrCommandRequired is returned when a target is registered without a command.
	ErrCommandRequired = errors.New("command is required")

	// ErrUnauthorized is returned when a credential is rejected and anonymous access is disabled.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrUnknownConnection is returned when an operation names a connection this node does not own.
	ErrUnknownConnection = errors.New("unknown connection")

	// ErrGatewayState is returned when a gateway operation is invalid in the current lifecycle state.
	ErrGatewayState = errors.New("invalid gateway state")

	// ErrSessionEnded is returned when a terminal session ended while a viewer was attaching.
	ErrSessionEnded = errors.New("terminal session ended")

	// ErrNotAttached is returned when a viewer writes to a terminal it is not attached to.
	ErrNotAttached = errors.New("not attached to terminal")

	// ErrTargetOwned is returned when another gateway node serves a target's terminal.
	ErrTargetOwned = errors.New("terminal is served by another node")
)
