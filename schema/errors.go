package schema

import "errors"

var (
	// ErrInvalidRequest indicates a malformed request payload.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrSessionNotFound indicates the terminal session does not exist or was closed.
	ErrSessionNotFound = errors.New("session not found")
	// ErrBridgeUnavailable indicates no worker process is attached to the host.
	ErrBridgeUnavailable = errors.New("app-server bridge is not available")
	// ErrUnknownMethod indicates a method that is not registered on the requested surface.
	ErrUnknownMethod = errors.New("method is not registered")
	// ErrMissingMethod indicates a request without a method name.
	ErrMissingMethod = errors.New("request method is required")
	// ErrInvalidPath indicates an empty or malformed path parameter.
	ErrInvalidPath = errors.New("path is required")
	// ErrPathNotAllowed indicates a path outside every allowed root.
	ErrPathNotAllowed = errors.New("requested path is outside configured allowed roots")
	// ErrWorkerNotSupported indicates a worker id with no implementation.
	ErrWorkerNotSupported = errors.New("worker is not supported")
	// ErrInvalidDeepLink indicates a deep link with an unsupported scheme.
	ErrInvalidDeepLink = errors.New("invalid deep link scheme")
)
