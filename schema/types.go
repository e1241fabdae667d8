package schema

// SessionID identifies a terminal session.
type SessionID string

// RequestID identifies one UI request and its response envelope.
type RequestID string

// WorkerID identifies an in-process worker reachable from the UI.
type WorkerID string

// WorkerGit is the only worker wired into the host.
const WorkerGit WorkerID = "git"
