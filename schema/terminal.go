package schema

// SessionDescriptor describes a terminal session. Env is encoded with sorted
// keys by encoding/json.
type SessionDescriptor struct {
	ID   SessionID         `json:"id"`
	Cwd  string            `json:"cwd"`
	Env  map[string]string `json:"env"`
	Cols uint16            `json:"cols"`
	Rows uint16            `json:"rows"`
}

// AttachResult carries the full output captured for a session so far.
type AttachResult struct {
	Session    SessionDescriptor `json:"session"`
	Output     string            `json:"output"`
	ByteLength int               `json:"byteLength"`
}

// DispatchRegistry lists the methods known to the router.
type DispatchRegistry struct {
	QueryMethods     []string `json:"queryMethods"`
	MutationMethods  []string `json:"mutationMethods"`
	GitWorkerMethods []string `json:"gitWorkerMethods"`
}
