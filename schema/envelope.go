package schema

import "encoding/json"

// HostRequest is a query or mutation sent by the UI.
type HostRequest struct {
	RequestID RequestID       `json:"requestId"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// HostResponse is the envelope returned for every HostRequest.
type HostResponse struct {
	RequestID RequestID       `json:"requestId"`
	OK        bool            `json:"ok"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *HostError      `json:"error,omitempty"`
}

// HostError describes a failed request.
type HostError struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

// OKResponse builds a successful envelope.
func OKResponse(id RequestID, result json.RawMessage) HostResponse {
	if len(result) == 0 {
		result = json.RawMessage(`{}`)
	}
	return HostResponse{RequestID: id, OK: true, Result: result}
}

// ErrResponse builds a failed envelope.
func ErrResponse(id RequestID, code, message string) HostResponse {
	return HostResponse{RequestID: id, Error: &HostError{Code: code, Message: message}}
}

// WorkerRequest is a message addressed to an in-process worker.
type WorkerRequest struct {
	WorkerID  WorkerID        `json:"workerId"`
	RequestID string          `json:"requestId"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// WorkerResponse is the reply from an in-process worker.
type WorkerResponse struct {
	WorkerID  WorkerID        `json:"workerId"`
	RequestID string          `json:"requestId"`
	OK        bool            `json:"ok"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *HostError      `json:"error,omitempty"`
}
