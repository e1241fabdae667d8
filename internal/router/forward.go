package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"pkt.systems/pslog"
	"pkt.systems/shellhost/internal/bridge"
	"pkt.systems/shellhost/schema"
)

const defaultWorkerErrorMessage = "app-server request failed"

func (r *Router) forward(ctx context.Context, req schema.HostRequest) schema.HostResponse {
	log := pslog.Ctx(ctx)
	if r.bridge == nil {
		log.Warn("router bridge unavailable")
		return schema.ErrResponse(req.RequestID, schema.CodeAppServerUnavailable,
			fmt.Sprintf("app-server bridge is not available for method '%s'", req.Method))
	}
	msg, err := r.bridge.Request(ctx, bridge.Call{
		ID:      string(req.RequestID),
		Method:  req.Method,
		Params:  req.Params,
		Timeout: r.cfg.RequestTimeout,
	})
	if err != nil {
		log.Warn("router forward failed", "kind", string(bridge.KindOf(err)), "err", err)
		return bridgeFailure(req.RequestID, err)
	}
	return replyEnvelope(req.RequestID, msg)
}

// replyEnvelope maps a worker reply onto the UI envelope.
func replyEnvelope(id schema.RequestID, msg bridge.Message) schema.HostResponse {
	if msg.IsError() {
		return schema.HostResponse{RequestID: id, Error: workerError(msg.Error)}
	}
	result := bytes.TrimSpace(msg.Result)
	if len(result) == 0 || bytes.Equal(result, []byte("null")) {
		result = nil
	}
	return schema.OKResponse(id, result)
}

// workerError keeps the worker's vocabulary: integer codes become
// app_server_<n>, string codes pass through.
func workerError(raw json.RawMessage) *schema.HostError {
	out := &schema.HostError{
		Code:    schema.CodeAppServerError,
		Message: defaultWorkerErrorMessage,
		Details: raw,
	}
	var fields struct {
		Code    json.RawMessage `json:"code"`
		Message *string         `json:"message"`
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return out
	}
	if code, ok := workerCode(fields.Code); ok {
		out.Code = code
	}
	if fields.Message != nil {
		out.Message = *fields.Message
	}
	return out
}

func workerCode(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return schema.AppServerCode(n), true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	return "", false
}

func bridgeFailure(id schema.RequestID, err error) schema.HostResponse {
	resp := schema.ErrResponse(id, schema.CodeAppServerError, err.Error())
	if kind := bridge.KindOf(err); kind != "" {
		details, _ := json.Marshal(map[string]string{"kind": string(kind)})
		resp.Error.Details = details
	}
	return resp
}

// SendMessage forwards a raw JSON-RPC request from the UI and returns the
// reply object to deliver back. Failures are returned as JSON-RPC error
// objects, never as Go errors.
func (r *Router) SendMessage(ctx context.Context, payload json.RawMessage) json.RawMessage {
	if ctx == nil {
		ctx = context.Background()
	}
	if r.logger != nil {
		ctx = pslog.ContextWithLogger(ctx, r.logger)
	}
	outer := decodeParams(payload)
	inner := outer
	if raw, ok := outer["request"]; ok {
		inner = decodeParams(raw)
	}

	method := inner.text("method")
	if method == "" {
		method = outer.text("method")
	}
	id := firstPresent(json.RawMessage(nil), inner["id"], inner["request_id"], outer["id"])
	if id == nil {
		id, _ = json.Marshal(uuid.NewString())
	}
	params := firstPresent(json.RawMessage(`{}`), inner["params"], outer["params"])

	log := pslog.Ctx(ctx).With("method", method, "message_id", string(id))
	normalized, err := schema.NormalizeMethod(method)
	switch {
	case errors.Is(err, schema.ErrMissingMethod):
		log.Warn("router message rejected", "reason", "missing_method")
		r.metrics.Routed("message", KindUnknown.String(), false)
		return rpcError(id, schema.CodeMissingMethod, schema.ErrMissingMethod.Error())
	case err != nil || normalized != method || Classify(method) != KindForwardable:
		log.Warn("router message rejected", "reason", "unknown_method")
		r.metrics.Routed("message", KindUnknown.String(), false)
		return rpcError(id, schema.CodeUnknownMethod, fmt.Sprintf("method '%s' is not registered", method))
	}
	if r.bridge == nil {
		log.Warn("router bridge unavailable")
		r.metrics.Routed("message", KindForwardable.String(), false)
		return rpcError(id, schema.CodeAppServerUnavailable, "app-server bridge is unavailable")
	}
	msg, err := r.bridge.Request(ctx, bridge.Call{
		ID:      id,
		Method:  method,
		Params:  params,
		Timeout: r.cfg.RequestTimeout,
	})
	if err != nil {
		log.Warn("router message failed", "kind", string(bridge.KindOf(err)), "err", err)
		r.metrics.Routed("message", KindForwardable.String(), false)
		return rpcError(id, schema.CodeAppServerError, err.Error())
	}
	r.metrics.Routed("message", KindForwardable.String(), !msg.IsError())
	log.Debug("router message answered", "error", msg.IsError())
	return msg.Raw
}

func firstPresent(fallback json.RawMessage, candidates ...json.RawMessage) json.RawMessage {
	for _, raw := range candidates {
		if len(bytes.TrimSpace(raw)) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			return raw
		}
	}
	return fallback
}

type rpcErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type rpcErrorReply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   rpcErrorBody    `json:"error"`
}

func rpcError(id json.RawMessage, code, message string) json.RawMessage {
	data, err := json.Marshal(rpcErrorReply{JSONRPC: "2.0", ID: id, Error: rpcErrorBody{Code: code, Message: message}})
	if err != nil {
		return json.RawMessage(`{"jsonrpc":"2.0","id":null,"error":{"code":"serialization_error","message":"reply encode failed"}}`)
	}
	return data
}
