package router

import (
	"context"
	"encoding/json"

	"pkt.systems/pslog"
	"pkt.systems/shellhost/internal/logx"
	"pkt.systems/shellhost/schema"
)

// HandleWorker runs a worker message from the UI. Only the git worker is
// wired; other ids get worker_not_supported.
func (r *Router) HandleWorker(ctx context.Context, workerID schema.WorkerID, payload json.RawMessage) schema.WorkerResponse {
	if ctx == nil {
		ctx = context.Background()
	}
	if r.logger != nil {
		ctx = pslog.ContextWithLogger(ctx, r.logger)
	}
	outer := decodeParams(payload)
	inner := decodeParams(outer["request"])

	requestID := inner.text("id")
	if requestID == "" {
		requestID = outer.text("id")
	}
	if requestID == "" {
		requestID = "unknown"
	}
	method := inner.text("method")
	if method == "" {
		method = outer.text("method")
	}
	if method == "" {
		method = "unknown"
	}
	req := schema.WorkerRequest{
		WorkerID:  workerID,
		RequestID: requestID,
		Method:    method,
		Params:    firstPresent(json.RawMessage(`{}`), inner["params"], outer["params"]),
	}
	log := logx.WithMethod(logx.WithWorker(pslog.Ctx(ctx), workerID, requestID), method)

	if workerID != schema.WorkerGit || r.git == nil {
		log.Warn("router worker not supported")
		r.metrics.Routed("worker", KindUnknown.String(), false)
		return schema.WorkerResponse{
			WorkerID:  workerID,
			RequestID: requestID,
			Error: &schema.HostError{
				Code:    schema.CodeWorkerNotSupported,
				Message: "only the git worker is available",
			},
		}
	}
	resp := r.git.Handle(ctx, req)
	r.metrics.Routed("worker", string(workerID), resp.OK)
	return resp
}
