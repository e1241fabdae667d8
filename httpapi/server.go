package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/shellhost/internal/deeplink"
	"pkt.systems/shellhost/internal/metrics"
	"pkt.systems/shellhost/internal/router"
	"pkt.systems/shellhost/schema"
)

const (
	maxBodyBytes      = 8 << 20
	streamKeepalive   = 15 * time.Second
	streamContentType = "text/event-stream"
)

// Dispatcher answers UI requests.
type Dispatcher interface {
	HandleQuery(ctx context.Context, req schema.HostRequest) schema.HostResponse
	HandleMutation(ctx context.Context, req schema.HostRequest) schema.HostResponse
	SendMessage(ctx context.Context, payload json.RawMessage) json.RawMessage
	HandleWorker(ctx context.Context, workerID schema.WorkerID, payload json.RawMessage) schema.WorkerResponse
	HasBridge() bool
}

// Server serves the HTTP API.
type Server struct {
	cfg        Config
	dispatcher Dispatcher
	hub        *Hub
	metrics    *metrics.Metrics
	basePath   string
}

// NewServer constructs an HTTP server.
func NewServer(cfg Config, dispatcher Dispatcher, hub *Hub, m *metrics.Metrics) *Server {
	if hub == nil {
		hub = NewHub(cfg.StreamHistory, nil, m)
	}
	return &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		hub:        hub,
		metrics:    m,
		basePath:   normalizeBasePath(cfg.BasePath),
	}
}

// Hub returns the stream hub fed by this server.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns an http.Handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/query", s.handleQuery)
	mux.HandleFunc("POST /api/mutation", s.handleMutation)
	mux.HandleFunc("POST /api/message", s.handleMessage)
	mux.HandleFunc("POST /api/workers/{workerId}", s.handleWorker)
	mux.HandleFunc("GET /api/registry", s.handleRegistry)
	mux.HandleFunc("GET /api/deeplink", s.handleDeeplink)
	mux.HandleFunc("GET /api/stream", s.handleStream)
	mux.HandleFunc("GET /api/ws", s.handleWebSocket)
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return accessLog(s.metrics, mountBasePath(s.basePath, mux))
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req schema.HostRequest
	if err := decodeJSON(http.MaxBytesReader(w, r.Body, maxBodyBytes), &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, s.dispatcher.HandleQuery(r.Context(), req))
}

func (s *Server) handleMutation(w http.ResponseWriter, r *http.Request) {
	var req schema.HostRequest
	if err := decodeJSON(http.MaxBytesReader(w, r.Body, maxBodyBytes), &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, s.dispatcher.HandleMutation(r.Context(), req))
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	payload, err := readObject(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	reply := s.dispatcher.SendMessage(r.Context(), payload)
	s.hub.PublishMessage(reply)
	writeRaw(w, http.StatusOK, reply)
}

func (s *Server) handleWorker(w http.ResponseWriter, r *http.Request) {
	workerID := schema.WorkerID(strings.TrimSpace(r.PathValue("workerId")))
	if workerID == "" {
		writeError(w, http.StatusBadRequest, errors.New("worker id required"))
		return
	}
	payload, err := readObject(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp := s.dispatcher.HandleWorker(r.Context(), workerID, payload)
	s.hub.PublishWorker(resp)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRegistry(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, router.Registry())
}

func (s *Server) handleDeeplink(w http.ResponseWriter, r *http.Request) {
	route, err := deeplink.Parse(r.URL.Query().Get("url"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"bridge":  s.dispatcher.HasBridge(),
		"clients": s.hub.Subscribers(),
	})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("stream unsupported"))
		return
	}
	log := pslog.Ctx(r.Context())

	w.Header().Set("Content-Type", streamContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	lastID := parseUint(r.Header.Get("Last-Event-ID"))
	if lastID == 0 {
		lastID = parseUint(r.URL.Query().Get("after"))
	}

	ch, unsubscribe, seq, history := s.hub.Subscribe()
	defer unsubscribe()

	replay := 0
	if lastID > 0 {
		for _, event := range eventsAfter(history, lastID) {
			_ = writeSSEvent(w, event)
			replay++
		}
	}
	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	keepalive := time.NewTicker(streamKeepalive)
	defer keepalive.Stop()

	log.Info("http stream opened", "last_id", lastID, "replay", replay, "seq", seq)
	for {
		select {
		case <-r.Context().Done():
			log.Info("http stream closed")
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if event.Seq <= seq {
				continue
			}
			if err := writeSSEvent(w, event); err != nil {
				log.Warn("http stream write failed", "err", err)
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			_, _ = fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func decodeJSON(body io.Reader, target any) error {
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

// readObject reads a single JSON object from body.
func readObject(body io.Reader) (json.RawMessage, error) {
	var payload json.RawMessage
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(payload))
	if !strings.HasPrefix(trimmed, "{") {
		return nil, errors.New("payload must be a JSON object")
	}
	return payload, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	writeRaw(w, status, data)
}

func writeRaw(w http.ResponseWriter, status int, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeSSEvent(w io.Writer, event StreamEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if event.Seq > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", event.Seq); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func parseUint(value string) uint64 {
	if value == "" {
		return 0
	}
	parsed, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}
