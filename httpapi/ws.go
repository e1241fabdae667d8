package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/pslog"
	"pkt.systems/shellhost/schema"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsReadLimit  = maxBodyBytes
	wsSendQueue  = 256
)

// Frame types on the WebSocket channel.
const (
	FrameQuery    = "query"
	FrameMutation = "mutation"
	FrameMessage  = "message"
	FrameWorker   = "worker"
	FrameResponse = "response"
	FrameEvent    = "event"
	FrameError    = "error"
)

// ClientFrame is sent by the UI over the WebSocket.
type ClientFrame struct {
	Type     string          `json:"type"`
	WorkerID schema.WorkerID `json:"workerId,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// ServerFrame is sent to the UI over the WebSocket.
type ServerFrame struct {
	Type        string          `json:"type"`
	RequestType string          `json:"requestType,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Event       *StreamEvent    `json:"event,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

type wsClient struct {
	conn   *websocket.Conn
	send   chan ServerFrame
	done   chan struct{}
	once   sync.Once
	log    pslog.Logger
	server *Server
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		pslog.Ctx(r.Context()).Warn("http websocket upgrade failed", "err", err)
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	client := &wsClient{
		conn:   conn,
		send:   make(chan ServerFrame, wsSendQueue),
		done:   make(chan struct{}),
		log:    pslog.Ctx(ctx).With("remote", clientIP(r)),
		server: s,
	}
	events, unsubscribe, _, _ := s.hub.Subscribe()
	defer unsubscribe()

	client.log.Info("http websocket opened")
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		client.writeLoop(events)
	}()
	client.readLoop(ctx, &wg)
	client.close()
	cancel()
	wg.Wait()
	_ = conn.Close()
	client.log.Info("http websocket closed")
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *wsClient) readLoop(ctx context.Context, wg *sync.WaitGroup) {
	c.conn.SetReadLimit(wsReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		var frame ClientFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("http websocket read failed", "err", err)
			}
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.enqueue(c.server.dispatchFrame(ctx, frame))
		}()
	}
}

func (c *wsClient) enqueue(frame ServerFrame) {
	select {
	case c.send <- frame:
	case <-c.done:
	}
}

func (c *wsClient) writeLoop(events <-chan StreamEvent) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case frame := <-c.send:
			if !c.write(frame) {
				return
			}
		case event, ok := <-events:
			if !ok {
				return
			}
			if !c.write(ServerFrame{Type: FrameEvent, Event: &event}) {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *wsClient) write(frame ServerFrame) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := c.conn.WriteJSON(frame); err != nil {
		c.log.Warn("http websocket write failed", "err", err)
		c.close()
		_ = c.conn.Close()
		return false
	}
	return true
}

// dispatchFrame runs one client frame and builds its response frame.
func (s *Server) dispatchFrame(ctx context.Context, frame ClientFrame) ServerFrame {
	kind := strings.TrimSpace(frame.Type)
	switch kind {
	case FrameQuery, FrameMutation:
		var req schema.HostRequest
		if err := json.Unmarshal(frame.Payload, &req); err != nil {
			return errorFrame(kind, fmt.Errorf("invalid %s payload: %w", kind, err))
		}
		var resp schema.HostResponse
		if kind == FrameQuery {
			resp = s.dispatcher.HandleQuery(ctx, req)
		} else {
			resp = s.dispatcher.HandleMutation(ctx, req)
		}
		return responseFrame(kind, resp)
	case FrameMessage:
		if len(frame.Payload) == 0 {
			return errorFrame(kind, errors.New("message payload required"))
		}
		reply := s.dispatcher.SendMessage(ctx, frame.Payload)
		s.hub.PublishMessage(reply)
		return ServerFrame{Type: FrameResponse, RequestType: kind, Payload: reply}
	case FrameWorker:
		if frame.WorkerID == "" {
			return errorFrame(kind, errors.New("workerId required"))
		}
		resp := s.dispatcher.HandleWorker(ctx, frame.WorkerID, frame.Payload)
		s.hub.PublishWorker(resp)
		return responseFrame(kind, resp)
	default:
		return errorFrame(kind, fmt.Errorf("unknown frame type %q", kind))
	}
}

func responseFrame(kind string, payload any) ServerFrame {
	data, err := json.Marshal(payload)
	if err != nil {
		return errorFrame(kind, err)
	}
	return ServerFrame{Type: FrameResponse, RequestType: kind, Payload: data}
}

func errorFrame(kind string, err error) ServerFrame {
	data, _ := json.Marshal(map[string]string{"error": err.Error()})
	return ServerFrame{Type: FrameError, RequestType: kind, Payload: data}
}
