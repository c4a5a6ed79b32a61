package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/heyfun/internal/agent"
	"github.com/haasonsaas/heyfun/internal/auth"
	"github.com/haasonsaas/heyfun/internal/observability"
	"github.com/haasonsaas/heyfun/internal/session"
	"github.com/haasonsaas/heyfun/pkg/models"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsSendBuffer      = 64
	wsPongWait        = 45 * time.Second
	wsPingInterval    = wsPongWait * 9 / 10
	wsWriteWait       = 10 * time.Second
)

// Frame types exchanged on the session stream.
const (
	frameRun    = "run"
	frameCancel = "cancel"
	frameEvent  = "event"
	frameResult = "result"
	frameError  = "error"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// clientFrame is a request from the client. ID correlates the frames
// answering it.
type clientFrame struct {
	Type           string           `json:"type"`
	ID             string           `json:"id"`
	RunID          string           `json:"run_id,omitempty"`
	SessionID      string           `json:"session_id,omitempty"`
	OrganizationID string           `json:"organization_id,omitempty"`
	Messages       []models.Message `json:"messages,omitempty"`
}

type serverFrame struct {
	Type   string           `json:"type"`
	ID     string           `json:"id,omitempty"`
	Event  *agent.RunEvent  `json:"event,omitempty"`
	Result *agent.RunResult `json:"result,omitempty"`
	Error  *frameErr        `json:"error,omitempty"`
}

type frameErr struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type streamConn struct {
	runner RunExecutor
	logger *slog.Logger
	conn   *websocket.Conn
	org    string

	ctx    context.Context
	cancel context.CancelFunc
	send   chan []byte

	mu   sync.Mutex
	runs map[string]context.CancelFunc
	wg   sync.WaitGroup
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	sc := &streamConn{
		runner: s.cfg.Runner,
		logger: s.logger.With("stream", uuid.NewString()),
		conn:   conn,
		org:    auth.OrganizationID(r.Context()),
		ctx:    ctx,
		cancel: cancel,
		send:   make(chan []byte, wsSendBuffer),
		runs:   make(map[string]context.CancelFunc),
	}
	sc.serve()
}

func (c *streamConn) serve() {
	go c.writeLoop()
	c.readLoop()
	c.cancel()
	c.wg.Wait()
	_ = c.conn.Close()
}

func (c *streamConn) readLoop() {
	c.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendError("", "invalid_frame", err.Error())
			continue
		}
		switch frame.Type {
		case frameRun:
			if err := c.startRun(frame); err != nil {
				c.sendError(frame.ID, "run_rejected", err.Error())
			}
		case frameCancel:
			c.cancelRun(frame.ID)
		default:
			c.sendError(frame.ID, "invalid_frame", fmt.Sprintf("unsupported frame type %q", frame.Type))
		}
	}
}

// writeLoop is the only writer on the connection.
func (c *streamConn) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				c.cancel()
				return
			}
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (c *streamConn) startRun(frame clientFrame) error {
	if frame.ID == "" {
		return errors.New("id is required")
	}
	if len(frame.Messages) == 0 {
		return agent.ErrEmptyConversation
	}
	org := c.org
	if org == "" {
		org = frame.OrganizationID
	}
	if org == "" {
		return errors.New("organization is required")
	}

	c.mu.Lock()
	if _, busy := c.runs[frame.ID]; busy {
		c.mu.Unlock()
		return fmt.Errorf("run %s already in progress", frame.ID)
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.runs[frame.ID] = cancel
	c.mu.Unlock()

	sessionID := frame.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	runID := frame.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	ctx = observability.WithOrganizationID(ctx, org)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.finishRun(frame.ID)

		sink := agent.SinkFunc(func(ctx context.Context, e agent.RunEvent) {
			c.enqueue(serverFrame{Type: frameEvent, ID: frame.ID, Event: &e})
		})
		result, err := c.runner.Run(ctx, &agent.RunRequest{
			RunID:          runID,
			SessionID:      sessionID,
			OrganizationID: org,
			Messages:       frame.Messages,
			Sink:           sink,
		})
		if errors.Is(err, session.ErrSessionBusy) {
			c.sendError(frame.ID, "run_rejected", err.Error())
			return
		}
		if err != nil {
			c.logger.WarnContext(ctx, "run failed", "run_id", runID, "error", err)
			c.sendError(frame.ID, "run_failed", err.Error())
			return
		}
		c.enqueue(serverFrame{Type: frameResult, ID: frame.ID, Result: result})
	}()
	return nil
}

func (c *streamConn) cancelRun(id string) {
	c.mu.Lock()
	cancel, ok := c.runs[id]
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

func (c *streamConn) finishRun(id string) {
	c.mu.Lock()
	cancel := c.runs[id]
	delete(c.runs, id)
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *streamConn) sendError(id, code, message string) {
	c.enqueue(serverFrame{Type: frameError, ID: id, Error: &frameErr{Code: code, Message: message}})
}

// enqueue blocks until the writer takes the frame or the connection closes.
func (c *streamConn) enqueue(frame serverFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("encode frame", "type", frame.Type, "error", err)
		return
	}
	if len(data) > wsMaxPayloadBytes {
		c.logger.Warn("frame too large, dropped", "type", frame.Type, "bytes", len(data))
		return
	}
	select {
	case c.send <- data:
	case <-c.ctx.Done():
	}
}
