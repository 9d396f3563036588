package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS allow list is enforced on the HTTP routes
	},
}

// wsIncoming is a message from the client.
type wsIncoming struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Program string `json:"program,omitempty"`
}

// wsOutgoing is a message to the client.
type wsOutgoing struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Content string `json:"content,omitempty"`
}

// wsConn serializes writes to one connection.
type wsConn struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	logger *slog.Logger
}

func (c *wsConn) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("websocket marshal error", slog.String("error", err.Error()))
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Debug("websocket write error", slog.String("error", err.Error()))
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade error", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	c := &wsConn{conn: conn, logger: s.logger}

	// Runs started on this connection stop when it closes.
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	// Read loop
	for {
		var msg wsIncoming
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read error", slog.String("error", err.Error()))
			}
			return
		}

		switch msg.Type {
		case "execute":
			if strings.TrimSpace(msg.Program) == "" {
				c.send(wsOutgoing{Type: "error", Content: "program is required"})
				continue
			}
			id := msg.ID
			if id == "" {
				id = uuid.New().String()
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.executeOverSocket(ctx, c, id, msg.Program)
			}()
		case "cancel":
			if !s.runs.Cancel(msg.ID) {
				c.send(wsOutgoing{Type: "error", ID: msg.ID, Content: "run not found"})
			}
		default:
			c.send(wsOutgoing{Type: "error", Content: "invalid message"})
		}
	}
}

func (s *Server) executeOverSocket(ctx context.Context, c *wsConn, id, program string) {
	ctx, done := s.runs.Start(ctx, id, program)
	defer done()

	c.send(wsOutgoing{Type: "started", ID: id})

	res := s.engine.Execute(ctx, program)
	done()
	s.record(id, program, res)

	out := envelope(id, res)
	out["type"] = "result"
	c.send(out)
}
