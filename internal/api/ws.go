package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/victornm/duelo/internal/duel"
	"github.com/victornm/duelo/internal/errors"
	"github.com/victornm/duelo/internal/matchmaking"
	"github.com/victornm/duelo/internal/rating"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 10

	// sendBuffer bounds per-client outbound queueing. A client that cannot
	// drain it is dropped rather than allowed to stall a session broadcast.
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type Config struct {
	Auth        *Authenticator
	Duel        *duel.Service
	Matchmaking *matchmaking.Service
	Rating      *rating.Service
}

// API is the realtime websocket surface. One client per connection; every
// client message is an Envelope dispatched to the duel or matchmaking service.
type API struct {
	auth *Authenticator
	ds   *duel.Service
	mm   *matchmaking.Service
	rs   *rating.Service
}

func New(c Config) *API {
	return &API{
		auth: c.Auth,
		ds:   c.Duel,
		mm:   c.Matchmaking,
		rs:   c.Rating,
	}
}

// Register mounts the websocket endpoint.
func (a *API) Register(e *gin.Engine) {
	e.GET("/ws", a.handleWS)
}

// Envelope is the wire frame in both directions: a type tag and a payload.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type outEnvelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type joinMsg struct {
	DuelID string `json:"duel_id"`
}

type startMsg struct {
	DuelID string `json:"duel_id"`
}

type answerMsg struct {
	DuelID        string `json:"duel_id"`
	QuestionIndex int    `json:"question_index"`
	AnswerIndex   int    `json:"answer_index"`
}

type syncMsg struct {
	DuelID string `json:"duel_id"`
}

type matchmakingJoinMsg struct {
	Language string `json:"language"`
}

// client is one websocket connection. It implements duel.Transport and
// matchmaking.Notifier: Send never blocks, a full buffer closes the client.
type client struct {
	api  *API
	conn *websocket.Conn
	id   Identity

	mu     sync.Mutex
	closed bool
	sendCh chan []byte
}

// Send marshals an event envelope onto the outbound queue. Called from
// session goroutines while they hold session locks, so it must not block.
func (c *client) Send(event string, data any) {
	b, err := json.Marshal(outEnvelope{Type: event, Data: data})
	if err != nil {
		slog.Error("ws: marshal outbound event failed", "event", event, "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	select {
	case c.sendCh <- b:
	default:
		// Slow consumer: drop the connection, the client can sync on rejoin.
		c.closeLocked()
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *client) closeLocked() {
	if !c.closed {
		c.closed = true
		close(c.sendCh)
	}
}

func (a *API) handleWS(gc *gin.Context) {
	token := gc.Query("token")
	id, err := a.auth.Verify(token)
	if err != nil {
		e := errors.Convert(err)
		gc.JSON(e.HTTPStatusCode(), gin.H{"code": e.CodeName(), "message": e.Message})
		return
	}

	conn, err := upgrader.Upgrade(gc.Writer, gc.Request, nil)
	if err != nil {
		slog.ErrorContext(gc, "ws: upgrade failed", "error", err)
		return
	}

	c := &client{
		api:    a,
		conn:   conn,
		id:     id,
		sendCh: make(chan []byte, sendBuffer),
	}

	slog.InfoContext(gc, "ws: client connected", "user", id.UserID)

	go c.writePump()
	c.readPump(gc.Request.Context())
}

func (c *client) readPump(ctx context.Context) {
	defer func() {
		c.close()
		c.conn.Close()
		// Routing the disconnect: a live duel keeps its state, the
		// matchmaking queue drops the entry.
		c.api.ds.Disconnect(c.id.UserID)
		c.api.mm.OnDisconnect(c.id.UserID)
		slog.InfoContext(ctx, "ws: client disconnected", "user", c.id.UserID)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.sendError(errors.New(errors.CodeInvalidArgument, errors.WithMessagef("malformed message")))
			continue
		}

		c.dispatch(ctx, env)
	}
}

func (c *client) writePump() {
	t := time.NewTicker(pingPeriod)
	defer func() {
		t.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case b, ok := <-c.sendCh:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-t.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch routes one client message. Service errors come back to the caller
// only, as structured error events; they never tear the session down.
func (c *client) dispatch(ctx context.Context, env Envelope) {
	var err error

	switch env.Type {
	case "join":
		var m joinMsg
		if err = json.Unmarshal(env.Data, &m); err == nil {
			err = c.api.ds.Join(ctx, m.DuelID, c.id.UserID, c.id.DisplayName, c)
		}

	case "start":
		var m startMsg
		if err = json.Unmarshal(env.Data, &m); err == nil {
			err = c.api.ds.Start(ctx, m.DuelID, c.id.UserID)
		}

	case "answer":
		var m answerMsg
		if err = json.Unmarshal(env.Data, &m); err == nil {
			err = c.api.ds.SubmitAnswer(ctx, m.DuelID, c.id.UserID, m.QuestionIndex, m.AnswerIndex)
		}

	case "sync":
		var m syncMsg
		if err = json.Unmarshal(env.Data, &m); err == nil {
			err = c.api.ds.Sync(ctx, m.DuelID, c.id.UserID)
		}

	case "matchmaking_join":
		var m matchmakingJoinMsg
		if err = json.Unmarshal(env.Data, &m); err == nil {
			err = c.enqueue(ctx, m.Language)
		}

	case "matchmaking_cancel":
		err = c.api.mm.Cancel(c.id.UserID)

	default:
		err = errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("unknown message type: %s", env.Type))
	}

	if err != nil {
		c.sendError(err)
	}
}

// enqueue fetches the caller's rating snapshot and joins the queue with it.
func (c *client) enqueue(ctx context.Context, language string) error {
	r, err := c.api.rs.GetOrDefault(ctx, c.id.UserID)
	if err != nil {
		return err
	}

	return c.api.mm.Enqueue(matchmaking.EnqueueRequest{
		PlayerID:    c.id.UserID,
		DisplayName: c.id.DisplayName,
		Rating:      r.SR,
		Language:    language,
		Notifier:    c,
	})
}

func (c *client) sendError(err error) {
	e := errors.Convert(err)
	c.Send("error", gin.H{"code": e.CodeName(), "message": e.Message})
}
