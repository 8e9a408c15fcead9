package renderer

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/issueflow/issueflow/pkg/models"
)

// catchupLimit caps how many activities are retained per session for
// late subscribers. Older activities are dropped from the replay buffer
// (they remain in the persisted session log).
const catchupLimit = 200

// clientMessage is what a websocket client sends.
type clientMessage struct {
	Action    string `json:"action"` // subscribe, unsubscribe, input, stop, ping
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text,omitempty"`
}

// serverMessage is what the renderer sends to clients.
type serverMessage struct {
	Type      string           `json:"type"`
	SessionID string           `json:"session_id,omitempty"`
	Meta      *SessionMeta     `json:"meta,omitempty"`
	Activity  *models.Activity `json:"activity,omitempty"`
	Message   string           `json:"message,omitempty"`
}

type wsConn struct {
	id            string
	conn          *websocket.Conn
	subscriptions map[string]bool // session ids; owned by the read loop
	ctx           context.Context
	cancel        context.CancelFunc
}

// sessionLog is the per-session replay buffer for catchup.
type sessionLog struct {
	meta       SessionMeta
	activities []models.Activity
}

// WSRenderer mirrors sessions to websocket clients. Each connection runs a
// read loop; pushes fan out to subscribers of the session's channel with a
// bounded write timeout, so a slow client never blocks a supervisor.
type WSRenderer struct {
	writeTimeout time.Duration
	logger       *slog.Logger

	mu    sync.RWMutex
	conns map[string]*wsConn

	channelMu sync.RWMutex
	channels  map[string]map[string]bool // session id → conn ids

	sessMu   sync.RWMutex
	sessions map[string]*sessionLog

	cbMu    sync.RWMutex
	onInput []UserInputFunc
	onStop  []StopRequestFunc
}

var _ Renderer = (*WSRenderer)(nil)

// NewWSRenderer creates a renderer with the given per-send write timeout.
func NewWSRenderer(writeTimeout time.Duration, logger *slog.Logger) *WSRenderer {
	return &WSRenderer{
		writeTimeout: writeTimeout,
		logger:       logger.With("component", "ws_renderer"),
		conns:        make(map[string]*wsConn),
		channels:     make(map[string]map[string]bool),
		sessions:     make(map[string]*sessionLog),
	}
}

// AttachSession registers a session for rendering and announces it.
func (r *WSRenderer) AttachSession(sessionID string, meta SessionMeta) {
	r.sessMu.Lock()
	r.sessions[sessionID] = &sessionLog{meta: meta}
	r.sessMu.Unlock()

	r.broadcast(sessionID, serverMessage{
		Type:      "session.attached",
		SessionID: sessionID,
		Meta:      &meta,
	})
}

// PushActivity appends to the replay buffer and fans out to subscribers.
func (r *WSRenderer) PushActivity(sessionID string, act models.Activity) {
	r.sessMu.Lock()
	if log, ok := r.sessions[sessionID]; ok {
		log.activities = append(log.activities, act)
		if len(log.activities) > catchupLimit {
			log.activities = log.activities[len(log.activities)-catchupLimit:]
		}
	}
	r.sessMu.Unlock()

	r.broadcast(sessionID, serverMessage{
		Type:      "activity",
		SessionID: sessionID,
		Activity:  &act,
	})
}

// OnUserInput registers a callback for client input messages.
func (r *WSRenderer) OnUserInput(fn UserInputFunc) {
	r.cbMu.Lock()
	r.onInput = append(r.onInput, fn)
	r.cbMu.Unlock()
}

// OnStopRequest registers a callback for client stop messages.
func (r *WSRenderer) OnStopRequest(fn StopRequestFunc) {
	r.cbMu.Lock()
	r.onStop = append(r.onStop, fn)
	r.cbMu.Unlock()
}

// DetachSession announces the end of a session and drops its replay buffer.
func (r *WSRenderer) DetachSession(sessionID string) {
	r.broadcast(sessionID, serverMessage{
		Type:      "session.detached",
		SessionID: sessionID,
	})

	r.sessMu.Lock()
	delete(r.sessions, sessionID)
	r.sessMu.Unlock()
}

// ActiveConnections reports the live client count.
func (r *WSRenderer) ActiveConnections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// HandleHTTP upgrades the request and serves the connection until it
// closes. Mountable on any mux.
func (r *WSRenderer) HandleHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		r.logger.Warn("Websocket upgrade failed", "error", err)
		return
	}
	r.HandleConnection(req.Context(), conn)
}

// HandleConnection runs one client's lifecycle. Blocks until the websocket
// closes.
func (r *WSRenderer) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &wsConn{
		id:            uuid.New().String(),
		conn:          conn,
		subscriptions: make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}

	r.register(c)
	defer r.unregister(c)

	r.send(c, serverMessage{Type: "connection.established", Message: c.id})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			r.logger.Warn("Invalid websocket message", "connection_id", c.id, "error", err)
			continue
		}
		r.handleMessage(c, msg)
	}
}

func (r *WSRenderer) handleMessage(c *wsConn, msg clientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.SessionID == "" {
			r.send(c, serverMessage{Type: "error", Message: "session_id is required for subscribe"})
			return
		}
		r.subscribe(c, msg.SessionID)
		r.send(c, serverMessage{Type: "subscription.confirmed", SessionID: msg.SessionID})
		r.catchup(c, msg.SessionID)

	case "unsubscribe":
		if msg.SessionID == "" {
			r.send(c, serverMessage{Type: "error", Message: "session_id is required for unsubscribe"})
			return
		}
		r.unsubscribe(c, msg.SessionID)

	case "input":
		if msg.SessionID == "" || msg.Text == "" {
			r.send(c, serverMessage{Type: "error", Message: "session_id and text are required for input"})
			return
		}
		r.cbMu.RLock()
		fns := append([]UserInputFunc(nil), r.onInput...)
		r.cbMu.RUnlock()
		for _, fn := range fns {
			fn(msg.SessionID, msg.Text)
		}

	case "stop":
		if msg.SessionID == "" {
			r.send(c, serverMessage{Type: "error", Message: "session_id is required for stop"})
			return
		}
		r.cbMu.RLock()
		fns := append([]StopRequestFunc(nil), r.onStop...)
		r.cbMu.RUnlock()
		for _, fn := range fns {
			fn(msg.SessionID)
		}

	case "ping":
		r.send(c, serverMessage{Type: "pong"})
	}
}

// catchup replays the session's buffered meta and activities so a late
// subscriber sees the full visible history.
func (r *WSRenderer) catchup(c *wsConn, sessionID string) {
	r.sessMu.RLock()
	log, ok := r.sessions[sessionID]
	var meta SessionMeta
	var acts []models.Activity
	if ok {
		meta = log.meta
		acts = append(acts, log.activities...)
	}
	r.sessMu.RUnlock()
	if !ok {
		return
	}

	r.send(c, serverMessage{Type: "session.attached", SessionID: sessionID, Meta: &meta})
	for i := range acts {
		r.send(c, serverMessage{Type: "activity", SessionID: sessionID, Activity: &acts[i]})
	}
}

func (r *WSRenderer) subscribe(c *wsConn, sessionID string) {
	r.channelMu.Lock()
	if _, ok := r.channels[sessionID]; !ok {
		r.channels[sessionID] = make(map[string]bool)
	}
	r.channels[sessionID][c.id] = true
	r.channelMu.Unlock()

	c.subscriptions[sessionID] = true
}

func (r *WSRenderer) unsubscribe(c *wsConn, sessionID string) {
	r.channelMu.Lock()
	if subs, ok := r.channels[sessionID]; ok {
		delete(subs, c.id)
		if len(subs) == 0 {
			delete(r.channels, sessionID)
		}
	}
	r.channelMu.Unlock()

	delete(c.subscriptions, sessionID)
}

// broadcast fans a message out to the session's subscribers. Connection
// pointers are snapshotted under the locks, then sends happen lock-free so
// a slow client only costs its own write timeout.
func (r *WSRenderer) broadcast(sessionID string, msg serverMessage) {
	r.channelMu.RLock()
	ids := make([]string, 0, len(r.channels[sessionID]))
	for id := range r.channels[sessionID] {
		ids = append(ids, id)
	}
	r.channelMu.RUnlock()
	if len(ids) == 0 {
		return
	}

	r.mu.RLock()
	conns := make([]*wsConn, 0, len(ids))
	for _, id := range ids {
		if c, ok := r.conns[id]; ok {
			conns = append(conns, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range conns {
		r.send(c, msg)
	}
}

func (r *WSRenderer) send(c *wsConn, msg serverMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		r.logger.Warn("Failed to marshal websocket message", "connection_id", c.id, "error", err)
		return
	}

	writeCtx, cancel := context.WithTimeout(c.ctx, r.writeTimeout)
	defer cancel()
	if err := c.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		r.logger.Warn("Failed to send to websocket client", "connection_id", c.id, "error", err)
	}
}

func (r *WSRenderer) register(c *wsConn) {
	r.mu.Lock()
	r.conns[c.id] = c
	r.mu.Unlock()
}

func (r *WSRenderer) unregister(c *wsConn) {
	for sessionID := range c.subscriptions {
		r.unsubscribe(c, sessionID)
	}

	r.mu.Lock()
	delete(r.conns, c.id)
	r.mu.Unlock()

	c.cancel()
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}
