package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petervdpas/guardcall/internal/logbuf"
	"github.com/petervdpas/guardcall/internal/metrics"
	"github.com/petervdpas/guardcall/internal/signal"
	"github.com/petervdpas/guardcall/internal/util"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 1 << 20
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 65536,
	// Agents are not browsers; there is no origin to check.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server exposes a store to hub clients.
type Server struct {
	store signal.Store
	logs  *logbuf.LogBuffer

	mu     sync.Mutex
	conns  map[string]*conn
	closed bool
}

// NewServer serves store. logs may be nil.
func NewServer(store signal.Store, logs *logbuf.LogBuffer) *Server {
	return &Server{store: store, logs: logs, conns: make(map[string]*conn)}
}

// Handler returns the hub's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		s.mu.Lock()
		n := len(s.conns)
		s.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "connections": n})
	})
	if s.logs != nil {
		s.logs.Register(mux)
	}
	return mux
}

// Close drops every connection.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "hub shutting down")
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("upgrade from %s: %v", r.RemoteAddr, err)
		return
	}
	c := &conn{
		id:   uuid.NewString(),
		user: r.Header.Get(UserHeader),
		srv:  s,
		ws:   ws,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
		subs: make(map[uint64]func()),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		c.close(websocket.CloseGoingAway, "hub shutting down")
		return
	}
	s.conns[c.id] = c
	s.mu.Unlock()

	metrics.HubConnections.Inc()
	if c.user != "" {
		log.Infof("client %s connected from %s as %s", c.id, r.RemoteAddr, c.user)
	} else {
		log.Infof("client %s connected from %s", c.id, r.RemoteAddr)
	}

	go c.writeLoop()
	c.readLoop()

	c.close(websocket.CloseNormalClosure, "")
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
	metrics.HubConnections.Dec()
	log.Infof("client %s disconnected", c.id)
}

// conn is one client connection. Outbound frames go through send so only
// writeLoop writes data frames.
type conn struct {
	id   string
	user string
	srv  *Server
	ws   *websocket.Conn

	send chan []byte
	done chan struct{}
	once sync.Once

	mu   sync.Mutex
	subs map[uint64]func()
}

func (c *conn) close(code int, reason string) {
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		for sub, cancel := range c.subs {
			cancel()
			delete(c.subs, sub)
		}
		c.mu.Unlock()
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}

func (c *conn) readLoop() {
	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debugf("client %s read: %v", c.id, err)
			}
			return
		}
		c.handle(f)
	}
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close(websocket.CloseInternalServerErr, "write failed")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close(websocket.CloseInternalServerErr, "ping failed")
				return
			}
		}
	}
}

// push queues f. A client that cannot keep up is disconnected; its
// subscriptions replay on reconnect.
func (c *conn) push(f Frame) {
	b, err := json.Marshal(f)
	if err != nil {
		log.Errorf("client %s: encode %s: %v", c.id, f.Op, err)
		return
	}
	select {
	case <-c.done:
	case c.send <- b:
	default:
		log.Warnf("client %s: send buffer full, disconnecting", c.id)
		go c.close(websocket.ClosePolicyViolation, "send buffer full")
	}
}

func (c *conn) reply(req Frame, f Frame, err error) {
	code := "ok"
	if err != nil {
		f = errorFrame(req.ID, err)
		code = f.Code
	}
	f.ID = req.ID
	f.Op = OpReply
	metrics.HubRequests.WithLabelValues(string(req.Op), code).Inc()
	c.push(f)
}

func (c *conn) handle(req Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultRequestTimeout)
	defer cancel()
	st := c.srv.store

	if err := c.authorize(ctx, req); err != nil {
		c.reply(req, Frame{}, err)
		return
	}

	switch req.Op {
	case OpCreate:
		if req.Session == nil {
			c.reply(req, Frame{}, fmt.Errorf("%w: session missing", signal.ErrInvalid))
			return
		}
		c.reply(req, Frame{}, st.Create(ctx, req.Session))
	case OpGet:
		s, err := st.Get(ctx, req.SessionID)
		c.reply(req, Frame{Session: s}, err)
	case OpUpdate:
		if req.Update == nil {
			c.reply(req, Frame{}, fmt.Errorf("%w: update missing", signal.ErrInvalid))
			return
		}
		s, err := st.Update(ctx, req.SessionID, *req.Update)
		c.reply(req, Frame{Session: s}, err)
	case OpDelete:
		c.reply(req, Frame{}, st.Delete(ctx, req.SessionID))
	case OpAppend:
		if req.Candidate == nil {
			c.reply(req, Frame{}, fmt.Errorf("%w: candidate missing", signal.ErrInvalid))
			return
		}
		c.reply(req, Frame{}, st.AppendCandidate(ctx, req.SessionID, req.Side, *req.Candidate))
	case OpCandidates:
		list, err := st.Candidates(ctx, req.SessionID, req.Side)
		c.reply(req, Frame{Candidates: list}, err)
	case OpList:
		list, err := st.ListByParticipant(ctx, req.UserID)
		c.reply(req, Frame{Sessions: list}, err)
	case OpWatch:
		ch, cancel := st.Watch(req.SessionID)
		c.subscribe(req, cancel, func() {
			for change := range ch {
				change := change
				c.push(Frame{Op: OpEvent, Sub: req.Sub, Change: &change})
			}
		})
	case OpWatchCandidates:
		if !req.Side.Valid() {
			c.reply(req, Frame{}, fmt.Errorf("%w: unknown side", signal.ErrInvalid))
			return
		}
		ch, cancel := st.WatchCandidates(req.SessionID, req.Side)
		c.subscribe(req, cancel, func() {
			for cand := range ch {
				cand := cand
				c.push(Frame{Op: OpEvent, Sub: req.Sub, Candidate: &cand})
			}
		})
	case OpWatchIncoming:
		ch, cancel := st.WatchIncoming(req.UserID)
		c.subscribe(req, cancel, func() {
			for change := range ch {
				change := change
				c.push(Frame{Op: OpEvent, Sub: req.Sub, Change: &change})
			}
		})
	case OpUnwatch:
		c.mu.Lock()
		cancel, ok := c.subs[req.Sub]
		delete(c.subs, req.Sub)
		c.mu.Unlock()
		if ok {
			cancel()
		}
		c.reply(req, Frame{}, nil)
	default:
		c.reply(req, Frame{}, fmt.Errorf("%w: unknown op %q", signal.ErrInvalid, req.Op))
	}
}

// authorize checks a request against the connection's user. The party a
// write claims must be the party that user holds in the session.
func (c *conn) authorize(ctx context.Context, req Frame) error {
	if c.user == "" {
		return nil
	}
	switch req.Op {
	case OpCreate:
		if req.Session != nil && req.Session.CallerID != c.user {
			return fmt.Errorf("%w: %s cannot place calls for %s", signal.ErrForbidden, c.user, req.Session.CallerID)
		}
	case OpList, OpWatchIncoming:
		if req.UserID != c.user {
			return fmt.Errorf("%w: %s cannot read sessions of %s", signal.ErrForbidden, c.user, req.UserID)
		}
	case OpUpdate, OpAppend, OpDelete:
		s, err := c.srv.store.Get(ctx, req.SessionID)
		if errors.Is(err, signal.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		party := s.PartyOf(c.user)
		switch {
		case party == "":
			return fmt.Errorf("%w: %s is not in session %s", signal.ErrForbidden, c.user, s.ID)
		case req.Op == OpUpdate && req.Update != nil && req.Update.By != party:
			return fmt.Errorf("%w: %s is the %s, not the %s", signal.ErrForbidden, c.user, party, req.Update.By)
		case req.Op == OpAppend && req.Side != signal.OwnSide(party):
			return fmt.Errorf("%w: %s cannot append to %s", signal.ErrForbidden, c.user, req.Side)
		}
	}
	return nil
}

// subscribe registers a watch under the client-chosen sub id, replies, then
// starts forwarding. A sub id already in use is replaced.
func (c *conn) subscribe(req Frame, cancel func(), forward func()) {
	if req.Sub == 0 {
		cancel()
		c.reply(req, Frame{}, fmt.Errorf("%w: sub id missing", signal.ErrInvalid))
		return
	}
	c.mu.Lock()
	old := c.subs[req.Sub]
	c.subs[req.Sub] = cancel
	c.mu.Unlock()
	if old != nil {
		old()
	}
	select {
	case <-c.done:
		cancel()
		return
	default:
	}
	c.reply(req, Frame{Sub: req.Sub}, nil)
	go forward()
}
