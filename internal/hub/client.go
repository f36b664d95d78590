package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/guardcall/internal/metrics"
	"github.com/petervdpas/guardcall/internal/signal"
	"github.com/petervdpas/guardcall/internal/util"
)

// ErrDisconnected is returned by requests made while the hub is unreachable.
var ErrDisconnected = errors.New("hub: not connected")

const (
	minBackoff = 250 * time.Millisecond
	maxBackoff = 10 * time.Second
)

// subscription is one active watch. It is re-issued under the same sub id
// after every reconnect.
type subscription struct {
	id  uint64
	req Frame

	closeFeed func()

	mu      sync.Mutex
	deliver func(Frame)
	seen    int // candidates delivered so far
	skip    int // replayed candidates still to drop
}

func (s *subscription) handle(f Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.Candidate != nil {
		if s.skip > 0 {
			s.skip--
			return
		}
		s.seen++
	}
	s.deliver(f)
}

// Client is a signal.Store backed by a hub server. It reconnects on its own
// and restores every watch; candidate watches resume where they stopped.
type Client struct {
	url    string
	dialer *websocket.Dialer
	header http.Header

	mu      sync.Mutex
	ws      *websocket.Conn
	nextID  uint64
	pending map[uint64]chan Frame
	subs    map[uint64]*subscription
	hooks   []func()

	wmu sync.Mutex

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

var _ signal.Store = (*Client)(nil)

// Dial connects to the hub at url (ws://host:port/ws). The first connection
// must succeed; later ones are retried with backoff.
func Dial(ctx context.Context, url string) (*Client, error) {
	return dial(ctx, url, nil)
}

// DialAs is Dial for a connection bound to userID. The hub then refuses
// writes to fields userID does not own.
func DialAs(ctx context.Context, url, userID string) (*Client, error) {
	return dial(ctx, url, http.Header{UserHeader: {userID}})
}

func dial(ctx context.Context, url string, header http.Header) (*Client, error) {
	c := &Client{
		url:     url,
		header:  header,
		dialer:  &websocket.Dialer{HandshakeTimeout: util.DefaultDialTimeout},
		pending: make(map[uint64]chan Frame),
		subs:    make(map[uint64]*subscription),
		done:    make(chan struct{}),
	}
	ws, err := c.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial hub %s: %w", url, err)
	}
	c.setConn(ws)
	log.Infof("connected to hub %s", url)

	c.wg.Add(1)
	go c.run(ws)
	return c, nil
}

// OnConnect registers fn to run after every reconnect.
func (c *Client) OnConnect(fn func()) {
	c.mu.Lock()
	c.hooks = append(c.hooks, fn)
	c.mu.Unlock()
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	ws, _, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		return nil, err
	}
	ws.SetReadLimit(maxFrameSize)
	ws.SetPingHandler(func(data string) error {
		_ = ws.SetReadDeadline(time.Now().Add(pongWait + pingPeriod))
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	_ = ws.SetReadDeadline(time.Now().Add(pongWait + pingPeriod))
	return ws, nil
}

func (c *Client) setConn(ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// run reads from the current connection and replaces it when it fails.
func (c *Client) run(ws *websocket.Conn) {
	defer c.wg.Done()
	for {
		c.readLoop(ws)
		c.dropConn(ws)
		if c.closed() {
			return
		}
		log.Warnf("lost hub %s, reconnecting", c.url)

		ws = c.reconnect()
		if ws == nil {
			return
		}
		metrics.HubReconnects.Inc()
		log.Infof("reconnected to hub %s", c.url)
		c.setConn(ws)

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.restore()
		}()
	}
}

func (c *Client) readLoop(ws *websocket.Conn) {
	for {
		var f Frame
		if err := ws.ReadJSON(&f); err != nil {
			if !c.closed() {
				log.Debugf("hub read: %v", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait + pingPeriod))

		switch f.Op {
		case OpEvent:
			c.mu.Lock()
			sub := c.subs[f.Sub]
			c.mu.Unlock()
			if sub != nil {
				sub.handle(f)
			}
		case OpReply:
			c.mu.Lock()
			ch := c.pending[f.ID]
			delete(c.pending, f.ID)
			c.mu.Unlock()
			if ch != nil {
				ch <- f
			}
		default:
			log.Debugf("hub sent unexpected %q frame", f.Op)
		}
	}
}

// dropConn forgets ws and fails the requests waiting on it.
func (c *Client) dropConn(ws *websocket.Conn) {
	_ = ws.Close()
	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
	}
	pending := c.pending
	c.pending = make(map[uint64]chan Frame)
	c.mu.Unlock()
	for id, ch := range pending {
		ch <- Frame{ID: id, Op: OpReply, Code: "disconnected"}
	}
}

func (c *Client) reconnect() *websocket.Conn {
	backoff := minBackoff
	for {
		select {
		case <-c.done:
			return nil
		case <-time.After(backoff):
		}
		ctx, cancel := context.WithTimeout(context.Background(), util.DefaultDialTimeout)
		ws, err := c.dial(ctx)
		cancel()
		if err == nil {
			return ws
		}
		log.Debugf("redial %s: %v", c.url, err)
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// restore re-issues every watch, then runs the OnConnect hooks.
func (c *Client) restore() {
	c.mu.Lock()
	subs := make([]*subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	hooks := append([]func(){}, c.hooks...)
	c.mu.Unlock()

	for _, s := range subs {
		s.mu.Lock()
		s.skip = s.seen
		s.mu.Unlock()
		if err := c.issue(s); err != nil {
			log.Warnf("restore watch %d (%s): %v", s.id, s.req.Op, err)
		}
	}
	for _, fn := range hooks {
		fn()
	}
}

func (c *Client) request(ctx context.Context, f Frame) (Frame, error) {
	ch := make(chan Frame, 1)

	c.mu.Lock()
	ws := c.ws
	if ws == nil {
		c.mu.Unlock()
		return Frame{}, ErrDisconnected
	}
	c.nextID++
	f.ID = c.nextID
	c.pending[f.ID] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
	}

	c.wmu.Lock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	err := ws.WriteJSON(f)
	c.wmu.Unlock()
	if err != nil {
		forget()
		return Frame{}, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}

	select {
	case r := <-ch:
		switch r.Code {
		case "":
			return r, nil
		case "disconnected":
			return Frame{}, ErrDisconnected
		default:
			return Frame{}, &RemoteError{Code: r.Code, Msg: r.Error}
		}
	case <-ctx.Done():
		forget()
		return Frame{}, ctx.Err()
	case <-c.done:
		return Frame{}, ErrDisconnected
	}
}

// ── signal.Store ─────────────────────────────────────────────────────────────

func (c *Client) Create(ctx context.Context, s *signal.Session) error {
	_, err := c.request(ctx, Frame{Op: OpCreate, Session: s})
	return err
}

func (c *Client) Get(ctx context.Context, id string) (*signal.Session, error) {
	r, err := c.request(ctx, Frame{Op: OpGet, SessionID: id})
	if err != nil {
		return nil, err
	}
	return r.Session, nil
}

func (c *Client) Update(ctx context.Context, id string, u signal.Update) (*signal.Session, error) {
	r, err := c.request(ctx, Frame{Op: OpUpdate, SessionID: id, Update: &u})
	if err != nil {
		return nil, err
	}
	return r.Session, nil
}

func (c *Client) Delete(ctx context.Context, id string) error {
	_, err := c.request(ctx, Frame{Op: OpDelete, SessionID: id})
	return err
}

func (c *Client) AppendCandidate(ctx context.Context, id string, side signal.Side, cand signal.Candidate) error {
	_, err := c.request(ctx, Frame{Op: OpAppend, SessionID: id, Side: side, Candidate: &cand})
	return err
}

func (c *Client) Candidates(ctx context.Context, id string, side signal.Side) ([]signal.Candidate, error) {
	r, err := c.request(ctx, Frame{Op: OpCandidates, SessionID: id, Side: side})
	if err != nil {
		return nil, err
	}
	return r.Candidates, nil
}

func (c *Client) ListByParticipant(ctx context.Context, userID string) ([]*signal.Session, error) {
	r, err := c.request(ctx, Frame{Op: OpList, UserID: userID})
	if err != nil {
		return nil, err
	}
	return r.Sessions, nil
}

func (c *Client) Watch(id string) (<-chan signal.Change, func()) {
	feed := signal.NewFeed[signal.Change]()
	cancel := c.watch(Frame{Op: OpWatch, SessionID: id}, func(f Frame) {
		if f.Change != nil {
			feed.Push(*f.Change)
		}
	}, feed.Close)
	return feed.C(), cancel
}

func (c *Client) WatchCandidates(id string, side signal.Side) (<-chan signal.Candidate, func()) {
	feed := signal.NewFeed[signal.Candidate]()
	cancel := c.watch(Frame{Op: OpWatchCandidates, SessionID: id, Side: side}, func(f Frame) {
		if f.Candidate != nil {
			feed.Push(*f.Candidate)
		}
	}, feed.Close)
	return feed.C(), cancel
}

func (c *Client) WatchIncoming(userID string) (<-chan signal.Change, func()) {
	feed := signal.NewFeed[signal.Change]()
	cancel := c.watch(Frame{Op: OpWatchIncoming, UserID: userID}, func(f Frame) {
		if f.Change != nil {
			feed.Push(*f.Change)
		}
	}, feed.Close)
	return feed.C(), cancel
}

// watch registers a subscription and issues it. A failed issue is retried
// by the next reconnect.
func (c *Client) watch(req Frame, deliver func(Frame), closeFeed func()) func() {
	c.mu.Lock()
	c.nextID++
	s := &subscription{id: c.nextID, req: req, deliver: deliver, closeFeed: closeFeed}
	c.subs[s.id] = s
	c.mu.Unlock()

	if err := c.issue(s); err != nil {
		log.Warnf("watch %s: %v", req.Op, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, s.id)
			c.mu.Unlock()
			closeFeed()

			ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
			defer cancel()
			if _, err := c.request(ctx, Frame{Op: OpUnwatch, Sub: s.id}); err != nil && !errors.Is(err, ErrDisconnected) {
				log.Debugf("unwatch %d: %v", s.id, err)
			}
		})
	}
}

func (c *Client) issue(s *subscription) error {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultRequestTimeout)
	defer cancel()
	req := s.req
	req.Sub = s.id
	_, err := c.request(ctx, req)
	return err
}

// Close disconnects and ends every watch.
func (c *Client) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		ws := c.ws
		subs := c.subs
		c.subs = make(map[uint64]*subscription)
		c.mu.Unlock()
		if ws != nil {
			c.wmu.Lock()
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			c.wmu.Unlock()
			_ = ws.Close()
		}
		c.wg.Wait()
		for _, s := range subs {
			s.closeFeed()
		}
	})
	return nil
}
