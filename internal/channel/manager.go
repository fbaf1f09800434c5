package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-livechat/internal/stats"
	"github.com/teris-io/shortid"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 8 << 20
	sendBuffer     = 256

	tokenCookieKey = "token"
)

var (
	ErrNotConnected = errors.New("channel not connected")
	ErrSendFull     = errors.New("channel send buffer full")
	ErrClosed       = errors.New("channel closed")
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Handler receives the raw payload of an inbound event. Handlers run on the
// connection's read goroutine and must not block; duplicate delivery across
// reconnects is possible.
type Handler func(data json.RawMessage)

// AckFunc is invoked at most once when the server acknowledges a frame.
type AckFunc func(data json.RawMessage)

// Emitter is the outbound half of the manager.
type Emitter interface {
	Emit(event Event, payload any, ack AckFunc) error
}

type Options struct {
	URL            string
	Token          string
	ReconnectDelay time.Duration
	Dialer         *websocket.Dialer
}

type connection struct {
	ws       *websocket.Conn
	send     chan []byte
	done     chan struct{}
	doneOnce sync.Once
}

func (c *connection) close() {
	c.doneOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

type hook struct {
	id uint64
	fn func()
}

// Manager owns the single logical connection of a client session. It redials
// with a fixed delay whenever the underlying connection drops and runs the
// registered connect hooks on every (re)connection. Frames emitted while
// disconnected are rejected, not queued.
type Manager struct {
	opts  Options
	log   *log.Logger
	stats stats.StatsProvider

	mu       sync.RWMutex
	state    State
	conn     *connection
	handlers map[Event]map[uint64]Handler
	hooks    []hook
	onState  []func(State)
	acks     map[string]AckFunc
	nextId   uint64
	started  bool

	connected chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	cancel    context.CancelFunc
}

func NewManager(opts Options, logger *log.Logger, su stats.StatsProvider) *Manager {
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if su == nil {
		su = stats.Nop{}
	}
	return &Manager{
		opts:      opts,
		log:       logger,
		stats:     su,
		handlers:  make(map[Event]map[uint64]Handler),
		acks:      make(map[string]AckFunc),
		connected: make(chan struct{}),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Connect starts the connection loop and waits until the first connection is
// established or ctx ends. The loop keeps redialing after ctx ends; only
// Close stops it.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	select {
	case <-m.stop:
		m.mu.Unlock()
		return ErrClosed
	default:
	}
	if !m.started {
		m.started = true
		loopCtx, cancel := context.WithCancel(context.Background())
		m.cancel = cancel
		go m.run(loopCtx)
	}
	connected := m.connected
	m.mu.Unlock()

	select {
	case <-connected:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("connect: %w", ctx.Err())
	case <-m.stop:
		return ErrClosed
	}
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	header := http.Header{}
	if m.opts.Token != "" {
		header.Add("Cookie", (&http.Cookie{Name: tokenCookieKey, Value: m.opts.Token}).String())
	}

	connects := 0
	for {
		m.setState(Connecting)
		ws, _, err := m.opts.Dialer.DialContext(ctx, m.opts.URL, header)
		if err != nil {
			m.log.Printf("dial %s: %v", m.opts.URL, err)
			m.setState(Disconnected)
			if !m.wait() {
				return
			}
			continue
		}

		c := &connection{
			ws:   ws,
			send: make(chan []byte, sendBuffer),
			done: make(chan struct{}),
		}

		m.mu.Lock()
		select {
		case <-m.stop:
			m.mu.Unlock()
			ws.Close()
			m.setState(Disconnected)
			return
		default:
		}
		m.conn = c
		first := connects == 0
		if first {
			close(m.connected)
		}
		m.mu.Unlock()

		if !first {
			m.stats.Incr(stats.NumReconnects)
		}
		connects++

		go m.writePump(c)
		m.setState(Connected)
		m.runHooks()
		m.readPump(c)

		m.mu.Lock()
		m.conn = nil
		// in-flight expectations belong to the dead connection
		m.acks = make(map[string]AckFunc)
		m.mu.Unlock()
		m.setState(Disconnected)

		if !m.wait() {
			return
		}
	}
}

// wait sleeps for the reconnect delay and reports whether to keep going.
func (m *Manager) wait() bool {
	t := time.NewTimer(m.opts.ReconnectDelay)
	defer t.Stop()
	select {
	case <-m.stop:
		return false
	case <-t.C:
		return true
	}
}

func (m *Manager) writePump(c *connection) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg := <-c.send:
			if !m.sendMessage(c, websocket.TextMessage, msg) {
				return
			}
		case <-ticker.C:
			if !m.sendMessage(c, websocket.PingMessage, nil) {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (m *Manager) sendMessage(c *connection, msgType int, msg []byte) bool {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.ws.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			m.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (m *Manager) readPump(c *connection) {
	defer c.close()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error { c.ws.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				m.log.Printf("ws: read: %v", err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		env, err := ParseEnvelope(raw)
		if err != nil {
			m.log.Println("error parsing frame:", err)
			continue
		}

		m.dispatch(env)
	}
}

func (m *Manager) dispatch(env *Envelope) {
	if env.Event == eventAck {
		m.mu.Lock()
		fn, ok := m.acks[env.Ack]
		delete(m.acks, env.Ack)
		m.mu.Unlock()
		if ok && fn != nil {
			fn(env.Data)
		}
		return
	}

	m.stats.Incr(stats.NumEventsReceived)

	m.mu.RLock()
	subs := m.handlers[env.Event]
	ids := make([]uint64, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	hs := make([]Handler, len(ids))
	for i, id := range ids {
		hs[i] = subs[id]
	}
	m.mu.RUnlock()

	for _, h := range hs {
		h(env.Data)
	}
}

// Emit sends a frame on the current connection. With a non-nil ack the
// frame carries an ack id and ack runs when the server acknowledges it.
// Nothing is retried or queued across reconnects.
func (m *Manager) Emit(event Event, payload any, ack AckFunc) error {
	var ackId string
	if ack != nil {
		id, err := shortid.Generate()
		if err != nil {
			return fmt.Errorf("generate ack id: %w", err)
		}
		ackId = id
	}

	env, err := NewEnvelope(event, payload, ackId)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}

	m.mu.Lock()
	c := m.conn
	if c == nil {
		m.mu.Unlock()
		return fmt.Errorf("emit %s: %w", event, ErrNotConnected)
	}
	if ack != nil {
		m.acks[ackId] = ack
	}
	m.mu.Unlock()

	select {
	case <-c.done:
		m.dropAck(ackId)
		return fmt.Errorf("emit %s: %w", event, ErrNotConnected)
	default:
	}

	select {
	case c.send <- raw:
		return nil
	default:
		m.dropAck(ackId)
		return fmt.Errorf("emit %s: %w", event, ErrSendFull)
	}
}

func (m *Manager) dropAck(id string) {
	if id == "" {
		return
	}
	m.mu.Lock()
	delete(m.acks, id)
	m.mu.Unlock()
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	m     *Manager
	event Event
	id    uint64
}

func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.m.Unsubscribe(s)
}

func (m *Manager) Subscribe(event Event, h Handler) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextId++
	if m.handlers[event] == nil {
		m.handlers[event] = make(map[uint64]Handler)
	}
	m.handlers[event][m.nextId] = h
	return &Subscription{m: m, event: event, id: m.nextId}
}

func (m *Manager) Unsubscribe(s *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if subs, ok := m.handlers[s.event]; ok {
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(m.handlers, s.event)
		}
	}
}

// On subscribes a handler that receives the payload decoded as T. Payloads
// that fail to decode are logged and dropped.
func On[T any](m *Manager, event Event, fn func(T)) *Subscription {
	return m.Subscribe(event, func(data json.RawMessage) {
		var v T
		if len(data) > 0 {
			if err := json.Unmarshal(data, &v); err != nil {
				m.log.Printf("dropping event %q: %v", event, err)
				return
			}
		}
		fn(v)
	})
}

// OnConnect registers fn to run after every (re)connection. If the manager
// is already connected fn is not run until the next connection. The
// returned func removes the hook.
func (m *Manager) OnConnect(fn func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextId++
	id := m.nextId
	m.hooks = append(m.hooks, hook{id: id, fn: fn})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, h := range m.hooks {
			if h.id == id {
				m.hooks = append(m.hooks[:i], m.hooks[i+1:]...)
				return
			}
		}
	}
}

func (m *Manager) runHooks() {
	m.mu.RLock()
	hooks := make([]hook, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.RUnlock()

	for _, h := range hooks {
		h.fn()
	}
}

// OnStateChange registers fn to observe connection state transitions.
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = append(m.onState, fn)
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	fns := make([]func(State), len(m.onState))
	copy(fns, m.onState)
	m.mu.Unlock()

	m.log.Printf("channel %s", s)
	for _, fn := range fns {
		fn(s)
	}
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Close stops the connection loop and closes the current connection.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		close(m.stop)
		started := m.started
		c := m.conn
		cancel := m.cancel
		m.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if c != nil {
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.close()
		}
		if started {
			<-m.done
		}
	})
	return nil
}
