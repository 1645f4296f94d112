package channel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"hireline/rtc-engine/internal/config"
)

type State string

const (
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

var (
	ErrNotConnected  = errors.New("channel is not connected")
	ErrSessionClosed = errors.New("channel session is closed")
)

type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Handler func(payload json.RawMessage)

// Conn is the subset of a websocket connection the session drives. The
// gorilla connection satisfies it directly.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type DialFunc func(ctx context.Context) (Conn, error)

func WebsocketDial(url, authToken string) DialFunc {
	return func(ctx context.Context) (Conn, error) {
		header := http.Header{}
		if authToken != "" {
			header.Set("Authorization", "Bearer "+authToken)
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Session owns the single long-lived relay connection for an authenticated
// identity. All conversations and the call subsystem share it. Inbound
// envelopes are dispatched to handlers in arrival order on one goroutine.
type Session struct {
	dial   DialFunc
	policy config.ReconnectConfig
	logger *slog.Logger

	mu        sync.Mutex
	conn      Conn
	connected bool
	closed    bool
	handlers  map[string]map[int]Handler
	stateSubs map[int]func(State)
	rooms     map[string]int
	nextToken int
	cancel    context.CancelFunc
	done      chan struct{}

	writeMu sync.Mutex
}

func NewSession(dial DialFunc, policy config.ReconnectConfig, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		dial:      dial,
		policy:    policy,
		logger:    logger.With("component", "channel"),
		handlers:  make(map[string]map[int]Handler),
		stateSubs: make(map[int]func(State)),
		rooms:     make(map[string]int),
		done:      make(chan struct{}),
	}
}

// Start launches the connect/read/reconnect loop. It returns immediately;
// observers learn about connectivity through OnStateChange.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.cancel != nil {
		s.mu.Unlock()
		return errors.New("session already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	go s.run(runCtx)
	return nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if cancel != nil {
		cancel()
		<-s.done
	}
	return nil
}

func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// On registers a handler for an inbound event and returns its unsubscribe
// function.
func (s *Session) On(event string, h Handler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextToken++
	token := s.nextToken
	if s.handlers[event] == nil {
		s.handlers[event] = make(map[int]Handler)
	}
	s.handlers[event][token] = h
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.handlers[event], token)
	}
}

func (s *Session) OnStateChange(fn func(State)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextToken++
	token := s.nextToken
	s.stateSubs[token] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.stateSubs, token)
	}
}

func (s *Session) Send(event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(Envelope{Event: event, Payload: raw})
	if err != nil {
		return err
	}

	s.mu.Lock()
	conn := s.conn
	connected := s.connected
	s.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// JoinRoom reference-counts conversation membership: the join frame goes out
// only on the first reference, and LeaveRoom only sends the leave frame when
// the last reference is dropped. In-flight call signaling holds its own
// reference, so closing a conversation screen never drops an active call's
// events.
func (s *Session) JoinRoom(conversationID string) {
	s.mu.Lock()
	s.rooms[conversationID]++
	first := s.rooms[conversationID] == 1
	connected := s.connected
	s.mu.Unlock()

	if first && connected {
		if err := s.Send(EventRoomJoin, RoomPayload{ConversationID: conversationID}); err != nil {
			s.logger.Warn("room join send failed", "conversation_id", conversationID, "err", err)
		}
	}
}

func (s *Session) LeaveRoom(conversationID string) {
	s.mu.Lock()
	count, ok := s.rooms[conversationID]
	if !ok {
		s.mu.Unlock()
		return
	}
	count--
	last := count <= 0
	if last {
		delete(s.rooms, conversationID)
	} else {
		s.rooms[conversationID] = count
	}
	connected := s.connected
	s.mu.Unlock()

	if last && connected {
		if err := s.Send(EventRoomLeave, RoomPayload{ConversationID: conversationID}); err != nil {
			s.logger.Warn("room leave send failed", "conversation_id", conversationID, "err", err)
		}
	}
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	for {
		conn, err := s.dialWithBackoff(ctx)
		if err != nil {
			return
		}
		s.handleConnected(conn)
		s.readLoop(conn)
		s.handleDisconnected(conn)
		if ctx.Err() != nil {
			return
		}
		s.logger.Info("channel reconnecting")
	}
}

func (s *Session) dialWithBackoff(ctx context.Context) (Conn, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.policy.InitialInterval
	policy.MaxInterval = s.policy.MaxInterval
	policy.Multiplier = s.policy.Multiplier
	policy.RandomizationFactor = s.policy.JitterRatio
	policy.MaxElapsedTime = 0

	var conn Conn
	err := backoff.Retry(func() error {
		c, err := s.dial(ctx)
		if err != nil {
			s.logger.Warn("channel dial failed", "err", err)
			return err
		}
		conn = c
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (s *Session) handleConnected(conn Conn) {
	s.mu.Lock()
	s.conn = conn
	s.connected = true
	rooms := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		rooms = append(rooms, id)
	}
	subs := s.stateSubsLocked()
	s.mu.Unlock()

	for _, id := range rooms {
		if err := s.Send(EventRoomJoin, RoomPayload{ConversationID: id}); err != nil {
			s.logger.Warn("room rejoin failed", "conversation_id", id, "err", err)
		}
	}
	s.logger.Info("channel connected", "rooms", len(rooms))
	for _, fn := range subs {
		fn(StateConnected)
	}
}

func (s *Session) handleDisconnected(conn Conn) {
	_ = conn.Close()
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.connected = false
	subs := s.stateSubsLocked()
	s.mu.Unlock()

	s.logger.Info("channel disconnected")
	for _, fn := range subs {
		fn(StateDisconnected)
	}
}

func (s *Session) stateSubsLocked() []func(State) {
	subs := make([]func(State), 0, len(s.stateSubs))
	for _, fn := range s.stateSubs {
		subs = append(subs, fn)
	}
	return subs
}

func (s *Session) readLoop(conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Warn("malformed channel frame dropped", "err", err)
			continue
		}
		s.dispatch(env)
	}
}

func (s *Session) dispatch(env Envelope) {
	s.mu.Lock()
	handlers := make([]Handler, 0, len(s.handlers[env.Event]))
	for _, h := range s.handlers[env.Event] {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(env.Payload)
	}
}
