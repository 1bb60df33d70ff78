package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/NicolasHaas/gotrade/pkg/model"
)

// State represents the supervised connection's state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Events the backend emits.
const (
	EventConnected     = "connected"
	EventError         = "error"
	EventNewMessage    = "new_message"
	EventVoiceResponse = "voice_response"
	EventUserTyping    = "user_typing"
	EventNotification  = "notification"
)

// Events the client emits.
const (
	eventJoinConversation  = "join_conversation"
	eventLeaveConversation = "leave_conversation"
	eventSendMessage       = "send_message"
	eventTyping            = "typing"
	eventStartVoice        = "start_voice_session"
	eventVoiceAudioData    = "voice_audio_data"
	eventEndVoice          = "end_voice_session"
)

// Supervisor owns the single live realtime connection and its state
// machine. It never decides to authenticate on its own: it is driven by
// whoever observes the credential (see pkg/session). All transitions and
// event dispatch for one connection happen on one goroutine.
type Supervisor struct {
	url    string
	dialer Dialer

	handshakeTimeout time.Duration

	mu         sync.RWMutex
	state      State
	conn       Conn
	token      string // credential the current connection was dialed with
	epoch      uint64 // bumped on every teardown; fences stale dial results
	bus        *bus   // replaced along with the connection instance
	membership map[string]struct{}
	voice      map[string]model.VoiceSessionConfig

	// OnStateChange is invoked on every state transition.
	OnStateChange func(state State)
}

// NewSupervisor creates a supervisor for the given realtime URL. A nil
// dialer selects the websocket dialer.
func NewSupervisor(url string, dialer Dialer) *Supervisor {
	if dialer == nil {
		dialer = NewWebsocketDialer()
	}
	return &Supervisor{
		url:              url,
		dialer:           dialer,
		bus:              newBus(),
		handshakeTimeout: 10 * time.Second,
		state:            StateDisconnected,
		membership:       make(map[string]struct{}),
		voice:            make(map[string]model.VoiceSessionConfig),
	}
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Connected reports whether the connection is live.
func (s *Supervisor) Connected() bool {
	return s.State() == StateConnected
}

// On registers a handler for a named event. Handlers for one event fire in
// registration order; the returned subscription's Off removes exactly this
// registration. Subscriptions are scoped to the connection instance and are
// released on teardown.
func (s *Supervisor) On(event string, fn Handler) *Subscription {
	s.mu.RLock()
	b := s.bus
	s.mu.RUnlock()
	return b.subscribe(event, fn)
}

// EnsureConnected establishes a connection authenticated with token. It is
// idempotent: while Connecting or Connected with the same token it is a
// no-op and the connection instance is untouched. A different token tears
// the old connection down first, so at most one connection is ever live.
func (s *Supervisor) EnsureConnected(token string) {
	if token == "" {
		return
	}

	s.mu.Lock()
	if (s.state == StateConnecting || s.state == StateConnected) && s.token == token {
		s.mu.Unlock()
		return
	}
	old := s.conn
	s.conn = nil
	s.epoch++
	epoch := s.epoch
	s.token = token
	s.state = StateConnecting
	s.membership = make(map[string]struct{})
	s.voice = make(map[string]model.VoiceSessionConfig)
	// Subscriptions are scoped to the connection instance. A fresh bus per
	// attempt means a reader still draining the old connection cannot reach
	// the new connection's subscribers.
	s.bus = newBus()
	b := s.bus
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	s.notifyState(StateConnecting)
	go s.connect(token, epoch, b)
}

// Teardown drives the supervisor to Disconnected from any state, closing
// the connection, clearing room membership and voice sessions, and
// releasing all event subscriptions. Consumers must resubscribe and rejoin
// after a reconnect.
func (s *Supervisor) Teardown() {
	s.mu.Lock()
	s.epoch++
	conn := s.conn
	s.conn = nil
	s.token = ""
	changed := s.state != StateDisconnected
	s.state = StateDisconnected
	s.membership = make(map[string]struct{})
	s.voice = make(map[string]model.VoiceSessionConfig)
	s.bus = newBus()
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	if changed {
		slog.Info("realtime connection torn down")
		s.notifyState(StateDisconnected)
	}
}

// Reconnect retries the last credential after a transport failure. It only
// acts in the Errored state; the supervisor never retries on its own.
func (s *Supervisor) Reconnect() {
	s.mu.RLock()
	token := s.token
	state := s.state
	s.mu.RUnlock()

	if state != StateErrored || token == "" {
		return
	}
	s.EnsureConnected(token)
}

// connect dials and completes the application-level handshake: the first
// inbound event must be "connected". Runs off the caller's goroutine; the
// epoch fences it against a teardown or credential change that happened
// while it was in flight.
func (s *Supervisor) connect(token string, epoch uint64, b *bus) {
	conn, err := s.dialer.Dial(context.Background(), s.url, token)
	if err != nil {
		s.toErrored(epoch, err, b)
		return
	}

	var first Event
	select {
	case ev, ok := <-conn.Events():
		if !ok {
			_ = conn.Close()
			s.toErrored(epoch, errors.New("realtime: connection closed during handshake"), b)
			return
		}
		if ev.Name == EventError {
			_ = conn.Close()
			s.toErrored(epoch, fmt.Errorf("realtime: backend rejected connection: %s", ev.Data), b)
			return
		}
		if ev.Name != EventConnected {
			_ = conn.Close()
			s.toErrored(epoch, fmt.Errorf("realtime: unexpected handshake event %q", ev.Name), b)
			return
		}
		first = ev
	case <-time.After(s.handshakeTimeout):
		_ = conn.Close()
		s.toErrored(epoch, errors.New("realtime: handshake timeout"), b)
		return
	}

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.state = StateConnected
	s.mu.Unlock()

	slog.Info("realtime connected")
	s.notifyState(StateConnected)
	b.publish(first)

	go s.dispatchLoop(conn, epoch, b)
}

// dispatchLoop delivers inbound events to subscribers in arrival order.
// It is the only goroutine publishing for its connection. Events still
// buffered when the epoch moves on belong to a dead connection and are
// dropped, never delivered late.
func (s *Supervisor) dispatchLoop(conn Conn, epoch uint64, b *bus) {
	for ev := range conn.Events() {
		s.mu.RLock()
		stale := s.epoch != epoch
		s.mu.RUnlock()
		if stale {
			return
		}
		b.publish(ev)
	}

	// Transport lost. If this epoch is still current, surface it as state.
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.state = StateErrored
	s.mu.Unlock()

	slog.Warn("realtime connection lost")
	s.notifyState(StateErrored)
	b.publish(Event{Name: EventError, Data: json.RawMessage(`{"message":"connection lost"}`)})
}

func (s *Supervisor) toErrored(epoch uint64, err error, b *bus) {
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.state = StateErrored
	s.mu.Unlock()

	slog.Error("realtime connection failed", "err", err)
	s.notifyState(StateErrored)
	b.publish(Event{Name: EventError, Data: json.RawMessage(`{"message":"connection failed"}`)})
}

func (s *Supervisor) notifyState(state State) {
	if s.OnStateChange != nil {
		s.OnStateChange(state)
	}
}
