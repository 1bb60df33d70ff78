package realtime_test

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/NicolasHaas/gotrade/pkg/model"
	"github.com/NicolasHaas/gotrade/pkg/realtime"
)

type sentFrame struct {
	Event string
	Data  json.RawMessage
}

// fakeConn is an in-memory Conn. The handshake event is queued by the
// dialer before the supervisor sees the connection.
type fakeConn struct {
	mu        sync.Mutex
	sent      []sentFrame
	events    chan realtime.Event
	closed    bool
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan realtime.Event, 32)}
}

func (c *fakeConn) Send(event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sentFrame{Event: event, Data: payload})
	return nil
}

func (c *fakeConn) Events() <-chan realtime.Event { return c.events }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.events)
	})
	return nil
}

func (c *fakeConn) emit(name, data string) {
	c.events <- realtime.Event{Name: name, Data: json.RawMessage(data)}
}

func (c *fakeConn) frames() []sentFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]sentFrame, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *fakeConn) framesFor(event string) []sentFrame {
	var out []sentFrame
	for _, f := range c.frames() {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeDialer struct {
	mu         sync.Mutex
	conns      []*fakeConn
	rejectAuth bool
}

func (d *fakeDialer) Dial(ctx context.Context, url, token string) (realtime.Conn, error) {
	c := newFakeConn()
	if d.rejectAuth {
		c.emit(realtime.EventError, `{"message":"authentication failed"}`)
	} else {
		c.emit(realtime.EventConnected, `{"message":"Connected successfully"}`)
	}

	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func newTestSupervisor(d realtime.Dialer) (*realtime.Supervisor, chan realtime.State) {
	s := realtime.NewSupervisor("ws://backend/socket", d)
	states := make(chan realtime.State, 32)
	s.OnStateChange = func(st realtime.State) { states <- st }
	return s, states
}

func waitState(t *testing.T, states <-chan realtime.State, want realtime.State) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case st := <-states:
			if st == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %v", want)
		}
	}
}

func TestConnectLifecycle(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{}
	sup, states := newTestSupervisor(dialer)

	if got := sup.State(); got != realtime.StateDisconnected {
		t.Fatalf("initial state = %v, want Disconnected", got)
	}

	sup.EnsureConnected("token-1")
	waitState(t, states, realtime.StateConnecting)
	waitState(t, states, realtime.StateConnected)

	if !sup.Connected() {
		t.Error("Connected() = false after handshake")
	}
	if dialer.dials() != 1 {
		t.Errorf("dials = %d, want 1", dialer.dials())
	}
}

func TestEnsureConnectedIdempotentSameCredential(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{}
	sup, states := newTestSupervisor(dialer)

	sup.EnsureConnected("token-1")
	waitState(t, states, realtime.StateConnected)

	sup.EnsureConnected("token-1")
	sup.EnsureConnected("token-1")

	if dialer.dials() != 1 {
		t.Errorf("dials = %d, want 1 (same-credential EnsureConnected must be a no-op)", dialer.dials())
	}
	if dialer.conn(0).isClosed() {
		t.Error("live connection was replaced on same-credential EnsureConnected")
	}
}

func TestCredentialChangeReplacesConnection(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{}
	sup, states := newTestSupervisor(dialer)

	sup.EnsureConnected("token-1")
	waitState(t, states, realtime.StateConnected)

	sup.EnsureConnected("token-2")
	waitState(t, states, realtime.StateConnected)

	if dialer.dials() != 2 {
		t.Fatalf("dials = %d, want 2", dialer.dials())
	}
	if !dialer.conn(0).isClosed() {
		t.Error("old connection not torn down on credential change")
	}
	if dialer.conn(1).isClosed() {
		t.Error("new connection is closed")
	}
}

func TestTeardownClearsSessionState(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{}
	sup, states := newTestSupervisor(dialer)

	sup.EnsureConnected("token-1")
	waitState(t, states, realtime.StateConnected)

	sup.JoinRoom("room-1")
	var staleCalls int
	var mu sync.Mutex
	sup.On(realtime.EventNewMessage, func(ev realtime.Event) {
		mu.Lock()
		staleCalls++
		mu.Unlock()
	})

	sup.Teardown()
	waitState(t, states, realtime.StateDisconnected)

	if got := sup.Rooms(); len(got) != 0 {
		t.Errorf("Rooms after teardown = %v, want empty", got)
	}
	if !dialer.conn(0).isClosed() {
		t.Error("connection not closed by teardown")
	}

	// Old subscriptions must not survive into the next connection.
	sup.EnsureConnected("token-1")
	waitState(t, states, realtime.StateConnected)

	delivered := make(chan struct{})
	sup.On(realtime.EventNewMessage, func(ev realtime.Event) { close(delivered) })
	dialer.conn(1).emit(realtime.EventNewMessage, `{"id":1}`)

	select {
	case <-delivered:
	case <-time.After(5 * time.Second):
		t.Fatal("event never dispatched after reconnect")
	}

	mu.Lock()
	defer mu.Unlock()
	if staleCalls != 0 {
		t.Errorf("stale subscription fired %d times after teardown", staleCalls)
	}
}

// Events still buffered on a torn-down connection must never reach
// subscribers registered for its successor.
func TestBufferedEventsDoNotOutliveConnection(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{}
	sup, states := newTestSupervisor(dialer)
	sup.EnsureConnected("token-1")
	waitState(t, states, realtime.StateConnected)

	// Block dispatch on the first connection so a second event queues up
	// behind the handler.
	blocked := make(chan struct{}, 2)
	release := make(chan struct{})
	sup.On(realtime.EventNewMessage, func(ev realtime.Event) {
		blocked <- struct{}{}
		<-release
	})

	conn0 := dialer.conn(0)
	conn0.emit(realtime.EventNewMessage, `{"id":1}`)
	select {
	case <-blocked:
	case <-time.After(5 * time.Second):
		t.Fatal("first event never dispatched")
	}
	conn0.emit(realtime.EventNewMessage, `{"id":99}`)

	sup.Teardown()
	waitState(t, states, realtime.StateDisconnected)
	sup.EnsureConnected("token-1")
	waitState(t, states, realtime.StateConnected)

	var mu sync.Mutex
	var got []string
	delivered := make(chan struct{}, 4)
	sup.On(realtime.EventNewMessage, func(ev realtime.Event) {
		mu.Lock()
		got = append(got, string(ev.Data))
		mu.Unlock()
		delivered <- struct{}{}
	})

	// Unblock the old handler and let the old reader drain its buffer.
	close(release)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	leaked := len(got)
	mu.Unlock()
	if leaked != 0 {
		t.Fatalf("new subscriber received %d events from the torn-down connection", leaked)
	}

	dialer.conn(1).emit(realtime.EventNewMessage, `{"id":2}`)
	select {
	case <-delivered:
	case <-time.After(5 * time.Second):
		t.Fatal("event on the new connection never dispatched")
	}

	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]string{`{"id":2}`}, got); diff != "" {
		t.Errorf("dispatched events (-want +got):\n%s", diff)
	}
}

func TestJoinRoomIdempotent(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{}
	sup, states := newTestSupervisor(dialer)
	sup.EnsureConnected("token-1")
	waitState(t, states, realtime.StateConnected)

	sup.JoinRoom("r1")
	sup.JoinRoom("r1")

	if diff := cmp.Diff([]string{"r1"}, sup.Rooms()); diff != "" {
		t.Errorf("Rooms (-want +got):\n%s", diff)
	}
	if got := len(dialer.conn(0).framesFor("join_conversation")); got != 1 {
		t.Errorf("join_conversation frames = %d, want 1", got)
	}
}

func TestLeaveRoom(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{}
	sup, states := newTestSupervisor(dialer)
	sup.EnsureConnected("token-1")
	waitState(t, states, realtime.StateConnected)

	sup.LeaveRoom("never-joined")
	if got := len(dialer.conn(0).framesFor("leave_conversation")); got != 0 {
		t.Errorf("leaving a non-member room sent %d frames, want 0", got)
	}

	sup.JoinRoom("r1")
	sup.LeaveRoom("r1")
	if got := len(dialer.conn(0).framesFor("leave_conversation")); got != 1 {
		t.Errorf("leave_conversation frames = %d, want 1", got)
	}
	if got := sup.Rooms(); len(got) != 0 {
		t.Errorf("Rooms after leave = %v, want empty", got)
	}
}

func TestOpsSilentlyDroppedWhileDisconnected(t *testing.T) {
	t.Parallel()

	sup, _ := newTestSupervisor(&fakeDialer{})

	// None of these may panic or error; there is no connection at all.
	sup.JoinRoom("r1")
	sup.LeaveRoom("r1")
	sup.SendChatMessage(model.OutgoingMessage{ConversationID: "r1", Content: "hello"})
	sup.SendTyping("r1", true)
	sup.SendVoiceFrame("s1", []byte{1})
	sup.EndVoiceSession("s1")

	if id := sup.StartVoiceSession(model.VoiceSessionConfig{}); id != "" {
		t.Errorf("StartVoiceSession while disconnected = %q, want empty", id)
	}
	if got := sup.Rooms(); len(got) != 0 {
		t.Errorf("Rooms = %v, want empty (membership must not change while disconnected)", got)
	}
}

func TestSendChatMessage(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{}
	sup, states := newTestSupervisor(dialer)
	sup.EnsureConnected("token-1")
	waitState(t, states, realtime.StateConnected)

	sup.SendChatMessage(model.OutgoingMessage{
		ConversationID: "room-42",
		ReceiverID:     2,
		Content:        "hello there",
	})

	frames := dialer.conn(0).framesFor("send_message")
	if len(frames) != 1 {
		t.Fatalf("send_message frames = %d, want 1", len(frames))
	}

	var sent model.OutgoingMessage
	if err := json.Unmarshal(frames[0].Data, &sent); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if sent.ConversationID != "room-42" || sent.Content != "hello there" {
		t.Errorf("frame payload = %+v", sent)
	}
	if sent.MessageType != "text" {
		t.Errorf("MessageType = %q, want %q", sent.MessageType, "text")
	}
	if sent.ClientMessageID == "" {
		t.Error("ClientMessageID not generated")
	}

	// Invalid messages are dropped before the wire.
	sup.SendChatMessage(model.OutgoingMessage{ConversationID: "room-42"})
	if got := len(dialer.conn(0).framesFor("send_message")); got != 1 {
		t.Errorf("send_message frames after invalid send = %d, want 1", got)
	}
}

func TestDispatchOrder(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{}
	sup, states := newTestSupervisor(dialer)
	sup.EnsureConnected("token-1")
	waitState(t, states, realtime.StateConnected)

	var mu sync.Mutex
	var calls []string
	done := make(chan struct{})

	sup.On(realtime.EventNewMessage, func(ev realtime.Event) {
		var m struct {
			ID int `json:"id"`
		}
		_ = json.Unmarshal(ev.Data, &m)
		mu.Lock()
		calls = append(calls, "first-"+strconv.Itoa(m.ID))
		mu.Unlock()
	})
	sup.On(realtime.EventNewMessage, func(ev realtime.Event) {
		var m struct {
			ID int `json:"id"`
		}
		_ = json.Unmarshal(ev.Data, &m)
		mu.Lock()
		calls = append(calls, "second-"+strconv.Itoa(m.ID))
		if len(calls) == 6 {
			close(done)
		}
		mu.Unlock()
	})

	conn := dialer.conn(0)
	conn.emit(realtime.EventNewMessage, `{"id":1}`)
	conn.emit(realtime.EventNewMessage, `{"id":2}`)
	conn.emit(realtime.EventNewMessage, `{"id":3}`)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("events never fully dispatched")
	}

	want := []string{"first-1", "second-1", "first-2", "second-2", "first-3", "second-3"}
	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff(want, calls); diff != "" {
		t.Errorf("dispatch order (-want +got):\n%s", diff)
	}
}

func TestSubscriptionOffRemovesExactPair(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{}
	sup, states := newTestSupervisor(dialer)
	sup.EnsureConnected("token-1")
	waitState(t, states, realtime.StateConnected)

	var mu sync.Mutex
	var calls []string
	delivered := make(chan struct{})

	subA := sup.On(realtime.EventNotification, func(ev realtime.Event) {
		mu.Lock()
		calls = append(calls, "a")
		mu.Unlock()
	})
	sup.On(realtime.EventNotification, func(ev realtime.Event) {
		mu.Lock()
		calls = append(calls, "b")
		mu.Unlock()
		delivered <- struct{}{}
	})

	subA.Off()
	subA.Off() // double Off is safe

	dialer.conn(0).emit(realtime.EventNotification, `{"type":"ping"}`)
	select {
	case <-delivered:
	case <-time.After(5 * time.Second):
		t.Fatal("notification never dispatched")
	}

	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]string{"b"}, calls); diff != "" {
		t.Errorf("calls (-want +got):\n%s", diff)
	}
}

func TestTransportLossSurfacesErrored(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{}
	sup, states := newTestSupervisor(dialer)
	sup.EnsureConnected("token-1")
	waitState(t, states, realtime.StateConnected)

	errored := make(chan struct{})
	sup.On(realtime.EventError, func(ev realtime.Event) { close(errored) })

	_ = dialer.conn(0).Close()
	waitState(t, states, realtime.StateErrored)

	select {
	case <-errored:
	case <-time.After(5 * time.Second):
		t.Fatal("no error event after transport loss")
	}

	// Supervisor must not retry on its own.
	if dialer.dials() != 1 {
		t.Errorf("dials = %d, want 1 (no self-retry from Errored)", dialer.dials())
	}

	sup.Reconnect()
	waitState(t, states, realtime.StateConnected)
	if dialer.dials() != 2 {
		t.Errorf("dials after Reconnect = %d, want 2", dialer.dials())
	}

	// The pre-loss error handler must not survive the reconnect: it closed
	// its channel once and firing again would panic the dispatch goroutine.
	redelivered := make(chan struct{})
	sup.On(realtime.EventNotification, func(ev realtime.Event) { close(redelivered) })
	dialer.conn(1).emit(realtime.EventError, `{"message":"again"}`)
	dialer.conn(1).emit(realtime.EventNotification, `{}`)

	select {
	case <-redelivered:
	case <-time.After(5 * time.Second):
		t.Fatal("notification never dispatched after reconnect")
	}
}

func TestAuthRejectionDuringHandshake(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{rejectAuth: true}
	sup, states := newTestSupervisor(dialer)

	sup.EnsureConnected("bad-token")
	waitState(t, states, realtime.StateConnecting)
	waitState(t, states, realtime.StateErrored)

	if sup.Connected() {
		t.Error("Connected() = true after auth rejection")
	}
}

func TestVoiceSessionLifecycle(t *testing.T) {
	t.Parallel()

	dialer := &fakeDialer{}
	sup, states := newTestSupervisor(dialer)
	sup.EnsureConnected("token-1")
	waitState(t, states, realtime.StateConnected)
	conn := dialer.conn(0)

	id := sup.StartVoiceSession(model.VoiceSessionConfig{TranslationEnabled: true, TargetLanguage: "de"})
	if id == "" {
		t.Fatal("StartVoiceSession returned empty id")
	}

	// Starting the same session again is a no-op.
	if again := sup.StartVoiceSession(model.VoiceSessionConfig{SessionID: id}); again != id {
		t.Errorf("restart returned %q, want %q", again, id)
	}
	if got := len(conn.framesFor("start_voice_session")); got != 1 {
		t.Errorf("start_voice_session frames = %d, want 1", got)
	}

	sup.SendVoiceFrame(id, []byte{1, 2, 3})
	frames := conn.framesFor("voice_audio_data")
	if len(frames) != 1 {
		t.Fatalf("voice_audio_data frames = %d, want 1", len(frames))
	}
	var payload struct {
		SessionID string `json:"session_id"`
		AudioData string `json:"audio_data"`
	}
	if err := json.Unmarshal(frames[0].Data, &payload); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if payload.SessionID != id || payload.AudioData != "AQID" {
		t.Errorf("frame payload = %+v", payload)
	}

	// Frames for unknown sessions are dropped.
	sup.SendVoiceFrame("no-such-session", []byte{9})
	if got := len(conn.framesFor("voice_audio_data")); got != 1 {
		t.Errorf("voice_audio_data frames = %d, want 1", got)
	}

	sup.EndVoiceSession(id)
	sup.EndVoiceSession(id) // unknown now, no-op
	if got := len(conn.framesFor("end_voice_session")); got != 1 {
		t.Errorf("end_voice_session frames = %d, want 1", got)
	}

	// Ended session no longer accepts frames.
	sup.SendVoiceFrame(id, []byte{4})
	if got := len(conn.framesFor("voice_audio_data")); got != 1 {
		t.Errorf("voice frame accepted after session end")
	}
}
