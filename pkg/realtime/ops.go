package realtime

import (
	"encoding/base64"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/NicolasHaas/gotrade/pkg/model"
)

// Channel operations. Every operation is guarded: while the connection is
// not live the call is logged and dropped, never an error. UI code issuing
// operations mid-reconnect does not need to care.

// liveConn returns the connection when Connected, or nil after logging the
// drop.
func (s *Supervisor) liveConn(op string) Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateConnected || s.conn == nil {
		slog.Debug("realtime operation dropped while disconnected", "op", op, "state", s.state.String())
		return nil
	}
	return s.conn
}

// JoinRoom joins a conversation. Idempotent: joining a room twice changes
// nothing beyond the membership set.
func (s *Supervisor) JoinRoom(id string) {
	s.mu.Lock()
	if s.state != StateConnected || s.conn == nil {
		s.mu.Unlock()
		slog.Debug("realtime operation dropped while disconnected", "op", eventJoinConversation)
		return
	}
	if _, ok := s.membership[id]; ok {
		s.mu.Unlock()
		return
	}
	s.membership[id] = struct{}{}
	conn := s.conn
	s.mu.Unlock()

	if err := conn.Send(eventJoinConversation, map[string]any{"conversation_id": id}); err != nil {
		slog.Debug("join_conversation send failed", "conversation", id, "err", err)
	}
}

// LeaveRoom leaves a conversation. Leaving a non-member room is a no-op.
func (s *Supervisor) LeaveRoom(id string) {
	s.mu.Lock()
	if s.state != StateConnected || s.conn == nil {
		s.mu.Unlock()
		slog.Debug("realtime operation dropped while disconnected", "op", eventLeaveConversation)
		return
	}
	if _, ok := s.membership[id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.membership, id)
	conn := s.conn
	s.mu.Unlock()

	if err := conn.Send(eventLeaveConversation, map[string]any{"conversation_id": id}); err != nil {
		slog.Debug("leave_conversation send failed", "conversation", id, "err", err)
	}
}

// Rooms returns a sorted snapshot of the joined conversation ids.
// Membership is ephemeral: it is cleared on teardown because the backend
// does not guarantee room state survives a reconnect.
func (s *Supervisor) Rooms() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rooms := make([]string, 0, len(s.membership))
	for id := range s.membership {
		rooms = append(rooms, id)
	}
	sort.Strings(rooms)
	return rooms
}

// SendChatMessage sends a chat message, fire-and-forget. Delivery
// confirmation, if any, arrives later as an inbound new_message event.
func (s *Supervisor) SendChatMessage(msg model.OutgoingMessage) {
	if err := msg.Validate(); err != nil {
		slog.Warn("invalid chat message dropped", "err", err)
		return
	}
	if msg.MessageType == "" {
		msg.MessageType = "text"
	}
	if msg.ClientMessageID == "" {
		msg.ClientMessageID = uuid.NewString()
	}

	conn := s.liveConn(eventSendMessage)
	if conn == nil {
		return
	}
	if err := conn.Send(eventSendMessage, msg); err != nil {
		slog.Debug("send_message failed", "conversation", msg.ConversationID, "err", err)
	}
}

// SendTyping sends a typing indicator. No de-duplication happens here;
// callers are expected to debounce.
func (s *Supervisor) SendTyping(roomID string, typing bool) {
	conn := s.liveConn(eventTyping)
	if conn == nil {
		return
	}
	payload := map[string]any{"conversation_id": roomID, "is_typing": typing}
	if err := conn.Send(eventTyping, payload); err != nil {
		slog.Debug("typing send failed", "conversation", roomID, "err", err)
	}
}

// StartVoiceSession starts a voice session and returns its id. When the
// config carries no session id one is generated. Starting an already
// active session id again is a no-op returning the same id.
func (s *Supervisor) StartVoiceSession(cfg model.VoiceSessionConfig) string {
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = model.VoiceFormatPCM16
	}

	s.mu.Lock()
	if s.state != StateConnected || s.conn == nil {
		s.mu.Unlock()
		slog.Debug("realtime operation dropped while disconnected", "op", eventStartVoice)
		return ""
	}
	if _, ok := s.voice[cfg.SessionID]; ok {
		s.mu.Unlock()
		return cfg.SessionID
	}
	s.voice[cfg.SessionID] = cfg
	conn := s.conn
	s.mu.Unlock()

	if err := conn.Send(eventStartVoice, cfg); err != nil {
		slog.Debug("start_voice_session send failed", "session", cfg.SessionID, "err", err)
	}
	return cfg.SessionID
}

// SendVoiceFrame sends one audio frame for an active voice session. Frames
// for unknown or ended sessions are dropped, not errored.
func (s *Supervisor) SendVoiceFrame(sessionID string, audio []byte) {
	s.mu.RLock()
	conn := s.conn
	connected := s.state == StateConnected && conn != nil
	_, known := s.voice[sessionID]
	s.mu.RUnlock()

	if !connected {
		slog.Debug("realtime operation dropped while disconnected", "op", eventVoiceAudioData)
		return
	}
	if !known {
		slog.Debug("voice frame for unknown session dropped", "session", sessionID)
		return
	}

	payload := map[string]any{
		"session_id": sessionID,
		"audio_data": base64.StdEncoding.EncodeToString(audio),
	}
	if err := conn.Send(eventVoiceAudioData, payload); err != nil {
		slog.Debug("voice_audio_data send failed", "session", sessionID, "err", err)
	}
}

// EndVoiceSession ends an active voice session. Ending an unknown session
// is a no-op.
func (s *Supervisor) EndVoiceSession(sessionID string) {
	s.mu.Lock()
	if s.state != StateConnected || s.conn == nil {
		s.mu.Unlock()
		slog.Debug("realtime operation dropped while disconnected", "op", eventEndVoice)
		return
	}
	if _, ok := s.voice[sessionID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.voice, sessionID)
	conn := s.conn
	s.mu.Unlock()

	if err := conn.Send(eventEndVoice, map[string]any{"session_id": sessionID}); err != nil {
		slog.Debug("end_voice_session send failed", "session", sessionID, "err", err)
	}
}
