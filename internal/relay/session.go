package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ringable/callbridge/internal/scenario"
)

// Conn is the subset of *websocket.Conn the relay uses. Tests substitute
// in-memory fakes.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// leg wraps one socket with a write lock; gorilla connections allow only one
// concurrent writer.
type leg struct {
	mu   sync.Mutex
	conn Conn
}

func newLeg(conn Conn) *leg {
	return &leg{conn: conn}
}

func (l *leg) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn.WriteMessage(websocket.TextMessage, data)
}

// writeText forwards an already-encoded frame, used when mirroring traffic
// verbatim.
func (l *leg) writeText(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn.WriteMessage(websocket.TextMessage, data)
}

// closeWith sends a close frame with the given code, then closes the socket.
func (l *leg) closeWith(code int, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = l.conn.WriteMessage(websocket.CloseMessage, msg)
	_ = l.conn.Close()
}

func (l *leg) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.conn.Close()
}

// State is the session lifecycle. No transition skips Ending.
type State int

const (
	StatePending State = iota // telephony leg accepted, no stream yet
	StateActive               // stream started, model leg open or being opened
	StateEnding               // some leg closed, teardown in progress
	StateGone                 // removed from the registry
)

// replyAnchor marks where the model's in-flight reply began on the caller's
// audio clock; barge-in truncation is computed against it.
type replyAnchor struct {
	itemID string
	cursor int64
}

// Session is one in-progress (or just-ended) call. All mutable state is
// owned by the session and guarded by mu; legs are owned exclusively here
// and nothing else may close them.
type Session struct {
	ID string

	mu    sync.Mutex
	state State

	streamSid string
	clientIP  string

	telephony *leg
	model     *leg
	observer  *leg

	audioCursor int64
	anchor      *replyAnchor

	scenarioID  string
	scenarioCfg scenario.Config
	voice       string
	callerNum   string

	savedConfig map[string]interface{}

	rateLimited     bool
	rateLimitReason string

	openingSent   bool
	greetingItems map[string]bool

	durationTimer *time.Timer
	hangupTimer   *time.Timer

	createdAt time.Time
}

func newSession(id, ip string) *Session {
	return &Session{
		ID:            id,
		clientIP:      ip,
		state:         StatePending,
		greetingItems: make(map[string]bool),
		createdAt:     time.Now(),
	}
}

// advanceCursor records the latest telephony audio timestamp. The cursor is
// monotonic; out-of-order frames never move it backwards.
func (s *Session) advanceCursor(ts int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts > s.audioCursor {
		s.audioCursor = ts
	}
}

// anchorReply records the start of a model reply at the current cursor if no
// reply is already in flight. Returns true when a new anchor was set.
func (s *Session) anchorReply(itemID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.anchor != nil {
		return false
	}
	s.anchor = &replyAnchor{itemID: itemID, cursor: s.audioCursor}
	return true
}

// takeAnchor clears and returns the active reply anchor together with the
// elapsed playback offset (clamped to zero). ok is false when no reply was
// in flight, in which case no truncate must be sent.
func (s *Session) takeAnchor() (itemID string, elapsedMs int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.anchor == nil {
		return "", 0, false
	}
	elapsed := s.audioCursor - s.anchor.cursor
	if elapsed < 0 {
		elapsed = 0
	}
	itemID = s.anchor.itemID
	s.anchor = nil
	return itemID, elapsed, true
}

func (s *Session) clearAnchor() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anchor = nil
}

// markGreeting tags a synthetic injected item so its events never reach the
// observer transcript.
func (s *Session) markGreeting(itemID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.greetingItems[itemID] = true
}

func (s *Session) isGreeting(itemID string) bool {
	if itemID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.greetingItems[itemID]
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// beginEnding flips the session into Ending exactly once; the caller that
// wins runs teardown.
func (s *Session) beginEnding() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateEnding || s.state == StateGone {
		return false
	}
	s.state = StateEnding
	return true
}

// cancelTimers stops any pending duration/hangup timers so they cannot act
// on a stale session.
func (s *Session) cancelTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.durationTimer != nil {
		s.durationTimer.Stop()
		s.durationTimer = nil
	}
	if s.hangupTimer != nil {
		s.hangupTimer.Stop()
		s.hangupTimer = nil
	}
}

func (s *Session) legs() (telephony, model, observer *leg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.telephony, s.model, s.observer
}
