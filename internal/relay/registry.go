package relay

import (
	"sync"

	"go.uber.org/zap"
)

// Registry maps session identifiers to live sessions. A session is created
// under a temporary id when the telephony socket connects and re-keyed to the
// provider stream id once the start event arrives; from then on only the
// stream id resolves. Observers that connect before their call exists wait in
// a parked set until promotion publishes the stream id.
type Registry struct {
	mu     sync.Mutex
	byID   map[string]*Session
	parked map[string][]chan *Session

	logger *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		byID:   make(map[string]*Session),
		parked: make(map[string][]chan *Session),
		logger: logger,
	}
}

// Add registers a freshly created session under its temporary id.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[s.ID] = s
}

// Get resolves either the temporary id or a promoted stream id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	return s, ok
}

// Promote re-keys the session from its temporary id to the provider stream
// id in one critical section: the stream id resolves and the temporary id
// stops resolving, with no window where both or neither do. Attached legs
// keep their *Session pointer, so nothing else needs re-binding. Any
// observers parked on the stream id are woken with the session.
func (r *Registry) Promote(s *Session, streamSid string) {
	r.mu.Lock()
	s.mu.Lock()
	s.streamSid = streamSid
	s.mu.Unlock()
	r.byID[streamSid] = s
	delete(r.byID, s.ID)

	waiters := r.parked[streamSid]
	delete(r.parked, streamSid)
	r.mu.Unlock()

	for _, ch := range waiters {
		ch <- s
	}
	if len(waiters) > 0 {
		r.logger.Info("Woke parked observers after stream promotion",
			zap.String("stream_sid", streamSid),
			zap.Int("waiters", len(waiters)),
		)
	}
}

// Park registers interest in a session that does not exist yet. If the
// session already exists the channel is satisfied immediately. Unpark must be
// called when the waiter gives up.
func (r *Registry) Park(id string) <-chan *Session {
	ch := make(chan *Session, 1)
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.byID[id]; ok {
		ch <- s
		return ch
	}
	r.parked[id] = append(r.parked[id], ch)
	return ch
}

// Unpark withdraws a waiter registered by Park.
func (r *Registry) Unpark(id string, ch <-chan *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	waiters := r.parked[id]
	for i, w := range waiters {
		if w == ch {
			r.parked[id] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(r.parked[id]) == 0 {
		delete(r.parked, id)
	}
}

// Remove drops the session under whichever key it currently holds and marks
// it Gone. The temp-id delete only matters before promotion; Promote has
// already removed it otherwise.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	delete(r.byID, s.ID)
	s.mu.Lock()
	if s.streamSid != "" {
		delete(r.byID, s.streamSid)
	}
	s.state = StateGone
	s.mu.Unlock()
	r.mu.Unlock()
}

// Len reports the number of distinct live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[*Session]bool, len(r.byID))
	for _, s := range r.byID {
		seen[s] = true
	}
	return len(seen)
}
