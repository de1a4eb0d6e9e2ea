package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ringable/callbridge/internal/ratelimit"
)

// observerAttachTimeout bounds how long an observer may wait for its call to
// show up. Dashboards connect as soon as they render, often before the
// telephony provider has dialed in.
const observerAttachTimeout = 60 * time.Second

// HandleObserver runs one observer socket. Observers attach to a session by
// id (temporary or stream id), receive mirrored model traffic plus lifecycle
// events, and may reconfigure or end the call.
func (r *Relay) HandleObserver(ctx context.Context, conn Conn, ip, sessionID string) {
	if err := r.engine.AllowConnection(ip, ratelimit.LegObserver); err != nil {
		r.logger.Warn("Rejected observer connection",
			zap.String("ip", ip),
			zap.Error(err),
		)
		l := newLeg(conn)
		l.closeWith(websocket.ClosePolicyViolation, err.Error())
		return
	}
	defer r.engine.ReleaseConnection(ip, ratelimit.LegObserver)

	l := newLeg(conn)

	s, ok := r.awaitSession(sessionID)
	if !ok {
		l.closeWith(websocket.CloseNormalClosure, "no such call")
		return
	}

	if !r.attachObserver(s, l) {
		l.closeWith(websocket.CloseNormalClosure, "call already ended")
		return
	}

	r.logger.Info("Observer attached",
		zap.String("session_id", s.ID),
		zap.String("ip", ip),
	)
	r.notifyObserverStatus(s, statusString(s.State()))

	r.observerLoop(ctx, s, l)
}

// awaitSession resolves the session immediately or parks until promotion
// publishes it.
func (r *Relay) awaitSession(id string) (*Session, bool) {
	if s, ok := r.registry.Get(id); ok {
		return s, true
	}
	ch := r.registry.Park(id)
	select {
	case s := <-ch:
		return s, true
	case <-time.After(observerAttachTimeout):
		r.registry.Unpark(id, ch)
		return nil, false
	}
}

// attachObserver wires the leg into the session. A reconnecting dashboard
// supersedes a stale observer; the old socket is closed without ending the
// call.
func (r *Relay) attachObserver(s *Session, l *leg) bool {
	s.mu.Lock()
	if s.state == StateEnding || s.state == StateGone {
		s.mu.Unlock()
		return false
	}
	old := s.observer
	s.observer = l
	s.mu.Unlock()

	if old != nil {
		old.closeWith(websocket.CloseNormalClosure, "superseded by a new observer")
	}
	return true
}

func (r *Relay) observerLoop(ctx context.Context, s *Session, l *leg) {
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			// A live observer dropping ends the call; a superseded one does
			// not.
			if r.isCurrentObserver(s, l) {
				r.teardown(ctx, s, "observer_closed")
			}
			return
		}

		var cmd observerCommand
		if jerr := json.Unmarshal(data, &cmd); jerr != nil {
			_ = l.writeJSON(observerErrorOut{Type: "error", Errors: []string{"malformed command"}})
			continue
		}

		switch cmd.Type {
		case "scenario.configuration":
			r.applyScenarioConfig(s, l, &cmd)

		case "session.update":
			r.applySessionOverrides(s, &cmd)

		case "call.end":
			r.teardown(ctx, s, "observer_ended")
			return

		default:
			r.logger.Debug("Unknown observer command",
				zap.String("session_id", s.ID),
				zap.String("type", cmd.Type),
			)
		}
	}
}

func (r *Relay) isCurrentObserver(s *Session, l *leg) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.observer == l
}

// applyScenarioConfig installs the operator's scenario choice. Validation
// failures are reported back and nothing is applied; a call keeps its
// previous working configuration.
func (r *Relay) applyScenarioConfig(s *Session, l *leg, cmd *observerCommand) {
	s.mu.Lock()
	id := s.scenarioID
	s.mu.Unlock()
	if cmd.ScenarioID != "" {
		id = cmd.ScenarioID
	}

	sc := r.scenarios.Get(id)
	if errs := sc.Validate(cmd.Config); len(errs) > 0 {
		_ = l.writeJSON(observerErrorOut{Type: "error", Errors: errs})
		return
	}

	s.mu.Lock()
	s.scenarioID = id
	s.scenarioCfg = cmd.Config
	if cmd.Voice != "" {
		s.voice = cmd.Voice
	}
	hasModel := s.model != nil
	s.mu.Unlock()

	r.logger.Info("Scenario configured by observer",
		zap.String("session_id", s.ID),
		zap.String("scenario", id),
	)

	if hasModel {
		if err := r.configureModel(s); err != nil {
			r.logger.Warn("Failed to push scenario configuration",
				zap.String("session_id", s.ID),
				zap.Error(err),
			)
			return
		}
		r.maybeInjectOpening(s)
	}
}

// applySessionOverrides merges raw session parameters supplied by the
// observer. They persist for the rest of the call and survive later scenario
// reconfigurations.
func (r *Relay) applySessionOverrides(s *Session, cmd *observerCommand) {
	s.mu.Lock()
	if s.savedConfig == nil {
		s.savedConfig = make(map[string]interface{}, len(cmd.Session))
	}
	for k, v := range cmd.Session {
		s.savedConfig[k] = v
	}
	hasModel := s.model != nil
	s.mu.Unlock()

	if hasModel {
		if err := r.configureModel(s); err != nil {
			r.logger.Warn("Failed to push session overrides",
				zap.String("session_id", s.ID),
				zap.Error(err),
			)
		}
	}
}

func statusString(st State) string {
	switch st {
	case StatePending:
		return "pending"
	case StateActive:
		return "in_progress"
	default:
		return "ended"
	}
}
