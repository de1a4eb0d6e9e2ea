package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ringable/callbridge/internal/quota"
	"github.com/ringable/callbridge/internal/ratelimit"
	"github.com/ringable/callbridge/internal/scenario"
	"github.com/ringable/callbridge/pkg/env"
	"github.com/ringable/callbridge/pkg/metrics"
	"github.com/ringable/callbridge/pkg/utils"
)

// ModelDialer opens the realtime model socket. Swapped for a fake in tests.
type ModelDialer func(ctx context.Context) (Conn, error)

// Relay owns every live call: it admits telephony sockets, bridges them to
// the model, mirrors traffic to observers, and tears the whole trio down when
// any leg drops.
type Relay struct {
	cfg       *env.Config
	engine    *ratelimit.Engine
	registry  *Registry
	scenarios *scenario.Registry
	functions *scenario.Functions
	quota     quota.Store
	keyer     *quota.Keyer
	recorder  Recorder
	logger    *zap.Logger

	dialModel ModelDialer
}

func New(cfg *env.Config, engine *ratelimit.Engine, registry *Registry, scenarios *scenario.Registry, functions *scenario.Functions, store quota.Store, keyer *quota.Keyer, recorder Recorder, logger *zap.Logger) *Relay {
	r := &Relay{
		cfg:       cfg,
		engine:    engine,
		registry:  registry,
		scenarios: scenarios,
		functions: functions,
		quota:     store,
		keyer:     keyer,
		recorder:  recorder,
		logger:    logger,
	}
	// Without an API key the relay still runs; calls just have no model leg.
	if cfg.RealtimeAPIKey != "" {
		r.dialModel = r.dialRealtime
	}
	return r
}

// Registry exposes the session registry for the HTTP surface.
func (r *Relay) Registry() *Registry { return r.registry }

// TelephonyParams carries everything the HTTP handler extracted from the
// upgrade request.
type TelephonyParams struct {
	ClientIP   string
	ScenarioID string
	Config     scenario.Config
	Voice      string
	Caller     string
}

// HandleTelephony runs one telephony socket to completion. The socket is
// already upgraded; structural rejection happens here so the provider gets a
// proper close frame instead of an HTTP error it would ignore.
func (r *Relay) HandleTelephony(ctx context.Context, conn Conn, p TelephonyParams) {
	if err := r.engine.AllowConnection(p.ClientIP, ratelimit.LegTelephony); err != nil {
		metrics.RecordCallRejected()
		r.logger.Warn("Rejected telephony connection",
			zap.String("ip", p.ClientIP),
			zap.Error(err),
		)
		l := newLeg(conn)
		l.closeWith(websocket.ClosePolicyViolation, err.Error())
		return
	}
	defer r.engine.ReleaseConnection(p.ClientIP, ratelimit.LegTelephony)

	// Penalized addresses pay an additive delay before any work happens.
	if d := r.engine.PenaltyDelay(p.ClientIP); d > 0 {
		r.logger.Info("Applying penalty delay",
			zap.String("ip", p.ClientIP),
			zap.Duration("delay", d),
		)
		time.Sleep(d)
	}

	s := newSession(uuid.New().String(), p.ClientIP)
	s.mu.Lock()
	s.telephony = newLeg(conn)
	s.scenarioID = p.ScenarioID
	s.scenarioCfg = p.Config
	s.voice = p.Voice
	if s.voice == "" {
		s.voice = r.cfg.DefaultVoice
	}
	s.callerNum = p.Caller
	s.mu.Unlock()

	r.applySoftLimits(ctx, s)
	r.registry.Add(s)

	r.logger.Info("Telephony connected",
		zap.String("session_id", s.ID),
		zap.String("ip", p.ClientIP),
		zap.String("scenario", p.ScenarioID),
		zap.String("caller", utils.MaskPhoneNumber(p.Caller)),
	)

	r.telephonyLoop(ctx, s)
}

// applySoftLimits runs the frequency and phone-quota checks. Neither rejects
// the socket; a limited session plays a spoken decline and hangs up shortly
// after.
func (r *Relay) applySoftLimits(ctx context.Context, s *Session) {
	if d := r.engine.CheckCallFrequency(s.clientIP); d.Limited {
		metrics.RecordCallRateLimited()
		s.mu.Lock()
		s.rateLimited = true
		s.rateLimitReason = d.Reason
		s.mu.Unlock()
		r.logger.Warn("Call frequency limit hit",
			zap.String("session_id", s.ID),
			zap.String("ip", s.clientIP),
			zap.String("reason", d.Reason),
		)
		return
	}

	s.mu.Lock()
	caller := s.callerNum
	s.mu.Unlock()
	if caller == "" {
		return
	}

	key, err := r.keyer.Key(caller)
	if err != nil {
		// Unparseable caller ids bypass the phone quota rather than killing
		// the call.
		r.logger.Warn("Could not derive quota key",
			zap.String("session_id", s.ID),
			zap.Error(err),
		)
		return
	}

	qctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	res, err := r.quota.CheckAndIncrement(qctx, key, r.cfg.PhoneCallCap, r.cfg.PhoneWindow())
	if err != nil || res.Allowed {
		return
	}

	metrics.RecordCallRateLimited()
	s.mu.Lock()
	s.rateLimited = true
	s.rateLimitReason = "this number has reached its call limit for now"
	s.mu.Unlock()
	r.logger.Warn("Phone quota exhausted",
		zap.String("session_id", s.ID),
		zap.String("caller", utils.MaskPhoneNumber(caller)),
		zap.Int64("current", res.Current),
		zap.Time("reset_at", res.ResetAt),
	)
}

func (r *Relay) telephonyLoop(ctx context.Context, s *Session) {
	tele, _, _ := s.legs()
	for {
		_, data, err := tele.conn.ReadMessage()
		if err != nil {
			r.teardown(ctx, s, "telephony_closed")
			return
		}

		var ev telephonyEvent
		if jerr := json.Unmarshal(data, &ev); jerr != nil {
			r.logger.Debug("Dropping malformed telephony frame",
				zap.String("session_id", s.ID),
				zap.Error(jerr),
			)
			continue
		}

		switch ev.Event {
		case "start":
			if ev.Start == nil || ev.Start.StreamSid == "" {
				r.logger.Warn("Start event without stream id", zap.String("session_id", s.ID))
				continue
			}
			r.onStreamStart(ctx, s, ev.Start.StreamSid)

		case "media":
			if ev.Media == nil {
				continue
			}
			if ts, err := ev.Media.Timestamp.Int64(); err == nil {
				s.advanceCursor(ts)
			}
			_, model, _ := s.legs()
			if model != nil {
				if err := model.writeJSON(audioAppendOut{Type: "input_audio_buffer.append", Audio: ev.Media.Payload}); err != nil {
					r.teardown(ctx, s, "model_write_failed")
					return
				}
			}

		case "close", "stop":
			// Some providers say "stop" where others say "close".
			r.teardown(ctx, s, "telephony_closed")
			return

		case "mark", "connected":
			// Acknowledgement traffic; nothing to relay.

		default:
			r.logger.Debug("Unknown telephony event",
				zap.String("session_id", s.ID),
				zap.String("event", ev.Event),
			)
		}
	}
}

// onStreamStart promotes the session under the provider stream id, opens the
// model leg, and arms the lifecycle timers.
func (r *Relay) onStreamStart(ctx context.Context, s *Session, streamSid string) {
	s.mu.Lock()
	alreadyActive := s.state != StatePending
	s.mu.Unlock()
	if alreadyActive {
		r.logger.Warn("Duplicate start event ignored",
			zap.String("session_id", s.ID),
			zap.String("stream_sid", streamSid),
		)
		return
	}

	// Flip to Active before publishing the stream id so parked observers
	// never see a stale pending state.
	s.setState(StateActive)
	r.registry.Promote(s, streamSid)
	metrics.RecordCallStarted()
	r.recorder.CallStarted(ctx, s)
	r.notifyObserverStatus(s, "in_progress")

	r.logger.Info("Stream started",
		zap.String("session_id", s.ID),
		zap.String("stream_sid", streamSid),
	)

	s.mu.Lock()
	limited := s.rateLimited
	s.durationTimer = time.AfterFunc(time.Duration(r.cfg.MaxCallDurationMin)*time.Minute, func() {
		r.teardown(context.Background(), s, "max_duration")
	})
	if limited {
		s.hangupTimer = time.AfterFunc(time.Duration(r.cfg.RateLimitedHangupSec)*time.Second, func() {
			r.teardown(context.Background(), s, "rate_limited_hangup")
		})
	}
	s.mu.Unlock()

	go r.runModelLeg(ctx, s)
}

// notifyObserverStatus mirrors a lifecycle change to the observer if one is
// attached. Write errors are ignored; the observer read pump notices the
// broken socket on its own.
func (r *Relay) notifyObserverStatus(s *Session, status string) {
	_, _, obs := s.legs()
	if obs == nil {
		return
	}
	s.mu.Lock()
	out := statusChangedOut{
		Type:      "call.status_changed",
		Status:    status,
		SessionID: s.ID,
		StreamSid: s.streamSid,
	}
	s.mu.Unlock()
	_ = obs.writeJSON(out)
}

// teardown ends the whole call. Exactly one caller wins; the rest return.
// Any leg dropping, a timer firing, or an observer command all land here.
func (r *Relay) teardown(ctx context.Context, s *Session, reason string) {
	if !s.beginEnding() {
		return
	}

	s.cancelTimers()
	if reason != "observer_ended" && reason != "observer_closed" {
		r.notifyObserverStatus(s, "ended")
	}

	tele, model, obs := s.legs()
	if model != nil {
		model.close()
	}
	if tele != nil {
		tele.closeWith(websocket.CloseNormalClosure, "call ended")
	}
	if obs != nil {
		obs.closeWith(websocket.CloseNormalClosure, "call ended")
	}

	r.registry.Remove(s)
	metrics.RecordCallEnded(reason)
	r.recorder.CallEnded(ctx, s, reason)

	r.logger.Info("Call ended",
		zap.String("session_id", s.ID),
		zap.String("reason", reason),
		zap.Duration("duration", time.Since(s.createdAt)),
	)
}
