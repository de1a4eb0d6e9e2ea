package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ringable/callbridge/internal/scenario"
	"github.com/ringable/callbridge/pkg/metrics"
)

func (r *Relay) dialRealtime(ctx context.Context) (Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+r.cfg.RealtimeAPIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	url := r.cfg.RealtimeURL + "?model=" + r.cfg.RealtimeModel
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// runModelLeg dials the realtime API, configures the session, and pumps model
// events until either side drops. A dial failure ends the whole call; there
// is no retry because the caller is sitting in dead air.
func (r *Relay) runModelLeg(ctx context.Context, s *Session) {
	if r.dialModel == nil {
		r.logger.Error("No realtime API key configured; call has no model leg",
			zap.String("session_id", s.ID),
		)
		return
	}

	conn, err := r.dialModel(ctx)
	if err != nil {
		r.logger.Error("Model dial failed",
			zap.String("session_id", s.ID),
			zap.Error(err),
		)
		r.teardown(ctx, s, "model_dial_failed")
		return
	}

	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.model = newLeg(conn)
	model := s.model
	s.mu.Unlock()

	if err := r.configureModel(s); err != nil {
		r.logger.Error("Model session.update failed",
			zap.String("session_id", s.ID),
			zap.Error(err),
		)
		r.teardown(ctx, s, "model_write_failed")
		return
	}

	r.maybeInjectOpening(s)
	r.modelLoop(ctx, s, model)
}

// buildSessionConfig merges observer-saved overrides with relay defaults. The
// relay always wins on instructions and voice; everything else the observer
// set is passed through untouched.
func (r *Relay) buildSessionConfig(s *Session) map[string]interface{} {
	s.mu.Lock()
	cfg := make(map[string]interface{}, len(s.savedConfig)+8)
	for k, v := range s.savedConfig {
		cfg[k] = v
	}
	limited := s.rateLimited
	scenarioID := s.scenarioID
	scenarioCfg := s.scenarioCfg
	voice := s.voice
	s.mu.Unlock()

	setDefault := func(key string, v interface{}) {
		if _, ok := cfg[key]; !ok {
			cfg[key] = v
		}
	}
	setDefault("turn_detection", map[string]interface{}{"type": "server_vad"})
	setDefault("input_audio_format", "g711_ulaw")
	setDefault("output_audio_format", "g711_ulaw")
	setDefault("modalities", []string{"text", "audio"})
	setDefault("temperature", 0.8)

	if limited {
		cfg["instructions"] = scenario.DeclineInstructions
	} else {
		sc := r.scenarios.Get(scenarioID)
		cfg["instructions"] = sc.Instructions(scenarioCfg, voice)
	}
	cfg["voice"] = voice
	return cfg
}

func (r *Relay) configureModel(s *Session) error {
	_, model, _ := s.legs()
	if model == nil {
		return nil
	}
	return model.writeJSON(sessionUpdateOut{
		Type:    "session.update",
		Session: r.buildSessionConfig(s),
	})
}

// maybeInjectOpening makes the model speak first when the scenario allows it.
// Rate-limited calls always get the scripted decline. The injected item is
// tagged so its echo never reaches the observer transcript.
func (r *Relay) maybeInjectOpening(s *Session) {
	s.mu.Lock()
	if s.openingSent {
		s.mu.Unlock()
		return
	}
	limited := s.rateLimited
	reason := s.rateLimitReason
	scenarioID := s.scenarioID
	scenarioCfg := s.scenarioCfg
	s.mu.Unlock()

	var line string
	if limited {
		line = scenario.DeclineLine(reason)
	} else {
		sc := r.scenarios.Get(scenarioID)
		if !sc.ShouldAutoStart(scenarioCfg) {
			return
		}
		line = sc.OpeningLine(scenarioCfg)
	}

	s.mu.Lock()
	s.openingSent = true
	s.mu.Unlock()

	if d := time.Duration(r.cfg.GreetingDelayMs) * time.Millisecond; d > 0 {
		time.Sleep(d)
	}

	_, model, _ := s.legs()
	if model == nil {
		return
	}

	itemID := "greet_" + uuid.New().String()[:8]
	s.markGreeting(itemID)

	err := model.writeJSON(itemCreateOut{
		Type: "conversation.item.create",
		Item: map[string]interface{}{
			"id":   itemID,
			"type": "message",
			"role": "user",
			"content": []map[string]interface{}{
				{"type": "input_text", "text": line},
			},
		},
	})
	if err == nil {
		err = model.writeJSON(responseCreateOut{Type: "response.create"})
	}
	if err != nil {
		r.logger.Warn("Failed to inject opening line",
			zap.String("session_id", s.ID),
			zap.Error(err),
		)
	}
}

func (r *Relay) modelLoop(ctx context.Context, s *Session, model *leg) {
	for {
		_, data, err := model.conn.ReadMessage()
		if err != nil {
			r.teardown(ctx, s, "model_closed")
			return
		}

		var ev modelEvent
		if jerr := json.Unmarshal(data, &ev); jerr != nil {
			r.logger.Debug("Dropping malformed model frame",
				zap.String("session_id", s.ID),
				zap.Error(jerr),
			)
			continue
		}

		r.handleModelEvent(ctx, s, &ev)

		// Mirror everything except echoes of injected greeting items.
		if !s.isGreeting(eventItemID(&ev)) {
			_, _, obs := s.legs()
			if obs != nil {
				_ = obs.writeText(data)
			}
		}
	}
}

func (r *Relay) handleModelEvent(ctx context.Context, s *Session, ev *modelEvent) {
	switch ev.Type {
	case "response.audio.delta":
		s.anchorReply(ev.ItemID)
		tele, _, _ := s.legs()
		s.mu.Lock()
		sid := s.streamSid
		s.mu.Unlock()
		if tele == nil || sid == "" {
			return
		}
		if err := tele.writeJSON(newMediaOut(sid, ev.Delta)); err != nil {
			r.teardown(ctx, s, "telephony_write_failed")
			return
		}
		_ = tele.writeJSON(newMarkOut(sid, ev.ItemID))

	case "input_audio_buffer.speech_started":
		r.handleBargeIn(s)

	case "response.done":
		s.clearAnchor()

	case "response.output_item.done":
		if ev.Item != nil && ev.Item.Type == "function_call" {
			r.handleFunctionCall(s, ev.Item)
		}

	case "error":
		r.logger.Warn("Model reported an error event",
			zap.String("session_id", s.ID),
		)
	}
}

// handleBargeIn truncates the in-flight reply at the point the caller has
// actually heard and flushes the telephony playback buffer. With no reply in
// flight it is a no-op.
func (r *Relay) handleBargeIn(s *Session) {
	itemID, elapsed, ok := s.takeAnchor()
	if !ok {
		return
	}
	metrics.RecordBargeIn()

	_, model, _ := s.legs()
	if model != nil {
		_ = model.writeJSON(truncateOut{
			Type:       "conversation.item.truncate",
			ItemID:     itemID,
			AudioEndMs: elapsed,
		})
	}

	tele, _, _ := s.legs()
	s.mu.Lock()
	sid := s.streamSid
	s.mu.Unlock()
	if tele != nil && sid != "" {
		_ = tele.writeJSON(telephonyClearOut{Event: "clear", StreamSid: sid})
	}

	r.logger.Debug("Barge-in truncated reply",
		zap.String("session_id", s.ID),
		zap.String("item_id", itemID),
		zap.Int64("audio_end_ms", elapsed),
	)
}

// handleFunctionCall dispatches a completed tool call and feeds the output
// back so the model can keep talking.
func (r *Relay) handleFunctionCall(s *Session, item *modelItem) {
	metrics.RecordFunctionCall()
	output := r.functions.Dispatch(item.Name, item.Arguments)

	_, model, _ := s.legs()
	if model == nil {
		return
	}
	err := model.writeJSON(itemCreateOut{
		Type: "conversation.item.create",
		Item: map[string]interface{}{
			"type":    "function_call_output",
			"call_id": item.CallID,
			"output":  output,
		},
	})
	if err == nil {
		err = model.writeJSON(responseCreateOut{Type: "response.create"})
	}
	if err != nil {
		r.logger.Warn("Failed to return function output",
			zap.String("session_id", s.ID),
			zap.String("function", item.Name),
			zap.Error(err),
		)
	}
}
