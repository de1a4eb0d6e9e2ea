package relay

import (
	"context"
	"testing"
	"time"
)

func attachObserverConn(t *testing.T, rig *testRig, sessionID string) *fakeConn {
	t.Helper()
	obs := newFakeConn()
	go rig.relay.HandleObserver(context.Background(), obs, "9.9.9.9", sessionID)
	waitFor(t, "observer status frame", func() bool {
		return obs.firstOfType("type", "call.status_changed") != nil
	})
	return obs
}

func TestObserverReceivesStatusOnAttach(t *testing.T) {
	rig := newTestRig(t, testEngineConfig())
	tele := newFakeConn()
	startCall(t, rig, tele, "MZ1001")

	obs := attachObserverConn(t, rig, "MZ1001")

	status := obs.firstOfType("type", "call.status_changed")
	if status["status"] != "in_progress" {
		t.Errorf("status = %v, want in_progress", status["status"])
	}
	if status["streamSid"] != "MZ1001" {
		t.Errorf("streamSid = %v, want MZ1001", status["streamSid"])
	}
}

func TestObserverMirrorsModelTraffic(t *testing.T) {
	rig := newTestRig(t, testEngineConfig())
	tele := newFakeConn()
	s := startCall(t, rig, tele, "MZ1001")
	waitFor(t, "model leg attached", func() bool {
		_, model, _ := s.legs()
		return model != nil
	})

	obs := attachObserverConn(t, rig, "MZ1001")

	rig.model.send(t, map[string]interface{}{
		"type":    "response.audio_transcript.delta",
		"item_id": "item_9",
		"delta":   "hello there",
	})

	waitFor(t, "mirrored transcript", func() bool {
		return obs.firstOfType("type", "response.audio_transcript.delta") != nil
	})
}

func TestObserverDoesNotSeeInjectedGreeting(t *testing.T) {
	rig := newTestRig(t, testEngineConfig())
	tele := newFakeConn()
	s := startCall(t, rig, tele, "MZ1001")
	waitFor(t, "greeting injected", func() bool {
		return rig.model.firstOfType("type", "conversation.item.create") != nil
	})

	create := rig.model.firstOfType("type", "conversation.item.create")
	greetID := create["item"].(map[string]interface{})["id"].(string)

	obs := attachObserverConn(t, rig, "MZ1001")

	// The model echoes the injected item back, then emits a real event.
	rig.model.send(t, map[string]interface{}{
		"type": "conversation.item.created",
		"item": map[string]interface{}{"id": greetID, "type": "message"},
	})
	rig.model.send(t, map[string]interface{}{
		"type":    "response.audio_transcript.delta",
		"item_id": "item_9",
		"delta":   "real traffic",
	})

	waitFor(t, "real traffic mirrored", func() bool {
		return obs.firstOfType("type", "response.audio_transcript.delta") != nil
	})
	if obs.firstOfType("type", "conversation.item.created") != nil {
		t.Fatal("greeting echo must be filtered from the observer stream")
	}
	_ = s
}

func TestObserverConfiguresScenarioMidCall(t *testing.T) {
	rig := newTestRig(t, testEngineConfig())
	tele := newFakeConn()
	s := startCall(t, rig, tele, "MZ1001")
	waitFor(t, "model leg attached", func() bool {
		_, model, _ := s.legs()
		return model != nil
	})

	obs := attachObserverConn(t, rig, "MZ1001")

	obs.send(t, map[string]interface{}{
		"type":       "scenario.configuration",
		"scenarioId": "custom",
		"config": map[string]interface{}{
			"instructions": "You are a pirate. Speak like one.",
		},
	})

	waitFor(t, "reconfigured session.update", func() bool {
		for _, m := range rig.model.written() {
			if m["type"] != "session.update" {
				continue
			}
			session, _ := m["session"].(map[string]interface{})
			if session != nil && session["instructions"] == "You are a pirate. Speak like one." {
				return true
			}
		}
		return false
	})

	s.mu.Lock()
	id := s.scenarioID
	s.mu.Unlock()
	if id != "custom" {
		t.Errorf("scenarioID = %q, want custom", id)
	}
}

func TestObserverScenarioValidationFailureKeepsOldConfig(t *testing.T) {
	rig := newTestRig(t, testEngineConfig())
	tele := newFakeConn()
	s := startCall(t, rig, tele, "MZ1001")
	obs := attachObserverConn(t, rig, "MZ1001")

	// Custom scenario without instructions fails validation.
	obs.send(t, map[string]interface{}{
		"type":       "scenario.configuration",
		"scenarioId": "custom",
		"config":     map[string]interface{}{},
	})

	waitFor(t, "validation error frame", func() bool {
		return obs.firstOfType("type", "error") != nil
	})

	s.mu.Lock()
	id := s.scenarioID
	s.mu.Unlock()
	if id == "custom" {
		t.Fatal("failed configuration must not be applied")
	}
}

func TestObserverEndsCall(t *testing.T) {
	rig := newTestRig(t, testEngineConfig())
	tele := newFakeConn()
	s := startCall(t, rig, tele, "MZ1001")
	waitFor(t, "model leg attached", func() bool {
		_, model, _ := s.legs()
		return model != nil
	})

	obs := attachObserverConn(t, rig, "MZ1001")
	obs.send(t, map[string]interface{}{"type": "call.end"})

	waitFor(t, "teardown", func() bool {
		return rig.reg.Len() == 0
	})
	waitFor(t, "telephony closed", func() bool {
		return tele.isClosed()
	})
	waitFor(t, "model closed", func() bool {
		return rig.model.isClosed()
	})
	if s.State() != StateGone {
		t.Fatal("session must be gone")
	}
}

func TestObserverDisconnectEndsCall(t *testing.T) {
	rig := newTestRig(t, testEngineConfig())
	tele := newFakeConn()
	startCall(t, rig, tele, "MZ1001")

	obs := attachObserverConn(t, rig, "MZ1001")
	obs.Close()

	waitFor(t, "teardown after observer drop", func() bool {
		return rig.reg.Len() == 0
	})
	waitFor(t, "telephony closed", func() bool {
		return tele.isClosed()
	})
}

func TestObserverParkedUntilCallArrives(t *testing.T) {
	rig := newTestRig(t, testEngineConfig())

	obs := newFakeConn()
	go rig.relay.HandleObserver(context.Background(), obs, "9.9.9.9", "MZ2002")

	// Give the observer a moment to park, then start the call it wants.
	time.Sleep(20 * time.Millisecond)

	tele := newFakeConn()
	startCall(t, rig, tele, "MZ2002")

	waitFor(t, "parked observer attached", func() bool {
		return obs.firstOfType("type", "call.status_changed") != nil
	})
}

func TestSecondObserverSupersedesFirst(t *testing.T) {
	rig := newTestRig(t, testEngineConfig())
	tele := newFakeConn()
	startCall(t, rig, tele, "MZ1001")

	first := attachObserverConn(t, rig, "MZ1001")
	second := attachObserverConn(t, rig, "MZ1001")

	waitFor(t, "first observer closed", func() bool {
		return first.isClosed()
	})

	// The superseded observer's exit must not end the call.
	time.Sleep(50 * time.Millisecond)
	if rig.reg.Len() != 1 {
		t.Fatal("call ended when the stale observer was replaced")
	}
	if second.isClosed() {
		t.Fatal("replacement observer should stay attached")
	}
}
