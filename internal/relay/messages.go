package relay

import (
	"encoding/json"

	"github.com/ringable/callbridge/internal/scenario"
)

// Telephony leg events. The provider frames everything as JSON text messages
// with an "event" discriminator; payloads are base64 audio the relay treats
// as opaque.

type telephonyEvent struct {
	Event string `json:"event"`
	Start *struct {
		StreamSid string `json:"streamSid"`
	} `json:"start,omitempty"`
	Media *struct {
		Payload   string      `json:"payload"`
		Timestamp json.Number `json:"timestamp"`
	} `json:"media,omitempty"`
}

type telephonyMediaOut struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
	Media     struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

func newMediaOut(streamSid, payload string) telephonyMediaOut {
	m := telephonyMediaOut{Event: "media", StreamSid: streamSid}
	m.Media.Payload = payload
	return m
}

type telephonyMarkOut struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
	Mark      struct {
		Name string `json:"name"`
	} `json:"mark"`
}

func newMarkOut(streamSid, name string) telephonyMarkOut {
	m := telephonyMarkOut{Event: "mark", StreamSid: streamSid}
	m.Mark.Name = name
	return m
}

type telephonyClearOut struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
}

// Model leg events (realtime speech-to-speech API).

type modelItem struct {
	ID        string `json:"id,omitempty"`
	Type      string `json:"type,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type modelEvent struct {
	Type   string     `json:"type"`
	Delta  string     `json:"delta,omitempty"`
	ItemID string     `json:"item_id,omitempty"`
	Item   *modelItem `json:"item,omitempty"`
}

type sessionUpdateOut struct {
	Type    string                 `json:"type"`
	Session map[string]interface{} `json:"session"`
}

type audioAppendOut struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type itemCreateOut struct {
	Type string                 `json:"type"`
	Item map[string]interface{} `json:"item"`
}

type responseCreateOut struct {
	Type string `json:"type"`
}

type truncateOut struct {
	Type         string `json:"type"`
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMs   int64  `json:"audio_end_ms"`
}

// Observer leg messages.

type observerCommand struct {
	Type       string                 `json:"type"`
	ScenarioID string                 `json:"scenarioId,omitempty"`
	Config     scenario.Config        `json:"config,omitempty"`
	Voice      string                 `json:"voice,omitempty"`
	Session    map[string]interface{} `json:"session,omitempty"`
	CallSid    string                 `json:"callSid,omitempty"`
}

type observerErrorOut struct {
	Type   string   `json:"type"`
	Errors []string `json:"errors"`
}

type statusChangedOut struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	SessionID string `json:"sessionId"`
	StreamSid string `json:"streamSid,omitempty"`
}

// eventItemID extracts whichever item id a mirrored model event carries,
// so synthetic greeting items can be filtered out of the observer stream.
func eventItemID(ev *modelEvent) string {
	if ev.ItemID != "" {
		return ev.ItemID
	}
	if ev.Item != nil {
		return ev.Item.ID
	}
	return ""
}
