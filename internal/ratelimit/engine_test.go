package ratelimit

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func testConfig() Config {
	return Config{
		MaxConnsPerIP:      2,
		MaxConcurrentCalls: 3,
		CallsPerIP:         2,
		CallWindow:         time.Hour,
		SuspendThreshold:   3,
		SuspendDuration:    30 * time.Minute,
		PenaltyDelay:       100 * time.Millisecond,
		PenaltyDelayMax:    250 * time.Millisecond,
	}
}

func TestEngine_PerIPConnectionCap(t *testing.T) {
	e := NewEngine(testConfig(), zap.NewNop())

	if err := e.AllowConnection("1.2.3.4", LegTelephony); err != nil {
		t.Fatalf("first connection rejected: %v", err)
	}
	if err := e.AllowConnection("1.2.3.4", LegTelephony); err != nil {
		t.Fatalf("second connection rejected: %v", err)
	}
	if err := e.AllowConnection("1.2.3.4", LegTelephony); err == nil {
		t.Fatal("third connection should exceed the per-IP cap")
	}

	// A different address is unaffected.
	if err := e.AllowConnection("5.6.7.8", LegTelephony); err != nil {
		t.Fatalf("other address rejected: %v", err)
	}

	// Caps are tracked per leg kind.
	if err := e.AllowConnection("1.2.3.4", LegObserver); err != nil {
		t.Fatalf("observer leg rejected despite separate cap: %v", err)
	}
}

func TestEngine_GlobalCallCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnsPerIP = 10
	e := NewEngine(cfg, zap.NewNop())

	ips := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}
	for _, ip := range ips {
		if err := e.AllowConnection(ip, LegTelephony); err != nil {
			t.Fatalf("connection for %s rejected: %v", ip, err)
		}
	}
	if err := e.AllowConnection("10.0.0.4", LegTelephony); err == nil {
		t.Fatal("connection beyond the global call cap should be rejected")
	}

	// Observers do not count against the call cap.
	if err := e.AllowConnection("10.0.0.4", LegObserver); err != nil {
		t.Fatalf("observer rejected by call cap: %v", err)
	}

	e.ReleaseConnection(ips[0], LegTelephony)
	if err := e.AllowConnection("10.0.0.4", LegTelephony); err != nil {
		t.Fatalf("slot not freed after release: %v", err)
	}
}

func TestEngine_ReleaseIsIdempotent(t *testing.T) {
	e := NewEngine(testConfig(), zap.NewNop())

	if err := e.AllowConnection("1.2.3.4", LegTelephony); err != nil {
		t.Fatalf("connection rejected: %v", err)
	}
	e.ReleaseConnection("1.2.3.4", LegTelephony)
	e.ReleaseConnection("1.2.3.4", LegTelephony)

	counts := e.Counts()
	if counts.ActiveConnections != 0 || counts.ActiveCalls != 0 {
		t.Fatalf("counts went negative or stale: %+v", counts)
	}
}

func TestEngine_CallFrequencyWindow(t *testing.T) {
	e := NewEngine(testConfig(), zap.NewNop())

	for i := 0; i < 2; i++ {
		if d := e.CheckCallFrequency("1.2.3.4"); d.Limited {
			t.Fatalf("call %d within the window limit was flagged", i+1)
		}
	}
	d := e.CheckCallFrequency("1.2.3.4")
	if !d.Limited {
		t.Fatal("call above the window limit was not flagged")
	}
	if d.Reason == "" {
		t.Fatal("limited decision must carry a reason for the spoken decline")
	}

	// Expire the window manually; the next call starts a fresh one.
	e.mu.Lock()
	e.freq["1.2.3.4"].windowStart = time.Now().Add(-2 * time.Hour)
	e.mu.Unlock()

	if d := e.CheckCallFrequency("1.2.3.4"); d.Limited {
		t.Fatal("call after window expiry should start a fresh window")
	}
}

func TestEngine_SuspensionAfterRepeatedViolations(t *testing.T) {
	e := NewEngine(testConfig(), zap.NewNop())

	for i := 0; i < 3; i++ {
		e.RecordViolation("1.2.3.4")
	}

	if err := e.AllowConnection("1.2.3.4", LegTelephony); err == nil {
		t.Fatal("suspended address must be rejected at the socket")
	}
	if err := e.AllowConnection("5.6.7.8", LegTelephony); err != nil {
		t.Fatalf("unrelated address affected by suspension: %v", err)
	}

	if got := e.Counts().SuspendedIPs; got != 1 {
		t.Fatalf("SuspendedIPs = %d, want 1", got)
	}
}

func TestEngine_PenaltyDelayCapped(t *testing.T) {
	e := NewEngine(testConfig(), zap.NewNop())

	if d := e.PenaltyDelay("1.2.3.4"); d != 0 {
		t.Fatalf("clean address got delay %v", d)
	}

	e.RecordViolation("1.2.3.4")
	if d := e.PenaltyDelay("1.2.3.4"); d != 100*time.Millisecond {
		t.Fatalf("one violation delay = %v, want 100ms", d)
	}

	e.RecordViolation("1.2.3.4")
	if d := e.PenaltyDelay("1.2.3.4"); d != 200*time.Millisecond {
		t.Fatalf("two violation delay = %v, want 200ms", d)
	}

	for i := 0; i < 10; i++ {
		e.RecordViolation("1.2.3.4")
	}
	if d := e.PenaltyDelay("1.2.3.4"); d != 250*time.Millisecond {
		t.Fatalf("delay not capped: %v", d)
	}
}

func TestEngine_FrequencyLimitRecordsViolation(t *testing.T) {
	e := NewEngine(testConfig(), zap.NewNop())

	for i := 0; i < 3; i++ {
		e.CheckCallFrequency("1.2.3.4")
	}

	if d := e.PenaltyDelay("1.2.3.4"); d == 0 {
		t.Fatal("exceeding the frequency limit should record a violation")
	}
}
