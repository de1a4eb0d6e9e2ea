package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// LegKind identifies which connection kind a structural cap applies to.
type LegKind string

const (
	LegTelephony LegKind = "telephony"
	LegObserver  LegKind = "observer"
)

// Config carries the admission caps. Structural caps hard-reject sockets;
// the frequency cap only flags the session for a spoken decline.
type Config struct {
	MaxConnsPerIP      int
	MaxConcurrentCalls int

	CallsPerIP     int
	CallWindow     time.Duration

	SuspendThreshold int
	SuspendDuration  time.Duration
	PenaltyDelay     time.Duration
	PenaltyDelayMax  time.Duration
}

// Decision is the outcome of the soft (frequency) checks.
type Decision struct {
	Limited bool
	Reason  string
}

type windowEntry struct {
	count       int
	windowStart time.Time
}

type penaltyEntry struct {
	violations     int
	suspendedUntil time.Time
}

// Engine is the in-memory admission layer: per-IP connection counts, the
// global call count, windowed per-IP call frequency, and progressive
// penalties. State is process-local on purpose; the persisted phone quota is
// the cross-restart source of truth (see internal/quota).
type Engine struct {
	mu  sync.Mutex
	cfg Config

	conns       map[string]map[LegKind]int
	activeCalls int
	freq        map[string]*windowEntry
	penalties   map[string]*penaltyEntry

	logger *zap.Logger
}

func NewEngine(cfg Config, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		conns:     make(map[string]map[LegKind]int),
		freq:      make(map[string]*windowEntry),
		penalties: make(map[string]*penaltyEntry),
		logger:    logger,
	}
}

// AllowConnection applies the structural caps for a new socket of the given
// kind. On success the connection is counted and must be paired with a
// ReleaseConnection. A non-nil error means hard socket rejection.
func (e *Engine) AllowConnection(ip string, kind LegKind) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if p, ok := e.penalties[ip]; ok && time.Now().Before(p.suspendedUntil) {
		return fmt.Errorf("ip suspended until %s", p.suspendedUntil.Format(time.RFC3339))
	}

	if e.conns[ip][kind] >= e.cfg.MaxConnsPerIP {
		return fmt.Errorf("too many concurrent %s connections from this address", kind)
	}

	if kind == LegTelephony && e.activeCalls >= e.cfg.MaxConcurrentCalls {
		return fmt.Errorf("server at capacity")
	}

	if e.conns[ip] == nil {
		e.conns[ip] = make(map[LegKind]int)
	}
	e.conns[ip][kind]++
	if kind == LegTelephony {
		e.activeCalls++
	}
	return nil
}

// ReleaseConnection undoes AllowConnection's bookkeeping.
func (e *Engine) ReleaseConnection(ip string, kind LegKind) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if counts, ok := e.conns[ip]; ok {
		if counts[kind] > 0 {
			counts[kind]--
		}
		if counts[kind] == 0 {
			delete(counts, kind)
		}
		if len(counts) == 0 {
			delete(e.conns, ip)
		}
	}
	if kind == LegTelephony && e.activeCalls > 0 {
		e.activeCalls--
	}
}

// CheckCallFrequency counts one call attempt against the IP's window. The
// window resets lazily on first access past its end. A limited result does
// not reject the socket; the relay turns it into a spoken decline.
func (e *Engine) CheckCallFrequency(ip string) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	entry, ok := e.freq[ip]
	if !ok || now.Sub(entry.windowStart) >= e.cfg.CallWindow {
		entry = &windowEntry{windowStart: now}
		e.freq[ip] = entry
	}
	entry.count++

	if entry.count > e.cfg.CallsPerIP {
		e.recordViolationLocked(ip)
		return Decision{
			Limited: true,
			Reason:  fmt.Sprintf("too many calls from this address (limit %d per %s)", e.cfg.CallsPerIP, e.cfg.CallWindow),
		}
	}
	return Decision{}
}

// RecordViolation bumps the IP's violation counter; crossing the threshold
// suspends the IP for the configured duration.
func (e *Engine) RecordViolation(ip string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recordViolationLocked(ip)
}

func (e *Engine) recordViolationLocked(ip string) {
	p, ok := e.penalties[ip]
	if !ok {
		p = &penaltyEntry{}
		e.penalties[ip] = p
	}
	p.violations++

	if e.cfg.SuspendThreshold > 0 && p.violations >= e.cfg.SuspendThreshold && time.Now().After(p.suspendedUntil) {
		p.suspendedUntil = time.Now().Add(e.cfg.SuspendDuration)
		e.logger.Warn("IP suspended after repeated violations",
			zap.String("ip", ip),
			zap.Int("violations", p.violations),
			zap.Time("until", p.suspendedUntil),
		)
	}
}

// PenaltyDelay returns the additive processing delay for an IP: one delay
// unit per recorded violation, capped at the configured maximum.
func (e *Engine) PenaltyDelay(ip string) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.penalties[ip]
	if !ok || p.violations == 0 {
		return 0
	}
	d := time.Duration(p.violations) * e.cfg.PenaltyDelay
	if d > e.cfg.PenaltyDelayMax {
		d = e.cfg.PenaltyDelayMax
	}
	return d
}

// Counts is a health/metrics snapshot.
type Counts struct {
	ActiveConnections int `json:"active_connections"`
	ActiveCalls       int `json:"active_calls"`
	SuspendedIPs      int `json:"suspended_ips"`
}

func (e *Engine) Counts() Counts {
	e.mu.Lock()
	defer e.mu.Unlock()

	total := 0
	for _, kinds := range e.conns {
		for _, n := range kinds {
			total += n
		}
	}

	suspended := 0
	now := time.Now()
	for _, p := range e.penalties {
		if now.Before(p.suspendedUntil) {
			suspended++
		}
	}

	return Counts{
		ActiveConnections: total,
		ActiveCalls:       e.activeCalls,
		SuspendedIPs:      suspended,
	}
}

// Cfg exposes the configured caps for the metrics endpoint.
func (e *Engine) Cfg() Config { return e.cfg }
