package quota

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"go.uber.org/zap"

	"github.com/ringable/callbridge/pkg/validation"
)

// fallbackSecret keys the phone hash when no operator secret is configured.
// Acceptable only outside production; Keyer logs loudly when it is used.
const fallbackSecret = "callbridge-insecure-dev-secret"

// Result is one admission decision against the per-phone cap.
type Result struct {
	Allowed   bool
	Current   int64
	Remaining int64
	ResetAt   time.Time
}

// Store enforces "at most cap calls per phone number per window" across
// process restarts. Implementations must make CheckAndIncrement atomic
// against concurrent increments for the same key.
type Store interface {
	// CheckAndIncrement consumes one slot for the key if available.
	CheckAndIncrement(ctx context.Context, key string, cap int, window time.Duration) (Result, error)
	// Status reports the current window without mutating state.
	Status(ctx context.Context, key string, cap int, window time.Duration) (Result, error)
}

// Keyer derives privacy-preserving storage keys from phone numbers. Raw
// numbers never reach the store.
type Keyer struct {
	secret    []byte
	defaultCC string
	logger    *zap.Logger
}

func NewKeyer(secret, defaultCC string, logger *zap.Logger) *Keyer {
	if secret == "" {
		logger.Warn("PHONE_HASH_SECRET is not set; falling back to a built-in constant. " +
			"Phone hashes are NOT private without an operator-supplied secret. Do not run production like this.")
		secret = fallbackSecret
	}
	return &Keyer{secret: []byte(secret), defaultCC: defaultCC, logger: logger}
}

// Key normalizes the number to E.164 and returns its HMAC-SHA256 hex digest.
func (k *Keyer) Key(phone string) (string, error) {
	normalized, err := validation.NormalizeE164(phone, k.defaultCC)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, k.secret)
	mac.Write([]byte(normalized))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// windowStart aligns t to the window the way every store implementation must:
// fixed windows anchored at the epoch.
func windowStart(t time.Time, window time.Duration) int64 {
	ms := t.UnixMilli()
	w := window.Milliseconds()
	if w <= 0 {
		return ms
	}
	return ms - ms%w
}

// failOpen is the degraded-mode result: a persistence failure must never
// block call admission.
func failOpen(cap int, window time.Duration) Result {
	return Result{
		Allowed:   true,
		Current:   1,
		Remaining: int64(cap) - 1,
		ResetAt:   time.Now().Add(window),
	}
}
