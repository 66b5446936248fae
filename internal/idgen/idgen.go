// Package idgen generates lesson ids that sort lexicographically in
// creation-time order within a single process, the way the teacher's
// generateSessionID (internal/memory/handoff.go) stamps a session id from
// a timestamp plus a short random suffix.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// mu and last serialize New so that two calls within the same nanosecond
// still produce strictly increasing ids — time.Now().UnixNano() alone can
// repeat on fast, high-resolution clocks.
var (
	mu   sync.Mutex
	last int64
)

// New returns an opaque id of the form "<16 hex digits of nanosecond
// timestamp>-<8 hex digits of random suffix>". Hex-encoding a monotonic
// nanosecond counter preserves lexicographic order because all ids share
// the same fixed width.
func New() string {
	mu.Lock()
	now := time.Now().UnixNano()
	if now <= last {
		now = last + 1
	}
	last = now
	mu.Unlock()

	suffix := randomSuffix()
	return fmt.Sprintf("%016x-%s", now, suffix)
}

func randomSuffix() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "00000000"
	}
	return hex.EncodeToString(b)
}
