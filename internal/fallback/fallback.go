// Package fallback moves controller input through the session record when no
// data channel is available. The session holds a single latest-input slot, so
// a newer write from any phone replaces whatever was there; delivery is
// best-effort by construction and suits low-rate navigation input only.
package fallback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/couchpad/couchpad/internal/directory"
	"github.com/couchpad/couchpad/internal/metrics"
)

// Envelope wraps a raw input payload with enough metadata for the reading
// side to attribute and de-duplicate it.
type Envelope struct {
	SenderID string          `json:"senderId"`
	SentAt   int64           `json:"sentAt"` // unix milliseconds
	Payload  json.RawMessage `json:"payload"`
}

func parseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, fmt.Errorf("decoding fallback envelope: %w", err)
	}
	if env.SenderID == "" {
		return Envelope{}, fmt.Errorf("fallback envelope missing sender")
	}
	return env, nil
}

// Writer publishes input payloads into a session's latest-input slot.
type Writer struct {
	dir       directory.Directory
	metrics   *metrics.Metrics
	sessionID string
	deviceID  string
	now       func() time.Time

	mu       sync.Mutex
	lastSent int64
}

func NewWriter(dir directory.Directory, m *metrics.Metrics, sessionID, deviceID string) *Writer {
	if m == nil {
		m = metrics.New()
	}
	return &Writer{
		dir:       dir,
		metrics:   m,
		sessionID: sessionID,
		deviceID:  deviceID,
		now:       time.Now,
	}
}

// Send overwrites the session's latest-input slot with payload. Timestamps
// are forced monotonic per writer so two sends inside the same millisecond
// stay distinguishable to the reader's de-duplication.
func (w *Writer) Send(ctx context.Context, payload []byte) error {
	w.mu.Lock()
	sentAt := w.now().UnixMilli()
	if sentAt <= w.lastSent {
		sentAt = w.lastSent + 1
	}
	w.lastSent = sentAt
	w.mu.Unlock()

	env := Envelope{SenderID: w.deviceID, SentAt: sentAt, Payload: payload}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding fallback envelope: %w", err)
	}
	// Approximate clobber accounting: a prior value from another phone in the
	// slot may not have been consumed yet. The read races the write, which is
	// acceptable for a counter.
	if sess, err := w.dir.GetSession(ctx, w.sessionID); err == nil && len(sess.LatestInput) > 0 {
		if prev, err := parseEnvelope(sess.LatestInput); err == nil && prev.SenderID != w.deviceID {
			w.metrics.Inc(metrics.FallbackOverwrite)
		}
	}
	if err := w.dir.SetLatestInput(ctx, w.sessionID, raw); err != nil {
		return fmt.Errorf("writing latest input: %w", err)
	}
	w.metrics.Inc(metrics.FallbackSend)
	return nil
}

// Reader extracts fresh input payloads from session snapshots. Snapshots may
// arrive from the watch feed or from polling; both paths repeat the same
// latest-input value, so Next de-duplicates by sender and send time.
type Reader struct {
	metrics *metrics.Metrics

	mu   sync.Mutex
	seen map[string]int64 // sender id -> last consumed SentAt
}

func NewReader(m *metrics.Metrics) *Reader {
	if m == nil {
		m = metrics.New()
	}
	return &Reader{metrics: m, seen: make(map[string]int64)}
}

// Next returns the sender and payload of sess's latest input when it has not
// been consumed yet. It returns ok=false for empty slots, undecodable
// envelopes, and repeats of an already-consumed value.
func (r *Reader) Next(sess directory.Session) (senderID string, payload []byte, ok bool) {
	if len(sess.LatestInput) == 0 {
		return "", nil, false
	}
	env, err := parseEnvelope(sess.LatestInput)
	if err != nil {
		return "", nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if last, seen := r.seen[env.SenderID]; seen && env.SentAt <= last {
		return "", nil, false
	}
	r.seen[env.SenderID] = env.SentAt
	return env.SenderID, env.Payload, true
}

// Reset forgets consumed state, typically on session close.
func (r *Reader) Reset() {
	r.mu.Lock()
	r.seen = make(map[string]int64)
	r.mu.Unlock()
}
