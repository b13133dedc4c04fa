package signaling

import (
	"context"
	"errors"
	"fmt"

	"github.com/couchpad/couchpad/internal/directory"
	"github.com/couchpad/couchpad/internal/metrics"
)

// ErrSignalingFailure wraps relay publish/parse failures. Callers that only
// care whether signaling worked match on this; the wrapped error carries the
// detail.
var ErrSignalingFailure = errors.New("signaling failure")

// Relay carries addressed signaling messages between devices with ordered,
// at-least-once delivery per receiver.
type Relay interface {
	Publish(ctx context.Context, msg Message) error

	// Subscribe returns the stream of messages addressed to a receiver and a
	// cancel func. Messages published before subscribing are replayed first,
	// in publish order.
	Subscribe(receiverDeviceID string) (<-chan Message, func())
}

// DirectoryRelay is the store-and-forward Relay over the session directory:
// Publish appends a signal row, Subscribe follows the per-receiver feed.
type DirectoryRelay struct {
	dir     directory.Directory
	metrics *metrics.Metrics
}

func NewDirectoryRelay(dir directory.Directory, m *metrics.Metrics) *DirectoryRelay {
	if m == nil {
		m = metrics.New()
	}
	return &DirectoryRelay{dir: dir, metrics: m}
}

func (r *DirectoryRelay) Publish(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		r.metrics.Inc(metrics.SignalPublishFailure)
		return fmt.Errorf("%w: %v", ErrSignalingFailure, err)
	}
	payload, err := msg.Payload()
	if err != nil {
		r.metrics.Inc(metrics.SignalPublishFailure)
		return fmt.Errorf("%w: %v", ErrSignalingFailure, err)
	}

	err = r.dir.AppendSignal(ctx, directory.SignalRecord{
		SessionID:  msg.SessionID,
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
		Kind:       string(msg.Kind),
		Payload:    payload,
	})
	if err != nil {
		r.metrics.Inc(metrics.SignalPublishFailure)
		return fmt.Errorf("%w: %v", ErrSignalingFailure, err)
	}
	r.metrics.Inc(metrics.SignalPublished)
	return nil
}

func (r *DirectoryRelay) Subscribe(receiverDeviceID string) (<-chan Message, func()) {
	recs, cancel := r.dir.WatchSignals(receiverDeviceID)
	out := make(chan Message, cap(recs))
	go func() {
		defer close(out)
		for rec := range recs {
			msg := Message{
				SessionID:  rec.SessionID,
				SenderID:   rec.SenderID,
				ReceiverID: rec.ReceiverID,
				Kind:       Kind(rec.Kind),
				Timestamp:  rec.CreatedAt.UnixMilli(),
			}
			if err := msg.FromPayload(rec.Payload); err != nil {
				// A corrupt stored payload is unrecoverable; skip it rather
				// than wedging the feed.
				r.metrics.Inc(metrics.SignalPublishFailure)
				continue
			}
			out <- msg
		}
	}()
	return out, cancel
}
