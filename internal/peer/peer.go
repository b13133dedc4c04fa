// Package peer establishes and supervises direct data channels to remote
// devices. One Manager instance runs per local device; it owns a connection
// state machine per target device id and drives offer/answer/candidate
// exchange over a signaling relay.
//
// All per-link state is mutated by a single dispatch goroutine draining a
// typed event queue. Callbacks from the WebRTC stack, inbound signals, and
// retry timers all enter through that queue, so transitions are processed
// strictly in arrival order and the link structs need no locking.
package peer

import (
	"errors"
	"time"
)

var (
	// ErrConnectionTimeout is returned by Connect while a target sits in
	// terminal failure with its attempt budget exhausted and the cooldown
	// still running. Once the cooldown elapses, Connect revives the link.
	ErrConnectionTimeout = errors.New("peer connection attempts exhausted")

	// ErrChannelNotOpen is returned by Send when no open data channel
	// exists for the target.
	ErrChannelNotOpen = errors.New("data channel not open")

	// ErrTransportUnavailable means neither the direct channel nor the
	// fallback path can carry a payload. The manager itself never returns
	// it; callers that drive both paths use it as the combined failure.
	ErrTransportUnavailable = errors.New("no transport available")

	// ErrManagerClosed is returned by operations on a closed Manager.
	ErrManagerClosed = errors.New("peer manager closed")
)

type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseConnecting Phase = "connecting"
	PhaseConnected  Phase = "connected"
	PhaseFailed     Phase = "failed"
	PhaseClosed     Phase = "closed"
)

type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// LinkSnapshot is a point-in-time view of one target's connection state,
// taken on the dispatch goroutine.
type LinkSnapshot struct {
	TargetID           string
	Role               Role
	Phase              Phase
	AttemptCount       int
	LastAttemptAt      time.Time
	BufferedCandidates int
}

// BroadcastResult reports how a broadcast payload was (or was not) carried
// per target.
type BroadcastResult struct {
	// Direct lists targets whose open data channel accepted the payload.
	Direct []string
	// NeedsFallback lists targets without a usable channel; the caller is
	// expected to hand these to the fallback transport.
	NeedsFallback []string
}
