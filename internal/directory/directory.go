// Package directory is the adapter for the durable session/device store.
//
// The store is consumed only through the Directory interface: session and
// device CRUD, the two single-field session updates (lock flag, selected
// target), the latest-input fallback field, signal append, and best-effort
// change feeds. Cross-device invariants (one console per session, at most
// one host phone, phone capacity) are enforced at the write point so that
// concurrent joiners from separate processes cannot both slip through a
// stale read.
package directory

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

type Role string

const (
	RoleConsole Role = "console"
	RolePhone   Role = "phone"
)

// MaxPhoneDevices is the default phone capacity per session. Both
// implementations accept an override via SetCapacity.
const MaxPhoneDevices = 4

type Session struct {
	ID             string
	Code           string
	IsLocked       bool
	SelectedTarget json.RawMessage // nil when no target is selected
	LatestInput    json.RawMessage // fallback transport field, last write wins
	CreatedAt      time.Time
}

type Device struct {
	ID        string
	SessionID string
	Name      string
	Role      Role
	IsHost    bool
	JoinedAt  time.Time
	LastSeen  time.Time
}

// SignalRecord is an addressed, append-only signaling message as stored by
// the relay. Payload is opaque to the directory.
type SignalRecord struct {
	SessionID  string
	SenderID   string
	ReceiverID string
	Kind       string
	Payload    json.RawMessage
	CreatedAt  time.Time
}

// SessionEvent is pushed on a session watch whenever the session row or its
// device membership changes. Delivery is best effort; consumers pair the
// feed with a polling backstop.
type SessionEvent struct {
	Session Session
	Devices []Device
}

type Directory interface {
	CreateSession(ctx context.Context, code string) (Session, error)
	GetSessionByCode(ctx context.Context, code string) (Session, error)
	GetSession(ctx context.Context, id string) (Session, error)

	CreateDevice(ctx context.Context, sessionID, name string, role Role, isHost bool) (Device, error)
	ListDevices(ctx context.Context, sessionID string) ([]Device, error)
	RemoveDevice(ctx context.Context, deviceID string) error
	TouchDevice(ctx context.Context, deviceID string) error

	SetLocked(ctx context.Context, sessionID string, locked bool) error
	SetSelectedTarget(ctx context.Context, sessionID string, payload json.RawMessage) error
	SetLatestInput(ctx context.Context, sessionID string, payload json.RawMessage) error

	AppendSignal(ctx context.Context, rec SignalRecord) error

	// WatchSession subscribes to change events for a session. The returned
	// cancel func releases the subscription; the channel is closed after
	// cancel or directory Close.
	WatchSession(sessionID string) (<-chan SessionEvent, func())

	// WatchSignals subscribes to signal delivery for a receiver device.
	// Signals already appended for the receiver are replayed in append order
	// before live pushes (at-least-once delivery).
	WatchSignals(receiverDeviceID string) (<-chan SignalRecord, func())

	Close() error
}

func sortDevicesByJoin(devs []Device) {
	sort.Slice(devs, func(i, j int) bool {
		if devs[i].JoinedAt.Equal(devs[j].JoinedAt) {
			return devs[i].ID < devs[j].ID
		}
		return devs[i].JoinedAt.Before(devs[j].JoinedAt)
	})
}

func newID() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}
