package directory

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/couchpad/couchpad/internal/metrics"
)

const (
	sessionEventBuffer = 16
	signalBuffer       = 64
)

// Memory is the in-process Directory used by tests and by single-process
// deployments where the relay binary owns the store.
type Memory struct {
	clock    func() time.Time
	capacity int
	metrics  *metrics.Metrics

	mu       sync.Mutex
	closed   bool
	sessions map[string]*Session       // by session id
	byCode   map[string]string         // code -> session id
	devices  map[string]*Device        // by device id
	signals  map[string][]SignalRecord // by receiver device id, append order

	sessionWatchers map[string]map[int]chan SessionEvent
	signalWatchers  map[string]map[int]chan SignalRecord
	nextWatcher     int
}

func NewMemory() *Memory {
	return &Memory{
		clock:           time.Now,
		capacity:        MaxPhoneDevices,
		metrics:         metrics.New(),
		sessions:        make(map[string]*Session),
		byCode:          make(map[string]string),
		devices:         make(map[string]*Device),
		signals:         make(map[string][]SignalRecord),
		sessionWatchers: make(map[string]map[int]chan SessionEvent),
		signalWatchers:  make(map[string]map[int]chan SignalRecord),
	}
}

// SetClock overrides the time source. Tests only.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.clock = now
	m.mu.Unlock()
}

// SetCapacity overrides the per-session phone limit.
func (m *Memory) SetCapacity(n int) {
	m.mu.Lock()
	m.capacity = n
	m.mu.Unlock()
}

// SetMetrics points drop counters at a shared registry instead of the
// private one each Memory starts with.
func (m *Memory) SetMetrics(reg *metrics.Metrics) {
	m.mu.Lock()
	m.metrics = reg
	m.mu.Unlock()
}

func (m *Memory) CreateSession(ctx context.Context, code string) (Session, error) {
	id, err := newID()
	if err != nil {
		return Session{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Session{}, ErrClosed
	}
	if _, ok := m.byCode[code]; ok {
		return Session{}, ErrCodeInUse
	}
	sess := &Session{
		ID:        id,
		Code:      code,
		CreatedAt: m.clock(),
	}
	m.sessions[id] = sess
	m.byCode[code] = id
	return cloneSession(sess), nil
}

func (m *Memory) GetSessionByCode(ctx context.Context, code string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byCode[code]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return cloneSession(m.sessions[id]), nil
}

func (m *Memory) GetSession(ctx context.Context, id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return cloneSession(sess), nil
}

func (m *Memory) CreateDevice(ctx context.Context, sessionID, name string, role Role, isHost bool) (Device, error) {
	id, err := newID()
	if err != nil {
		return Device{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Device{}, ErrClosed
	}
	if _, ok := m.sessions[sessionID]; !ok {
		return Device{}, ErrSessionNotFound
	}

	// Invariant checks happen here, under the same lock as the write
	// (check-then-write must be sequential at the store boundary).
	var phones int
	for _, d := range m.devices {
		if d.SessionID != sessionID {
			continue
		}
		if role == RoleConsole && d.Role == RoleConsole {
			return Device{}, ErrConsoleExists
		}
		if d.Role == RolePhone {
			phones++
			if isHost && d.IsHost {
				return Device{}, ErrHostExists
			}
		}
	}
	if role == RolePhone && phones >= m.capacity {
		return Device{}, ErrCapacityExceeded
	}

	now := m.clock()
	dev := &Device{
		ID:        id,
		SessionID: sessionID,
		Name:      name,
		Role:      role,
		IsHost:    isHost,
		JoinedAt:  now,
		LastSeen:  now,
	}
	m.devices[id] = dev
	m.notifySessionLocked(sessionID)
	return *dev, nil
}

func (m *Memory) ListDevices(ctx context.Context, sessionID string) ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return nil, ErrSessionNotFound
	}
	return m.listDevicesLocked(sessionID), nil
}

func (m *Memory) RemoveDevice(ctx context.Context, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dev, ok := m.devices[deviceID]
	if !ok {
		return ErrDeviceNotFound
	}
	delete(m.devices, deviceID)
	delete(m.signals, deviceID)
	m.notifySessionLocked(dev.SessionID)
	return nil
}

func (m *Memory) TouchDevice(ctx context.Context, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dev, ok := m.devices[deviceID]
	if !ok {
		return ErrDeviceNotFound
	}
	dev.LastSeen = m.clock()
	return nil
}

func (m *Memory) SetLocked(ctx context.Context, sessionID string, locked bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	sess.IsLocked = locked
	m.notifySessionLocked(sessionID)
	return nil
}

func (m *Memory) SetSelectedTarget(ctx context.Context, sessionID string, payload json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	sess.SelectedTarget = append(json.RawMessage(nil), payload...)
	if payload == nil {
		sess.SelectedTarget = nil
	}
	m.notifySessionLocked(sessionID)
	return nil
}

func (m *Memory) SetLatestInput(ctx context.Context, sessionID string, payload json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	// Last write wins: the previous value is overwritten whether or not
	// anyone consumed it.
	sess.LatestInput = append(json.RawMessage(nil), payload...)
	m.notifySessionLocked(sessionID)
	return nil
}

func (m *Memory) AppendSignal(ctx context.Context, rec SignalRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.clock()
	}
	m.signals[rec.ReceiverID] = append(m.signals[rec.ReceiverID], rec)
	for _, ch := range m.signalWatchers[rec.ReceiverID] {
		select {
		case ch <- rec:
		default:
			m.metrics.Inc(metrics.DropReasonSlowWatcher)
			slog.Warn("dropping signal push on slow watcher",
				"receiver_id", rec.ReceiverID,
				"kind", rec.Kind,
			)
		}
	}
	return nil
}

func (m *Memory) WatchSession(sessionID string) (<-chan SessionEvent, func()) {
	ch := make(chan SessionEvent, sessionEventBuffer)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := m.nextWatcher
	m.nextWatcher++
	if m.sessionWatchers[sessionID] == nil {
		m.sessionWatchers[sessionID] = make(map[int]chan SessionEvent)
	}
	m.sessionWatchers[sessionID][id] = ch
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if set, ok := m.sessionWatchers[sessionID]; ok {
			if _, ok := set[id]; ok {
				delete(set, id)
				close(ch)
			}
		}
	}
	return ch, cancel
}

func (m *Memory) WatchSignals(receiverDeviceID string) (<-chan SignalRecord, func()) {
	m.mu.Lock()
	backlog := append([]SignalRecord(nil), m.signals[receiverDeviceID]...)
	ch := make(chan SignalRecord, signalBuffer+len(backlog))
	for _, rec := range backlog {
		ch <- rec
	}
	if m.closed {
		m.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := m.nextWatcher
	m.nextWatcher++
	if m.signalWatchers[receiverDeviceID] == nil {
		m.signalWatchers[receiverDeviceID] = make(map[int]chan SignalRecord)
	}
	m.signalWatchers[receiverDeviceID][id] = ch
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if set, ok := m.signalWatchers[receiverDeviceID]; ok {
			if _, ok := set[id]; ok {
				delete(set, id)
				close(ch)
			}
		}
	}
	return ch, cancel
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, set := range m.sessionWatchers {
		for id, ch := range set {
			delete(set, id)
			close(ch)
		}
	}
	for _, set := range m.signalWatchers {
		for id, ch := range set {
			delete(set, id)
			close(ch)
		}
	}
	return nil
}

func (m *Memory) notifySessionLocked(sessionID string) {
	set := m.sessionWatchers[sessionID]
	if len(set) == 0 {
		return
	}
	sess, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	ev := SessionEvent{
		Session: cloneSession(sess),
		Devices: m.listDevicesLocked(sessionID),
	}
	for _, ch := range set {
		select {
		case ch <- ev:
		default:
			// Best effort. The poll backstop re-reads state, so a dropped
			// event only delays convergence.
			m.metrics.Inc(metrics.DropReasonSlowWatcher)
			slog.Warn("dropping session event on slow watcher", "session_id", sessionID)
		}
	}
}

// broadcast pushes a prebuilt event to session watchers without touching the
// in-memory tables. The SQLite adapter uses it to reuse this fan-out for rows
// it owns.
func (m *Memory) broadcast(sess Session, devs []Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := SessionEvent{Session: sess, Devices: devs}
	for _, ch := range m.sessionWatchers[sess.ID] {
		select {
		case ch <- ev:
		default:
			m.metrics.Inc(metrics.DropReasonSlowWatcher)
			slog.Warn("dropping session event on slow watcher", "session_id", sess.ID)
		}
	}
}

// pushSignal notifies signal watchers without appending to the in-memory
// backlog. Durable adapters keep their own backlog.
func (m *Memory) pushSignal(rec SignalRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.signalWatchers[rec.ReceiverID] {
		select {
		case ch <- rec:
		default:
			m.metrics.Inc(metrics.DropReasonSlowWatcher)
			slog.Warn("dropping signal push on slow watcher",
				"receiver_id", rec.ReceiverID,
				"kind", rec.Kind,
			)
		}
	}
}

// watchSignalsLive subscribes to live pushes only, skipping the in-memory
// backlog replay that WatchSignals performs.
func (m *Memory) watchSignalsLive(receiverDeviceID string) (<-chan SignalRecord, func()) {
	ch := make(chan SignalRecord, signalBuffer)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := m.nextWatcher
	m.nextWatcher++
	if m.signalWatchers[receiverDeviceID] == nil {
		m.signalWatchers[receiverDeviceID] = make(map[int]chan SignalRecord)
	}
	m.signalWatchers[receiverDeviceID][id] = ch
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if set, ok := m.signalWatchers[receiverDeviceID]; ok {
			if _, ok := set[id]; ok {
				delete(set, id)
				close(ch)
			}
		}
	}
	return ch, cancel
}

func (m *Memory) listDevicesLocked(sessionID string) []Device {
	var out []Device
	for _, d := range m.devices {
		if d.SessionID == sessionID {
			out = append(out, *d)
		}
	}
	sortDevicesByJoin(out)
	return out
}

func cloneSession(s *Session) Session {
	out := *s
	if s.SelectedTarget != nil {
		out.SelectedTarget = append(json.RawMessage(nil), s.SelectedTarget...)
	}
	if s.LatestInput != nil {
		out.LatestInput = append(json.RawMessage(nil), s.LatestInput...)
	}
	return out
}
