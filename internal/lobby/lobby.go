// Package lobby runs the session membership state machine for one local
// device: code generation and join, host privileges, capacity, lock/unlock,
// and target selection. Push notifications from the directory and a polling
// backstop converge on one idempotent refresh, so a missed notification only
// delays convergence by a poll interval.
package lobby

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/couchpad/couchpad/internal/directory"
	"github.com/couchpad/couchpad/internal/input"
	"github.com/couchpad/couchpad/internal/lobbycode"
	"github.com/couchpad/couchpad/internal/metrics"
)

var (
	// ErrNotHost marks a privileged action attempted by a non-host device.
	ErrNotHost = errors.New("device is not the lobby host")

	// ErrLocked rejects joins while the session is locked.
	ErrLocked = errors.New("lobby is locked")

	// ErrInvalidTransition rejects a state-machine action from the wrong
	// state, such as unlocking an open lobby.
	ErrInvalidTransition = errors.New("invalid lobby state transition")

	// ErrClosed is returned by operations on a closed lobby.
	ErrClosed = errors.New("lobby closed")
)

type State string

const (
	StateOpen   State = "open"
	StateLocked State = "locked"
	StateActive State = "active"
	StateClosed State = "closed"
)

func deriveState(sess directory.Session) State {
	switch {
	case len(sess.SelectedTarget) > 0:
		return StateActive
	case sess.IsLocked:
		return StateLocked
	default:
		return StateOpen
	}
}

// Snapshot is a point-in-time view of the lobby as this device sees it.
type Snapshot struct {
	State   State
	Session directory.Session
	Devices []directory.Device
	Self    directory.Device
}

type Config struct {
	Directory directory.Directory

	// Name is the human-readable device name shown to other participants.
	Name string

	// PollInterval is the backstop re-read cadence. Default 2s.
	PollInterval time.Duration

	Metrics *metrics.Metrics

	// Router is the device registry kept in sync with lobby membership.
	// Created internally when nil.
	Router *input.Router

	// OnDevicesChanged fires after membership changes, with the full
	// device list. The peer connection manager uses it to learn who to
	// connect to.
	OnDevicesChanged func(devices []directory.Device)

	// OnStateChanged fires after the lobby state or session fields change.
	OnStateChanged func(snap Snapshot)
}

// Service is one device's view of a lobby.
type Service struct {
	dir          directory.Directory
	metrics      *metrics.Metrics
	router       *input.Router
	pollInterval time.Duration

	onDevicesChanged func(devices []directory.Device)
	onStateChanged   func(snap Snapshot)

	mu      sync.Mutex
	sess    directory.Session
	self    directory.Device
	devices []directory.Device
	closed  bool

	cancelWatch func()
	quit        chan struct{}
	stopOnce    sync.Once
}

const maxCodeAttempts = 5

// Create opens a new lobby as the console device.
func Create(ctx context.Context, cfg Config) (*Service, error) {
	return create(ctx, cfg, "")
}

func create(ctx context.Context, cfg Config, code string) (*Service, error) {
	s, err := newService(cfg)
	if err != nil {
		return nil, err
	}

	var sess directory.Session
	for attempt := 0; ; attempt++ {
		c := code
		if c == "" {
			if c, err = lobbycode.Generate(); err != nil {
				return nil, fmt.Errorf("generating lobby code: %w", err)
			}
		}
		sess, err = s.dir.CreateSession(ctx, c)
		if err == nil {
			break
		}
		if code == "" && errors.Is(err, directory.ErrCodeInUse) && attempt < maxCodeAttempts {
			continue
		}
		return nil, fmt.Errorf("creating session: %w", err)
	}

	self, err := s.dir.CreateDevice(ctx, sess.ID, cfg.Name, directory.RoleConsole, false)
	if err != nil {
		return nil, fmt.Errorf("registering console device: %w", err)
	}
	s.start(sess, self)
	slog.Info("lobby created", "code", sess.Code, "session_id", sess.ID)
	return s, nil
}

// Join enters an existing lobby as a phone device. The first accepted phone
// becomes the host.
func Join(ctx context.Context, cfg Config, code string) (*Service, error) {
	s, err := newService(cfg)
	if err != nil {
		return nil, err
	}

	code = lobbycode.Normalize(code)
	if !lobbycode.Valid(code) {
		return nil, directory.ErrSessionNotFound
	}
	sess, err := s.dir.GetSessionByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if sess.IsLocked {
		return nil, ErrLocked
	}

	devices, err := s.dir.ListDevices(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	isHost := true
	for _, d := range devices {
		if d.Role == directory.RolePhone {
			isHost = false
			break
		}
	}

	self, err := s.dir.CreateDevice(ctx, sess.ID, cfg.Name, directory.RolePhone, isHost)
	if errors.Is(err, directory.ErrHostExists) {
		// Another phone won the host race between our read and write.
		self, err = s.dir.CreateDevice(ctx, sess.ID, cfg.Name, directory.RolePhone, false)
	}
	if err != nil {
		if errors.Is(err, directory.ErrCapacityExceeded) {
			s.metrics.Inc(metrics.DropReasonCapacityExceeded)
		}
		return nil, err
	}
	s.start(sess, self)
	slog.Info("joined lobby",
		"code", sess.Code, "device_id", self.ID, "is_host", self.IsHost)
	return s, nil
}

func newService(cfg Config) (*Service, error) {
	if cfg.Directory == nil {
		return nil, fmt.Errorf("lobby: directory is required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Router == nil {
		cfg.Router = input.NewRouter(cfg.Metrics)
	}
	return &Service{
		dir:              cfg.Directory,
		metrics:          cfg.Metrics,
		router:           cfg.Router,
		pollInterval:     cfg.PollInterval,
		onDevicesChanged: cfg.OnDevicesChanged,
		onStateChanged:   cfg.OnStateChanged,
		quit:             make(chan struct{}),
	}, nil
}

func (s *Service) start(sess directory.Session, self directory.Device) {
	s.sess = sess
	s.self = self
	if s.router.TouchFunc == nil {
		s.router.TouchFunc = func(deviceID string) {
			if err := s.dir.TouchDevice(context.Background(), deviceID); err != nil {
				slog.Warn("heartbeat touch failed", "device_id", deviceID, "err", err)
			}
		}
	}

	events, cancel := s.dir.WatchSession(sess.ID)
	s.cancelWatch = cancel
	go s.watch(events)

	// Seed membership before any event arrives.
	if err := s.Refresh(context.Background()); err != nil {
		slog.Warn("initial lobby refresh failed", "err", err)
	}
}

func (s *Service) watch(events <-chan directory.SessionEvent) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.quit:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.apply(ev.Session, ev.Devices)
		case <-ticker.C:
			if err := s.Refresh(context.Background()); err != nil {
				slog.Warn("lobby poll refresh failed", "err", err)
			}
		}
	}
}

// Refresh re-reads session and membership from the directory and applies
// them. Safe to invoke redundantly from any trigger.
func (s *Service) Refresh(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	sessID := s.sess.ID
	s.mu.Unlock()

	sess, err := s.dir.GetSession(ctx, sessID)
	if err != nil {
		return fmt.Errorf("refreshing session: %w", err)
	}
	devices, err := s.dir.ListDevices(ctx, sessID)
	if err != nil {
		return fmt.Errorf("refreshing devices: %w", err)
	}
	s.apply(sess, devices)
	return nil
}

// apply is the single convergence point for both the push feed and the poll
// backstop.
func (s *Service) apply(sess directory.Session, devices []directory.Device) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	prevState := deriveState(s.sess)
	prevSess := s.sess
	membershipChanged := !sameMembership(s.devices, devices)
	s.sess = sess
	s.devices = devices
	for _, d := range devices {
		if d.ID == s.self.ID {
			s.self = d
		}
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if membershipChanged {
		s.syncRegistry(devices)
		if s.onDevicesChanged != nil {
			s.onDevicesChanged(devices)
		}
	}
	if s.onStateChanged != nil &&
		(snap.State != prevState || sessionChanged(prevSess, sess) || membershipChanged) {
		s.onStateChanged(snap)
	}
}

func (s *Service) syncRegistry(devices []directory.Device) {
	current := make(map[string]struct{}, len(devices))
	for _, d := range devices {
		current[d.ID] = struct{}{}
		s.router.Register(d.ID, d.Name, d.Role)
	}
	for _, d := range s.router.Devices() {
		if _, ok := current[d.ID]; !ok {
			s.router.Unregister(d.ID)
		}
	}
}

func sameMembership(a, b []directory.Device) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].Name != b[i].Name || a[i].IsHost != b[i].IsHost {
			return false
		}
	}
	return true
}

func sessionChanged(a, b directory.Session) bool {
	return a.IsLocked != b.IsLocked || string(a.SelectedTarget) != string(b.SelectedTarget)
}

// Lock freezes membership. Host only, and only while open.
func (s *Service) Lock(ctx context.Context, deviceID string) error {
	if err := s.requireHost(deviceID); err != nil {
		return err
	}
	if err := s.requireState(StateOpen); err != nil {
		return err
	}
	if err := s.dir.SetLocked(ctx, s.sessionID(), true); err != nil {
		return fmt.Errorf("locking session: %w", err)
	}
	return s.Refresh(ctx)
}

// Unlock reopens membership. Host only, and only while locked.
func (s *Service) Unlock(ctx context.Context, deviceID string) error {
	if err := s.requireHost(deviceID); err != nil {
		return err
	}
	if err := s.requireState(StateLocked); err != nil {
		return err
	}
	if err := s.dir.SetLocked(ctx, s.sessionID(), false); err != nil {
		return fmt.Errorf("unlocking session: %w", err)
	}
	return s.Refresh(ctx)
}

// SelectTarget records the chosen target payload. Any participant, while
// locked.
func (s *Service) SelectTarget(ctx context.Context, deviceID string, payload json.RawMessage) error {
	if err := s.requireParticipant(deviceID); err != nil {
		return err
	}
	if err := s.requireState(StateLocked); err != nil {
		return err
	}
	if err := s.dir.SetSelectedTarget(ctx, s.sessionID(), payload); err != nil {
		return fmt.Errorf("selecting target: %w", err)
	}
	return s.Refresh(ctx)
}

// ClearTarget drops the selection and returns to locked.
func (s *Service) ClearTarget(ctx context.Context, deviceID string) error {
	if err := s.requireParticipant(deviceID); err != nil {
		return err
	}
	if err := s.requireState(StateActive); err != nil {
		return err
	}
	if err := s.dir.SetSelectedTarget(ctx, s.sessionID(), nil); err != nil {
		return fmt.Errorf("clearing target: %w", err)
	}
	return s.Refresh(ctx)
}

// Heartbeat refreshes a device's last-seen marker.
func (s *Service) Heartbeat(ctx context.Context, deviceID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()
	return s.dir.TouchDevice(ctx, deviceID)
}

// Close leaves the lobby, removes the local device row, and empties the
// registry. Terminal; the service is unusable afterwards.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	self := s.self
	s.mu.Unlock()

	s.stopOnce.Do(func() {
		close(s.quit)
		if s.cancelWatch != nil {
			s.cancelWatch()
		}
	})
	s.router.UnregisterAll()

	if err := s.dir.RemoveDevice(context.Background(), self.ID); err != nil &&
		!errors.Is(err, directory.ErrDeviceNotFound) {
		return fmt.Errorf("removing device: %w", err)
	}
	slog.Info("left lobby", "device_id", self.ID)
	return nil
}

// Snapshot returns the current view of the lobby.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Service) snapshotLocked() Snapshot {
	state := deriveState(s.sess)
	if s.closed {
		state = StateClosed
	}
	devices := make([]directory.Device, len(s.devices))
	copy(devices, s.devices)
	return Snapshot{State: state, Session: s.sess, Devices: devices, Self: s.self}
}

// Router exposes the device registry shared with the input router.
func (s *Service) Router() *input.Router { return s.router }

// Self returns the local device row as of the latest refresh.
func (s *Service) Self() directory.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

func (s *Service) sessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess.ID
}

func (s *Service) requireHost(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, d := range s.devices {
		if d.ID == deviceID {
			if d.Role == directory.RolePhone && d.IsHost {
				return nil
			}
			return ErrNotHost
		}
	}
	return directory.ErrDeviceNotFound
}

func (s *Service) requireParticipant(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, d := range s.devices {
		if d.ID == deviceID {
			return nil
		}
	}
	return directory.ErrDeviceNotFound
}

func (s *Service) requireState(want State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if got := deriveState(s.sess); got != want {
		return fmt.Errorf("%w: %s, need %s", ErrInvalidTransition, got, want)
	}
	return nil
}
