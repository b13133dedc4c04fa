package lobby

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/couchpad/couchpad/internal/directory"
)

const testPollInterval = 50 * time.Millisecond

func newTestDir(t *testing.T) *directory.Memory {
	t.Helper()
	dir := directory.NewMemory()
	t.Cleanup(func() { dir.Close() })
	return dir
}

func createConsole(t *testing.T, dir directory.Directory, code string) *Service {
	t.Helper()
	s, err := create(context.Background(), Config{
		Directory:    dir,
		Name:         "console",
		PollInterval: testPollInterval,
	}, code)
	if err != nil {
		t.Fatalf("create console: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func joinPhone(t *testing.T, dir directory.Directory, code, name string) *Service {
	t.Helper()
	s, err := Join(context.Background(), Config{
		Directory:    dir,
		Name:         name,
		PollInterval: testPollInterval,
	}, code)
	if err != nil {
		t.Fatalf("join %s: %v", name, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func TestCreateJoinLockFlow(t *testing.T) {
	dir := newTestDir(t)
	console := createConsole(t, dir, "AB23C9")
	if console.Snapshot().Session.Code != "AB23C9" {
		t.Fatalf("code = %q", console.Snapshot().Session.Code)
	}

	alice := joinPhone(t, dir, "AB23C9", "Alice")
	if !alice.Self().IsHost {
		t.Fatal("first phone must be host")
	}
	bob := joinPhone(t, dir, "AB23C9", "Bob")
	if bob.Self().IsHost {
		t.Fatal("second phone must not be host")
	}

	if err := alice.Lock(context.Background(), alice.Self().ID); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	// Every participant observes the transition within a poll interval
	// even without the push notification.
	for _, s := range []*Service{console, alice, bob} {
		waitFor(t, "locked state", func() bool {
			return s.Snapshot().State == StateLocked
		})
	}
}

// mutePushDir suppresses the session push feed so only the poll backstop
// can drive convergence.
type mutePushDir struct {
	directory.Directory
}

func (d mutePushDir) WatchSession(sessionID string) (<-chan directory.SessionEvent, func()) {
	ch := make(chan directory.SessionEvent)
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }
}

func TestLockConvergesByPollWhenPushIsDropped(t *testing.T) {
	dir := newTestDir(t)
	mute := mutePushDir{Directory: dir}
	console := createConsole(t, mute, "AB23C9")
	alice := joinPhone(t, mute, "AB23C9", "Alice")
	bob := joinPhone(t, mute, "AB23C9", "Bob")

	if err := alice.Lock(context.Background(), alice.Self().ID); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	// With no push feed, the poll ticker alone must surface the lock.
	deadline := time.Now().Add(3 * testPollInterval)
	for _, s := range []*Service{console, bob} {
		for s.Snapshot().State != StateLocked {
			if time.Now().After(deadline) {
				t.Fatalf("state = %v, poll backstop never converged", s.Snapshot().State)
			}
			time.Sleep(time.Millisecond)
		}
	}
}

func TestJoinRejections(t *testing.T) {
	dir := newTestDir(t)
	createConsole(t, dir, "AB23C9")

	if _, err := Join(context.Background(), Config{Directory: dir, Name: "x"}, "ZZZZZZ"); !errors.Is(err, directory.ErrSessionNotFound) {
		t.Fatalf("unknown code: %v", err)
	}
	if _, err := Join(context.Background(), Config{Directory: dir, Name: "x"}, "bad code"); !errors.Is(err, directory.ErrSessionNotFound) {
		t.Fatalf("invalid code: %v", err)
	}

	alice := joinPhone(t, dir, "AB23C9", "Alice")
	if err := alice.Lock(context.Background(), alice.Self().ID); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if _, err := Join(context.Background(), Config{Directory: dir, Name: "late"}, "AB23C9"); !errors.Is(err, ErrLocked) {
		t.Fatalf("locked join: %v", err)
	}
}

func TestJoinCapacity(t *testing.T) {
	dir := newTestDir(t)
	console := createConsole(t, dir, "AB23C9")

	for i := 0; i < directory.MaxPhoneDevices; i++ {
		joinPhone(t, dir, "AB23C9", fmt.Sprintf("phone%d", i))
	}
	if _, err := Join(context.Background(), Config{Directory: dir, Name: "extra"}, "AB23C9"); !errors.Is(err, directory.ErrCapacityExceeded) {
		t.Fatalf("fifth join: %v", err)
	}

	devices, err := dir.ListDevices(context.Background(), console.Snapshot().Session.ID)
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	phones := 0
	for _, d := range devices {
		if d.Role == directory.RolePhone {
			phones++
		}
	}
	if phones != directory.MaxPhoneDevices {
		t.Fatalf("phone count = %d", phones)
	}
}

func TestNonHostCannotUnlock(t *testing.T) {
	dir := newTestDir(t)
	createConsole(t, dir, "AB23C9")
	alice := joinPhone(t, dir, "AB23C9", "Alice")
	bob := joinPhone(t, dir, "AB23C9", "Bob")

	if err := alice.Lock(context.Background(), alice.Self().ID); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	waitFor(t, "bob sees locked", func() bool {
		return bob.Snapshot().State == StateLocked
	})

	if err := bob.Unlock(context.Background(), bob.Self().ID); !errors.Is(err, ErrNotHost) {
		t.Fatalf("Unlock by non-host: %v", err)
	}
	sess, err := dir.GetSession(context.Background(), bob.Snapshot().Session.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if !sess.IsLocked {
		t.Fatal("session unlocked by non-host")
	}
}

func TestStateTransitionGuards(t *testing.T) {
	dir := newTestDir(t)
	createConsole(t, dir, "AB23C9")
	alice := joinPhone(t, dir, "AB23C9", "Alice")
	ctx := context.Background()
	id := alice.Self().ID

	if err := alice.Unlock(ctx, id); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("unlock while open: %v", err)
	}
	if err := alice.SelectTarget(ctx, id, []byte(`{"slot":1}`)); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("select while open: %v", err)
	}

	if err := alice.Lock(ctx, id); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if err := alice.Lock(ctx, id); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("double lock: %v", err)
	}

	if err := alice.SelectTarget(ctx, id, []byte(`{"slot":1}`)); err != nil {
		t.Fatalf("SelectTarget: %v", err)
	}
	if got := alice.Snapshot().State; got != StateActive {
		t.Fatalf("state after select = %q", got)
	}
	if err := alice.SelectTarget(ctx, id, []byte(`{"slot":2}`)); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("select while active: %v", err)
	}

	if err := alice.ClearTarget(ctx, id); err != nil {
		t.Fatalf("ClearTarget: %v", err)
	}
	if got := alice.Snapshot().State; got != StateLocked {
		t.Fatalf("state after clear = %q", got)
	}
	if err := alice.Unlock(ctx, id); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if got := alice.Snapshot().State; got != StateOpen {
		t.Fatalf("state after unlock = %q", got)
	}
}

func TestRegistryFollowsMembership(t *testing.T) {
	dir := newTestDir(t)
	console := createConsole(t, dir, "AB23C9")
	alice := joinPhone(t, dir, "AB23C9", "Alice")
	aliceID := alice.Self().ID

	waitFor(t, "alice in console registry", func() bool {
		dev, ok := console.Router().Lookup(aliceID)
		return ok && dev.Name == "Alice" && dev.Role == directory.RolePhone
	})

	if err := alice.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	waitFor(t, "alice removed from console registry", func() bool {
		_, ok := console.Router().Lookup(aliceID)
		return !ok
	})
}

func TestDevicesChangedCallback(t *testing.T) {
	dir := newTestDir(t)
	seen := make(chan int, 16)
	s, err := create(context.Background(), Config{
		Directory:    dir,
		Name:         "console",
		PollInterval: testPollInterval,
		OnDevicesChanged: func(devices []directory.Device) {
			seen <- len(devices)
		},
	}, "AB23C9")
	if err != nil {
		t.Fatalf("create console: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	joinPhone(t, dir, "AB23C9", "Alice")
	waitFor(t, "membership callback with two devices", func() bool {
		select {
		case n := <-seen:
			return n == 2
		default:
			return false
		}
	})
}

func TestHeartbeatRefreshesLastSeen(t *testing.T) {
	dir := newTestDir(t)
	createConsole(t, dir, "AB23C9")
	alice := joinPhone(t, dir, "AB23C9", "Alice")
	ctx := context.Background()

	before := alice.Self().LastSeen
	time.Sleep(2 * time.Millisecond)
	if err := alice.Heartbeat(ctx, alice.Self().ID); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	devices, err := dir.ListDevices(ctx, alice.Snapshot().Session.ID)
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	for _, d := range devices {
		if d.ID == alice.Self().ID {
			if !d.LastSeen.After(before) {
				t.Fatalf("lastSeen not refreshed: %v then %v", before, d.LastSeen)
			}
			return
		}
	}
	t.Fatal("alice not found")
}

func TestCloseIsTerminal(t *testing.T) {
	dir := newTestDir(t)
	createConsole(t, dir, "AB23C9")
	alice := joinPhone(t, dir, "AB23C9", "Alice")
	id := alice.Self().ID

	if err := alice.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := alice.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if got := alice.Snapshot().State; got != StateClosed {
		t.Fatalf("state after close = %q", got)
	}
	if err := alice.Lock(context.Background(), id); !errors.Is(err, ErrClosed) {
		t.Fatalf("Lock after close: %v", err)
	}
}
