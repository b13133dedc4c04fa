package directory

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/couchpad/couchpad/internal/metrics"
)

func TestMemory_SessionCodeUniqueAmongLiveSessions(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if _, err := m.CreateSession(ctx, "AB23C9"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := m.CreateSession(ctx, "AB23C9"); !errors.Is(err, ErrCodeInUse) {
		t.Fatalf("CreateSession duplicate code err=%v, want %v", err, ErrCodeInUse)
	}

	sess, err := m.GetSessionByCode(ctx, "AB23C9")
	if err != nil {
		t.Fatalf("GetSessionByCode: %v", err)
	}
	if len(sess.ID) != 32 {
		t.Fatalf("session id length=%d, want 32", len(sess.ID))
	}

	if _, err := m.GetSessionByCode(ctx, "ZZZZZZ"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("GetSessionByCode missing err=%v, want %v", err, ErrSessionNotFound)
	}
}

func TestMemory_DeviceInvariants(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	sess, err := m.CreateSession(ctx, "AB23C9")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if _, err := m.CreateDevice(ctx, sess.ID, "tv", RoleConsole, false); err != nil {
		t.Fatalf("CreateDevice console: %v", err)
	}
	if _, err := m.CreateDevice(ctx, sess.ID, "tv2", RoleConsole, false); !errors.Is(err, ErrConsoleExists) {
		t.Fatalf("second console err=%v, want %v", err, ErrConsoleExists)
	}

	if _, err := m.CreateDevice(ctx, sess.ID, "alice", RolePhone, true); err != nil {
		t.Fatalf("CreateDevice host phone: %v", err)
	}
	if _, err := m.CreateDevice(ctx, sess.ID, "mallory", RolePhone, true); !errors.Is(err, ErrHostExists) {
		t.Fatalf("second host err=%v, want %v", err, ErrHostExists)
	}

	for _, name := range []string{"bob", "carol", "dave"} {
		if _, err := m.CreateDevice(ctx, sess.ID, name, RolePhone, false); err != nil {
			t.Fatalf("CreateDevice %s: %v", name, err)
		}
	}
	if _, err := m.CreateDevice(ctx, sess.ID, "eve", RolePhone, false); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("fifth phone err=%v, want %v", err, ErrCapacityExceeded)
	}

	devs, err := m.ListDevices(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	var phones int
	for _, d := range devs {
		if d.Role == RolePhone {
			phones++
		}
	}
	if phones != MaxPhoneDevices {
		t.Fatalf("phones=%d, want %d after rejected join", phones, MaxPhoneDevices)
	}
}

func TestMemory_SlowWatcherDropsAreCounted(t *testing.T) {
	m := NewMemory()
	reg := metrics.New()
	m.SetMetrics(reg)
	ctx := context.Background()

	sess, err := m.CreateSession(ctx, "AB23C9")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	// Never drained, so the buffer fills and further pushes drop.
	_, cancel := m.WatchSession(sess.ID)
	defer cancel()

	locked := false
	for i := 0; i < 2*sessionEventBuffer; i++ {
		locked = !locked
		if err := m.SetLocked(ctx, sess.ID, locked); err != nil {
			t.Fatalf("SetLocked #%d: %v", i, err)
		}
	}

	if got := reg.Get(metrics.DropReasonSlowWatcher); got == 0 {
		t.Fatal("slow-watcher drop counter never incremented")
	}
}

func TestMemory_SetCapacityOverridesPhoneLimit(t *testing.T) {
	m := NewMemory()
	m.SetCapacity(1)
	ctx := context.Background()

	sess, err := m.CreateSession(ctx, "AB23C9")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := m.CreateDevice(ctx, sess.ID, "alice", RolePhone, true); err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}
	if _, err := m.CreateDevice(ctx, sess.ID, "bob", RolePhone, false); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("second phone err=%v, want %v", err, ErrCapacityExceeded)
	}
}

func TestMemory_TouchDeviceRefreshesLastSeen(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	now := time.Unix(1000, 0)
	m.SetClock(func() time.Time { return now })

	sess, err := m.CreateSession(ctx, "AB23C9")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	dev, err := m.CreateDevice(ctx, sess.ID, "alice", RolePhone, true)
	if err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}

	now = now.Add(30 * time.Second)
	if err := m.TouchDevice(ctx, dev.ID); err != nil {
		t.Fatalf("TouchDevice: %v", err)
	}

	devs, err := m.ListDevices(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if got := devs[0].LastSeen; !got.Equal(now) {
		t.Fatalf("LastSeen=%v, want %v", got, now)
	}

	if err := m.TouchDevice(ctx, "missing"); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("TouchDevice missing err=%v, want %v", err, ErrDeviceNotFound)
	}
}

func TestMemory_LatestInputLastWriteWins(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	sess, err := m.CreateSession(ctx, "AB23C9")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := m.SetLatestInput(ctx, sess.ID, json.RawMessage(`{"key":"left"}`)); err != nil {
		t.Fatalf("SetLatestInput: %v", err)
	}
	if err := m.SetLatestInput(ctx, sess.ID, json.RawMessage(`{"key":"right"}`)); err != nil {
		t.Fatalf("SetLatestInput: %v", err)
	}

	got, err := m.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if string(got.LatestInput) != `{"key":"right"}` {
		t.Fatalf("LatestInput=%s, want second write only", got.LatestInput)
	}
}

func TestMemory_WatchSessionDeliversMembershipAndLockChanges(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	sess, err := m.CreateSession(ctx, "AB23C9")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	ch, cancel := m.WatchSession(sess.ID)
	defer cancel()

	if _, err := m.CreateDevice(ctx, sess.ID, "alice", RolePhone, true); err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}
	ev := <-ch
	if len(ev.Devices) != 1 || ev.Devices[0].Name != "alice" {
		t.Fatalf("event devices=%v, want [alice]", ev.Devices)
	}

	if err := m.SetLocked(ctx, sess.ID, true); err != nil {
		t.Fatalf("SetLocked: %v", err)
	}
	ev = <-ch
	if !ev.Session.IsLocked {
		t.Fatalf("event session not locked after SetLocked")
	}

	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("watch channel still open after cancel")
	}
}

func TestMemory_WatchSignalsReplaysBacklogInOrder(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for _, kind := range []string{"offer", "candidate", "candidate"} {
		err := m.AppendSignal(ctx, SignalRecord{
			SessionID:  "s1",
			SenderID:   "console",
			ReceiverID: "phone",
			Kind:       kind,
			Payload:    json.RawMessage(`{}`),
		})
		if err != nil {
			t.Fatalf("AppendSignal(%s): %v", kind, err)
		}
	}

	ch, cancel := m.WatchSignals("phone")
	defer cancel()

	want := []string{"offer", "candidate", "candidate"}
	for i, kind := range want {
		rec := <-ch
		if rec.Kind != kind {
			t.Fatalf("replay #%d kind=%q, want %q", i, rec.Kind, kind)
		}
	}

	// Live push after replay.
	if err := m.AppendSignal(ctx, SignalRecord{ReceiverID: "phone", Kind: "answer"}); err != nil {
		t.Fatalf("AppendSignal live: %v", err)
	}
	rec := <-ch
	if rec.Kind != "answer" {
		t.Fatalf("live kind=%q, want answer", rec.Kind)
	}
}
