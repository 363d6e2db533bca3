package scheduler

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/sidecharge/orchestrator/internal/identity"
	"github.com/sidecharge/orchestrator/internal/store"
)

type fakeDownlink struct {
	sent [][]byte
}

func (f *fakeDownlink) Send(shortID string, payload []byte) error {
	f.sent = append(f.sent, payload)
	return nil
}

func newTestDB(t *testing.T) *store.DB {
	t.Helper()
	f, err := os.CreateTemp("", "sidecharge-sched-*.db")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	path := f.Name()
	f.Close()
	t.Cleanup(func() { os.Remove(path) })

	db, err := store.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	const shortID = "SC-TESTTEST"
	if err := db.InsertDevice(&identity.Device{
		ShortID: shortID, TransportUUID: "uuid", Status: identity.StatusActive,
		LastSeen: time.Now(), CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("InsertDevice: %v", err)
	}
	if err := db.EnsureDeviceState(shortID); err != nil {
		t.Fatalf("EnsureDeviceState: %v", err)
	}
	return db
}

func noSignalCarbon() *CarbonClient {
	return NewCarbonClient(CarbonConfig{})
}

func TestTickOnPeakEmitsDelayWindow(t *testing.T) {
	db := newTestDB(t)
	dl := &fakeDownlink{}
	sched := New(db, noSignalCarbon(), dl, Config{})
	sched.now = func() time.Time {
		return time.Date(2026, 2, 16, 18, 0, 0, 0, MountainTime) // Monday, on-peak
	}

	if err := sched.Tick(context.Background(), "SC-TESTTEST", false); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(dl.sent) != 1 {
		t.Fatalf("sent %d downlinks, want 1", len(dl.sent))
	}
	if len(dl.sent[0]) != 10 {
		t.Errorf("downlink length = %d, want 10", len(dl.sent[0]))
	}

	state, _, _ := db.GetDeviceState("SC-TESTTEST")
	if state.Scheduler.LastCommand != "delay_window" {
		t.Errorf("last command = %q, want delay_window", state.Scheduler.LastCommand)
	}
}

func TestHeartbeatDedupSuppressesSecondTick(t *testing.T) {
	db := newTestDB(t)
	dl := &fakeDownlink{}
	sched := New(db, noSignalCarbon(), dl, Config{})
	fixedNow := time.Date(2026, 2, 16, 18, 0, 0, 0, MountainTime)
	sched.now = func() time.Time { return fixedNow }

	ctx := context.Background()
	if err := sched.Tick(ctx, "SC-TESTTEST", false); err != nil {
		t.Fatalf("first tick: %v", err)
	}
	if err := sched.Tick(ctx, "SC-TESTTEST", false); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if len(dl.sent) != 1 {
		t.Fatalf("sent %d downlinks across two identical ticks, want 1", len(dl.sent))
	}
}

func TestOffPeakWithPriorWindowSendsAllow(t *testing.T) {
	db := newTestDB(t)
	dl := &fakeDownlink{}
	sched := New(db, noSignalCarbon(), dl, Config{})

	onPeak := time.Date(2026, 2, 16, 18, 0, 0, 0, MountainTime)
	sched.now = func() time.Time { return onPeak }
	if err := sched.Tick(context.Background(), "SC-TESTTEST", false); err != nil {
		t.Fatalf("on-peak tick: %v", err)
	}

	offPeak := time.Date(2026, 2, 16, 22, 0, 0, 0, MountainTime)
	sched.now = func() time.Time { return offPeak }
	if err := sched.Tick(context.Background(), "SC-TESTTEST", false); err != nil {
		t.Fatalf("off-peak tick: %v", err)
	}

	if len(dl.sent) != 2 {
		t.Fatalf("sent %d downlinks, want 2", len(dl.sent))
	}
	want := []byte{0x10, 0x01, 0x00, 0x00}
	last := dl.sent[1]
	for i, b := range want {
		if last[i] != b {
			t.Fatalf("allow downlink = % x, want % x", last, want)
		}
	}
}

func TestChargeNowOverrideSuppressesOnPeakPause(t *testing.T) {
	db := newTestDB(t)
	dl := &fakeDownlink{}
	sched := New(db, noSignalCarbon(), dl, Config{})

	now := time.Date(2026, 2, 16, 18, 0, 0, 0, MountainTime)
	sched.now = func() time.Time { return now }
	if err := db.SetChargeNowOverride("SC-TESTTEST", now.Add(time.Hour).Unix()); err != nil {
		t.Fatalf("SetChargeNowOverride: %v", err)
	}

	if err := sched.Tick(context.Background(), "SC-TESTTEST", false); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(dl.sent) != 0 {
		t.Fatalf("sent %d downlinks, want 0", len(dl.sent))
	}
	state, _, _ := db.GetDeviceState("SC-TESTTEST")
	if state.Scheduler.LastCommand != "charge_now_optout" {
		t.Errorf("last command = %q, want charge_now_optout", state.Scheduler.LastCommand)
	}
}
