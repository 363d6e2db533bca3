package store

import (
	"os"
	"testing"
	"time"

	"github.com/sidecharge/orchestrator/internal/identity"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	f, err := os.CreateTemp("", "sidecharge-test-*.db")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	path := f.Name()
	f.Close()
	t.Cleanup(func() { os.Remove(path) })

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDeviceRoundTrip(t *testing.T) {
	db := openTestDB(t)
	now := time.Now().UTC()

	d := &identity.Device{
		ShortID:       "SC-DEADBEEF",
		TransportUUID: "00000000-0000-0000-0000-000000000001",
		Status:        identity.StatusActive,
		LastSeen:      now,
		CreatedAt:     now,
	}
	if err := db.InsertDevice(d); err != nil {
		t.Fatalf("InsertDevice: %v", err)
	}

	got, found, err := db.GetDevice(d.ShortID)
	if err != nil || !found {
		t.Fatalf("GetDevice: found=%v err=%v", found, err)
	}
	if got.TransportUUID != d.TransportUUID {
		t.Errorf("transport uuid = %q, want %q", got.TransportUUID, d.TransportUUID)
	}

	ver := uint16(5)
	if err := db.UpdateLastSeen(d.ShortID, now.Add(time.Minute), &ver); err != nil {
		t.Fatalf("UpdateLastSeen: %v", err)
	}
	got2, _, _ := db.GetDevice(d.ShortID)
	if got2.AppBuildVersion != 5 {
		t.Errorf("app build version = %d, want 5", got2.AppBuildVersion)
	}
}

func TestDeviceStateOTASessionLifecycle(t *testing.T) {
	db := openTestDB(t)
	shortID := "SC-AAAAAAAA"
	if err := db.EnsureDeviceState(shortID); err != nil {
		t.Fatalf("EnsureDeviceState: %v", err)
	}

	session := OTASession{
		SessionID: "11111111-1111-1111-1111-111111111111",
		Bucket: "fw", Key: "app-v2.bin", Size: 1000, CRC32: 0xAABBCCDD,
		TotalChunks: 67, ChunkSize: 15, Version: 2, Status: "starting",
		DeltaChunks: []int{5, 10}, StartedAt: 100, UpdatedAt: 100,
	}
	if err := db.SaveOTASession(shortID, session); err != nil {
		t.Fatalf("SaveOTASession: %v", err)
	}

	state, found, err := db.GetDeviceState(shortID)
	if err != nil || !found {
		t.Fatalf("GetDeviceState: found=%v err=%v", found, err)
	}
	if !state.OTA.Active {
		t.Errorf("expected OTA session active")
	}
	if state.OTA.SessionID != session.SessionID {
		t.Errorf("session id = %q, want %q", state.OTA.SessionID, session.SessionID)
	}
	if len(state.OTA.DeltaChunks) != 2 || state.OTA.DeltaChunks[1] != 10 {
		t.Errorf("delta chunks = %v, want [5 10]", state.OTA.DeltaChunks)
	}

	if err := db.ClearOTASession(shortID); err != nil {
		t.Fatalf("ClearOTASession: %v", err)
	}
	state2, _, _ := db.GetDeviceState(shortID)
	if state2.OTA.Active {
		t.Errorf("expected OTA session cleared")
	}
}

func TestSortKeyFormat(t *testing.T) {
	unixMS := time.Date(2026, 2, 21, 21, 30, 0, 123_000_000, time.UTC).UnixMilli()
	sk := SortKey(unixMS)
	if len(sk) != len("2026-02-21 14:30:00.123") {
		t.Errorf("unexpected sort key length: %q", sk)
	}
}
