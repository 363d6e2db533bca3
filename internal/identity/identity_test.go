package identity

import (
	"testing"
	"time"
)

type fakeRegistry struct {
	byShortID map[string]*Device
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{byShortID: make(map[string]*Device)}
}

func (f *fakeRegistry) GetDevice(shortID string) (*Device, bool, error) {
	d, ok := f.byShortID[shortID]
	return d, ok, nil
}

func (f *fakeRegistry) InsertDevice(d *Device) error {
	f.byShortID[d.ShortID] = d
	return nil
}

func (f *fakeRegistry) UpdateLastSeen(shortID string, seenAt time.Time, appBuildVersion *uint16) error {
	d := f.byShortID[shortID]
	d.LastSeen = seenAt
	if appBuildVersion != nil {
		d.AppBuildVersion = *appBuildVersion
	}
	return nil
}

func TestShortIDDeterministic(t *testing.T) {
	a := ShortID("00000000-0000-0000-0000-000000000001")
	b := ShortID("00000000-0000-0000-0000-000000000001")
	if a != b {
		t.Fatalf("ShortID not deterministic: %q != %q", a, b)
	}
	if len(a) != len("SC-XXXXXXXX") {
		t.Fatalf("unexpected ShortID length: %q", a)
	}
}

func TestGetOrCreateProvisionsOnce(t *testing.T) {
	reg := newFakeRegistry()
	now := time.Now()

	d1, err := GetOrCreate(reg, "uuid-1", "net-1", now)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if d1.Status != StatusActive {
		t.Errorf("status = %q, want active", d1.Status)
	}

	d2, err := GetOrCreate(reg, "uuid-1", "net-1", now.Add(time.Hour))
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if d2.CreatedAt != d1.CreatedAt {
		t.Errorf("second call re-provisioned the device")
	}
}

func TestTouchLastSeenPreservesOtherFields(t *testing.T) {
	reg := newFakeRegistry()
	now := time.Now()
	d, _ := GetOrCreate(reg, "uuid-2", "net-1", now)

	ver := uint16(3)
	if err := TouchLastSeen(reg, d.ShortID, now.Add(time.Hour), &ver); err != nil {
		t.Fatalf("TouchLastSeen: %v", err)
	}
	if reg.byShortID[d.ShortID].AppBuildVersion != 3 {
		t.Errorf("app build version not updated")
	}
	if reg.byShortID[d.ShortID].NetworkID != "net-1" {
		t.Errorf("network id clobbered by partial update")
	}
}
