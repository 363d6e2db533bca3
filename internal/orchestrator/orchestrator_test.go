package orchestrator

import (
	"context"
	"encoding/binary"
	"log"
	"os"
	"testing"
	"time"

	"github.com/sidecharge/orchestrator/internal/gateway"
	"github.com/sidecharge/orchestrator/internal/identity"
	"github.com/sidecharge/orchestrator/internal/objectstore"
	"github.com/sidecharge/orchestrator/internal/ota"
	"github.com/sidecharge/orchestrator/internal/protocol"
	"github.com/sidecharge/orchestrator/internal/scheduler"
	"github.com/sidecharge/orchestrator/internal/store"
)

type recordingDownlink struct {
	sent [][]byte
}

func (r *recordingDownlink) Send(shortID string, payload []byte) error {
	r.sent = append(r.sent, payload)
	return nil
}

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	f, err := os.CreateTemp("", "sidecharge-orch-test-*.db")
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
	return db
}

// newTestOrchestrator wires the Orchestrator directly (bypassing New, which
// requires a live *gateway.Gateway) so unit tests can supply a
// recordingDownlink in place of the radio transport.
func newTestOrchestrator(t *testing.T) (*Orchestrator, *store.DB, *recordingDownlink) {
	t.Helper()
	db := openTestDB(t)
	dl := &recordingDownlink{}

	sched := scheduler.New(db, scheduler.NewCarbonClient(scheduler.CarbonConfig{}), dl, scheduler.Config{})
	images, err := objectstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("objectstore.New: %v", err)
	}
	otaMgr := ota.New(db, images, dl)

	o := &Orchestrator{
		db: db, sched: sched, otaMgr: otaMgr, images: images, bucket: "fleet",
		log: log.New(os.Stderr, "", 0), now: time.Now,
	}
	sched.SetCommandCallback(o.onSchedulerCommand)
	otaMgr.SetLifecycleCallbacks(o.onOTAStart, o.onOTAComplete, o.onOTAAbort)
	return o, db, dl
}

// buildTelemetryFrame constructs a v0x07 evse_telemetry uplink frame by
// hand, mirroring the firmware's wire layout (protocol.DecodeTelemetry).
func buildTelemetryFrame(state uint8, pilotMV, currentMA uint16, chargeAllowed bool, deviceEpoch uint32) []byte {
	b := make([]byte, 12)
	b[0] = protocol.TelemetryMagic
	b[1] = 0x07
	b[2] = state
	binary.LittleEndian.PutUint16(b[3:5], pilotMV)
	binary.LittleEndian.PutUint16(b[5:7], currentMA)
	var flags uint8
	if chargeAllowed {
		flags |= 0x04
	}
	b[7] = flags
	binary.LittleEndian.PutUint32(b[8:12], deviceEpoch)
	return b
}

func TestHandleUplinkTelemetryProvisionsDeviceAndLogsEvent(t *testing.T) {
	o, db, _ := newTestOrchestrator(t)
	ctx := context.Background()

	frame := buildTelemetryFrame(1, 8000, 0, false, protocol.ToDeviceEpoch(time.Now().Unix()))
	up := gateway.Uplink{TransportUUID: "transport-uuid-1", Payload: frame, ReceivedAt: time.Now()}

	if err := o.HandleUplink(ctx, up); err != nil {
		t.Fatalf("HandleUplink: %v", err)
	}

	shortID := identity.ShortID("transport-uuid-1")
	dev, found, err := db.GetDevice(shortID)
	if err != nil || !found {
		t.Fatalf("GetDevice: found=%v err=%v", found, err)
	}
	if dev.TransportUUID != "transport-uuid-1" {
		t.Errorf("transport uuid = %q", dev.TransportUUID)
	}

	events, err := db.EventsForDevice(shortID, "evse_telemetry", 10)
	if err != nil {
		t.Fatalf("EventsForDevice: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 telemetry event, got %d", len(events))
	}

	state, found, err := db.GetDeviceState(shortID)
	if err != nil || !found {
		t.Fatalf("GetDeviceState: found=%v err=%v", found, err)
	}
	if state.LastStateCode != 1 || state.LastPilotMV != 8000 {
		t.Errorf("unexpected snapshot: %+v", state)
	}
}

func TestHandleUplinkUnknownFrameIsLoggedForForensics(t *testing.T) {
	o, db, _ := newTestOrchestrator(t)
	ctx := context.Background()

	up := gateway.Uplink{TransportUUID: "transport-uuid-2", Payload: []byte{0xFF, 0xFF, 0xFF}, ReceivedAt: time.Now()}
	if err := o.HandleUplink(ctx, up); err != nil {
		t.Fatalf("HandleUplink: %v", err)
	}

	shortID := identity.ShortID("transport-uuid-2")
	events, err := db.EventsForDevice(shortID, "unknown", 10)
	if err != nil {
		t.Fatalf("EventsForDevice: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 unknown event, got %d", len(events))
	}
}

func TestRunSchedulerTickSkipsWhenNoActiveDevices(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	if err := o.RunSchedulerTick(context.Background()); err != nil {
		t.Fatalf("RunSchedulerTick with no devices: %v", err)
	}
}
