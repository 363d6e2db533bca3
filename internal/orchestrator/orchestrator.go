// Package orchestrator is the glue layer wiring the core components
// together: it resolves device identity on every uplink, dispatches
// decoded payloads to the state store / scheduler / OTA engine, writes the
// discoverable event-log rows every state transition requires, and runs
// the periodic triggers (scheduler tick, OTA retry timer, object-store
// poll). Grounded on the shape of
// internal/engine/engine.go's Start/Stop/handleUplink orchestration in the
// teacher repo, generalized from agricultural valve control to EV-charger
// demand response.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/sidecharge/orchestrator/internal/cmdauth"
	"github.com/sidecharge/orchestrator/internal/gateway"
	"github.com/sidecharge/orchestrator/internal/identity"
	"github.com/sidecharge/orchestrator/internal/objectstore"
	"github.com/sidecharge/orchestrator/internal/ota"
	"github.com/sidecharge/orchestrator/internal/protocol"
	"github.com/sidecharge/orchestrator/internal/scheduler"
	"github.com/sidecharge/orchestrator/internal/store"
)

// Publisher is the dashboard/control-plane surface (internal/cloudlink
// implements this); every method is best-effort and never blocks uplink
// processing on delivery.
type Publisher interface {
	PublishDeviceEvent(deviceShortID, eventType, payload string) error
	PublishOTALifecycle(deviceShortID, status string, retries, restarts int) error
	PublishDivergenceAlert(deviceShortID string, retryCount int) error
}

// Orchestrator wires the codec, identity, state store, scheduler and OTA
// engine into one uplink/trigger dispatcher.
type Orchestrator struct {
	db        *store.DB
	gw        *gateway.Gateway
	sched     *scheduler.Scheduler
	otaMgr    *ota.Manager
	images    *objectstore.Store
	bucket    string
	cmdAuthKey []byte
	publisher Publisher
	log       *log.Logger
	now       func() time.Time

	otaPollSince time.Time
}

// New constructs an Orchestrator. cmdAuthKey may be nil to disable
// command-auth tagging.
func New(db *store.DB, gw *gateway.Gateway, sched *scheduler.Scheduler, otaMgr *ota.Manager, images *objectstore.Store, bucket string, cmdAuthKey []byte, publisher Publisher, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.Default()
	}
	o := &Orchestrator{
		db: db, gw: gw, sched: sched, otaMgr: otaMgr, images: images, bucket: bucket,
		cmdAuthKey: cmdAuthKey, publisher: publisher, log: logger, now: time.Now,
	}

	sched.SetCommandCallback(o.onSchedulerCommand)
	otaMgr.SetLifecycleCallbacks(o.onOTAStart, o.onOTAComplete, o.onOTAAbort)
	gw.SetReceiveCallback(o.handleUplinkCallback)

	return o
}

// Downlink adapts the gateway's transport-UUID addressing to the short-ID
// addressing the scheduler and OTA engine use, and appends the command-auth
// tag whenever it's configured.
type Downlink struct {
	db  *store.DB
	gw  *gateway.Gateway
	key []byte
}

// NewDownlink constructs the shared downlink adapter passed to both the
// Scheduler and the OTA Manager.
func NewDownlink(db *store.DB, gw *gateway.Gateway, cmdAuthKey []byte) *Downlink {
	return &Downlink{db: db, gw: gw, key: cmdAuthKey}
}

// Send implements both scheduler.Downlink and ota.Downlink.
func (d *Downlink) Send(shortID string, payload []byte) error {
	dev, err := d.resolveDevice(shortID)
	if err != nil {
		return err
	}

	out := payload
	if len(d.key) == cmdauth.KeySize {
		tagged, err := cmdauth.Append(d.key, payload)
		if err != nil {
			return fmt.Errorf("downlink: sign: %w", err)
		}
		out = tagged
	}
	if len(out) > protocol.MaxDownlinkBytes {
		return fmt.Errorf("downlink: payload %d bytes exceeds %d B MTU", len(out), protocol.MaxDownlinkBytes)
	}
	return d.gw.Send(dev.TransportUUID, out)
}

func (d *Downlink) resolveDevice(shortID string) (*identity.Device, error) {
	dev, found, err := d.db.GetDevice(shortID)
	if err != nil {
		return nil, fmt.Errorf("downlink: lookup device %s: %w", shortID, err)
	}
	if !found {
		return nil, fmt.Errorf("downlink: unknown device %s", shortID)
	}
	return dev, nil
}

func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func (o *Orchestrator) insertEvent(shortID, eventType string, deviceSourced bool, payload any, at time.Time) {
	p := marshalJSON(payload)
	if err := o.db.InsertEvent(store.Event{
		DeviceShortID: shortID,
		SortKey:       store.SortKey(at.UnixMilli()),
		EventType:     eventType,
		DeviceSourced: deviceSourced,
		Payload:       p,
	}, at); err != nil {
		o.log.Printf("orchestrator: insert event %s/%s failed: %v", shortID, eventType, err)
		return
	}
	if o.publisher != nil {
		if err := o.publisher.PublishDeviceEvent(shortID, eventType, p); err != nil {
			o.log.Printf("orchestrator: publish event failed: %v", err)
		}
	}
}

func (o *Orchestrator) onSchedulerCommand(shortID string, intent store.SchedulerIntent) {
	o.insertEvent(shortID, "charge_scheduler_command", false, map[string]any{
		"command":      intent.LastCommand,
		"reason":       intent.Reason,
		"tou_peak":     intent.TOUPeak,
		"moer_percent": intent.MoerPercent,
	}, o.now())
}

func (o *Orchestrator) onOTAStart(shortID string, session store.OTASession) {
	o.insertEvent(shortID, "ota_start", false, map[string]any{
		"session_id": session.SessionID,
		"bucket": session.Bucket, "key": session.Key, "size": session.Size,
		"total_chunks": session.TotalChunks, "delta_mode": len(session.DeltaChunks) > 0,
		"version": session.Version,
	}, o.now())
	if o.publisher != nil {
		o.publisher.PublishOTALifecycle(shortID, "starting", 0, 0)
	}
}

func (o *Orchestrator) onOTAComplete(shortID string, success bool) {
	o.insertEvent(shortID, "ota_complete", true, map[string]any{"success": success}, o.now())
	if o.publisher != nil {
		status := "complete"
		if !success {
			status = "complete_failed"
		}
		o.publisher.PublishOTALifecycle(shortID, status, 0, 0)
	}
}

func (o *Orchestrator) onOTAAbort(shortID, reason string) {
	o.insertEvent(shortID, "ota_aborted", false, map[string]any{"reason": reason}, o.now())
	if o.publisher != nil {
		o.publisher.PublishOTALifecycle(shortID, "aborted:"+reason, 0, 0)
	}
}

func (o *Orchestrator) handleUplinkCallback(up gateway.Uplink) {
	if err := o.HandleUplink(context.Background(), up); err != nil {
		o.log.Printf("orchestrator: handle uplink from %s: %v", up.TransportUUID, err)
	}
}

// HandleUplink resolves device identity, decodes the payload, persists the
// event row, updates state, and (for telemetry) runs the closed-loop
// convergence reaction — the full data-flow path: uplink byte string ->
// codec -> identity -> state store writes + triggers -> scheduler
// divergence check -> OTA engine ack handling.
func (o *Orchestrator) HandleUplink(ctx context.Context, up gateway.Uplink) error {
	now := o.now()

	dev, err := identity.GetOrCreate(o.db, up.TransportUUID, "", now)
	if err != nil {
		return fmt.Errorf("orchestrator: get-or-create device: %w", err)
	}
	if err := o.db.EnsureDeviceState(dev.ShortID); err != nil {
		return fmt.Errorf("orchestrator: ensure device state: %w", err)
	}

	decoded := protocol.DecodePayload(up.Payload)

	var appBuild *uint16
	switch decoded.Kind {
	case protocol.KindTelemetry:
		if decoded.Telemetry.HasBuildVersions {
			v := uint16(decoded.Telemetry.AppBuildVersion)
			appBuild = &v
		}
	}
	if err := identity.TouchLastSeen(o.db, dev.ShortID, now, appBuild); err != nil {
		return fmt.Errorf("orchestrator: touch last seen: %w", err)
	}

	switch decoded.Kind {
	case protocol.KindTelemetry:
		return o.handleTelemetry(ctx, dev.ShortID, decoded.Telemetry, up, now)
	case protocol.KindDiagnostics:
		return o.handleDiagnostics(dev.ShortID, decoded.Diagnostics, now)
	case protocol.KindOTAAck:
		o.insertEvent(dev.ShortID, "ota_uplink", true, map[string]any{
			"subtype": "ack", "status": protocol.OTAStatusName(decoded.OTAAck.Status),
			"next_chunk": decoded.OTAAck.NextChunk, "chunks_received": decoded.OTAAck.ChunksReceived,
		}, now)
		return o.otaMgr.HandleAck(dev.ShortID, decoded.OTAAck)
	case protocol.KindOTAComplete:
		o.insertEvent(dev.ShortID, "ota_uplink", true, map[string]any{
			"subtype": "complete", "result": protocol.OTAStatusName(decoded.OTAComplete.Result),
			"crc32_calc": decoded.OTAComplete.CRC32Calc,
		}, now)
		return o.otaMgr.HandleComplete(dev.ShortID, decoded.OTAComplete)
	case protocol.KindOTAStatus:
		o.insertEvent(dev.ShortID, "ota_uplink", true, map[string]any{
			"subtype": "status", "phase": decoded.OTAStatus.Phase,
			"chunks_received": decoded.OTAStatus.ChunksReceived, "total_chunks": decoded.OTAStatus.TotalChunks,
		}, now)
		return nil
	case protocol.KindLegacy:
		o.insertEvent(dev.ShortID, "evse_telemetry", false, map[string]any{
			"legacy": true, "state": decoded.Legacy.State, "pilot_mv": decoded.Legacy.PilotMV,
			"current_ma": decoded.Legacy.CurrentMA,
		}, now)
		return nil
	default:
		o.insertEvent(dev.ShortID, "unknown", false, map[string]any{
			"raw_hex": fmt.Sprintf("%x", up.Payload),
		}, now)
		return nil
	}
}

func (o *Orchestrator) handleTelemetry(ctx context.Context, shortID string, ev *protocol.TelemetryEvent, up gateway.Uplink, now time.Time) error {
	// Sort key derives from device epoch when present and synced, else from
	// cloud receive time, so the timestamp source is always knowable.
	deviceSourced := ev.HasDeviceEpoch && ev.DeviceEpochSec > 0
	effective := now
	if deviceSourced {
		effective = time.Unix(protocol.FromDeviceEpoch(ev.DeviceEpochSec), 0)
	}

	if err := o.db.InsertEvent(store.Event{
		DeviceShortID: shortID,
		SortKey:       store.SortKey(effective.UnixMilli()),
		EventType:     "evse_telemetry",
		DeviceSourced: deviceSourced,
		Payload: marshalJSON(map[string]any{
			"state": ev.State, "pilot_mv": ev.PilotMV, "current_ma": ev.CurrentMA,
			"charge_allowed": ev.ChargeAllowed, "charge_now": ev.ChargeNow,
			"fault_sensor": ev.FaultSensor, "fault_clamp": ev.FaultClamp,
			"fault_interlock": ev.FaultInterlock, "fault_selftest": ev.FaultSelftest,
			"device_epoch": ev.DeviceEpochSec, "transition_reason": ev.TransitionReason,
		}),
	}, now); err != nil {
		return fmt.Errorf("orchestrator: insert telemetry event: %w", err)
	}

	if err := o.db.UpdateTelemetrySnapshot(shortID, int(ev.StateCode), int(ev.PilotMV), int(ev.CurrentMA), ev.ChargeAllowed, ev.ChargeNow); err != nil {
		return fmt.Errorf("orchestrator: update telemetry snapshot: %w", err)
	}

	if err := o.sched.OnTelemetry(ctx, shortID, ev, now); err != nil {
		return fmt.Errorf("orchestrator: convergence: %w", err)
	}
	return nil
}

func (o *Orchestrator) handleDiagnostics(shortID string, ev *protocol.DiagnosticsEvent, now time.Time) error {
	return o.db.InsertEvent(store.Event{
		DeviceShortID: shortID,
		SortKey:       store.SortKey(now.UnixMilli()),
		EventType:     "device_diagnostics",
		DeviceSourced: false,
		Payload: marshalJSON(map[string]any{
			"app_version": ev.AppVersion, "uptime_s": ev.UptimeSec, "boot_count": ev.BootCount,
			"last_error": ev.LastError, "charging_active": ev.ChargingActive,
			"relay_closed": ev.RelayClosed, "gfci_tripped": ev.GFCITripped,
			"overtemp": ev.Overtemp, "ota_pending": ev.OTAPending,
			"time_synced": ev.TimeSynced, "fault_latched": ev.FaultLatched,
			"event_buffer_pending": ev.EventBufferPending,
		}),
	}, now)
}

// RunSchedulerTick invokes the scheduler for every active device — the
// ≈5 min periodic trigger.
func (o *Orchestrator) RunSchedulerTick(ctx context.Context) error {
	devices, err := o.db.AllActiveDevices()
	if err != nil {
		return fmt.Errorf("orchestrator: list active devices: %w", err)
	}
	for _, d := range devices {
		if err := o.sched.Tick(ctx, d.ShortID, false); err != nil {
			o.log.Printf("orchestrator: scheduler tick failed for %s: %v", d.ShortID, err)
		}
	}
	return nil
}

// RunOTARetryTick invokes the OTA engine's stale-session retry sweep — the
// ≈60 s periodic trigger.
func (o *Orchestrator) RunOTARetryTick(ctx context.Context) error {
	return o.otaMgr.CheckTimeouts(ctx)
}

// PollNewFirmware checks the configured bucket for newly staged firmware
// objects and kicks off an OTA session per active device — standing in for
// an object-store create event, polled locally since internal/objectstore
// has no native event stream.
func (o *Orchestrator) PollNewFirmware(ctx context.Context) error {
	images, err := o.images.PollNew(o.bucket, o.otaPollSince)
	if err != nil {
		return fmt.Errorf("orchestrator: poll firmware: %w", err)
	}
	if len(images) == 0 {
		return nil
	}
	o.otaPollSince = o.now()

	devices, err := o.db.AllActiveDevices()
	if err != nil {
		return fmt.Errorf("orchestrator: list active devices: %w", err)
	}
	for _, img := range images {
		for _, d := range devices {
			if err := o.otaMgr.HandleNewImage(d.ShortID, img.Bucket, img.Key, img.Meta.Version); err != nil {
				o.log.Printf("orchestrator: start OTA for %s failed: %v", d.ShortID, err)
			}
		}
	}
	return nil
}

// ForceResend re-invokes the scheduler out-of-band for one device, bypassing
// the heartbeat dedup gate.
func (o *Orchestrator) ForceResend(ctx context.Context, shortID string) error {
	return o.sched.Tick(ctx, shortID, true)
}
