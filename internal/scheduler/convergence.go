// convergence.go implements the closed-loop logic that compares
// device-reported state against scheduler intent, the charge-now override
// guard's write side, device time-sync, and interlock-transition logging.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/sidecharge/orchestrator/internal/protocol"
	"github.com/sidecharge/orchestrator/internal/store"
)

const (
	// DivergenceGrace is how long after sending a command the scheduler
	// waits before comparing device-reported state against intent.
	DivergenceGrace = 60 * time.Second
	// MaxDivergenceRetries bounds how many times divergence re-invokes the
	// scheduler before giving up.
	MaxDivergenceRetries = 3
	// TimeSyncStaleAfter forces a re-sync once a device's last sync is
	// this old.
	TimeSyncStaleAfter = 24 * time.Hour
	// ChargeNowOverrideOffPeak is how long an off-peak charge-now request
	// suppresses the scheduler.
	ChargeNowOverrideOffPeak = 4 * time.Hour
)

// OnTelemetry runs the full closed-loop reaction to one telemetry uplink:
// divergence check (with bounded scheduler re-invocation), charge-now
// override write, time-sync, and interlock-transition logging. Call this
// after the event row has been persisted.
func (s *Scheduler) OnTelemetry(ctx context.Context, shortID string, ev *protocol.TelemetryEvent, now time.Time) error {
	state, found, err := s.db.GetDeviceState(shortID)
	if err != nil {
		return fmt.Errorf("convergence: read state: %w", err)
	}
	if !found {
		return fmt.Errorf("convergence: no state for device %s", shortID)
	}

	if ev.HasChargeState {
		if err := s.checkDivergence(ctx, shortID, state, ev, now); err != nil {
			return err
		}
		if ev.ChargeNow {
			if err := s.writeChargeNowOverride(shortID, now); err != nil {
				return err
			}
		}
	}

	if err := s.maybeTimeSync(shortID, state, ev, now); err != nil {
		return err
	}

	if ev.HasTransitionReason && ev.TransitionReason != "none" {
		if err := s.logInterlockTransition(shortID, ev, now); err != nil {
			return err
		}
	}

	return nil
}

func (s *Scheduler) checkDivergence(ctx context.Context, shortID string, state *store.DeviceState, ev *protocol.TelemetryEvent, now time.Time) error {
	cmd := state.Scheduler.LastCommand
	if cmd != "delay_window" && cmd != "allow" {
		return nil
	}
	if now.Unix()-state.Scheduler.SentUnix < int64(DivergenceGrace.Seconds()) {
		return nil
	}

	expected := cmd == "allow" // allow <-> charge_allowed=true, delay_window <-> false
	if ev.ChargeAllowed == expected {
		if state.Divergence.RetryCount > 0 {
			return s.db.UpdateDivergence(shortID, store.DivergenceTracker{})
		}
		return nil
	}

	tracker := state.Divergence
	tracker.RetryCount++
	tracker.LastUnix = now.Unix()
	tracker.SchedulerCmd = cmd
	tracker.DeviceAllowed = ev.ChargeAllowed

	if err := s.db.UpdateDivergence(shortID, tracker); err != nil {
		return err
	}
	if tracker.RetryCount > MaxDivergenceRetries {
		return nil // exhausted; logged via the tracker row itself
	}
	return s.Tick(ctx, shortID, true)
}

func (s *Scheduler) writeChargeNowOverride(shortID string, now time.Time) error {
	var until time.Time
	if IsTOUPeak(now) {
		until = time.Unix(PeakEndUnix(now), 0)
	} else {
		until = now.Add(ChargeNowOverrideOffPeak)
	}
	return s.db.SetChargeNowOverride(shortID, until.Unix())
}

func (s *Scheduler) maybeTimeSync(shortID string, state *store.DeviceState, ev *protocol.TelemetryEvent, now time.Time) error {
	stale := state.TimeSync.LastSyncUnix == 0 ||
		now.Unix()-state.TimeSync.LastSyncUnix > int64(TimeSyncStaleAfter.Seconds())
	unsynced := !ev.HasDeviceEpoch || ev.DeviceEpochSec == 0

	if !stale && !unsynced {
		return nil
	}

	epochSC := protocol.ToDeviceEpoch(now.Unix())
	if err := s.downlink.Send(shortID, protocol.BuildTimeSync(epochSC, epochSC)); err != nil {
		return fmt.Errorf("convergence: send time sync: %w", err)
	}
	return s.db.UpdateTimeSync(shortID, store.TimeSyncState{LastSyncUnix: now.Unix(), LastSyncEpoch: epochSC})
}

func (s *Scheduler) logInterlockTransition(shortID string, ev *protocol.TelemetryEvent, now time.Time) error {
	// Same effective time as the telemetry row: device epoch when synced,
	// else cloud receive time.
	deviceSourced := ev.HasDeviceEpoch && ev.DeviceEpochSec > 0
	effective := now
	if deviceSourced {
		effective = time.Unix(protocol.FromDeviceEpoch(ev.DeviceEpochSec), 0)
	}
	effectiveMS := effective.UnixMilli() + 1 // +1 ms jitter to avoid sort-key collision
	payload := fmt.Sprintf(`{"charge_allowed":%v,"reason":%q}`, ev.ChargeAllowed, ev.TransitionReason)
	return s.db.InsertEvent(store.Event{
		DeviceShortID: shortID,
		SortKey:       store.SortKey(effectiveMS),
		EventType:     "interlock_transition",
		DeviceSourced: deviceSourced,
		Payload:       payload,
	}, now)
}
