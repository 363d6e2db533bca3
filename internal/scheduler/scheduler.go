// Package scheduler implements the demand-response control loop: a
// periodic per-device tick that decides a charging window from the TOU
// calendar and the grid-carbon signal, emits at-most-once delay-window
// commands with heartbeat resends, and honors a device-requested
// charge-now override.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/sidecharge/orchestrator/internal/protocol"
	sidechargeerrors "github.com/sidecharge/orchestrator/internal/sidecharge/errors"
	"github.com/sidecharge/orchestrator/internal/store"
)

const (
	// MOERThresholdDefault is the default "grid is dirty" percentile.
	MOERThresholdDefault = 75.0
	// HeartbeatInterval bounds how often an unchanged delay-window is
	// re-sent to a device that may have missed it.
	HeartbeatInterval = 30 * time.Minute
	// DivergenceResendWindow is how far past now a pause extends when the
	// carbon signal is high (the window end is the later of this and the
	// TOU-peak end when both apply).
	DivergenceResendWindow = 30 * time.Minute
)

// Downlink sends a built downlink frame to a device over the gateway
// transport.
type Downlink interface {
	Send(shortID string, payload []byte) error
}

// Config configures a Scheduler.
type Config struct {
	MOERThreshold float64
}

// Scheduler runs the per-device demand-response decision.
type Scheduler struct {
	db       *store.DB
	carbon   *CarbonClient
	downlink Downlink
	cfg      Config
	now      func() time.Time

	onCommand func(shortID string, intent store.SchedulerIntent)
}

// New constructs a Scheduler.
func New(db *store.DB, carbon *CarbonClient, downlink Downlink, cfg Config) *Scheduler {
	if cfg.MOERThreshold == 0 {
		cfg.MOERThreshold = MOERThresholdDefault
	}
	return &Scheduler{db: db, carbon: carbon, downlink: downlink, cfg: cfg, now: time.Now}
}

// SetCommandCallback registers an observer fired every time Tick commits a
// scheduler intent, for the orchestration layer to write the
// charge_scheduler_command event row.
func (s *Scheduler) SetCommandCallback(cb func(shortID string, intent store.SchedulerIntent)) {
	s.onCommand = cb
}

func (s *Scheduler) commit(shortID string, intent store.SchedulerIntent) error {
	if err := s.db.UpdateSchedulerIntent(shortID, intent); err != nil {
		return err
	}
	if s.onCommand != nil {
		s.onCommand(shortID, intent)
	}
	return nil
}

// Tick runs one scheduler decision for a device. forceResend bypasses the
// heartbeat dedup gate (used by divergence re-invocation and the
// out-of-band {force_resend: true} trigger).
func (s *Scheduler) Tick(ctx context.Context, shortID string, forceResend bool) error {
	state, found, err := s.db.GetDeviceState(shortID)
	if err != nil {
		return sidechargeerrors.New(sidechargeerrors.Dependency, "scheduler.tick", err)
	}
	if !found {
		return fmt.Errorf("scheduler: no state for device %s", shortID)
	}

	now := s.now()
	nowSC := protocol.ToDeviceEpoch(now.Unix())
	touPeak := IsTOUPeak(now)

	moerPercent, moerOK := s.carbon.MOERPercent(ctx)
	moerHigh := moerOK && moerPercent > s.cfg.MOERThreshold
	shouldPause := touPeak || moerHigh

	reason := decisionReason(touPeak, moerHigh)

	// Charge-now guard.
	if shouldPause && state.ChargeNowOverrideUntil > now.Unix() {
		intent := state.Scheduler
		intent.LastCommand = "charge_now_optout"
		intent.Reason = reason
		intent.TOUPeak = touPeak
		if moerOK {
			intent.MoerPercent = &moerPercent
		}
		return s.commit(shortID, intent)
	}

	switch {
	case !shouldPause && state.Scheduler.LastCommand == "delay_window":
		if err := s.downlink.Send(shortID, protocol.BuildChargeAllow(true)); err != nil {
			return fmt.Errorf("scheduler: send allow: %w", err)
		}
		return s.commit(shortID, SchedulerIntentOffPeak("allow", reason, touPeak, moerOK, moerPercent))

	case !shouldPause:
		return s.commit(shortID, SchedulerIntentOffPeak("off_peak", reason, touPeak, moerOK, moerPercent))

	default:
		endSC := nowSC
		if touPeak {
			touEndSC := protocol.ToDeviceEpoch(PeakEndUnix(now))
			if touEndSC > endSC {
				endSC = touEndSC
			}
		}
		if moerHigh {
			moerEndSC := protocol.ToDeviceEpoch(now.Add(DivergenceResendWindow).Unix())
			if moerEndSC > endSC {
				endSC = moerEndSC
			}
		}

		suppressed := !forceResend &&
			state.Scheduler.LastCommand == "delay_window" &&
			state.Scheduler.WindowEndSC == endSC &&
			now.Unix()-state.Scheduler.SentUnix < int64(HeartbeatInterval.Seconds())

		intent := store.SchedulerIntent{
			LastCommand:   "delay_window",
			WindowStartSC: nowSC,
			WindowEndSC:   endSC,
			SentUnix:      state.Scheduler.SentUnix,
			Reason:        reason,
			TOUPeak:       touPeak,
		}
		if moerOK {
			intent.MoerPercent = &moerPercent
		}

		if !suppressed {
			if err := s.downlink.Send(shortID, protocol.BuildDelayWindow(nowSC, endSC)); err != nil {
				return fmt.Errorf("scheduler: send delay window: %w", err)
			}
			intent.SentUnix = now.Unix()
		}
		return s.commit(shortID, intent)
	}
}

func decisionReason(touPeak, moerHigh bool) string {
	switch {
	case touPeak && moerHigh:
		return "tou_peak+moer_high"
	case touPeak:
		return "tou_peak"
	case moerHigh:
		return "moer_high"
	default:
		return "off_peak"
	}
}

// SchedulerIntentOffPeak builds the intent record for the "allow" and
// "off_peak" branches, which never carry a window.
func SchedulerIntentOffPeak(command, reason string, touPeak, moerOK bool, moerPercent float64) store.SchedulerIntent {
	intent := store.SchedulerIntent{
		LastCommand: command,
		Reason:      reason,
		TOUPeak:     touPeak,
	}
	if moerOK {
		intent.MoerPercent = &moerPercent
	}
	return intent
}
