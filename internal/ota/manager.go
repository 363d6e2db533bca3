// Package ota implements the delta OTA engine: a per-device session
// driving a firmware image across a 19 B-MTU link with device-initiated
// ACKs, baseline-comparison delta mode, retries, restart handling and
// end-of-transfer validation. Grounded on AgSys's internal/ota/manager.go
// for the Manager/session-map shape, and on
// original_source/aws/ota_sender_lambda.py for the exact state machine.
package ota

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sidecharge/orchestrator/internal/protocol"
	sidechargeerrors "github.com/sidecharge/orchestrator/internal/sidecharge/errors"
	"github.com/sidecharge/orchestrator/internal/store"
)

const (
	ChunkSize            = protocol.ChunkDataSize
	MaxRetries           = 5
	MaxNoSessionRestarts = 3
	StaleAfter           = 30 * time.Second
)

// ImageStore is the object-store contract the OTA engine needs: a new
// firmware object triggers a session, and a baseline object is consulted
// for delta comparison and replaced on successful COMPLETE.
type ImageStore interface {
	FetchImage(bucket, key string) ([]byte, error)
	FetchBaseline(bucket string) ([]byte, bool, error)
	// PromoteToBaseline replaces bucket's baseline with data — the verified,
	// signature-stripped payload a completed session was chunked from, not
	// necessarily the raw staged object.
	PromoteToBaseline(bucket string, data []byte) error
	// IsSigned reports whether the staged image carries an appended ED25519
	// signature that HandleNewImage must verify before starting a session.
	IsSigned(bucket, key string) bool
}

// Downlink sends a built downlink frame to a device.
type Downlink interface {
	Send(shortID string, payload []byte) error
}

type cacheKey struct{ bucket, key string }

// Manager drives every device's OTA session. It is single-writer per
// device: the decoder-triggered ACK path and the timer-triggered retry
// path both read-modify-write the same durable session row.
type Manager struct {
	db       *store.DB
	images   ImageStore
	downlink Downlink
	now      func() time.Time
	log      *log.Logger

	signingKey ed25519.PublicKey

	mu    sync.Mutex
	cache map[cacheKey][]byte

	onStart    func(shortID string, session store.OTASession)
	onComplete func(shortID string, success bool)
	onAbort    func(shortID, reason string)
}

// New constructs a Manager.
func New(db *store.DB, images ImageStore, downlink Downlink) *Manager {
	return &Manager{db: db, images: images, downlink: downlink, now: time.Now, log: log.Default(), cache: make(map[cacheKey][]byte)}
}

// SetLogger overrides the Manager's logger (used by cmd/sidecharged to tag
// output "[ota] " like every other long-running component).
func (m *Manager) SetLogger(logger *log.Logger) {
	if logger != nil {
		m.log = logger
	}
}

// SetSigningKey configures the public key HandleNewImage verifies signed
// images against. A nil key (the default) leaves signed images unverified
// and delivered to the device with the wire "signed" flag unset.
func (m *Manager) SetSigningKey(pub ed25519.PublicKey) {
	m.signingKey = pub
}

// SetLifecycleCallbacks registers observers for the ota_start/ota_complete/
// ota_aborted event rows; the Manager itself only owns the session state
// machine, the caller owns writing the event log.
func (m *Manager) SetLifecycleCallbacks(
	onStart func(shortID string, session store.OTASession),
	onComplete func(shortID string, success bool),
	onAbort func(shortID, reason string),
) {
	m.onStart, m.onComplete, m.onAbort = onStart, onComplete, onAbort
}

func (m *Manager) firmware(bucket, key string) ([]byte, error) {
	ck := cacheKey{bucket, key}
	m.mu.Lock()
	if b, ok := m.cache[ck]; ok {
		m.mu.Unlock()
		return b, nil
	}
	m.mu.Unlock()

	b, err := m.images.FetchImage(bucket, key)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.cache[ck] = b
	m.mu.Unlock()
	return b, nil
}

// setCachedFirmware overwrites the cached bytes for bucket/key, used after
// HandleNewImage strips a verified image's trailing signature so later
// sendCurrentChunk calls chunk the same payload the session was sized
// against.
func (m *Manager) setCachedFirmware(bucket, key string, b []byte) {
	m.mu.Lock()
	m.cache[cacheKey{bucket, key}] = b
	m.mu.Unlock()
}

// HandleNewImage starts a new OTA session for a device when a firmware
// object is written to the image store. At most one session is active per
// device: a firmware upload that lands while a prior session is still in
// flight aborts that session (sending an ABORT downlink) before the new one
// starts, rather than silently clobbering its session row.
func (m *Manager) HandleNewImage(shortID, bucket, key string, version uint32) error {
	state, found, err := m.db.GetDeviceState(shortID)
	if err != nil {
		return sidechargeerrors.New(sidechargeerrors.Dependency, "ota.handle_new_image", err)
	}
	if found && state.OTA.Active {
		m.log.Printf("ota: %s has an active session (status=%s) for %s/%s; aborting it for new image %s/%s",
			shortID, state.OTA.Status, state.OTA.Bucket, state.OTA.Key, bucket, key)
		if err := m.abort(shortID, state.OTA, "superseded_by_new_image"); err != nil {
			return fmt.Errorf("ota: abort superseded session: %w", err)
		}
	}

	firmware, err := m.firmware(bucket, key)
	if err != nil {
		return fmt.Errorf("ota: fetch image: %w", err)
	}

	signed := m.images.IsSigned(bucket, key)
	if signed && m.signingKey != nil {
		verified, ok := VerifyFirmware(m.signingKey, firmware)
		if !ok {
			return sidechargeerrors.New(sidechargeerrors.Protocol, "ota.handle_new_image",
				fmt.Errorf("signature verification failed for %s/%s", bucket, key))
		}
		firmware = verified
		m.setCachedFirmware(bucket, key, firmware)
	} else if signed {
		m.log.Printf("ota: %s/%s is marked signed but no signing key is configured; delivering unverified", bucket, key)
		signed = false
	}

	crc := protocol.CRC32(firmware)
	fullChunks := (len(firmware) + ChunkSize - 1) / ChunkSize

	var deltaChunks []int
	var baselineCRC32 uint32
	var baselineSize uint32
	if baseline, ok, err := m.images.FetchBaseline(bucket); err == nil && ok {
		deltaChunks = ComputeDeltaChunks(baseline, firmware, ChunkSize)
		baselineCRC32 = protocol.CRC32(baseline)
		baselineSize = uint32(len(baseline))
	}

	deltaMode := len(deltaChunks) > 0 && len(deltaChunks) < fullChunks
	totalChunksForWire := fullChunks
	if deltaMode {
		totalChunksForWire = len(deltaChunks)
	} else {
		deltaChunks = nil
	}

	now := m.now()
	session := store.OTASession{
		SessionID: uuid.NewString(),
		Bucket: bucket, Key: key,
		Size: uint32(len(firmware)), CRC32: crc,
		TotalChunks: uint16(totalChunksForWire), ChunkSize: ChunkSize,
		Version: version, Status: "starting",
		DeltaChunks: deltaChunks,
		BaselineCRC32: baselineCRC32, BaselineSize: baselineSize,
		Signed:    signed,
		StartedAt: now.Unix(), UpdatedAt: now.Unix(),
	}
	if err := m.db.SaveOTASession(shortID, session); err != nil {
		return fmt.Errorf("ota: save session: %w", err)
	}
	if m.onStart != nil {
		m.onStart(shortID, session)
	}

	return m.sendStart(shortID, session)
}

// HandleAck processes an OTA ACK uplink: error status, duplicate/stale
// detection, and steady-state chunk advancement.
func (m *Manager) HandleAck(shortID string, ack *protocol.OTAAck) error {
	state, found, err := m.db.GetDeviceState(shortID)
	if err != nil {
		return sidechargeerrors.New(sidechargeerrors.Dependency, "ota.handle_ack", err)
	}
	if !found || !state.OTA.Active {
		m.log.Print(sidechargeerrors.New(sidechargeerrors.Invariant, "ota.handle_ack", fmt.Errorf("ack for %s with no active session", shortID)))
		return nil
	}
	session := state.OTA
	now := m.now()

	if ack.Status == protocol.OTAStatusNoSession {
		session.Restarts++
		session.UpdatedAt = now.Unix()
		if session.Restarts > MaxNoSessionRestarts {
			return m.abort(shortID, session, "no_session_max_restarts")
		}
		session.Status = "restarting"
		if err := m.db.SaveOTASession(shortID, session); err != nil {
			return err
		}
		return m.sendStart(shortID, session)
	}

	if ack.Status != protocol.OTAStatusOK {
		m.log.Print(sidechargeerrors.New(sidechargeerrors.Protocol, "ota.handle_ack",
			fmt.Errorf("device %s reported ack status %s", shortID, protocol.OTAStatusName(ack.Status))))
		session.Retries++
		session.UpdatedAt = now.Unix()
		if session.Retries > MaxRetries {
			return m.abort(shortID, session, "max_retries")
		}
		session.Status = "retrying"
		if err := m.db.SaveOTASession(shortID, session); err != nil {
			return err
		}
		return m.sendCurrentChunk(shortID, session)
	}

	// status == OK. The very first progress ACK after a (re)start always
	// advances even though ChunksReceived==HighestAcked==0 — both are
	// zero-valued defaults, not evidence of a repeated ACK.
	firstProgress := session.Status == "starting" || session.Status == "restarting"
	if !firstProgress {
		if ack.ChunksReceived < session.HighestAcked {
			return nil // stale
		}
		if ack.ChunksReceived == session.HighestAcked {
			return nil // duplicate
		}
	}

	session.HighestAcked = ack.ChunksReceived
	session.UpdatedAt = now.Unix()

	if int(ack.ChunksReceived) >= int(session.TotalChunks) {
		session.Status = "validating"
		return m.db.SaveOTASession(shortID, session)
	}

	session.Status = "sending"
	if len(session.DeltaChunks) > 0 {
		session.DeltaCursor = int(ack.ChunksReceived)
		session.NextChunk = uint16(session.DeltaChunks[session.DeltaCursor]) + 1
	} else {
		session.NextChunk = ack.ChunksReceived + 1
	}
	if err := m.db.SaveOTASession(shortID, session); err != nil {
		return err
	}
	return m.sendCurrentChunk(shortID, session)
}

// HandleComplete processes an OTA COMPLETE uplink. Clearing is
// unconditional so a bad result can't wedge the device.
func (m *Manager) HandleComplete(shortID string, complete *protocol.OTAComplete) error {
	state, found, err := m.db.GetDeviceState(shortID)
	if err != nil {
		return sidechargeerrors.New(sidechargeerrors.Dependency, "ota.handle_complete", err)
	}
	if !found || !state.OTA.Active {
		m.log.Print(sidechargeerrors.New(sidechargeerrors.Invariant, "ota.handle_complete", fmt.Errorf("complete for %s with no active session", shortID)))
		return nil
	}
	session := state.OTA

	success := complete.Result == protocol.OTAStatusOK
	if success {
		firmware, err := m.firmwareForSession(session)
		if err != nil {
			return fmt.Errorf("ota: fetch image for baseline promotion: %w", err)
		}
		if err := m.images.PromoteToBaseline(session.Bucket, firmware); err != nil {
			return fmt.Errorf("ota: promote baseline: %w", err)
		}
	}
	if err := m.db.ClearOTASession(shortID); err != nil {
		return err
	}
	if m.onComplete != nil {
		m.onComplete(shortID, success)
	}
	return nil
}

// CheckTimeouts inspects every active session's UpdatedAt and re-sends the
// START or the current chunk for sessions stale beyond StaleAfter.
func (m *Manager) CheckTimeouts(ctx context.Context) error {
	sessions, err := m.db.ActiveOTASessions()
	if err != nil {
		return err
	}
	now := m.now()
	for shortID, session := range sessions {
		if now.Unix()-session.UpdatedAt <= int64(StaleAfter.Seconds()) {
			continue
		}
		session.Retries++
		session.UpdatedAt = now.Unix()
		if session.Retries > MaxRetries {
			if err := m.abort(shortID, session, "stale_max_retries"); err != nil {
				return err
			}
			continue
		}

		switch session.Status {
		case "starting", "validating", "restarting":
			session.Status = "restarting"
			if err := m.db.SaveOTASession(shortID, session); err != nil {
				return err
			}
			if err := m.sendStart(shortID, session); err != nil {
				return err
			}
		default:
			session.Status = "retrying"
			if err := m.db.SaveOTASession(shortID, session); err != nil {
				return err
			}
			if err := m.sendCurrentChunk(shortID, session); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Manager) abort(shortID string, session store.OTASession, reason string) error {
	if err := m.downlink.Send(shortID, protocol.BuildOTAAbort()); err != nil {
		return fmt.Errorf("ota: send abort: %w", err)
	}
	if err := m.db.ClearOTASession(shortID); err != nil {
		return err
	}
	if m.onAbort != nil {
		m.onAbort(shortID, reason)
	}
	return nil
}

func (m *Manager) sendStart(shortID string, session store.OTASession) error {
	start := protocol.BuildOTAStart(session.Size, session.TotalChunks, session.ChunkSize, session.CRC32, session.Version, session.Signed)
	return m.downlink.Send(shortID, start)
}

// firmwareForSession returns the chunking-ready payload for session: the raw
// staged image, with its trailing ED25519 signature stripped when the
// session was started against a verified signed image. Re-verifying on a
// cold cache (e.g. after a process restart) keeps a resend correct even
// though the stripped bytes are no longer in memory.
func (m *Manager) firmwareForSession(session store.OTASession) ([]byte, error) {
	raw, err := m.firmware(session.Bucket, session.Key)
	if err != nil {
		return nil, err
	}
	if !session.Signed {
		return raw, nil
	}
	if uint32(len(raw)) == session.Size {
		return raw, nil
	}
	if m.signingKey == nil {
		return nil, fmt.Errorf("ota: session is signed but no signing key is configured")
	}
	verified, ok := VerifyFirmware(m.signingKey, raw)
	if !ok {
		return nil, fmt.Errorf("ota: signature verification failed while resending %s/%s", session.Bucket, session.Key)
	}
	return verified, nil
}

// sendCurrentChunk sends the chunk the device is expected to receive next,
// mapping through the delta list when the session is in delta mode — the
// device never sees absolute chunk indices, only the cloud's mapping is
// authoritative.
func (m *Manager) sendCurrentChunk(shortID string, session store.OTASession) error {
	firmware, err := m.firmwareForSession(session)
	if err != nil {
		return fmt.Errorf("ota: fetch image for chunk: %w", err)
	}

	seq := int(session.HighestAcked)
	idx := seq
	if len(session.DeltaChunks) > 0 {
		if seq >= len(session.DeltaChunks) {
			return fmt.Errorf("ota: delta cursor %d out of range", seq)
		}
		idx = session.DeltaChunks[seq]
	}

	start := idx * ChunkSize
	end := start + ChunkSize
	if end > len(firmware) {
		end = len(firmware)
	}
	if start >= len(firmware) {
		return fmt.Errorf("ota: chunk index %d out of range", idx)
	}

	return m.downlink.Send(shortID, protocol.BuildOTAChunk(uint16(idx), firmware[start:end]))
}
