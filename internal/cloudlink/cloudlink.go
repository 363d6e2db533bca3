// Package cloudlink implements the bidirectional WebSocket link to the
// dashboard/control-plane surface, assumed to be available out-of-core.
// It is the concrete transport standing in for that interface: it carries
// the scheduler/OTA/divergence event stream outbound (the dashboard reports
// online/offline, latest state, and recent event summaries) and the
// operator-triggered out-of-band scheduler re-invocation (force-resend) and
// firmware-upload trigger inbound. Grounded on AgSys's
// internal/cloud/client.go reconnect-loop/send-channel shape, with its
// sensor/valve message types replaced by SideCharge's event-stream and
// control message types.
package cloudlink

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// MessageType discriminates the JSON envelope's payload.
type MessageType string

const (
	// Outbound (cloud link -> dashboard/control-plane).
	MsgDeviceEvent     MessageType = "device_event"
	MsgOTALifecycle    MessageType = "ota_lifecycle"
	MsgSchedulerCmd    MessageType = "scheduler_command"
	MsgDivergenceAlert MessageType = "divergence_alert"
	MsgHeartbeat       MessageType = "heartbeat"

	// Inbound (dashboard/control-plane -> cloud link).
	MsgForceResend    MessageType = "force_resend"    // {device_short_id}
	MsgFirmwareStaged MessageType = "firmware_staged" // {bucket, key, version} — out-of-band image-store create notification
	MsgDeviceRetire   MessageType = "device_retire"   // {device_short_id}
)

// Message is one WebSocket frame to or from the control plane.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Config configures the cloud link.
type Config struct {
	URL            string
	PropertyUID    string
	APIKey         string
	ReconnectDelay time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
}

// DefaultConfig returns AgSys's operating-point intervals.
func DefaultConfig() Config {
	return Config{
		ReconnectDelay: 5 * time.Second,
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
	}
}

// Client is a reconnecting WebSocket client to the control-plane surface.
type Client struct {
	cfg Config
	log *log.Logger

	conn     *websocket.Conn
	sendChan chan *Message
	stopChan chan struct{}
	wg       sync.WaitGroup

	mu        sync.Mutex
	connected bool

	onForceResend    func(deviceShortID string)
	onFirmwareStaged func(bucket, key string, version uint32)
	onDeviceRetire   func(deviceShortID string)
}

// New constructs a Client. Call Start to connect.
func New(cfg Config, logger *log.Logger) *Client {
	if cfg.ReconnectDelay == 0 {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Client{cfg: cfg, log: logger, sendChan: make(chan *Message, 256), stopChan: make(chan struct{})}
}

// SetForceResendCallback registers the out-of-band scheduler re-invocation
// handler triggered by an operator-issued force-resend request.
func (c *Client) SetForceResendCallback(cb func(deviceShortID string)) {
	c.mu.Lock()
	c.onForceResend = cb
	c.mu.Unlock()
}

// SetFirmwareStagedCallback registers the new-firmware-object trigger
// handler.
func (c *Client) SetFirmwareStagedCallback(cb func(bucket, key string, version uint32)) {
	c.mu.Lock()
	c.onFirmwareStaged = cb
	c.mu.Unlock()
}

// SetDeviceRetireCallback registers the device-retirement handler.
func (c *Client) SetDeviceRetireCallback(cb func(deviceShortID string)) {
	c.mu.Lock()
	c.onDeviceRetire = cb
	c.mu.Unlock()
}

// Start connects and begins the reconnecting read/write loops.
func (c *Client) Start(ctx context.Context) error {
	c.wg.Add(1)
	go c.connectionLoop(ctx)
	return nil
}

// Stop disconnects and stops all loops.
func (c *Client) Stop() error {
	close(c.stopChan)
	c.wg.Wait()
	return nil
}

// IsConnected reports whether the socket is currently up.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Send queues a message for delivery, non-blocking (a full queue drops the
// message rather than stalling the caller — cloud-link delivery is
// best-effort).
func (c *Client) Send(msg *Message) error {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().Unix()
	}
	select {
	case c.sendChan <- msg:
		return nil
	default:
		return fmt.Errorf("cloudlink: send queue full")
	}
}

func marshalPayload(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

// PublishDeviceEvent pushes a discoverable event row to the dashboard:
// every scheduler command and every OTA lifecycle step writes one of these.
// Divergence tracking writes no event row and publishes nothing here.
func (c *Client) PublishDeviceEvent(deviceShortID, eventType, payload string) error {
	return c.Send(&Message{Type: MsgDeviceEvent, Payload: marshalPayload(map[string]string{
		"device_short_id": deviceShortID,
		"event_type":      eventType,
		"payload":         payload,
	})})
}

// PublishOTALifecycle pushes an OTA session lifecycle transition.
func (c *Client) PublishOTALifecycle(deviceShortID, status string, retries, restarts int) error {
	return c.Send(&Message{Type: MsgOTALifecycle, Payload: marshalPayload(map[string]any{
		"device_short_id": deviceShortID,
		"status":          status,
		"retries":         retries,
		"restarts":        restarts,
	})})
}

// PublishDivergenceAlert pushes a divergence-exhausted notification.
func (c *Client) PublishDivergenceAlert(deviceShortID string, retryCount int) error {
	return c.Send(&Message{Type: MsgDivergenceAlert, Payload: marshalPayload(map[string]any{
		"device_short_id": deviceShortID,
		"retry_count":     retryCount,
	})})
}

func (c *Client) connectionLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopChan:
			c.disconnect()
			return
		case <-ctx.Done():
			c.disconnect()
			return
		default:
		}

		if err := c.connect(ctx); err != nil {
			c.log.Printf("cloudlink: connect failed: %v", err)
			select {
			case <-time.After(c.cfg.ReconnectDelay):
			case <-c.stopChan:
				return
			case <-ctx.Done():
				return
			}
			continue
		}

		c.runSession(ctx)
	}
}

func (c *Client) connect(ctx context.Context) error {
	if c.cfg.URL == "" {
		return fmt.Errorf("no cloud link URL configured")
	}
	header := map[string][]string{
		"X-Property-UID": {c.cfg.PropertyUID},
		"X-API-Key":      {c.cfg.APIKey},
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *Client) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
}

func (c *Client) runSession(ctx context.Context) {
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				return
			}
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			c.dispatch(data)
		}
	}()

	for {
		select {
		case <-readDone:
			c.disconnect()
			return
		case <-c.stopChan:
			c.disconnect()
			return
		case <-ctx.Done():
			c.disconnect()
			return
		case msg := <-c.sendChan:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Printf("cloudlink: write failed: %v", err)
				c.disconnect()
				return
			}
		}
	}
}

func (c *Client) dispatch(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Printf("cloudlink: malformed inbound message: %v", err)
		return
	}

	switch msg.Type {
	case MsgForceResend:
		var body struct {
			DeviceShortID string `json:"device_short_id"`
		}
		if json.Unmarshal(msg.Payload, &body) == nil {
			c.mu.Lock()
			cb := c.onForceResend
			c.mu.Unlock()
			if cb != nil {
				cb(body.DeviceShortID)
			}
		}
	case MsgFirmwareStaged:
		var body struct {
			Bucket  string `json:"bucket"`
			Key     string `json:"key"`
			Version uint32 `json:"version"`
		}
		if json.Unmarshal(msg.Payload, &body) == nil {
			c.mu.Lock()
			cb := c.onFirmwareStaged
			c.mu.Unlock()
			if cb != nil {
				cb(body.Bucket, body.Key, body.Version)
			}
		}
	case MsgDeviceRetire:
		var body struct {
			DeviceShortID string `json:"device_short_id"`
		}
		if json.Unmarshal(msg.Payload, &body) == nil {
			c.mu.Lock()
			cb := c.onDeviceRetire
			c.mu.Unlock()
			if cb != nil {
				cb(body.DeviceShortID)
			}
		}
	}
}
