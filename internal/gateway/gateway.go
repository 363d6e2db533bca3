package gateway

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
)

// Config configures the ZeroMQ link to the radio-gateway daemon.
type Config struct {
	EventURL   string // SUB socket: uplink events
	CommandURL string // REQ socket: downlink sends
}

// DefaultConfig returns the conventional local IPC endpoints.
func DefaultConfig() Config {
	return Config{
		EventURL:   "ipc:///tmp/sidecharge_gateway_event",
		CommandURL: "ipc:///tmp/sidecharge_gateway_command",
	}
}

// Uplink is one received wireless message, handed to the orchestrator for
// identity resolution and decoding.
type Uplink struct {
	TransportUUID string
	Payload       []byte
	ReceivedAt    time.Time
}

// Gateway is the single-daemon radio-gateway driver: a SUB socket carrying
// uplink events and a REQ socket carrying downlink sends, mirroring the
// teacher's ConcentratordDriver split but addressed by Sidewalk wireless
// device ID rather than LoRaWAN DevEUI/PHY parameters.
type Gateway struct {
	cfg Config
	log *log.Logger

	eventSock zmq4.Socket
	cmdSock   zmq4.Socket
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu         sync.Mutex
	running    bool
	downlinkID uint32
	onReceive  func(Uplink)
}

// New constructs a Gateway. Call Start to connect.
func New(cfg Config, logger *log.Logger) *Gateway {
	if logger == nil {
		logger = log.Default()
	}
	return &Gateway{cfg: cfg, log: logger}
}

// SetReceiveCallback registers the uplink handler. Must be called before
// Start.
func (g *Gateway) SetReceiveCallback(cb func(Uplink)) {
	g.mu.Lock()
	g.onReceive = cb
	g.mu.Unlock()
}

// Start connects both sockets and begins the uplink event loop.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return fmt.Errorf("gateway: already running")
	}
	g.running = true
	g.mu.Unlock()

	g.ctx, g.cancel = context.WithCancel(ctx)

	g.eventSock = zmq4.NewSub(g.ctx)
	if err := g.eventSock.Dial(g.cfg.EventURL); err != nil {
		return fmt.Errorf("gateway: dial event socket: %w", err)
	}
	if err := g.eventSock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		return fmt.Errorf("gateway: subscribe: %w", err)
	}

	g.cmdSock = zmq4.NewReq(g.ctx)
	if err := g.cmdSock.Dial(g.cfg.CommandURL); err != nil {
		g.eventSock.Close()
		return fmt.Errorf("gateway: dial command socket: %w", err)
	}

	g.wg.Add(1)
	go g.eventLoop()

	g.log.Printf("gateway: connected event=%s cmd=%s", g.cfg.EventURL, g.cfg.CommandURL)
	return nil
}

// Stop cancels the event loop and closes both sockets.
func (g *Gateway) Stop() error {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return nil
	}
	g.running = false
	g.mu.Unlock()

	g.cancel()
	g.wg.Wait()

	if g.eventSock != nil {
		g.eventSock.Close()
	}
	if g.cmdSock != nil {
		g.cmdSock.Close()
	}
	return nil
}

// Send transmits a downlink payload to a device (spec: "Downlinks flow in
// reverse: D or E -> Codec -> transport"). Uses reliable transmit mode —
// the scheduler and OTA engine both depend on eventual delivery rather
// than best-effort broadcast.
func (g *Gateway) Send(transportUUID string, payload []byte) error {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return fmt.Errorf("gateway: not running")
	}
	g.downlinkID++
	id := g.downlinkID
	g.mu.Unlock()

	frame := marshalDownlinkFrame(id, transportUUID, TransmitReliable, payload)
	msg := zmq4.NewMsgFrom([]byte("down"), frame)

	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.cmdSock.Send(msg); err != nil {
		return fmt.Errorf("gateway: send downlink: %w", err)
	}
	resp, err := g.cmdSock.Recv()
	if err != nil {
		return fmt.Errorf("gateway: recv tx ack: %w", err)
	}
	if len(resp.Frames) == 0 {
		return fmt.Errorf("gateway: empty tx ack")
	}
	ackID, status, err := unmarshalTxAck(resp.Frames[0])
	if err != nil {
		return err
	}
	if ackID != id {
		return fmt.Errorf("gateway: tx ack id mismatch: sent %d, acked %d", id, ackID)
	}
	if status != TxAckOK {
		return fmt.Errorf("gateway: tx failed: %s", status)
	}
	return nil
}

func (g *Gateway) eventLoop() {
	defer g.wg.Done()

	for {
		select {
		case <-g.ctx.Done():
			return
		default:
		}

		msg, err := g.eventSock.Recv()
		if err != nil {
			if g.ctx.Err() != nil {
				return
			}
			g.log.Printf("gateway: recv error: %v", err)
			continue
		}
		if len(msg.Frames) < 2 {
			continue
		}

		eventType := string(msg.Frames[0])
		if eventType != "up" {
			continue
		}

		transportUUID, payload, err := unmarshalUplinkFrame(msg.Frames[1])
		if err != nil {
			g.log.Printf("gateway: malformed uplink frame: %v", err)
			continue
		}

		g.mu.Lock()
		cb := g.onReceive
		g.mu.Unlock()
		if cb != nil {
			cb(Uplink{TransportUUID: transportUUID, Payload: payload, ReceivedAt: time.Now()})
		}
	}
}
