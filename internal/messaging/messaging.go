// Package messaging implements the Messaging Client (spec component 4.H): a
// supervised MQTT link with its own connection state machine, a circuit
// breaker layered on top of exponential backoff, a bounded offline publish
// queue, always-resubscribe-on-connect, and a periodic heartbeat. Grounded
// on the teacher's bridge service supervision loop, swapped from a raw UART
// framed link onto paho.mqtt.golang.
package messaging

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"sensornode/errcode"
	"sensornode/internal/errtrack"
	"sensornode/internal/topics"
	"sensornode/types"
)

// State is the connection-level state (spec §4.H state diagram).
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	default:
		return "disconnected"
	}
}

// BreakerState is the separate circuit-breaker layer: OPEN suppresses
// connection attempts until the cooldown has elapsed (publishes are still
// queued), HALF_OPEN permits exactly one probe connection and,
// critically, bypasses the backoff wait gate for that probe.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

const (
	minBackoff        = 1 * time.Second
	maxBackoff        = 60 * time.Second
	heartbeatInterval = 60 * time.Second
	queueCapacity     = 256 // spec requires >=100
	breakerOpenAfter  = 5   // consecutive connect failures before the breaker opens
	breakerCooldown   = 30 * time.Second
)

type queuedMsg struct {
	topic    string
	payload  []byte
	retained bool
	critical bool
}

// Handler processes an inbound command/config message.
type Handler func(topic string, payload []byte)

// Client owns the MQTT link, its own state machine, and the offline queue.
type Client struct {
	mu sync.Mutex

	broker string
	nodeID string
	top    topics.Builder
	errs   *errtrack.Tracker
	log    *zap.Logger

	mqttClient mqtt.Client
	state      State
	breaker    BreakerState
	backoff    time.Duration
	failures   int
	breakerOpenedAt time.Time

	queue []queuedMsg

	lastHeartbeat     time.Time
	heartbeatCount    uint64
	handlers          map[string]Handler
	actuatorCmdHandler Handler // matches any "<prefix>actuator/<pin>/command" topic
	tap               func(topic string, payload []byte)
}

// New constructs a Client. Run must be called to actually dial.
func New(broker, nodeID string, top topics.Builder, errs *errtrack.Tracker, log *zap.Logger) *Client {
	return &Client{
		broker:  broker,
		nodeID:  nodeID,
		top:     top,
		errs:    errs,
		log:     log,
		backoff: minBackoff,
		handlers: make(map[string]Handler),
	}
}

// OnCommand registers a handler for an exact topic, replacing any prior one.
func (c *Client) OnCommand(topic string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = h
}

// SetTap registers a function called with every outbound message, whether it
// was sent live or only queued. It exists purely for local observability
// (a diagnostics mirror) and must never block or error.
func (c *Client) SetTap(fn func(topic string, payload []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tap = fn
}

// OnActuatorCommand registers the single handler that receives every
// per-pin actuator command topic, subscribed as one broker-side wildcard
// rather than one subscription per configured actuator.
func (c *Client) OnActuatorCommand(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actuatorCmdHandler = h
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Breaker returns the current circuit-breaker state.
func (c *Client) Breaker() BreakerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.breaker
}

// WatchdogOK reports whether the link is healthy enough to keep feeding the
// system watchdog. It is a pure function of (state, breaker) — no side
// effects, no I/O — so the main loop can call it every iteration.
func (c *Client) WatchdogOK() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.breaker == BreakerOpen {
		return false
	}
	// Loss of the broker link alone never withholds the feed.
	return true
}

// Run supervises the connection for the lifetime of ctx: connect, on loss
// re-enter backoff (or, once the breaker trips, wait out the cooldown),
// forever. It returns only when ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.disconnect()
			return
		default:
		}

		if !c.waitForGate(ctx) {
			return
		}

		c.setState(StateConnecting)
		if err := c.connect(); err != nil {
			c.onConnectFailure(err)
			continue
		}
		c.onConnectSuccess()

		<-c.awaitDisconnect(ctx)
		if ctx.Err() != nil {
			return
		}
		c.setState(StateBackoff)
	}
}

// waitForGate blocks until it is time to attempt a (re)connect: either the
// breaker is half-open (bypasses the backoff wait entirely, per the
// half-open-bypasses-backoff invariant) or the current backoff has elapsed.
func (c *Client) waitForGate(ctx context.Context) bool {
	c.mu.Lock()
	if c.breaker == BreakerOpen {
		if time.Since(c.breakerOpenedAt) < breakerCooldown {
			wait := breakerCooldown - time.Since(c.breakerOpenedAt)
			c.mu.Unlock()
			return sleepCtx(ctx, wait)
		}
		c.breaker = BreakerHalfOpen
		c.mu.Unlock()
		return true
	}
	if c.breaker == BreakerHalfOpen {
		c.mu.Unlock()
		return true
	}
	wait := c.backoff
	c.mu.Unlock()
	if wait <= 0 {
		return true
	}
	return sleepCtx(ctx, wait)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Client) connect() error {
	opts := mqtt.NewClientOptions().
		AddBroker(c.broker).
		SetClientID(c.nodeID).
		SetAutoReconnect(false).
		SetCleanSession(true)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return err
	}

	c.mu.Lock()
	c.mqttClient = client
	c.mu.Unlock()
	return nil
}

func (c *Client) onConnectFailure(err error) {
	c.mu.Lock()
	c.failures++
	if c.breaker == BreakerHalfOpen {
		// probe failed, re-open immediately
		c.breaker = BreakerOpen
		c.breakerOpenedAt = time.Now()
	} else if c.failures >= breakerOpenAfter {
		c.breaker = BreakerOpen
		c.breakerOpenedAt = time.Now()
	}
	c.backoff *= 2
	if c.backoff > maxBackoff {
		c.backoff = maxBackoff
	}
	c.state = StateBackoff
	c.mu.Unlock()
	c.errs.Record(errcode.BrokerConnectFailed, errcode.SeverityError, "broker connect failed: "+err.Error())
}

func (c *Client) onConnectSuccess() {
	c.mu.Lock()
	c.failures = 0
	c.backoff = minBackoff
	c.breaker = BreakerClosed
	c.state = StateConnected
	c.mu.Unlock()
	c.resubscribeAll()
	c.flushQueue()
}

// resubscribeAll re-establishes every fixed subscription the node always
// needs: system command, config, broadcast emergency, the single per-pin
// actuator command wildcard (when a handler is registered), and every exact
// topic registered through OnCommand.
func (c *Client) resubscribeAll() {
	c.mu.Lock()
	client := c.mqttClient
	topicsToSub := make([]string, 0, len(c.handlers)+4)
	topicsToSub = append(topicsToSub, c.top.SystemCommand(), c.top.Config(), c.top.BroadcastEmergency())
	if c.actuatorCmdHandler != nil {
		topicsToSub = append(topicsToSub, c.top.ActuatorCommandWildcard())
	}
	for t := range c.handlers {
		topicsToSub = append(topicsToSub, t)
	}
	c.mu.Unlock()

	for _, t := range topicsToSub {
		topic := t
		client.Subscribe(topic, 1, func(_ mqtt.Client, m mqtt.Message) {
			c.dispatch(m.Topic(), m.Payload())
		})
	}
}

func (c *Client) dispatch(topic string, payload []byte) {
	c.mu.Lock()
	h, ok := c.handlers[topic]
	actuatorH := c.actuatorCmdHandler
	c.mu.Unlock()
	if ok {
		h(topic, payload)
		return
	}
	if actuatorH != nil && isActuatorCommandTopic(topic) {
		actuatorH(topic, payload)
	}
}

func isActuatorCommandTopic(topic string) bool {
	return strings.Contains(topic, "/actuator/") && strings.HasSuffix(topic, "/command")
}

// awaitDisconnect returns a channel closed once the underlying mqtt client
// reports its connection lost, or ctx is cancelled.
func (c *Client) awaitDisconnect(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	c.mu.Lock()
	client := c.mqttClient
	c.mu.Unlock()
	go func() {
		defer close(done)
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if !client.IsConnected() {
					return
				}
			}
		}
	}()
	return done
}

func (c *Client) disconnect() {
	c.mu.Lock()
	client := c.mqttClient
	c.state = StateDisconnected
	c.mu.Unlock()
	if client != nil {
		client.Disconnect(250)
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Publish enqueues a message. If connected it is sent immediately; otherwise
// it joins the bounded offline queue (spec's OFFLINE-QUEUE-FIFO property).
func (c *Client) Publish(topic string, payload any) {
	buf, err := json.Marshal(payload)
	if err != nil {
		c.errs.Record(errcode.PublishFailed, errcode.SeverityWarning, "payload marshal failed")
		return
	}
	c.PublishRaw(topic, buf, false)
}

// PublishRaw publishes pre-encoded bytes, marking critical messages so the
// offline queue never evicts them ahead of routine traffic.
func (c *Client) PublishRaw(topic string, payload []byte, critical bool) {
	c.mu.Lock()
	connected := c.state == StateConnected
	client := c.mqttClient
	tap := c.tap
	c.mu.Unlock()

	if tap != nil {
		tap(topic, payload)
	}

	if connected && client != nil {
		token := client.Publish(topic, 1, false, payload)
		token.Wait()
		if token.Error() == nil {
			return
		}
		c.errs.Record(errcode.PublishFailed, errcode.SeverityWarning, "publish failed, queuing")
	}
	c.enqueue(queuedMsg{topic: topic, payload: payload, critical: critical})
}

func (c *Client) enqueue(m queuedMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) >= queueCapacity {
		victim := -1
		for i, q := range c.queue {
			if !q.critical {
				victim = i
				break
			}
		}
		if victim == -1 {
			c.errs.Record(errcode.OfflineQueueOverflow, errcode.SeverityCritical, "offline queue full of critical messages, dropping oldest")
			victim = 0
		}
		c.queue = append(c.queue[:victim], c.queue[victim+1:]...)
	}
	c.queue = append(c.queue, m)
}

func (c *Client) flushQueue() {
	c.mu.Lock()
	pending := c.queue
	c.queue = nil
	client := c.mqttClient
	c.mu.Unlock()

	for _, m := range pending {
		token := client.Publish(m.topic, 1, m.retained, m.payload)
		token.Wait()
		if token.Error() != nil {
			c.enqueue(m)
		}
	}
}

// diagnosticsEveryNHeartbeats sets the slower diagnostics cadence relative
// to the heartbeat interval (spec §6 diagnostics topic).
const diagnosticsEveryNHeartbeats = 5

// Tick drives the at-most-once-per-interval heartbeat, and every Nth
// heartbeat also the slower-cadence diagnostics payload. The caller
// supplies both snapshots since the client itself has no view of
// sensor/actuator state; diagnostics may be nil to skip it entirely.
func (c *Client) Tick(now time.Time, heartbeat func() types.HeartbeatSnapshot, diagnostics func() types.DiagnosticsSnapshot) {
	c.mu.Lock()
	due := now.Sub(c.lastHeartbeat) >= heartbeatInterval
	c.mu.Unlock()
	if !due {
		return
	}
	c.mu.Lock()
	c.lastHeartbeat = now
	c.heartbeatCount++
	emitDiagnostics := diagnostics != nil && c.heartbeatCount%diagnosticsEveryNHeartbeats == 0
	c.mu.Unlock()

	c.Publish(c.top.Heartbeat(), heartbeat())
	if emitDiagnostics {
		c.Publish(c.top.Diagnostics(), diagnostics())
	}
}
