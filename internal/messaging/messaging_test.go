package messaging

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"sensornode/internal/errtrack"
	"sensornode/internal/topics"
	"sensornode/types"
)

func newTestClient() *Client {
	log := zap.NewNop()
	errs := errtrack.New(log)
	top := topics.New("ctrl", "node1")
	return New("tcp://127.0.0.1:1883", "node1", top, errs, log)
}

func TestOfflineQueueFIFOUnderPressure(t *testing.T) {
	c := newTestClient()
	for i := 0; i < queueCapacity+10; i++ {
		c.enqueue(queuedMsg{topic: "t", payload: []byte{byte(i)}})
	}
	if len(c.queue) != queueCapacity {
		t.Fatalf("queue len = %d, want capped at %d", len(c.queue), queueCapacity)
	}
	// oldest non-critical entries should have been evicted first; the
	// newest message must still be present at the tail.
	last := c.queue[len(c.queue)-1]
	if last.payload[0] != byte(queueCapacity+10-1) {
		t.Fatalf("tail of queue is not the most recent message")
	}
}

func TestOfflineQueueProtectsCriticalEntries(t *testing.T) {
	c := newTestClient()
	c.enqueue(queuedMsg{topic: "critical", payload: []byte{1}, critical: true})
	for i := 0; i < queueCapacity+5; i++ {
		c.enqueue(queuedMsg{topic: "t", payload: []byte{byte(i)}})
	}
	found := false
	for _, m := range c.queue {
		if m.topic == "critical" {
			found = true
		}
	}
	if !found {
		t.Fatalf("critical entry was evicted despite eviction protection")
	}
}

func TestHalfOpenBypassesBackoffWait(t *testing.T) {
	c := newTestClient()
	c.mu.Lock()
	c.breaker = BreakerOpen
	c.breakerOpenedAt = time.Now().Add(-breakerCooldown - time.Second) // cooldown already elapsed
	c.backoff = maxBackoff                                              // would otherwise force a long wait
	c.mu.Unlock()

	start := time.Now()
	ok := c.waitForGate(nil)
	if !ok {
		t.Fatalf("waitForGate returned false unexpectedly")
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatalf("half-open probe waited for backoff instead of bypassing it")
	}
	c.mu.Lock()
	b := c.breaker
	c.mu.Unlock()
	if b != BreakerHalfOpen {
		t.Fatalf("breaker state = %v, want half-open after cooldown elapsed", b)
	}
}

func TestWatchdogOKFalseWhenBreakerOpen(t *testing.T) {
	c := newTestClient()
	c.mu.Lock()
	c.state = StateConnected
	c.breaker = BreakerOpen
	c.mu.Unlock()
	if c.WatchdogOK() {
		t.Fatalf("watchdog should not be fed while the breaker is open")
	}
}

func TestActuatorCommandWildcardDispatch(t *testing.T) {
	c := newTestClient()
	var got string
	c.OnActuatorCommand(func(topic string, payload []byte) { got = topic })
	c.dispatch("ctrl/node1/actuator/7/command", []byte(`{}`))
	if got != "ctrl/node1/actuator/7/command" {
		t.Fatalf("actuator command handler not invoked, got %q", got)
	}
}

func TestWatchdogOKTrueWhileBackingOff(t *testing.T) {
	c := newTestClient()
	c.mu.Lock()
	c.state = StateBackoff
	c.breaker = BreakerClosed
	c.mu.Unlock()
	if !c.WatchdogOK() {
		t.Fatalf("watchdog should still be fed during ordinary backoff (reconnect-never-stops)")
	}
}

func tickNoopSnapshots() (func() types.HeartbeatSnapshot, func() types.DiagnosticsSnapshot) {
	return func() types.HeartbeatSnapshot { return types.HeartbeatSnapshot{} },
		func() types.DiagnosticsSnapshot { return types.DiagnosticsSnapshot{} }
}

func TestTickEmitsDiagnosticsEveryFifthHeartbeat(t *testing.T) {
	c := newTestClient()
	heartbeat, diagnostics := tickNoopSnapshots()
	diagTopic := c.top.Diagnostics()

	now := time.Now()
	for i := 0; i < diagnosticsEveryNHeartbeats; i++ {
		now = now.Add(heartbeatInterval)
		c.Tick(now, heartbeat, diagnostics)
	}

	found := false
	for _, m := range c.queue {
		if m.topic == diagTopic {
			found = true
		}
	}
	if !found {
		t.Fatalf("diagnostics payload not published on the %dth heartbeat", diagnosticsEveryNHeartbeats)
	}
}

func TestTickSkipsDiagnosticsBeforeCadenceElapses(t *testing.T) {
	c := newTestClient()
	heartbeat, diagnostics := tickNoopSnapshots()
	diagTopic := c.top.Diagnostics()

	now := time.Now().Add(heartbeatInterval)
	c.Tick(now, heartbeat, diagnostics)

	for _, m := range c.queue {
		if m.topic == diagTopic {
			t.Fatalf("diagnostics published before the configured cadence elapsed")
		}
	}
}
