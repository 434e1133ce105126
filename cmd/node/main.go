// Command node is the sensor/actuator node's composition root: it wires
// every subsystem together and runs the cooperative main loop (spec
// components §4.M, §5). Boot order follows the dependency chain each
// manager actually needs: store, error tracker, topic builder, GPIO
// Manager, the two bus drivers, PWM, the messaging client, the sensor and
// actuator managers, the safety controller, and the config manager (which
// then warm-boots every stored category); the messaging client's Run loop
// is started last.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/tarm/serial"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"sensornode/errcode"
	"sensornode/internal/actuator"
	"sensornode/internal/board"
	"sensornode/internal/config"
	"sensornode/internal/errtrack"
	"sensornode/internal/gpio"
	"sensornode/internal/hwboard"
	"sensornode/internal/messaging"
	"sensornode/internal/onewire"
	"sensornode/internal/pwm"
	"sensornode/internal/safety"
	"sensornode/internal/sensor"
	"sensornode/internal/store"
	"sensornode/internal/topics"
	"sensornode/internal/twowire"
	"sensornode/internal/watchdog"
	"sensornode/types"
)

const mainLoopTick = 100 * time.Millisecond

func main() {
	brokerAddr := flag.String("broker", "tcp://127.0.0.1:1883", "MQTT broker URL")
	controllerID := flag.String("controller", "ctrl", "controller identifier used in topic addressing")
	nodeID := flag.String("node", "node1", "this node's identifier used in topic addressing")
	storePath := flag.String("store", "/var/lib/sensornode/node.db", "path to the node's persistent store")
	boardName := flag.String("board", "pico", "board variant: pico or picolite")
	hardware := flag.Bool("hardware", false, "bind to real periph.io-backed GPIO/I2C instead of running bookkeeping-only")
	serialMirror := flag.String("serial", "", "optional serial device (e.g. /dev/ttyAMA0) that mirrors the structured log, for field debugging when there is no network yet")
	watchdogDevice := flag.String("watchdog-device", "", "optional hardware watchdog device (e.g. /dev/watchdog0); unset runs without a watchdog feed")
	flag.Parse()

	log, closeSerial, err := buildLogger(*serialMirror)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	defer closeSerial()

	b := board.Pico
	if *boardName == "picolite" {
		b = board.PicoLite
	}

	st, err := store.Open(*storePath)
	if err != nil {
		log.Fatal("store open failed", zap.Error(err))
	}
	defer st.Close()

	wdt, err := watchdog.Open(*watchdogDevice)
	if err != nil {
		log.Fatal("watchdog device open failed", zap.Error(err))
	}
	defer wdt.Close()

	errs := errtrack.New(log)
	top := topics.New(*controllerID, *nodeID)

	// Local diagnostics tap: every outbound MQTT publish is mirrored to a
	// zap-log subscriber, so diagnostics logging never touches the broker
	// connection itself, echoing the teacher's printCapValue idiom.
	diag := newDiagnosticsFanout()
	diag.Subscribe(func(topic string, payload []byte) {
		log.Debug("diagnostics tap", zap.String("topic", topic), zap.ByteString("payload", payload))
	})

	var gpioFactory gpio.Factory
	var pwmFactory pwm.Factory
	var twowireBus twowire.Bus
	var onewireLine onewire.Line
	if *hardware {
		platform, err := hwboard.Open()
		if err != nil {
			log.Fatal("hardware platform open failed", zap.Error(err))
		}
		defer platform.Close()
		gpioFactory = platform
		pwmFactory = &hwboard.PWMFactory{Platform: platform}
		twowireBus = platform.Bus()
		if line, ok := platform.OneWireLine(b.DefaultOneWire); ok {
			onewireLine = line
		}
	}

	gpioMgr := gpio.New(b, gpioFactory, log)
	if err := gpioMgr.InitializeToSafeMode(); err != nil {
		log.Fatal("gpio safe-mode init failed", zap.Error(err))
	}

	twowireDrv := twowire.New(gpioMgr, b, twowireBus, errs, log)
	if twowireBus != nil {
		if err := twowireDrv.Begin(); err != nil {
			log.Error("two-wire bus init failed", zap.Error(err))
		}
	}

	onewireDrv := onewire.New(gpioMgr, b, onewireLine, log)

	pwmCtrl := pwm.New(gpioMgr, b, pwmFactory)

	msgClient := messaging.New(*brokerAddr, *nodeID, top, errs, log)
	msgClient.SetTap(diag.Publish)

	sensorPersist := &store.SensorSetPersister{St: st}
	sourceFactory := &sensor.DefaultSourceFactory{OneWire: onewireDrv, TwoWire: twowireDrv}
	sensorMgr := sensor.New(sourceFactory, msgClient, sensorPersist, top, errs, log)

	actuatorPersist := &store.ActuatorSetPersister{St: st}
	actuatorMgr := actuator.New(gpioMgr, pwmCtrl, sensorMgr, msgClient, actuatorPersist, top, errs, log)

	safetyCtrl := safety.New(actuatorMgr, msgClient, top, log)

	cfgMgr := config.New(st, sensorMgr, actuatorMgr, msgClient, top, errs, log)
	cfgMgr.WarmBoot()

	msgClient.OnCommand(top.Config(), cfgMgr.HandleConfig)
	msgClient.OnActuatorCommand(actuatorMgr.HandleCommand)
	msgClient.OnCommand(top.BroadcastEmergency(), func(_ string, _ []byte) {
		safetyCtrl.EmergencyStopAll("broadcast emergency")
	})
	msgClient.OnCommand(top.SystemCommand(), systemCommandHandler(safetyCtrl))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go msgClient.Run(ctx)

	log.Info("node running", zap.String("board", b.Name), zap.String("node", *nodeID))
	runLoop(ctx, gpioMgr, sensorMgr, actuatorMgr, msgClient, errs, wdt, log)
	log.Info("node shutting down")
}

// runLoop is the cooperative single-threaded main loop (spec §5): each
// iteration (a) feeds the hardware watchdog subject to the messaging
// client's own WatchdogOK() gate — broker-layer degradation alone never
// withholds the feed, only a breaker-open (network-looks-gone) state does —
// then (b) ticks sensors, (c) ticks actuators, and (d) pumps the messaging
// client's heartbeat/diagnostics. The one-wire conversion runs off-loop
// inside the sensor manager's Source implementations so no single tick can
// block on it.
func runLoop(ctx context.Context, gpioMgr *gpio.Manager, sensorMgr *sensor.Manager, actuatorMgr *actuator.Manager, msgClient *messaging.Client, errs *errtrack.Tracker, wdt *watchdog.Feeder, log *zap.Logger) {
	ticker := time.NewTicker(mainLoopTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			gpioMgr.EmergencySafeModeAll()
			return
		case now := <-ticker.C:
			if msgClient.WatchdogOK() {
				if err := wdt.Feed(); err != nil {
					log.Error("watchdog feed failed", zap.Error(err))
				}
			}
			sensorMgr.Tick(now)
			actuatorMgr.Loop(now)
			msgClient.Tick(now,
				func() types.HeartbeatSnapshot { return heartbeatSnapshot(gpioMgr, msgClient, now) },
				func() types.DiagnosticsSnapshot { return diagnosticsSnapshot(msgClient, errs, now) })
		}
	}
}

func heartbeatSnapshot(gpioMgr *gpio.Manager, msgClient *messaging.Client, now time.Time) types.HeartbeatSnapshot {
	return types.HeartbeatSnapshot{
		UptimeSeconds: int64(now.Sub(bootTime).Seconds()),
		BrokerQuality: msgClient.State().String(),
		SystemState:   "running",
		OwnedPins:     gpioMgr.AllPinsSnapshot(),
		Timestamp:     now,
	}
}

// diagnosticsSnapshot assembles the slower-cadence diagnostics payload: the
// most recent tracked errors (warning and above), plus link health. Emitted
// on a coarser cadence than the heartbeat since it costs more to marshal.
func diagnosticsSnapshot(msgClient *messaging.Client, errs *errtrack.Tracker, now time.Time) types.DiagnosticsSnapshot {
	recent := errs.Recent(10, errcode.SeverityWarning)
	summaries := make([]types.ErrorSummary, len(recent))
	for i, e := range recent {
		summaries[i] = types.ErrorSummary{
			ID:         e.ID,
			Code:       uint16(e.Code),
			Severity:   e.Severity.String(),
			Message:    e.Message,
			Occurrence: e.Occurrence,
			Timestamp:  e.Timestamp,
		}
	}
	return types.DiagnosticsSnapshot{
		UptimeSeconds: int64(now.Sub(bootTime).Seconds()),
		RecentErrors:  summaries,
		BreakerState:  msgClient.Breaker().String(),
		LinkState:     msgClient.State().String(),
		Timestamp:     now,
	}
}

var bootTime = time.Now()

// systemCommandHandler dispatches the node-wide emergency/resume verbs
// carried on the system command topic.
func systemCommandHandler(safetyCtrl *safety.Controller) messaging.Handler {
	return func(_ string, payload []byte) {
		var cmd struct {
			Verb   string `json:"verb"`
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return
		}
		switch cmd.Verb {
		case "emergency_stop_all":
			safetyCtrl.EmergencyStopAll(cmd.Reason)
		case "exit_safe_mode", "clear_emergency_stop":
			safetyCtrl.ClearEmergencyStop()
		case "resume_operation":
			safetyCtrl.ResumeOperation()
		}
	}
}

// buildLogger constructs the production JSON logger and, if serialDevice is
// set, tees the same structured log to a serial port at 115200 baud — a
// wired-network-independent diagnostic channel for the field, the same role
// the teacher's UART ring buffer played for its boot-time console.
func buildLogger(serialDevice string) (*zap.Logger, func(), error) {
	noop := func() {}
	if serialDevice == "" {
		log, err := zap.NewProduction()
		return log, noop, err
	}

	port, err := serial.OpenPort(&serial.Config{Name: serialDevice, Baud: 115200})
	if err != nil {
		return nil, noop, err
	}

	cfg := zap.NewProductionEncoderConfig()
	encoder := zapcore.NewJSONEncoder(cfg)
	stdoutCore := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), zap.InfoLevel)
	serialCore := zapcore.NewCore(encoder, zapcore.AddSync(port), zap.InfoLevel)
	log := zap.New(zapcore.NewTee(stdoutCore, serialCore))
	return log, func() { port.Close() }, nil
}

// diagnosticsFanout is the slice+mutex broadcaster behind the local
// diagnostics tap: every outbound publish is handed to every subscriber
// synchronously, so a subscriber must never block (the one subscriber in
// this node just logs).
type diagnosticsFanout struct {
	mu   sync.Mutex
	subs []func(topic string, payload []byte)
}

func newDiagnosticsFanout() *diagnosticsFanout { return &diagnosticsFanout{} }

func (d *diagnosticsFanout) Subscribe(fn func(topic string, payload []byte)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs = append(d.subs, fn)
}

func (d *diagnosticsFanout) Publish(topic string, payload []byte) {
	d.mu.Lock()
	subs := d.subs
	d.mu.Unlock()
	for _, fn := range subs {
		fn(topic, payload)
	}
}
