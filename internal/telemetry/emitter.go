// Package telemetry publishes periodic status snapshots over MQTT so a
// fleet dashboard can watch the bridge without subscribing to the data
// stream itself.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"
)

// connectTimeout bounds the initial broker handshake.
const connectTimeout = 5 * time.Second

// Config configures the emitter.
type Config struct {
	// Broker is the MQTT broker address ("host:port"). Empty disables
	// the emitter.
	Broker string
	// Topic receives the snapshots.
	Topic string
	// Interval is the publish period.
	Interval time.Duration
	// Encoding is "json" (default) or "msgpack". msgpack keeps the
	// payload small on constrained links.
	Encoding string
	// ClientID identifies this bridge to the broker.
	ClientID string
}

// SnapshotFunc produces the status payload for one publish cycle.
type SnapshotFunc func() interface{}

// Emitter publishes snapshots until stopped. Safe for a single Start /
// Stop cycle.
type Emitter struct {
	cfg      Config
	snapshot SnapshotFunc
	client   mqtt.Client

	mu        sync.Mutex
	connected bool
	started   bool

	cancel context.CancelFunc
	wg     sync.WaitGroup

	published uint64
	errors    uint64
}

// New validates the configuration and builds an emitter.
func New(cfg Config, snapshot SnapshotFunc) (*Emitter, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("telemetry: broker address is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("telemetry: topic is required")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("telemetry: interval must be positive")
	}
	switch cfg.Encoding {
	case "", "json", "msgpack":
	default:
		return nil, fmt.Errorf("telemetry: unknown encoding %q (json or msgpack)", cfg.Encoding)
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "navlink"
	}
	return &Emitter{cfg: cfg, snapshot: snapshot}, nil
}

// Start connects to the broker and spawns the publish loop.
func (e *Emitter) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("telemetry: emitter already started")
	}
	e.started = true
	e.mu.Unlock()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.cfg.Broker))
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.mu.Lock()
		e.connected = true
		e.mu.Unlock()
		slog.Info("telemetry: broker connection established",
			"broker", e.cfg.Broker, "client_id", e.cfg.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.mu.Lock()
		e.connected = false
		e.mu.Unlock()
		slog.Warn("telemetry: broker connection lost, will auto-reconnect", "error", err)
	}

	e.client = mqtt.NewClient(opts)
	token := e.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		// Keep going: auto-reconnect picks the broker up when it
		// appears. Snapshots published meanwhile are dropped.
		slog.Warn("telemetry: broker connect pending", "broker", e.cfg.Broker)
	} else if err := token.Error(); err != nil {
		slog.Warn("telemetry: broker connect failed, retrying in background", "error", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.wg.Add(1)
	go e.publishLoop(loopCtx)
	return nil
}

// Stop ends the publish loop and disconnects from the broker.
func (e *Emitter) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	e.wg.Wait()
	if e.client != nil {
		e.client.Disconnect(250)
	}
	slog.Info("telemetry: emitter stopped", "published", e.published, "errors", e.errors)
}

func (e *Emitter) publishLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.publishOnce()
		}
	}
}

func (e *Emitter) publishOnce() {
	e.mu.Lock()
	connected := e.connected
	e.mu.Unlock()
	if !connected {
		return
	}

	payload, err := e.encode(e.snapshot())
	if err != nil {
		e.errors++
		slog.Error("telemetry: encode snapshot", "error", err)
		return
	}

	token := e.client.Publish(e.cfg.Topic, 0, false, payload)
	if token.WaitTimeout(time.Second) && token.Error() != nil {
		e.errors++
		slog.Warn("telemetry: publish failed", "topic", e.cfg.Topic, "error", token.Error())
		return
	}
	e.published++
}

func (e *Emitter) encode(snapshot interface{}) ([]byte, error) {
	if e.cfg.Encoding == "msgpack" {
		return msgpack.Marshal(snapshot)
	}
	return json.Marshal(snapshot)
}
