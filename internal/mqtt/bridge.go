package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/shelfwatch/internal/config"
	"github.com/nugget/shelfwatch/internal/connwatch"
	"github.com/nugget/shelfwatch/internal/events"
	"github.com/nugget/shelfwatch/internal/metrics"
	"github.com/nugget/shelfwatch/internal/occupancy"
	"github.com/nugget/shelfwatch/internal/topics"
)

// MessageSource is the topics.Message source for MQTT deliveries.
const MessageSource = "mqtt"

// publishTimeout bounds one state publish from the publish loop.
const publishTimeout = 5 * time.Second

// Dispatcher receives inbound messages. *topics.Registry satisfies it.
type Dispatcher interface {
	Dispatch(msg topics.Message) int
}

// BridgeConfig holds the bridge dependencies.
type BridgeConfig struct {
	MQTT   config.MQTTConfig
	UnitID string

	// Dispatcher receives every accepted message. Required.
	Dispatcher Dispatcher

	Events  *events.Bus
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Bridge owns the MQTT connection. It feeds subscribed topics into the
// dispatcher and, when publishing is enabled, drives the Publisher.
type Bridge struct {
	cfg       config.MQTTConfig
	dispatch  Dispatcher
	publisher *Publisher
	limiter   *messageRateLimiter
	onMessage MessageHandler
	results   chan occupancy.Result // latest pending state, capacity 1
	events    *events.Bus
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu        sync.Mutex
	cm        *autopaho.ConnectionManager
	connected bool
	lastCheck time.Time
	lastErr   error
}

// NewBridge validates cfg and builds a bridge. Nothing connects until
// Start.
func NewBridge(cfg BridgeConfig) (*Bridge, error) {
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("mqtt bridge requires a dispatcher")
	}
	if !cfg.MQTT.Configured() {
		return nil, fmt.Errorf("mqtt broker not configured")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	b := &Bridge{
		cfg:       cfg.MQTT,
		dispatch:  cfg.Dispatcher,
		limiter:   newMessageRateLimiter(int64(cfg.MQTT.RateLimit), time.Second, cfg.Logger),
		onMessage: defaultMessageHandler(cfg.Logger),
		results:   make(chan occupancy.Result, 1),
		events:    cfg.Events,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
	}
	if cfg.MQTT.Publish {
		b.publisher = NewPublisher(cfg.MQTT, cfg.UnitID, cfg.Logger)
	}
	return b, nil
}

// Publisher returns the HA publisher, or nil when publishing is
// disabled.
func (b *Bridge) Publisher() *Publisher {
	return b.publisher
}

func (b *Bridge) clientID() string {
	if b.cfg.ClientID != "" {
		return b.cfg.ClientID
	}
	return "shelfwatch-" + b.cfg.DeviceName
}

// clientConfig assembles the autopaho configuration for brokerURL.
func (b *Bridge) clientConfig(ctx context.Context, brokerURL *url.URL) autopaho.ClientConfig {
	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: b.cfg.Username,
		ConnectPassword: []byte(b.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("mqtt connected to broker", "broker", b.cfg.Broker)
			b.setConnected(true, nil)
			b.subscribe(ctx, cm)
			if b.publisher != nil {
				b.publisher.Announce(ctx, cm)
			}
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqtt connection error", "error", err)
			b.setConnected(false, err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: b.clientID(),
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					b.handleMessage(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
			OnClientError: func(err error) {
				b.logger.Warn("mqtt client error", "error", err)
				b.setConnected(false, err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				b.logger.Warn("mqtt server disconnect", "reason_code", d.ReasonCode)
				b.setConnected(false, fmt.Errorf("server disconnect: reason %d", d.ReasonCode))
			},
		},
	}

	if b.publisher != nil {
		pahoCfg.WillMessage = &paho.WillMessage{
			Topic:   b.publisher.AvailabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		}
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}
	return pahoCfg
}

// Start connects to the broker and blocks until ctx is cancelled.
// autopaho reconnects in the background; every connect re-subscribes
// and re-announces.
func (b *Bridge) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(b.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	cm, err := autopaho.NewConnection(ctx, b.clientConfig(ctx, brokerURL))
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	b.mu.Lock()
	b.cm = cm
	b.mu.Unlock()

	go b.limiter.start(ctx)
	if b.publisher != nil {
		go b.publishLoop(ctx)
	}

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		b.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	<-ctx.Done()
	return nil
}

// Submit queues res for publication and returns immediately. Only the
// newest pending result is kept; an unpublished older one is dropped.
// Does nothing when publishing is disabled.
func (b *Bridge) Submit(res occupancy.Result) {
	if b.publisher == nil {
		return
	}
	for {
		select {
		case b.results <- res:
			return
		default:
		}
		select {
		case <-b.results:
			b.logger.Debug("mqtt state superseded before publish")
		default:
		}
	}
}

// publishLoop publishes queued results until ctx is cancelled.
func (b *Bridge) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case res := <-b.results:
			pctx, cancel := context.WithTimeout(ctx, publishTimeout)
			b.publisher.PublishResult(pctx, res)
			cancel()
		}
	}
}

// Stop publishes "offline" when publishing is enabled and then
// disconnects. ctx bounds both steps.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	cm := b.cm
	b.mu.Unlock()
	if cm == nil {
		return nil
	}
	if b.publisher != nil {
		b.publisher.Offline(ctx)
	}
	b.setConnected(false, nil)
	return cm.Disconnect(ctx)
}

func (b *Bridge) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	if len(b.cfg.Subscriptions) == 0 {
		return
	}
	subs := make([]paho.SubscribeOptions, 0, len(b.cfg.Subscriptions))
	for _, t := range b.cfg.Subscriptions {
		subs = append(subs, paho.SubscribeOptions{Topic: t, QoS: 0})
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: subs}); err != nil {
		b.logger.Error("mqtt subscribe failed",
			"topics", b.cfg.Subscriptions, "error", err)
		return
	}
	b.logger.Info("mqtt subscribed", "topics", b.cfg.Subscriptions)
}

// handleMessage turns one MQTT publish into a registry dispatch.
// Payloads that are not JSON are forwarded as a JSON string so
// handlers see a uniform shape.
func (b *Bridge) handleMessage(topic string, payload []byte) {
	if !b.limiter.allow() {
		b.metrics.MQTTMessage("rate_limited")
		return
	}

	b.onMessage(topic, payload)

	raw := json.RawMessage(payload)
	if !json.Valid(payload) {
		encoded, err := json.Marshal(string(payload))
		if err != nil {
			b.metrics.MQTTMessage("dropped")
			return
		}
		raw = encoded
	}

	n := b.dispatch.Dispatch(topics.Message{
		Topic:   topic,
		Payload: raw,
		Source:  MessageSource,
	})
	b.metrics.MessageDispatched(MessageSource)
	if n == 0 {
		b.metrics.MQTTMessage("unrouted")
		b.logger.Debug("mqtt message had no handlers", "topic", topic)
		return
	}
	b.metrics.MQTTMessage("dispatched")
}

func (b *Bridge) setConnected(up bool, err error) {
	b.mu.Lock()
	changed := b.connected != up
	b.connected = up
	b.lastCheck = time.Now()
	if err != nil {
		b.lastErr = err
	} else if up {
		b.lastErr = nil
	}
	b.mu.Unlock()

	if !changed {
		return
	}
	kind := events.KindDisconnected
	data := map[string]any{"broker": b.cfg.Broker}
	if up {
		kind = events.KindConnected
	} else if err != nil {
		data["error"] = err.Error()
	}
	b.events.Emit(events.SourceMQTT, kind, data)
}

// Status reports the broker connection for the status API.
func (b *Bridge) Status() connwatch.ServiceStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := "disconnected"
	if b.connected {
		state = "connected"
	} else if b.cm == nil {
		state = "idle"
	}
	st := connwatch.ServiceStatus{
		Name:      "mqtt",
		Ready:     b.connected,
		State:     state,
		LastCheck: b.lastCheck,
	}
	if b.lastErr != nil {
		st.LastError = b.lastErr.Error()
	}
	return st
}
