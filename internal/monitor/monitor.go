// Package monitor composes the topic registry, the broker session, the
// snapshot poller and the optional MQTT bridge into one running unit
// whose output is a stream of occupancy results.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nugget/shelfwatch/internal/config"
	"github.com/nugget/shelfwatch/internal/connwatch"
	"github.com/nugget/shelfwatch/internal/events"
	"github.com/nugget/shelfwatch/internal/history"
	"github.com/nugget/shelfwatch/internal/httpkit"
	"github.com/nugget/shelfwatch/internal/metrics"
	"github.com/nugget/shelfwatch/internal/mqtt"
	"github.com/nugget/shelfwatch/internal/occupancy"
	"github.com/nugget/shelfwatch/internal/session"
	"github.com/nugget/shelfwatch/internal/snapshot"
	"github.com/nugget/shelfwatch/internal/topics"
)

// stopTimeout bounds the MQTT offline publish and disconnect on Stop.
const stopTimeout = 5 * time.Second

// Options carries the optional collaborators of a Monitor.
type Options struct {
	Logger  *slog.Logger
	Events  *events.Bus
	Metrics *metrics.Metrics

	// HTTPClient is used for snapshot requests. Nil means an httpkit
	// client with the configured snapshot timeout.
	HTTPClient *http.Client

	// OnChange receives every new occupancy result. Optional.
	OnChange func(occupancy.Result)

	// OnAlert receives the shelf alert from every successful snapshot
	// poll. Optional.
	OnAlert func(occupancy.Alert)
}

// Monitor owns every signal source for one unit.
type Monitor struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	registry *topics.Registry
	tracker  *occupancy.Tracker
	session  *session.Session
	poller   *snapshot.Poller
	bridge   *mqtt.Bridge
	watch    *connwatch.Manager
	history  *history.Window
	subs     []topics.Subscription

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	handle  *snapshot.Handle
	wg      sync.WaitGroup
}

// New wires a Monitor from cfg. Components whose configuration is
// absent are not created.
func New(cfg *config.Config, opts Options) (*Monitor, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	loc, err := cfg.History.Location()
	if err != nil {
		return nil, fmt.Errorf("history timezone: %w", err)
	}

	m := &Monitor{
		cfg:      cfg,
		opts:     opts,
		logger:   opts.Logger,
		registry: topics.NewRegistry(),
		watch:    connwatch.NewManager(opts.Logger),
		history:  history.NewWindow(cfg.History.MaxEntries, cfg.History.MaxAge(), loc, opts.Logger),
	}

	m.tracker = occupancy.NewTracker(occupancy.TrackerConfig{
		OnChange: m.resultChanged,
		Events:   opts.Events,
		Logger:   opts.Logger,
	})

	if cfg.Broker.Configured() {
		s, err := session.New(session.Config{
			URL:                  cfg.Broker.URL,
			Framing:              cfg.Broker.Framing,
			Event:                cfg.Broker.Event,
			Reconnection:         cfg.Broker.ReconnectionEnabled(),
			MaxReconnectAttempts: cfg.Broker.MaxReconnectAttempts,
			ReconnectDelay:       cfg.Broker.ReconnectDelay(),
			HandshakeTimeout:     cfg.Broker.HandshakeTimeout(),
			Dispatcher:           m.registry,
			Events:               opts.Events,
			Metrics:              opts.Metrics,
			Logger:               opts.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("broker session: %w", err)
		}
		m.session = s
		m.watch.Register("broker", s)
	}

	if cfg.Snapshot.Configured() {
		httpClient := opts.HTTPClient
		if httpClient == nil {
			httpOpts := []httpkit.ClientOption{httpkit.WithTimeout(cfg.Snapshot.Timeout())}
			if cfg.Snapshot.InsecureSkipVerify {
				httpOpts = append(httpOpts, httpkit.WithTLSInsecureSkipVerify())
			}
			httpClient = httpkit.NewClient(httpOpts...)
		}
		client, err := snapshot.NewClient(cfg.Snapshot.BaseURL, cfg.Snapshot.Path, cfg.UnitID, httpClient, opts.Logger)
		if err != nil {
			return nil, fmt.Errorf("snapshot client: %w", err)
		}
		m.poller = snapshot.NewPoller(snapshot.PollerConfig{
			Fetcher:  client,
			Sink:     m.tracker,
			Interval: cfg.Snapshot.Interval(),
			OnAlert:  opts.OnAlert,
			Events:   opts.Events,
			Metrics:  opts.Metrics,
			Logger:   opts.Logger,
		})
		m.watch.Register("snapshot", m.poller)
	}

	if cfg.MQTT.Configured() {
		b, err := mqtt.NewBridge(mqtt.BridgeConfig{
			MQTT:       cfg.MQTT,
			UnitID:     cfg.UnitID,
			Dispatcher: m.registry,
			Events:     opts.Events,
			Metrics:    opts.Metrics,
			Logger:     opts.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("mqtt bridge: %w", err)
		}
		m.bridge = b
		m.watch.Register("mqtt", b)
	}

	m.subscribeSignals()
	return m, nil
}

// subscribeSignals binds each configured topic to its signal field.
func (m *Monitor) subscribeSignals() {
	bindings := []struct {
		topic  string
		signal occupancy.Signal
	}{
		{m.cfg.Topics.Proximity1, occupancy.Proximity1},
		{m.cfg.Topics.Proximity2, occupancy.Proximity2},
		{m.cfg.Topics.Temperature, occupancy.Temperature},
		{m.cfg.Topics.Humidity, occupancy.Humidity},
	}
	for _, b := range bindings {
		if b.topic == "" {
			continue
		}
		m.subs = append(m.subs, m.registry.Subscribe(b.topic, m.signalHandler(b.signal)))
	}
}

func (m *Monitor) signalHandler(s occupancy.Signal) topics.Handler {
	return func(msg topics.Message) {
		v, err := occupancy.ParseReading(msg.Payload)
		if err != nil {
			m.logger.Warn("ignoring unparseable reading",
				"topic", msg.Topic,
				"signal", s.String(),
				"source", msg.Source,
				"error", err,
			)
			return
		}
		m.tracker.Set(trackerSource(msg.Source), s, v)
	}
}

// trackerSource maps a message source onto a provenance source.
func trackerSource(src string) string {
	switch src {
	case mqtt.MessageSource:
		return occupancy.SourceMQTT
	default:
		return occupancy.SourceSocket
	}
}

func (m *Monitor) resultChanged(res occupancy.Result) {
	m.opts.Metrics.ObserveResult(res)
	m.history.Observe(res)

	if m.bridge != nil {
		m.bridge.Submit(res)
	}

	if m.opts.OnChange != nil {
		m.opts.OnChange(res)
	}
}

// Start opens the broker session, starts the poll loop and connects
// the MQTT bridge. Calling Start on a running monitor does nothing.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		m.logger.Debug("monitor already running")
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true

	if m.session != nil {
		m.session.Open(ctx)
	}
	if m.poller != nil {
		m.handle = m.poller.Start(ctx)
	}
	if m.bridge != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := m.bridge.Start(ctx); err != nil {
				m.logger.Error("mqtt bridge failed", "error", err)
			}
		}()
	}

	m.logger.Info("monitor started",
		"unit_id", m.cfg.UnitID,
		"sources", m.watch.Names(),
	)
}

// Stop closes the session, stops the poll loop and disconnects the
// bridge. The last result is kept.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel, handle := m.cancel, m.handle
	m.handle = nil
	m.mu.Unlock()

	if handle != nil {
		handle.Stop()
	}
	if m.session != nil {
		if err := m.session.Close(); err != nil {
			m.logger.Debug("session close", "error", err)
		}
	}
	if m.bridge != nil {
		ctx, c := context.WithTimeout(context.Background(), stopTimeout)
		if err := m.bridge.Stop(ctx); err != nil {
			m.logger.Warn("mqtt disconnect failed", "error", err)
		}
		c()
	}
	cancel()
	m.wg.Wait()

	m.logger.Info("monitor stopped")
}

// Registry exposes the topic registry for presentation subscribers.
func (m *Monitor) Registry() *topics.Registry {
	return m.registry
}

// Tracker exposes the signal state.
func (m *Monitor) Tracker() *occupancy.Tracker {
	return m.tracker
}

// Result returns the current occupancy result.
func (m *Monitor) Result() occupancy.Result {
	return m.tracker.Result()
}

// History returns the window of recent slot transitions.
func (m *Monitor) History() *history.Window {
	return m.history
}

// Health returns the connection watcher covering every source.
func (m *Monitor) Health() *connwatch.Manager {
	return m.watch
}

// Status reports the connection state of every configured source.
func (m *Monitor) Status() map[string]connwatch.ServiceStatus {
	return m.watch.Status()
}

// Session returns the broker session, or nil when none is configured.
func (m *Monitor) Session() *session.Session {
	return m.session
}
