package mqtt

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"

	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/shelfwatch/internal/config"
	"github.com/nugget/shelfwatch/internal/occupancy"
)

// publishConn is the subset of *autopaho.ConnectionManager the
// publisher uses.
type publishConn interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Entity suffixes used in state and discovery topics.
const (
	entitySlot1       = "slot1"
	entitySlot2       = "slot2"
	entityTemperature = "temperature"
	entityHumidity    = "humidity"
)

// Publisher announces the unit to Home Assistant and publishes
// occupancy state. It holds the last result so a reconnect can restore
// retained state immediately.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	logger     *slog.Logger

	mu   sync.Mutex
	conn publishConn
	last *occupancy.Result
}

// NewPublisher creates a publisher for unitID. It does nothing until a
// connection is attached with Announce.
func NewPublisher(cfg config.MQTTConfig, unitID string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	id := InstanceID(unitID, cfg.DeviceName)
	return &Publisher{
		cfg:        cfg,
		instanceID: id,
		device:     NewDeviceInfo(id, cfg.DeviceName),
		logger:     logger,
	}
}

// Device returns the HA device block.
func (p *Publisher) Device() DeviceInfo {
	return p.device
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "shelfwatch/" + p.cfg.DeviceName
}

// AvailabilityTopic is where "online"/"offline" is published.
func (p *Publisher) AvailabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// --- Discovery ---

type entityDef struct {
	component    string
	entitySuffix string
	config       EntityConfig
}

func (p *Publisher) entityDefinitions() []entityDef {
	avail := p.AvailabilityTopic()
	base := func(suffix, name string) EntityConfig {
		return EntityConfig{
			Name:              name,
			ObjectID:          suffix,
			HasEntityName:     true,
			UniqueID:          p.instanceID + "_" + suffix,
			StateTopic:        p.stateTopic(suffix),
			AvailabilityTopic: avail,
			Device:            p.device,
		}
	}

	slot := func(suffix, name string) entityDef {
		c := base(suffix, name)
		c.DeviceClass = "occupancy"
		c.PayloadOn = "ON"
		c.PayloadOff = "OFF"
		return entityDef{component: "binary_sensor", entitySuffix: suffix, config: c}
	}

	temp := base(entityTemperature, "Temperature")
	temp.DeviceClass = "temperature"
	temp.UnitOfMeasurement = "°C"
	temp.StateClass = "measurement"

	hum := base(entityHumidity, "Humidity")
	hum.DeviceClass = "humidity"
	hum.UnitOfMeasurement = "%"
	hum.StateClass = "measurement"

	return []entityDef{
		slot(entitySlot1, "Slot 1"),
		slot(entitySlot2, "Slot 2"),
		{component: "sensor", entitySuffix: entityTemperature, config: temp},
		{component: "sensor", entitySuffix: entityHumidity, config: hum},
	}
}

// Announce attaches conn, publishes discovery configs and the "online"
// birth message, then republishes the last known state. Called from
// the connection-up callback on every (re-)connect.
func (p *Publisher) Announce(ctx context.Context, conn publishConn) {
	p.mu.Lock()
	p.conn = conn
	last := p.last
	p.mu.Unlock()

	for _, d := range p.entityDefinitions() {
		topic := p.discoveryTopic(d.component, d.entitySuffix)
		payload, err := json.Marshal(d.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload",
				"entity", d.entitySuffix, "error", err)
			continue
		}
		if _, err := conn.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed",
				"entity", d.entitySuffix, "topic", topic, "error", err)
		} else {
			p.logger.Debug("mqtt discovery published",
				"entity", d.entitySuffix, "topic", topic)
		}
	}

	p.publishAvailability(ctx, conn, "online")
	if last != nil {
		p.publishStates(ctx, conn, *last)
	}
}

// Offline publishes "offline" on the availability topic and detaches
// the connection.
func (p *Publisher) Offline(ctx context.Context) {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()

	if conn != nil {
		p.publishAvailability(ctx, conn, "offline")
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, conn publishConn, status string) {
	if _, err := conn.Publish(ctx, &paho.Publish{
		Topic:   p.AvailabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// PublishResult records res and publishes it if connected. Safe to use
// as an occupancy change callback.
func (p *Publisher) PublishResult(ctx context.Context, res occupancy.Result) {
	p.mu.Lock()
	p.last = &res
	conn := p.conn
	p.mu.Unlock()

	if conn == nil {
		p.logger.Debug("mqtt not connected, state will publish on connect")
		return
	}
	p.publishStates(ctx, conn, res)
}

// stateValues renders res as entity → payload. Unknown climate
// readings are omitted so HA keeps its last value.
func stateValues(res occupancy.Result) map[string]string {
	states := map[string]string{
		entitySlot1: onOff(res.Slot1Occupied),
		entitySlot2: onOff(res.Slot2Occupied),
	}
	if res.Temperature != nil {
		states[entityTemperature] = strconv.FormatFloat(*res.Temperature, 'f', -1, 64)
	}
	if res.Humidity != nil {
		states[entityHumidity] = strconv.FormatFloat(*res.Humidity, 'f', -1, 64)
	}
	return states
}

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

func (p *Publisher) publishStates(ctx context.Context, conn publishConn, res occupancy.Result) {
	states := stateValues(res)
	for entity, value := range states {
		if _, err := conn.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(entity),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed",
				"entity", entity, "error", err)
		}
	}

	p.logger.Debug("mqtt occupancy states published",
		"entities", len(states))
}
