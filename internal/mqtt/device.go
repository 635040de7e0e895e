package mqtt

import (
	"github.com/google/uuid"

	"github.com/nugget/shelfwatch/internal/buildinfo"
)

// DeviceInfo holds the Home Assistant device registry fields shared
// across all MQTT discovery config payloads. Every entity published by
// a unit references the same device block so HA groups them under a
// single device page.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

// EntityConfig is the JSON payload for an HA MQTT sensor or
// binary_sensor discovery message. It is published (retained) to the
// discovery topic on every broker (re-)connect.
type EntityConfig struct {
	Name              string     `json:"name"`
	ObjectID          string     `json:"object_id,omitempty"`
	HasEntityName     bool       `json:"has_entity_name,omitempty"`
	UniqueID          string     `json:"unique_id"`
	StateTopic        string     `json:"state_topic"`
	AvailabilityTopic string     `json:"availability_topic"`
	Device            DeviceInfo `json:"device"`
	DeviceClass       string     `json:"device_class,omitempty"`
	Icon              string     `json:"icon,omitempty"`
	UnitOfMeasurement string     `json:"unit_of_measurement,omitempty"`
	StateClass        string     `json:"state_class,omitempty"`
	PayloadOn         string     `json:"payload_on,omitempty"`
	PayloadOff        string     `json:"payload_off,omitempty"`
}

// InstanceID derives a stable device identifier from the unit and
// device name. The same inputs always yield the same ID, so HA entity
// history survives restarts without any local state.
func InstanceID(unitID, deviceName string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("shelfwatch:unit:"+unitID+":"+deviceName)).String()
}

// NewDeviceInfo creates a DeviceInfo for one monitored unit.
func NewDeviceInfo(instanceID, deviceName string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{instanceID},
		Name:         deviceName,
		Manufacturer: "Shelfwatch",
		Model:        "Cold Storage Shelf Monitor",
		SWVersion:    buildinfo.Version,
	}
}
