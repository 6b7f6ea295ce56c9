package homeassistant

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Constants for Home Assistant MQTT Discovery
const (
	// Default discovery prefix of Home Assistant
	DefaultDiscoveryPrefix = "homeassistant"

	ComponentSensor       = "sensor"
	ComponentBinarySensor = "binary_sensor"

	// Node ID under which all entities are grouped
	NodeID = "face_detect"
)

// EntityConfig is the discovery payload for one entity
type EntityConfig struct {
	Name                string  `json:"name"`
	UniqueID            string  `json:"unique_id"`
	StateTopic          string  `json:"state_topic"`
	Icon                string  `json:"icon,omitempty"`
	JSONAttributesTopic string  `json:"json_attributes_topic,omitempty"`
	ValueTemplate       string  `json:"value_template,omitempty"`
	UnitOfMeasurement   string  `json:"unit_of_measurement,omitempty"`
	PayloadOn           string  `json:"payload_on,omitempty"`
	PayloadOff          string  `json:"payload_off,omitempty"`
	Device              *Device `json:"device,omitempty"`
}

// Device groups the entities in Home Assistant
type Device struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
}

// Publisher is the MQTT surface discovery needs
type Publisher interface {
	PublishRetained(topic string, payload interface{}) error
	DetectionsTopic() string
	StateTopic() string
}

// DiscoveryManager announces the detector entities to Home Assistant
type DiscoveryManager struct {
	publisher Publisher
	prefix    string
	instance  string
}

// NewDiscoveryManager creates a discovery manager. instance distinguishes
// several detectors on one broker, typically the MQTT client ID.
func NewDiscoveryManager(publisher Publisher, prefix, instance string) *DiscoveryManager {
	if prefix == "" {
		prefix = DefaultDiscoveryPrefix
	}
	return &DiscoveryManager{
		publisher: publisher,
		prefix:    strings.TrimSuffix(prefix, "/"),
		instance:  normalize(instance),
	}
}

// Register publishes the discovery configuration for the face count sensor
// and the detector state binary sensor
func (dm *DiscoveryManager) Register(engine string) error {
	device := &Device{
		Identifiers:  []string{dm.instance},
		Name:         "Face Detect",
		Manufacturer: "face-detect-go",
		Model:        engine,
	}

	faces := EntityConfig{
		Name:                "Faces",
		UniqueID:            dm.instance + "_faces",
		StateTopic:          dm.publisher.DetectionsTopic(),
		JSONAttributesTopic: dm.publisher.DetectionsTopic(),
		ValueTemplate:       "{{ value_json.count }}",
		UnitOfMeasurement:   "faces",
		Icon:                "mdi:face-recognition",
		Device:              device,
	}
	if err := dm.publish(ComponentSensor, "faces", faces); err != nil {
		return err
	}

	state := EntityConfig{
		Name:          "Detector ready",
		UniqueID:      dm.instance + "_initialized",
		StateTopic:    dm.publisher.StateTopic(),
		ValueTemplate: "{{ 'ON' if value_json.initialized else 'OFF' }}",
		PayloadOn:     "ON",
		PayloadOff:    "OFF",
		Icon:          "mdi:cctv",
		Device:        device,
	}
	return dm.publish(ComponentBinarySensor, "initialized", state)
}

// DiscoveryTopic returns the config topic for an entity
func (dm *DiscoveryManager) DiscoveryTopic(component, object string) string {
	return fmt.Sprintf("%s/%s/%s/%s_%s/config", dm.prefix, component, NodeID, dm.instance, object)
}

func (dm *DiscoveryManager) publish(component, object string, cfg EntityConfig) error {
	topic := dm.DiscoveryTopic(component, object)
	log.Infof("Registering Home Assistant %s: %s", component, cfg.Name)
	if err := dm.publisher.PublishRetained(topic, cfg); err != nil {
		return fmt.Errorf("failed to publish discovery configuration: %w", err)
	}
	return nil
}

// normalize lowercases and replaces characters Home Assistant rejects in IDs
func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return NodeID
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
