package mqtt

import (
	"encoding/json"
	"fmt"
	"time"

	"face-detect-go/config"
	"face-detect-go/internal/integrations/facedetection"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

var logFields = log.Fields{
	"component": "mqtt",
}

// DetectionEvent summarizes one detection request
type DetectionEvent struct {
	ID        string                      `json:"id"`
	Engine    string                      `json:"engine"`
	Source    string                      `json:"source,omitempty"`
	Count     int                         `json:"count"`
	Faces     []facedetection.BoundingBox `json:"faces"`
	Duration  float64                     `json:"duration"`
	Timestamp time.Time                   `json:"timestamp"`
}

// StateEvent reports whether the detector is initialized
type StateEvent struct {
	Engine      string    `json:"engine"`
	Initialized bool      `json:"initialized"`
	Timestamp   time.Time `json:"timestamp"`
}

// Client publishes detection events to an MQTT broker. A disabled client
// accepts all calls and publishes nothing.
type Client struct {
	config config.MQTTConfig
	client mqtt.Client
}

// NewClient creates a new MQTT client
func NewClient(cfg config.MQTTConfig) *Client {
	return &Client{config: cfg}
}

// Start connects to the broker. engine names the detector in the last will.
func (c *Client) Start(engine string) error {
	if !c.config.Enabled {
		log.WithFields(logFields).Info("MQTT client is disabled in configuration")
		return nil
	}

	opts := mqtt.NewClientOptions()

	brokerURL := fmt.Sprintf("tcp://%s:%d", c.config.Broker, c.config.Port)
	opts.AddBroker(brokerURL)
	opts.SetClientID(c.config.ClientID)

	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}

	opts.SetOnConnectHandler(c.onConnectHandler)
	opts.SetConnectionLostHandler(c.connectionLostHandler)

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(1 * time.Minute)

	// Last will marks the detector offline if we drop off
	will, err := json.Marshal(newStateEvent(engine, false))
	if err != nil {
		return fmt.Errorf("failed to marshal last will: %w", err)
	}
	opts.SetWill(c.StateTopic(), string(will), 1, true)

	c.client = mqtt.NewClient(opts)

	log.WithFields(logFields).Infof("Connecting to MQTT broker at %s", brokerURL)
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		log.WithFields(logFields).Errorf("Failed to connect to MQTT broker: %v", token.Error())
		return token.Error()
	}

	log.WithFields(logFields).Info("MQTT client connected successfully")
	return nil
}

// Stop disconnects from the broker
func (c *Client) Stop() {
	if c.client != nil && c.client.IsConnected() {
		log.WithFields(logFields).Info("Disconnecting MQTT client...")
		c.client.Disconnect(250)
	}
}

// IsConnected reports whether the client is connected
func (c *Client) IsConnected() bool {
	return c.client != nil && c.client.IsConnected()
}

// Enabled reports whether publishing is configured
func (c *Client) Enabled() bool {
	return c.config.Enabled
}

// DetectionsTopic is the topic detection events go to
func (c *Client) DetectionsTopic() string {
	return c.config.Topic + "/detections"
}

// StateTopic is the retained topic for the detector state
func (c *Client) StateTopic() string {
	return c.config.Topic + "/state"
}

// PublishDetection publishes a detection summary
func (c *Client) PublishDetection(event DetectionEvent) error {
	if !c.config.Enabled {
		return nil
	}
	return c.publish(c.DetectionsTopic(), event, false)
}

// PublishState publishes the detector state as a retained message
func (c *Client) PublishState(engine string, initialized bool) error {
	if !c.config.Enabled {
		return nil
	}
	return c.publish(c.StateTopic(), newStateEvent(engine, initialized), true)
}

func newStateEvent(engine string, initialized bool) StateEvent {
	return StateEvent{
		Engine:      engine,
		Initialized: initialized,
		Timestamp:   time.Now(),
	}
}

// PublishRetained publishes an arbitrary JSON payload as a retained message
func (c *Client) PublishRetained(topic string, payload interface{}) error {
	if !c.config.Enabled {
		return nil
	}
	return c.publish(topic, payload, true)
}

func (c *Client) onConnectHandler(client mqtt.Client) {
	log.WithFields(logFields).Infof("Connected to MQTT broker at %s:%d", c.config.Broker, c.config.Port)
}

func (c *Client) connectionLostHandler(client mqtt.Client, err error) {
	log.WithFields(logFields).Errorf("MQTT connection lost: %v", err)
}

func (c *Client) publish(topic string, payload interface{}, retain bool) error {
	if !c.IsConnected() {
		return fmt.Errorf("MQTT client is not connected")
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload to JSON: %w", err)
	}

	token := c.client.Publish(topic, 1, retain, payloadBytes)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish message to topic %s: %w", topic, token.Error())
	}

	log.WithFields(logFields).Debugf("Published message to topic: %s", topic)
	return nil
}
