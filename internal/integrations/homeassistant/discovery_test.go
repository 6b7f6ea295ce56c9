package homeassistant

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	messages map[string]interface{}
	err      error
}

func (p *recordingPublisher) PublishRetained(topic string, payload interface{}) error {
	if p.err != nil {
		return p.err
	}
	if p.messages == nil {
		p.messages = map[string]interface{}{}
	}
	p.messages[topic] = payload
	return nil
}

func (p *recordingPublisher) DetectionsTopic() string { return "faces/detections" }

func (p *recordingPublisher) StateTopic() string { return "faces/state" }

func TestRegister(t *testing.T) {
	pub := &recordingPublisher{}
	dm := NewDiscoveryManager(pub, "", "Face-Detect Go")

	require.NoError(t, dm.Register("pigo"))
	require.Len(t, pub.messages, 2)

	faces, ok := pub.messages["homeassistant/sensor/face_detect/face_detect_go_faces/config"].(EntityConfig)
	require.True(t, ok)
	assert.Equal(t, "face_detect_go_faces", faces.UniqueID)
	assert.Equal(t, "faces/detections", faces.StateTopic)
	assert.Equal(t, "{{ value_json.count }}", faces.ValueTemplate)
	assert.Equal(t, "pigo", faces.Device.Model)

	state, ok := pub.messages["homeassistant/binary_sensor/face_detect/face_detect_go_initialized/config"].(EntityConfig)
	require.True(t, ok)
	assert.Equal(t, "faces/state", state.StateTopic)
	assert.Equal(t, faces.Device, state.Device)
}

func TestRegister_CustomPrefix(t *testing.T) {
	dm := NewDiscoveryManager(&recordingPublisher{}, "ha/", "")
	assert.Equal(t, "ha/sensor/face_detect/face_detect_faces/config", dm.DiscoveryTopic(ComponentSensor, "faces"))
}

func TestRegister_PublishError(t *testing.T) {
	cause := errors.New("not connected")
	dm := NewDiscoveryManager(&recordingPublisher{err: cause}, "", "cam")

	err := dm.Register("opencv")
	assert.ErrorIs(t, err, cause)
}
