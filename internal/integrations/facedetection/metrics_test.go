package facedetection

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_CountersFollowCalls(t *testing.T) {
	engine := newStub(&DetectorResult{Detections: []Detection{
		{BoundingBox: BoundingBox{Width: 1, Height: 1}},
		{BoundingBox: BoundingBox{Width: 2, Height: 2}},
	}})
	engine.createErr = func(n int32) error {
		if n == 1 {
			return errors.New("offline")
		}
		return nil
	}
	s := NewService(engine, Settings{})

	_, err := s.DetectFaces(context.Background(), testImage())
	require.Error(t, err)
	_, err = s.DetectFaces(context.Background(), testImage())
	require.NoError(t, err)
	engine.detector.err = errors.New("bad frame")
	_, err = s.DetectFaces(context.Background(), testImage())
	require.Error(t, err)

	assert.Equal(t, float64(2), testutil.ToFloat64(s.metrics.attempts))
	assert.Equal(t, float64(1), testutil.ToFloat64(s.metrics.failures))
	assert.Equal(t, float64(2), testutil.ToFloat64(s.metrics.calls))
	assert.Equal(t, float64(1), testutil.ToFloat64(s.metrics.detectionFailures))
	assert.Equal(t, float64(2), testutil.ToFloat64(s.metrics.faces))

	stats := s.Stats()
	assert.Equal(t, int64(2), stats.ConstructionAttempts)
	assert.Equal(t, int64(1), stats.ConstructionFailures)
	assert.Equal(t, int64(2), stats.DetectionCalls)
	assert.Equal(t, int64(1), stats.DetectionFailures)
	assert.Equal(t, int64(2), stats.FacesDetected)
	assert.True(t, stats.Initialized)
}

func TestMetrics_Registry(t *testing.T) {
	s := NewService(newStub(nil), Settings{})

	expected := `
# HELP face_detect_detector_initialized 1 while a detector is held
# TYPE face_detect_detector_initialized gauge
face_detect_detector_initialized{engine="stub"} 0
`
	require.NoError(t, testutil.GatherAndCompare(s.Registry(), strings.NewReader(expected), "face_detect_detector_initialized"))

	require.NoError(t, s.Warmup(context.Background()))
	expected = strings.Replace(expected, "} 0", "} 1", 1)
	require.NoError(t, testutil.GatherAndCompare(s.Registry(), strings.NewReader(expected), "face_detect_detector_initialized"))

	count, err := testutil.GatherAndCount(s.Registry())
	require.NoError(t, err)
	assert.Equal(t, 7, count)
}
