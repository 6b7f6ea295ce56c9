package facedetection

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubDetector struct {
	result *DetectorResult
	err    error
	calls  atomic.Int32
	closed atomic.Bool
}

func (d *stubDetector) Detect(ctx context.Context, img image.Image) (*DetectorResult, error) {
	d.calls.Add(1)
	return d.result, d.err
}

func (d *stubDetector) Close() error {
	d.closed.Store(true)
	return nil
}

type stubEngine struct {
	detector   *stubDetector
	resolveErr error
	// createErr returns the error for the n-th construction (1-based)
	createErr func(n int32) error
	// gate, when set, blocks CreateDetector until closed
	gate chan struct{}

	resolves    atomic.Int32
	creates     atomic.Int32
	lastURL     atomic.Value
	lastOptions atomic.Value
}

func (e *stubEngine) Name() string { return "stub" }

func (e *stubEngine) ResolveAssets(ctx context.Context, runtimeURL string) (*AssetBundle, error) {
	e.resolves.Add(1)
	e.lastURL.Store(runtimeURL)
	if e.resolveErr != nil {
		return nil, e.resolveErr
	}
	return &AssetBundle{BaseURL: runtimeURL, Version: "test"}, nil
}

func (e *stubEngine) CreateDetector(ctx context.Context, assets *AssetBundle, opts Options) (Detector, error) {
	n := e.creates.Add(1)
	e.lastOptions.Store(opts)
	if e.gate != nil {
		select {
		case <-e.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.createErr != nil {
		if err := e.createErr(n); err != nil {
			return nil, err
		}
	}
	if e.detector == nil {
		return nil, nil
	}
	return e.detector, nil
}

func newStub(result *DetectorResult) *stubEngine {
	return &stubEngine{detector: &stubDetector{result: result}}
}

func testImage() image.Image {
	return image.NewRGBA(image.Rect(0, 0, 64, 48))
}

func TestDetectFaces_NoFaces(t *testing.T) {
	for name, result := range map[string]*DetectorResult{
		"nil result":    nil,
		"no detections": {Detections: []Detection{}},
	} {
		t.Run(name, func(t *testing.T) {
			s := NewService(newStub(result), Settings{})

			boxes, err := s.DetectFaces(context.Background(), testImage())
			require.NoError(t, err)
			assert.NotNil(t, boxes)
			assert.Empty(t, boxes)
		})
	}
}

func TestDetectFaces_MapsBoxesInEngineOrder(t *testing.T) {
	result := &DetectorResult{Detections: []Detection{
		{
			BoundingBox: BoundingBox{OriginX: 40, OriginY: 12.5, Width: 20, Height: 22},
			Categories:  []Category{{Score: 0.93, Label: "face"}},
			Keypoints:   []Keypoint{{X: 45, Y: 20}},
		},
		{BoundingBox: BoundingBox{OriginX: 1, OriginY: 2, Width: 3, Height: 4}},
		{BoundingBox: BoundingBox{OriginX: 30, OriginY: 0, Width: 8.25, Height: 9}},
	}}
	s := NewService(newStub(result), Settings{})

	boxes, err := s.DetectFaces(context.Background(), testImage())
	require.NoError(t, err)
	assert.Equal(t, []BoundingBox{
		{OriginX: 40, OriginY: 12.5, Width: 20, Height: 22},
		{OriginX: 1, OriginY: 2, Width: 3, Height: 4},
		{OriginX: 30, OriginY: 0, Width: 8.25, Height: 9},
	}, boxes)
	assert.Equal(t, int64(3), s.Stats().FacesDetected)
}

func TestDetectFaces_ConstructsOnce(t *testing.T) {
	engine := newStub(nil)
	s := NewService(engine, Settings{
		RuntimeURL: "https://cdn.example.com/runtime@1.0.0",
		ModelURL:   "https://models.example.com/face.bin",
	})
	assert.False(t, s.IsInitialized())

	for i := 0; i < 2; i++ {
		_, err := s.DetectFaces(context.Background(), testImage())
		require.NoError(t, err)
	}

	assert.Equal(t, int32(1), engine.resolves.Load())
	assert.Equal(t, int32(1), engine.creates.Load())
	assert.Equal(t, int32(2), engine.detector.calls.Load())
	assert.True(t, s.IsInitialized())

	assert.Equal(t, "https://cdn.example.com/runtime@1.0.0", engine.lastURL.Load())
	assert.Equal(t, Options{
		ModelAssetPath: "https://models.example.com/face.bin",
		Delegate:       DelegateGPU,
		RunningMode:    RunningModeImage,
	}, engine.lastOptions.Load())
}

func TestDetectFaces_ConstructionFailureIsRetried(t *testing.T) {
	cause := errors.New("model fetch failed")
	engine := newStub(nil)
	engine.createErr = func(n int32) error {
		if n == 1 {
			return cause
		}
		return nil
	}
	s := NewService(engine, Settings{})

	_, err := s.DetectFaces(context.Background(), testImage())
	require.Error(t, err)
	var initErr *InitializationError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, StageCreateDetector, initErr.Stage)
	assert.Equal(t, "stub", initErr.Engine)
	assert.ErrorIs(t, err, cause)
	assert.False(t, s.IsInitialized())
	assert.Equal(t, int32(0), engine.detector.calls.Load())

	_, err = s.DetectFaces(context.Background(), testImage())
	require.NoError(t, err)
	assert.Equal(t, int32(2), engine.creates.Load())
	assert.True(t, s.IsInitialized())

	stats := s.Stats()
	assert.Equal(t, int64(2), stats.ConstructionAttempts)
	assert.Equal(t, int64(1), stats.ConstructionFailures)
}

func TestDetectFaces_AssetResolutionFailure(t *testing.T) {
	cause := errors.New("cdn unreachable")
	engine := newStub(nil)
	engine.resolveErr = cause
	s := NewService(engine, Settings{})

	_, err := s.DetectFaces(context.Background(), testImage())
	var initErr *InitializationError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, StageResolveAssets, initErr.Stage)
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsInitializationError(err))
	assert.Equal(t, int32(0), engine.creates.Load())
	assert.False(t, s.IsInitialized())
}

func TestDetectFaces_NilDetectorIsInitializationFailure(t *testing.T) {
	engine := &stubEngine{}
	s := NewService(engine, Settings{})

	_, err := s.DetectFaces(context.Background(), testImage())
	assert.True(t, IsInitializationError(err))
	assert.False(t, s.IsInitialized())
}

func TestDetectFaces_DetectionErrorPropagatesUnchanged(t *testing.T) {
	detectErr := errors.New("inference failed")
	engine := newStub(nil)
	engine.detector.err = detectErr
	s := NewService(engine, Settings{})

	_, err := s.DetectFaces(context.Background(), testImage())
	require.Error(t, err)
	assert.True(t, err == detectErr, "detection error must not be wrapped")
	assert.False(t, IsInitializationError(err))
	assert.True(t, s.IsInitialized())

	engine.detector.err = nil
	_, err = s.DetectFaces(context.Background(), testImage())
	require.NoError(t, err)
	assert.Equal(t, int32(1), engine.creates.Load())
	assert.Equal(t, int64(1), s.Stats().DetectionFailures)
}

func TestDetectFaces_ConcurrentFirstCallsShareConstruction(t *testing.T) {
	engine := newStub(&DetectorResult{Detections: []Detection{
		{BoundingBox: BoundingBox{OriginX: 5, OriginY: 6, Width: 7, Height: 8}},
	}})
	engine.gate = make(chan struct{})
	s := NewService(engine, Settings{})

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	results := make([][]BoundingBox, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.DetectFaces(context.Background(), testImage())
		}(i)
	}

	require.Eventually(t, func() bool { return engine.creates.Load() == 1 }, time.Second, 5*time.Millisecond)
	close(engine.gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Len(t, results[i], 1)
	}
	assert.Equal(t, int32(1), engine.resolves.Load())
	assert.Equal(t, int32(1), engine.creates.Load())
	assert.Equal(t, int32(callers), engine.detector.calls.Load())
}

func TestDetectFaces_WaiterCancellationDoesNotAbortConstruction(t *testing.T) {
	engine := newStub(nil)
	engine.gate = make(chan struct{})
	s := NewService(engine, Settings{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.DetectFaces(ctx, testImage())
		done <- err
	}()

	require.Eventually(t, func() bool { return engine.creates.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(engine.gate)
	require.Eventually(t, s.IsInitialized, time.Second, 5*time.Millisecond)

	_, err := s.DetectFaces(context.Background(), testImage())
	require.NoError(t, err)
	assert.Equal(t, int32(1), engine.creates.Load())
}

func TestDetectFaces_InitTimeout(t *testing.T) {
	engine := newStub(nil)
	engine.gate = make(chan struct{})
	defer close(engine.gate)
	s := NewService(engine, Settings{InitTimeout: 20 * time.Millisecond})

	_, err := s.DetectFaces(context.Background(), testImage())
	assert.True(t, IsInitializationError(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, s.IsInitialized())
}

func TestDetect_Outcomes(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		s := NewService(newStub(nil), Settings{})
		out := s.Detect(context.Background(), testImage())
		assert.True(t, out.OK())
		assert.Equal(t, OutcomeOK, out.Kind)
		assert.Empty(t, out.Boxes)
	})

	t.Run("initialization failed", func(t *testing.T) {
		engine := newStub(nil)
		engine.resolveErr = errors.New("offline")
		out := NewService(engine, Settings{}).Detect(context.Background(), testImage())
		assert.Equal(t, OutcomeInitializationFailed, out.Kind)
		assert.True(t, IsInitializationError(out.Err))
	})

	t.Run("detection failed", func(t *testing.T) {
		detectErr := errors.New("bad tensor")
		engine := newStub(nil)
		engine.detector.err = detectErr
		out := NewService(engine, Settings{}).Detect(context.Background(), testImage())
		assert.Equal(t, OutcomeDetectionFailed, out.Kind)
		assert.Equal(t, detectErr, out.Err)
		assert.Equal(t, "detection_failed", out.Kind.String())
	})
}

func TestClose(t *testing.T) {
	engine := newStub(nil)
	s := NewService(engine, Settings{Delegate: DelegateCPU})

	require.NoError(t, s.Warmup(context.Background()))
	assert.Equal(t, DelegateCPU, engine.lastOptions.Load().(Options).Delegate)

	require.NoError(t, s.Close())
	assert.True(t, engine.detector.closed.Load())
	assert.False(t, s.IsInitialized())

	_, err := s.DetectFaces(context.Background(), testImage())
	assert.ErrorIs(t, err, ErrServiceClosed)
	assert.Equal(t, int32(1), engine.creates.Load())
}
