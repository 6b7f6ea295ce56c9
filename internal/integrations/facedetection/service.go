package facedetection

import (
	"context"
	"errors"
	"image"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

var logFields = log.Fields{
	"component": "facedetection",
}

// singleflight key for the one shared detector
const detectorKey = "detector"

// Settings configures how the Service constructs its detector
type Settings struct {
	RuntimeURL string
	ModelURL   string
	Delegate   Delegate

	// InitTimeout bounds one construction attempt. Zero means no timeout.
	InitTimeout time.Duration
}

// Stats is a snapshot of the service metrics
type Stats struct {
	Engine               string `json:"engine"`
	Initialized          bool   `json:"initialized"`
	ConstructionAttempts int64  `json:"construction_attempts"`
	ConstructionFailures int64  `json:"construction_failures"`
	DetectionCalls       int64  `json:"detection_calls"`
	DetectionFailures    int64  `json:"detection_failures"`
	FacesDetected        int64  `json:"faces_detected"`
}

// Service owns one lazily constructed detector and maps its output into
// BoundingBox values. It is safe for concurrent use: concurrent first calls
// share a single in-flight construction.
type Service struct {
	engine   Engine
	settings Settings

	mu       sync.RWMutex
	detector Detector
	closed   bool

	group singleflight.Group

	metrics *metrics
}

// NewService creates a Service for the given engine. No detector is
// constructed until the first detection or Warmup.
func NewService(engine Engine, settings Settings) *Service {
	if settings.Delegate == "" {
		settings.Delegate = DelegateGPU
	}
	s := &Service{
		engine:   engine,
		settings: settings,
	}
	s.metrics = newMetrics(engine.Name(), s.IsInitialized)
	return s
}

// Registry returns the Prometheus registry holding the service metrics.
// Callers may register further collectors on it.
func (s *Service) Registry() *prometheus.Registry {
	return s.metrics.registry
}

// EngineName returns the name of the underlying engine
func (s *Service) EngineName() string {
	return s.engine.Name()
}

// IsInitialized reports whether a detector is currently held
func (s *Service) IsInitialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.detector != nil
}

// Warmup constructs the detector ahead of the first detection
func (s *Service) Warmup(ctx context.Context) error {
	_, err := s.ensureDetector(ctx)
	return err
}

// DetectFaces detects faces in img and returns their bounding boxes in the
// order the engine produced them. An image without faces yields an empty
// slice. Construction failures are returned as *InitializationError;
// detection failures are returned unchanged.
func (s *Service) DetectFaces(ctx context.Context, img image.Image) ([]BoundingBox, error) {
	detector, err := s.ensureDetector(ctx)
	if err != nil {
		return nil, err
	}

	s.metrics.calls.Inc()
	start := time.Now()
	result, err := detector.Detect(ctx, img)
	s.metrics.duration.Observe(time.Since(start).Seconds())
	if err != nil {
		s.metrics.detectionFailures.Inc()
		log.WithFields(logFields).WithError(err).Error("Error detecting faces")
		return nil, err
	}

	if result == nil || len(result.Detections) == 0 {
		log.WithFields(logFields).Debug("No faces detected")
		return []BoundingBox{}, nil
	}

	boxes := make([]BoundingBox, len(result.Detections))
	for i, detection := range result.Detections {
		boxes[i] = detection.BoundingBox
	}
	s.metrics.faces.Add(float64(len(boxes)))

	log.WithFields(logFields).Debugf("Detected %d faces", len(boxes))
	return boxes, nil
}

// Detect is DetectFaces with the failure kind made explicit
func (s *Service) Detect(ctx context.Context, img image.Image) Outcome {
	if _, err := s.ensureDetector(ctx); err != nil {
		return Outcome{Kind: OutcomeInitializationFailed, Err: err}
	}

	boxes, err := s.DetectFaces(ctx, img)
	if err != nil {
		// The detector may have been closed in between
		if errors.Is(err, ErrServiceClosed) {
			return Outcome{Kind: OutcomeInitializationFailed, Err: err}
		}
		return Outcome{Kind: OutcomeDetectionFailed, Err: err}
	}
	return Outcome{Kind: OutcomeOK, Boxes: boxes}
}

// Stats returns a snapshot of the service counters
func (s *Service) Stats() Stats {
	return Stats{
		Engine:               s.engine.Name(),
		Initialized:          s.IsInitialized(),
		ConstructionAttempts: counterValue(s.metrics.attempts),
		ConstructionFailures: counterValue(s.metrics.failures),
		DetectionCalls:       counterValue(s.metrics.calls),
		DetectionFailures:    counterValue(s.metrics.detectionFailures),
		FacesDetected:        counterValue(s.metrics.faces),
	}
}

// Close releases the detector. Calls after Close fail with ErrServiceClosed.
func (s *Service) Close() error {
	s.mu.Lock()
	detector := s.detector
	s.detector = nil
	s.closed = true
	s.mu.Unlock()

	if detector == nil {
		return nil
	}
	log.WithFields(logFields).Info("Releasing face detector")
	return detector.Close()
}

// current returns the held detector or ErrServiceClosed
func (s *Service) current() (Detector, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrServiceClosed
	}
	return s.detector, nil
}

// ensureDetector returns the held detector, constructing it on first use.
// Callers that arrive while a construction is running wait for it instead
// of starting their own.
func (s *Service) ensureDetector(ctx context.Context) (Detector, error) {
	detector, err := s.current()
	if err != nil {
		return nil, err
	}
	if detector != nil {
		return detector, nil
	}

	// The construction must not be aborted by one waiter leaving
	initCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(detectorKey, func() (interface{}, error) {
		return s.initialize(initCtx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Detector), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// initialize performs one construction attempt and stores the detector on success
func (s *Service) initialize(ctx context.Context) (Detector, error) {
	// A previous flight may have finished after the caller's check
	detector, err := s.current()
	if err != nil {
		return nil, err
	}
	if detector != nil {
		return detector, nil
	}

	if s.settings.InitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.settings.InitTimeout)
		defer cancel()
	}

	s.metrics.attempts.Inc()
	fields := log.Fields{
		"component": "facedetection",
		"engine":    s.engine.Name(),
	}
	log.WithFields(fields).Info("Initializing face detector")

	assets, err := s.engine.ResolveAssets(ctx, s.settings.RuntimeURL)
	if err != nil {
		return nil, s.initFailed(StageResolveAssets, err)
	}

	detector, err = s.engine.CreateDetector(ctx, assets, Options{
		ModelAssetPath: s.settings.ModelURL,
		Delegate:       s.settings.Delegate,
		RunningMode:    RunningModeImage,
	})
	if err != nil {
		return nil, s.initFailed(StageCreateDetector, err)
	}
	if detector == nil {
		return nil, s.initFailed(StageCreateDetector, errors.New("engine returned no detector"))
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = detector.Close()
		return nil, ErrServiceClosed
	}
	s.detector = detector
	s.mu.Unlock()

	log.WithFields(fields).Info("Face detector initialized successfully")
	return detector, nil
}

func (s *Service) initFailed(stage string, cause error) error {
	s.metrics.failures.Inc()
	err := &InitializationError{
		Engine: s.engine.Name(),
		Stage:  stage,
		Err:    cause,
	}
	log.WithFields(logFields).WithError(cause).Errorf("Error initializing face detector (%s)", stage)
	return err
}
