package opencv

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"

	"face-detect-go/config"
	"face-detect-go/internal/integrations/facedetection"
	"face-detect-go/internal/integrations/fileset"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

// Default asset locations of the YuNet model
const (
	DefaultRuntimeURL = "https://github.com/opencv/opencv_zoo/raw/main/models/face_detection_yunet"
	DefaultModelURL   = "face_detection_yunet_2023mar.onnx"
)

var logFields = log.Fields{
	"component": "opencv",
}

// YuNet output columns: x, y, w, h, 5 landmark pairs, score
const (
	yunetColumns   = 15
	yunetScoreCol  = 14
	yunetLandmarks = 5
)

var landmarkLabels = [yunetLandmarks]string{"right_eye", "left_eye", "nose_tip", "mouth_right", "mouth_left"}

// Engine runs OpenCV's FaceDetectorYN
type Engine struct {
	resolver *fileset.Resolver
	cfg      config.OpenCVConfig
}

// NewEngine creates an OpenCV engine fetching its model through resolver
func NewEngine(resolver *fileset.Resolver, cfg config.OpenCVConfig) *Engine {
	return &Engine{
		resolver: resolver,
		cfg:      cfg,
	}
}

// Name returns the engine name
func (e *Engine) Name() string {
	return config.EngineOpenCV
}

// ResolveAssets resolves the model bundle
func (e *Engine) ResolveAssets(ctx context.Context, runtimeURL string) (*facedetection.AssetBundle, error) {
	if runtimeURL == "" {
		runtimeURL = DefaultRuntimeURL
	}
	return e.resolver.ForVisionTasks(ctx, runtimeURL)
}

// CreateDetector fetches the ONNX model and builds the detector on the
// backend matching the delegate.
func (e *Engine) CreateDetector(ctx context.Context, assets *facedetection.AssetBundle, opts facedetection.Options) (facedetection.Detector, error) {
	if opts.RunningMode != facedetection.RunningModeImage {
		return nil, fmt.Errorf("opencv: unsupported running mode %q", opts.RunningMode)
	}

	modelURL := opts.ModelAssetPath
	if modelURL == "" {
		modelURL = DefaultModelURL
	}
	modelPath, err := e.resolver.FetchModel(ctx, assets, modelURL)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(strings.ToLower(modelPath), ".onnx") {
		return nil, fmt.Errorf("opencv: FaceDetectorYN only supports .onnx models, got %s", modelPath)
	}

	backend, target := selectBackend(opts.Delegate == facedetection.DelegateGPU)

	detector := gocv.NewFaceDetectorYNWithParams(
		modelPath,
		"",
		image.Pt(e.cfg.InputWidth, e.cfg.InputHeight),
		float32(e.cfg.ScoreThreshold),
		float32(e.cfg.NMSThreshold),
		e.cfg.TopK,
		int(backend),
		int(target),
	)

	log.WithFields(logFields).Infof("FaceDetectorYN loaded from %s", modelPath)
	return &Detector{detector: detector}, nil
}

// Detector wraps a FaceDetectorYN; inference is serialized
type Detector struct {
	mu       sync.Mutex
	detector gocv.FaceDetectorYN
	closed   bool
}

// Detect converts img to a Mat and runs FaceDetectorYN on it
func (d *Detector) Detect(ctx context.Context, img image.Image) (*facedetection.DetectorResult, error) {
	if img == nil {
		return nil, errors.New("opencv: nil image")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("opencv: convert image: %w", err)
	}
	defer mat.Close()
	if mat.Empty() {
		return nil, errors.New("opencv: empty image")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errors.New("opencv: detector is closed")
	}

	d.detector.SetInputSize(image.Pt(mat.Cols(), mat.Rows()))

	faces := gocv.NewMat()
	defer faces.Close()
	d.detector.Detect(mat, &faces)

	if faces.Cols() < yunetColumns {
		return &facedetection.DetectorResult{}, nil
	}

	result := &facedetection.DetectorResult{
		Detections: make([]facedetection.Detection, 0, faces.Rows()),
	}
	for r := 0; r < faces.Rows(); r++ {
		detection := facedetection.Detection{
			BoundingBox: facedetection.BoundingBox{
				OriginX: float64(faces.GetFloatAt(r, 0)),
				OriginY: float64(faces.GetFloatAt(r, 1)),
				Width:   float64(faces.GetFloatAt(r, 2)),
				Height:  float64(faces.GetFloatAt(r, 3)),
			},
			Categories: []facedetection.Category{{Score: float64(faces.GetFloatAt(r, yunetScoreCol)), Label: "face"}},
			Keypoints:  make([]facedetection.Keypoint, yunetLandmarks),
		}
		for k := 0; k < yunetLandmarks; k++ {
			detection.Keypoints[k] = facedetection.Keypoint{
				X:     float64(faces.GetFloatAt(r, 4+2*k)),
				Y:     float64(faces.GetFloatAt(r, 5+2*k)),
				Label: landmarkLabels[k],
			}
		}
		result.Detections = append(result.Detections, detection)
	}
	return result, nil
}

// Close releases the native detector
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.detector.Close()
	return nil
}
