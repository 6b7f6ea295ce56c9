package insightface

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"

	"face-detect-go/config"
	"face-detect-go/internal/integrations/facedetection"

	log "github.com/sirupsen/logrus"
)

// Bundle metadata keys
const (
	MetaBackend   = "backend"
	MetaProviders = "providers"
)

// Engine delegates detection to a remote InsightFace service
type Engine struct {
	cfg config.InsightFaceConfig
}

// NewEngine creates an InsightFace engine
func NewEngine(cfg config.InsightFaceConfig) *Engine {
	return &Engine{cfg: cfg}
}

// Name returns the engine name
func (e *Engine) Name() string {
	return config.EngineInsightFace
}

// ResolveAssets queries the service runtime. runtimeURL overrides the
// configured service URL.
func (e *Engine) ResolveAssets(ctx context.Context, runtimeURL string) (*facedetection.AssetBundle, error) {
	if runtimeURL == "" {
		runtimeURL = e.cfg.URL
	}
	if runtimeURL == "" {
		return nil, errors.New("insightface: no service URL configured")
	}

	info, err := NewAPIClient(runtimeURL, e.cfg).Info(ctx)
	if err != nil {
		return nil, err
	}

	return &facedetection.AssetBundle{
		BaseURL: strings.TrimRight(runtimeURL, "/"),
		Version: info.Version,
		Metadata: map[string]string{
			MetaBackend:   info.Backend,
			MetaProviders: strings.Join(info.Providers, ","),
		},
	}, nil
}

// CreateDetector binds a client to the resolved service
func (e *Engine) CreateDetector(ctx context.Context, assets *facedetection.AssetBundle, opts facedetection.Options) (facedetection.Detector, error) {
	if assets == nil {
		return nil, errors.New("insightface: no asset bundle")
	}
	if opts.RunningMode != facedetection.RunningModeImage {
		return nil, fmt.Errorf("insightface: unsupported running mode %q", opts.RunningMode)
	}

	if opts.Delegate == facedetection.DelegateGPU && !hasGPUProvider(assets.Metadata[MetaProviders]) {
		log.WithFields(logFields).Warnf("GPU delegate requested but InsightFace providers are %q; the service will run on CPU",
			assets.Metadata[MetaProviders])
	}

	log.WithFields(logFields).Infof("Using InsightFace %s at %s", assets.Version, assets.BaseURL)
	return &Detector{
		client:    NewAPIClient(assets.BaseURL, e.cfg),
		threshold: e.cfg.DetectionThreshold,
		model:     opts.ModelAssetPath,
	}, nil
}

func hasGPUProvider(providers string) bool {
	p := strings.ToLower(providers)
	return strings.Contains(p, "cuda") || strings.Contains(p, "tensorrt") || strings.Contains(p, "rocm")
}

// Detector runs detection requests against the service
type Detector struct {
	client    *APIClient
	threshold float64
	model     string
}

// Detect sends img to the service and converts corner boxes to origin/size
func (d *Detector) Detect(ctx context.Context, img image.Image) (*facedetection.DetectorResult, error) {
	if img == nil {
		return nil, errors.New("insightface: nil image")
	}

	apiResp, err := d.client.DetectFaces(ctx, img, d.threshold, d.model)
	if err != nil {
		return nil, err
	}

	result := &facedetection.DetectorResult{
		Detections: make([]facedetection.Detection, 0, len(apiResp.Faces)),
	}
	for _, face := range apiResp.Faces {
		if len(face.BoundingBox) < 4 {
			return nil, fmt.Errorf("insightface: malformed bbox %v", face.BoundingBox)
		}
		x1, y1, x2, y2 := face.BoundingBox[0], face.BoundingBox[1], face.BoundingBox[2], face.BoundingBox[3]
		detection := facedetection.Detection{
			BoundingBox: facedetection.BoundingBox{
				OriginX: x1,
				OriginY: y1,
				Width:   x2 - x1,
				Height:  y2 - y1,
			},
			Categories: []facedetection.Category{{Score: face.Confidence, Label: "face"}},
		}
		for _, lm := range face.Landmarks {
			if len(lm) >= 2 {
				detection.Keypoints = append(detection.Keypoints, facedetection.Keypoint{X: lm[0], Y: lm[1]})
			}
		}
		result.Detections = append(result.Detections, detection)
	}
	return result, nil
}

// Close is a no-op; the service owns the model
func (d *Detector) Close() error {
	return nil
}
