package pigo

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"sync"

	"face-detect-go/config"
	"face-detect-go/internal/integrations/facedetection"
	"face-detect-go/internal/integrations/fileset"

	pigocore "github.com/esimov/pigo/core"
	log "github.com/sirupsen/logrus"
)

// Default asset locations of the pigo cascade files
const (
	DefaultRuntimeURL = "https://raw.githubusercontent.com/esimov/pigo/v1.4.6/cascade"
	DefaultModelURL   = "facefinder"
)

var logFields = log.Fields{
	"component": "pigo",
}

// Engine runs the pure-Go pigo cascade detector
type Engine struct {
	resolver *fileset.Resolver
	cfg      config.PigoConfig
}

// NewEngine creates a pigo engine fetching its cascade through resolver
func NewEngine(resolver *fileset.Resolver, cfg config.PigoConfig) *Engine {
	return &Engine{
		resolver: resolver,
		cfg:      cfg,
	}
}

// Name returns the engine name
func (e *Engine) Name() string {
	return config.EnginePigo
}

// ResolveAssets resolves the cascade bundle
func (e *Engine) ResolveAssets(ctx context.Context, runtimeURL string) (*facedetection.AssetBundle, error) {
	if runtimeURL == "" {
		runtimeURL = DefaultRuntimeURL
	}
	return e.resolver.ForVisionTasks(ctx, runtimeURL)
}

// CreateDetector fetches and unpacks the face cascade
func (e *Engine) CreateDetector(ctx context.Context, assets *facedetection.AssetBundle, opts facedetection.Options) (facedetection.Detector, error) {
	if opts.RunningMode != facedetection.RunningModeImage {
		return nil, fmt.Errorf("pigo: unsupported running mode %q", opts.RunningMode)
	}
	if opts.Delegate == facedetection.DelegateGPU {
		log.WithFields(logFields).Warn("GPU delegate requested, pigo runs on CPU only; falling back to CPU")
	}

	modelURL := opts.ModelAssetPath
	if modelURL == "" {
		modelURL = DefaultModelURL
	}
	data, err := e.resolver.FetchModelBytes(ctx, assets, modelURL)
	if err != nil {
		return nil, err
	}

	classifier, err := unpack(data)
	if err != nil {
		return nil, err
	}

	log.WithFields(logFields).Infof("Face cascade loaded (%d bytes)", len(data))
	return &Detector{
		classifier: classifier,
		cfg:        e.cfg,
	}, nil
}

// unpack parses the cascade. Truncated files make pigo index out of range.
func unpack(data []byte) (classifier *pigocore.Pigo, err error) {
	defer func() {
		if r := recover(); r != nil {
			classifier = nil
			err = fmt.Errorf("pigo: malformed cascade: %v", r)
		}
	}()

	classifier, err = pigocore.NewPigo().Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("pigo: malformed cascade: %w", err)
	}
	return classifier, nil
}

// Detector runs the unpacked cascade on still images
type Detector struct {
	mu         sync.Mutex
	classifier *pigocore.Pigo
	cfg        config.PigoConfig
}

// Detect runs the cascade and clusters overlapping hits
func (d *Detector) Detect(ctx context.Context, img image.Image) (*facedetection.DetectorResult, error) {
	if img == nil {
		return nil, errors.New("pigo: nil image")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.classifier == nil {
		return nil, errors.New("pigo: detector is closed")
	}

	// pigo indexes pixels from (0,0); crops are rebased and boxes shifted back
	bounds := img.Bounds()
	if bounds.Min != (image.Point{}) {
		img = rebase(img)
	}
	cols, rows := bounds.Dx(), bounds.Dy()
	params := pigocore.CascadeParams{
		MinSize:     d.cfg.MinSize,
		MaxSize:     d.cfg.MaxSize,
		ShiftFactor: d.cfg.ShiftFactor,
		ScaleFactor: d.cfg.ScaleFactor,
		ImageParams: pigocore.ImageParams{
			Pixels: pigocore.RgbToGrayscale(img),
			Rows:   rows,
			Cols:   cols,
			Dim:    cols,
		},
	}

	dets := d.classifier.RunCascade(params, d.cfg.Angle)
	dets = d.classifier.ClusterDetections(dets, d.cfg.IoUThreshold)

	return &facedetection.DetectorResult{
		Detections: toDetections(dets, d.cfg.ScoreThreshold, bounds.Min),
	}, nil
}

// Close drops the classifier
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.classifier = nil
	return nil
}

// rebase copies img into an RGBA whose bounds start at (0,0)
func rebase(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// toDetections keeps hits scoring at least threshold, in cascade order.
// pigo reports the square's center (Row, Col) and side length (Scale);
// origin is added back to place boxes in the source image coordinates.
func toDetections(dets []pigocore.Detection, threshold float32, origin image.Point) []facedetection.Detection {
	out := make([]facedetection.Detection, 0, len(dets))
	for _, det := range dets {
		if det.Q < threshold {
			continue
		}
		side := float64(det.Scale)
		out = append(out, facedetection.Detection{
			BoundingBox: facedetection.BoundingBox{
				OriginX: float64(origin.X+det.Col) - side/2,
				OriginY: float64(origin.Y+det.Row) - side/2,
				Width:   side,
				Height:  side,
			},
			Categories: []facedetection.Category{{Score: float64(det.Q), Label: "face"}},
		})
	}
	return out
}
