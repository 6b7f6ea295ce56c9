package facedetection

import (
	"context"
	"image"
)

// Delegate is the hardware backend an engine is asked to prefer
type Delegate string

const (
	DelegateGPU Delegate = "GPU"
	DelegateCPU Delegate = "CPU"
)

// RunningMode selects still-image or streaming inference
type RunningMode string

const (
	// RunningModeImage is one-off inference on a single still image
	RunningModeImage RunningMode = "IMAGE"

	// RunningModeVideo is continuous inference on a frame stream
	RunningModeVideo RunningMode = "VIDEO"
)

// BoundingBox is an axis-aligned rectangle in image pixel coordinates
type BoundingBox struct {
	OriginX float64 `json:"originX"`
	OriginY float64 `json:"originY"`
	Width   float64 `json:"width"`
	Height  float64 `json:"height"`
}

// Category is a label and score an engine attaches to a detection
type Category struct {
	Score float64 `json:"score"`
	Label string  `json:"label,omitempty"`
}

// Keypoint is a facial landmark in image pixel coordinates
type Keypoint struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Label string  `json:"label,omitempty"`
}

// Detection is one raw engine detection
type Detection struct {
	BoundingBox BoundingBox
	Categories  []Category
	Keypoints   []Keypoint
}

// DetectorResult holds the detections of one Detect call in engine order
type DetectorResult struct {
	Detections []Detection
}

// Options is the construction record passed to Engine.CreateDetector
type Options struct {
	ModelAssetPath string
	Delegate       Delegate
	RunningMode    RunningMode
}

// AssetBundle is the resolved runtime asset bundle an engine needs
// before it can construct a detector.
type AssetBundle struct {
	BaseURL  string
	Version  string
	CacheDir string
	Metadata map[string]string
}

// Detector is a constructed engine instance ready to run detection
type Detector interface {
	// Detect runs detection once on a decoded image. A nil result means no detections.
	Detect(ctx context.Context, img image.Image) (*DetectorResult, error)

	// Close releases the engine resources
	Close() error
}

// Engine is the external inference engine the adapter delegates to
type Engine interface {
	// Name identifies the engine in logs and status output
	Name() string

	// ResolveAssets resolves the runtime asset bundle from a versioned base URL
	ResolveAssets(ctx context.Context, runtimeURL string) (*AssetBundle, error)

	// CreateDetector constructs a detector from the resolved assets
	CreateDetector(ctx context.Context, assets *AssetBundle, opts Options) (Detector, error)
}
