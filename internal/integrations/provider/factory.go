package provider

import (
	"fmt"
	"time"

	"face-detect-go/config"
	"face-detect-go/internal/integrations/facedetection"
	"face-detect-go/internal/integrations/fileset"
	"face-detect-go/internal/integrations/insightface"
	"face-detect-go/internal/integrations/opencv"
	"face-detect-go/internal/integrations/pigo"

	log "github.com/sirupsen/logrus"
)

// CreateService builds the face detection service for the configured engine.
// The detector itself is constructed on first use.
func CreateService(cfg *config.Config) (*facedetection.Service, error) {
	engine, err := CreateEngine(cfg.Detector)
	if err != nil {
		return nil, err
	}

	settings := facedetection.Settings{
		RuntimeURL:  cfg.Detector.RuntimeURL,
		ModelURL:    cfg.Detector.ModelURL,
		Delegate:    facedetection.Delegate(cfg.Detector.Delegate),
		InitTimeout: time.Duration(cfg.Detector.InitTimeoutSeconds) * time.Second,
	}

	log.Infof("Face detection engine: %s (delegate %s)", engine.Name(), settings.Delegate)
	return facedetection.NewService(engine, settings), nil
}

// CreateEngine returns the engine named in the detector configuration
func CreateEngine(cfg config.DetectorConfig) (facedetection.Engine, error) {
	resolver := fileset.NewResolver(cfg.CacheDir, time.Duration(cfg.FetchTimeout)*time.Second)

	switch cfg.Engine {
	case config.EnginePigo:
		return pigo.NewEngine(resolver, cfg.Pigo), nil
	case config.EngineOpenCV:
		return opencv.NewEngine(resolver, cfg.OpenCV), nil
	case config.EngineInsightFace:
		return insightface.NewEngine(cfg.InsightFace), nil
	default:
		return nil, fmt.Errorf("unknown detector engine %q", cfg.Engine)
	}
}
