package insightface

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"strconv"
	"strings"
	"time"

	"face-detect-go/config"

	"github.com/go-resty/resty/v2"
	log "github.com/sirupsen/logrus"
)

var logFields = log.Fields{
	"component": "insightface",
}

// APIClient talks to the InsightFace REST service
type APIClient struct {
	baseURL string
	client  *resty.Client
}

// apiInfoResponse describes the service runtime
type apiInfoResponse struct {
	Status    string   `json:"status"`
	Version   string   `json:"version"`
	Backend   string   `json:"backend"`
	Providers []string `json:"providers"`
}

// apiFace is one detected face; bbox is [x1, y1, x2, y2]
type apiFace struct {
	BoundingBox []float64   `json:"bbox"`
	Confidence  float64     `json:"confidence"`
	Landmarks   [][]float64 `json:"landmarks,omitempty"`
}

// apiDetectResponse is the answer to a detection request
type apiDetectResponse struct {
	Status      string    `json:"status"`
	FacesCount  int       `json:"faces_count"`
	Faces       []apiFace `json:"faces"`
	ProcessTime float64   `json:"process_time"`
}

// NewAPIClient creates a client for baseURL
func NewAPIClient(baseURL string, cfg config.InsightFaceConfig) *APIClient {
	client := resty.New()
	if cfg.Timeout > 0 {
		client.SetTimeout(time.Duration(cfg.Timeout) * time.Second)
	}
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

// Info fetches the service runtime description
func (c *APIClient) Info(ctx context.Context) (*apiInfoResponse, error) {
	var info apiInfoResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&info).
		Get(c.baseURL + "/info")
	if err != nil {
		return nil, fmt.Errorf("failed to connect to InsightFace: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("InsightFace service unavailable, status: %s", resp.Status())
	}
	if info.Status != "ok" {
		return nil, fmt.Errorf("InsightFace service not ready: %q", info.Status)
	}
	return &info, nil
}

// encodeImage encodes an image as JPEG for upload
func encodeImage(img image.Image) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: 95}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DetectFaces posts img to the detection endpoint
func (c *APIClient) DetectFaces(ctx context.Context, img image.Image, threshold float64, model string) (*apiDetectResponse, error) {
	imgData, err := encodeImage(img)
	if err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}

	form := map[string]string{
		"threshold":         strconv.FormatFloat(threshold, 'f', -1, 64),
		"return_face_data":  "false",
		"extract_embedding": "false",
	}
	if model != "" {
		form["model"] = model
	}

	var apiResp apiDetectResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetFileReader("file", "image.jpg", bytes.NewReader(imgData)).
		SetFormData(form).
		SetResult(&apiResp).
		Post(c.baseURL + "/detect")
	if err != nil {
		return nil, fmt.Errorf("detection request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("unexpected status: %s, body: %s", resp.Status(), resp.String())
	}
	if apiResp.Status != "ok" {
		return nil, fmt.Errorf("API error: %s", apiResp.Status)
	}

	log.WithFields(logFields).Debugf("InsightFace found %d faces in %.3fs", len(apiResp.Faces), apiResp.ProcessTime)
	return &apiResp, nil
}
