package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"face-detect-go/internal/integrations/facedetection"
	"face-detect-go/internal/integrations/mqtt"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

var errUploadTooLarge = errors.New("upload too large")

// FaceDetector is the detection surface the API needs
type FaceDetector interface {
	DetectFaces(ctx context.Context, img image.Image) ([]facedetection.BoundingBox, error)
	EngineName() string
	IsInitialized() bool
	Stats() facedetection.Stats
}

// EventPublisher receives detection events and detector state changes
type EventPublisher interface {
	PublishDetection(event mqtt.DetectionEvent) error
	PublishState(engine string, initialized bool) error
}

// DetectResponse is the body returned by POST /api/detect
type DetectResponse struct {
	RequestID string                      `json:"request_id"`
	Engine    string                      `json:"engine"`
	Count     int                         `json:"count"`
	Faces     []facedetection.BoundingBox `json:"faces"`
	Duration  float64                     `json:"duration"`
}

// APIHandler serves the detection API
type APIHandler struct {
	detector       FaceDetector
	publisher      EventPublisher
	maxUploadBytes int64
	stateReported  atomic.Bool
}

// NewAPIHandler creates an API handler. publisher may be nil.
func NewAPIHandler(detector FaceDetector, publisher EventPublisher, maxUploadBytes int64) *APIHandler {
	return &APIHandler{
		detector:       detector,
		publisher:      publisher,
		maxUploadBytes: maxUploadBytes,
	}
}

// RegisterRoutes registers the API routes
func (h *APIHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/detect", h.DetectFaces)
	router.GET("/status", h.GetStatus)
}

// DetectFaces decodes the uploaded image and returns the face boxes.
// The image is read from the multipart field "file" or from the raw body.
func (h *APIHandler) DetectFaces(c *gin.Context) {
	requestID := uuid.NewString()
	fields := log.Fields{"component": "api", "request_id": requestID}

	img, source, err := h.readImage(c)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errUploadTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		log.WithFields(fields).WithError(err).Debug("Rejected detection request")
		c.JSON(status, gin.H{"error": err.Error(), "request_id": requestID})
		return
	}

	start := time.Now()
	boxes, err := h.detector.DetectFaces(c.Request.Context(), img)
	duration := time.Since(start).Seconds()
	if err != nil {
		status, kind := classifyError(err)
		log.WithFields(fields).WithError(err).Errorf("Face detection failed (%s)", kind)
		c.JSON(status, gin.H{"error": err.Error(), "kind": kind, "request_id": requestID})
		return
	}

	resp := DetectResponse{
		RequestID: requestID,
		Engine:    h.detector.EngineName(),
		Count:     len(boxes),
		Faces:     boxes,
		Duration:  duration,
	}
	h.publish(resp, source)

	c.JSON(http.StatusOK, resp)
}

// GetStatus reports the detector state and system statistics
func (h *APIHandler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"engine":      h.detector.EngineName(),
		"initialized": h.detector.IsInitialized(),
		"detector":    h.detector.Stats(),
		"system":      systemStats(),
	})
}

func (h *APIHandler) readImage(c *gin.Context) (image.Image, string, error) {
	if h.maxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)
	}

	var (
		reader io.Reader
		source = c.Query("source")
	)
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		fileHeader, err := c.FormFile("file")
		if err != nil {
			if tooLarge := uploadLimitError(err); tooLarge != nil {
				return nil, "", tooLarge
			}
			return nil, "", fmt.Errorf("no file uploaded or invalid form data: %w", err)
		}
		file, err := fileHeader.Open()
		if err != nil {
			return nil, "", fmt.Errorf("failed to open upload: %w", err)
		}
		defer file.Close()
		reader = file
		if source == "" {
			source = fileHeader.Filename
		}
	} else {
		reader = c.Request.Body
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		if tooLarge := uploadLimitError(err); tooLarge != nil {
			return nil, "", tooLarge
		}
		return nil, "", fmt.Errorf("failed to read upload: %w", err)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode image: %w", err)
	}
	return img, source, nil
}

// uploadLimitError returns errUploadTooLarge when err comes from the body size limit
func uploadLimitError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return fmt.Errorf("%w: limit is %d bytes", errUploadTooLarge, maxErr.Limit)
	}
	return nil
}

func (h *APIHandler) publish(resp DetectResponse, source string) {
	if h.publisher == nil {
		return
	}

	if h.detector.IsInitialized() && !h.stateReported.Swap(true) {
		if err := h.publisher.PublishState(resp.Engine, true); err != nil {
			log.WithError(err).Warn("Failed to publish detector state")
		}
	}

	err := h.publisher.PublishDetection(mqtt.DetectionEvent{
		ID:        resp.RequestID,
		Engine:    resp.Engine,
		Source:    source,
		Count:     resp.Count,
		Faces:     resp.Faces,
		Duration:  resp.Duration,
		Timestamp: time.Now(),
	})
	if err != nil {
		log.WithError(err).Warn("Failed to publish detection event")
	}
}

// classifyError maps a detection error to an HTTP status and error kind
func classifyError(err error) (int, string) {
	switch {
	case facedetection.IsInitializationError(err):
		return http.StatusServiceUnavailable, facedetection.OutcomeInitializationFailed.String()
	case errors.Is(err, facedetection.ErrServiceClosed):
		return http.StatusServiceUnavailable, "service_closed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout, "canceled"
	default:
		return http.StatusInternalServerError, facedetection.OutcomeDetectionFailed.String()
	}
}
