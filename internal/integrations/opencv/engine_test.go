package opencv

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"face-detect-go/config"
	"face-detect-go/internal/integrations/facedetection"
	"face-detect-go/internal/integrations/fileset"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func TestAnyExists(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "libcuda.so")
	require.NoError(t, os.WriteFile(present, []byte("x"), 0644))

	assert.True(t, anyExists([]string{filepath.Join(dir, "missing"), present}))
	assert.False(t, anyExists([]string{filepath.Join(dir, "missing")}))
	assert.False(t, anyExists(nil))
}

func TestSelectBackend(t *testing.T) {
	t.Run("cpu delegate", func(t *testing.T) {
		t.Setenv("NVIDIA_VISIBLE_DEVICES", "all")
		backend, target := selectBackend(false)
		assert.Equal(t, gocv.NetBackendDefault, backend)
		assert.Equal(t, gocv.NetTargetCPU, target)
	})

	t.Run("gpu delegate with nvidia runtime", func(t *testing.T) {
		t.Setenv("NVIDIA_VISIBLE_DEVICES", "all")
		backend, target := selectBackend(true)
		assert.Equal(t, gocv.NetBackendCUDA, backend)
		assert.Equal(t, gocv.NetTargetCUDA, target)
	})
}

func modelServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			return
		}
		_, _ = w.Write([]byte("not a real model"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCreateDetector_RequiresONNXModel(t *testing.T) {
	srv := modelServer(t)
	e := NewEngine(fileset.NewResolver(t.TempDir(), 0), config.OpenCVConfig{})

	assets, err := e.ResolveAssets(context.Background(), srv.URL+"/models/yunet")
	require.NoError(t, err)

	_, err = e.CreateDetector(context.Background(), assets, facedetection.Options{
		ModelAssetPath: "face_detector.tflite",
		Delegate:       facedetection.DelegateCPU,
		RunningMode:    facedetection.RunningModeImage,
	})
	assert.ErrorContains(t, err, "only supports .onnx models")
}

func TestCreateDetector_RejectsVideoMode(t *testing.T) {
	e := NewEngine(fileset.NewResolver(t.TempDir(), 0), config.OpenCVConfig{})
	_, err := e.CreateDetector(context.Background(), &facedetection.AssetBundle{}, facedetection.Options{
		RunningMode: facedetection.RunningModeVideo,
	})
	assert.ErrorContains(t, err, "unsupported running mode")
}

func TestCreateDetector_ModelFetchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)
	e := NewEngine(fileset.NewResolver(t.TempDir(), 0), config.OpenCVConfig{})

	assets, err := e.ResolveAssets(context.Background(), srv.URL+"/models/yunet")
	require.NoError(t, err)

	_, err = e.CreateDetector(context.Background(), assets, facedetection.Options{
		RunningMode: facedetection.RunningModeImage,
	})
	assert.ErrorContains(t, err, "404")
}

func TestDetector_Closed(t *testing.T) {
	d := &Detector{closed: true}
	assert.NoError(t, d.Close())

	_, err := d.Detect(context.Background(), nil)
	assert.Error(t, err)
}
