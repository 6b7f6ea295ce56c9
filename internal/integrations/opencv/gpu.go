package opencv

import (
	"os"
	"runtime"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

// selectBackend picks the DNN backend and target for the requested delegate.
// GPU falls back to CPU when no supported device is present.
func selectBackend(useGPU bool) (gocv.NetBackendType, gocv.NetTargetType) {
	if !useGPU {
		return gocv.NetBackendDefault, gocv.NetTargetCPU
	}

	if haveNvidiaGPU() {
		log.WithFields(logFields).Info("NVIDIA GPU detected, using CUDA backend")
		return gocv.NetBackendCUDA, gocv.NetTargetCUDA
	}

	if haveAMDGPU() {
		// gocv exposes the OpenCL target as NetTargetFP32
		log.WithFields(logFields).Info("AMD GPU detected, using OpenCL target")
		return gocv.NetBackendOpenCV, gocv.NetTargetFP32
	}

	log.WithFields(logFields).Warn("GPU delegate requested but no supported GPU found, falling back to CPU")
	return gocv.NetBackendDefault, gocv.NetTargetCPU
}

func haveNvidiaGPU() bool {
	if os.Getenv("NVIDIA_VISIBLE_DEVICES") != "" || os.Getenv("NVIDIA_DRIVER_CAPABILITIES") != "" {
		return true
	}

	paths := []string{
		"/usr/local/cuda/lib64/libcudart.so",
		"/usr/lib/x86_64-linux-gnu/libcuda.so",
		"/usr/lib/libcuda.so",
	}
	switch runtime.GOOS {
	case "linux", "darwin":
		paths = append(paths, "/usr/bin/nvidia-smi", "/usr/local/bin/nvidia-smi")
	case "windows":
		paths = append(paths,
			"C:\\Program Files\\NVIDIA Corporation\\NVSMI\\nvidia-smi.exe",
			"C:\\Windows\\System32\\nvidia-smi.exe",
		)
	}
	return anyExists(paths)
}

func haveAMDGPU() bool {
	if runtime.GOOS != "linux" {
		return false
	}
	return anyExists([]string{"/dev/kfd", "/dev/dri/renderD128"})
}

func anyExists(paths []string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			log.WithFields(logFields).Debugf("Found %s", p)
			return true
		}
	}
	return false
}
