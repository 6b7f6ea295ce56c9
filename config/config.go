package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Engine names accepted in detector.engine
const (
	EnginePigo        = "pigo"
	EngineOpenCV      = "opencv"
	EngineInsightFace = "insightface"
)

// Delegate names accepted in detector.delegate
const (
	DelegateGPU = "GPU"
	DelegateCPU = "CPU"
)

// Config is the main application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Detector DetectorConfig `mapstructure:"detector"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	MaxUploadMB    int      `mapstructure:"max_upload_mb"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// LogConfig holds log settings
type LogConfig struct {
	Level  string `mapstructure:"level"`
	File   string `mapstructure:"file"`
	Format string `mapstructure:"format"` // "text" or "json"
}

// DetectorConfig selects and configures the face detection engine.
// Empty RuntimeURL and ModelURL fall back to the engine defaults.
type DetectorConfig struct {
	Engine             string            `mapstructure:"engine"`
	RuntimeURL         string            `mapstructure:"runtime_url"`
	ModelURL           string            `mapstructure:"model_url"`
	Delegate           string            `mapstructure:"delegate"`
	CacheDir           string            `mapstructure:"cache_dir"`
	Lazy               bool              `mapstructure:"lazy"`
	InitTimeoutSeconds int               `mapstructure:"init_timeout_seconds"` // 0 = no timeout
	FetchTimeout       int               `mapstructure:"fetch_timeout_seconds"`
	Pigo               PigoConfig        `mapstructure:"pigo"`
	OpenCV             OpenCVConfig      `mapstructure:"opencv"`
	InsightFace        InsightFaceConfig `mapstructure:"insightface"`
}

// PigoConfig holds cascade parameters for the pigo engine
type PigoConfig struct {
	MinSize        int     `mapstructure:"min_size"`
	MaxSize        int     `mapstructure:"max_size"`
	ShiftFactor    float64 `mapstructure:"shift_factor"`
	ScaleFactor    float64 `mapstructure:"scale_factor"`
	Angle          float64 `mapstructure:"angle"`
	IoUThreshold   float64 `mapstructure:"iou_threshold"`
	ScoreThreshold float32 `mapstructure:"score_threshold"`
}

// OpenCVConfig holds FaceDetectorYN parameters for the opencv engine
type OpenCVConfig struct {
	ScoreThreshold float64 `mapstructure:"score_threshold"`
	NMSThreshold   float64 `mapstructure:"nms_threshold"`
	TopK           int     `mapstructure:"top_k"`
	InputWidth     int     `mapstructure:"input_width"`
	InputHeight    int     `mapstructure:"input_height"`
}

// InsightFaceConfig holds settings for the remote InsightFace engine
type InsightFaceConfig struct {
	URL                string  `mapstructure:"url"`
	Timeout            int     `mapstructure:"timeout"`
	DetectionThreshold float64 `mapstructure:"detection_threshold"`
}

// MQTTConfig holds settings for the MQTT publisher
type MQTTConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Broker   string `mapstructure:"broker"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	ClientID string `mapstructure:"client_id"`
	Topic    string `mapstructure:"topic"`

	// Home Assistant MQTT discovery
	HomeAssistant   bool   `mapstructure:"home_assistant"`
	DiscoveryPrefix string `mapstructure:"discovery_prefix"`
}

// Load reads the configuration from file, environment and defaults
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			log.Warnf("Config file %s does not exist, using defaults", configPath)
		} else {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			log.Infof("Config loaded from %s", configPath)
		}
	}

	// Environment overrides the file
	v.SetEnvPrefix("FACE_DETECT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := ensureDirectories(&cfg); err != nil {
		return nil, fmt.Errorf("failed to create required directories: %w", err)
	}

	return &cfg, nil
}

// Validate checks enumerated settings
func (c *Config) Validate() error {
	c.Detector.Engine = strings.ToLower(strings.TrimSpace(c.Detector.Engine))
	switch c.Detector.Engine {
	case EnginePigo, EngineOpenCV, EngineInsightFace:
	default:
		return fmt.Errorf("unknown detector engine %q", c.Detector.Engine)
	}

	c.Detector.Delegate = strings.ToUpper(strings.TrimSpace(c.Detector.Delegate))
	switch c.Detector.Delegate {
	case DelegateGPU, DelegateCPU:
	default:
		return fmt.Errorf("unknown detector delegate %q", c.Detector.Delegate)
	}

	if c.Detector.Engine == EngineInsightFace && c.Detector.InsightFace.URL == "" {
		return fmt.Errorf("detector.insightface.url is required for the insightface engine")
	}

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}

	return nil
}

// setDefaults registers default values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.max_upload_mb", 20)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.format", "text")

	v.SetDefault("detector.engine", EnginePigo)
	v.SetDefault("detector.runtime_url", "")
	v.SetDefault("detector.model_url", "")
	v.SetDefault("detector.delegate", DelegateGPU)
	v.SetDefault("detector.cache_dir", "/data/models")
	v.SetDefault("detector.lazy", true)
	v.SetDefault("detector.init_timeout_seconds", 0)
	v.SetDefault("detector.fetch_timeout_seconds", 0)

	v.SetDefault("detector.pigo.min_size", 20)
	v.SetDefault("detector.pigo.max_size", 1000)
	v.SetDefault("detector.pigo.shift_factor", 0.1)
	v.SetDefault("detector.pigo.scale_factor", 1.1)
	v.SetDefault("detector.pigo.angle", 0.0)
	v.SetDefault("detector.pigo.iou_threshold", 0.2)
	v.SetDefault("detector.pigo.score_threshold", 5.0)

	v.SetDefault("detector.opencv.score_threshold", 0.5)
	v.SetDefault("detector.opencv.nms_threshold", 0.3)
	v.SetDefault("detector.opencv.top_k", 5000)
	v.SetDefault("detector.opencv.input_width", 320)
	v.SetDefault("detector.opencv.input_height", 320)

	v.SetDefault("detector.insightface.url", "")
	v.SetDefault("detector.insightface.timeout", 30)
	v.SetDefault("detector.insightface.detection_threshold", 0.5)

	// Every key needs a default, Unmarshal ignores env vars for unknown keys
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.client_id", "face-detect-go")
	v.SetDefault("mqtt.topic", "face-detect")
	v.SetDefault("mqtt.home_assistant", false)
	v.SetDefault("mqtt.discovery_prefix", "homeassistant")
}

// ensureDirectories creates the model cache and log directories
func ensureDirectories(cfg *Config) error {
	if cfg.Detector.CacheDir != "" {
		if err := os.MkdirAll(cfg.Detector.CacheDir, 0755); err != nil {
			return fmt.Errorf("failed to create model cache directory: %w", err)
		}
	}

	if cfg.Log.File != "" {
		logDir := filepath.Dir(cfg.Log.File)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	return nil
}
