// Package config loads the service configuration.
//
// Priority: defaults, then the YAML file, then environment variables named
// PREFIX_SECTION_FIELD, e.g. POSEOVERLAY_SERVER_HTTP_PORT.
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    Load()
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultEnvPrefix prefixes every environment override.
const DefaultEnvPrefix = "POSEOVERLAY"

// Pose backends.
const (
	BackendONNX    = "onnx"
	BackendProcess = "process"
)

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" env:"SERVER"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Pose      PoseConfig      `yaml:"pose" env:"POSE"`
	Video     VideoConfig     `yaml:"video" env:"VIDEO"`
	Jobs      JobsConfig      `yaml:"jobs" env:"JOBS"`
	Demo      DemoConfig      `yaml:"demo" env:"DEMO"`
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig configures the HTTP listeners.
type ServerConfig struct {
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// MetricsPort serves /metrics; 0 disables it.
	MetricsPort     int           `yaml:"metrics_port" env:"METRICS_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes" env:"MAX_UPLOAD_BYTES"`
	// RateLimitRPS limits upload and preview requests per client; 0 disables it.
	RateLimitRPS   float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
}

// LogConfig configures zap.
type LogConfig struct {
	// debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// json, console
	Format      string   `yaml:"format" env:"FORMAT"`
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
}

// PoseConfig selects and tunes the pose backend.
type PoseConfig struct {
	Backend string `yaml:"backend" env:"BACKEND"`

	ModelPath       string `yaml:"model_path" env:"MODEL_PATH"`
	InputSize       int    `yaml:"input_size" env:"INPUT_SIZE"`
	Layout          string `yaml:"layout" env:"LAYOUT"`
	ScoreActivation string `yaml:"score_activation" env:"SCORE_ACTIVATION"`

	Command     []string      `yaml:"command" env:"COMMAND"`
	StopTimeout time.Duration `yaml:"stop_timeout" env:"STOP_TIMEOUT"`

	MinDetectionConfidence float64 `yaml:"min_detection_confidence" env:"MIN_DETECTION_CONFIDENCE"`
	MinTrackingConfidence  float64 `yaml:"min_tracking_confidence" env:"MIN_TRACKING_CONFIDENCE"`
}

// VideoConfig locates ffmpeg and selects the output encoding.
type VideoConfig struct {
	FFmpeg    string `yaml:"ffmpeg" env:"FFMPEG"`
	FFprobe   string `yaml:"ffprobe" env:"FFPROBE"`
	Codec     string `yaml:"codec" env:"CODEC"`
	Tag       string `yaml:"tag" env:"TAG"`
	Quality   int    `yaml:"quality" env:"QUALITY"`
	KeepAudio bool   `yaml:"keep_audio" env:"KEEP_AUDIO"`
	LogEvery  int    `yaml:"log_every" env:"LOG_EVERY"`
}

// JobsConfig tunes the processing queue.
type JobsConfig struct {
	Workers         int           `yaml:"workers" env:"WORKERS"`
	QueueSize       int           `yaml:"queue_size" env:"QUEUE_SIZE"`
	Retention       time.Duration `yaml:"retention" env:"RETENTION"`
	JanitorInterval time.Duration `yaml:"janitor_interval" env:"JANITOR_INTERVAL"`
	TempDir         string        `yaml:"temp_dir" env:"TEMP_DIR"`
}

// DemoConfig locates the preview image.
type DemoConfig struct {
	ImagePath    string        `yaml:"image_path" env:"IMAGE_PATH"`
	ImageURL     string        `yaml:"image_url" env:"IMAGE_URL"`
	FetchTimeout time.Duration `yaml:"fetch_timeout" env:"FETCH_TIMEOUT"`
	MaxBytes     int64         `yaml:"max_bytes" env:"MAX_BYTES"`
}

// TelemetryConfig configures trace export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8501,
			MetricsPort:     9091,
			ReadTimeout:     5 * time.Minute,
			WriteTimeout:    30 * time.Minute,
			IdleTimeout:     2 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
			MaxUploadBytes:  1 << 30,
			RateLimitRPS:    5,
			RateLimitBurst:  10,
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "json",
			OutputPaths: []string{"stdout"},
		},
		Pose: PoseConfig{
			Backend:                BackendONNX,
			ModelPath:              "models/pose_landmark.onnx",
			InputSize:              256,
			Layout:                 "nhwc",
			ScoreActivation:        "sigmoid",
			StopTimeout:            2 * time.Second,
			MinDetectionConfidence: 0.5,
			MinTrackingConfidence:  0.5,
		},
		Video: VideoConfig{
			FFmpeg:   "ffmpeg",
			FFprobe:  "ffprobe",
			Codec:    "mpeg4",
			Tag:      "mp4v",
			Quality:  2,
			LogEvery: 30,
		},
		Jobs: JobsConfig{
			Workers:         1,
			QueueSize:       16,
			Retention:       time.Hour,
			JanitorInterval: time.Minute,
		},
		Demo: DemoConfig{
			ImagePath:    "assets/demo.jpg",
			FetchTimeout: 10 * time.Second,
			MaxBytes:     20 << 20,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "poseoverlay",
			SampleRate:   1,
		},
	}
}

// Loader builds a Config from defaults, a file and the environment.
type Loader struct {
	configPath string
	envPrefix  string
	lookup     func(string) (string, bool)
}

// NewLoader creates a loader with the default prefix.
func NewLoader() *Loader {
	return &Loader{
		envPrefix: DefaultEnvPrefix,
		lookup:    os.LookupEnv,
	}
}

// WithConfigPath sets the YAML file. A missing file is not an error.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Load builds and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if "" != l.configPath {
		if err := l.loadFromFile(cfg); nil != err {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); nil != err {
		return nil, fmt.Errorf("load config from env: %w", err)
	}

	if err := cfg.Validate(); nil != err {
		return nil, err
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if nil != err {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		tag := t.Field(i).Tag.Get("env")
		if "" == tag || "-" == tag {
			continue
		}

		key := prefix + "_" + tag

		if reflect.Struct == field.Kind() {
			if err := l.setFieldsFromEnv(field, key); nil != err {
				return err
			}
			continue
		}

		value, ok := l.lookup(key)
		if !ok || "" == value {
			continue
		}

		if err := setFieldValue(field, value); nil != err {
			return fmt.Errorf("%s: %w", key, err)
		}
	}

	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

func setFieldValue(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int64:
		if durationType == field.Type() {
			d, err := time.ParseDuration(value)
			if nil != err {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}

		n, err := strconv.ParseInt(value, 10, 64)
		if nil != err {
			return err
		}
		field.SetInt(n)

	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if nil != err {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if nil != err {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if reflect.String == field.Type().Elem().Kind() {
			var parts []string
			for _, part := range strings.Split(value, ",") {
				if part = strings.TrimSpace(part); "" != part {
					parts = append(parts, part)
				}
			}
			field.Set(reflect.ValueOf(parts))
		}

	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}

	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []string

	if 0 >= c.Server.HTTPPort || 65535 < c.Server.HTTPPort {
		errs = append(errs, "server.http_port must be in 1..65535")
	}
	if 0 > c.Server.MetricsPort || 65535 < c.Server.MetricsPort {
		errs = append(errs, "server.metrics_port must be in 0..65535")
	}
	if 0 != c.Server.MetricsPort && c.Server.MetricsPort == c.Server.HTTPPort {
		errs = append(errs, "server.metrics_port must differ from server.http_port")
	}
	if 0 >= c.Server.MaxUploadBytes {
		errs = append(errs, "server.max_upload_bytes must be positive")
	}
	if 0 > c.Server.RateLimitRPS {
		errs = append(errs, "server.rate_limit_rps must not be negative")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	if "json" != c.Log.Format && "console" != c.Log.Format {
		errs = append(errs, fmt.Sprintf("log.format %q is not json or console", c.Log.Format))
	}

	switch c.Pose.Backend {
	case BackendONNX:
		if "" == c.Pose.ModelPath {
			errs = append(errs, "pose.model_path is required for the onnx backend")
		}
		if 0 >= c.Pose.InputSize {
			errs = append(errs, "pose.input_size must be positive")
		}
		if "sigmoid" != c.Pose.ScoreActivation && "none" != c.Pose.ScoreActivation {
			errs = append(errs, fmt.Sprintf("pose.score_activation %q is not sigmoid or none", c.Pose.ScoreActivation))
		}
	case BackendProcess:
		if 0 == len(c.Pose.Command) {
			errs = append(errs, "pose.command is required for the process backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("pose.backend %q is not onnx or process", c.Pose.Backend))
	}
	if !unit(c.Pose.MinDetectionConfidence) {
		errs = append(errs, "pose.min_detection_confidence must be in [0,1]")
	}
	if !unit(c.Pose.MinTrackingConfidence) {
		errs = append(errs, "pose.min_tracking_confidence must be in [0,1]")
	}

	if "" == c.Video.FFmpeg || "" == c.Video.FFprobe {
		errs = append(errs, "video.ffmpeg and video.ffprobe are required")
	}

	if 0 >= c.Jobs.Workers {
		errs = append(errs, "jobs.workers must be positive")
	}
	if 0 >= c.Jobs.QueueSize {
		errs = append(errs, "jobs.queue_size must be positive")
	}

	if c.Telemetry.Enabled && "" == c.Telemetry.OTLPEndpoint {
		errs = append(errs, "telemetry.otlp_endpoint is required when telemetry is enabled")
	}
	if 0 > c.Telemetry.SampleRate || 1 < c.Telemetry.SampleRate {
		errs = append(errs, "telemetry.sample_rate must be in [0,1]")
	}

	if 0 < len(errs) {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}

	return nil
}

func unit(v float64) bool {
	return 0 <= v && 1 >= v
}
