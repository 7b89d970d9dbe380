// Package config loads deepscan settings from defaults, an optional YAML file,
// DEEPSCAN_* environment variables and command-line flags, in increasing order
// of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/andresmejia3/deepscan/internal/temporal"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. DEEPSCAN_ANALYSIS_SAMPLE_RATE.
const EnvPrefix = "DEEPSCAN"

// Config is the full set of settings.
type Config struct {
	Analysis AnalysisConfig  `mapstructure:"analysis"`
	Engine   EngineConfig    `mapstructure:"engine"`
	Tracker  temporal.Config `mapstructure:"tracker"`
	Log      LogConfig       `mapstructure:"log"`
	Output   OutputConfig    `mapstructure:"output"`
	Notify   NotifyConfig    `mapstructure:"notify"`
	Upload   UploadConfig    `mapstructure:"upload"`
}

// AnalysisConfig controls frame sampling and per-face classification.
type AnalysisConfig struct {
	SampleRate      int  `mapstructure:"sample_rate"`
	Concurrency     int  `mapstructure:"concurrency"`
	SkipFailedFaces bool `mapstructure:"skip_failed_faces"`
}

// EngineConfig selects and tunes the face model backend.
type EngineConfig struct {
	Model              string        `mapstructure:"model"`
	Weights            string        `mapstructure:"weights"`
	Count              int           `mapstructure:"count"`
	Python             string        `mapstructure:"python"`
	Script             string        `mapstructure:"script"`
	Timeout            time.Duration `mapstructure:"timeout"`
	DetectionThreshold float64       `mapstructure:"detection_threshold"`
	JPEGQuality        int           `mapstructure:"jpeg_quality"`
	Threads            int           `mapstructure:"threads"`
}

// LogConfig sets the zap logger level and encoder.
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// OutputConfig controls the artifacts a run leaves behind.
type OutputConfig struct {
	Codec        string `mapstructure:"codec"`
	ReportFormat string `mapstructure:"report_format"`
	MetricsFile  string `mapstructure:"metrics_file"`
}

// NotifyConfig points at a broker that receives a message per finished run.
// The URL scheme picks the transport: amqp(s):// or mqtt/tcp/ssl://.
type NotifyConfig struct {
	URL      string        `mapstructure:"url"`
	Topic    string        `mapstructure:"topic"`
	Exchange string        `mapstructure:"exchange"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// UploadConfig is an S3-compatible bucket for reports and annotated videos.
type UploadConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// KnownModels is filled in by the caller from the detector registry so this
// package does not depend on the backends.
var KnownModels = func(string) bool { return true }

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("analysis.sample_rate", 30)
	v.SetDefault("analysis.concurrency", 1)
	v.SetDefault("analysis.skip_failed_faces", false)

	v.SetDefault("engine.model", "xception")
	v.SetDefault("engine.weights", "")
	v.SetDefault("engine.count", 1)
	v.SetDefault("engine.python", "python3")
	v.SetDefault("engine.script", "python/engine.py")
	v.SetDefault("engine.timeout", 30*time.Second)
	v.SetDefault("engine.detection_threshold", 0.9)
	v.SetDefault("engine.jpeg_quality", 90)
	v.SetDefault("engine.threads", 2)

	tc := temporal.DefaultConfig()
	v.SetDefault("tracker.window_size", tc.WindowSize)
	v.SetDefault("tracker.recent_size", tc.RecentSize)
	v.SetDefault("tracker.jump_threshold", tc.JumpThreshold)
	v.SetDefault("tracker.penalty", tc.Penalty)
	v.SetDefault("tracker.eye_blink_threshold", tc.EyeBlinkThreshold)
	v.SetDefault("tracker.mouth_movement_threshold", tc.MouthMovementThreshold)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("output.codec", "mpeg4")
	v.SetDefault("output.report_format", "json")
	v.SetDefault("output.metrics_file", "")

	v.SetDefault("notify.url", "")
	v.SetDefault("notify.topic", "deepscan/results")
	v.SetDefault("notify.exchange", "deepscan")
	v.SetDefault("notify.timeout", 10*time.Second)

	v.SetDefault("upload.endpoint", "")
	v.SetDefault("upload.access_key", "")
	v.SetDefault("upload.secret_key", "")
	v.SetDefault("upload.use_ssl", false)
	v.SetDefault("upload.bucket", "")
	v.SetDefault("upload.prefix", "runs")
}

// ConfigPaths returns the directories searched for deepscan.yaml.
func ConfigPaths() []string {
	paths := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "deepscan"))
	}
	return append(paths, "/etc/deepscan")
}

// New returns a viper instance with defaults, env binding and the config
// search path set up. file, when non-empty, replaces the search path.
func New(file string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("deepscan")
		v.SetConfigType("yaml")
		for _, p := range ConfigPaths() {
			v.AddConfigPath(p)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file if there is one and unmarshals v into a validated
// Config. A missing file in the search path is not an error.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error
	if c.Analysis.SampleRate < 1 {
		errs = append(errs, fmt.Errorf("analysis.sample_rate must be >= 1, got %d", c.Analysis.SampleRate))
	}
	if c.Analysis.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("analysis.concurrency must be >= 1, got %d", c.Analysis.Concurrency))
	}
	if !KnownModels(c.Engine.Model) {
		errs = append(errs, fmt.Errorf("engine.model %q is not a known backend", c.Engine.Model))
	}
	if c.Engine.Count < 1 {
		errs = append(errs, fmt.Errorf("engine.count must be >= 1, got %d", c.Engine.Count))
	}
	if c.Engine.DetectionThreshold < 0 || c.Engine.DetectionThreshold > 1 {
		errs = append(errs, fmt.Errorf("engine.detection_threshold must be in [0,1], got %v", c.Engine.DetectionThreshold))
	}
	if c.Engine.Timeout < 0 {
		errs = append(errs, fmt.Errorf("engine.timeout must not be negative"))
	}
	if c.Tracker.WindowSize < 1 || c.Tracker.RecentSize < 1 {
		errs = append(errs, errors.New("tracker.window_size and tracker.recent_size must be >= 1"))
	}
	if c.Tracker.JumpThreshold < 0 || c.Tracker.Penalty < 0 {
		errs = append(errs, errors.New("tracker.jump_threshold and tracker.penalty must not be negative"))
	}
	switch c.Output.ReportFormat {
	case "json", "yaml":
	default:
		errs = append(errs, fmt.Errorf("output.report_format must be json or yaml, got %q", c.Output.ReportFormat))
	}
	if c.Upload.Endpoint != "" && c.Upload.Bucket == "" {
		errs = append(errs, errors.New("upload.bucket is required when upload.endpoint is set"))
	}
	return errors.Join(errs...)
}
