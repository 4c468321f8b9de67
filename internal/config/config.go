package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config holds the application configuration
type Config struct {
	Provider ProviderConfig `json:"provider" yaml:"provider"`
	Capture  CaptureConfig  `json:"capture" yaml:"capture"`
	Sampler  SamplerConfig  `json:"sampler" yaml:"sampler"`
	Overlay  OverlayConfig  `json:"overlay" yaml:"overlay"`
	Report   ReportConfig   `json:"report" yaml:"report"`
	Server   ServerConfig   `json:"server" yaml:"server"`
	Log      LogConfig      `json:"log" yaml:"log"`
}

// ProviderConfig selects and tunes the face backend
type ProviderConfig struct {
	Backend       string  `json:"backend" yaml:"backend" validate:"oneof=ollama llamacpp websocket"`
	URL           string  `json:"url" yaml:"url" validate:"required,url"`
	Model         string  `json:"model" yaml:"model"`
	ModelSource   string  `json:"model_source" yaml:"model_source" validate:"required"`
	Variant       string  `json:"variant" yaml:"variant" validate:"oneof=tiny ssd"`
	MinConfidence float64 `json:"min_confidence" yaml:"min_confidence"`
	InputSize     int     `json:"input_size" yaml:"input_size"`
	StrictLabels  bool    `json:"strict_labels" yaml:"strict_labels"`
	SendFormat    string  `json:"send_format" yaml:"send_format" validate:"oneof=jpg jpeg png"`
	SendSize      int     `json:"send_size" yaml:"send_size"`
	SendQuality   int     `json:"send_quality" yaml:"send_quality"`
}

// CaptureConfig describes the frame source
type CaptureConfig struct {
	Source        string `json:"source" yaml:"source"`
	Loop          bool   `json:"loop" yaml:"loop"`
	DisplayWidth  int    `json:"display_width" yaml:"display_width"`
	DisplayHeight int    `json:"display_height" yaml:"display_height"`
}

// SamplerConfig holds the sampling loop settings
type SamplerConfig struct {
	IntervalMS int    `json:"interval_ms" yaml:"interval_ms"`
	RefreshMS  int    `json:"refresh_ms" yaml:"refresh_ms"`
	MultiFace  string `json:"multi_face" yaml:"multi_face" validate:"oneof=largest each"`
}

// OverlayConfig holds the overlay drawing style
type OverlayConfig struct {
	BoxColor     string `json:"box_color" yaml:"box_color" validate:"hexcolor"`
	TextColor    string `json:"text_color" yaml:"text_color" validate:"hexcolor"`
	Stroke       int    `json:"stroke" yaml:"stroke"`
	LabelOffsetX int    `json:"label_offset_x" yaml:"label_offset_x"`
	LabelOffsetY int    `json:"label_offset_y" yaml:"label_offset_y"`
}

// ReportConfig holds report export settings
type ReportConfig struct {
	OutputDir    string `json:"output_dir" yaml:"output_dir" validate:"required"`
	Prefix       string `json:"prefix" yaml:"prefix"`
	ExportOnExit bool   `json:"export_on_exit" yaml:"export_on_exit"`
}

// ServerConfig holds the HTTP control surface settings. An empty Listen
// address disables the server.
type ServerConfig struct {
	Listen          string `json:"listen" yaml:"listen"`
	PushMS          int    `json:"push_ms" yaml:"push_ms"`
	ReportPerMinute int    `json:"report_per_minute" yaml:"report_per_minute"`
	ReportBurst     int    `json:"report_burst" yaml:"report_burst"`
}

// LogConfig holds logging settings. An empty File disables the file log.
type LogConfig struct {
	Level      string `json:"level" yaml:"level" validate:"oneof=trace debug info warn warning error"`
	File       string `json:"file" yaml:"file"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Provider: ProviderConfig{
			Backend:       "ollama",
			URL:           "http://localhost:11434",
			Model:         "minicpm-v",
			ModelSource:   "/models",
			Variant:       "tiny",
			MinConfidence: 0.5,
			InputSize:     416,
			StrictLabels:  false,
			SendFormat:    "jpg",
			SendSize:      640,
			SendQuality:   85,
		},
		Capture: CaptureConfig{
			Source: "./frames",
		},
		Sampler: SamplerConfig{
			IntervalMS: 100,
			RefreshMS:  5000,
			MultiFace:  "largest",
		},
		Overlay: OverlayConfig{
			BoxColor:     "#00ff00",
			TextColor:    "#ffffff",
			Stroke:       2,
			LabelOffsetX: 0,
			LabelOffsetY: -10,
		},
		Report: ReportConfig{
			OutputDir:    "./reports",
			Prefix:       "emotion_data",
			ExportOnExit: true,
		},
		Server: ServerConfig{
			PushMS:          1000,
			ReportPerMinute: 30,
			ReportBurst:     5,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
	}
}

// Interval returns the sampling period
func (c *Config) Interval() time.Duration {
	return time.Duration(c.Sampler.IntervalMS) * time.Millisecond
}

// PushInterval returns how often live percentages are pushed to websocket clients
func (c *Config) PushInterval() time.Duration {
	return time.Duration(c.Server.PushMS) * time.Millisecond
}

// RefreshInterval returns the live percentage refresh period
func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.Sampler.RefreshMS) * time.Millisecond
}

// LoadFromFile loads configuration from a JSON or YAML file. Fields missing
// from the file keep their default values.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	default:
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration as JSON, or as YAML for .yaml/.yml files
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s: invalid value %v (%s)", strings.ToLower(fe.Namespace()), fe.Value(), fe.Tag())
		}
		return err
	}

	if c.Provider.MinConfidence < 0 || c.Provider.MinConfidence > 1 {
		return fmt.Errorf("provider.min_confidence must be between 0 and 1")
	}

	if c.Provider.SendQuality < 1 || c.Provider.SendQuality > 100 {
		return fmt.Errorf("provider.send_quality must be between 1 and 100")
	}

	if c.Provider.SendSize < 0 {
		return fmt.Errorf("provider.send_size cannot be negative")
	}

	if c.Capture.Source == "" {
		return fmt.Errorf("capture.source cannot be empty")
	}

	if (c.Capture.DisplayWidth == 0) != (c.Capture.DisplayHeight == 0) {
		return fmt.Errorf("capture.display_width and capture.display_height must be set together")
	}

	if c.Capture.DisplayWidth < 0 || c.Capture.DisplayHeight < 0 {
		return fmt.Errorf("capture display size cannot be negative")
	}

	if c.Sampler.IntervalMS < 10 {
		return fmt.Errorf("sampler.interval_ms must be at least 10")
	}

	if c.Sampler.RefreshMS < c.Sampler.IntervalMS {
		return fmt.Errorf("sampler.refresh_ms must not be shorter than sampler.interval_ms")
	}

	if c.Overlay.Stroke < 1 || c.Overlay.Stroke > 20 {
		return fmt.Errorf("overlay.stroke must be between 1 and 20")
	}

	if c.Server.Listen != "" {
		if c.Server.PushMS < 50 {
			return fmt.Errorf("server.push_ms must be at least 50")
		}
		if c.Server.ReportPerMinute < 1 || c.Server.ReportBurst < 1 {
			return fmt.Errorf("server.report_per_minute and server.report_burst must be positive")
		}
	}

	return nil
}

// ApplyEnv loads envFile when it exists and overrides the configuration
// with FACESENSE_* variables
func (c *Config) ApplyEnv(envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	setString(&c.Provider.Backend, "FACESENSE_BACKEND")
	setString(&c.Provider.URL, "FACESENSE_URL")
	setString(&c.Provider.Model, "FACESENSE_MODEL")
	setString(&c.Provider.ModelSource, "FACESENSE_MODELS")
	setString(&c.Capture.Source, "FACESENSE_SOURCE")
	setString(&c.Report.OutputDir, "FACESENSE_REPORT_DIR")
	setString(&c.Server.Listen, "FACESENSE_LISTEN")
	setString(&c.Log.Level, "FACESENSE_LOG_LEVEL")
	setString(&c.Log.File, "FACESENSE_LOG_FILE")

	if v, ok := os.LookupEnv("FACESENSE_STRICT_LABELS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("FACESENSE_STRICT_LABELS: %w", err)
		}
		c.Provider.StrictLabels = b
	}
	if v, ok := os.LookupEnv("FACESENSE_INTERVAL_MS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FACESENSE_INTERVAL_MS: %w", err)
		}
		c.Sampler.IntervalMS = n
	}

	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.yaml"
	}
	return filepath.Join(home, ".config", "facesense", "config.yaml")
}
