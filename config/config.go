package config

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	// Database configuration
	StoreBackend     string
	DatabaseHost     string
	DatabasePort     string
	DatabaseName     string
	DatabaseUser     string
	DatabasePassword string

	// Redis configuration
	RedisHost     string
	RedisPassword string
	RedisPort     string

	// Bus configuration
	Bus BusConfig

	// Device configuration
	Signal SignalConfig
	Depth  DepthConfig

	// Worker timing
	SegmenterTickMs    int
	FeaturesIntervalMs int

	// Default buffer settings used until procedure_settings arrives
	Buffer BufferConfig

	// Feature kinds enabled by default, in evaluation order
	Features []FeatureToggle

	// HTTP
	APIPort     int
	MetricsPort int

	WebhookURLs []string
	ExportDir   string
}

// BusConfig selects the ControlBus backend
type BusConfig struct {
	Backend string
	NATSURL string
	Prefix  string
	// Channels maps a topic to the backend channel name; empty entries use prefix.topic
	Channels map[string]string
}

// SignalConfig selects the continuous-signal device adapter
type SignalConfig struct {
	Source         string
	GatewayURL     string
	SamplingGroups []string
}

// DepthConfig configures the depth reader role
type DepthConfig struct {
	Source        string
	SerialPort    string
	BaudRate      int
	Offset        float64
	Scale         float64
	TickMs        int
	MirrorComment bool
	SimStart      float64
	SimStep       float64
	SimDwellMs    int
}

// BufferConfig holds segment buffer defaults, in seconds
type BufferConfig struct {
	SamplingGroup     int
	BufferDuration    float64
	SampleDuration    float64
	DelayDuration     float64
	ValidityThreshold float64
	OverwriteDepth    bool
	ElectrodeDefaults ElectrodeDefaults
}

// ElectrodeDefaults apply to channels without explicit electrode settings
type ElectrodeDefaults struct {
	// Validity in percent, as entered in the procedure dialog
	Validity float64
}

// FeatureToggle is one entry of the ordered feature-enable map
type FeatureToggle struct {
	Name    string
	Enabled bool
}

// DefaultSamplingGroups is the device group table, indexed by sampling_group
var DefaultSamplingGroups = []string{"0", "500", "1000", "2000", "10000", "30000"}

// DefaultFeatures is the feature-enable map used when no overlay overrides it
var DefaultFeatures = []FeatureToggle{
	{Name: "NoiseRMS", Enabled: true},
	{Name: "BetaPower", Enabled: true},
	{Name: "PAC", Enabled: true},
	{Name: "LFPSpectrumAndEpisodes", Enabled: false},
	{Name: "DBSSpikeFeatures", Enabled: true},
	{Name: "Raw", Enabled: false},
	{Name: "RawHighpass", Enabled: false},
}

// LoadFromEnv loads configuration from environment variables and the optional overlay file
func LoadFromEnv() (*Config, error) {
	// Load .env file if exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := &Config{
		StoreBackend:     getEnvOrDefault("STORE_BACKEND", "postgres"),
		DatabaseHost:     getEnvOrDefault("DB_HOST", "localhost"),
		DatabasePort:     getEnvOrDefault("DB_PORT", "5432"),
		DatabaseName:     getEnvOrDefault("DB_NAME", "openmer"),
		DatabaseUser:     getEnvOrDefault("DB_USER", "openmer"),
		DatabasePassword: getEnvOrDefault("DB_PASSWORD", "openmer"),

		RedisHost:     getEnvOrDefault("REDIS_HOST", "localhost"),
		RedisPort:     getEnvOrDefault("REDIS_PORT", "6379"),
		RedisPassword: getEnvOrDefault("REDIS_PASSWORD", ""),

		Bus: BusConfig{
			Backend:  getEnvOrDefault("BUS_BACKEND", "redis"),
			NATSURL:  getEnvOrDefault("NATS_URL", "nats://localhost:4222"),
			Prefix:   getEnvOrDefault("BUS_PREFIX", "openmer"),
			Channels: map[string]string{},
		},

		Signal: SignalConfig{
			Source:         getEnvOrDefault("SIGNAL_SOURCE", "simulated"),
			GatewayURL:     getEnvOrDefault("SIGNAL_GATEWAY_URL", "ws://localhost:9002/ws"),
			SamplingGroups: append([]string(nil), DefaultSamplingGroups...),
		},

		Depth: DepthConfig{
			Source:        getEnvOrDefault("DEPTH_SOURCE", "simulated"),
			SerialPort:    getEnvOrDefault("DEPTH_SERIAL_PORT", "/dev/ttyUSB0"),
			BaudRate:      getEnvInt("DEPTH_BAUDRATE", 19200),
			Offset:        getEnvFloat("DEPTH_OFFSET", 0.0),
			Scale:         getEnvFloat("DEPTH_SCALE", 0), // 0 lets the reader pick the device scale
			TickMs:        getEnvInt("DEPTH_TICK_MS", 10),
			MirrorComment: getEnvOrDefault("DEPTH_MIRROR_COMMENT", "true") == "true",
			SimStart:      getEnvFloat("DEPTH_SIM_START", -10.0),
			SimStep:       getEnvFloat("DEPTH_SIM_STEP", 0.5),
			SimDwellMs:    getEnvInt("DEPTH_SIM_DWELL_MS", 8000),
		},

		SegmenterTickMs:    getEnvInt("SEGMENTER_TICK_MS", 10),
		FeaturesIntervalMs: getEnvInt("FEATURES_INTERVAL_MS", 250),

		Buffer: BufferConfig{
			SamplingGroup:     getEnvInt("BUFFER_SAMPLING_GROUP", 5),
			BufferDuration:    getEnvFloat("BUFFER_DURATION", 6.0),
			SampleDuration:    getEnvFloat("BUFFER_SAMPLE_DURATION", 4.0),
			DelayDuration:     getEnvFloat("BUFFER_DELAY_DURATION", 0.5),
			ValidityThreshold: getEnvFloat("BUFFER_VALIDITY_THRESHOLD", 0.9),
			OverwriteDepth:    getEnvOrDefault("BUFFER_OVERWRITE_DEPTH", "true") == "true",
			ElectrodeDefaults: ElectrodeDefaults{Validity: 90.0},
		},

		Features: append([]FeatureToggle(nil), DefaultFeatures...),

		APIPort:     getEnvInt("API_PORT", 8080),
		MetricsPort: getEnvInt("METRICS_PORT", 0),

		WebhookURLs: splitList(os.Getenv("WEBHOOK_URLS")),
		ExportDir:   getEnvOrDefault("EXPORT_DIR", "./recordings"),
	}

	if path := os.Getenv("MER_CONFIG_FILE"); path != "" {
		if err := cfg.ApplyFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside a worker
func (c *Config) Validate() error {
	b := c.Buffer
	switch {
	case b.SampleDuration <= 0:
		return fmt.Errorf("invalid config: sample duration must be positive")
	case b.BufferDuration < b.SampleDuration:
		return fmt.Errorf("invalid config: buffer duration %.2f shorter than sample duration %.2f", b.BufferDuration, b.SampleDuration)
	case b.DelayDuration < 0:
		return fmt.Errorf("invalid config: negative delay duration")
	case b.ValidityThreshold < 0 || b.ValidityThreshold > 1:
		return fmt.Errorf("invalid config: validity threshold %.2f outside [0,1]", b.ValidityThreshold)
	case b.SamplingGroup < 0 || b.SamplingGroup >= len(c.Signal.SamplingGroups):
		return fmt.Errorf("invalid config: sampling group %d outside group table", b.SamplingGroup)
	}
	return nil
}

// Channel returns the backend channel name for a bus topic
func (b BusConfig) Channel(topic string) string {
	if name, ok := b.Channels[topic]; ok && name != "" {
		return name
	}
	if b.Prefix == "" {
		return topic
	}
	return b.Prefix + "." + topic
}

// getEnvInt gets environment variable as int or returns default value
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var intValue int
	if _, err := fmt.Sscanf(value, "%d", &intValue); err != nil {
		return defaultValue
	}
	return intValue
}

// getEnvFloat gets environment variable as float64 or returns default value
func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var floatValue float64
	if _, err := fmt.Sscanf(value, "%f", &floatValue); err != nil {
		return defaultValue
	}
	return floatValue
}

// getEnvOrDefault gets environment variable or returns default value
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
