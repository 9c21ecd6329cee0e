package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"duocall/internal/core/domain"
	"duocall/pkg/validation"

	"gopkg.in/yaml.v2"
)

const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreRemote = "remote"

	BatteryNone   = "none"
	BatterySysfs  = "sysfs"
	BatteryStatic = "static"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		Address         string        `yaml:"address"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"signal"`

	Node struct {
		UserID      string             `yaml:"user_id"`
		AutoAnswer  bool               `yaml:"auto_answer"`
		Device      domain.DeviceInfo  `yaml:"device"`
		NetworkHint domain.NetworkHint `yaml:"network_hint"`
	} `yaml:"node"`

	Store struct {
		Backend string `yaml:"backend"` // memory, redis or remote
		// RemoteURL is the websocket endpoint of a signal server.
		RemoteURL string        `yaml:"remote_url"`
		RecordTTL time.Duration `yaml:"record_ttl"`
		// FallbackToMemory keeps a node usable when redis is unreachable.
		FallbackToMemory bool `yaml:"fallback_to_memory"`
	} `yaml:"store"`

	Redis struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	WebRTC struct {
		ICEServers []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
		PortRange struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		CongestionControl bool `yaml:"congestion_control"`
		InitialBitrate    int  `yaml:"initial_bitrate"`
		MinBitrate        int  `yaml:"min_bitrate"`
		MaxBitrate        int  `yaml:"max_bitrate"`
	} `yaml:"webrtc"`

	Media struct {
		AudioFile string `yaml:"audio_file"`
		VideoFile string `yaml:"video_file"`
		Loop      bool   `yaml:"loop"`
	} `yaml:"media"`

	Quality struct {
		Interval               time.Duration `yaml:"interval"`
		Cooldown               time.Duration `yaml:"cooldown"`
		PoorSamplesToDowngrade int           `yaml:"poor_samples_to_downgrade"`
		GoodSamplesToUpgrade   int           `yaml:"good_samples_to_upgrade"`
		FramerateSteps         []int         `yaml:"framerate_steps"`
		ThrottleNACKDelta      uint64        `yaml:"throttle_nack_delta"`

		Thresholds struct {
			HardBrakeRTT        time.Duration `yaml:"hard_brake_rtt"`
			HardBrakeLoss       float64       `yaml:"hard_brake_loss"`
			PoorBitrateRatio    float64       `yaml:"poor_bitrate_ratio"`
			PoorLoss            float64       `yaml:"poor_loss"`
			PoorRTT             time.Duration `yaml:"poor_rtt"`
			PoorNACKDelta       uint64        `yaml:"poor_nack_delta"`
			UpgradeBitrateRatio float64       `yaml:"upgrade_bitrate_ratio"`
			GoodLoss            float64       `yaml:"good_loss"`
			GoodRTT             time.Duration `yaml:"good_rtt"`
		} `yaml:"thresholds"`

		// Profiles overrides individual levels of the default table.
		Profiles map[domain.QualityLevel]domain.QualityProfile `yaml:"profiles"`
	} `yaml:"quality"`

	Battery struct {
		Source       string        `yaml:"source"` // none, sysfs or static
		PollInterval time.Duration `yaml:"poll_interval"`
		SysfsPath    string        `yaml:"sysfs_path"`
		StaticLevel  float64       `yaml:"static_level"`
		Charging     bool          `yaml:"charging"`
	} `yaml:"battery"`

	Signaling struct {
		AnswerTimeout          time.Duration `yaml:"answer_timeout"`
		PollInterval           time.Duration `yaml:"poll_interval"`
		DiscoveryInterval      time.Duration `yaml:"discovery_interval"`
		CandidateBatchSize     int           `yaml:"candidate_batch_size"`
		CandidateFlushInterval time.Duration `yaml:"candidate_flush_interval"`
		WriteRetries           int           `yaml:"write_retries"`
	} `yaml:"signaling"`

	Monitoring struct {
		PrometheusEnabled bool          `yaml:"prometheus_enabled"`
		MetricsInterval   time.Duration `yaml:"metrics_interval"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		Exporter    string  `yaml:"exporter"` // jaeger or otlp
		Endpoint    string  `yaml:"endpoint"`
		Insecure    bool    `yaml:"insecure"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		WebSocket struct {
			ConnectionsPerMinute int     `yaml:"connections_per_minute"`
			MessagesPerSecond    float64 `yaml:"messages_per_second"`
			Burst                int     `yaml:"burst"`
			MaxConcurrent        int     `yaml:"max_concurrent_connections"`
			MaxMessageSizeBytes  int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// ProfileTable returns the default table with configured overrides applied.
func (c *Config) ProfileTable() domain.ProfileTable {
	table := domain.DefaultProfileTable()
	for lvl, p := range c.Quality.Profiles {
		table[lvl] = p
	}
	return table
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Signal
	if c.Signal.Address == "" {
		return fmt.Errorf("signal.address must not be empty")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.ShutdownTimeout <= 0 {
		return fmt.Errorf("signal.shutdown_timeout must be > 0")
	}

	// Node. The user id is only required by call nodes.
	if c.Node.UserID != "" {
		if err := validation.ValidateUserID(c.Node.UserID); err != nil {
			return fmt.Errorf("node.user_id: %w", err)
		}
	}

	// Store
	switch c.Store.Backend {
	case StoreMemory:
	case StoreRedis:
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when store.backend=redis")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when store.backend=redis")
		}
	case StoreRemote:
		if err := validation.ValidateWebSocketURL(c.Store.RemoteURL); err != nil {
			return fmt.Errorf("store.remote_url: %w", err)
		}
	default:
		return fmt.Errorf("store.backend must be one of memory, redis, remote")
	}
	if c.Store.RecordTTL < 0 {
		return fmt.Errorf("store.record_ttl must be >= 0")
	}

	// WebRTC
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}
	for _, bps := range []int{c.WebRTC.MinBitrate, c.WebRTC.InitialBitrate, c.WebRTC.MaxBitrate} {
		if err := validation.ValidateBitrate(bps); err != nil {
			return fmt.Errorf("webrtc: %w", err)
		}
	}
	if c.WebRTC.MinBitrate <= 0 || c.WebRTC.MinBitrate > c.WebRTC.InitialBitrate || c.WebRTC.InitialBitrate > c.WebRTC.MaxBitrate {
		return fmt.Errorf("webrtc bitrates must satisfy 0 < min <= initial <= max")
	}

	// Quality
	if c.Quality.Interval <= 0 {
		return fmt.Errorf("quality.interval must be > 0")
	}
	if c.Quality.Cooldown < 0 {
		return fmt.Errorf("quality.cooldown must be >= 0")
	}
	if c.Quality.PoorSamplesToDowngrade <= 0 || c.Quality.GoodSamplesToUpgrade <= 0 {
		return fmt.Errorf("quality sample counts must be > 0")
	}
	for i := 1; i < len(c.Quality.FramerateSteps); i++ {
		if c.Quality.FramerateSteps[i] >= c.Quality.FramerateSteps[i-1] {
			return fmt.Errorf("quality.framerate_steps must be strictly decreasing")
		}
	}
	if err := c.ProfileTable().Validate(); err != nil {
		return fmt.Errorf("quality.profiles: %w", err)
	}

	// Battery
	switch c.Battery.Source {
	case BatteryNone, BatterySysfs:
	case BatteryStatic:
		if c.Battery.StaticLevel < 0 || c.Battery.StaticLevel > 1 {
			return fmt.Errorf("battery.static_level must be within [0, 1]")
		}
	default:
		return fmt.Errorf("battery.source must be one of none, sysfs, static")
	}
	if c.Battery.PollInterval <= 0 {
		return fmt.Errorf("battery.poll_interval must be > 0")
	}

	// Signaling
	if c.Signaling.AnswerTimeout <= 0 {
		return fmt.Errorf("signaling.answer_timeout must be > 0")
	}
	if c.Signaling.PollInterval <= 0 || c.Signaling.DiscoveryInterval <= 0 {
		return fmt.Errorf("signaling poll and discovery intervals must be > 0")
	}
	if c.Signaling.CandidateBatchSize < 0 || c.Signaling.WriteRetries < 0 {
		return fmt.Errorf("signaling batch size and write retries must be >= 0")
	}

	// Monitoring
	if c.Monitoring.MetricsInterval <= 0 {
		return fmt.Errorf("monitoring.metrics_interval must be > 0")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.Exporter != "jaeger" && c.Tracing.Exporter != "otlp" {
			return fmt.Errorf("tracing.exporter must be jaeger or otlp")
		}
		if c.Tracing.Endpoint == "" {
			return fmt.Errorf("tracing.endpoint must not be empty when tracing is enabled")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("rate_limiting.websocket.connections_per_minute must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg.applyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Signal.Address = ":8081"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.ShutdownTimeout = 30 * time.Second

	cfg.Node.Device.Platform = "linux x86_64"
	cfg.Node.NetworkHint.Type = domain.NetworkUnknown

	cfg.Store.Backend = StoreMemory
	cfg.Store.RecordTTL = 24 * time.Hour
	cfg.Store.FallbackToMemory = true

	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.WebRTC.CongestionControl = true
	cfg.WebRTC.InitialBitrate = 500_000
	cfg.WebRTC.MinBitrate = 30_000
	cfg.WebRTC.MaxBitrate = 3_000_000

	cfg.Media.Loop = true

	cfg.Quality.Interval = 2 * time.Second
	cfg.Quality.Cooldown = 12 * time.Second
	cfg.Quality.PoorSamplesToDowngrade = 2
	cfg.Quality.GoodSamplesToUpgrade = 8
	cfg.Quality.FramerateSteps = []int{30, 20, 15, 12}
	cfg.Quality.ThrottleNACKDelta = 20
	cfg.Quality.Thresholds.HardBrakeRTT = 400 * time.Millisecond
	cfg.Quality.Thresholds.HardBrakeLoss = 10
	cfg.Quality.Thresholds.PoorBitrateRatio = 0.8
	cfg.Quality.Thresholds.PoorLoss = 3
	cfg.Quality.Thresholds.PoorRTT = 300 * time.Millisecond
	cfg.Quality.Thresholds.PoorNACKDelta = 40
	cfg.Quality.Thresholds.UpgradeBitrateRatio = 0.95
	cfg.Quality.Thresholds.GoodLoss = 1
	cfg.Quality.Thresholds.GoodRTT = 150 * time.Millisecond

	cfg.Battery.Source = BatterySysfs
	cfg.Battery.PollInterval = 30 * time.Second
	cfg.Battery.SysfsPath = "/sys/class/power_supply"
	cfg.Battery.StaticLevel = 1

	cfg.Signaling.AnswerTimeout = 45 * time.Second
	cfg.Signaling.PollInterval = 3 * time.Second
	cfg.Signaling.DiscoveryInterval = 2 * time.Second
	cfg.Signaling.CandidateBatchSize = 8
	cfg.Signaling.CandidateFlushInterval = 150 * time.Millisecond
	cfg.Signaling.WriteRetries = 3

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsInterval = 30 * time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Tracing.Exporter = "jaeger"
	cfg.Tracing.Endpoint = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 256 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("DUOCALL_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if addr := os.Getenv("DUOCALL_SIGNAL_ADDRESS"); addr != "" {
		c.Signal.Address = addr
	}
	if level := os.Getenv("DUOCALL_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if user := os.Getenv("DUOCALL_USER_ID"); user != "" {
		c.Node.UserID = user
	}
	if backend := os.Getenv("DUOCALL_STORE_BACKEND"); backend != "" {
		c.Store.Backend = backend
	}
	if url := os.Getenv("DUOCALL_STORE_URL"); url != "" {
		c.Store.RemoteURL = url
	}
	if addr := os.Getenv("DUOCALL_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
	}
	if platform := os.Getenv("DUOCALL_DEVICE_PLATFORM"); platform != "" {
		c.Node.Device.Platform = platform
	}
	if auto := os.Getenv("DUOCALL_AUTO_ANSWER"); auto != "" {
		if v, err := strconv.ParseBool(auto); err == nil {
			c.Node.AutoAnswer = v
		}
	}
}
