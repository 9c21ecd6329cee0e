package main

import (
	"os"

	"duocall/internal/core/domain"
	"duocall/internal/core/ports"
	"duocall/internal/core/services"
	"duocall/internal/infrastructure/battery"
	webrtcinfra "duocall/internal/infrastructure/webrtc"
	"duocall/pkg/config"
	"duocall/pkg/tracing"

	"github.com/pion/webrtc/v3"
)

var configPaths = []string{
	"configs/config.yaml",
	"./configs/config.yaml",
	"/etc/duocall/config.yaml",
	"config.yaml",
}

// loadConfig reads the first config file that exists, or the defaults.
func loadConfig() (*config.Config, string, error) {
	if path := os.Getenv("DUOCALL_CONFIG"); path != "" {
		cfg, err := config.Load(path)
		return cfg, path, err
	}
	for _, path := range configPaths {
		if _, err := os.Stat(path); err == nil {
			cfg, err := config.Load(path)
			return cfg, path, err
		}
	}
	cfg, err := config.Load(configPaths[0])
	return cfg, "", err
}

func webrtcConfig(cfg *config.Config) webrtcinfra.WebRTCConfig {
	out := webrtcinfra.DefaultWebRTCConfig()
	if len(cfg.WebRTC.ICEServers) > 0 {
		out.ICEServers = nil
		for _, s := range cfg.WebRTC.ICEServers {
			out.ICEServers = append(out.ICEServers, webrtc.ICEServer{
				URLs:       s.URLs,
				Username:   s.Username,
				Credential: s.Credential,
			})
		}
	}
	out.PortRange.Min = cfg.WebRTC.PortRange.Min
	out.PortRange.Max = cfg.WebRTC.PortRange.Max
	out.CongestionControl = cfg.WebRTC.CongestionControl
	out.InitialBitrate = cfg.WebRTC.InitialBitrate
	out.MinBitrate = cfg.WebRTC.MinBitrate
	out.MaxBitrate = cfg.WebRTC.MaxBitrate
	return out
}

func engineConfig(cfg *config.Config) services.CallEngineConfig {
	signaling := services.DefaultSignalingConfig()
	signaling.AnswerTimeout = cfg.Signaling.AnswerTimeout
	signaling.PollInterval = cfg.Signaling.PollInterval
	signaling.DiscoveryInterval = cfg.Signaling.DiscoveryInterval
	signaling.CandidateBatchSize = cfg.Signaling.CandidateBatchSize
	signaling.CandidateFlushInterval = cfg.Signaling.CandidateFlushInterval
	signaling.AutoAnswer = cfg.Node.AutoAnswer
	signaling.WriteRetry.MaxAttempts = cfg.Signaling.WriteRetries
	signaling.WriteRetry.Enabled = cfg.Signaling.WriteRetries > 0

	quality := services.DefaultQualityControllerConfig()
	quality.Interval = cfg.Quality.Interval
	quality.Cooldown = cfg.Quality.Cooldown
	quality.PoorSamplesToDowngrade = cfg.Quality.PoorSamplesToDowngrade
	quality.GoodSamplesToUpgrade = cfg.Quality.GoodSamplesToUpgrade
	if len(cfg.Quality.FramerateSteps) > 0 {
		quality.FramerateSteps = cfg.Quality.FramerateSteps
	}
	quality.ThrottleNACKDelta = cfg.Quality.ThrottleNACKDelta

	th := cfg.Quality.Thresholds
	quality.Thresholds.HardBrakeRTT = th.HardBrakeRTT
	quality.Thresholds.HardBrakeLoss = th.HardBrakeLoss
	quality.Thresholds.PoorBitrateRatio = th.PoorBitrateRatio
	quality.Thresholds.PoorLoss = th.PoorLoss
	quality.Thresholds.PoorRTT = th.PoorRTT
	quality.Thresholds.PoorNACKDelta = th.PoorNACKDelta
	quality.Thresholds.UpgradeBitrateRatio = th.UpgradeBitrateRatio
	quality.Thresholds.GoodLoss = th.GoodLoss
	quality.Thresholds.GoodRTT = th.GoodRTT

	return services.CallEngineConfig{
		Self:            domain.UserID(cfg.Node.UserID),
		Device:          cfg.Node.Device,
		NetworkHint:     cfg.Node.NetworkHint,
		Profiles:        cfg.ProfileTable(),
		Signaling:       signaling,
		Quality:         quality,
		BatteryInterval: cfg.Battery.PollInterval,
	}
}

// batterySource returns nil when battery monitoring is off.
func batterySource(cfg *config.Config) ports.BatterySource {
	switch cfg.Battery.Source {
	case config.BatterySysfs:
		return battery.NewSysfsSource(cfg.Battery.SysfsPath)
	case config.BatteryStatic:
		return battery.NewStaticSource(cfg.Battery.StaticLevel, cfg.Battery.Charging)
	}
	return nil
}

func tracingConfig(cfg *config.Config) tracing.Config {
	return tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "duocall-callnode",
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	}
}
