// Package config loads geoanchor settings from defaults, an optional YAML
// file and GEOANCHOR_ environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/signalsfoundry/geoanchor/core"
	"github.com/signalsfoundry/geoanchor/internal/logging"
	"github.com/signalsfoundry/geoanchor/internal/observability"
)

// EnvPrefix prefixes every environment override, e.g.
// GEOANCHOR_SESSION_LOST_POLICY=freeze.
const EnvPrefix = "GEOANCHOR"

// Config holds application configuration.
type Config struct {
	Session SessionConfig               `mapstructure:"session"`
	Log     logging.Config              `mapstructure:"log"`
	Tracing observability.TracingConfig `mapstructure:"tracing"`
	Server  ServerConfig                `mapstructure:"server"`
	Replay  ReplayConfig                `mapstructure:"replay"`
}

// SessionConfig mirrors core.ControllerConfig in a file/env friendly shape.
type SessionConfig struct {
	Thresholds                  core.AccuracyThresholds `mapstructure:"thresholds"`
	DefaultAltitudeOffsetMeters float64                 `mapstructure:"default_altitude_offset_meters"`
	MaxRangeMeters              float64                 `mapstructure:"max_range_meters"`
	MaxPoseAge                  time.Duration           `mapstructure:"max_pose_age"`
	LostPolicy                  string                  `mapstructure:"lost_policy"`
	SingleAnchor                bool                    `mapstructure:"single_anchor"`
	StrictInvariants            bool                    `mapstructure:"strict_invariants"`
}

// ServerConfig holds listener addresses for the host-facing surfaces.
type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
	GRPCAddr string `mapstructure:"grpc_addr"`
}

// ReplayConfig selects the pose trace fed to the controller.
type ReplayConfig struct {
	Path string `mapstructure:"path"`
	Mode string `mapstructure:"mode"` // realtime | accelerated
}

// Load reads configuration. GEOANCHOR_CONFIG names an explicit YAML file;
// otherwise geoanchor.yaml is looked up in the working directory and
// $HOME/.config/geoanchor, and a missing file is not an error.
func Load() (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	explicit := os.Getenv(EnvPrefix + "_CONFIG")
	if explicit != "" {
		v.SetConfigFile(explicit)
	} else {
		v.SetConfigName("geoanchor")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "geoanchor"))
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func setDefaults(v *viper.Viper) {
	def := core.DefaultControllerConfig()
	th := def.Thresholds

	v.SetDefault("session.thresholds.good.horizontal_meters", th.Good.HorizontalMeters)
	v.SetDefault("session.thresholds.good.vertical_meters", th.Good.VerticalMeters)
	v.SetDefault("session.thresholds.good.yaw_degrees", th.Good.YawDegrees)
	v.SetDefault("session.thresholds.usable.horizontal_meters", th.Usable.HorizontalMeters)
	v.SetDefault("session.thresholds.usable.vertical_meters", th.Usable.VerticalMeters)
	v.SetDefault("session.thresholds.usable.yaw_degrees", th.Usable.YawDegrees)
	v.SetDefault("session.default_altitude_offset_meters", def.DefaultAltitudeOffsetMeters)
	v.SetDefault("session.max_range_meters", def.MaxRangeMeters)
	v.SetDefault("session.max_pose_age", def.MaxPoseAge)
	v.SetDefault("session.lost_policy", def.LostPolicy.String())
	v.SetDefault("session.single_anchor", def.SingleAnchor)
	v.SetDefault("session.strict_invariants", def.StrictInvariants)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.add_source", false)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "geoanchor")
	v.SetDefault("tracing.exporter", "stdout")
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.sample_ratio", 1.0)

	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.grpc_addr", ":9090")

	v.SetDefault("replay.path", "")
	v.SetDefault("replay.mode", "realtime")
}

// Validate rejects settings the controller cannot run with.
func (c Config) Validate() error {
	s := c.Session
	if err := validateLimits("good", s.Thresholds.Good); err != nil {
		return err
	}
	if err := validateLimits("usable", s.Thresholds.Usable); err != nil {
		return err
	}
	g, u := s.Thresholds.Good, s.Thresholds.Usable
	if g.HorizontalMeters > u.HorizontalMeters || g.VerticalMeters > u.VerticalMeters || g.YawDegrees > u.YawDegrees {
		return fmt.Errorf("session.thresholds: good limits must not exceed usable limits")
	}
	if s.MaxRangeMeters < 0 {
		return fmt.Errorf("session.max_range_meters must be >= 0, got %v", s.MaxRangeMeters)
	}
	if s.MaxPoseAge < 0 {
		return fmt.Errorf("session.max_pose_age must be >= 0, got %v", s.MaxPoseAge)
	}
	if _, err := core.ParseLostPolicy(s.LostPolicy); err != nil {
		return fmt.Errorf("session.lost_policy: %w", err)
	}
	if r := c.Tracing.SampleRatio; r < 0 || r > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1], got %v", r)
	}
	switch strings.ToLower(c.Replay.Mode) {
	case "realtime", "accelerated":
	default:
		return fmt.Errorf("replay.mode: unknown mode %q", c.Replay.Mode)
	}
	return nil
}

func validateLimits(name string, l core.AccuracyLimits) error {
	if l.HorizontalMeters <= 0 || l.VerticalMeters <= 0 || l.YawDegrees <= 0 {
		return fmt.Errorf("session.thresholds.%s: limits must be positive", name)
	}
	return nil
}

// Controller converts the session settings into a core.ControllerConfig.
func (c Config) Controller() (core.ControllerConfig, error) {
	policy, err := core.ParseLostPolicy(c.Session.LostPolicy)
	if err != nil {
		return core.ControllerConfig{}, err
	}
	return core.ControllerConfig{
		Thresholds:                  c.Session.Thresholds,
		DefaultAltitudeOffsetMeters: c.Session.DefaultAltitudeOffsetMeters,
		MaxRangeMeters:              c.Session.MaxRangeMeters,
		MaxPoseAge:                  c.Session.MaxPoseAge,
		LostPolicy:                  policy,
		SingleAnchor:                c.Session.SingleAnchor,
		StrictInvariants:            c.Session.StrictInvariants,
	}, nil
}
