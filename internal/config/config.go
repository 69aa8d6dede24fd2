// Package config loads runtime settings from defaults, an optional YAML
// file, and THERMSTREAM_* environment variables, in that precedence order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/irview/thermstream/internal/audio"
)

// Capture backends for the raw frame source.
const (
	BackendDevice = "device" // read the character device directly
	BackendFFmpeg = "ffmpeg" // demux through an ffmpeg child
)

type CaptureConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend"` // "device" or "ffmpeg"
	Device  string `mapstructure:"device" yaml:"device"`
	// InputFormat is the ffmpeg demuxer for the ffmpeg backend, e.g.
	// "v4l2" or "avfoundation". Empty lets ffmpeg guess.
	InputFormat string `mapstructure:"input_format" yaml:"input_format"`
}

type RecordConfig struct {
	Directory string `mapstructure:"directory" yaml:"directory"`
	VideoCRF  int    `mapstructure:"video_crf" yaml:"video_crf"`
	Thermal   bool   `mapstructure:"thermal" yaml:"thermal"`
	Audio     bool   `mapstructure:"audio" yaml:"audio"`
}

type AudioConfig struct {
	SampleRate int    `mapstructure:"sample_rate" yaml:"sample_rate"`
	Channels   int    `mapstructure:"channels" yaml:"channels"`
	Device     string `mapstructure:"device" yaml:"device"`
	// InputFormat is the ffmpeg audio demuxer, empty picks the platform
	// default (alsa on linux, avfoundation on darwin).
	InputFormat string `mapstructure:"input_format" yaml:"input_format"`
}

type PreviewConfig struct {
	Enabled     bool     `mapstructure:"enabled" yaml:"enabled"`
	MaxClients  int      `mapstructure:"max_clients" yaml:"max_clients"`
	STUNServers []string `mapstructure:"stun_servers" yaml:"stun_servers"`
	Overlay     bool     `mapstructure:"overlay" yaml:"overlay"`
}

type ServerConfig struct {
	ControlAddr string `mapstructure:"control_addr" yaml:"control_addr"`
	MetricsAddr string `mapstructure:"metrics_addr" yaml:"metrics_addr"`
}

type Config struct {
	FFmpegPath string        `mapstructure:"ffmpeg_path" yaml:"ffmpeg_path"`
	LogLevel   string        `mapstructure:"log_level" yaml:"log_level"`
	Capture    CaptureConfig `mapstructure:"capture" yaml:"capture"`
	Record     RecordConfig  `mapstructure:"record" yaml:"record"`
	Audio      AudioConfig   `mapstructure:"audio" yaml:"audio"`
	Preview    PreviewConfig `mapstructure:"preview" yaml:"preview"`
	Server     ServerConfig  `mapstructure:"server" yaml:"server"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ffmpeg_path", "ffmpeg")
	v.SetDefault("log_level", "info")

	v.SetDefault("capture.backend", BackendDevice)
	v.SetDefault("capture.device", "/dev/video0")
	v.SetDefault("capture.input_format", "")

	v.SetDefault("record.directory", filepath.Join(os.Getenv("HOME"), "thermstream"))
	v.SetDefault("record.video_crf", 16)
	v.SetDefault("record.thermal", true)
	v.SetDefault("record.audio", true)

	v.SetDefault("audio.sample_rate", 44100)
	v.SetDefault("audio.channels", audio.DefaultChannels())
	v.SetDefault("audio.device", "default")
	v.SetDefault("audio.input_format", "")

	v.SetDefault("preview.enabled", true)
	v.SetDefault("preview.max_clients", 4)
	v.SetDefault("preview.stun_servers", []string{})
	v.SetDefault("preview.overlay", true)

	v.SetDefault("server.control_addr", ":8080")
	v.SetDefault("server.metrics_addr", ":9090")
}

// Load reads the configuration. An empty configFile skips the file layer;
// a named file that cannot be read is an error.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("THERMSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Record.Directory = expandPath(cfg.Record.Directory)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Capture.Backend != BackendDevice && c.Capture.Backend != BackendFFmpeg {
		return fmt.Errorf("capture.backend must be %q or %q, got: %s",
			BackendDevice, BackendFFmpeg, c.Capture.Backend)
	}
	if c.Capture.Device == "" {
		return fmt.Errorf("capture.device is required")
	}
	if c.Record.VideoCRF < 0 || c.Record.VideoCRF > 51 {
		return fmt.Errorf("record.video_crf must be in 0..51, got: %d", c.Record.VideoCRF)
	}
	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("audio.sample_rate must be > 0, got: %d", c.Audio.SampleRate)
	}
	if c.Audio.Channels < 1 || c.Audio.Channels > 2 {
		return fmt.Errorf("audio.channels must be 1 or 2, got: %d", c.Audio.Channels)
	}
	if c.Preview.Enabled && c.Preview.MaxClients <= 0 {
		return fmt.Errorf("preview.max_clients must be > 0, got: %d", c.Preview.MaxClients)
	}
	return nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}
