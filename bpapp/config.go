/*
	Backpacking
	Copyright (c) 2025 The Backpacking Authors

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU Affero General Public License as published
	by the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU Affero General Public License for more details.

	You should have received a copy of the GNU Affero General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package bpapp

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/backpacking/backpacking/journal"
	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix prefixes every environment variable that sets a config key.
	// A double underscore separates nested keys, e.g. BACKPACKING_WEBP__QUALITY.
	EnvPrefix = "BACKPACKING_"

	// ConfigPathEnvVar names a config file when -config isn't given.
	ConfigPathEnvVar = EnvPrefix + "CONFIG"
)

// Config describes the server configuration.
type Config struct {
	// The address the HTTP server listens on.
	Listen string `koanf:"listen" validate:"required"`

	// Where originals and variants are stored, and the URL path
	// prefix they are served under.
	UploadDir  string `koanf:"upload_dir" validate:"required"`
	PublicPath string `koanf:"public_path" validate:"required,startswith=/"`

	// Also serve originals and variants under PublicPath. Normally a
	// separate static file server does this.
	ServeUploads bool `koanf:"serve_uploads"`

	// Scratch space for uploads being buffered and encoder inputs.
	// Defaults to a folder in the OS temp dir.
	TempDir string `koanf:"temp_dir"`

	Database string `koanf:"database" validate:"required"`

	// Size of the variant worker pool; 0 uses the number of CPUs.
	Workers int `koanf:"workers" validate:"gte=0"`

	MaxUploadBytes int64 `koanf:"max_upload_bytes" validate:"gt=0"`

	// Format written when WebP encoding fails: "jpg" or "png".
	FallbackFormat string `koanf:"fallback_format" validate:"oneof=jpg jpeg png"`

	// Resolve capture times in the time zone at the picture's GPS
	// position instead of UTC.
	InferTimezone bool `koanf:"infer_timezone"`

	// How long in-flight variant tasks may keep running at shutdown.
	ShutdownGrace time.Duration `koanf:"shutdown_grace" validate:"gte=0"`

	WebP    WebPConfig    `koanf:"webp"`
	Breaker BreakerConfig `koanf:"breaker"`
	Log     LogConfig     `koanf:"log"`
}

// LogConfig configures the process log.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=console json"`

	// Sampling per message and second: keep the first N entries, then
	// every Mth. First of 0 disables sampling.
	SampleFirst      int `koanf:"sample_first" validate:"gte=0"`
	SampleThereafter int `koanf:"sample_thereafter" validate:"gte=0"`
}

func (lc LogConfig) options() journal.LogOptions {
	return journal.LogOptions{
		Level:            lc.Level,
		Format:           lc.Format,
		SampleFirst:      lc.SampleFirst,
		SampleThereafter: lc.SampleThereafter,
	}
}

// WebPConfig configures the WebP encoder.
type WebPConfig struct {
	Quality int `koanf:"quality" validate:"gte=0,lte=100"`

	// "ffmpeg" runs an external ffmpeg; "vips" encodes in-process.
	Encoder string `koanf:"encoder" validate:"oneof=ffmpeg vips"`

	FFmpegPath       string        `koanf:"ffmpeg_path"`
	Timeout          time.Duration `koanf:"timeout" validate:"gt=0"`
	CompressionLevel int           `koanf:"compression_level" validate:"gte=0,lte=6"`
}

// BreakerConfig configures the circuit breaker in front of the encoder.
// Failures of 0 disables it.
type BreakerConfig struct {
	Failures uint32        `koanf:"failures"`
	Cooldown time.Duration `koanf:"cooldown" validate:"gte=0"`
}

// DefaultConfig returns the configuration used for any key that is not set.
func DefaultConfig() *Config {
	return &Config{
		Listen:         "127.0.0.1:8080",
		UploadDir:      "uploads",
		PublicPath:     "/uploads",
		TempDir:        filepath.Join(os.TempDir(), "backpacking"),
		Database:       "backpacking.db",
		MaxUploadBytes: 50 << 20,
		FallbackFormat: "jpg",
		InferTimezone:  true,
		ShutdownGrace:  journal.DefaultShutdownGrace,
		WebP: WebPConfig{
			Quality:          journal.DefaultWebPQuality,
			Encoder:          "ffmpeg",
			FFmpegPath:       "ffmpeg",
			Timeout:          journal.DefaultEncoderTimeout,
			CompressionLevel: journal.DefaultCompressionLevel,
		},
		Breaker: BreakerConfig{
			Failures: 5,
			Cooldown: time.Minute,
		},
		Log: LogConfig{
			Level:            logDefaults.Level,
			Format:           logDefaults.Format,
			SampleFirst:      logDefaults.SampleFirst,
			SampleThereafter: logDefaults.SampleThereafter,
		},
	}
}

var logDefaults = journal.DefaultLogOptions()

// LoadConfig layers the defaults, the YAML file at configPath (if any)
// and BACKPACKING_* environment variables, in that order, and validates
// the result. An empty configPath falls back to $BACKPACKING_CONFIG.
func LoadConfig(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if configPath == "" {
		configPath = os.Getenv(ConfigPathEnvVar)
	}
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	cfg := new(Config)
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey maps BACKPACKING_WEBP__FFMPEG_PATH to webp.ffmpeg_path.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Validate reports every invalid field of cfg.
func (cfg *Config) Validate() error {
	err := validator.New().Struct(cfg)
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s: failed %q (%v)", fe.Namespace(), fe.Tag(), fe.Value()))
		}
		return fmt.Errorf("%w: invalid configuration: %s", journal.ErrInvalidInput, strings.Join(msgs, "; "))
	}
	if err != nil {
		return fmt.Errorf("validating configuration: %w", err)
	}
	return nil
}

// fallbackFormat is the parsed form of FallbackFormat.
func (cfg *Config) fallbackFormat() journal.RasterFormat {
	f, err := journal.ParseFallbackFormat(cfg.FallbackFormat)
	if err != nil {
		return journal.FormatJPEG
	}
	return f
}
