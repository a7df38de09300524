// Package config loads the configuration of the capture server and the replay
// client from TOML or YAML files.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	pps "github.com/wneessen/postfix-policy-mock"
)

// Config is the complete pps-mock configuration
type Config struct {
	Server ServerConfig
	Replay ReplayConfig
	Log    LogConfig
}

// ServerConfig configures the capture server
type ServerConfig struct {
	ListenAddr     string
	Port           string
	OutputFile     string
	MaxRequestSize int64
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	// MetricsAddr enables the Prometheus endpoint when not empty
	MetricsAddr string
}

// ReplayConfig configures the replay client
type ReplayConfig struct {
	InputFile string
	Host      string
	Port      string
	Timeout   time.Duration
	Delay     time.Duration
}

// LogConfig configures logging
type LogConfig struct {
	Level  string
	Format string
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:     pps.DefaultAddr,
			Port:           pps.DefaultPort,
			OutputFile:     pps.DefaultCaptureFile,
			MaxRequestSize: pps.DefaultMaxRequestSize,
			ReadTimeout:    pps.DefaultReadTimeout,
			WriteTimeout:   pps.DefaultWriteTimeout,
		},
		Replay: ReplayConfig{
			InputFile: pps.DefaultCaptureFile,
			Host:      pps.DefaultReplayHost,
			Port:      pps.DefaultPort,
			Timeout:   pps.DefaultReplayTimeout,
			Delay:     pps.DefaultReplayDelay,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// fileConfig mirrors Config as it appears in a file. Only keys present in
// the file override the defaults.
type fileConfig struct {
	Server struct {
		ListenAddr     *string `toml:"listen_addr" yaml:"listen_addr"`
		Port           any     `toml:"port" yaml:"port"`
		OutputFile     *string `toml:"output_file" yaml:"output_file"`
		MaxRequestSize *int64  `toml:"max_request_size" yaml:"max_request_size"`
		ReadTimeout    *string `toml:"read_timeout" yaml:"read_timeout"`
		WriteTimeout   *string `toml:"write_timeout" yaml:"write_timeout"`
		MetricsAddr    *string `toml:"metrics_addr" yaml:"metrics_addr"`
	} `toml:"server" yaml:"server"`
	Replay struct {
		InputFile *string `toml:"input_file" yaml:"input_file"`
		Host      *string `toml:"host" yaml:"host"`
		Port      any     `toml:"port" yaml:"port"`
		Timeout   *string `toml:"timeout" yaml:"timeout"`
		Delay     *string `toml:"delay" yaml:"delay"`
	} `toml:"replay" yaml:"replay"`
	Log struct {
		Level  *string `toml:"level" yaml:"level"`
		Format *string `toml:"format" yaml:"format"`
	} `toml:"log" yaml:"log"`
}

// Load reads the file at path on top of Default(). The format is chosen by the
// file extension: .toml, .yaml or .yml.
func Load(path string) (Config, error) {
	var raw fileConfig
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
		if ud := meta.Undecoded(); len(ud) > 0 {
			return Config{}, fmt.Errorf("load config: unknown key %q", ud[0].String())
		}
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
	default:
		return Config{}, fmt.Errorf("load config: unsupported file extension %q", ext)
	}

	return raw.apply(Default())
}

func (raw fileConfig) apply(cfg Config) (Config, error) {
	var err error
	setStr(&cfg.Server.ListenAddr, raw.Server.ListenAddr)
	setStr(&cfg.Server.OutputFile, raw.Server.OutputFile)
	setStr(&cfg.Server.MetricsAddr, raw.Server.MetricsAddr)
	if raw.Server.MaxRequestSize != nil {
		cfg.Server.MaxRequestSize = *raw.Server.MaxRequestSize
	}
	if cfg.Server.Port, err = port(cfg.Server.Port, raw.Server.Port); err != nil {
		return Config{}, fmt.Errorf("parse server.port: %w", err)
	}
	if err = setDur(&cfg.Server.ReadTimeout, raw.Server.ReadTimeout); err != nil {
		return Config{}, fmt.Errorf("parse server.read_timeout: %w", err)
	}
	if err = setDur(&cfg.Server.WriteTimeout, raw.Server.WriteTimeout); err != nil {
		return Config{}, fmt.Errorf("parse server.write_timeout: %w", err)
	}

	setStr(&cfg.Replay.InputFile, raw.Replay.InputFile)
	setStr(&cfg.Replay.Host, raw.Replay.Host)
	if cfg.Replay.Port, err = port(cfg.Replay.Port, raw.Replay.Port); err != nil {
		return Config{}, fmt.Errorf("parse replay.port: %w", err)
	}
	if err = setDur(&cfg.Replay.Timeout, raw.Replay.Timeout); err != nil {
		return Config{}, fmt.Errorf("parse replay.timeout: %w", err)
	}
	if err = setDur(&cfg.Replay.Delay, raw.Replay.Delay); err != nil {
		return Config{}, fmt.Errorf("parse replay.delay: %w", err)
	}

	setStr(&cfg.Log.Level, raw.Log.Level)
	setStr(&cfg.Log.Format, raw.Log.Format)

	return cfg, nil
}

func setStr(dst *string, v *string) {
	if v == nil {
		return
	}
	if s := strings.TrimSpace(*v); s != "" {
		*dst = s
	}
}

func setDur(dst *time.Duration, v *string) error {
	if v == nil {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(*v))
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

// port accepts a port given as a string or as an integer
func port(def string, v any) (string, error) {
	switch p := v.(type) {
	case nil:
		return def, nil
	case string:
		if s := strings.TrimSpace(p); s != "" {
			return s, nil
		}
		return def, nil
	case int64:
		return fmt.Sprintf("%d", p), nil
	case int:
		return fmt.Sprintf("%d", p), nil
	default:
		return "", fmt.Errorf("unsupported port value %v", v)
	}
}
