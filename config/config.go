// Package config loads the settings shared by the image walkers, the
// command channel and the service port. A Config is built once at startup
// and handed to each subsystem by value.
package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"gomapimg/elfrw"
	"gomapimg/kph"
	"gomapimg/mapimg"
	"gomapimg/perw"
	"gomapimg/phsvc"
)

type Config struct {
	Driver  DriverConfig  `yaml:"driver"`
	Service ServiceConfig `yaml:"service"`
	Image   ImageConfig   `yaml:"image"`
}

type DriverConfig struct {
	DeviceName string            `yaml:"device_name"`
	Level      kph.SecurityLevel `yaml:"security_level"`
	Features   []string          `yaml:"features"`
	KeyBackoff time.Duration     `yaml:"key_backoff"`

	// PublicKey is the hex ed25519 key that verifies client images.
	PublicKey string `yaml:"public_key,omitempty"`
}

type ServiceConfig struct {
	Path        string            `yaml:"path"`
	Workers     int               `yaml:"workers"`
	Level       kph.SecurityLevel `yaml:"security_level"`
	IdleTimeout time.Duration     `yaml:"idle_timeout"`
	MaxViewSize uint32            `yaml:"max_view_size"`
}

type ImageConfig struct {
	MaxResources    int `yaml:"max_resources"`
	MaxImportThunks int `yaml:"max_import_thunks"`
	MaxTlsCallbacks int `yaml:"max_tls_callbacks"`
	MaxCfgEntries   int `yaml:"max_cfg_entries"`
	MaxSymbols      int `yaml:"max_symbols"`
}

func Default() Config {
	params := kph.DefaultParameters()
	pe := perw.DefaultLimits()
	elf := elfrw.DefaultLimits()
	return Config{
		Driver: DriverConfig{
			DeviceName: params.DeviceName,
			Level:      params.Level,
			Features:   params.Features.Names(),
			KeyBackoff: params.KeyBackoff,
		},
		Service: ServiceConfig{
			Path:        filepath.Join(os.TempDir(), "gomapimg-phsvc.sock"),
			Workers:     phsvc.DefaultWorkers,
			Level:       kph.DefaultSecurityLevel,
			IdleTimeout: 5 * time.Minute,
			MaxViewSize: phsvc.DefaultMaxViewSize,
		},
		Image: ImageConfig{
			MaxResources:    pe.MaxResources,
			MaxImportThunks: pe.MaxImportThunks,
			MaxTlsCallbacks: pe.MaxTlsCallbacks,
			MaxCfgEntries:   pe.MaxCfgEntries,
			MaxSymbols:      elf.MaxSymbols,
		},
	}
}

// Load reads a YAML file over the defaults. Keys the file leaves out keep
// their default values; unknown keys are an error.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var problems []string
	if !c.Driver.Level.Valid() {
		problems = append(problems, fmt.Sprintf("driver.security_level %d", int(c.Driver.Level)))
	}
	if _, err := kph.ParseFeatures(c.Driver.Features); err != nil {
		problems = append(problems, "driver.features: "+err.Error())
	}
	if c.Driver.KeyBackoff < 0 {
		problems = append(problems, "driver.key_backoff is negative")
	}
	if _, err := c.Driver.publicKey(); err != nil {
		problems = append(problems, "driver.public_key: "+err.Error())
	}
	if !c.Service.Level.Valid() {
		problems = append(problems, fmt.Sprintf("service.security_level %d", int(c.Service.Level)))
	}
	if c.Service.Path == "" {
		problems = append(problems, "service.path is empty")
	}
	if c.Service.Workers < 1 {
		problems = append(problems, "service.workers must be at least 1")
	}
	if c.Service.IdleTimeout < 0 {
		problems = append(problems, "service.idle_timeout is negative")
	}
	if c.Service.MaxViewSize == 0 {
		problems = append(problems, "service.max_view_size is zero")
	}
	for _, limit := range []struct {
		name  string
		value int
	}{
		{"image.max_resources", c.Image.MaxResources},
		{"image.max_import_thunks", c.Image.MaxImportThunks},
		{"image.max_tls_callbacks", c.Image.MaxTlsCallbacks},
		{"image.max_cfg_entries", c.Image.MaxCfgEntries},
		{"image.max_symbols", c.Image.MaxSymbols},
	} {
		if limit.value <= 0 {
			problems = append(problems, limit.name+" must be positive")
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (d DriverConfig) publicKey() (ed25519.PublicKey, error) {
	if d.PublicKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(strings.TrimSpace(d.PublicKey))
	if err != nil {
		return nil, err
	}
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%d bytes, want %d", len(key), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(key), nil
}

// Parameters converts the driver section into device parameters.
func (d DriverConfig) Parameters() (kph.Parameters, error) {
	features, err := kph.ParseFeatures(d.Features)
	if err != nil {
		return kph.Parameters{}, err
	}
	key, err := d.publicKey()
	if err != nil {
		return kph.Parameters{}, fmt.Errorf("public key: %w", err)
	}
	return kph.Parameters{
		DeviceName: d.DeviceName,
		Level:      d.Level,
		Features:   features,
		KeyBackoff: d.KeyBackoff,
		PublicKey:  key,
	}, nil
}

// Server converts the service section into a server configuration.
func (s ServiceConfig) Server(device *kph.Device, logger *log.Logger) phsvc.Config {
	return phsvc.Config{
		Path:        s.Path,
		Workers:     s.Workers,
		Level:       s.Level,
		MaxViewSize: s.MaxViewSize,
		Device:      device,
		Logger:      logger,
	}
}

func (i ImageConfig) Limits() mapimg.Limits {
	return mapimg.Limits{
		PE: perw.Limits{
			MaxImportThunks: i.MaxImportThunks,
			MaxResources:    i.MaxResources,
			MaxTlsCallbacks: i.MaxTlsCallbacks,
			MaxCfgEntries:   i.MaxCfgEntries,
		},
		ELF: elfrw.Limits{MaxSymbols: i.MaxSymbols},
	}
}
