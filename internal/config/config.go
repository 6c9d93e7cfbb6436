package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/exepirit/meshlink/pkg/mesh"
	"github.com/exepirit/meshlink/pkg/mesh/link"
	"gopkg.in/yaml.v3"
)

// Config holds the meshnode configuration.
type Config struct {
	Device DeviceConfig `yaml:"device"`
	Log    LogConfig    `yaml:"log"`
	Router RouterConfig `yaml:"router"`
	Store  StoreConfig  `yaml:"store"`
	Link   LinkConfig   `yaml:"link"`
}

type DeviceConfig struct {
	// URL selects the radio: "ble:", "serial:/dev/ttyUSB0" or "mqtt://host:1883/root".
	URL string `yaml:"url"`
	// ID pins the node identity. Empty means a fresh identity on every start.
	ID string `yaml:"id"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type RouterConfig struct {
	PayloadMTU    int         `yaml:"payload_mtu"`
	DefaultTTL    int         `yaml:"default_ttl"`
	ForwardFanout int         `yaml:"forward_fanout"`
	Dedup         DedupConfig `yaml:"dedup"`
}

type DedupConfig struct {
	Mode              string  `yaml:"mode"`
	Capacity          uint    `yaml:"capacity"`
	FalsePositiveRate float64 `yaml:"false_positive_rate"`
}

type StoreConfig struct {
	MaxQueueSize    int           `yaml:"max_queue_size"`
	MaxPacketAge    time.Duration `yaml:"max_packet_age"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

type LinkConfig struct {
	FrameSize         int           `yaml:"frame_size"`
	Connect           BackoffConfig `yaml:"connect"`
	Send              BackoffConfig `yaml:"send"`
	ReassemblyTimeout time.Duration `yaml:"reassembly_timeout"`
}

type BackoffConfig struct {
	Attempts     int           `yaml:"attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	Multiplier   float64       `yaml:"multiplier"`
}

// DefaultPath returns the default config file path: ~/.meshlink/config.yaml
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".meshlink", "config.yaml")
	}
	return filepath.Join(home, ".meshlink", "config.yaml")
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	router := mesh.DefaultRouterConfig()
	store := mesh.DefaultStoreConfig()
	lnk := link.DefaultConfig()

	return &Config{
		Device: DeviceConfig{URL: "ble:"},
		Log:    LogConfig{Level: "info", Format: "text"},
		Router: RouterConfig{
			PayloadMTU:    router.PayloadMTU,
			DefaultTTL:    int(router.DefaultTTL),
			ForwardFanout: router.ForwardFanout,
			Dedup: DedupConfig{
				Mode:              router.Dedup.Mode,
				Capacity:          router.Dedup.Capacity,
				FalsePositiveRate: router.Dedup.FalsePositiveRate,
			},
		},
		Store: StoreConfig{
			MaxQueueSize:    store.MaxQueueSize,
			MaxPacketAge:    store.MaxPacketAge,
			CleanupInterval: store.CleanupInterval,
		},
		Link: LinkConfig{
			FrameSize:         lnk.FrameSize,
			Connect:           backoffConfig(lnk.Connect),
			Send:              backoffConfig(lnk.Send),
			ReassemblyTimeout: lnk.ReassemblyTimeout,
		},
	}
}

// Load reads the configuration from the given YAML file path. Values absent
// from the file keep their defaults. If the file does not exist, it returns
// the default Config with no error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every invalid value at once.
func (c *Config) Validate() error {
	var errs []error
	if _, err := url.Parse(c.Device.URL); err != nil || c.Device.URL == "" {
		errs = append(errs, fmt.Errorf("device.url: invalid device URL %q", c.Device.URL))
	}
	if c.Device.ID != "" {
		if _, err := mesh.ParseDeviceID(c.Device.ID); err != nil {
			errs = append(errs, fmt.Errorf("device.id: %w", err))
		}
	}
	if c.Router.PayloadMTU <= 0 {
		errs = append(errs, fmt.Errorf("router.payload_mtu: must be positive, got %d", c.Router.PayloadMTU))
	}
	if c.Router.DefaultTTL < 0 || c.Router.DefaultTTL > mesh.MaxTTL {
		errs = append(errs, fmt.Errorf("router.default_ttl: must be within 0..%d, got %d", mesh.MaxTTL, c.Router.DefaultTTL))
	}
	if c.Router.ForwardFanout <= 0 {
		errs = append(errs, fmt.Errorf("router.forward_fanout: must be positive, got %d", c.Router.ForwardFanout))
	}
	if _, err := c.RouterConfig().Dedup.NewDedup(); err != nil {
		errs = append(errs, fmt.Errorf("router.dedup: %w", err))
	}
	if c.Store.MaxQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("store.max_queue_size: must be positive, got %d", c.Store.MaxQueueSize))
	}
	if c.Store.MaxPacketAge <= 0 {
		errs = append(errs, fmt.Errorf("store.max_packet_age: must be positive, got %s", c.Store.MaxPacketAge))
	}
	if c.Link.Connect.Attempts <= 0 || c.Link.Send.Attempts <= 0 {
		errs = append(errs, errors.New("link: retry attempts must be positive"))
	}
	return errors.Join(errs...)
}

// DeviceID returns the configured identity, or the zero id when none is set.
func (c *Config) DeviceID() (mesh.DeviceID, error) {
	if c.Device.ID == "" {
		return mesh.DeviceID{}, nil
	}
	return mesh.ParseDeviceID(c.Device.ID)
}

func (c *Config) RouterConfig() mesh.RouterConfig {
	id, _ := c.DeviceID()
	return mesh.RouterConfig{
		DeviceID:      id,
		PayloadMTU:    c.Router.PayloadMTU,
		DefaultTTL:    uint8(c.Router.DefaultTTL),
		ForwardFanout: c.Router.ForwardFanout,
		Dedup: mesh.DedupConfig{
			Mode:              c.Router.Dedup.Mode,
			Capacity:          c.Router.Dedup.Capacity,
			FalsePositiveRate: c.Router.Dedup.FalsePositiveRate,
		},
	}
}

func (c *Config) StoreConfig() mesh.StoreConfig {
	return mesh.StoreConfig{
		MaxQueueSize:    c.Store.MaxQueueSize,
		MaxPacketAge:    c.Store.MaxPacketAge,
		CleanupInterval: c.Store.CleanupInterval,
	}
}

func (c *Config) LinkConfig() link.Config {
	return link.Config{
		FrameSize:         c.Link.FrameSize,
		Connect:           c.Link.Connect.backoff(),
		Send:              c.Link.Send.backoff(),
		ReassemblyTimeout: c.Link.ReassemblyTimeout,
	}
}

func backoffConfig(b link.Backoff) BackoffConfig {
	return BackoffConfig{Attempts: b.Attempts, InitialDelay: b.InitialDelay, Multiplier: b.Multiplier}
}

func (b BackoffConfig) backoff() link.Backoff {
	return link.Backoff{Attempts: b.Attempts, InitialDelay: b.InitialDelay, Multiplier: b.Multiplier}
}
