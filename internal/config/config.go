package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultPath = "./configs/carlink.yml"

type RadioConfig struct {
	ControlAddr string `yaml:"control_addr"` // :8080
	PublicIP    string `yaml:"public_ip"`    // advertised address, empty = autodetect
	Interface   string `yaml:"iface"`        // multicast interface, empty = system default
}

type SessionConfig struct {
	SendTimeout time.Duration `yaml:"send_timeout"`
	IdleTimeout time.Duration `yaml:"idle_timeout"` // 0 = never expire a silent client
}

type VideoConfig struct {
	UDPAddr      string        `yaml:"udp_addr"`  // :8081
	HTTPAddr     string        `yaml:"http_addr"` // :8081 (tcp)
	Command      string        `yaml:"command"`
	Args         []string      `yaml:"args"`
	Tick         time.Duration `yaml:"tick"`
	ClientTTL    time.Duration `yaml:"client_ttl"`
	SweepEvery   time.Duration `yaml:"sweep_every"`
	SpawnBackoff time.Duration `yaml:"spawn_backoff"`
}

type DiscoveryConfig struct {
	ServiceType   string        `yaml:"service_type"`
	Version       string        `yaml:"version"`
	Settle        time.Duration `yaml:"settle"`
	BrowseWindow  time.Duration `yaml:"browse_window"`
	QueryInterval time.Duration `yaml:"query_interval"`
	Publisher     string        `yaml:"publisher"` // "zeroconf" or "builtin"
}

type StateConfig struct {
	CarConfigPath string `yaml:"car_config_path"`
}

type UARTConfig struct {
	Enabled bool   `yaml:"enabled"`
	Device  string `yaml:"device"` // "/dev/ttyAMA0", "/dev/ttyUSB0" or "COM5"
	Baud    int    `yaml:"baud"`
}

type CockpitConfig struct {
	WebAddr      string `yaml:"web_addr"`
	JoystickAddr string `yaml:"joystick_addr"`
	ActuatorAddr string `yaml:"actuator_addr"` // vehicle control port, host:port
	RegistryDB   string `yaml:"registry_db"`
	StaticDir    string `yaml:"static_dir"` // optional bundled UI
	VideoPort    int    `yaml:"video_port"` // vehicle video port, 0 = no video
}

type Config struct {
	Verbose   bool            `yaml:"verbose"`
	Radio     RadioConfig     `yaml:"radio"`
	Session   SessionConfig   `yaml:"session"`
	Video     VideoConfig     `yaml:"video"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	State     StateConfig     `yaml:"state"`
	UART      UARTConfig      `yaml:"uart"`
	Cockpit   CockpitConfig   `yaml:"cockpit"`
}

// Load builds a Config from defaults, the yaml file at path (if present)
// and CARLINK_* environment overrides, in that order.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		path = os.Getenv("CARLINK_CONFIG")
	}
	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		log.Printf("[cfg] %s not found, using defaults", path)
	case err != nil:
		return nil, fmt.Errorf("cannot read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("cannot parse yaml %s: %w", path, err)
		}
		log.Printf("[cfg] loaded %s", path)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"CARLINK_CONTROL_ADDR":   &c.Radio.ControlAddr,
		"CARLINK_PUBLIC_IP":      &c.Radio.PublicIP,
		"CARLINK_IFACE":          &c.Radio.Interface,
		"CARLINK_VIDEO_UDP_ADDR": &c.Video.UDPAddr,
		"CARLINK_VIDEO_HTTP":     &c.Video.HTTPAddr,
		"CARLINK_CAMERA_CMD":     &c.Video.Command,
		"CARLINK_CAR_CONFIG":     &c.State.CarConfigPath,
		"CARLINK_UART_DEVICE":    &c.UART.Device,
		"CARLINK_WEB_ADDR":       &c.Cockpit.WebAddr,
		"CARLINK_JOYSTICK_ADDR":  &c.Cockpit.JoystickAddr,
		"CARLINK_ACTUATOR_ADDR":  &c.Cockpit.ActuatorAddr,
		"CARLINK_REGISTRY_DB":    &c.Cockpit.RegistryDB,
		"CARLINK_STATIC_DIR":     &c.Cockpit.StaticDir,
	}
	for key, dst := range str {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := lookup("CARLINK_UART_ENABLED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CARLINK_UART_ENABLED: %w", err)
		}
		c.UART.Enabled = b
	}
	if v, ok := lookup("CARLINK_VERBOSE"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CARLINK_VERBOSE: %w", err)
		}
		c.Verbose = b
	}
	if v, ok := lookup("CARLINK_IDLE_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CARLINK_IDLE_TIMEOUT: %w", err)
		}
		c.Session.IdleTimeout = d
	}
	return nil
}
