package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	if err != nil {
		t.Fatal(err)
	}
	def := Defaults()
	if cfg.Radio.ControlAddr != def.Radio.ControlAddr {
		t.Errorf("control addr = %q, want %q", cfg.Radio.ControlAddr, def.Radio.ControlAddr)
	}
	if cfg.Session.SendTimeout != 100*time.Millisecond {
		t.Errorf("send timeout = %v", cfg.Session.SendTimeout)
	}
	if cfg.Discovery.ServiceType != "_f1-car._udp.local." {
		t.Errorf("service type = %q", cfg.Discovery.ServiceType)
	}
}

func TestLoadOverlaysYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "carlink.yml")
	data := []byte(`
radio:
  control_addr: ":9090"
video:
  tick: 50ms
  command: camera-emulator
  args: ["-fps", "10"]
uart:
  enabled: true
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Radio.ControlAddr != ":9090" {
		t.Errorf("control addr = %q", cfg.Radio.ControlAddr)
	}
	if cfg.Video.Tick != 50*time.Millisecond {
		t.Errorf("tick = %v", cfg.Video.Tick)
	}
	if cfg.Video.Command != "camera-emulator" || len(cfg.Video.Args) != 2 {
		t.Errorf("command = %q %v", cfg.Video.Command, cfg.Video.Args)
	}
	if !cfg.UART.Enabled || cfg.UART.Baud != 115200 {
		t.Errorf("uart = %+v", cfg.UART)
	}
	// untouched sections keep their defaults
	if cfg.Video.ClientTTL != 60*time.Second {
		t.Errorf("client ttl = %v", cfg.Video.ClientTTL)
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yml")
	if err := os.WriteFile(path, []byte("radio: [unterminated"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"CARLINK_CONTROL_ADDR": ":7000",
		"CARLINK_UART_ENABLED": "true",
		"CARLINK_IDLE_TIMEOUT": "3s",
		"CARLINK_PUBLIC_IP":    "",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Defaults()
	cfg.Radio.PublicIP = "10.0.0.5"
	if err := cfg.applyEnv(lookup); err != nil {
		t.Fatal(err)
	}
	if cfg.Radio.ControlAddr != ":7000" {
		t.Errorf("control addr = %q", cfg.Radio.ControlAddr)
	}
	if !cfg.UART.Enabled {
		t.Error("uart not enabled")
	}
	if cfg.Session.IdleTimeout != 3*time.Second {
		t.Errorf("idle timeout = %v", cfg.Session.IdleTimeout)
	}
	if cfg.Radio.PublicIP != "10.0.0.5" {
		t.Errorf("empty env value overwrote public ip: %q", cfg.Radio.PublicIP)
	}

	env["CARLINK_VERBOSE"] = "maybe"
	if err := Defaults().applyEnv(lookup); err == nil {
		t.Error("expected error for bad bool")
	}
}
