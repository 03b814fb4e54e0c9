package config

import (
	"time"
)

func Defaults() *Config {

	return &Config{
		Radio: RadioConfig{
			ControlAddr: ":8080",
		},

		Session: SessionConfig{
			SendTimeout: 100 * time.Millisecond,
		},

		Video: VideoConfig{
			UDPAddr:  ":8081",
			HTTPAddr: ":8081",
			Command:  "rpicam-vid",
			Args: []string{
				"-t", "0",
				"--width", "1600",
				"--height", "900",
				"--framerate", "30",
				"--codec", "mjpeg",
				"--hflip", "--vflip",
				"--nopreview",
				"-o", "-",
			},
			Tick:         33 * time.Millisecond,
			ClientTTL:    60 * time.Second,
			SweepEvery:   30 * time.Second,
			SpawnBackoff: 5 * time.Second,
		},

		Discovery: DiscoveryConfig{
			ServiceType:   "_f1-car._udp.local.",
			Version:       "0.1.0",
			Settle:        time.Second,
			BrowseWindow:  10 * time.Second,
			QueryInterval: time.Second,
			Publisher:     "zeroconf",
		},

		State: StateConfig{
			CarConfigPath: ".f1-car/car_config.yml",
		},

		UART: UARTConfig{
			Enabled: false,
			Device:  "/dev/ttyAMA0",
			Baud:    115200,
		},

		Cockpit: CockpitConfig{
			WebAddr:      "127.0.0.1:8090",
			JoystickAddr: "127.0.0.1:9001",
			ActuatorAddr: "",
			RegistryDB:   ".cockpit/cars.db",
			StaticDir:    "./web",
			VideoPort:    8081,
		},
	}
}
