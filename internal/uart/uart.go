// Package uart drives the vehicle's actuator board over a serial line: every
// control message becomes two bytes, steering then throttle.
package uart

import (
	"context"
	"fmt"
	"io"
	"log"

	"go.bug.st/serial"

	"carlink/internal/hub"
)

type Config struct {
	Device string // "/dev/ttyAMA0", "/dev/ttyUSB0" or "COM5"
	Baud   int
}

// Open opens the serial device in raw 8N1 mode.
func Open(cfg Config) (serial.Port, error) {
	baud := cfg.Baud
	if baud == 0 {
		baud = 115200
	}
	p, err := serial.Open(cfg.Device, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("uart: cannot open %s: %w", cfg.Device, err)
	}
	return p, nil
}

// Encode packs a control message. Values outside [0, 255] wrap, so -100
// percent travels as 156.
func Encode(c hub.Control) [2]byte {
	return [2]byte{uint8(c.Steering), uint8(c.Throttle)}
}

// Run writes every control from ch to w until ctx is done or ch is closed.
// Write errors are logged and the loop continues.
func Run(ctx context.Context, w io.Writer, ch <-chan hub.Control) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-ch:
			if !ok {
				return nil
			}
			buf := Encode(c)
			if _, err := w.Write(buf[:]); err != nil {
				log.Printf("[uart] write: %v", err)
			}
		}
	}
}

// Start opens the device, subscribes to the control bus and blocks until ctx
// is done. With no device configured it only waits for ctx.
func Start(ctx context.Context, cfg Config, bus *hub.Hub) error {
	if cfg.Device == "" {
		log.Printf("[uart] disabled (no device)")
		<-ctx.Done()
		return nil
	}

	port, err := Open(cfg)
	if err != nil {
		return err
	}
	defer port.Close()
	log.Printf("[uart] writing controls to %s", cfg.Device)

	ch, cancel := bus.Subscribe(64)
	defer cancel()
	return Run(ctx, port, ch)
}
