// camera-emulator writes a synthetic MJPEG stream to stdout so the radio can
// run without a camera:
//
//	video:
//	  command: ./camera-emulator
//	  args: ["-fps", "30"]
package main

import (
	"bufio"
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	var (
		fps     = flag.Int("fps", 30, "frames per second")
		width   = flag.Int("width", 640, "frame width")
		height  = flag.Int("height", 360, "frame height")
		quality = flag.Int("quality", 70, "JPEG quality (1..100)")
		frames  = flag.Int("frames", 0, "stop after this many frames (0 = run forever)")
		label   = flag.String("label", "carlink", "text drawn on every frame")
	)
	flag.Parse()
	// stdout carries the stream
	log.SetOutput(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := &renderer{Width: *width, Height: *height, Quality: *quality, Label: *label}
	out := bufio.NewWriterSize(os.Stdout, 256<<10)

	tick := time.NewTicker(time.Second / time.Duration(max(*fps, 1)))
	defer tick.Stop()

	log.Printf("camera-emulator %dx%d @ %d fps", *width, *height, *fps)
	for n := 0; *frames == 0 || n < *frames; n++ {
		frame, err := r.Frame(n)
		if err != nil {
			log.Fatalf("render: %v", err)
		}
		if _, err := out.Write(frame); err != nil {
			// reader went away
			return
		}
		if err := out.Flush(); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}
