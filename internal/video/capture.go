package video

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

var ErrCaptureClosed = errors.New("video: capture closed")

type CaptureState int32

const (
	StateIdle CaptureState = iota
	StateSpawning
	StateReading
	StateEOF
	StateError
	StateRestarting
)

func (s CaptureState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSpawning:
		return "spawning"
	case StateReading:
		return "reading"
	case StateEOF:
		return "eof"
	case StateError:
		return "error"
	case StateRestarting:
		return "restarting"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Stream is the output of a running capture process. Close must kill and
// reap the process and be safe to call more than once.
type Stream interface {
	io.Reader
	Close() error
}

// Spawner starts a capture process.
type Spawner func(ctx context.Context) (Stream, error)

// CommandSpawner runs name with args and reads its stdout.
func CommandSpawner(name string, args ...string) Spawner {
	return func(ctx context.Context) (Stream, error) {
		cmd := exec.CommandContext(ctx, name, args...)
		out, err := cmd.StdoutPipe()
		if err != nil {
			return nil, err
		}
		if err := cmd.Start(); err != nil {
			return nil, err
		}
		log.Printf("[capture] started %s (pid=%d)", name, cmd.Process.Pid)
		return &procStream{cmd: cmd, out: out}, nil
	}
}

type procStream struct {
	cmd  *exec.Cmd
	out  io.ReadCloser
	once sync.Once
	err  error
}

func (p *procStream) Read(b []byte) (int, error) { return p.out.Read(b) }

func (p *procStream) Close() error {
	p.once.Do(func() {
		_ = p.cmd.Process.Kill()
		p.err = p.cmd.Wait()
	})
	return p.err
}

type CaptureOptions struct {
	SpawnBackoff time.Duration // wait after a failed spawn
	RestartDelay time.Duration // wait after the process ended
	ReadSize     int
	MaxBuffer    int
}

func (o *CaptureOptions) fill() {
	if o.SpawnBackoff <= 0 {
		o.SpawnBackoff = 5 * time.Second
	}
	if o.RestartDelay <= 0 {
		o.RestartDelay = 100 * time.Millisecond
	}
	if o.ReadSize <= 0 {
		o.ReadSize = 8 << 10
	}
	if o.MaxBuffer <= 0 {
		o.MaxBuffer = MaxBuffer
	}
}

// Capture supervises the camera process and keeps the newest frame in a
// FrameCell, restarting the process whenever it exits.
type Capture struct {
	spawn Spawner
	cell  *FrameCell
	opts  CaptureOptions

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	closed bool

	state    atomic.Int32
	frames   atomic.Uint64
	restarts atomic.Uint64
	frameLog rate.Sometimes
}

func NewCapture(spawn Spawner, cell *FrameCell, opts CaptureOptions) *Capture {
	opts.fill()
	return &Capture{spawn: spawn, cell: cell, opts: opts, frameLog: rate.Sometimes{Every: 100}}
}

// Start launches the supervisor. Starting a running capture is a no-op.
func (c *Capture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCaptureClosed
	}
	if c.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx, c.done)
	log.Printf("[capture] started")
	return nil
}

// Stop ends the supervisor and waits until the process is reaped.
func (c *Capture) Stop() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	c.cell.Clear()
	log.Printf("[capture] stopped after %d frames, %d restarts", c.frames.Load(), c.restarts.Load())
	return nil
}

// Close stops the capture for good; later Starts fail.
func (c *Capture) Close() error {
	err := c.Stop()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return err
}

func (c *Capture) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

func (c *Capture) State() CaptureState { return CaptureState(c.state.Load()) }

func (c *Capture) Frames() uint64 { return c.frames.Load() }

func (c *Capture) Restarts() uint64 { return c.restarts.Load() }

func (c *Capture) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer c.state.Store(int32(StateIdle))

	ext := NewExtractor()
	buf := make([]byte, c.opts.ReadSize)
	var (
		stream  Stream
		release func() bool
	)
	closeStream := func() {
		if stream == nil {
			return
		}
		release()
		if err := stream.Close(); err != nil && ctx.Err() == nil {
			log.Printf("[capture] process exit: %v", err)
		}
		stream = nil
	}
	defer closeStream()

	state := StateSpawning
	for {
		c.state.Store(int32(state))
		if ctx.Err() != nil {
			return
		}

		switch state {
		case StateSpawning:
			s, err := c.spawn(ctx)
			if err != nil {
				log.Printf("[capture] spawn failed: %v (retry in %s)", err, c.opts.SpawnBackoff)
				sleepCtx(ctx, c.opts.SpawnBackoff)
				continue
			}
			stream = s
			// Unblock a pending Read when stopped.
			release = context.AfterFunc(ctx, func() { _ = s.Close() })
			ext.Reset()
			state = StateReading

		case StateReading:
			n, err := stream.Read(buf)
			if n > 0 {
				_, _ = ext.Write(buf[:n])
				c.drain(ext)
			}
			switch {
			case errors.Is(err, io.EOF):
				state = StateEOF
			case err != nil:
				if ctx.Err() == nil {
					log.Printf("[capture] read: %v", err)
				}
				state = StateError
			}

		case StateEOF, StateError:
			if state == StateEOF {
				log.Printf("[capture] process output ended, restarting")
			}
			closeStream()
			c.restarts.Add(1)
			state = StateRestarting

		case StateRestarting:
			sleepCtx(ctx, c.opts.RestartDelay)
			state = StateSpawning
		}
	}
}

func (c *Capture) drain(ext *Extractor) {
	for {
		frame, ok := ext.Next()
		if !ok {
			break
		}
		c.cell.Store(frame)
		n := c.frames.Add(1)
		c.frameLog.Do(func() {
			log.Printf("[capture] frame %d (%d bytes)", n, len(frame))
		})
	}
	if ext.Len() > c.opts.MaxBuffer {
		log.Printf("[capture] %d bytes without a complete frame, clearing buffer", ext.Len())
		ext.Reset()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
