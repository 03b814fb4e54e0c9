package video

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Camera is the capture control surface used by the streamer and the HTTP
// handler. *Capture implements it.
type Camera interface {
	Start() error
	Stop() error
	Running() bool
}

// UDP subcommands and their replies.
const (
	CmdDiscover    = "DISCOVER"
	CmdStart       = "START_CAMERA"
	CmdStop        = "STOP_CAMERA"
	CmdSubscribe   = "CAMERA_SUBSCRIBE"
	CmdUnsubscribe = "CAMERA_UNSUBSCRIBE"

	ReplyServer      = "CAMERA_SERVER"
	ReplyStarted     = "CAMERA_STARTED"
	ReplyStartFailed = "CAMERA_START_FAILED"
	ReplyStopped     = "CAMERA_STOPPED"
	ReplyStopFailed  = "CAMERA_STOP_FAILED"
)

type StreamerOptions struct {
	Addr       string
	Tick       time.Duration
	ClientTTL  time.Duration
	SweepEvery time.Duration
}

func (o *StreamerOptions) fill() {
	if o.Tick <= 0 {
		o.Tick = 33 * time.Millisecond
	}
	if o.ClientTTL <= 0 {
		o.ClientTTL = 60 * time.Second
	}
	if o.SweepEvery <= 0 {
		o.SweepEvery = 30 * time.Second
	}
}

type subscriber struct {
	addr *net.UDPAddr
	seen time.Time
}

// Streamer answers camera subcommands on a UDP socket and pushes every new
// frame, chunked, to the registered subscribers.
type Streamer struct {
	opts StreamerOptions
	cam  Camera
	cell *FrameCell
	conn *net.UDPConn

	mu      sync.Mutex
	clients map[string]subscriber

	frameID uint32
	lastSeq uint64
	sendLog rate.Sometimes
}

func NewStreamer(opts StreamerOptions, cam Camera, cell *FrameCell) *Streamer {
	opts.fill()
	return &Streamer{
		opts:    opts,
		cam:     cam,
		cell:    cell,
		clients: make(map[string]subscriber),
		sendLog: rate.Sometimes{Interval: 5 * time.Second},
	}
}

func (s *Streamer) Listen() error {
	addr, err := net.ResolveUDPAddr("udp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("video: resolve %s: %w", s.opts.Addr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("video: listen %s: %w", s.opts.Addr, err)
	}
	s.conn = conn
	log.Printf("[video] UDP streamer listening on %s (camera starts on demand)", conn.LocalAddr())
	return nil
}

func (s *Streamer) Addr() net.Addr { return s.conn.LocalAddr() }

// Serve runs the command loop, the broadcaster and the subscriber sweeper
// until ctx is done. The camera is stopped on exit.
func (s *Streamer) Serve(ctx context.Context) error {
	if s.conn == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.broadcast(ctx) }()
	go func() { defer wg.Done(); s.sweep(ctx) }()
	go func() {
		<-ctx.Done()
		_ = s.conn.Close()
	}()

	err := s.readLoop(ctx)
	cancel()
	wg.Wait()
	if stopErr := s.cam.Stop(); stopErr != nil {
		log.Printf("[video] stop camera: %v", stopErr)
	}
	return err
}

func (s *Streamer) readLoop(ctx context.Context) error {
	buf := make([]byte, 1024)
	for {
		if ctx.Err() != nil {
			return nil
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Printf("[video] receive: %v", err)
			continue
		}
		s.handleCommand(string(buf[:n]), from)
	}
}

func (s *Streamer) handleCommand(cmd string, from *net.UDPAddr) {
	switch cmd {
	case CmdDiscover:
		log.Printf("[video] client discovered: %s", from)
		s.touch(from)
		s.reply(ReplyServer, from)

	case CmdStart:
		log.Printf("[video] camera start requested by %s", from)
		s.touch(from)
		if err := s.cam.Start(); err != nil {
			log.Printf("[video] start camera: %v", err)
			s.reply(ReplyStartFailed, from)
			return
		}
		s.reply(ReplyStarted, from)

	case CmdStop:
		log.Printf("[video] camera stop requested by %s", from)
		s.touch(from)
		if err := s.cam.Stop(); err != nil {
			log.Printf("[video] stop camera: %v", err)
			s.reply(ReplyStopFailed, from)
			return
		}
		s.reply(ReplyStopped, from)

	case CmdSubscribe:
		if first := s.touch(from); first {
			log.Printf("[video] first subscriber %s, starting camera", from)
			if err := s.cam.Start(); err != nil {
				log.Printf("[video] start camera: %v", err)
			}
		}

	case CmdUnsubscribe:
		if last := s.remove(from); last {
			log.Printf("[video] last subscriber %s left, stopping camera", from)
			if err := s.cam.Stop(); err != nil {
				log.Printf("[video] stop camera: %v", err)
			}
		}
	}
}

func (s *Streamer) reply(msg string, to *net.UDPAddr) {
	if _, err := s.conn.WriteToUDP([]byte(msg), to); err != nil {
		log.Printf("[video] reply %s to %s: %v", msg, to, err)
	}
}

// touch registers or refreshes a subscriber and reports whether the
// registry was empty before.
func (s *Streamer) touch(addr *net.UDPAddr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	first := len(s.clients) == 0
	s.clients[addr.String()] = subscriber{addr: addr, seen: time.Now()}
	return first
}

// remove drops a subscriber and reports whether it was the last one.
func (s *Streamer) remove(addr *net.UDPAddr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[addr.String()]; !ok {
		return false
	}
	delete(s.clients, addr.String())
	return len(s.clients) == 0
}

func (s *Streamer) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Streamer) snapshot() []*net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*net.UDPAddr, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c.addr)
	}
	return out
}

func (s *Streamer) sweep(ctx context.Context) {
	t := time.NewTicker(s.opts.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.expire(time.Now())
		}
	}
}

func (s *Streamer) expire(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, c := range s.clients {
		if now.Sub(c.seen) > s.opts.ClientTTL {
			log.Printf("[video] removing inactive client %s", k)
			delete(s.clients, k)
		}
	}
}

func (s *Streamer) broadcast(ctx context.Context) {
	t := time.NewTicker(s.opts.Tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.publish()
		}
	}
}

func (s *Streamer) publish() {
	addrs := s.snapshot()
	if len(addrs) == 0 {
		return
	}
	frame, seq, ok := s.cell.LoadAfter(s.lastSeq)
	if !ok {
		return
	}
	s.lastSeq = seq

	chunks, err := Chunk(s.frameID, frame)
	if err != nil {
		log.Printf("[video] drop frame %d: %v", s.frameID, err)
		return
	}
	for _, d := range chunks {
		for _, a := range addrs {
			if _, err := s.conn.WriteToUDP(d, a); err != nil {
				s.sendLog.Do(func() {
					log.Printf("[video] send chunk of frame %d to %s: %v", s.frameID, a, err)
				})
			}
		}
	}
	s.frameID++
}
