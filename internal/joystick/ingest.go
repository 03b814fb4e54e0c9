package joystick

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"carlink/internal/protocol"
)

const DefaultQueue = 512

// Ingest accepts stick positions over WebSocket. Each binary message
// carries x and y as little-endian i16 values.
type Ingest struct {
	samples  chan Sample
	seq      atomic.Uint32
	dropped  atomic.Uint64
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func NewIngest(queue int) *Ingest {
	if queue <= 0 {
		queue = DefaultQueue
	}
	return &Ingest{
		samples: make(chan Sample, queue),
		// The controller UI is served from another origin.
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		conns:    make(map[*websocket.Conn]struct{}),
	}
}

func (in *Ingest) Samples() <-chan Sample { return in.samples }

// Offer enqueues s without blocking. When the queue is full the new sample
// is dropped and Offer reports false.
func (in *Ingest) Offer(s Sample) bool {
	select {
	case in.samples <- s:
		return true
	default:
		in.dropped.Add(1)
		return false
	}
}

func (in *Ingest) Dropped() uint64 { return in.dropped.Load() }

func (in *Ingest) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := in.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	in.mu.Lock()
	in.conns[conn] = struct{}{}
	in.mu.Unlock()
	log.Printf("[joystick] client connected: %s", r.RemoteAddr)

	defer func() {
		in.mu.Lock()
		delete(in.conns, conn)
		in.mu.Unlock()
		_ = conn.Close()
		log.Printf("[joystick] client disconnected: %s", r.RemoteAddr)
	}()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		if s, ok := decodeSample(data); ok {
			s.Seq = in.seq.Add(1)
			in.Offer(s)
		}
	}
}

func decodeSample(b []byte) (Sample, bool) {
	if len(b) < 4 {
		return Sample{}, false
	}
	x := int16(binary.LittleEndian.Uint16(b[0:2]))
	y := int16(binary.LittleEndian.Uint16(b[2:4]))
	return Sample{
		X:  float64(x) / protocol.AxisMax,
		Y:  float64(y) / protocol.AxisMax,
		At: time.Now(),
	}, true
}

// ListenAndServe serves the WebSocket endpoint on addr until ctx is done.
func (in *Ingest) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("joystick: listen %s: %w", addr, err)
	}
	return in.Serve(ctx, ln)
}

func (in *Ingest) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: in, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		// Hijacked connections are not closed by Shutdown.
		in.mu.Lock()
		for c := range in.conns {
			_ = c.Close()
		}
		in.mu.Unlock()
	}()
	log.Printf("[joystick] websocket listening on %s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("joystick: serve: %w", err)
	}
	return nil
}
