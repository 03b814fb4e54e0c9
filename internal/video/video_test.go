package video

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func jpeg(body string) []byte {
	out := append([]byte{0xFF, 0xD8}, body...)
	return append(out, 0xFF, 0xD9)
}

func TestExtractSingleFrame(t *testing.T) {
	e := NewExtractor()
	frame := jpeg("hello")
	_, _ = e.Write(append([]byte("garbage"), frame...))

	got, ok := e.Next()
	if !ok || !bytes.Equal(got, frame) {
		t.Fatalf("Next = %x, %v; want %x", got, ok, frame)
	}
	if e.Len() != 0 {
		t.Errorf("buffer holds %d bytes after the frame", e.Len())
	}
	if _, ok := e.Next(); ok {
		t.Error("second Next returned a frame")
	}
}

func TestExtractAcrossWrites(t *testing.T) {
	e := NewExtractor()
	a, b := jpeg("one"), jpeg("two")
	stream := append(append([]byte{}, a...), b...)

	var got [][]byte
	for i := 0; i < len(stream); i++ {
		_, _ = e.Write(stream[i : i+1])
		for {
			f, ok := e.Next()
			if !ok {
				break
			}
			got = append(got, f)
		}
	}
	if len(got) != 2 || !bytes.Equal(got[0], a) || !bytes.Equal(got[1], b) {
		t.Fatalf("frames = %x", got)
	}
}

func TestChunkCount(t *testing.T) {
	for _, n := range []int{1, MaxPayload - 1, MaxPayload, MaxPayload + 1, 3 * MaxPayload, 100000} {
		chunks, err := Chunk(1, make([]byte, n))
		if err != nil {
			t.Fatal(err)
		}
		want := (n + MaxPayload - 1) / MaxPayload
		if len(chunks) != want {
			t.Errorf("L=%d: %d chunks, want %d", n, len(chunks), want)
		}
		for _, c := range chunks {
			if len(c) > DatagramSize {
				t.Errorf("L=%d: datagram of %d bytes", n, len(c))
			}
		}
	}
}

func TestChunkTooLarge(t *testing.T) {
	n := MaxChunks*MaxPayload + 1
	chunks, err := Chunk(1, make([]byte, n))
	if !errors.Is(err, ErrFrameTooLarge) || chunks != nil {
		t.Errorf("Chunk(%d bytes) = %d chunks, %v", n, len(chunks), err)
	}
}

func TestReassembleInOrder(t *testing.T) {
	frame := bytes.Repeat([]byte("0123456789"), 500)
	chunks, err := Chunk(42, frame)
	if err != nil {
		t.Fatal(err)
	}
	var r Reassembler
	for i, c := range chunks {
		got, err := r.Add(c)
		if err != nil {
			t.Fatal(err)
		}
		if i < len(chunks)-1 && got != nil {
			t.Fatalf("frame complete after %d/%d chunks", i+1, len(chunks))
		}
		if i == len(chunks)-1 && !bytes.Equal(got, frame) {
			t.Fatal("reassembled frame differs")
		}
	}
}

func TestReassembleDropsPartialFrame(t *testing.T) {
	old, _ := Chunk(1, bytes.Repeat([]byte{1}, 3*MaxPayload))
	next, _ := Chunk(2, []byte("short"))

	var r Reassembler
	if _, err := r.Add(old[0]); err != nil {
		t.Fatal(err)
	}
	got, err := r.Add(next[0])
	if err != nil || string(got) != "short" {
		t.Fatalf("Add = %q, %v", got, err)
	}
	// The rest of frame 1 can no longer complete it.
	for _, c := range old[1:] {
		if got, _ := r.Add(c); got != nil {
			t.Fatal("stale frame completed")
		}
	}
}

func TestChunkHeaderLayout(t *testing.T) {
	chunks, _ := Chunk(0x01020304, []byte{0xAA})
	want := []byte{1, 2, 3, 4, 0, 0, 0, 1, 0, 1, 0xAA}
	if !bytes.Equal(chunks[0], want) {
		t.Errorf("datagram = %x, want %x", chunks[0], want)
	}
}

// fakeStream serves data and then EOF, or blocks until closed.
type fakeStream struct {
	r      io.Reader
	block  bool
	closed chan struct{}
	once   sync.Once
}

func (f *fakeStream) Read(b []byte) (int, error) {
	n, err := f.r.Read(b)
	if err == io.EOF && f.block {
		<-f.closed
		return 0, io.ErrClosedPipe
	}
	return n, err
}

func (f *fakeStream) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func TestCaptureRestartsAfterEOF(t *testing.T) {
	var spawns atomic.Int32
	spawn := func(ctx context.Context) (Stream, error) {
		spawns.Add(1)
		return &fakeStream{r: bytes.NewReader(jpeg("frame")), closed: make(chan struct{})}, nil
	}
	cell := &FrameCell{}
	c := NewCapture(spawn, cell, CaptureOptions{RestartDelay: time.Millisecond})
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for spawns.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if spawns.Load() < 3 {
		t.Fatalf("spawned %d times, want at least 3", spawns.Load())
	}
	if f, _ := cell.Load(); !bytes.Equal(f, jpeg("frame")) {
		t.Errorf("cell = %x", f)
	}
	if c.Restarts() == 0 {
		t.Error("no restarts counted")
	}
	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}
	if c.Running() {
		t.Error("running after Stop")
	}
}

func TestCaptureSpawnBackoff(t *testing.T) {
	var spawns atomic.Int32
	spawn := func(ctx context.Context) (Stream, error) {
		if spawns.Add(1) == 1 {
			return nil, errors.New("no camera")
		}
		return &fakeStream{r: bytes.NewReader(jpeg("late")), block: true, closed: make(chan struct{})}, nil
	}
	cell := &FrameCell{}
	c := NewCapture(spawn, cell, CaptureOptions{SpawnBackoff: 20 * time.Millisecond})
	start := time.Now()
	_ = c.Start()
	defer c.Stop()

	for time.Since(start) < 3*time.Second {
		if f, _ := cell.Load(); f != nil {
			if time.Since(start) < 20*time.Millisecond {
				t.Error("retried before the backoff elapsed")
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no frame after spawn retry")
}

func TestCaptureStopUnblocksRead(t *testing.T) {
	spawn := func(ctx context.Context) (Stream, error) {
		return &fakeStream{r: bytes.NewReader(nil), block: true, closed: make(chan struct{})}, nil
	}
	c := NewCapture(spawn, &FrameCell{}, CaptureOptions{})
	_ = c.Start()
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() { _ = c.Stop(); close(done) }()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestCaptureOverflowClearsBuffer(t *testing.T) {
	cell := &FrameCell{}
	c := NewCapture(nil, cell, CaptureOptions{MaxBuffer: 16})
	e := NewExtractor()
	_, _ = e.Write(append([]byte{0xFF, 0xD8}, bytes.Repeat([]byte{1}, 32)...))
	c.drain(e)
	if e.Len() != 0 {
		t.Errorf("buffer holds %d bytes, want 0", e.Len())
	}
}

func TestCaptureClosedRefusesStart(t *testing.T) {
	c := NewCapture(nil, &FrameCell{}, CaptureOptions{})
	_ = c.Close()
	if err := c.Start(); !errors.Is(err, ErrCaptureClosed) {
		t.Errorf("Start after Close = %v", err)
	}
}

func TestCommandSpawner(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("no sh")
	}
	cell := &FrameCell{}
	c := NewCapture(CommandSpawner(sh, "-c", `printf '\377\330abc\377\331'; exec sleep 5`), cell, CaptureOptions{})
	_ = c.Start()
	defer c.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if f, _ := cell.Load(); f != nil {
			if !bytes.Equal(f, jpeg("abc")) {
				t.Errorf("frame = %x", f)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no frame from child process")
}

type fakeCamera struct {
	mu      sync.Mutex
	running bool
	starts  int
	stops   int
	fail    error
}

func (f *fakeCamera) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.running = true
	f.starts++
	return nil
}

func (f *fakeCamera) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	f.stops++
	return nil
}

func (f *fakeCamera) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func startStreamer(t *testing.T, cam Camera, cell *FrameCell) *Streamer {
	t.Helper()
	s := NewStreamer(StreamerOptions{Addr: "127.0.0.1:0", Tick: 5 * time.Millisecond}, cam, cell)
	if err := s.Listen(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = s.Serve(ctx); close(done) }()
	t.Cleanup(func() { cancel(); <-done })
	return s
}

func udpClient(t *testing.T, s *Streamer) *net.UDPConn {
	t.Helper()
	c, err := net.DialUDP("udp", nil, s.Addr().(*net.UDPAddr))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func roundTrip(t *testing.T, c *net.UDPConn, cmd string) string {
	t.Helper()
	if _, err := c.Write([]byte(cmd)); err != nil {
		t.Fatal(err)
	}
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 2048)
	n, err := c.Read(buf)
	if err != nil {
		t.Fatalf("%s: %v", cmd, err)
	}
	return string(buf[:n])
}

func TestStreamerCommands(t *testing.T) {
	cam := &fakeCamera{}
	s := startStreamer(t, cam, &FrameCell{})
	c := udpClient(t, s)

	if got := roundTrip(t, c, CmdDiscover); got != ReplyServer {
		t.Errorf("DISCOVER -> %q", got)
	}
	if got := roundTrip(t, c, CmdStart); got != ReplyStarted {
		t.Errorf("START_CAMERA -> %q", got)
	}
	if !cam.Running() {
		t.Error("camera not running")
	}
	if got := roundTrip(t, c, CmdStop); got != ReplyStopped {
		t.Errorf("STOP_CAMERA -> %q", got)
	}
	cam.mu.Lock()
	cam.fail = errors.New("busy")
	cam.mu.Unlock()
	if got := roundTrip(t, c, CmdStart); got != ReplyStartFailed {
		t.Errorf("failing START_CAMERA -> %q", got)
	}
	if s.Subscribers() != 1 {
		t.Errorf("subscribers = %d, want 1", s.Subscribers())
	}
}

func TestStreamerLazyStartAndFrames(t *testing.T) {
	cam := &fakeCamera{}
	cell := &FrameCell{}
	s := startStreamer(t, cam, cell)
	c := udpClient(t, s)

	if _, err := c.Write([]byte(CmdSubscribe)); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for !cam.Running() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !cam.Running() {
		t.Fatal("subscribe did not start the camera")
	}

	frame := bytes.Repeat([]byte{7}, 2*MaxPayload+5)
	cell.Store(frame)

	var r Reassembler
	buf := make([]byte, DatagramSize)
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		n, err := c.Read(buf)
		if err != nil {
			t.Fatalf("read chunk: %v", err)
		}
		got, err := r.Add(buf[:n])
		if err != nil {
			t.Fatal(err)
		}
		if got != nil {
			if !bytes.Equal(got, frame) {
				t.Fatal("received frame differs")
			}
			break
		}
	}

	if _, err := c.Write([]byte(CmdUnsubscribe)); err != nil {
		t.Fatal(err)
	}
	deadline = time.Now().Add(3 * time.Second)
	for cam.Running() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if cam.Running() {
		t.Error("camera still running after last unsubscribe")
	}
}

func TestStreamerExpiresClients(t *testing.T) {
	s := NewStreamer(StreamerOptions{ClientTTL: time.Minute}, &fakeCamera{}, &FrameCell{})
	s.touch(&net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 5000})
	s.expire(time.Now().Add(30 * time.Second))
	if s.Subscribers() != 1 {
		t.Fatal("client expired early")
	}
	s.expire(time.Now().Add(61 * time.Second))
	if s.Subscribers() != 0 {
		t.Error("client not expired")
	}
}

func TestHTTPActions(t *testing.T) {
	cam := &fakeCamera{}
	srv := httptest.NewServer(NewHTTPHandler(cam, &FrameCell{}, time.Millisecond).Routes())
	defer srv.Close()

	for _, tc := range []struct{ action, want string }{
		{"status", "Stopped"},
		{"start", "Camera started"},
		{"status", "Running"},
		{"stop", "Camera stopped"},
		{"status", "Stopped"},
	} {
		res, err := http.Get(srv.URL + "/stream?action=" + tc.action)
		if err != nil {
			t.Fatal(err)
		}
		body, _ := io.ReadAll(res.Body)
		res.Body.Close()
		if res.StatusCode != http.StatusOK || string(body) != tc.want {
			t.Errorf("action=%s: %d %q, want %q", tc.action, res.StatusCode, body, tc.want)
		}
	}
}

func TestHTTPMultipartStream(t *testing.T) {
	cell := &FrameCell{}
	frame := jpeg("picture")
	cell.Store(frame)
	srv := httptest.NewServer(NewHTTPHandler(&fakeCamera{}, cell, time.Millisecond).Routes())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/stream", nil)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if ct := res.Header.Get("Content-Type"); ct != "multipart/x-mixed-replace; boundary=frame" {
		t.Errorf("content type = %q", ct)
	}

	br := bufio.NewReader(res.Body)
	var head []string
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		head = append(head, line)
	}
	if len(head) != 3 || head[0] != "--frame" || head[1] != "Content-Type: image/jpeg" || head[2] != "Content-Length: 11" {
		t.Fatalf("part header = %q", head)
	}
	body := make([]byte, len(frame))
	if _, err := io.ReadFull(br, body); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(body, frame) {
		t.Errorf("part body = %x", body)
	}
}

func TestStreamerSkipsFailingSubscriber(t *testing.T) {
	cell := &FrameCell{}
	s := startStreamer(t, &fakeCamera{}, cell)
	// An IPv6 destination cannot be reached from the IPv4 socket, so every
	// send to it fails.
	s.touch(&net.UDPAddr{IP: net.ParseIP("::1"), Port: 9})
	c := udpClient(t, s)
	if _, err := c.Write([]byte(CmdSubscribe)); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for s.Subscribers() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.Subscribers() != 2 {
		t.Fatalf("subscribers = %d, want 2", s.Subscribers())
	}

	frame := bytes.Repeat([]byte{3}, 3*MaxPayload)
	cell.Store(frame)

	var r Reassembler
	buf := make([]byte, DatagramSize)
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		n, err := c.Read(buf)
		if err != nil {
			t.Fatalf("read chunk: %v", err)
		}
		got, err := r.Add(buf[:n])
		if err != nil {
			t.Fatal(err)
		}
		if got != nil {
			if !bytes.Equal(got, frame) {
				t.Fatal("received frame differs")
			}
			return
		}
	}
}

func TestReceiverFillsCell(t *testing.T) {
	cam := &fakeCamera{}
	src := &FrameCell{}
	s := startStreamer(t, cam, src)

	dst := &FrameCell{}
	r := NewReceiver(dst, 50*time.Millisecond)
	if err := r.Start(); !errors.Is(err, ErrNoSource) {
		t.Fatalf("Start without source = %v", err)
	}
	r.SetSource(s.Addr().String())
	if err := r.Start(); err != nil {
		t.Fatal(err)
	}
	defer r.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for !cam.Running() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !cam.Running() {
		t.Fatal("subscription did not start the camera")
	}

	frame := bytes.Repeat([]byte("jpeg"), MaxPayload)
	src.Store(frame)
	for time.Now().Before(deadline) {
		if f, _ := dst.Load(); f != nil {
			if !bytes.Equal(f, frame) {
				t.Fatal("received frame differs")
			}
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if f, _ := dst.Load(); f == nil {
		t.Fatal("no frame received")
	}

	if err := r.Stop(); err != nil {
		t.Fatal(err)
	}
	if r.Running() {
		t.Error("running after Stop")
	}
	if f, _ := dst.Load(); f != nil {
		t.Error("cell not cleared on Stop")
	}
	deadline = time.Now().Add(3 * time.Second)
	for cam.Running() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if cam.Running() {
		t.Error("camera still running after unsubscribe")
	}
}

func TestReceiverSourceChangeStops(t *testing.T) {
	s := startStreamer(t, &fakeCamera{}, &FrameCell{})
	r := NewReceiver(&FrameCell{}, 0)
	r.SetSource(s.Addr().String())
	if err := r.Start(); err != nil {
		t.Fatal(err)
	}
	r.SetSource(s.Addr().String())
	if !r.Running() {
		t.Fatal("same source stopped the receiver")
	}
	r.SetSource("")
	if r.Running() {
		t.Error("cleared source left the receiver running")
	}
}
