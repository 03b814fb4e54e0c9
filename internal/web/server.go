// Package web serves the cockpit HTTP API: the car list, connect and
// disconnect, the connected car's configuration and video, discovery
// control and a server-sent event feed.
package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"carlink/internal/events"
	"carlink/internal/registry"
)

// Discovery is the browse control exposed over the API.
type Discovery interface {
	Start(ctx context.Context) error
	Stop() error
	Running() bool
}

type Options struct {
	Addr      string
	StaticDir string
	Verbose   bool
	// Poll is how often the SSE handler drains the event feed.
	Poll time.Duration
	// Video serves the connected car's stream under /api/v1/video/stream.
	Video http.Handler
}

type Server struct {
	http  *http.Server
	opts  Options
	cars  *registry.Store
	feed  events.Buffer
	disc  Discovery
	links *Links

	// browse lifetime; set by Start
	base context.Context
}

func New(opts Options, cars *registry.Store, feed events.Buffer, disc Discovery, links *Links) *Server {
	if opts.Poll <= 0 {
		opts.Poll = 500 * time.Millisecond
	}
	s := &Server{
		opts:  opts,
		cars:  cars,
		feed:  feed,
		disc:  disc,
		links: links,
		base:  context.Background(),
	}

	var h http.Handler = withCommonHeaders(s.routes())
	if opts.Verbose {
		h = logMiddleware(h)
	}
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           h,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/cars", s.handleCars)
	mux.HandleFunc("GET /api/v1/cars/{id}", s.handleCar)
	mux.HandleFunc("DELETE /api/v1/cars/{id}", s.handleCarDelete)
	mux.HandleFunc("POST /api/v1/cars/{id}/connect", s.handleConnect)
	mux.HandleFunc("POST /api/v1/cars/{id}/disconnect", s.handleDisconnect)
	mux.HandleFunc("GET /api/v1/cars/{id}/identity", s.handleIdentity)
	mux.HandleFunc("PUT /api/v1/cars/{id}/identity", s.handleIdentityUpdate)
	mux.HandleFunc("GET /api/v1/cars/{id}/physics", s.handlePhysics)
	mux.HandleFunc("PUT /api/v1/cars/{id}/physics", s.handlePhysicsUpdate)
	mux.HandleFunc("POST /api/v1/discovery/start", s.handleDiscoveryStart)
	mux.HandleFunc("POST /api/v1/discovery/stop", s.handleDiscoveryStop)
	mux.HandleFunc("GET /api/v1/discovery/status", s.handleDiscoveryStatus)
	mux.HandleFunc("GET /api/v1/events/stream", s.handleEventsStream)
	if s.opts.Video != nil {
		mux.Handle("GET /api/v1/video/stream", s.opts.Video)
	}

	staticDir := filepath.Clean(s.opts.StaticDir)
	useStatic := s.opts.StaticDir != "" && dirExists(staticDir) && fileExists(filepath.Join(staticDir, "index.html"))
	if useStatic {
		fs := http.FileServer(http.Dir(staticDir))
		mux.Handle("/static/", http.StripPrefix("/static/", fs))
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			http.ServeFile(w, r, filepath.Join(staticDir, "index.html"))
		})
	} else {
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"message":    "cockpit UI not bundled (static_dir missing or index.html not found)",
				"static_dir": s.opts.StaticDir,
			})
		})
	}
	return mux
}

// Start serves until ctx is done. Discovery started over the API lives as
// long as ctx.
func (s *Server) Start(ctx context.Context) error {
	s.base = ctx
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("web: listen %s: %w", s.http.Addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[web] listening on http://%s", ln.Addr())
		if err := s.http.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shCtx); err != nil {
		log.Printf("[web] shutdown error: %v", err)
	} else {
		log.Printf("[web] stopped")
	}
	return nil
}

func withCommonHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "600")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		body, _ := io.ReadAll(r.Body)
		_ = r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))

		log.Printf("[web] >> %s %s from %s | len=%d %s",
			r.Method, r.URL.Path, r.RemoteAddr, len(body), truncate(body, 200))
		next.ServeHTTP(w, r)
		log.Printf("[web] << %s %s handled in %s", r.Method, r.URL.Path, time.Since(start))
	})
}

func truncate(b []byte, max int) string {
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "...(truncated)"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"ok": false, "error": err.Error()})
}

func dirExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.IsDir()
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}
