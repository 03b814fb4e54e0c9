package video

import (
	"fmt"
	"log"
	"net/http"
	"time"
)

// HTTPHandler serves GET /stream: camera control through ?action= and an
// MJPEG multipart stream without it.
type HTTPHandler struct {
	cam  Camera
	cell *FrameCell
	tick time.Duration
}

func NewHTTPHandler(cam Camera, cell *FrameCell, tick time.Duration) *HTTPHandler {
	if tick <= 0 {
		tick = 33 * time.Millisecond
	}
	return &HTTPHandler{cam: cam, cell: cell, tick: tick}
}

// Routes mounts the handler on a new mux.
func (h *HTTPHandler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /stream", h)
	return mux
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Query().Get("action") {
	case "start":
		if err := h.cam.Start(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeText(w, "Camera started")
	case "stop":
		if err := h.cam.Stop(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeText(w, "Camera stopped")
	case "status":
		if h.cam.Running() {
			writeText(w, "Running")
		} else {
			writeText(w, "Stopped")
		}
	case "":
		h.stream(w, r)
	default:
		http.Error(w, "unknown action", http.StatusBadRequest)
	}
}

func (h *HTTPHandler) stream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "close")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	log.Printf("[video] MJPEG client %s connected", r.RemoteAddr)
	defer log.Printf("[video] MJPEG client %s disconnected", r.RemoteAddr)

	t := time.NewTicker(h.tick)
	defer t.Stop()
	var last uint64
	for {
		select {
		case <-r.Context().Done():
			return
		case <-t.C:
		}
		frame, seq, ok := h.cell.LoadAfter(last)
		if !ok {
			continue
		}
		last = seq
		if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame)); err != nil {
			return
		}
		if _, err := w.Write(frame); err != nil {
			return
		}
		if _, err := w.Write([]byte("\r\n")); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func writeText(w http.ResponseWriter, s string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(s))
}
