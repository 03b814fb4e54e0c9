package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"carlink/internal/discovery"
	"carlink/internal/events"
	"carlink/internal/protocol"
)

// /api/v1/health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"time":      time.Now().UTC().Format(time.RFC3339),
		"browsing":  s.disc != nil && s.disc.Running(),
		"connected": s.links.Active(),
	})
}

// /api/v1/cars
func (s *Server) handleCars(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "data": s.cars.List()})
}

// /api/v1/cars/{id}
func (s *Server) handleCar(w http.ResponseWriter, r *http.Request) {
	c, ok := s.cars.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, ErrUnknownCar)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "data": c})
}

func (s *Server) handleCarDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	c, ok := s.cars.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, ErrUnknownCar)
		return
	}
	if s.links.Active() == id {
		_, _ = s.links.Disconnect(id)
	}
	s.cars.Remove(id)
	if payload, err := json.Marshal(c); err == nil {
		s.feed.Push(events.Event{Topic: events.TopicRemoved, CarID: id, Payload: payload})
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// /api/v1/cars/{id}/connect
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	c, err := s.links.Connect(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, ErrUnknownCar):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusBadGateway, err)
	default:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "data": c})
	}
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	c, err := s.links.Disconnect(r.PathValue("id"))
	switch {
	case errors.Is(err, ErrUnknownCar):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, ErrNotConnected):
		writeError(w, http.StatusConflict, err)
	default:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "data": c})
	}
}

// /api/v1/cars/{id}/identity
func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	id, err := s.links.Identity(r.Context(), r.PathValue("id"))
	if err != nil {
		writeLinkError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "data": id})
}

func (s *Server) handleIdentityUpdate(w http.ResponseWriter, r *http.Request) {
	var v protocol.CarIdentity
	if err := decodeBody(r, &v); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.links.SetIdentity(r.Context(), r.PathValue("id"), v); err != nil {
		writeLinkError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "data": v})
}

// /api/v1/cars/{id}/physics
func (s *Server) handlePhysics(w http.ResponseWriter, r *http.Request) {
	p, err := s.links.Physics(r.Context(), r.PathValue("id"))
	if err != nil {
		writeLinkError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "data": p})
}

func (s *Server) handlePhysicsUpdate(w http.ResponseWriter, r *http.Request) {
	var v protocol.CarPhysics
	if err := decodeBody(r, &v); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.links.SetPhysics(r.Context(), r.PathValue("id"), v); err != nil {
		writeLinkError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "data": v})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid body: %w", err)
	}
	return nil
}

func writeLinkError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUnknownCar):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, ErrNotConnected):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusBadGateway, err)
	}
}

// /api/v1/discovery/start
func (s *Server) handleDiscoveryStart(w http.ResponseWriter, r *http.Request) {
	if s.disc == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("discovery not enabled"))
		return
	}
	err := s.disc.Start(s.base)
	switch {
	case errors.Is(err, discovery.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "running": true})
	}
}

func (s *Server) handleDiscoveryStop(w http.ResponseWriter, r *http.Request) {
	if s.disc == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("discovery not enabled"))
		return
	}
	err := s.disc.Stop()
	switch {
	case errors.Is(err, discovery.ErrNotRunning):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "running": false})
	}
}

func (s *Server) handleDiscoveryStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"running": s.disc != nil && s.disc.Running(),
	})
}

// /api/v1/events/stream: server-sent events from the feed. A reconnecting
// client resumes after Last-Event-ID (or ?after=seq); a new one gets the
// buffered history first.
func (s *Server) handleEventsStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	last := resumeSeq(r)
	ctx := r.Context()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	_, _ = w.Write([]byte(": welcome\n\n"))
	flusher.Flush()

	poll := time.NewTicker(s.opts.Poll)
	defer poll.Stop()
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-heartbeat.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()

		case <-poll.C:
			evs := s.feed.Pull(last, 100)
			if len(evs) == 0 {
				continue
			}
			last = evs[len(evs)-1].Seq

			for _, e := range evs {
				data, err := json.Marshal(uiEvent{
					ID:      e.ID,
					CarID:   e.CarID,
					Topic:   e.Topic,
					Time:    e.Time,
					Payload: json.RawMessage(e.Payload),
				})
				if err != nil {
					log.Printf("[web] sse: marshal error: %v", err)
					continue
				}
				fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.Seq, e.Topic, data)
			}
			flusher.Flush()
		}
	}
}

type uiEvent struct {
	ID      string          `json:"id"`
	CarID   string          `json:"car_id,omitempty"`
	Topic   string          `json:"topic"`
	Time    time.Time       `json:"time"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func resumeSeq(r *http.Request) uint64 {
	v := r.Header.Get("Last-Event-ID")
	if v == "" {
		v = r.URL.Query().Get("after")
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
