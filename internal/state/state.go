package state

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"carlink/internal/protocol"
)

// CarConfig is the persisted vehicle configuration.
type CarConfig struct {
	Identity protocol.CarIdentity `yaml:"identity"`
	Physics  protocol.CarPhysics  `yaml:"physics"`
}

func DefaultCarConfig() CarConfig {
	return CarConfig{
		Identity: protocol.CarIdentity{Number: 0, DriverName: "Driver", TeamName: "Team"},
		Physics:  protocol.CarPhysics{MaxSteeringAngle: 30, MaxThrottle: 100},
	}
}

// LoadOrInit reads the car configuration at path, or writes and returns the
// default one when the file does not exist yet.
func LoadOrInit(path string) (CarConfig, error) {
	data, err := os.ReadFile(path)

	if errors.Is(err, fs.ErrNotExist) {
		cfg := DefaultCarConfig()
		if err := Save(path, cfg); err != nil {
			return CarConfig{}, fmt.Errorf("init car config %s: %w", path, err)
		}
		log.Printf("[state] created default car config at %s", path)
		return cfg, nil
	} else if err != nil {
		return CarConfig{}, fmt.Errorf("read car config %s: %w", path, err)
	}

	var cfg CarConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return CarConfig{}, fmt.Errorf("parse car config %s: %w", path, err)
	}
	log.Printf("[state] loaded car config: #%d %s (%s)", cfg.Identity.Number, cfg.Identity.DriverName, cfg.Identity.TeamName)
	return cfg, nil
}

// Save writes cfg to a temporary file next to path and renames it over path.
func Save(path string, cfg CarConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode car config: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp car config: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace car config: %w", err)
	}

	return nil
}

// Store is the in-memory car configuration backed by a file. Updates are
// visible only after they were persisted.
type Store struct {
	path string

	mu  sync.RWMutex
	cfg CarConfig
}

func Open(path string) (*Store, error) {
	cfg, err := LoadOrInit(path)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, cfg: cfg}, nil
}

func (s *Store) Identity() protocol.CarIdentity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Identity
}

func (s *Store) Physics() protocol.CarPhysics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Physics
}

func (s *Store) UpdateIdentity(id protocol.CarIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cfg
	next.Identity = id
	if err := Save(s.path, next); err != nil {
		return err
	}
	log.Printf("[state] identity #%d %s (%s) -> #%d %s (%s)",
		s.cfg.Identity.Number, s.cfg.Identity.DriverName, s.cfg.Identity.TeamName,
		id.Number, id.DriverName, id.TeamName)
	s.cfg = next
	return nil
}

func (s *Store) UpdatePhysics(p protocol.CarPhysics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cfg
	next.Physics = p
	if err := Save(s.path, next); err != nil {
		return err
	}
	s.cfg = next
	return nil
}
