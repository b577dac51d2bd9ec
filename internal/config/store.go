package config

import (
	"sync"
	"sync/atomic"

	"ci-replicator/internal/common/logging"
)

// Store holds the current CI config document and swaps it atomically on reload
type Store struct {
	path    string
	current atomic.Pointer[CIConfig]
	loader  func(path string) (*CIConfig, error)
	logger  logging.Logger

	mu        sync.Mutex
	listeners []func(*CIConfig)
}

// NewStore loads path once and returns a store serving it
func NewStore(path string, logger logging.Logger) (*Store, error) {
	return newStore(path, LoadCI, logger)
}

// NewStaticStore serves a fixed document; Reload re-publishes it
func NewStaticStore(cfg *CIConfig) *Store {
	s, _ := newStore("", func(string) (*CIConfig, error) { return cfg, nil }, logging.NewNopLogger())
	return s
}

func newStore(path string, loader func(string) (*CIConfig, error), logger logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	s := &Store{path: path, loader: loader, logger: logger.WithFields(logging.String("component", "config"))}
	cfg, err := loader(path)
	if err != nil {
		return nil, err
	}
	s.current.Store(cfg)
	return s, nil
}

// Current returns the active document
func (s *Store) Current() *CIConfig {
	return s.current.Load()
}

// OnReload registers fn to run with the new document after every successful reload
func (s *Store) OnReload(fn func(*CIConfig)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Reload re-reads the document. On failure the previous document stays active.
func (s *Store) Reload() error {
	cfg, err := s.loader(s.path)
	if err != nil {
		s.logger.Error("CI config reload failed, keeping previous version", err)
		return err
	}
	s.current.Store(cfg)

	s.mu.Lock()
	listeners := append([]func(*CIConfig){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(cfg)
	}

	s.logger.Info("CI config reloaded",
		logging.Int("backends", len(cfg.Backends)),
		logging.Int("job_mappings", len(cfg.JobMappings)),
	)
	return nil
}

// NewLoaderStore serves whatever load returns; Reload calls it again. It backs stores fed
// from a secrets source instead of a file.
func NewLoaderStore(load func() (*CIConfig, error), logger logging.Logger) (*Store, error) {
	return newStore("", func(string) (*CIConfig, error) { return load() }, logger)
}
