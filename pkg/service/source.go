package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/open-feature/flagsync/pkg/eval"
	"github.com/open-feature/flagsync/pkg/model"
	"github.com/open-feature/flagsync/pkg/transport"
)

// Source holds the configuration payload served to clients. The payload is validated and
// pre-calculated on load so that requests only copy bytes.
type Source struct {
	file   *transport.FileTransport
	logger *log.Entry

	mu      sync.RWMutex
	payload []byte
	hash    uint64
	version string
}

func NewSource(path string, logger *log.Entry) (*Source, error) {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	s := &Source{
		file:   &transport.FileTransport{Path: path, Logger: logger},
		logger: logger.WithField("component", "source"),
	}
	return s, s.Reload()
}

// Reload reads and validates the file. An invalid file leaves the served payload unchanged.
func (s *Source) Reload() error {
	raw, err := transport.ReadConfigurationFile(s.file.Path)
	if err != nil {
		return err
	}
	cfg, err := eval.Parse(raw, model.SourceNetwork, time.Now())
	if err != nil {
		return fmt.Errorf("%s: %w", s.file.Path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.payload != nil && s.hash == cfg.Hash {
		return nil
	}
	s.payload = raw
	s.hash = cfg.Hash
	s.version = cfg.Version
	s.logger.Infof("serving configuration version %q with %d flags", cfg.Version, cfg.Len())
	return nil
}

// Payload returns the current payload and its content hash.
func (s *Source) Payload() ([]byte, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.payload, s.hash
}

// Watch reloads the payload whenever the file changes, until ctx is done.
func (s *Source) Watch(ctx context.Context) error {
	return s.file.Watch(ctx, func() {
		if err := s.Reload(); err != nil {
			s.logger.Warnf("configuration not reloaded: %v", err)
		}
	})
}
