package jobs

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog/log"
)

// Scope closes what a run opened, newest first.
type Scope struct {
	mu      sync.Mutex
	closers []namedCloser
	closed  bool
}

type namedCloser struct {
	name string
	fn   func() error
}

// Add registers c under name. Nil closers are ignored.
func (s *Scope) Add(name string, c io.Closer) {
	if c == nil {
		return
	}
	s.AddFunc(name, c.Close)
}

func (s *Scope) AddFunc(name string, fn func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closers = append(s.closers, namedCloser{name: name, fn: fn})
}

// Close runs every closer once and joins their errors.
func (s *Scope) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	closers := s.closers
	s.closers = nil
	s.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		c := closers[i]
		if err := c.fn(); err != nil {
			log.Warn().Msgf("jobs.Scope.Close name=%q err=%v", c.name, err)
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
			continue
		}
		log.Debug().Msgf("jobs.Scope.Close name=%q closed", c.name)
	}
	return errors.Join(errs...)
}
