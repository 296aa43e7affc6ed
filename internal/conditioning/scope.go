package conditioning

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

type release struct {
	name string
	fn   func() error
}

// Scope runs registered releases in reverse order exactly once.
type Scope struct {
	releases []release
	closed   bool
}

func (s *Scope) Defer(name string, fn func() error) {
	s.releases = append(s.releases, release{name: name, fn: fn})
}

// Close runs every release, even after one fails, and joins their errors.
func (s *Scope) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	for i := len(s.releases) - 1; i >= 0; i-- {
		r := s.releases[i]
		if err := r.fn(); err != nil {
			log.Warn().Str("release", r.name).Err(err).Msg("conditioning: cleanup failed")
			errs = append(errs, fmt.Errorf("%s: %w", r.name, err))
			continue
		}
		log.Debug().Str("release", r.name).Msg("conditioning: released")
	}
	return errors.Join(errs...)
}
