package sink

import (
	"errors"

	"github.com/cyphermesh/cyphermesh/internal/domain"
)

// Multi publishes to every sink in order and joins their errors. A failing
// sink does not stop later ones.
type Multi []domain.EventSink

// Publish sends e to each sink.
func (m Multi) Publish(e *domain.ThreatEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
