package sink

import (
	"errors"

	"example.com/stixgate/internal/tctm"
)

// Multi fans packets out to several sinks in order. A write error stops the
// fan-out for that packet; Close closes every sink.
type Multi []tctm.Sink

func (m Multi) Write(p *tctm.Packet) error {
	for _, s := range m {
		if err := s.Write(p); err != nil {
			return err
		}
	}
	return nil
}

func (m Multi) Close(summary tctm.Summary) error {
	var errs []error
	for _, s := range m {
		if err := s.Close(summary); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
