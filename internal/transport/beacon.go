//go:build !js

package transport

import (
	"context"

	"github.com/austindbirch/heimdall/internal/event"
)

// Beacon hands events to a background request and returns immediately. It
// reports false when the batch cannot be encoded or every beacon slot is busy;
// the caller treats that as a failed delivery.
func (s *HTTPSender) Beacon(events []event.Event) bool {
	body, encoding, err := s.encode(events)
	if err != nil {
		s.log.Plain().WithError(err).Warn("beacon rejected: encode failed")
		return false
	}

	select {
	case s.beacons <- struct{}{}:
	default:
		return false
	}

	go func() {
		defer func() { <-s.beacons }()
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := s.post(ctx, body, encoding); err != nil {
			s.log.Plain().WithError(err).WithField("events", len(events)).Warn("beacon delivery failed")
		}
	}()
	return true
}
