//go:build js

package transport

import (
	"encoding/json"
	"syscall/js"

	"github.com/austindbirch/heimdall/internal/event"
)

// Beacon queues the batch with navigator.sendBeacon, which the browser delivers
// even after the page is gone. sendBeacon cannot set Content-Encoding, so the
// body is always plain JSON.
func (s *HTTPSender) Beacon(events []event.Event) (accepted bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Plain().WithField("panic", r).Warn("beacon rejected")
			accepted = false
		}
	}()

	raw, err := json.Marshal(event.Batch{Events: events})
	if err != nil {
		s.log.Plain().WithError(err).Warn("beacon rejected: encode failed")
		return false
	}

	nav := js.Global().Get("navigator")
	if nav.Get("sendBeacon").IsUndefined() {
		return false
	}
	arr := js.Global().Get("Uint8Array").New(len(raw))
	js.CopyBytesToJS(arr, raw)
	blob := js.Global().Get("Blob").New(
		[]any{arr},
		map[string]any{"type": "application/json"},
	)
	return nav.Call("sendBeacon", s.endpoint, blob).Bool()
}
