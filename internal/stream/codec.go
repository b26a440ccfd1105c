package stream

import (
	"fmt"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/austindbirch/heimdall/internal/event"
)

// Batch is one accepted ingestion request as published on the telemetry topic
type Batch struct {
	Headers    map[string]string `cbor:"headers,omitempty"` // trace propagation
	ReceivedAt time.Time         `cbor:"received_at"`
	Events     []event.Event     `cbor:"events"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	// deterministic encoding keeps identical batches byte-identical
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("stream: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// payload values are decoded into any; keep them JSON compatible
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("stream: CBOR decoder initialization failed: " + err.Error())
	}
}

// Encode serializes b for publishing
func Encode(b Batch) ([]byte, error) {
	data, err := encMode.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode stream batch: %w", err)
	}
	return data, nil
}

// Decode parses a message body produced by Encode
func Decode(data []byte) (Batch, error) {
	var b Batch
	if err := decMode.Unmarshal(data, &b); err != nil {
		return Batch{}, fmt.Errorf("decode stream batch: %w", err)
	}
	return b, nil
}
