// Package message defines the motion sample batch exchanged between the
// transport listener and the router engine.
package message

import (
	"bytes"
	"encoding/json"

	"github.com/spacemonqi/ableton-mcp-extended/errors"
)

// Batch is one decoded motion-capture datagram: a flat JSON object of
// stream name to value. Streams holds every stream name the datagram names,
// whether advertised or carrying a value (discovery registers all of them);
// Values holds only the numeric entries, which are the ones the router can
// route.
type Batch struct {
	Streams []string
	Values  map[string]float64
}

// streamsKey is the reserved member a capture rig may use to advertise the
// streams it can produce, ahead of any of them carrying values.
const streamsKey = "streams"

// DecodeBatch parses a datagram payload into a Batch. The payload must be a
// JSON object; non-object documents are rejected. A "streams" member holding
// an array of strings is expanded into Streams rather than treated as a
// stream itself. Non-numeric members are kept in Streams but excluded from
// Values.
func DecodeBatch(data []byte) (Batch, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var generic map[string]any
	if err := dec.Decode(&generic); err != nil {
		return Batch{}, errors.WrapInvalid(err, "message", "DecodeBatch", "JSON parsing")
	}

	batch := Batch{
		Streams: make([]string, 0, len(generic)),
		Values:  make(map[string]float64, len(generic)),
	}
	seen := make(map[string]struct{}, len(generic))
	addStream := func(name string) {
		if _, dup := seen[name]; !dup {
			seen[name] = struct{}{}
			batch.Streams = append(batch.Streams, name)
		}
	}

	if advertised, ok := generic[streamsKey].([]any); ok {
		for _, entry := range advertised {
			if name, ok := entry.(string); ok {
				addStream(name)
			}
		}
		delete(generic, streamsKey)
	}

	for name, value := range generic {
		addStream(name)
		if num, ok := value.(json.Number); ok {
			if f, err := num.Float64(); err == nil {
				batch.Values[name] = f
			}
		}
	}
	return batch, nil
}
