package broadcast

import "encoding/json"

// decodeInto populates target from raw, which arrives as a concrete Go
// value when the bus is in-process (MemoryBus passes payloads by
// reference) or as a generic map[string]interface{} when the bus is
// NATS (payloads cross a JSON-marshal boundary). A JSON round-trip
// handles both uniformly.
func decodeInto(raw interface{}, target interface{}) error {
	b, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, target)
}
