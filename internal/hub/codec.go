package hub

import "encoding/json"

func decodeEnvelope(payload []byte, out *envelope) error {
	return json.Unmarshal(payload, out)
}

func encodeEnvelope(msg envelope) ([]byte, error) {
	return json.Marshal(msg)
}
