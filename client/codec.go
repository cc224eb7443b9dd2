package client

import "encoding/json"

func encodeEnvelope(msg envelope) ([]byte, error) {
	return json.Marshal(msg)
}
