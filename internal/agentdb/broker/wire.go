package broker

import "encoding/json"

// encodeLine marshals v to JSON followed by a single newline, the wire
// framing every Request/Response/Push uses on this protocol's
// newline-delimited socket stream.
func encodeLine(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b) + "\n", nil
}
