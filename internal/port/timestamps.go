package port

import (
	"bytes"
	"encoding/json"
	"time"
)

// ResolveServerTimestamps replaces every {".sv":"timestamp"} placeholder in a
// JSON document with now in unix milliseconds. Stores without native
// server timestamps call this before persisting.
func ResolveServerTimestamps(raw []byte, now time.Time) ([]byte, error) {
	if !bytes.Contains(raw, []byte(`".sv"`)) {
		return raw, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return json.Marshal(resolve(v, now.UnixMilli()))
}

func resolve(v any, millis int64) any {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 1 && t[".sv"] == "timestamp" {
			return millis
		}
		for k, child := range t {
			t[k] = resolve(child, millis)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = resolve(child, millis)
		}
		return t
	}
	return v
}
