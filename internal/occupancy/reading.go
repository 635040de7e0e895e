package occupancy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrNoValue is returned by ParseReading when the payload carries no
// numeric value.
var ErrNoValue = errors.New("payload has no numeric value")

// ParseReading extracts a sensor value from a message payload. Sensors
// publish either an object with a "value" field, a bare JSON number, or
// a number encoded as a string; all three are accepted.
func ParseReading(payload json.RawMessage) (float64, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return 0, ErrNoValue
	}

	if trimmed[0] == '{' {
		var obj struct {
			Value json.RawMessage `json:"value"`
		}
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return 0, fmt.Errorf("decode reading: %w", err)
		}
		return ParseReading(obj.Value)
	}

	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return 0, fmt.Errorf("decode reading: %w", err)
	}

	switch val := v.(type) {
	case float64:
		return val, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, fmt.Errorf("%w: %q", ErrNoValue, val)
		}
		return f, nil
	default:
		return 0, ErrNoValue
	}
}
