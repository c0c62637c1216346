package model

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// CoerceJSONValue implements the JSON value coercion rule from spec.md
// §4.1: a string is returned verbatim (empty becomes nil so it's treated
// as absent), numbers are stringified, maps/lists are re-serialized, and
// any other shape becomes a {"type": "<typename>"} diagnostic instead of
// propagating a decode crash to the MQTT receive loop.
func CoerceJSONValue(v interface{}) interface{} {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		if t == "" {
			return nil
		}
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case map[string]interface{}:
		return mustMarshal(t)
	case []interface{}:
		return mustMarshal(t)
	case bool:
		return map[string]string{"type": "bool"}
	default:
		return map[string]string{"type": fmt.Sprintf("%T", t)}
	}
}

func mustMarshal(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}
