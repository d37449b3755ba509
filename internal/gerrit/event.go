package gerrit

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Event is one record from the event stream. The core does not interpret
// it; consumers read fields by Gerrit's conventions.
type Event map[string]any

// Type returns the event's "type" field, or "" if absent.
func (e Event) Type() string {
	t, _ := e["type"].(string)
	return t
}

var errNotObject = errors.New("not a JSON object")

// DecodeEvent decodes one stream line. The trailing newline is optional.
func DecodeEvent(line []byte) (Event, error) {
	line = bytes.TrimRight(line, "\r\n")

	var v any
	if err := json.Unmarshal(line, &v); err != nil {
		return nil, &StreamDecodeError{Line: line, Err: err}
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, &StreamDecodeError{Line: line, Err: fmt.Errorf("%w: got %s", errNotObject, jsonKind(v))}
	}
	return Event(obj), nil
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	default:
		return fmt.Sprintf("%T", v)
	}
}
