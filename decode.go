package p1status

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// DecodeMode selects how a response body is turned into a [Reading].
//
// The mode is fixed per [Endpoint] when it is constructed; the fetcher never
// re-guesses the format per request.
type DecodeMode string

const (
	// DecodeJSON expects a flat JSON object. This is the firmware variant
	// that serves /status on port 8989.
	DecodeJSON DecodeMode = "json"

	// DecodeText expects line-based "key: value[ unit]" text.
	DecodeText DecodeMode = "text"
)

// String returns the mode name.
func (m DecodeMode) String() string {
	return string(m)
}

// defaultPath returns the request path conventionally served by the
// firmware variant that speaks this mode.
func (m DecodeMode) defaultPath() string {
	if m == DecodeText {
		return "/"
	}
	return "/status"
}

// ParseDecodeMode parses "json" or "text" (case-insensitive). An empty
// string yields [DecodeJSON].
func ParseDecodeMode(s string) (DecodeMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return DecodeJSON, nil
	case "text", "kv", "textkv":
		return DecodeText, nil
	default:
		return "", fmt.Errorf("unknown decode mode %q (expected 'json' or 'text')", s)
	}
}

// Decode decodes body according to mode.
func Decode(mode DecodeMode, body []byte) (Reading, error) {
	switch mode {
	case DecodeJSON:
		return ParseJSON(body)
	case DecodeText:
		return ParseText(body), nil
	default:
		return Reading{}, &DecodeError{Mode: mode, Err: errors.New("unsupported decode mode")}
	}
}

// ParseJSON decodes a JSON object body into a [Reading].
//
// Numbers, strings and booleans are copied verbatim. null entries are
// treated as absent keys. Nested objects and arrays are rejected because a
// Reading is flat; so is any top-level value that is not an object.
func ParseJSON(body []byte) (Reading, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return Reading{}, &DecodeError{Mode: DecodeJSON, Err: err}
	}
	if raw == nil {
		return Reading{}, &DecodeError{Mode: DecodeJSON, Err: errors.New("body is not a JSON object")}
	}

	values := make(map[string]Value, len(raw))
	for key, v := range raw {
		switch tv := v.(type) {
		case nil:
			// absent
		case float64:
			values[key] = Number(tv)
		case string:
			values[key] = Text(tv)
		case bool:
			values[key] = Bool(tv)
		default:
			return Reading{}, &DecodeError{
				Mode: DecodeJSON,
				Err:  fmt.Errorf("key %q holds a %T, only scalars are supported", key, v),
			}
		}
	}

	return Reading{values: values}, nil
}

// ParseText decodes line-based "key: value[ unit]" text into a [Reading].
//
// For every line containing ':' the line is split once on the first ':'.
// Key and value are trimmed and the key is lowercased. If the value
// contains a space, only the part before the first space is tried as a
// number, which strips a trailing unit ("230.5 V" becomes 230.5). Values
// that do not parse as numbers are kept as the trimmed string. Lines
// without ':' or with an empty key are ignored and a repeated key keeps the
// last occurrence.
//
// ParseText never fails: an empty body, or one with no "key: value" lines,
// yields an empty Reading.
func ParseText(body []byte) Reading {
	values := make(map[string]Value)

	for _, line := range strings.Split(string(body), "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			continue
		}
		values[key] = parseTextValue(strings.TrimSpace(value))
	}

	return Reading{values: values}
}

func parseTextValue(value string) Value {
	head := value
	if idx := strings.IndexByte(value, ' '); idx != -1 {
		head = value[:idx]
	}
	// ParseFloat also accepts "nan" and "inf", which stay text
	if f, err := strconv.ParseFloat(head, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return Number(f)
	}
	return Text(value)
}
