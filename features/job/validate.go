package job

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// CreateRequest is a validated POST /jobs body.
type CreateRequest struct {
	Type       string
	Payload    json.RawMessage
	MaxRetries int
}

// FieldErrors holds the messages reported for one field.
type FieldErrors struct {
	Errors []string `json:"errors"`
}

// Details is a tree of validation messages: root-level errors plus per-field errors.
type Details struct {
	Errors     []string               `json:"errors"`
	Properties map[string]FieldErrors `json:"properties,omitempty"`
}

type ValidationError struct {
	Details Details
}

func (e *ValidationError) Error() string {
	var parts []string
	parts = append(parts, e.Details.Errors...)
	for field, fe := range e.Details.Properties {
		for _, msg := range fe.Errors {
			parts = append(parts, field+": "+msg)
		}
	}
	return "invalid request: " + strings.Join(parts, "; ")
}

func (e *ValidationError) addRoot(msg string) {
	e.Details.Errors = append(e.Details.Errors, msg)
}

func (e *ValidationError) addField(field, msg string) {
	if e.Details.Properties == nil {
		e.Details.Properties = map[string]FieldErrors{}
	}
	fe := e.Details.Properties[field]
	fe.Errors = append(fe.Errors, msg)
	e.Details.Properties[field] = fe
}

func (e *ValidationError) empty() bool {
	return len(e.Details.Errors) == 0 && len(e.Details.Properties) == 0
}

// ParseCreateRequest decodes and validates a create body. Unknown fields are ignored.
func ParseCreateRequest(body []byte) (*CreateRequest, error) {
	verr := &ValidationError{Details: Details{Errors: []string{}}}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		verr.addRoot("Request body must be a JSON object")
		return nil, verr
	}

	req := &CreateRequest{MaxRetries: DefaultMaxRetries}

	if raw, ok := fields["type"]; !ok || isNull(raw) {
		verr.addField("type", "Type is required")
	} else if err := json.Unmarshal(raw, &req.Type); err != nil {
		verr.addField("type", "Type must be a string")
	} else if req.Type == "" {
		verr.addField("type", "Type is required")
	}

	if raw, ok := fields["payload"]; !ok || isNull(raw) {
		verr.addField("payload", "Payload is required")
	} else {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			verr.addField("payload", "Payload must be an object")
		} else {
			req.Payload = raw
		}
	}

	// only an absent key takes the default; null coerces to 0
	if raw, ok := fields["maxRetries"]; ok {
		n, msg := parseMaxRetries(raw)
		if msg != "" {
			verr.addField("maxRetries", msg)
		} else {
			req.MaxRetries = n
		}
	}

	if !verr.empty() {
		return nil, verr
	}
	return req, nil
}

// parseMaxRetries coerces a JSON value to a number the way JavaScript's
// Number() does: null, false, "" and [] are 0, true is 1, numeric strings
// (surrounding whitespace allowed) parse, and anything else is not a number.
func parseMaxRetries(raw json.RawMessage) (int, string) {
	f, ok := coerceNumber(raw)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, "Max retries must be a number"
	}
	if f != math.Trunc(f) {
		return 0, "Max retries must be an integer"
	}
	if f < 0 {
		return 0, "Max retries must be non-negative"
	}
	if f > math.MaxInt32 {
		return 0, "Max retries is too large"
	}
	return int(f), ""
}

func coerceNumber(raw json.RawMessage) (float64, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return 0, false
	}
	return numberOf(v, true)
}

func numberOf(v interface{}, allowArray bool) (float64, bool) {
	switch x := v.(type) {
	case nil:
		return 0, true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case json.Number:
		f, err := strconv.ParseFloat(x.String(), 64)
		return f, err == nil
	case string:
		return parseNumericString(x)
	case []interface{}:
		// arrays go through their string form: [] is "", [7] is "7"
		if !allowArray {
			return 0, false
		}
		switch len(x) {
		case 0:
			return 0, true
		case 1:
			if _, isBool := x[0].(bool); isBool {
				return 0, false
			}
			return numberOf(x[0], false)
		}
	}
	return 0, false
}

func parseNumericString(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, true
	}
	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, "0x"), strings.HasPrefix(lower, "0o"), strings.HasPrefix(lower, "0b"):
		n, err := strconv.ParseUint(s[2:], map[byte]int{'x': 16, 'o': 8, 'b': 2}[lower[1]], 64)
		return float64(n), err == nil
	case strings.ContainsAny(lower, "_nx"):
		// strconv accepts "inf", "nan", hex floats and digit separators; Number() does not
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	return f, err == nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
