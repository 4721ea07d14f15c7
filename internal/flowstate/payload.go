package flowstate

import "encoding/json"

// The upstream flow API wraps user attributes in conventional envelopes:
// submissions may nest them under "user", and flow responses may nest a
// "formData" object which itself may nest "user". These helpers make that
// unwrap precedence explicit instead of scattering conditional lookups.

// UnwrapRequest returns the attribute object of a submitted JSON body: the
// nested "user" object when present, otherwise the top-level object. A body
// that is not a JSON object yields an empty map.
func UnwrapRequest(body []byte) map[string]interface{} {
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return map[string]interface{}{}
	}
	return unwrap(payload, "user")
}

// UnwrapResponse returns the attribute object of an upstream JSON response:
// "formData" when present (else the top-level object), then "user" inside
// that result when present.
func UnwrapResponse(body []byte) map[string]interface{} {
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return map[string]interface{}{}
	}
	return unwrap(unwrap(payload, "formData"), "user")
}

// unwrap descends into payload[key] when it holds a JSON object, otherwise
// returns payload unchanged.
func unwrap(payload map[string]interface{}, key string) map[string]interface{} {
	if nested, ok := payload[key].(map[string]interface{}); ok {
		return nested
	}
	return payload
}

// MergeAllowed copies allow-listed scalar values from payload into attrs.
// Non-scalar values (nested objects, arrays) are never retained.
func MergeAllowed(attrs Attributes, payload map[string]interface{}, allowList []string) {
	for _, name := range allowList {
		value, ok := payload[name]
		if !ok {
			continue
		}
		switch value.(type) {
		case string, float64, bool, json.Number:
			attrs[name] = ValueString(value)
		}
	}
}
