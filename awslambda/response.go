package awslambda

import (
	"encoding/json"
	"strconv"
)

const (
	TagHTTPStatusCode = "aws.lambda.http.status_code"
	TagHTTPErrorCode  = "aws.lambda.http.error_code"
)

type responseProbe struct {
	StatusCode json.RawMessage `json:"statusCode"`
}

// ResolveResponseTags tags the HTTP status code returned to an API trigger.
//
// Responses of other event types are ignored. A missing or out of range status code is recorded as an error code.
func ResolveResponseTags(setter TagSetter, t EventType, output []byte) error {
	if !IsAPIEvent(t) {
		return nil
	}
	var p responseProbe
	if err := json.Unmarshal(output, &p); err != nil || len(p.StatusCode) == 0 || string(p.StatusCode) == "null" {
		return setter.Set(TagHTTPErrorCode, "MISSING_STATUS_CODE")
	}
	code, ok := parseStatusCode(p.StatusCode)
	if !ok || code < 100 || code >= 600 {
		return setter.Set(TagHTTPErrorCode, "INVALID_STATUS_CODE")
	}
	return setter.Set(TagHTTPStatusCode, code)
}

func parseStatusCode(raw json.RawMessage) (int, bool) {
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	return n, err == nil
}

// StripBinaryBody removes the body of an API Gateway request or response that is flagged as base64 encoded.
//
// It returns payload re-encoded without its body and true, or payload unchanged and false when there is nothing to strip.
func StripBinaryBody(t EventType, payload []byte) ([]byte, bool) {
	if t.Source() != "aws.apigateway" {
		return payload, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return payload, false
	}
	var encoded bool
	if err := json.Unmarshal(fields["isBase64Encoded"], &encoded); err != nil || !encoded {
		return payload, false
	}
	var body string
	if err := json.Unmarshal(fields["body"], &body); err != nil {
		return payload, false
	}
	delete(fields, "body")
	stripped, err := json.Marshal(fields)
	if err != nil {
		return payload, false
	}
	return stripped, true
}
