package accounting

import (
	"encoding/json"
	"fmt"
)

// StatusSuccess is the only status for which "result" is trusted.
const StatusSuccess = "success"

// Body is a parsed response envelope, keyed by top-level field.
type Body map[string]json.RawMessage

// Status returns the envelope status, or "" when absent or not a string.
func (b Body) Status() string {
	raw, ok := b["status"]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return string(raw)
	}
	return s
}

// Validate checks the envelope shape and status. The body is returned
// unchanged when it is a well-formed success envelope.
func Validate(body Body) (Body, error) {
	if len(body) == 0 {
		return nil, &MalformedResponseError{Reason: "empty body"}
	}
	_, hasStatus := body["status"]
	_, hasResult := body["result"]
	switch {
	case !hasStatus && !hasResult:
		return nil, &MalformedResponseError{Reason: "missing 'status' and 'result'"}
	case !hasStatus:
		return nil, &MalformedResponseError{Reason: "missing 'status'"}
	case !hasResult:
		return nil, &MalformedResponseError{Reason: "missing 'result'"}
	}
	if status := body.Status(); status != StatusSuccess {
		return nil, &UnsuccessfulResponseError{Status: status, Message: body.message()}
	}
	return body, nil
}

// DecodeResult validates body and decodes its result into out.
func DecodeResult(body Body, out any) error {
	body, err := Validate(body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body["result"], out); err != nil {
		return &MalformedResponseError{Reason: fmt.Sprintf("decode result: %v", err)}
	}
	return nil
}

func (b Body) message() string {
	raw, ok := b["message"]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
