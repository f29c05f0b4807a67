package mijia

import (
	"bytes"
	"encoding/json"
	"fmt"

	"mihome/pkg/platform/sentinel"
)

// SentinelPrefix is the fixed 11-character callback framing some vendor
// endpoints prepend to JSON bodies. It is a fixed-width convention, so the
// strip is an exact-length cut, never a search-and-replace.
const SentinelPrefix = "&&&START&&&"

// Envelope is the vendor response normalized once at the transport boundary.
// The status code and the message (under its three possible field names) are
// lifted out; everything else stays available through Decode.
type Envelope struct {
	Code    int
	Message string

	body []byte
}

// ParseEnvelope strips the sentinel prefix when present and parses the body.
// A body that fails to parse is a transient fault (ErrParse), not corruption.
func ParseEnvelope(body []byte) (*Envelope, error) {
	if bytes.HasPrefix(body, []byte(SentinelPrefix)) {
		body = body[len(SentinelPrefix):]
	}

	var probe struct {
		Code        *int    `json:"code"`
		Description *string `json:"description"`
		Desc        *string `json:"desc"`
		Message     *string `json:"message"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, fmt.Errorf("envelope body is not JSON: %w", sentinel.ErrParse)
	}

	env := &Envelope{body: body}
	if probe.Code != nil {
		env.Code = *probe.Code
	}
	switch {
	case probe.Description != nil && *probe.Description != "":
		env.Message = *probe.Description
	case probe.Desc != nil && *probe.Desc != "":
		env.Message = *probe.Desc
	case probe.Message != nil && *probe.Message != "":
		env.Message = *probe.Message
	default:
		env.Message = "Unknown error"
	}
	return env, nil
}

// Err returns the vendor-reported failure, or nil when Code is zero.
func (e *Envelope) Err() error {
	if e.Code == 0 {
		return nil
	}
	return &sentinel.RemoteError{Code: e.Code, Description: e.Message}
}

// Decode unmarshals the (sentinel-stripped) body into v.
func (e *Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.body, v); err != nil {
		return fmt.Errorf("decode envelope payload: %w", sentinel.ErrParse)
	}
	return nil
}

// Result unmarshals the envelope's "result" field into v when present, or the
// whole payload otherwise. The device API wraps some payloads and not others.
func (e *Envelope) Result(v any) error {
	var probe struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(e.body, &probe); err == nil && len(probe.Result) > 0 {
		if err := json.Unmarshal(probe.Result, v); err != nil {
			return fmt.Errorf("decode envelope result: %w", sentinel.ErrParse)
		}
		return nil
	}
	return e.Decode(v)
}
