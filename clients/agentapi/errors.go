package agentapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a failed agent API call.
type ErrorKind int

const (
	// KindNetwork covers timeouts and transport failures. The agent may or
	// may not have executed the command.
	KindNetwork ErrorKind = iota + 1
	// KindRemote means the agent answered with a non-success status.
	KindRemote
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindRemote:
		return "remote"
	}
	return "unknown"
}

// ApiError is returned by every AgentApiClient operation for expected failures.
type ApiError struct {
	Kind       ErrorKind
	Op         string
	StatusCode int    // Remote only
	Message    string // Remote only
	Err        error
}

func (e *ApiError) Error() string {
	switch e.Kind {
	case KindRemote:
		return fmt.Sprintf("%s: remote status=%d: %s", e.Op, e.StatusCode, e.Message)
	default:
		return fmt.Sprintf("%s: network: %v", e.Op, e.Err)
	}
}

func (e *ApiError) Unwrap() error {
	return e.Err
}

// IsNetwork reports whether err is a network-kind ApiError.
func IsNetwork(err error) bool {
	var apiErr *ApiError
	return errors.As(err, &apiErr) && apiErr.Kind == KindNetwork
}

// IsRemote reports whether err is a remote-kind ApiError.
func IsRemote(err error) bool {
	var apiErr *ApiError
	return errors.As(err, &apiErr) && apiErr.Kind == KindRemote
}

// remoteMessage extracts the agent's error message from a failure body.
// The agent reports `{"detail": "..."}`; request validation failures carry
// `{"detail": [{"msg": "..."}]}` instead.
func remoteMessage(body []byte, statusCode int) string {
	var payload struct {
		Detail  json.RawMessage `json:"detail"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if msg := detailMessage(payload.Detail); msg != "" {
			return msg
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	return fmt.Sprintf("remote agent returned status %d", statusCode)
}

func detailMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}

	var items []struct {
		Loc []any  `json:"loc"`
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(raw, &items); err == nil {
		msgs := make([]string, 0, len(items))
		for _, it := range items {
			if it.Msg == "" {
				continue
			}
			if field := locField(it.Loc); field != "" {
				msgs = append(msgs, field+": "+it.Msg)
			} else {
				msgs = append(msgs, it.Msg)
			}
		}
		return strings.Join(msgs, "; ")
	}

	return ""
}

// locField returns the last path element of a validation location, skipping "body".
func locField(loc []any) string {
	for i := len(loc) - 1; i >= 0; i-- {
		if s, ok := loc[i].(string); ok && s != "body" {
			return s
		}
	}
	return ""
}
