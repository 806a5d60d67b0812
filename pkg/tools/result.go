package tools

import (
	"encoding/json"
	"fmt"
)

// Status is the outcome reported back to the model.
type Status string

const (
	StatusOK               Status = "ok"
	StatusError            Status = "error"
	StatusAlreadyPerformed Status = "already_performed"
	StatusRejected         Status = "rejected"
)

// Result is the structured answer to one tool call.
type Result struct {
	Status  Status         `json:"status"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

func OK(message string, data map[string]any) Result {
	return Result{Status: StatusOK, Message: message, Data: data}
}

func Failure(format string, args ...any) Result {
	return Result{Status: StatusError, Message: fmt.Sprintf(format, args...)}
}

func Rejected(format string, args ...any) Result {
	return Result{Status: StatusRejected, Message: fmt.Sprintf(format, args...)}
}

// JSON encodes the result as the function output sent to the model.
func (r Result) JSON() string {
	b, err := json.Marshal(r)
	if err != nil {
		return `{"status":"error","message":"result could not be encoded"}`
	}
	return string(b)
}
