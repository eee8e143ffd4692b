package task

import (
	"errors"
	"fmt"
	"time"

	"taskbus/bus"
	"taskbus/limit"
)

var (
	ErrMissingTaskKey  = errors.New("missing taskKey")
	ErrMissingID       = bus.ErrMissingID
	ErrMissingCallback = errors.New("invalid callback")
	ErrMissingField    = errors.New("missing msgId, status or msg")
	ErrInvalidStatus   = bus.ErrInvalidStatus
	ErrInvalidTask     = limit.ErrInvalidTask
	ErrTooManyTasks    = limit.ErrTooManyTasks
	ErrBlacklisted     = errors.New("blacklisted")
	ErrAlreadyClaimed  = errors.New("task not in database, do not accept")
	ErrNotAccepted     = bus.ErrNotAccepted
	ErrMalformed       = bus.ErrMalformedPayload
	ErrPayloadTooLarge = bus.ErrPayloadTooLarge
	ErrSerialization   = bus.ErrSerialization
	ErrTimeout         = errors.New("task timed out")
	ErrClosed          = errors.New("attempt to use invalid BackgroundTask")
)

// BlacklistedError rejects a task whose partition key is banned.
type BlacklistedError struct {
	Key       string
	Reason    string
	Remaining time.Duration
}

func (e *BlacklistedError) Error() string {
	return fmt.Sprintf("blacklisted: blocked, reason: %s, remaining time: %s", e.Reason, e.Remaining)
}

func (e *BlacklistedError) Is(target error) bool {
	return target == ErrBlacklisted
}

// TaskError is an error produced by a worker. It travels over the bus as
// {isError: true, message, ...Fields} and is rebuilt on the client.
type TaskError struct {
	Message string
	Fields  map[string]interface{}
}

func NewTaskError(message string, fields map[string]interface{}) *TaskError {
	return &TaskError{Message: message, Fields: fields}
}

func (e *TaskError) Error() string {
	return e.Message
}

// toWire flattens err into plain data.
func toWire(err error) map[string]interface{} {
	out := map[string]interface{}{}

	var te *TaskError
	if errors.As(err, &te) {
		for k, v := range te.Fields {
			out[k] = v
		}
	}
	out["isError"] = true
	out["message"] = err.Error()
	return out
}

// fromWire rebuilds a TaskError from a flattened error, or returns nil when
// details does not describe one.
func fromWire(details interface{}) *TaskError {
	m, ok := details.(map[string]interface{})
	if !ok {
		return nil
	}
	if isErr, _ := m["isError"].(bool); !isErr {
		return nil
	}

	te := &TaskError{Fields: map[string]interface{}{}}
	te.Message, _ = m["message"].(string)
	for k, v := range m {
		if k != "isError" && k != "message" {
			te.Fields[k] = v
		}
	}
	return te
}
