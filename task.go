package task

import (
	"taskbus/blacklist"
	"taskbus/bus"
	"taskbus/limit"
)

// Status of a task as carried on the bus.
type Status = bus.Status

const (
	StatusNewTask  = bus.StatusNewTask
	StatusProgress = bus.StatusProgress
	StatusSuccess  = bus.StatusSuccess
	StatusError    = bus.StatusError
	StatusFailed   = bus.StatusFailed
)

// Result is what a completion callback receives. Status is empty when the
// task ended locally (timeout, shutdown).
type Result struct {
	ID      string
	Status  Status
	Details interface{}
}

// CompletionFunc is invoked exactly once per dispatched task.
type CompletionFunc func(res Result, err error)

// ProgressFunc is invoked for every progress report of a task.
type ProgressFunc func(id string, details interface{})

// AdmissionController bounds concurrent tasks per partition key.
type AdmissionController interface {
	StartTask(body map[string]interface{}) error
	StopTask(body map[string]interface{}) error
	CleanupTasks() (int, error)
}

// BlacklistController bans partition keys that fail repeatedly.
type BlacklistController interface {
	AddFailure(key, reason string) (blacklist.Outcome, error)
	Check(body map[string]interface{}) (blacklist.Status, error)
}

// Notifier moves payloads between clients and servers.
type Notifier interface {
	SendNotification(channel, id string, msg map[string]interface{}, status Status) error
	ProcessNotification(id string, status Status) (map[string]interface{}, error)
	Reply(id string, status Status, msg map[string]interface{}) error
	Notifications() <-chan bus.Notification
	Errors() <-chan error
	BroadcastChannel() string
	Close() error
}

// EventType names the events emitted by a Client.
type EventType string

const (
	EventTaskError    EventType = "TASK_ERROR"
	EventTaskProgress EventType = "TASK_PROGRESS"
	EventTaskDone     EventType = "TASK_DONE"
)

// Event is an observational copy of what callbacks receive.
type Event struct {
	Type    EventType
	ID      string
	Details interface{}
	Err     error
}

var (
	_ AdmissionController = (*limit.Limiter)(nil)
	_ BlacklistController = (*blacklist.Blacklist)(nil)
	_ Notifier            = (*bus.Bus)(nil)
)
