package bus

// Status tags a notification with the lifecycle step it reports.
type Status string

const (
	StatusNewTask  Status = "NEWTASK"
	StatusProgress Status = "PROGRESS"
	StatusSuccess  Status = "SUCCESS"
	StatusError    Status = "ERROR"
	StatusFailed   Status = "FAILED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusNewTask, StatusProgress, StatusSuccess, StatusError, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s ends a task.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError || s == StatusFailed
}
