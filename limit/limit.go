// Package limit bounds the number of concurrently running tasks per partition
// key. Every running task owns one marker in the list taskKey:<value>; markers
// carry the host that pushed them so a restarted host can reclaim its own.
package limit

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang/glog"

	"taskbus/metrics"
	"taskbus/store"
)

const (
	keyPrefix = "taskKey:"

	DefaultMaxTasksPerKey = 5
)

var (
	ErrMissingTaskKey = errors.New("limit: task key field not configured")
	ErrInvalidTask    = errors.New("invalid task, not running")
	ErrTooManyTasks   = errors.New("too many tasks")
)

type marker struct {
	Date string `json:"date"`
	Host string `json:"host"`
}

// Limiter is the admission controller.
type Limiter struct {
	st       store.Store
	taskKey  string
	max      int
	hostname string
}

type Option func(*Limiter)

// SetMaxTasksPerKey caps concurrent tasks per key; non-positive values are ignored.
func SetMaxTasksPerKey(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.max = n
		}
	}
}

// SetHostname overrides the host recorded in markers and matched by CleanupTasks.
func SetHostname(h string) Option {
	return func(l *Limiter) {
		if h != "" {
			l.hostname = h
		}
	}
}

// New builds a Limiter that reads the partition key from field taskKey of
// every task body.
func New(st store.Store, taskKey string, opts ...Option) (*Limiter, error) {
	if taskKey == "" {
		return nil, ErrMissingTaskKey
	}

	l := &Limiter{
		st:      st,
		taskKey: taskKey,
		max:     DefaultMaxTasksPerKey,
	}
	l.hostname, _ = os.Hostname()

	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// MaxTasksPerKey returns the configured limit.
func (l *Limiter) MaxTasksPerKey() int {
	return l.max
}

// StartTask reserves a slot for body's key.
func (l *Limiter) StartTask(body map[string]interface{}) error {
	key, ok := l.listKey(body)
	if !ok {
		return ErrInvalidTask
	}

	m, err := json.Marshal(marker{Date: time.Now().UTC().Format(time.RFC3339Nano), Host: l.hostname})
	if err != nil {
		return err
	}

	_, pushed, err := l.st.PushBounded(key, string(m), l.max)
	if err != nil {
		return fmt.Errorf("start task %s error:%w", key, err)
	}
	if !pushed {
		return ErrTooManyTasks
	}
	return nil
}

// StopTask releases one slot for body's key. The released marker is not
// necessarily the one pushed by the matching StartTask.
func (l *Limiter) StopTask(body map[string]interface{}) error {
	key, ok := l.listKey(body)
	if !ok {
		return ErrInvalidTask
	}

	if _, _, err := l.st.LPop(key); err != nil {
		return fmt.Errorf("stop task %s error:%w", key, err)
	}
	return nil
}

// Running reports how many slots body's key currently holds.
func (l *Limiter) Running(body map[string]interface{}) (int64, error) {
	key, ok := l.listKey(body)
	if !ok {
		return 0, ErrInvalidTask
	}
	return l.st.LLen(key)
}

// CleanupTasks removes every marker pushed by this host, reclaiming slots
// orphaned by a previous crash. It must only run before this host starts
// dispatching, otherwise it also drops markers of live tasks.
func (l *Limiter) CleanupTasks() (int, error) {
	keys, err := l.st.Keys(keyPrefix + "*")
	if err != nil {
		return 0, fmt.Errorf("list task keys error:%w", err)
	}

	removed := 0
	for _, key := range keys {
		values, err := l.st.LRange(key, 0, -1)
		if err != nil {
			return removed, fmt.Errorf("read %s error:%w", key, err)
		}

		for _, v := range values {
			var m marker
			if err := json.Unmarshal([]byte(v), &m); err != nil || m.Host != l.hostname {
				continue
			}
			n, err := l.st.LRem(key, 1, v)
			if err != nil {
				return removed, fmt.Errorf("remove marker from %s error:%w", key, err)
			}
			removed += int(n)
		}
	}

	if removed > 0 {
		metrics.MarkersReclaimed.Add(float64(removed))
		glog.Infof("limit: reclaimed %d orphaned task slots for host %s", removed, l.hostname)
	}
	return removed, nil
}

func (l *Limiter) listKey(body map[string]interface{}) (string, bool) {
	value, ok := PartitionKey(body, l.taskKey)
	if !ok {
		return "", false
	}
	return keyPrefix + value, true
}

// PartitionKey extracts body[field] as a string. Missing, nil and empty
// values do not identify a partition.
func PartitionKey(body map[string]interface{}, field string) (string, bool) {
	if body == nil || field == "" {
		return "", false
	}
	v, ok := body[field]
	if !ok || v == nil {
		return "", false
	}
	s := fmt.Sprint(v)
	return s, s != ""
}
