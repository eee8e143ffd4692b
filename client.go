package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/golang/glog"

	"taskbus/blacklist"
	"taskbus/bus"
	"taskbus/limit"
	"taskbus/metrics"
	"taskbus/misc"
	"taskbus/store"
)

type pendingTask struct {
	body     map[string]interface{}
	done     CompletionFunc
	progress ProgressFunc
	timer    *time.Timer
	started  time.Time
}

// Client dispatches tasks to servers and tracks them until they finish.
type Client struct {
	taskKey   string
	timeout   time.Duration
	limit     AdmissionController
	blacklist BlacklistController
	bus       Notifier
	closers   []io.Closer

	mu      sync.Mutex
	pending map[string]*pendingTask
	closed  bool

	events   chan Event
	errs     chan error
	done     chan struct{}
	listener sync.WaitGroup
}

// TaskOption tunes a single AddTask call.
type TaskOption func(*taskOptions)

type taskOptions struct {
	timeout time.Duration
}

// WithTaskTimeout overrides the client timeout for one task. Non-positive
// values are ignored.
func WithTaskTimeout(d time.Duration) TaskOption {
	return func(o *taskOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// NewClient connects a producer. A task key is mandatory. Admission slots
// left behind by a previous run on this host are reclaimed before the client
// is returned. The client ends when ctx is done.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	o := newOptions(opts)
	cfg := o.cfg
	if cfg.TaskKey == "" {
		return nil, ErrMissingTaskKey
	}

	st, err := store.Dial(cfg.Redis)
	if err != nil {
		return nil, err
	}

	lim, err := limit.New(st, cfg.TaskKey,
		limit.SetMaxTasksPerKey(cfg.MaxTasksPerKey),
		limit.SetHostname(cfg.Hostname),
	)
	if err != nil {
		st.Close()
		return nil, err
	}
	if _, err := lim.CleanupTasks(); err != nil {
		st.Close()
		return nil, fmt.Errorf("cleanup tasks error:%w", err)
	}

	blOpts, err := o.auditors()
	if err != nil {
		st.Close()
		return nil, err
	}
	bl := blacklist.New(st, cfg.TaskKey, blOpts...)

	b, err := bus.Connect(cfg.Redis, cfg.busConfig(bus.Creator))
	if err != nil {
		st.Close()
		return nil, err
	}

	c := newClient(cfg, lim, bl, b)
	c.closers = append(c.closers, st)
	go c.watch(ctx)

	glog.Infof("task client started, task key %q, broadcast %s", cfg.TaskKey, b.BroadcastChannel())
	return c, nil
}

// MustNewClient is NewClient that panics on error.
func MustNewClient(ctx context.Context, opts ...Option) *Client {
	c, err := NewClient(ctx, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

func newClient(cfg Config, lim AdmissionController, bl BlacklistController, n Notifier) *Client {
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	c := &Client{
		taskKey:   cfg.TaskKey,
		timeout:   timeout,
		limit:     lim,
		blacklist: bl,
		bus:       n,
		pending:   make(map[string]*pendingTask),
		events:    make(chan Event, 256),
		errs:      make(chan error, 64),
		done:      make(chan struct{}),
	}

	c.listener.Add(2)
	go c.listen()
	go c.forwardErrors()
	return c
}

// Events delivers TASK_ERROR, TASK_PROGRESS and TASK_DONE events. Events are
// dropped when nobody drains the channel.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Errors delivers faults not tied to a single task.
func (c *Client) Errors() <-chan error {
	return c.errs
}

// AddTask dispatches body to whichever server claims it first.
//
// Rejections happen synchronously and never invoke done: a body without the
// task key, a banned key and a key already running the maximum number of
// tasks. Once AddTask returns an id without error, done is called exactly
// once, with the server's result, ErrTimeout or ErrClosed. progress may be nil.
func (c *Client) AddTask(body map[string]interface{}, done CompletionFunc, progress ProgressFunc, opts ...TaskOption) (string, error) {
	if c.isClosed() {
		return "", ErrClosed
	}
	if done == nil {
		return "", ErrMissingCallback
	}

	to := taskOptions{timeout: c.timeout}
	for _, opt := range opts {
		opt(&to)
	}

	key, ok := limit.PartitionKey(body, c.taskKey)
	if !ok {
		return "", c.reject("missing_key", ErrMissingTaskKey)
	}

	status, err := c.blacklist.Check(body)
	if err != nil {
		return "", c.reject("store", err)
	}
	if status.Banned {
		return "", c.reject("blacklisted", &BlacklistedError{Key: key, Reason: status.Reason, Remaining: status.Remaining})
	}

	if err := c.limit.StartTask(body); err != nil {
		if errors.Is(err, limit.ErrTooManyTasks) {
			return "", c.reject("too_many_tasks", ErrTooManyTasks)
		}
		return "", c.reject("store", err)
	}

	id := misc.MakeID()
	p := &pendingTask{body: body, done: done, progress: progress, started: time.Now()}

	c.mu.Lock()
	c.pending[id] = p
	p.timer = time.AfterFunc(to.timeout, func() { c.expire(id) })
	c.mu.Unlock()
	metrics.TasksInFlight.Inc()

	envelope := map[string]interface{}{
		"taskId":      id,
		"taskDetails": body,
	}
	if err := c.bus.SendNotification(c.bus.BroadcastChannel(), id, envelope, StatusNewTask); err != nil {
		if c.take(id) == nil {
			// the timer won; done has been called
			return id, nil
		}
		p.timer.Stop()
		c.release(p.body)
		metrics.TasksInFlight.Dec()
		return "", c.reject("send", err)
	}

	metrics.TasksDispatched.Inc()
	glog.V(2).Infof("task %s dispatched for key %s", id, key)
	return id, nil
}

// Pending reports how many dispatched tasks have not finished.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// End fails every pending task with ErrClosed and disconnects.
func (c *Client) End() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]*pendingTask)
	c.mu.Unlock()

	close(c.done)
	err := c.bus.Close()
	c.listener.Wait()

	for id, p := range pending {
		p.timer.Stop()
		c.release(p.body)
		metrics.TasksInFlight.Dec()
		p.done(Result{ID: id}, ErrClosed)
	}

	for _, cl := range c.closers {
		if cerr := cl.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	glog.Infof("task client ended, %d pending tasks dropped", len(pending))
	return err
}

func (c *Client) watch(ctx context.Context) {
	select {
	case <-ctx.Done():
		c.End()
	case <-c.done:
	}
}

// listen handles notifications in arrival order, so the progress reports of
// a task reach its callbacks before its result. Callbacks run on this
// goroutine and must not block or call End.
func (c *Client) listen() {
	defer c.listener.Done()
	for n := range c.bus.Notifications() {
		c.handle(n)
	}
}

func (c *Client) forwardErrors() {
	defer c.listener.Done()
	for err := range c.bus.Errors() {
		c.fault(err)
	}
}

func (c *Client) handle(n bus.Notification) {
	msg, err := c.bus.ProcessNotification(n.ID, n.Status)
	if errors.Is(err, bus.ErrNotFound) {
		metrics.DuplicateDeliveries.Inc()
		glog.V(2).Infof("task %s: %s already processed", n.ID, n.Status)
		return
	}
	if errors.Is(err, bus.ErrClosed) {
		return
	}
	if err != nil {
		c.fault(fmt.Errorf("process %s for task %s: %w", n.Status, n.ID, err))
		if n.Status.Terminal() {
			c.finish(n.ID, n.Status, nil, err)
		}
		return
	}

	id := n.ID
	rid, details, err := extractResponse(msg)
	if err != nil {
		c.fault(fmt.Errorf("task %s: %w", id, err))
	} else if rid != id {
		glog.Warningf("task %s: response carries id %s", id, rid)
	}

	if n.Status == StatusProgress {
		c.progress(id, details)
		return
	}

	var taskErr error
	if te := fromWire(details); te != nil {
		taskErr = te
	}
	c.finish(id, n.Status, details, taskErr)
}

func (c *Client) progress(id string, details interface{}) {
	c.mu.Lock()
	p, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		return
	}

	c.emit(Event{Type: EventTaskProgress, ID: id, Details: details})
	if p.progress != nil {
		p.progress(id, details)
	}
}

// finish ends a task on a terminal notification. A task that already timed
// out is gone from the pending table, so a late result is discarded.
func (c *Client) finish(id string, status Status, details interface{}, err error) {
	p := c.take(id)
	if p == nil {
		glog.Warningf("task %s: late %s discarded", id, status)
		return
	}
	p.timer.Stop()
	c.release(p.body)

	metrics.TasksInFlight.Dec()
	metrics.TasksCompleted.WithLabelValues(string(status)).Inc()
	metrics.TaskLatency.Observe(time.Since(p.started).Seconds())

	if err != nil {
		c.emit(Event{Type: EventTaskError, ID: id, Details: details, Err: err})
	} else {
		c.emit(Event{Type: EventTaskDone, ID: id, Details: details})
	}
	p.done(Result{ID: id, Status: status, Details: details}, err)
}

func (c *Client) expire(id string) {
	p := c.take(id)
	if p == nil {
		return
	}
	c.release(p.body)

	metrics.TasksInFlight.Dec()
	metrics.TasksCompleted.WithLabelValues("TIMEOUT").Inc()
	glog.Warningf("task %s timed out", id)

	c.emit(Event{Type: EventTaskError, ID: id, Err: ErrTimeout})
	p.done(Result{ID: id}, ErrTimeout)
}

// take removes id from the pending table. Only the first caller gets the task.
func (c *Client) take(id string) *pendingTask {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return p
}

func (c *Client) release(body map[string]interface{}) {
	if err := c.limit.StopTask(body); err != nil {
		c.fault(fmt.Errorf("release task slot: %w", err))
	}
}

func (c *Client) reject(reason string, err error) error {
	metrics.TasksRejected.WithLabelValues(reason).Inc()
	c.emit(Event{Type: EventTaskError, Err: err})
	return err
}

func (c *Client) emit(e Event) {
	select {
	case c.events <- e:
	default:
	}
}

func (c *Client) fault(err error) {
	glog.Errorf("task client: %v", err)
	select {
	case c.errs <- err:
	default:
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// extractResponse unwraps {taskId, taskDetails}.
func extractResponse(msg map[string]interface{}) (string, interface{}, error) {
	id, hasID := msg["taskId"]
	details, hasDetails := msg["taskDetails"]
	if !hasID && !hasDetails {
		return "", msg, errors.New("incomplete task response")
	}
	sid, _ := id.(string)
	return sid, details, nil
}
