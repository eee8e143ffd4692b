package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/golang/glog"

	"taskbus/blacklist"
	"taskbus/bus"
	"taskbus/store"
)

// Server is the worker side: it learns about new tasks, claims them and
// reports their progress and outcome.
type Server struct {
	bus       Notifier
	blacklist BlacklistController
	closers   []io.Closer

	available chan string
	errs      chan error

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewServer connects a worker to the broadcast channel. The server ends when
// ctx is done.
func NewServer(ctx context.Context, opts ...Option) (*Server, error) {
	o := newOptions(opts)
	cfg := o.cfg

	st, err := store.Dial(cfg.Redis)
	if err != nil {
		return nil, err
	}

	blOpts, err := o.auditors()
	if err != nil {
		st.Close()
		return nil, err
	}
	bl := blacklist.New(st, cfg.TaskKey, blOpts...)

	b, err := bus.Connect(cfg.Redis, cfg.busConfig(bus.Responder))
	if err != nil {
		st.Close()
		return nil, err
	}

	s := newServer(bl, b)
	s.closers = append(s.closers, st)
	go s.watch(ctx)

	glog.Infof("task server started on %s", b.BroadcastChannel())
	return s, nil
}

// MustNewServer is NewServer that panics on error.
func MustNewServer(ctx context.Context, opts ...Option) *Server {
	s, err := NewServer(ctx, opts...)
	if err != nil {
		panic(err)
	}
	return s
}

func newServer(bl BlacklistController, n Notifier) *Server {
	s := &Server{
		bus:       n,
		blacklist: bl,
		available: make(chan string, 256),
		errs:      make(chan error, 64),
		done:      make(chan struct{}),
	}
	s.wg.Add(2)
	go s.listen()
	go s.forwardErrors()
	return s
}

// Available delivers the id of every announced task (TASK_AVAILABLE). Any
// number of servers see the same id; AcceptTask decides who gets it. The
// channel is closed by End.
func (s *Server) Available() <-chan string {
	return s.available
}

// Errors delivers faults not tied to a single task.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// AcceptTask claims task id and returns its body. ErrAlreadyClaimed means
// another server, or an earlier delivery, got it first.
func (s *Server) AcceptTask(id string) (map[string]interface{}, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	if id == "" {
		return nil, ErrMissingID
	}

	msg, err := s.bus.ProcessNotification(id, StatusNewTask)
	if errors.Is(err, bus.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyClaimed, id)
	}
	if err != nil {
		return nil, err
	}

	details, ok := msg["taskDetails"]
	if !ok {
		return msg, nil
	}
	body, ok := details.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: task %s details are %T", ErrMalformed, id, details)
	}
	glog.V(2).Infof("task %s accepted", id)
	return body, nil
}

// ReportTask sends body back to the client of an accepted task. An error
// body is flattened to {isError: true, message, ...fields}.
func (s *Server) ReportTask(id string, status Status, body interface{}) error {
	if s.isClosed() {
		return ErrClosed
	}
	if id == "" || status == "" || body == nil {
		return ErrMissingField
	}
	if !status.Valid() || status == StatusNewTask {
		return fmt.Errorf("%w: %s is not a valid status", ErrInvalidStatus, status)
	}

	if err, ok := body.(error); ok {
		body = toWire(err)
	}

	return s.bus.Reply(id, status, map[string]interface{}{
		"taskId":      id,
		"taskDetails": body,
	})
}

// CompleteTask reports a terminal status: SUCCESS, ERROR or FAILED.
func (s *Server) CompleteTask(id string, status Status, body interface{}) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: %s is not a valid status", ErrInvalidStatus, status)
	}
	return s.ReportTask(id, status, body)
}

// ProgressTask reports progress; it may be called any number of times
// before CompleteTask.
func (s *Server) ProgressTask(id string, body interface{}) error {
	return s.ReportTask(id, StatusProgress, body)
}

// ReportBadTask counts a failure against a partition key value.
func (s *Server) ReportBadTask(key, reason string) (blacklist.Outcome, error) {
	if s.isClosed() {
		return "", ErrClosed
	}
	return s.blacklist.AddFailure(key, reason)
}

// End disconnects the server and closes Available.
func (s *Server) End() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	err := s.bus.Close()
	s.wg.Wait()

	for _, cl := range s.closers {
		if cerr := cl.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	glog.Infof("task server ended")
	return err
}

func (s *Server) watch(ctx context.Context) {
	select {
	case <-ctx.Done():
		s.End()
	case <-s.done:
	}
}

func (s *Server) listen() {
	defer s.wg.Done()
	defer close(s.available)

	for n := range s.bus.Notifications() {
		select {
		case s.available <- n.ID:
		case <-s.done:
		}
	}
}

func (s *Server) forwardErrors() {
	defer s.wg.Done()
	for err := range s.bus.Errors() {
		glog.Errorf("task server: %v", err)
		select {
		case s.errs <- err:
		default:
		}
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
