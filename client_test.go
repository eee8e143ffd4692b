package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClientRequiresTaskKey(t *testing.T) {
	_, redis := testInit(t)

	_, err := NewClient(context.Background(), redis)
	assert.ErrorIs(t, err, ErrMissingTaskKey)

	assert.Panics(t, func() { MustNewClient(context.Background(), redis) })
}

func TestAddTaskMissingKeyNeverTouchesStore(t *testing.T) {
	mr, redis := testInit(t)
	c := newTestClient(t, redis)

	called := false
	for _, body := range []map[string]interface{}{nil, {}, {"b": "x"}, {"a": ""}} {
		_, err := c.AddTask(body, func(Result, error) { called = true }, nil)
		assert.ErrorIs(t, err, ErrMissingTaskKey)
	}

	assert.False(t, called)
	assert.Empty(t, mr.Keys())
	assert.Equal(t, 0, c.Pending())
}

func TestAddTaskMissingCallback(t *testing.T) {
	_, redis := testInit(t)
	c := newTestClient(t, redis)

	_, err := c.AddTask(map[string]interface{}{"a": "x"}, nil, nil)
	assert.ErrorIs(t, err, ErrMissingCallback)
}

func TestRoundTrip(t *testing.T) {
	mr, redis := testInit(t)
	c := newTestClient(t, redis)
	s := newTestServer(t, redis)

	work(t, s, func(id string, body map[string]interface{}) {
		assert.NoError(t, s.ProgressTask(id, "25%"))
		assert.NoError(t, s.ProgressTask(id, "75%"))
		assert.NoError(t, s.CompleteTask(id, StatusSuccess, map[string]interface{}{"echo": body["msg"]}))
	})

	var (
		mu       sync.Mutex
		progress []interface{}
	)
	col := newCollector()
	id, err := c.AddTask(map[string]interface{}{"a": "kid1234", "msg": "Hi Mom!"}, col.done, func(pid string, details interface{}) {
		mu.Lock()
		defer mu.Unlock()
		assert.NotEmpty(t, pid)
		progress = append(progress, details)
	})
	require.NoError(t, err)
	assert.Len(t, id, 32)

	o := col.wait(t)
	assert.NoError(t, o.err)
	assert.Equal(t, id, o.res.ID)
	assert.Equal(t, StatusSuccess, o.res.Status)
	assert.Equal(t, map[string]interface{}{"echo": "Hi Mom!"}, o.res.Details)

	// overlapping progress writes share one hash field, so an early
	// notification may already see the newer value
	mu.Lock()
	require.NotEmpty(t, progress)
	assert.LessOrEqual(t, len(progress), 2)
	assert.Equal(t, "75%", progress[len(progress)-1])
	mu.Unlock()

	assert.Equal(t, 0, c.Pending())
	assert.Eventually(t, func() bool { return !mr.Exists("taskKey:kid1234") }, time.Second, 10*time.Millisecond)
	col.none(t, 100*time.Millisecond)
}

func TestTooManyTasksUntilTimeoutReleasesSlot(t *testing.T) {
	mr, redis := testInit(t)
	c := newTestClient(t, redis, SetMaxTasksPerKey(1), SetTimeout(150*time.Millisecond))

	col := newCollector()
	task := map[string]interface{}{"a": "x"}

	_, err := c.AddTask(task, col.done, nil)
	require.NoError(t, err)

	_, err = c.AddTask(task, col.done, nil)
	assert.ErrorIs(t, err, ErrTooManyTasks)

	// a different key is not limited
	_, err = c.AddTask(map[string]interface{}{"a": "y"}, col.done, nil)
	assert.NoError(t, err)

	for i := 0; i < 2; i++ {
		o := col.wait(t)
		assert.ErrorIs(t, o.err, ErrTimeout)
	}
	assert.False(t, mr.Exists("taskKey:x"))

	_, err = c.AddTask(task, col.done, nil)
	assert.NoError(t, err)
}

func TestPerTaskTimeout(t *testing.T) {
	_, redis := testInit(t)
	c := newTestClient(t, redis, SetTimeout(time.Hour))

	col := newCollector()
	start := time.Now()
	_, err := c.AddTask(map[string]interface{}{"a": "x"}, col.done, nil, WithTaskTimeout(50*time.Millisecond))
	require.NoError(t, err)

	o := col.wait(t)
	assert.ErrorIs(t, o.err, ErrTimeout)
	assert.True(t, time.Since(start) < time.Minute)
}

func TestBlacklistedTaskIsRejected(t *testing.T) {
	mr, redis := testInit(t)
	c := newTestClient(t, redis, SetBlacklistThreshold(1), SetGlobalBlacklistTimeout(time.Minute))
	s := newTestServer(t, redis, SetBlacklistThreshold(1), SetGlobalBlacklistTimeout(time.Minute))

	out, err := s.ReportBadTask("evil", "first")
	require.NoError(t, err)
	assert.Equal(t, "OK", string(out))
	out, err = s.ReportBadTask("evil", "second")
	require.NoError(t, err)
	assert.Equal(t, "Blacklisted", string(out))

	_, err = c.AddTask(map[string]interface{}{"a": "evil"}, func(Result, error) {
		t.Error("callback must not run for a rejected task")
	}, nil)
	assert.ErrorIs(t, err, ErrBlacklisted)

	var be *BlacklistedError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, "evil", be.Key)
	assert.Equal(t, "second", be.Reason)
	assert.Equal(t, time.Minute, be.Remaining)
	assert.False(t, mr.Exists("taskKey:evil"))

	mr.FastForward(time.Minute)
	col := newCollector()
	_, err = c.AddTask(map[string]interface{}{"a": "evil"}, col.done, nil)
	assert.NoError(t, err)
}

func TestTimeoutRaceInvokesCallbackOnce(t *testing.T) {
	mr, redis := testInit(t)
	c := newTestClient(t, redis, SetTimeout(100*time.Millisecond))
	s := newTestServer(t, redis)

	var calls int32
	timedOut := make(chan struct{})
	reported := make(chan struct{})

	work(t, s, func(id string, body map[string]interface{}) {
		<-timedOut
		assert.NoError(t, s.CompleteTask(id, StatusSuccess, "too late"))
		close(reported)
	})

	_, err := c.AddTask(map[string]interface{}{"a": "x"}, func(res Result, err error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			assert.ErrorIs(t, err, ErrTimeout)
			assert.Equal(t, Status(""), res.Status)
			close(timedOut)
		}
	}, nil)
	require.NoError(t, err)

	select {
	case <-reported:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never reported")
	}

	// the late result is claimed and dropped
	assert.Eventually(t, func() bool { return !mr.Exists("success:normal") }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRemoteErrorIsRebuilt(t *testing.T) {
	_, redis := testInit(t)
	c := newTestClient(t, redis)
	s := newTestServer(t, redis)

	work(t, s, func(id string, body map[string]interface{}) {
		switch body["kind"] {
		case "typed":
			assert.NoError(t, s.CompleteTask(id, StatusError, NewTaskError("boom", map[string]interface{}{"code": 42})))
		case "plain":
			assert.NoError(t, s.CompleteTask(id, StatusFailed, errors.New("disk full")))
		}
	})

	col := newCollector()
	_, err := c.AddTask(map[string]interface{}{"a": "x", "kind": "typed"}, col.done, nil)
	require.NoError(t, err)
	o := col.wait(t)
	assert.Equal(t, StatusError, o.res.Status)
	var te *TaskError
	require.True(t, errors.As(o.err, &te))
	assert.Equal(t, "boom", te.Message)
	assert.Equal(t, float64(42), te.Fields["code"])
	assert.NotContains(t, te.Fields, "isError")

	_, err = c.AddTask(map[string]interface{}{"a": "x", "kind": "plain"}, col.done, nil)
	require.NoError(t, err)
	o = col.wait(t)
	assert.Equal(t, StatusFailed, o.res.Status)
	assert.EqualError(t, o.err, "disk full")
}

func TestConcurrentTasksCompleteOnce(t *testing.T) {
	_, redis := testInit(t)
	c := newTestClient(t, redis, SetMaxTasksPerKey(100))
	s := newTestServer(t, redis)

	work(t, s, func(id string, body map[string]interface{}) {
		go func() {
			assert.NoError(t, s.CompleteTask(id, StatusSuccess, body))
		}()
	})

	const n = 40
	var (
		mu    sync.Mutex
		calls = make(map[string]int)
		wg    sync.WaitGroup
	)
	wg.Add(n)
	for i := 0; i < n; i++ {
		_, err := c.AddTask(map[string]interface{}{"a": fmt.Sprintf("k%d", i%4), "i": i}, func(res Result, err error) {
			defer wg.Done()
			assert.NoError(t, err)
			mu.Lock()
			calls[res.ID]++
			mu.Unlock()
		}, nil)
		require.NoError(t, err)
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(10 * time.Second):
		t.Fatal("not all tasks completed")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, calls, n)
	for id, count := range calls {
		assert.Equal(t, 1, count, id)
	}
}

func TestEvents(t *testing.T) {
	_, redis := testInit(t)
	c := newTestClient(t, redis)
	s := newTestServer(t, redis)

	work(t, s, func(id string, body map[string]interface{}) {
		s.ProgressTask(id, "working")
		s.CompleteTask(id, StatusSuccess, "done")
	})

	_, err := c.AddTask(map[string]interface{}{"b": "no key"}, func(Result, error) {}, nil)
	require.Error(t, err)

	col := newCollector()
	id, err := c.AddTask(map[string]interface{}{"a": "x"}, col.done, nil)
	require.NoError(t, err)
	col.wait(t)

	var got []Event
	timeout := time.After(2 * time.Second)
	for len(got) < 3 {
		select {
		case e := <-c.Events():
			got = append(got, e)
		case <-timeout:
			t.Fatalf("only got events %+v", got)
		}
	}

	assert.Equal(t, EventTaskError, got[0].Type)
	assert.ErrorIs(t, got[0].Err, ErrMissingTaskKey)
	assert.Equal(t, Event{Type: EventTaskProgress, ID: id, Details: "working"}, got[1])
	assert.Equal(t, Event{Type: EventTaskDone, ID: id, Details: "done"}, got[2])
}

func TestEndFailsPendingTasks(t *testing.T) {
	mr, redis := testInit(t)
	c, err := NewClient(context.Background(), redis, SetTaskKey("a"), SetTimeout(time.Hour))
	require.NoError(t, err)

	col := newCollector()
	id, err := c.AddTask(map[string]interface{}{"a": "x"}, col.done, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Pending())

	require.NoError(t, c.End())
	assert.NoError(t, c.End())

	o := col.wait(t)
	assert.Equal(t, id, o.res.ID)
	assert.ErrorIs(t, o.err, ErrClosed)
	assert.False(t, mr.Exists("taskKey:x"))

	_, err = c.AddTask(map[string]interface{}{"a": "x"}, col.done, nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestContextCancelEndsClient(t *testing.T) {
	_, redis := testInit(t)
	ctx, cancel := context.WithCancel(context.Background())
	c, err := NewClient(ctx, redis, SetTaskKey("a"))
	require.NoError(t, err)

	cancel()
	assert.Eventually(t, func() bool {
		_, err := c.AddTask(map[string]interface{}{"a": "x"}, func(Result, error) {}, nil)
		return errors.Is(err, ErrClosed)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartupReclaimsOwnSlots(t *testing.T) {
	mr, redis := testInit(t)

	mr.Lpush("taskKey:x", `{"date":"2020-01-01T00:00:00Z","host":"crashed-host"}`)
	mr.Lpush("taskKey:x", `{"date":"2020-01-01T00:00:00Z","host":"other-host"}`)

	newTestClient(t, redis, SetHostname("crashed-host"))

	vals, err := mr.List("taskKey:x")
	require.NoError(t, err)
	assert.Equal(t, []string{`{"date":"2020-01-01T00:00:00Z","host":"other-host"}`}, vals)
}

func TestTaskNameNamespacesChannels(t *testing.T) {
	_, redis := testInit(t)
	c := newTestClient(t, redis, SetTaskName("thumbs"), SetTimeout(time.Hour))
	s := newTestServer(t, redis, SetTaskName("thumbs"))
	other := newTestServer(t, redis)

	claimed := make(chan string, 1)
	work(t, s, func(id string, body map[string]interface{}) {
		claimed <- id
		s.CompleteTask(id, StatusSuccess, "ok")
	})

	col := newCollector()
	id, err := c.AddTask(map[string]interface{}{"a": "x"}, col.done, nil)
	require.NoError(t, err)

	o := col.wait(t)
	assert.NoError(t, o.err)
	assert.Equal(t, id, <-claimed)

	select {
	case got := <-other.Available():
		t.Fatalf("server on default broadcast saw %s", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestProgressRacingCompletionStillDelivers(t *testing.T) {
	_, redis := testInit(t)
	c := newTestClient(t, redis, SetMaxTasksPerKey(100), SetTimeout(3*time.Second))
	s := newTestServer(t, redis)

	work(t, s, func(id string, body map[string]interface{}) {
		var wg sync.WaitGroup
		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				// loses to the completion some of the time; ErrNotAccepted is fine
				s.ProgressTask(id, i)
			}(i)
		}
		assert.NoError(t, s.CompleteTask(id, StatusSuccess, "done"))
		wg.Wait()
	})

	const n = 30
	col := newCollector()
	for i := 0; i < n; i++ {
		_, err := c.AddTask(map[string]interface{}{"a": "x", "i": i}, col.done, nil)
		require.NoError(t, err)
	}

	for i := 0; i < n; i++ {
		o := col.wait(t)
		require.NoError(t, o.err, "task %s", o.res.ID)
		assert.Equal(t, StatusSuccess, o.res.Status)
		assert.Equal(t, "done", o.res.Details)
	}
	assert.Equal(t, 0, c.Pending())
}
