package task

import (
	"context"
	"flag"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	_ = flag.Set("logtostderr", "true")
	flag.Parse()
	os.Exit(m.Run())
}

func testInit(t *testing.T) (*miniredis.Miniredis, Option) {
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	return mr, SetRedis(mr.Host(), port, "")
}

func newTestClient(t *testing.T, redis Option, opts ...Option) *Client {
	opts = append([]Option{redis, SetTaskKey("a")}, opts...)
	c, err := NewClient(context.Background(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.End() })
	return c
}

func newTestServer(t *testing.T, redis Option, opts ...Option) *Server {
	opts = append([]Option{redis, SetTaskKey("a")}, opts...)
	s, err := NewServer(context.Background(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.End() })
	return s
}

type outcome struct {
	res Result
	err error
}

// collector records completion callbacks.
type collector struct {
	ch chan outcome
}

func newCollector() *collector {
	return &collector{ch: make(chan outcome, 100)}
}

func (c *collector) done(res Result, err error) {
	c.ch <- outcome{res: res, err: err}
}

func (c *collector) wait(t *testing.T) outcome {
	select {
	case o := <-c.ch:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("completion callback not invoked")
	}
	return outcome{}
}

func (c *collector) none(t *testing.T, d time.Duration) {
	select {
	case o := <-c.ch:
		t.Fatalf("unexpected completion %+v", o)
	case <-time.After(d):
	}
}

// work runs fn for every task the server claims.
func work(t *testing.T, s *Server, fn func(id string, body map[string]interface{})) {
	go func() {
		for id := range s.Available() {
			body, err := s.AcceptTask(id)
			if err != nil {
				continue
			}
			fn(id, body)
		}
	}()
}
