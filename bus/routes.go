package bus

import (
	"sync"
	"time"
)

// announcement is one publish owed for a completed hash write.
type announcement struct {
	channel string
	status  Status
}

// route is the per correlation id bookkeeping of a bus. channel is where
// replies for an accepted task go; inFlight counts hash writes not yet
// finished and batch holds what those writes need announced.
type route struct {
	channel  string
	inFlight int
	batch    []announcement
	finished bool
	touched  time.Time
}

type routes struct {
	mu        sync.Mutex
	m         map[string]*route
	ttl       time.Duration
	lastSweep time.Time
	now       func() time.Time
}

// newRoutes returns a table whose idle accepted routes are dropped after
// ttl. A zero ttl keeps them until a terminal reply.
func newRoutes(ttl time.Duration) *routes {
	return &routes{
		m:         make(map[string]*route),
		ttl:       ttl,
		now:       time.Now,
		lastSweep: time.Now(),
	}
}

// accept records the reply channel of an accepted task.
func (rs *routes) accept(id, channel string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	now := rs.now()
	rs.sweep(now)

	r, ok := rs.m[id]
	if !ok {
		r = &route{}
		rs.m[id] = r
	}
	r.channel = channel
	r.finished = false
	r.touched = now
}

// channel returns the reply channel of an accepted, unfinished task.
func (rs *routes) channel(id string) (string, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	r, ok := rs.m[id]
	if !ok || r.channel == "" || r.finished {
		return "", false
	}
	if rs.expired(r, rs.now()) {
		delete(rs.m, id)
		return "", false
	}
	return r.channel, true
}

// begin registers a hash write for id.
func (rs *routes) begin(id string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	r, ok := rs.m[id]
	if !ok {
		r = &route{}
		rs.m[id] = r
	}
	r.inFlight++
}

// finish releases a write registered by begin. written reports whether the
// hash write succeeded; if so its announcement joins the batch. The caller
// that brings the in-flight count to zero gets the whole batch, non-terminal
// statuses first, and must publish it. Everyone else gets nil.
func (rs *routes) finish(id, channel string, status Status, written bool) []announcement {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	r, ok := rs.m[id]
	if !ok {
		return nil
	}

	r.inFlight--
	r.touched = rs.now()
	if written {
		r.add(announcement{channel: channel, status: status})
		if status.Terminal() {
			r.finished = true
		}
	}
	if r.inFlight > 0 {
		return nil
	}

	out := r.batch
	r.batch = nil
	if r.finished || r.channel == "" {
		delete(rs.m, id)
	}
	return out
}

func (rs *routes) len() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.m)
}

func (r *route) add(a announcement) {
	for _, b := range r.batch {
		if b == a {
			return
		}
	}
	if a.status.Terminal() {
		r.batch = append(r.batch, a)
		return
	}
	// keep progress ahead of any terminal status already batched
	i := 0
	for i < len(r.batch) && !r.batch[i].status.Terminal() {
		i++
	}
	r.batch = append(r.batch, announcement{})
	copy(r.batch[i+1:], r.batch[i:])
	r.batch[i] = a
}

func (rs *routes) expired(r *route, now time.Time) bool {
	return rs.ttl > 0 && r.inFlight == 0 && now.Sub(r.touched) > rs.ttl
}

// sweep drops expired routes, at most once per ttl. Caller holds mu.
func (rs *routes) sweep(now time.Time) {
	if rs.ttl <= 0 || now.Sub(rs.lastSweep) < rs.ttl {
		return
	}
	rs.lastSweep = now
	for id, r := range rs.m {
		if rs.expired(r, now) {
			delete(rs.m, id)
		}
	}
}
