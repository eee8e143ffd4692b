// Package bus emulates request/response over Redis pub/sub. Payloads are
// parked in a hash under their correlation id and only "<id> <status>" goes
// over the channel; the receiver claims the payload with an atomic
// get-and-delete, which is also what makes redelivered notifications
// harmless.
package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"

	"taskbus/metrics"
	"taskbus/misc"
	"taskbus/store"
)

const (
	channelPrefix     = "msgChannels:"
	DefaultBroadcast  = channelPrefix + "broadcast"
	DefaultHashSuffix = ":normal"

	// MaxPayload caps a serialized message.
	MaxPayload = 1024 * 1024

	// DefaultRouteTTL bounds how long an accepted task may stay silent
	// before its reply route is forgotten.
	DefaultRouteTTL = time.Hour

	fieldListenChannel = "_listenChannel"
	fieldMessageID     = "_messageId"
	fieldStatus        = "_status"
)

var (
	ErrClosed           = errors.New("attempt to use shutdown bus")
	ErrMissingID        = errors.New("missing message id")
	ErrMissingBody      = errors.New("missing message body")
	ErrInvalidStatus    = errors.New("invalid status")
	ErrPayloadTooLarge  = errors.New("payload too large")
	ErrSerialization    = errors.New("error converting message to JSON")
	ErrNotFound         = errors.New("no message for id")
	ErrMalformedPayload = errors.New("bad data in sent message")
	ErrNotAccepted      = errors.New("attempt to respond to message that was never accepted")
)

// Role selects what a bus subscribes to.
type Role int

const (
	// Creator listens on its private channel for replies.
	Creator Role = iota
	// Responder listens on the broadcast channel for new work.
	Responder
)

func (r Role) String() string {
	if r == Responder {
		return "responder"
	}
	return "creator"
}

// Config names the channel and hashes a bus uses. Empty hash overrides fall
// back to <status-lowercase><HashSuffix>.
type Config struct {
	Role         Role
	Broadcast    string
	HashSuffix   string
	DataHash     string
	OutputHash   string
	ProgressHash string
	// RouteTTL drops the reply route of an accepted task that has not
	// replied for this long. Zero means DefaultRouteTTL; negative disables it.
	RouteTTL time.Duration
}

// Notification announces that a payload for ID is waiting in the hash of Status.
type Notification struct {
	ID      string
	Status  Status
	Channel string
}

// Bus is one participant on the bus. It owns three store connections: one
// subscribed, one for publishing and one for payloads.
type Bus struct {
	id            string
	cfg           Config
	listenChannel string

	sub      store.Subscription
	subStore store.Store
	pub      store.Store
	data     store.Store
	owned    bool

	routes *routes
	notes  chan Notification
	errs   chan error

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// Connect dials the three connections of a bus and subscribes according to
// cfg.Role. The bus is usable once Connect returns.
func Connect(scfg store.Config, cfg Config) (*Bus, error) {
	var conns []*store.Redis
	for i := 0; i < 3; i++ {
		c, err := store.Dial(scfg)
		if err != nil {
			for _, c := range conns {
				c.Close()
			}
			return nil, err
		}
		conns = append(conns, c)
	}

	b, err := New(conns[0], conns[1], conns[2], cfg)
	if err != nil {
		for _, c := range conns {
			c.Close()
		}
		return nil, err
	}
	b.owned = true
	return b, nil
}

// New builds a bus over existing connections. The caller keeps ownership of
// the stores.
func New(sub, pub, data store.Store, cfg Config) (*Bus, error) {
	if cfg.Broadcast == "" {
		cfg.Broadcast = DefaultBroadcast
	}
	if cfg.HashSuffix == "" {
		cfg.HashSuffix = DefaultHashSuffix
	}
	if cfg.RouteTTL == 0 {
		cfg.RouteTTL = DefaultRouteTTL
	}

	for _, s := range []store.Store{sub, pub, data} {
		if err := s.Ping(); err != nil {
			return nil, err
		}
	}

	b := &Bus{
		id:            misc.MakeID(),
		cfg:           cfg,
		listenChannel: channelPrefix + misc.MakeID(),
		subStore:      sub,
		pub:           pub,
		data:          data,
		routes:        newRoutes(cfg.RouteTTL),
		notes:         make(chan Notification, 1024),
		errs:          make(chan error, 64),
		done:          make(chan struct{}),
	}

	channel := b.listenChannel
	if cfg.Role == Responder {
		channel = cfg.Broadcast
	}
	s, err := sub.Subscribe(channel)
	if err != nil {
		return nil, err
	}
	b.sub = s

	b.wg.Add(1)
	go b.listen(channel)

	glog.V(1).Infof("bus %s: %s listening on %s", b.id, cfg.Role, channel)
	return b, nil
}

// ListenChannel is the private channel replies to this bus are published on.
func (b *Bus) ListenChannel() string {
	return b.listenChannel
}

// BroadcastChannel is the shared channel new tasks are announced on.
func (b *Bus) BroadcastChannel() string {
	return b.cfg.Broadcast
}

// Notifications delivers every notification addressed to this bus. The
// channel is closed by Close.
func (b *Bus) Notifications() <-chan Notification {
	return b.notes
}

// Errors delivers connection level faults that have no caller to report to.
// Faults are dropped when nobody drains the channel.
func (b *Bus) Errors() <-chan error {
	return b.errs
}

// HashFor returns the hash payloads of status are stored in.
func (b *Bus) HashFor(status Status) string {
	switch {
	case status == StatusNewTask && b.cfg.DataHash != "":
		return b.cfg.DataHash
	case status == StatusProgress && b.cfg.ProgressHash != "":
		return b.cfg.ProgressHash
	case status.Terminal() && b.cfg.OutputHash != "":
		return b.cfg.OutputHash
	}
	return strings.ToLower(string(status)) + b.cfg.HashSuffix
}

// SendNotification stores msg under id and announces it on channel. msg is
// not modified; the stored copy carries this bus's listen channel, the id and
// the status.
//
// Overlapping writes for the same id form a batch: the write that finishes
// last publishes once for every status the batch stored, progress before
// the terminal status, so a burst of writes to one hash yields one
// notification and a terminal write is never swallowed by a slower one.
func (b *Bus) SendNotification(channel, id string, msg map[string]interface{}, status Status) error {
	if b.isClosed() {
		return ErrClosed
	}
	if id == "" {
		return ErrMissingID
	}
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	if msg == nil {
		return ErrMissingBody
	}

	out := make(map[string]interface{}, len(msg)+3)
	for k, v := range msg {
		out[k] = v
	}
	out[fieldListenChannel] = b.listenChannel
	out[fieldMessageID] = id
	out[fieldStatus] = string(status)

	raw, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	if len(raw) > MaxPayload {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(raw))
	}

	b.routes.begin(id)
	herr := b.data.HSet(b.HashFor(status), id, string(raw))
	perr := b.publish(id, b.routes.finish(id, channel, status, herr == nil))

	if herr != nil {
		if perr != nil {
			b.fault(fmt.Errorf("error publishing batch for %s: %w", id, perr))
		}
		return fmt.Errorf("error sending message: %w", herr)
	}
	if perr != nil {
		return fmt.Errorf("error publishing message: %w", perr)
	}
	return nil
}

// publish announces a finished batch. Every announcement is attempted; the
// first error is returned.
func (b *Bus) publish(id string, batch []announcement) error {
	var first error
	for _, a := range batch {
		if err := b.pub.Publish(a.channel, id+" "+string(a.status)); err != nil {
			if first == nil {
				first = err
			}
			continue
		}
		metrics.Notifications.WithLabelValues(string(a.status)).Inc()
	}
	return first
}

// ProcessNotification claims the payload stored for id under status. Exactly
// one caller gets the payload; later calls fail with ErrNotFound. The
// returned map no longer holds the routing fields.
//
// On a responder, claiming a NEWTASK payload records where replies go.
func (b *Bus) ProcessNotification(id string, status Status) (map[string]interface{}, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}
	if id == "" {
		return nil, ErrMissingID
	}
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	raw, err := b.data.HGetDel(b.HashFor(status), id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	var msg map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if msg == nil {
		return nil, fmt.Errorf("%w: empty message", ErrMalformedPayload)
	}

	if mid, _ := msg[fieldMessageID].(string); mid != id {
		glog.Warningf("bus %s: mis-match on ids, %s does not equal %s", b.id, mid, id)
	}
	if b.cfg.Role == Responder && status == StatusNewTask {
		ch, _ := msg[fieldListenChannel].(string)
		if ch == "" {
			return nil, fmt.Errorf("%w: no listen channel", ErrMalformedPayload)
		}
		b.routes.accept(id, ch)
	}

	delete(msg, fieldListenChannel)
	delete(msg, fieldMessageID)
	delete(msg, fieldStatus)
	return msg, nil
}

// Reply sends msg for an accepted id back to the bus that created it.
// A terminal status ends the route, as does RouteTTL of silence; later
// replies fail with ErrNotAccepted.
func (b *Bus) Reply(id string, status Status, msg map[string]interface{}) error {
	if id == "" {
		return ErrMissingID
	}
	if !status.Valid() || status == StatusNewTask {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	if msg == nil {
		return ErrMissingBody
	}

	channel, ok := b.routes.channel(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotAccepted, id)
	}
	return b.SendNotification(channel, id, msg, status)
}

// Close unsubscribes, waits for the listener and closes the notification and
// fault channels. Stores are closed only if Connect dialed them.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()

	err := b.sub.Close()
	b.wg.Wait()
	close(b.notes)
	close(b.errs)

	if b.owned {
		for _, s := range []store.Store{b.subStore, b.pub, b.data} {
			if cerr := s.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	}
	glog.V(1).Infof("bus %s: closed", b.id)
	return err
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Bus) listen(channel string) {
	defer b.wg.Done()

	in := b.sub.Channel()
	for {
		select {
		case <-b.done:
			return
		case msg, ok := <-in:
			if !ok {
				select {
				case <-b.done:
				default:
					b.fault(fmt.Errorf("bus %s: subscription to %s lost", b.id, channel))
				}
				return
			}
			b.dispatch(channel, msg)
		}
	}
}

func (b *Bus) dispatch(channel string, msg store.Message) {
	if msg.Channel != channel {
		if b.cfg.Role == Creator {
			b.fault(fmt.Errorf("got message for some other channel (expected: %s, actual: %s)", channel, msg.Channel))
		}
		return
	}

	n, err := parseNotification(msg)
	if err != nil {
		b.fault(err)
		return
	}
	if b.cfg.Role == Responder && n.Status != StatusNewTask {
		return
	}

	select {
	case b.notes <- n:
	case <-b.done:
	}
}

func (b *Bus) fault(err error) {
	glog.Errorf("bus %s: %v", b.id, err)
	select {
	case b.errs <- err:
	default:
	}
}

func parseNotification(msg store.Message) (Notification, error) {
	parts := strings.Fields(msg.Payload)
	if len(parts) < 2 {
		return Notification{}, fmt.Errorf("invalid message received: %q", msg.Payload)
	}
	status := Status(parts[1])
	if !status.Valid() {
		return Notification{}, fmt.Errorf("%w in message %q", ErrInvalidStatus, msg.Payload)
	}
	return Notification{ID: parts[0], Status: status, Channel: msg.Channel}, nil
}
