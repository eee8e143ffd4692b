package store

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis"
	"github.com/golang/glog"
)

// pushBoundedScript makes the length check and the push a single admission
// decision.
var pushBoundedScript = redis.NewScript(`
local n = redis.call('LLEN', KEYS[1])
if n >= tonumber(ARGV[1]) then
	return -1
end
return redis.call('LPUSH', KEYS[1], ARGV[2])
`)

// incrExpiringScript bumps a counter and arms its expiry on creation only, so
// the window is measured from the first failure.
var incrExpiringScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// Redis implements Store on top of a go-redis client.
type Redis struct {
	client *redis.Client
	cfg    Config

	mu     sync.Mutex
	closed bool
}

// Dial connects to Redis and pings it once.
func Dial(cfg Config) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	r := &Redis{client: client, cfg: cfg}
	if err := r.Ping(); err != nil {
		client.Close()
		return nil, err
	}

	glog.V(1).Infof("store: connected to %s", cfg)
	return r, nil
}

func (r *Redis) Ping() error {
	if err := r.client.Ping().Err(); err != nil {
		return fmt.Errorf("ping redis %s error:%w", r.cfg, err)
	}
	return nil
}

func (r *Redis) Get(key string) (string, bool, error) {
	val, err := r.client.Get(key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (r *Redis) SetNX(key string, ttl time.Duration, value string) (string, error) {
	ok, err := r.client.SetNX(key, value, ttl).Result()
	if err != nil {
		return "", err
	}
	if ok {
		return value, nil
	}

	existing, found, err := r.Get(key)
	if err != nil {
		return "", err
	}
	if !found {
		// expired between SETNX and GET
		return r.SetNX(key, ttl, value)
	}
	return existing, nil
}

func (r *Redis) IncrExpiring(key string, ttl time.Duration) (int64, error) {
	secs := int64(ttl / time.Second)
	if secs < 1 {
		secs = 1
	}
	res, err := incrExpiringScript.Run(r.client, []string{key}, secs).Result()
	if err != nil {
		return 0, err
	}
	return toInt64(res)
}

// TTL returns the remaining lifetime of key, or a negative duration when the
// key is missing or has no expiry.
func (r *Redis) TTL(key string) (time.Duration, error) {
	d, err := r.client.TTL(key).Result()
	if err != nil {
		return 0, err
	}
	if d < time.Second {
		return -1, nil
	}
	return d, nil
}

func (r *Redis) Keys(pattern string) ([]string, error) {
	return r.client.Keys(pattern).Result()
}

func (r *Redis) PushBounded(key, value string, max int) (int64, bool, error) {
	res, err := pushBoundedScript.Run(r.client, []string{key}, max, value).Result()
	if err != nil {
		return 0, false, err
	}
	n, err := toInt64(res)
	if err != nil {
		return 0, false, err
	}
	if n < 0 {
		return int64(max), false, nil
	}
	return n, true, nil
}

func (r *Redis) LPop(key string) (string, bool, error) {
	val, err := r.client.LPop(key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (r *Redis) LLen(key string) (int64, error) {
	return r.client.LLen(key).Result()
}

func (r *Redis) LRange(key string, start, stop int64) ([]string, error) {
	return r.client.LRange(key, start, stop).Result()
}

func (r *Redis) LRem(key string, count int64, value string) (int64, error) {
	return r.client.LRem(key, count, value).Result()
}

func (r *Redis) RPush(key, value string) (int64, error) {
	return r.client.RPush(key, value).Result()
}

func (r *Redis) HSet(hash, field, value string) error {
	return r.client.HSet(hash, field, value).Err()
}

func (r *Redis) HGetDel(hash, field string) (string, error) {
	var get *redis.StringCmd
	_, err := r.client.TxPipelined(func(pipe redis.Pipeliner) error {
		get = pipe.HGet(hash, field)
		pipe.HDel(hash, field)
		return nil
	})
	if err != nil && err != redis.Nil {
		return "", fmt.Errorf("redis error: %w", err)
	}

	val, err := get.Result()
	if err == redis.Nil {
		return "", fmt.Errorf("%w %s:%s", ErrNotFound, hash, field)
	}
	if err != nil {
		return "", fmt.Errorf("redis error: %w", err)
	}
	return val, nil
}

func (r *Redis) Publish(channel, message string) error {
	return r.client.Publish(channel, message).Err()
}

func (r *Redis) Subscribe(channels ...string) (Subscription, error) {
	ps := r.client.Subscribe(channels...)
	// wait for the subscription to be confirmed so no publish is missed
	if _, err := ps.Receive(); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %v error:%w", channels, err)
	}
	return newSubscription(ps), nil
}

func (r *Redis) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.client.Close()
}

type subscription struct {
	ps   *redis.PubSub
	ch   chan Message
	once sync.Once
	done chan struct{}
}

func newSubscription(ps *redis.PubSub) *subscription {
	s := &subscription{
		ps:   ps,
		ch:   make(chan Message, 100),
		done: make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *subscription) pump() {
	defer close(s.ch)
	in := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.ch <- Message{Channel: msg.Channel, Payload: msg.Payload}:
			case <-s.done:
				return
			}
		}
	}
}

func (s *subscription) Channel() <-chan Message {
	return s.ch
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	}
	return 0, fmt.Errorf("unexpected script reply %T", v)
}
