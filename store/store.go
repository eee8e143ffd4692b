// Package store adapts a Redis server to the primitives the task bus relies on:
// expiring strings, lists, hashes with atomic get-and-delete, and pub/sub.
package store

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// ErrNotFound is returned by HGetDel when the field has already been consumed.
var ErrNotFound = errors.New("store: no value for key")

// Message is one pub/sub delivery.
type Message struct {
	Channel string
	Payload string
}

// Store is the set of primitives used by the admission controller, the
// blacklist controller and the correlation bus. Every method maps onto a
// single atomic server-side operation.
type Store interface {
	Ping() error

	Get(key string) (string, bool, error)
	// SetNX stores value with a ttl unless key already exists, in which case
	// the existing value is returned untouched.
	SetNX(key string, ttl time.Duration, value string) (string, error)
	// IncrExpiring bumps a counter, arming ttl when the counter is created.
	IncrExpiring(key string, ttl time.Duration) (int64, error)
	TTL(key string) (time.Duration, error)
	Keys(pattern string) ([]string, error)

	// PushBounded pushes value on the head of key only while the list holds
	// fewer than max entries. It reports the new length and whether the push
	// happened.
	PushBounded(key, value string, max int) (int64, bool, error)
	LPop(key string) (string, bool, error)
	LLen(key string) (int64, error)
	LRange(key string, start, stop int64) ([]string, error)
	LRem(key string, count int64, value string) (int64, error)
	RPush(key, value string) (int64, error)

	HSet(hash, field, value string) error
	// HGetDel reads and removes hash[field] in one transaction.
	HGetDel(hash, field string) (string, error)

	Publish(channel, message string) error
	Subscribe(channels ...string) (Subscription, error)

	Close() error
}

// Subscription is a live pub/sub registration.
type Subscription interface {
	Channel() <-chan Message
	Close() error
}

// Config describes how to reach the Redis server.
type Config struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// DefaultConfig points at a local Redis.
func DefaultConfig() Config {
	return Config{
		Host: "127.0.0.1",
		Port: 6379,
	}
}

// Addr returns host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Config) String() string {
	return fmt.Sprintf("redis://%s/%d", c.Addr(), c.DB)
}
